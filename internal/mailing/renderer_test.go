package mailing

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/enrollio/ma-engine/internal/engine"
)

func testRenderer() *Renderer {
	return NewRenderer(RendererOptions{
		BaseURL:           "https://ma.example.ac.jp",
		UnsubscribeSecret: "unsub-secret",
		TrackingSecret:    "track-secret",
		LineFriendAddURL:  "https://line.me/R/ti/p/@example",
	})
}

func testLead() *engine.Lead {
	return &engine.Lead{
		ID:             uuid.New(),
		Email:          "hanako@example.com",
		Name:           "鈴木花子",
		SchoolName:     "県立北高校",
		GraduationYear: 2027,
	}
}

func approvedTemplate(ch engine.Channel, subject, body string) *engine.Template {
	at := time.Now()
	return &engine.Template{
		ID:         uuid.New(),
		Channel:    ch,
		Subject:    subject,
		BodyHTML:   body,
		Status:     engine.TemplateApproved,
		ApprovedAt: &at,
	}
}

func TestRenderSubstitution(t *testing.T) {
	r := testRenderer()
	lead := testLead()
	tmpl := approvedTemplate(engine.ChannelEmail,
		"{{ lead_name }}様へのご案内",
		"<html><body><p>{{ lead_school_name }}の{{ lead_name }}様 ({{ lead_graduation_year }}年卒業予定)</p></body></html>")

	subject, body, err := r.Render(tmpl, lead, uuid.New())
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if subject != "鈴木花子様へのご案内" {
		t.Errorf("subject = %q", subject)
	}
	if !strings.Contains(body, "県立北高校の鈴木花子様 (2027年卒業予定)") {
		t.Errorf("body substitution failed: %s", body)
	}
}

func TestRenderDefaultFilter(t *testing.T) {
	r := testRenderer()
	lead := testLead()
	lead.Name = ""
	tmpl := approvedTemplate(engine.ChannelEmail, `{{ lead_name | default: "皆さま" }}へ`, "<p>x</p>")

	subject, _, err := r.Render(tmpl, lead, uuid.New())
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if subject != "皆さまへ" {
		t.Errorf("subject = %q, want the default fallback", subject)
	}
}

func TestRenderEmailInjectsFooterAndPixel(t *testing.T) {
	r := testRenderer()
	lead := testLead()
	sendLogID := uuid.New()
	tmpl := approvedTemplate(engine.ChannelEmail, "s", "<html><body><p>本文</p></body></html>")

	_, body, err := r.Render(tmpl, lead, sendLogID)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if !strings.Contains(body, "/unsubscribe/"+lead.ID.String()) {
		t.Error("unsubscribe footer not injected")
	}
	if !strings.Contains(body, "/t/open/"+sendLogID.String()) {
		t.Error("tracking pixel not injected")
	}
}

func TestRenderFooterNotDuplicated(t *testing.T) {
	r := testRenderer()
	lead := testLead()
	tmpl := approvedTemplate(engine.ChannelEmail, "s",
		`<html><body><p>本文</p><a href="{{ unsubscribe_url }}">配信停止</a></body></html>`)

	_, body, err := r.Render(tmpl, lead, uuid.New())
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if got := strings.Count(body, "/unsubscribe/"+lead.ID.String()); got != 1 {
		t.Errorf("unsubscribe link appears %d times, want 1", got)
	}
}

func TestRenderLineSkipsEmailDecorations(t *testing.T) {
	r := testRenderer()
	lead := testLead()
	tmpl := approvedTemplate(engine.ChannelLine, "", "{{ lead_name }}さん、友だち追加はこちら: {{ line_friend_add_url }}")

	_, body, err := r.Render(tmpl, lead, uuid.New())
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if strings.Contains(body, "/t/open/") || strings.Contains(body, "配信停止を希望") {
		t.Errorf("LINE body must not carry email footer or pixel: %s", body)
	}
	if !strings.Contains(body, "https://line.me/R/ti/p/@example") {
		t.Errorf("friend-add URL not substituted: %s", body)
	}
}

func TestRenderBrokenTemplateFallsBack(t *testing.T) {
	r := testRenderer()
	lead := testLead()
	tmpl := approvedTemplate(engine.ChannelLine, "{{ broken", "{% if %}")

	subject, body, err := r.Render(tmpl, lead, uuid.New())
	if err != nil {
		t.Fatalf("Render() must not fail on a broken template: %v", err)
	}
	if subject != "{{ broken" || body != "{% if %}" {
		t.Errorf("broken template should render as raw text, got %q / %q", subject, body)
	}
}
