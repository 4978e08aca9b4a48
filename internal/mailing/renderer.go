package mailing

import (
	"crypto/md5"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/osteele/liquid"

	"github.com/enrollio/ma-engine/internal/engine"
)

// Renderer renders message templates with Liquid. Rendering is lax: a
// template that fails to parse or render falls back to its raw text, so a
// broken template degrades the message rather than the whole dispatch
// pass. Parsed templates are cached by content hash.
type Renderer struct {
	liquid *liquid.Engine
	cache  sync.Map // md5 content hash -> *liquid.Template

	baseURL           string
	unsubscribeSecret string
	trackingSecret    string
	lineFriendAddURL  string
}

// RendererOptions carries the URL/secret material templates can reference.
type RendererOptions struct {
	BaseURL           string
	UnsubscribeSecret string
	TrackingSecret    string
	LineFriendAddURL  string
}

func NewRenderer(opts RendererOptions) *Renderer {
	eng := liquid.NewEngine()
	// {{ lead_name | default: "皆さま" }}
	eng.RegisterFilter("default", func(value any, fallback string) any {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})
	return &Renderer{
		liquid:            eng,
		baseURL:           opts.BaseURL,
		unsubscribeSecret: opts.UnsubscribeSecret,
		trackingSecret:    opts.TrackingSecret,
		lineFriendAddURL:  opts.LineFriendAddURL,
	}
}

// Variables builds the substitution bindings for a lead.
func (r *Renderer) Variables(lead *engine.Lead) map[string]any {
	return map[string]any{
		"lead_name":            lead.Name,
		"lead_email":           lead.Email,
		"lead_school_name":     lead.SchoolName,
		"lead_graduation_year": lead.GraduationYear,
		"unsubscribe_url":      UnsubscribeURL(r.baseURL, r.unsubscribeSecret, lead.ID),
		"line_friend_add_url":  r.lineFriendAddURL,
	}
}

// Render produces the subject and body for one send. Email bodies get the
// unsubscribe footer when the template does not already reference
// unsubscribe_url, plus the open-tracking pixel keyed by the SendLog ID.
func (r *Renderer) Render(tmpl *engine.Template, lead *engine.Lead, sendLogID uuid.UUID) (string, string, error) {
	vars := r.Variables(lead)

	subject := r.renderString(tmpl.Subject, vars)
	body := r.renderString(tmpl.BodyHTML, vars)

	if tmpl.Channel == engine.ChannelEmail {
		if !strings.Contains(tmpl.BodyHTML, "unsubscribe_url") && r.baseURL != "" {
			body = injectUnsubscribeFooter(body, vars["unsubscribe_url"].(string))
		}
		body = InjectTrackingPixel(body, OpenPixelURL(r.baseURL, r.trackingSecret, sendLogID))
	}
	return subject, body, nil
}

func (r *Renderer) renderString(src string, vars map[string]any) string {
	t, err := r.parse(src)
	if err != nil {
		return src
	}
	out, err := t.RenderString(vars)
	if err != nil {
		return src
	}
	return out
}

func (r *Renderer) parse(src string) (*liquid.Template, error) {
	key := fmt.Sprintf("%x", md5.Sum([]byte(src)))
	if cached, ok := r.cache.Load(key); ok {
		return cached.(*liquid.Template), nil
	}
	t, err := r.liquid.ParseString(src)
	if err != nil {
		return nil, err
	}
	r.cache.Store(key, t)
	return t, nil
}

const unsubscribeFooter = `
<hr style="margin-top: 40px; border: none; border-top: 1px solid #ccc;">
<p style="font-size: 12px; color: #666; text-align: center;">
	このメールの配信停止を希望される場合は<a href="%s">こちら</a>からお手続きください。
</p>
`

func injectUnsubscribeFooter(html, unsubscribeURL string) string {
	footer := fmt.Sprintf(unsubscribeFooter, unsubscribeURL)
	lower := strings.ToLower(html)
	if idx := strings.LastIndex(lower, "</body>"); idx >= 0 {
		return html[:idx] + footer + html[idx:]
	}
	return html + footer
}
