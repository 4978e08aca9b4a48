package mailing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/enrollio/ma-engine/internal/engine"
)

const lineBaseURL = "https://api.line.me/v2/bot"

// LineProvider pushes chat messages through the LINE Messaging API.
// Message.To carries the recipient's LINE user ID, resolved by the engine
// from the lead's linked identity.
type LineProvider struct {
	channelToken string
	baseURL      string
	client       *http.Client
}

func NewLineProvider(channelToken string) *LineProvider {
	return &LineProvider{
		channelToken: channelToken,
		baseURL:      lineBaseURL,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *LineProvider) Send(ctx context.Context, msg engine.Message) (engine.SendResult, error) {
	text := msg.Body
	if msg.Subject != "" {
		text = msg.Subject + "\n\n" + text
	}

	payload := map[string]any{
		"to": msg.To,
		"messages": []map[string]string{
			{"type": "text", "text": stripHTML(text)},
		},
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/message/push", bytes.NewReader(body))
	if err != nil {
		return engine.SendResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+p.channelToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return engine.SendResult{}, fmt.Errorf("line push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return engine.SendResult{
			Success:           true,
			Status:            string(engine.StatusSent),
			ActualRecipient:   msg.To,
			ProviderMessageID: resp.Header.Get("X-Line-Request-Id"),
		}, nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return engine.SendResult{
		Status:          string(engine.StatusFailed),
		ActualRecipient: msg.To,
		Message:         fmt.Sprintf("line status %d: %s", resp.StatusCode, string(detail)),
	}, nil
}

var tagRegex = regexp.MustCompile(`<[^>]*>`)

// stripHTML flattens an HTML body into plain text for chat delivery.
func stripHTML(s string) string {
	s = strings.ReplaceAll(s, "<br>", "\n")
	s = strings.ReplaceAll(s, "<br/>", "\n")
	s = strings.ReplaceAll(s, "</p>", "\n")
	s = tagRegex.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
