package mailing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/enrollio/ma-engine/internal/engine"
)

const sendgridBaseURL = "https://api.sendgrid.com/v3"

// SendGridProvider sends email through the SendGrid v3 mail API.
type SendGridProvider struct {
	apiKey    string
	fromEmail string
	fromName  string
	replyTo   string
	baseURL   string
	client    *http.Client
}

func NewSendGridProvider(apiKey, fromEmail, fromName, replyTo string) *SendGridProvider {
	return &SendGridProvider{
		apiKey:    apiKey,
		fromEmail: fromEmail,
		fromName:  fromName,
		replyTo:   replyTo,
		baseURL:   sendgridBaseURL,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *SendGridProvider) Send(ctx context.Context, msg engine.Message) (engine.SendResult, error) {
	payload := map[string]any{
		"personalizations": []map[string]any{
			{"to": []map[string]string{{"email": msg.To}}},
		},
		"from":    map[string]string{"email": p.fromEmail, "name": p.fromName},
		"subject": msg.Subject,
		"content": []map[string]string{
			{"type": "text/html", "value": msg.Body},
		},
		"custom_args": map[string]string{
			"send_log_id": msg.SendLogID.String(),
		},
	}
	if p.replyTo != "" {
		payload["reply_to"] = map[string]string{"email": p.replyTo}
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/mail/send", bytes.NewReader(body))
	if err != nil {
		return engine.SendResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return engine.SendResult{}, fmt.Errorf("sendgrid request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return engine.SendResult{
			Success:           true,
			Status:            string(engine.StatusSent),
			ActualRecipient:   msg.To,
			ProviderMessageID: resp.Header.Get("X-Message-Id"),
		}, nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return engine.SendResult{
		Status:          string(engine.StatusFailed),
		ActualRecipient: msg.To,
		Message:         fmt.Sprintf("sendgrid status %d: %s", resp.StatusCode, string(detail)),
	}, nil
}
