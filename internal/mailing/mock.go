package mailing

import (
	"context"
	"sync"

	"github.com/enrollio/ma-engine/internal/engine"
)

// MockProvider records messages instead of delivering them. It is the
// startup fallback when no provider API key is configured, and the test
// double everywhere else.
type MockProvider struct {
	mu   sync.Mutex
	sent []engine.Message

	// FailWith, when non-empty, makes every send report a failure.
	FailWith string
}

func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (p *MockProvider) Send(_ context.Context, msg engine.Message) (engine.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailWith != "" {
		return engine.SendResult{
			Status:          string(engine.StatusFailed),
			ActualRecipient: msg.To,
			Message:         p.FailWith,
		}, nil
	}

	p.sent = append(p.sent, msg)
	return engine.SendResult{
		Success:           true,
		Status:            "mock_sent",
		ActualRecipient:   msg.To,
		ProviderMessageID: "mock-" + msg.SendLogID.String(),
		Message:           "message logged (mock provider)",
	}, nil
}

// Sent returns a copy of all recorded messages.
func (p *MockProvider) Sent() []engine.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]engine.Message, len(p.sent))
	copy(out, p.sent)
	return out
}
