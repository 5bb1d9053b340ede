package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Stub is an in-memory adapter for development and tests. It records every
// send and can be programmed to fail.
type Stub struct {
	mu   sync.Mutex
	seq  atomic.Int64
	Sent []StubSend
	// FailWith, when non-nil, is returned for every send instead of success.
	FailWith *Response
}

// StubSend records one outbound call.
type StubSend struct {
	Kind     string // text, template, interactive
	ToPhone  string
	Body     string
	Template string
	Buttons  []Button
}

func NewStub() *Stub { return &Stub{} }

func (s *Stub) Name() string { return NameStub }

func (s *Stub) Close() error { return nil }

func (s *Stub) record(send StubSend) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return *s.FailWith, nil
	}
	s.Sent = append(s.Sent, send)
	return Response{
		Success:   true,
		MessageID: fmt.Sprintf("stub-%d", s.seq.Add(1)),
	}, nil
}

func (s *Stub) SendText(ctx context.Context, toPhone, body string) (Response, error) {
	return s.record(StubSend{Kind: "text", ToPhone: toPhone, Body: body})
}

func (s *Stub) SendTemplate(ctx context.Context, toPhone, templateName, language string, variables []string) (Response, error) {
	return s.record(StubSend{Kind: "template", ToPhone: toPhone, Template: templateName, Body: fmt.Sprint(variables)})
}

func (s *Stub) SendInteractive(ctx context.Context, toPhone, body string, buttons []Button) (Response, error) {
	return s.record(StubSend{Kind: "interactive", ToPhone: toPhone, Body: body, Buttons: buttons})
}

func (s *Stub) MarkAsRead(ctx context.Context, providerMessageID string) error { return nil }

func (s *Stub) GetMediaURL(ctx context.Context, mediaID string) (string, error) {
	return "https://stub.local/media/" + mediaID, nil
}

func (s *Stub) ValidateWebhookSignature(body []byte, header string) bool { return true }

// ParseWebhook accepts a flat JSON test shape:
//
//	{"routing_id": "...", "from": "...", "text": "...", "message_id": "..."}
func (s *Stub) ParseWebhook(body []byte) (WebhookResult, error) {
	var in struct {
		RoutingID string `json:"routing_id"`
		From      string `json:"from"`
		Text      string `json:"text"`
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return WebhookResult{}, err
	}
	return WebhookResult{
		RoutingID: in.RoutingID,
		Messages: []InboundMessage{{
			ProviderMessageID: in.MessageID,
			FromPhone:         in.From,
			Type:              "text",
			Text:              in.Text,
			Timestamp:         time.Now().UTC(),
		}},
	}, nil
}

func (s *Stub) VerifyWebhookChallenge(mode, token, challenge string) (string, bool) {
	return challenge, true
}
