// Package provider defines the messaging provider capability set and its
// adapters. Every adapter speaks the same surface: send text, template and
// interactive messages, parse webhooks, validate signatures.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Provider tags.
const (
	NameMeta      = "meta"
	NameEvolution = "evolution"
	NameStub      = "stub"
)

// Response is the structured outcome of a provider call. Retryable failures
// reenter the outbound retry path; non-retryable go straight to the DLQ.
type Response struct {
	Success   bool
	MessageID string
	ErrorCode string
	Error     string
	Retryable bool
}

// Button is one quick-reply option on an interactive message.
type Button struct {
	ID    string
	Title string
}

// InboundMessage is one customer message parsed from a webhook.
type InboundMessage struct {
	ProviderMessageID string
	FromPhone         string
	ProfileName       string
	Type              string // text, button, interactive, image, ...
	Text              string
	ButtonPayload     string
	MediaID           string
	Timestamp         time.Time
}

// DeliveryStatus is one status callback (sent/delivered/read/failed) parsed
// from a webhook.
type DeliveryStatus struct {
	ProviderMessageID string
	RecipientPhone    string
	Status            string
	ErrorCode         string
	Timestamp         time.Time
}

// WebhookResult is everything one webhook body yields. RoutingID is the
// provider-side identifier (phone number id or instance name) used to
// resolve the tenant.
type WebhookResult struct {
	RoutingID string
	Messages  []InboundMessage
	Statuses  []DeliveryStatus
}

// Config carries adapter construction parameters. Send credentials come from
// the tenant binding; AppSecret and VerifyToken are ingress-level.
type Config struct {
	AccessToken   string
	PhoneNumberID string
	APIKey        string
	InstanceName  string
	BaseURL       string
	AppSecret     string
	VerifyToken   string
	HTTPClient    *http.Client
}

// Provider is the full capability set every adapter implements.
type Provider interface {
	Name() string

	SendText(ctx context.Context, toPhone, body string) (Response, error)
	SendTemplate(ctx context.Context, toPhone, templateName, language string, variables []string) (Response, error)
	SendInteractive(ctx context.Context, toPhone, body string, buttons []Button) (Response, error)
	MarkAsRead(ctx context.Context, providerMessageID string) error
	GetMediaURL(ctx context.Context, mediaID string) (string, error)

	ValidateWebhookSignature(body []byte, header string) bool
	ParseWebhook(body []byte) (WebhookResult, error)
	VerifyWebhookChallenge(mode, token, challenge string) (string, bool)

	Close() error
}

// New builds an adapter by tag.
func New(name string, cfg Config) (Provider, error) {
	switch name {
	case NameMeta:
		return NewMeta(cfg), nil
	case NameEvolution:
		return NewEvolution(cfg), nil
	case NameStub:
		return NewStub(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// SupportsTemplates reports whether the provider tag has native template
// messages. Non-template providers receive rendered text fallbacks.
func SupportsTemplates(name string) bool {
	return name == NameMeta
}

// Detect picks the adapter tag from the webhook payload shape: Meta Cloud
// bodies carry object="whatsapp_business_account", Evolution bodies carry
// event + instance. Returns "" when neither matches.
func Detect(body []byte) string {
	var probe struct {
		Object   string `json:"object"`
		Event    string `json:"event"`
		Instance string `json:"instance"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	if probe.Object == "whatsapp_business_account" {
		return NameMeta
	}
	if probe.Event != "" && probe.Instance != "" {
		return NameEvolution
	}
	return ""
}

func httpClient(cfg Config) *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// retryableStatus classifies an HTTP status from a provider API: 5xx and 429
// reenter the retry path, other 4xx are terminal.
func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}
