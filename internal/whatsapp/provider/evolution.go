package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Evolution is the adapter for a self-hosted Evolution API gateway.
// Authentication is a shared "apikey" header; there are no native template
// messages, so notification templates are rendered to plain text upstream.
type Evolution struct {
	cfg    Config
	client *http.Client
}

func NewEvolution(cfg Config) *Evolution {
	return &Evolution{cfg: cfg, client: httpClient(cfg)}
}

func (e *Evolution) Name() string { return NameEvolution }

func (e *Evolution) Close() error { return nil }

func (e *Evolution) SendText(ctx context.Context, toPhone, body string) (Response, error) {
	return e.post(ctx, "/message/sendText/"+e.cfg.InstanceName, map[string]any{
		"number": toPhone,
		"text":   body,
	})
}

// SendTemplate is not a native capability; callers are expected to render
// text fallbacks for this provider.
func (e *Evolution) SendTemplate(ctx context.Context, toPhone, templateName, language string, variables []string) (Response, error) {
	return Response{
		ErrorCode: "templates_unsupported",
		Error:     fmt.Sprintf("provider %s has no template messages", NameEvolution),
		Retryable: false,
	}, nil
}

func (e *Evolution) SendInteractive(ctx context.Context, toPhone, body string, buttons []Button) (Response, error) {
	btns := make([]map[string]any, 0, len(buttons))
	for _, b := range buttons {
		btns = append(btns, map[string]any{
			"type":        "reply",
			"displayText": b.Title,
			"id":          b.ID,
		})
	}
	return e.post(ctx, "/message/sendButtons/"+e.cfg.InstanceName, map[string]any{
		"number":      toPhone,
		"title":       "",
		"description": body,
		"buttons":     btns,
	})
}

func (e *Evolution) MarkAsRead(ctx context.Context, providerMessageID string) error {
	resp, err := e.post(ctx, "/chat/markMessageAsRead/"+e.cfg.InstanceName, map[string]any{
		"readMessages": []map[string]any{{"id": providerMessageID}},
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("mark as read: %s (%s)", resp.Error, resp.ErrorCode)
	}
	return nil
}

func (e *Evolution) GetMediaURL(ctx context.Context, mediaID string) (string, error) {
	return "", fmt.Errorf("provider %s exposes media inline, not by id", NameEvolution)
}

func (e *Evolution) post(ctx context.Context, path string, payload map[string]any) (Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("apikey", e.cfg.APIKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+e.cfg.AccessToken)
	}

	res, err := e.client.Do(req)
	if err != nil {
		return Response{Retryable: true, ErrorCode: "network", Error: err.Error()}, nil
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)

	if res.StatusCode >= 300 {
		return Response{
			ErrorCode: strconv.Itoa(res.StatusCode),
			Error:     string(raw),
			Retryable: retryableStatus(res.StatusCode),
		}, nil
	}

	var out struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
	}
	_ = json.Unmarshal(raw, &out)
	return Response{Success: true, MessageID: out.Key.ID}, nil
}

// ValidateWebhookSignature compares the shared apikey header in constant
// time. Evolution does not sign bodies. An unconfigured key rejects every
// callback rather than accepting unauthenticated traffic.
func (e *Evolution) ValidateWebhookSignature(body []byte, header string) bool {
	if e.cfg.APIKey == "" {
		return false
	}
	return hmac.Equal([]byte(e.cfg.APIKey), []byte(header))
}

// VerifyWebhookChallenge is a no-op; Evolution has no subscription handshake.
func (e *Evolution) VerifyWebhookChallenge(mode, token, challenge string) (string, bool) {
	return "", false
}

type evolutionWebhookBody struct {
	Event    string `json:"event"`
	Instance string `json:"instance"`
	Data     struct {
		Key struct {
			ID        string `json:"id"`
			RemoteJid string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
		} `json:"key"`
		PushName string `json:"pushName"`
		Status   string `json:"status"`
		Message  struct {
			Conversation    string `json:"conversation"`
			ButtonsResponse struct {
				SelectedButtonID string `json:"selectedButtonId"`
				SelectedText     string `json:"selectedDisplayText"`
			} `json:"buttonsResponseMessage"`
		} `json:"message"`
		MessageTimestamp int64 `json:"messageTimestamp"`
	} `json:"data"`
}

// ParseWebhook handles messages.upsert (inbound) and messages.update
// (delivery status) events.
func (e *Evolution) ParseWebhook(body []byte) (WebhookResult, error) {
	var wb evolutionWebhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return WebhookResult{}, fmt.Errorf("decode webhook: %w", err)
	}

	result := WebhookResult{RoutingID: wb.Instance}
	ts := time.Now().UTC()
	if wb.Data.MessageTimestamp > 0 {
		ts = time.Unix(wb.Data.MessageTimestamp, 0).UTC()
	}
	phone := strings.SplitN(wb.Data.Key.RemoteJid, "@", 2)[0]

	switch wb.Event {
	case "messages.upsert":
		if wb.Data.Key.FromMe {
			break
		}
		in := InboundMessage{
			ProviderMessageID: wb.Data.Key.ID,
			FromPhone:         phone,
			ProfileName:       wb.Data.PushName,
			Type:              "text",
			Text:              wb.Data.Message.Conversation,
			Timestamp:         ts,
		}
		if id := wb.Data.Message.ButtonsResponse.SelectedButtonID; id != "" {
			in.Type = "button"
			in.ButtonPayload = id
			in.Text = wb.Data.Message.ButtonsResponse.SelectedText
		}
		result.Messages = append(result.Messages, in)
	case "messages.update":
		status := mapEvolutionStatus(wb.Data.Status)
		if status == "" {
			break
		}
		result.Statuses = append(result.Statuses, DeliveryStatus{
			ProviderMessageID: wb.Data.Key.ID,
			RecipientPhone:    phone,
			Status:            status,
			Timestamp:         ts,
		})
	}
	return result, nil
}

func mapEvolutionStatus(raw string) string {
	switch strings.ToUpper(raw) {
	case "SERVER_ACK":
		return "sent"
	case "DELIVERY_ACK":
		return "delivered"
	case "READ":
		return "read"
	case "ERROR":
		return "failed"
	default:
		return ""
	}
}
