package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const metaDefaultBaseURL = "https://graph.facebook.com/v19.0"

// Meta is the WhatsApp Cloud API adapter.
type Meta struct {
	cfg    Config
	client *http.Client
	base   string
}

func NewMeta(cfg Config) *Meta {
	base := cfg.BaseURL
	if base == "" {
		base = metaDefaultBaseURL
	}
	return &Meta{cfg: cfg, client: httpClient(cfg), base: base}
}

func (m *Meta) Name() string { return NameMeta }

func (m *Meta) Close() error { return nil }

func (m *Meta) SendText(ctx context.Context, toPhone, body string) (Response, error) {
	return m.send(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                toPhone,
		"type":              "text",
		"text":              map[string]any{"body": body},
	})
}

func (m *Meta) SendTemplate(ctx context.Context, toPhone, templateName, language string, variables []string) (Response, error) {
	if language == "" {
		language = "pt_BR"
	}
	params := make([]map[string]any, 0, len(variables))
	for _, v := range variables {
		params = append(params, map[string]any{"type": "text", "text": v})
	}
	template := map[string]any{
		"name":     templateName,
		"language": map[string]any{"code": language},
	}
	if len(params) > 0 {
		template["components"] = []map[string]any{
			{"type": "body", "parameters": params},
		}
	}
	return m.send(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                toPhone,
		"type":              "template",
		"template":          template,
	})
}

func (m *Meta) SendInteractive(ctx context.Context, toPhone, body string, buttons []Button) (Response, error) {
	btns := make([]map[string]any, 0, len(buttons))
	for _, b := range buttons {
		btns = append(btns, map[string]any{
			"type":  "reply",
			"reply": map[string]any{"id": b.ID, "title": b.Title},
		})
	}
	return m.send(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                toPhone,
		"type":              "interactive",
		"interactive": map[string]any{
			"type":   "button",
			"body":   map[string]any{"text": body},
			"action": map[string]any{"buttons": btns},
		},
	})
}

func (m *Meta) MarkAsRead(ctx context.Context, providerMessageID string) error {
	resp, err := m.send(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        providerMessageID,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("mark as read: %s (%s)", resp.Error, resp.ErrorCode)
	}
	return nil
}

func (m *Meta) GetMediaURL(ctx context.Context, mediaID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/%s", m.base, mediaID), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.AccessToken)

	res, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("media lookup: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media lookup status %d", res.StatusCode)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode media response: %w", err)
	}
	return out.URL, nil
}

func (m *Meta) send(ctx context.Context, payload map[string]any) (Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/messages", m.base, m.cfg.PhoneNumberID),
		bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	res, err := m.client.Do(req)
	if err != nil {
		// Network failures are always worth a retry.
		return Response{Retryable: true, ErrorCode: "network", Error: err.Error()}, nil
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)

	if res.StatusCode >= 300 {
		code := strconv.Itoa(res.StatusCode)
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
				Code    int    `json:"code"`
			} `json:"error"`
		}
		msg := string(raw)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
			code = strconv.Itoa(apiErr.Error.Code)
		}
		return Response{
			ErrorCode: code,
			Error:     msg,
			Retryable: retryableStatus(res.StatusCode),
		}, nil
	}

	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	_ = json.Unmarshal(raw, &out)
	resp := Response{Success: true}
	if len(out.Messages) > 0 {
		resp.MessageID = out.Messages[0].ID
	}
	return resp, nil
}

// ValidateWebhookSignature checks the X-Hub-Signature-256 header: HMAC-SHA256
// of the raw body under the app secret, hex, prefixed "sha256=".
func (m *Meta) ValidateWebhookSignature(body []byte, header string) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	mac := hmac.New(sha256.New, []byte(m.cfg.AppSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header[len(prefix):]))
}

// VerifyWebhookChallenge handles Meta's GET subscription handshake.
func (m *Meta) VerifyWebhookChallenge(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" {
		return "", false
	}
	if !hmac.Equal([]byte(token), []byte(m.cfg.VerifyToken)) {
		return "", false
	}
	return challenge, true
}

type metaWebhookBody struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
					Button struct {
						Payload string `json:"payload"`
						Text    string `json:"text"`
					} `json:"button"`
					Interactive struct {
						ButtonReply struct {
							ID    string `json:"id"`
							Title string `json:"title"`
						} `json:"button_reply"`
					} `json:"interactive"`
					Image struct {
						ID string `json:"id"`
					} `json:"image"`
				} `json:"messages"`
				Statuses []struct {
					ID          string `json:"id"`
					RecipientID string `json:"recipient_id"`
					Status      string `json:"status"`
					Timestamp   string `json:"timestamp"`
					Errors      []struct {
						Code  int    `json:"code"`
						Title string `json:"title"`
					} `json:"errors"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWebhook extracts inbound messages and delivery statuses from a Cloud
// API callback body.
func (m *Meta) ParseWebhook(body []byte) (WebhookResult, error) {
	var wb metaWebhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return WebhookResult{}, fmt.Errorf("decode webhook: %w", err)
	}

	var result WebhookResult
	for _, entry := range wb.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			if result.RoutingID == "" {
				result.RoutingID = v.Metadata.PhoneNumberID
			}

			profiles := map[string]string{}
			for _, c := range v.Contacts {
				profiles[c.WaID] = c.Profile.Name
			}

			for _, msg := range v.Messages {
				in := InboundMessage{
					ProviderMessageID: msg.ID,
					FromPhone:         msg.From,
					ProfileName:       profiles[msg.From],
					Type:              msg.Type,
					Timestamp:         parseUnixSeconds(msg.Timestamp),
				}
				switch msg.Type {
				case "text":
					in.Text = msg.Text.Body
				case "button":
					in.Text = msg.Button.Text
					in.ButtonPayload = msg.Button.Payload
				case "interactive":
					in.Text = msg.Interactive.ButtonReply.Title
					in.ButtonPayload = msg.Interactive.ButtonReply.ID
				case "image":
					in.MediaID = msg.Image.ID
				}
				result.Messages = append(result.Messages, in)
			}

			for _, st := range v.Statuses {
				ds := DeliveryStatus{
					ProviderMessageID: st.ID,
					RecipientPhone:    st.RecipientID,
					Status:            st.Status,
					Timestamp:         parseUnixSeconds(st.Timestamp),
				}
				if len(st.Errors) > 0 {
					ds.ErrorCode = fmt.Sprintf("%d:%s", st.Errors[0].Code, st.Errors[0].Title)
				}
				result.Statuses = append(result.Statuses, ds)
			}
		}
	}
	return result, nil
}

func parseUnixSeconds(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
