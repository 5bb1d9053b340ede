package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/basecommerce/platform/internal/contracts"
	"github.com/basecommerce/platform/internal/streams"
	"github.com/basecommerce/platform/internal/whatsapp"
	"github.com/basecommerce/platform/internal/whatsapp/provider"
)

const metaCallback = `{
	"object": "whatsapp_business_account",
	"entry": [{
		"changes": [{
			"value": {
				"metadata": {"phone_number_id": "10001"},
				"contacts": [{"wa_id": "5511999990000", "profile": {"name": "Maria"}}],
				"messages": [{
					"id": "wamid.w1",
					"from": "5511999990000",
					"timestamp": "1756000000",
					"type": "text",
					"text": {"body": "bom dia"}
				}],
				"statuses": [{
					"id": "wamid.prev",
					"recipient_id": "5511999990000",
					"status": "delivered",
					"timestamp": "1756000100"
				}]
			}
		}]
	}]
}`

// bindingStore answers binding lookups only; the ingress never touches the
// rest of the store surface.
type bindingStore struct {
	whatsapp.Store
	byPhoneNumberID map[string]*whatsapp.Binding
	byInstanceName  map[string]*whatsapp.Binding
}

func (s *bindingStore) BindingByPhoneNumberID(ctx context.Context, id string) (*whatsapp.Binding, error) {
	if b, ok := s.byPhoneNumberID[id]; ok {
		return b, nil
	}
	return nil, whatsapp.ErrBindingNotFound
}

func (s *bindingStore) BindingByInstanceName(ctx context.Context, name string) (*whatsapp.Binding, error) {
	if b, ok := s.byInstanceName[name]; ok {
		return b, nil
	}
	return nil, whatsapp.ErrBindingNotFound
}

type captureAppender struct {
	envelopes map[string][]*contracts.Envelope
}

func (a *captureAppender) AppendEnvelope(ctx context.Context, stream string, env *contracts.Envelope) (string, error) {
	a.envelopes[stream] = append(a.envelopes[stream], env)
	return "1-0", nil
}

func handlerSetup(t *testing.T) (*bindingStore, *captureAppender, *echo.Echo) {
	t.Helper()
	tenantID := uuid.New()
	store := &bindingStore{
		byPhoneNumberID: map[string]*whatsapp.Binding{
			"10001": {ID: uuid.New(), TenantID: tenantID, Provider: "meta", PhoneNumberID: "10001", Active: true},
		},
		byInstanceName: map[string]*whatsapp.Binding{
			"loja1": {ID: uuid.New(), TenantID: tenantID, Provider: "evolution", InstanceName: "loja1", Active: true},
		},
	}
	bus := &captureAppender{envelopes: map[string][]*contracts.Envelope{}}
	producer := whatsapp.NewProducer(bus, "events:materials", zaptest.NewLogger(t))
	h := NewHandler(store, producer, provider.Config{
		AppSecret:   "secret-1",
		VerifyToken: "verify-1",
		APIKey:      "evo-key",
	}, "materials", zaptest.NewLogger(t))
	return store, bus, NewServer(h, zaptest.NewLogger(t))
}

func signMeta(body string) string {
	mac := hmac.New(sha256.New, []byte("secret-1"))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(e *echo.Echo, body, signatureHeader, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestReceiveMetaCallback(t *testing.T) {
	_, bus, e := handlerSetup(t)

	rec := postWebhook(e, metaCallback, "X-Hub-Signature-256", signMeta(metaCallback))
	assert.Equal(t, http.StatusOK, rec.Code)

	inbound := bus.envelopes[streams.StreamWhatsAppInbound]
	require.Len(t, inbound, 2)

	msg := inbound[0]
	assert.Equal(t, contracts.EventWhatsAppInboundReceived, msg.EventType)
	assert.Equal(t, "wamid.w1", msg.Payload["provider_message_id"])
	assert.Equal(t, "5511999990000", msg.Payload["from_phone"])
	assert.Equal(t, "Maria", msg.Payload["profile_name"])
	assert.Equal(t, "bom dia", msg.Payload["text"])
	assert.Equal(t, "wamid.w1", msg.CorrelationID)

	st := inbound[1]
	assert.Equal(t, true, st.Payload["is_status_update"])
	assert.Equal(t, "delivered", st.Payload["status"])
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	_, bus, e := handlerSetup(t)

	rec := postWebhook(e, metaCallback, "X-Hub-Signature-256", "sha256=deadbeef")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, bus.envelopes[streams.StreamWhatsAppInbound])
}

func TestReceiveRejectsUnknownShape(t *testing.T) {
	_, _, e := handlerSetup(t)

	rec := postWebhook(e, `{"hello":"world"}`, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postWebhook(e, `not json`, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReceiveUnboundRoutingStillReturns200(t *testing.T) {
	store, bus, e := handlerSetup(t)
	delete(store.byPhoneNumberID, "10001")

	rec := postWebhook(e, metaCallback, "X-Hub-Signature-256", signMeta(metaCallback))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, bus.envelopes[streams.StreamWhatsAppInbound])
}

func TestReceiveEvolutionCallback(t *testing.T) {
	_, bus, e := handlerSetup(t)
	body := `{
		"event": "messages.upsert",
		"instance": "loja1",
		"data": {
			"key": {"id": "EVO-9", "remoteJid": "5511888880000@s.whatsapp.net", "fromMe": false},
			"pushName": "João",
			"message": {"conversation": "oi"},
			"messageTimestamp": 1756000000
		}
	}`

	rec := postWebhook(e, body, "apikey", "evo-key")
	assert.Equal(t, http.StatusOK, rec.Code)

	inbound := bus.envelopes[streams.StreamWhatsAppInbound]
	require.Len(t, inbound, 1)
	assert.Equal(t, "EVO-9", inbound[0].Payload["provider_message_id"])

	rec = postWebhook(e, body, "apikey", "wrong-key")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestVerifyChallenge(t *testing.T) {
	_, _, e := handlerSetup(t)

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=verify-1&hub.challenge=424242", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "424242", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet,
		"/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=424242", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthz(t *testing.T) {
	_, _, e := handlerSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
