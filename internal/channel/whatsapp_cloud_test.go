package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"wabridge/internal/config"
	"wabridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type recordingBus struct {
	mu   sync.Mutex
	msgs []domain.InboundMessage
}

func (b *recordingBus) Publish(msg domain.InboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
}

func (b *recordingBus) Subscribe() <-chan domain.InboundMessage { return nil }
func (b *recordingBus) Close() {}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestCloud(cfg config.CloudConfig) (*WhatsAppCloud, *recordingBus) {
	w := NewWhatsAppCloud(WhatsAppCloudConfig{Config: cfg, Logger: testLogger()})
	b := &recordingBus{}
	w.bus = b
	return w, b
}

const samplePayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "102290129340398",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "contacts": [{"wa_id": "905551112233", "profile": {"name": "Ayşe"}}],
        "messages": [
          {"from": "905551112233", "id": "wamid.A", "timestamp": "1700000000", "type": "text", "text": {"body": "!ask what time is it"}},
          {"from": "905551112233", "id": "wamid.B", "timestamp": "1700000001", "type": "image"}
        ]
      }
    }]
  }]
}`

func TestVerifyHMAC_Valid(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)
	if !verifyHMAC(body, "test-secret", sign("test-secret", body)) {
		t.Error("valid HMAC should verify")
	}
}

func TestVerifyHMAC_Invalid(t *testing.T) {
	if verifyHMAC([]byte("body"), "secret", "sha256=invalid") {
		t.Error("invalid HMAC should not verify")
	}
}

func TestVerifyHMAC_Empty(t *testing.T) {
	if verifyHMAC([]byte("body"), "secret", "") {
		t.Error("empty signature should not verify")
	}
}

func TestCloudVerification_Success(t *testing.T) {
	w, _ := newTestCloud(config.CloudConfig{VerifyToken: "tok"})
	req := httptest.NewRequest("GET", "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=tok&hub.challenge=12345", nil)
	rr := httptest.NewRecorder()

	w.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "12345" {
		t.Errorf("expected challenge echoed, got %q", rr.Body.String())
	}
}

func TestCloudVerification_WrongToken(t *testing.T) {
	w, _ := newTestCloud(config.CloudConfig{VerifyToken: "tok"})
	req := httptest.NewRequest("GET", "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", nil)
	rr := httptest.NewRecorder()

	w.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rr.Code)
	}
}

func TestCloudIncoming_PublishesTextMessages(t *testing.T) {
	w, b := newTestCloud(config.CloudConfig{})
	req := httptest.NewRequest("POST", "/webhook/whatsapp", strings.NewReader(samplePayload))
	rr := httptest.NewRecorder()

	w.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(b.msgs) != 1 {
		t.Fatalf("expected 1 text message, got %d", len(b.msgs))
	}
	m := b.msgs[0]
	if m.Body != "!ask what time is it" || m.ChatID != "905551112233" || m.From != "905551112233" {
		t.Errorf("unexpected message: %+v", m)
	}
	if m.SenderPushName != "Ayşe" {
		t.Errorf("expected profile name as push name, got %q", m.SenderPushName)
	}
	if m.Channel != CloudChannelName || m.MessageID != "wamid.A" || m.IsGroup {
		t.Errorf("unexpected metadata: %+v", m)
	}
	if m.Timestamp.Unix() != 1700000000 {
		t.Errorf("timestamp = %v", m.Timestamp)
	}
}

func TestCloudIncoming_InvalidJSON(t *testing.T) {
	w, _ := newTestCloud(config.CloudConfig{})
	req := httptest.NewRequest("POST", "/webhook/whatsapp", bytes.NewBufferString("not json"))
	rr := httptest.NewRecorder()

	w.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestCloudIncoming_Signature(t *testing.T) {
	tests := []struct {
		name      string
		signature string
		wantCode  int
		wantMsgs  int
	}{
		{"missing", "", http.StatusForbidden, 0},
		{"invalid", "sha256=invalid", http.StatusForbidden, 0},
		{"valid", sign("app-secret", []byte(samplePayload)), http.StatusOK, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, b := newTestCloud(config.CloudConfig{AppSecret: "app-secret"})
			req := httptest.NewRequest("POST", "/webhook/whatsapp", strings.NewReader(samplePayload))
			if tt.signature != "" {
				req.Header.Set("X-Hub-Signature-256", tt.signature)
			}
			rr := httptest.NewRecorder()

			w.Handler().ServeHTTP(rr, req)
			if rr.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rr.Code)
			}
			if len(b.msgs) != tt.wantMsgs {
				t.Errorf("expected %d messages, got %d", tt.wantMsgs, len(b.msgs))
			}
		})
	}
}

func TestCloudIncoming_StatusUpdateIgnored(t *testing.T) {
	w, b := newTestCloud(config.CloudConfig{})
	body := `{"entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.X","status":"delivered"}]}}]}]}`
	req := httptest.NewRequest("POST", "/webhook/whatsapp", strings.NewReader(body))
	rr := httptest.NewRecorder()

	w.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(b.msgs) != 0 {
		t.Errorf("expected no messages, got %d", len(b.msgs))
	}
}

func TestCloudSend(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"messages":[{"id":"wamid.OUT"}]}`))
	}))
	defer api.Close()

	w, _ := newTestCloud(config.CloudConfig{APIBase: api.URL + "/v21.0", AccessToken: "EAAG", PhoneNumberID: "1234"})
	if err := w.Send(context.Background(), "905551112233", "hi there"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if gotPath != "/v21.0/1234/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer EAAG" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotBody["to"] != "905551112233" || gotBody["type"] != "text" {
		t.Errorf("unexpected body: %v", gotBody)
	}
	text, _ := gotBody["text"].(map[string]any)
	if text["body"] != "hi there" {
		t.Errorf("text body = %v", text["body"])
	}
}

func TestCloudSend_APIError(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Invalid parameter"}}`))
	}))
	defer api.Close()

	w, _ := newTestCloud(config.CloudConfig{APIBase: api.URL, PhoneNumberID: "1"})
	err := w.Send(context.Background(), "1", "x")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected API error with status, got %v", err)
	}
}

func TestCloudHandle_MountsExtraRoutes(t *testing.T) {
	w, _ := newTestCloud(config.CloudConfig{})
	w.Handle("/metrics", http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	w.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("expected mounted route, got %d %q", rr.Code, rr.Body.String())
	}
}
