package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wabridge/internal/config"
	"wabridge/internal/domain"
	"wabridge/internal/metrics"
)

const (
	CloudChannelName = "whatsapp-cloud"

	maxWebhookBody = 1 << 20
)

// WhatsAppCloud implements domain.Channel for the WhatsApp Business Cloud
// API: inbound messages arrive on a webhook, replies go out through the
// Graph API messages endpoint.
type WhatsAppCloud struct {
	cfg    config.CloudConfig
	bus    domain.MessageBus
	logger *slog.Logger
	client *http.Client
	mux    *http.ServeMux
	server *http.Server
}

type WhatsAppCloudConfig struct {
	Config     config.CloudConfig
	HTTPClient *http.Client // optional
	Logger     *slog.Logger
}

func NewWhatsAppCloud(cfg WhatsAppCloudConfig) *WhatsAppCloud {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Config.WebhookPath == "" {
		cfg.Config.WebhookPath = "/webhook/whatsapp"
	}
	w := &WhatsAppCloud{
		cfg:    cfg.Config,
		logger: cfg.Logger,
		client: cfg.HTTPClient,
		mux:    http.NewServeMux(),
	}
	w.mux.HandleFunc("GET "+w.cfg.WebhookPath, w.handleVerification)
	w.mux.HandleFunc("POST "+w.cfg.WebhookPath, w.handleIncoming)
	return w
}

func (w *WhatsAppCloud) Name() string { return CloudChannelName }

// Handle mounts an extra route (metrics, health) on the webhook server.
// It must be called before Start.
func (w *WhatsAppCloud) Handle(pattern string, h http.Handler) {
	w.mux.Handle(pattern, h)
}

// Handler returns the webhook mux.
func (w *WhatsAppCloud) Handler() http.Handler { return w.mux }

// Start serves the webhook on the configured address until ctx is cancelled.
func (w *WhatsAppCloud) Start(ctx context.Context, bus domain.MessageBus) error {
	w.bus = bus
	w.server = &http.Server{
		Addr:              w.cfg.ListenAddr,
		Handler:           w.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("whatsapp cloud webhook starting", "addr", w.cfg.ListenAddr, "path", w.cfg.WebhookPath)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	metrics.Connected.Set(1)
	defer metrics.Connected.Set(0)

	select {
	case <-ctx.Done():
		w.logger.Info("whatsapp cloud webhook shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("whatsapp cloud webhook: %w", err)
	}
}

func (w *WhatsAppCloud) Stop() error { return nil }

// Send delivers a text message through the Graph API.
func (w *WhatsAppCloud) Send(ctx context.Context, chatID string, content string) error {
	url := fmt.Sprintf("%s/%s/messages", strings.TrimRight(w.cfg.APIBase, "/"), w.cfg.PhoneNumberID)

	body, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                chatID,
		"type":              "text",
		"text":              map[string]any{"body": content, "preview_url": false},
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// handleVerification answers Meta's subscription handshake.
func (w *WhatsAppCloud) handleVerification(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")

	if mode == "subscribe" && w.cfg.VerifyToken != "" && q.Get("hub.verify_token") == w.cfg.VerifyToken {
		w.logger.Info("whatsapp webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(q.Get("hub.challenge")))
		return
	}

	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

func (w *WhatsAppCloud) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if w.cfg.AppSecret != "" && !verifyHMAC(body, w.cfg.AppSecret, r.Header.Get("X-Hub-Signature-256")) {
		w.logger.Warn("whatsapp invalid signature")
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	var payload cloudPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp bad payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	for _, msg := range payload.inboundMessages() {
		w.logger.Debug("whatsapp message received", "from", msg.From, "text_len", len(msg.Body))
		if w.bus != nil {
			w.bus.Publish(msg)
		}
	}

	rw.WriteHeader(http.StatusOK)
}

// verifyHMAC checks a "sha256=<hex>" signature of body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// --- Cloud API webhook payload ---

type cloudPayload struct {
	Object string       `json:"object"`
	Entry  []cloudEntry `json:"entry"`
}

type cloudEntry struct {
	ID      string        `json:"id"`
	Changes []cloudChange `json:"changes"`
}

type cloudChange struct {
	Value cloudValue `json:"value"`
	Field string     `json:"field"`
}

type cloudValue struct {
	MessagingProduct string         `json:"messaging_product"`
	Contacts         []cloudContact `json:"contacts"`
	Messages         []cloudMessage `json:"messages"`
}

type cloudContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type cloudMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
}

// inboundMessages maps text messages to InboundMessage. Status updates and
// non-text messages are skipped. The Cloud API only delivers one-to-one
// chats, so the sender's number is also the chat.
func (p cloudPayload) inboundMessages() []domain.InboundMessage {
	var out []domain.InboundMessage
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				if m.Type != "text" || m.Text == nil {
					continue
				}
				out = append(out, domain.InboundMessage{
					Channel:        CloudChannelName,
					MessageID:      m.ID,
					ChatID:         m.From,
					From:           m.From,
					SenderPushName: names[m.From],
					Body:           m.Text.Body,
					Timestamp:      parseUnix(m.Timestamp),
				})
			}
		}
	}
	return out
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.Unix(sec, 0)
}
