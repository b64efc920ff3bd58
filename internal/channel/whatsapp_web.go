package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"

	"wabridge/internal/domain"
	"wabridge/internal/logging"
	"wabridge/internal/metrics"
)

const WebChannelName = "whatsapp-web"

// ErrNotPaired is returned when an operation needs a linked device but the
// session store has none.
var ErrNotPaired = errors.New("whatsapp device is not paired")

// WhatsAppWeb implements domain.Channel on a linked-device WhatsApp session
// (whatsmeow). The session lives in a SQLite store; an unpaired store is
// paired by scanning a QR code printed to the terminal.
type WhatsAppWeb struct {
	storePath string
	waLevel   slog.Level
	qrOut     io.Writer
	logger    *slog.Logger

	mu     sync.RWMutex
	client *whatsmeow.Client
	db     *sql.DB
	bus    domain.MessageBus
	runCtx context.Context
}

type WhatsAppWebConfig struct {
	StorePath string
	LogLevel  string    // whatsmeow's own log level
	QROutput  io.Writer // default: stdout
	Logger    *slog.Logger
}

func NewWhatsAppWeb(cfg WhatsAppWebConfig) *WhatsAppWeb {
	if cfg.QROutput == nil {
		cfg.QROutput = os.Stdout
	}
	return &WhatsAppWeb{
		storePath: cfg.StorePath,
		waLevel:   logging.ParseLevel(cfg.LogLevel),
		qrOut:     cfg.QROutput,
		logger:    cfg.Logger,
	}
}

func (w *WhatsAppWeb) Name() string { return WebChannelName }

// storeDSN builds a modernc.org/sqlite DSN with foreign keys on, which the
// whatsmeow store requires.
func storeDSN(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// open loads the session store and builds a client for its first device.
func (w *WhatsAppWeb) open(ctx context.Context) (*sql.DB, *whatsmeow.Client, error) {
	if err := os.MkdirAll(filepath.Dir(w.storePath), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", storeDSN(w.storePath))
	if err != nil {
		return nil, nil, fmt.Errorf("open session store %s: %w", w.storePath, err)
	}
	container := sqlstore.NewWithDB(db, "sqlite", newWALogger(w.logger, "store", w.waLevel))
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("load device: %w", err)
	}
	return db, whatsmeow.NewClient(device, newWALogger(w.logger, "client", w.waLevel)), nil
}

// Start connects the session (pairing first when needed) and publishes
// inbound messages until ctx is cancelled.
func (w *WhatsAppWeb) Start(ctx context.Context, bus domain.MessageBus) error {
	db, client, err := w.open(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.db = db
	w.client = client
	w.bus = bus
	w.runCtx = ctx
	w.mu.Unlock()

	client.AddEventHandler(w.handleEvent)

	if client.Store.ID == nil {
		if err := w.pair(ctx, client); err != nil {
			w.shutdown()
			return err
		}
	} else if err := client.Connect(); err != nil {
		w.shutdown()
		return fmt.Errorf("connect: %w", err)
	}

	w.logger.Info("whatsapp client ready", "jid", client.Store.ID.String())

	<-ctx.Done()
	w.shutdown()
	return nil
}

// pair connects an unpaired client and prints QR codes until one is scanned.
func (w *WhatsAppWeb) pair(ctx context.Context, client *whatsmeow.Client) error {
	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("qr channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	w.logger.Info("device not paired, scan the QR code with WhatsApp > Linked devices")
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, w.qrOut)
		case "success":
			w.logger.Info("device paired")
			return nil
		case "timeout":
			return errors.New("pairing timed out: QR code was not scanned")
		case "error":
			return fmt.Errorf("pairing failed: %w", evt.Error)
		default:
			w.logger.Warn("pairing event", "event", evt.Event)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("pairing ended without success")
}

// Stop disconnects the session. Start also does this when its context ends.
func (w *WhatsAppWeb) Stop() error {
	w.shutdown()
	return nil
}

func (w *WhatsAppWeb) shutdown() {
	w.mu.Lock()
	client, db := w.client, w.db
	w.client, w.db = nil, nil
	w.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			w.logger.Warn("close session store", "err", err)
		}
	}
	metrics.Connected.Set(0)
}

// Send delivers a plain-text message to chatID (a full JID).
func (w *WhatsAppWeb) Send(ctx context.Context, chatID string, content string) error {
	w.mu.RLock()
	client := w.client
	w.mu.RUnlock()
	if client == nil {
		return errors.New("whatsapp client not connected")
	}

	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", chatID, err)
	}
	if _, err := client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(content)}); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Paired reports whether the session store holds a linked device.
func (w *WhatsAppWeb) Paired(ctx context.Context) (bool, error) {
	db, client, err := w.open(ctx)
	if err != nil {
		return false, err
	}
	defer db.Close()
	return client.Store.ID != nil, nil
}

// Logout unlinks the device from the phone and clears the local session.
func (w *WhatsAppWeb) Logout(ctx context.Context) error {
	db, client, err := w.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if client.Store.ID == nil {
		return ErrNotPaired
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Disconnect()

	if err := client.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (w *WhatsAppWeb) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		w.handleMessage(v)
	case *events.Connected:
		metrics.Connected.Set(1)
		w.logger.Info("whatsapp connected")
	case *events.Disconnected:
		metrics.Connected.Set(0)
		w.logger.Warn("whatsapp disconnected")
	case *events.LoggedOut:
		metrics.Connected.Set(0)
		w.logger.Error("whatsapp session logged out from phone, restart to pair again", "reason", v.Reason)
	case *events.StreamReplaced:
		w.logger.Warn("whatsapp session opened elsewhere, this connection was replaced")
	}
}

func (w *WhatsAppWeb) handleMessage(v *events.Message) {
	w.mu.RLock()
	client, bus, ctx := w.client, w.bus, w.runCtx
	w.mu.RUnlock()
	if client == nil || bus == nil {
		return
	}

	contact, err := client.Store.Contacts.GetContact(ctx, v.Info.Sender.ToNonAD())
	if err != nil {
		w.logger.Debug("contact lookup failed", "sender", v.Info.Sender.String(), "err", err)
	}

	msg, ok := messageFromEvent(v, contact)
	if !ok {
		return
	}
	bus.Publish(msg)
}

// messageFromEvent maps a whatsmeow message event to an InboundMessage. It
// reports false for events without text (reactions, receipts, media without
// caption).
func messageFromEvent(v *events.Message, contact types.ContactInfo) (domain.InboundMessage, bool) {
	text := messageText(v.Message)
	if strings.TrimSpace(text) == "" {
		return domain.InboundMessage{}, false
	}

	pushName := v.Info.PushName
	if pushName == "" {
		pushName = contact.PushName
	}

	return domain.InboundMessage{
		Channel:         WebChannelName,
		MessageID:       v.Info.ID,
		ChatID:          v.Info.Chat.String(),
		From:            v.Info.Sender.ToNonAD().String(),
		SenderPushName:  pushName,
		SenderShortName: contact.FirstName,
		Body:            text,
		IsGroup:         v.Info.IsGroup,
		FromMe:          v.Info.IsFromMe,
		Timestamp:       v.Info.Timestamp,
	}, true
}

func messageText(m *waE2E.Message) string {
	switch {
	case m.GetConversation() != "":
		return m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		return m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage().GetCaption() != "":
		return m.GetImageMessage().GetCaption()
	case m.GetVideoMessage().GetCaption() != "":
		return m.GetVideoMessage().GetCaption()
	}
	return ""
}
