// Package relay is the core of the bridge: it filters inbound chat messages
// by trigger prefix, asks the answer service and sends the reply back to the
// originating chat.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"wabridge/internal/domain"
	"wabridge/internal/metrics"
)

// StatusBroadcast is the pseudo-chat WhatsApp uses for status updates.
const StatusBroadcast = "status@broadcast"

// Relay answers inbound messages. It holds no per-message state; every
// message is handled independently.
type Relay struct {
	trigger      *Trigger
	ignoreFromMe bool
	ignoreStatus bool
	answerer     domain.Answerer
	sender       domain.Sender
	logger       *slog.Logger

	wg sync.WaitGroup
}

// Config holds the relay's dependencies and its immutable settings.
type Config struct {
	TriggerPrefix string
	IgnoreFromMe  bool
	IgnoreStatus  bool
	Answerer      domain.Answerer
	Sender        domain.Sender
	Logger        *slog.Logger
}

func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		trigger:      NewTrigger(cfg.TriggerPrefix),
		ignoreFromMe: cfg.IgnoreFromMe,
		ignoreStatus: cfg.IgnoreStatus,
		answerer:     cfg.Answerer,
		sender:       cfg.Sender,
		logger:       cfg.Logger,
	}
}

// Run consumes inbound messages and handles each one in its own goroutine.
// It returns when ctx is cancelled or the bus is closed, after every started
// handler has finished. Cancelling ctx stops intake only: handlers already
// running keep going until their answer and reply complete, bounded by the
// answer timeout.
func (r *Relay) Run(ctx context.Context, bus domain.MessageBus) {
	r.logger.Info("relay started", "trigger", r.trigger.Prefix())
	inbound := bus.Subscribe()
	handlerCtx := context.WithoutCancel(ctx)

	defer r.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				r.logger.Info("inbound bus closed, relay stopping")
				return
			}
			r.wg.Add(1)
			go func(m domain.InboundMessage) {
				defer r.wg.Done()
				if err := r.HandleMessage(handlerCtx, m); err != nil {
					metrics.SendFailures.Inc()
					r.logger.Error("reply failed", "err", err, "channel", m.Channel, "chat", m.ReplyTo())
				}
			}(msg)
		}
	}
}

// HandleMessage runs one message through the relay. It returns an error only
// when the reply could not be sent; answer-service failures have already
// been turned into the fallback reply by the Answerer.
func (r *Relay) HandleMessage(ctx context.Context, msg domain.InboundMessage) error {
	metrics.MessagesReceived.Inc()

	body := strings.TrimSpace(msg.Body)
	if reason := r.skipReason(msg, body); reason != "" {
		metrics.MessagesIgnored.Inc()
		r.logger.Debug("message ignored", "reason", reason, "channel", msg.Channel, "chat", msg.ChatID)
		return nil
	}

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	start := time.Now()
	rc := domain.ContextFor(msg)
	prompt := r.trigger.Extract(body)

	r.logger.Info("relaying message",
		"channel", msg.Channel,
		"chat", rc.ChatID,
		"user", rc.User,
		"group", rc.IsGroup,
		"prompt_len", len(prompt),
	)

	answer := r.answerer.Ask(ctx, prompt, rc)
	if answer == "" {
		r.logger.Warn("answer service returned an empty answer", "chat", rc.ChatID)
	}

	to := msg.ReplyTo()
	if err := r.sender.Send(ctx, to, answer); err != nil {
		return fmt.Errorf("send reply to %s: %w", to, err)
	}
	metrics.RepliesSent.Inc()

	r.logger.Info("reply sent",
		"chat", to,
		"answer_len", len(answer),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

func (r *Relay) skipReason(msg domain.InboundMessage, body string) string {
	switch {
	case body == "":
		return "empty"
	case r.ignoreFromMe && msg.FromMe:
		return "own message"
	case r.ignoreStatus && msg.ChatID == StatusBroadcast:
		return "status broadcast"
	case !r.trigger.Matches(body):
		return "no trigger"
	}
	return ""
}
