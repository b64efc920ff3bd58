package domain

import "context"

// Channel is a chat transport (WhatsApp Web session, WhatsApp Cloud API).
// Start publishes inbound messages onto the bus until ctx is cancelled.
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(ctx context.Context, chatID string, content string) error
}

// Sender is the send-text half of a Channel.
type Sender interface {
	Send(ctx context.Context, chatID string, content string) error
}
