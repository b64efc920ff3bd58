package domain

import "time"

// InboundMessage is a single chat message delivered by a transport.
type InboundMessage struct {
	Channel         string // transport name: whatsapp-web | whatsapp-cloud
	MessageID       string
	ChatID          string // conversation the message belongs to (group or DM)
	From            string // raw sender identifier
	SenderPushName  string // display name chosen by the sender
	SenderShortName string // short/first name from the address book
	Body            string
	IsGroup         bool
	FromMe          bool
	Timestamp       time.Time
}

// ReplyTo returns the destination for a reply: the chat, or the sender when
// the transport did not report a chat.
func (m InboundMessage) ReplyTo() string {
	if m.ChatID != "" {
		return m.ChatID
	}
	return m.From
}

// RelayContext is derived per message and forwarded to the answer service.
type RelayContext struct {
	User    string
	ChatID  string
	IsGroup bool
}

// ContextFor builds the relay context, preferring the push name, then the
// short name, then the raw sender identifier for User.
func ContextFor(m InboundMessage) RelayContext {
	user := m.SenderPushName
	if user == "" {
		user = m.SenderShortName
	}
	if user == "" {
		user = m.From
	}
	return RelayContext{
		User:    user,
		ChatID:  m.ChatID,
		IsGroup: m.IsGroup,
	}
}
