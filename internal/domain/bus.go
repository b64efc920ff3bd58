package domain

// MessageBus hands inbound messages from transports to the relay.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	Close()
}
