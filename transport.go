package mqttrequest

// Message is an inbound transport message.
type Message struct {
	// Topic is the topic the message was published to.
	Topic string

	// Payload is the message body. Nil means an empty payload.
	Payload []byte
}

// MessageHandler receives inbound transport messages.
type MessageHandler func(msg *Message)

// PublishOptions are forwarded verbatim to the transport on publish.
// Transports ignore fields they have no equivalent for.
type PublishOptions struct {
	// QoS is the quality of service level (0, 1 or 2).
	QoS byte

	// Retain asks the broker to keep the message for future subscribers.
	Retain bool

	// MessageExpiry is the message lifetime in seconds. Zero means no expiry.
	MessageExpiry uint32

	// ContentType is the MIME type of the payload.
	ContentType string
}

// Transport is the publish/subscribe capability the engine needs.
//
// Subscribe must be idempotent and must accept the # multi-level wildcard
// and the $share/<group>/<filter> shared subscription syntax. Every message
// matching a subscription is delivered to all handlers registered with Listen.
type Transport interface {
	// Subscribe subscribes to a topic filter.
	Subscribe(filter string) error

	// Unsubscribe removes subscriptions for the given filters.
	Unsubscribe(filters ...string) error

	// Publish sends payload to topic.
	Publish(topic string, payload []byte, opts PublishOptions) error

	// Listen registers a handler for inbound messages.
	// The returned function removes the handler.
	Listen(handler MessageHandler) (cancel func())
}
