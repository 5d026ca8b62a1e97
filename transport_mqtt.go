package mqttrequest

import (
	"context"
	"fmt"
	"sync"

	"github.com/vitalvas/mqttv5"
)

// MQTTClient is the subset of *mqttv5.Client used by MQTTTransport.
type MQTTClient interface {
	Subscribe(filter string, qos byte, handler mqttv5.MessageHandler) error
	Unsubscribe(filters ...string) error
	Publish(msg *mqttv5.Message) error
	Close() error
}

// MQTTTransport is a Transport backed by an mqttv5 client.
//
// Inbound messages are captured with a consumer interceptor rather than
// per-subscription handlers, because the client matches handlers against
// the subscribed filter and $share/<group>/... filters never match the
// topic a message arrives on.
//
// Listeners run inside the client's receive path. An engine listener
// blocks there while its inbound queue is full, which delays every other
// packet on the connection, keepalive responses included. Size the queue
// with WithInboundBuffer and keep callbacks short.
type MQTTTransport struct {
	qos byte

	mu        sync.RWMutex
	client    MQTTClient
	listeners map[uint64]MessageHandler
	nextID    uint64
}

// MQTTOption configures an MQTTTransport.
type MQTTOption func(*MQTTTransport)

// WithMQTTSubscribeQoS sets the QoS used for subscriptions. Defaults to 0.
func WithMQTTSubscribeQoS(qos byte) MQTTOption {
	return func(t *MQTTTransport) {
		t.qos = qos
	}
}

// NewMQTTTransport creates a transport that is not yet bound to a client.
// Pass it to mqttv5.WithConsumerInterceptors when dialing and bind the
// resulting client with Attach. DialMQTT does both.
func NewMQTTTransport(opts ...MQTTOption) *MQTTTransport {
	t := &MQTTTransport{
		listeners: make(map[uint64]MessageHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// DialMQTT connects to an MQTT broker and returns a transport using the
// connection. The context controls the client lifecycle as in
// mqttv5.DialContext.
func DialMQTT(ctx context.Context, transportOpts []MQTTOption, clientOpts ...mqttv5.Option) (*MQTTTransport, error) {
	t := NewMQTTTransport(transportOpts...)

	clientOpts = append(clientOpts, mqttv5.WithConsumerInterceptors(t))
	client, err := mqttv5.DialContext(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("mqttrequest: failed to connect: %w", err)
	}

	t.Attach(client)
	return t, nil
}

// Attach binds the transport to a client.
func (t *MQTTTransport) Attach(client MQTTClient) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.client = client
}

func (t *MQTTTransport) getClient() (MQTTClient, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.client == nil {
		return nil, ErrTransportClosed
	}
	return t.client, nil
}

// OnConsume implements mqttv5.ConsumerInterceptor. It forwards every
// inbound message to the listeners and passes it on unchanged.
func (t *MQTTTransport) OnConsume(msg *mqttv5.Message) *mqttv5.Message {
	if msg == nil {
		return nil
	}

	t.mu.RLock()
	handlers := make([]MessageHandler, 0, len(t.listeners))
	for _, h := range t.listeners {
		handlers = append(handlers, h)
	}
	t.mu.RUnlock()

	if len(handlers) > 0 {
		in := &Message{Topic: msg.Topic, Payload: msg.Payload}
		for _, h := range handlers {
			h(in)
		}
	}

	return msg
}

// Subscribe subscribes to a topic filter. Delivery happens through the
// interceptor, so the per-subscription handler does nothing.
func (t *MQTTTransport) Subscribe(filter string) error {
	client, err := t.getClient()
	if err != nil {
		return err
	}
	return client.Subscribe(filter, t.qos, func(*mqttv5.Message) {})
}

// Unsubscribe unsubscribes from topic filters.
func (t *MQTTTransport) Unsubscribe(filters ...string) error {
	client, err := t.getClient()
	if err != nil {
		return err
	}
	return client.Unsubscribe(filters...)
}

// Publish sends payload to topic with the given options.
func (t *MQTTTransport) Publish(topic string, payload []byte, opts PublishOptions) error {
	client, err := t.getClient()
	if err != nil {
		return err
	}

	return client.Publish(&mqttv5.Message{
		Topic:         topic,
		Payload:       payload,
		QoS:           opts.QoS,
		Retain:        opts.Retain,
		MessageExpiry: opts.MessageExpiry,
		ContentType:   opts.ContentType,
	})
}

// Listen registers a handler for inbound messages.
func (t *MQTTTransport) Listen(handler MessageHandler) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = handler
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.listeners, id)
			t.mu.Unlock()
		})
	}
}

// Close closes the underlying client.
func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}
