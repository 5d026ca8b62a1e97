// Package rabbitmq provides an mqttrequest.Transport backed by a RabbitMQ
// topic exchange.
//
// MQTT style topics are mapped onto AMQP routing keys: the level separator
// '/' becomes '.', the single-level wildcard '+' becomes '*' and the
// multi-level wildcard '#' is kept. Topic levels must therefore not contain
// '.'. Plain subscriptions are bindings on one exclusive queue per
// transport; $share/<group>/<filter> subscriptions consume from a named
// queue shared by every member of the group, so RabbitMQ balances delivery
// between them.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/vitalvas/mqttv5"
	"go.uber.org/multierr"

	"github.com/vitalvas/mqttrequest"
)

const (
	// DefaultExchange is the topic exchange requests and responses go through.
	DefaultExchange = "mqttrequest"

	// DefaultPublishTimeout bounds a single publish.
	DefaultPublishTimeout = 5 * time.Second
)

// ErrClosed is returned after the transport is closed.
var ErrClosed = errors.New("rabbitmq: transport closed")

// Channel is the subset of *amqp.Channel used by the transport.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Option configures a Transport.
type Option func(*Transport)

// WithExchange sets the topic exchange name.
func WithExchange(name string) Option {
	return func(t *Transport) {
		if name != "" {
			t.exchange = name
		}
	}
}

// WithPublishTimeout sets the timeout of a single publish.
func WithPublishTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.publishTimeout = d
		}
	}
}

// withConnection makes Close also close the connection.
func withConnection(conn io.Closer) Option {
	return func(t *Transport) {
		t.conn = conn
	}
}

// subscription is an active binding for one topic filter.
type subscription struct {
	queue  string
	key    string
	shared bool
}

// Transport implements mqttrequest.Transport on a RabbitMQ channel.
type Transport struct {
	ch             Channel
	conn           io.Closer
	exchange       string
	publishTimeout time.Duration
	directQueue    string

	mu        sync.Mutex
	subs      map[string]subscription // topic filter -> binding
	consumers map[string]string       // queue -> consumer tag
	closed    bool

	listenMu  sync.RWMutex
	listeners map[uint64]mqttrequest.MessageHandler
	nextID    uint64

	wg sync.WaitGroup
}

// Dial connects to a RabbitMQ server and opens a transport on a new channel.
func Dial(url string, opts ...Option) (*Transport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: failed to connect: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: failed to open channel: %w", err)
	}

	t, err := New(ch, append(opts, withConnection(conn))...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

// New creates a transport on an open channel. It declares the exchange and
// the exclusive queue used for plain subscriptions.
func New(ch Channel, opts ...Option) (*Transport, error) {
	if ch == nil {
		return nil, errors.New("rabbitmq: channel is required")
	}

	t := &Transport{
		ch:             ch,
		exchange:       DefaultExchange,
		publishTimeout: DefaultPublishTimeout,
		subs:           make(map[string]subscription),
		consumers:      make(map[string]string),
		listeners:      make(map[uint64]mqttrequest.MessageHandler),
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := ch.ExchangeDeclare(t.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("rabbitmq: failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: failed to declare queue: %w", err)
	}
	t.directQueue = q.Name

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.consumeLocked(q.Name); err != nil {
		return nil, err
	}

	return t, nil
}

// RoutingKey converts an MQTT topic or filter to an AMQP routing key.
func RoutingKey(topic string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/':
			return '.'
		case '+':
			return '*'
		default:
			return r
		}
	}, topic)
}

// TopicFromRoutingKey converts an AMQP routing key back to an MQTT topic.
func TopicFromRoutingKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

// SharedQueueName returns the queue consumed by members of a share group.
func SharedQueueName(exchange, group, key string) string {
	return exchange + ".share." + group + "." + key
}

// Subscribe binds filter to the transport. Subscribing twice to the same
// filter has no further effect.
func (t *Transport) Subscribe(filter string) error {
	shared, err := mqttv5.ParseSharedSubscription(filter)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if _, ok := t.subs[filter]; ok {
		return nil
	}

	sub := subscription{queue: t.directQueue, key: RoutingKey(filter)}
	if shared != nil {
		sub.key = RoutingKey(shared.TopicFilter)
		sub.queue = SharedQueueName(t.exchange, shared.ShareName, sub.key)
		sub.shared = true

		if _, err := t.ch.QueueDeclare(sub.queue, false, true, false, false, nil); err != nil {
			return fmt.Errorf("rabbitmq: failed to declare shared queue: %w", err)
		}
	}

	if err := t.ch.QueueBind(sub.queue, sub.key, t.exchange, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: failed to bind queue: %w", err)
	}

	if sub.shared {
		if err := t.consumeLocked(sub.queue); err != nil {
			return err
		}
	}

	t.subs[filter] = sub
	return nil
}

// Unsubscribe removes the bindings for the given filters.
func (t *Transport) Unsubscribe(filters ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	var err error
	for _, filter := range filters {
		sub, ok := t.subs[filter]
		if !ok {
			continue
		}
		delete(t.subs, filter)

		if sub.shared {
			// The auto-delete queue goes away with its last consumer.
			if tag, ok := t.consumers[sub.queue]; ok {
				delete(t.consumers, sub.queue)
				err = multierr.Append(err, t.ch.Cancel(tag, false))
			}
			continue
		}
		err = multierr.Append(err, t.ch.QueueUnbind(sub.queue, sub.key, t.exchange, nil))
	}
	return err
}

// Publish sends payload to the exchange with the routing key of topic.
// QoS above 0 selects persistent delivery and MessageExpiry sets the
// per-message TTL.
func (t *Transport) Publish(topic string, payload []byte, opts mqttrequest.PublishOptions) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg := amqp.Publishing{
		ContentType:  opts.ContentType,
		DeliveryMode: amqp.Transient,
		Body:         payload,
	}
	if opts.QoS > 0 {
		msg.DeliveryMode = amqp.Persistent
	}
	if opts.MessageExpiry > 0 {
		msg.Expiration = fmt.Sprintf("%d", uint64(opts.MessageExpiry)*1000)
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.publishTimeout)
	defer cancel()

	return t.ch.PublishWithContext(ctx, t.exchange, RoutingKey(topic), false, false, msg)
}

// Listen registers a handler for inbound messages.
func (t *Transport) Listen(handler mqttrequest.MessageHandler) func() {
	t.listenMu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = handler
	t.listenMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.listenMu.Lock()
			delete(t.listeners, id)
			t.listenMu.Unlock()
		})
	}
}

// Close cancels all consumers and closes the channel and, when the
// transport was created with Dial, the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	var err error
	for queue, tag := range t.consumers {
		err = multierr.Append(err, t.ch.Cancel(tag, false))
		delete(t.consumers, queue)
	}
	t.mu.Unlock()

	err = multierr.Append(err, t.ch.Close())
	if t.conn != nil {
		err = multierr.Append(err, t.conn.Close())
	}

	t.wg.Wait()
	return err
}

func (t *Transport) consumeLocked(queue string) error {
	tag := "mqttrequest-" + uuid.NewString()

	deliveries, err := t.ch.Consume(queue, tag, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: failed to consume from %q: %w", queue, err)
	}
	t.consumers[queue] = tag

	t.wg.Add(1)
	go t.forward(deliveries)
	return nil
}

// forward hands deliveries to listeners until the delivery channel closes.
func (t *Transport) forward(deliveries <-chan amqp.Delivery) {
	defer t.wg.Done()

	for d := range deliveries {
		msg := &mqttrequest.Message{Topic: TopicFromRoutingKey(d.RoutingKey)}
		if len(d.Body) > 0 {
			msg.Payload = d.Body
		}

		t.listenMu.RLock()
		handlers := make([]mqttrequest.MessageHandler, 0, len(t.listeners))
		for _, h := range t.listeners {
			handlers = append(handlers, h)
		}
		t.listenMu.RUnlock()

		for _, h := range handlers {
			h(msg)
		}
	}
}
