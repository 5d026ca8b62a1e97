package mqttrequest

import (
	"sync"

	"github.com/vitalvas/mqttv5"
)

// MemoryBroker is an in-process publish/subscribe broker. It supports the
// MQTT wildcards and shared subscriptions, which are load balanced
// round-robin across the transports of a share group.
//
// Messages are routed asynchronously on a single goroutine in publish order.
type MemoryBroker struct {
	mu         sync.Mutex
	transports []*MemoryTransport
	shareNext  map[string]int
	queue      []*Message

	notify   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryBroker creates a broker and starts its routing goroutine.
func NewMemoryBroker() *MemoryBroker {
	b := &MemoryBroker{
		shareNext: make(map[string]int),
		notify:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go b.loop()
	return b
}

// NewTransport returns a new transport connected to the broker.
func (b *MemoryBroker) NewTransport() *MemoryTransport {
	t := &MemoryTransport{
		broker:    b,
		filters:   make(map[string]struct{}),
		shared:    make(map[string]*mqttv5.SharedSubscription),
		listeners: make(map[uint64]MessageHandler),
	}

	b.mu.Lock()
	b.transports = append(b.transports, t)
	b.mu.Unlock()

	return t
}

// Close stops routing. Queued messages are discarded.
func (b *MemoryBroker) Close() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	<-b.doneCh
	return nil
}

func (b *MemoryBroker) isClosed() bool {
	select {
	case <-b.stopCh:
		return true
	default:
		return false
	}
}

func (b *MemoryBroker) publish(msg *Message) error {
	if b.isClosed() {
		return ErrTransportClosed
	}

	b.mu.Lock()
	b.queue = append(b.queue, msg)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

func (b *MemoryBroker) detach(t *MemoryTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, cur := range b.transports {
		if cur == t {
			b.transports = append(b.transports[:i], b.transports[i+1:]...)
			return
		}
	}
}

func (b *MemoryBroker) pop() (*Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return nil, false
	}
	msg := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	return msg, true
}

func (b *MemoryBroker) loop() {
	defer close(b.doneCh)

	for {
		select {
		case <-b.stopCh:
			return
		case <-b.notify:
		}

		for {
			select {
			case <-b.stopCh:
				return
			default:
			}

			msg, ok := b.pop()
			if !ok {
				break
			}
			for _, t := range b.route(msg.Topic) {
				t.deliver(msg)
			}
		}
	}
}

// route returns the transports that receive a message on topic. Each
// transport appears at most once.
func (b *MemoryBroker) route(topic string) []*MemoryTransport {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[*MemoryTransport]struct{})
	var targets []*MemoryTransport
	add := func(t *MemoryTransport) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		targets = append(targets, t)
	}

	groups := make(map[string][]*MemoryTransport)
	var groupOrder []string

	for _, t := range b.transports {
		plain, shared := t.matches(topic)
		if plain {
			add(t)
		}
		for _, key := range shared {
			if _, ok := groups[key]; !ok {
				groupOrder = append(groupOrder, key)
			}
			groups[key] = append(groups[key], t)
		}
	}

	for _, key := range groupOrder {
		members := groups[key]
		idx := b.shareNext[key] % len(members)
		b.shareNext[key] = idx + 1
		add(members[idx])
	}

	return targets
}

// MemoryTransport is a Transport connected to a MemoryBroker.
type MemoryTransport struct {
	broker *MemoryBroker

	mu        sync.RWMutex
	filters   map[string]struct{}
	shared    map[string]*mqttv5.SharedSubscription
	listeners map[uint64]MessageHandler
	nextID    uint64
	closed    bool
}

// Subscribe subscribes to a topic filter. Subscribing twice to the same
// filter has no further effect.
func (t *MemoryTransport) Subscribe(filter string) error {
	shared, err := mqttv5.ParseSharedSubscription(filter)
	if err != nil {
		return err
	}
	if shared == nil {
		if err := mqttv5.ValidateTopicFilter(filter); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	if shared != nil {
		t.shared[filter] = shared
	} else {
		t.filters[filter] = struct{}{}
	}
	return nil
}

// Unsubscribe removes subscriptions for the given filters.
func (t *MemoryTransport) Unsubscribe(filters ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	for _, filter := range filters {
		delete(t.filters, filter)
		delete(t.shared, filter)
	}
	return nil
}

// Publish routes payload to every matching subscription. Options are
// accepted for interface compatibility and otherwise ignored.
func (t *MemoryTransport) Publish(topic string, payload []byte, _ PublishOptions) error {
	if err := mqttv5.ValidateTopicName(topic); err != nil {
		return err
	}

	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrTransportClosed
	}

	var body []byte
	if payload != nil {
		body = append([]byte(nil), payload...)
	}
	return t.broker.publish(&Message{Topic: topic, Payload: body})
}

// Listen registers a handler for inbound messages.
func (t *MemoryTransport) Listen(handler MessageHandler) func() {
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

// Close disconnects the transport from its broker.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.filters = make(map[string]struct{})
	t.shared = make(map[string]*mqttv5.SharedSubscription)
	t.mu.Unlock()

	t.broker.detach(t)
	return nil
}

// matches reports whether a plain subscription matches topic and returns
// the share keys (group and filter) of matching shared subscriptions.
func (t *MemoryTransport) matches(topic string) (plain bool, shareKeys []string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for filter := range t.filters {
		if mqttv5.TopicMatch(filter, topic) {
			plain = true
			break
		}
	}
	for filter, shared := range t.shared {
		if mqttv5.TopicMatch(shared.TopicFilter, topic) {
			shareKeys = append(shareKeys, filter)
		}
	}
	return plain, shareKeys
}

func (t *MemoryTransport) deliver(msg *Message) {
	t.mu.RLock()
	handlers := make([]MessageHandler, 0, len(t.listeners))
	for _, h := range t.listeners {
		handlers = append(handlers, h)
	}
	t.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}
