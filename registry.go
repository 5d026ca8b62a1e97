package mqttrequest

import (
	"sort"
	"sync"
)

// RequestHandler answers a request. The returned payload is published as
// the response; nil publishes an empty response.
type RequestHandler func(payload []byte) []byte

// ResponderRegistry maps a logical topic to its responder.
// There is at most one responder per topic: Put replaces any existing one.
type ResponderRegistry struct {
	mu         sync.RWMutex
	responders map[string]RequestHandler
}

// NewResponderRegistry creates an empty registry.
func NewResponderRegistry() *ResponderRegistry {
	return &ResponderRegistry{
		responders: make(map[string]RequestHandler),
	}
}

// Put registers handler for topic and reports whether a previous
// responder was replaced.
func (r *ResponderRegistry) Put(topic string, handler RequestHandler) (replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced = r.responders[topic]
	r.responders[topic] = handler
	return replaced
}

// Get returns the responder for topic.
func (r *ResponderRegistry) Get(topic string) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.responders[topic]
	return h, ok
}

// Topics returns the registered topics in sorted order.
func (r *ResponderRegistry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.responders))
	for topic := range r.responders {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Len returns the number of registered responders.
func (r *ResponderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.responders)
}
