package mqttrequest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitalvas/mqttv5"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// stubTransport records calls and lets tests inject inbound messages.
type stubTransport struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	published    []stubPublish
	handlers     map[int]MessageHandler
	nextID       int

	subscribeErr   error
	unsubscribeErr error
	publishErr     error
}

type stubPublish struct {
	topic   string
	payload []byte
	opts    PublishOptions
}

func newStubTransport() *stubTransport {
	return &stubTransport{handlers: make(map[int]MessageHandler)}
}

func (s *stubTransport) Subscribe(filter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	s.subscribed = append(s.subscribed, filter)
	return nil
}

func (s *stubTransport) Unsubscribe(filters ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = append(s.unsubscribed, filters...)
	return s.unsubscribeErr
}

func (s *stubTransport) Publish(topic string, payload []byte, opts PublishOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, stubPublish{topic: topic, payload: payload, opts: opts})
	return nil
}

func (s *stubTransport) Listen(handler MessageHandler) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = handler
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

func (s *stubTransport) inject(topic string, payload []byte) {
	s.mu.Lock()
	handlers := make([]MessageHandler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(&Message{Topic: topic, Payload: payload})
	}
}

func (s *stubTransport) publishes() []stubPublish {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stubPublish(nil), s.published...)
}

func (s *stubTransport) subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscribed...)
}

func (s *stubTransport) listenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func newTestEngine(t *testing.T, tr Transport, opts ...Option) *Engine {
	t.Helper()
	e, err := New(tr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func newTestBroker(t *testing.T) *MemoryBroker {
	t.Helper()
	b := NewMemoryBroker()
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNew(t *testing.T) {
	t.Run("nil transport", func(t *testing.T) {
		e, err := New(nil)
		assert.Nil(t, e)
		assert.ErrorIs(t, err, ErrNilTransport)
	})

	t.Run("invalid timeout", func(t *testing.T) {
		e, err := New(newStubTransport(), WithTimeout(0))
		assert.Nil(t, e)
		assert.ErrorIs(t, err, ErrInvalidTimeout)
	})

	t.Run("registers listener", func(t *testing.T) {
		tr := newStubTransport()
		e := newTestEngine(t, tr)
		assert.Equal(t, 1, tr.listenerCount())
		assert.Equal(t, 0, e.Pending())
		assert.Empty(t, e.Responders())
	})
}

func TestEngineRoundTrip(t *testing.T) {
	broker := newTestBroker(t)
	responder := newTestEngine(t, broker.NewTransport(), WithTimeout(waitFor))
	requester := newTestEngine(t, broker.NewTransport(), WithTimeout(waitFor))

	require.NoError(t, responder.Response("hello/world", func(p []byte) []byte {
		return append([]byte("hello "), p...)
	}))

	got := make(chan []byte, 1)
	require.NoError(t, requester.Request("hello/world", func(p []byte) {
		got <- p
	}, []byte("aokihu")))

	select {
	case p := <-got:
		assert.Equal(t, "hello aokihu", string(p))
	case <-time.After(waitFor):
		t.Fatal("response not received")
	}

	assert.Eventually(t, func() bool { return requester.Pending() == 0 }, waitFor, tick)
}

func TestEngineSameEngineRoundTrip(t *testing.T) {
	broker := newTestBroker(t)
	e := newTestEngine(t, broker.NewTransport(), WithTimeout(waitFor))

	require.NoError(t, e.Response("svc/upper/", func(p []byte) []byte {
		return []byte(fmt.Sprintf("%s!", p))
	}))

	resp, err := e.Call(context.Background(), "svc/upper", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi!"), resp)
	assert.Equal(t, []string{"svc/upper"}, e.Responders())
}

func TestEngineIsolation(t *testing.T) {
	broker := newTestBroker(t)
	responder := newTestEngine(t, broker.NewTransport(), WithTimeout(waitFor))
	requester := newTestEngine(t, broker.NewTransport(), WithTimeout(waitFor))

	require.NoError(t, responder.Response("echo", func(p []byte) []byte {
		return append([]byte("echo:"), p...)
	}))

	const n = 50
	var wg sync.WaitGroup
	var mismatches atomic.Int32
	var delivered atomic.Int32

	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("echo:%d", i)
			done := make(chan struct{})
			var calls atomic.Int32

			err := requester.Request("echo", func(p []byte) {
				if calls.Add(1) == 1 {
					if string(p) != want {
						mismatches.Add(1)
					}
					delivered.Add(1)
					close(done)
				}
			}, []byte(fmt.Sprintf("%d", i)))
			if err != nil {
				mismatches.Add(1)
				return
			}

			select {
			case <-done:
			case <-time.After(waitFor):
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(0), mismatches.Load())
	assert.Equal(t, int32(n), delivered.Load())
}

func TestEngineSharedSubscription(t *testing.T) {
	t.Run("normalized responder key", func(t *testing.T) {
		broker := newTestBroker(t)
		responder := newTestEngine(t, broker.NewTransport(), WithTimeout(waitFor))
		requester := newTestEngine(t, broker.NewTransport(), WithTimeout(waitFor))

		require.NoError(t, responder.Response("$share/g1/a/b", func(p []byte) []byte {
			return append([]byte("shared:"), p...)
		}))
		assert.Equal(t, []string{"a/b"}, responder.Responders())

		resp, err := requester.Call(context.Background(), "a/b", []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, []byte("shared:x"), resp)
	})

	t.Run("load balanced across group", func(t *testing.T) {
		broker := newTestBroker(t)
		requester := newTestEngine(t, broker.NewTransport(), WithTimeout(waitFor))

		var counts [2]atomic.Int32
		for i := range 2 {
			r := newTestEngine(t, broker.NewTransport(), WithTimeout(waitFor))
			require.NoError(t, r.Response("$share/workers/jobs", func(p []byte) []byte {
				counts[i].Add(1)
				return p
			}))
		}

		for i := range 10 {
			payload := []byte(fmt.Sprintf("job-%d", i))
			resp, err := requester.Call(context.Background(), "jobs", payload)
			require.NoError(t, err)
			assert.Equal(t, payload, resp)
		}

		assert.Equal(t, int32(5), counts[0].Load())
		assert.Equal(t, int32(5), counts[1].Load())
	})
}

func TestEngineExpiry(t *testing.T) {
	t.Run("no responder within timeout", func(t *testing.T) {
		mock := clock.NewMock()
		metrics := mqttv5.NewMemoryMetrics()
		broker := newTestBroker(t)
		e := newTestEngine(t, broker.NewTransport(),
			WithTimeout(50*time.Millisecond),
			WithClock(mock),
			WithMetrics(metrics),
		)

		var called atomic.Bool
		require.NoError(t, e.Request("x", func([]byte) { called.Store(true) }, nil))
		assert.Equal(t, 1, e.Pending())

		mock.Add(300 * time.Millisecond)

		assert.Eventually(t, func() bool { return e.Pending() == 0 }, waitFor, tick)
		assert.False(t, called.Load())
		assert.Equal(t, float64(1), metrics.Counter(MetricExpiredSwept, nil).Value())
	})

	t.Run("entries not yet expired survive a sweep", func(t *testing.T) {
		mock := clock.NewMock()
		tr := newStubTransport()
		e := newTestEngine(t, tr,
			WithTimeout(time.Second),
			WithSweepInterval(100*time.Millisecond),
			WithClock(mock),
		)

		require.NoError(t, e.Request("x", func([]byte) {}, nil))
		mock.Add(100 * time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, e.Pending())

		assert.Eventually(t, func() bool {
			mock.Add(100 * time.Millisecond)
			return e.Pending() == 0
		}, waitFor, tick)
	})

	t.Run("late response is dropped and removed", func(t *testing.T) {
		mock := clock.NewMock()
		metrics := mqttv5.NewMemoryMetrics()
		tr := newStubTransport()
		e := newTestEngine(t, tr,
			WithTimeout(50*time.Millisecond),
			WithClock(mock),
			WithMetrics(metrics),
		)

		var called atomic.Bool
		require.NoError(t, e.Request("slow", func([]byte) { called.Store(true) }, []byte("q")))

		pubs := tr.publishes()
		require.Len(t, pubs, 1)
		_, id, ok := ParseRequestTopic(pubs[0].topic)
		require.True(t, ok)

		// Past the timeout, before the first sweep.
		mock.Add(60 * time.Millisecond)
		tr.inject(ResponseTopic("slow", id), []byte("late"))

		assert.Eventually(t, func() bool { return e.Pending() == 0 }, waitFor, tick)
		assert.False(t, called.Load())
		assert.Equal(t, float64(1), metrics.Counter(MetricResponsesExpired, nil).Value())
	})
}

func TestEngineDelivery(t *testing.T) {
	t.Run("entry removed on delivery and delivered once", func(t *testing.T) {
		tr := newStubTransport()
		e := newTestEngine(t, tr, WithTimeout(waitFor))

		var calls atomic.Int32
		require.NoError(t, e.Request("a", func([]byte) { calls.Add(1) }, nil))

		_, id, ok := ParseRequestTopic(tr.publishes()[0].topic)
		require.True(t, ok)

		tr.inject(ResponseTopic("a", id), []byte("1"))
		tr.inject(ResponseTopic("a", id), []byte("2"))

		assert.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, 0, e.Pending())
	})

	t.Run("unknown id is ignored", func(t *testing.T) {
		metrics := mqttv5.NewMemoryMetrics()
		tr := newStubTransport()
		e := newTestEngine(t, tr, WithTimeout(waitFor), WithMetrics(metrics))

		require.NoError(t, e.Request("a", func([]byte) { t.Error("unexpected delivery") }, nil))
		tr.inject(ResponseTopic("a", "other"), []byte("x"))

		assert.Eventually(t, func() bool {
			return metrics.Counter(MetricResponsesUnmatched, nil).Value() == 1
		}, waitFor, tick)
		assert.Equal(t, 1, e.Pending())
	})

	t.Run("handler panic does not stop dispatch", func(t *testing.T) {
		tr := newStubTransport()
		e := newTestEngine(t, tr, WithTimeout(waitFor))

		require.NoError(t, e.Request("a", func([]byte) { panic("boom") }, nil))
		got := make(chan []byte, 1)
		require.NoError(t, e.Request("a", func(p []byte) { got <- p }, nil))

		pubs := tr.publishes()
		require.Len(t, pubs, 2)
		for _, p := range pubs {
			_, id, _ := ParseRequestTopic(p.topic)
			tr.inject(ResponseTopic("a", id), []byte("ok"))
		}

		select {
		case p := <-got:
			assert.Equal(t, []byte("ok"), p)
		case <-time.After(waitFor):
			t.Fatal("second response not delivered")
		}
	})
}

func TestEngineRequestHandling(t *testing.T) {
	t.Run("responder reply published on response topic", func(t *testing.T) {
		tr := newStubTransport()
		e := newTestEngine(t, tr, WithResponsePublishOptions(PublishOptions{QoS: 1}))

		require.NoError(t, e.Response("svc", func(p []byte) []byte {
			return append(p, '!')
		}))
		tr.inject("svc/@request/id-1", []byte("hey"))

		assert.Eventually(t, func() bool { return len(tr.publishes()) == 1 }, waitFor, tick)
		pub := tr.publishes()[0]
		assert.Equal(t, "svc/@response/id-1", pub.topic)
		assert.Equal(t, []byte("hey!"), pub.payload)
		assert.Equal(t, byte(1), pub.opts.QoS)
	})

	t.Run("missing responder replies with empty payload", func(t *testing.T) {
		metrics := mqttv5.NewMemoryMetrics()
		tr := newStubTransport()
		newTestEngine(t, tr, WithMetrics(metrics))

		tr.inject("nobody/@request/id-2", []byte("hey"))

		assert.Eventually(t, func() bool { return len(tr.publishes()) == 1 }, waitFor, tick)
		pub := tr.publishes()[0]
		assert.Equal(t, "nobody/@response/id-2", pub.topic)
		assert.Nil(t, pub.payload)
		assert.Equal(t, float64(1), metrics.Counter(MetricRequestsHandled, mqttv5.MetricLabels{LabelResponder: "missing"}).Value())
	})

	t.Run("missing responder stays silent when disabled", func(t *testing.T) {
		metrics := mqttv5.NewMemoryMetrics()
		tr := newStubTransport()
		newTestEngine(t, tr, WithReplyWhenUnhandled(false), WithMetrics(metrics))

		tr.inject("nobody/@request/id-3", []byte("hey"))
		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, tr.publishes())
		assert.Equal(t, float64(0), metrics.Counter(MetricRequestsHandled, mqttv5.MetricLabels{LabelResponder: "missing"}).Value())
	})

	t.Run("two engines on one transport both answer", func(t *testing.T) {
		broker := newTestBroker(t)
		shared := broker.NewTransport()
		withResponder := newTestEngine(t, shared)
		newTestEngine(t, shared)

		require.NoError(t, withResponder.Response("svc", func([]byte) []byte { return []byte("pong") }))

		client := broker.NewTransport()
		var mu sync.Mutex
		var replies []string
		client.Listen(func(msg *Message) {
			mu.Lock()
			replies = append(replies, string(msg.Payload))
			mu.Unlock()
		})
		require.NoError(t, client.Subscribe(ResponseFilter("svc")))
		require.NoError(t, client.Publish(RequestTopic("svc", "r1"), []byte("ping"), PublishOptions{}))

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(replies) == 2
		}, waitFor, tick)

		mu.Lock()
		assert.ElementsMatch(t, []string{"pong", ""}, replies)
		mu.Unlock()
	})

	t.Run("responder panic replies empty", func(t *testing.T) {
		tr := newStubTransport()
		e := newTestEngine(t, tr)

		require.NoError(t, e.Response("svc", func([]byte) []byte { panic("boom") }))
		tr.inject("svc/@request/id-4", []byte("x"))

		assert.Eventually(t, func() bool { return len(tr.publishes()) == 1 }, waitFor, tick)
		assert.Nil(t, tr.publishes()[0].payload)
	})

	t.Run("re-registration replaces responder", func(t *testing.T) {
		tr := newStubTransport()
		e := newTestEngine(t, tr)

		require.NoError(t, e.Response("svc", func([]byte) []byte { return []byte("first") }))
		require.NoError(t, e.Response("svc", func([]byte) []byte { return []byte("second") }))
		assert.Equal(t, []string{RequestFilter("svc")}, tr.subscriptions())

		tr.inject("svc/@request/id-5", nil)
		assert.Eventually(t, func() bool { return len(tr.publishes()) == 1 }, waitFor, tick)
		assert.Equal(t, []byte("second"), tr.publishes()[0].payload)
	})

	t.Run("rate limit drops excess requests", func(t *testing.T) {
		metrics := mqttv5.NewMemoryMetrics()
		tr := newStubTransport()
		e := newTestEngine(t, tr,
			WithClock(clock.NewMock()),
			WithMetrics(metrics),
			WithRequestRateLimit(rate.Limit(1), 1),
		)

		require.NoError(t, e.Response("svc", func(p []byte) []byte { return p }))
		tr.inject("svc/@request/1", []byte("a"))
		tr.inject("svc/@request/2", []byte("b"))

		assert.Eventually(t, func() bool {
			return metrics.Counter(MetricRequestsDropped, nil).Value() == 1
		}, waitFor, tick)
		assert.Len(t, tr.publishes(), 1)
	})

	t.Run("full inbound queue blocks the transport", func(t *testing.T) {
		tr := newStubTransport()
		e := newTestEngine(t, tr, WithInboundBuffer(1))

		started := make(chan struct{}, 3)
		release := make(chan struct{})
		require.NoError(t, e.Response("svc", func(p []byte) []byte {
			started <- struct{}{}
			<-release
			return p
		}))

		tr.inject("svc/@request/1", nil)
		<-started
		tr.inject("svc/@request/2", nil)

		injected := make(chan struct{})
		go func() {
			tr.inject("svc/@request/3", nil)
			close(injected)
		}()

		select {
		case <-injected:
			t.Fatal("listener returned while the queue was full")
		case <-time.After(50 * time.Millisecond):
		}

		close(release)
		select {
		case <-injected:
		case <-time.After(waitFor):
			t.Fatal("listener still blocked after the dispatcher caught up")
		}
		assert.Eventually(t, func() bool { return len(tr.publishes()) == 3 }, waitFor, tick)
	})

	t.Run("publish failure is counted", func(t *testing.T) {
		metrics := mqttv5.NewMemoryMetrics()
		tr := newStubTransport()
		tr.publishErr = errors.New("broker gone")
		newTestEngine(t, tr, WithMetrics(metrics))

		tr.inject("svc/@request/1", nil)
		assert.Eventually(t, func() bool {
			return metrics.Counter(MetricPublishErrors, nil).Value() == 1
		}, waitFor, tick)
	})
}

func TestEngineRequestErrors(t *testing.T) {
	t.Run("validation", func(t *testing.T) {
		e := newTestEngine(t, newStubTransport())

		assert.ErrorIs(t, e.Request("", func([]byte) {}, nil), ErrEmptyTopic)
		assert.ErrorIs(t, e.Request("a/@request/b", func([]byte) {}, nil), ErrReservedSegment)
		assert.ErrorIs(t, e.Request("a", nil, nil), ErrNilHandler)
		assert.ErrorIs(t, e.Response("", func([]byte) []byte { return nil }), ErrEmptyTopic)
		assert.ErrorIs(t, e.Response("a/@response", func([]byte) []byte { return nil }), ErrReservedSegment)
		assert.ErrorIs(t, e.Response("a", nil), ErrNilHandler)
	})

	t.Run("subscribe failure propagates", func(t *testing.T) {
		tr := newStubTransport()
		tr.subscribeErr = errors.New("not authorized")
		e := newTestEngine(t, tr)

		err := e.Request("a", func([]byte) {}, nil)
		assert.ErrorIs(t, err, tr.subscribeErr)
		assert.Equal(t, 0, e.Pending())

		err = e.Response("a", func([]byte) []byte { return nil })
		assert.ErrorIs(t, err, tr.subscribeErr)
		assert.Empty(t, e.Responders())
	})

	t.Run("publish failure propagates and drops entry", func(t *testing.T) {
		tr := newStubTransport()
		tr.publishErr = errors.New("not connected")
		e := newTestEngine(t, tr)

		err := e.Request("a", func([]byte) {}, []byte("x"))
		assert.ErrorIs(t, err, tr.publishErr)
		assert.Equal(t, 0, e.Pending())
	})

	t.Run("duplicate id", func(t *testing.T) {
		e := newTestEngine(t, newStubTransport(), WithIDGenerator(func() string { return "same" }))

		require.NoError(t, e.Request("a", func([]byte) {}, nil))
		assert.Error(t, e.Request("a", func([]byte) {}, nil))
		assert.Equal(t, 1, e.Pending())
	})
}

func TestEngineRequestPublish(t *testing.T) {
	tr := newStubTransport()
	opts := PublishOptions{QoS: 1, ContentType: "text/plain"}
	ids := []string{"id-1", "id-2", "id-3"}
	var n int
	e := newTestEngine(t, tr,
		WithPublishOptions(opts),
		WithIDGenerator(func() string {
			id := ids[n]
			n++
			return id
		}),
	)

	for range 3 {
		require.NoError(t, e.Request("sensors/t/", func([]byte) {}, nil))
	}

	assert.Equal(t, []string{"sensors/t/@response/#"}, tr.subscriptions())

	pubs := tr.publishes()
	require.Len(t, pubs, 3)
	for i, p := range pubs {
		assert.Equal(t, "sensors/t/@request/"+ids[i], p.topic)
		assert.Nil(t, p.payload)
		assert.Equal(t, opts, p.opts)
	}
	assert.Equal(t, 3, e.Pending())
}

func TestEngineCall(t *testing.T) {
	t.Run("timeout without responder", func(t *testing.T) {
		broker := newTestBroker(t)
		e := newTestEngine(t, broker.NewTransport(), WithTimeout(50*time.Millisecond))

		resp, err := e.Call(context.Background(), "nobody/home", []byte("x"))
		assert.Nil(t, resp)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("context deadline maps to timeout", func(t *testing.T) {
		e := newTestEngine(t, newStubTransport(), WithTimeout(waitFor))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := e.Call(ctx, "a", nil)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("context cancellation", func(t *testing.T) {
		e := newTestEngine(t, newStubTransport(), WithTimeout(waitFor))

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		_, err := e.Call(ctx, "a", nil)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("engine closed while waiting", func(t *testing.T) {
		e, err := New(newStubTransport(), WithTimeout(waitFor))
		require.NoError(t, err)

		go func() {
			time.Sleep(10 * time.Millisecond)
			e.Close()
		}()

		_, err = e.Call(context.Background(), "a", nil)
		assert.ErrorIs(t, err, ErrEngineClosed)
	})

	t.Run("request error returned", func(t *testing.T) {
		e := newTestEngine(t, newStubTransport())
		_, err := e.Call(context.Background(), "", nil)
		assert.ErrorIs(t, err, ErrEmptyTopic)
	})
}

func TestEngineClose(t *testing.T) {
	t.Run("unsubscribes and detaches", func(t *testing.T) {
		tr := newStubTransport()
		e, err := New(tr)
		require.NoError(t, err)

		require.NoError(t, e.Request("a", func([]byte) {}, nil))
		require.NoError(t, e.Response("b", func([]byte) []byte { return nil }))

		require.NoError(t, e.Close())
		assert.ElementsMatch(t, []string{"a/@response/#", "b/@request/#"}, tr.unsubscribed)
		assert.Equal(t, 0, tr.listenerCount())
		assert.Equal(t, 0, e.Pending())

		assert.NoError(t, e.Close())
		assert.ErrorIs(t, e.Request("a", func([]byte) {}, nil), ErrEngineClosed)
		assert.ErrorIs(t, e.Response("a", func([]byte) []byte { return nil }), ErrEngineClosed)
	})

	t.Run("keeps subscriptions when disabled", func(t *testing.T) {
		tr := newStubTransport()
		e, err := New(tr, WithUnsubscribeOnClose(false))
		require.NoError(t, err)

		require.NoError(t, e.Request("a", func([]byte) {}, nil))
		require.NoError(t, e.Close())
		assert.Empty(t, tr.unsubscribed)
	})

	t.Run("unsubscribe errors are aggregated", func(t *testing.T) {
		tr := newStubTransport()
		tr.unsubscribeErr = errors.New("gone")
		e, err := New(tr)
		require.NoError(t, err)

		require.NoError(t, e.Request("a", func([]byte) {}, nil))
		require.NoError(t, e.Response("b", func([]byte) []byte { return nil }))

		err = e.Close()
		assert.ErrorIs(t, err, tr.unsubscribeErr)
	})

	t.Run("from response callback", func(t *testing.T) {
		broker := newTestBroker(t)
		e, err := New(broker.NewTransport(), WithTimeout(waitFor))
		require.NoError(t, err)

		require.NoError(t, e.Response("a", func(p []byte) []byte { return p }))

		closed := make(chan error, 1)
		require.NoError(t, e.Request("a", func([]byte) {
			closed <- e.Close()
		}, []byte("x")))

		select {
		case err := <-closed:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("Close did not return inside the callback")
		}

		select {
		case <-e.dispatchDone:
		case <-time.After(waitFor):
			t.Fatal("dispatcher did not exit")
		}
		assert.ErrorIs(t, e.Request("a", func([]byte) {}, nil), ErrEngineClosed)
		assert.NoError(t, e.Close())
	})

	t.Run("from responder callback", func(t *testing.T) {
		tr := newStubTransport()
		e, err := New(tr)
		require.NoError(t, err)

		closed := make(chan error, 1)
		require.NoError(t, e.Response("svc", func(p []byte) []byte {
			closed <- e.Close()
			return p
		}))
		tr.inject("svc/@request/id-1", nil)

		select {
		case err := <-closed:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("Close did not return inside the responder")
		}

		select {
		case <-e.dispatchDone:
		case <-time.After(waitFor):
			t.Fatal("dispatcher did not exit")
		}
		assert.Equal(t, 0, tr.listenerCount())
	})

	t.Run("releases goroutines", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		broker := NewMemoryBroker()
		e, err := New(broker.NewTransport())
		require.NoError(t, err)

		require.NoError(t, e.Response("a", func(p []byte) []byte { return p }))
		_, err = e.Call(context.Background(), "a", []byte("x"))
		require.NoError(t, err)

		require.NoError(t, e.Close())
		require.NoError(t, broker.Close())
	})
}

func TestEngineMetricsRoundTrip(t *testing.T) {
	metrics := mqttv5.NewMemoryMetrics()
	broker := newTestBroker(t)
	e := newTestEngine(t, broker.NewTransport(), WithTimeout(waitFor), WithMetrics(metrics))

	require.NoError(t, e.Response("m", func(p []byte) []byte { return p }))
	_, err := e.Call(context.Background(), "m", []byte("x"))
	require.NoError(t, err)

	assert.Equal(t, float64(1), metrics.Counter(MetricRequestsSent, nil).Value())
	assert.Equal(t, float64(1), metrics.Counter(MetricResponsesDelivered, nil).Value())
	assert.Equal(t, float64(1), metrics.Counter(MetricRequestsHandled, mqttv5.MetricLabels{LabelResponder: "found"}).Value())
	assert.Equal(t, uint64(1), metrics.Histogram(MetricResponseLatency, nil).Count())
	assert.Equal(t, float64(0), metrics.Gauge(MetricPendingRequests, nil).Value())
}
