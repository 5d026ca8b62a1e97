package mqttrequest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vitalvas/mqttv5"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

// Engine correlates requests and responses over a publish/subscribe transport.
//
// Requests are published to <topic>/@request/<id> and answered on
// <topic>/@response/<id>. Inbound messages are queued and dispatched by a
// single goroutine; request and response callbacks run on that goroutine
// and may call back into the engine.
type Engine struct {
	transport Transport
	opts      *engineOptions
	logger    mqttv5.Logger
	metrics   *EngineMetrics
	limiter   *rate.Limiter

	pending    *PendingTable
	responders *ResponderRegistry

	subMu      sync.Mutex
	subscribed map[string]struct{}

	inbound      chan *Message
	stopListen   func()
	sweeper      *sweeper
	done         chan struct{}
	dispatchDone chan struct{}
	dispatching  atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// New creates an engine on top of transport and starts its dispatcher
// and expiry sweeper.
func New(transport Transport, opts ...Option) (*Engine, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}

	options := applyEngineOptions(opts...)
	if options.timeout <= 0 {
		return nil, ErrInvalidTimeout
	}

	e := &Engine{
		transport:    transport,
		opts:         options,
		logger:       options.logger.WithFields(mqttv5.LogFields{LogFieldComponent: "mqttrequest"}),
		metrics:      NewEngineMetrics(options.metrics),
		pending:      NewPendingTable(),
		responders:   NewResponderRegistry(),
		subscribed:   make(map[string]struct{}),
		inbound:      make(chan *Message, options.inboundBuffer),
		done:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}

	if options.requestLimit > 0 {
		e.limiter = rate.NewLimiter(options.requestLimit, options.requestBurst)
	}

	e.sweeper = newSweeper(options.clock, options.sweepInterval, e.sweep)
	e.stopListen = transport.Listen(e.enqueue)

	go e.dispatchLoop()
	e.sweeper.start()

	return e, nil
}

// Request publishes payload as a request on topic. handler is invoked at
// most once, on the dispatcher goroutine, with the payload of the response
// carrying the same correlation id, provided it arrives before the timeout.
// A nil payload is published as an empty message.
//
// topic must not contain the @request or @response segments.
func (e *Engine) Request(topic string, handler ResponseHandler, payload []byte) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	if handler == nil {
		return ErrNilHandler
	}
	if err := ValidateBaseTopic(topic); err != nil {
		return err
	}

	if err := e.subscribe(ResponseFilter(topic)); err != nil {
		return err
	}

	req := &PendingRequest{
		ID:        e.opts.idGenerator(),
		Handler:   handler,
		ExpiresAt: e.opts.clock.Now().Add(e.opts.timeout),
	}
	if !e.pending.Insert(req) {
		return fmt.Errorf("mqttrequest: duplicate correlation id %q", req.ID)
	}
	e.metrics.Pending(e.pending.Len())

	requestTopic := RequestTopic(topic, req.ID)
	if err := e.transport.Publish(requestTopic, payload, e.opts.publishOptions); err != nil {
		e.pending.Take(req.ID)
		e.metrics.Pending(e.pending.Len())
		return fmt.Errorf("mqttrequest: failed to publish request: %w", err)
	}

	e.metrics.RequestSent()
	e.logger.Debug("request published", mqttv5.LogFields{
		mqttv5.LogFieldTopic:  requestTopic,
		LogFieldCorrelationID: req.ID,
	})

	return nil
}

// Response registers handler as the responder for topic and subscribes to
// its requests. topic may be a shared subscription ($share/<group>/<topic>);
// the responder is keyed by the bare topic.
//
// There is one responder per topic: registering a topic again replaces the
// previous responder.
func (e *Engine) Response(topic string, handler RequestHandler) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	if handler == nil {
		return ErrNilHandler
	}
	if err := ValidateBaseTopic(topic); err != nil {
		return err
	}

	if err := e.subscribe(RequestFilter(topic)); err != nil {
		return err
	}

	key := responderKey(topic)
	if e.responders.Put(key, handler) {
		e.logger.Warn("responder replaced", mqttv5.LogFields{mqttv5.LogFieldTopic: key})
	}

	return nil
}

// Call publishes a request and waits for its response. It returns
// ErrTimeout when the engine timeout or the context deadline passes first.
// Cancelling ctx stops the wait only; the pending entry expires normally.
// Call must not be used from inside a request or response callback, since
// those run on the goroutine that delivers the response.
func (e *Engine) Call(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	respCh := make(chan []byte, 1)

	// Register the timer before publishing so a mock clock sees it.
	timer := e.opts.clock.Timer(e.opts.timeout)
	defer timer.Stop()

	err := e.Request(topic, func(p []byte) {
		select {
		case respCh <- p:
		default:
		}
	}, payload)
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrEngineClosed
	}
}

// Pending returns the number of outstanding requests.
func (e *Engine) Pending() int {
	return e.pending.Len()
}

// Responders returns the registered responder topics in sorted order.
func (e *Engine) Responders() []string {
	return e.responders.Topics()
}

// Close stops the sweeper and the dispatcher, detaches from the transport
// and, unless disabled, unsubscribes every filter the engine subscribed to.
// Pending requests are dropped without invoking their callbacks.
//
// Close waits for the dispatcher to exit unless a callback is running at
// the time, which is always the case when Close is called from inside a
// request or response callback. The dispatcher then exits once that
// callback returns.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.sweeper.stop()
		e.stopListen()
		if !e.dispatching.Load() {
			<-e.dispatchDone
		}

		e.pending.Clear()
		e.metrics.Pending(0)

		if e.opts.unsubscribeOnClose {
			e.closeErr = e.unsubscribeAll()
		}
	})
	return e.closeErr
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// subscribe subscribes to filter once per engine.
func (e *Engine) subscribe(filter string) error {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	if _, ok := e.subscribed[filter]; ok {
		return nil
	}

	if err := e.transport.Subscribe(filter); err != nil {
		return fmt.Errorf("mqttrequest: failed to subscribe to %q: %w", filter, err)
	}
	e.subscribed[filter] = struct{}{}

	e.logger.Debug("subscribed", mqttv5.LogFields{LogFieldFilter: filter})
	return nil
}

func (e *Engine) unsubscribeAll() error {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	var err error
	for filter := range e.subscribed {
		if uerr := e.transport.Unsubscribe(filter); uerr != nil {
			err = multierr.Append(err, fmt.Errorf("mqttrequest: failed to unsubscribe from %q: %w", filter, uerr))
		}
		delete(e.subscribed, filter)
	}
	return err
}

// enqueue is the transport listener. It blocks while the queue is full
// and returns immediately once the engine is closed.
func (e *Engine) enqueue(msg *Message) {
	if msg == nil {
		return
	}
	select {
	case e.inbound <- msg:
	case <-e.done:
	}
}

func (e *Engine) dispatchLoop() {
	defer close(e.dispatchDone)

	for {
		select {
		case <-e.done:
			return
		case msg := <-e.inbound:
			// Close either sees the flag or this check sees done.
			e.dispatching.Store(true)
			if e.isClosed() {
				e.dispatching.Store(false)
				return
			}
			e.dispatch(msg)
			e.dispatching.Store(false)
		}
	}
}

// dispatch classifies msg by topic. Both checks run independently.
func (e *Engine) dispatch(msg *Message) {
	if strings.Contains(msg.Topic, requestMarker) {
		e.handleRequest(msg)
	}
	if strings.Contains(msg.Topic, responseMarker) {
		e.handleResponse(msg)
	}
}

func (e *Engine) handleRequest(msg *Message) {
	base, id, _ := ParseRequestTopic(msg.Topic)
	fields := mqttv5.LogFields{
		mqttv5.LogFieldTopic:  msg.Topic,
		LogFieldCorrelationID: id,
	}

	if e.limiter != nil && !e.limiter.AllowN(e.opts.clock.Now(), 1) {
		e.metrics.RequestDropped()
		e.logger.Warn("request dropped by rate limit", fields)
		return
	}

	handler, found := e.responders.Get(responderKey(base))
	if !found && !e.opts.replyWhenUnhandled {
		e.logger.Debug("no responder for request", fields)
		return
	}

	var reply []byte
	var elapsed time.Duration
	if found {
		start := e.opts.clock.Now()
		reply = e.invokeResponder(handler, msg.Payload, fields)
		elapsed = e.opts.clock.Since(start)
	}
	e.metrics.RequestHandled(found, elapsed)

	responseTopic := ResponseTopic(base, id)
	if err := e.transport.Publish(responseTopic, reply, e.opts.responseOptions); err != nil {
		e.metrics.PublishError()
		e.logger.Error("failed to publish response", mqttv5.LogFields{
			mqttv5.LogFieldTopic:  responseTopic,
			LogFieldCorrelationID: id,
			mqttv5.LogFieldError:  err,
		})
	}
}

// invokeResponder runs handler, treating a panic as an empty reply.
func (e *Engine) invokeResponder(handler RequestHandler, payload []byte, fields mqttv5.LogFields) (reply []byte) {
	defer e.recoverCallback("responder panic", fields)
	return handler(payload)
}

// invokeHandler runs a response callback, recovering from panics.
func (e *Engine) invokeHandler(handler ResponseHandler, payload []byte, fields mqttv5.LogFields) {
	defer e.recoverCallback("response handler panic", fields)
	handler(payload)
}

func (e *Engine) recoverCallback(msg string, fields mqttv5.LogFields) {
	if r := recover(); r != nil {
		logFields := make(mqttv5.LogFields, len(fields)+1)
		for k, v := range fields {
			logFields[k] = v
		}
		logFields[mqttv5.LogFieldError] = fmt.Errorf("panic: %v", r)
		e.logger.Error(msg, logFields)
	}
}

func (e *Engine) handleResponse(msg *Message) {
	id, _ := ParseResponseTopic(msg.Topic)

	req, ok := e.pending.Take(id)
	if !ok {
		e.metrics.ResponseUnmatched()
		return
	}
	e.metrics.Pending(e.pending.Len())

	now := e.opts.clock.Now()
	if req.Expired(now) {
		e.metrics.ResponseExpired()
		e.logger.Debug("response after expiry dropped", mqttv5.LogFields{
			mqttv5.LogFieldTopic:  msg.Topic,
			LogFieldCorrelationID: id,
		})
		return
	}

	e.metrics.ResponseDelivered(now.Sub(req.ExpiresAt.Add(-e.opts.timeout)))
	e.invokeHandler(req.Handler, msg.Payload, mqttv5.LogFields{
		mqttv5.LogFieldTopic:  msg.Topic,
		LogFieldCorrelationID: id,
	})
}

func (e *Engine) sweep(now time.Time) {
	removed := e.pending.Sweep(now)
	if removed == 0 {
		return
	}

	e.metrics.Swept(removed)
	e.metrics.Pending(e.pending.Len())
	e.logger.Debug("expired requests swept", mqttv5.LogFields{
		LogFieldRemoved: removed,
		LogFieldPending: e.pending.Len(),
	})
}
