// Package routing implements the message routing engine: the filter table,
// the connection cache, the header normalizer and the four delivery
// patterns built on them.
package routing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	apperrors "message-router/internal/common/errors"
	"message-router/internal/common/logging"
	"message-router/internal/message"
	"message-router/internal/transport"
)

const tracerName = "message-router/routing"

// Config is the reconfigurable part of the engine.
type Config struct {
	Entries []Entry
	// RouteOnHeadersOnly rejects tables whose filters read the body.
	RouteOnHeadersOnly bool
	// ProcessingEnabled turns on header normalization of outbound messages
	// and replies.
	ProcessingEnabled bool
}

// snapshot is the immutable routing state a dispatch works against.
type snapshot struct {
	table       *Table
	processing  bool
	headersOnly bool
	generation  uint64
}

// Snapshot describes the active configuration.
type Snapshot struct {
	Entries            int
	RouteOnHeadersOnly bool
	ProcessingEnabled  bool
	Generation         uint64
}

// Inbound is a message handed to the engine together with its delivery
// pattern.
type Inbound struct {
	Kind      DeliveryKind
	SessionID string
	Message   *message.Message
}

type sessionKey struct {
	id   string
	dest Descriptor
}

// openState tracks in-flight session opens for one session id. CloseSession
// bumps gen so opens that started earlier discard their result.
type openState struct {
	pending int
	gen     uint64
}

type exchange struct {
	dest Descriptor
}

// Engine routes messages to destinations. It is safe for concurrent use.
type Engine struct {
	snap       atomic.Pointer[snapshot]
	cache      *Cache
	normalizer Normalizer

	// pending is the single in-flight request/reply exchange
	pending atomic.Pointer[exchange]

	sessMu       sync.Mutex
	sessions     map[sessionKey]transport.Session
	opening      map[string]*openState
	sessionGroup singleflight.Group

	closed  atomic.Bool
	logger  logging.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine builds an engine from cfg. Connections are opened lazily
// through dialer.
func NewEngine(cfg Config, dialer Dialer, opts ...Option) (*Engine, error) {
	e := &Engine{
		sessions: make(map[sessionKey]transport.Session),
		opening:  make(map[string]*openState),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.WithComponent("routing")
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	e.cache = NewCache(dialer, e.logger.WithFields(logging.String("component", "connection-cache")), e.metrics)

	if err := e.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Reconfigure atomically replaces the filter table and flags. Dispatches
// already running keep the configuration they started with. On error the
// previous configuration stays active.
func (e *Engine) Reconfigure(cfg Config) error {
	table, err := NewTable(cfg.Entries, cfg.RouteOnHeadersOnly, e.logger)
	e.metrics.reconfigures.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		return err
	}

	var gen uint64 = 1
	if prev := e.snap.Load(); prev != nil {
		gen = prev.generation + 1
	}
	e.snap.Store(&snapshot{
		table:       table,
		processing:  cfg.ProcessingEnabled,
		headersOnly: cfg.RouteOnHeadersOnly,
		generation:  gen,
	})

	e.logger.Info("Routing table configured",
		logging.Int("entries", table.Len()),
		logging.Bool("route_on_headers_only", cfg.RouteOnHeadersOnly),
		logging.Bool("processing_enabled", cfg.ProcessingEnabled),
		logging.Any("generation", gen),
	)
	return nil
}

// Snapshot returns a description of the active configuration.
func (e *Engine) Snapshot() Snapshot {
	s := e.snap.Load()
	return Snapshot{
		Entries:            s.table.Len(),
		RouteOnHeadersOnly: s.headersOnly,
		ProcessingEnabled:  s.processing,
		Generation:         s.generation,
	}
}

// Match reports the destinations msg would be routed to, without sending.
func (e *Engine) Match(msg *message.Message) []Descriptor {
	return e.snap.Load().table.Match(msg)
}

// CachedConnections returns the number of open destination connections.
func (e *Engine) CachedConnections() int { return e.cache.Len() }

// Deliver dispatches an inbound message according to its kind.
func (e *Engine) Deliver(ctx context.Context, in Inbound) (*Completion, error) {
	switch in.Kind {
	case KindBroadcast:
		return e.Broadcast(ctx, in.Message)
	case KindSession:
		return e.SendSession(ctx, in.SessionID, in.Message)
	case KindDuplex:
		return e.SendDuplex(ctx, in.SessionID, in.Message)
	case KindRequest:
		return e.BeginRequest(ctx, in.Message)
	default:
		return nil, apperrors.ValidationError(fmt.Sprintf("unknown delivery kind %d", in.Kind))
	}
}

// Broadcast sends msg one-way to every matching destination. No match is a
// successful no-op.
func (e *Engine) Broadcast(ctx context.Context, msg *message.Message) (*Completion, error) {
	return e.fanOut(ctx, KindBroadcast, "", msg)
}

// SendSession sends msg to every matching destination over connections
// scoped to sessionID.
func (e *Engine) SendSession(ctx context.Context, sessionID string, msg *message.Message) (*Completion, error) {
	return e.fanOut(ctx, KindSession, sessionID, msg)
}

// SendDuplex sends msg to every matching destination over bidirectional
// connections scoped to sessionID. Messages the destinations push back are
// not correlated to the caller and are dropped.
func (e *Engine) SendDuplex(ctx context.Context, sessionID string, msg *message.Message) (*Completion, error) {
	return e.fanOut(ctx, KindDuplex, sessionID, msg)
}

func (e *Engine) fanOut(ctx context.Context, kind DeliveryKind, sessionID string, msg *message.Message) (*Completion, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if kind != KindBroadcast && sessionID == "" {
		return nil, ErrSessionRequired
	}

	snap := e.snap.Load()
	dests := snap.table.Match(msg)
	e.metrics.matched.Observe(float64(len(dests)))

	if err := checkContracts(kind, dests); err != nil {
		e.metrics.dispatches.WithLabelValues(kind.String(), "rejected").Inc()
		return nil, err
	}

	c := newCompletion(kind, dests)
	if len(dests) == 0 {
		e.logger.Debug("No destination matched", logging.String("kind", kind.String()))
		e.metrics.dispatches.WithLabelValues(kind.String(), "ok").Inc()
		c.finish(nil, nil)
		return c, nil
	}
	if len(dests) > 1 {
		// clones share the body, so it must be re-readable
		if err := msg.Buffer(); err != nil {
			return nil, apperrors.InternalError("buffer message body", err)
		}
	}

	spanCtx, span := e.tracer.Start(ctx, "routing."+kind.String(),
		trace.WithAttributes(
			attribute.String("routing.kind", kind.String()),
			attribute.Int("routing.destinations", len(dests)),
		))
	sendCtx := context.WithoutCancel(spanCtx)

	go func() {
		errs := make([]error, len(dests))
		var wg sync.WaitGroup
		for i, d := range dests {
			wg.Add(1)
			go func(i int, d Descriptor) {
				defer wg.Done()
				errs[i] = e.sendOne(sendCtx, snap, kind, sessionID, d, msg.Clone())
			}(i, d)
		}
		wg.Wait()

		var err error
		for _, sendErr := range errs {
			err = multierr.Append(err, sendErr)
		}
		endSpan(span, err)
		e.metrics.dispatches.WithLabelValues(kind.String(), outcome(err)).Inc()
		if err != nil {
			e.logger.WithContext(spanCtx).Warn("Delivery failed for some destinations",
				logging.String("kind", kind.String()),
				logging.Int("failed", len(multierr.Errors(err))),
				logging.Int("destinations", len(dests)),
			)
		}
		c.finish(nil, err)
	}()
	return c, nil
}

func (e *Engine) sendOne(ctx context.Context, snap *snapshot, kind DeliveryKind, sessionID string, d Descriptor, msg *message.Message) (err error) {
	ctx, span := e.tracer.Start(ctx, "routing.send", trace.WithAttributes(destinationAttributes(d)...))
	defer func() {
		endSpan(span, err)
		e.metrics.sends.WithLabelValues(d.Binding, kind.String(), outcome(err)).Inc()
	}()

	f, err := e.cache.Get(ctx, d)
	if err != nil {
		return &DestinationError{Destination: d, Err: err}
	}
	if err := checkCapability(f, d); err != nil {
		return &DestinationError{Destination: d, Err: err}
	}

	out, _ := e.prepare(snap, msg, f)

	switch kind {
	case KindBroadcast:
		err = f.Send(ctx, out)
	default:
		var s transport.Session
		s, err = e.session(ctx, kind, sessionID, d, f)
		if err == nil {
			err = s.Send(ctx, out)
		}
	}
	if err != nil {
		return &DestinationError{Destination: d, Err: err}
	}
	return nil
}

// session returns the open session for (id, d), opening it on first use.
func (e *Engine) session(ctx context.Context, kind DeliveryKind, id string, d Descriptor, f transport.Factory) (transport.Session, error) {
	key := sessionKey{id: id, dest: d}

	e.sessMu.Lock()
	s, ok := e.sessions[key]
	e.sessMu.Unlock()
	if ok {
		return s, nil
	}

	v, err, _ := e.sessionGroup.Do(id+"\x00"+d.key(), func() (interface{}, error) {
		e.sessMu.Lock()
		s, ok := e.sessions[key]
		e.sessMu.Unlock()
		if ok {
			return s, nil
		}

		var inbound transport.Handler
		if kind == KindDuplex {
			inbound = e.dropPush(id, d)
		}
		st, start := e.beginOpen(id)
		s, err := f.OpenSession(ctx, inbound)

		e.sessMu.Lock()
		stale := e.endOpen(id, st, start)
		if err != nil {
			e.sessMu.Unlock()
			return nil, err
		}
		if e.closed.Load() || stale {
			e.sessMu.Unlock()
			_ = s.Close()
			if stale {
				e.logger.Debug("Session closed while opening",
					logging.String("session", id),
					logging.String("destination", d.String()),
				)
				return nil, ErrSessionClosed
			}
			return nil, ErrEngineClosed
		}
		e.sessions[key] = s
		e.sessMu.Unlock()
		e.logger.Debug("Opened session",
			logging.String("session", id),
			logging.String("destination", d.String()),
		)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(transport.Session), nil
}

func (e *Engine) beginOpen(id string) (*openState, uint64) {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()
	st, ok := e.opening[id]
	if !ok {
		st = &openState{}
		e.opening[id] = st
	}
	st.pending++
	return st, st.gen
}

// endOpen must be called with sessMu held. It reports whether CloseSession
// ran since the open began.
func (e *Engine) endOpen(id string, st *openState, start uint64) bool {
	st.pending--
	if st.pending == 0 {
		delete(e.opening, id)
	}
	return st.gen != start
}

func (e *Engine) dropPush(id string, d Descriptor) transport.Handler {
	return func(ctx context.Context, msg *message.Message) {
		e.metrics.pushes.Inc()
		e.logger.Debug("Dropping uncorrelated duplex message",
			logging.String("session", id),
			logging.String("destination", d.String()),
			logging.String("action", msg.Action()),
		)
	}
}

// CloseSession closes every connection opened for sessionID. Opens still in
// flight for sessionID close their connection when they finish and fail with
// ErrSessionClosed.
func (e *Engine) CloseSession(sessionID string) error {
	e.sessMu.Lock()
	if st, ok := e.opening[sessionID]; ok {
		st.gen++
	}
	var toClose []transport.Session
	for key, s := range e.sessions {
		if key.id == sessionID {
			toClose = append(toClose, s)
			delete(e.sessions, key)
		}
	}
	e.sessMu.Unlock()

	var err error
	for _, s := range toClose {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// BeginRequest starts a request/reply exchange with the single destination
// msg matches. It fails without opening any connection when the match is
// empty or ambiguous, and without sending when another exchange is in
// flight.
func (e *Engine) BeginRequest(ctx context.Context, msg *message.Message) (*Completion, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	snap := e.snap.Load()
	dests := snap.table.Match(msg)
	e.metrics.matched.Observe(float64(len(dests)))

	switch {
	case len(dests) == 0:
		e.metrics.dispatches.WithLabelValues(KindRequest.String(), "rejected").Inc()
		return nil, ErrNoMatch
	case len(dests) > 1:
		e.metrics.dispatches.WithLabelValues(KindRequest.String(), "rejected").Inc()
		return nil, fmt.Errorf("%w: %d destinations", ErrAmbiguousMatch, len(dests))
	}
	d := dests[0]
	if err := checkContracts(KindRequest, dests); err != nil {
		e.metrics.dispatches.WithLabelValues(KindRequest.String(), "rejected").Inc()
		return nil, err
	}

	ex := &exchange{dest: d}
	if !e.pending.CompareAndSwap(nil, ex) {
		e.metrics.dispatches.WithLabelValues(KindRequest.String(), "rejected").Inc()
		return nil, ErrExchangeInProgress
	}
	e.metrics.inflight.Set(1)

	spanCtx, span := e.tracer.Start(ctx, "routing.request", trace.WithAttributes(destinationAttributes(d)...))
	sendCtx := context.WithoutCancel(spanCtx)
	c := newCompletion(KindRequest, dests)

	go func() {
		reply, err := e.runExchange(sendCtx, snap, d, msg)
		endSpan(span, err)
		e.metrics.dispatches.WithLabelValues(KindRequest.String(), outcome(err)).Inc()
		e.metrics.sends.WithLabelValues(d.Binding, KindRequest.String(), outcome(err)).Inc()

		// free the slot before waking the caller so it can start the next one
		e.metrics.inflight.Set(0)
		e.pending.CompareAndSwap(ex, nil)
		c.finish(reply, err)
	}()
	return c, nil
}

// Request runs a request/reply exchange and waits for the reply.
func (e *Engine) Request(ctx context.Context, msg *message.Message) (*message.Message, error) {
	c, err := e.BeginRequest(ctx, msg)
	if err != nil {
		return nil, err
	}
	return c.Reply(ctx)
}

func (e *Engine) runExchange(ctx context.Context, snap *snapshot, d Descriptor, msg *message.Message) (*message.Message, error) {
	f, err := e.cache.Get(ctx, d)
	if err != nil {
		return nil, &DestinationError{Destination: d, Err: err}
	}
	if err := checkCapability(f, d); err != nil {
		return nil, &DestinationError{Destination: d, Err: err}
	}

	out, token := e.prepare(snap, msg, f)
	reply, err := f.Request(ctx, out)
	if err != nil {
		return nil, &DestinationError{Destination: d, Err: err}
	}
	if reply == nil {
		return nil, &DestinationError{Destination: d, Err: apperrors.InternalError("destination returned no reply", nil)}
	}
	if snap.processing {
		reply = e.normalizer.RewriteInbound(reply, token)
	}
	return reply, nil
}

// prepare produces the message a destination receives.
func (e *Engine) prepare(snap *snapshot, msg *message.Message, f transport.Factory) (*message.Message, Token) {
	if !snap.processing {
		return msg, Token{original: msg}
	}
	var target message.Version
	if v, ok := f.(transport.Versioned); ok {
		target = v.Version()
	}
	return e.normalizer.RewriteOutbound(msg, target)
}

// Close closes every session and cached connection. Dispatches still
// running fail with ErrEngineClosed at their next connection lookup.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.sessMu.Lock()
	sessions := e.sessions
	e.sessions = make(map[sessionKey]transport.Session)
	e.sessMu.Unlock()

	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.Close())
	}
	err = multierr.Append(err, e.cache.Close())

	e.logger.Info("Routing engine closed", logging.Int("sessions", len(sessions)))
	return err
}

func checkContracts(kind DeliveryKind, dests []Descriptor) error {
	for _, d := range dests {
		if !d.Contract.Supports(kind) {
			return apperrors.ConfigErrorf("destination %s cannot take a %s delivery", d, kind).
				WithCause(ErrContractMismatch)
		}
	}
	return nil
}

func checkCapability(f transport.Factory, d Descriptor) error {
	want := d.Contract.Capability()
	if !f.Capabilities().Has(want) {
		return apperrors.UnsupportedError(fmt.Sprintf("%s over binding %s", d.Contract, d.Binding))
	}
	return nil
}

func destinationAttributes(d Descriptor) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("destination.address", d.Address),
		attribute.String("destination.binding", d.Binding),
		attribute.String("destination.contract", string(d.Contract)),
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
