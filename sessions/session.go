// Package sessions implements the relay session core: a lifecycle state
// machine over a correlated JSON-RPC exchange with one peer. A Session
// dispatches inbound messages against a handler Registry, tracks in-flight
// inbound requests for cancellation, and correlates server-initiated
// outbound calls with their eventual responses.
//
// Sessions are transport-agnostic. A transport feeds inbound envelopes to
// Handle and drains server-initiated traffic through the MessageSink it
// supplied at construction.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relayrpc/relay/instrument"
	"github.com/relayrpc/relay/jsonrpc"
)

// State is the session lifecycle phase. Transitions are one-way:
// Uninitialized -> Initialized -> Closed.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// MessageSink carries server-initiated messages (outbound requests and
// notifications) to the peer. The streamable transport appends them to the
// session's event log; the stdio transport writes them to its writer.
type MessageSink interface {
	Send(ctx context.Context, msg *jsonrpc.Message) error
}

// MessageSinkFunc adapts a function to MessageSink.
type MessageSinkFunc func(ctx context.Context, msg *jsonrpc.Message) error

func (f MessageSinkFunc) Send(ctx context.Context, msg *jsonrpc.Message) error {
	return f(ctx, msg)
}

const (
	defaultHandshakeMethod    = "initialize"
	defaultInitializedMethod  = "notifications/initialized"
	defaultCancellationMethod = "notifications/cancelled"
	defaultCallTimeout        = 30 * time.Second
)

// errCancelledByPeer is the cancellation cause set when the peer sends a
// cancellation notification for an in-flight request.
var errCancelledByPeer = errors.New("sessions: cancelled by peer")

// errUnmatchedResponse marks an inbound response whose id correlates to no
// pending outbound call.
var errUnmatchedResponse = errors.New("sessions: response matches no pending request")

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithInstrumenter sets the instrumentation hook target.
func WithInstrumenter(in instrument.Instrumenter) Option {
	return func(s *Session) { s.instr = in }
}

// WithUserID binds the authenticated principal to the session.
func WithUserID(userID string) Option {
	return func(s *Session) { s.userID = userID }
}

// WithCallTimeout sets the default deadline for outbound calls.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithHandshakeMethod overrides the method name that completes the
// handshake.
func WithHandshakeMethod(method string) Option {
	return func(s *Session) { s.handshakeMethod = method }
}

// WithCancellationMethod overrides the notification method the peer uses to
// cancel an in-flight request. Its params must carry an "id" property.
func WithCancellationMethod(method string) Option {
	return func(s *Session) { s.cancelMethod = method }
}

// WithInitializedState starts the session in the Initialized state. Used
// when rehydrating a session from a persisted record (the handshake already
// happened) and for ephemeral stateless sessions that never handshake.
func WithInitializedState() Option {
	return func(s *Session) { s.state.Store(int32(StateInitialized)) }
}

// WithCallerScopedRequests ties each inbound request's context to the
// context passed to Handle instead of the session's own lifetime. Stateless
// transports use this so a dropped connection cancels its request.
func WithCallerScopedRequests() Option {
	return func(s *Session) { s.callerScoped = true }
}

// inflightRequest tracks one inbound request for cancellation.
type inflightRequest struct {
	cancel context.CancelCauseFunc
}

// pendingCall tracks one outbound request awaiting its response.
type pendingCall struct {
	respCh chan *jsonrpc.Message
	errCh  chan error
}

// Session is a live conversation with one peer.
type Session struct {
	id     string
	userID string

	log      *slog.Logger
	instr    instrument.Instrumenter
	registry *Registry
	sink     MessageSink

	handshakeMethod   string
	initializedMethod string
	cancelMethod      string
	callTimeout       time.Duration
	callerScoped      bool

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc

	state atomic.Int32

	mu       sync.Mutex
	inflight map[string]*inflightRequest
	pending  map[string]*pendingCall
	closeErr error

	nextCallID atomic.Uint64
	closeOnce  sync.Once
}

// New constructs a Session in the Uninitialized state. The supplied context
// bounds the session's lifetime; cancelling it closes the session's request
// contexts. The registry must be fully populated before the first Handle.
func New(ctx context.Context, id string, registry *Registry, sink MessageSink, opts ...Option) *Session {
	baseCtx, baseCancel := context.WithCancelCause(ctx)
	s := &Session{
		id:                id,
		log:               slog.Default(),
		instr:             instrument.Noop{},
		registry:          registry,
		sink:              sink,
		handshakeMethod:   defaultHandshakeMethod,
		initializedMethod: defaultInitializedMethod,
		cancelMethod:      defaultCancellationMethod,
		callTimeout:       defaultCallTimeout,
		baseCtx:           baseCtx,
		baseCancel:        baseCancel,
		inflight:          make(map[string]*inflightRequest),
		pending:           make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session identity.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated principal, if any.
func (s *Session) UserID() string { return s.userID }

// State returns the current lifecycle phase.
func (s *Session) State() State { return State(s.state.Load()) }

// markInitialized flips the state after a successful handshake.
func (s *Session) markInitialized() bool {
	return s.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitialized))
}

// Call sends a server-initiated request and decodes the peer's result into
// out (which may be nil). It blocks until a response arrives, the per-call
// timeout elapses (ErrCallTimeout), the caller's context ends, or the
// session closes (ErrClosed or the session's close cause).
//
// Once a call resolves as cancelled or timed out, a response arriving later
// for the same id is discarded, never delivered.
func (s *Session) Call(ctx context.Context, method string, params any, out any) error {
	if s.State() == StateClosed {
		return s.closeCause()
	}

	id := jsonrpc.NewRequestID(s.nextCallID.Add(1))
	key := id.String()
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return err
	}

	pc := &pendingCall{
		respCh: make(chan *jsonrpc.Message, 1),
		errCh:  make(chan error, 1),
	}
	s.mu.Lock()
	if s.State() == StateClosed {
		s.mu.Unlock()
		return s.closeCause()
	}
	s.pending[key] = pc
	s.mu.Unlock()

	if err := s.sink.Send(ctx, req); err != nil {
		s.dropPending(key)
		return err
	}

	timer := time.NewTimer(s.callTimeout)
	defer timer.Stop()

	select {
	case resp := <-pc.respCh:
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
			return nil
		}
		return nil
	case err := <-pc.errCh:
		return err
	case <-timer.C:
		s.dropPending(key)
		s.notifyCancelled(id)
		return ErrCallTimeout
	case <-ctx.Done():
		s.dropPending(key)
		s.notifyCancelled(id)
		return context.Cause(ctx)
	}
}

// Notify sends a fire-and-forget server-initiated notification.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if s.State() == StateClosed {
		return s.closeCause()
	}
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return s.sink.Send(ctx, msg)
}

// CancelRequest cancels an in-flight inbound request. Unknown ids are
// ignored: the request may have already completed.
func (s *Session) CancelRequest(id *jsonrpc.RequestID) {
	if id.IsNil() {
		return
	}
	s.mu.Lock()
	ifr, ok := s.inflight[id.String()]
	s.mu.Unlock()
	if ok {
		ifr.cancel(errCancelledByPeer)
	}
}

// Close transitions the session to Closed, cancels every in-flight inbound
// request, and resolves every pending outbound call with cause (or ErrClosed
// when cause is nil). Close is idempotent; later calls are no-ops.
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrClosed
		}
		s.state.Store(int32(StateClosed))

		s.mu.Lock()
		s.closeErr = cause
		pending := s.pending
		s.pending = make(map[string]*pendingCall)
		s.mu.Unlock()

		s.baseCancel(cause)
		for _, pc := range pending {
			pc.errCh <- cause
		}

		s.log.Debug("session.close", slog.String("session_id", s.id), slog.String("cause", cause.Error()))
	})
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.baseCtx.Done() }

func (s *Session) closeCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	return ErrClosed
}

func (s *Session) dropPending(key string) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
}

// resolvePending routes an inbound response to its waiting call. Unmatched
// responses (late arrivals after cancellation, or ids never issued) are
// discarded.
func (s *Session) resolvePending(resp *jsonrpc.Message) {
	key := resp.ID.String()
	s.mu.Lock()
	pc, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	if !ok {
		// A response with no matching pending call marks a misbehaving or
		// very late peer. Observable through the log and the error hook, but
		// never fatal to the session.
		s.log.Debug("session.response.discard",
			slog.String("session_id", s.id),
			slog.String("request_id", key),
		)
		instrument.SafeError(context.WithoutCancel(s.baseCtx), s.instr,
			instrument.RequestInfo{SessionID: s.id, RequestID: key},
			errUnmatchedResponse)
		return
	}
	pc.respCh <- resp
}

// notifyCancelled tells the peer a server-initiated request was abandoned.
// The id goes out with its original wire type so strict peers correlate it.
// Best effort: the session may already be unable to send.
func (s *Session) notifyCancelled(id *jsonrpc.RequestID) {
	msg, err := jsonrpc.NewNotification(s.cancelMethod, map[string]any{"id": id.Value()})
	if err != nil {
		return
	}
	_ = s.sink.Send(context.WithoutCancel(s.baseCtx), msg)
}
