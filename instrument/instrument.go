// Package instrument defines the runtime's instrumentation port: three
// lifecycle hooks invoked around inbound request handling. Implementations
// are observers only; the runtime isolates itself from their failures so a
// misbehaving hook can never change the outcome of the request it observes.
package instrument

import (
	"context"
	"log/slog"
	"time"
)

// RequestInfo describes the request being observed.
type RequestInfo struct {
	SessionID string
	Method    string
	RequestID string
}

// Result describes how a request concluded.
type Result struct {
	// ErrorCode is zero for success, else the JSON-RPC error code returned.
	ErrorCode int
	Duration  time.Duration
}

// Instrumenter receives request lifecycle callbacks. Implementations must be
// safe for concurrent use. Panics and misbehavior are contained by the
// runtime and never affect request processing.
type Instrumenter interface {
	// RequestStart fires after a request envelope is accepted for dispatch,
	// before its handler runs.
	RequestStart(ctx context.Context, info RequestInfo)
	// RequestEnd fires after the response has been determined.
	RequestEnd(ctx context.Context, info RequestInfo, res Result)
	// Error fires for faults outside the request/response cycle: decode
	// failures, event log write errors, handler panics.
	Error(ctx context.Context, info RequestInfo, err error)
}

// Noop is the default Instrumenter; it discards all callbacks.
type Noop struct{}

func (Noop) RequestStart(context.Context, RequestInfo)       {}
func (Noop) RequestEnd(context.Context, RequestInfo, Result) {}
func (Noop) Error(context.Context, RequestInfo, error)       {}

var _ Instrumenter = Noop{}

// Multi fans callbacks out to each element in order. Each element is guarded
// independently, so one panicking hook does not starve the rest.
type Multi []Instrumenter

func (m Multi) RequestStart(ctx context.Context, info RequestInfo) {
	for _, in := range m {
		SafeRequestStart(ctx, in, info)
	}
}

func (m Multi) RequestEnd(ctx context.Context, info RequestInfo, res Result) {
	for _, in := range m {
		SafeRequestEnd(ctx, in, info, res)
	}
}

func (m Multi) Error(ctx context.Context, info RequestInfo, err error) {
	for _, in := range m {
		SafeError(ctx, in, info, err)
	}
}

var _ Instrumenter = Multi(nil)

// Logger is a slog-backed Instrumenter emitting dotted event names.
type Logger struct {
	Log *slog.Logger
}

func (l Logger) RequestStart(ctx context.Context, info RequestInfo) {
	l.Log.DebugContext(ctx, "request.start",
		slog.String("session_id", info.SessionID),
		slog.String("method", info.Method),
		slog.String("request_id", info.RequestID),
	)
}

func (l Logger) RequestEnd(ctx context.Context, info RequestInfo, res Result) {
	if res.ErrorCode != 0 {
		l.Log.InfoContext(ctx, "request.end.fail",
			slog.String("session_id", info.SessionID),
			slog.String("method", info.Method),
			slog.String("request_id", info.RequestID),
			slog.Int("code", res.ErrorCode),
			slog.Duration("dur", res.Duration),
		)
		return
	}
	l.Log.InfoContext(ctx, "request.end.ok",
		slog.String("session_id", info.SessionID),
		slog.String("method", info.Method),
		slog.String("request_id", info.RequestID),
		slog.Duration("dur", res.Duration),
	)
}

func (l Logger) Error(ctx context.Context, info RequestInfo, err error) {
	l.Log.WarnContext(ctx, "request.error",
		slog.String("session_id", info.SessionID),
		slog.String("method", info.Method),
		slog.String("request_id", info.RequestID),
		slog.String("err", err.Error()),
	)
}

var _ Instrumenter = Logger{}

// SafeRequestStart invokes the hook with panic recovery.
func SafeRequestStart(ctx context.Context, in Instrumenter, info RequestInfo) {
	if in == nil {
		return
	}
	defer func() { _ = recover() }()
	in.RequestStart(ctx, info)
}

// SafeRequestEnd invokes the hook with panic recovery.
func SafeRequestEnd(ctx context.Context, in Instrumenter, info RequestInfo, res Result) {
	if in == nil {
		return
	}
	defer func() { _ = recover() }()
	in.RequestEnd(ctx, info, res)
}

// SafeError invokes the hook with panic recovery.
func SafeError(ctx context.Context, in Instrumenter, info RequestInfo, err error) {
	if in == nil {
		return
	}
	defer func() { _ = recover() }()
	in.Error(ctx, info, err)
}
