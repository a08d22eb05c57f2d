package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/relayrpc/relay/instrument"
	"github.com/relayrpc/relay/jsonrpc"
)

// Handle dispatches one validated inbound envelope. For requests it returns
// the response envelope to deliver to the peer; for notifications and
// responses it returns nil. It returns a non-nil error only when the
// session cannot process messages at all (closed).
//
// Dispatch rules:
//   - responses resolve the pending outbound call with the same id;
//     unmatched responses are discarded
//   - the cancellation notification cancels the matching in-flight inbound
//     request; other notifications route to registered handlers, unknown
//     ones are dropped with a log
//   - a request whose id is already in flight is rejected without invoking
//     any handler
//   - non-handshake requests on an uninitialized session are rejected
func (s *Session) Handle(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	if s.State() == StateClosed {
		return nil, s.closeCause()
	}

	switch msg.Kind() {
	case jsonrpc.KindResponse:
		s.resolvePending(msg)
		return nil, nil
	case jsonrpc.KindNotification:
		s.handleNotification(ctx, msg)
		return nil, nil
	default:
		return s.handleRequest(ctx, msg), nil
	}
}

func (s *Session) handleNotification(ctx context.Context, msg *jsonrpc.Message) {
	// Notifications surface to instrumentation as zero-duration events even
	// when no handler is registered.
	info := instrument.RequestInfo{SessionID: s.id, Method: msg.Method}
	instrument.SafeRequestStart(ctx, s.instr, info)
	defer instrument.SafeRequestEnd(ctx, s.instr, info, instrument.Result{})

	switch msg.Method {
	case s.cancelMethod:
		var params struct {
			ID *jsonrpc.RequestID `json:"id"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil || params.ID.IsNil() {
			s.log.Debug("session.cancel.bad_params", slog.String("session_id", s.id))
			return
		}
		s.CancelRequest(params.ID)
	case s.initializedMethod:
		// Handshake acknowledgement; the state already flipped when the
		// handshake request succeeded.
		s.log.Debug("session.initialized_ack", slog.String("session_id", s.id))
	default:
		fn, ok := s.registry.notification(msg.Method)
		if !ok {
			s.log.Debug("session.notification.drop",
				slog.String("session_id", s.id),
				slog.String("method", msg.Method),
			)
			return
		}
		if err := fn(ctx, s, msg.Method, msg.Params); err != nil {
			s.log.Warn("session.notification.fail",
				slog.String("session_id", s.id),
				slog.String("method", msg.Method),
				slog.String("err", err.Error()),
			)
		}
	}
}

func (s *Session) handleRequest(ctx context.Context, msg *jsonrpc.Message) *jsonrpc.Message {
	key := msg.ID.String()
	info := instrument.RequestInfo{SessionID: s.id, Method: msg.Method, RequestID: key}

	isHandshake := msg.Method == s.handshakeMethod
	if isHandshake && s.State() != StateUninitialized {
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil)
	}

	// The initialization gate precedes method resolution: before the
	// handshake a peer learns nothing about which methods exist.
	def, ok := s.registry.handler(msg.Method)
	if !isHandshake && s.State() == StateUninitialized && (!ok || def.requiresInit) {
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeNotInitialized, "session not initialized", nil)
	}
	if !ok {
		instrument.SafeError(ctx, s.instr, info, errors.New("method not found"))
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+msg.Method, nil)
	}
	if err := def.checkParams(msg.Params); err != nil {
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}

	// Register the request for cancellation. A duplicate id means the peer
	// is reusing an id whose request is still running.
	parent := s.baseCtx
	if s.callerScoped {
		parent = ctx
	}
	reqCtx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	s.mu.Lock()
	if _, dup := s.inflight[key]; dup {
		s.mu.Unlock()
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id: "+key, nil)
	}
	s.inflight[key] = &inflightRequest{cancel: cancel}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}()

	instrument.SafeRequestStart(reqCtx, s.instr, info)
	start := time.Now()

	result, err := s.runHandler(reqCtx, def, &Request{ID: msg.ID, Method: msg.Method, Params: msg.Params})
	resp := s.buildResponse(reqCtx, msg.ID, result, err)

	res := instrument.Result{Duration: time.Since(start)}
	if resp.Error != nil {
		res.ErrorCode = int(resp.Error.Code)
	}
	instrument.SafeRequestEnd(reqCtx, s.instr, info, res)

	if isHandshake && resp.Error == nil {
		s.markInitialized()
		s.log.Info("session.initialized", slog.String("session_id", s.id))
	}
	return resp
}

// runHandler invokes the handler with panic containment.
func (s *Session) runHandler(ctx context.Context, def *handlerDef, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session.handler.panic",
				slog.String("session_id", s.id),
				slog.String("method", req.Method),
				slog.Any("panic", r),
			)
			result = nil
			err = &jsonrpc.Error{Code: jsonrpc.ErrorCodeInternalError, Message: "internal error"}
		}
	}()
	return def.fn(ctx, s, req)
}

func (s *Session) buildResponse(reqCtx context.Context, id *jsonrpc.RequestID, result any, err error) *jsonrpc.Message {
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return jsonrpc.NewErrorResponse(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		}
		if errors.Is(err, context.Canceled) || errors.Is(context.Cause(reqCtx), errCancelledByPeer) {
			return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeCancelled, "request cancelled", nil)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeTimeout, "request timed out", nil)
		}
		s.log.Warn("session.handler.fail",
			slog.String("session_id", s.id),
			slog.String("request_id", id.String()),
			slog.String("err", err.Error()),
		)
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	resp, merr := jsonrpc.NewResultResponse(id, result)
	if merr != nil {
		s.log.Error("session.result.marshal_fail",
			slog.String("session_id", s.id),
			slog.String("request_id", id.String()),
			slog.String("err", merr.Error()),
		)
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return resp
}
