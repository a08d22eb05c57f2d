package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relayrpc/relay/instrument"
	"github.com/relayrpc/relay/jsonrpc"
)

type sinkRecorder struct {
	mu   sync.Mutex
	msgs []*jsonrpc.Message
	ch   chan *jsonrpc.Message
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{ch: make(chan *jsonrpc.Message, 16)}
}

func (r *sinkRecorder) Send(ctx context.Context, msg *jsonrpc.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	r.ch <- msg
	return nil
}

func newTestRegistry() *Registry {
	reg := NewRegistry()
	reg.Register("initialize", func(ctx context.Context, s *Session, req *Request) (any, error) {
		return map[string]string{"ok": "yes"}, nil
	})
	reg.Register("echo", func(ctx context.Context, s *Session, req *Request) (any, error) {
		var params map[string]any
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return nil, err
			}
		}
		return params, nil
	})
	return reg
}

func newTestSession(t *testing.T, reg *Registry, sink MessageSink, opts ...Option) *Session {
	t.Helper()
	if reg == nil {
		reg = newTestRegistry()
	}
	if sink == nil {
		sink = newSinkRecorder()
	}
	s := New(context.Background(), "sess-1", reg, sink, opts...)
	t.Cleanup(func() { s.Close(nil) })
	return s
}

func initialize(t *testing.T, s *Session) {
	t.Helper()
	req, _ := jsonrpc.NewRequest(jsonrpc.NewRequestID(1), "initialize", nil)
	resp, err := s.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle(initialize): %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("initialize failed: %v", resp.Error)
	}
	if s.State() != StateInitialized {
		t.Fatalf("state = %v, want initialized", s.State())
	}
}

func TestHandshakeLifecycle(t *testing.T) {
	s := newTestSession(t, nil, nil)
	if s.State() != StateUninitialized {
		t.Fatalf("state = %v, want uninitialized", s.State())
	}

	// Non-handshake requests are rejected before the handshake.
	req, _ := jsonrpc.NewRequest(jsonrpc.NewRequestID(9), "echo", nil)
	resp, err := s.Handle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeNotInitialized {
		t.Fatalf("pre-handshake echo = %+v, want NotInitialized", resp)
	}

	initialize(t, s)

	// Repeated handshake is rejected.
	req, _ = jsonrpc.NewRequest(jsonrpc.NewRequestID(2), "initialize", nil)
	resp, err = s.Handle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("second initialize = %+v, want InvalidRequest", resp)
	}
}

func TestUnknownMethodBeforeHandshake(t *testing.T) {
	s := newTestSession(t, nil, nil)

	// Before the handshake an unregistered method must not leak its
	// existence through MethodNotFound.
	req, _ := jsonrpc.NewRequest(jsonrpc.NewRequestID(1), "frobnicate", nil)
	resp, err := s.Handle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeNotInitialized {
		t.Fatalf("resp = %+v, want NotInitialized", resp)
	}
}

func TestMethodNotFound(t *testing.T) {
	s := newTestSession(t, nil, nil)
	initialize(t, s)

	req, _ := jsonrpc.NewRequest(jsonrpc.NewRequestID(7), "no/such/method", nil)
	resp, err := s.Handle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("resp = %+v, want MethodNotFound", resp)
	}
	if resp.ID.String() != "7" {
		t.Fatalf("response id = %q, want 7", resp.ID.String())
	}
}

func TestDuplicateInFlightID(t *testing.T) {
	reg := newTestRegistry()
	release := make(chan struct{})
	started := make(chan struct{})
	reg.Register("slow", func(ctx context.Context, s *Session, req *Request) (any, error) {
		close(started)
		<-release
		return "done", nil
	})

	s := newTestSession(t, reg, nil)
	initialize(t, s)

	go func() {
		req, _ := jsonrpc.NewRequest(jsonrpc.NewRequestID(5), "slow", nil)
		_, _ = s.Handle(context.Background(), req)
	}()
	<-started

	req, _ := jsonrpc.NewRequest(jsonrpc.NewRequestID(5), "echo", nil)
	resp, err := s.Handle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("duplicate id resp = %+v, want InvalidRequest", resp)
	}
	close(release)

	// Once the first request completes its id may be reused.
	time.Sleep(20 * time.Millisecond)
	req, _ = jsonrpc.NewRequest(jsonrpc.NewRequestID(5), "echo", nil)
	resp, err = s.Handle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("reused id after completion failed: %v", resp.Error)
	}
}

func TestPeerCancellation(t *testing.T) {
	reg := newTestRegistry()
	started := make(chan struct{})
	reg.Register("wait", func(ctx context.Context, s *Session, req *Request) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	s := newTestSession(t, reg, nil)
	initialize(t, s)

	respCh := make(chan *jsonrpc.Message, 1)
	go func() {
		req, _ := jsonrpc.NewRequest(jsonrpc.NewRequestID(11), "wait", nil)
		resp, _ := s.Handle(context.Background(), req)
		respCh <- resp
	}()
	<-started

	cancel, _ := jsonrpc.NewNotification("notifications/cancelled", map[string]any{"id": 11})
	if _, err := s.Handle(context.Background(), cancel); err != nil {
		t.Fatal(err)
	}

	select {
	case resp := <-respCh:
		if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeCancelled {
			t.Fatalf("resp = %+v, want Cancelled", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cancelled response")
	}
}

func TestParamsShapeValidation(t *testing.T) {
	type addParams struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	reg := newTestRegistry()
	reg.Register("add", func(ctx context.Context, s *Session, req *Request) (any, error) {
		var p addParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		return p.A + p.B, nil
	}, WithParamsShape(addParams{}))

	s := newTestSession(t, reg, nil)
	initialize(t, s)

	req, _ := jsonrpc.NewRequest(jsonrpc.NewRequestID(3), "add", map[string]int{"a": 1})
	resp, err := s.Handle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidParams {
		t.Fatalf("resp = %+v, want InvalidParams", resp)
	}

	req, _ = jsonrpc.NewRequest(jsonrpc.NewRequestID(4), "add", map[string]int{"a": 1, "b": 2})
	resp, err = s.Handle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("valid params rejected: %v", resp.Error)
	}
}

type panickyInstrumenter struct{}

func (panickyInstrumenter) RequestStart(context.Context, instrument.RequestInfo) {
	panic("start hook")
}
func (panickyInstrumenter) RequestEnd(context.Context, instrument.RequestInfo, instrument.Result) {
	panic("end hook")
}
func (panickyInstrumenter) Error(context.Context, instrument.RequestInfo, error) {
	panic("error hook")
}

func TestInstrumenterPanicDoesNotAffectResponse(t *testing.T) {
	s := newTestSession(t, nil, nil, WithInstrumenter(panickyInstrumenter{}))
	initialize(t, s)

	req, _ := jsonrpc.NewRequest(jsonrpc.NewRequestID(8), "echo", map[string]string{"k": "v"})
	resp, err := s.Handle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("resp = %+v, want success", resp)
	}
	var result map[string]string
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result["k"] != "v" {
		t.Fatalf("result = %v, want echo of params", result)
	}
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	reg := newTestRegistry()
	reg.Register("boom", func(ctx context.Context, s *Session, req *Request) (any, error) {
		panic("kaboom")
	})

	s := newTestSession(t, reg, nil)
	initialize(t, s)

	req, _ := jsonrpc.NewRequest(jsonrpc.NewRequestID(6), "boom", nil)
	resp, err := s.Handle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("resp = %+v, want InternalError", resp)
	}
}

func TestOutboundCallRoundTrip(t *testing.T) {
	sink := newSinkRecorder()
	s := newTestSession(t, nil, sink)
	initialize(t, s)

	done := make(chan error, 1)
	var out map[string]string
	go func() {
		done <- s.Call(context.Background(), "client/confirm", map[string]string{"q": "ok?"}, &out)
	}()

	// Wait for the outbound request to surface, then answer it.
	var outReq *jsonrpc.Message
	for outReq == nil {
		select {
		case m := <-sink.ch:
			if m.Kind() == jsonrpc.KindRequest {
				outReq = m
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for outbound request")
		}
	}

	resp, _ := jsonrpc.NewResultResponse(outReq.ID, map[string]string{"answer": "yes"})
	if _, err := s.Handle(context.Background(), resp); err != nil {
		t.Fatal(err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out["answer"] != "yes" {
		t.Fatalf("out = %v, want answer=yes", out)
	}
}

func TestOutboundCallTimeout(t *testing.T) {
	sink := newSinkRecorder()
	s := newTestSession(t, nil, sink, WithCallTimeout(50*time.Millisecond))
	initialize(t, s)

	err := s.Call(context.Background(), "client/confirm", nil, nil)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("Call err = %v, want ErrCallTimeout", err)
	}

	// A best-effort cancellation notification goes to the peer, carrying
	// the abandoned request's id with its numeric wire type intact.
	var outReq *jsonrpc.Message
	deadline := time.After(time.Second)
	for {
		select {
		case m := <-sink.ch:
			if m.Kind() == jsonrpc.KindRequest {
				outReq = m
				continue
			}
			if m.Kind() != jsonrpc.KindNotification || m.Method != "notifications/cancelled" {
				continue
			}
			if outReq == nil {
				t.Fatal("cancellation notification before the outbound request")
			}
			var params struct {
				ID json.RawMessage `json:"id"`
			}
			if err := json.Unmarshal(m.Params, &params); err != nil {
				t.Fatalf("decode cancellation params: %v", err)
			}
			want, _ := json.Marshal(outReq.ID)
			if string(params.ID) != string(want) {
				t.Fatalf("cancellation id = %s, want %s", params.ID, want)
			}
			return
		case <-deadline:
			t.Fatal("no cancellation notification observed")
		}
	}
}

func TestLateResultDiscardedAfterCancellation(t *testing.T) {
	sink := newSinkRecorder()
	s := newTestSession(t, nil, sink)
	initialize(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Call(ctx, "client/confirm", nil, nil)
	}()

	var outReq *jsonrpc.Message
	for outReq == nil {
		select {
		case m := <-sink.ch:
			if m.Kind() == jsonrpc.KindRequest {
				outReq = m
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for outbound request")
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Call err = %v, want context.Canceled", err)
	}

	// The late response must be discarded, not redelivered to anyone.
	resp, _ := jsonrpc.NewResultResponse(outReq.ID, "late")
	if _, err := s.Handle(context.Background(), resp); err != nil {
		t.Fatalf("Handle(late response): %v", err)
	}
}

func TestCloseResolvesPendingCalls(t *testing.T) {
	sink := newSinkRecorder()
	s := newTestSession(t, nil, sink)
	initialize(t, s)

	cause := errors.New("connection closed")
	done := make(chan error, 1)
	go func() {
		done <- s.Call(context.Background(), "client/confirm", nil, nil)
	}()

	// Let the call register before closing.
	select {
	case <-sink.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outbound request")
	}

	s.Close(cause)
	s.Close(nil) // idempotent

	if err := <-done; !errors.Is(err, cause) {
		t.Fatalf("Call err = %v, want close cause", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v, want closed", s.State())
	}
	if err := s.Call(context.Background(), "client/confirm", nil, nil); !errors.Is(err, cause) {
		t.Fatalf("Call after close = %v, want close cause", err)
	}
	if _, err := s.Handle(context.Background(), &jsonrpc.Message{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "echo", ID: jsonrpc.NewRequestID(1)}); err == nil {
		t.Fatal("Handle after close should fail")
	}
}

func TestUnknownNotificationDropped(t *testing.T) {
	s := newTestSession(t, nil, nil)
	initialize(t, s)

	note, _ := jsonrpc.NewNotification("nobody/home", nil)
	if _, err := s.Handle(context.Background(), note); err != nil {
		t.Fatalf("Handle(unknown notification): %v", err)
	}
}
