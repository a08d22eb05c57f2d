package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relayrpc/relay/jsonrpc"
	"github.com/relayrpc/relay/sessions"
)

// syncBuffer makes bytes.Buffer safe for the handler's concurrent writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, l := range strings.Split(b.buf.String(), "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func testRegistry() *sessions.Registry {
	reg := sessions.NewRegistry()
	reg.Register("initialize", func(ctx context.Context, s *sessions.Session, req *sessions.Request) (any, error) {
		return map[string]string{"server": "stdio-test"}, nil
	})
	reg.Register("echo", func(ctx context.Context, s *sessions.Session, req *sessions.Request) (any, error) {
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

func runHandler(t *testing.T, input string) []string {
	t.Helper()
	out := &syncBuffer{}
	h := NewHandler(testRegistry(), WithReader(strings.NewReader(input)), WithWriter(out))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Serve(ctx); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	return out.Lines()
}

func decodeLine(t *testing.T, line string) *jsonrpc.Message {
	t.Helper()
	msg, err := jsonrpc.Decode([]byte(line))
	if err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	return msg
}

func TestServeHandlesRequests(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := NewHandler(testRegistry(), WithReader(inR), WithWriter(outW))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- h.Serve(ctx) }()

	out := bufio.NewReader(outR)
	roundTrip := func(line string) *jsonrpc.Message {
		t.Helper()
		if _, err := io.WriteString(inW, line+"\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
		resp, err := out.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return decodeLine(t, strings.TrimSpace(resp))
	}

	init := roundTrip(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if init.Error != nil || init.ID.String() != "1" {
		t.Fatalf("initialize response = %+v", init)
	}

	echo := roundTrip(`{"jsonrpc":"2.0","id":2,"method":"echo","params":{"k":"v"}}`)
	if echo.Error != nil || echo.ID.String() != "2" {
		t.Fatalf("echo response = %+v", echo)
	}
	var result map[string]string
	if err := json.Unmarshal(echo.Result, &result); err != nil || result["k"] != "v" {
		t.Fatalf("echo result = %s (%v)", echo.Result, err)
	}

	inW.Close()
	if err := <-serveErr; err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServeRejectsBeforeHandshake(t *testing.T) {
	lines := runHandler(t, `{"jsonrpc":"2.0","id":1,"method":"echo"}`+"\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	msg := decodeLine(t, lines[0])
	if msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeNotInitialized {
		t.Fatalf("response = %+v, want NotInitialized", msg)
	}
}

func TestServeParseErrorIsConnectionFatal(t *testing.T) {
	// The valid request after the malformed line must never be processed.
	lines := runHandler(t, "this is not json\n"+`{"jsonrpc":"2.0","id":1,"method":"initialize"}`+"\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %v", len(lines), lines)
	}
	msg := decodeLine(t, lines[0])
	if msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("response = %+v, want ParseError", msg)
	}
}

func TestServeInvalidEnvelopeIsNotFatal(t *testing.T) {
	lines := runHandler(t, `{"jsonrpc":"1.0","id":1,"method":"x"}`+"\n"+`{"jsonrpc":"2.0","id":2,"method":"initialize"}`+"\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}
	first := decodeLine(t, lines[0])
	if first.Error == nil || first.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("first response = %+v, want InvalidRequest", first)
	}
	second := decodeLine(t, lines[1])
	if second.Error != nil || second.ID.String() != "2" {
		t.Fatalf("second response = %+v, want initialize result", second)
	}
}

func TestServeDispatchesBatchMembersIndependently(t *testing.T) {
	batch := `[{"jsonrpc":"2.0","id":1,"method":"initialize"},{"jsonrpc":"1.0","id":2,"method":"x"}]`
	lines := runHandler(t, batch+"\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}
	var sawInit, sawInvalid bool
	for _, l := range lines {
		msg := decodeLine(t, l)
		switch {
		case msg.Error == nil && msg.ID.String() == "1":
			sawInit = true
		case msg.Error != nil && msg.Error.Code == jsonrpc.ErrorCodeInvalidRequest:
			sawInvalid = true
		}
	}
	if !sawInit || !sawInvalid {
		t.Fatalf("lines = %v, want one initialize result and one InvalidRequest", lines)
	}
}

func TestServeEndsAtEOF(t *testing.T) {
	out := &syncBuffer{}
	h := NewHandler(testRegistry(), WithReader(io.MultiReader()), WithWriter(out))
	if err := h.Serve(context.Background()); err != nil {
		t.Fatalf("Serve on empty input: %v", err)
	}
}
