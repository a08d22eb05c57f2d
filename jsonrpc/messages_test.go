package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeKinds(t *testing.T) {
	cases := []struct {
		name string
		in   string
		kind MessageKind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, KindRequest},
		{"request string id", `{"jsonrpc":"2.0","id":"a-1","method":"ping","params":{}}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/progress"}`, KindNotification},
		{"result response", `{"jsonrpc":"2.0","id":1,"result":{}}`, KindResponse},
		{"error response", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`, KindResponse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.in))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got := msg.Kind(); got != tc.kind {
				t.Fatalf("Kind = %v, want %v", got, tc.kind)
			}
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want error
	}{
		{"not json", `{"jsonrpc":`, ErrParse},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, ErrInvalid},
		{"missing version", `{"id":1,"method":"ping"}`, ErrInvalid},
		{"request with result", `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`, ErrInvalid},
		{"request with error", `{"jsonrpc":"2.0","id":1,"method":"ping","error":{"code":1,"message":"x"}}`, ErrInvalid},
		{"response with both", `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`, ErrInvalid},
		{"response with neither", `{"jsonrpc":"2.0","id":1}`, ErrInvalid},
		{"response without id", `{"jsonrpc":"2.0","result":{}}`, ErrInvalid},
		{"bool id", `{"jsonrpc":"2.0","id":true,"method":"ping"}`, ErrParse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode([]byte(tc.in)); !errors.Is(err, tc.want) {
				t.Fatalf("Decode err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestNullIDErrorResponseRoundTrip(t *testing.T) {
	// Replies to requests whose id could not be read carry "id": null and
	// must decode on the receiving side.
	resp := NewErrorResponse(nil, ErrorCodeParseError, "unparseable", nil)
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Contains(b, []byte(`"id":null`)) {
		t.Fatalf("wire frame %s carries no explicit null id", b)
	}

	back, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.Kind() != KindResponse {
		t.Fatalf("Kind = %v, want response", back.Kind())
	}
	if back.Error == nil || back.Error.Code != ErrorCodeParseError {
		t.Fatalf("error = %+v, want ParseError", back.Error)
	}
	if !back.ID.IsNil() {
		t.Fatalf("id = %v, want absent", back.ID.Value())
	}

	// An id field that is missing entirely is still a structural violation.
	if _, err := Decode([]byte(`{"jsonrpc":"2.0","error":{"code":-32700,"message":"x"}}`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("absent id err = %v, want ErrInvalid", err)
	}
}

func TestSplitBatch(t *testing.T) {
	single, err := SplitBatch([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err != nil {
		t.Fatalf("SplitBatch(single): %v", err)
	}
	if len(single) != 1 {
		t.Fatalf("single frame split into %d members", len(single))
	}

	members, err := SplitBatch([]byte(` [{"jsonrpc":"2.0","id":1,"method":"a"},{"jsonrpc":"2.0","method":"b"}]`))
	if err != nil {
		t.Fatalf("SplitBatch(batch): %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("batch split into %d members, want 2", len(members))
	}
	// One bad member must not poison the others.
	mixed, err := SplitBatch([]byte(`[{"jsonrpc":"2.0","id":1,"method":"a"},{"bogus":true}]`))
	if err != nil {
		t.Fatalf("SplitBatch(mixed): %v", err)
	}
	if _, err := Decode(mixed[0]); err != nil {
		t.Fatalf("Decode(good member): %v", err)
	}
	if _, err := Decode(mixed[1]); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Decode(bad member) err = %v, want ErrInvalid", err)
	}

	if _, err := SplitBatch([]byte(`[]`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("empty batch err = %v, want ErrInvalid", err)
	}
	if _, err := SplitBatch([]byte(`[{`)); !errors.Is(err, ErrParse) {
		t.Fatalf("truncated batch err = %v, want ErrParse", err)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   string
		str  string
	}{
		{"number", `42`, "42"},
		{"float collapses", `42.0`, "42"},
		{"string", `"abc"`, "abc"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var id RequestID
			if err := json.Unmarshal([]byte(tc.in), &id); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := id.String(); got != tc.str {
				t.Fatalf("String = %q, want %q", got, tc.str)
			}
		})
	}

	var id RequestID
	if err := json.Unmarshal([]byte(`[1]`), &id); err == nil {
		t.Fatal("expected error for array id")
	}

	var nullID RequestID
	if err := json.Unmarshal([]byte(`null`), &nullID); err != nil {
		t.Fatalf("unmarshal null: %v", err)
	}
	if !nullID.IsNil() {
		t.Fatalf("null id = %v, want absent", nullID.Value())
	}
}

func TestRequestIDEqual(t *testing.T) {
	if !NewRequestID(1).Equal(NewRequestID(int64(1))) {
		t.Fatal("1 should correlate with int64(1)")
	}
	if NewRequestID("a").Equal(NewRequestID("b")) {
		t.Fatal("distinct string ids should not correlate")
	}
	var absent *RequestID
	if !absent.Equal(nil) {
		t.Fatal("absent ids should correlate")
	}
	if absent.Equal(NewRequestID(1)) {
		t.Fatal("absent id should not correlate with a present one")
	}
}

func TestNewResponsesRoundTrip(t *testing.T) {
	resp, err := NewResultResponse(NewRequestID(7), map[string]string{"ok": "yes"})
	if err != nil {
		t.Fatalf("NewResultResponse: %v", err)
	}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.Kind() != KindResponse || back.ID.String() != "7" {
		t.Fatalf("unexpected round trip: kind=%v id=%v", back.Kind(), back.ID)
	}

	errResp := NewErrorResponse(NewRequestID("x"), ErrorCodeMethodNotFound, "no such method", nil)
	b, err = json.Marshal(errResp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err = Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.Error == nil || back.Error.Code != ErrorCodeMethodNotFound {
		t.Fatalf("unexpected error response: %+v", back)
	}
}
