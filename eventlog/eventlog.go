// Package eventlog defines the resumable per-stream event log backing the
// streamable transport: an append-only log of opaque payloads per stream,
// with strictly monotonic per-stream event ids and bounded retention.
//
// Event ids are encoded "<streamID>#<seq>" where seq is a decimal counter
// starting at 1. A consumer resumes by presenting the last event id it saw;
// the log replays every retained event after it, in order, then goes live.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrHistoryExpired indicates the resume point precedes the log's
	// retention window (or names an id the stream never issued). The
	// consumer must treat intervening history as lost.
	ErrHistoryExpired = errors.New("eventlog: history expired")
	// ErrStreamClosed indicates the stream was dropped while a subscriber
	// was attached or a publisher was appending.
	ErrStreamClosed = errors.New("eventlog: stream closed")
	// ErrBadEventID indicates a resume id that does not parse or names a
	// different stream.
	ErrBadEventID = errors.New("eventlog: malformed event id")
)

// Event is one appended record.
type Event struct {
	// ID is the event's resumable identity, "<streamID>#<seq>".
	ID string
	// StreamID names the stream the event belongs to.
	StreamID string
	// Payload is the opaque record body.
	Payload []byte
}

// Log is the event store port. Implementations must be safe for concurrent
// use and must preserve per-stream append order for every subscriber.
type Log interface {
	// Append adds a payload to the stream and returns the event id it was
	// assigned. Streams are created on first append.
	Append(ctx context.Context, streamID string, payload []byte) (eventID string, err error)

	// Replay invokes fn, in order, for every retained event after
	// lastEventID. An empty lastEventID replays from the start of the
	// retention window. Returns ErrHistoryExpired when the resume point has
	// been evicted.
	Replay(ctx context.Context, streamID string, lastEventID string, fn func(Event) error) error

	// Subscribe attaches a consumer at the given resume point. The returned
	// Stream first yields retained history after lastEventID, then live
	// events, with no gaps and no duplicates.
	Subscribe(ctx context.Context, streamID string, lastEventID string) (Stream, error)

	// DropStream discards a stream and detaches its subscribers with
	// ErrStreamClosed. Dropping an unknown stream is a no-op.
	DropStream(ctx context.Context, streamID string) error

	// Close releases backend resources.
	Close() error
}

// Stream is an attached consumer position on one stream.
type Stream interface {
	// Next blocks until the next event is available, the context is done,
	// or the stream is dropped (ErrStreamClosed).
	Next(ctx context.Context) (Event, error)
	// Close detaches the consumer.
	Close() error
}

// FormatEventID renders the canonical event id for a stream position.
func FormatEventID(streamID string, seq uint64) string {
	return streamID + "#" + strconv.FormatUint(seq, 10)
}

// ParseEventID splits an event id and validates it against the expected
// stream. Errors wrap ErrBadEventID.
func ParseEventID(streamID, eventID string) (seq uint64, err error) {
	idx := strings.LastIndexByte(eventID, '#')
	if idx < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadEventID, eventID)
	}
	if eventID[:idx] != streamID {
		return 0, fmt.Errorf("%w: %q does not belong to stream %q", ErrBadEventID, eventID, streamID)
	}
	seq, err = strconv.ParseUint(eventID[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadEventID, eventID)
	}
	return seq, nil
}
