// Package memlog provides an in-memory eventlog.Log suitable for
// single-node deployments and tests. Each stream keeps a bounded window of
// recent events; subscribers hold a cursor into that window, so delivery is
// gap-free and duplicate-free by construction.
package memlog

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/relayrpc/relay/eventlog"
)

const (
	defaultMaxEvents = 1024
	defaultMaxBytes  = 1 << 20
)

// Option configures the log.
type Option func(*Log)

// WithMaxEventsPerStream caps the number of retained events per stream.
func WithMaxEventsPerStream(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxEvents = n
		}
	}
}

// WithMaxBytesPerStream caps the total retained payload bytes per stream.
func WithMaxBytesPerStream(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

// Log implements eventlog.Log in process memory.
type Log struct {
	mu      sync.Mutex
	streams map[string]*stream

	maxEvents int
	maxBytes  int
}

type entry struct {
	seq     uint64
	payload []byte
}

type stream struct {
	mu sync.Mutex

	// entries holds seqs [firstSeq, nextSeq); firstSeq == nextSeq when empty.
	entries  []entry
	firstSeq uint64
	nextSeq  uint64
	bytes    int

	// signal is closed and replaced on every append or drop.
	signal  chan struct{}
	dropped bool
}

// New constructs an empty in-memory log.
func New(opts ...Option) *Log {
	l := &Log{
		streams:   make(map[string]*stream),
		maxEvents: defaultMaxEvents,
		maxBytes:  defaultMaxBytes,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Log) getOrCreate(streamID string) *stream {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[streamID]
	if !ok {
		s = &stream{firstSeq: 1, nextSeq: 1, signal: make(chan struct{})}
		l.streams[streamID] = s
	}
	return s
}

// Append implements eventlog.Log.
func (l *Log) Append(ctx context.Context, streamID string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s := l.getOrCreate(streamID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dropped {
		return "", eventlog.ErrStreamClosed
	}

	seq := s.nextSeq
	s.nextSeq++
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.entries = append(s.entries, entry{seq: seq, payload: buf})
	s.bytes += len(buf)

	for len(s.entries) > l.maxEvents || (s.bytes > l.maxBytes && len(s.entries) > 1) {
		s.bytes -= len(s.entries[0].payload)
		s.entries = s.entries[1:]
		s.firstSeq++
	}

	close(s.signal)
	s.signal = make(chan struct{})

	return eventlog.FormatEventID(streamID, seq), nil
}

// resumeSeq validates a resume point and returns the last-delivered seq, or
// 0 to start from the window head.
func (s *stream) resumeSeq(streamID, lastEventID string) (uint64, error) {
	if lastEventID == "" {
		return 0, nil
	}
	seq, err := eventlog.ParseEventID(streamID, lastEventID)
	if err != nil {
		return 0, err
	}
	if seq+1 < s.firstSeq {
		return 0, eventlog.ErrHistoryExpired
	}
	if seq >= s.nextSeq {
		// The stream never issued this id.
		return 0, eventlog.ErrHistoryExpired
	}
	return seq, nil
}

// Replay implements eventlog.Log.
func (l *Log) Replay(ctx context.Context, streamID string, lastEventID string, fn func(eventlog.Event) error) error {
	s := l.getOrCreate(streamID)

	s.mu.Lock()
	if s.dropped {
		s.mu.Unlock()
		return eventlog.ErrStreamClosed
	}
	after, err := s.resumeSeq(streamID, lastEventID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var pending []entry
	for _, e := range s.entries {
		if e.seq > after {
			pending = append(pending, e)
		}
	}
	s.mu.Unlock()

	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := eventlog.Event{ID: eventlog.FormatEventID(streamID, e.seq), StreamID: streamID, Payload: e.payload}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe implements eventlog.Log.
func (l *Log) Subscribe(ctx context.Context, streamID string, lastEventID string) (eventlog.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := l.getOrCreate(streamID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dropped {
		return nil, eventlog.ErrStreamClosed
	}
	cursor, err := s.resumeSeq(streamID, lastEventID)
	if err != nil {
		return nil, err
	}

	return &subscription{streamID: streamID, s: s, cursor: cursor}, nil
}

// DropStream implements eventlog.Log.
func (l *Log) DropStream(ctx context.Context, streamID string) error {
	l.mu.Lock()
	s, ok := l.streams[streamID]
	if ok {
		delete(l.streams, streamID)
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.dropped = true
	s.entries = nil
	s.bytes = 0
	close(s.signal)
	s.signal = make(chan struct{})
	s.mu.Unlock()
	return nil
}

// Close implements eventlog.Log.
func (l *Log) Close() error {
	l.mu.Lock()
	streams := l.streams
	l.streams = make(map[string]*stream)
	l.mu.Unlock()

	for _, s := range streams {
		s.mu.Lock()
		s.dropped = true
		s.entries = nil
		close(s.signal)
		s.signal = make(chan struct{})
		s.mu.Unlock()
	}
	return nil
}

// subscription is a cursor over one stream's retained window.
type subscription struct {
	streamID string
	s        *stream
	cursor   uint64
	closed   atomic.Bool
}

// Next implements eventlog.Stream.
func (sub *subscription) Next(ctx context.Context) (eventlog.Event, error) {
	for {
		if sub.closed.Load() {
			return eventlog.Event{}, eventlog.ErrStreamClosed
		}

		sub.s.mu.Lock()
		if sub.s.dropped {
			sub.s.mu.Unlock()
			return eventlog.Event{}, eventlog.ErrStreamClosed
		}
		if sub.cursor+1 < sub.s.firstSeq {
			// The window moved past our position while we were blocked.
			sub.s.mu.Unlock()
			return eventlog.Event{}, eventlog.ErrHistoryExpired
		}
		if sub.cursor+1 < sub.s.nextSeq {
			e := sub.s.entries[sub.cursor+1-sub.s.firstSeq]
			sub.cursor = e.seq
			sub.s.mu.Unlock()
			return eventlog.Event{
				ID:       eventlog.FormatEventID(sub.streamID, e.seq),
				StreamID: sub.streamID,
				Payload:  e.payload,
			}, nil
		}
		sig := sub.s.signal
		sub.s.mu.Unlock()

		select {
		case <-ctx.Done():
			return eventlog.Event{}, ctx.Err()
		case <-sig:
		}
	}
}

// Close implements eventlog.Stream.
func (sub *subscription) Close() error {
	sub.closed.Store(true)
	return nil
}

var (
	_ eventlog.Log    = (*Log)(nil)
	_ eventlog.Stream = (*subscription)(nil)
)
