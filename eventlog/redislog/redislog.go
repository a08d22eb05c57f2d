// Package redislog provides a Redis Streams backed eventlog.Log for
// multi-node deployments. Each relay stream maps to one Redis stream whose
// entry ids carry the relay sequence number, so resume semantics are
// identical to the in-memory log.
package redislog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/relayrpc/relay/eventlog"
)

// Config for the Redis-backed log. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTLOG_KEY_PREFIX
	KeyPrefix string `env:"EVENTLOG_KEY_PREFIX,default=relay:eventlog:"`
	// MaxLen is the approximate per-stream retention cap. ENV: EVENTLOG_MAXLEN
	MaxLen int64 `env:"EVENTLOG_MAXLEN,default=1024"`
	// TTL is the idle lifetime of a stream's keys, refreshed on every
	// append. ENV: EVENTLOG_TTL
	TTL time.Duration `env:"EVENTLOG_TTL,default=30m"`
}

// Option configures the log beyond Config.
type Option func(*Log)

// WithClient supplies an existing Redis client instead of dialing
// Config.RedisAddr. The log does not close a supplied client.
func WithClient(client *redis.Client) Option {
	return func(l *Log) {
		l.client = client
		l.ownsClient = false
	}
}

// Log implements eventlog.Log over Redis Streams.
type Log struct {
	client     *redis.Client
	ownsClient bool
	keyPrefix  string
	maxLen     int64
	ttl        time.Duration
}

// New constructs a Log from Config, dialing Redis unless WithClient is given.
func New(ctx context.Context, cfg Config, opts ...Option) (*Log, error) {
	l := &Log{
		keyPrefix:  cfg.KeyPrefix,
		maxLen:     cfg.MaxLen,
		ttl:        cfg.TTL,
		ownsClient: true,
	}
	if l.keyPrefix == "" {
		l.keyPrefix = "relay:eventlog:"
	}
	if l.maxLen <= 0 {
		l.maxLen = 1024
	}
	if l.ttl <= 0 {
		l.ttl = 30 * time.Minute
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		l.client = redis.NewClient(&redis.Options{Addr: addr})
		if err := l.client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	return l, nil
}

// NewFromEnv builds a Log using envdecode to populate Config.
func NewFromEnv(ctx context.Context, opts ...Option) (*Log, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode eventlog config: %w", err)
	}
	return New(ctx, cfg, opts...)
}

// Close implements eventlog.Log.
func (l *Log) Close() error {
	if l.ownsClient {
		return l.client.Close()
	}
	return nil
}

func (l *Log) streamKey(streamID string) string { return l.keyPrefix + "stream:" + streamID }
func (l *Log) seqKey(streamID string) string    { return l.keyPrefix + "seq:" + streamID }
func (l *Log) closedKey(streamID string) string { return l.keyPrefix + "closed:" + streamID }

// appendScript allocates the next sequence number and adds the entry with an
// explicit stream id "<seq>-0" so relay and Redis ordering coincide.
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[2], seq .. '-0', 'd', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return seq
`)

// Append implements eventlog.Log.
func (l *Log) Append(ctx context.Context, streamID string, payload []byte) (string, error) {
	closed, err := l.client.Exists(ctx, l.closedKey(streamID)).Result()
	if err != nil {
		return "", fmt.Errorf("eventlog append: %w", err)
	}
	if closed == 1 {
		return "", eventlog.ErrStreamClosed
	}

	keys := []string{l.seqKey(streamID), l.streamKey(streamID)}
	seq, err := appendScript.Run(ctx, l.client, keys, payload, l.maxLen, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return "", fmt.Errorf("eventlog append: %w", err)
	}
	return eventlog.FormatEventID(streamID, uint64(seq)), nil
}

// resumeSeq validates a resume point against the stream's retained window
// and returns the last-delivered seq (0 = from window head).
func (l *Log) resumeSeq(ctx context.Context, streamID, lastEventID string) (uint64, error) {
	if lastEventID == "" {
		return 0, nil
	}
	seq, err := eventlog.ParseEventID(streamID, lastEventID)
	if err != nil {
		return 0, err
	}

	issued, err := l.client.Get(ctx, l.seqKey(streamID)).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("eventlog resume: %w", err)
	}
	if seq > issued {
		return 0, eventlog.ErrHistoryExpired
	}

	first, err := l.client.XRangeN(ctx, l.streamKey(streamID), "-", "+", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("eventlog resume: %w", err)
	}
	if len(first) == 0 {
		// Everything issued has been evicted or expired; only a resume at
		// the very tip can be served gap-free.
		if seq == issued {
			return seq, nil
		}
		return 0, eventlog.ErrHistoryExpired
	}
	firstSeq, err := parseRedisID(first[0].ID)
	if err != nil {
		return 0, err
	}
	if seq+1 < firstSeq {
		return 0, eventlog.ErrHistoryExpired
	}
	return seq, nil
}

// Replay implements eventlog.Log.
func (l *Log) Replay(ctx context.Context, streamID string, lastEventID string, fn func(eventlog.Event) error) error {
	after, err := l.resumeSeq(ctx, streamID, lastEventID)
	if err != nil {
		return err
	}

	start := strconv.FormatUint(after+1, 10) + "-0"
	entries, err := l.client.XRange(ctx, l.streamKey(streamID), start, "+").Result()
	if err != nil {
		return fmt.Errorf("eventlog replay: %w", err)
	}
	for _, m := range entries {
		ev, err := l.toEvent(streamID, m)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe implements eventlog.Log.
func (l *Log) Subscribe(ctx context.Context, streamID string, lastEventID string) (eventlog.Stream, error) {
	cursor, err := l.resumeSeq(ctx, streamID, lastEventID)
	if err != nil {
		return nil, err
	}
	return &subscription{l: l, streamID: streamID, cursor: cursor}, nil
}

// DropStream implements eventlog.Log. A short-lived closed marker lets
// remote subscribers detach instead of blocking forever.
func (l *Log) DropStream(ctx context.Context, streamID string) error {
	c := context.WithoutCancel(ctx)
	if err := l.client.Set(c, l.closedKey(streamID), "1", l.ttl).Err(); err != nil {
		return fmt.Errorf("eventlog drop: %w", err)
	}
	_, _ = l.client.Del(c, l.streamKey(streamID), l.seqKey(streamID)).Result()
	return nil
}

func (l *Log) toEvent(streamID string, m redis.XMessage) (eventlog.Event, error) {
	seq, err := parseRedisID(m.ID)
	if err != nil {
		return eventlog.Event{}, err
	}
	var payload []byte
	switch v := m.Values["d"].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		return eventlog.Event{}, fmt.Errorf("eventlog: unexpected payload type %T", v)
	}
	return eventlog.Event{
		ID:       eventlog.FormatEventID(streamID, seq),
		StreamID: streamID,
		Payload:  payload,
	}, nil
}

func parseRedisID(id string) (uint64, error) {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("eventlog: unexpected redis stream id %q", id)
	}
	return strconv.ParseUint(ms, 10, 64)
}

type subscription struct {
	l        *Log
	streamID string
	cursor   uint64
	closed   bool
}

// Next implements eventlog.Stream. It polls with short blocking reads so
// closed markers and evictions are observed promptly.
func (sub *subscription) Next(ctx context.Context) (eventlog.Event, error) {
	if sub.closed {
		return eventlog.Event{}, eventlog.ErrStreamClosed
	}

	key := sub.l.streamKey(sub.streamID)
	for {
		if err := ctx.Err(); err != nil {
			return eventlog.Event{}, err
		}

		gone, err := sub.l.client.Exists(ctx, sub.l.closedKey(sub.streamID)).Result()
		if err != nil {
			return eventlog.Event{}, fmt.Errorf("eventlog next: %w", err)
		}
		if gone == 1 {
			return eventlog.Event{}, eventlog.ErrStreamClosed
		}

		start := strconv.FormatUint(sub.cursor, 10) + "-0"
		res, err := sub.l.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, start},
			Count:   1,
			Block:   500 * time.Millisecond,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return eventlog.Event{}, ctx.Err()
			}
			return eventlog.Event{}, fmt.Errorf("eventlog next: %w", err)
		}
		if len(res) == 0 || len(res[0].Messages) == 0 {
			continue
		}

		m := res[0].Messages[0]
		ev, err := sub.l.toEvent(sub.streamID, m)
		if err != nil {
			return eventlog.Event{}, err
		}
		seq, _ := eventlog.ParseEventID(sub.streamID, ev.ID)
		if seq > sub.cursor+1 {
			// Retention moved past our position while blocked.
			return eventlog.Event{}, eventlog.ErrHistoryExpired
		}
		sub.cursor = seq
		return ev, nil
	}
}

// Close implements eventlog.Stream.
func (sub *subscription) Close() error {
	sub.closed = true
	return nil
}

var (
	_ eventlog.Log    = (*Log)(nil)
	_ eventlog.Stream = (*subscription)(nil)
)
