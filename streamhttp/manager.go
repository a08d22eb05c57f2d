package streamhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relayrpc/relay/eventlog"
	"github.com/relayrpc/relay/instrument"
	"github.com/relayrpc/relay/jsonrpc"
	"github.com/relayrpc/relay/kvstore"
	"github.com/relayrpc/relay/sessions"
)

// ErrSessionNotFound indicates the presented session id is unknown, expired,
// or owned by a different principal. The three cases are deliberately
// indistinguishable to callers.
var ErrSessionNotFound = errors.New("streamhttp: session not found")

const (
	defaultSessionTTL   = 30 * time.Minute
	defaultTouchEvery   = 30 * time.Second
	defaultReapInterval = time.Minute

	recordKeyPrefix = "sess:"
)

// sessionRecord is the persisted shape of a session in the kvstore.
type sessionRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id,omitempty"`
	Initialized bool      `json:"initialized"`
	CreatedAt   time.Time `json:"created_at"`
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithSessionTTL sets the idle lifetime of session records.
func WithSessionTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithTouchDebounce limits how often activity refreshes a record's TTL.
func WithTouchDebounce(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.touchEvery = d
		}
	}
}

// WithReapInterval sets how often the idle reaper scans for expired
// sessions.
func WithReapInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.reapInterval = d
		}
	}
}

// WithManagerLogger sets the structured logger.
func WithManagerLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithManagerInstrumenter sets the instrumentation hook target applied to
// every session.
func WithManagerInstrumenter(in instrument.Instrumenter) ManagerOption {
	return func(m *Manager) { m.instr = in }
}

// WithSessionOptions appends options applied to every session the manager
// constructs (call timeout, handshake method, and so on).
func WithSessionOptions(opts ...sessions.Option) ManagerOption {
	return func(m *Manager) { m.sessOpts = append(m.sessOpts, opts...) }
}

// liveSession pairs a Session with its standing GET stream bookkeeping.
type liveSession struct {
	sess *sessions.Session

	mu     sync.Mutex
	holder *streamHolder
}

// streamHolder identifies one standing GET attachment.
type streamHolder struct {
	cancel context.CancelFunc
}

// takeOverStream installs a new standing GET, detaching any previous holder.
// At most one standing stream per session is live.
func (ls *liveSession) takeOverStream(cancel context.CancelFunc) *streamHolder {
	h := &streamHolder{cancel: cancel}
	ls.mu.Lock()
	prev := ls.holder
	ls.holder = h
	ls.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
	return h
}

func (ls *liveSession) releaseStream(h *streamHolder) {
	ls.mu.Lock()
	if ls.holder == h {
		ls.holder = nil
	}
	ls.mu.Unlock()
}

// hasStream reports whether a standing GET is currently attached.
func (ls *liveSession) hasStream() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.holder != nil
}

// Manager owns the stateful-mode session table: persisted records in a
// kvstore, live Session instances in process, an idle reaper, and clean
// shutdown.
type Manager struct {
	registry *sessions.Registry
	store    kvstore.Store
	events   eventlog.Log

	log      *slog.Logger
	instr    instrument.Instrumenter
	sessOpts []sessions.Option

	ttl          time.Duration
	touchEvery   time.Duration
	reapInterval time.Duration

	mu        sync.Mutex
	live      map[string]*liveSession
	lastTouch map[string]time.Time
	closed    bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	reaperDone chan struct{}
}

// NewManager constructs a Manager and starts its idle reaper. Call Close to
// stop it.
func NewManager(ctx context.Context, registry *sessions.Registry, store kvstore.Store, events eventlog.Log, opts ...ManagerOption) *Manager {
	baseCtx, baseCancel := context.WithCancel(context.WithoutCancel(ctx))
	m := &Manager{
		registry:     registry,
		store:        store,
		events:       events,
		log:          slog.Default(),
		instr:        instrument.Noop{},
		ttl:          defaultSessionTTL,
		touchEvery:   defaultTouchEvery,
		reapInterval: defaultReapInterval,
		live:         make(map[string]*liveSession),
		lastTouch:    make(map[string]time.Time),
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
		reaperDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.reapLoop()
	return m
}

// newSession wires a Session whose outbound traffic lands in the session's
// event log stream, where the standing GET picks it up.
func (m *Manager) newSession(id, userID string, initialized bool) *liveSession {
	sink := sessions.MessageSinkFunc(func(ctx context.Context, msg *jsonrpc.Message) error {
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		_, err = m.events.Append(ctx, id, payload)
		return err
	})

	opts := []sessions.Option{
		sessions.WithLogger(m.log),
		sessions.WithInstrumenter(m.instr),
		sessions.WithUserID(userID),
	}
	if initialized {
		opts = append(opts, sessions.WithInitializedState())
	}
	opts = append(opts, m.sessOpts...)

	return &liveSession{sess: sessions.New(m.baseCtx, id, m.registry, sink, opts...)}
}

// CreateSession mints a new session bound to the given principal and
// persists its record.
func (m *Manager) CreateSession(ctx context.Context, userID string) (*sessions.Session, error) {
	id := uuid.NewString()
	rec := sessionRecord{ID: id, UserID: userID, CreatedAt: time.Now().UTC()}
	buf, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := m.store.Set(ctx, recordKeyPrefix+id, buf, m.ttl); err != nil {
		return nil, fmt.Errorf("persist session record: %w", err)
	}

	ls := m.newSession(id, userID, false)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ls.sess.Close(sessions.ErrClosed)
		return nil, errors.New("streamhttp: manager closed")
	}
	m.live[id] = ls
	m.lastTouch[id] = time.Now()
	m.mu.Unlock()

	m.log.Info("manager.session.create", slog.String("session_id", id), slog.String("user_id", userID))
	return ls.sess, nil
}

// MarkInitialized records handshake completion so the session rehydrates in
// the Initialized state on other nodes or after a restart.
func (m *Manager) MarkInitialized(ctx context.Context, sessionID string) {
	buf, err := m.store.Get(ctx, recordKeyPrefix+sessionID)
	if err != nil {
		return
	}
	var rec sessionRecord
	if err := json.Unmarshal(buf, &rec); err != nil {
		return
	}
	rec.Initialized = true
	if buf, err = json.Marshal(rec); err != nil {
		return
	}
	_ = m.store.Set(ctx, recordKeyPrefix+sessionID, buf, m.ttl)
}

// GetSession resolves a presented session id for the given principal. A
// session live in this process is returned directly; otherwise the record
// is loaded from the store and a Session is rehydrated around it. Unknown,
// expired, and foreign-owned ids all return ErrSessionNotFound.
func (m *Manager) GetSession(ctx context.Context, sessionID, userID string) (*sessions.Session, error) {
	ls, err := m.getLive(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	return ls.sess, nil
}

func (m *Manager) getLive(ctx context.Context, sessionID, userID string) (*liveSession, error) {
	m.mu.Lock()
	ls, ok := m.live[sessionID]
	m.mu.Unlock()
	if ok {
		if ls.sess.UserID() != userID {
			return nil, ErrSessionNotFound
		}
		m.maybeTouch(ctx, sessionID)
		return ls, nil
	}

	buf, err := m.store.Get(ctx, recordKeyPrefix+sessionID)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session record: %w", err)
	}
	var rec sessionRecord
	if err := json.Unmarshal(buf, &rec); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	if rec.UserID != userID {
		return nil, ErrSessionNotFound
	}

	ls = m.newSession(rec.ID, rec.UserID, rec.Initialized)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ls.sess.Close(sessions.ErrClosed)
		return nil, errors.New("streamhttp: manager closed")
	}
	if existing, raced := m.live[sessionID]; raced {
		m.mu.Unlock()
		ls.sess.Close(nil)
		return existing, nil
	}
	m.live[sessionID] = ls
	m.lastTouch[sessionID] = time.Now()
	m.mu.Unlock()

	m.log.Debug("manager.session.rehydrate", slog.String("session_id", sessionID))
	return ls, nil
}

// maybeTouch refreshes the record TTL, debounced so hot sessions do not
// hammer the store.
func (m *Manager) maybeTouch(ctx context.Context, sessionID string) {
	now := time.Now()
	m.mu.Lock()
	last, ok := m.lastTouch[sessionID]
	if ok && now.Sub(last) < m.touchEvery {
		m.mu.Unlock()
		return
	}
	m.lastTouch[sessionID] = now
	m.mu.Unlock()

	if err := m.store.Expire(ctx, recordKeyPrefix+sessionID, m.ttl); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		m.log.Warn("manager.touch.fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
	}
}

// DeleteSession terminates a session: the live instance closes with cause,
// the record is removed, and the event stream is dropped.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string, cause error) {
	m.mu.Lock()
	ls, ok := m.live[sessionID]
	delete(m.live, sessionID)
	delete(m.lastTouch, sessionID)
	m.mu.Unlock()

	if ok {
		ls.sess.Close(cause)
	}
	if err := m.store.Delete(ctx, recordKeyPrefix+sessionID); err != nil {
		m.log.Warn("manager.delete.record_fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
	}
	if err := m.events.DropStream(ctx, sessionID); err != nil {
		m.log.Warn("manager.delete.stream_fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
	}
	m.log.Info("manager.session.delete", slog.String("session_id", sessionID))
}

// reapLoop closes live sessions whose records have expired from the store.
func (m *Manager) reapLoop() {
	defer close(m.reaperDone)
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.baseCtx.Done():
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	ids := make(map[string]struct{})
	m.mu.Lock()
	for id := range m.live {
		ids[id] = struct{}{}
	}
	m.mu.Unlock()

	// Persisted records cover sessions this process never rehydrated, so
	// their event streams are reclaimed across restarts too.
	scanCtx, cancel := context.WithTimeout(m.baseCtx, 5*time.Second)
	keys, err := m.store.Keys(scanCtx, recordKeyPrefix)
	cancel()
	if err != nil {
		m.log.Warn("manager.reap.scan_fail", slog.String("err", err.Error()))
	}
	for _, key := range keys {
		ids[strings.TrimPrefix(key, recordKeyPrefix)] = struct{}{}
	}

	for id := range ids {
		m.mu.Lock()
		ls, live := m.live[id]
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(m.baseCtx, 5*time.Second)
		if live && ls.hasStream() {
			// An attached event stream counts as activity.
			m.maybeTouch(ctx, id)
			cancel()
			continue
		}
		_, err := m.store.Get(ctx, recordKeyPrefix+id)
		cancel()
		if errors.Is(err, kvstore.ErrNotFound) {
			m.log.Info("manager.reap", slog.String("session_id", id))
			reapCtx, cancel := context.WithTimeout(context.WithoutCancel(m.baseCtx), 5*time.Second)
			m.DeleteSession(reapCtx, id, sessions.ErrClosed)
			cancel()
		}
	}
}

// Close stops the reaper and closes every live session. It waits for
// shutdown to complete or ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	live := m.live
	m.live = make(map[string]*liveSession)
	m.mu.Unlock()

	m.baseCancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, ls := range live {
		ls := ls
		g.Go(func() error {
			ls.sess.Close(sessions.ErrClosed)
			return gctx.Err()
		})
	}
	g.Go(func() error {
		select {
		case <-m.reaperDone:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	return g.Wait()
}
