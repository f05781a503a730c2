package mcpd

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	defaultSessionTTL    = 30 * time.Minute
	defaultSweepInterval = 5 * time.Minute
)

// Session correlates a sequence of requests and an optional SSE stream to one
// logical client connection. Each session owns its own lifecycle state
// machine. Sessions are created, looked up and destroyed exclusively through
// a Registry; other components hold only the session id.
type Session struct {
	id        string
	createdAt time.Time
	lifecycle *Lifecycle
	ephemeral bool

	mu         sync.Mutex
	lastActive time.Time
}

// ID returns the session's opaque token.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the session's creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActive returns the time of the session's most recent activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Touch records activity on the session, deferring TTL expiry.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

// Lifecycle returns the session's handshake state machine.
func (s *Session) Lifecycle() *Lifecycle { return s.lifecycle }

// Ephemeral reports whether the session is a throwaway fabricated for a
// single stateless request.
func (s *Session) Ephemeral() bool { return s.ephemeral }

// SessionEventType distinguishes registry observer notifications.
type SessionEventType int

const (
	SessionCreated SessionEventType = iota
	SessionDestroyed
	SessionExpired
)

func (t SessionEventType) String() string {
	switch t {
	case SessionCreated:
		return "created"
	case SessionDestroyed:
		return "destroyed"
	case SessionExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// SessionEvent is delivered to registry observers on session creation,
// destruction and expiry.
type SessionEvent struct {
	Type    SessionEventType
	Session *Session
}

// Registry owns session lifetime: creation, lookup, touch, destruction and
// TTL-based expiry. The background sweep runs on a fixed interval and is
// started and stopped with the transport so no timer leaks past shutdown.
type Registry struct {
	ttl           time.Duration
	sweepInterval time.Duration
	newLifecycle  func() *Lifecycle
	logger        *slog.Logger

	mu           sync.Mutex
	sessions     map[string]*Session
	observers    map[int]func(SessionEvent)
	nextObserver int
	sweepStop    chan struct{}
	sweepDone    chan struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSessionTTL sets the idle age beyond which a session is evicted by the
// sweep.
func WithSessionTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		r.ttl = ttl
	}
}

// WithSweepInterval sets the interval of the background expiry sweep.
func WithSweepInterval(interval time.Duration) RegistryOption {
	return func(r *Registry) {
		r.sweepInterval = interval
	}
}

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger.With(slog.String("component", "sessions"))
	}
}

// NewRegistry creates a session registry. The lifecycle factory produces the
// per-session state machine for each created session.
func NewRegistry(newLifecycle func() *Lifecycle, options ...RegistryOption) *Registry {
	r := &Registry{
		ttl:           defaultSessionTTL,
		sweepInterval: defaultSweepInterval,
		newLifecycle:  newLifecycle,
		logger:        slog.Default(),
		sessions:      make(map[string]*Session),
		observers:     make(map[int]func(SessionEvent)),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// CreateSession creates and stores a session with a cryptographically
// unpredictable token.
func (r *Registry) CreateSession() *Session {
	now := time.Now()
	sess := &Session{
		id:         uuid.NewString(),
		createdAt:  now,
		lastActive: now,
		lifecycle:  r.newLifecycle(),
	}

	r.mu.Lock()
	r.sessions[sess.id] = sess
	r.mu.Unlock()

	r.notify(SessionEvent{Type: SessionCreated, Session: sess})
	r.logger.Debug("session created", slog.String("sessionID", sess.id))
	return sess
}

// NewEphemeralSession fabricates a throwaway session that is never stored in
// the registry. Used in stateless mode, where no cross-request correlation is
// possible by design.
func (r *Registry) NewEphemeralSession() *Session {
	now := time.Now()
	return &Session{
		id:         uuid.NewString(),
		createdAt:  now,
		lastActive: now,
		lifecycle:  r.newLifecycle(),
		ephemeral:  true,
	}
}

// GetSession looks up a session by id.
func (r *Registry) GetSession(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// TouchSession records activity on the session with the given id.
func (r *Registry) TouchSession(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	sess.Touch()
	return true
}

// DestroySession removes the session with the given id.
func (r *Registry) DestroySession(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.notify(SessionEvent{Type: SessionDestroyed, Session: sess})
	r.logger.Debug("session destroyed", slog.String("sessionID", id))
	return true
}

// Cleanup removes every session whose idle age exceeds the TTL and returns
// the number removed.
func (r *Registry) Cleanup() int {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	var expired []*Session
	for id, sess := range r.sessions {
		if sess.LastActive().Before(cutoff) {
			delete(r.sessions, id)
			expired = append(expired, sess)
		}
	}
	r.mu.Unlock()

	for _, sess := range expired {
		r.notify(SessionEvent{Type: SessionExpired, Session: sess})
	}
	if len(expired) > 0 {
		r.logger.Info("expired idle sessions", slog.Int("count", len(expired)))
	}
	return len(expired)
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Subscribe registers an observer for session events and returns its
// unsubscribe function.
func (r *Registry) Subscribe(fn func(SessionEvent)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextObserver
	r.nextObserver++
	r.observers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

func (r *Registry) notify(ev SessionEvent) {
	r.mu.Lock()
	fns := make([]func(SessionEvent), 0, len(r.observers))
	for _, fn := range r.observers {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// StartSweep launches the background expiry sweep. It runs until StopSweep is
// called. Starting an already-running sweep is a no-op.
func (r *Registry) StartSweep() {
	r.mu.Lock()
	if r.sweepStop != nil {
		r.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	r.sweepStop = stop
	r.sweepDone = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.Cleanup()
			}
		}
	}()
}

// StopSweep stops the background sweep and waits for it to exit. Stopping a
// stopped sweep is a no-op.
func (r *Registry) StopSweep() {
	r.mu.Lock()
	stop, done := r.sweepStop, r.sweepDone
	r.sweepStop, r.sweepDone = nil, nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
