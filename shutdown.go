package mcpd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

var (
	defaultDrainTimeout  = 30 * time.Second
	defaultDrainInterval = 50 * time.Millisecond
)

// CleanupFunc is a named shutdown step registered by a component. Failures
// are logged and skipped, never aborting the remaining sequence.
type CleanupFunc func(ctx context.Context) error

type namedCleanup struct {
	name string
	fn   CleanupFunc
}

// ShutdownManager coordinates graceful termination: it stops intake, drains
// in-flight requests within a deadline, then runs every registered cleanup
// strictly in registration order. The cleanup ordering exists to avoid
// use-after-close races between components, so callers must register in
// dependency order.
type ShutdownManager struct {
	drainTimeout  time.Duration
	drainInterval time.Duration
	logger        *slog.Logger

	mu           sync.Mutex
	shuttingDown bool
	inFlight     map[string]struct{}
	cleanups     []namedCleanup
	finalFn      func()

	once sync.Once
	done chan struct{}
}

// ShutdownOption configures a ShutdownManager.
type ShutdownOption func(*ShutdownManager)

// WithDrainTimeout sets the deadline for in-flight requests to complete
// before cleanup proceeds anyway.
func WithDrainTimeout(timeout time.Duration) ShutdownOption {
	return func(m *ShutdownManager) {
		m.drainTimeout = timeout
	}
}

// WithShutdownLogger sets the logger for the shutdown manager.
func WithShutdownLogger(logger *slog.Logger) ShutdownOption {
	return func(m *ShutdownManager) {
		m.logger = logger.With(slog.String("component", "shutdown"))
	}
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(options ...ShutdownOption) *ShutdownManager {
	m := &ShutdownManager{
		drainTimeout:  defaultDrainTimeout,
		drainInterval: defaultDrainInterval,
		logger:        slog.Default(),
		inFlight:      make(map[string]struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// TrackRequest records a dispatched request as in-flight. Once shutdown has
// begun it is a no-op returning false: new work is refused, not tracked.
func (m *ShutdownManager) TrackRequest(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown {
		return false
	}
	m.inFlight[id] = struct{}{}
	return true
}

// CompleteRequest removes a request from the in-flight set.
func (m *ShutdownManager) CompleteRequest(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, id)
}

// InFlight returns the number of requests currently being handled.
func (m *ShutdownManager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

// ShuttingDown reports whether shutdown has been initiated.
func (m *ShutdownManager) ShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// RegisterCleanup appends a named cleanup step. Steps run strictly in
// registration order during shutdown.
func (m *ShutdownManager) RegisterCleanup(name string, fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, namedCleanup{name: name, fn: fn})
}

// OnComplete sets an optional callback invoked after every cleanup has run.
func (m *ShutdownManager) OnComplete(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalFn = fn
}

// Done is closed once shutdown has fully completed.
func (m *ShutdownManager) Done() <-chan struct{} { return m.done }

// InitiateShutdown runs the graceful-shutdown sequence: mark shutting down,
// drain in-flight requests until empty or the deadline elapses, then run the
// registered cleanups in order, continuing past individual failures. It is
// idempotent; concurrent callers block until the one shutdown completes.
func (m *ShutdownManager) InitiateShutdown(reason string) {
	m.once.Do(func() {
		m.run(reason)
	})
	<-m.done
}

func (m *ShutdownManager) run(reason string) {
	defer close(m.done)

	m.mu.Lock()
	m.shuttingDown = true
	pending := len(m.inFlight)
	m.mu.Unlock()

	m.logger.Info("shutdown initiated",
		slog.String("reason", reason),
		slog.Int("inFlight", pending))

	// Drain by polling; the deadline is the only thing that can cut the wait
	// short.
	deadline := time.Now().Add(m.drainTimeout)
	for {
		if n := m.InFlight(); n == 0 {
			break
		}
		if time.Now().After(deadline) {
			m.logger.Warn("drain deadline elapsed, forcing shutdown",
				slog.Int("forced", m.InFlight()))
			break
		}
		time.Sleep(m.drainInterval)
	}

	m.mu.Lock()
	cleanups := make([]namedCleanup, len(m.cleanups))
	copy(cleanups, m.cleanups)
	finalFn := m.finalFn
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.drainTimeout)
	defer cancel()

	for _, c := range cleanups {
		if err := c.fn(ctx); err != nil {
			m.logger.Error("cleanup failed",
				slog.String("cleanup", c.name),
				slog.String("err", err.Error()))
			continue
		}
		m.logger.Debug("cleanup complete", slog.String("cleanup", c.name))
	}

	if finalFn != nil {
		finalFn()
	}
	m.logger.Info("shutdown complete")
}

// HandleSignals wires SIGTERM and SIGINT to one graceful shutdown. The
// returned stop function unregisters the handler.
func (m *ShutdownManager) HandleSignals() (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig, ok := <-sigs
		if !ok {
			return
		}
		m.InitiateShutdown(sig.String())
	}()

	return func() {
		signal.Stop(sigs)
		close(sigs)
	}
}
