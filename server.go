package mcpd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Tool describes one invocable tool: its name, human-readable description
// and the JSON schema of its arguments.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Content is one block of tool output.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextContent returns a text content block.
func TextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// ToolResult is the outcome of a tool call. Execution failures travel inside
// the result with IsError set, not as protocol errors; protocol errors are
// reserved for unknown tools and malformed arguments.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// ToolExecutor is the downstream collaborator that owns tool definitions and
// execution. The server only brokers the protocol around it.
type ToolExecutor interface {
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolChangeNotifier is implemented by executors whose tool set changes at
// runtime. Subscribers are told that a change happened, not what changed;
// clients re-list.
type ToolChangeNotifier interface {
	OnToolsChanged(fn func()) (unsubscribe func())
}

// TokenValidator authenticates bearer tokens on the HTTP transport. A
// validator may additionally implement Shutdown(context.Context) error to be
// stopped during graceful shutdown.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) error
}

// MetricsSink receives one record per HTTP request. Flush is called during
// graceful shutdown, after the transports have stopped producing records.
type MetricsSink interface {
	RecordRequest(method string, duration time.Duration, status int)
	Flush(ctx context.Context) error
}

// ListToolsResult is the payload of the tools/list response.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams are the parameters of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// SetLevelParams are the parameters of logging/setLevel.
type SetLevelParams struct {
	Level string `json:"level"`
}

// Server wires the protocol components into one runnable unit: lifecycle
// gating, session registry, SSE streams, router dispatch and graceful
// shutdown, exposed over the HTTP and stdio transports.
type Server struct {
	info         Info
	instructions string
	logger       *slog.Logger
	tools        ToolExecutor
	auth         TokenValidator
	metrics      MetricsSink
	stateless    bool
	origins      []string
	logLevel     *slog.LevelVar

	routerOpts   []RouterOption
	registryOpts []RegistryOption
	streamOpts   []StreamManagerOption
	httpOpts     []HTTPOption
	shutdownOpts []ShutdownOption

	global   *Lifecycle
	registry *Registry
	streams  *StreamManager
	router   *Router
	shutdown *ShutdownManager
	httpT    *HTTPTransport

	mu         sync.Mutex
	stdio      *StdioTransport
	httpCloser func(context.Context) error

	ready atomic.Bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithInstructions sets the usage hint returned to clients on initialize.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithToolExecutor attaches the tool collaborator and advertises the tools
// capability.
func WithToolExecutor(exec ToolExecutor) ServerOption {
	return func(s *Server) {
		s.tools = exec
	}
}

// WithAuth enables bearer-token authentication on the HTTP transport.
func WithAuth(v TokenValidator) ServerOption {
	return func(s *Server) {
		s.auth = v
	}
}

// WithMetrics attaches a metrics sink to the HTTP transport and registers its
// flush in the shutdown sequence.
func WithMetrics(sink MetricsSink) ServerOption {
	return func(s *Server) {
		s.metrics = sink
	}
}

// WithStateless runs the HTTP transport without session persistence.
func WithStateless() ServerOption {
	return func(s *Server) {
		s.stateless = true
	}
}

// WithOrigins sets the HTTP Origin allow-list glob patterns.
func WithOrigins(patterns ...string) ServerOption {
	return func(s *Server) {
		s.origins = patterns
	}
}

// WithLogLevelVar lets logging/setLevel adjust the process log level through
// the given variable.
func WithLogLevelVar(v *slog.LevelVar) ServerOption {
	return func(s *Server) {
		s.logLevel = v
	}
}

// WithRouterOptions forwards options to the router.
func WithRouterOptions(opts ...RouterOption) ServerOption {
	return func(s *Server) {
		s.routerOpts = append(s.routerOpts, opts...)
	}
}

// WithRegistryOptions forwards options to the session registry.
func WithRegistryOptions(opts ...RegistryOption) ServerOption {
	return func(s *Server) {
		s.registryOpts = append(s.registryOpts, opts...)
	}
}

// WithStreamOptions forwards options to the SSE stream manager.
func WithStreamOptions(opts ...StreamManagerOption) ServerOption {
	return func(s *Server) {
		s.streamOpts = append(s.streamOpts, opts...)
	}
}

// WithHTTPOptions forwards options to the HTTP transport.
func WithHTTPOptions(opts ...HTTPOption) ServerOption {
	return func(s *Server) {
		s.httpOpts = append(s.httpOpts, opts...)
	}
}

// WithShutdownOptions forwards options to the shutdown manager.
func WithShutdownOptions(opts ...ShutdownOption) ServerOption {
	return func(s *Server) {
		s.shutdownOpts = append(s.shutdownOpts, opts...)
	}
}

// NewServer builds a fully wired server for the given implementation info.
func NewServer(info Info, options ...ServerOption) (*Server, error) {
	s := &Server{
		info:   info,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}

	caps := s.capabilities()
	newLifecycle := func() *Lifecycle {
		return NewLifecycle(s.info, caps,
			WithLifecycleInstructions(s.instructions),
			WithLifecycleLogger(s.logger))
	}

	s.global = newLifecycle()
	s.shutdown = NewShutdownManager(append([]ShutdownOption{WithShutdownLogger(s.logger)}, s.shutdownOpts...)...)
	s.router = NewRouter(s.global, s.shutdown, append([]RouterOption{WithRouterLogger(s.logger)}, s.routerOpts...)...)
	s.registry = NewRegistry(newLifecycle, append([]RegistryOption{WithRegistryLogger(s.logger)}, s.registryOpts...)...)
	s.streams = NewStreamManager(append([]StreamManagerOption{WithStreamLogger(s.logger)}, s.streamOpts...)...)

	httpOpts := []HTTPOption{WithHTTPLogger(s.logger)}
	if s.stateless {
		httpOpts = append(httpOpts, WithStatelessMode())
	}
	if len(s.origins) > 0 {
		httpOpts = append(httpOpts, WithAllowedOrigins(s.origins...))
	}
	if s.auth != nil {
		httpOpts = append(httpOpts, WithTokenValidator(s.auth))
	}
	if s.metrics != nil {
		httpOpts = append(httpOpts, WithMetricsSink(s.metrics))
	}
	httpOpts = append(httpOpts, s.httpOpts...)

	var err error
	s.httpT, err = NewHTTPTransport(s.router, s.registry, s.streams, httpOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build http transport: %w", err)
	}

	// A destroyed or expired session takes its stream down with it.
	s.registry.Subscribe(func(ev SessionEvent) {
		if ev.Type == SessionDestroyed || ev.Type == SessionExpired {
			s.streams.CloseStream(ev.Session.ID())
		}
	})

	s.registerHandlers()
	s.registerCleanups()

	if notifier, ok := s.tools.(ToolChangeNotifier); ok {
		notifier.OnToolsChanged(s.NotifyToolsChanged)
	}

	s.registry.StartSweep()
	s.ready.Store(true)
	return s, nil
}

// capabilities derives the advertised server capability tree from the wired
// collaborators.
func (s *Server) capabilities() CapabilitySet {
	caps := CapabilitySet{
		"logging": ObjectCapability(nil),
	}
	if s.tools != nil {
		listChanged := CapabilitySet{}
		if _, ok := s.tools.(ToolChangeNotifier); ok {
			listChanged["listChanged"] = FlagCapability(true)
		}
		caps["tools"] = ObjectCapability(listChanged)
	}
	return caps
}

func (s *Server) registerHandlers() {
	s.router.Handle(MethodPing, s.handlePing)
	s.router.Handle(MethodLoggingSetLevel, s.handleSetLevel)
	if s.tools != nil {
		s.router.Handle(MethodToolsList, s.handleToolsList)
		s.router.Handle(MethodToolsCall, s.handleToolsCall)
	}
}

// registerCleanups fixes the shutdown order: stop handing out work, close the
// transports, stop the collaborators, flip readiness last.
func (s *Server) registerCleanups() {
	s.shutdown.RegisterCleanup("lifecycle", func(ctx context.Context) error {
		s.global.BeginShutdown()
		for _, sess := range s.registry.Sessions() {
			sess.Lifecycle().BeginShutdown()
		}
		return nil
	})

	s.shutdown.RegisterCleanup("http", func(ctx context.Context) error {
		s.streams.CloseAll()
		s.registry.StopSweep()
		s.mu.Lock()
		closer := s.httpCloser
		s.mu.Unlock()
		if closer != nil {
			return closer(ctx)
		}
		return nil
	})

	s.shutdown.RegisterCleanup("stdio", func(ctx context.Context) error {
		s.mu.Lock()
		stdio := s.stdio
		s.mu.Unlock()
		if stdio != nil {
			stdio.Close()
		}
		return nil
	})

	s.shutdown.RegisterCleanup("auth", func(ctx context.Context) error {
		if closer, ok := s.auth.(interface {
			Shutdown(context.Context) error
		}); ok {
			return closer.Shutdown(ctx)
		}
		return nil
	})

	s.shutdown.RegisterCleanup("metrics", func(ctx context.Context) error {
		if s.metrics != nil {
			return s.metrics.Flush(ctx)
		}
		return nil
	})

	s.shutdown.RegisterCleanup("readiness", func(ctx context.Context) error {
		s.ready.Store(false)
		return nil
	})
}

func (s *Server) handlePing(ctx context.Context, sess *Session, params json.RawMessage) (any, error) {
	return struct{}{}, nil
}

func (s *Server) handleToolsList(ctx context.Context, sess *Session, params json.RawMessage) (any, error) {
	tools, err := s.tools.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	if tools == nil {
		tools = []Tool{}
	}
	return ListToolsResult{Tools: tools}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, sess *Session, params json.RawMessage) (any, error) {
	var call CallToolParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid tools/call params: %s", err)}
	}
	if call.Name == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "tool name is required"}
	}
	return s.tools.CallTool(ctx, call.Name, call.Arguments)
}

var logLevels = map[string]slog.Level{
	"debug":     slog.LevelDebug,
	"info":      slog.LevelInfo,
	"notice":    slog.LevelInfo,
	"warning":   slog.LevelWarn,
	"error":     slog.LevelError,
	"critical":  slog.LevelError,
	"alert":     slog.LevelError,
	"emergency": slog.LevelError,
}

func (s *Server) handleSetLevel(ctx context.Context, sess *Session, params json.RawMessage) (any, error) {
	var p SetLevelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid logging/setLevel params: %s", err)}
	}
	level, ok := logLevels[p.Level]
	if !ok {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown log level %q", p.Level)}
	}
	if s.logLevel != nil {
		s.logLevel.Set(level)
	}
	s.logger.Info("log level changed", slog.String("level", p.Level))
	return struct{}{}, nil
}

// NotifyToolsChanged broadcasts notifications/tools/list_changed to every
// ready session whose handshake permits it, over its live stream.
func (s *Server) NotifyToolsChanged() {
	notif, err := NewNotification(NotificationToolsListChanged, nil)
	if err != nil {
		return
	}

	for _, sess := range s.registry.Sessions() {
		lc := sess.Lifecycle()
		if lc.State() != StateReady {
			continue
		}
		if err := lc.Negotiated().ValidateNotification(NotificationToolsListChanged); err != nil {
			continue
		}
		s.streams.Send(sess.ID(), notif)
	}

	s.mu.Lock()
	stdio := s.stdio
	s.mu.Unlock()
	if stdio != nil && s.global.State() == StateReady {
		if err := s.global.Negotiated().ValidateNotification(NotificationToolsListChanged); err == nil {
			if err := stdio.Send(notif); err != nil {
				s.logger.Warn("failed to push tools change", slog.String("err", err.Error()))
			}
		}
	}
}

// HTTPHandler returns the streamable HTTP endpoint handler.
func (s *Server) HTTPHandler() http.Handler { return s.httpT }

// OnHTTPClose registers the function that stops the HTTP listener during
// shutdown, typically (*http.Server).Shutdown.
func (s *Server) OnHTTPClose(fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.httpCloser = fn
}

// ServeStdio runs the stdio transport over the given streams until the input
// ends or shutdown begins. Diagnostics must already be routed to stderr.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer, options ...StdioOption) error {
	t := NewStdioTransport(s.router, in, out,
		append([]StdioOption{WithStdioLogger(s.logger)}, options...)...)

	s.mu.Lock()
	s.stdio = t
	s.mu.Unlock()

	return t.Serve(ctx)
}

// InitiateShutdown runs graceful shutdown, blocking until it completes.
func (s *Server) InitiateShutdown(reason string) {
	s.shutdown.InitiateShutdown(reason)
}

// HandleSignals wires SIGTERM/SIGINT to graceful shutdown.
func (s *Server) HandleSignals() (stop func()) {
	return s.shutdown.HandleSignals()
}

// Done is closed once graceful shutdown has completed.
func (s *Server) Done() <-chan struct{} { return s.shutdown.Done() }

// Ready reports whether the server is accepting work.
func (s *Server) Ready() bool { return s.ready.Load() }

// Router returns the message router, for registering additional handlers.
func (s *Server) Router() *Router { return s.router }

// Registry returns the session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Streams returns the SSE stream manager.
func (s *Server) Streams() *StreamManager { return s.streams }

// Lifecycle returns the process-global lifecycle used by sessionless
// transports.
func (s *Server) Lifecycle() *Lifecycle { return s.global }
