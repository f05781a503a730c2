package mcpd

import (
	"fmt"
	"log/slog"
	"sync"
)

// Protocol method and notification names fixed by the protocol version.
const (
	MethodInitialize = "initialize"
	MethodPing       = "ping"

	MethodPromptsList        = "prompts/list"
	MethodPromptsGet         = "prompts/get"
	MethodResourcesList      = "resources/list"
	MethodResourcesRead      = "resources/read"
	MethodResourcesSubscribe = "resources/subscribe"
	MethodToolsList          = "tools/list"
	MethodToolsCall          = "tools/call"
	MethodLoggingSetLevel    = "logging/setLevel"
	MethodCompletionComplete = "completion/complete"

	NotificationInitialized          = "notifications/initialized"
	NotificationCancelled            = "notifications/cancelled"
	NotificationToolsListChanged     = "notifications/tools/list_changed"
	NotificationPromptsListChanged   = "notifications/prompts/list_changed"
	NotificationResourcesListChanged = "notifications/resources/list_changed"
	NotificationMessage              = "notifications/message"
	NotificationRootsListChanged     = "notifications/roots/list_changed"
)

// Protocol versions understood by this server. Requests carrying an absent
// version header are treated as ProtocolVersionLegacy for backward
// compatibility.
const (
	ProtocolVersionLatest = "2025-03-26"
	ProtocolVersionLegacy = "2024-11-05"
)

var supportedProtocolVersions = []string{ProtocolVersionLatest, ProtocolVersionLegacy}

// Info contains the name and version of a server or client instance.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams are the parameters of the initialize request.
type InitializeParams struct {
	ProtocolVersion string        `json:"protocolVersion"`
	Capabilities    CapabilitySet `json:"capabilities"`
	ClientInfo      Info          `json:"clientInfo"`
}

// InitializeResult is the payload of the initialize response.
type InitializeResult struct {
	ProtocolVersion string        `json:"protocolVersion"`
	Capabilities    CapabilitySet `json:"capabilities"`
	ServerInfo      Info          `json:"serverInfo"`
	Instructions    string        `json:"instructions,omitempty"`
}

// LifecycleState is the handshake state of one protocol scope: a session in
// stateful mode, or the whole process in stateless and stdio modes.
type LifecycleState int

const (
	StateUninitialized LifecycleState = iota
	StateInitializing
	StateReady
	StateShuttingDown
)

func (s LifecycleState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Lifecycle gates protocol traffic on the initialize/initialized handshake.
// One instance exists per session in stateful mode; transports without
// sessions share a single process-wide instance. The router treats both
// identically.
type Lifecycle struct {
	serverInfo   Info
	serverCaps   CapabilitySet
	instructions string
	logger       *slog.Logger

	mu              sync.Mutex
	state           LifecycleState
	clientInfo      Info
	clientCaptured  bool
	negotiated      Negotiated
	protocolVersion string
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithLifecycleInstructions sets the instruction text returned on initialize.
func WithLifecycleInstructions(instructions string) LifecycleOption {
	return func(l *Lifecycle) {
		l.instructions = instructions
	}
}

// WithLifecycleLogger sets the logger for the lifecycle state machine.
func WithLifecycleLogger(logger *slog.Logger) LifecycleOption {
	return func(l *Lifecycle) {
		l.logger = logger.With(slog.String("component", "lifecycle"))
	}
}

// NewLifecycle creates a lifecycle state machine advertising the given server
// info and capabilities.
func NewLifecycle(info Info, caps CapabilitySet, options ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		serverInfo: info,
		serverCaps: caps,
		logger:     slog.Default(),
		state:      StateUninitialized,
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Initialize handles the initialize request: it validates the transition,
// captures the client's info and capabilities immutably for the remaining
// lifetime of the scope, and moves the state to initializing. Receiving
// initialize in any state other than uninitialized is an error.
func (l *Lifecycle) Initialize(params InitializeParams) (InitializeResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateUninitialized {
		return InitializeResult{}, &Error{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("initialize received in state %s", l.state),
		}
	}

	version := ProtocolVersionLatest
	for _, v := range supportedProtocolVersions {
		if params.ProtocolVersion == v {
			version = v
			break
		}
	}

	l.clientInfo = params.ClientInfo
	l.clientCaptured = true
	l.negotiated = Negotiate(params.Capabilities, l.serverCaps)
	l.protocolVersion = version
	l.state = StateInitializing

	l.logger.Debug("handshake started",
		slog.String("client", params.ClientInfo.Name),
		slog.String("protocolVersion", version))

	return InitializeResult{
		ProtocolVersion: version,
		Capabilities:    l.serverCaps,
		ServerInfo:      l.serverInfo,
		Instructions:    l.instructions,
	}, nil
}

// Initialized handles the notifications/initialized notification, completing
// the handshake. Out-of-sequence notifications return an error for logging;
// they never produce a response.
func (l *Lifecycle) Initialized() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateInitializing {
		return fmt.Errorf("notifications/initialized received in state %s", l.state)
	}
	l.state = StateReady
	l.logger.Debug("handshake complete")
	return nil
}

// PrimeReady skips the handshake, moving straight to ready with an empty
// client capability set. Throwaway stateless scopes use this, since no
// handshake can persist across requests there. No-op outside uninitialized.
func (l *Lifecycle) PrimeReady() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateUninitialized {
		return
	}
	l.negotiated = Negotiate(CapabilitySet{}, l.serverCaps)
	l.protocolVersion = ProtocolVersionLatest
	l.state = StateReady
}

// BeginShutdown moves the scope to its terminal state. No new work is
// accepted afterwards; the transition is valid from every state and
// idempotent.
func (l *Lifecycle) BeginShutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateShuttingDown
}

// Reset returns the instance fully to uninitialized, discarding captured
// client state. Test and restart support only.
func (l *Lifecycle) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateUninitialized
	l.clientInfo = Info{}
	l.clientCaptured = false
	l.negotiated = Negotiated{}
	l.protocolVersion = ""
}

// ClientInfo returns the client info captured at initialize time, and whether
// a handshake has occurred.
func (l *Lifecycle) ClientInfo() (Info, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clientInfo, l.clientCaptured
}

// Negotiated returns the capability sets exchanged at initialize time.
func (l *Lifecycle) Negotiated() Negotiated {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.negotiated
}

// ProtocolVersion returns the protocol version agreed at initialize time, or
// the empty string before the handshake.
func (l *Lifecycle) ProtocolVersion() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.protocolVersion
}

// CheckMessage gates a message on the handshake state before dispatch. The
// returned response, when non-nil, must be sent to the caller instead of
// dispatching; proceed reports whether dispatch may continue. Before ready,
// every request except initialize is rejected with CodeNotInitialized and
// every notification except initialized/cancelled is silently dropped, since
// notifications have no response channel to report errors on.
func (l *Lifecycle) CheckMessage(msg Message) (resp *Message, proceed bool) {
	switch l.State() {
	case StateReady:
		return nil, true
	case StateShuttingDown:
		if msg.IsRequest() {
			return respond(NewErrorResponse(msg.ID, &Error{
				Code:    CodeInvalidRequest,
				Message: "server is shutting down",
			})), false
		}
		return nil, false
	default:
	}

	if msg.IsRequest() {
		if msg.Method == MethodInitialize {
			return nil, true
		}
		return respond(NewErrorResponse(msg.ID, &Error{
			Code:    CodeNotInitialized,
			Message: "server not initialized",
		})), false
	}

	if msg.Method == NotificationInitialized || msg.Method == NotificationCancelled {
		return nil, true
	}
	l.logger.Debug("dropping notification before handshake", slog.String("method", msg.Method))
	return nil, false
}

func respond(msg Message) *Message { return &msg }
