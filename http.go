package mcpd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/tmaxmax/go-sse"
)

// Headers used by the streamable HTTP transport.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "MCP-Protocol-Version"
	HeaderLastEventID     = "Last-Event-ID"
)

const maxRequestBody = 4 << 20 // 4 MiB

// HTTPTransport serves the protocol on a single endpoint. POST carries
// JSON-RPC traffic, GET opens the session's SSE stream, DELETE terminates a
// session and OPTIONS answers CORS preflights. In stateless mode every POST
// gets a throwaway session and GET/DELETE are refused.
type HTTPTransport struct {
	router    *Router
	registry  *Registry
	streams   *StreamManager
	stateless bool
	origins   []glob.Glob
	auth      TokenValidator
	metrics   MetricsSink
	logger    *slog.Logger
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport) error

// WithStatelessMode disables session persistence: each request runs against a
// fabricated throwaway session and no SSE streams are available.
func WithStatelessMode() HTTPOption {
	return func(t *HTTPTransport) error {
		t.stateless = true
		return nil
	}
}

// WithAllowedOrigins sets the Origin allow-list. Entries are glob patterns,
// e.g. "https://*.example.com". The default allows every origin.
func WithAllowedOrigins(patterns ...string) HTTPOption {
	return func(t *HTTPTransport) error {
		globs := make([]glob.Glob, 0, len(patterns))
		for _, p := range patterns {
			g, err := glob.Compile(p)
			if err != nil {
				return fmt.Errorf("invalid origin pattern %q: %w", p, err)
			}
			globs = append(globs, g)
		}
		t.origins = globs
		return nil
	}
}

// WithTokenValidator enables bearer-token authentication on POST requests.
func WithTokenValidator(v TokenValidator) HTTPOption {
	return func(t *HTTPTransport) error {
		t.auth = v
		return nil
	}
}

// WithMetricsSink records per-request method, duration and HTTP status.
func WithMetricsSink(sink MetricsSink) HTTPOption {
	return func(t *HTTPTransport) error {
		t.metrics = sink
		return nil
	}
}

// WithHTTPLogger sets the logger for the HTTP transport.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(t *HTTPTransport) error {
		t.logger = logger.With(slog.String("component", "http"))
		return nil
	}
}

// NewHTTPTransport creates the HTTP transport.
func NewHTTPTransport(router *Router, registry *Registry, streams *StreamManager, options ...HTTPOption) (*HTTPTransport, error) {
	t := &HTTPTransport{
		router:   router,
		registry: registry,
		streams:  streams,
		origins:  []glob.Glob{glob.MustCompile("*")},
		logger:   slog.Default(),
	}
	for _, opt := range options {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// ServeHTTP implements http.Handler. A panic in any handler degrades to a 500
// with a generic JSON-RPC internal error; stack traces never reach the wire.
func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error("handler panicked", slog.Any("panic", rec))
			writeJSONRPC(w, http.StatusInternalServerError, NewErrorResponse(nil, &Error{
				Code:    CodeInternalError,
				Message: "internal server error",
			}))
		}
	}()

	switch r.Method {
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodGet:
		t.handleGet(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	case http.MethodOptions:
		t.handleOptions(w, r)
	default:
		writeHTTPError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// originAllowed reports whether the request's Origin passes the allow-list.
// An absent Origin header (non-browser client) always passes.
func (t *HTTPTransport) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, g := range t.origins {
		if g.Match(origin) {
			return true
		}
	}
	return false
}

func (t *HTTPTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusOK
	method := ""
	defer func() {
		if t.metrics != nil {
			t.metrics.RecordRequest(method, time.Since(start), status)
		}
	}()

	fail := func(code int, msg string) {
		status = code
		writeHTTPError(w, code, msg)
	}

	if !t.originAllowed(r) {
		fail(http.StatusForbidden, "origin not allowed")
		return
	}

	contentType := strings.TrimSpace(strings.Split(r.Header.Get("Content-Type"), ";")[0])
	if contentType != "application/json" {
		fail(http.StatusUnsupportedMediaType, "content type must be application/json")
		return
	}

	// An absent version header means a client predating the header, which is
	// treated as the legacy protocol version.
	if version := r.Header.Get(HeaderProtocolVersion); version != "" {
		supported := false
		for _, v := range supportedProtocolVersions {
			if version == v {
				supported = true
				break
			}
		}
		if !supported {
			fail(http.StatusBadRequest, fmt.Sprintf("unsupported protocol version %q", version))
			return
		}
	}

	if t.auth != nil {
		token, ok := bearerToken(r)
		if !ok {
			status = http.StatusUnauthorized
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeHTTPError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if err := t.auth.ValidateToken(r.Context(), token); err != nil {
			status = http.StatusUnauthorized
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeHTTPError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		fail(http.StatusBadRequest, "failed to read request body")
		return
	}

	msg, err := ParseMessage(body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSONRPC(w, http.StatusBadRequest, NewErrorResponse(msg.ID, asError(err)))
		return
	}
	method = msg.Method

	sess, created, ok := t.resolveSession(w, r, msg, &status)
	if !ok {
		return
	}

	resp := t.router.HandleMessage(r.Context(), msg, sess)
	if resp == nil {
		status = http.StatusAccepted
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if created {
		if resp.Error == nil && !t.stateless {
			w.Header().Set(HeaderSessionID, sess.ID())
		}
		if resp.Error != nil {
			t.registry.DestroySession(sess.ID())
		}
	}
	writeJSONRPC(w, http.StatusOK, *resp)
}

// resolveSession maps a parsed message to its session. Initialize always
// creates a fresh session, ignoring any supplied id; every other method needs
// a valid existing id. Stateless mode fabricates a throwaway per request.
func (t *HTTPTransport) resolveSession(w http.ResponseWriter, r *http.Request, msg Message, status *int) (sess *Session, created bool, ok bool) {
	if t.stateless {
		sess := t.registry.NewEphemeralSession()
		// Throwaway scopes cannot carry a handshake across requests, so
		// anything but an explicit initialize runs pre-primed.
		if msg.Method != MethodInitialize {
			sess.Lifecycle().PrimeReady()
		}
		return sess, false, true
	}

	// Only an initialize request earns a persistent session. An initialize
	// notification produces no response to carry the session id, so a
	// session created for it would leak until the sweep.
	if msg.Method == MethodInitialize && msg.IsRequest() {
		return t.registry.CreateSession(), true, true
	}

	id := r.Header.Get(HeaderSessionID)
	if id == "" {
		*status = http.StatusBadRequest
		writeHTTPError(w, http.StatusBadRequest, "missing session id")
		return nil, false, false
	}
	sess, found := t.registry.GetSession(id)
	if !found {
		*status = http.StatusNotFound
		writeHTTPError(w, http.StatusNotFound, "unknown session")
		return nil, false, false
	}
	sess.Touch()
	return sess, false, true
}

func (t *HTTPTransport) handleGet(w http.ResponseWriter, r *http.Request) {
	if t.stateless {
		writeHTTPError(w, http.StatusNotAcceptable, "streaming is unavailable in stateless mode")
		return
	}
	if !t.originAllowed(r) {
		writeHTTPError(w, http.StatusForbidden, "origin not allowed")
		return
	}
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		writeHTTPError(w, http.StatusNotAcceptable, "accept header must include text/event-stream")
		return
	}

	id := r.Header.Get(HeaderSessionID)
	if id == "" {
		writeHTTPError(w, http.StatusBadRequest, "missing session id")
		return
	}
	sess, found := t.registry.GetSession(id)
	if !found {
		writeHTTPError(w, http.StatusNotFound, "unknown session")
		return
	}
	sess.Touch()

	// Validate the replay marker before upgrading; after the upgrade the
	// status line is already on the wire.
	lastEventID := r.Header.Get(HeaderLastEventID)
	if lastEventID != "" {
		evSession, _, err := parseEventID(lastEventID)
		if err != nil || evSession != sess.ID() {
			writeHTTPError(w, http.StatusBadRequest, "malformed last event id")
			return
		}
	}

	upgraded, err := sse.Upgrade(w, r)
	if err != nil {
		writeHTTPError(w, http.StatusInternalServerError, "failed to open event stream")
		return
	}

	var stream *Stream
	if lastEventID != "" {
		stream, err = t.streams.HandleReconnect(sess.ID(), lastEventID, upgraded)
		if err != nil {
			t.logger.Warn("reconnect failed", slog.String("sessionID", sess.ID()), slog.String("err", err.Error()))
			return
		}
	} else {
		stream = t.streams.CreateStream(sess.ID(), upgraded)
	}

	t.logger.Debug("stream opened", slog.String("sessionID", sess.ID()))
	select {
	case <-stream.Done():
	case <-r.Context().Done():
		stream.close()
	}
	t.logger.Debug("stream closed", slog.String("sessionID", sess.ID()))
}

func (t *HTTPTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	if t.stateless {
		writeHTTPError(w, http.StatusMethodNotAllowed, "sessions are unavailable in stateless mode")
		return
	}
	if !t.originAllowed(r) {
		writeHTTPError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	id := r.Header.Get(HeaderSessionID)
	if id == "" {
		writeHTTPError(w, http.StatusBadRequest, "missing session id")
		return
	}
	if !t.registry.DestroySession(id) {
		writeHTTPError(w, http.StatusNotFound, "unknown session")
		return
	}
	t.streams.CloseStream(id)
	w.WriteHeader(http.StatusNoContent)
}

func (t *HTTPTransport) handleOptions(w http.ResponseWriter, r *http.Request) {
	if !t.originAllowed(r) {
		writeHTTPError(w, http.StatusForbidden, "origin not allowed")
		return
	}
	if origin := r.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
		"Content-Type", "Authorization", HeaderSessionID, HeaderProtocolVersion, HeaderLastEventID,
	}, ", "))
	w.WriteHeader(http.StatusNoContent)
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

// writeHTTPError reports a transport-level rejection: plain HTTP status plus
// a small JSON body, not a JSON-RPC envelope, since the message never reached
// the codec.
func writeHTTPError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSONRPC(w http.ResponseWriter, status int, msg Message) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(msg)
}
