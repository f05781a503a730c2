package mcpd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var defaultRequestTimeout = 30 * time.Second

// HandlerFunc handles one request method. The returned value is marshaled
// into the response result; a returned *Error is sent verbatim, any other
// error becomes an internal error.
type HandlerFunc func(ctx context.Context, sess *Session, params json.RawMessage) (any, error)

// CancelledParams are the parameters of notifications/cancelled.
type CancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// Router dispatches parsed messages to registered handlers. It resolves the
// applicable lifecycle instance per message, runs the pre-handshake gate,
// special-cases the handshake methods, validates capability requirements and
// brackets every dispatched request with in-flight tracking so shutdown can
// drain. One router serves every transport.
type Router struct {
	global   *Lifecycle
	shutdown *ShutdownManager
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	cancels  map[string]context.CancelCauseFunc
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRequestTimeout sets the per-request handler deadline. Zero disables the
// deadline.
func WithRequestTimeout(timeout time.Duration) RouterOption {
	return func(r *Router) {
		r.timeout = timeout
	}
}

// WithRouterLogger sets the logger for the router.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger.With(slog.String("component", "router"))
	}
}

// NewRouter creates a router. The global lifecycle serves messages that carry
// no session, which is how the stdio transport and stateless HTTP operate.
func NewRouter(global *Lifecycle, shutdown *ShutdownManager, options ...RouterOption) *Router {
	r := &Router{
		global:   global,
		shutdown: shutdown,
		timeout:  defaultRequestTimeout,
		logger:   slog.Default(),
		handlers: make(map[string]HandlerFunc),
		cancels:  make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Handle registers the handler for a method, replacing any previous one.
func (r *Router) Handle(method string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = fn
}

func (r *Router) lifecycleFor(sess *Session) *Lifecycle {
	if sess != nil {
		return sess.Lifecycle()
	}
	return r.global
}

// requestKey addresses one in-flight request for tracking and cancellation.
// Ids are only unique within a session, so the session id is part of the key,
// and the id keeps its wire kind so integer 1 and string "1" never collide.
func requestKey(sess *Session, id *RequestID) string {
	if sess != nil {
		return sess.ID() + "/" + id.keyForm()
	}
	return id.keyForm()
}

// HandleMessage routes one parsed message and returns the response to write,
// or nil when the message produces none. Notifications always return nil,
// even on error: the protocol has no channel to report notification-level
// failures, so they are logged and dropped.
func (r *Router) HandleMessage(ctx context.Context, msg Message, sess *Session) *Message {
	lc := r.lifecycleFor(sess)

	if resp, proceed := lc.CheckMessage(msg); !proceed {
		return resp
	}

	switch msg.Method {
	case MethodInitialize:
		// Initialize is only meaningful as a request. Sent without an id
		// there is no way to answer it, so it is dropped like any other
		// failing notification.
		if !msg.IsRequest() {
			r.logger.Warn("dropping initialize sent as a notification")
			return nil
		}
		return r.handleInitialize(lc, msg)
	case NotificationInitialized:
		if err := lc.Initialized(); err != nil {
			r.logger.Warn("out-of-sequence handshake notification", slog.String("err", err.Error()))
		}
		return nil
	case NotificationCancelled:
		r.handleCancelled(msg, sess)
		return nil
	}

	if msg.IsNotification() {
		r.logger.Debug("dropping unhandled notification", slog.String("method", msg.Method))
		return nil
	}

	if err := lc.Negotiated().ValidateMethod(msg.Method); err != nil {
		return respond(NewErrorResponse(msg.ID, asError(err)))
	}

	r.mu.Lock()
	handler, ok := r.handlers[msg.Method]
	r.mu.Unlock()
	if !ok {
		return respond(NewErrorResponse(msg.ID, &Error{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		}))
	}

	key := requestKey(sess, msg.ID)
	if !r.shutdown.TrackRequest(key) {
		return respond(NewErrorResponse(msg.ID, &Error{
			Code:    CodeInvalidRequest,
			Message: "server is shutting down",
		}))
	}
	defer r.shutdown.CompleteRequest(key)

	result, err := r.executeWithTimeout(ctx, key, func(ctx context.Context) (any, error) {
		return handler(ctx, sess, msg.Params)
	})
	if err != nil {
		return respond(NewErrorResponse(msg.ID, asError(err)))
	}
	return respond(NewResponse(msg.ID, result))
}

func (r *Router) handleInitialize(lc *Lifecycle, msg Message) *Message {
	var params InitializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return respond(NewErrorResponse(msg.ID, &Error{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("invalid initialize params: %s", err),
		}))
	}

	result, err := lc.Initialize(params)
	if err != nil {
		return respond(NewErrorResponse(msg.ID, asError(err)))
	}
	return respond(NewResponse(msg.ID, result))
}

func (r *Router) handleCancelled(msg Message, sess *Session) {
	var params CancelledParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		r.logger.Warn("malformed cancellation", slog.String("err", err.Error()))
		return
	}
	if params.RequestID.IsNull() {
		r.logger.Warn("cancellation without a request id")
		return
	}
	r.CancelRequest(requestKey(sess, &params.RequestID), params.Reason)
}

// CancelRequest aborts the in-flight request with the given key. Unknown keys
// are ignored: the request may have completed already, which is an expected
// race, not an error.
func (r *Router) CancelRequest(key, reason string) {
	r.mu.Lock()
	cancel, ok := r.cancels[key]
	r.mu.Unlock()
	if !ok {
		return
	}
	if reason == "" {
		reason = "cancelled by client"
	}
	cancel(errors.New(reason))
}

func (r *Router) registerCancel(key string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[key] = cancel
}

func (r *Router) unregisterCancel(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, key)
}

// executeWithTimeout runs the handler under a three-way race between handler
// completion, the per-request deadline and external cancellation, which
// covers both notifications/cancelled and transport disconnects through the
// parent context. An abandoned handler keeps running in its goroutine with a
// cancelled context; it is expected to observe ctx and return promptly.
func (r *Router) executeWithTimeout(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if r.timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, r.timeout)
		defer stop()
	}

	r.registerCancel(key, cancel)
	defer r.unregisterCancel(key)

	type outcome struct {
		value    any
		err      error
		panicked any
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{panicked: rec}
			}
		}()
		value, err := fn(ctx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.panicked != nil {
			// Re-raise on the serving goroutine, where the transport's
			// catch-all can turn it into an internal error.
			panic(out.panicked)
		}
		return out.value, out.err
	case <-ctx.Done():
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &Error{Code: CodeInternalError, Message: "request timed out"}
	}

	reason := "request cancelled"
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		reason = fmt.Sprintf("request cancelled: %s", cause)
	}
	return nil, &Error{Code: CodeRequestCancelled, Message: reason}
}
