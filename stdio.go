package mcpd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

var defaultMaxLineLength = 1 << 20 // 1 MiB

// StdioTransport serves the protocol over a pair of byte streams: one
// newline-delimited UTF-8 JSON-RPC message per line, no length prefix. All
// diagnostics go through the logger, never the output stream, so the caller
// must point logging at stderr when the streams are the process's stdio.
type StdioTransport struct {
	router  *Router
	in      io.Reader
	out     io.Writer
	maxLine int
	logger  *slog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// StdioOption configures a StdioTransport.
type StdioOption func(*StdioTransport)

// WithMaxLineLength sets the maximum buffered line length. Lines exceeding it
// are rejected with an error response and discarded through the next newline.
func WithMaxLineLength(n int) StdioOption {
	return func(t *StdioTransport) {
		t.maxLine = n
	}
}

// WithStdioLogger sets the logger for the stdio transport.
func WithStdioLogger(logger *slog.Logger) StdioOption {
	return func(t *StdioTransport) {
		t.logger = logger.With(slog.String("component", "stdio"))
	}
}

// NewStdioTransport creates a stdio transport reading messages from in and
// writing responses to out.
func NewStdioTransport(router *Router, in io.Reader, out io.Writer, options ...StdioOption) *StdioTransport {
	t := &StdioTransport{
		router:  router,
		in:      in,
		out:     out,
		maxLine: defaultMaxLineLength,
		logger:  slog.Default(),
		closed:  make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Serve reads and dispatches messages until the input stream ends, the
// context is cancelled or the transport is closed. A trailing unterminated
// line at stream end is processed as a final message.
func (t *StdioTransport) Serve(ctx context.Context) error {
	reader := bufio.NewReaderSize(t.in, 64*1024)

	var line []byte
	overflowing := false
	for {
		select {
		case <-t.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		chunk, err := reader.ReadSlice('\n')
		line = append(line, chunk...)

		if errors.Is(err, bufio.ErrBufferFull) {
			if len(line) > t.maxLine && !overflowing {
				overflowing = true
				t.rejectOversized(len(line))
			}
			if overflowing {
				line = line[:0]
			}
			continue
		}

		if err == nil || errors.Is(err, io.EOF) {
			if overflowing {
				// The oversized line was already rejected; swallow its tail.
				overflowing = false
			} else if len(line) > t.maxLine {
				t.rejectOversized(len(line))
			} else {
				t.handleLine(ctx, line)
			}
			line = line[:0]

			if err == nil {
				continue
			}
			t.logger.Debug("input stream closed")
			return nil
		}

		return fmt.Errorf("read failed: %w", err)
	}
}

func (t *StdioTransport) rejectOversized(n int) {
	t.logger.Warn("discarding oversized line", slog.Int("length", n), slog.Int("max", t.maxLine))
	t.writeMessage(NewErrorResponse(nil, &Error{
		Code:    CodeInvalidRequest,
		Message: fmt.Sprintf("message exceeds maximum line length of %d bytes", t.maxLine),
	}))
}

func (t *StdioTransport) handleLine(ctx context.Context, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error("handler panicked", slog.Any("panic", rec))
			t.writeMessage(NewErrorResponse(nil, &Error{
				Code:    CodeInternalError,
				Message: "internal server error",
			}))
		}
	}()

	msg, err := ParseMessage(line)
	if err != nil {
		t.writeMessage(NewErrorResponse(msg.ID, asError(err)))
		return
	}

	if resp := t.router.HandleMessage(ctx, msg, nil); resp != nil {
		t.writeMessage(*resp)
	}
}

// Send writes a server-initiated message, one line, flushed immediately.
func (t *StdioTransport) Send(msg Message) error {
	select {
	case <-t.closed:
		return errors.New("transport closed")
	default:
	}
	return t.write(msg)
}

func (t *StdioTransport) writeMessage(msg Message) {
	if err := t.write(msg); err != nil {
		t.logger.Error("write failed", slog.String("err", err.Error()))
	}
}

func (t *StdioTransport) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal failed: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// Close stops the transport. Serve returns after its current read completes;
// closing the input stream as well unblocks it immediately.
func (t *StdioTransport) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		if c, ok := t.in.(io.Closer); ok {
			_ = c.Close()
		}
	})
}
