package mcpd_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/mcpd-dev/mcpd"
)

// stdioClient drives a stdio transport through in-memory pipes.
type stdioClient struct {
	t     *testing.T
	out   *io.PipeWriter
	lines chan string
	errs  chan error
}

func newStdioClient(t *testing.T, serve func(in io.Reader, out io.Writer) error) *stdioClient {
	t.Helper()

	serverIn, clientOut := io.Pipe()
	clientIn, serverOut := io.Pipe()

	c := &stdioClient{
		t:     t,
		out:   clientOut,
		lines: make(chan string, 16),
		errs:  make(chan error, 1),
	}

	go func() {
		c.errs <- serve(serverIn, serverOut)
	}()
	go func() {
		scanner := bufio.NewScanner(clientIn)
		for scanner.Scan() {
			c.lines <- scanner.Text()
		}
		close(c.lines)
	}()

	t.Cleanup(func() {
		clientOut.Close()
		clientIn.Close()
	})
	return c
}

func (c *stdioClient) send(line string) {
	c.t.Helper()
	if _, err := io.WriteString(c.out, line+"\n"); err != nil {
		c.t.Fatalf("write failed: %v", err)
	}
}

func (c *stdioClient) recv() mcpd.Message {
	c.t.Helper()
	select {
	case line, ok := <-c.lines:
		if !ok {
			c.t.Fatal("transport closed before the expected response")
		}
		var msg mcpd.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			c.t.Fatalf("malformed response line %q: %v", line, err)
		}
		return msg
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for response")
		return mcpd.Message{}
	}
}

func (c *stdioClient) serveResult() error {
	c.t.Helper()
	select {
	case err := <-c.errs:
		return err
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for transport exit")
		return nil
	}
}

func TestStdioHandshakeAndCall(t *testing.T) {
	srv, err := mcpd.NewServer(mcpd.Info{Name: "test", Version: "0.0.1"},
		mcpd.WithToolExecutor(stubExecutor{}))
	if err != nil {
		t.Fatalf("failed to build server: %v", err)
	}
	t.Cleanup(func() { srv.InitiateShutdown("test done") })

	client := newStdioClient(t, func(in io.Reader, out io.Writer) error {
		return srv.ServeStdio(context.Background(), in, out)
	})

	client.send(initializeBody)
	resp := client.recv()
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	var initResult mcpd.InitializeResult
	if err := json.Unmarshal(resp.Result, &initResult); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if initResult.ProtocolVersion != "2025-03-26" {
		t.Errorf("unexpected protocol version %s", initResult.ProtocolVersion)
	}

	client.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	client.send(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	resp = client.recv()
	if resp.Error != nil {
		t.Fatalf("tools/list failed: %+v", resp.Error)
	}
	if resp.ID.String() != "2" {
		t.Errorf("response correlated to wrong id: %s", resp.ID)
	}

	client.send(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo"}}`)
	resp = client.recv()
	if resp.Error != nil {
		t.Fatalf("tools/call failed: %+v", resp.Error)
	}
}

func TestStdioPrematureRequest(t *testing.T) {
	global := newTestLifecycle()
	router := mcpd.NewRouter(global, mcpd.NewShutdownManager())
	client := newStdioClient(t, func(in io.Reader, out io.Writer) error {
		return mcpd.NewStdioTransport(router, in, out).Serve(context.Background())
	})

	client.send(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	resp := client.recv()
	if resp.Error == nil || resp.Error.Code != mcpd.CodeNotInitialized {
		t.Fatalf("expected not-initialized error, got %+v", resp)
	}
}

func TestStdioParseError(t *testing.T) {
	global := newTestLifecycle()
	router := mcpd.NewRouter(global, mcpd.NewShutdownManager())
	client := newStdioClient(t, func(in io.Reader, out io.Writer) error {
		return mcpd.NewStdioTransport(router, in, out).Serve(context.Background())
	})

	client.send(`{"jsonrpc":`)
	resp := client.recv()
	if resp.Error == nil || resp.Error.Code != mcpd.CodeParseError {
		t.Fatalf("expected parse error, got %+v", resp)
	}
	if resp.ID != nil && !resp.ID.IsNull() {
		t.Error("expected null id on a pre-parse failure")
	}
}

func TestStdioOversizedLine(t *testing.T) {
	global := newTestLifecycle()
	router := mcpd.NewRouter(global, mcpd.NewShutdownManager())
	client := newStdioClient(t, func(in io.Reader, out io.Writer) error {
		transport := mcpd.NewStdioTransport(router, in, out, mcpd.WithMaxLineLength(200))
		return transport.Serve(context.Background())
	})

	client.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"%s"}`, strings.Repeat("x", 256)))
	resp := client.recv()
	if resp.Error == nil || resp.Error.Code != mcpd.CodeInvalidRequest {
		t.Fatalf("expected an oversized-line error, got %+v", resp)
	}

	// The transport recovers and keeps serving after the discard.
	client.send(initializeBody)
	resp = client.recv()
	if resp.Error != nil {
		t.Fatalf("initialize after discard failed: %+v", resp.Error)
	}
}

func TestStdioEOFProcessesTrailingLine(t *testing.T) {
	global := newTestLifecycle()
	router := mcpd.NewRouter(global, mcpd.NewShutdownManager())
	client := newStdioClient(t, func(in io.Reader, out io.Writer) error {
		return mcpd.NewStdioTransport(router, in, out).Serve(context.Background())
	})

	// No trailing newline; the line must still be processed at stream end.
	if _, err := io.WriteString(client.out, initializeBody); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	client.out.Close()

	resp := client.recv()
	if resp.Error != nil {
		t.Fatalf("trailing line was not processed: %+v", resp.Error)
	}
	if err := client.serveResult(); err != nil {
		t.Errorf("expected clean exit, got %v", err)
	}
}
