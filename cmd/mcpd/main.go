// Command mcpd runs the reference protocol server over HTTP or stdio.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcpd-dev/mcpd"
	"github.com/mcpd-dev/mcpd/tools"
)

const version = "0.1.0"

func main() {
	transport := flag.String("transport", "http", "transport to serve: http or stdio")
	addr := flag.String("addr", ":8080", "http listen address")
	endpoint := flag.String("endpoint", "/mcp", "http endpoint path")
	origins := flag.String("origins", "*", "comma-separated origin allow-list glob patterns")
	stateless := flag.Bool("stateless", false, "serve http without session persistence")
	logLevel := flag.String("log-level", "info", "minimum log level: debug, info, warn or error")
	flag.Parse()

	if err := run(*transport, *addr, *endpoint, *origins, *stateless, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(transport, addr, endpoint, origins string, stateless bool, logLevel string) error {
	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}

	// Logs go to stderr unconditionally; in stdio mode stdout carries protocol
	// messages only.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	exec := tools.NewExecutor(tools.WithLogger(logger))

	opts := []mcpd.ServerOption{
		mcpd.WithLogger(logger),
		mcpd.WithToolExecutor(exec),
		mcpd.WithLogLevelVar(level),
		mcpd.WithInstructions("Demo server. Call tools/list to discover the available tools."),
		mcpd.WithOrigins(strings.Split(origins, ",")...),
	}
	if stateless {
		opts = append(opts, mcpd.WithStateless())
	}

	srv, err := mcpd.NewServer(mcpd.Info{Name: "mcpd", Version: version}, opts...)
	if err != nil {
		return err
	}

	stop := srv.HandleSignals()
	defer stop()

	switch transport {
	case "stdio":
		return runStdio(srv)
	case "http":
		return runHTTP(srv, addr, endpoint, logger)
	default:
		return fmt.Errorf("unknown transport %q", transport)
	}
}

func runStdio(srv *mcpd.Server) error {
	err := srv.ServeStdio(context.Background(), os.Stdin, os.Stdout)
	srv.InitiateShutdown("input closed")
	return err
}

func runHTTP(srv *mcpd.Server, addr, endpoint string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(endpoint, srv.HTTPHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !srv.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.OnHTTPClose(httpSrv.Shutdown)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		logger.Info("listening", slog.String("addr", addr), slog.String("endpoint", endpoint))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-srv.Done():
		case <-ctx.Done():
			srv.InitiateShutdown("listener failed")
		}
		return nil
	})
	return g.Wait()
}
