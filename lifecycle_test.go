package mcpd_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/mcpd-dev/mcpd"
)

func newTestLifecycle() *mcpd.Lifecycle {
	return mcpd.NewLifecycle(
		mcpd.Info{Name: "test-server", Version: "1.0"},
		mcpd.CapabilitySet{"tools": mcpd.ObjectCapability(nil)},
	)
}

func initParams(version string) mcpd.InitializeParams {
	return mcpd.InitializeParams{
		ProtocolVersion: version,
		Capabilities:    mcpd.CapabilitySet{},
		ClientInfo:      mcpd.Info{Name: "test-client", Version: "1.0"},
	}
}

func TestLifecycleHandshake(t *testing.T) {
	lc := newTestLifecycle()
	if lc.State() != mcpd.StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", lc.State())
	}

	result, err := lc.Initialize(initParams("2025-03-26"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ProtocolVersion != "2025-03-26" {
		t.Errorf("expected requested version echoed, got %s", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "test-server" {
		t.Errorf("unexpected server info: %+v", result.ServerInfo)
	}
	if lc.State() != mcpd.StateInitializing {
		t.Fatalf("expected initializing, got %s", lc.State())
	}

	if err := lc.Initialized(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lc.State() != mcpd.StateReady {
		t.Fatalf("expected ready, got %s", lc.State())
	}

	info, ok := lc.ClientInfo()
	if !ok || info.Name != "test-client" {
		t.Errorf("expected captured client info, got %+v %v", info, ok)
	}
}

func TestLifecycleVersionNegotiation(t *testing.T) {
	lc := newTestLifecycle()
	result, err := lc.Initialize(initParams("2024-11-05"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ProtocolVersion != "2024-11-05" {
		t.Errorf("supported version must be echoed, got %s", result.ProtocolVersion)
	}

	lc = newTestLifecycle()
	result, err = lc.Initialize(initParams("1999-01-01"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ProtocolVersion != "2025-03-26" {
		t.Errorf("unknown version must be answered with the latest, got %s", result.ProtocolVersion)
	}
}

func TestLifecycleDoubleInitialize(t *testing.T) {
	lc := newTestLifecycle()
	if _, err := lc.Initialize(initParams("2025-03-26")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := lc.Initialize(initParams("2025-03-26"))
	if err == nil {
		t.Fatal("second initialize must fail")
	}
	var rpcErr *mcpd.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != mcpd.CodeInvalidRequest {
		t.Errorf("expected invalid request error, got %v", err)
	}
}

func TestLifecycleInitializedOutOfSequence(t *testing.T) {
	lc := newTestLifecycle()
	if err := lc.Initialized(); err == nil {
		t.Error("initialized before initialize must fail")
	}
}

func TestLifecycleCheckMessage(t *testing.T) {
	lc := newTestLifecycle()
	id := mcpd.IntID(1)

	req := mcpd.Message{JSONRPC: mcpd.JSONRPCVersion, ID: &id, Method: "tools/list"}
	resp, proceed := lc.CheckMessage(req)
	if proceed {
		t.Fatal("premature request must not proceed")
	}
	if resp == nil || resp.Error == nil || resp.Error.Code != mcpd.CodeNotInitialized {
		t.Fatalf("expected not-initialized error, got %+v", resp)
	}

	initReq := mcpd.Message{JSONRPC: mcpd.JSONRPCVersion, ID: &id, Method: "initialize"}
	if _, proceed := lc.CheckMessage(initReq); !proceed {
		t.Error("initialize must proceed while uninitialized")
	}

	notif := mcpd.Message{JSONRPC: mcpd.JSONRPCVersion, Method: "notifications/roots/list_changed"}
	if resp, proceed := lc.CheckMessage(notif); proceed || resp != nil {
		t.Error("premature notification must be dropped without a response")
	}

	handshake := mcpd.Message{JSONRPC: mcpd.JSONRPCVersion, Method: "notifications/initialized"}
	if _, proceed := lc.CheckMessage(handshake); !proceed {
		t.Error("handshake notification must proceed while uninitialized")
	}

	if _, err := lc.Initialize(initParams("2025-03-26")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := lc.Initialized(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, proceed := lc.CheckMessage(req); !proceed {
		t.Error("request must proceed once ready")
	}

	lc.BeginShutdown()
	resp, proceed = lc.CheckMessage(req)
	if proceed {
		t.Fatal("request must not proceed while shutting down")
	}
	if resp == nil || resp.Error == nil {
		t.Fatal("expected an error response while shutting down")
	}
}

func TestLifecycleReset(t *testing.T) {
	lc := newTestLifecycle()
	if _, err := lc.Initialize(initParams("2025-03-26")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lc.Reset()
	if lc.State() != mcpd.StateUninitialized {
		t.Errorf("expected uninitialized after reset, got %s", lc.State())
	}
	if _, ok := lc.ClientInfo(); ok {
		t.Error("client info must be discarded on reset")
	}
	if _, err := lc.Initialize(initParams("2025-03-26")); err != nil {
		t.Errorf("initialize after reset must succeed: %v", err)
	}
}

func TestInitializeParamsDecoding(t *testing.T) {
	raw := `{
		"protocolVersion": "2025-03-26",
		"capabilities": {"roots": {"listChanged": true}},
		"clientInfo": {"name": "c", "version": "2"}
	}`
	var params mcpd.InitializeParams
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !params.Capabilities.Has("roots.listChanged") {
		t.Error("expected roots.listChanged capability")
	}
}
