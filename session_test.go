package mcpd_test

import (
	"testing"
	"time"

	"github.com/mcpd-dev/mcpd"
)

func newTestRegistry(options ...mcpd.RegistryOption) *mcpd.Registry {
	return mcpd.NewRegistry(newTestLifecycle, options...)
}

func TestRegistryCreateAndGet(t *testing.T) {
	reg := newTestRegistry()

	sess := reg.CreateSession()
	if sess.ID() == "" {
		t.Fatal("expected a session id")
	}
	if sess.Lifecycle() == nil {
		t.Fatal("expected a per-session lifecycle")
	}

	got, ok := reg.GetSession(sess.ID())
	if !ok || got != sess {
		t.Fatal("expected to find the created session")
	}
	if _, ok := reg.GetSession("nope"); ok {
		t.Fatal("unknown id must not resolve")
	}

	other := reg.CreateSession()
	if other.ID() == sess.ID() {
		t.Error("session ids must be unique")
	}
	if reg.Len() != 2 {
		t.Errorf("expected 2 sessions, got %d", reg.Len())
	}
}

func TestRegistryDestroy(t *testing.T) {
	reg := newTestRegistry()
	sess := reg.CreateSession()

	if !reg.DestroySession(sess.ID()) {
		t.Fatal("destroy must report success")
	}
	if _, ok := reg.GetSession(sess.ID()); ok {
		t.Fatal("destroyed session must not resolve")
	}
	if reg.DestroySession(sess.ID()) {
		t.Fatal("destroying twice must report failure")
	}
}

func TestRegistryTTLExpiry(t *testing.T) {
	reg := newTestRegistry(mcpd.WithSessionTTL(50 * time.Millisecond))

	stale := reg.CreateSession()
	fresh := reg.CreateSession()

	time.Sleep(80 * time.Millisecond)
	fresh.Touch()

	if n := reg.Cleanup(); n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}
	if _, ok := reg.GetSession(stale.ID()); ok {
		t.Error("stale session must be evicted")
	}
	if _, ok := reg.GetSession(fresh.ID()); !ok {
		t.Error("touched session must survive")
	}
}

func TestRegistrySweep(t *testing.T) {
	reg := newTestRegistry(
		mcpd.WithSessionTTL(30*time.Millisecond),
		mcpd.WithSweepInterval(20*time.Millisecond),
	)

	expired := make(chan mcpd.SessionEvent, 1)
	unsubscribe := reg.Subscribe(func(ev mcpd.SessionEvent) {
		if ev.Type == mcpd.SessionExpired {
			select {
			case expired <- ev:
			default:
			}
		}
	})
	defer unsubscribe()

	sess := reg.CreateSession()
	reg.StartSweep()
	defer reg.StopSweep()

	select {
	case ev := <-expired:
		if ev.Session.ID() != sess.ID() {
			t.Errorf("unexpected session in event: %s", ev.Session.ID())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for expiry")
	}
}

func TestRegistryObservers(t *testing.T) {
	reg := newTestRegistry()

	var events []mcpd.SessionEventType
	unsubscribe := reg.Subscribe(func(ev mcpd.SessionEvent) {
		events = append(events, ev.Type)
	})

	sess := reg.CreateSession()
	reg.DestroySession(sess.ID())

	if len(events) != 2 || events[0] != mcpd.SessionCreated || events[1] != mcpd.SessionDestroyed {
		t.Fatalf("unexpected event sequence: %v", events)
	}

	unsubscribe()
	reg.CreateSession()
	if len(events) != 2 {
		t.Error("unsubscribed observer must not be notified")
	}
}

func TestEphemeralSession(t *testing.T) {
	reg := newTestRegistry()

	sess := reg.NewEphemeralSession()
	if !sess.Ephemeral() {
		t.Error("expected an ephemeral session")
	}
	if _, ok := reg.GetSession(sess.ID()); ok {
		t.Error("ephemeral sessions must not be stored in the registry")
	}
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
}
