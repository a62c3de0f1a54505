package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "parley/contracts/realtime/v1"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// relayFixture wires a relay over an in-memory store and a local registry.
type relayFixture struct {
	clock     *fakeClock
	store     *InMemoryStore
	registry  *Registry
	relay     *MessageRelay
	signaling *SignalingRelay
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()

	clock := newFakeClock(t0)
	store := NewInMemoryStore(WithMemoryClock(clock.Now))
	registry := NewRegistry(discardLogger(), nil)
	deliver := NewLocalDeliverer(registry, nil)

	relay, err := NewMessageRelay(discardLogger(), store, deliver, nil, WithRelayClock(clock.Now))
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	return &relayFixture{
		clock:     clock,
		store:     store,
		registry:  registry,
		relay:     relay,
		signaling: NewSignalingRelay(discardLogger(), deliver, nil),
	}
}

// online binds a fresh connection for userID.
func (f *relayFixture) online(userID string) *Conn {
	c := NewConn(minSendQueue)
	f.registry.Bind(userID, c)
	return c
}

func (f *relayFixture) sessionDeps() SessionDeps {
	return SessionDeps{
		Log:                discardLogger(),
		Registry:           f.registry,
		Relay:              f.relay,
		Signaling:          f.signaling,
		CloseStaleOnRebind: true,
	}
}

// drain returns every envelope currently queued on c.
func drain(c *Conn) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func envelopesOfType(envs []v1.Envelope, typ string) []v1.Envelope {
	var out []v1.Envelope
	for _, e := range envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func mustDecode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	return v
}

func clientEnvelope(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	return v1.Envelope{V: v1.Version, Type: typ, ID: "c-" + typ, Payload: mustJSONRaw(t, payload)}
}

// recordingDeliverer captures deliveries, for tests that do not care about connections.
type recordingDeliverer struct {
	mu     sync.Mutex
	online map[string]bool
	got    map[string][]v1.Envelope
}

func newRecordingDeliverer(online ...string) *recordingDeliverer {
	d := &recordingDeliverer{online: map[string]bool{}, got: map[string][]v1.Envelope{}}
	for _, u := range online {
		d.online[u] = true
	}
	return d
}

func (d *recordingDeliverer) Deliver(_ context.Context, userID string, env v1.Envelope) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.online[userID] {
		return false
	}
	d.got[userID] = append(d.got[userID], env)
	return true
}

func (d *recordingDeliverer) received(userID string) []v1.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]v1.Envelope(nil), d.got[userID]...)
}
