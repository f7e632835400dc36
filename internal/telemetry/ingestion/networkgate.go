package ingestion

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
)

// ErrOffline is the cause carried by the recoverable error reported for
// a send that was in flight when connectivity dropped.
var ErrOffline = errors.New("ingestion: device is offline")

// NetworkState reports device connectivity and notifies listeners of
// changes. AddListener returns a removal func; the listener fires on the
// notifier's goroutine whenever the online state flips.
type NetworkState interface {
	Online() bool
	AddListener(fn func(online bool)) (remove func())
}

// AlwaysOnline is the NetworkState used when the host provides no
// connectivity source, e.g. server-side or in tests.
type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool                         { return true }
func (AlwaysOnline) AddListener(func(online bool)) func() { return func() {} }

// ManualNetwork is a NetworkState driven explicitly by the host (or by
// tests) through SetOnline. It starts online.
type ManualNetwork struct {
	mu        sync.Mutex
	offline   bool
	listeners map[int]func(online bool)
	nextID    int
}

func NewManualNetwork() *ManualNetwork {
	return &ManualNetwork{listeners: make(map[int]func(online bool))}
}

func (m *ManualNetwork) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.offline
}

func (m *ManualNetwork) AddListener(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// SetOnline flips the connectivity state and notifies listeners of the
// transition. Setting the current state again is a no-op.
func (m *ManualNetwork) SetOnline(online bool) {
	m.mu.Lock()
	if m.offline == !online {
		m.mu.Unlock()
		return
	}
	m.offline = !online
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// ─── NetworkGate ──────────────────────────────────────────────────────────────

type deferredSend struct {
	appSecret string
	installID string
	logs      []*telemetry.Log
	callback  func(err error)
}

// NetworkGate defers sends while the device is offline and resumes them
// in submission order when connectivity returns. A send in flight when
// the device goes offline fails with a recoverable ErrOffline; the inner
// transport's eventual callback for it is suppressed so the caller still
// observes exactly one resolution.
type NetworkGate struct {
	next  Transport
	state NetworkState

	mu       sync.Mutex
	deferred []*deferredSend
	inFlight map[*inFlightSend]struct{}
	remove   func()
}

type inFlightSend struct {
	mu       sync.Mutex
	resolved bool
	callback func(err error)
}

// resolve invokes the callback at most once.
func (s *inFlightSend) resolve(err error) {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return
	}
	s.resolved = true
	s.mu.Unlock()
	s.callback(err)
}

// NewNetworkGate wraps next, gating sends on state. A nil state behaves
// as AlwaysOnline.
func NewNetworkGate(next Transport, state NetworkState) *NetworkGate {
	if state == nil {
		state = AlwaysOnline{}
	}
	g := &NetworkGate{
		next:     next,
		state:    state,
		inFlight: make(map[*inFlightSend]struct{}),
	}
	g.remove = state.AddListener(g.onNetworkChange)
	return g
}

// SetServerURL forwards to the wrapped transport.
func (g *NetworkGate) SetServerURL(url string) { g.next.SetServerURL(url) }

// Send passes the batch through when online, or queues it for replay on
// reconnect when offline.
func (g *NetworkGate) Send(appSecret, installID string, logs []*telemetry.Log, callback func(err error)) {
	g.mu.Lock()
	if !g.state.Online() {
		g.deferred = append(g.deferred, &deferredSend{
			appSecret: appSecret,
			installID: installID,
			logs:      logs,
			callback:  callback,
		})
		g.mu.Unlock()
		slog.Info("ingestion: offline, deferring send", "logs", len(logs))
		return
	}
	g.mu.Unlock()
	g.passThrough(appSecret, installID, logs, callback)
}

func (g *NetworkGate) passThrough(appSecret, installID string, logs []*telemetry.Log, callback func(err error)) {
	s := &inFlightSend{callback: callback}
	g.mu.Lock()
	g.inFlight[s] = struct{}{}
	g.mu.Unlock()

	g.next.Send(appSecret, installID, logs, func(err error) {
		g.mu.Lock()
		delete(g.inFlight, s)
		g.mu.Unlock()
		s.resolve(err)
	})
}

func (g *NetworkGate) onNetworkChange(online bool) {
	if online {
		g.mu.Lock()
		pending := g.deferred
		g.deferred = nil
		g.mu.Unlock()

		if len(pending) > 0 {
			slog.Info("ingestion: back online, resuming deferred sends", "count", len(pending))
		}
		for _, d := range pending {
			g.passThrough(d.appSecret, d.installID, d.logs, d.callback)
		}
		return
	}

	// Fail whatever is currently in flight with a recoverable error; the
	// inner callbacks, whenever they arrive, find the send resolved.
	g.mu.Lock()
	sends := make([]*inFlightSend, 0, len(g.inFlight))
	for s := range g.inFlight {
		sends = append(sends, s)
		delete(g.inFlight, s)
	}
	g.mu.Unlock()

	if len(sends) > 0 {
		slog.Warn("ingestion: went offline with sends in flight", "count", len(sends))
	}
	for _, s := range sends {
		s.resolve(telemetry.RecoverableTransportError(ErrOffline))
	}
}

// Close drops deferred sends and closes the wrapped transport. Deferred
// batches are abandoned without a callback, matching suspend semantics.
// The gate stays subscribed to the network state: the channel closes the
// transport on every suspend and keeps using it after resume. Detach
// releases the subscription for a full teardown.
func (g *NetworkGate) Close() error {
	g.mu.Lock()
	g.deferred = nil
	g.mu.Unlock()
	return g.next.Close()
}

// Detach unsubscribes from the network state. Call once when the gate is
// permanently discarded.
func (g *NetworkGate) Detach() { g.remove() }
