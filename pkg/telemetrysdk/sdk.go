// Package telemetrysdk is the public façade of the telemetry SDK,
// consumed by feature modules (crash reporting, analytics, …).
//
// # Quick start
//
//	sdk, err := telemetrysdk.Configure("app-secret",
//	    telemetrysdk.WithDataDir("/var/lib/myapp/telemetry"),
//	    telemetrysdk.WithServerURL("https://in.telemetry.example.com"))
//	defer sdk.Shutdown()
//
//	sdk.Register(analyticsModule)
//	sdk.Enqueue(&telemetry.Log{Type: "event", Payload: ev}, "analytics")
//
// Configure builds the whole pipeline: durable log store, single-worker
// store facade, HTTP transport wrapped with retry and network gating,
// and the channel that ties them together. It is process-wide: a second
// Configure call fails until Unset releases the first instance.
//
// # Feature modules
//
// A feature module owns one group. It declares the group's batching
// policy and optionally a listener, and the SDK registers the group on
// its behalf:
//
//	type Module interface {
//	    GroupName() string
//	    BatchPolicy() (maxLogsPerBatch int, batchInterval time.Duration, maxParallelBatches int)
//	    GroupListener() telemetry.GroupListener // may return nil
//	}
package telemetrysdk

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/asyncstore"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/channel"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/events"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/ingestion"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/metrics"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/node"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/store"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/store/local"
)

// DefaultServerURL is the ingestion endpoint used when no override is
// configured.
const DefaultServerURL = "https://in.telemetry.example.com"

// Module is implemented by feature modules that own a log group.
type Module interface {
	// GroupName names the module's group. Must be unique per module.
	GroupName() string
	// BatchPolicy returns the group's batching parameters.
	BatchPolicy() (maxLogsPerBatch int, batchInterval time.Duration, maxParallelBatches int)
	// GroupListener returns the module's listener, or nil.
	GroupListener() telemetry.GroupListener
}

// ─── Options ──────────────────────────────────────────────────────────────────

// Option configures the SDK at Configure time.
type Option func(*settings)

type settings struct {
	dataDir     string
	serverURL   string
	httpClient  *http.Client
	network     ingestion.NetworkState
	retryDelays []time.Duration
	bus         *events.Bus
	metrics     *metrics.Registry
	rate        float64
	burst       int
}

// WithDataDir sets the directory holding the log store, install id, and
// preferences. Default "./telemetry-data".
func WithDataDir(dir string) Option {
	return func(s *settings) { s.dataDir = dir }
}

// WithServerURL overrides the default ingestion endpoint.
func WithServerURL(url string) Option {
	return func(s *settings) { s.serverURL = url }
}

// WithHTTPClient replaces the transport's default http.Client. Use this
// to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *settings) { s.httpClient = hc }
}

// WithNetworkState supplies device connectivity to the transport's
// network gate. Default: always online.
func WithNetworkState(ns ingestion.NetworkState) Option {
	return func(s *settings) { s.network = ns }
}

// WithRetryDelays overrides the transport retry schedule.
func WithRetryDelays(delays []time.Duration) Option {
	return func(s *settings) { s.retryDelays = delays }
}

// WithEvents publishes channel lifecycle events to bus.
func WithEvents(bus *events.Bus) Option {
	return func(s *settings) { s.bus = bus }
}

// WithMetrics counts channel activity in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(s *settings) { s.metrics = reg }
}

// WithEnqueueRate throttles Enqueue per group (logs per second, with
// burst). Zero rate disables throttling.
func WithEnqueueRate(perSecond float64, burst int) Option {
	return func(s *settings) { s.rate = perSecond; s.burst = burst }
}

// ─── SDK ──────────────────────────────────────────────────────────────────────

// SDK owns the configured pipeline. All methods are safe for concurrent
// use; they delegate to the channel, which serializes state changes
// internally.
type SDK struct {
	ch       *channel.Channel
	facade   *asyncstore.Facade
	identity *node.Identity

	mu       sync.Mutex
	shutdown bool
}

var (
	defaultMu  sync.Mutex
	defaultSDK *SDK
)

// Configure builds the SDK and installs it as the process-wide default.
// It fails if an SDK is already configured; call Unset first (tests do).
func Configure(appSecret string, opts ...Option) (*SDK, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSDK != nil {
		return nil, errors.New("telemetrysdk: already configured, call Unset first")
	}

	s := settings{
		dataDir:   "./telemetry-data",
		serverURL: DefaultServerURL,
	}
	for _, o := range opts {
		o(&s)
	}

	identity, err := node.Load(s.dataDir, "auto")
	if err != nil {
		return nil, fmt.Errorf("telemetrysdk: identity: %w", err)
	}
	prefs, err := node.OpenPreferences(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("telemetrysdk: preferences: %w", err)
	}

	eng, err := local.Open(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("telemetrysdk: storage: %w", err)
	}
	logs, err := store.Open(eng)
	if err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("telemetrysdk: log store: %w", err)
	}
	facade := asyncstore.New(logs)

	var transport ingestion.Transport = ingestion.NewHTTPTransport(s.serverURL, s.httpClient)
	transport = ingestion.NewRetryer(transport, s.retryDelays)
	transport = ingestion.NewNetworkGate(transport, s.network)

	cfg := channel.DefaultConfig()
	cfg.AppSecret = appSecret
	cfg.InstallID = identity.ID().String()
	cfg.MaxEnqueueRate = s.rate
	cfg.EnqueueBurst = s.burst

	ch := channel.New(cfg, facade, transport,
		channel.WithPreferences(prefs),
		channel.WithEvents(s.bus),
		channel.WithMetrics(s.metrics),
	)

	sdk := &SDK{ch: ch, facade: facade, identity: identity}
	defaultSDK = sdk
	return sdk, nil
}

// Default returns the process-wide SDK, or nil before Configure.
func Default() *SDK {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultSDK
}

// Unset shuts the default SDK down and releases the slot so Configure
// can run again. For tests and controlled teardown.
func Unset() {
	defaultMu.Lock()
	sdk := defaultSDK
	defaultSDK = nil
	defaultMu.Unlock()
	if sdk != nil {
		sdk.Shutdown()
	}
}

// Register adds the module's group to the channel. Modules register
// once, after Configure; re-registering overwrites the group.
func (s *SDK) Register(m Module) {
	maxLogs, interval, parallel := m.BatchPolicy()
	s.ch.AddGroup(m.GroupName(), maxLogs, interval, parallel, m.GroupListener())
}

// Deregister removes the module's group. In-flight batches are
// abandoned.
func (s *SDK) Deregister(m Module) {
	s.ch.RemoveGroup(m.GroupName())
}

// Enqueue submits one log under group. Fire-and-forget: errors past
// this point are logged, and reported to the module's listener only
// when the log is definitively lost.
func (s *SDK) Enqueue(log *telemetry.Log, group string) {
	s.ch.Enqueue(log, group)
}

// Clear erases the group's persisted backlog.
func (s *SDK) Clear(group string) { s.ch.Clear(group) }

// SetEnabled flips the SDK-wide enabled flag, persisted across
// restarts.
func (s *SDK) SetEnabled(enabled bool) { s.ch.SetEnabled(enabled) }

// IsEnabled reports whether the channel is accepting and sending logs.
func (s *SDK) IsEnabled() bool { return s.ch.IsEnabled() }

// SetServerURL overrides the ingestion endpoint for subsequent sends.
func (s *SDK) SetServerURL(url string) { s.ch.SetServerURL(url) }

// InvalidateDeviceCache forces the next enqueue to rebuild the device
// snapshot.
func (s *SDK) InvalidateDeviceCache() { s.ch.InvalidateDeviceCache() }

// AddListener registers a global enqueue observer.
func (s *SDK) AddListener(l telemetry.Listener) { s.ch.AddListener(l) }

// RemoveListener removes a global enqueue observer.
func (s *SDK) RemoveListener(l telemetry.Listener) { s.ch.RemoveListener(l) }

// InstallID returns the stable per-install identity.
func (s *SDK) InstallID() string { return s.identity.ID().String() }

// Channel exposes the underlying channel for the operations surface.
func (s *SDK) Channel() *channel.Channel { return s.ch }

// Shutdown suspends the channel with logs retained, waits for the store
// worker to drain (bounded), and closes the store. Idempotent.
func (s *SDK) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.mu.Unlock()

	s.ch.Shutdown()
	_ = s.facade.Close()
}
