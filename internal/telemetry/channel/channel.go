// Package channel is the heart of the telemetry SDK: it accepts logs
// from feature modules, persists them through the async store facade,
// groups them into batches by per-group policy, and hands batches to the
// ingestion transport, reacting to success and failure.
//
// Concurrency model: every mutation of channel or group state happens
// inside one channel-wide lock. Disk and network work runs on the store
// worker and the transport's own goroutines; their completion callbacks
// re-acquire the lock before touching state. No public method blocks on
// store or network I/O except Shutdown, which waits for the store worker
// to drain. SetEnabled, when preferences are configured, writes the
// preference file before it returns.
package channel

import (
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/asyncstore"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/device"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/events"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/ingestion"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/metrics"
	"github.com/mobiletelemetry/ingestchannel/internal/telemetry/node"
)

// KeyEnabled is the preference key persisting the user-level enabled
// flag. It is read at construction and written through on SetEnabled.
const KeyEnabled = "allowedNetworkRequests"

// Config holds channel-wide tunables. Zero values are filled from
// DefaultConfig.
type Config struct {
	// AppSecret authenticates the application with the ingestion service.
	AppSecret string

	// InstallID is the per-install identity attached to every batch and
	// to logs that carry none.
	InstallID string

	// MaxEnqueueRate throttles Enqueue per group, in logs per second.
	// 0 disables throttling. Logs over the rate are dropped with a
	// warning, never queued.
	MaxEnqueueRate float64

	// EnqueueBurst is the token-bucket burst for MaxEnqueueRate.
	// Defaults to MaxEnqueueRate when zero.
	EnqueueBurst int

	// SuspendDrainChunk is how many rows each discard-drain iteration
	// removes.
	SuspendDrainChunk int

	// ShutdownTimeout bounds how long Shutdown waits for the store
	// worker to drain.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns production-safe channel defaults.
func DefaultConfig() Config {
	return Config{
		SuspendDrainChunk: 100,
		ShutdownTimeout:   5 * time.Second,
	}
}

// Option configures optional collaborators on New.
type Option func(*Channel)

// WithPreferences persists the enabled flag through prefs.
func WithPreferences(prefs *node.Preferences) Option {
	return func(c *Channel) { c.prefs = prefs }
}

// WithDeviceCollector replaces the default runtime-backed snapshot
// collector.
func WithDeviceCollector(col device.Collector) Option {
	return func(c *Channel) { c.collector = col }
}

// WithEvents publishes lifecycle events to bus.
func WithEvents(bus *events.Bus) Option {
	return func(c *Channel) { c.bus = bus }
}

// WithMetrics counts channel activity in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(c *Channel) { c.metrics = reg }
}

// Channel owns all groups and drives the persist→batch→send pipeline.
type Channel struct {
	cfg       Config
	facade    *asyncstore.Facade
	transport ingestion.Transport
	collector device.Collector
	prefs     *node.Preferences
	bus       *events.Bus
	metrics   *metrics.Registry

	mu        sync.Mutex
	enabled   bool
	discard   bool
	device    *telemetry.Device
	groups    map[string]*group
	listeners []telemetry.Listener
}

// New builds a Channel over the store facade and transport. The enabled
// flag is read from preferences (default true), and any batch claims
// left over from a prior process are released so their rows become
// eligible again.
func New(cfg Config, facade *asyncstore.Facade, transport ingestion.Transport, opts ...Option) *Channel {
	def := DefaultConfig()
	if cfg.SuspendDrainChunk <= 0 {
		cfg.SuspendDrainChunk = def.SuspendDrainChunk
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	c := &Channel{
		cfg:       cfg,
		facade:    facade,
		transport: transport,
		collector: device.RuntimeCollector{},
		groups:    make(map[string]*group),
	}
	for _, o := range opts {
		o(c)
	}

	c.enabled = true
	if c.prefs != nil {
		c.enabled = c.prefs.GetBool(KeyEnabled, true)
	}

	// Rows claimed by a prior process become eligible again.
	facade.ClearPendingState(nil)

	slog.Info("channel created", "enabled", c.enabled)
	return c
}

// ─── Group lifecycle ──────────────────────────────────────────────────────────

// AddGroup registers a batching lane. Duplicate registration overwrites
// the previous group (its timer is cancelled; its in-flight batches are
// abandoned). The store is asked for the group's persisted backlog, and
// scheduling starts once the count arrives.
func (c *Channel) AddGroup(name string, maxLogsPerBatch int, batchInterval time.Duration, maxParallelBatches int, listener telemetry.GroupListener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.groups[name]; ok {
		old.cancelTimer()
		slog.Warn("channel: group re-registered, overwriting", "group", name)
	}
	g := newGroup(name, maxLogsPerBatch, batchInterval, maxParallelBatches, listener,
		c.cfg.MaxEnqueueRate, c.cfg.EnqueueBurst)
	c.groups[name] = g

	slog.Info("channel: group added",
		"group", name,
		"max_logs_per_batch", g.maxLogsPerBatch,
		"batch_interval", g.batchInterval,
		"max_parallel_batches", g.maxParallelBatches,
	)
	c.refreshPendingCountLocked(name)
}

// RemoveGroup cancels the group's timer and drops it. In-flight batches
// are abandoned: their eventual transport callbacks find no group and
// return silently. Their rows stay claimed until the next process
// releases them at startup.
func (c *Channel) RemoveGroup(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[name]
	if !ok {
		return
	}
	g.cancelTimer()
	delete(c.groups, name)
	slog.Info("channel: group removed", "group", name, "abandoned_batches", len(g.inFlight))
}

// Clear deletes every persisted row for the group. In-flight batches are
// unaffected; their resolutions find nothing left to delete.
func (c *Channel) Clear(name string) {
	c.facade.DeleteGroup(name, func(err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			slog.Warn("channel: clear failed", "group", name, "err", err)
			return
		}
		if g, ok := c.groups[name]; ok {
			g.pendingCount = 0
			g.cancelTimer()
		}
	})
}

// refreshPendingCountLocked asks the store worker for the group's true
// row count and re-evaluates scheduling when it arrives.
func (c *Channel) refreshPendingCountLocked(name string) {
	c.facade.Count(name, func(n int) {
		c.mu.Lock()
		defer c.mu.Unlock()
		g, ok := c.groups[name]
		if !ok {
			return
		}
		g.pendingCount = n
		if c.enabled {
			c.checkPendingLogsLocked(g)
		}
	})
}

// ─── Enqueue ──────────────────────────────────────────────────────────────────

// Enqueue accepts one log for the named group. From the producer's view
// the channel is a fire-and-forget sink: every failure past this point
// is logged, and surfaced to the group listener only when the log is
// definitively lost.
func (c *Channel) Enqueue(log *telemetry.Log, groupName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[groupName]
	if !ok {
		slog.Warn("channel: enqueue to unknown group", "group", groupName)
		return
	}

	if c.discard {
		if g.listener != nil {
			g.listener.OnBeforeSending(log)
			g.listener.OnFailure(log, telemetry.Cancelled())
		}
		return
	}

	if g.limiter != nil && !g.limiter.Allow() {
		slog.Warn("channel: enqueue rate exceeded, dropping log", "group", groupName)
		c.metrics.IncDropped(groupName)
		c.bus.Publish(events.Event{Type: events.TypeDropped, Group: groupName, Count: 1, Detail: "rate_limited"})
		return
	}

	for _, l := range c.listeners {
		l.OnEnqueuingLog(log, groupName)
	}

	if log.Device == nil {
		if c.device == nil {
			snapshot, err := c.collector.Collect()
			if err != nil {
				slog.Warn("channel: device snapshot failed, dropping log",
					"group", groupName, "err", telemetry.DeviceInfoError(err))
				c.metrics.IncDropped(groupName)
				return
			}
			c.device = snapshot
		}
		log.Device = c.device
	}
	if log.TimestampMs == 0 {
		log.TimestampMs = time.Now().UnixMilli()
	}
	if log.InstallID == "" {
		log.InstallID = c.cfg.InstallID
	}
	c.metrics.IncEnqueued(groupName)

	c.facade.Put(groupName, log, func(err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			slog.Warn("channel: persist failed, dropping log",
				"group", groupName, "err", telemetry.StoreError(err))
			c.metrics.IncDropped(groupName)
			return
		}
		g, ok := c.groups[groupName]
		if !ok {
			return
		}
		g.pendingCount++
		c.metrics.IncPersisted(groupName)
		c.bus.Publish(events.Event{Type: events.TypeEnqueued, Group: groupName, Count: 1})
		if !c.enabled {
			slog.Debug("channel: disabled, log persisted for later", "group", groupName)
			return
		}
		c.checkPendingLogsLocked(g)
	})
}

// ─── Scheduling ───────────────────────────────────────────────────────────────

// checkPendingLogsLocked decides whether the group's backlog warrants an
// immediate flush, an armed timer, or nothing.
func (c *Channel) checkPendingLogsLocked(g *group) {
	switch {
	case g.pendingCount >= g.maxLogsPerBatch:
		g.cancelTimer()
		c.triggerIngestionLocked(g)
	case g.pendingCount > 0 && !g.timerArmed:
		g.timerArmed = true
		name := g.name
		g.timer = time.AfterFunc(g.batchInterval, func() { c.onTimer(name) })
	}
}

// onTimer runs on the timer goroutine when a group's flush interval
// elapses.
func (c *Channel) onTimer(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[name]
	if !ok {
		return
	}
	g.timerArmed = false
	g.timer = nil
	c.triggerIngestionLocked(g)
}

// triggerIngestionLocked claims the next batch from the store and hands
// it to the transport, unless the channel is suspended or the group has
// no free parallel-batch slot.
func (c *Channel) triggerIngestionLocked(g *group) {
	if !c.enabled {
		return
	}
	g.cancelTimer()
	if g.slotsBusy() >= g.maxParallelBatches {
		return
	}
	g.reserved++
	name := g.name

	c.facade.GetLogs(name, g.maxLogsPerBatch, func(batchID string, logs []*telemetry.Log, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		g, ok := c.groups[name]
		if !ok {
			// Group removed while the read was queued. The claim stays
			// open until the next startup release.
			return
		}
		g.reserved--
		if err != nil {
			slog.Warn("channel: batch read failed", "group", name, "err", err)
			return
		}
		if batchID == "" {
			return
		}
		if !c.enabled {
			// Suspended between submission and completion; the suspend
			// already queued a claim release (in discard mode: the
			// group's drain and delete) behind this read.
			return
		}

		if g.listener != nil {
			for _, l := range logs {
				g.listener.OnBeforeSending(l)
			}
		}
		g.pendingCount -= len(logs)
		if g.pendingCount < 0 {
			g.pendingCount = 0
		}
		g.inFlight[batchID] = logs
		c.metrics.IncBatches(name)
		slog.Debug("channel: batch sending", "group", name, "batch_id", batchID, "logs", len(logs))

		c.transport.Send(c.cfg.AppSecret, c.cfg.InstallID, logs, func(sendErr error) {
			// Dispatch on a fresh goroutine: the transport may complete
			// synchronously and the handlers re-acquire the channel lock.
			go func() {
				if sendErr == nil {
					c.handleSuccess(name, batchID)
				} else {
					c.handleFailure(name, batchID, sendErr)
				}
			}()
		})

		// Start a concurrent batch if both backlog and slots allow.
		c.checkPendingLogsLocked(g)
	})
}

// ─── Batch resolution ─────────────────────────────────────────────────────────

func (c *Channel) handleSuccess(name, batchID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[name]
	if !ok {
		return
	}
	logs, ok := g.inFlight[batchID]
	if !ok {
		// Resolved already, or the batch was dropped by a suspend.
		return
	}
	delete(g.inFlight, batchID)

	c.facade.DeleteBatch(name, batchID, nil)
	if g.listener != nil {
		for _, l := range logs {
			g.listener.OnSuccess(l)
		}
	}
	c.metrics.AddLogsSent(name, int64(len(logs)))
	c.metrics.IncSendOutcome("ok")
	c.bus.Publish(events.Event{Type: events.TypeBatchSent, Group: name, BatchID: batchID, Count: len(logs)})

	c.checkPendingLogsLocked(g)
}

func (c *Channel) handleFailure(name, batchID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[name]
	if !ok {
		return
	}
	logs, ok := g.inFlight[batchID]
	if !ok {
		return
	}
	delete(g.inFlight, batchID)
	c.metrics.IncSendOutcome(outcomeLabel(err))
	c.bus.Publish(events.Event{Type: events.TypeBatchFailed, Group: name, BatchID: batchID, Count: len(logs), Detail: err.Error()})

	if recoverable(err) {
		slog.Warn("channel: recoverable send failure, suspending with retained logs",
			"group", name, "batch_id", batchID, "err", err)
		g.pendingCount += len(logs)
		c.suspendLocked(false, err)
		return
	}

	slog.Error("channel: fatal send failure, suspending and discarding logs",
		"group", name, "batch_id", batchID, "err", err)
	if g.listener != nil {
		for _, l := range logs {
			g.listener.OnFailure(l, err)
		}
	}
	c.metrics.AddLogsFailed(name, int64(len(logs)))
	c.suspendLocked(true, err)
}

// recoverable reports whether err warrants retaining the batch.
func recoverable(err error) bool {
	var terr *telemetry.Error
	return errors.As(err, &terr) && terr.Recoverable()
}

// outcomeLabel maps a send error onto a metrics label.
func outcomeLabel(err error) string {
	var he *ingestion.HTTPError
	if errors.As(err, &he) {
		return strconv.Itoa(he.StatusCode)
	}
	return "network_error"
}

// ─── Enable / disable / suspend ───────────────────────────────────────────────

// IsEnabled reports whether the channel is currently accepting and
// sending logs. A channel suspended by a transport failure reports
// false even though the persisted preference still says true.
func (c *Channel) IsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetEnabled flips the channel state. The persisted preference is
// written through before the in-memory state changes, so it is the
// source of truth from the instant this returns. Enabling a suspended
// channel re-counts every group's backlog and resumes flushing;
// disabling suspends with logs retained. Both directions are idempotent.
func (c *Channel) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.prefs != nil {
		if err := c.prefs.SetBool(KeyEnabled, enabled); err != nil {
			slog.Warn("channel: persist enabled flag failed", "err", err)
		}
	}

	if enabled {
		if c.enabled {
			return
		}
		c.enabled = true
		c.discard = false
		slog.Info("channel: resumed")
		c.bus.Publish(events.Event{Type: events.TypeResumed})
		for name := range c.groups {
			c.refreshPendingCountLocked(name)
		}
		return
	}

	if !c.enabled {
		return
	}
	c.suspendLocked(false, telemetry.Cancelled())
}

// suspendLocked disables the channel. With deleteLogs the channel enters
// discard mode and erases every group's backlog, reporting each row to
// its listener as cancelled; without it, rows stay persisted and claims
// are released so a later resume re-sends everything.
func (c *Channel) suspendLocked(deleteLogs bool, cause error) {
	c.enabled = false
	c.discard = deleteLogs

	for _, g := range c.groups {
		g.cancelTimer()
		for batchID, logs := range g.inFlight {
			delete(g.inFlight, batchID)
			if deleteLogs && g.listener != nil {
				for _, l := range logs {
					g.listener.OnFailure(l, cause)
				}
			}
		}
	}

	_ = c.transport.Close()

	if deleteLogs {
		for name, g := range c.groups {
			g.pendingCount = 0
			c.drainGroupLocked(name)
		}
	} else {
		c.facade.ClearPendingState(nil)
	}

	slog.Warn("channel: suspended", "discard", deleteLogs, "cause", cause)
	c.bus.Publish(events.Event{Type: events.TypeSuspended, Detail: cause.Error()})
}

// drainGroupLocked erases the group's rows in fixed-size chunks on the
// store worker, reporting each row to the listener, then removes
// whatever remains once a short chunk signals the end.
func (c *Channel) drainGroupLocked(name string) {
	chunk := c.cfg.SuspendDrainChunk
	var step func()
	step = func() {
		c.facade.DrainChunk(name, chunk, func(logs []*telemetry.Log, err error) {
			if err != nil {
				slog.Warn("channel: discard drain failed", "group", name, "err", err)
				return
			}

			c.mu.Lock()
			var listener telemetry.GroupListener
			if g, ok := c.groups[name]; ok {
				listener = g.listener
			}
			if listener != nil {
				for _, l := range logs {
					listener.OnBeforeSending(l)
					listener.OnFailure(l, telemetry.Cancelled())
				}
			}
			c.mu.Unlock()

			if len(logs) == chunk {
				step()
				return
			}
			c.facade.DeleteGroup(name, nil)
		})
	}
	step()
}

// ─── Remaining façade operations ──────────────────────────────────────────────

// SetServerURL overrides the ingestion endpoint for subsequent sends.
func (c *Channel) SetServerURL(url string) {
	c.transport.SetServerURL(url)
	slog.Info("channel: server url overridden", "url", url)
}

// InvalidateDeviceCache drops the cached device snapshot; the next
// enqueue rebuilds it. Logs already carrying the old snapshot keep it.
func (c *Channel) InvalidateDeviceCache() {
	c.mu.Lock()
	c.device = nil
	c.mu.Unlock()
}

// AddListener registers a global enqueue observer.
func (c *Channel) AddListener(l telemetry.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// RemoveListener removes a previously added observer. Unknown listeners
// are ignored.
func (c *Channel) RemoveListener(l telemetry.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.listeners {
		if cur == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Shutdown suspends the channel with logs retained and blocks until the
// store worker has drained or the shutdown timeout elapses. Rows still
// persisted are picked up by the next process.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	c.suspendLocked(false, telemetry.Cancelled())
	c.mu.Unlock()

	if !c.facade.WaitForCurrentTasks(c.cfg.ShutdownTimeout) {
		slog.Warn("channel: shutdown drain timed out", "timeout", c.cfg.ShutdownTimeout)
	}
	slog.Info("channel: shut down")
}

// ─── Introspection ────────────────────────────────────────────────────────────

// Snapshot is a point-in-time copy of channel state for the operations
// surface.
type Snapshot struct {
	Enabled     bool            `json:"enabled"`
	DiscardMode bool            `json:"discard_mode"`
	Groups      []GroupSnapshot `json:"groups"`
}

// Snapshot returns the current channel state. Groups are ordered by
// name.
func (c *Channel) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{Enabled: c.enabled, DiscardMode: c.discard}
	for _, g := range c.groups {
		s.Groups = append(s.Groups, g.snapshot())
	}
	sort.Slice(s.Groups, func(i, j int) bool { return s.Groups[i].Name < s.Groups[j].Name })
	return s
}
