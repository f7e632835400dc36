package channel

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
)

// group is the per-group state owned by the Channel. Every field is
// guarded by the channel lock; the store and transport never see it.
type group struct {
	name               string
	maxLogsPerBatch    int
	batchInterval      time.Duration
	maxParallelBatches int
	listener           telemetry.GroupListener

	// pendingCount is the number of logs persisted for this group but not
	// yet claimed by any in-flight batch.
	pendingCount int

	// inFlight maps batch_id → the ordered logs handed to the transport
	// and not yet resolved.
	inFlight map[string][]*telemetry.Log

	// reserved counts GetLogs requests submitted to the store worker whose
	// callbacks have not yet run. It holds a parallel-batch slot so the
	// maxParallelBatches bound is never exceeded, even transiently.
	reserved int

	timer      *time.Timer
	timerArmed bool

	// limiter throttles Enqueue when the channel is configured with a
	// per-group rate. Nil means unlimited.
	limiter *rate.Limiter
}

func newGroup(name string, maxLogs int, interval time.Duration, parallel int, listener telemetry.GroupListener, maxRate float64, burst int) *group {
	if maxLogs < 1 {
		maxLogs = 1
	}
	if parallel < 1 {
		parallel = 1
	}
	g := &group{
		name:               name,
		maxLogsPerBatch:    maxLogs,
		batchInterval:      interval,
		maxParallelBatches: parallel,
		listener:           listener,
		inFlight:           make(map[string][]*telemetry.Log),
	}
	if maxRate > 0 {
		if burst <= 0 {
			burst = int(maxRate)
			if burst < 1 {
				burst = 1
			}
		}
		g.limiter = rate.NewLimiter(rate.Limit(maxRate), burst)
	}
	return g
}

// cancelTimer stops and clears any armed flush timer.
func (g *group) cancelTimer() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.timerArmed = false
}

// slotsBusy reports how many parallel-batch slots are taken, counting
// both resolved-pending store reads and transport-held batches.
func (g *group) slotsBusy() int {
	return len(g.inFlight) + g.reserved
}

// GroupSnapshot is a point-in-time copy of one group's state, exposed
// for the operations surface.
type GroupSnapshot struct {
	Name               string `json:"name"`
	PendingCount       int    `json:"pending_count"`
	InFlightBatches    int    `json:"in_flight_batches"`
	MaxLogsPerBatch    int    `json:"max_logs_per_batch"`
	MaxParallelBatches int    `json:"max_parallel_batches"`
	BatchIntervalMs    int64  `json:"batch_interval_ms"`
	TimerArmed         bool   `json:"timer_armed"`
}

func (g *group) snapshot() GroupSnapshot {
	return GroupSnapshot{
		Name:               g.name,
		PendingCount:       g.pendingCount,
		InFlightBatches:    len(g.inFlight),
		MaxLogsPerBatch:    g.maxLogsPerBatch,
		MaxParallelBatches: g.maxParallelBatches,
		BatchIntervalMs:    g.batchInterval.Milliseconds(),
		TimerArmed:         g.timerArmed,
	}
}
