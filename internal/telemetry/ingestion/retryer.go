package ingestion

import (
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mobiletelemetry/ingestchannel/internal/telemetry"
)

// DefaultRetryDelays is the backoff schedule applied between successive
// retry attempts of one batch. Each sleep is jittered to half-to-full of
// the listed value so a fleet of devices does not retry in lockstep.
var DefaultRetryDelays = []time.Duration{
	10 * time.Second,
	5 * time.Minute,
	20 * time.Minute,
}

// Retryer decorates a Transport with retry-on-recoverable-failure. Fatal
// failures and exhausted schedules surface to the caller; the caller's
// callback fires at most once either way.
type Retryer struct {
	next   Transport
	delays []time.Duration

	mu     sync.Mutex
	timers map[*time.Timer]struct{}

	randMu sync.Mutex
	jitter *rand.Rand
}

// NewRetryer wraps next. A nil or empty delays slice uses
// DefaultRetryDelays.
func NewRetryer(next Transport, delays []time.Duration) *Retryer {
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	return &Retryer{
		next:   next,
		delays: delays,
		timers: make(map[*time.Timer]struct{}),
		jitter: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetServerURL forwards to the wrapped transport.
func (r *Retryer) SetServerURL(url string) { r.next.SetServerURL(url) }

// Send transmits the batch, retrying recoverable failures per the delay
// schedule before giving up.
func (r *Retryer) Send(appSecret, installID string, logs []*telemetry.Log, callback func(err error)) {
	r.attempt(appSecret, installID, logs, callback, 0)
}

func (r *Retryer) attempt(appSecret, installID string, logs []*telemetry.Log, callback func(err error), n int) {
	r.next.Send(appSecret, installID, logs, func(err error) {
		var terr *telemetry.Error
		if err == nil || !errors.As(err, &terr) || !terr.Recoverable() || n >= len(r.delays) {
			callback(err)
			return
		}

		delay := r.jittered(r.delays[n])
		slog.Info("ingestion: recoverable failure, scheduling retry",
			"attempt", n+1, "max", len(r.delays), "delay", delay, "err", err)

		r.mu.Lock()
		var t *time.Timer
		t = time.AfterFunc(delay, func() {
			r.mu.Lock()
			_, live := r.timers[t]
			delete(r.timers, t)
			r.mu.Unlock()
			if !live {
				// Close raced the timer fire; the pending send is
				// abandoned without a callback, as Close documents.
				return
			}
			r.attempt(appSecret, installID, logs, callback, n+1)
		})
		r.timers[t] = struct{}{}
		r.mu.Unlock()
	})
}

// jittered returns a random duration in [d/2, d).
func (r *Retryer) jittered(d time.Duration) time.Duration {
	r.randMu.Lock()
	f := r.jitter.Float64()
	r.randMu.Unlock()
	half := d / 2
	return half + time.Duration(f*float64(half))
}

// Close cancels every pending retry timer and closes the wrapped
// transport. Batches waiting on a retry are abandoned without a further
// callback — the channel has already reclassified them during suspend.
// The retryer stays usable for sends submitted after a later resume.
func (r *Retryer) Close() error {
	r.mu.Lock()
	for t := range r.timers {
		t.Stop()
		delete(r.timers, t)
	}
	r.mu.Unlock()
	return r.next.Close()
}
