package sqsio

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

type expiryTracker struct {
	clock  clock.Clock
	lead   time.Duration
	onFire func(*Message)
	gauge  prometheus.Gauge

	mu     sync.Mutex
	timers map[*Message]*expiry
}

type expiry struct {
	timer *clock.Timer
}

func newExpiryTracker(c clock.Clock, lead time.Duration, gauge prometheus.Gauge, onFire func(*Message)) *expiryTracker {
	return &expiryTracker{
		clock:  c,
		lead:   lead,
		onFire: onFire,
		gauge:  gauge,
		timers: make(map[*Message]*expiry),
	}
}

// expiryDelay returns how long after the visibility window opens the
// expiring notification fires. Windows no longer than the lead fire half way.
func expiryDelay(visibility, lead time.Duration) time.Duration {
	d := visibility - lead
	if d <= 0 {
		d = visibility / 2
	}
	return d
}

// arm (re)starts the expiry timer of m for a visibility window starting now.
func (t *expiryTracker) arm(m *Message, visibility time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.timers[m]; ok {
		old.timer.Stop()
	}
	e := &expiry{}
	t.timers[m] = e
	// The callback takes t.mu, so it cannot observe e before timer is set.
	e.timer = t.clock.AfterFunc(expiryDelay(visibility, t.lead), func() { t.fire(m, e) })
	t.gauge.Set(float64(len(t.timers)))
}

func (t *expiryTracker) cancel(m *Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.timers[m]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.timers, m)
	t.gauge.Set(float64(len(t.timers)))
	return true
}

func (t *expiryTracker) fire(m *Message, e *expiry) {
	t.mu.Lock()
	if t.timers[m] != e {
		// Acked or re-armed after this timer was already running.
		t.mu.Unlock()
		return
	}
	delete(t.timers, m)
	t.gauge.Set(float64(len(t.timers)))
	t.mu.Unlock()

	t.onFire(m)
}

func (t *expiryTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
