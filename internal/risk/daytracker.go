package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oakrand/tradecore/internal/observ"
)

// DayTracker tracks the daily-loss circuit breaker. It captures NAV at the
// first observation of each UTC day and latches "breached" once cumulative
// loss reaches the configured percentage. The latch holds for the rest of
// the day: BUY candidates are rejected while SELLs stay allowed so the book
// can still be de-risked.
type DayTracker struct {
	mu          sync.Mutex
	maxLossPct  float64
	day         string // YYYY-MM-DD, UTC
	startNAV    decimal.Decimal
	breached    bool
	lastLossPct float64
}

// NewDayTracker returns a tracker enforcing the given daily loss percentage.
func NewDayTracker(maxLossPct float64) *DayTracker {
	return &DayTracker{maxLossPct: maxLossPct}
}

// Observe records the current NAV, rolling to a new day when the UTC date
// changes and updating the breach latch. Returns whether the breaker is
// currently tripped.
func (t *DayTracker) Observe(nav decimal.Decimal, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	today := now.UTC().Format("2006-01-02")
	if t.day != today {
		t.day = today
		t.startNAV = nav
		t.breached = false
		t.lastLossPct = 0
	}

	if t.startNAV.Sign() > 0 {
		loss := t.startNAV.Sub(nav).Div(t.startNAV).Mul(decimal.NewFromInt(100))
		t.lastLossPct, _ = loss.Float64()
		if t.lastLossPct >= t.maxLossPct {
			if !t.breached {
				observ.IncCounter("daily_loss_breaker_trips_total", nil)
			}
			t.breached = true
		}
	}
	observ.SetGauge("daily_loss_pct", t.lastLossPct, nil)
	return t.breached
}

// Breached reports the latch without updating it. A new UTC day resets it.
func (t *DayTracker) Breached(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.day != now.UTC().Format("2006-01-02") {
		return false
	}
	return t.breached
}

// LossPct returns the most recently observed loss percentage.
func (t *DayTracker) LossPct() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLossPct
}
