package workflow

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// alertGate rate-limits recovery advisories per failure signature.
// The same broken build failing on every push should page a human
// once, not once per run; signature hashes make "the same failure"
// cheap to recognize.
type alertGate struct {
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newAlertGate(interval time.Duration) *alertGate {
	return &alertGate{
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether an advisory for this signature hash may be
// published now. The first call per hash always passes; repeats are
// admitted at most once per interval.
func (g *alertGate) Allow(hash string) bool {
	if hash == "" {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	lim, ok := g.limiters[hash]
	if !ok {
		lim = rate.NewLimiter(rate.Every(g.interval), 1)
		g.limiters[hash] = lim
	}
	return lim.Allow()
}
