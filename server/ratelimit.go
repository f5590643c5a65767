package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterStore keeps one token bucket per client ip. Stale limiters are
// pruned when the store grows past its high-water mark.
type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	qps      int
}

type clientLimiter struct {
	rl   *rate.Limiter
	seen time.Time
}

const (
	limiterHighWater = 4096
	limiterIdle      = time.Minute
)

func newLimiterStore(qps int) *limiterStore {
	return &limiterStore{
		limiters: make(map[string]*clientLimiter),
		qps:      qps,
	}
}

func (ls *limiterStore) get(client string) *rate.Limiter {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := time.Now()

	if cl, ok := ls.limiters[client]; ok {
		cl.seen = now
		return cl.rl
	}

	if len(ls.limiters) >= limiterHighWater {
		ls.prune(now)
	}

	cl := &clientLimiter{
		rl:   rate.NewLimiter(rate.Limit(ls.qps), ls.qps),
		seen: now,
	}
	ls.limiters[client] = cl

	return cl.rl
}

func (ls *limiterStore) prune(now time.Time) {
	for client, cl := range ls.limiters {
		if now.Sub(cl.seen) > limiterIdle {
			delete(ls.limiters, client)
		}
	}
}
