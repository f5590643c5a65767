package server

import (
	"context"
	"time"

	"github.com/semihalev/stsmap/cache"
	"github.com/semihalev/stsmap/config"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/time/rate"
)

// refresher proactively re-resolves cached policies that approach their
// max_age expiry, so hot domains rarely pay the fetch latency on the query
// path. Refreshes run through the same single-flight guard as queries.
type refresher struct {
	srv      *Server
	interval time.Duration
	grace    time.Duration
	limiter  *rate.Limiter
}

func newRefresher(s *Server, cfg config.ProactiveConfig) *refresher {
	r := &refresher{
		srv:      s,
		interval: cfg.Interval.Duration,
		grace:    cfg.Grace.Duration,
	}

	if cfg.RateLimit > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return r
}

func (r *refresher) run(ctx context.Context) {
	zlog.Info("Proactive policy refresh started", "interval", r.interval.String(), "grace", r.grace.String())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep collects the domains expiring within the grace window and
// re-resolves them, rate limited.
func (r *refresher) sweep(ctx context.Context) {
	deadline := time.Now().Add(r.grace)

	var due []string
	r.srv.cache.ForEach(func(domain string, e cache.Entry) bool {
		if e.Expired(deadline) {
			due = append(due, domain)
		}
		return true
	})

	if len(due) == 0 {
		return
	}

	zlog.Debug("Refreshing policies", "count", len(due))

	z := r.srv.registry.Default()

	for _, domain := range due {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
		}

		if ctx.Err() != nil {
			return
		}

		_, _, _ = r.srv.cache.GetOrCompute(ctx, domain, func() (cache.Entry, bool) {
			return r.srv.lookup(domain, z)
		})
	}
}
