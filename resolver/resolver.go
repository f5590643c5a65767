// Package resolver clamps policy retrieval to a deadline and shields the
// request pipeline from unexpected retrieval failures.
package resolver

import (
	"context"
	"time"

	"github.com/semihalev/stsmap/policy"
	"github.com/semihalev/zlog/v2"
)

// PolicyFetcher retrieves the current policy for a domain, skipping the
// document download when latestID is still current.
type PolicyFetcher interface {
	Fetch(ctx context.Context, domain, latestID string) policy.FetchResult
}

// Resolver resolves the STS policy of a domain with a wall-clock timeout
// covering the whole TXT plus HTTPS sequence. It holds no cache.
type Resolver struct {
	fetcher PolicyFetcher
	timeout time.Duration
}

// New returns a resolver with the given overall timeout per resolve.
func New(fetcher PolicyFetcher, timeout time.Duration) *Resolver {
	return &Resolver{fetcher: fetcher, timeout: timeout}
}

// Timeout returns the configured per-resolve deadline.
func (r *Resolver) Timeout() time.Duration {
	return r.timeout
}

// Resolve fetches the policy for domain. Any panic out of the fetch path is
// reported as a transient fetch error, never propagated to the connection.
func (r *Resolver) Resolve(ctx context.Context, domain, latestID string) (res policy.FetchResult) {
	defer func() {
		if rec := recover(); rec != nil {
			zlog.Error("Recovered in policy resolve", "domain", domain, "recover", rec)
			res = policy.FetchResult{Status: policy.StatusError}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return r.fetcher.Fetch(ctx, domain, latestID)
}
