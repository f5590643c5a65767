package server

import (
	"context"
	"strings"
	"time"

	"github.com/semihalev/stsmap/cache"
	"github.com/semihalev/stsmap/policy"
	"github.com/semihalev/stsmap/zone"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/time/rate"
)

const (
	// respNotFound matches the Postfix socketmap "not found" convention,
	// the trailing space is part of the reply.
	respNotFound = "NOTFOUND "

	respMatchPrefix = "OK secure match="
)

// answer processes one socketmap request payload and returns the reply
// payload. Every recoverable failure collapses to NOTFOUND, the protocol
// never surfaces errors to the client.
func (s *Server) answer(ctx context.Context, frame []byte, limiter *rate.Limiter) []byte {
	zoneName, domain := splitRequest(string(frame))
	z := s.registry.Lookup(zoneName)

	result, reply := s.decide(ctx, domain, z, limiter)
	queriesTotal.WithLabelValues(z.Name, result).Inc()

	return reply
}

func (s *Server) decide(ctx context.Context, domain string, z *zone.Zone, limiter *rate.Limiter) (string, []byte) {
	if limiter != nil && !limiter.Allow() {
		return "ratelimited", []byte(respNotFound)
	}

	if nonRecipient(domain) {
		return "notfound", []byte(respNotFound)
	}

	domain = normalize(domain)
	if domain == "" {
		return "notfound", []byte(respNotFound)
	}

	entry, ok, err := s.cache.GetOrCompute(ctx, domain, func() (cache.Entry, bool) {
		return s.lookup(domain, z)
	})
	if err != nil || !ok {
		return "notfound", []byte(respNotFound)
	}

	if entry.Expired(time.Now()) {
		return "notfound", []byte(respNotFound)
	}

	switch entry.Policy.Mode {
	case policy.ModeNone:
		return "notfound", []byte(respNotFound)
	case policy.ModeTesting:
		if !z.StrictTesting {
			return "notfound", []byte(respNotFound)
		}
	}

	return "match", []byte(respMatchPrefix + strings.Join(entry.Policy.MatchList(), ":"))
}

// lookup consults the cache, resolves with the cached policy id as the
// conditional-fetch witness and publishes the result. It runs under the
// cache single-flight guard, one execution per domain at a time.
//
// The resolve is bound to the server lifetime, not to the requesting
// connection: the result is shared with every waiter of the flight.
func (s *Server) lookup(domain string, z *zone.Zone) (cache.Entry, bool) {
	cached, has := s.cache.Get(domain)

	var latest string
	if has {
		latest = cached.PolicyID
	}

	res := z.Resolver.Resolve(s.ctx, domain, latest)
	resolvesTotal.WithLabelValues(res.Status.String()).Inc()

	switch res.Status {
	case policy.StatusValid:
		e := cache.Entry{Time: time.Now(), PolicyID: res.ID, Policy: res.Policy}
		s.cache.Set(domain, e)
		return e, true
	case policy.StatusNotChanged:
		if !has {
			// The resolver only compares ids we handed it, reaching
			// this without a cached entry is a bug. Fail closed.
			zlog.Error("Policy unchanged without cached entry", "domain", domain)
			return cache.Entry{}, false
		}

		e := cache.Entry{Time: time.Now(), PolicyID: cached.PolicyID, Policy: cached.Policy}
		s.cache.Set(domain, e)
		return e, true
	default:
		// None and fetch errors never evict, a live entry still rescues
		// the request and a stale one stays as conditional witness.
		if has {
			return cached, true
		}
	}

	return cache.Entry{}, false
}

// splitRequest splits the request payload at the first space into the
// socketmap table name (zone) and the queried domain.
func splitRequest(req string) (zoneName, domain string) {
	if i := strings.IndexByte(req, ' '); i >= 0 {
		return req[:i], req[i+1:]
	}

	return "", req
}

// nonRecipient reports whether the key is not a recipient domain: address
// literals, ip:port forms and leading-dot lookups short-circuit to NOTFOUND
// without touching DNS.
func nonRecipient(domain string) bool {
	return strings.HasPrefix(domain, ".") ||
		strings.HasPrefix(domain, "[") ||
		strings.Contains(domain, ":")
}

// normalize lowercases the domain, trims surrounding whitespace and strips
// trailing dots.
func normalize(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimRight(domain, ".")
}
