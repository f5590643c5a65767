package policy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
)

// FetchStatus classifies the outcome of a policy retrieval.
type FetchStatus uint8

// Fetch outcomes.
const (
	// StatusValid means a new or replacement policy was retrieved.
	StatusValid FetchStatus = iota
	// StatusNotChanged means the cached policy id is still current.
	StatusNotChanged
	// StatusNone means no usable STS policy exists for the domain.
	StatusNone
	// StatusError means a transient failure, existing cache entries must
	// not be evicted because of it.
	StatusError
)

func (s FetchStatus) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusNotChanged:
		return "not_changed"
	case StatusNone:
		return "none"
	case StatusError:
		return "fetch_error"
	}

	return "unknown"
}

// FetchResult is the tagged result of a policy retrieval. ID and Policy are
// set only for StatusValid.
type FetchResult struct {
	Status FetchStatus
	ID     string
	Policy *Policy
}

// TXTResolver looks up TXT records. A lookup that completes but finds no
// record returns ErrNoRecord, transient DNS failures return any other error.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// maxPolicySize bounds the policy document body, RFC 8461 section 3.3.
const maxPolicySize = 64 * 1024

// Fetcher performs the RFC 8461 policy retrieval for a domain: TXT record
// discovery at _mta-sts.<domain>, then a conditional HTTPS fetch of the
// policy document from mta-sts.<domain>.
type Fetcher struct {
	resolver TXTResolver
	client   *http.Client
}

// NewFetcher returns a fetcher using the given TXT resolver. A nil transport
// selects a default one with strict WebPKI validation.
func NewFetcher(resolver TXTResolver, transport http.RoundTripper) *Fetcher {
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        16,
			IdleConnTimeout:     30 * time.Second,
			ForceAttemptHTTP2:   true,
		}
	}

	return &Fetcher{
		resolver: resolver,
		client: &http.Client{
			Transport: transport,
			// Redirects must not be followed, RFC 8461 section 3.3.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Fetch retrieves the current policy for domain. When latestID matches the
// advertised policy id the HTTPS fetch is skipped and StatusNotChanged is
// returned.
func (f *Fetcher) Fetch(ctx context.Context, domain, latestID string) FetchResult {
	id, err := f.discover(ctx, domain)
	if err == ErrNoRecord {
		return FetchResult{Status: StatusNone}
	} else if err != nil {
		zlog.Debug("Policy discovery failed", "domain", domain, "error", err.Error())
		return FetchResult{Status: StatusError}
	}

	if latestID != "" && latestID == id {
		return FetchResult{Status: StatusNotChanged}
	}

	pol, status := f.download(ctx, domain)
	if pol == nil {
		return FetchResult{Status: status}
	}

	return FetchResult{Status: StatusValid, ID: id, Policy: pol}
}

// discover resolves and parses the _mta-sts TXT record, returning the policy
// id. Exactly one STS record must exist, anything else counts as no record.
func (f *Fetcher) discover(ctx context.Context, domain string) (string, error) {
	records, err := f.resolver.LookupTXT(ctx, "_mta-sts."+domain)
	if err != nil {
		return "", err
	}

	var sts []string
	for _, txt := range records {
		if strings.HasPrefix(txt, recordPrefix) {
			sts = append(sts, txt)
		}
	}

	if len(sts) != 1 {
		return "", ErrNoRecord
	}

	id, err := ParseRecord(sts[0])
	if err != nil {
		zlog.Debug("Malformed sts record", "domain", domain, "error", err.Error())
		return "", ErrNoRecord
	}

	return id, nil
}

// download fetches and parses the policy document. The second return value
// is meaningful only when the policy is nil.
func (f *Fetcher) download(ctx context.Context, domain string) (*Policy, FetchStatus) {
	url := "https://mta-sts." + domain + "/.well-known/mta-sts.txt"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, StatusNone
	}

	resp, err := f.client.Do(req)
	if err != nil {
		zlog.Debug("Policy fetch failed", "domain", domain, "error", err.Error())
		return nil, StatusError
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, StatusNone
	default:
		zlog.Debug("Policy fetch unexpected status", "domain", domain, "status", resp.StatusCode)
		return nil, StatusError
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPolicySize+1))
	if err != nil {
		return nil, StatusError
	}
	if len(body) > maxPolicySize {
		zlog.Debug("Policy document too large", "domain", domain)
		return nil, StatusNone
	}

	pol, err := Parse(string(body))
	if err != nil {
		zlog.Debug("Malformed policy document", "domain", domain, "error", err.Error())
		return nil, StatusNone
	}

	return pol, StatusNone
}

// SystemResolver is a TXTResolver backed by the system recursive resolvers
// from resolv.conf.
type SystemResolver struct {
	client  *dns.Client
	servers []string
}

// NewSystemResolver reads the resolver configuration from path, usually
// /etc/resolv.conf.
func NewSystemResolver(path string) (*SystemResolver, error) {
	conf, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read resolver config: %w", err)
	}

	if len(conf.Servers) == 0 {
		return nil, fmt.Errorf("no nameservers in %s", path)
	}

	servers := make([]string, len(conf.Servers))
	for i, server := range conf.Servers {
		servers[i] = net.JoinHostPort(server, conf.Port)
	}

	return &SystemResolver{
		client: &dns.Client{
			Net:     "udp",
			Timeout: 3 * time.Second,
		},
		servers: servers,
	}, nil
}

// LookupTXT implements TXTResolver. Strings of a multi-string record are
// concatenated, each TXT record yields one entry.
func (r *SystemResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	req.SetEdns0(dns.DefaultMsgSize, false)

	var lastErr error

	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, req, server)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.Truncated {
			tcp := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
			resp, _, err = tcp.ExchangeContext(ctx, req, server)
			if err != nil {
				lastErr = err
				continue
			}
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			var records []string
			for _, rr := range resp.Answer {
				if txt, ok := rr.(*dns.TXT); ok {
					records = append(records, strings.Join(txt.Txt, ""))
				}
			}
			if len(records) == 0 {
				return nil, ErrNoRecord
			}
			return records, nil
		case dns.RcodeNameError:
			return nil, ErrNoRecord
		default:
			lastErr = fmt.Errorf("dns lookup %s: rcode %s", name, dns.RcodeToString[resp.Rcode])
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("dns lookup %s: no nameservers", name)
	}

	return nil, lastErr
}
