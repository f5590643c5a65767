// Package policy implements MTA-STS (RFC 8461) policy records: parsing of
// the _mta-sts TXT record, parsing of the policy document served over HTTPS
// and the retrieval protocol combining both.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Mode is the policy mode field.
type Mode string

// Policy modes defined by RFC 8461.
const (
	ModeEnforce Mode = "enforce"
	ModeTesting Mode = "testing"
	ModeNone    Mode = "none"
)

// Policy is a parsed MTA-STS policy document.
type Policy struct {
	Mode   Mode
	MXs    []string
	MaxAge uint32
}

var (
	// ErrNoRecord means the TXT record is absent or not an STS record.
	ErrNoRecord = errors.New("policy: no sts record")
	// ErrSyntax means a record or policy document is present but malformed.
	ErrSyntax = errors.New("policy: syntax error")
)

const recordPrefix = "v=STSv1"

// ParseRecord parses a _mta-sts TXT record of the form "v=STSv1; id=<token>"
// and returns the policy id. Whitespace around fields is tolerated, unknown
// fields are ignored.
func ParseRecord(txt string) (string, error) {
	fields := strings.Split(txt, ";")

	if strings.TrimSpace(fields[0]) != recordPrefix {
		return "", ErrNoRecord
	}

	for _, field := range fields[1:] {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		key, value, found := strings.Cut(field, "=")
		if !found {
			return "", fmt.Errorf("%w: record field %q", ErrSyntax, field)
		}

		if strings.TrimSpace(key) != "id" {
			continue
		}

		id := strings.TrimSpace(value)
		if !validID(id) {
			return "", fmt.Errorf("%w: invalid policy id %q", ErrSyntax, id)
		}

		return id, nil
	}

	return "", fmt.Errorf("%w: record misses id field", ErrSyntax)
}

// validID reports whether id is a policy id token, 1 to 32 alphanumeric
// characters per RFC 8461 section 3.1.
func validID(id string) bool {
	if len(id) == 0 || len(id) > 32 {
		return false
	}

	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}

	return true
}

// Parse parses a policy document fetched from the well-known HTTPS endpoint.
// The format is line oriented "key: value". Keys version, mode and max_age
// are mandatory, mx is repeatable and mandatory for enforce mode, unknown
// keys are ignored.
func Parse(body string) (*Policy, error) {
	var (
		pol        Policy
		sawVersion bool
		sawMaxAge  bool
	)

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("%w: policy line %q", ErrSyntax, line)
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "version":
			if value != "STSv1" {
				return nil, fmt.Errorf("%w: unsupported version %q", ErrSyntax, value)
			}
			sawVersion = true
		case "mode":
			switch Mode(value) {
			case ModeEnforce, ModeTesting, ModeNone:
				pol.Mode = Mode(value)
			default:
				return nil, fmt.Errorf("%w: unknown mode %q", ErrSyntax, value)
			}
		case "max_age":
			age, err := strconv.ParseUint(value, 10, 32)
			if err != nil || age == 0 {
				return nil, fmt.Errorf("%w: invalid max_age %q", ErrSyntax, value)
			}
			pol.MaxAge = uint32(age)
			sawMaxAge = true
		case "mx":
			if value == "" {
				return nil, fmt.Errorf("%w: empty mx entry", ErrSyntax)
			}
			pol.MXs = append(pol.MXs, value)
		}
	}

	if !sawVersion {
		return nil, fmt.Errorf("%w: policy misses version", ErrSyntax)
	}
	if pol.Mode == "" {
		return nil, fmt.Errorf("%w: policy misses mode", ErrSyntax)
	}
	if !sawMaxAge {
		return nil, fmt.Errorf("%w: policy misses max_age", ErrSyntax)
	}
	if pol.Mode == ModeEnforce && len(pol.MXs) == 0 {
		return nil, fmt.Errorf("%w: enforce policy without mx", ErrSyntax)
	}

	return &pol, nil
}

// MatchList returns the mx patterns as reported to the MTA: a single leading
// wildcard label marker stripped, duplicates removed, sorted for stable output.
func (p *Policy) MatchList() []string {
	seen := make(map[string]struct{}, len(p.MXs))
	list := make([]string, 0, len(p.MXs))

	for _, mx := range p.MXs {
		mx = strings.TrimPrefix(mx, "*")

		if _, dup := seen[mx]; dup {
			continue
		}
		seen[mx] = struct{}{}
		list = append(list, mx)
	}

	sort.Strings(list)

	return list
}
