package policy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	records map[string][]string
	err     error
}

func (r *fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}

	records, ok := r.records[name]
	if !ok {
		return nil, ErrNoRecord
	}

	return records, nil
}

type fakeTransport struct {
	status int
	body   string
	err    error

	calls  int
	gotURL string
	gotSNI string
}

func (t *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.calls++
	t.gotURL = req.URL.String()
	t.gotSNI = req.URL.Hostname()

	if t.err != nil {
		return nil, t.err
	}

	return &http.Response{
		StatusCode: t.status,
		Body:       io.NopCloser(strings.NewReader(t.body)),
		Header:     make(http.Header),
	}, nil
}

const examplePolicy = "version: STSv1\nmode: enforce\nmx: mail.example.com\nmax_age: 86400\n"

func Test_FetchValid(t *testing.T) {
	tr := &fakeTransport{status: http.StatusOK, body: examplePolicy}
	f := NewFetcher(&fakeResolver{
		records: map[string][]string{"_mta-sts.example.com": {"v=STSv1; id=abc;"}},
	}, tr)

	res := f.Fetch(context.Background(), "example.com", "")

	require.Equal(t, StatusValid, res.Status)
	assert.Equal(t, "abc", res.ID)
	require.NotNil(t, res.Policy)
	assert.Equal(t, ModeEnforce, res.Policy.Mode)
	assert.Equal(t, []string{"mail.example.com"}, res.Policy.MXs)

	assert.Equal(t, "https://mta-sts.example.com/.well-known/mta-sts.txt", tr.gotURL)
	assert.Equal(t, "mta-sts.example.com", tr.gotSNI)
}

func Test_FetchNotChanged(t *testing.T) {
	tr := &fakeTransport{status: http.StatusOK, body: examplePolicy}
	f := NewFetcher(&fakeResolver{
		records: map[string][]string{"_mta-sts.example.com": {"v=STSv1; id=abc;"}},
	}, tr)

	res := f.Fetch(context.Background(), "example.com", "abc")

	assert.Equal(t, StatusNotChanged, res.Status)
	assert.Zero(t, tr.calls, "https must be skipped when the id matches")
}

func Test_FetchChangedID(t *testing.T) {
	tr := &fakeTransport{status: http.StatusOK, body: examplePolicy}
	f := NewFetcher(&fakeResolver{
		records: map[string][]string{"_mta-sts.example.com": {"v=STSv1; id=new;"}},
	}, tr)

	res := f.Fetch(context.Background(), "example.com", "old")

	require.Equal(t, StatusValid, res.Status)
	assert.Equal(t, "new", res.ID)
	assert.Equal(t, 1, tr.calls)
}

func Test_FetchNone(t *testing.T) {
	cases := []struct {
		name     string
		resolver *fakeResolver
		tr       *fakeTransport
	}{
		{
			"no txt record",
			&fakeResolver{},
			&fakeTransport{status: http.StatusOK, body: examplePolicy},
		},
		{
			"malformed record",
			&fakeResolver{records: map[string][]string{"_mta-sts.example.com": {"v=STSv1; id=;"}}},
			&fakeTransport{status: http.StatusOK, body: examplePolicy},
		},
		{
			"multiple sts records",
			&fakeResolver{records: map[string][]string{"_mta-sts.example.com": {"v=STSv1; id=a;", "v=STSv1; id=b;"}}},
			&fakeTransport{status: http.StatusOK, body: examplePolicy},
		},
		{
			"policy 404",
			&fakeResolver{records: map[string][]string{"_mta-sts.example.com": {"v=STSv1; id=abc;"}}},
			&fakeTransport{status: http.StatusNotFound},
		},
		{
			"malformed policy body",
			&fakeResolver{records: map[string][]string{"_mta-sts.example.com": {"v=STSv1; id=abc;"}}},
			&fakeTransport{status: http.StatusOK, body: "version: STSv1\n"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewFetcher(tc.resolver, tc.tr)

			res := f.Fetch(context.Background(), "example.com", "")
			assert.Equal(t, StatusNone, res.Status)
		})
	}
}

func Test_FetchError(t *testing.T) {
	cases := []struct {
		name     string
		resolver *fakeResolver
		tr       *fakeTransport
	}{
		{
			"dns failure",
			&fakeResolver{err: errors.New("servfail")},
			&fakeTransport{status: http.StatusOK, body: examplePolicy},
		},
		{
			"connect failure",
			&fakeResolver{records: map[string][]string{"_mta-sts.example.com": {"v=STSv1; id=abc;"}}},
			&fakeTransport{err: errors.New("connection refused")},
		},
		{
			"server error",
			&fakeResolver{records: map[string][]string{"_mta-sts.example.com": {"v=STSv1; id=abc;"}}},
			&fakeTransport{status: http.StatusInternalServerError},
		},
		{
			"redirect not followed",
			&fakeResolver{records: map[string][]string{"_mta-sts.example.com": {"v=STSv1; id=abc;"}}},
			&fakeTransport{status: http.StatusMovedPermanently},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewFetcher(tc.resolver, tc.tr)

			res := f.Fetch(context.Background(), "example.com", "")
			assert.Equal(t, StatusError, res.Status)
		})
	}
}
