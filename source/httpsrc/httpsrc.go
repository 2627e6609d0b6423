// Package httpsrc implements sources read over HTTP with range requests.
package httpsrc

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/source"
)

var _ source.Source = &Source{}

// Source reads byte ranges of one URL.
type Source struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// New produces a Source for rawurl.
// A nil client means DefaultClient.
func New(rawurl string, client *http.Client, limiter *rate.Limiter) *Source {
	if client == nil {
		client = DefaultClient
	}
	return &Source{url: rawurl, client: client, limiter: limiter}
}

// DefaultClient is the client shared by sources created without one.
var DefaultClient = NewClient(ClientOptions{})

// ClientOptions configures NewClient.
type ClientOptions struct {
	// DNSServer, if set, is the host:port of the DNS server used to resolve archive hosts
	// instead of the system resolver.
	DNSServer string

	// Timeout bounds each request, including reading its body.
	// Zero means no timeout beyond the request context.
	Timeout time.Duration
}

// NewClient produces an HTTP client whose connection pool is meant to be shared
// by every source of a run.
func NewClient(opts ClientOptions) *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if opts.DNSServer != "" {
		server := opts.DNSServer
		dialer.Resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, server)
			},
		}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.MaxIdleConnsPerHost = 64
	return &http.Client{Transport: transport, Timeout: opts.Timeout}
}

// ReadRange implements source.Source.
// A server that ignores the Range header and answers 200 is tolerated:
// the leading bytes are discarded.
func (s *Source) ReadRange(ctx context.Context, off int64, n int) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, updater.Mark(updater.ErrTransport, errors.Wrapf(err, "building request for %s", s.url))
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(n)-1))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, requestErr(err, s.url)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if _, err = io.CopyN(io.Discard, resp.Body, off); err != nil {
			return nil, bodyErr(err, s.url)
		}
	default:
		return nil, statusErr(resp, s.url)
	}

	if err = source.WaitN(ctx, s.limiter, n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err = io.ReadFull(resp.Body, buf); err != nil {
		return nil, bodyErr(err, s.url)
	}
	return buf, nil
}

// Open implements source.Source.
func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, updater.Mark(updater.ErrTransport, errors.Wrapf(err, "building request for %s", s.url))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, requestErr(err, s.url)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusErr(resp, s.url)
	}
	return resp.Body, nil
}

func (s *Source) String() string {
	return s.url
}

func requestErr(err error, u string) error {
	return updater.Canceled(updater.Retryable(errors.Wrapf(err, "requesting %s", u)))
}

func bodyErr(err error, u string) error {
	return updater.Canceled(updater.Retryable(errors.Wrapf(err, "reading response body from %s", u)))
}

func statusErr(resp *http.Response, u string) error {
	err := errors.Errorf("unexpected status %s from %s", resp.Status, u)
	if Transient(resp.StatusCode) {
		return updater.Retryable(err)
	}
	return updater.Mark(updater.ErrTransport, err)
}

// Transient tells whether an HTTP status is worth retrying.
func Transient(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

func init() {
	f := func(_ context.Context, u *url.URL, opts source.Options) (source.Source, error) {
		return New(u.String(), opts.Client, opts.Limiter), nil
	}
	source.Register("http", f)
	source.Register("https", f)
}
