// Package source defines random-access byte sources for archives and manifests,
// and a registry of source implementations keyed by URL scheme.
package source

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	updater "github.com/rednimgames/rose-updater"
)

// Source is one remote resource that can be read by byte range.
// Implementations must be safe for concurrent use.
type Source interface {
	// ReadRange reads exactly n bytes starting at off.
	// Transient failures are marked with updater.Retryable.
	ReadRange(ctx context.Context, off int64, n int) ([]byte, error)

	// Open reads the whole resource.
	Open(ctx context.Context) (io.ReadCloser, error)

	String() string
}

// Options configures a Source created by a Factory.
// Implementations use the fields that apply to them.
type Options struct {
	// Client is the HTTP client shared by every HTTP source.
	Client *http.Client

	// Limiter, if set, bounds the rate at which bytes are read.
	Limiter *rate.Limiter

	// Logger, if set, makes Create wrap each source with request logging.
	Logger *slog.Logger
}

// Factory produces a Source for a URL.
type Factory func(context.Context, *url.URL, Options) (Source, error)

var (
	mu       sync.Mutex
	registry = make(map[string]Factory)

	// Set by the logging subpackage.
	wrapLogging func(Source, *slog.Logger) Source
)

// Register makes f the factory for URLs with the given scheme.
func Register(scheme string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[scheme] = f
}

// RegisterLogging installs the wrapper Create uses when Options.Logger is set.
func RegisterLogging(f func(Source, *slog.Logger) Source) {
	mu.Lock()
	defer mu.Unlock()
	wrapLogging = f
}

// Create produces a Source for rawurl using the factory registered for its scheme.
// A URL without a scheme is treated as a local file path.
func Create(ctx context.Context, rawurl string, opts Options) (Source, error) {
	u, err := Parse(rawurl)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	f, ok := registry[u.Scheme]
	wrap := wrapLogging
	mu.Unlock()

	if !ok {
		return nil, errors.Errorf("scheme %q not found in registry", u.Scheme)
	}
	src, err := f(ctx, u, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "creating source for %s", rawurl)
	}
	if opts.Logger != nil && wrap != nil {
		src = wrap(src, opts.Logger)
	}
	return src, nil
}

// Parse parses rawurl, treating a string without a scheme as a file path.
func Parse(rawurl string) (*url.URL, error) {
	u, err := url.Parse(rawurl)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// No scheme, or a Windows drive letter.
		abs, aerr := filepath.Abs(rawurl)
		if aerr != nil {
			return nil, errors.Wrapf(aerr, "resolving path %s", rawurl)
		}
		return &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}, nil
	}
	return u, nil
}

// Join resolves the slash-separated relative path rel against base.
func Join(base, rel string) (string, error) {
	u, err := Parse(base)
	if err != nil {
		return "", err
	}
	return u.JoinPath(rel).String(), nil
}

// ReadAll reads the whole of src.
func ReadAll(ctx context.Context, src Source) ([]byte, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, updater.Canceled(updater.Retryable(errors.Wrapf(err, "reading %s", src)))
	}
	return b, nil
}

// WaitN blocks until lim allows n more bytes.
// It tolerates n larger than the limiter's burst.
// A nil limiter never blocks.
func WaitN(ctx context.Context, lim *rate.Limiter, n int) error {
	if lim == nil || lim.Limit() == rate.Inf {
		return nil
	}
	burst := lim.Burst()
	if burst <= 0 {
		return nil
	}
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := lim.WaitN(ctx, take); err != nil {
			return updater.Canceled(err)
		}
		n -= take
	}
	return nil
}
