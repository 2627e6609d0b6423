// Package mem implements in-memory sources.
//
// Resources published with a Bucket are reachable through source.Create
// under URLs of the form mem://bucket/path.
package mem

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/source"
)

var _ source.Source = &Source{}

// Source is a Source over a byte slice.
type Source struct {
	name string
	data []byte
}

// New produces a Source serving data.
func New(name string, data []byte) *Source {
	return &Source{name: name, data: data}
}

// ReadRange implements source.Source.
func (s *Source) ReadRange(ctx context.Context, off int64, n int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, updater.Canceled(err)
	}
	if off < 0 || n < 0 || off+int64(n) > int64(len(s.data)) {
		return nil, updater.Mark(updater.ErrTransport, errors.Errorf("range %d+%d outside %s (length %d)", off, n, s.name, len(s.data)))
	}
	out := make([]byte, n)
	copy(out, s.data[off:])
	return out, nil
}

// Open implements source.Source.
func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, updater.Canceled(err)
	}
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

func (s *Source) String() string {
	return "mem:" + s.name
}

// Bucket is a named set of in-memory resources.
type Bucket struct {
	mu   sync.Mutex
	objs map[string][]byte
}

var (
	bucketsMu sync.Mutex
	buckets   = make(map[string]*Bucket)
)

// NewBucket creates (or replaces) the bucket with the given name.
func NewBucket(name string) *Bucket {
	b := &Bucket{objs: make(map[string][]byte)}
	bucketsMu.Lock()
	buckets[name] = b
	bucketsMu.Unlock()
	return b
}

// Put stores data at path.
func (b *Bucket) Put(path string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objs[strings.TrimPrefix(path, "/")] = data
}

// Get returns the data at path.
func (b *Bucket) Get(path string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objs[strings.TrimPrefix(path, "/")]
	return data, ok
}

func init() {
	source.Register("mem", func(_ context.Context, u *url.URL, _ source.Options) (source.Source, error) {
		bucketsMu.Lock()
		b, ok := buckets[u.Host]
		bucketsMu.Unlock()
		if !ok {
			return nil, updater.Mark(updater.ErrTransport, errors.Errorf("no mem bucket %q", u.Host))
		}
		data, ok := b.Get(u.Path)
		if !ok {
			return nil, updater.Mark(updater.ErrTransport, errors.Errorf("%s not found", u))
		}
		return New(u.Host+u.Path, data), nil
	})
}
