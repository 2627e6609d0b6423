package testutil

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/source"
)

var _ source.Source = &Source{}

// Source wraps a source.Source,
// counting range reads and optionally injecting failures.
type Source struct {
	s source.Source

	reads atomic.Int64
	bytes atomic.Int64

	mu sync.Mutex

	// failures is the number of upcoming range reads that fail with a retryable error.
	failures int

	// corrupt, if set, is applied to the bytes of each range read.
	corrupt func(off int64, b []byte)

	// hook, if set, is called before each range read.
	hook func(ctx context.Context, off int64)
}

// NewSource wraps s.
func NewSource(s source.Source) *Source {
	return &Source{s: s}
}

// Reads is the number of successful range reads so far.
func (s *Source) Reads() int64 { return s.reads.Load() }

// BytesRead is the number of bytes returned by range reads so far.
func (s *Source) BytesRead() int64 { return s.bytes.Load() }

// Reset zeroes the counters.
func (s *Source) Reset() {
	s.reads.Store(0)
	s.bytes.Store(0)
}

// FailNext makes the next n range reads fail with a retryable transport error.
func (s *Source) FailNext(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

// Corrupt installs f to tamper with the bytes of every subsequent range read.
func (s *Source) Corrupt(f func(off int64, b []byte)) {
	s.mu.Lock()
	s.corrupt = f
	s.mu.Unlock()
}

// Hook installs f to run before every subsequent range read.
func (s *Source) Hook(f func(ctx context.Context, off int64)) {
	s.mu.Lock()
	s.hook = f
	s.mu.Unlock()
}

// ReadRange implements source.Source.
func (s *Source) ReadRange(ctx context.Context, off int64, n int) ([]byte, error) {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	corrupt, hook := s.corrupt, s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(ctx, off)
	}
	if fail {
		return nil, updater.Retryable(errors.New("injected failure"))
	}

	b, err := s.s.ReadRange(ctx, off, n)
	if err != nil {
		return nil, err
	}
	if corrupt != nil {
		corrupt(off, b)
	}
	s.reads.Add(1)
	s.bytes.Add(int64(len(b)))
	return b, nil
}

// Open implements source.Source.
func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	return s.s.Open(ctx)
}

func (s *Source) String() string {
	return s.s.String()
}
