// Package logging implements a source that delegates everything to a nested source,
// logging operations as they happen.
//
// Importing this package makes source.Create wrap every source
// whenever source.Options.Logger is set.
package logging

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/rednimgames/rose-updater/source"
)

var _ source.Source = &Source{}

type Source struct {
	s      source.Source
	logger *slog.Logger
}

func New(s source.Source, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{s: s, logger: logger}
}

func (s *Source) ReadRange(ctx context.Context, off int64, n int) ([]byte, error) {
	start := time.Now()
	b, err := s.s.ReadRange(ctx, off, n)
	if err != nil {
		s.logger.ErrorContext(ctx, "range read failed", "source", s.s.String(), "offset", off, "length", n, "err", err)
	} else {
		s.logger.DebugContext(ctx, "range read", "source", s.s.String(), "offset", off, "length", n, "elapsed", time.Since(start))
	}
	return b, err
}

func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	rc, err := s.s.Open(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "open failed", "source", s.s.String(), "err", err)
	} else {
		s.logger.DebugContext(ctx, "open", "source", s.s.String())
	}
	return rc, err
}

func (s *Source) String() string {
	return s.s.String()
}

func init() {
	source.RegisterLogging(func(s source.Source, logger *slog.Logger) source.Source {
		return New(s, logger)
	})
}
