package index

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/chunker"
)

// DefaultWorkers is the default number of chunks hashed concurrently.
const DefaultWorkers = 64

// Counter is told about each chunk as it is indexed.
type Counter interface {
	Update(bytes int64)
}

type noopCounter struct{}

func (noopCounter) Update(int64) {}

// BuildOptions controls Build.
type BuildOptions struct {
	// Workers bounds the number of chunks being hashed at once.
	// Zero means DefaultWorkers.
	Workers int

	// Counter, if set, receives one Update per chunk with the chunk's size.
	Counter Counter
}

// Build cuts r into chunks according to cfg,
// hashes each with hf,
// and records every chunk at its offset.
// Reading is sequential; hashing runs on up to opts.Workers goroutines.
// Offsets for a repeated chunk are kept in ascending order regardless of which hash finishes first.
func Build(ctx context.Context, r io.Reader, cfg chunker.Config, hf updater.HashFunc, opts BuildOptions) (*Index, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	counter := opts.Counter
	if counter == nil {
		counter = noopCounter{}
	}

	ch, err := cfg.New(r)
	if err != nil {
		return nil, errors.Wrap(err, "creating chunker")
	}

	var (
		x  = New()
		mu sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for {
		if err := gctx.Err(); err != nil {
			break
		}
		chunk, err := ch.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			g.Wait()
			return nil, updater.Mark(updater.ErrIO, errors.Wrap(err, "reading local file"))
		}
		g.Go(func() error {
			h := hf.Sum(chunk.Data)
			mu.Lock()
			err := x.Add(h, len(chunk.Data), chunk.Offset)
			mu.Unlock()
			if err != nil {
				return err
			}
			counter.Update(int64(len(chunk.Data)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, updater.Canceled(err)
	}
	return x, nil
}
