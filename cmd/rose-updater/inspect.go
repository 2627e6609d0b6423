package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/rednimgames/rose-updater/archive"
	"github.com/rednimgames/rose-updater/source"
)

func (c maincmd) inspect(ctx context.Context, chunks bool, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: inspect [-chunks] ARCHIVE_URL")
	}

	src, err := source.Create(ctx, args[0], c.sourceOptions())
	if err != nil {
		return errors.Wrapf(err, "opening %s", args[0])
	}
	r, err := archive.Open(ctx, src, archive.WithRetry(archive.RetryPolicy{Retries: c.conf.Retries}), archive.WithLogger(c.logger))
	if err != nil {
		return err
	}

	h := r.Header()
	fmt.Printf("version:      %d\n", h.Version)
	fmt.Printf("chunker:      %s\n", h.Chunker.Kind)
	fmt.Printf("codec:        %s\n", h.Codec)
	fmt.Printf("hash:         %s\n", h.Hash)
	fmt.Printf("source size:  %d\n", h.SourceLength)
	fmt.Printf("source hash:  %x\n", h.Hash.Bytes(h.SourceHash))
	fmt.Printf("chunks:       %d\n", len(h.Chunks))
	fmt.Printf("data offset:  %d\n", h.DataOffset)

	if chunks {
		for i, d := range h.Chunks {
			fmt.Printf("%6d  %x  size %d  at %d (%d bytes)\n", i, h.Hash.Bytes(d.Hash), d.Size, d.Offset, d.CompressedSize)
		}
	}
	return nil
}
