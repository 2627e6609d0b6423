package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/rednimgames/rose-updater/archive"
	"github.com/rednimgames/rose-updater/dsync"
	"github.com/rednimgames/rose-updater/source"
)

// clone synchronizes a single local file with one archive.
func (c maincmd) clone(ctx context.Context, scanWorkers, fetchWorkers, retries int, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: clone [flags] ARCHIVE_URL OUTPUT_FILE")
	}
	archiveURL, outpath := args[0], args[1]

	src, err := source.Create(ctx, archiveURL, c.sourceOptions())
	if err != nil {
		return errors.Wrapf(err, "opening %s", archiveURL)
	}

	res, err := dsync.SyncFile(ctx, dsync.File{Source: src, Path: outpath}, dsync.Options{
		ScanWorkers:  scanWorkers,
		FetchWorkers: fetchWorkers,
		Retry:        archive.RetryPolicy{Retries: retries},
		Logger:       c.logger,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s: reused %d bytes, fetched %d chunks (%d bytes)\n", outpath, res.Reused, res.Chunks, res.Fetched)
	return nil
}
