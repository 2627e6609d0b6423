package dsync_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/archive"
	"github.com/rednimgames/rose-updater/cache"
	"github.com/rednimgames/rose-updater/chunker"
	"github.com/rednimgames/rose-updater/codec"
	"github.com/rednimgames/rose-updater/dsync"
	"github.com/rednimgames/rose-updater/progress"
	"github.com/rednimgames/rose-updater/testutil"
)

const mb = 1 << 20

var fastRetry = archive.RetryPolicy{
	Retries:    archive.DefaultRetries,
	NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
}

func createOpts(chunkSize int) archive.CreateOptions {
	return archive.CreateOptions{
		Chunker: chunker.Config{Kind: chunker.Fixed, FixedSize: chunkSize},
		Codec:   codec.ZstdName,
		Level:   1,
		Hash:    updater.DefaultHashFunc,
	}
}

func syncOpts() dsync.Options {
	return dsync.Options{Retry: fastRetry}
}

func checkFile(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("%s: content mismatch (%d bytes, want %d)", path, len(got), len(want))
	}
}

func TestColdStartAndIdempotence(t *testing.T) {
	var (
		ctx  = context.Background()
		data = testutil.Blocks(mb, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
		path = filepath.Join(t.TempDir(), "sub", "data.bin")
	)
	src, _ := testutil.ArchiveSource(t, "cold", data, createOpts(mb))

	var state progress.State
	opts := syncOpts()
	opts.Progress = &state

	res, err := dsync.SyncFile(ctx, dsync.File{Source: src, Path: path}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks != 10 {
		t.Errorf("fetched %d chunks, want 10", res.Chunks)
	}
	if res.State != dsync.Done {
		t.Errorf("got state %s, want done", res.State)
	}
	if res.Written != int64(len(data)) || res.Reused != 0 {
		t.Errorf("wrote %d and reused %d bytes, want %d and 0", res.Written, res.Reused, len(data))
	}
	checkFile(t, path, data)

	snap := state.Snapshot()
	if snap.Stage != progress.Done || snap.Current != int64(len(data)) || snap.Max != int64(len(data)) {
		t.Errorf("got progress %+v", snap)
	}

	// A second run reads the header and nothing else.
	src.Reset()
	res, err = dsync.SyncFile(ctx, dsync.File{Source: src, Path: path}, syncOpts())
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks != 0 || res.Written != 0 {
		t.Errorf("second run fetched %d chunks, wrote %d bytes", res.Chunks, res.Written)
	}
	if res.Reused != int64(len(data)) {
		t.Errorf("second run reused %d bytes, want %d", res.Reused, len(data))
	}
	if n := src.Reads(); n != 2 {
		t.Errorf("second run made %d range reads, want 2", n)
	}
	checkFile(t, path, data)
}

func TestDelta(t *testing.T) {
	const size = 4096

	var (
		ctx    = context.Background()
		path   = filepath.Join(t.TempDir(), "f")
		local  = testutil.Blocks(size, 1, 2, 3, 4, 5, 6)
		target = testutil.Blocks(size, 6, 5, 7, 1, 1, 3)
	)
	if err := os.WriteFile(path, local, 0644); err != nil {
		t.Fatal(err)
	}
	src, _ := testutil.ArchiveSource(t, "delta", target, createOpts(size))

	res, err := dsync.SyncFile(ctx, dsync.File{Source: src, Path: path}, syncOpts())
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks != 1 {
		t.Errorf("fetched %d chunks, want 1", res.Chunks)
	}
	if res.Reused != 5*size {
		t.Errorf("reused %d bytes, want %d", res.Reused, 5*size)
	}
	checkFile(t, path, target)
}

func TestShrink(t *testing.T) {
	var (
		ctx    = context.Background()
		path   = filepath.Join(t.TempDir(), "f")
		target = []byte("short")
	)
	if err := os.WriteFile(path, testutil.RandomBytes(1, 100000), 0644); err != nil {
		t.Fatal(err)
	}
	src, _ := testutil.ArchiveSource(t, "shrink", target, createOpts(1024))
	if _, err := dsync.SyncFile(ctx, dsync.File{Source: src, Path: path}, syncOpts()); err != nil {
		t.Fatal(err)
	}
	checkFile(t, path, target)
}

func TestCorruptChunk(t *testing.T) {
	const size = 4096

	var (
		ctx  = context.Background()
		path = filepath.Join(t.TempDir(), "f")
		data = testutil.Blocks(size, 1, 2, 3)
	)
	src, hdr := testutil.ArchiveSource(t, "corrupt", data, createOpts(size))
	src.Corrupt(func(off int64, b []byte) {
		if off >= hdr.DataOffset && len(b) > 0 {
			b[0] ^= 0xff
		}
	})

	res, err := dsync.SyncFile(ctx, dsync.File{Source: src, Path: path}, syncOpts())
	if !errors.Is(err, updater.ErrIntegrity) && !errors.Is(err, updater.ErrDecode) {
		t.Fatalf("got %v, want an integrity or decode error", err)
	}
	if res.State != dsync.Failed || res.Written != 0 {
		t.Errorf("got state %s with %d bytes written", res.State, res.Written)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Count(got, []byte{0}) != len(got) {
		t.Error("corrupt chunk data reached the file")
	}

	// Once the source is healthy the same file converges.
	src.Corrupt(nil)
	if _, err = dsync.SyncFile(ctx, dsync.File{Source: src, Path: path}, syncOpts()); err != nil {
		t.Fatal(err)
	}
	checkFile(t, path, data)
}

func TestRetries(t *testing.T) {
	const size = 1024

	var (
		ctx  = context.Background()
		path = filepath.Join(t.TempDir(), "f")
		data = testutil.Blocks(size, 1, 2)
	)
	src, _ := testutil.ArchiveSource(t, "flaky", data, createOpts(size))

	opts := syncOpts()
	opts.FetchWorkers = 1

	// The preamble read fails on every attempt but the last.
	src.FailNext(archive.DefaultRetries)
	if _, err := dsync.SyncFile(ctx, dsync.File{Source: src, Path: path}, opts); err != nil {
		t.Fatal(err)
	}
	checkFile(t, path, data)

	os.Remove(path)
	src.FailNext(archive.DefaultRetries + 1)
	_, err := dsync.SyncFile(ctx, dsync.File{Source: src, Path: path}, opts)
	if !errors.Is(err, updater.ErrTransport) {
		t.Errorf("got %v, want transport error", err)
	}
}

func TestCancel(t *testing.T) {
	const size = 1024

	var (
		path        = filepath.Join(t.TempDir(), "f")
		data        = testutil.Blocks(size, 1, 2, 3, 4, 5, 6, 7, 8)
		ctx, cancel = context.WithCancel(context.Background())
	)
	defer cancel()

	src, hdr := testutil.ArchiveSource(t, "cancel", data, createOpts(size))
	src.Hook(func(_ context.Context, off int64) {
		if off >= hdr.DataOffset {
			cancel()
		}
	})

	opts := syncOpts()
	opts.FetchWorkers = 1
	res, err := dsync.SyncFile(ctx, dsync.File{Source: src, Path: path}, opts)
	if !errors.Is(err, updater.ErrCancelled) {
		t.Fatalf("got %v, want cancellation", err)
	}
	if res.State != dsync.Failed {
		t.Errorf("got state %s", res.State)
	}

	src.Hook(nil)
	if _, err = dsync.SyncFile(context.Background(), dsync.File{Source: src, Path: path}, syncOpts()); err != nil {
		t.Fatal(err)
	}
	checkFile(t, path, data)
}

func TestSharedCache(t *testing.T) {
	const size = 1024

	var (
		ctx = context.Background()
		dir = t.TempDir()
	)
	c, err := cache.New(16)
	if err != nil {
		t.Fatal(err)
	}
	opts := syncOpts()
	opts.Cache = c

	src1, _ := testutil.ArchiveSource(t, "one", testutil.Blocks(size, 1, 2, 3), createOpts(size))
	src2, _ := testutil.ArchiveSource(t, "two", testutil.Blocks(size, 3, 2, 4), createOpts(size))

	if _, err = dsync.SyncFile(ctx, dsync.File{Source: src1, Path: filepath.Join(dir, "one")}, opts); err != nil {
		t.Fatal(err)
	}
	res, err := dsync.SyncFile(ctx, dsync.File{Source: src2, Path: filepath.Join(dir, "two")}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks != 1 || res.Shared != 2 {
		t.Errorf("fetched %d chunks and shared %d, want 1 and 2", res.Chunks, res.Shared)
	}
	checkFile(t, filepath.Join(dir, "two"), testutil.Blocks(size, 3, 2, 4))
}
