// Package dsync brings local files up to date with remote archives.
//
// SyncFile updates one file:
// it reads the archive header,
// scans the local file for chunks the archive contains,
// moves those into place,
// fetches the rest,
// and checks the whole-file hash.
// Fleet does the same for every file listed in a remote manifest,
// after first updating the updater itself.
//
// An interrupted or failed run leaves each file in a state from which a later run converges.
package dsync

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/archive"
	"github.com/rednimgames/rose-updater/cache"
	"github.com/rednimgames/rose-updater/clone"
	"github.com/rednimgames/rose-updater/index"
	"github.com/rednimgames/rose-updater/progress"
	"github.com/rednimgames/rose-updater/source"
)

// DefaultWorkers bounds local scanning and remote fetching alike.
const DefaultWorkers = 64

// State is the stage a file has reached.
type State int

const (
	Init State = iota
	FetchHeader
	ScanLocal
	Diff
	Reorder
	Fetch
	Verify
	Done
	Failed
)

var stateNames = [...]string{
	Init:        "init",
	FetchHeader: "fetch-header",
	ScanLocal:   "scan-local",
	Diff:        "diff",
	Reorder:     "reorder",
	Fetch:       "fetch",
	Verify:      "verify",
	Done:        "done",
	Failed:      "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Options controls the synchronization of each file.
type Options struct {
	// ScanWorkers and FetchWorkers bound the chunks hashed
	// and the chunks fetched, decoded, and verified at once, per file.
	// Zero means DefaultWorkers.
	ScanWorkers, FetchWorkers int

	// Retry is used when opening archives and fetching chunks.
	// The zero value means a single attempt;
	// use archive.DefaultRetryPolicy for the default.
	Retry archive.RetryPolicy

	// Cache, if set, is shared by every file of a run,
	// so a chunk needed by several files is fetched once.
	Cache *cache.Cache

	// Progress receives stage changes and increments.
	// Nil means progress.Nop.
	Progress progress.Reporter

	Logger *slog.Logger
}

// DefaultOptions are the options used by the command-line updater.
var DefaultOptions = Options{
	ScanWorkers:  DefaultWorkers,
	FetchWorkers: DefaultWorkers,
	Retry:        archive.DefaultRetryPolicy,
}

func (o Options) withDefaults() Options {
	if o.ScanWorkers <= 0 {
		o.ScanWorkers = DefaultWorkers
	}
	if o.FetchWorkers <= 0 {
		o.FetchWorkers = DefaultWorkers
	}
	if o.Progress == nil {
		o.Progress = progress.Nop
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// File is one file to synchronize.
type File struct {
	// Reader is the opened archive.
	// If it is nil, Source is opened instead.
	Reader *archive.Reader
	Source source.Source

	// Path is the local file, created if it does not exist.
	Path string

	// Mode is used when creating Path.
	// Zero means 0644.
	Mode os.FileMode
}

// FileResult reports what happened to one file.
type FileResult struct {
	Path  string
	State State

	// Reused is the number of bytes moved into place from the existing file.
	Reused int64

	// Written is the number of bytes written from fetched chunks.
	Written int64

	// Fetched is the number of compressed bytes downloaded,
	// and Chunks the number of chunk downloads.
	Fetched int64
	Chunks  int64

	// Shared is the number of needed chunks obtained from the cache
	// or from a concurrent fetch by another file.
	Shared int64

	Err error
}

// SyncFile brings f.Path up to date with the archive in f.
// On failure the result records the state that failed.
func SyncFile(ctx context.Context, f File, opts Options) (*FileResult, error) {
	opts = opts.withDefaults()
	j := newJob(f, opts)
	defer j.close()

	steps := []func(context.Context) error{
		j.fetchHeader,
		func(ctx context.Context) error {
			progress.Reset(opts.Progress, progress.CheckingFiles, j.estimateLocalChunks())
			return j.scan(ctx, opts.Progress)
		},
		j.reorder,
		func(ctx context.Context) error {
			progress.Reset(opts.Progress, progress.DownloadingUpdates, j.clone.Remaining())
			return j.fetch(ctx, opts.Progress)
		},
		j.verify,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			j.fail(err)
			res := j.result()
			return res, res.Err
		}
	}
	opts.Progress.SetStage(progress.Done)
	return j.result(), nil
}

// job carries one file through the synchronization states.
// Fleet runs the steps of many jobs phase by phase.
type job struct {
	f      File
	opts   Options
	logger *slog.Logger

	out   *os.File
	local *index.Index
	clone *clone.Output

	mu  sync.Mutex
	res FileResult

	written, fetched, chunks, shared atomic.Int64
}

func newJob(f File, opts Options) *job {
	return &job{
		f:      f,
		opts:   opts,
		logger: opts.Logger.With("path", f.Path),
		res:    FileResult{Path: f.Path, State: Init},
	}
}

func (j *job) setState(s State) {
	j.mu.Lock()
	j.res.State = s
	j.mu.Unlock()
}

func (j *job) fail(err error) {
	err = updater.Canceled(err)
	j.mu.Lock()
	j.res.Err = errors.Wrapf(err, "%s (%s)", j.f.Path, j.res.State)
	j.res.State = Failed
	j.mu.Unlock()
	j.logger.Error("synchronizing file", "err", err)
}

func (j *job) failed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.res.State == Failed
}

func (j *job) result() *FileResult {
	j.mu.Lock()
	res := j.res
	j.mu.Unlock()

	res.Written = j.written.Load()
	res.Fetched = j.fetched.Load()
	res.Chunks = j.chunks.Load()
	res.Shared = j.shared.Load()
	return &res
}

func (j *job) header() *archive.Header {
	return j.f.Reader.Header()
}

func (j *job) fetchHeader(ctx context.Context) error {
	j.setState(FetchHeader)
	if j.f.Reader != nil {
		return nil
	}
	if j.f.Source == nil {
		return errors.New("no archive to synchronize from")
	}
	r, err := archive.Open(ctx, j.f.Source, archive.WithRetry(j.opts.Retry), archive.WithLogger(j.logger))
	if err != nil {
		return err
	}
	j.f.Reader = r
	return nil
}

func (j *job) localSize() int64 {
	info, err := os.Stat(j.f.Path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func (j *job) estimateLocalChunks() int64 {
	return j.f.Reader.EstimateLocalChunks(j.localSize())
}

// chunkCounter turns per-chunk index updates into progress increments of one.
type chunkCounter struct{ r progress.Reporter }

func (c chunkCounter) Update(int64) { c.r.Increment(1) }

func (j *job) scan(ctx context.Context, rep progress.Reporter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.setState(ScanLocal)

	if err := os.MkdirAll(filepath.Dir(j.f.Path), 0755); err != nil {
		return updater.Mark(updater.ErrIO, errors.Wrapf(err, "creating directory for %s", j.f.Path))
	}
	mode := j.f.Mode
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(j.f.Path, os.O_RDWR|os.O_CREATE, mode)
	if err != nil {
		return updater.Mark(updater.ErrIO, errors.Wrapf(err, "opening %s", j.f.Path))
	}
	j.out = out

	info, err := out.Stat()
	if err != nil {
		return updater.Mark(updater.ErrIO, errors.Wrapf(err, "statting %s", j.f.Path))
	}

	hdr := j.header()
	j.local, err = index.Build(ctx, io.NewSectionReader(out, 0, info.Size()), hdr.Chunker, hdr.Hash, index.BuildOptions{
		Workers: j.opts.ScanWorkers,
		Counter: chunkCounter{r: rep},
	})
	if err != nil {
		return errors.Wrap(err, "indexing local file")
	}
	j.logger.Debug("scanned local file", "bytes", info.Size(), "chunks", j.local.Len())
	return nil
}

func (j *job) reorder(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.setState(Diff)
	target, err := j.f.Reader.SourceIndex()
	if err != nil {
		return updater.Mark(updater.ErrMalformedArchive, err)
	}
	j.clone = clone.New(j.out, target, j.header().SourceLength)

	j.setState(Reorder)
	reused, err := j.clone.ReorderInPlace(ctx, j.local)
	if err != nil {
		return errors.Wrap(err, "reordering local chunks")
	}
	metricProcessedBytes.WithLabelValues(metricSourceLocalReused).Add(float64(reused))

	j.mu.Lock()
	j.res.Reused = reused
	j.mu.Unlock()

	j.logger.Debug("reordered local chunks", "reused", reused, "missing", j.clone.Chunks().Len())
	return nil
}

func (j *job) fetch(ctx context.Context, rep progress.Reporter) error {
	j.setState(Fetch)

	hashes := j.clone.Chunks().Hashes()
	descs := make([]updater.Descriptor, 0, len(hashes))
	for _, h := range hashes {
		d, ok := j.f.Reader.Descriptor(h)
		if !ok {
			return updater.Mark(updater.ErrMalformedArchive, errors.Errorf("no descriptor for chunk %s", h))
		}
		descs = append(descs, d)
	}
	// Request in archive order.
	sortByOffset(descs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.opts.FetchWorkers)

	for _, d := range descs {
		d := d
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			v, err := j.fetchChunk(gctx, d)
			if err != nil {
				return err
			}
			n, err := j.clone.Feed(v)
			if err != nil {
				return err
			}
			if n > 0 {
				j.written.Add(n)
				rep.Increment(int64(d.Size))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// fetchChunk gets one verified chunk through the cache.
// A cancelled fetch started by another file is retried here
// unless this file's own context is done.
func (j *job) fetchChunk(ctx context.Context, d updater.Descriptor) (updater.Verified, error) {
	direct := func() (updater.Verified, error) {
		metricChunkFetches.Inc()
		v, err := j.f.Reader.FetchVerified(ctx, d)
		if err != nil {
			return v, err
		}
		j.chunks.Add(1)
		j.fetched.Add(int64(d.CompressedSize))
		metricFetchedBytes.Add(float64(d.CompressedSize))
		metricProcessedBytes.WithLabelValues(metricSourceNetwork).Add(float64(d.Size))
		return v, nil
	}

	v, shared, err := j.opts.Cache.Fetch(d.Hash, direct)
	if err != nil && shared && updater.Kind(err) == updater.ErrCancelled && ctx.Err() == nil {
		return direct()
	}
	if err == nil && shared {
		j.shared.Add(1)
		metricProcessedBytes.WithLabelValues(metricSourceCache).Add(float64(d.Size))
	}
	return v, err
}

func (j *job) verify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.setState(Verify)
	if !j.clone.Done() {
		return updater.Mark(updater.ErrIO, errors.Errorf("%d chunks never written", j.clone.Chunks().Len()))
	}

	hdr := j.header()
	h := hdr.Hash.New()
	if _, err := io.Copy(h, io.NewSectionReader(j.out, 0, hdr.SourceLength)); err != nil {
		return updater.Mark(updater.ErrIO, errors.Wrap(err, "hashing rebuilt file"))
	}
	if got := hdr.Hash.Digest(h); got != hdr.SourceHash {
		return updater.Mark(updater.ErrIntegrity, errors.Errorf("rebuilt file hash %s, want %s", got, hdr.SourceHash))
	}
	if err := j.out.Sync(); err != nil {
		return updater.Mark(updater.ErrIO, errors.Wrap(err, "syncing"))
	}

	j.setState(Done)
	res := j.result()
	j.logger.Info("file up to date", "reused", res.Reused, "written", res.Written, "fetched", res.Fetched)
	return nil
}

func sortByOffset(descs []updater.Descriptor) {
	sort.Slice(descs, func(i, k int) bool { return descs[i].Offset < descs[k].Offset })
}

// reopen opens the destination again after close
// and hands it to the clone output.
func (j *job) reopen() error {
	if j.out != nil {
		return nil
	}
	out, err := os.OpenFile(j.f.Path, os.O_RDWR, 0)
	if err != nil {
		return updater.Mark(updater.ErrIO, errors.Wrapf(err, "reopening %s", j.f.Path))
	}
	j.out = out
	j.clone.Attach(out)
	return nil
}

func (j *job) close() {
	if j.out == nil {
		return
	}
	if err := j.out.Close(); err != nil {
		j.logger.Warn("closing file", "err", err)
	}
	j.out = nil
}
