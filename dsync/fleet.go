package dsync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bobg/flock"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/manifest"
	"github.com/rednimgames/rose-updater/policy"
	"github.com/rednimgames/rose-updater/progress"
	"github.com/rednimgames/rose-updater/source"
)

// DefaultFileWorkers is the default for Fleet.FileWorkers.
const DefaultFileWorkers = 8

// RunResult tells what a fleet run accomplished.
type RunResult int

const (
	// ApplicationUpdated means the files were synchronized.
	ApplicationUpdated RunResult = iota

	// UpdaterUpdated means only the updater was replaced,
	// and it has been restarted to synchronize the files.
	UpdaterUpdated
)

func (r RunResult) String() string {
	if r == UpdaterUpdated {
		return "updater updated"
	}
	return "application updated"
}

// SelfUpdater swaps in a new updater binary.
// *selfupdate.Installer implements it.
type SelfUpdater interface {
	// TempPath is where the new binary is downloaded.
	TempPath() string

	// Install moves the downloaded binary into place.
	Install() error

	// Restart starts the new binary with args.
	Restart(args []string) error
}

// Fleet synchronizes every file published under an update URL.
type Fleet struct {
	// BaseURL is where the remote manifest and the archives it names are found.
	BaseURL string

	// OutputDir is the root of the local file tree.
	OutputDir string

	// ManifestName is the remote manifest's path under BaseURL.
	// Empty means manifest.DefaultName.
	ManifestName string

	// LocalManifest stores what has been installed.
	// Nil means a manifest.FileStore at manifest.LocalPath(OutputDir, host of BaseURL).
	LocalManifest manifest.Store

	// Policy selects files that are replaced whole.
	// Those files are deleted before synchronization.
	Policy *policy.WholeFile

	// Progress receives the run's stages and progress.
	Progress progress.Reporter

	// Options applies to every file.
	// Its Progress field is ignored in favor of the one above.
	Options Options

	// SourceOptions is passed to source.Create for the manifest and each archive.
	SourceOptions source.Options

	// SelfUpdate, if set, is used to update the updater before any other file.
	SelfUpdate SelfUpdater

	// Args are passed to SelfUpdate.Restart.
	Args []string

	// SkipUpdater disables the self-update step.
	SkipUpdater bool

	// ForceRecheck ignores the local manifest, so every file is scanned.
	ForceRecheck bool

	// ForceRecheckUpdater updates the updater even if the local manifest says it is current.
	ForceRecheckUpdater bool

	// FileWorkers bounds the files scanned or fetched at once,
	// and so the number of destination files open at once.
	// Zero means DefaultFileWorkers.
	FileWorkers int

	Logger *slog.Logger

	locker flock.Locker
}

// Report describes a fleet run.
type Report struct {
	Result RunResult

	// Files has one entry per file that needed synchronizing, in manifest order.
	Files []*FileResult

	// Skipped counts the files already up to date.
	Skipped int

	// Errors maps the paths of failed files to their errors.
	Errors updater.FileErrors
}

// LockPath is the lock file guarding the output directory during a run.
func (fl *Fleet) LockPath() string {
	return filepath.Join(fl.OutputDir, "updater", ".lock")
}

func (fl *Fleet) logger() *slog.Logger {
	if fl.Logger != nil {
		return fl.Logger
	}
	return slog.Default()
}

func (fl *Fleet) fileWorkers() int {
	if fl.FileWorkers > 0 {
		return fl.FileWorkers
	}
	return DefaultFileWorkers
}

func (fl *Fleet) reporter() progress.Reporter {
	if fl.Progress != nil {
		return fl.Progress
	}
	return progress.Nop
}

func (fl *Fleet) lock() (unlock func(), err error) {
	path := fl.LockPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, updater.Mark(updater.ErrIO, errors.Wrapf(err, "creating %s", filepath.Dir(path)))
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, updater.Mark(updater.ErrIO, errors.Wrapf(err, "creating %s", path))
	}
	f.Close()

	if err := fl.locker.Lock(path); err != nil {
		return nil, updater.Mark(updater.ErrIO, errors.Wrapf(err, "locking %s", path))
	}
	return func() {
		if err := fl.locker.Unlock(path); err != nil {
			fl.logger().Warn("unlocking output directory", "path", path, "err", err)
		}
	}, nil
}

// Run performs one update.
// If the updater itself is out of date it is replaced and restarted,
// and nothing else is done.
// Otherwise every file that differs from the remote manifest is synchronized.
// A file that fails does not stop the others;
// the failures are reported together as an updater.FileErrors,
// and only the files that succeeded are recorded in the local manifest.
func (fl *Fleet) Run(ctx context.Context) (report *Report, err error) {
	var (
		rep    = fl.reporter()
		logger = fl.logger()
	)
	rep.SetStage(progress.FetchingMetadata)
	defer func() {
		if err != nil {
			rep.SetStage(progress.Failed)
		}
	}()

	if err := os.MkdirAll(fl.OutputDir, 0755); err != nil {
		return nil, updater.Mark(updater.ErrIO, errors.Wrapf(err, "creating output directory %s", fl.OutputDir))
	}
	unlock, err := fl.lock()
	if err != nil {
		return nil, err
	}
	defer unlock()

	base, err := source.Parse(fl.BaseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", fl.BaseURL)
	}
	store := fl.LocalManifest
	if store == nil {
		store = manifest.NewFileStore(manifest.LocalPath(fl.OutputDir, base.Hostname()))
	}

	logger.Info("starting update", "url", fl.BaseURL, "output", fl.OutputDir)

	remote, err := fl.fetchManifest(ctx)
	if err != nil {
		return nil, err
	}
	local, err := store.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "loading local manifest")
	}

	if fl.needsSelfUpdate(remote, local) {
		if err := fl.updateUpdater(ctx, remote, local, store); err != nil {
			return nil, errors.Wrap(err, "updating updater")
		}
		rep.SetStage(progress.Done)
		return &Report{Result: UpdaterUpdated}, nil
	}

	compare := local
	if fl.ForceRecheck {
		compare = manifest.Empty()
	}
	entries := manifest.Diff(remote, compare, func(p string) bool {
		_, err := os.Stat(fl.localPath(p))
		return err == nil
	})
	report = &Report{Skipped: len(remote.Files) - len(entries)}
	metricFiles.WithLabelValues(metricResultSkipped).Add(float64(report.Skipped))
	logger.Info("files to update", "count", len(entries), "skipped", report.Skipped)

	fl.deleteWholeFiles(entries)

	jobs := fl.syncAll(ctx, entries)

	succeeded := make(map[string]bool)
	for i, j := range jobs {
		res := j.result()
		report.Files = append(report.Files, res)
		if res.Err != nil {
			report.Errors.Add(entries[i].SourcePath, res.Err)
			if updater.Kind(res.Err) == updater.ErrCancelled {
				metricFiles.WithLabelValues(metricResultCancelled).Inc()
			} else {
				metricFiles.WithLabelValues(metricResultFailed).Inc()
			}
			continue
		}
		succeeded[entries[i].SourcePath] = true
		metricFiles.WithLabelValues(metricResultUpdated).Inc()
	}

	if err := fl.saveManifest(ctx, store, remote, local, entries, succeeded); err != nil {
		return report, err
	}

	if err := report.Errors.Err(); err != nil {
		return report, err
	}
	rep.SetStage(progress.Done)
	logger.Info("update complete", "files", len(entries))
	return report, nil
}

func (fl *Fleet) localPath(sourcePath string) string {
	return filepath.Join(fl.OutputDir, filepath.FromSlash(sourcePath))
}

func (fl *Fleet) fileOptions() Options {
	opts := fl.Options
	opts.Progress = fl.reporter()
	if opts.Logger == nil {
		opts.Logger = fl.logger()
	}
	return opts.withDefaults()
}

func (fl *Fleet) createSource(ctx context.Context, rel string) (source.Source, error) {
	u, err := source.Join(fl.BaseURL, rel)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", rel)
	}
	return source.Create(ctx, u, fl.SourceOptions)
}

func (fl *Fleet) fetchManifest(ctx context.Context) (*manifest.Remote, error) {
	name := fl.ManifestName
	if name == "" {
		name = manifest.DefaultName
	}
	src, err := fl.createSource(ctx, name)
	if err != nil {
		return nil, err
	}
	return manifest.Fetch(ctx, src, fl.Options.Retry.Do)
}

func (fl *Fleet) needsSelfUpdate(remote *manifest.Remote, local *manifest.Local) bool {
	if fl.SelfUpdate == nil || fl.SkipUpdater || remote.Updater.Path == "" {
		return false
	}
	return fl.ForceRecheckUpdater || !local.UpdaterCurrent(remote)
}

// updateUpdater downloads the new updater beside the live one, swaps it in,
// records it in the local manifest, and restarts it.
// The other files are left for the restarted updater.
func (fl *Fleet) updateUpdater(ctx context.Context, remote *manifest.Remote, local *manifest.Local, store manifest.Store) error {
	rep := fl.reporter()
	progress.Reset(rep, progress.UpdatingUpdater, remote.Updater.SourceSize)
	fl.logger().Info("updating updater", "path", remote.Updater.SourcePath)

	src, err := fl.createSource(ctx, remote.Updater.Path)
	if err != nil {
		return err
	}

	opts := fl.fileOptions()
	opts.Progress = &stageGuard{Reporter: rep}
	if _, err = SyncFile(ctx, File{Source: src, Path: fl.SelfUpdate.TempPath(), Mode: 0755}, opts); err != nil {
		return err
	}
	if err = fl.SelfUpdate.Install(); err != nil {
		return err
	}

	local.Version = manifest.Version
	local.Updater = remote.Updater.Installed()
	if err = store.Save(context.WithoutCancel(ctx), local); err != nil {
		return errors.Wrap(err, "saving local manifest")
	}
	return fl.SelfUpdate.Restart(fl.Args)
}

// stageGuard passes increments through
// but keeps the caller's stage and maximum.
type stageGuard struct {
	progress.Reporter
}

func (stageGuard) SetStage(progress.Stage) {}
func (stageGuard) SetMax(int64)            {}

// deleteWholeFiles removes the local copies of the entries the policy selects.
func (fl *Fleet) deleteWholeFiles(entries []manifest.RemoteEntry) {
	for _, e := range entries {
		if !fl.Policy.Match(e.SourcePath) {
			continue
		}
		path := fl.localPath(e.SourcePath)
		err := os.Remove(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			fl.logger().Error("deleting file for whole replacement", "path", path, "err", err)
			continue
		}
		fl.logger().Debug("deleted file for whole replacement", "path", path, "patterns", fl.Policy.Patterns())
	}
}

// syncAll synchronizes the files for entries, one job per entry.
// Each phase runs for every file that has not yet failed,
// so progress can be reported across all files.
func (fl *Fleet) syncAll(ctx context.Context, entries []manifest.RemoteEntry) []*job {
	var (
		opts = fl.fileOptions()
		rep  = opts.Progress
		jobs = make([]*job, len(entries))
	)
	for i, e := range entries {
		jobs[i] = newJob(File{Path: fl.localPath(e.SourcePath)}, opts)
	}
	defer func() {
		for _, j := range jobs {
			j.close()
		}
	}()

	// Archive readers are opened concurrently.
	fl.each(ctx, jobs, 0, func(ctx context.Context, i int, j *job) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		src, err := fl.createSource(ctx, entries[i].Path)
		if err != nil {
			return updater.Mark(updater.ErrTransport, err)
		}
		j.f.Source = src
		return j.fetchHeader(ctx)
	})

	var localChunks int64
	for _, j := range jobs {
		if !j.failed() {
			localChunks += j.estimateLocalChunks()
		}
	}
	progress.Reset(rep, progress.CheckingFiles, localChunks)
	fl.logger().Info("building local chunk indexes", "chunks", localChunks)

	// Each destination file is open only while one of its phases runs.
	fl.each(ctx, jobs, fl.fileWorkers(), func(ctx context.Context, _ int, j *job) error {
		defer j.close()
		if err := j.scan(ctx, rep); err != nil {
			return err
		}
		return j.reorder(ctx)
	})

	var (
		missingChunks int
		missingBytes  int64
	)
	for _, j := range jobs {
		if !j.failed() {
			missingChunks += j.clone.Chunks().Len()
			missingBytes += j.clone.Remaining()
		}
	}
	progress.Reset(rep, progress.DownloadingUpdates, missingBytes)
	fl.logger().Info("downloading missing chunks", "chunks", missingChunks, "bytes", missingBytes)

	fl.each(ctx, jobs, fl.fileWorkers(), func(ctx context.Context, _ int, j *job) error {
		defer j.close()
		if err := j.reopen(); err != nil {
			return err
		}
		if err := j.fetch(ctx, rep); err != nil {
			return err
		}
		return j.verify(ctx)
	})
	return jobs
}

// each calls f concurrently for every job that has not failed,
// at most limit at a time (no limit if limit is zero),
// recording a job's error as its failure.
// One job's failure does not affect the others.
func (fl *Fleet) each(ctx context.Context, jobs []*job, limit int, f func(context.Context, int, *job) error) {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, j := range jobs {
		i, j := i, j
		if j.failed() {
			continue
		}
		g.Go(func() error {
			if err := f(ctx, i, j); err != nil {
				j.fail(err)
			}
			return nil
		})
	}
	g.Wait()
}

// saveManifest records the installed state:
// files that were already current and files that succeeded.
// A failed file is left out so the next run rescans it.
func (fl *Fleet) saveManifest(ctx context.Context, store manifest.Store, remote *manifest.Remote, local *manifest.Local, needed []manifest.RemoteEntry, succeeded map[string]bool) error {
	attempted := make(map[string]bool, len(needed))
	for _, e := range needed {
		attempted[e.SourcePath] = true
	}

	next := manifest.Empty()
	next.Updater = local.Updater
	for _, e := range remote.Files {
		if attempted[e.SourcePath] && !succeeded[e.SourcePath] {
			continue
		}
		next.Set(e.Installed())
	}

	if err := store.Save(context.WithoutCancel(ctx), next); err != nil {
		return errors.Wrap(err, "saving local manifest")
	}
	return nil
}
