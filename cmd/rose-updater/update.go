package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/rednimgames/rose-updater/archive"
	"github.com/rednimgames/rose-updater/cache"
	"github.com/rednimgames/rose-updater/dsync"
	"github.com/rednimgames/rose-updater/manifest"
	"github.com/rednimgames/rose-updater/manifest/sqlite3"
	"github.com/rednimgames/rose-updater/policy"
	"github.com/rednimgames/rose-updater/progress"
	"github.com/rednimgames/rose-updater/selfupdate"
	"github.com/rednimgames/rose-updater/source"
	"github.com/rednimgames/rose-updater/source/httpsrc"
)

func (c maincmd) update(
	ctx context.Context,
	url, output, manifestName, manifestStore string,
	skipUpdater, forceRecheck, forceRecheckUpdater bool,
	scanConcurrency, fetchConcurrency, fileConcurrency, retries int,
	rateLimit float64,
	metricsAddr string,
	_ []string,
) error {
	conf := c.conf
	conf.URL, conf.Output = url, output
	conf.ManifestName, conf.ManifestStore = manifestName, manifestStore
	conf.SkipUpdater, conf.ForceRecheck, conf.ForceRecheckUpdater = skipUpdater, forceRecheck, forceRecheckUpdater
	conf.ScanConcurrency, conf.FetchConcurrency, conf.FileConcurrency = scanConcurrency, fetchConcurrency, fileConcurrency
	conf.Retries, conf.RateLimit, conf.MetricsAddr = retries, rateLimit, metricsAddr

	if conf.MetricsAddr != "" {
		go serveMetrics(conf.MetricsAddr, c)
	}

	live, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "locating updater executable")
	}

	wholeFile, err := policy.Compile(conf.WholeFilePatterns)
	if err != nil {
		return err
	}

	chunkCache, err := cache.New(conf.CacheSize)
	if err != nil {
		return errors.Wrap(err, "creating chunk cache")
	}

	store, closeStore, err := c.localStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	installer := &selfupdate.Installer{LivePath: live, Logger: c.logger}
	installer.CleanupBackup() // best effort; fails while the old updater is still exiting

	var state progress.State

	fl := &dsync.Fleet{
		BaseURL:       conf.URL,
		OutputDir:     conf.Output,
		ManifestName:  conf.ManifestName,
		LocalManifest: store,
		Policy:        wholeFile,
		Progress:      &state,
		Options: dsync.Options{
			ScanWorkers:  conf.ScanConcurrency,
			FetchWorkers: conf.FetchConcurrency,
			Retry:        archive.RetryPolicy{Retries: conf.Retries},
			Cache:        chunkCache,
			Logger:       c.logger,
		},
		SourceOptions:       c.sourceOptions(),
		SelfUpdate:          installer,
		Args:                os.Args[1:],
		FileWorkers:         conf.FileConcurrency,
		SkipUpdater:         conf.SkipUpdater,
		ForceRecheck:        conf.ForceRecheck,
		ForceRecheckUpdater: conf.ForceRecheckUpdater,
		Logger:              c.logger,
	}

	report, err := fl.Run(ctx)
	if report != nil {
		printReport(report, chunkCache)
	}
	return err
}

// localStore opens the configured local manifest store.
// A nil store means the fleet's default JSON file.
func (c maincmd) localStore(ctx context.Context) (manifest.Store, func(), error) {
	switch strings.ToLower(c.conf.ManifestStore) {
	case "", "json":
		return nil, func() {}, nil

	case "sqlite3":
		host := "default"
		if u, err := source.Parse(c.conf.URL); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
		path := filepath.Join(filepath.Dir(manifest.LocalPath(c.conf.Output, host)), "local_manifest.sqlite3")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, nil, errors.Wrapf(err, "creating %s", filepath.Dir(path))
		}
		s, err := sqlite3.Open(ctx, path)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "opening %s", path)
		}
		return s, func() { s.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown manifest store %q", c.conf.ManifestStore)
	}
}

func (c maincmd) sourceOptions() source.Options {
	opts := source.Options{
		Client: httpsrc.NewClient(httpsrc.ClientOptions{
			DNSServer: c.conf.DNSServer,
			Timeout:   c.conf.timeout(),
		}),
	}
	if c.conf.RateLimit > 0 {
		burst := int(c.conf.RateLimit)
		if burst < 1<<20 {
			burst = 1 << 20
		}
		opts.Limiter = rate.NewLimiter(rate.Limit(c.conf.RateLimit), burst)
	}
	if c.conf.Debug {
		opts.Logger = c.logger
	}
	return opts
}

func serveMetrics(addr string, c maincmd) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	c.logger.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		c.logger.Error("serving metrics", "err", err)
	}
}

func printReport(report *dsync.Report, chunkCache *cache.Cache) {
	if report.Result == dsync.UpdaterUpdated {
		fmt.Println("updater updated, restarting")
		return
	}
	var reused, written, fetched int64
	for _, res := range report.Files {
		reused += res.Reused
		written += res.Written
		fetched += res.Fetched
	}
	hits, misses := chunkCache.Stats()
	fmt.Printf("%d files updated, %d already current, %d failed\n", len(report.Files)-len(report.Errors), report.Skipped, len(report.Errors))
	fmt.Printf("reused %d bytes, wrote %d bytes, downloaded %d bytes (cache: %d hits, %d misses)\n", reused, written, fetched, hits, misses)
	for path, err := range report.Errors {
		fmt.Printf("  %s: %s\n", path, err)
	}
}
