// Command rose-updater keeps a local installation in step with a remote update server.
//
// Usage:
//
//	rose-updater [-config FILE] [-debug] [update|clone|inspect|cleanup] ...
//
// With no subcommand it runs update.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/bobg/subcmd"

	"github.com/rednimgames/rose-updater/selfupdate"
	_ "github.com/rednimgames/rose-updater/source/file"
	_ "github.com/rednimgames/rose-updater/source/gcs"
	_ "github.com/rednimgames/rose-updater/source/httpsrc"
	_ "github.com/rednimgames/rose-updater/source/logging"
)

type maincmd struct {
	conf   *config
	logger *slog.Logger
}

func main() {
	var (
		configFile = flag.String("config", "rose-updater.json", "path to config file")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})

	conf, err := loadConfig(*configFile, explicit)
	if err != nil {
		slog.Error("loading config", "err", err)
		os.Exit(1)
	}
	if *debug {
		conf.Debug = true
	}

	level := slog.LevelInfo
	if conf.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		sig := <-sigCh
		logger.Info("got signal, cancelling", "signal", sig)
		cancel()
	}()

	args := flag.Args()
	if len(args) == 0 {
		args = []string{"update"}
	}

	err = subcmd.Run(ctx, maincmd{conf: conf, logger: logger}, args)
	if err != nil {
		logger.Error("failed", "err", err)
		cancel()
		os.Exit(1)
	}
}

// Subcmds implements subcmd.Cmd.
// Flag defaults come from the config file.
func (c maincmd) Subcmds() subcmd.Map {
	conf := c.conf
	return subcmd.Commands(
		"update", c.update, subcmd.Params(
			"url", subcmd.String, conf.URL, "base URL of the update server",
			"output", subcmd.String, conf.Output, "root of the installation",
			"manifest-name", subcmd.String, conf.ManifestName, "name of the remote manifest",
			"manifest-store", subcmd.String, conf.ManifestStore, "local manifest store: json or sqlite3",
			"skip-updater", subcmd.Bool, conf.SkipUpdater, "do not update the updater",
			"force-recheck", subcmd.Bool, conf.ForceRecheck, "scan every file regardless of the local manifest",
			selfupdate.RecheckFlag, subcmd.Bool, conf.ForceRecheckUpdater, "update the updater regardless of the local manifest",
			"scan-concurrency", subcmd.Int, conf.ScanConcurrency, "concurrent chunk hashing workers per file",
			"fetch-concurrency", subcmd.Int, conf.FetchConcurrency, "concurrent chunk downloads per file",
			"file-concurrency", subcmd.Int, conf.FileConcurrency, "files scanned or downloaded at once",
			"retries", subcmd.Int, conf.Retries, "retries per failed request",
			"rate-limit", subcmd.Float64, conf.RateLimit, "download limit in bytes per second (0 for none)",
			"metrics", subcmd.String, conf.MetricsAddr, "address on which to serve prometheus metrics",
		),
		"clone", c.clone, subcmd.Params(
			"scan-concurrency", subcmd.Int, conf.ScanConcurrency, "concurrent chunk hashing workers",
			"fetch-concurrency", subcmd.Int, conf.FetchConcurrency, "concurrent chunk downloads",
			"retries", subcmd.Int, conf.Retries, "retries per failed request",
		),
		"inspect", c.inspect, subcmd.Params(
			"chunks", subcmd.Bool, false, "list every chunk",
		),
		"cleanup", c.cleanup, nil,
	)
}
