package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/rednimgames/rose-updater/archive"
	"github.com/rednimgames/rose-updater/cache"
	"github.com/rednimgames/rose-updater/dsync"
	"github.com/rednimgames/rose-updater/manifest"
	"github.com/rednimgames/rose-updater/policy"
)

// config is the contents of the -config file.
// Fields left out keep their defaults.
type config struct {
	URL          string `json:"url"`
	Output       string `json:"output"`
	ManifestName string `json:"manifest_name"`

	// ManifestStore is "json" (the default) or "sqlite3".
	ManifestStore string `json:"manifest_store"`

	SkipUpdater         bool `json:"skip_updater"`
	ForceRecheck        bool `json:"force_recheck"`
	ForceRecheckUpdater bool `json:"force_recheck_updater"`

	WholeFilePatterns []string `json:"whole_file_patterns"`

	ScanConcurrency  int `json:"scan_concurrency"`
	FetchConcurrency int `json:"fetch_concurrency"`
	FileConcurrency  int `json:"file_concurrency"`
	Retries          int `json:"retries"`
	CacheSize        int `json:"cache_size"`

	// RateLimit is in bytes per second. Zero means unlimited.
	RateLimit float64 `json:"rate_limit"`

	DNSServer      string `json:"dns_server"`
	TimeoutSeconds int    `json:"timeout_seconds"`

	MetricsAddr string `json:"metrics_addr"`
	Debug       bool   `json:"debug"`
}

func defaultConfig() *config {
	return &config{
		URL:               "https://updates2.roseonlinegame.com",
		Output:            ".",
		ManifestName:      manifest.DefaultName,
		ManifestStore:     "json",
		WholeFilePatterns: append([]string(nil), policy.DefaultPatterns...),
		ScanConcurrency:   dsync.DefaultWorkers,
		FetchConcurrency:  dsync.DefaultWorkers,
		FileConcurrency:   dsync.DefaultFileWorkers,
		Retries:           archive.DefaultRetries,
		CacheSize:         cache.DefaultSize,
		DNSServer:         "1.1.1.1:53",
	}
}

// loadConfig reads filename over the defaults.
// A missing file is not an error unless required is set.
func loadConfig(filename string, required bool) (*config, error) {
	conf := defaultConfig()
	if filename == "" {
		return conf, nil
	}
	f, err := os.Open(filename)
	if os.IsNotExist(err) && !required {
		return conf, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening config file %s", filename)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err = dec.Decode(conf); err != nil {
		return nil, errors.Wrapf(err, "decoding config file %s", filename)
	}
	return conf, nil
}

func (c *config) timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
