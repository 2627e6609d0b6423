package main

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/rednimgames/rose-updater/archive"
	"github.com/rednimgames/rose-updater/manifest"
)

type publishConfig struct {
	Input, Output string
	Prefix, Ext   string

	// Updater is the updater binary's path relative to Input.
	// It is published as the manifest's updater entry, not as a file.
	Updater string

	Workers int
	Create  archive.CreateOptions
}

func (cfg publishConfig) archivePath(rel string) string {
	p := rel + "." + cfg.Ext
	if cfg.Prefix != "" {
		p = path.Join(cfg.Prefix, p)
	}
	return p
}

// publish archives the files under cfg.Input and writes the remote manifest.
// Files are listed in the manifest sorted by path.
func publish(ctx context.Context, cfg publishConfig) (*manifest.Remote, error) {
	outAbs, err := filepath.Abs(cfg.Output)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", cfg.Output)
	}

	var rels []string
	err = filepath.WalkDir(cfg.Input, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if abs, err := filepath.Abs(p); err == nil && abs == outAbs {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(cfg.Input, p)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking %s", cfg.Input)
	}
	sort.Strings(rels)

	entries := make([]manifest.RemoteEntry, len(rels))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	}
	for i, rel := range rels {
		i, rel := i, rel
		g.Go(func() error {
			e, err := cfg.archiveOne(gctx, rel)
			if err != nil {
				return err
			}
			entries[i] = e
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}

	m := &manifest.Remote{Version: manifest.Version, Files: []manifest.RemoteEntry{}}
	for _, e := range entries {
		if cfg.Updater != "" && strings.EqualFold(e.SourcePath, cfg.Updater) {
			m.Updater = e
			continue
		}
		m.Files = append(m.Files, e)
	}

	var buf bytes.Buffer
	if err = manifest.Encode(&buf, m); err != nil {
		return nil, err
	}
	manifestPath := filepath.Join(cfg.Output, manifest.DefaultName)
	if err = os.WriteFile(manifestPath, buf.Bytes(), 0644); err != nil {
		return nil, errors.Wrapf(err, "writing %s", manifestPath)
	}
	return m, nil
}

func (cfg publishConfig) archiveOne(ctx context.Context, rel string) (manifest.RemoteEntry, error) {
	var (
		archPath = cfg.archivePath(rel)
		outpath  = filepath.Join(cfg.Output, filepath.FromSlash(archPath))
		inpath   = filepath.Join(cfg.Input, filepath.FromSlash(rel))
	)
	if err := os.MkdirAll(filepath.Dir(outpath), 0755); err != nil {
		return manifest.RemoteEntry{}, errors.Wrapf(err, "creating %s", filepath.Dir(outpath))
	}
	hdr, err := archive.CreateFile(ctx, outpath, inpath, cfg.Create)
	if err != nil {
		return manifest.RemoteEntry{}, errors.Wrapf(err, "archiving %s", rel)
	}
	return manifest.RemoteEntry{
		Path:       archPath,
		SourcePath: rel,
		SourceHash: hdr.Hash.Bytes(hdr.SourceHash),
		SourceSize: hdr.SourceLength,
	}, nil
}
