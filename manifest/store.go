package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	updater "github.com/rednimgames/rose-updater"
)

// Store persists the local manifest.
type Store interface {
	// Load returns the stored manifest,
	// or an empty one at the current Version if nothing has been stored.
	Load(context.Context) (*Local, error)

	// Save replaces the stored manifest.
	Save(context.Context, *Local) error
}

// Empty is a new local manifest recording no files.
func Empty() *Local {
	return &Local{Version: Version, Files: []LocalEntry{}}
}

// LocalPath is where a FileStore keeps the local manifest for updates from host,
// under the output directory.
// Each host gets its own manifest so one tree can follow several update servers.
func LocalPath(outputDir, host string) string {
	if host == "" {
		host = "default"
	}
	return filepath.Join(outputDir, "updater", host, "local_manifest.json")
}

var _ Store = &FileStore{}

// FileStore keeps the local manifest in a JSON file.
type FileStore struct {
	Path string
}

// NewFileStore produces a FileStore at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load implements Store.Load.
func (s *FileStore) Load(ctx context.Context) (*Local, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Empty(), nil
	}
	if err != nil {
		return nil, updater.Mark(updater.ErrIO, errors.Wrapf(err, "reading local manifest %s", s.Path))
	}
	var m Local
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrapf(err, "decoding local manifest %s", s.Path)
	}
	return &m, nil
}

// Save implements Store.Save.
// The file is replaced atomically,
// so a crash leaves either the old manifest or the new one.
func (s *FileStore) Save(ctx context.Context, m *Local) error {
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		return err
	}
	return updater.Mark(updater.ErrIO, writeFileAtomic(s.Path, buf.Bytes()))
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	tmpname := f.Name()
	defer os.Remove(tmpname)

	if _, err = f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", tmpname)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "syncing %s", tmpname)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", tmpname)
	}
	return errors.Wrapf(os.Rename(tmpname, path), "renaming %s to %s", tmpname, path)
}
