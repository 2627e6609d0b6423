// Package manifest describes the files an update publishes and the files a client has.
//
// A Remote manifest is published next to the archives.
// A Local manifest records what the last successful run installed,
// so unchanged files can be skipped without scanning them.
package manifest

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"strconv"

	"github.com/pkg/errors"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/source"
)

// Version is the local manifest version this package writes.
const Version = 1

// DefaultName is the file name of the remote manifest under the update URL.
const DefaultName = "manifest.json"

// Digest is a whole-file hash.
// It encodes in JSON as an array of byte values.
// Decoding also accepts a hex string.
type Digest []byte

// MarshalJSON implements json.Marshaler.
func (d Digest) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 2+4*len(d))
	buf = append(buf, '[')
	for i, b := range d {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendUint(buf, uint64(b), 10)
	}
	return append(buf, ']'), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Digest) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*d = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		decoded, err := hex.DecodeString(s)
		if err != nil {
			return errors.Wrapf(err, "decoding hex digest %q", s)
		}
		*d = decoded
		return nil
	}
	var ints []int
	if err := json.Unmarshal(b, &ints); err != nil {
		return errors.Wrap(err, "decoding digest")
	}
	out := make(Digest, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return errors.Errorf("digest byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*d = out
	return nil
}

// Equal tells whether d and other hold the same bytes.
func (d Digest) Equal(other Digest) bool {
	return bytes.Equal(d, other)
}

func (d Digest) String() string {
	return hex.EncodeToString(d)
}

// Hash converts d to an updater.Hash.
func (d Digest) Hash() updater.Hash {
	return updater.HashFromBytes(d)
}

type (
	// RemoteEntry describes one published file.
	RemoteEntry struct {
		// Path is the archive location, relative to the update URL.
		Path string `json:"path"`

		// SourcePath is where the file belongs, relative to the output directory.
		SourcePath string `json:"source_path"`

		SourceHash Digest `json:"source_hash"`
		SourceSize int64  `json:"source_size"`
	}

	// Remote lists the published files.
	// Updater is the updater binary itself.
	Remote struct {
		Version int           `json:"version"`
		Updater RemoteEntry   `json:"updater"`
		Files   []RemoteEntry `json:"files"`
	}

	// LocalEntry records one installed file.
	LocalEntry struct {
		Path string `json:"path"`
		Hash Digest `json:"hash"`
		Size int64  `json:"size"`
	}

	// Local lists the installed files.
	Local struct {
		Version int          `json:"version"`
		Updater LocalEntry   `json:"updater"`
		Files   []LocalEntry `json:"files"`
	}
)

// Installed is the LocalEntry recording e as installed.
func (e RemoteEntry) Installed() LocalEntry {
	return LocalEntry{Path: e.SourcePath, Hash: e.SourceHash, Size: e.SourceSize}
}

// Matches tells whether l records the file e describes.
func (e RemoteEntry) Matches(l LocalEntry) bool {
	return e.SourcePath == l.Path && e.SourceHash.Equal(l.Hash) && e.SourceSize == l.Size
}

// Lookup finds the entry for path.
func (l *Local) Lookup(path string) (LocalEntry, bool) {
	if l == nil {
		return LocalEntry{}, false
	}
	for _, e := range l.Files {
		if e.Path == path {
			return e, true
		}
	}
	return LocalEntry{}, false
}

// Set adds e, replacing any entry with the same path.
func (l *Local) Set(e LocalEntry) {
	for i, old := range l.Files {
		if old.Path == e.Path {
			l.Files[i] = e
			return
		}
	}
	l.Files = append(l.Files, e)
}

// UpdaterCurrent tells whether the installed updater matches the published one.
func (l *Local) UpdaterCurrent(r *Remote) bool {
	return l != nil && r.Updater.SourceHash.Equal(l.Updater.Hash)
}

// Diff returns the entries of remote that must be synchronized:
// those local has no record of,
// those whose recorded hash or size differs,
// and those whose file is missing according to exists.
// Entries keep their remote order.
func Diff(remote *Remote, local *Local, exists func(sourcePath string) bool) []RemoteEntry {
	byPath := make(map[string]LocalEntry)
	if local != nil {
		for _, e := range local.Files {
			byPath[e.Path] = e
		}
	}

	var out []RemoteEntry
	for _, e := range remote.Files {
		if l, ok := byPath[e.SourcePath]; ok && e.Matches(l) && (exists == nil || exists(e.SourcePath)) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Decode parses a remote manifest.
func Decode(r io.Reader) (*Remote, error) {
	var m Remote
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, errors.Wrap(err, "decoding manifest")
	}
	return &m, nil
}

// Encode writes m as JSON.
func Encode(w io.Writer, m interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(m), "encoding manifest")
}

// Fetch downloads and parses the remote manifest in src.
// Transient failures are retried with retry.
func Fetch(ctx context.Context, src source.Source, retry func(context.Context, func() error) error) (*Remote, error) {
	if retry == nil {
		retry = func(_ context.Context, f func() error) error { return f() }
	}
	var m *Remote
	err := retry(ctx, func() error {
		b, err := source.ReadAll(ctx, src)
		if err != nil {
			return err
		}
		m, err = Decode(bytes.NewReader(b))
		return updater.Mark(updater.ErrMalformedArchive, err)
	})
	return m, errors.Wrapf(err, "fetching manifest %s", src)
}
