// Package file implements sources backed by local files.
package file

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/source"
)

var _ source.Source = &Source{}

// Source reads ranges of a local file.
// The file is opened for each read,
// so a Source holds no descriptors between calls.
type Source struct {
	path string
}

// New produces a Source reading the file at path.
func New(path string) *Source {
	return &Source{path: path}
}

// ReadRange implements source.Source.
func (s *Source) ReadRange(ctx context.Context, off int64, n int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, updater.Canceled(err)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, updater.Mark(updater.ErrTransport, errors.Wrapf(err, "opening %s", s.path))
	}
	defer f.Close()

	buf := make([]byte, n)
	if err = readAt(f, buf, off); err != nil {
		return nil, updater.Mark(updater.ErrTransport, errors.Wrapf(err, "reading %d bytes at %d from %s", n, off, s.path))
	}
	return buf, nil
}

// readAt fills buf from r at off.
// A reader may report io.EOF along with a full buffer when the range ends the file;
// that is not an error.
func readAt(r io.ReaderAt, buf []byte, off int64) error {
	m, err := r.ReadAt(buf, off)
	if err == io.EOF && m == len(buf) {
		return nil
	}
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Open implements source.Source.
func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, updater.Canceled(err)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, updater.Mark(updater.ErrTransport, errors.Wrapf(err, "opening %s", s.path))
	}
	return f, nil
}

func (s *Source) String() string {
	return s.path
}

func init() {
	source.Register("file", func(_ context.Context, u *url.URL, _ source.Options) (source.Source, error) {
		return New(filepath.FromSlash(u.Path)), nil
	})
}
