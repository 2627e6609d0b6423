package archive

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/chunker"
	"github.com/rednimgames/rose-updater/codec"
)

// CreateOptions controls Create.
type CreateOptions struct {
	Chunker chunker.Config
	Codec   string
	Level   int
	Hash    updater.HashFunc

	// TempDir is where compressed chunks are spooled before the header is written.
	// Empty means os.TempDir.
	TempDir string
}

// DefaultCreateOptions is fixed-size chunking, zstd at level 4, and SHA-256.
var DefaultCreateOptions = CreateOptions{
	Chunker: chunker.DefaultConfig,
	Codec:   codec.ZstdName,
	Level:   4,
	Hash:    updater.DefaultHashFunc,
}

// Create reads a source file from r and writes an archive of it to w.
// Each distinct chunk is compressed and stored once.
// It returns the header of the new archive.
func Create(ctx context.Context, w io.Writer, r io.Reader, opts CreateOptions) (*Header, error) {
	if err := opts.Hash.Validate(); err != nil {
		return nil, err
	}
	c, err := codec.New(opts.Codec, opts.Level)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(opts.TempDir, "rose-archive-*")
	if err != nil {
		return nil, errors.Wrap(err, "creating temp file")
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	var (
		hdr = &Header{
			Version: Version,
			Chunker: opts.Chunker,
			Codec:   c.Name(),
			Hash:    opts.Hash,
		}
		whole = opts.Hash.New()
		seen  = make(map[updater.Hash]updater.Descriptor)
		pos   int64
	)

	err = opts.Chunker.All(r, func(chunk chunker.Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		whole.Write(chunk.Data)
		hdr.SourceLength += int64(len(chunk.Data))

		h := opts.Hash.Sum(chunk.Data)
		if d, ok := seen[h]; ok {
			hdr.Chunks = append(hdr.Chunks, d)
			return nil
		}

		compressed, err := c.Compress(chunk.Data)
		if errors.Is(err, codec.ErrIncompressible) || (err == nil && len(compressed) >= len(chunk.Data)) {
			compressed, err = chunk.Data, nil
		}
		if err != nil {
			return errors.Wrapf(err, "compressing chunk at %d", chunk.Offset)
		}
		if _, err = tmp.Write(compressed); err != nil {
			return errors.Wrap(err, "spooling chunk")
		}

		d := updater.Descriptor{
			Hash:           h,
			Size:           len(chunk.Data),
			Offset:         pos,
			CompressedSize: len(compressed),
		}
		pos += int64(len(compressed))
		seen[h] = d
		hdr.Chunks = append(hdr.Chunks, d)
		return nil
	})
	if err != nil {
		return nil, updater.Canceled(errors.Wrap(err, "chunking source"))
	}
	hdr.SourceHash = opts.Hash.Digest(whole)

	if _, err = w.Write(encodeHeader(hdr)); err != nil {
		return nil, errors.Wrap(err, "writing archive header")
	}
	if _, err = tmp.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "rewinding temp file")
	}
	if _, err = io.Copy(w, tmp); err != nil {
		return nil, errors.Wrap(err, "writing archive data")
	}
	return hdr, nil
}

// CreateFile archives the file at inpath into a new file at outpath.
func CreateFile(ctx context.Context, outpath, inpath string, opts CreateOptions) (*Header, error) {
	in, err := os.Open(inpath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", inpath)
	}
	defer in.Close()

	out, err := os.Create(outpath)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s", outpath)
	}
	hdr, err := Create(ctx, out, in, opts)
	if err != nil {
		out.Close()
		os.Remove(outpath)
		return nil, err
	}
	return hdr, errors.Wrapf(out.Close(), "closing %s", outpath)
}
