// Package archive reads and writes chunked, compressed archives of single files.
package archive

import (
	"context"
	"crypto/sha256"
	"log/slog"

	"github.com/pkg/errors"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/codec"
	"github.com/rednimgames/rose-updater/index"
	"github.com/rednimgames/rose-updater/source"
)

// Reader gives access to the chunks of a remote archive.
// It is safe for concurrent use.
type Reader struct {
	src    source.Source
	hdr    *Header
	codec  codec.Codec
	retry  RetryPolicy
	logger *slog.Logger
	byHash map[updater.Hash]updater.Descriptor
}

// Option configures Open.
type Option func(*Reader)

// WithRetry sets the retry policy for reading the header and every chunk.
func WithRetry(p RetryPolicy) Option {
	return func(r *Reader) { r.retry = p }
}

// WithLogger sets the logger for retry and verification messages.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// Open reads and validates the header of the archive in src.
// Transient transport failures are retried according to the retry policy.
// A header that cannot be parsed is reported as updater.ErrMalformedArchive and not retried.
func Open(ctx context.Context, src source.Source, opts ...Option) (*Reader, error) {
	r := &Reader{
		src:    src,
		retry:  DefaultRetryPolicy,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	var hdrlen int
	err := r.retry.Do(ctx, func() error {
		pre, err := src.ReadRange(ctx, 0, preambleSize)
		if err != nil {
			return r.noteRetry(err, "reading archive preamble")
		}
		hdrlen, err = decodePreamble(pre)
		return updater.Mark(updater.ErrMalformedArchive, err)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening archive %s", src)
	}

	var body []byte
	err = r.retry.Do(ctx, func() error {
		var err error
		body, err = src.ReadRange(ctx, preambleSize, hdrlen+checksumSize)
		return r.noteRetry(err, "reading archive header")
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening archive %s", src)
	}

	hdrBytes, sum := body[:hdrlen], body[hdrlen:]
	if want := sha256.Sum256(hdrBytes); string(sum) != string(want[:]) {
		return nil, updater.Mark(updater.ErrMalformedArchive, errors.Errorf("header checksum mismatch in %s", src))
	}

	hdr, err := unmarshalHeader(hdrBytes, int64(preambleSize+hdrlen+checksumSize))
	if err != nil {
		return nil, updater.Mark(updater.ErrMalformedArchive, errors.Wrapf(err, "opening archive %s", src))
	}
	r.hdr = hdr

	r.codec, err = codec.New(hdr.Codec, 0)
	if err != nil {
		return nil, updater.Mark(updater.ErrMalformedArchive, err)
	}

	r.byHash = make(map[updater.Hash]updater.Descriptor, len(hdr.Chunks))
	for _, d := range hdr.Chunks {
		if _, ok := r.byHash[d.Hash]; !ok {
			r.byHash[d.Hash] = d
		}
	}
	return r, nil
}

func (r *Reader) noteRetry(err error, what string) error {
	if err != nil && updater.IsRetryable(err) {
		r.logger.Warn("transport error, retrying", "op", what, "source", r.src.String(), "err", err)
	}
	return err
}

// Header returns the archive header.
// The caller must not modify it.
func (r *Reader) Header() *Header {
	return r.hdr
}

func (r *Reader) String() string {
	return r.src.String()
}

// HashFunc is the hash function the archive was built with.
func (r *Reader) HashFunc() updater.HashFunc {
	return r.hdr.Hash
}

// SourceIndex is the target layout: every chunk of the source file at its offset.
func (r *Reader) SourceIndex() (*index.Index, error) {
	return index.FromDescriptors(r.hdr.Chunks)
}

// Descriptor returns the descriptor for the chunk with hash h.
func (r *Reader) Descriptor(h updater.Hash) (updater.Descriptor, bool) {
	d, ok := r.byHash[h]
	return d, ok
}

// EstimateLocalChunks estimates how many chunks a local file of the given size will be cut into.
// The estimate is exact for fixed-size chunking.
func (r *Reader) EstimateLocalChunks(size int64) int64 {
	if size <= 0 {
		return 0
	}
	n := int64(r.hdr.Chunker.ExpectedSize())
	return (size + n - 1) / n
}

// Fetch reads the compressed bytes of one chunk,
// retrying transient failures.
func (r *Reader) Fetch(ctx context.Context, d updater.Descriptor) ([]byte, error) {
	var out []byte
	err := r.retry.Do(ctx, func() error {
		var err error
		out, err = r.src.ReadRange(ctx, d.Offset, d.CompressedSize)
		return r.noteRetry(err, "fetching chunk")
	})
	return out, errors.Wrapf(err, "fetching chunk %s", d.Hash)
}

// Decode uncompresses a chunk fetched for d and checks its hash.
// Bytes that fail to decompress yield updater.ErrDecode;
// bytes that decompress to the wrong content yield updater.ErrIntegrity.
func (r *Reader) Decode(d updater.Descriptor, compressed []byte) (updater.Verified, error) {
	data := compressed
	if !Stored(d) {
		var err error
		data, err = r.codec.Uncompress(compressed, d.Size)
		if err != nil {
			return updater.Verified{}, updater.Mark(updater.ErrDecode, errors.Wrapf(err, "decoding chunk %s", d.Hash))
		}
	}
	if len(data) != d.Size {
		return updater.Verified{}, updater.Mark(updater.ErrIntegrity, errors.Errorf("chunk %s has %d bytes, want %d", d.Hash, len(data), d.Size))
	}
	if got := r.hdr.Hash.Sum(data); got != d.Hash {
		return updater.Verified{}, updater.Mark(updater.ErrIntegrity, errors.Errorf("chunk hash %s, want %s", got, d.Hash))
	}
	return updater.Verified{Hash: d.Hash, Data: data}, nil
}

// FetchVerified fetches and decodes one chunk.
func (r *Reader) FetchVerified(ctx context.Context, d updater.Descriptor) (updater.Verified, error) {
	compressed, err := r.Fetch(ctx, d)
	if err != nil {
		return updater.Verified{}, err
	}
	return r.Decode(d, compressed)
}
