package codec

import (
	"bytes"
	"compress/flate"
	"compress/lzw"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Codec names.
const (
	NoneName  = "none"
	FlateName = "flate"
	LZWName   = "lzw"
	ZstdName  = "zstd"
	LZ4Name   = "lz4"
)

// None stores chunks as they are.
type None struct{}

func (None) Name() string                       { return NoneName }
func (None) Compress(inp []byte) ([]byte, error) { return inp, nil }

func (None) Uncompress(inp []byte, size int) ([]byte, error) {
	return checkSize(NoneName, inp, size)
}

// LZW is the compress/lzw scheme.
type LZW struct {
	Order lzw.Order
}

func (LZW) Name() string { return LZWName }

func (l LZW) Compress(inp []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := lzw.NewWriter(buf, l.Order, 8)
	if _, err := w.Write(inp); err != nil {
		return nil, errors.Wrap(err, "lzw compressing")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "lzw compressing")
	}
	return buf.Bytes(), nil
}

func (l LZW) Uncompress(inp []byte, size int) ([]byte, error) {
	rr := lzw.NewReader(bytes.NewReader(inp), l.Order, 8)
	defer rr.Close()
	out, err := readExactly(rr, size)
	return out, errors.Wrap(err, "lzw uncompressing")
}

// Flate is the compress/flate scheme.
type Flate struct {
	Level int
}

func (Flate) Name() string { return FlateName }

func (f Flate) Compress(inp []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	level := f.Level
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = flate.DefaultCompression
	}
	w, err := flate.NewWriter(buf, level)
	if err != nil {
		return nil, errors.Wrap(err, "creating flate writer")
	}
	if _, err = w.Write(inp); err != nil {
		return nil, errors.Wrap(err, "flate compressing")
	}
	if err = w.Close(); err != nil {
		return nil, errors.Wrap(err, "flate compressing")
	}
	return buf.Bytes(), nil
}

func (f Flate) Uncompress(inp []byte, size int) ([]byte, error) {
	rr := flate.NewReader(bytes.NewReader(inp))
	defer rr.Close()
	out, err := readExactly(rr, size)
	return out, errors.Wrap(err, "flate uncompressing")
}

// readExactly reads size bytes from r and fails if r holds more or fewer.
func readExactly(r io.Reader, size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return nil, errors.Errorf("more than %d bytes of output", size)
	}
	return out, nil
}

// Zstd is Zstandard via github.com/klauspost/compress.
type Zstd struct {
	enc *zstd.Encoder
}

var (
	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
	zstdDecoderErr  error
)

func sharedZstdDecoder() (*zstd.Decoder, error) {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil)
	})
	return zstdDecoder, zstdDecoderErr
}

// NewZstd produces a Zstd codec at the given zstd level (1-22).
func NewZstd(level int) (*Zstd, error) {
	if level <= 0 {
		level = 3
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, errors.Wrap(err, "creating zstd encoder")
	}
	return &Zstd{enc: enc}, nil
}

func (*Zstd) Name() string { return ZstdName }

func (z *Zstd) Compress(inp []byte) ([]byte, error) {
	return z.enc.EncodeAll(inp, nil), nil
}

func (*Zstd) Uncompress(inp []byte, size int) ([]byte, error) {
	dec, err := sharedZstdDecoder()
	if err != nil {
		return nil, errors.Wrap(err, "creating zstd decoder")
	}
	out, err := dec.DecodeAll(inp, make([]byte, 0, size))
	if err != nil {
		return nil, errors.Wrap(err, "zstd uncompressing")
	}
	return checkSize(ZstdName, out, size)
}

// LZ4 is LZ4 block compression via github.com/pierrec/lz4.
type LZ4 struct{}

// ErrIncompressible is returned by Compress when the output would be no smaller than the input.
var ErrIncompressible = errors.New("incompressible")

func (LZ4) Name() string { return LZ4Name }

func (LZ4) Compress(inp []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(inp)))
	n, err := lz4.CompressBlock(inp, dst, nil)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 compressing")
	}
	if n == 0 {
		return nil, ErrIncompressible
	}
	return dst[:n], nil
}

func (LZ4) Uncompress(inp []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(inp, dst)
	if err != nil {
		return nil, errors.Wrap(err, "lz4 uncompressing")
	}
	return checkSize(LZ4Name, dst[:n], size)
}

func init() {
	Register(NoneName, func(int) (Codec, error) { return None{}, nil })
	Register(LZWName, func(int) (Codec, error) { return LZW{Order: lzw.LSB}, nil })
	Register(FlateName, func(level int) (Codec, error) { return Flate{Level: level}, nil })
	Register(ZstdName, func(level int) (Codec, error) { return NewZstd(level) })
	Register(LZ4Name, func(int) (Codec, error) { return LZ4{}, nil })
}
