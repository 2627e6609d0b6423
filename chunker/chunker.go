// Package chunker splits a byte stream into chunks.
//
// A chunker yields consecutive spans of its input, each with its offset.
// With the same input and the same Config,
// the sequence of spans is always the same.
// Fixed-size chunking cuts every FixedSize bytes.
// The content-defined kinds cut where a rolling checksum over the input
// has a run of zero bits,
// so an insertion or deletion only disturbs the chunks near it.
package chunker

import (
	"io"

	"github.com/pkg/errors"
)

// Kind names a chunking algorithm.
type Kind string

const (
	// Fixed cuts the input into spans of Config.FixedSize bytes.
	Fixed Kind = "fixed"

	// Rollsum cuts the input with the hashsplit rolling checksum.
	Rollsum Kind = "rollsum"

	// Buzhash cuts the input with a cyclic-polynomial rolling hash.
	Buzhash Kind = "buzhash"
)

// DefaultChunkSize is the span size of the default fixed-size configuration.
const DefaultChunkSize = 64 * 1024

// Config describes how to cut a stream into chunks.
type Config struct {
	Kind Kind

	// FixedSize is the span length for Fixed.
	FixedSize int

	// MinSize and MaxSize bound the span length for the content-defined kinds.
	// MaxSize is ignored by Rollsum.
	MinSize, MaxSize int

	// SplitBits is the number of trailing zero bits in the rolling checksum
	// that mark a boundary.
	// The average span length is about 2^SplitBits.
	SplitBits uint

	// WindowSize is the rolling-hash window length for Buzhash.
	WindowSize int
}

// DefaultConfig is fixed-size chunking with DefaultChunkSize spans.
var DefaultConfig = Config{Kind: Fixed, FixedSize: DefaultChunkSize}

// Validate checks that c is usable.
func (c Config) Validate() error {
	switch c.Kind {
	case Fixed:
		if c.FixedSize <= 0 {
			return errors.Errorf("fixed chunk size %d must be positive", c.FixedSize)
		}
	case Rollsum:
		if c.SplitBits == 0 || c.SplitBits > 30 {
			return errors.Errorf("split bits %d out of range", c.SplitBits)
		}
		if c.MinSize < 0 {
			return errors.Errorf("negative min size %d", c.MinSize)
		}
	case Buzhash:
		if c.SplitBits == 0 || c.SplitBits > 30 {
			return errors.Errorf("split bits %d out of range", c.SplitBits)
		}
		if c.WindowSize <= 0 {
			return errors.Errorf("window size %d must be positive", c.WindowSize)
		}
		if c.MaxSize <= 0 || c.MaxSize < c.MinSize || c.MaxSize < c.WindowSize {
			return errors.Errorf("max size %d must be at least min size %d and window size %d", c.MaxSize, c.MinSize, c.WindowSize)
		}
	default:
		return errors.Errorf("unknown chunker kind %q", c.Kind)
	}
	return nil
}

// ExpectedSize is the typical span length under c.
func (c Config) ExpectedSize() int {
	switch c.Kind {
	case Fixed:
		return c.FixedSize
	case Rollsum, Buzhash:
		n := 1 << c.SplitBits
		if n < c.MinSize {
			n = c.MinSize
		}
		return n
	}
	return 1
}

// Chunk is one span of the input.
type Chunk struct {
	Offset int64
	Data   []byte
}

// Chunker produces the chunks of a stream, in order.
type Chunker interface {
	// Next returns the next chunk.
	// It returns io.EOF when the input is exhausted.
	// The returned Data is owned by the caller.
	Next() (Chunk, error)
}

// New produces a Chunker reading from r according to c.
// The sequence restarts by calling New again on a rewound reader.
func (c Config) New(r io.Reader) (Chunker, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Kind {
	case Rollsum:
		return newRollsum(r, c), nil
	case Buzhash:
		return newBuzhash(r, c), nil
	default:
		return &fixed{r: r, size: c.FixedSize}, nil
	}
}

// All reads every chunk of r and calls f on each in order.
// If f returns an error, All stops and returns it.
func (c Config) All(r io.Reader, f func(Chunk) error) error {
	ch, err := c.New(r)
	if err != nil {
		return err
	}
	for {
		chunk, err := ch.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err = f(chunk); err != nil {
			return err
		}
	}
}

type fixed struct {
	r    io.Reader
	size int
	pos  int64
	done bool
}

func (f *fixed) Next() (Chunk, error) {
	if f.done {
		return Chunk{}, io.EOF
	}
	buf := make([]byte, f.size)
	n, err := io.ReadFull(f.r, buf)
	switch {
	case errors.Is(err, io.EOF):
		f.done = true
		return Chunk{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		f.done = true
	case err != nil:
		return Chunk{}, errors.Wrap(err, "reading chunk")
	}
	chunk := Chunk{Offset: f.pos, Data: buf[:n]}
	f.pos += int64(n)
	return chunk, nil
}
