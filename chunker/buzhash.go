package chunker

import (
	"bufio"
	"io"

	"github.com/chmduquesne/rollinghash"
	"github.com/chmduquesne/rollinghash/buzhash32"
	"github.com/pkg/errors"
)

type buzhash struct {
	r      *bufio.Reader
	h      rollinghash.Hash32
	mask   uint32
	window int
	min    int
	max    int
	pos    int64
	done   bool
}

func newBuzhash(r io.Reader, c Config) *buzhash {
	return &buzhash{
		r:      bufio.NewReaderSize(r, readSize),
		h:      buzhash32.New(),
		mask:   (1 << c.SplitBits) - 1,
		window: c.WindowSize,
		min:    c.MinSize,
		max:    c.MaxSize,
	}
}

// Next cuts after the first byte at which the hash of the trailing window
// has SplitBits zero low bits,
// provided the span is at least MinSize (and at least one window) long.
// A span never exceeds MaxSize.
func (b *buzhash) Next() (Chunk, error) {
	if b.done {
		return Chunk{}, io.EOF
	}

	var data []byte
	for len(data) < b.max {
		c, err := b.r.ReadByte()
		if errors.Is(err, io.EOF) {
			b.done = true
			break
		}
		if err != nil {
			return Chunk{}, errors.Wrap(err, "reading input")
		}
		data = append(data, c)

		switch {
		case len(data) < b.window:
			continue
		case len(data) == b.window:
			b.h.Reset()
			b.h.Write(data)
		default:
			b.h.Roll(c)
		}
		if len(data) >= b.min && b.h.Sum32()&b.mask == 0 {
			break
		}
	}
	if len(data) == 0 {
		return Chunk{}, io.EOF
	}

	chunk := Chunk{Offset: b.pos, Data: data}
	b.pos += int64(len(data))
	return chunk, nil
}
