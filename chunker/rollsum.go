package chunker

import (
	"io"

	"github.com/bobg/hashsplit"
	"github.com/pkg/errors"
)

const readSize = 32 * 1024

// rollsum adapts the push-style hashsplit.Splitter to the pull-style Chunker.
type rollsum struct {
	r     io.Reader
	spl   *hashsplit.Splitter
	queue []Chunk
	pos   int64
	buf   []byte
	eof   bool
}

func newRollsum(r io.Reader, c Config) *rollsum {
	rs := &rollsum{r: r, buf: make([]byte, readSize)}
	rs.spl = hashsplit.NewSplitter(func(bytes []byte, _ uint) error {
		if len(bytes) == 0 {
			return nil
		}
		data := make([]byte, len(bytes))
		copy(data, bytes)
		rs.queue = append(rs.queue, Chunk{Offset: rs.pos, Data: data})
		rs.pos += int64(len(data))
		return nil
	})
	rs.spl.MinSize = c.MinSize
	rs.spl.SplitBits = c.SplitBits
	return rs
}

func (rs *rollsum) Next() (Chunk, error) {
	for len(rs.queue) == 0 {
		if rs.eof {
			return Chunk{}, io.EOF
		}
		n, err := rs.r.Read(rs.buf)
		if n > 0 {
			if _, werr := rs.spl.Write(rs.buf[:n]); werr != nil {
				return Chunk{}, errors.Wrap(werr, "splitting input")
			}
		}
		if errors.Is(err, io.EOF) {
			rs.eof = true
			if err = rs.spl.Close(); err != nil {
				return Chunk{}, errors.Wrap(err, "flushing splitter")
			}
			continue
		}
		if err != nil {
			return Chunk{}, errors.Wrap(err, "reading input")
		}
	}
	chunk := rs.queue[0]
	rs.queue = rs.queue[1:]
	return chunk, nil
}
