// Package clone rebuilds a file in place from reusable local bytes and fetched chunks.
//
// An Output owns one destination file.
// ReorderInPlace first moves every chunk the file already contains to the place(s)
// the target layout needs it,
// then Feed writes each fetched chunk to all of its target offsets.
// Until every chunk has been fed, the file is a mix of old and new content;
// running the whole procedure again from the start converges on the target.
package clone

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/index"
)

// File is the destination of an Output.
// *os.File satisfies it.
type File interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
}

// Output turns a destination file into the target layout.
type Output struct {
	f      File
	size   int64
	target *index.Index

	mu      sync.Mutex
	pending *index.Index
	reused  int64
}

// New produces an Output that will give f the layout of target,
// a file of the given size.
// Until ReorderInPlace is called every target chunk is pending.
func New(f File, target *index.Index, size int64) *Output {
	pending := index.New()
	target.Each(func(h updater.Hash, loc *index.Location) error {
		pending.Add(h, loc.Size, loc.Offsets...)
		return nil
	})
	return &Output{f: f, size: size, target: target, pending: pending}
}

// ReorderInPlace copies every target chunk found in local,
// the index of the file's current content,
// into the target offsets that need it,
// and sets the file's length to the target size.
// No local chunk is overwritten before it has been read.
// It returns the number of target bytes satisfied from local content.
func (o *Output) ReorderInPlace(ctx context.Context, local *index.Index) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ds := index.Diff(local, o.target)
	p := newPlan(ds, local)

	if err := p.run(ctx, o.f); err != nil {
		return 0, err
	}
	if err := o.f.Truncate(o.size); err != nil {
		return 0, updater.Mark(updater.ErrIO, errors.Wrapf(err, "resizing to %d", o.size))
	}

	var reused int64
	for _, r := range ds.Reuse {
		o.pending.Remove(r.Hash)
		reused += int64(r.Size) * int64(len(r.To))
	}
	o.reused += reused
	return reused, nil
}

// Attach replaces the destination file,
// for a caller that closed it after ReorderInPlace and opened it again.
func (o *Output) Attach(f File) {
	o.mu.Lock()
	o.f = f
	o.mu.Unlock()
}

// Chunks returns the chunks still to be fed, at their target offsets.
// The caller must not modify the result.
func (o *Output) Chunks() *index.Index {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

// isPending tells whether the chunk with hash h still needs to be fed.
func (o *Output) isPending(h updater.Hash) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending.Contains(h)
}

// Feed writes a verified chunk to every target offset that needs it.
// It returns the number of bytes written,
// which is zero if the chunk is not (or no longer) needed.
func (o *Output) Feed(v updater.Verified) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	loc, ok := o.pending.Lookup(v.Hash)
	if !ok {
		return 0, nil
	}
	if len(v.Data) != loc.Size {
		return 0, updater.Mark(updater.ErrIntegrity, errors.Errorf("chunk %s has %d bytes, want %d", v.Hash, len(v.Data), loc.Size))
	}
	var written int64
	for _, off := range loc.Offsets {
		if _, err := o.f.WriteAt(v.Data, off); err != nil {
			return written, updater.Mark(updater.ErrIO, errors.Wrapf(err, "writing chunk %s at %d", v.Hash, off))
		}
		written += int64(len(v.Data))
	}
	o.pending.Remove(v.Hash)
	return written, nil
}

// Done tells whether every target chunk has been written.
func (o *Output) Done() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending.Len() == 0
}

// Reused is the number of target bytes satisfied by ReorderInPlace.
func (o *Output) Reused() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reused
}

// Remaining is the number of bytes still to be fed,
// counting each distinct chunk once.
func (o *Output) Remaining() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var total int64
	o.pending.Each(func(_ updater.Hash, loc *index.Location) error {
		total += int64(loc.Size)
		return nil
	})
	return total
}

// move relocates one distinct chunk:
// a single read from src and a write to each of dests.
type move struct {
	src   int64
	size  int
	dests []int64
	state int
	buf   []byte
}

const (
	movePending = iota
	moveActive
	moveDone
)

type plan struct {
	moves []*move // in execution order
	bySrc []*move // sorted by src; sources never overlap
}

func newPlan(ds *index.DownloadSet, local *index.Index) *plan {
	p := new(plan)
	for _, r := range ds.Reuse {
		have, _ := local.Lookup(r.Hash)
		inPlace := make(map[int64]bool)
		for _, off := range have.Offsets {
			inPlace[off] = true
		}

		src := r.From
		var dests []int64
		for _, to := range r.To {
			if inPlace[to] {
				// Already correct, and no other chunk targets this range,
				// so it is a source that is never overwritten.
				src = to
				continue
			}
			dests = append(dests, to)
		}
		if len(dests) == 0 {
			continue
		}
		p.moves = append(p.moves, &move{src: src, size: r.Size, dests: dests})
	}

	p.bySrc = append([]*move(nil), p.moves...)
	sort.Slice(p.bySrc, func(i, j int) bool { return p.bySrc[i].src < p.bySrc[j].src })

	// Leftward moves ascending, then rightward moves descending,
	// so that shifted runs resolve without chains of dependencies.
	sort.SliceStable(p.moves, func(i, j int) bool {
		a, b := p.moves[i], p.moves[j]
		aLeft, bLeft := a.dests[0] < a.src, b.dests[0] < b.src
		switch {
		case aLeft && !bLeft:
			return true
		case !aLeft && bLeft:
			return false
		case aLeft:
			return a.dests[0] < b.dests[0]
		default:
			return a.dests[0] > b.dests[0]
		}
	})
	return p
}

func (p *plan) run(ctx context.Context, f File) error {
	for _, m := range p.moves {
		if m.state != movePending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return updater.Canceled(err)
		}
		if err := p.execute(f, m); err != nil {
			return err
		}
	}
	return nil
}

// execute performs m after every pending move whose source m would overwrite.
// A move's source is read before any move it depends on runs,
// so moves already on the stack (in a cycle) are safe to overwrite.
func (p *plan) execute(f File, m *move) error {
	m.state = moveActive
	m.buf = make([]byte, m.size)
	if _, err := f.ReadAt(m.buf, m.src); err != nil {
		return updater.Mark(updater.ErrIO, errors.Wrapf(err, "reading %d bytes at %d", m.size, m.src))
	}

	for _, d := range m.dests {
		for _, n := range p.overlapping(d, d+int64(m.size)) {
			if n.state != movePending {
				continue
			}
			if err := p.execute(f, n); err != nil {
				return err
			}
		}
	}

	for _, d := range m.dests {
		if _, err := f.WriteAt(m.buf, d); err != nil {
			return updater.Mark(updater.ErrIO, errors.Wrapf(err, "writing %d bytes at %d", m.size, d))
		}
	}
	m.state = moveDone
	m.buf = nil
	return nil
}

// overlapping returns the moves whose source intersects [start, end).
func (p *plan) overlapping(start, end int64) []*move {
	i := sort.Search(len(p.bySrc), func(i int) bool {
		n := p.bySrc[i]
		return n.src+int64(n.size) > start
	})
	var out []*move
	for ; i < len(p.bySrc) && p.bySrc[i].src < end; i++ {
		out = append(out, p.bySrc[i])
	}
	return out
}
