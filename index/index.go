// Package index maps chunk hashes to the places they occur in a file.
package index

import (
	"sort"

	"github.com/pkg/errors"

	updater "github.com/rednimgames/rose-updater"
)

// Location records where one distinct chunk occurs.
type Location struct {
	Size int

	// Offsets holds every offset at which the chunk occurs, in ascending order.
	Offsets []int64
}

// Index maps chunk hashes to their locations.
// The zero Index is empty and ready to use.
// An Index is not safe for concurrent mutation.
type Index struct {
	m map[updater.Hash]*Location
}

// New produces an empty Index.
func New() *Index {
	return &Index{m: make(map[updater.Hash]*Location)}
}

// Add records that the chunk with hash h and the given size occurs at each of offsets.
// Offsets already recorded are ignored.
func (x *Index) Add(h updater.Hash, size int, offsets ...int64) error {
	if x.m == nil {
		x.m = make(map[updater.Hash]*Location)
	}
	loc, ok := x.m[h]
	if !ok {
		loc = &Location{Size: size}
		x.m[h] = loc
	} else if loc.Size != size {
		return errors.Errorf("chunk %s recorded with size %d and %d", h, loc.Size, size)
	}
	for _, off := range offsets {
		i := sort.Search(len(loc.Offsets), func(i int) bool { return loc.Offsets[i] >= off })
		if i < len(loc.Offsets) && loc.Offsets[i] == off {
			continue
		}
		loc.Offsets = append(loc.Offsets, 0)
		copy(loc.Offsets[i+1:], loc.Offsets[i:])
		loc.Offsets[i] = off
	}
	return nil
}

// Lookup returns the location of the chunk with hash h.
func (x *Index) Lookup(h updater.Hash) (*Location, bool) {
	if x == nil {
		return nil, false
	}
	loc, ok := x.m[h]
	return loc, ok
}

// Contains tells whether the index has a chunk with hash h.
func (x *Index) Contains(h updater.Hash) bool {
	_, ok := x.Lookup(h)
	return ok
}

// Remove deletes the chunk with hash h from the index.
func (x *Index) Remove(h updater.Hash) {
	if x != nil {
		delete(x.m, h)
	}
}

// Len is the number of distinct chunks in the index.
func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.m)
}

// Hashes returns the distinct chunk hashes in the index in lexicographic order.
func (x *Index) Hashes() []updater.Hash {
	if x == nil {
		return nil
	}
	out := make([]updater.Hash, 0, len(x.m))
	for h := range x.m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Each calls f for every distinct chunk in lexicographic hash order.
// If f returns an error, Each stops and returns it.
func (x *Index) Each(f func(updater.Hash, *Location) error) error {
	for _, h := range x.Hashes() {
		if err := f(h, x.m[h]); err != nil {
			return err
		}
	}
	return nil
}

// Size is the total length of the file the index describes,
// counting every occurrence of every chunk.
func (x *Index) Size() int64 {
	var total int64
	if x == nil {
		return 0
	}
	for _, loc := range x.m {
		total += int64(loc.Size) * int64(len(loc.Offsets))
	}
	return total
}

// FromDescriptors builds the layout described by an archive's chunk descriptors,
// which are in source order.
func FromDescriptors(descs []updater.Descriptor) (*Index, error) {
	var (
		x   = New()
		pos int64
	)
	for _, d := range descs {
		if err := x.Add(d.Hash, d.Size, pos); err != nil {
			return nil, err
		}
		pos += int64(d.Size)
	}
	return x, nil
}
