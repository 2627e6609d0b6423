package index

import (
	"sort"

	updater "github.com/rednimgames/rose-updater"
)

// Reuse is a chunk of the target that is already present locally.
type Reuse struct {
	Hash updater.Hash
	Size int

	// From is the first local offset holding the chunk.
	From int64

	// To lists every target offset that needs the chunk.
	To []int64
}

// DownloadSet is the result of Diff.
type DownloadSet struct {
	// Reuse lists the target chunks that can be copied from local bytes,
	// ordered by hash.
	Reuse []Reuse

	// Download holds the target chunks that must be fetched,
	// at their target offsets.
	Download *Index
}

// Diff partitions target into chunks available in local and chunks that must be downloaded.
func Diff(local, target *Index) *DownloadSet {
	ds := &DownloadSet{Download: New()}
	target.Each(func(h updater.Hash, loc *Location) error {
		if have, ok := local.Lookup(h); ok && len(have.Offsets) > 0 {
			ds.Reuse = append(ds.Reuse, Reuse{
				Hash: h,
				Size: loc.Size,
				From: have.Offsets[0],
				To:   append([]int64(nil), loc.Offsets...),
			})
			return nil
		}
		ds.Download.Add(h, loc.Size, loc.Offsets...)
		return nil
	})
	return ds
}

// DownloadBytes is the number of bytes that must be fetched,
// counting each distinct chunk once.
func (ds *DownloadSet) DownloadBytes() int64 {
	var total int64
	ds.Download.Each(func(_ updater.Hash, loc *Location) error {
		total += int64(loc.Size)
		return nil
	})
	return total
}

// ReuseBytes is the number of target bytes that come from local data.
func (ds *DownloadSet) ReuseBytes() int64 {
	var total int64
	for _, r := range ds.Reuse {
		total += int64(r.Size) * int64(len(r.To))
	}
	return total
}

// offsets returns every target offset that must be written with downloaded data, in ascending order.
func (ds *DownloadSet) offsets() []int64 {
	var out []int64
	ds.Download.Each(func(_ updater.Hash, loc *Location) error {
		out = append(out, loc.Offsets...)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
