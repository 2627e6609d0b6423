// Package testutil holds helpers shared by the tests of this module.
package testutil

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/rednimgames/rose-updater/archive"
	"github.com/rednimgames/rose-updater/source/mem"
)

// RandomBytes produces n pseudo-random bytes determined by seed.
func RandomBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

// Blocks concatenates distinct pseudo-random blocks of the given size,
// one for each seed.
// Repeating a seed repeats the block.
func Blocks(size int, seeds ...int64) []byte {
	var buf bytes.Buffer
	for _, seed := range seeds {
		buf.Write(RandomBytes(seed, size))
	}
	return buf.Bytes()
}

// BuildArchive archives data in memory.
func BuildArchive(t *testing.T, data []byte, opts archive.CreateOptions) ([]byte, *archive.Header) {
	t.Helper()
	var buf bytes.Buffer
	hdr, err := archive.Create(context.Background(), &buf, bytes.NewReader(data), opts)
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes(), hdr
}

// ArchiveSource archives data and wraps the result in a counting source.
func ArchiveSource(t *testing.T, name string, data []byte, opts archive.CreateOptions) (*Source, *archive.Header) {
	t.Helper()
	b, hdr := BuildArchive(t, data, opts)
	return NewSource(mem.New(name, b)), hdr
}
