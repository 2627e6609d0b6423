package clone

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"testing/quick"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/chunker"
	"github.com/rednimgames/rose-updater/index"
)

const blockSize = 64

var (
	hf  = updater.DefaultHashFunc
	cfg = chunker.Config{Kind: chunker.Fixed, FixedSize: blockSize}
)

func block(id byte) []byte {
	b := make([]byte, blockSize)
	rand.New(rand.NewSource(int64(id) + 1)).Read(b)
	return b
}

func layout(ids []byte) []byte {
	var buf bytes.Buffer
	for _, id := range ids {
		buf.Write(block(id))
	}
	return buf.Bytes()
}

type result struct {
	fed     int64
	reused  int64
	fetched int
}

// rebuild turns a file holding the blocks localIDs into one holding targetIDs.
func rebuild(t *testing.T, localIDs, targetIDs []byte) result {
	t.Helper()

	var (
		ctx        = context.Background()
		localData  = layout(localIDs)
		targetData = layout(targetIDs)
		path       = filepath.Join(t.TempDir(), "out")
	)
	if err := os.WriteFile(path, localData, 0644); err != nil {
		t.Fatal(err)
	}

	local, err := index.Build(ctx, bytes.NewReader(localData), cfg, hf, index.BuildOptions{})
	if err != nil {
		t.Fatal(err)
	}
	target, err := index.Build(ctx, bytes.NewReader(targetData), cfg, hf, index.BuildOptions{})
	if err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	out := New(f, target, int64(len(targetData)))
	reused, err := out.ReorderInPlace(ctx, local)
	if err != nil {
		t.Fatal(err)
	}

	res := result{reused: reused}
	byHash := make(map[updater.Hash][]byte)
	for _, id := range targetIDs {
		byHash[hf.Sum(block(id))] = block(id)
	}
	for _, h := range out.Chunks().Hashes() {
		n, err := out.Feed(updater.Verified{Hash: h, Data: byHash[h]})
		if err != nil {
			t.Fatal(err)
		}
		res.fed += n
		res.fetched++
	}
	if !out.Done() {
		t.Fatal("output not done after feeding every chunk")
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, targetData) {
		t.Fatalf("rebuilt file mismatch: local %v, target %v", localIDs, targetIDs)
	}
	return res
}

func TestCycle(t *testing.T) {
	res := rebuild(t, []byte{1, 2, 3}, []byte{3, 1, 2})
	if res.fetched != 0 {
		t.Errorf("fetched %d chunks, want 0", res.fetched)
	}
	if res.reused != 3*blockSize {
		t.Errorf("reused %d bytes, want %d", res.reused, 3*blockSize)
	}
}

func TestSwap(t *testing.T) {
	if res := rebuild(t, []byte{1, 2, 3, 4}, []byte{4, 2, 3, 1}); res.fetched != 0 {
		t.Errorf("fetched %d chunks, want 0", res.fetched)
	}
}

func TestShifts(t *testing.T) {
	left := rebuild(t, []byte{9, 1, 2, 3, 4}, []byte{1, 2, 3, 4})
	if left.fetched != 0 {
		t.Errorf("left shift fetched %d chunks, want 0", left.fetched)
	}
	right := rebuild(t, []byte{1, 2, 3, 4}, []byte{9, 1, 2, 3, 4})
	if right.fetched != 1 || right.fed != blockSize {
		t.Errorf("right shift fetched %d chunks (%d bytes), want 1 (%d)", right.fetched, right.fed, blockSize)
	}
}

func TestDuplicates(t *testing.T) {
	res := rebuild(t, []byte{1}, []byte{1, 1, 2, 1})
	if res.fetched != 1 {
		t.Errorf("fetched %d chunks, want 1", res.fetched)
	}
	if res.reused != 3*blockSize {
		t.Errorf("reused %d bytes, want %d", res.reused, 3*blockSize)
	}

	res = rebuild(t, nil, []byte{5, 5, 5})
	if res.fetched != 1 || res.fed != 3*blockSize {
		t.Errorf("cold start fetched %d chunks, wrote %d bytes; want 1 and %d", res.fetched, res.fed, 3*blockSize)
	}
}

func TestTruncate(t *testing.T) {
	if res := rebuild(t, []byte{1, 2, 3, 4, 5, 6}, []byte{6, 2}); res.fetched != 0 {
		t.Errorf("fetched %d chunks, want 0", res.fetched)
	}
	rebuild(t, []byte{1, 2, 3}, nil)
}

func TestIdentity(t *testing.T) {
	res := rebuild(t, []byte{1, 2, 3}, []byte{1, 2, 3})
	if res.fetched != 0 || res.fed != 0 {
		t.Errorf("identical file fetched %d chunks", res.fetched)
	}
}

type layouts struct {
	Local, Target []byte
}

func (layouts) Generate(r *rand.Rand, size int) reflect.Value {
	gen := func() []byte {
		n := r.Intn(16)
		ids := make([]byte, n)
		for i := range ids {
			ids[i] = byte(r.Intn(8))
		}
		return ids
	}
	return reflect.ValueOf(layouts{Local: gen(), Target: gen()})
}

func TestRandomLayouts(t *testing.T) {
	err := quick.Check(func(l layouts) bool {
		res := rebuild(t, l.Local, l.Target)

		have := make(map[byte]bool)
		for _, id := range l.Local {
			have[id] = true
		}
		missing := make(map[byte]bool)
		for _, id := range l.Target {
			if !have[id] {
				missing[id] = true
			}
		}
		if res.fetched != len(missing) {
			t.Logf("local %v, target %v: fetched %d, want %d", l.Local, l.Target, res.fetched, len(missing))
			return false
		}
		return true
	}, &quick.Config{MaxCount: 200})
	if err != nil {
		t.Error(err)
	}
}

func TestFeedUnneeded(t *testing.T) {
	var (
		ctx        = context.Background()
		targetData = layout([]byte{1, 2})
		path       = filepath.Join(t.TempDir(), "out")
	)
	target, err := index.Build(ctx, bytes.NewReader(targetData), cfg, hf, index.BuildOptions{})
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	out := New(f, target, int64(len(targetData)))
	if _, err = out.ReorderInPlace(ctx, index.New()); err != nil {
		t.Fatal(err)
	}
	if got := out.Remaining(); got != 2*blockSize {
		t.Errorf("got %d remaining bytes, want %d", got, 2*blockSize)
	}

	n, err := out.Feed(updater.Verified{Hash: hf.Sum(block(7)), Data: block(7)})
	if err != nil || n != 0 {
		t.Errorf("feeding an unneeded chunk: got %d, %v; want 0, nil", n, err)
	}

	h := hf.Sum(block(1))
	if n, err = out.Feed(updater.Verified{Hash: h, Data: block(1)}); err != nil || n != blockSize {
		t.Errorf("got %d, %v; want %d, nil", n, err, blockSize)
	}
	if n, _ = out.Feed(updater.Verified{Hash: h, Data: block(1)}); n != 0 {
		t.Errorf("feeding a chunk twice wrote %d bytes the second time", n)
	}
	if out.isPending(h) || !out.isPending(hf.Sum(block(2))) {
		t.Error("pending set is wrong")
	}
}

func TestAttach(t *testing.T) {
	var (
		ctx        = context.Background()
		localData  = layout([]byte{2, 1})
		targetData = layout([]byte{1, 2, 3})
		path       = filepath.Join(t.TempDir(), "out")
	)
	if err := os.WriteFile(path, localData, 0644); err != nil {
		t.Fatal(err)
	}
	local, err := index.Build(ctx, bytes.NewReader(localData), cfg, hf, index.BuildOptions{})
	if err != nil {
		t.Fatal(err)
	}
	target, err := index.Build(ctx, bytes.NewReader(targetData), cfg, hf, index.BuildOptions{})
	if err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	out := New(f, target, int64(len(targetData)))
	if _, err = out.ReorderInPlace(ctx, local); err != nil {
		t.Fatal(err)
	}
	if err = f.Close(); err != nil {
		t.Fatal(err)
	}

	// The pending chunks survive closing the file and feeding through a new handle.
	f, err = os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	out.Attach(f)

	h := hf.Sum(block(3))
	if out.Chunks().Len() != 1 || !out.isPending(h) {
		t.Fatalf("got %d pending chunks, want only block 3", out.Chunks().Len())
	}
	if n, err := out.Feed(updater.Verified{Hash: h, Data: block(3)}); err != nil || n != blockSize {
		t.Fatalf("got %d, %v; want %d, nil", n, err, blockSize)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, targetData) {
		t.Error("rebuilt file mismatch")
	}
}
