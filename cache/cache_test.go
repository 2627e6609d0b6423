package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	updater "github.com/rednimgames/rose-updater"
)

func chunk(s string) updater.Verified {
	data := []byte(s)
	return updater.Verified{Hash: updater.DefaultHashFunc.Sum(data), Data: data}
}

func TestFetch(t *testing.T) {
	c, err := New(2)
	if err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	fetcher := func(v updater.Verified) func() (updater.Verified, error) {
		return func() (updater.Verified, error) {
			calls.Add(1)
			return v, nil
		}
	}

	a, b, d := chunk("a"), chunk("b"), chunk("d")

	got, cached, err := c.Fetch(a.Hash, fetcher(a))
	if err != nil {
		t.Fatal(err)
	}
	if cached || string(got.Data) != "a" {
		t.Errorf("first fetch: got %q, cached %v", got.Data, cached)
	}
	if _, cached, _ = c.Fetch(a.Hash, fetcher(a)); !cached {
		t.Error("second fetch was not served from the cache")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("fetch called %d times, want 1", n)
	}

	c.Fetch(b.Hash, fetcher(b))
	c.Fetch(d.Hash, fetcher(d))
	if _, ok := c.Get(a.Hash); ok {
		t.Error("least recently used chunk was not evicted")
	}
	if c.Len() != 2 {
		t.Errorf("got %d cached chunks, want 2", c.Len())
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 3 {
		t.Errorf("got %d hits and %d misses, want 1 and 3", hits, misses)
	}
}

func TestFetchError(t *testing.T) {
	c, err := New(10)
	if err != nil {
		t.Fatal(err)
	}
	a := chunk("a")
	boom := errors.New("boom")
	if _, _, err = c.Fetch(a.Hash, func() (updater.Verified, error) { return updater.Verified{}, boom }); !errors.Is(err, boom) {
		t.Errorf("got %v, want %v", err, boom)
	}
	if _, ok := c.Get(a.Hash); ok {
		t.Error("failed fetch was cached")
	}
}

func TestConcurrentFetch(t *testing.T) {
	c, err := New(10)
	if err != nil {
		t.Fatal(err)
	}
	a := chunk("a")

	var (
		calls   atomic.Int32
		release = make(chan struct{})
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.Fetch(a.Hash, func() (updater.Verified, error) {
				calls.Add(1)
				<-release
				return a, nil
			})
			if err != nil || v.Hash != a.Hash {
				t.Errorf("got %v, %v", v.Hash, err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("fetch called %d times, want 1", n)
	}
}

func TestNil(t *testing.T) {
	var c *Cache
	a := chunk("a")
	v, cached, err := c.Fetch(a.Hash, func() (updater.Verified, error) { return a, nil })
	if err != nil || cached || v.Hash != a.Hash {
		t.Errorf("nil cache: got %v, %v, %v", v.Hash, cached, err)
	}
	if c.Len() != 0 {
		t.Error("nil cache is not empty")
	}
}
