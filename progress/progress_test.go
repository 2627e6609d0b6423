package progress

import (
	"sync"
	"testing"
)

func TestState(t *testing.T) {
	var s State
	Reset(&s, CheckingFiles, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Increment(1)
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	if snap.Stage != CheckingFiles || snap.Max != 1000 || snap.Current != 1000 {
		t.Errorf("got %+v", snap)
	}
	if snap.Fraction() != 1 {
		t.Errorf("got fraction %f, want 1", snap.Fraction())
	}
	if snap.Stage.String() != "checking files" {
		t.Errorf("got stage name %q", snap.Stage)
	}

	Reset(&s, DownloadingUpdates, 0)
	if f := s.Snapshot().Fraction(); f != 0 {
		t.Errorf("got fraction %f with zero max, want 0", f)
	}
}
