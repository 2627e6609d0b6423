// Package progress reports how far a synchronization run has come.
//
// A run creates one State and passes it explicitly to every stage;
// a presentation layer polls it with Snapshot.
package progress

import (
	"sync/atomic"
)

// Stage is a phase of a synchronization run.
type Stage int32

const (
	Idle Stage = iota
	FetchingMetadata
	UpdatingUpdater
	CheckingFiles
	DownloadingUpdates
	Done
	Failed
)

var stageNames = [...]string{
	Idle:               "idle",
	FetchingMetadata:   "fetching metadata",
	UpdatingUpdater:    "updating updater",
	CheckingFiles:      "checking files",
	DownloadingUpdates: "downloading updates",
	Done:               "done",
	Failed:             "failed",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "unknown"
}

// Reporter receives progress updates.
// Implementations must be safe for concurrent use.
type Reporter interface {
	SetStage(Stage)
	SetMax(int64)
	SetCurrent(int64)
	Increment(int64)
}

// Nop discards every update.
var Nop Reporter = nop{}

type nop struct{}

func (nop) SetStage(Stage)   {}
func (nop) SetMax(int64)     {}
func (nop) SetCurrent(int64) {}
func (nop) Increment(int64)  {}

// State is a Reporter that records the latest values.
// The zero State is ready to use.
type State struct {
	stage   atomic.Int32
	max     atomic.Int64
	current atomic.Int64
}

var _ Reporter = &State{}

func (s *State) SetStage(stage Stage) { s.stage.Store(int32(stage)) }
func (s *State) SetMax(n int64)       { s.max.Store(n) }
func (s *State) SetCurrent(n int64)   { s.current.Store(n) }
func (s *State) Increment(n int64)    { s.current.Add(n) }

// Snapshot is a point-in-time copy of a State.
type Snapshot struct {
	Stage   Stage
	Max     int64
	Current int64
}

// Fraction is Current/Max clamped to [0, 1], or 0 if Max is not positive.
func (s Snapshot) Fraction() float64 {
	if s.Max <= 0 {
		return 0
	}
	f := float64(s.Current) / float64(s.Max)
	if f > 1 {
		return 1
	}
	if f < 0 {
		return 0
	}
	return f
}

// Snapshot returns the current values.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Stage:   Stage(s.stage.Load()),
		Max:     s.max.Load(),
		Current: s.current.Load(),
	}
}

// Reset starts a new stage with the given maximum and a current value of zero.
func Reset(r Reporter, stage Stage, max int64) {
	r.SetStage(stage)
	r.SetMax(max)
	r.SetCurrent(0)
}
