package progress

import (
	"sync"
	"time"
)

// FileState represents where one file of a transfer stands.
type FileState int

const (
	FilePending FileState = iota
	FileTransferring
	FileCompleted
	FileFailed
)

func (s FileState) String() string {
	switch s {
	case FilePending:
		return "pending"
	case FileTransferring:
		return "transferring"
	case FileCompleted:
		return "completed"
	case FileFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Icon returns a one-glyph representation of the state
func (s FileState) Icon() string {
	switch s {
	case FilePending:
		return "⏳"
	case FileTransferring:
		return "↓"
	case FileCompleted:
		return "✓"
	case FileFailed:
		return "✗"
	default:
		return "?"
	}
}

// Tracker turns the Records of one transfer into speed, ETA and per-file
// state for display. It is safe for concurrent use: Records are pushed from
// the session's loop and read by a renderer goroutine.
type Tracker struct {
	mu sync.RWMutex

	Label     string
	StartTime time.Time
	EndTime   time.Time

	last   Record
	states []FileState
	failed bool

	// Speed calculation
	lastBytes    int64
	lastTime     time.Time
	currentSpeed float64 // bytes/sec

	now func() time.Time
}

func NewTracker(label string) *Tracker {
	return newTrackerAt(label, time.Now)
}

func newTrackerAt(label string, now func() time.Time) *Tracker {
	t := now()
	return &Tracker{
		Label:     label,
		StartTime: t,
		lastTime:  t,
		now:       now,
	}
}

// Update records the latest progress.
func (t *Tracker) Update(rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.states) != rec.TotalFiles {
		t.states = make([]FileState, rec.TotalFiles)
	}
	for i := 0; i < rec.FileIndex && i < len(t.states); i++ {
		if t.states[i] != FileFailed {
			t.states[i] = FileCompleted
		}
	}
	if rec.FileIndex < len(t.states) {
		if rec.CurrentFileProgress >= 1 {
			t.states[rec.FileIndex] = FileCompleted
		} else {
			t.states[rec.FileIndex] = FileTransferring
		}
	}
	// a restarted session starts counting from its own offset
	if rec.BytesTransferred < t.lastBytes {
		t.lastBytes = rec.BytesTransferred
	}
	t.last = rec
}

// Fail marks the current file and the transfer as failed.
func (t *Tracker) Fail() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failed = true
	if t.last.FileIndex < len(t.states) {
		t.states[t.last.FileIndex] = FileFailed
	}
	t.EndTime = t.now()
}

// MarkComplete stops the clock.
func (t *Tracker) MarkComplete() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.EndTime = t.now()
}

// UpdateSpeed recalculates the transfer speed at most every half second.
func (t *Tracker) UpdateSpeed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	elapsed := now.Sub(t.lastTime).Seconds()

	if elapsed >= 0.5 {
		diff := t.last.BytesTransferred - t.lastBytes
		if diff >= 0 {
			t.currentSpeed = float64(diff) / elapsed
		}
		t.lastBytes = t.last.BytesTransferred
		t.lastTime = now
	}

	return t.currentSpeed
}

// Last returns the most recent Record.
func (t *Tracker) Last() Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

// Speed returns the last computed speed in bytes per second.
func (t *Tracker) Speed() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentSpeed
}

// ETA returns the estimated time remaining, or 0 when unknown.
func (t *Tracker) ETA() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	remaining := t.last.TotalBytes - t.last.BytesTransferred
	if t.currentSpeed <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / t.currentSpeed * float64(time.Second))
}

// Completed returns how many files are complete.
func (t *Tracker) Completed() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, s := range t.states {
		if s == FileCompleted {
			n++
		}
	}
	return n
}

// States returns a copy of the per-file states.
func (t *Tracker) States() []FileState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]FileState(nil), t.states...)
}

// Failed reports whether Fail was called.
func (t *Tracker) Failed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failed
}

// IsComplete returns true once the overall progress reached 1.
func (t *Tracker) IsComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last.OverallProgress >= 1
}

// Elapsed returns the time since the tracker was created, frozen once the
// transfer ended.
func (t *Tracker) Elapsed() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.EndTime.IsZero() {
		return t.EndTime.Sub(t.StartTime)
	}
	return t.now().Sub(t.StartTime)
}
