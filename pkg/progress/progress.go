// Package progress implements the byte accounting shared by both ends of a
// transfer, so a sender and a receiver of the same files report the same
// percentages.
package progress

import (
	"math"

	"tarun-kavipurapu/p2p-share/pkg/protocol"
)

// belowOne is the largest overall value reported before every file is final.
var belowOne = math.Nextafter(1, 0)

// Record is one progress update.
type Record struct {
	FileIndex           int     `json:"fileIndex"`
	FileName            string  `json:"fileName"`
	TotalFiles          int     `json:"totalFiles"`
	CurrentFileProgress float64 `json:"currentFileProgress"`
	OverallProgress     float64 `json:"overallProgress"`
	BytesTransferred    int64   `json:"bytesTransferred"`
	TotalBytes          int64   `json:"totalBytes"`
}

// FileProgress is done/size clamped to [0,1]. A zero-length file counts as
// complete.
func FileProgress(done, size int64) float64 {
	if size <= 0 {
		return 1
	}
	return clamp01(float64(done) / float64(size))
}

// OverallProgress is transferred/total clamped to [0,1], and 0 for an empty
// total.
func OverallProgress(transferred, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return clamp01(float64(transferred) / float64(total))
}

// TotalBytes sums the declared sizes of files.
func TotalBytes(files []protocol.FileDescriptor) int64 {
	var total int64
	for _, f := range files {
		if f.Size > 0 {
			total += f.Size
		}
	}
	return total
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Accountant tracks progress through an ordered file list. Overall progress
// never decreases between Resets and only reaches 1 once every file has been
// completed. It is not safe for concurrent use.
type Accountant struct {
	files     []protocol.FileDescriptor
	total     int64
	completed []bool
	nComplete int
	doneBytes int64

	current   int
	fileBytes int64
	best      float64
}

func NewAccountant(files []protocol.FileDescriptor) *Accountant {
	a := &Accountant{}
	a.Reset(files)
	return a
}

// Reset starts a new session over files with all counters at zero.
func (a *Accountant) Reset(files []protocol.FileDescriptor) {
	a.files = append(a.files[:0:0], files...)
	a.total = TotalBytes(files)
	a.completed = make([]bool, len(files))
	a.nComplete = 0
	a.doneBytes = 0
	a.current = 0
	a.fileBytes = 0
	a.best = 0
}

// Seek makes index the current file with offset bytes already transferred.
func (a *Accountant) Seek(index int, offset int64) {
	if index < 0 || index >= len(a.files) {
		return
	}
	a.current = index
	a.fileBytes = clampBytes(offset, a.files[index].Size)
}

// Add counts n more bytes of the current file.
func (a *Accountant) Add(n int) {
	if len(a.files) == 0 {
		return
	}
	a.fileBytes = clampBytes(a.fileBytes+int64(n), a.files[a.current].Size)
}

// CompleteFile marks the current file final. Completing a file twice has no
// further effect.
func (a *Accountant) CompleteFile() {
	if len(a.files) == 0 || a.completed[a.current] {
		return
	}
	a.completed[a.current] = true
	a.nComplete++
	a.doneBytes += max(a.files[a.current].Size, 0)
	a.fileBytes = max(a.files[a.current].Size, 0)
}

// Finished reports whether every file has been completed.
func (a *Accountant) Finished() bool {
	return len(a.files) > 0 && a.nComplete == len(a.files)
}

func (a *Accountant) CurrentIndex() int   { return a.current }
func (a *Accountant) CurrentBytes() int64 { return a.fileBytes }
func (a *Accountant) TotalFiles() int     { return len(a.files) }
func (a *Accountant) TotalBytes() int64   { return a.total }

// BytesTransferred counts completed files at their declared size plus the
// bytes of the current file.
func (a *Accountant) BytesTransferred() int64 {
	n := a.doneBytes
	if len(a.files) > 0 && !a.completed[a.current] {
		n += a.fileBytes
	}
	if n > a.total {
		n = a.total
	}
	return n
}

// Record returns the current state and advances the monotonic overall value.
func (a *Accountant) Record() Record {
	rec := Record{
		FileIndex:        a.current,
		TotalFiles:       len(a.files),
		BytesTransferred: a.BytesTransferred(),
		TotalBytes:       a.total,
	}
	if len(a.files) > 0 {
		f := a.files[a.current]
		rec.FileName = f.Name
		if a.completed[a.current] {
			rec.CurrentFileProgress = 1
		} else {
			rec.CurrentFileProgress = FileProgress(a.fileBytes, f.Size)
		}
	}

	overall := OverallProgress(rec.BytesTransferred, rec.TotalBytes)
	if a.Finished() {
		overall = 1
	} else if overall > belowOne {
		overall = belowOne
	}
	if overall > a.best {
		a.best = overall
	}
	rec.OverallProgress = a.best
	return rec
}

func clampBytes(n, size int64) int64 {
	if n < 0 {
		return 0
	}
	if size >= 0 && n > size {
		return size
	}
	return n
}
