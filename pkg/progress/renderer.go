package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ANSI color codes for terminal output
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Cyan   = "\033[36m"
	Bold   = "\033[1m"
)

// Renderer draws a Tracker as a single self-overwriting terminal line.
type Renderer struct {
	tracker     *Tracker
	out         io.Writer
	stopChan    chan struct{}
	stopOnce    sync.Once
	finished    chan struct{}
	refreshRate time.Duration
	useColors   bool
	width       int
}

func NewRenderer(tracker *Tracker, useColors bool) *Renderer {
	return &Renderer{
		tracker:     tracker,
		out:         os.Stdout,
		stopChan:    make(chan struct{}),
		finished:    make(chan struct{}),
		refreshRate: 200 * time.Millisecond,
		useColors:   useColors,
		width:       40,
	}
}

func (r *Renderer) SetOutput(w io.Writer)             { r.out = w }
func (r *Renderer) SetRefreshRate(rate time.Duration) { r.refreshRate = rate }
func (r *Renderer) SetWidth(width int)                { r.width = width }

// Start runs the render loop until Stop.
func (r *Renderer) Start() {
	defer close(r.finished)
	r.Render()

	ticker := time.NewTicker(r.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.tracker.UpdateSpeed()
			r.Render()
		case <-r.stopChan:
			return
		}
	}
}

// Stop ends the render loop without a final line.
func (r *Renderer) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}

// StopAndWait ends the render loop and prints the final state.
func (r *Renderer) StopAndWait() {
	r.Stop()
	<-r.finished
	if r.tracker.IsComplete() && !r.tracker.Failed() {
		r.RenderFinal()
	} else {
		r.RenderError()
	}
}

// Render prints the current progress line.
func (r *Renderer) Render() {
	rec := r.tracker.Last()
	percent := rec.OverallProgress * 100
	bar := r.bar(rec.OverallProgress)
	speed := FormatBytes(r.tracker.Speed())
	eta := FormatETA(r.tracker.ETA())

	var line string
	if r.useColors {
		line = fmt.Sprintf("\r%s[%s]%s [%s]%s %.1f%%%s (%d/%d files) | %s/s | ETA: %s",
			Cyan, r.label(rec), Reset,
			Green+bar+Reset,
			Yellow, percent, Reset, r.tracker.Completed(), rec.TotalFiles,
			Blue+speed+Reset, eta,
		)
	} else {
		line = fmt.Sprintf("\r[%s] [%s] %.1f%% (%d/%d files) | %s/s | ETA: %s",
			r.label(rec), bar, percent, r.tracker.Completed(), rec.TotalFiles, speed, eta,
		)
	}
	fmt.Fprint(r.out, line)
}

// RenderFinal prints the completed state.
func (r *Renderer) RenderFinal() {
	rec := r.tracker.Last()
	fmt.Fprint(r.out, "\r\033[K")

	var line string
	if r.useColors {
		line = fmt.Sprintf("%s[%s]%s [%s]%s 100%% (%d/%d files)%s | %s in %s\n",
			Cyan, r.tracker.Label, Reset,
			Green+strings.Repeat("█", r.width)+Reset,
			Green, rec.TotalFiles, rec.TotalFiles, Reset,
			FormatBytes(float64(rec.TotalBytes)), FormatDuration(r.tracker.Elapsed()),
		)
	} else {
		line = fmt.Sprintf("[%s] [%s] 100%% (%d/%d files) | %s in %s\n",
			r.tracker.Label, strings.Repeat("█", r.width),
			rec.TotalFiles, rec.TotalFiles,
			FormatBytes(float64(rec.TotalBytes)), FormatDuration(r.tracker.Elapsed()),
		)
	}
	fmt.Fprint(r.out, line)
}

// RenderError prints an interrupted transfer.
func (r *Renderer) RenderError() {
	rec := r.tracker.Last()
	fmt.Fprint(r.out, "\r\033[K")

	var line string
	if r.useColors {
		line = fmt.Sprintf("%s[%s]%s [%s] %.1f%% | %s%sTransfer stopped%s: %d/%d files complete\n",
			Cyan, r.tracker.Label, Reset,
			Red+"✗"+Reset,
			rec.OverallProgress*100,
			Red, Bold, Reset, r.tracker.Completed(), rec.TotalFiles,
		)
	} else {
		line = fmt.Sprintf("[%s] [✗] %.1f%% | Transfer stopped: %d/%d files complete\n",
			r.tracker.Label, rec.OverallProgress*100, r.tracker.Completed(), rec.TotalFiles,
		)
	}
	fmt.Fprint(r.out, line)
}

func (r *Renderer) label(rec Record) string {
	if rec.FileName != "" {
		return rec.FileName
	}
	return r.tracker.Label
}

func (r *Renderer) bar(fraction float64) string {
	filled := int(float64(r.width) * fraction)
	if filled > r.width {
		filled = r.width
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", r.width-filled)
}

// FormatBytes formats a byte count into a human-readable string
func FormatBytes(bytes float64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%.1f B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", bytes/float64(div), "KMGTPE"[exp])
}

// FormatETA formats an estimated time into a human-readable string
func FormatETA(eta time.Duration) string {
	if eta <= 0 {
		return "∞"
	}
	return FormatDuration(eta)
}

// FormatDuration formats a duration into a human-readable string
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	if d < time.Hour {
		mins := d / time.Minute
		secs := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dm%ds", mins, secs)
	}
	hours := d / time.Hour
	mins := (d % time.Hour) / time.Minute
	return fmt.Sprintf("%dh%dm", hours, mins)
}
