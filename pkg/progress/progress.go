// Package progress computes derived progress snapshots for download tasks.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/aoyama86/segpull/pkg/types"
)

// Tracker accumulates byte counts for one task and derives speed and ETA.
// Snapshots are recomputed on demand and never persisted.
type Tracker struct {
	mu sync.Mutex

	taskID     string
	totalBytes int64
	downloaded int64
	startTime  time.Time

	// Rolling window for instantaneous speed.
	windowStart time.Time
	windowBytes int64
	speed       int64

	throttle *UpdateThrottle
}

// NewTracker creates a tracker for a task of the given total size.
func NewTracker(taskID string, totalBytes int64) *Tracker {
	now := time.Now()
	return &Tracker{
		taskID:      taskID,
		totalBytes:  totalBytes,
		startTime:   now,
		windowStart: now,
		throttle:    NewUpdateThrottle(500 * time.Millisecond),
	}
}

// Add records n freshly downloaded bytes.
func (t *Tracker) Add(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.downloaded += n
	t.windowBytes += n

	now := time.Now()
	if elapsed := now.Sub(t.windowStart); elapsed >= time.Second {
		t.speed = int64(float64(t.windowBytes) / elapsed.Seconds())
		t.windowStart = now
		t.windowBytes = 0
	}
}

// SetDownloaded overrides the absolute downloaded byte count, used when
// resuming from persisted segment state.
func (t *Tracker) SetDownloaded(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.downloaded = n
}

// SetTotal records the total size once it becomes known.
func (t *Tracker) SetTotal(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalBytes = n
}

// Downloaded returns the current downloaded byte count.
func (t *Tracker) Downloaded() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.downloaded
}

// ShouldEmit reports whether enough time has passed to emit another
// snapshot. Terminal snapshots bypass this.
func (t *Tracker) ShouldEmit() bool {
	return t.throttle.Allow()
}

// Snapshot derives a point-in-time view, attaching per-segment progress.
func (t *Tracker) Snapshot(status types.TaskStatus, segments []*types.DownloadSegment) types.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := types.ProgressSnapshot{
		TaskID:          t.taskID,
		Status:          status,
		TotalBytes:      t.totalBytes,
		DownloadedBytes: t.downloaded,
		Speed:           t.speed,
		ETA:             -1,
		Timestamp:       time.Now(),
	}

	if t.totalBytes > 0 {
		snap.Percent = float64(t.downloaded) / float64(t.totalBytes) * 100
		if t.speed > 0 {
			remaining := t.totalBytes - t.downloaded
			if remaining < 0 {
				remaining = 0
			}
			snap.ETA = time.Duration(float64(remaining)/float64(t.speed)) * time.Second
		}
	}

	for _, seg := range segments {
		snap.Segments = append(snap.Segments, types.SegmentProgress{
			Index:           seg.Index,
			StartByte:       seg.StartByte,
			EndByte:         seg.EndByte,
			DownloadedBytes: seg.DownloadedBytes,
			Status:          seg.Status,
		})
	}

	return snap
}

// UpdateThrottle bounds how often progress updates are emitted so consumers
// are not flooded with one notification per chunk.
type UpdateThrottle struct {
	mu         sync.Mutex
	interval   time.Duration
	lastUpdate time.Time
}

// NewUpdateThrottle creates a throttle with the specified minimum interval.
func NewUpdateThrottle(interval time.Duration) *UpdateThrottle {
	return &UpdateThrottle{interval: interval}
}

// Allow returns true if enough time has passed since the last update.
func (ut *UpdateThrottle) Allow() bool {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	now := time.Now()
	if now.Sub(ut.lastUpdate) >= ut.interval {
		ut.lastUpdate = now
		return true
	}

	return false
}

// FormatBytes formats a byte count as a human-readable string.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration formats a duration as a human-readable string.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}

	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}

	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
