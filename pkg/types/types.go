// Package types defines the core types and interfaces for the segpull download engine.
package types

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh opaque identifier for tasks, segments and mirrors.
func NewID() string {
	return uuid.NewString()
}

// TaskStatus is the lifecycle state of a DownloadTask.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskDownloading TaskStatus = "downloading"
	TaskPaused      TaskStatus = "paused"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal transition.
// Transitions are monotonic except Paused<->Downloading.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case TaskPending:
		return next == TaskDownloading || next == TaskCancelled || next == TaskFailed
	case TaskDownloading:
		return next == TaskPaused || next == TaskCompleted ||
			next == TaskFailed || next == TaskCancelled
	case TaskPaused:
		return next == TaskDownloading || next == TaskCancelled || next == TaskFailed
	default:
		return false
	}
}

// SegmentStatus is the lifecycle state of a DownloadSegment.
type SegmentStatus string

const (
	SegmentPending     SegmentStatus = "pending"
	SegmentDownloading SegmentStatus = "downloading"
	SegmentCompleted   SegmentStatus = "completed"
	SegmentFailed      SegmentStatus = "failed"
)

// ChecksumAlgorithm identifies a supported digest algorithm.
type ChecksumAlgorithm string

const (
	ChecksumMD5    ChecksumAlgorithm = "md5"
	ChecksumSHA256 ChecksumAlgorithm = "sha256"
)

// DownloadRequest describes a download to be submitted to the engine.
type DownloadRequest struct {
	// URL is the primary source URL.
	URL string `json:"url"`

	// Mirrors are alternate source URLs for the same content, in priority order.
	Mirrors []string `json:"mirrors,omitempty"`

	// Destination is the target file path. If empty, a filename is derived
	// from the URL and placed in the configured download directory.
	Destination string `json:"destination,omitempty"`

	// Category is an optional user-defined grouping label.
	Category string `json:"category,omitempty"`

	// Checksum is the expected hex digest of the completed file, if known.
	Checksum string `json:"checksum,omitempty"`

	// ChecksumAlgorithm names the digest algorithm for Checksum.
	ChecksumAlgorithm ChecksumAlgorithm `json:"checksum_algorithm,omitempty"`

	// MaxRate is a per-task speed limit in bytes per second. 0 means no
	// per-task limit (the global limit still applies).
	MaxRate int64 `json:"max_rate,omitempty"`

	// Priority orders tasks waiting on the global admission gate.
	Priority int `json:"priority,omitempty"`

	// Headers are additional HTTP headers sent with every request.
	Headers map[string]string `json:"headers,omitempty"`
}

// DownloadTask is the persistent record of one download.
type DownloadTask struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Destination string     `json:"destination"`
	Category    string     `json:"category,omitempty"`
	Status      TaskStatus `json:"status"`

	// TotalSize is the full file size in bytes, 0 until the first probe
	// response when the origin does not announce it.
	TotalSize int64 `json:"total_size"`

	// DownloadedSize is the sum of every segment's downloaded bytes.
	DownloadedSize int64 `json:"downloaded_size"`

	Checksum          string            `json:"checksum,omitempty"`
	ChecksumAlgorithm ChecksumAlgorithm `json:"checksum_algorithm,omitempty"`

	MaxRate  int64 `json:"max_rate,omitempty"`
	Priority int   `json:"priority,omitempty"`

	// Headers are extra HTTP headers sent with every request for this task.
	Headers map[string]string `json:"headers,omitempty"`

	// RetryCount increments each time a segment exhausts a mirror's retry budget.
	RetryCount int `json:"retry_count"`

	// SupportsRanges records the result of the range-support probe.
	SupportsRanges bool `json:"supports_ranges"`

	// ETag and LastModified validate resumability against remote changes.
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// DownloadSegment is one contiguous byte range of a task, transferred and
// tracked independently. Ranges are fixed at plan time and never overlap.
type DownloadSegment struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`

	// Index defines byte-range ordering within the task. Immutable.
	Index int `json:"index"`

	// StartByte and EndByte delimit the inclusive byte range.
	StartByte int64 `json:"start_byte"`
	EndByte   int64 `json:"end_byte"`

	// DownloadedBytes is the confirmed progress within the range.
	DownloadedBytes int64 `json:"downloaded_bytes"`

	Status SegmentStatus `json:"status"`

	// MirrorID is the id of the assigned mirror; empty means the primary URL.
	MirrorID string `json:"mirror_id,omitempty"`

	RetryCount   int    `json:"retry_count"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Length returns the total byte count of the segment's range.
func (s *DownloadSegment) Length() int64 {
	return s.EndByte - s.StartByte + 1
}

// Remaining returns the bytes still to be transferred.
func (s *DownloadSegment) Remaining() int64 {
	return s.Length() - s.DownloadedBytes
}

// MirrorURL is a candidate alternate source for one task's content.
type MirrorURL struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	URL    string `json:"url"`

	// Priority orders mirrors; lower is preferred.
	Priority int `json:"priority"`

	LastResponseTimeMs int64     `json:"last_response_time_ms,omitempty"`
	LastChecked        time.Time `json:"last_checked,omitempty"`
	IsHealthy          bool      `json:"is_healthy"`
	LastErrorMessage   string    `json:"last_error_message,omitempty"`
}

// MirrorFailoverEvent is an append-only audit record of a segment's mirror
// assignment changing.
type MirrorFailoverEvent struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	SegmentID string    `json:"segment_id"`
	OldMirror string    `json:"old_mirror_id,omitempty"`
	OldURL    string    `json:"old_url,omitempty"`
	NewMirror string    `json:"new_mirror_id,omitempty"`
	NewURL    string    `json:"new_url,omitempty"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// FileInfo is the result of probing a source URL.
type FileInfo struct {
	URL            string
	Size           int64
	SupportsRanges bool
	ETag           string
	LastModified   time.Time
	ContentType    string
}

// Repository is the persistence collaborator. The engine calls it at state
// transitions and on a periodic progress flush, never per chunk.
type Repository interface {
	SaveTask(ctx context.Context, task *DownloadTask) error
	GetTask(ctx context.Context, taskID string) (*DownloadTask, error)
	ListTasks(ctx context.Context) ([]*DownloadTask, error)
	ListTasksByStatus(ctx context.Context, statuses ...TaskStatus) ([]*DownloadTask, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, errorMessage string) error
	UpdateTaskProgress(ctx context.Context, taskID string, downloadedSize int64) error
	IncrementTaskRetries(ctx context.Context, taskID string) error
	DeleteTask(ctx context.Context, taskID string) error

	SaveSegment(ctx context.Context, segment *DownloadSegment) error
	GetSegments(ctx context.Context, taskID string) ([]*DownloadSegment, error)
	UpdateSegmentProgress(ctx context.Context, segmentID string, downloadedBytes int64, status SegmentStatus) error
	DeleteSegments(ctx context.Context, taskID string) error

	SaveMirror(ctx context.Context, mirror *MirrorURL) error
	GetMirrors(ctx context.Context, taskID string) ([]*MirrorURL, error)
	UpdateMirror(ctx context.Context, mirror *MirrorURL) error

	AppendFailoverEvent(ctx context.Context, event *MirrorFailoverEvent) error
	ListFailoverEvents(ctx context.Context, taskID string) ([]*MirrorFailoverEvent, error)
}

// Notifier receives progress snapshots and terminal-status events. Fan-out
// to external clients is the collaborator's concern, not the engine's.
type Notifier interface {
	// NotifyProgress delivers a progress snapshot for an active task.
	NotifyProgress(taskID string, snapshot ProgressSnapshot)

	// NotifyTerminal delivers the final status of a task, with the error
	// message for Failed tasks.
	NotifyTerminal(taskID string, status TaskStatus, errorMessage string)

	// PublishFinal retains a rich terminal snapshot ahead of NotifyTerminal,
	// so late subscribers observe byte counts and not just a status.
	PublishFinal(taskID string, snapshot ProgressSnapshot)

	// Forget drops any retained state for a deleted task.
	Forget(taskID string)
}

// SegmentProgress is the per-segment slice of a progress snapshot.
type SegmentProgress struct {
	Index           int           `json:"index"`
	StartByte       int64         `json:"start_byte"`
	EndByte         int64         `json:"end_byte"`
	DownloadedBytes int64         `json:"downloaded_bytes"`
	Status          SegmentStatus `json:"status"`
}

// ProgressSnapshot is a derived, point-in-time view of a task's progress.
// It is recomputed on demand and never persisted.
type ProgressSnapshot struct {
	TaskID          string            `json:"task_id"`
	Status          TaskStatus        `json:"status"`
	TotalBytes      int64             `json:"total_bytes"`
	DownloadedBytes int64             `json:"downloaded_bytes"`
	Percent         float64           `json:"percent"`
	Speed           int64             `json:"speed"`
	ETA             time.Duration     `json:"eta"`
	Segments        []SegmentProgress `json:"segments,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}
