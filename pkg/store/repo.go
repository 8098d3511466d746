package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aoyama86/segpull/pkg/errors"
	"github.com/aoyama86/segpull/pkg/types"
)

// Key layout inside the backing KV. Segments and mirrors nest under their
// task so per-task listing is a single prefix scan; segref maps a segment id
// back to its task for by-id progress updates.
const (
	taskPrefix     = "task/"
	segmentPrefix  = "segment/"
	segrefPrefix   = "segref/"
	mirrorPrefix   = "mirror/"
	failoverPrefix = "failover/"
)

// Repo implements types.Repository over any KV backend.
type Repo struct {
	mu sync.Mutex
	kv KV
}

var _ types.Repository = (*Repo)(nil)

// NewRepo wraps a KV backend as a Repository.
func NewRepo(kv KV) *Repo {
	return &Repo{kv: kv}
}

// Close releases the underlying backend.
func (r *Repo) Close() error {
	return r.kv.Close()
}

func (r *Repo) putJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return r.kv.Put(ctx, key, data)
}

func (r *Repo) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := r.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// SaveTask inserts or overwrites a task record.
func (r *Repo) SaveTask(ctx context.Context, task *types.DownloadTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putJSON(ctx, taskPrefix+task.ID, task)
}

// GetTask retrieves a task by id, or errors.ErrTaskNotFound.
func (r *Repo) GetTask(ctx context.Context, taskID string) (*types.DownloadTask, error) {
	var task types.DownloadTask
	if err := r.getJSON(ctx, taskPrefix+taskID, &task); err != nil {
		if err == ErrKeyNotFound {
			return nil, fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
		}
		return nil, err
	}
	return &task, nil
}

// ListTasks returns every task, ordered by creation time.
func (r *Repo) ListTasks(ctx context.Context) ([]*types.DownloadTask, error) {
	keys, err := r.kv.List(ctx, taskPrefix)
	if err != nil {
		return nil, err
	}

	tasks := make([]*types.DownloadTask, 0, len(keys))
	for _, key := range keys {
		var task types.DownloadTask
		if err := r.getJSON(ctx, key, &task); err != nil {
			// A task deleted between List and Get is not an error.
			if err == ErrKeyNotFound {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, &task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// ListTasksByStatus returns tasks whose status matches any of the given
// statuses, ordered by creation time.
func (r *Repo) ListTasksByStatus(ctx context.Context, statuses ...types.TaskStatus) ([]*types.DownloadTask, error) {
	all, err := r.ListTasks(ctx)
	if err != nil {
		return nil, err
	}

	want := make(map[types.TaskStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var tasks []*types.DownloadTask
	for _, task := range all {
		if want[task.Status] {
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// UpdateTaskStatus rewrites a task's status, stamping completion time for
// terminal statuses and the error message for failures.
func (r *Repo) UpdateTaskStatus(ctx context.Context, taskID string, status types.TaskStatus, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	task.Status = status
	task.ErrorMessage = errorMessage
	switch status {
	case types.TaskDownloading:
		if task.StartedAt.IsZero() {
			task.StartedAt = time.Now()
		}
	case types.TaskCompleted, types.TaskFailed, types.TaskCancelled:
		task.CompletedAt = time.Now()
	}

	return r.putJSON(ctx, taskPrefix+taskID, task)
}

// UpdateTaskProgress rewrites a task's aggregate downloaded byte count.
func (r *Repo) UpdateTaskProgress(ctx context.Context, taskID string, downloadedSize int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.DownloadedSize = downloadedSize
	return r.putJSON(ctx, taskPrefix+taskID, task)
}

// IncrementTaskRetries bumps the task's source-failover counter by one.
func (r *Repo) IncrementTaskRetries(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.RetryCount++
	return r.putJSON(ctx, taskPrefix+taskID, task)
}

// DeleteTask removes the task and all records nested under it.
func (r *Repo) DeleteTask(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	segKeys, err := r.kv.List(ctx, segmentPrefix+taskID+"/")
	if err != nil {
		return err
	}
	for _, key := range segKeys {
		segID := key[strings.LastIndex(key, "/")+1:]
		if err := r.kv.Delete(ctx, segrefPrefix+segID); err != nil {
			return err
		}
		if err := r.kv.Delete(ctx, key); err != nil {
			return err
		}
	}

	for _, prefix := range []string{mirrorPrefix, failoverPrefix} {
		keys, err := r.kv.List(ctx, prefix+taskID+"/")
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := r.kv.Delete(ctx, key); err != nil {
				return err
			}
		}
	}

	return r.kv.Delete(ctx, taskPrefix+taskID)
}

// SaveSegment inserts or overwrites a segment record.
func (r *Repo) SaveSegment(ctx context.Context, segment *types.DownloadSegment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.kv.Put(ctx, segrefPrefix+segment.ID, []byte(segment.TaskID)); err != nil {
		return err
	}
	return r.putJSON(ctx, segmentKey(segment.TaskID, segment.ID), segment)
}

// GetSegments returns a task's segments ordered by index.
func (r *Repo) GetSegments(ctx context.Context, taskID string) ([]*types.DownloadSegment, error) {
	keys, err := r.kv.List(ctx, segmentPrefix+taskID+"/")
	if err != nil {
		return nil, err
	}

	segments := make([]*types.DownloadSegment, 0, len(keys))
	for _, key := range keys {
		var seg types.DownloadSegment
		if err := r.getJSON(ctx, key, &seg); err != nil {
			return nil, err
		}
		segments = append(segments, &seg)
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].Index < segments[j].Index
	})
	return segments, nil
}

// UpdateSegmentProgress rewrites a segment's downloaded byte count and status.
func (r *Repo) UpdateSegmentProgress(ctx context.Context, segmentID string, downloadedBytes int64, status types.SegmentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, err := r.kv.Get(ctx, segrefPrefix+segmentID)
	if err != nil {
		if err == ErrKeyNotFound {
			return fmt.Errorf("segment not found: %s", segmentID)
		}
		return err
	}
	taskID := string(ref)

	var seg types.DownloadSegment
	if err := r.getJSON(ctx, segmentKey(taskID, segmentID), &seg); err != nil {
		return err
	}
	seg.DownloadedBytes = downloadedBytes
	seg.Status = status
	return r.putJSON(ctx, segmentKey(taskID, segmentID), &seg)
}

// DeleteSegments drops every segment of a task, used when a remote-change
// detection forces a replan.
func (r *Repo) DeleteSegments(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, err := r.kv.List(ctx, segmentPrefix+taskID+"/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		segID := key[strings.LastIndex(key, "/")+1:]
		if err := r.kv.Delete(ctx, segrefPrefix+segID); err != nil {
			return err
		}
		if err := r.kv.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// SaveMirror inserts or overwrites a mirror record.
func (r *Repo) SaveMirror(ctx context.Context, mirror *types.MirrorURL) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putJSON(ctx, mirrorKey(mirror.TaskID, mirror.ID), mirror)
}

// GetMirrors returns a task's mirrors ordered by priority.
func (r *Repo) GetMirrors(ctx context.Context, taskID string) ([]*types.MirrorURL, error) {
	keys, err := r.kv.List(ctx, mirrorPrefix+taskID+"/")
	if err != nil {
		return nil, err
	}

	mirrors := make([]*types.MirrorURL, 0, len(keys))
	for _, key := range keys {
		var m types.MirrorURL
		if err := r.getJSON(ctx, key, &m); err != nil {
			return nil, err
		}
		mirrors = append(mirrors, &m)
	}

	sort.Slice(mirrors, func(i, j int) bool {
		return mirrors[i].Priority < mirrors[j].Priority
	})
	return mirrors, nil
}

// UpdateMirror rewrites a mirror record, typically after a health check.
func (r *Repo) UpdateMirror(ctx context.Context, mirror *types.MirrorURL) error {
	return r.SaveMirror(ctx, mirror)
}

// AppendFailoverEvent records a mirror reassignment. Events are keyed by
// timestamp so listing returns them in order of occurrence.
func (r *Repo) AppendFailoverEvent(ctx context.Context, event *types.MirrorFailoverEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.ID == "" {
		event.ID = types.NewID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	key := fmt.Sprintf("%s%s/%020d-%s", failoverPrefix, event.TaskID, event.Timestamp.UnixNano(), event.ID)
	return r.putJSON(ctx, key, event)
}

// ListFailoverEvents returns a task's failover audit log, oldest first.
func (r *Repo) ListFailoverEvents(ctx context.Context, taskID string) ([]*types.MirrorFailoverEvent, error) {
	keys, err := r.kv.List(ctx, failoverPrefix+taskID+"/")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	events := make([]*types.MirrorFailoverEvent, 0, len(keys))
	for _, key := range keys {
		var ev types.MirrorFailoverEvent
		if err := r.getJSON(ctx, key, &ev); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, nil
}

func segmentKey(taskID, segmentID string) string {
	return segmentPrefix + taskID + "/" + segmentID
}

func mirrorKey(taskID, mirrorID string) string {
	return mirrorPrefix + taskID + "/" + mirrorID
}
