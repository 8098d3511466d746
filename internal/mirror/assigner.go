package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/aoyama86/segpull/pkg/errors"
	"github.com/aoyama86/segpull/pkg/metrics"
	"github.com/aoyama86/segpull/pkg/types"
)

// Assigner distributes segments across a task's sources. The primary URL
// participates as the implicit source with empty mirror id; it is always a
// candidate of last resort even when mirrors exist.
type Assigner struct {
	mu      sync.Mutex
	manager *Manager
	repo    types.Repository

	// next is the round-robin cursor per task.
	next map[string]int
}

// NewAssigner creates an assigner backed by the mirror manager.
func NewAssigner(manager *Manager, repo types.Repository) *Assigner {
	return &Assigner{
		manager: manager,
		repo:    repo,
		next:    make(map[string]int),
	}
}

// SourceURL resolves a segment's effective download URL. An empty mirror id
// means the task's primary URL.
func (a *Assigner) SourceURL(ctx context.Context, task *types.DownloadTask, mirrorID string) (string, error) {
	if mirrorID == "" {
		return task.URL, nil
	}
	mirrors, err := a.repo.GetMirrors(ctx, task.ID)
	if err != nil {
		return "", err
	}
	for _, mirror := range mirrors {
		if mirror.ID == mirrorID {
			return mirror.URL, nil
		}
	}
	// A stale assignment to a deleted mirror falls back to the primary.
	return task.URL, nil
}

// AssignInitial spreads segments round-robin across the task's healthy
// mirrors in priority order. The primary URL carries the load only when no
// healthy mirror exists; otherwise it is held back as the failover fallback.
func (a *Assigner) AssignInitial(ctx context.Context, task *types.DownloadTask, segments []*types.DownloadSegment) error {
	healthy, err := a.manager.HealthyMirrors(ctx, task.ID)
	if err != nil {
		return err
	}

	ring := make([]string, 0, len(healthy))
	for _, mirror := range healthy {
		ring = append(ring, mirror.ID)
	}
	if len(ring) == 0 {
		ring = append(ring, "")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, seg := range segments {
		seg.MirrorID = ring[a.next[task.ID]%len(ring)]
		a.next[task.ID]++
		if err := a.repo.SaveSegment(ctx, seg); err != nil {
			return err
		}
	}
	return nil
}

// Reassign moves a failed segment to a different source and appends exactly
// one failover event. The current source is excluded; when no healthy mirror
// remains the segment falls back to the primary URL. A segment already on
// the primary with no healthy mirrors left has exhausted its sources.
func (a *Assigner) Reassign(ctx context.Context, task *types.DownloadTask, segment *types.DownloadSegment, reason string) error {
	// Every spent source budget counts against the task, including the one
	// that exhausts the source list.
	if err := a.repo.IncrementTaskRetries(ctx, task.ID); err != nil {
		return err
	}

	healthy, err := a.manager.HealthyMirrors(ctx, task.ID)
	if err != nil {
		return err
	}

	oldMirror := segment.MirrorID
	oldURL, err := a.SourceURL(ctx, task, oldMirror)
	if err != nil {
		return err
	}

	var newMirror, newURL string
	found := false
	for _, mirror := range healthy {
		if mirror.ID != oldMirror {
			newMirror, newURL = mirror.ID, mirror.URL
			found = true
			break
		}
	}
	if !found {
		if oldMirror == "" {
			return errors.WrapURL(errors.ErrMirrorsExhausted, errors.CodeMirrorExhausted,
				"no alternate source left for segment", task.URL)
		}
		// Fall back to the primary URL.
		newMirror, newURL = "", task.URL
	}

	segment.MirrorID = newMirror
	segment.RetryCount = 0
	if err := a.repo.SaveSegment(ctx, segment); err != nil {
		return err
	}

	event := &types.MirrorFailoverEvent{
		ID:        types.NewID(),
		TaskID:    task.ID,
		SegmentID: segment.ID,
		OldMirror: oldMirror,
		OldURL:    oldURL,
		NewMirror: newMirror,
		NewURL:    newURL,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	if err := a.repo.AppendFailoverEvent(ctx, event); err != nil {
		return err
	}
	metrics.MirrorFailovers.Inc()
	return nil
}

// Forget drops the round-robin cursor for a finished task.
func (a *Assigner) Forget(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.next, taskID)
}
