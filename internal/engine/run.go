package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aoyama86/segpull/internal/checksum"
	"github.com/aoyama86/segpull/internal/segment"
	"github.com/aoyama86/segpull/internal/storage"
	"github.com/aoyama86/segpull/pkg/errors"
	"github.com/aoyama86/segpull/pkg/metrics"
	"github.com/aoyama86/segpull/pkg/progress"
	"github.com/aoyama86/segpull/pkg/ratelimit"
	"github.com/aoyama86/segpull/pkg/types"
)

// stopReason distinguishes why a task's context was cancelled.
type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
)

// taskHandle is the live state of one executing task. Workers own their
// segment structs; the handle keeps a callback-fed view for snapshots and
// the periodic flush, so readers never touch worker-owned memory.
type taskHandle struct {
	taskID string
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	reason  stopReason
	status  types.TaskStatus
	limiter ratelimit.Limiter
	tracker *progress.Tracker
	view    []segmentView
}

type segmentView struct {
	id string
	types.SegmentProgress
}

func (h *taskHandle) requestStop(reason stopReason) {
	h.mu.Lock()
	// Cancel wins over pause when both arrive.
	if h.reason == stopNone || (h.reason == stopPause && reason == stopCancel) {
		h.reason = reason
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *taskHandle) stopReason() stopReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

func (h *taskHandle) setStatus(status types.TaskStatus) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
}

// attach installs the tracker and limiter once the task's size is known.
// Snapshot and rate readers check ready first.
func (h *taskHandle) attach(tracker *progress.Tracker, limiter ratelimit.Limiter) {
	h.mu.Lock()
	h.tracker = tracker
	h.limiter = limiter
	h.mu.Unlock()
}

func (h *taskHandle) ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tracker != nil
}

func (h *taskHandle) setRate(bytesPerSecond int64) {
	h.mu.Lock()
	limiter := h.limiter
	h.mu.Unlock()
	if limiter != nil {
		limiter.SetRate(bytesPerSecond)
	}
}

func (h *taskHandle) initView(segments []*types.DownloadSegment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.view = make([]segmentView, len(segments))
	for i, seg := range segments {
		h.view[i] = segmentView{
			id: seg.ID,
			SegmentProgress: types.SegmentProgress{
				Index:           seg.Index,
				StartByte:       seg.StartByte,
				EndByte:         seg.EndByte,
				DownloadedBytes: seg.DownloadedBytes,
				Status:          seg.Status,
			},
		}
	}
}

func (h *taskHandle) addBytes(viewIdx int, n int64) {
	h.tracker.Add(n)
	h.mu.Lock()
	h.view[viewIdx].DownloadedBytes += n
	h.mu.Unlock()
}

func (h *taskHandle) setSegment(viewIdx int, seg *types.DownloadSegment) {
	h.mu.Lock()
	h.view[viewIdx].DownloadedBytes = seg.DownloadedBytes
	h.view[viewIdx].EndByte = seg.EndByte
	h.view[viewIdx].Status = seg.Status
	h.mu.Unlock()
}

func (h *taskHandle) viewCopy() []segmentView {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]segmentView, len(h.view))
	copy(out, h.view)
	return out
}

func (h *taskHandle) snapshot() types.ProgressSnapshot {
	h.mu.Lock()
	status := h.status
	h.mu.Unlock()

	snap := h.tracker.Snapshot(status, nil)
	for _, v := range h.viewCopy() {
		snap.Segments = append(snap.Segments, v.SegmentProgress)
	}
	return snap
}

// start registers a handle and launches the task goroutine.
func (e *Engine) start(taskID string, isResume bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, ok := e.active[taskID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &taskHandle{
		taskID: taskID,
		cancel: cancel,
		done:   make(chan struct{}),
		status: types.TaskPending,
	}
	e.active[taskID] = h
	e.wg.Add(1)

	go e.run(ctx, h, isResume)
}

func (e *Engine) run(ctx context.Context, h *taskHandle, isResume bool) {
	defer func() {
		e.mu.Lock()
		delete(e.active, h.taskID)
		e.mu.Unlock()
		close(h.done)
		e.wg.Done()
	}()

	// Admission: wait for a download slot.
	if err := e.taskGate.Acquire(ctx, 1); err != nil {
		e.stopBeforeStart(h)
		return
	}
	defer e.taskGate.Release(1)

	bg := context.Background()
	task, err := e.repo.GetTask(bg, h.taskID)
	if err != nil {
		e.log.Error().Err(err).Str("task", h.taskID).Msg("task vanished before execution")
		return
	}
	// A pause that landed while the task queued wins over execution.
	if task.Status == types.TaskPaused && !isResume {
		return
	}

	metrics.TasksStarted.Inc()
	metrics.ActiveDownloads.Inc()
	defer metrics.ActiveDownloads.Dec()

	if err := e.repo.UpdateTaskStatus(bg, task.ID, types.TaskDownloading, ""); err != nil {
		e.failTask(task, err)
		return
	}
	h.setStatus(types.TaskDownloading)

	info, err := e.probeSources(ctx, task)
	if err != nil {
		if ctx.Err() != nil {
			e.stopUnstarted(h, task)
			return
		}
		e.failTask(task, err)
		return
	}

	segments, restartErr := e.prepareSegments(ctx, task, info, isResume)
	if restartErr != nil {
		if ctx.Err() != nil {
			e.stopUnstarted(h, task)
			return
		}
		e.failTask(task, restartErr)
		return
	}

	remaining := task.TotalSize - task.DownloadedSize
	if err := storage.CheckAvailableSpace(task.Destination, remaining, e.cfg.Storage.MinFreeSpace); err != nil {
		e.failTask(task, err)
		return
	}

	part, err := storage.OpenPart(task.Destination, task.TotalSize)
	if err != nil {
		e.failTask(task, err)
		return
	}

	tracker := progress.NewTracker(task.ID, task.TotalSize)
	tracker.SetDownloaded(task.DownloadedSize)
	h.attach(tracker, ratelimit.NewBandwidthLimiter(task.MaxRate))
	h.initView(segments)

	e.log.Info().Str("task", task.ID).Str("url", task.URL).
		Int("segments", len(segments)).Int64("size", task.TotalSize).
		Bool("resume", isResume).Msg("download started")

	runErr := e.runSegments(ctx, h, task, segments, part)

	// Stop the moment is over; everything below uses background context so
	// persistence survives the task context's cancellation.
	e.flushProgress(bg, h, task)

	if runErr == nil {
		e.finishTask(bg, h, task, segments, part)
		return
	}

	if ctx.Err() != nil || errors.IsCancelled(runErr) {
		switch h.stopReason() {
		case stopCancel:
			part.Discard()
			e.persistSegments(bg, segments)
			if err := e.repo.UpdateTaskStatus(bg, task.ID, types.TaskCancelled, ""); err != nil {
				e.log.Error().Err(err).Str("task", task.ID).Msg("failed to persist cancellation")
			}
			metrics.TasksFinished.WithLabelValues(string(types.TaskCancelled)).Inc()
			e.notifyTerminal(task.ID, types.TaskCancelled, "")
			e.log.Info().Str("task", task.ID).Msg("download cancelled")
		default:
			part.Close()
			e.persistSegments(bg, segments)
			if err := e.repo.UpdateTaskStatus(bg, task.ID, types.TaskPaused, ""); err != nil {
				e.log.Error().Err(err).Str("task", task.ID).Msg("failed to persist pause")
			}
			h.setStatus(types.TaskPaused)
			if e.notifier != nil {
				e.notifier.NotifyProgress(task.ID, h.snapshot())
			}
			e.log.Info().Str("task", task.ID).
				Int64("downloaded", h.tracker.Downloaded()).Msg("download paused")
		}
		return
	}

	part.Close()
	e.persistSegments(bg, segments)
	e.failTask(task, runErr)
}

// runSegments executes every incomplete segment under the per-task gate.
// The first failure cancels the siblings.
func (e *Engine) runSegments(
	ctx context.Context,
	h *taskHandle,
	task *types.DownloadTask,
	segments []*types.DownloadSegment,
	part *storage.PartFile,
) error {
	segGate := semaphore.NewWeighted(int64(e.cfg.Concurrency.MaxSegmentsPerTask))

	bgStop := make(chan struct{})
	var bgWG sync.WaitGroup
	bgWG.Add(1)
	go func() {
		defer bgWG.Done()
		ticker := time.NewTicker(e.cfg.Storage.ProgressFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-bgStop:
				return
			case <-ticker.C:
				e.flushProgress(context.Background(), h, task)
			}
		}
	}()
	if e.cfg.Storage.HealthCheckInterval > 0 {
		bgWG.Add(1)
		go func() {
			defer bgWG.Done()
			ticker := time.NewTicker(e.cfg.Storage.HealthCheckInterval)
			defer ticker.Stop()
			for {
				select {
				case <-bgStop:
					return
				case <-ticker.C:
					// Re-probing lets a demoted mirror rejoin the failover
					// candidates once it recovers.
					if err := e.mirrors.CheckHealth(ctx, task.ID, task.Headers); err != nil && ctx.Err() == nil {
						e.log.Warn().Err(err).Str("task", task.ID).Msg("mirror health check failed")
					}
				}
			}
		}()
	}
	defer func() {
		close(bgStop)
		bgWG.Wait()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range segments {
		if seg.Status == types.SegmentCompleted {
			continue
		}
		i, seg := i, seg
		g.Go(func() error {
			if err := segGate.Acquire(gctx, 1); err != nil {
				return err
			}
			defer segGate.Release(1)

			limiter := ratelimit.NewCombined(e.global, h.limiter)
			err := e.runner.Run(gctx, task, seg, part, limiter, func(n int64) {
				h.addBytes(i, n)
				e.emitProgress(h, task.ID)
			})
			h.setSegment(i, seg)
			if err != nil {
				return err
			}
			return e.repo.UpdateSegmentProgress(context.Background(), seg.ID, seg.DownloadedBytes, seg.Status)
		})
	}
	return g.Wait()
}

// finishTask validates and publishes a fully transferred file.
func (e *Engine) finishTask(
	ctx context.Context,
	h *taskHandle,
	task *types.DownloadTask,
	segments []*types.DownloadSegment,
	part *storage.PartFile,
) {
	// Open-ended single-segment downloads learn their size at EOF.
	if task.TotalSize == 0 && len(segments) == 1 {
		task.TotalSize = segments[0].DownloadedBytes
		h.tracker.SetTotal(task.TotalSize)
	}

	if task.Checksum != "" {
		if err := checksum.VerifyFile(ctx, part.Path(), task.ChecksumAlgorithm, task.Checksum); err != nil {
			part.Discard()
			e.failTask(task, err)
			return
		}
	}

	if err := part.Finalize(); err != nil {
		e.failTask(task, err)
		return
	}

	// Failover bookkeeping updates the persisted record while segments run;
	// carry its counter into the final write.
	if persisted, err := e.repo.GetTask(ctx, task.ID); err == nil {
		task.RetryCount = persisted.RetryCount
	}

	task.DownloadedSize = h.tracker.Downloaded()
	task.Status = types.TaskCompleted
	task.CompletedAt = time.Now()
	if err := e.repo.SaveTask(ctx, task); err != nil {
		e.log.Error().Err(err).Str("task", task.ID).Msg("failed to persist completion")
	}
	e.assigner.Forget(task.ID)

	h.setStatus(types.TaskCompleted)
	metrics.TasksFinished.WithLabelValues(string(types.TaskCompleted)).Inc()
	if e.notifier != nil {
		snap := h.snapshot()
		e.notifier.NotifyProgress(task.ID, snap)
		e.notifier.PublishFinal(task.ID, snap)
	}
	e.notifyTerminal(task.ID, types.TaskCompleted, "")
	e.log.Info().Str("task", task.ID).Str("file", task.Destination).
		Int64("bytes", task.DownloadedSize).Msg("download completed")
}

// probeSources probes the primary URL first, then each mirror, so one
// healthy source is enough to characterize the file.
func (e *Engine) probeSources(ctx context.Context, task *types.DownloadTask) (*types.FileInfo, error) {
	info, err := e.prober.Probe(ctx, task.URL, task.Headers)
	if err == nil {
		return info, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	mirrors, merr := e.repo.GetMirrors(ctx, task.ID)
	if merr != nil {
		return nil, err
	}
	for _, m := range mirrors {
		if info, perr := e.prober.Probe(ctx, m.URL, task.Headers); perr == nil {
			return info, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, err
}

// prepareSegments loads or plans the task's segments. A remote-change
// detection on resume throws persisted progress away and replans.
func (e *Engine) prepareSegments(
	ctx context.Context,
	task *types.DownloadTask,
	info *types.FileInfo,
	isResume bool,
) ([]*types.DownloadSegment, error) {
	if isResume {
		changed := remoteChanged(task, info)
		if !changed {
			segments, err := e.repo.GetSegments(ctx, task.ID)
			if err != nil {
				return nil, err
			}
			if len(segments) > 0 {
				return segments, nil
			}
		} else {
			e.log.Warn().Str("task", task.ID).Str("url", task.URL).
				Msg("remote file changed, restarting from scratch")
			if err := e.repo.DeleteSegments(ctx, task.ID); err != nil {
				return nil, err
			}
			e.removePartFile(task)
			task.DownloadedSize = 0
		}
	}

	task.TotalSize = info.Size
	task.SupportsRanges = info.SupportsRanges
	task.ETag = info.ETag
	task.LastModified = info.LastModified
	task.Status = types.TaskDownloading
	if err := e.repo.SaveTask(ctx, task); err != nil {
		return nil, err
	}

	segments := segment.Plan(task.ID, task.TotalSize, task.SupportsRanges,
		e.cfg.Concurrency.MaxSegmentsPerTask, e.cfg.Concurrency.MinSegmentSize)

	// Probe mirrors once before spreading segments across them.
	if err := e.mirrors.CheckHealth(ctx, task.ID, task.Headers); err != nil {
		return nil, err
	}
	if err := e.assigner.AssignInitial(ctx, task, segments); err != nil {
		return nil, err
	}
	return segments, nil
}

// remoteChanged reports whether the source's validators no longer match the
// ones recorded when the download began.
func remoteChanged(task *types.DownloadTask, info *types.FileInfo) bool {
	if task.ETag != "" && info.ETag != "" && task.ETag != info.ETag {
		return true
	}
	if !task.LastModified.IsZero() && !info.LastModified.IsZero() &&
		!task.LastModified.Equal(info.LastModified) {
		return true
	}
	if task.TotalSize > 0 && info.Size > 0 && task.TotalSize != info.Size {
		return true
	}
	return false
}

// flushProgress persists live counters. Called on a timer and at shutdown,
// never per chunk.
func (e *Engine) flushProgress(ctx context.Context, h *taskHandle, task *types.DownloadTask) {
	if h.tracker == nil {
		return
	}
	if err := e.repo.UpdateTaskProgress(ctx, task.ID, h.tracker.Downloaded()); err != nil {
		e.log.Warn().Err(err).Str("task", task.ID).Msg("progress flush failed")
		return
	}
	for _, v := range h.viewCopy() {
		if v.Status == types.SegmentCompleted {
			continue
		}
		if err := e.repo.UpdateSegmentProgress(ctx, v.id, v.DownloadedBytes, v.Status); err != nil {
			e.log.Warn().Err(err).Str("task", task.ID).Msg("segment flush failed")
		}
	}
}

// persistSegments writes worker-final segment states, safe once workers
// have returned.
func (e *Engine) persistSegments(ctx context.Context, segments []*types.DownloadSegment) {
	for _, seg := range segments {
		status := seg.Status
		if status == types.SegmentDownloading {
			status = types.SegmentPending
		}
		if err := e.repo.UpdateSegmentProgress(ctx, seg.ID, seg.DownloadedBytes, status); err != nil {
			e.log.Warn().Err(err).Str("segment", seg.ID).Msg("failed to persist segment state")
		}
	}
}

func (e *Engine) emitProgress(h *taskHandle, taskID string) {
	if e.notifier == nil || h.tracker == nil {
		return
	}
	if h.tracker.ShouldEmit() {
		e.notifier.NotifyProgress(taskID, h.snapshot())
	}
}

// stopBeforeStart handles a pause or cancel that arrived while the task was
// still queued on the admission gate.
func (e *Engine) stopBeforeStart(h *taskHandle) {
	bg := context.Background()
	task, err := e.repo.GetTask(bg, h.taskID)
	if err != nil {
		return
	}
	e.stopUnstarted(h, task)
}

// stopUnstarted settles a task that never began transferring bytes.
func (e *Engine) stopUnstarted(h *taskHandle, task *types.DownloadTask) {
	bg := context.Background()
	switch h.stopReason() {
	case stopCancel:
		e.removePartFile(task)
		if err := e.repo.UpdateTaskStatus(bg, task.ID, types.TaskCancelled, ""); err != nil {
			e.log.Error().Err(err).Str("task", task.ID).Msg("failed to persist cancellation")
		}
		metrics.TasksFinished.WithLabelValues(string(types.TaskCancelled)).Inc()
		e.notifyTerminal(task.ID, types.TaskCancelled, "")
	default:
		if err := e.repo.UpdateTaskStatus(bg, task.ID, types.TaskPaused, ""); err != nil {
			e.log.Error().Err(err).Str("task", task.ID).Msg("failed to persist pause")
		}
	}
}

// failTask marks the task failed and reports the terminal status.
func (e *Engine) failTask(task *types.DownloadTask, cause error) {
	bg := context.Background()
	msg := cause.Error()
	if err := e.repo.UpdateTaskStatus(bg, task.ID, types.TaskFailed, msg); err != nil {
		e.log.Error().Err(err).Str("task", task.ID).Msg("failed to persist failure")
	}
	e.assigner.Forget(task.ID)
	metrics.TasksFinished.WithLabelValues(string(types.TaskFailed)).Inc()
	if e.notifier != nil {
		e.notifier.PublishFinal(task.ID, e.finalSnapshot(bg, task, types.TaskFailed))
	}
	e.notifyTerminal(task.ID, types.TaskFailed, msg)
	e.log.Error().Str("task", task.ID).Str("code", errors.GetCode(cause).String()).
		Err(cause).Msg("download failed")
}

// finalSnapshot derives a terminal snapshot from persisted state so late
// subscribers see byte counts rather than a bare status.
func (e *Engine) finalSnapshot(ctx context.Context, task *types.DownloadTask, status types.TaskStatus) types.ProgressSnapshot {
	if persisted, err := e.repo.GetTask(ctx, task.ID); err == nil {
		task = persisted
	}
	snap := types.ProgressSnapshot{
		TaskID:          task.ID,
		Status:          status,
		TotalBytes:      task.TotalSize,
		DownloadedBytes: task.DownloadedSize,
		ETA:             -1,
		Timestamp:       time.Now(),
	}
	if task.TotalSize > 0 {
		snap.Percent = float64(task.DownloadedSize) / float64(task.TotalSize) * 100
	}
	return snap
}

func (e *Engine) removePartFile(task *types.DownloadTask) {
	partPath := storage.PartPath(task.Destination)
	if err := removeIfExists(partPath); err != nil {
		e.log.Warn().Err(err).Str("path", partPath).Msg("failed to remove part file")
	}
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
