// Package engine orchestrates download tasks: admission, segment execution,
// persistence, rate limiting and lifecycle transitions.
package engine

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/aoyama86/segpull/internal/mirror"
	"github.com/aoyama86/segpull/internal/network"
	"github.com/aoyama86/segpull/internal/retry"
	"github.com/aoyama86/segpull/internal/segment"
	"github.com/aoyama86/segpull/pkg/config"
	"github.com/aoyama86/segpull/pkg/errors"
	"github.com/aoyama86/segpull/pkg/ratelimit"
	"github.com/aoyama86/segpull/pkg/types"
)

// Engine runs downloads. One Engine serves many concurrent tasks; admission
// beyond the configured limit queues on an internal gate.
type Engine struct {
	cfg      *config.Config
	repo     types.Repository
	notifier types.Notifier

	pool     *network.ClientPool
	prober   *network.Prober
	mirrors  *mirror.Manager
	assigner *mirror.Assigner
	runner   *segment.Runner

	// global caps aggregate throughput across every task.
	global ratelimit.Limiter

	// taskGate bounds simultaneously executing tasks.
	taskGate *semaphore.Weighted

	log zerolog.Logger

	mu     sync.Mutex
	active map[string]*taskHandle
	wg     sync.WaitGroup
	closed bool
}

// New wires an engine from its collaborators. notifier may be nil when no
// progress consumer exists.
func New(cfg *config.Config, repo types.Repository, notifier types.Notifier) *Engine {
	pool := network.NewClientPool(cfg.Timeouts, cfg.Concurrency.MaxSegmentsPerTask)
	prober := network.NewProber(pool, cfg.UserAgent, cfg.Timeouts.ProbeTimeout)
	mirrors := mirror.NewManager(repo, prober)
	assigner := mirror.NewAssigner(mirrors, repo)
	policy := retry.FromConfig(cfg.RetryPolicy)
	downloader := segment.NewDownloader(pool, cfg.UserAgent, cfg.ChunkSize)

	return &Engine{
		cfg:      cfg,
		repo:     repo,
		notifier: notifier,
		pool:     pool,
		prober:   prober,
		mirrors:  mirrors,
		assigner: assigner,
		runner:   segment.NewRunner(downloader, policy, assigner, mirrors),
		global:   ratelimit.NewBandwidthLimiter(cfg.SpeedLimit.GlobalRate),
		taskGate: semaphore.NewWeighted(int64(cfg.Concurrency.MaxConcurrentDownloads)),
		log:      zerolog.Nop(),
		active:   make(map[string]*taskHandle),
	}
}

// SetLogger attaches a logger; the zero value engine logs nothing.
func (e *Engine) SetLogger(log zerolog.Logger) {
	e.log = log
}

// Repo exposes the repository for read-side consumers.
func (e *Engine) Repo() types.Repository {
	return e.repo
}

// SetGlobalRate adjusts the engine-wide bandwidth cap at runtime.
// 0 removes the cap; in-flight waiters pick the new rate up immediately.
func (e *Engine) SetGlobalRate(bytesPerSecond int64) {
	e.global.SetRate(bytesPerSecond)
}

// Download validates the request, persists a pending task with its segments
// and mirrors deferred to execution, and starts it asynchronously. The task
// id returns immediately; observe progress through the notifier or Progress.
func (e *Engine) Download(ctx context.Context, req *types.DownloadRequest) (string, error) {
	if err := network.ValidateURL(req.URL); err != nil {
		return "", err
	}
	for _, m := range req.Mirrors {
		if err := network.ValidateURL(m); err != nil {
			return "", err
		}
	}
	if req.Checksum != "" {
		switch req.ChecksumAlgorithm {
		case types.ChecksumMD5, types.ChecksumSHA256:
		default:
			return "", errors.New(errors.CodeInvalidState,
				fmt.Sprintf("unsupported checksum algorithm %q", req.ChecksumAlgorithm))
		}
	}

	dest, err := e.resolveDestination(req)
	if err != nil {
		return "", err
	}

	task := &types.DownloadTask{
		ID:                types.NewID(),
		URL:               req.URL,
		Destination:       dest,
		Category:          req.Category,
		Status:            types.TaskPending,
		Checksum:          req.Checksum,
		ChecksumAlgorithm: req.ChecksumAlgorithm,
		MaxRate:           req.MaxRate,
		Priority:          req.Priority,
		Headers:           req.Headers,
		CreatedAt:         time.Now(),
	}
	if task.MaxRate == 0 {
		task.MaxRate = e.cfg.SpeedLimit.DefaultTaskRate
	}

	if err := e.repo.SaveTask(ctx, task); err != nil {
		return "", err
	}
	if _, err := e.mirrors.Register(ctx, task.ID, req.Mirrors); err != nil {
		return "", err
	}

	e.start(task.ID, false)
	return task.ID, nil
}

// Pause stops a downloading task, persisting every segment's confirmed
// offset so Resume continues without re-fetching.
func (e *Engine) Pause(ctx context.Context, taskID string) error {
	e.mu.Lock()
	h, running := e.active[taskID]
	e.mu.Unlock()

	if !running {
		task, err := e.repo.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status == types.TaskPending {
			// Not yet admitted; mark paused so the gate releases it unstarted.
			return e.repo.UpdateTaskStatus(ctx, taskID, types.TaskPaused, "")
		}
		return errors.New(errors.CodeInvalidState,
			fmt.Sprintf("cannot pause task in status %q", task.Status))
	}

	h.requestStop(stopPause)
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Resume restarts a paused task from its persisted segment offsets.
func (e *Engine) Resume(ctx context.Context, taskID string) error {
	task, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskPaused {
		return errors.New(errors.CodeInvalidState,
			fmt.Sprintf("cannot resume task in status %q", task.Status))
	}

	e.mu.Lock()
	_, running := e.active[taskID]
	e.mu.Unlock()
	if running {
		return errors.New(errors.CodeInvalidState, "task is already running")
	}

	e.start(taskID, true)
	return nil
}

// Cancel terminates a task and deletes its partial file. Terminal tasks
// cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	e.mu.Lock()
	h, running := e.active[taskID]
	e.mu.Unlock()

	if running {
		h.requestStop(stopCancel)
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	task, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return errors.New(errors.CodeInvalidState,
			fmt.Sprintf("cannot cancel task in status %q", task.Status))
	}

	e.removePartFile(task)
	if err := e.repo.UpdateTaskStatus(ctx, taskID, types.TaskCancelled, ""); err != nil {
		return err
	}
	e.notifyTerminal(taskID, types.TaskCancelled, "")
	return nil
}

// SetTaskRate adjusts a task's bandwidth cap at runtime. The change applies
// immediately when the task is executing and is persisted for later runs.
func (e *Engine) SetTaskRate(ctx context.Context, taskID string, bytesPerSecond int64) error {
	task, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	task.MaxRate = bytesPerSecond
	if err := e.repo.SaveTask(ctx, task); err != nil {
		return err
	}

	e.mu.Lock()
	h, running := e.active[taskID]
	e.mu.Unlock()
	if running {
		h.setRate(bytesPerSecond)
	}
	return nil
}

// Progress returns a point-in-time snapshot. Active tasks report live
// counters; inactive tasks are derived from persisted state.
func (e *Engine) Progress(ctx context.Context, taskID string) (types.ProgressSnapshot, error) {
	e.mu.Lock()
	h, running := e.active[taskID]
	e.mu.Unlock()
	// Tasks queued on the admission gate have no tracker yet; derive their
	// snapshot from persisted state like any inactive task.
	if running && h.ready() {
		return h.snapshot(), nil
	}

	task, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		return types.ProgressSnapshot{}, err
	}
	segments, err := e.repo.GetSegments(ctx, taskID)
	if err != nil {
		return types.ProgressSnapshot{}, err
	}

	snap := types.ProgressSnapshot{
		TaskID:          taskID,
		Status:          task.Status,
		TotalBytes:      task.TotalSize,
		DownloadedBytes: task.DownloadedSize,
		ETA:             -1,
		Timestamp:       time.Now(),
	}
	if task.TotalSize > 0 {
		snap.Percent = float64(task.DownloadedSize) / float64(task.TotalSize) * 100
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
	return snap, nil
}

// Delete removes a task's records. Running tasks are cancelled first;
// completed files stay on disk.
func (e *Engine) Delete(ctx context.Context, taskID string) error {
	e.mu.Lock()
	h, running := e.active[taskID]
	e.mu.Unlock()
	if running {
		h.requestStop(stopCancel)
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	task, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		e.removePartFile(task)
	}
	if err := e.repo.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	if e.notifier != nil {
		e.notifier.Forget(taskID)
	}
	return nil
}

// Close waits for running tasks to stop. Pending byte counts are persisted
// by each task's shutdown path, so a later engine can recover them.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	handles := make([]*taskHandle, 0, len(e.active))
	for _, h := range e.active {
		handles = append(handles, h)
	}
	e.mu.Unlock()

	for _, h := range handles {
		h.requestStop(stopPause)
	}

	stopped := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.pool.Close()
	return nil
}

func (e *Engine) resolveDestination(req *types.DownloadRequest) (string, error) {
	dest := req.Destination
	if dest == "" {
		u, _ := url.Parse(req.URL)
		name := path.Base(u.Path)
		if name == "" || name == "/" || name == "." {
			name = "download"
		}
		dest = filepath.Join(e.cfg.Storage.DownloadDir, name)
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeStorageError, "failed to resolve destination path")
	}
	return abs, nil
}

func (e *Engine) notifyTerminal(taskID string, status types.TaskStatus, errorMessage string) {
	if e.notifier != nil {
		e.notifier.NotifyTerminal(taskID, status, errorMessage)
	}
}
