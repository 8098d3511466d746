// Package segpull is a resumable multi-connection download engine with
// mirror failover. It splits files into byte-range segments, downloads them
// in parallel under global and per-task rate limits, persists progress so
// downloads survive restarts, and validates completed files against
// checksums before publishing them.
package segpull

import (
	"context"

	"github.com/aoyama86/segpull/internal/engine"
	"github.com/aoyama86/segpull/internal/recovery"
	"github.com/aoyama86/segpull/pkg/config"
	"github.com/aoyama86/segpull/pkg/events"
	"github.com/aoyama86/segpull/pkg/store"
	"github.com/aoyama86/segpull/pkg/types"
)

// Client is the embedding surface of the download engine.
type Client struct {
	cfg      *config.Config
	repo     types.Repository
	events   *events.Broadcaster
	engine   *engine.Engine
	recovery *recovery.Manager

	ownsRepo bool
}

// Option customizes a Client.
type Option func(*Client)

// WithRepository substitutes the persistence backend. The default is a
// filesystem repository under the configured state directory; pass a
// store.NewMemoryRepo for throwaway state, or a redis/s3 repository for
// shared deployments. The caller owns the supplied repository's lifecycle.
func WithRepository(repo types.Repository) Option {
	return func(c *Client) {
		c.repo = repo
		c.ownsRepo = false
	}
}

// New creates a Client from the configuration. A nil cfg uses defaults.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}

	if c.repo == nil {
		repo, err := store.NewFilesystemRepo(cfg.Storage.StateDir)
		if err != nil {
			return nil, err
		}
		c.repo = repo
		c.ownsRepo = true
	}

	c.events = events.NewBroadcaster()
	c.engine = engine.New(cfg, c.repo, c.events)
	c.recovery = recovery.NewManager(c.repo)
	return c, nil
}

// Download submits a request and returns the new task's id. The transfer
// runs asynchronously; follow it with Observe or Progress.
func (c *Client) Download(ctx context.Context, req *types.DownloadRequest) (string, error) {
	return c.engine.Download(ctx, req)
}

// Pause stops a downloading task; its progress is kept for Resume.
func (c *Client) Pause(ctx context.Context, taskID string) error {
	return c.engine.Pause(ctx, taskID)
}

// Resume continues a paused task from its persisted segment offsets.
func (c *Client) Resume(ctx context.Context, taskID string) error {
	return c.engine.Resume(ctx, taskID)
}

// Cancel terminates a task and removes its partial file.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	return c.engine.Cancel(ctx, taskID)
}

// Delete removes a task's records, cancelling it first if still running.
// A completed task's file stays on disk.
func (c *Client) Delete(ctx context.Context, taskID string) error {
	return c.engine.Delete(ctx, taskID)
}

// Get returns a task's persisted record.
func (c *Client) Get(ctx context.Context, taskID string) (*types.DownloadTask, error) {
	return c.repo.GetTask(ctx, taskID)
}

// List returns every known task, oldest first.
func (c *Client) List(ctx context.Context) ([]*types.DownloadTask, error) {
	return c.repo.ListTasks(ctx)
}

// ListByStatus filters tasks by status.
func (c *Client) ListByStatus(ctx context.Context, statuses ...types.TaskStatus) ([]*types.DownloadTask, error) {
	return c.repo.ListTasksByStatus(ctx, statuses...)
}

// Progress returns a point-in-time snapshot of a task.
func (c *Client) Progress(ctx context.Context, taskID string) (types.ProgressSnapshot, error) {
	return c.engine.Progress(ctx, taskID)
}

// Observe subscribes to a task's progress stream. The channel closes when
// the task reaches a terminal status; cancel the subscription to detach
// early.
func (c *Client) Observe(taskID string) *events.Subscription {
	return c.events.Subscribe(taskID)
}

// FailoverEvents returns a task's mirror failover audit log, oldest first.
func (c *Client) FailoverEvents(ctx context.Context, taskID string) ([]*types.MirrorFailoverEvent, error) {
	return c.repo.ListFailoverEvents(ctx, taskID)
}

// SetGlobalRate adjusts the engine-wide bandwidth cap, 0 for unlimited.
func (c *Client) SetGlobalRate(bytesPerSecond int64) {
	c.engine.SetGlobalRate(bytesPerSecond)
}

// SetTaskRate adjusts one task's bandwidth cap, 0 for unlimited.
func (c *Client) SetTaskRate(ctx context.Context, taskID string, bytesPerSecond int64) error {
	return c.engine.SetTaskRate(ctx, taskID, bytesPerSecond)
}

// Recover reconciles state left by a crash: interrupted tasks are rewound
// to their persisted offsets and, when the configuration enables auto
// resume, re-admitted; orphaned part files are removed. Call once at
// startup before submitting new work.
func (c *Client) Recover(ctx context.Context) (*recovery.Report, error) {
	var resumer recovery.Resumer
	if c.cfg.AutoResume {
		resumer = c.engine
	}
	return c.recovery.Recover(ctx, c.cfg.Storage.DownloadDir, c.cfg.AutoResume, resumer)
}

// Close stops running tasks, persisting their progress for later recovery.
func (c *Client) Close(ctx context.Context) error {
	err := c.engine.Close(ctx)
	if c.ownsRepo {
		if repo, ok := c.repo.(*store.Repo); ok {
			repo.Close()
		}
	}
	return err
}
