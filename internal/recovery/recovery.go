// Package recovery reconciles persisted download state after a crash.
//
// Tasks found mid-download at startup are rewound to their last persisted
// segment offsets and either resumed or left paused. Errors are logged and
// skipped so one corrupt record never blocks the rest of the recovery.
package recovery

import (
	"context"
	"os"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aoyama86/segpull/internal/storage"
	"github.com/aoyama86/segpull/pkg/logging"
	"github.com/aoyama86/segpull/pkg/types"
)

// Resumer restarts a paused task, satisfied by the engine.
type Resumer interface {
	Resume(ctx context.Context, taskID string) error
}

// Report summarizes one recovery pass.
type Report struct {
	// Interrupted is the ids of tasks found in a non-terminal running state.
	Interrupted []string

	// Resumed is the ids handed back to the engine.
	Resumed []string

	// OrphansRemoved is the part files deleted because no live task owns them.
	OrphansRemoved []string
}

// Manager performs startup recovery against a repository.
type Manager struct {
	repo types.Repository
	log  zerolog.Logger
}

// NewManager creates a recovery manager.
func NewManager(repo types.Repository) *Manager {
	return &Manager{repo: repo, log: logging.New("recovery")}
}

// Recover finds tasks interrupted by a crash, rewinds their in-flight
// segments to persisted offsets and marks them paused. With autoResume set
// and a resumer provided, higher-priority tasks are handed back to the
// engine first. Finally orphaned part files under downloadDir are removed.
func (m *Manager) Recover(ctx context.Context, downloadDir string, autoResume bool, resumer Resumer) (*Report, error) {
	report := &Report{}

	interrupted, err := m.repo.ListTasksByStatus(ctx, types.TaskPending, types.TaskDownloading)
	if err != nil {
		return nil, err
	}

	sort.Slice(interrupted, func(i, j int) bool {
		return interrupted[i].Priority > interrupted[j].Priority
	})

	for _, task := range interrupted {
		if err := m.rewind(ctx, task); err != nil {
			m.log.Warn().Err(err).Str("task", task.ID).Msg("skipping unrecoverable task")
			continue
		}
		report.Interrupted = append(report.Interrupted, task.ID)

		if autoResume && resumer != nil {
			if err := resumer.Resume(ctx, task.ID); err != nil {
				m.log.Warn().Err(err).Str("task", task.ID).Msg("auto-resume failed")
				continue
			}
			report.Resumed = append(report.Resumed, task.ID)
		}
	}

	orphans, err := m.cleanupOrphans(ctx, downloadDir)
	if err != nil {
		m.log.Warn().Err(err).Msg("orphan cleanup failed")
	} else {
		report.OrphansRemoved = orphans
	}

	m.log.Info().
		Int("interrupted", len(report.Interrupted)).
		Int("resumed", len(report.Resumed)).
		Int("orphans_removed", len(report.OrphansRemoved)).
		Msg("recovery pass finished")
	return report, nil
}

// rewind settles a crashed task into a clean Paused state. In-flight
// segments fall back to pending at their persisted offsets; bytes written
// after the last flush are simply overwritten on resume. A missing part
// file resets every segment to zero.
func (m *Manager) rewind(ctx context.Context, task *types.DownloadTask) error {
	segments, err := m.repo.GetSegments(ctx, task.ID)
	if err != nil {
		return err
	}

	partExists := true
	if _, err := os.Stat(storage.PartPath(task.Destination)); os.IsNotExist(err) {
		partExists = false
	}

	var downloaded int64
	for _, seg := range segments {
		if !partExists {
			seg.DownloadedBytes = 0
		}
		status := seg.Status
		if status == types.SegmentDownloading || (!partExists && status == types.SegmentCompleted) {
			status = types.SegmentPending
		}
		if err := m.repo.UpdateSegmentProgress(ctx, seg.ID, seg.DownloadedBytes, status); err != nil {
			return err
		}
		downloaded += seg.DownloadedBytes
	}

	if err := m.repo.UpdateTaskProgress(ctx, task.ID, downloaded); err != nil {
		return err
	}
	if err := m.repo.UpdateTaskStatus(ctx, task.ID, types.TaskPaused, ""); err != nil {
		return err
	}

	m.log.Info().Str("task", task.ID).Int64("downloaded", downloaded).
		Int("segments", len(segments)).Msg("rewound interrupted task")
	return nil
}

// cleanupOrphans deletes part files no live task claims, such as leftovers
// from deleted or long-finished tasks.
func (m *Manager) cleanupOrphans(ctx context.Context, downloadDir string) ([]string, error) {
	if downloadDir == "" {
		return nil, nil
	}

	tasks, err := m.repo.ListTasks(ctx)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool)
	for _, task := range tasks {
		if !task.Status.Terminal() {
			known[storage.PartPath(task.Destination)] = true
		}
	}

	orphans, err := storage.FindOrphanParts(downloadDir, known)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, path := range orphans {
		if err := os.Remove(path); err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("failed to remove orphaned part file")
			continue
		}
		removed = append(removed, path)
		m.log.Debug().Str("path", path).Msg("removed orphaned part file")
	}
	return removed, nil
}
