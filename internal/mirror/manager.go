// Package mirror tracks mirror health and assigns mirrors to segments.
package mirror

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aoyama86/segpull/internal/network"
	"github.com/aoyama86/segpull/pkg/logging"
	"github.com/aoyama86/segpull/pkg/types"
)

// HealthProber is the probe dependency, satisfied by network.Prober.
type HealthProber interface {
	Probe(ctx context.Context, rawURL string, headers map[string]string) (*types.FileInfo, error)
}

var _ HealthProber = (*network.Prober)(nil)

// Manager registers a task's mirrors and keeps their health current.
type Manager struct {
	repo   types.Repository
	prober HealthProber
	log    zerolog.Logger
}

// NewManager creates a mirror manager persisting through repo.
func NewManager(repo types.Repository, prober HealthProber) *Manager {
	return &Manager{
		repo:   repo,
		prober: prober,
		log:    logging.New("mirror"),
	}
}

// Register persists one mirror record per alternate URL, prioritized by
// list order. Mirrors start healthy and are demoted by probes and failures.
func (m *Manager) Register(ctx context.Context, taskID string, urls []string) ([]*types.MirrorURL, error) {
	mirrors := make([]*types.MirrorURL, 0, len(urls))
	for i, u := range urls {
		if err := network.ValidateURL(u); err != nil {
			return nil, err
		}
		mirror := &types.MirrorURL{
			ID:        types.NewID(),
			TaskID:    taskID,
			URL:       u,
			Priority:  i,
			IsHealthy: true,
		}
		if err := m.repo.SaveMirror(ctx, mirror); err != nil {
			return nil, err
		}
		mirrors = append(mirrors, mirror)
	}
	return mirrors, nil
}

// CheckHealth probes every mirror of the task and persists the outcome.
// Probe failures mark the mirror unhealthy; they never fail the check.
func (m *Manager) CheckHealth(ctx context.Context, taskID string, headers map[string]string) error {
	mirrors, err := m.repo.GetMirrors(ctx, taskID)
	if err != nil {
		return err
	}

	for _, mirror := range mirrors {
		start := time.Now()
		_, probeErr := m.prober.Probe(ctx, mirror.URL, headers)
		elapsed := time.Since(start)

		mirror.LastChecked = time.Now()
		mirror.LastResponseTimeMs = elapsed.Milliseconds()
		if probeErr != nil {
			mirror.IsHealthy = false
			mirror.LastErrorMessage = probeErr.Error()
			m.log.Debug().Str("task", taskID).Str("mirror", mirror.URL).
				Err(probeErr).Msg("mirror health check failed")
		} else {
			mirror.IsHealthy = true
			mirror.LastErrorMessage = ""
		}

		if err := m.repo.UpdateMirror(ctx, mirror); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// MarkUnhealthy demotes a mirror after a download failure against it.
func (m *Manager) MarkUnhealthy(ctx context.Context, taskID, mirrorID, reason string) error {
	if mirrorID == "" {
		// The primary URL has no mirror record to demote.
		return nil
	}
	mirrors, err := m.repo.GetMirrors(ctx, taskID)
	if err != nil {
		return err
	}
	for _, mirror := range mirrors {
		if mirror.ID == mirrorID {
			mirror.IsHealthy = false
			mirror.LastErrorMessage = reason
			mirror.LastChecked = time.Now()
			return m.repo.UpdateMirror(ctx, mirror)
		}
	}
	return nil
}

// HealthyMirrors returns the task's healthy mirrors ordered by priority,
// then by last observed response time.
func (m *Manager) HealthyMirrors(ctx context.Context, taskID string) ([]*types.MirrorURL, error) {
	mirrors, err := m.repo.GetMirrors(ctx, taskID)
	if err != nil {
		return nil, err
	}

	healthy := make([]*types.MirrorURL, 0, len(mirrors))
	for _, mirror := range mirrors {
		if mirror.IsHealthy {
			healthy = append(healthy, mirror)
		}
	}

	sort.Slice(healthy, func(i, j int) bool {
		if healthy[i].Priority != healthy[j].Priority {
			return healthy[i].Priority < healthy[j].Priority
		}
		return healthy[i].LastResponseTimeMs < healthy[j].LastResponseTimeMs
	})
	return healthy, nil
}
