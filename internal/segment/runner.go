package segment

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/aoyama86/segpull/internal/mirror"
	"github.com/aoyama86/segpull/internal/retry"
	"github.com/aoyama86/segpull/pkg/errors"
	"github.com/aoyama86/segpull/pkg/logging"
	"github.com/aoyama86/segpull/pkg/metrics"
	"github.com/aoyama86/segpull/pkg/ratelimit"
	"github.com/aoyama86/segpull/pkg/types"
)

// Runner drives one segment to completion: retries with backoff against the
// assigned source, and when the source's retry budget is spent, fails over
// to another mirror and starts a fresh budget.
type Runner struct {
	downloader *Downloader
	policy     *retry.Policy
	assigner   *mirror.Assigner
	mirrors    *mirror.Manager
	log        zerolog.Logger
}

// NewRunner wires a runner from its collaborators.
func NewRunner(downloader *Downloader, policy *retry.Policy, assigner *mirror.Assigner, mirrors *mirror.Manager) *Runner {
	return &Runner{
		downloader: downloader,
		policy:     policy,
		assigner:   assigner,
		mirrors:    mirrors,
		log:        logging.New("segment"),
	}
}

// Run transfers the segment, surviving source failures as long as an
// untried source remains. It returns nil on completion, ctx.Err on
// cancellation, and ErrMirrorsExhausted when every source has failed.
func (r *Runner) Run(
	ctx context.Context,
	task *types.DownloadTask,
	seg *types.DownloadSegment,
	dst io.WriterAt,
	limiter ratelimit.Limiter,
	onBytes func(int64),
) error {
	for {
		srcURL, err := r.assigner.SourceURL(ctx, task, seg.MirrorID)
		if err != nil {
			return err
		}

		err = r.policy.ExecuteWithCallback(ctx,
			func() error {
				return r.downloader.Transfer(ctx, seg, srcURL, task.Headers, dst, limiter, onBytes)
			},
			func(attempt int, attemptErr error, delay time.Duration) {
				seg.RetryCount++
				metrics.SegmentRetries.Inc()
				r.log.Debug().
					Str("task", task.ID).Int("segment", seg.Index).
					Str("source", srcURL).Int("attempt", attempt).
					Dur("backoff", delay).Err(attemptErr).
					Msg("retrying segment")
			},
		)
		if err == nil {
			return nil
		}
		if errors.IsCancelled(err) {
			return err
		}
		switch errors.GetCode(err) {
		case errors.CodeStorageError, errors.CodeInsufficientSpace:
			// Local disk failures will not improve on another mirror.
			seg.Status = types.SegmentFailed
			seg.ErrorMessage = err.Error()
			return err
		}

		// The source is spent, by exhausted retries or a permanent HTTP
		// error. Demote it and move the segment elsewhere.
		reason := err.Error()
		if merr := r.mirrors.MarkUnhealthy(ctx, task.ID, seg.MirrorID, reason); merr != nil {
			r.log.Warn().Err(merr).Str("task", task.ID).Msg("failed to demote mirror")
		}
		if rerr := r.assigner.Reassign(ctx, task, seg, reason); rerr != nil {
			seg.Status = types.SegmentFailed
			seg.ErrorMessage = reason
			return rerr
		}
		r.log.Info().
			Str("task", task.ID).Int("segment", seg.Index).
			Str("from", srcURL).Msg("segment failed over to another source")
	}
}
