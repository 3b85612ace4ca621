package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"tunefetch/internal/adapters"
	"tunefetch/internal/domain"
	"tunefetch/internal/events"
)

var errStalled = errors.New("transfer stalled")

// HandleStatus folds one poll result for a downloading job into the state
// machine. It is the only path by which a transfer completes or stalls.
func (o *Orchestrator) HandleStatus(ctx context.Context, id string, status domain.TransferStatus, pollErr error) error {
	job, err := o.deps.Registry.Get(id)
	if err != nil {
		return err
	}
	if job.State != domain.StateDownloading {
		return nil
	}
	if job.CancelRequested {
		return o.finalizeCancel(ctx, id)
	}

	if pollErr != nil {
		return o.handlePollError(ctx, job, pollErr)
	}
	if status.State == domain.TransferErrored {
		_, err := o.advanceCandidate(ctx, id, domain.StateDownloading, domain.KindTransferStalled,
			fmt.Sprintf("candidate %s: transfer errored: %s", job.Refs.CandidateID, status.Message), job.Refs.TransferHandle)
		o.Enqueue(id)
		return err
	}
	if status.Done() {
		return o.complete(ctx, job, status)
	}
	return o.recordProgress(ctx, job, status)
}

func (o *Orchestrator) handlePollError(ctx context.Context, job domain.Job, pollErr error) error {
	switch domain.KindOf(pollErr) {
	case domain.KindTransferStalled, domain.KindNotFound:
		_, err := o.advanceCandidate(ctx, job.ID, domain.StateDownloading, domain.KindTransferStalled,
			fmt.Sprintf("candidate %s: %v", job.Refs.CandidateID, pollErr), job.Refs.TransferHandle)
		o.Enqueue(job.ID)
		return err
	case domain.KindAuthExpired:
		return o.refreshAfterPoll(ctx, job, pollErr)
	default:
		// polls do not spend retry attempts, but a transfer that cannot be
		// observed for a whole stall window is treated as stalled
		if o.stalled(job) {
			detail := fmt.Sprintf("candidate %s: no progress observed for %s, last poll: %v",
				job.Refs.CandidateID, o.cfg.StallWindow, pollErr)
			_, err := o.advanceCandidate(ctx, job.ID, domain.StateDownloading, domain.KindTransferStalled, detail, job.Refs.TransferHandle)
			o.Enqueue(job.ID)
			return err
		}
		o.jobLog(job).Debugf("poll skipped: %v", pollErr)
		return nil
	}
}

func (o *Orchestrator) stalled(job domain.Job) bool {
	if job.Paused || job.ProgressAdvancedAt == nil {
		return false
	}
	return o.now().Sub(*job.ProgressAdvancedAt) >= o.cfg.StallWindow
}

// refreshAfterPoll allows one credential refresh per downloading transfer.
// AttemptCount records the spent refresh and is reset by the next good poll.
func (o *Orchestrator) refreshAfterPoll(ctx context.Context, job domain.Job, pollErr error) error {
	refresher, ok := o.deps.Client.(adapters.CredentialRefresher)
	if !ok || job.AttemptCount > 0 {
		_, err := o.failIn(ctx, job.ID, domain.StateDownloading, domain.KindAuthExpired, fmt.Sprintf("poll: %v", pollErr))
		return err
	}

	_, err := o.commit(ctx, job.ID, func(j *domain.Job) error {
		if j.State != domain.StateDownloading || j.Refs.TransferHandle != job.Refs.TransferHandle {
			return errStale
		}
		j.AttemptCount = 1
		j.RecordError(o.now(), domain.KindAuthExpired, fmt.Sprintf("poll: %v", pollErr))
		return nil
	})
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		return err
	}

	o.jobLog(job).Warn("download client session expired, refreshing credentials")
	callCtx, cancel := o.callContext(ctx)
	refreshErr := refresher.RefreshCredentials(callCtx)
	cancel()
	if refreshErr != nil {
		_, err := o.failIn(ctx, job.ID, domain.StateDownloading, domain.KindAuthExpired, fmt.Sprintf("refresh credentials: %v", refreshErr))
		return err
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, job domain.Job, status domain.TransferStatus) error {
	_, err := o.commit(ctx, job.ID, func(j *domain.Job) error {
		if j.State != domain.StateDownloading || j.Refs.TransferHandle != job.Refs.TransferHandle {
			return errStale
		}
		now := o.now()
		j.Progress = status.Progress
		j.ProgressAdvancedAt = &now
		j.ContentPath = status.ContentPath
		j.Files = status.Files
		if err := j.MoveStorage(domain.TierHot, status.ContentPath); err != nil {
			return err
		}
		j.State = domain.StateCompleted
		j.CompletedAt = &now
		j.Paused = false
		j.AttemptCount = 0
		j.NextAttemptAt = nil
		return nil
	})
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		return err
	}
	o.Enqueue(job.ID)
	return nil
}

func (o *Orchestrator) recordProgress(ctx context.Context, job domain.Job, status domain.TransferStatus) error {
	updated, err := o.commit(ctx, job.ID, func(j *domain.Job) error {
		if j.State != domain.StateDownloading || j.Refs.TransferHandle != job.Refs.TransferHandle {
			return errStale
		}
		now := o.now()
		advanced := status.Progress.DownloadedBytes > j.Progress.DownloadedBytes
		paused := j.Paused || status.State == domain.TransferPaused
		if advanced || paused || j.ProgressAdvancedAt == nil {
			j.ProgressAdvancedAt = &now
		} else if now.Sub(*j.ProgressAdvancedAt) >= o.cfg.StallWindow {
			return errStalled
		}
		j.Progress = status.Progress
		j.AttemptCount = 0
		return nil
	})
	switch {
	case errors.Is(err, errStalled):
		detail := fmt.Sprintf("candidate %s: no progress for %s at %d/%d bytes",
			job.Refs.CandidateID, o.cfg.StallWindow, job.Progress.DownloadedBytes, job.Progress.TotalBytes)
		if _, err := o.advanceCandidate(ctx, job.ID, domain.StateDownloading, domain.KindTransferStalled, detail, job.Refs.TransferHandle); err != nil {
			return err
		}
		o.Enqueue(job.ID)
		return nil
	case errors.Is(err, errStale):
		return nil
	case err != nil:
		return err
	}
	o.deps.Bus.Publish(events.Event{Type: events.TypeProgress, JobID: updated.ID, State: updated.State, Progress: updated.Progress.Percent()})
	return nil
}
