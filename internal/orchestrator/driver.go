package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"tunefetch/internal/adapters"
	"tunefetch/internal/domain"
	"tunefetch/internal/events"
	"tunefetch/internal/retry"
)

const maxStepsPerDrive = 16

// Drive advances a job as far as it can go without waiting on an external
// event or a backoff delay.
func (o *Orchestrator) Drive(ctx context.Context, id string) error {
	for i := 0; i < maxStepsPerDrive; i++ {
		advanced, err := o.step(ctx, id)
		if errors.Is(err, errStale) {
			continue
		}
		if err != nil || !advanced {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) step(ctx context.Context, id string) (bool, error) {
	job, err := o.deps.Registry.Get(id)
	if err != nil {
		return false, err
	}
	if job.State.IsTerminal() {
		return false, nil
	}
	if job.CancelRequested {
		return false, o.finalizeCancel(ctx, id)
	}
	if job.NextAttemptAt != nil && job.NextAttemptAt.After(o.now()) {
		o.schedule(id, *job.NextAttemptAt)
		return false, nil
	}

	switch job.State {
	case domain.StateRequested:
		return o.resolveRelease(ctx, job)
	case domain.StateSearching:
		return o.search(ctx, job)
	case domain.StateCandidateSelected:
		return o.submit(ctx, job)
	case domain.StateDownloading:
		// progress arrives through HandleStatus
		return false, nil
	case domain.StateCompleted:
		_, err := o.commit(ctx, id, func(j *domain.Job) error {
			if j.State != domain.StateCompleted {
				return errStale
			}
			j.State = domain.StateImporting
			j.AttemptCount = 0
			j.NextAttemptAt = nil
			return nil
		})
		return err == nil, err
	case domain.StateImporting:
		return o.importFiles(ctx, job)
	case domain.StateVerified:
		return o.archive(ctx, job)
	default:
		return false, fmt.Errorf("job %s: unknown state %q", id, job.State)
	}
}

func (o *Orchestrator) resolveRelease(ctx context.Context, job domain.Job) (bool, error) {
	callCtx, cancel := o.callContext(ctx)
	ref, err := o.deps.Library.FindOrCreateRelease(callCtx, job.Request.Artist, job.Request.Album)
	cancel()
	if err != nil {
		return false, o.handleStageError(ctx, job, domain.StateRequested, "library lookup", err)
	}

	_, err = o.commit(ctx, job.ID, func(j *domain.Job) error {
		if j.State != domain.StateRequested {
			return errStale
		}
		j.Refs.ReleaseID = ref.ID
		j.State = domain.StateSearching
		j.AttemptCount = 0
		j.NextAttemptAt = nil
		return nil
	})
	return err == nil, err
}

func (o *Orchestrator) search(ctx context.Context, job domain.Job) (bool, error) {
	descriptor := job.Request.Descriptor(domain.ReleaseRef{ID: job.Refs.ReleaseID})

	callCtx, cancel := o.callContext(ctx)
	candidates, err := o.deps.Indexer.Search(callCtx, descriptor)
	cancel()
	if err == nil && len(candidates) == 0 {
		err = domain.Errorf(domain.KindNoCandidates, "indexer.search", "nothing found for %q", descriptor.Query())
	}
	if err != nil {
		return false, o.handleStageError(ctx, job, domain.StateSearching, "search", err)
	}

	_, err = o.commit(ctx, job.ID, func(j *domain.Job) error {
		if j.State != domain.StateSearching {
			return errStale
		}
		j.Candidates = candidates
		j.CandidateIndex = 0
		j.Refs.CandidateID = candidates[0].ID
		j.State = domain.StateCandidateSelected
		j.AttemptCount = 0
		j.NextAttemptAt = nil
		return nil
	})
	return err == nil, err
}

func (o *Orchestrator) submit(ctx context.Context, job domain.Job) (bool, error) {
	cand, ok := job.CurrentCandidate()
	if !ok {
		return false, o.fail(ctx, job.ID, domain.KindNoCandidates, "no candidate left to submit")
	}

	handle, err := o.callSubmit(ctx, cand)
	if domain.IsKind(err, domain.KindAuthExpired) {
		handle, err = o.refreshAndResubmit(ctx, job, cand, err)
	}
	if err != nil {
		// a submit that runs out of time is a dead candidate, not an outage
		if domain.IsKind(err, domain.KindTransferStalled) || domain.IsTimeout(err) {
			return o.advanceCandidate(ctx, job.ID, domain.StateCandidateSelected, domain.KindTransferStalled,
				fmt.Sprintf("candidate %s: %v", cand.ID, err), "")
		}
		return false, o.handleStageError(ctx, job, domain.StateCandidateSelected, "submit", err)
	}

	var orphan domain.TransferHandle
	updated, err := o.commit(ctx, job.ID, func(j *domain.Job) error {
		orphan = ""
		if j.State != domain.StateCandidateSelected || j.CandidateIndex != job.CandidateIndex {
			orphan = handle
			return errStale
		}
		if j.CancelRequested {
			orphan = handle
			j.State = domain.StateCancelled
			j.NextAttemptAt = nil
			return nil
		}
		now := o.now()
		j.State = domain.StateDownloading
		j.Refs.CandidateID = cand.ID
		j.Refs.TransferHandle = handle
		j.Progress = domain.Progress{}
		j.ProgressAdvancedAt = &now
		j.Paused = false
		j.AttemptCount = 0
		j.NextAttemptAt = nil
		return nil
	})
	if orphan != "" {
		o.cancelTransfer(ctx, job, orphan)
	}
	if err != nil {
		return false, err
	}
	return updated.State == domain.StateDownloading, nil
}

// callSubmit is bounded by SubmitTimeout, which leaves room for the client's
// own metadata wait.
func (o *Orchestrator) callSubmit(ctx context.Context, cand domain.Candidate) (domain.TransferHandle, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
	defer cancel()
	return o.deps.Client.Submit(callCtx, cand)
}

// refreshAndResubmit makes the single credential refresh allowed after AuthExpired.
func (o *Orchestrator) refreshAndResubmit(ctx context.Context, job domain.Job, cand domain.Candidate, cause error) (domain.TransferHandle, error) {
	refresher, ok := o.deps.Client.(adapters.CredentialRefresher)
	if !ok {
		return "", cause
	}
	o.jobLog(job).Warn("download client session expired, refreshing credentials")

	callCtx, cancel := o.callContext(ctx)
	err := refresher.RefreshCredentials(callCtx)
	cancel()
	if err != nil {
		return "", domain.NewError(domain.KindAuthExpired, "refresh credentials", err)
	}
	return o.callSubmit(ctx, cand)
}

func (o *Orchestrator) importFiles(ctx context.Context, job domain.Job) (bool, error) {
	files, err := o.deps.Importer.Verify(ctx, job)
	if err != nil {
		policy := o.cfg.Retry
		policy.MaxAttempts = o.cfg.ImportMaxAttempts
		return false, o.retryOrFail(ctx, job.ID, domain.StateImporting, policy, domain.KindImportMismatch, err)
	}

	_, err = o.commit(ctx, job.ID, func(j *domain.Job) error {
		if j.State != domain.StateImporting {
			return errStale
		}
		j.Files = files
		j.State = domain.StateVerified
		j.AttemptCount = 0
		j.NextAttemptAt = nil
		return nil
	})
	return err == nil, err
}

// archive stages verified content into the processing tier and archives the
// job. When staging keeps failing the job is archived in place with an alert:
// the music is safely downloaded, only its placement is pending.
func (o *Orchestrator) archive(ctx context.Context, job domain.Job) (bool, error) {
	loc, stageErr := o.deps.Archiver.Stage(ctx, job)

	alerted := false
	updated, err := o.commit(ctx, job.ID, func(j *domain.Job) error {
		if j.State != domain.StateVerified {
			return errStale
		}
		now := o.now()
		if stageErr == nil {
			if err := j.MoveStorage(loc.Tier, loc.Path); err != nil {
				return err
			}
			offloadAt := now.Add(o.deps.Archiver.OffloadDelay())
			j.ContentPath = loc.Path
			j.OffloadAt = &offloadAt
			j.OffloadAttempts = 0
		} else {
			j.OffloadAttempts++
			j.RecordError(now, domain.KindStorageOffloadFailure, describe(stageErr))
			if o.cfg.StorageRetry.Allows(j.OffloadAttempts) {
				next := now.Add(o.cfg.StorageRetry.Delay(j.OffloadAttempts))
				j.NextAttemptAt = &next
				return nil
			}
			j.OffloadAlerted = true
			alerted = true
		}
		j.State = domain.StateArchived
		j.ArchivedAt = &now
		j.NextAttemptAt = nil
		return nil
	})
	if err != nil {
		return false, err
	}
	if alerted {
		o.jobLog(updated).WithField("tier", updated.StorageTier()).Errorf("storage staging exhausted after %d attempts: %v", updated.OffloadAttempts, stageErr)
		o.deps.Bus.Publish(events.Event{Type: events.TypeOffloadAlert, JobID: updated.ID, State: updated.State, Tier: updated.StorageTier(), Detail: describe(stageErr)})
	}
	if updated.NextAttemptAt != nil {
		o.schedule(updated.ID, *updated.NextAttemptAt)
	}
	return false, nil
}

// handleStageError applies the one retry policy: transient kinds back off,
// everything else is terminal.
func (o *Orchestrator) handleStageError(ctx context.Context, job domain.Job, stage domain.JobState, op string, err error) error {
	kind := domain.KindOf(err)
	if kind == domain.KindServiceUnavailable {
		return o.retryOrFail(ctx, job.ID, stage, o.cfg.Retry, kind, fmt.Errorf("%s: %w", op, err))
	}
	if _, ferr := o.failIn(ctx, job.ID, stage, kind, fmt.Sprintf("%s: %v", op, err)); ferr != nil {
		return ferr
	}
	return nil
}

// retryOrFail records a failed attempt and schedules the next one, or fails
// the job with finalKind once the policy's ceiling is reached.
func (o *Orchestrator) retryOrFail(ctx context.Context, id string, stage domain.JobState, policy retry.Policy, finalKind domain.ErrorKind, cause error) error {
	kind := domain.KindOf(cause)
	job, err := o.commit(ctx, id, func(j *domain.Job) error {
		if j.State != stage {
			return errStale
		}
		now := o.now()
		j.RecordError(now, kind, describe(cause))
		if !policy.Allows(j.AttemptCount + 1) {
			j.AttemptCount = policy.MaxAttempts
			if finalKind != kind {
				j.RecordError(now, finalKind, fmt.Sprintf("gave up after %d attempts", policy.MaxAttempts))
			}
			j.Refs.TransferHandle = ""
			j.State = domain.StateFailed
			j.NextAttemptAt = nil
			return nil
		}
		j.AttemptCount++
		next := now.Add(policy.Delay(j.AttemptCount))
		j.NextAttemptAt = &next
		return nil
	})
	if err != nil {
		if errors.Is(err, errStale) {
			return nil
		}
		return err
	}
	if job.State == domain.StateFailed {
		return nil
	}
	o.jobLog(job).WithField("attempt", job.AttemptCount).Warnf("retrying after %s: %v", policy.Delay(job.AttemptCount), cause)
	o.schedule(id, *job.NextAttemptAt)
	return nil
}

// advanceCandidate abandons the current candidate and selects the next one.
// stalled, when set, is the transfer that is cancelled once the job moved on.
func (o *Orchestrator) advanceCandidate(ctx context.Context, id string, from domain.JobState, kind domain.ErrorKind, detail string, stalled domain.TransferHandle) (bool, error) {
	job, err := o.commit(ctx, id, func(j *domain.Job) error {
		if j.State != from || j.Refs.TransferHandle != stalled {
			return errStale
		}
		now := o.now()
		j.RecordError(now, kind, detail)
		j.Refs.TransferHandle = ""
		j.Progress = domain.Progress{}
		j.ProgressAdvancedAt = nil
		j.Paused = false
		j.AttemptCount = 0
		j.NextAttemptAt = nil
		j.CandidateIndex++
		if j.CandidateIndex >= len(j.Candidates) {
			j.RecordError(now, domain.KindNoCandidates, fmt.Sprintf("all %d candidates exhausted", len(j.Candidates)))
			j.State = domain.StateFailed
			return nil
		}
		j.Refs.CandidateID = j.Candidates[j.CandidateIndex].ID
		j.State = domain.StateCandidateSelected
		return nil
	})
	if err != nil {
		if errors.Is(err, errStale) {
			return false, nil
		}
		return false, err
	}
	if stalled != "" {
		o.cancelTransfer(ctx, job, stalled)
	}
	return job.State == domain.StateCandidateSelected, nil
}

func (o *Orchestrator) fail(ctx context.Context, id string, kind domain.ErrorKind, detail string) error {
	job, err := o.deps.Registry.Get(id)
	if err != nil {
		return err
	}
	_, err = o.failIn(ctx, id, job.State, kind, detail)
	return err
}

// failIn fails a job still in state from. A live transfer is cancelled.
func (o *Orchestrator) failIn(ctx context.Context, id string, from domain.JobState, kind domain.ErrorKind, detail string) (domain.Job, error) {
	var live domain.TransferHandle
	job, err := o.commit(ctx, id, func(j *domain.Job) error {
		live = ""
		if j.State != from {
			return errStale
		}
		if j.State == domain.StateDownloading {
			live = j.Refs.TransferHandle
		}
		j.RecordError(o.now(), kind, detail)
		j.Refs.TransferHandle = ""
		j.State = domain.StateFailed
		j.NextAttemptAt = nil
		return nil
	})
	if errors.Is(err, errStale) {
		return job, nil
	}
	if err != nil {
		return job, err
	}
	if live != "" {
		o.cancelTransfer(ctx, job, live)
	}
	return job, nil
}

// finalizeCancel moves a job with a pending cancel request to Cancelled. The
// decision is made under the job's mutex, so the transfer is cancelled by
// exactly one caller.
func (o *Orchestrator) finalizeCancel(ctx context.Context, id string) error {
	var handle domain.TransferHandle
	job, err := o.commit(ctx, id, func(j *domain.Job) error {
		handle = ""
		if j.State.IsTerminal() || !j.CancelRequested {
			return errStale
		}
		handle = j.Refs.TransferHandle
		j.Refs.TransferHandle = ""
		j.State = domain.StateCancelled
		j.NextAttemptAt = nil
		return nil
	})
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		return err
	}
	if handle != "" {
		o.cancelTransfer(ctx, job, handle)
	}
	return nil
}

// cancelTransfer is best effort; the job's state is already final.
func (o *Orchestrator) cancelTransfer(ctx context.Context, job domain.Job, handle domain.TransferHandle) {
	callCtx, cancel := o.callContext(ctx)
	defer cancel()
	if err := o.deps.Client.Cancel(callCtx, handle); err != nil {
		o.jobLog(job).WithField("handle", handle).Warnf("cancel transfer: %v", err)
	}
}
