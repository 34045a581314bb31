package manager

import (
	"context"
	"time"

	"github.com/bossdb/bossingest/pkg/bosserr"
	"github.com/bossdb/bossingest/pkg/events"
	"github.com/bossdb/bossingest/pkg/log"
	"github.com/bossdb/bossingest/pkg/metrics"
	"github.com/bossdb/bossingest/pkg/types"
)

// Queue guard messages. The API layer matches on these to decide which
// not-empty condition it is answering for.
const (
	MsgUploadQueueNotEmpty    = "Upload queue is not empty"
	MsgIngestQueueNotEmpty    = "Ingest queue is not empty"
	MsgTileIndexQueueNotEmpty = "Tile ingest queue is not empty"
)

// CompleteResult reports the outcome of a completion attempt.
type CompleteResult struct {
	// JobStatus is the job's status after the attempt.
	JobStatus types.JobStatus

	// WaitSecs tells the client how long to wait before retrying. Zero
	// means no further waiting is required.
	WaitSecs int

	// Accepted is true when the attempt moved the job forward (or found
	// it already moving). False means the client must wait and retry.
	Accepted bool
}

// Complete drives one step of the completion protocol for a job. Clients
// call it repeatedly: first to enter WAIT_ON_QUEUES, then again after the
// wait window to actually start completion.
func (m *Manager) Complete(ctx context.Context, job *types.IngestJob) (*CompleteResult, error) {
	switch job.Status {
	case types.StatusPreparing:
		return nil, bosserr.New(bosserr.CodeBadRequest,
			"You cannot complete an ingest job that is still preparing. You must cancel instead.")
	case types.StatusUploading:
		waitSecs, err := m.TryEnterWaitOnQueues(ctx, job)
		if err != nil {
			return nil, err
		}
		return &CompleteResult{JobStatus: types.StatusWaitOnQueues, WaitSecs: waitSecs, Accepted: true}, nil
	case types.StatusWaitOnQueues:
		return m.TryStartCompleting(ctx, job)
	case types.StatusCompleting:
		return &CompleteResult{JobStatus: types.StatusCompleting, Accepted: true}, nil
	case types.StatusComplete:
		return &CompleteResult{JobStatus: types.StatusComplete, Accepted: true}, nil
	case types.StatusDeleted:
		return nil, bosserr.New(bosserr.CodeBadRequest, "Can not complete a deleted ingest job")
	case types.StatusFailed:
		return nil, bosserr.New(bosserr.CodeBadRequest, "Can not complete a failed ingest job")
	default:
		return nil, bosserr.Newf(bosserr.CodeInvalidState, "unexpected ingest job status: %s", job.Status)
	}
}

// TryEnterWaitOnQueues moves an UPLOADING job into WAIT_ON_QUEUES once its
// queues are drained, stamping the wait timestamp. Concurrent callers are
// resolved by a conditional status swap; losers verify the winner got the
// job to WAIT_ON_QUEUES and report the remaining wait.
func (m *Manager) TryEnterWaitOnQueues(ctx context.Context, job *types.IngestJob) (int, error) {
	if job.Status == types.StatusWaitOnQueues {
		return m.remainingQueueWait(job), nil
	}
	if job.Status != types.StatusUploading {
		return 0, bosserr.Newf(bosserr.CodeBadRequest,
			"Can only transition to the wait on queues state from the uploading state. Job id: %d", job.ID)
	}

	if err := m.ensureQueuesEmpty(ctx, job); err != nil {
		return 0, err
	}

	swapped, err := m.store.CompareAndSwapStatus(job.ID, types.StatusUploading, types.StatusWaitOnQueues, true)
	if err != nil {
		return 0, bosserr.Wrap(bosserr.CodeSystemError, "failed to update ingest job status", err)
	}
	if !swapped {
		// Another caller raced us. The job must have landed in
		// WAIT_ON_QUEUES for the race to be benign.
		fresh, err := m.GetJob(job.ID)
		if err != nil {
			return 0, err
		}
		*job = *fresh
		if job.Status != types.StatusWaitOnQueues {
			return 0, bosserr.Newf(bosserr.CodeBadRequest,
				"Can only transition to the wait on queues state from the uploading state. Job id: %d", job.ID)
		}
		return m.remainingQueueWait(job), nil
	}

	fresh, err := m.GetJob(job.ID)
	if err != nil {
		return 0, err
	}
	*job = *fresh

	m.publish(events.ForJob(events.EventJobWaiting, job.ID, "ingest job waiting on queues"))
	logger := log.WithJobID(job.ID)
	logger.Info().Msg("entered wait on queues state")
	return m.cfg.WaitForQueuesSecs, nil
}

// TryStartCompleting moves a WAIT_ON_QUEUES job into COMPLETING once the
// wait window has elapsed and the queues are still drained. Exactly one of
// any set of concurrent callers starts the completion step function; the
// rest observe the job already COMPLETING.
func (m *Manager) TryStartCompleting(ctx context.Context, job *types.IngestJob) (*CompleteResult, error) {
	if job.Status == types.StatusCompleting {
		return &CompleteResult{JobStatus: types.StatusCompleting, Accepted: true}, nil
	}

	if err := m.ensureQueuesEmpty(ctx, job); err != nil {
		// New uploads arrived during the wait. Push the job back to
		// UPLOADING so the client restarts the protocol.
		if bosserr.IsCode(err, bosserr.CodeBadRequest) && messageOf(err) == MsgUploadQueueNotEmpty {
			job.Status = types.StatusUploading
			job.WaitOnQueuesTS = nil
			if updateErr := m.store.UpdateJob(job); updateErr != nil {
				logger := log.WithJobID(job.ID)
				logger.Error().Err(updateErr).Msg("failed to roll back to uploading state")
			}
		}
		return nil, err
	}

	if job.Status != types.StatusWaitOnQueues {
		return nil, bosserr.Newf(bosserr.CodeBadRequest,
			"Can only start completing from the wait on queues state. Job id: %d", job.ID)
	}

	if remaining := m.remainingQueueWait(job); remaining > 0 {
		return &CompleteResult{JobStatus: types.StatusWaitOnQueues, WaitSecs: remaining}, nil
	}

	won, err := m.store.SwapStatusUnless(job.ID, types.StatusCompleting, types.StatusCompleting)
	if err != nil {
		return nil, bosserr.Wrap(bosserr.CodeSystemError, "failed to update ingest job status", err)
	}
	job.Status = types.StatusCompleting

	if !won {
		metrics.CompletionRacesLost.Inc()
		return &CompleteResult{JobStatus: types.StatusCompleting, Accepted: true}, nil
	}

	execARN, err := m.startCompletion(ctx, job)
	if err != nil {
		return nil, err
	}
	metrics.JobsCompleted.Inc()
	m.publish(events.ForJob(events.EventJobCompleting, job.ID, "ingest job completion started"))
	logger := log.WithJobID(job.ID)
	logger.Info().Str("execution_arn", execARN).Msg("started ingest job completion")
	return &CompleteResult{JobStatus: types.StatusCompleting, Accepted: true}, nil
}

// ensureQueuesEmpty verifies every queue belonging to the job has drained.
// Errors name the offending queue. An ingest queue with pending messages
// gets its consumer re-attached before the error is returned, in case the
// messages are stuck because the event source was removed.
func (m *Manager) ensureQueuesEmpty(ctx context.Context, job *types.IngestJob) error {
	metrics.QueueDepthChecks.Inc()

	depth, err := m.queues.Depth(ctx, job.UploadQueue)
	if err != nil {
		return bosserr.Wrap(bosserr.CodeSystemError, "failed to check upload queue", err)
	}
	if depth > 0 {
		return bosserr.New(bosserr.CodeBadRequest, MsgUploadQueueNotEmpty)
	}

	if job.IngestType == types.VolumetricIngest {
		return nil
	}

	depth, err = m.queues.Depth(ctx, job.IngestQueue)
	if err != nil {
		return bosserr.Wrap(bosserr.CodeSystemError, "failed to check ingest queue", err)
	}
	if depth > 0 {
		if attachErr := m.queues.AttachIngestConsumer(ctx, job.IngestQueue); attachErr != nil {
			logger := log.WithJobID(job.ID)
			logger.Warn().Err(attachErr).Msg("failed to re-attach ingest queue consumer")
		}
		return bosserr.New(bosserr.CodeBadRequest, MsgIngestQueueNotEmpty)
	}

	tileIndexURL, err := m.queues.TileIndexQueueURL(ctx, job)
	if err != nil {
		return bosserr.Wrap(bosserr.CodeSystemError, "failed to resolve tile index queue", err)
	}
	depth, err = m.queues.Depth(ctx, tileIndexURL)
	if err != nil {
		return bosserr.Wrap(bosserr.CodeSystemError, "failed to check tile index queue", err)
	}
	if depth > 0 {
		return bosserr.New(bosserr.CodeBadRequest, MsgTileIndexQueueNotEmpty)
	}
	return nil
}

// remainingQueueWait returns how many seconds of the settling window are
// left. A job without a wait timestamp gets the full window.
func (m *Manager) remainingQueueWait(job *types.IngestJob) int {
	if job.WaitOnQueuesTS == nil {
		return m.cfg.WaitForQueuesSecs
	}
	elapsed := int(m.now().Sub(*job.WaitOnQueuesTS) / time.Second)
	if remaining := m.cfg.WaitForQueuesSecs - elapsed; remaining > 0 {
		return remaining
	}
	return 0
}

// messageOf extracts the bare message from a lifecycle error.
func messageOf(err error) string {
	return bosserr.From(err).Message
}
