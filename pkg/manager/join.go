package manager

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"

	"github.com/bossdb/bossingest/pkg/bosserr"
	"github.com/bossdb/bossingest/pkg/events"
	"github.com/bossdb/bossingest/pkg/log"
	"github.com/bossdb/bossingest/pkg/metrics"
	"github.com/bossdb/bossingest/pkg/types"
)

// JoinResult is everything an upload client needs to participate in an
// ingest job.
type JoinResult struct {
	Job         *types.IngestJob
	Credentials *types.Credentials
	Resource    *types.Resource

	TileIndexQueueURL string
	TileBucket        string
	IngestBucket      string
	IngestLambda      string

	// WaitSecs is the remaining settling window for a job in
	// WAIT_ON_QUEUES, zero otherwise.
	WaitSecs int
}

// Join returns a job's upload session. A PREPARING job is polled against
// its population step function: when the population finished, the job
// moves to UPLOADING and gets its scoped credentials; when it failed, the
// job is unusable and the caller is told to delete it.
func (m *Manager) Join(ctx context.Context, job *types.IngestJob) (*JoinResult, error) {
	if job.Status == types.StatusDeleted {
		return nil, bosserr.New(bosserr.CodeBadRequest, "The job with this id has been deleted")
	}

	result := &JoinResult{
		Job:          job,
		TileBucket:   m.cfg.TileBucket,
		IngestBucket: m.cfg.IngestBucket,
		IngestLambda: m.cfg.IngestLambda,
	}

	if job.Status == types.StatusPreparing {
		if err := m.checkPopulate(ctx, job); err != nil {
			return nil, err
		}
	}

	switch job.Status {
	case types.StatusUploading, types.StatusWaitOnQueues, types.StatusCompleting:
		credentials, err := m.store.GetCredentials(job.ID)
		if err != nil {
			return nil, bosserr.Wrap(bosserr.CodeSystemError, "failed to load ingest credentials", err)
		}
		result.Credentials = credentials
	}
	if job.Status == types.StatusWaitOnQueues {
		result.WaitSecs = m.remainingQueueWait(job)
	}

	if job.IngestType == types.TileIngest && job.IngestQueue != "" {
		tileIndexURL, err := m.queues.TileIndexQueueURL(ctx, job)
		if err != nil {
			return nil, bosserr.Wrap(bosserr.CodeSystemError, "failed to resolve tile index queue", err)
		}
		result.TileIndexQueueURL = tileIndexURL
	}

	resource, err := m.Resource(job)
	if err != nil {
		return nil, err
	}
	result.Resource = resource
	return result, nil
}

// checkPopulate polls the population step function for a PREPARING job
// and advances the job when population has finished.
func (m *Manager) checkPopulate(ctx context.Context, job *types.IngestJob) error {
	out, err := m.sfn.DescribeExecution(ctx, &sfn.DescribeExecutionInput{
		ExecutionArn: aws.String(job.StepFunctionARN),
	})
	if err != nil {
		return bosserr.Wrap(bosserr.CodeSystemError, "failed to check queue population status", err)
	}

	switch out.Status {
	case sfntypes.ExecutionStatusSucceeded:
		return m.finishPreparing(ctx, job)
	case sfntypes.ExecutionStatusRunning:
		return nil
	default:
		return bosserr.Newf(bosserr.CodeSystemError,
			"Error generating ingest job messages. Delete the ingest job with id %d and try again.", job.ID)
	}
}

// finishPreparing moves a job whose population succeeded into UPLOADING
// and issues its upload credentials. Concurrent joiners race on the status
// swap; only the winner generates credentials.
func (m *Manager) finishPreparing(ctx context.Context, job *types.IngestJob) error {
	swapped, err := m.store.CompareAndSwapStatus(job.ID, types.StatusPreparing, types.StatusUploading, false)
	if err != nil {
		return bosserr.Wrap(bosserr.CodeSystemError, "failed to update ingest job status", err)
	}

	fresh, err := m.GetJob(job.ID)
	if err != nil {
		return err
	}
	*job = *fresh
	if !swapped {
		return nil
	}

	uploadARN, err := m.queues.ARN(ctx, job.UploadQueue)
	if err != nil {
		return bosserr.Wrap(bosserr.CodeSystemError, "failed to resolve upload queue", err)
	}
	var tileIndexARN string
	if job.IngestType == types.TileIngest {
		tileIndexURL, err := m.queues.TileIndexQueueURL(ctx, job)
		if err != nil {
			return bosserr.Wrap(bosserr.CodeSystemError, "failed to resolve tile index queue", err)
		}
		tileIndexARN, err = m.queues.ARN(ctx, tileIndexURL)
		if err != nil {
			return bosserr.Wrap(bosserr.CodeSystemError, "failed to resolve tile index queue", err)
		}
	}

	if _, err := m.creds.Generate(ctx, job, uploadARN, tileIndexARN); err != nil {
		return bosserr.Wrap(bosserr.CodeSystemError, "failed to generate ingest credentials", err)
	}
	metrics.CredentialsIssued.Inc()
	m.publish(events.ForJob(events.EventJobUploading, job.ID, "ingest job ready for uploads"))
	m.publish(events.ForJob(events.EventCredsIssued, job.ID, "ingest credentials issued"))
	logger := log.WithJobID(job.ID)
	logger.Info().Msg("queue population finished, job uploading")
	return nil
}

// StatusReport summarizes upload progress for a job.
type StatusReport struct {
	ID                  int64           `json:"id"`
	Status              types.JobStatus `json:"status"`
	TotalMessageCount   int64           `json:"total_message_count"`
	CurrentMessageCount int             `json:"current_message_count"`
}

// Status reports how many upload tasks remain on a job's upload queue.
// The depth is approximate; clients must not treat zero as proof that
// every upload landed.
func (m *Manager) Status(ctx context.Context, job *types.IngestJob) (*StatusReport, error) {
	if job.Status == types.StatusDeleted {
		return nil, bosserr.New(bosserr.CodeBadRequest, "The job with this id has been deleted")
	}

	report := &StatusReport{
		ID:                job.ID,
		Status:            job.Status,
		TotalMessageCount: job.TileCount,
	}
	if job.Status == types.StatusComplete {
		return report, nil
	}

	depth, err := m.queues.Depth(ctx, job.UploadQueue)
	if err != nil {
		// A COMPLETING job's queues may already be gone.
		if job.Status == types.StatusCompleting {
			return report, nil
		}
		return nil, bosserr.Wrap(bosserr.CodeSystemError, "failed to check upload queue", err)
	}
	report.CurrentMessageCount = depth
	return report, nil
}
