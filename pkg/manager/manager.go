package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/bossdb/bossingest/pkg/bosserr"
	"github.com/bossdb/bossingest/pkg/cloud"
	"github.com/bossdb/bossingest/pkg/creds"
	"github.com/bossdb/bossingest/pkg/events"
	"github.com/bossdb/bossingest/pkg/ingest"
	"github.com/bossdb/bossingest/pkg/log"
	"github.com/bossdb/bossingest/pkg/metrics"
	"github.com/bossdb/bossingest/pkg/queue"
	"github.com/bossdb/bossingest/pkg/resources"
	"github.com/bossdb/bossingest/pkg/storage"
	"github.com/bossdb/bossingest/pkg/types"
)

// DefaultWaitForQueuesSecs is the mandatory settling window between
// entering WAIT_ON_QUEUES and being allowed to start completion. SQS
// depth is approximate, so the window gives in-flight messages time to
// surface.
const DefaultWaitForQueuesSecs = 180

// Config carries the deployment names the manager needs.
type Config struct {
	Region string

	// Step function ARNs.
	PopulateSFNARN      string
	CompleteSFNARN      string
	UploadSFN           string
	VolumetricUploadSFN string

	// DynamoDB table tracking uploaded tiles.
	TileIndexTable string

	// Buckets the ingest clients write into.
	TileBucket   string
	IngestBucket string

	// IngestLambda is the page-in function name clients may invoke
	// directly for volumetric uploads.
	IngestLambda string

	// WaitForQueuesSecs overrides the settling window when non-zero.
	WaitForQueuesSecs int
}

// Manager orchestrates the ingest job lifecycle: validation, provisioning,
// state transitions, and cleanup.
type Manager struct {
	store   storage.Store
	catalog resources.Catalog
	queues  *queue.Provisioner
	creds   *creds.Broker
	sfn     cloud.SFNAPI
	broker  *events.Broker
	cfg     Config

	// now is replaceable by tests.
	now func() time.Time
}

func New(store storage.Store, catalog resources.Catalog, queues *queue.Provisioner,
	credBroker *creds.Broker, sfnClient cloud.SFNAPI, broker *events.Broker, cfg Config) *Manager {
	if cfg.WaitForQueuesSecs == 0 {
		cfg.WaitForQueuesSecs = DefaultWaitForQueuesSecs
	}
	return &Manager{
		store:   store,
		catalog: catalog,
		queues:  queues,
		creds:   credBroker,
		sfn:     sfnClient,
		broker:  broker,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Setup validates an ingest configuration and brings a new job to the
// PREPARING state: record created, queues provisioned, population step
// function started, tile count computed.
func (m *Manager) Setup(ctx context.Context, creator string, rawConfig []byte) (*types.IngestJob, error) {
	draft, err := ingest.Validate(m.catalog, rawConfig)
	if err != nil {
		return nil, err
	}

	job := &types.IngestJob{
		Creator:      creator,
		Collection:   draft.Collection.Name,
		Experiment:   draft.Experiment.Name,
		Channel:      draft.Channel.Name,
		CollectionID: draft.Collection.ID,
		ExperimentID: draft.Experiment.ID,
		ChannelID:    draft.Channel.ID,
		Resolution:   draft.Resolution,
		Extent:       draft.Extent,
		TileSize:     draft.TileSize,
		IngestType:   draft.IngestType,
		Status:       types.StatusPreparing,
		StartDate:    m.now(),
		ConfigData:   draft.ConfigData,
	}
	if err := m.store.CreateJob(job); err != nil {
		return nil, bosserr.Wrap(bosserr.CodeSystemError, "failed to create ingest job record", err)
	}

	logger := log.WithJobID(job.ID)

	provisioned, err := m.queues.Provision(ctx, job)
	if err != nil {
		m.failSetup(ctx, job)
		return nil, bosserr.Wrap(bosserr.CodeSystemError, "unable to create the upload and ingest queue", err)
	}
	job.UploadQueue = provisioned.UploadURL
	job.IngestQueue = provisioned.IngestURL
	metrics.QueuesProvisioned.Inc()
	m.publish(events.ForJob(events.EventQueuesCreated, job.ID, "ingest queues created"))

	arn, err := m.startPopulate(ctx, job)
	if err != nil {
		m.failSetup(ctx, job)
		return nil, err
	}
	job.StepFunctionARN = arn
	job.TileCount = job.ComputeTileCount()

	if err := m.store.UpdateJob(job); err != nil {
		return nil, bosserr.Wrap(bosserr.CodeSystemError, "failed to persist ingest job", err)
	}

	metrics.JobsCreated.Inc()
	m.publish(events.ForJob(events.EventJobCreated, job.ID,
		fmt.Sprintf("ingest job created for %s", job.BossKey())))
	logger.Info().
		Str("boss_key", job.BossKey()).
		Str("ingest_type", job.IngestType.String()).
		Int64("tile_count", job.TileCount).
		Msg("ingest job created")
	return job, nil
}

// failSetup marks a half-created job FAILED and removes whatever was
// provisioned before the error.
func (m *Manager) failSetup(ctx context.Context, job *types.IngestJob) {
	if err := m.Cleanup(ctx, job, types.StatusFailed); err != nil {
		logger := log.WithJobID(job.ID)
		logger.Error().Err(err).Msg("failed to clean up after aborted setup")
	}
}

// GetJob loads a job by id.
func (m *Manager) GetJob(id int64) (*types.IngestJob, error) {
	job, err := m.store.GetJob(id)
	if err != nil {
		return nil, bosserr.Newf(bosserr.CodeObjectNotFound, "the ingest job with id %d does not exist", id)
	}
	return job, nil
}

// List returns the caller's jobs, excluding deleted ones. Admins see every
// job.
func (m *Manager) List(creator string, admin bool) ([]*types.IngestJob, error) {
	var jobs []*types.IngestJob
	var err error
	if admin {
		jobs, err = m.store.ListJobs()
	} else {
		jobs, err = m.store.ListJobsByCreator(creator)
	}
	if err != nil {
		return nil, bosserr.Wrap(bosserr.CodeSystemError, "failed to list ingest jobs", err)
	}

	kept := jobs[:0]
	for _, job := range jobs {
		if job.Status != types.StatusDeleted {
			kept = append(kept, job)
		}
	}
	return kept, nil
}

// Resource assembles the compact resource descriptor the ingest lambdas
// need to reconstitute the target channel.
func (m *Manager) Resource(job *types.IngestJob) (*types.Resource, error) {
	experiment, err := m.catalog.GetExperiment(job.Collection, job.Experiment)
	if err != nil {
		return nil, bosserr.Wrap(bosserr.CodeResourceNotFound, "experiment not found", err)
	}
	channel, err := m.catalog.GetChannel(job.Collection, job.Experiment, job.Channel)
	if err != nil {
		return nil, bosserr.Wrap(bosserr.CodeResourceNotFound, "channel not found", err)
	}

	return &types.Resource{
		BossKey:   job.BossKey(),
		LookupKey: job.LookupKey(),
		Channel: types.ResourceChannel{
			Type:           channel.Type,
			Datatype:       channel.Datatype,
			BaseResolution: channel.BaseResolution,
		},
		Experiment: types.ResourceExperiment{
			NumHierarchyLevels: experiment.NumHierarchyLevels,
			HierarchyMethod:    experiment.HierarchyMethod,
		},
		CoordFrame: types.ResourceCoordFrame{
			XVoxelSize: experiment.CoordFrame.XVoxelSize,
			YVoxelSize: experiment.CoordFrame.YVoxelSize,
			ZVoxelSize: experiment.CoordFrame.ZVoxelSize,
		},
	}, nil
}

// Delete cancels a job from any state, tearing down its cloud resources
// and marking it DELETED.
func (m *Manager) Delete(ctx context.Context, job *types.IngestJob) error {
	if err := m.Cleanup(ctx, job, types.StatusDeleted); err != nil {
		return err
	}
	m.publish(events.ForJob(events.EventJobDeleted, job.ID, "ingest job deleted"))
	logger := log.WithJobID(job.ID)
	logger.Info().Msg("deleted ingest job")
	return nil
}

// Fail marks a job FAILED and tears down its cloud resources.
func (m *Manager) Fail(ctx context.Context, job *types.IngestJob) error {
	if err := m.Cleanup(ctx, job, types.StatusFailed); err != nil {
		return err
	}
	metrics.JobsFailed.Inc()
	m.publish(events.ForJob(events.EventJobFailed, job.ID, "ingest job failed"))
	return nil
}

// Cleanup removes a job's cloud resources and writes the terminal status.
// The order matters: queues and their event sources go first, then the
// credentials and policy, and only then the job record is finished. Every
// step tolerates already-deleted resources so a failed cleanup can be
// retried.
func (m *Manager) Cleanup(ctx context.Context, job *types.IngestJob, terminal types.JobStatus) error {
	if !terminal.Terminal() {
		return bosserr.Newf(bosserr.CodeInvalidState, "cleanup requires a terminal status, got %s", terminal)
	}

	if err := m.queues.Teardown(ctx, job); err != nil {
		return bosserr.Wrap(bosserr.CodeSystemError, "unable to complete cleanup", err)
	}
	m.publish(events.ForJob(events.EventQueuesDeleted, job.ID, "ingest queues deleted"))

	if err := m.creds.Revoke(ctx, job.ID); err != nil {
		return bosserr.Wrap(bosserr.CodeSystemError, "unable to complete cleanup", err)
	}
	m.publish(events.ForJob(events.EventCredsRevoked, job.ID, "ingest credentials revoked"))

	if err := m.store.FinishJob(job.ID, terminal, m.now()); err != nil {
		return bosserr.Wrap(bosserr.CodeSystemError, "unable to complete cleanup", err)
	}
	job.Status = terminal
	job.UploadQueue = ""
	job.IngestQueue = ""
	return nil
}

func (m *Manager) publish(event *events.Event) {
	if m.broker != nil {
		m.broker.Publish(event)
	}
}
