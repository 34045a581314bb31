package manager

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bossdb/bossingest/pkg/bosserr"
	"github.com/bossdb/bossingest/pkg/cloud/cloudtest"
	"github.com/bossdb/bossingest/pkg/creds"
	"github.com/bossdb/bossingest/pkg/queue"
	"github.com/bossdb/bossingest/pkg/resources"
	"github.com/bossdb/bossingest/pkg/storage"
	"github.com/bossdb/bossingest/pkg/types"
)

const tileConfig = `{
	"database": {"collection": "col1", "experiment": "exp1", "channel": "chan1"},
	"ingest_job": {
		"ingest_type": "tile",
		"extent": {"x": [0, 1024], "y": [0, 1024], "z": [0, 16], "t": [0, 1]},
		"tile_size": {"x": 512, "y": 512, "t": 1}
	}
}`

const volumetricConfig = `{
	"database": {"collection": "col1", "experiment": "exp1", "channel": "chan1"},
	"ingest_job": {
		"ingest_type": "volumetric",
		"extent": {"x": [0, 1024], "y": [0, 512], "z": [0, 64], "t": [0, 1]},
		"chunk_size": {"x": 512, "y": 512, "z": 16}
	}
}`

type testEnv struct {
	mgr    *Manager
	store  *storage.BoltStore
	sqs    *cloudtest.FakeSQS
	lambda *cloudtest.FakeLambda
	sfn    *cloudtest.FakeSFN
	iam    *cloudtest.FakeIAM
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	catalog, err := resources.NewBoltCatalog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })

	require.NoError(t, catalog.PutCollection(&types.Collection{ID: 4, Name: "col1"}))
	require.NoError(t, catalog.PutExperiment("col1", &types.Experiment{
		ID: 7, Name: "exp1", CollectionID: 4,
		NumHierarchyLevels: 5,
		HierarchyMethod:    types.HierarchyAnisotropic,
		MaxTimeSample:      9,
		CoordFrame: types.CoordinateFrame{
			XStart: 0, XStop: 10000,
			YStart: 0, YStop: 10000,
			ZStart: 0, ZStop: 500,
			XVoxelSize: 4, YVoxelSize: 4, ZVoxelSize: 40,
			VoxelUnit: "nanometers",
		},
	}))
	require.NoError(t, catalog.PutChannel("col1", "exp1", &types.Channel{
		ID: 12, Name: "chan1", ExperimentID: 7,
		Type: types.ChannelTypeImage, Datatype: types.DatatypeUint8,
	}))

	fakeSQS := cloudtest.NewFakeSQS()
	fakeLambda := cloudtest.NewFakeLambda()
	fakeLambda.SetTimeout("tile-uploaded-fn", 30)
	fakeLambda.SetTimeout("tile-ingest-fn", 120)
	fakeSFN := cloudtest.NewFakeSFN()
	fakeIAM := cloudtest.NewFakeIAM()
	fakeSTS := cloudtest.NewFakeSTS()

	provisioner := queue.NewProvisioner(fakeSQS, fakeLambda, queue.Config{
		TileUploadedFunction: "tile-uploaded-fn",
		TileIngestFunction:   "tile-ingest-fn",
	})
	credBroker := creds.NewBroker(fakeIAM, fakeSTS, store, creds.Config{
		TileBucket:   "test-tile-bucket",
		IngestBucket: "test-cuboid-bucket",
	})

	mgr := New(store, catalog, provisioner, credBroker, fakeSFN, nil, Config{
		Region:              "us-east-1",
		PopulateSFNARN:      "arn:aws:states:us-east-1:123456789012:stateMachine:populate",
		CompleteSFNARN:      "arn:aws:states:us-east-1:123456789012:stateMachine:complete",
		UploadSFN:           "UploadTileSFN",
		VolumetricUploadSFN: "UploadVolumetricSFN",
		TileIndexTable:      "tile-index",
		TileBucket:          "test-tile-bucket",
		IngestBucket:        "test-cuboid-bucket",
		IngestLambda:        "page-in-fn",
	})

	return &testEnv{mgr: mgr, store: store, sqs: fakeSQS, lambda: fakeLambda, sfn: fakeSFN, iam: fakeIAM}
}

// setup creates a job and asserts no error.
func (e *testEnv) setup(t *testing.T, config string) *types.IngestJob {
	t.Helper()
	job, err := e.mgr.Setup(context.Background(), "alice", []byte(config))
	require.NoError(t, err)
	return job
}

// toUploading drives a freshly created job through population success.
func (e *testEnv) toUploading(t *testing.T, job *types.IngestJob) {
	t.Helper()
	e.sfn.SetStatus(job.StepFunctionARN, sfntypes.ExecutionStatusSucceeded)
	_, err := e.mgr.Join(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, types.StatusUploading, job.Status)
}

// toWaitOnQueues drives an UPLOADING job into the settling window.
func (e *testEnv) toWaitOnQueues(t *testing.T, job *types.IngestJob) {
	t.Helper()
	result, err := e.mgr.Complete(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, types.StatusWaitOnQueues, result.JobStatus)
}

// pastWaitWindow moves the manager's clock beyond the settling window.
func (e *testEnv) pastWaitWindow() {
	e.mgr.now = func() time.Time {
		return time.Now().UTC().Add(time.Duration(e.mgr.cfg.WaitForQueuesSecs+10) * time.Second)
	}
}

func TestSetupTileJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, tileConfig)

	assert.Equal(t, types.StatusPreparing, job.Status)
	assert.Equal(t, "alice", job.Creator)
	// 2x2 tiles per slice, 16 slices, 1 time sample.
	assert.Equal(t, int64(64), job.TileCount)
	assert.NotEmpty(t, job.UploadQueue)
	assert.NotEmpty(t, job.IngestQueue)
	assert.NotEmpty(t, job.StepFunctionARN)

	started := env.sfn.Started()
	require.Len(t, started, 1)
	assert.Equal(t, env.mgr.cfg.PopulateSFNARN, started[0].StateMachineARN)

	var args map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(started[0].Input), &args))
	assert.Equal(t, "UploadTileSFN", args["upload_sfn"])
	assert.Equal(t, []interface{}{"4", "7", "12"}, args["project_info"])
	assert.Equal(t, float64(16), args["z_chunk_size"])
}

func TestSetupVolumetricJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, volumetricConfig)

	// 2x1 chunks per layer, 4 layers.
	assert.Equal(t, int64(8), job.TileCount)
	assert.NotEmpty(t, job.UploadQueue)
	assert.Empty(t, job.IngestQueue)

	started := env.sfn.Started()
	require.Len(t, started, 1)
	var args map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(started[0].Input), &args))
	assert.Equal(t, "UploadVolumetricSFN", args["upload_sfn"])
}

func TestSetupRejectsUnknownChannel(t *testing.T) {
	env := newTestEnv(t)
	badConfig := `{
		"database": {"collection": "col1", "experiment": "exp1", "channel": "nope"},
		"ingest_job": {
			"ingest_type": "tile",
			"extent": {"x": [0, 1024], "y": [0, 1024], "z": [0, 16], "t": [0, 1]},
			"tile_size": {"x": 512, "y": 512, "t": 1}
		}
	}`

	_, err := env.mgr.Setup(context.Background(), "alice", []byte(badConfig))
	require.Error(t, err)
}

func TestJoinWhilePreparing(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, tileConfig)

	result, err := env.mgr.Join(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, types.StatusPreparing, job.Status)
	assert.Nil(t, result.Credentials)
	assert.Equal(t, "col1&exp1&chan1", result.Resource.BossKey)
	assert.Equal(t, "test-tile-bucket", result.TileBucket)
	assert.Equal(t, "page-in-fn", result.IngestLambda)
}

func TestJoinMovesJobToUploading(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, tileConfig)

	env.sfn.SetStatus(job.StepFunctionARN, sfntypes.ExecutionStatusSucceeded)
	result, err := env.mgr.Join(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, types.StatusUploading, job.Status)
	require.NotNil(t, result.Credentials)
	assert.NotEmpty(t, result.Credentials.AccessKeyID)
	assert.NotEmpty(t, result.TileIndexQueueURL)
	assert.True(t, env.iam.HasPolicy(result.Credentials.PolicyARN))

	// A second join reuses the stored credentials.
	again, err := env.mgr.Join(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, again.Credentials)
	assert.Equal(t, result.Credentials.AccessKeyID, again.Credentials.AccessKeyID)
}

func TestJoinPopulateFailed(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, tileConfig)

	env.sfn.SetStatus(job.StepFunctionARN, sfntypes.ExecutionStatusFailed)
	_, err := env.mgr.Join(context.Background(), job)
	require.Error(t, err)
	assert.True(t, bosserr.IsCode(err, bosserr.CodeSystemError))
	assert.Contains(t, err.Error(), "Delete the ingest job")
}

func TestJoinDeletedJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, tileConfig)
	require.NoError(t, env.mgr.Delete(context.Background(), job))

	_, err := env.mgr.Join(context.Background(), job)
	require.Error(t, err)
	assert.True(t, bosserr.IsCode(err, bosserr.CodeBadRequest))
}

func TestCompletePreparingDenied(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, tileConfig)

	_, err := env.mgr.Complete(context.Background(), job)
	require.Error(t, err)
	assert.True(t, bosserr.IsCode(err, bosserr.CodeBadRequest))
	assert.Contains(t, err.Error(), "still preparing")
}

func TestCompleteEntersWaitOnQueues(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, tileConfig)
	env.toUploading(t, job)

	result, err := env.mgr.Complete(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, types.StatusWaitOnQueues, result.JobStatus)
	assert.Equal(t, DefaultWaitForQueuesSecs, result.WaitSecs)
	assert.True(t, result.Accepted)

	stored, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaitOnQueues, stored.Status)
	require.NotNil(t, stored.WaitOnQueuesTS)
	assert.WithinDuration(t, time.Now(), *stored.WaitOnQueuesTS, 5*time.Second)
}

func TestCompleteRefusedWhileUploadsPending(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, tileConfig)
	env.toUploading(t, job)
	env.sqs.SetDepth(job.UploadQueue, 3)

	_, err := env.mgr.Complete(context.Background(), job)
	require.Error(t, err)
	assert.True(t, bosserr.IsCode(err, bosserr.CodeBadRequest))
	assert.Equal(t, MsgUploadQueueNotEmpty, bosserr.From(err).Message)

	stored, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUploading, stored.Status)
}

func TestCompleteWaitsOutTheWindow(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, tileConfig)
	env.toUploading(t, job)
	env.toWaitOnQueues(t, job)

	result, err := env.mgr.Complete(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, types.StatusWaitOnQueues, result.JobStatus)
	assert.False(t, result.Accepted)
	assert.Greater(t, result.WaitSecs, 0)
	assert.Empty(t, env.sfn.Started()[1:], "completion must not start during the wait window")
}

func TestCompleteRollsBackWhenUploadsResume(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, tileConfig)
	env.toUploading(t, job)
	env.toWaitOnQueues(t, job)
	env.pastWaitWindow()

	// Stragglers arrived during the settling window.
	env.sqs.SetDepth(job.UploadQueue, 2)

	_, err := env.mgr.Complete(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, MsgUploadQueueNotEmpty, bosserr.From(err).Message)

	stored, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUploading, stored.Status)
}

func TestCompleteReattachesIngestConsumer(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, tileConfig)
	env.toUploading(t, job)
	env.toWaitOnQueues(t, job)
	env.pastWaitWindow()

	env.sqs.SetDepth(job.IngestQueue, 5)

	_, err := env.mgr.Complete(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, MsgIngestQueueNotEmpty, bosserr.From(err).Message)

	// The ingest function was reconnected so the stuck messages drain.
	arn, err := env.mgr.queues.ARN(context.Background(), job.IngestQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, env.lambda.MappingCount(arn))

	stored, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaitOnQueues, stored.Status)
}

func TestCompleteStartsCompletionOnce(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, tileConfig)
	env.toUploading(t, job)
	env.toWaitOnQueues(t, job)
	env.pastWaitWindow()

	result, err := env.mgr.Complete(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleting, result.JobStatus)
	assert.True(t, result.Accepted)

	var completions int
	for _, exec := range env.sfn.Started() {
		if exec.StateMachineARN == env.mgr.cfg.CompleteSFNARN {
			completions++
		}
	}
	assert.Equal(t, 1, completions)

	// Further calls observe the job already completing.
	again, err := env.mgr.Complete(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleting, again.JobStatus)
	require.Len(t, env.sfn.Started(), 2, "no second completion execution")
}

func TestConcurrentCompletionRace(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, tileConfig)
	env.toUploading(t, job)
	env.toWaitOnQueues(t, job)
	env.pastWaitWindow()

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fresh, err := env.mgr.GetJob(job.ID)
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = env.mgr.Complete(context.Background(), fresh)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}

	var completions int
	for _, exec := range env.sfn.Started() {
		if exec.StateMachineARN == env.mgr.cfg.CompleteSFNARN {
			completions++
		}
	}
	assert.Equal(t, 1, completions, "exactly one caller starts the completion scan")
}

func TestVolumetricCompletionSkipsTileQueues(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, volumetricConfig)
	env.toUploading(t, job)

	result, err := env.mgr.Complete(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, types.StatusWaitOnQueues, result.JobStatus)
}

func TestStatusReportsQueueDepth(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, tileConfig)
	env.toUploading(t, job)
	env.sqs.SetDepth(job.UploadQueue, 7)

	report, err := env.mgr.Status(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, job.ID, report.ID)
	assert.Equal(t, types.StatusUploading, report.Status)
	assert.Equal(t, int64(64), report.TotalMessageCount)
	assert.Equal(t, 7, report.CurrentMessageCount)
}

func TestStatusToleratesMissingQueueWhileCompleting(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, tileConfig)
	env.toUploading(t, job)

	job.Status = types.StatusCompleting
	job.UploadQueue = "https://sqs.test.amazonaws.com/123456789012/gone"

	report, err := env.mgr.Status(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 0, report.CurrentMessageCount)
}

func TestStatusDeletedJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, tileConfig)
	require.NoError(t, env.mgr.Delete(context.Background(), job))

	_, err := env.mgr.Status(context.Background(), job)
	require.Error(t, err)
	assert.True(t, bosserr.IsCode(err, bosserr.CodeBadRequest))
}

func TestDeleteRemovesEverything(t *testing.T) {
	env := newTestEnv(t)
	job := env.setup(t, tileConfig)
	env.toUploading(t, job)

	credentials, err := env.store.GetCredentials(job.ID)
	require.NoError(t, err)
	require.NotNil(t, credentials)
	uploadQueue := job.UploadQueue

	require.NoError(t, env.mgr.Delete(context.Background(), job))

	assert.Equal(t, types.StatusDeleted, job.Status)
	assert.False(t, env.sqs.HasQueue(uploadQueue))
	assert.False(t, env.iam.HasPolicy(credentials.PolicyARN))

	stored, err := env.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeleted, stored.Status)
	assert.Empty(t, stored.UploadQueue)
	require.NotNil(t, stored.EndDate)

	remaining, err := env.store.GetCredentials(job.ID)
	require.NoError(t, err)
	assert.Nil(t, remaining)

	// Deleting again is harmless.
	require.NoError(t, env.mgr.Delete(context.Background(), stored))
}

func TestListExcludesDeletedJobs(t *testing.T) {
	env := newTestEnv(t)
	kept := env.setup(t, tileConfig)
	gone := env.setup(t, tileConfig)
	require.NoError(t, env.mgr.Delete(context.Background(), gone))

	jobs, err := env.mgr.List("alice", false)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, kept.ID, jobs[0].ID)

	all, err := env.mgr.List("", true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
