package queue

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bossdb/bossingest/pkg/cloud/cloudtest"
	"github.com/bossdb/bossingest/pkg/types"
)

func testProvisioner(t *testing.T) (*Provisioner, *cloudtest.FakeSQS, *cloudtest.FakeLambda) {
	t.Helper()
	fakeSQS := cloudtest.NewFakeSQS()
	fakeLambda := cloudtest.NewFakeLambda()
	fakeLambda.SetTimeout("tile-uploaded-fn", 30)
	fakeLambda.SetTimeout("tile-ingest-fn", 120)
	p := NewProvisioner(fakeSQS, fakeLambda, Config{
		TileUploadedFunction: "tile-uploaded-fn",
		TileIngestFunction:   "tile-ingest-fn",
	})
	return p, fakeSQS, fakeLambda
}

func tileJob() *types.IngestJob {
	return &types.IngestJob{
		ID:         23,
		Collection: "col1",
		Experiment: "exp1",
		Channel:    "chan1",
		Resolution: 0,
		IngestType: types.TileIngest,
	}
}

func TestQueueNameDeterministic(t *testing.T) {
	job := tileJob()
	name := Name(job, "upload")
	assert.Equal(t, name, Name(job, "upload"))
	assert.Contains(t, name, "-ingest-23-upload")

	// Prefix is an 8 character hash of the job identity.
	prefix := strings.SplitN(name, "-", 2)[0]
	assert.Len(t, prefix, 8)

	// A different job gets a different prefix.
	other := tileJob()
	other.ID = 24
	assert.NotEqual(t, prefix, strings.SplitN(Name(other, "upload"), "-", 2)[0])
}

func TestProvisionTileJob(t *testing.T) {
	p, fakeSQS, fakeLambda := testProvisioner(t)
	job := tileJob()

	queues, err := p.Provision(context.Background(), job)
	require.NoError(t, err)

	assert.NotEmpty(t, queues.UploadURL)
	assert.NotEmpty(t, queues.IngestURL)
	assert.NotEmpty(t, queues.TileIndexURL)
	assert.NotEmpty(t, queues.TileErrorURL)

	// The tile index queue feeds the tile-uploaded lambda with a
	// visibility timeout six times the function timeout.
	tileIndexARN, err := p.ARN(context.Background(), queues.TileIndexURL)
	require.NoError(t, err)
	assert.Equal(t, 1, fakeLambda.MappingCount(tileIndexARN))
	assert.Equal(t, "180", fakeSQS.QueueAttr(queues.TileIndexURL, "VisibilityTimeout"))

	// Dead letter queue exists and is referenced by the redrive policy.
	redrive := fakeSQS.QueueAttr(queues.TileIndexURL, "RedrivePolicy")
	assert.Contains(t, redrive, Name(job, "tileindex-dlq"))

	// The ingest queue has no event source yet but its visibility timeout
	// already exceeds the ingest function's by the slack.
	assert.Equal(t, "140", fakeSQS.QueueAttr(queues.IngestURL, "VisibilityTimeout"))
}

func TestProvisionVolumetricJobOnlyUploadQueue(t *testing.T) {
	p, _, fakeLambda := testProvisioner(t)
	job := tileJob()
	job.IngestType = types.VolumetricIngest

	queues, err := p.Provision(context.Background(), job)
	require.NoError(t, err)
	assert.NotEmpty(t, queues.UploadURL)
	assert.Empty(t, queues.IngestURL)
	assert.Empty(t, queues.TileIndexURL)
	assert.Empty(t, queues.TileErrorURL)
	assert.Zero(t, fakeLambda.MappingCount(""))
}

func TestAttachTwiceIsHarmless(t *testing.T) {
	p, _, fakeLambda := testProvisioner(t)
	job := tileJob()

	queues, err := p.Provision(context.Background(), job)
	require.NoError(t, err)

	// A second attach hits ResourceConflict and is swallowed.
	err = p.Attach(context.Background(), queues.TileIndexURL, "tile-uploaded-fn", 1)
	require.NoError(t, err)

	arn, err := p.ARN(context.Background(), queues.TileIndexURL)
	require.NoError(t, err)
	assert.Equal(t, 1, fakeLambda.MappingCount(arn))
}

func TestAttachRejectsBadBatchSize(t *testing.T) {
	p, _, _ := testProvisioner(t)
	assert.Error(t, p.Attach(context.Background(), "url", "tile-uploaded-fn", 0))
	assert.Error(t, p.Attach(context.Background(), "url", "tile-uploaded-fn", 11))
}

func TestDepth(t *testing.T) {
	p, fakeSQS, _ := testProvisioner(t)
	job := tileJob()

	queues, err := p.Provision(context.Background(), job)
	require.NoError(t, err)

	n, err := p.Depth(context.Background(), queues.UploadURL)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	fakeSQS.SetDepth(queues.UploadURL, 7)
	n, err = p.Depth(context.Background(), queues.UploadURL)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestTeardownRemovesEverything(t *testing.T) {
	p, fakeSQS, fakeLambda := testProvisioner(t)
	job := tileJob()

	queues, err := p.Provision(context.Background(), job)
	require.NoError(t, err)
	tileIndexARN, err := p.ARN(context.Background(), queues.TileIndexURL)
	require.NoError(t, err)

	require.NoError(t, p.Teardown(context.Background(), job))

	assert.False(t, fakeSQS.HasQueue(queues.UploadURL))
	assert.False(t, fakeSQS.HasQueue(queues.IngestURL))
	assert.False(t, fakeSQS.HasQueue(queues.TileIndexURL))
	assert.False(t, fakeSQS.HasQueue(queues.TileErrorURL))
	assert.Equal(t, 0, fakeLambda.MappingCount(tileIndexARN))

	// Running teardown again against missing queues succeeds.
	require.NoError(t, p.Teardown(context.Background(), job))
}
