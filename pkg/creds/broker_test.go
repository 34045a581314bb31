package creds

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bossdb/bossingest/pkg/cloud/cloudtest"
	"github.com/bossdb/bossingest/pkg/storage"
	"github.com/bossdb/bossingest/pkg/types"
)

func testBroker(t *testing.T) (*Broker, *cloudtest.FakeIAM, *cloudtest.FakeSTS, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fakeIAM := cloudtest.NewFakeIAM()
	fakeSTS := cloudtest.NewFakeSTS()
	broker := NewBroker(fakeIAM, fakeSTS, store, Config{
		TileBucket:   "tile-bucket",
		IngestBucket: "cuboid-bucket",
	})
	return broker, fakeIAM, fakeSTS, store
}

func testJob(ingestType types.IngestType) *types.IngestJob {
	return &types.IngestJob{
		ID:         42,
		Collection: "col1",
		Experiment: "exp1",
		Channel:    "chan1",
		IngestType: ingestType,
	}
}

func decodePolicy(t *testing.T, document string) map[string]interface{} {
	t.Helper()
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(document), &doc))
	return doc
}

func TestPolicyDocumentTileJob(t *testing.T) {
	broker, _, _, _ := testBroker(t)

	document, err := broker.PolicyDocument(testJob(types.TileIngest),
		"arn:aws:sqs:test:123456789012:upload", "arn:aws:sqs:test:123456789012:tileindex")
	require.NoError(t, err)

	doc := decodePolicy(t, document)
	statements := doc["Statement"].([]interface{})
	require.Len(t, statements, 3)
	assert.Contains(t, document, "arn:aws:sqs:test:123456789012:upload")
	assert.Contains(t, document, "arn:aws:sqs:test:123456789012:tileindex")
	assert.Contains(t, document, "arn:aws:s3:::tile-bucket/*")
	assert.NotContains(t, document, "cuboid-bucket")
}

func TestPolicyDocumentUploadQueueActions(t *testing.T) {
	broker, _, _, _ := testBroker(t)

	document, err := broker.PolicyDocument(testJob(types.TileIngest),
		"arn:aws:sqs:test:123456789012:upload", "arn:aws:sqs:test:123456789012:tileindex")
	require.NoError(t, err)

	doc := decodePolicy(t, document)
	statements := doc["Statement"].([]interface{})
	upload := statements[0].(map[string]interface{})
	require.Equal(t, "ClientUploadQueuePolicy", upload["Sid"])

	// Upload workers both consume chunk-key messages and push retries back.
	assert.ElementsMatch(t, []interface{}{
		"sqs:SendMessage",
		"sqs:ReceiveMessage",
		"sqs:GetQueueAttributes",
		"sqs:DeleteMessage",
	}, upload["Action"])
}

func TestPolicyDocumentVolumetricJob(t *testing.T) {
	broker, _, _, _ := testBroker(t)

	document, err := broker.PolicyDocument(testJob(types.VolumetricIngest),
		"arn:aws:sqs:test:123456789012:upload", "")
	require.NoError(t, err)

	doc := decodePolicy(t, document)
	statements := doc["Statement"].([]interface{})
	require.Len(t, statements, 2)
	assert.Contains(t, document, "arn:aws:s3:::cuboid-bucket/*")
	assert.NotContains(t, document, "tile-bucket")
	assert.NotContains(t, document, "tileindex")
}

func TestGenerateStoresCredentials(t *testing.T) {
	broker, fakeIAM, fakeSTS, store := testBroker(t)
	job := testJob(types.TileIngest)

	credentials, err := broker.Generate(context.Background(), job,
		"arn:aws:sqs:test:123456789012:upload", "arn:aws:sqs:test:123456789012:tileindex")
	require.NoError(t, err)

	assert.NotEmpty(t, credentials.AccessKeyID)
	assert.NotEmpty(t, credentials.SessionToken)
	assert.True(t, fakeIAM.HasPolicy(credentials.PolicyARN))

	// Federation token is scoped by the same document as the policy.
	assert.Equal(t, fakeIAM.PolicyDocument(credentials.PolicyARN), fakeSTS.LastPolicy)
	assert.Equal(t, "ingest42", fakeSTS.LastName)

	stored, err := store.GetCredentials(job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, credentials.AccessKeyID, stored.AccessKeyID)
	assert.Equal(t, credentials.PolicyARN, stored.PolicyARN)
}

func TestRevokeDeletesPolicyAndCredentials(t *testing.T) {
	broker, fakeIAM, _, store := testBroker(t)
	job := testJob(types.TileIngest)

	credentials, err := broker.Generate(context.Background(), job,
		"arn:aws:sqs:test:123456789012:upload", "arn:aws:sqs:test:123456789012:tileindex")
	require.NoError(t, err)

	require.NoError(t, broker.Revoke(context.Background(), job.ID))
	assert.False(t, fakeIAM.HasPolicy(credentials.PolicyARN))

	stored, err := store.GetCredentials(job.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	// Revoking again finds nothing to do.
	require.NoError(t, broker.Revoke(context.Background(), job.ID))
}
