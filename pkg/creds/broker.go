package creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/bossdb/bossingest/pkg/cloud"
	"github.com/bossdb/bossingest/pkg/log"
	"github.com/bossdb/bossingest/pkg/storage"
	"github.com/bossdb/bossingest/pkg/types"
)

// DefaultDurationSecs is how long issued federation tokens stay valid.
const DefaultDurationSecs = 43200

const policyPath = "/ingest/"

// Config holds the bucket names the upload policies grant access to.
type Config struct {
	// TileBucket receives tile uploads for tile jobs.
	TileBucket string
	// IngestBucket receives cuboid uploads for volumetric jobs.
	IngestBucket string
	// DurationSecs overrides the token lifetime when non-zero.
	DurationSecs int32
}

// Broker mints and revokes the scoped upload credentials for ingest jobs.
// Each job gets its own IAM policy and a federation token bound to it; both
// are removed during cleanup.
type Broker struct {
	iam   cloud.IAMAPI
	sts   cloud.STSAPI
	store storage.Store
	cfg   Config
}

func NewBroker(iamClient cloud.IAMAPI, stsClient cloud.STSAPI, store storage.Store, cfg Config) *Broker {
	if cfg.DurationSecs == 0 {
		cfg.DurationSecs = DefaultDurationSecs
	}
	return &Broker{iam: iamClient, sts: stsClient, store: store, cfg: cfg}
}

type policyStatement struct {
	Sid      string   `json:"Sid"`
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource []string `json:"Resource"`
}

type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

// PolicyDocument builds the JSON policy limiting an uploader to the job's
// own queues and bucket prefix.
func (b *Broker) PolicyDocument(job *types.IngestJob, uploadQueueARN, tileIndexQueueARN string) (string, error) {
	doc := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{
			{
				Sid:    "ClientUploadQueuePolicy",
				Effect: "Allow",
				Action: []string{
					"sqs:SendMessage",
					"sqs:ReceiveMessage",
					"sqs:GetQueueAttributes",
					"sqs:DeleteMessage",
				},
				Resource: []string{uploadQueueARN},
			},
		},
	}

	switch job.IngestType {
	case types.TileIngest:
		doc.Statement = append(doc.Statement,
			policyStatement{
				Sid:      "ClientTileIndexQueuePolicy",
				Effect:   "Allow",
				Action:   []string{"sqs:SendMessage"},
				Resource: []string{tileIndexQueueARN},
			},
			policyStatement{
				Sid:      "ClientTileBucketPolicy",
				Effect:   "Allow",
				Action:   []string{"s3:PutObject"},
				Resource: []string{fmt.Sprintf("arn:aws:s3:::%s/*", b.cfg.TileBucket)},
			},
		)
	case types.VolumetricIngest:
		doc.Statement = append(doc.Statement, policyStatement{
			Sid:      "ClientIngestBucketPolicy",
			Effect:   "Allow",
			Action:   []string{"s3:PutObject"},
			Resource: []string{fmt.Sprintf("arn:aws:s3:::%s/*", b.cfg.IngestBucket)},
		})
	default:
		return "", fmt.Errorf("unknown ingest type: %d", job.IngestType)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Generate creates the job's IAM policy, mints a federation token scoped to
// it, and stores the resulting credential set under the job id.
func (b *Broker) Generate(ctx context.Context, job *types.IngestJob, uploadQueueARN, tileIndexQueueARN string) (*types.Credentials, error) {
	document, err := b.PolicyDocument(job, uploadQueueARN, tileIndexQueueARN)
	if err != nil {
		return nil, err
	}

	policyOut, err := b.iam.CreatePolicy(ctx, &iam.CreatePolicyInput{
		PolicyName:     aws.String(PolicyName(job.ID)),
		Path:           aws.String(policyPath),
		PolicyDocument: aws.String(document),
		Description:    aws.String(fmt.Sprintf("Ingest ID %d", job.ID)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest policy: %w", err)
	}
	policyARN := aws.ToString(policyOut.Policy.Arn)

	tokenOut, err := b.sts.GetFederationToken(ctx, &sts.GetFederationTokenInput{
		Name:            aws.String(fmt.Sprintf("ingest%d", job.ID)),
		Policy:          aws.String(document),
		DurationSeconds: aws.Int32(b.cfg.DurationSecs),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get federation token: %w", err)
	}

	credentials := &types.Credentials{
		AccessKeyID:     aws.ToString(tokenOut.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(tokenOut.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(tokenOut.Credentials.SessionToken),
		Expiration:      aws.ToTime(tokenOut.Credentials.Expiration),
		PolicyARN:       policyARN,
	}
	if err := b.store.PutCredentials(job.ID, credentials); err != nil {
		return nil, fmt.Errorf("failed to store credentials: %w", err)
	}

	logger := log.WithJobID(job.ID)
	logger.Info().Str("policy_arn", policyARN).Msg("generated ingest credentials")
	return credentials, nil
}

// Revoke deletes the job's policy and stored credentials. Both removals
// tolerate already-deleted state so cleanup can be retried.
func (b *Broker) Revoke(ctx context.Context, jobID int64) error {
	credentials, err := b.store.GetCredentials(jobID)
	if err != nil {
		return err
	}
	if credentials != nil && credentials.PolicyARN != "" {
		_, err := b.iam.DeletePolicy(ctx, &iam.DeletePolicyInput{
			PolicyArn: aws.String(credentials.PolicyARN),
		})
		var missing *iamtypes.NoSuchEntityException
		if err != nil && !errors.As(err, &missing) {
			return fmt.Errorf("failed to delete ingest policy: %w", err)
		}
	}
	return b.store.DeleteCredentials(jobID)
}

// PolicyName returns the IAM policy name for a job.
func PolicyName(jobID int64) string {
	return fmt.Sprintf("ingest-client-%d", jobID)
}
