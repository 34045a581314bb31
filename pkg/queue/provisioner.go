package queue

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/bossdb/bossingest/pkg/cloud"
	"github.com/bossdb/bossingest/pkg/log"
	"github.com/bossdb/bossingest/pkg/types"
)

const (
	// DefaultBatchSize delivers one message per lambda invocation; SQS
	// allows up to maxSQSBatch.
	DefaultBatchSize = 1
	maxSQSBatch      = 10

	// AWS recommends a queue feeding a lambda have a visibility timeout
	// six times the function's timeout.
	visibilityFactor = 6

	// Queues not yet bound to an event source get a fixed slack on top of
	// the consuming function's timeout instead of the six-times multiple.
	visibilitySlackSecs = 20

	dlqMaxReceives = 2
)

// Queue name suffixes.
const (
	suffixUpload    = "upload"
	suffixIngest    = "ingest"
	suffixTileIndex = "tileindex"
	suffixTileError = "tileerror"
	suffixDLQ       = "tileindex-dlq"
)

// Config names the lambda functions fed by the provisioned queues.
type Config struct {
	// TileUploadedFunction consumes the tile index queue.
	TileUploadedFunction string
	// TileIngestFunction consumes the ingest queue.
	TileIngestFunction string
}

// Queues holds the URLs of the queues provisioned for one job. Volumetric
// jobs only get an upload queue.
type Queues struct {
	UploadURL    string
	IngestURL    string
	TileIndexURL string
	TileErrorURL string
}

// Provisioner creates, binds, and tears down the per-job SQS queues.
type Provisioner struct {
	sqs    cloud.SQSAPI
	lambda cloud.LambdaAPI
	cfg    Config
}

func NewProvisioner(sqsClient cloud.SQSAPI, lambdaClient cloud.LambdaAPI, cfg Config) *Provisioner {
	return &Provisioner{sqs: sqsClient, lambda: lambdaClient, cfg: cfg}
}

// Name returns the deterministic queue name for a job and suffix. The md5
// prefix spreads names the same way chunk keys spread partition keys; the
// rest keeps the name human-readable.
func Name(job *types.IngestJob, suffix string) string {
	proj := fmt.Sprintf("%s&%s&%s&%d&%d",
		job.Collection, job.Experiment, job.Channel, job.Resolution, job.ID)
	sum := md5.Sum([]byte(proj))
	return fmt.Sprintf("%s-ingest-%d-%s", hex.EncodeToString(sum[:])[:8], job.ID, suffix)
}

// Provision creates the queues a job needs and wires the tile index queue
// into the tile-uploaded lambda. Tile jobs get upload, ingest, tile index
// (with dead letter), and tile error queues; volumetric jobs only the
// upload queue.
func (p *Provisioner) Provision(ctx context.Context, job *types.IngestJob) (*Queues, error) {
	logger := log.WithJobID(job.ID)

	queues := &Queues{}
	uploadURL, err := p.createQueue(ctx, Name(job, suffixUpload), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload queue: %w", err)
	}
	queues.UploadURL = uploadURL

	if job.IngestType == types.VolumetricIngest {
		return queues, nil
	}

	ingestURL, err := p.createQueue(ctx, Name(job, suffixIngest), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest queue: %w", err)
	}
	// The ingest queue has no consumer until completion; pad its visibility
	// timeout past the ingest function's so early pulls cannot starve it.
	ingestTimeout, err := p.functionTimeout(ctx, p.cfg.TileIngestFunction)
	if err != nil {
		return nil, err
	}
	if err := p.setVisibility(ctx, ingestURL, ingestTimeout+visibilitySlackSecs); err != nil {
		return nil, fmt.Errorf("failed to set ingest queue visibility: %w", err)
	}
	queues.IngestURL = ingestURL

	tileIndexURL, err := p.createTileIndexQueue(ctx, job)
	if err != nil {
		return nil, err
	}
	queues.TileIndexURL = tileIndexURL

	if err := p.Attach(ctx, tileIndexURL, p.cfg.TileUploadedFunction, DefaultBatchSize); err != nil {
		return nil, fmt.Errorf("failed to attach tile index queue: %w", err)
	}

	errorURL, err := p.createQueue(ctx, Name(job, suffixTileError), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile error queue: %w", err)
	}
	queues.TileErrorURL = errorURL

	logger.Info().
		Str("upload_queue", queues.UploadURL).
		Str("ingest_queue", queues.IngestURL).
		Msg("provisioned ingest queues")
	return queues, nil
}

// createTileIndexQueue creates the dead letter queue first, then the tile
// index queue pointing at it, and pads the visibility timeout past the
// consuming function's timeout.
func (p *Provisioner) createTileIndexQueue(ctx context.Context, job *types.IngestJob) (string, error) {
	dlqURL, err := p.createQueue(ctx, Name(job, suffixDLQ), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create dead letter queue: %w", err)
	}
	dlqARN, err := p.ARN(ctx, dlqURL)
	if err != nil {
		return "", err
	}

	redrive := fmt.Sprintf(`{"deadLetterTargetArn":"%s","maxReceiveCount":"%d"}`, dlqARN, dlqMaxReceives)
	url, err := p.createQueue(ctx, Name(job, suffixTileIndex), map[string]string{
		string(sqstypes.QueueAttributeNameRedrivePolicy): redrive,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create tile index queue: %w", err)
	}

	timeout, err := p.functionTimeout(ctx, p.cfg.TileIngestFunction)
	if err != nil {
		return "", err
	}
	err = p.setVisibility(ctx, url, timeout+visibilitySlackSecs)
	if err != nil {
		return "", err
	}
	return url, nil
}

// Attach connects a queue to a lambda as an event source. The queue's
// visibility timeout is raised to six times the function's timeout first.
// An existing mapping is not an error; it means a previous attach already
// ran.
func (p *Provisioner) Attach(ctx context.Context, queueURL, functionName string, batchSize int32) error {
	if batchSize < 1 || batchSize > maxSQSBatch {
		return fmt.Errorf("bad event source batch size: %d", batchSize)
	}

	arn, err := p.ARN(ctx, queueURL)
	if err != nil {
		return err
	}
	timeout, err := p.functionTimeout(ctx, functionName)
	if err != nil {
		return err
	}
	if err := p.setVisibility(ctx, queueURL, timeout*visibilityFactor); err != nil {
		return err
	}

	_, err = p.lambda.CreateEventSourceMapping(ctx, &lambdasvc.CreateEventSourceMappingInput{
		EventSourceArn: aws.String(arn),
		FunctionName:   aws.String(functionName),
		BatchSize:      aws.Int32(batchSize),
	})
	var conflict *lambdatypes.ResourceConflictException
	if errors.As(err, &conflict) {
		logger := log.WithComponent("queue")
		logger.Warn().
			Str("queue_arn", arn).
			Str("function", functionName).
			Msg("event source mapping already exists")
		return nil
	}
	return err
}

// Detach removes every event source mapping between a queue and a lambda.
// A missing queue or mapping is treated as already detached.
func (p *Provisioner) Detach(ctx context.Context, queueURL, functionName string) error {
	arn, err := p.ARN(ctx, queueURL)
	if err != nil {
		if isQueueMissing(err) {
			return nil
		}
		return err
	}

	out, err := p.lambda.ListEventSourceMappings(ctx, &lambdasvc.ListEventSourceMappingsInput{
		EventSourceArn: aws.String(arn),
		FunctionName:   aws.String(functionName),
	})
	if err != nil {
		return fmt.Errorf("failed to list event source mappings: %w", err)
	}

	for _, mapping := range out.EventSourceMappings {
		_, err := p.lambda.DeleteEventSourceMapping(ctx, &lambdasvc.DeleteEventSourceMappingInput{
			UUID: mapping.UUID,
		})
		var notFound *lambdatypes.ResourceNotFoundException
		if err != nil && !errors.As(err, &notFound) {
			return fmt.Errorf("failed to delete event source mapping: %w", err)
		}
	}
	return nil
}

// AttachIngestConsumer reconnects the tile ingest function to a job's
// ingest queue. Used to recover a queue whose consumer was detached while
// messages were still pending.
func (p *Provisioner) AttachIngestConsumer(ctx context.Context, queueURL string) error {
	return p.Attach(ctx, queueURL, p.cfg.TileIngestFunction, DefaultBatchSize)
}

// TileIndexQueueURL resolves the tile index queue URL for a job. The URL
// is not stored on the job record, only the deterministic name.
func (p *Provisioner) TileIndexQueueURL(ctx context.Context, job *types.IngestJob) (string, error) {
	return p.urlByName(ctx, Name(job, suffixTileIndex))
}

// Depth returns the approximate number of messages in a queue.
func (p *Provisioner) Depth(ctx context.Context, queueURL string) (int, error) {
	out, err := p.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{
			sqstypes.QueueAttributeNameApproximateNumberOfMessages,
		},
	})
	if err != nil {
		return 0, err
	}
	raw := out.Attributes[string(sqstypes.QueueAttributeNameApproximateNumberOfMessages)]
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("bad queue depth %q: %w", raw, err)
	}
	return n, nil
}

// Teardown detaches event sources and deletes every queue belonging to the
// job. Queues that are already gone are skipped, so the operation can be
// retried.
func (p *Provisioner) Teardown(ctx context.Context, job *types.IngestJob) error {
	if err := p.deleteByName(ctx, Name(job, suffixUpload)); err != nil {
		return err
	}
	if job.IngestType == types.VolumetricIngest {
		return nil
	}

	ingestURL, err := p.urlByName(ctx, Name(job, suffixIngest))
	if err == nil {
		if err := p.Detach(ctx, ingestURL, p.cfg.TileIngestFunction); err != nil {
			return err
		}
		if err := p.deleteQueue(ctx, ingestURL); err != nil {
			return err
		}
	} else if !isQueueMissing(err) {
		return err
	}

	tileIndexURL, err := p.urlByName(ctx, Name(job, suffixTileIndex))
	if err == nil {
		if err := p.Detach(ctx, tileIndexURL, p.cfg.TileUploadedFunction); err != nil {
			return err
		}
		if err := p.deleteQueue(ctx, tileIndexURL); err != nil {
			return err
		}
	} else if !isQueueMissing(err) {
		return err
	}

	if err := p.deleteByName(ctx, Name(job, suffixDLQ)); err != nil {
		return err
	}
	return p.deleteByName(ctx, Name(job, suffixTileError))
}

func (p *Provisioner) createQueue(ctx context.Context, name string, attrs map[string]string) (string, error) {
	out, err := p.sqs.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attrs,
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.QueueUrl), nil
}

func (p *Provisioner) deleteQueue(ctx context.Context, url string) error {
	_, err := p.sqs.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(url)})
	if err != nil && !isQueueMissing(err) {
		return fmt.Errorf("failed to delete queue %s: %w", url, err)
	}
	return nil
}

func (p *Provisioner) deleteByName(ctx context.Context, name string) error {
	url, err := p.urlByName(ctx, name)
	if err != nil {
		if isQueueMissing(err) {
			return nil
		}
		return err
	}
	return p.deleteQueue(ctx, url)
}

func (p *Provisioner) urlByName(ctx context.Context, name string) (string, error) {
	out, err := p.sqs.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.QueueUrl), nil
}

// ARN resolves a queue URL to its ARN.
func (p *Provisioner) ARN(ctx context.Context, queueURL string) (string, error) {
	out, err := p.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{
			sqstypes.QueueAttributeNameQueueArn,
		},
	})
	if err != nil {
		return "", err
	}
	return out.Attributes[string(sqstypes.QueueAttributeNameQueueArn)], nil
}

func (p *Provisioner) functionTimeout(ctx context.Context, functionName string) (int32, error) {
	out, err := p.lambda.GetFunctionConfiguration(ctx, &lambdasvc.GetFunctionConfigurationInput{
		FunctionName: aws.String(functionName),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get configuration for %s: %w", functionName, err)
	}
	return aws.ToInt32(out.Timeout), nil
}

func (p *Provisioner) setVisibility(ctx context.Context, queueURL string, seconds int32) error {
	_, err := p.sqs.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl: aws.String(queueURL),
		Attributes: map[string]string{
			string(sqstypes.QueueAttributeNameVisibilityTimeout): strconv.Itoa(int(seconds)),
		},
	})
	return err
}

func isQueueMissing(err error) bool {
	var missing *sqstypes.QueueDoesNotExist
	return errors.As(err, &missing)
}
