package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"

	"github.com/bossdb/bossingest/pkg/bosserr"
	"github.com/bossdb/bossingest/pkg/metrics"
	"github.com/bossdb/bossingest/pkg/types"
)

// populateArgs is the input document for the queue population step
// function. It enumerates the full tile/chunk grid for the job.
type populateArgs struct {
	JobID       int64    `json:"job_id"`
	UploadQueue string   `json:"upload_queue"`
	IngestQueue string   `json:"ingest_queue"`
	Resolution  int      `json:"resolution"`
	ProjectInfo []string `json:"project_info"`
	IngestType  int      `json:"ingest_type"`

	TStart    int `json:"t_start"`
	TStop     int `json:"t_stop"`
	TTileSize int `json:"t_tile_size"`

	XStart    int `json:"x_start"`
	XStop     int `json:"x_stop"`
	XTileSize int `json:"x_tile_size"`

	YStart    int `json:"y_start"`
	YStop     int `json:"y_stop"`
	YTileSize int `json:"y_tile_size"`

	ZStart    int `json:"z_start"`
	ZStop     int `json:"z_stop"`
	ZTileSize int `json:"z_tile_size"`

	ZChunkSize int    `json:"z_chunk_size"`
	UploadSFN  string `json:"upload_sfn"`
}

// completionArgs is the input document for the completion scan step
// function.
type completionArgs struct {
	TileIndexTable string          `json:"tile_index_table"`
	Status         string          `json:"status"`
	Region         string          `json:"region"`
	Job            completionJob   `json:"job"`
	Resource       *types.Resource `json:"resource"`
	XSize          int             `json:"x_size"`
	YSize          int             `json:"y_size"`
}

type completionJob struct {
	Collection  int64  `json:"collection"`
	Experiment  int64  `json:"experiment"`
	Channel     int64  `json:"channel"`
	TaskID      int64  `json:"task_id"`
	Resolution  int    `json:"resolution"`
	ZChunkSize  int    `json:"z_chunk_size"`
	UploadQueue string `json:"upload_queue"`
	IngestQueue string `json:"ingest_queue"`
	IngestType  int    `json:"ingest_type"`
}

// buildPopulateArgs assembles the population input for a job. Tile jobs
// enumerate z in single slices and chunk at the fixed cuboid depth;
// volumetric jobs chunk at their configured depth.
func (m *Manager) buildPopulateArgs(job *types.IngestJob) (*populateArgs, error) {
	args := &populateArgs{
		JobID:       job.ID,
		UploadQueue: job.UploadQueue,
		IngestQueue: job.IngestQueue,
		Resolution:  job.Resolution,
		ProjectInfo: strings.Split(job.LookupKey(), types.KeyConnector),
		IngestType:  int(job.IngestType),

		TStart:    job.Extent.TStart,
		TStop:     job.Extent.TStop,
		TTileSize: 1,

		XStart:    job.Extent.XStart,
		XStop:     job.Extent.XStop,
		XTileSize: job.TileSize.X,

		YStart:    job.Extent.YStart,
		YStop:     job.Extent.YStop,
		YTileSize: job.TileSize.Y,

		ZStart:    job.Extent.ZStart,
		ZStop:     job.Extent.ZStop,
		ZTileSize: 1,

		ZChunkSize: job.ZChunkSize(),
	}

	switch job.IngestType {
	case types.TileIngest:
		args.UploadSFN = m.cfg.UploadSFN
	case types.VolumetricIngest:
		args.UploadSFN = m.cfg.VolumetricUploadSFN
	default:
		return nil, bosserr.Newf(bosserr.CodeUnableToValidate, "invalid ingest type: %d", job.IngestType)
	}
	return args, nil
}

// startPopulate starts the population step function and returns the
// execution ARN.
func (m *Manager) startPopulate(ctx context.Context, job *types.IngestJob) (string, error) {
	args, err := m.buildPopulateArgs(job)
	if err != nil {
		return "", err
	}
	arn, err := m.startExecution(ctx, m.cfg.PopulateSFNARN, fmt.Sprintf("populate-%d", job.ID), args)
	if err != nil {
		return "", err
	}
	metrics.StepFunctionStarts.WithLabelValues("populate").Inc()
	return arn, nil
}

// startCompletion starts the completion scan step function. Only the
// winner of the completion race may call this.
func (m *Manager) startCompletion(ctx context.Context, job *types.IngestJob) (string, error) {
	resource, err := m.Resource(job)
	if err != nil {
		return "", err
	}

	args := &completionArgs{
		TileIndexTable: m.cfg.TileIndexTable,
		Status:         "complete",
		Region:         m.cfg.Region,
		Job: completionJob{
			Collection:  job.CollectionID,
			Experiment:  job.ExperimentID,
			Channel:     job.ChannelID,
			TaskID:      job.ID,
			Resolution:  job.Resolution,
			ZChunkSize:  types.CuboidDepth,
			UploadQueue: job.UploadQueue,
			IngestQueue: job.IngestQueue,
			IngestType:  int(job.IngestType),
		},
		Resource: resource,
		XSize:    job.TileSize.X,
		YSize:    job.TileSize.Y,
	}

	arn, err := m.startExecution(ctx, m.cfg.CompleteSFNARN, fmt.Sprintf("complete-%d", job.ID), args)
	if err != nil {
		return "", err
	}
	metrics.StepFunctionStarts.WithLabelValues("complete").Inc()
	return arn, nil
}

func (m *Manager) startExecution(ctx context.Context, stateMachineARN, name string, input interface{}) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", bosserr.Wrap(bosserr.CodeSerializationError, "failed to serialize step function input", err)
	}

	execName := sanitizeExecName(fmt.Sprintf("%s-%d", name, time.Now().UnixMilli()))
	out, err := m.sfn.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(stateMachineARN),
		Name:            aws.String(execName),
		Input:           aws.String(string(raw)),
	})
	if err != nil {
		return "", bosserr.Wrap(bosserr.CodeSystemError, "failed to start step function", err)
	}
	return aws.ToString(out.ExecutionArn), nil
}

// sanitizeExecName restricts an execution name to the characters Step
// Functions accepts and caps its length.
func sanitizeExecName(name string) string {
	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteRune(c)
		default:
			b.WriteRune('_')
		}
	}
	s := b.String()
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
