package storage

import (
	"errors"
	"time"

	"github.com/bossdb/bossingest/pkg/types"
)

// ErrJobNotFound is returned when no job row exists for the given id.
var ErrJobNotFound = errors.New("ingest job not found")

// Store is the durable record of ingest jobs and their per-job upload
// credentials.
//
// All lifecycle writes go through the conditional primitives so that
// concurrent callers serialize on the database row, not on an in-process
// lock. A swap returns false when the row did not match the expected state;
// the caller re-reads and decides.
type Store interface {
	// Jobs
	CreateJob(job *types.IngestJob) error
	GetJob(id int64) (*types.IngestJob, error)
	ListJobs() ([]*types.IngestJob, error)
	ListJobsByCreator(creator string) ([]*types.IngestJob, error)
	UpdateJob(job *types.IngestJob) error

	// Conditional status transitions (used only by the lifecycle state
	// machine).
	//
	// CompareAndSwapStatus moves the job from exactly `from` to `to`;
	// when stampWait is set and the swap wins, wait_on_queues_ts is
	// stamped with the current time.
	CompareAndSwapStatus(id int64, from, to types.JobStatus, stampWait bool) (bool, error)
	// SwapStatusUnless moves the job to `to` unless it is already in
	// `not`. The returned bool is the race winner's signal.
	SwapStatusUnless(id int64, not, to types.JobStatus) (bool, error)
	// FinishJob writes the terminal status, clears the queue URLs, and
	// stamps the end date.
	FinishJob(id int64, terminal types.JobStatus, endDate time.Time) error

	// Credentials
	PutCredentials(jobID int64, creds *types.Credentials) error
	GetCredentials(jobID int64) (*types.Credentials, error)
	DeleteCredentials(jobID int64) error

	// Utility
	Close() error
}
