package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bossdb/bossingest/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketJobs        = []byte("ingest_jobs")
	bucketCredentials = []byte("ingest_credentials")
)

// BoltStore implements Store using BoltDB. It backs single-binary
// deployments and the test suite; conditional swaps run inside one write
// transaction, which BoltDB serializes.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "bossingest.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketCredentials} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateJob(job *types.IngestJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		job.ID = int64(seq)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put(jobKey(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id int64) (*types.IngestJob, error) {
	var job types.IngestJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJob(tx, id, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs() ([]*types.IngestJob, error) {
	return s.listJobs(func(*types.IngestJob) bool { return true })
}

func (s *BoltStore) ListJobsByCreator(creator string) ([]*types.IngestJob, error) {
	return s.listJobs(func(j *types.IngestJob) bool { return j.Creator == creator })
}

func (s *BoltStore) listJobs(keep func(*types.IngestJob) bool) ([]*types.IngestJob, error) {
	var jobs []*types.IngestJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.IngestJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if keep(&job) {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) UpdateJob(job *types.IngestJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get(jobKey(job.ID)) == nil {
			return fmt.Errorf("job %d: %w", job.ID, ErrJobNotFound)
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put(jobKey(job.ID), data)
	})
}

func (s *BoltStore) CompareAndSwapStatus(id int64, from, to types.JobStatus, stampWait bool) (bool, error) {
	swapped := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		var job types.IngestJob
		if err := getJob(tx, id, &job); err != nil {
			return err
		}
		if job.Status != from {
			return nil
		}
		job.Status = to
		if stampWait {
			now := time.Now().UTC()
			job.WaitOnQueuesTS = &now
		}
		data, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketJobs).Put(jobKey(id), data); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func (s *BoltStore) SwapStatusUnless(id int64, not, to types.JobStatus) (bool, error) {
	swapped := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		var job types.IngestJob
		if err := getJob(tx, id, &job); err != nil {
			return err
		}
		if job.Status == not {
			return nil
		}
		job.Status = to
		data, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketJobs).Put(jobKey(id), data); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func (s *BoltStore) FinishJob(id int64, terminal types.JobStatus, endDate time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var job types.IngestJob
		if err := getJob(tx, id, &job); err != nil {
			return err
		}
		job.Status = terminal
		job.UploadQueue = ""
		job.IngestQueue = ""
		job.EndDate = &endDate
		data, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put(jobKey(id), data)
	})
}

func (s *BoltStore) PutCredentials(jobID int64, creds *types.Credentials) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(creds)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCredentials).Put(jobKey(jobID), data)
	})
}

func (s *BoltStore) GetCredentials(jobID int64) (*types.Credentials, error) {
	var creds *types.Credentials
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCredentials).Get(jobKey(jobID))
		if data == nil {
			return nil
		}
		creds = &types.Credentials{}
		return json.Unmarshal(data, creds)
	})
	return creds, err
}

func (s *BoltStore) DeleteCredentials(jobID int64) error {
	// Idempotent: deleting absent credentials is not an error.
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete(jobKey(jobID))
	})
}

func getJob(tx *bolt.Tx, id int64, job *types.IngestJob) error {
	data := tx.Bucket(bucketJobs).Get(jobKey(id))
	if data == nil {
		return fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}
	return json.Unmarshal(data, job)
}

// jobKey encodes ids big-endian so bucket iteration returns jobs in
// creation order.
func jobKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}
