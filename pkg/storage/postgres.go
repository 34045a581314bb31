package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/bossdb/bossingest/pkg/types"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS ingest_job (
	id                BIGSERIAL PRIMARY KEY,
	creator           TEXT NOT NULL,
	collection        TEXT NOT NULL,
	experiment        TEXT NOT NULL,
	channel           TEXT NOT NULL,
	collection_id     BIGINT NOT NULL,
	experiment_id     BIGINT NOT NULL,
	channel_id        BIGINT NOT NULL,
	resolution        INT NOT NULL,
	x_start           INT NOT NULL, x_stop INT NOT NULL,
	y_start           INT NOT NULL, y_stop INT NOT NULL,
	z_start           INT NOT NULL, z_stop INT NOT NULL,
	t_start           INT NOT NULL, t_stop INT NOT NULL,
	tile_size_x       INT NOT NULL,
	tile_size_y       INT NOT NULL,
	tile_size_z       INT NOT NULL,
	tile_size_t       INT NOT NULL,
	ingest_type       SMALLINT NOT NULL,
	status            INT NOT NULL DEFAULT 0,
	start_date        TIMESTAMPTZ NOT NULL DEFAULT now(),
	end_date          TIMESTAMPTZ,
	wait_on_queues_ts TIMESTAMPTZ,
	upload_queue      TEXT NOT NULL DEFAULT '',
	ingest_queue      TEXT NOT NULL DEFAULT '',
	step_function_arn TEXT NOT NULL DEFAULT '',
	tile_count        BIGINT NOT NULL DEFAULT 0,
	config_data       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS ingest_job_creator_idx ON ingest_job (creator);

CREATE TABLE IF NOT EXISTS ingest_credentials (
	job_id     BIGINT PRIMARY KEY REFERENCES ingest_job (id),
	access_key TEXT NOT NULL,
	secret_key TEXT NOT NULL,
	session_token TEXT NOT NULL,
	expiration TIMESTAMPTZ NOT NULL,
	policy_arn TEXT NOT NULL
);
`

const jobColumns = `id, creator, collection, experiment, channel,
	collection_id, experiment_id, channel_id, resolution,
	x_start, x_stop, y_start, y_stop, z_start, z_stop, t_start, t_stop,
	tile_size_x, tile_size_y, tile_size_z, tile_size_t,
	ingest_type, status, start_date, end_date, wait_on_queues_ts,
	upload_queue, ingest_queue, step_function_arn, tile_count, config_data`

// PostgresStore implements Store on a relational database. Conditional
// UPDATE row counts provide the compare-and-set the lifecycle state machine
// relies on.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to the database named by dsn and ensures the
// schema exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close closes the database
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateJob(job *types.IngestJob) error {
	row := s.db.QueryRow(`
		INSERT INTO ingest_job (
			creator, collection, experiment, channel,
			collection_id, experiment_id, channel_id, resolution,
			x_start, x_stop, y_start, y_stop, z_start, z_stop, t_start, t_stop,
			tile_size_x, tile_size_y, tile_size_z, tile_size_t,
			ingest_type, status, start_date,
			upload_queue, ingest_queue, step_function_arn, tile_count, config_data
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27, $28
		) RETURNING id`,
		job.Creator, job.Collection, job.Experiment, job.Channel,
		job.CollectionID, job.ExperimentID, job.ChannelID, job.Resolution,
		job.Extent.XStart, job.Extent.XStop, job.Extent.YStart, job.Extent.YStop,
		job.Extent.ZStart, job.Extent.ZStop, job.Extent.TStart, job.Extent.TStop,
		job.TileSize.X, job.TileSize.Y, job.TileSize.Z, job.TileSize.T,
		int(job.IngestType), int(job.Status), job.StartDate,
		job.UploadQueue, job.IngestQueue, job.StepFunctionARN, job.TileCount, job.ConfigData,
	)
	return row.Scan(&job.ID)
}

func (s *PostgresStore) GetJob(id int64) (*types.IngestJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM ingest_job WHERE id = $1`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}
	return job, err
}

func (s *PostgresStore) ListJobs() ([]*types.IngestJob, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM ingest_job ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListJobsByCreator(creator string) ([]*types.IngestJob, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM ingest_job WHERE creator = $1 ORDER BY id`, creator)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *PostgresStore) UpdateJob(job *types.IngestJob) error {
	res, err := s.db.Exec(`
		UPDATE ingest_job SET
			status = $2, end_date = $3, wait_on_queues_ts = $4,
			upload_queue = $5, ingest_queue = $6, step_function_arn = $7,
			tile_count = $8
		WHERE id = $1`,
		job.ID, int(job.Status), job.EndDate, job.WaitOnQueuesTS,
		job.UploadQueue, job.IngestQueue, job.StepFunctionARN, job.TileCount,
	)
	if err != nil {
		return err
	}
	return requireRow(res, job.ID)
}

func (s *PostgresStore) CompareAndSwapStatus(id int64, from, to types.JobStatus, stampWait bool) (bool, error) {
	query := `UPDATE ingest_job SET status = $3 WHERE id = $1 AND status = $2`
	if stampWait {
		query = `UPDATE ingest_job SET status = $3, wait_on_queues_ts = now() WHERE id = $1 AND status = $2`
	}
	res, err := s.db.Exec(query, id, int(from), int(to))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) SwapStatusUnless(id int64, not, to types.JobStatus) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE ingest_job SET status = $3 WHERE id = $1 AND status <> $2`,
		id, int(not), int(to),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) FinishJob(id int64, terminal types.JobStatus, endDate time.Time) error {
	res, err := s.db.Exec(`
		UPDATE ingest_job SET
			status = $2, end_date = $3, upload_queue = '', ingest_queue = ''
		WHERE id = $1`,
		id, int(terminal), endDate,
	)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *PostgresStore) PutCredentials(jobID int64, creds *types.Credentials) error {
	_, err := s.db.Exec(`
		INSERT INTO ingest_credentials (job_id, access_key, secret_key, session_token, expiration, policy_arn)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE SET
			access_key = EXCLUDED.access_key,
			secret_key = EXCLUDED.secret_key,
			session_token = EXCLUDED.session_token,
			expiration = EXCLUDED.expiration,
			policy_arn = EXCLUDED.policy_arn`,
		jobID, creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
		creds.Expiration, creds.PolicyARN,
	)
	return err
}

func (s *PostgresStore) GetCredentials(jobID int64) (*types.Credentials, error) {
	var creds types.Credentials
	row := s.db.QueryRow(`
		SELECT access_key, secret_key, session_token, expiration, policy_arn
		FROM ingest_credentials WHERE job_id = $1`, jobID)
	err := row.Scan(&creds.AccessKeyID, &creds.SecretAccessKey, &creds.SessionToken,
		&creds.Expiration, &creds.PolicyARN)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

func (s *PostgresStore) DeleteCredentials(jobID int64) error {
	_, err := s.db.Exec(`DELETE FROM ingest_credentials WHERE job_id = $1`, jobID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*types.IngestJob, error) {
	var job types.IngestJob
	var ingestType, status int
	var endDate, waitTS sql.NullTime

	err := row.Scan(
		&job.ID, &job.Creator, &job.Collection, &job.Experiment, &job.Channel,
		&job.CollectionID, &job.ExperimentID, &job.ChannelID, &job.Resolution,
		&job.Extent.XStart, &job.Extent.XStop, &job.Extent.YStart, &job.Extent.YStop,
		&job.Extent.ZStart, &job.Extent.ZStop, &job.Extent.TStart, &job.Extent.TStop,
		&job.TileSize.X, &job.TileSize.Y, &job.TileSize.Z, &job.TileSize.T,
		&ingestType, &status, &job.StartDate, &endDate, &waitTS,
		&job.UploadQueue, &job.IngestQueue, &job.StepFunctionARN, &job.TileCount, &job.ConfigData,
	)
	if err != nil {
		return nil, err
	}

	job.IngestType = types.IngestType(ingestType)
	job.Status = types.JobStatus(status)
	if endDate.Valid {
		job.EndDate = &endDate.Time
	}
	if waitTS.Valid {
		job.WaitOnQueuesTS = &waitTS.Time
	}
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*types.IngestJob, error) {
	defer rows.Close()
	var jobs []*types.IngestJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}
	return nil
}
