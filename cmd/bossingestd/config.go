package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration file.
type Config struct {
	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	API struct {
		Addr         string        `yaml:"addr"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"api"`

	Store struct {
		// Driver is "bolt" or "postgres".
		Driver  string `yaml:"driver"`
		DataDir string `yaml:"data_dir"`
		DSN     string `yaml:"dsn"`
	} `yaml:"store"`

	AWS struct {
		Region string `yaml:"region"`
	} `yaml:"aws"`

	Queues struct {
		TileUploadedFunction string `yaml:"tile_uploaded_function"`
		TileIngestFunction   string `yaml:"tile_ingest_function"`
	} `yaml:"queues"`

	StepFunctions struct {
		PopulateARN         string `yaml:"populate_arn"`
		CompleteARN         string `yaml:"complete_arn"`
		UploadSFN           string `yaml:"upload_sfn"`
		VolumetricUploadSFN string `yaml:"volumetric_upload_sfn"`
	} `yaml:"step_functions"`

	Ingest struct {
		TileBucket        string `yaml:"tile_bucket"`
		IngestBucket      string `yaml:"ingest_bucket"`
		TileIndexTable    string `yaml:"tile_index_table"`
		IngestLambda      string `yaml:"ingest_lambda"`
		WaitForQueuesSecs int    `yaml:"wait_for_queues_secs"`
	} `yaml:"ingest"`

	Credentials struct {
		DurationSecs int32 `yaml:"duration_secs"`
	} `yaml:"credentials"`
}

// LoadConfig reads and validates the daemon configuration.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	cfg.Log.Level = "info"
	cfg.Log.JSON = true
	cfg.API.Addr = ":8080"
	cfg.Store.Driver = "bolt"
	cfg.Store.DataDir = "/var/lib/bossingest"

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.AWS.Region == "" {
		return nil, fmt.Errorf("aws.region is required")
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required for the postgres driver")
	}
	if cfg.Store.Driver != "bolt" && cfg.Store.Driver != "postgres" {
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	return cfg, nil
}
