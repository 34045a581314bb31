package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/bossdb/bossingest/pkg/bosserr"
	"github.com/bossdb/bossingest/pkg/resources"
	"github.com/bossdb/bossingest/pkg/types"
)

// Config is the client-supplied ingest configuration. Unknown fields are
// tolerated; the upload client embeds its own sections in the same file.
type Config struct {
	Database struct {
		Collection string `json:"collection"`
		Experiment string `json:"experiment"`
		Channel    string `json:"channel"`
	} `json:"database"`

	IngestJob struct {
		IngestType string         `json:"ingest_type"`
		Resolution *int           `json:"resolution"`
		Extent     map[string][]int `json:"extent"`
		TileSize   *AxisSizes     `json:"tile_size"`
		ChunkSize  *AxisSizes     `json:"chunk_size"`
	} `json:"ingest_job"`
}

// AxisSizes holds per-axis sizes from tile_size or chunk_size sections.
type AxisSizes struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
	T int `json:"t"`
}

// JobDraft is a validated, typed job specification ready for persistence.
type JobDraft struct {
	Collection *types.Collection
	Experiment *types.Experiment
	Channel    *types.Channel

	Resolution int
	Extent     types.Extent
	TileSize   types.TileSize
	IngestType types.IngestType

	// ConfigData is the original configuration, stored verbatim.
	ConfigData string
}

// Validate parses raw config bytes, checks them against the schema and the
// referenced resources, and produces a JobDraft.
func Validate(catalog resources.Catalog, raw []byte) (*JobDraft, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, bosserr.Wrap(bosserr.CodeUnableToValidate, "schema validation failed", err)
	}

	if cfg.Database.Collection == "" || cfg.Database.Experiment == "" || cfg.Database.Channel == "" {
		return nil, bosserr.New(bosserr.CodeUnableToValidate,
			"database.collection, database.experiment, and database.channel are required")
	}

	extent, err := parseExtent(cfg.IngestJob.Extent)
	if err != nil {
		return nil, err
	}

	ingestType := types.TileIngest
	if cfg.IngestJob.IngestType != "" {
		ingestType, err = types.ParseIngestType(cfg.IngestJob.IngestType)
		if err != nil {
			return nil, bosserr.Wrap(bosserr.CodeUnableToValidate, "invalid ingest_type", err)
		}
	}

	tileSize, err := parseSizes(ingestType, cfg.IngestJob.TileSize, cfg.IngestJob.ChunkSize)
	if err != nil {
		return nil, err
	}

	collection, experiment, channel, err := resolveResources(catalog, &cfg)
	if err != nil {
		return nil, err
	}

	resolution := channel.BaseResolution
	if cfg.IngestJob.Resolution != nil {
		resolution = *cfg.IngestJob.Resolution
	}
	if resolution < 0 || resolution >= experiment.NumHierarchyLevels {
		return nil, bosserr.Newf(bosserr.CodeUnableToValidate,
			"resolution %d outside experiment hierarchy [0, %d)", resolution, experiment.NumHierarchyLevels)
	}

	if err := checkFrameBounds(extent, experiment); err != nil {
		return nil, err
	}

	// Re-marshal the parsed document so the audit copy is exactly what
	// validation saw.
	audit, err := canonicalize(raw)
	if err != nil {
		return nil, bosserr.Wrap(bosserr.CodeSerializationError, "failed to serialize config for audit", err)
	}

	return &JobDraft{
		Collection: collection,
		Experiment: experiment,
		Channel:    channel,
		Resolution: resolution,
		Extent:     extent,
		TileSize:   tileSize,
		IngestType: ingestType,
		ConfigData: audit,
	}, nil
}

func parseExtent(raw map[string][]int) (types.Extent, error) {
	var e types.Extent
	axes := []struct {
		name  string
		start *int
		stop  *int
	}{
		{"x", &e.XStart, &e.XStop},
		{"y", &e.YStart, &e.YStop},
		{"z", &e.ZStart, &e.ZStop},
		{"t", &e.TStart, &e.TStop},
	}

	for _, axis := range axes {
		r, ok := raw[axis.name]
		if !ok || len(r) != 2 {
			return e, bosserr.Newf(bosserr.CodeUnableToValidate,
				"ingest_job.extent.%s must be a [start, stop] pair", axis.name)
		}
		*axis.start = r[0]
		*axis.stop = r[1]
		if r[0] >= r[1] {
			return e, bosserr.Newf(bosserr.CodeUnableToValidate,
				"ingest_job.extent.%s: start %d must be less than stop %d", axis.name, r[0], r[1])
		}
	}
	return e, nil
}

func parseSizes(ingestType types.IngestType, tileSize, chunkSize *AxisSizes) (types.TileSize, error) {
	switch ingestType {
	case types.TileIngest:
		if tileSize == nil {
			return types.TileSize{}, bosserr.New(bosserr.CodeUnableToValidate,
				"ingest_job.tile_size is required for tile ingests")
		}
		if tileSize.X <= 0 || tileSize.Y <= 0 {
			return types.TileSize{}, bosserr.Newf(bosserr.CodeUnableToValidate,
				"ingest_job.tile_size.x and .y must be positive, got %d x %d", tileSize.X, tileSize.Y)
		}
		t := tileSize.T
		if t <= 0 {
			t = 1
		}
		// Tiles are single z slices no matter what the config says.
		return types.TileSize{X: tileSize.X, Y: tileSize.Y, Z: 1, T: t}, nil

	case types.VolumetricIngest:
		if chunkSize == nil {
			return types.TileSize{}, bosserr.New(bosserr.CodeUnableToValidate,
				"ingest_job.chunk_size is required for volumetric ingests")
		}
		if chunkSize.X <= 0 || chunkSize.Y <= 0 || chunkSize.Z <= 0 {
			return types.TileSize{}, bosserr.Newf(bosserr.CodeUnableToValidate,
				"ingest_job.chunk_size dimensions must be positive, got %d x %d x %d",
				chunkSize.X, chunkSize.Y, chunkSize.Z)
		}
		return types.TileSize{X: chunkSize.X, Y: chunkSize.Y, Z: chunkSize.Z, T: 1}, nil
	}

	return types.TileSize{}, bosserr.Newf(bosserr.CodeUnableToValidate, "invalid ingest_type: %v", ingestType)
}

func resolveResources(catalog resources.Catalog, cfg *Config) (*types.Collection, *types.Experiment, *types.Channel, error) {
	collection, err := catalog.GetCollection(cfg.Database.Collection)
	if err != nil {
		return nil, nil, nil, bosserr.Wrap(bosserr.CodeResourceNotFound,
			fmt.Sprintf("collection %s not found", cfg.Database.Collection), err)
	}
	experiment, err := catalog.GetExperiment(cfg.Database.Collection, cfg.Database.Experiment)
	if err != nil {
		return nil, nil, nil, bosserr.Wrap(bosserr.CodeResourceNotFound,
			fmt.Sprintf("experiment %s not found", cfg.Database.Experiment), err)
	}
	channel, err := catalog.GetChannel(cfg.Database.Collection, cfg.Database.Experiment, cfg.Database.Channel)
	if err != nil {
		return nil, nil, nil, bosserr.Wrap(bosserr.CodeResourceNotFound,
			fmt.Sprintf("channel %s not found", cfg.Database.Channel), err)
	}
	return collection, experiment, channel, nil
}

func checkFrameBounds(e types.Extent, exp *types.Experiment) error {
	frame := exp.CoordFrame
	if e.XStart < frame.XStart || e.XStop > frame.XStop {
		return bosserr.Newf(bosserr.CodeUnableToValidate,
			"extent x [%d, %d) outside coordinate frame [%d, %d)", e.XStart, e.XStop, frame.XStart, frame.XStop)
	}
	if e.YStart < frame.YStart || e.YStop > frame.YStop {
		return bosserr.Newf(bosserr.CodeUnableToValidate,
			"extent y [%d, %d) outside coordinate frame [%d, %d)", e.YStart, e.YStop, frame.YStart, frame.YStop)
	}
	if e.ZStart < frame.ZStart || e.ZStop > frame.ZStop {
		return bosserr.Newf(bosserr.CodeUnableToValidate,
			"extent z [%d, %d) outside coordinate frame [%d, %d)", e.ZStart, e.ZStop, frame.ZStart, frame.ZStop)
	}
	if e.TStart < 0 || e.TStop > exp.MaxTimeSample+1 {
		return bosserr.Newf(bosserr.CodeUnableToValidate,
			"extent t [%d, %d) outside experiment time samples [0, %d]", e.TStart, e.TStop, exp.MaxTimeSample)
	}
	return nil
}

func canonicalize(raw []byte) (string, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
