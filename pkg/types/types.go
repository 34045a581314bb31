package types

import (
	"fmt"
	"strings"
	"time"
)

// KeyConnector joins the parts of boss keys and lookup keys.
const KeyConnector = "&"

// CuboidDepth is the fixed z depth of a Boss cuboid. Tile jobs always
// assemble tiles into cuboids of this depth.
const CuboidDepth = 16

// IngestType selects between the two ingest pipelines.
type IngestType uint8

const (
	TileIngest IngestType = iota
	VolumetricIngest
)

// ParseIngestType converts the config file representation of an ingest
// type. Matching is case-insensitive.
func ParseIngestType(s string) (IngestType, error) {
	switch strings.ToLower(s) {
	case "tile":
		return TileIngest, nil
	case "volumetric":
		return VolumetricIngest, nil
	}
	return TileIngest, fmt.Errorf("unknown ingest_type: %s", s)
}

func (t IngestType) String() string {
	switch t {
	case TileIngest:
		return "tile"
	case VolumetricIngest:
		return "volumetric"
	}
	return fmt.Sprintf("ingest_type(%d)", uint8(t))
}

// JobStatus represents the lifecycle state of an ingest job. The numeric
// values are persisted and must not be reordered.
type JobStatus int

const (
	StatusPreparing    JobStatus = 0
	StatusUploading    JobStatus = 1
	StatusComplete     JobStatus = 2
	StatusDeleted      JobStatus = 3
	StatusFailed       JobStatus = 4
	StatusCompleting   JobStatus = 5
	StatusWaitOnQueues JobStatus = 6
)

func (s JobStatus) String() string {
	switch s {
	case StatusPreparing:
		return "preparing"
	case StatusUploading:
		return "uploading"
	case StatusComplete:
		return "complete"
	case StatusDeleted:
		return "deleted"
	case StatusFailed:
		return "failed"
	case StatusCompleting:
		return "completing"
	case StatusWaitOnQueues:
		return "wait_on_queues"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether the status is one of the end states. Queues and
// credentials for a job must not exist once it is terminal.
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusDeleted || s == StatusFailed
}

// Extent is the half-open voxel range of a job: [XStart,XStop) on each axis.
type Extent struct {
	XStart int `json:"x_start"`
	XStop  int `json:"x_stop"`
	YStart int `json:"y_start"`
	YStop  int `json:"y_stop"`
	ZStart int `json:"z_start"`
	ZStop  int `json:"z_stop"`
	TStart int `json:"t_start"`
	TStop  int `json:"t_stop"`
}

// TileSize is the per-axis task size. For tile jobs Z is always 1 and the
// cuboid depth is fixed at CuboidDepth; for volumetric jobs Z is the chunk
// depth.
type TileSize struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
	T int `json:"t"`
}

// IngestJob is the durable record of one ingest job.
type IngestJob struct {
	ID      int64  `json:"id"`
	Creator string `json:"creator"`

	Collection   string `json:"collection"`
	Experiment   string `json:"experiment"`
	Channel      string `json:"channel"`
	CollectionID int64  `json:"collection_id"`
	ExperimentID int64  `json:"experiment_id"`
	ChannelID    int64  `json:"channel_id"`

	Resolution int        `json:"resolution"`
	Extent     Extent     `json:"extent"`
	TileSize   TileSize   `json:"tile_size"`
	IngestType IngestType `json:"ingest_type"`

	Status         JobStatus  `json:"status"`
	StartDate      time.Time  `json:"start_date"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	WaitOnQueuesTS *time.Time `json:"wait_on_queues_ts,omitempty"`

	UploadQueue     string `json:"upload_queue,omitempty"`
	IngestQueue     string `json:"ingest_queue,omitempty"`
	StepFunctionARN string `json:"step_function_arn,omitempty"`

	TileCount int64 `json:"tile_count"`

	// ConfigData is the validated ingest configuration stored verbatim
	// for audit.
	ConfigData string `json:"config_data,omitempty"`
}

// ZChunkSize returns the z depth of a chunk for this job.
func (j *IngestJob) ZChunkSize() int {
	if j.IngestType == VolumetricIngest {
		return j.TileSize.Z
	}
	return CuboidDepth
}

// ComputeTileCount returns the number of upload tasks the job spans: the
// product of the per-axis tile counts, each rounded up.
func (j *IngestJob) ComputeTileCount() int64 {
	e := j.Extent
	ts := j.TileSize
	nx := ceilDiv(e.XStop-e.XStart, ts.X)
	ny := ceilDiv(e.YStop-e.YStart, ts.Y)
	nz := ceilDiv(e.ZStop-e.ZStart, ts.Z)
	nt := ceilDiv(e.TStop-e.TStart, ts.T)
	return int64(nx) * int64(ny) * int64(nz) * int64(nt)
}

// BossKey returns the human-readable resource identifier of the job's
// target channel.
func (j *IngestJob) BossKey() string {
	return BossKey(j.Collection, j.Experiment, j.Channel)
}

// LookupKey returns the machine identifier of the job's target channel.
func (j *IngestJob) LookupKey() string {
	return LookupKey(j.CollectionID, j.ExperimentID, j.ChannelID)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// BossKey joins resource names into a boss key.
func BossKey(collection, experiment, channel string) string {
	return strings.Join([]string{collection, experiment, channel}, KeyConnector)
}

// LookupKey joins resource ids into a lookup key.
func LookupKey(collectionID, experimentID, channelID int64) string {
	return fmt.Sprintf("%d%s%d%s%d", collectionID, KeyConnector, experimentID, KeyConnector, channelID)
}

// ChannelType values.
const (
	ChannelTypeImage      = "image"
	ChannelTypeAnnotation = "annotation"
)

// Channel datatypes.
const (
	DatatypeUint8  = "uint8"
	DatatypeUint16 = "uint16"
	DatatypeUint64 = "uint64"
)

// Hierarchy methods.
const (
	HierarchyAnisotropic = "anisotropic"
	HierarchyIsotropic   = "isotropic"
)

// Collection is a top-level resource grouping.
type Collection struct {
	ID   int64
	Name string
}

// CoordinateFrame bounds an experiment's voxel space.
type CoordinateFrame struct {
	XStart, XStop int
	YStart, YStop int
	ZStart, ZStop int

	XVoxelSize float64
	YVoxelSize float64
	ZVoxelSize float64
	VoxelUnit  string
}

// Experiment is a resource within a collection, carrying the coordinate
// frame and resolution hierarchy parameters.
type Experiment struct {
	ID                 int64
	Name               string
	CollectionID       int64
	NumHierarchyLevels int
	HierarchyMethod    string
	MaxTimeSample      int
	CoordFrame         CoordinateFrame
}

// Channel is the ingest target inside an experiment. Annotation channels
// may have an empty Sources list.
type Channel struct {
	ID                int64
	Name              string
	ExperimentID      int64
	Type              string
	Datatype          string
	BaseResolution    int
	DefaultTimeSample int
	Sources           []string
	Related           []string
}

// Resource is the compact descriptor handed to the ingest lambdas. It
// carries just enough of the channel, experiment, and coordinate frame to
// reconstitute a Boss resource without a database round trip.
type Resource struct {
	BossKey    string             `json:"boss_key"`
	LookupKey  string             `json:"lookup_key"`
	Channel    ResourceChannel    `json:"channel"`
	Experiment ResourceExperiment `json:"experiment"`
	CoordFrame ResourceCoordFrame `json:"coord_frame"`
}

// ResourceChannel is the channel slice of a Resource.
type ResourceChannel struct {
	Type           string `json:"type"`
	Datatype       string `json:"datatype"`
	BaseResolution int    `json:"base_resolution"`
}

// ResourceExperiment is the experiment slice of a Resource.
type ResourceExperiment struct {
	NumHierarchyLevels int    `json:"num_hierarchy_levels"`
	HierarchyMethod    string `json:"hierarchy_method"`
}

// ResourceCoordFrame is the coordinate frame slice of a Resource.
type ResourceCoordFrame struct {
	XVoxelSize float64 `json:"x_voxel_size"`
	YVoxelSize float64 `json:"y_voxel_size"`
	ZVoxelSize float64 `json:"z_voxel_size"`
}

// Credentials are the scoped upload credentials minted for one job.
type Credentials struct {
	AccessKeyID     string    `json:"access_key"`
	SecretAccessKey string    `json:"secret_key"`
	SessionToken    string    `json:"session_token"`
	Expiration      time.Time `json:"expiration"`
	PolicyARN       string    `json:"policy_arn,omitempty"`
}
