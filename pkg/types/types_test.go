package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestComputeTileCount verifies the tile count is the product of the
// per-axis counts with ceiling division.
func TestComputeTileCount(t *testing.T) {
	tests := []struct {
		name     string
		extent   Extent
		tileSize TileSize
		expected int64
	}{
		{
			name:     "exact tile boundaries",
			extent:   Extent{XStart: 0, XStop: 1024, YStart: 0, YStop: 1024, ZStart: 0, ZStop: 16, TStart: 0, TStop: 1},
			tileSize: TileSize{X: 512, Y: 512, Z: 1, T: 1},
			expected: 2 * 2 * 16 * 1,
		},
		{
			name:     "tile job with z size 1",
			extent:   Extent{XStart: 0, XStop: 1024, YStart: 0, YStop: 1024, ZStart: 0, ZStop: 1, TStart: 0, TStop: 1},
			tileSize: TileSize{X: 512, Y: 512, Z: 1, T: 1},
			expected: 4,
		},
		{
			name:     "volumetric chunks",
			extent:   Extent{XStart: 0, XStop: 1024, YStart: 0, YStop: 512, ZStart: 0, ZStop: 64, TStart: 0, TStop: 1},
			tileSize: TileSize{X: 512, Y: 512, Z: 16, T: 1},
			expected: 2 * 1 * 4 * 1,
		},
		{
			name:     "partial tiles round up",
			extent:   Extent{XStart: 0, XStop: 1000, YStart: 0, YStop: 1000, ZStart: 0, ZStop: 1, TStart: 0, TStop: 1},
			tileSize: TileSize{X: 512, Y: 512, Z: 1, T: 1},
			expected: 4,
		},
		{
			name:     "offset extent",
			extent:   Extent{XStart: 100, XStop: 612, YStart: 0, YStop: 512, ZStart: 10, ZStop: 26, TStart: 0, TStop: 3},
			tileSize: TileSize{X: 512, Y: 512, Z: 1, T: 1},
			expected: 1 * 1 * 16 * 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &IngestJob{Extent: tt.extent, TileSize: tt.tileSize}
			assert.Equal(t, tt.expected, job.ComputeTileCount())
		})
	}
}

func TestZChunkSize(t *testing.T) {
	tile := &IngestJob{IngestType: TileIngest, TileSize: TileSize{X: 512, Y: 512, Z: 1, T: 1}}
	assert.Equal(t, CuboidDepth, tile.ZChunkSize())

	vol := &IngestJob{IngestType: VolumetricIngest, TileSize: TileSize{X: 512, Y: 512, Z: 32, T: 1}}
	assert.Equal(t, 32, vol.ZChunkSize())
}

func TestParseIngestType(t *testing.T) {
	tests := []struct {
		in      string
		want    IngestType
		wantErr bool
	}{
		{in: "tile", want: TileIngest},
		{in: "TILE", want: TileIngest},
		{in: "Volumetric", want: VolumetricIngest},
		{in: "volumetric", want: VolumetricIngest},
		{in: "cuboid", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseIngestType(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestKeys(t *testing.T) {
	job := &IngestJob{
		Collection: "col1", Experiment: "exp1", Channel: "chan1",
		CollectionID: 4, ExperimentID: 7, ChannelID: 12,
	}
	assert.Equal(t, "col1&exp1&chan1", job.BossKey())
	assert.Equal(t, "4&7&12", job.LookupKey())
}

func TestStatusTerminal(t *testing.T) {
	terminal := []JobStatus{StatusComplete, StatusDeleted, StatusFailed}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), s.String())
	}
	active := []JobStatus{StatusPreparing, StatusUploading, StatusWaitOnQueues, StatusCompleting}
	for _, s := range active {
		assert.False(t, s.Terminal(), s.String())
	}
}
