package resources

import (
	"errors"

	"github.com/bossdb/bossingest/pkg/types"
)

// ErrNotFound is returned when a referenced resource does not exist.
var ErrNotFound = errors.New("resource not found")

// Catalog supplies validated resource rows. Resource CRUD lives in the
// external resource service; the ingest control plane only reads.
type Catalog interface {
	GetCollection(name string) (*types.Collection, error)
	GetExperiment(collection, name string) (*types.Experiment, error)
	GetChannel(collection, experiment, name string) (*types.Channel, error)
	Close() error
}
