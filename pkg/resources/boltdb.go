package resources

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/bossdb/bossingest/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketCollections = []byte("collections")
	bucketExperiments = []byte("experiments")
	bucketChannels    = []byte("channels")
)

// BoltCatalog implements Catalog on a local BoltDB replica of the resource
// tables. The replica is written by the sync from the resource service;
// this package only needs the read and seed paths.
type BoltCatalog struct {
	db *bolt.DB
}

// NewBoltCatalog opens (creating if needed) the resource replica in dataDir.
func NewBoltCatalog(dataDir string) (*BoltCatalog, error) {
	dbPath := filepath.Join(dataDir, "resources.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open resource database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCollections, bucketExperiments, bucketChannels} {
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

	return &BoltCatalog{db: db}, nil
}

// Close closes the database
func (c *BoltCatalog) Close() error {
	return c.db.Close()
}

func (c *BoltCatalog) GetCollection(name string) (*types.Collection, error) {
	var col types.Collection
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCollections).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("collection %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &col)
	})
	if err != nil {
		return nil, err
	}
	return &col, nil
}

func (c *BoltCatalog) GetExperiment(collection, name string) (*types.Experiment, error) {
	var exp types.Experiment
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExperiments).Get(scopedKey(collection, name))
		if data == nil {
			return fmt.Errorf("experiment %s/%s: %w", collection, name, ErrNotFound)
		}
		return json.Unmarshal(data, &exp)
	})
	if err != nil {
		return nil, err
	}
	return &exp, nil
}

func (c *BoltCatalog) GetChannel(collection, experiment, name string) (*types.Channel, error) {
	var ch types.Channel
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketChannels).Get(scopedKey(collection, experiment, name))
		if data == nil {
			return fmt.Errorf("channel %s/%s/%s: %w", collection, experiment, name, ErrNotFound)
		}
		return json.Unmarshal(data, &ch)
	})
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// PutCollection upserts a collection row. Used by the resource sync and by
// tests.
func (c *BoltCatalog) PutCollection(col *types.Collection) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(col)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCollections).Put([]byte(col.Name), data)
	})
}

// PutExperiment upserts an experiment row under its collection.
func (c *BoltCatalog) PutExperiment(collection string, exp *types.Experiment) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(exp)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketExperiments).Put(scopedKey(collection, exp.Name), data)
	})
}

// PutChannel upserts a channel row under its experiment.
func (c *BoltCatalog) PutChannel(collection, experiment string, ch *types.Channel) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ch)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketChannels).Put(scopedKey(collection, experiment, ch.Name), data)
	})
}

// scopedKey builds a bucket key from resource name path segments. Names
// cannot contain '/', so the join is unambiguous.
func scopedKey(parts ...string) []byte {
	key := parts[0]
	for _, p := range parts[1:] {
		key += "/" + p
	}
	return []byte(key)
}
