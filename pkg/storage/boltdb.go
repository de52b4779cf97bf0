package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/keelhost/keel/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNetworks  = []byte("networks")
	bucketContainers = []byte("containers")
	bucketVolumes   = []byte("volumes")
	bucketImages    = []byte("images")
)

// BoltStore implements Store using a single bbolt database, one bucket per
// resource kind, keyed by resource id.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a BoltDB-backed store rooted
// at <dataDir>/keel.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "keel.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNetworks, bucketContainers, bucketVolumes, bucketImages} {
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

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Network operations

func (s *BoltStore) CreateNetwork(network *types.NetworkState) error {
	return s.put(bucketNetworks, network.Config.ID, network)
}

func (s *BoltStore) GetNetwork(id string) (*types.NetworkState, error) {
	var n types.NetworkState
	if err := s.get(bucketNetworks, id, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) ListNetworks() ([]*types.NetworkState, error) {
	var out []*types.NetworkState
	err := s.forEach(bucketNetworks, func(v []byte) error {
		var n types.NetworkState
		if err := json.Unmarshal(v, &n); err != nil {
			return err
		}
		out = append(out, &n)
		return nil
	})
	return out, err
}

func (s *BoltStore) UpdateNetwork(network *types.NetworkState) error {
	return s.CreateNetwork(network)
}

func (s *BoltStore) DeleteNetwork(id string) error {
	return s.delete(bucketNetworks, id)
}

// Container operations

func (s *BoltStore) CreateContainer(container *types.Container) error {
	return s.put(bucketContainers, container.ID, container)
}

func (s *BoltStore) GetContainer(id string) (*types.Container, error) {
	var c types.Container
	if err := s.get(bucketContainers, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListContainers() ([]*types.Container, error) {
	var out []*types.Container
	err := s.forEach(bucketContainers, func(v []byte) error {
		var c types.Container
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		out = append(out, &c)
		return nil
	})
	return out, err
}

func (s *BoltStore) UpdateContainer(container *types.Container) error {
	return s.CreateContainer(container)
}

func (s *BoltStore) DeleteContainer(id string) error {
	return s.delete(bucketContainers, id)
}

// Volume operations

func (s *BoltStore) CreateVolume(volume *types.Volume) error {
	return s.put(bucketVolumes, volume.Name, volume)
}

func (s *BoltStore) GetVolume(name string) (*types.Volume, error) {
	var v types.Volume
	if err := s.get(bucketVolumes, name, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *BoltStore) ListVolumes() ([]*types.Volume, error) {
	var out []*types.Volume
	err := s.forEach(bucketVolumes, func(v []byte) error {
		var vol types.Volume
		if err := json.Unmarshal(v, &vol); err != nil {
			return err
		}
		out = append(out, &vol)
		return nil
	})
	return out, err
}

func (s *BoltStore) DeleteVolume(name string) error {
	return s.delete(bucketVolumes, name)
}

// Image operations

func (s *BoltStore) CreateImage(image *types.Image) error {
	return s.put(bucketImages, image.Ref, image)
}

func (s *BoltStore) GetImage(ref string) (*types.Image, error) {
	var img types.Image
	if err := s.get(bucketImages, ref, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *BoltStore) ListImages() ([]*types.Image, error) {
	var out []*types.Image
	err := s.forEach(bucketImages, func(v []byte) error {
		var img types.Image
		if err := json.Unmarshal(v, &img); err != nil {
			return err
		}
		out = append(out, &img)
		return nil
	})
	return out, err
}

func (s *BoltStore) DeleteImage(ref string) error {
	return s.delete(bucketImages, ref)
}

// --- shared helpers ---

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, out any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s not found: %s", bucket, key)
		}
		return json.Unmarshal(data, out)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (s *BoltStore) forEach(bucket []byte, fn func(v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			return fn(v)
		})
	})
}
