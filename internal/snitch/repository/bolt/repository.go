package bolt

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/quorumdb/cluster/internal/models"
)

var preferredBucket = []byte("preferred_ip")

// Repository persists the preferred-address map so reconnect decisions
// survive a restart. It is the only stable storage the membership core
// touches.
type Repository struct {
	db *bolt.DB
}

func NewRepository(path string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open preferred-address store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(preferredBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Put(public, preferred models.Endpoint) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(preferredBucket).Put([]byte(public.String()), []byte(preferred.String()))
	})
	if err != nil {
		return fmt.Errorf("failed to save preferred address for %s: %w", public, err)
	}
	return nil
}

func (r *Repository) Get(public models.Endpoint) (models.Endpoint, bool, error) {
	var preferred models.Endpoint
	found := false
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(preferredBucket).Get([]byte(public.String()))
		if raw == nil {
			return nil
		}
		ep, err := models.ParseEndpoint(string(raw))
		if err != nil {
			return err
		}
		preferred = ep
		found = true
		return nil
	})
	if err != nil {
		return models.Endpoint{}, false, fmt.Errorf("failed to read preferred address for %s: %w", public, err)
	}
	return preferred, found, nil
}

func (r *Repository) All() (map[models.Endpoint]models.Endpoint, error) {
	out := make(map[models.Endpoint]models.Endpoint)
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(preferredBucket).ForEach(func(k, v []byte) error {
			public, err := models.ParseEndpoint(string(k))
			if err != nil {
				return err
			}
			preferred, err := models.ParseEndpoint(string(v))
			if err != nil {
				return err
			}
			out[public] = preferred
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan preferred addresses: %w", err)
	}
	return out, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}
