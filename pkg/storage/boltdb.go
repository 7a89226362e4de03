package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/nextcloud/app-api-sub001/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDaemonConfigs = []byte("daemon_configs")
	bucketExApps        = []byte("exapps")
	bucketScopes        = []byte("exapp_scopes")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "appapi.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDaemonConfigs,
			bucketExApps,
			bucketScopes,
		}

		for _, bucket := range buckets {
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

func put(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

// Daemon config operations
func (s *BoltStore) CreateDaemonConfig(daemon *types.DaemonConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketDaemonConfigs).Get([]byte(daemon.Name)) != nil {
			return fmt.Errorf("daemon config %s: %w", daemon.Name, ErrAlreadyExists)
		}
		return put(tx, bucketDaemonConfigs, daemon.Name, daemon)
	})
}

func (s *BoltStore) GetDaemonConfig(name string) (*types.DaemonConfig, error) {
	var daemon types.DaemonConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDaemonConfigs).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("daemon config not found: %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &daemon)
	})
	if err != nil {
		return nil, err
	}
	return &daemon, nil
}

func (s *BoltStore) ListDaemonConfigs() ([]*types.DaemonConfig, error) {
	var daemons []*types.DaemonConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDaemonConfigs).ForEach(func(k, v []byte) error {
			var daemon types.DaemonConfig
			if err := json.Unmarshal(v, &daemon); err != nil {
				return err
			}
			daemons = append(daemons, &daemon)
			return nil
		})
	})
	return daemons, err
}

func (s *BoltStore) UpdateDaemonConfig(daemon *types.DaemonConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketDaemonConfigs).Get([]byte(daemon.Name)) == nil {
			return fmt.Errorf("daemon config not found: %s: %w", daemon.Name, ErrNotFound)
		}
		return put(tx, bucketDaemonConfigs, daemon.Name, daemon)
	})
}

func (s *BoltStore) DeleteDaemonConfig(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDaemonConfigs).Delete([]byte(name))
	})
}

// ExApp operations
func (s *BoltStore) CreateExApp(app *types.ExApp) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketExApps).Get([]byte(app.AppID)) != nil {
			return fmt.Errorf("exapp %s: %w", app.AppID, ErrAlreadyExists)
		}
		return put(tx, bucketExApps, app.AppID, app)
	})
}

func (s *BoltStore) GetExApp(appID string) (*types.ExApp, error) {
	var app types.ExApp
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExApps).Get([]byte(appID))
		if data == nil {
			return fmt.Errorf("exapp not found: %s: %w", appID, ErrNotFound)
		}
		return json.Unmarshal(data, &app)
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *BoltStore) ListExApps() ([]*types.ExApp, error) {
	return s.listExApps(func(*types.ExApp) bool { return true })
}

func (s *BoltStore) ListExAppsByDaemon(daemonName string) ([]*types.ExApp, error) {
	return s.listExApps(func(app *types.ExApp) bool {
		return app.DaemonConfigName == daemonName
	})
}

func (s *BoltStore) listExApps(keep func(*types.ExApp) bool) ([]*types.ExApp, error) {
	var apps []*types.ExApp
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExApps).ForEach(func(k, v []byte) error {
			var app types.ExApp
			if err := json.Unmarshal(v, &app); err != nil {
				return err
			}
			if keep(&app) {
				apps = append(apps, &app)
			}
			return nil
		})
	})
	return apps, err
}

func (s *BoltStore) UpdateExApp(app *types.ExApp) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketExApps, app.AppID, app) // upsert
	})
}

func (s *BoltStore) MutateExApp(appID string, fn func(app *types.ExApp) error) (*types.ExApp, error) {
	var app types.ExApp
	err := s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExApps).Get([]byte(appID))
		if data == nil {
			return fmt.Errorf("exapp not found: %s: %w", appID, ErrNotFound)
		}
		if err := json.Unmarshal(data, &app); err != nil {
			return err
		}
		if err := fn(&app); err != nil {
			return err
		}
		return put(tx, bucketExApps, appID, &app)
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *BoltStore) DeleteExApp(appID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketScopes).Delete([]byte(appID)); err != nil {
			return err
		}
		return tx.Bucket(bucketExApps).Delete([]byte(appID))
	})
}

// Scope operations
func (s *BoltStore) SetScopes(appID string, scopes []types.Scope) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketScopes, appID, scopes)
	})
}

func (s *BoltStore) ListScopes(appID string) ([]types.Scope, error) {
	var scopes []types.Scope
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketScopes).Get([]byte(appID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &scopes)
	})
	return scopes, err
}

func (s *BoltStore) DeleteScopes(appID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScopes).Delete([]byte(appID))
	})
}
