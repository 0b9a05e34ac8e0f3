package storage

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/cuemby/warren/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketBuilds           = []byte("builds")
	bucketWorkers          = []byte("workers")
	bucketBuildLogs        = []byte("build_logs")
	bucketTelemetrySamples = []byte("telemetry_samples")
)

// BoltStore implements Store using an embedded BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the controller's BoltDB file
// under dataDir and ensures all buckets exist.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "controller.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBuilds, bucketWorkers, bucketBuildLogs, bucketTelemetrySamples} {
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

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Builds

func (s *BoltStore) CreateBuild(build *types.Build) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(build)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBuilds).Put([]byte(build.ID), data)
	})
}

func (s *BoltStore) GetBuild(id string) (*types.Build, error) {
	var build types.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBuilds).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("build not found: %s", id)
		}
		return json.Unmarshal(data, &build)
	})
	if err != nil {
		return nil, err
	}
	return &build, nil
}

func (s *BoltStore) ListBuilds() ([]*types.Build, error) {
	var builds []*types.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBuilds).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var build types.Build
			if err := json.Unmarshal(v, &build); err != nil {
				return err
			}
			builds = append(builds, &build)
		}
		return nil
	})
	return builds, err
}

func (s *BoltStore) ListPendingBuildsByAge() ([]*types.Build, error) {
	all, err := s.ListBuilds()
	if err != nil {
		return nil, err
	}
	var pending []*types.Build
	for _, b := range all {
		if b.Status == types.BuildStatusPending {
			pending = append(pending, b)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].SubmittedAt.Equal(pending[j].SubmittedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].SubmittedAt.Before(pending[j].SubmittedAt)
	})
	return pending, nil
}

func (s *BoltStore) ListBuildsByWorker(workerID string) ([]*types.Build, error) {
	all, err := s.ListBuilds()
	if err != nil {
		return nil, err
	}
	var owned []*types.Build
	for _, b := range all {
		if b.WorkerID == workerID {
			owned = append(owned, b)
		}
	}
	return owned, nil
}

func (s *BoltStore) ListActiveBuilds() ([]*types.Build, error) {
	all, err := s.ListBuilds()
	if err != nil {
		return nil, err
	}
	var active []*types.Build
	for _, b := range all {
		if b.IsActive() {
			active = append(active, b)
		}
	}
	return active, nil
}

func (s *BoltStore) UpdateBuild(build *types.Build) error {
	return s.CreateBuild(build)
}

func (s *BoltStore) DeleteBuild(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBuilds).Delete([]byte(id))
	})
}

// Workers

func (s *BoltStore) CreateWorker(worker *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWorkers).Put([]byte(worker.ID), data)
	})
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var worker types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("worker not found: %s", id)
		}
		return json.Unmarshal(data, &worker)
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

func (s *BoltStore) GetWorkerByAccessToken(token string) (*types.Worker, error) {
	var found *types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketWorkers).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			if subtle.ConstantTimeCompare([]byte(worker.AccessToken), []byte(token)) == 1 {
				found = &worker
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("worker not found: token")
	}
	return found, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketWorkers).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
		}
		return nil
	})
	return workers, err
}

func (s *BoltStore) UpdateWorker(worker *types.Worker) error {
	return s.CreateWorker(worker)
}

func (s *BoltStore) DeleteWorker(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete([]byte(id))
	})
}

// Build logs — keyed by buildID + monotonically increasing sequence so
// a cursor range scan over the prefix returns them in append order.

func (s *BoltStore) AppendBuildLog(entry *types.BuildLog) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuildLogs)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s/%020d", entry.BuildID, seq)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) ListBuildLogs(buildID string) ([]*types.BuildLog, error) {
	var logs []*types.BuildLog
	prefix := []byte(buildID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBuildLogs).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var entry types.BuildLog
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			logs = append(logs, &entry)
		}
		return nil
	})
	return logs, err
}

// Telemetry samples — same keying scheme as build logs.

func (s *BoltStore) AppendTelemetrySample(sample *types.TelemetrySample) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTelemetrySamples)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s/%020d", sample.BuildID, seq)
		data, err := json.Marshal(sample)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) ListTelemetrySamples(buildID string) ([]*types.TelemetrySample, error) {
	var samples []*types.TelemetrySample
	prefix := []byte(buildID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTelemetrySamples).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var sample types.TelemetrySample
			if err := json.Unmarshal(v, &sample); err != nil {
				return err
			}
			samples = append(samples, &sample)
		}
		return nil
	})
	return samples, err
}
