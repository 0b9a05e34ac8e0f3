package liveness

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/pkg/types"
)

type fakeStore struct {
	builds        []*types.Build
	workers       []*types.Worker
	reapedBuilds  []string
	reapedWorkers []string
}

func (f *fakeStore) ListActiveBuilds() ([]*types.Build, error) { return f.builds, nil }
func (f *fakeStore) ListWorkers() ([]*types.Worker, error)      { return f.workers, nil }

func (f *fakeStore) ReapStuckBuild(buildID string) (*types.Build, error) {
	f.reapedBuilds = append(f.reapedBuilds, buildID)
	for _, b := range f.builds {
		if b.ID == buildID {
			b.Status = types.BuildStatusFailed
		}
	}
	return nil, nil
}

func (f *fakeStore) ReapOfflineWorker(workerID string) (*types.Worker, int, error) {
	f.reapedWorkers = append(f.reapedWorkers, workerID)
	for _, w := range f.workers {
		if w.ID == workerID {
			w.Status = types.WorkerStatusOffline
		}
	}
	return nil, 1, nil
}

func newTestSupervisor(cfg Config, fs *fakeStore) *Supervisor {
	return &Supervisor{cfg: cfg, ctl: fs, logger: zerolog.Nop(), stopCh: make(chan struct{})}
}

func TestScanReapsStuckBuildPastHeartbeatTimeout(t *testing.T) {
	staleHeartbeat := time.Now().UTC().Add(-10 * time.Minute)
	fs := &fakeStore{
		builds: []*types.Build{
			{ID: "b1", Status: types.BuildStatusBuilding, LastHeartbeatAt: &staleHeartbeat},
		},
	}
	s := newTestSupervisor(Config{BuildHeartbeatTimeout: 5 * time.Minute, WorkerOfflineTimeout: 5 * time.Minute}, fs)

	s.scan()

	require.Len(t, fs.reapedBuilds, 1)
	assert.Equal(t, "b1", fs.reapedBuilds[0])
}

func TestScanSkipsBuildWithRecentHeartbeat(t *testing.T) {
	recent := time.Now().UTC().Add(-10 * time.Second)
	fs := &fakeStore{
		builds: []*types.Build{
			{ID: "b1", Status: types.BuildStatusBuilding, LastHeartbeatAt: &recent},
		},
	}
	s := newTestSupervisor(Config{BuildHeartbeatTimeout: 5 * time.Minute, WorkerOfflineTimeout: 5 * time.Minute}, fs)

	s.scan()

	assert.Empty(t, fs.reapedBuilds)
}

func TestScanReapsStuckBuildWithNoHeartbeatPastAssignedTimeout(t *testing.T) {
	staleAssigned := time.Now().UTC().Add(-10 * time.Minute)
	fs := &fakeStore{
		builds: []*types.Build{
			{ID: "b1", Status: types.BuildStatusAssigned, AssignedAt: &staleAssigned},
		},
	}
	s := newTestSupervisor(Config{BuildHeartbeatTimeout: 5 * time.Minute, WorkerOfflineTimeout: 5 * time.Minute}, fs)

	s.scan()

	require.Len(t, fs.reapedBuilds, 1)
}

func TestScanMarksWorkerOfflinePastSeenTimeout(t *testing.T) {
	staleSeen := time.Now().UTC().Add(-10 * time.Minute)
	fs := &fakeStore{
		workers: []*types.Worker{
			{ID: "w1", Status: types.WorkerStatusIdle, LastSeenAt: staleSeen},
		},
	}
	s := newTestSupervisor(Config{BuildHeartbeatTimeout: 5 * time.Minute, WorkerOfflineTimeout: 5 * time.Minute}, fs)

	s.scan()

	require.Len(t, fs.reapedWorkers, 1)
	assert.Equal(t, "w1", fs.reapedWorkers[0])
}

func TestScanSkipsAlreadyOfflineWorker(t *testing.T) {
	staleSeen := time.Now().UTC().Add(-10 * time.Minute)
	fs := &fakeStore{
		workers: []*types.Worker{
			{ID: "w1", Status: types.WorkerStatusOffline, LastSeenAt: staleSeen},
		},
	}
	s := newTestSupervisor(Config{BuildHeartbeatTimeout: 5 * time.Minute, WorkerOfflineTimeout: 5 * time.Minute}, fs)

	s.scan()

	assert.Empty(t, fs.reapedWorkers)
}
