package controller

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/pkg/blobstore"
	"github.com/cuemby/warren/pkg/ctlerr"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
)

// newTestController bootstraps a single-node controller backed by a
// temp-dir BoltStore and blob store. Mirrors the teacher's
// scheduler_test.go pattern: bind 127.0.0.1:0, bootstrap, wait for
// leadership.
func newTestController(t *testing.T) *Controller {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping raft-backed integration test in short mode")
	}

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	blobs, err := blobstore.New(t.TempDir())
	require.NoError(t, err)

	c := New(Config{
		NodeID:            "test-node",
		BindAddr:          "127.0.0.1:0",
		DataDir:           t.TempDir(),
		WorkerTokenTTL:    90 * time.Second,
		BuildSubmitterTTL: 24 * time.Hour,
		OTPTTL:            30 * time.Second,
		VMTokenTTL:        2 * time.Hour,
	}, store, blobs, nil, zerolog.Nop())

	require.NoError(t, c.Bootstrap())
	t.Cleanup(func() { _ = c.Shutdown() })

	for i := 0; i < 50; i++ {
		if c.IsLeader() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.True(t, c.IsLeader(), "controller did not become leader")

	return c
}

// submitTestBuild allocates a build id and submits it, mirroring the
// allocate-then-submit sequence the HTTP layer performs around C1.
func submitTestBuild(t *testing.T, c *Controller, sourcePath string) *types.Build {
	t.Helper()
	id, err := NewBuildID()
	require.NoError(t, err)
	b, err := c.SubmitBuild(id, "ios", sourcePath, "")
	require.NoError(t, err)
	return b
}

func TestDispatchFIFOOrder(t *testing.T) {
	c := newTestController(t)

	var ids []string
	for i := 0; i < 3; i++ {
		b := submitTestBuild(t, c, "builds/x/source")
		ids = append(ids, b.ID)
		time.Sleep(10 * time.Millisecond) // force distinct submitted_at
	}

	_, err := c.RegisterWorker("worker-1", "w1", nil, 0)
	require.NoError(t, err)

	var got []string
	for range ids {
		_, b, err := c.Poll("worker-1")
		require.NoError(t, err)
		require.NotNil(t, b)
		got = append(got, b.ID)
		_, err = c.CompleteBuild(b.ID, "builds/"+b.ID+"/result")
		require.NoError(t, err)
	}

	assert.Equal(t, ids, got)
}

// TestNoDoubleAssignment checks testable property 1 (a pending build is
// handed to exactly one worker) across 100 trials of 10 concurrent pollers
// each, per the spec's own quantification of this property.
func TestNoDoubleAssignment(t *testing.T) {
	c := newTestController(t)

	const trials = 100
	const concurrentWorkers = 10

	workers := make([]string, concurrentWorkers)
	for i := 0; i < concurrentWorkers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		_, err := c.RegisterWorker(workerID, workerID, nil, 0)
		require.NoError(t, err)
		workers[i] = workerID
	}

	for trial := 0; trial < trials; trial++ {
		b := submitTestBuild(t, c, fmt.Sprintf("builds/trial-%d/source", trial))

		var wg sync.WaitGroup
		results := make([]*types.Build, concurrentWorkers)
		for i := 0; i < concurrentWorkers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, got, err := c.Poll(workers[i])
				require.NoError(t, err)
				results[i] = got
			}(i)
		}
		wg.Wait()

		assigned := 0
		for _, r := range results {
			if r != nil {
				assert.Equal(t, b.ID, r.ID)
				assigned++
			}
		}
		require.Equal(t, 1, assigned, "exactly one poller should receive the pending build (trial %d)", trial)

		completed, err := c.CompleteBuild(b.ID, "builds/"+b.ID+"/result")
		require.NoError(t, err)
		require.Equal(t, types.BuildStatusCompleted, completed.Status)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	c := newTestController(t)

	b := submitTestBuild(t, c, "builds/x/source")

	// pending -> completed is illegal without going through assigned/building.
	_, err := c.CompleteBuild(b.ID, "builds/"+b.ID+"/result")
	require.Error(t, err)
	cerr, ok := ctlerr.As(err)
	require.True(t, ok)
	assert.Equal(t, ctlerr.IllegalTransition, cerr.Kind)

	unchanged, err := c.GetBuild(b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusPending, unchanged.Status)
}

func TestUnregisterReassignsActiveBuilds(t *testing.T) {
	c := newTestController(t)

	b1 := submitTestBuild(t, c, "builds/b1/source")
	b2 := submitTestBuild(t, c, "builds/b2/source")

	_, err := c.RegisterWorker("worker-1", "w1", nil, 0)
	require.NoError(t, err)

	_, got1, err := c.Poll("worker-1")
	require.NoError(t, err)
	require.Equal(t, b1.ID, got1.ID)
	// A building worker is not handed a second build (invariant 2), so
	// b2 stays pending and unassigned.
	_, got2, err := c.Poll("worker-1")
	require.NoError(t, err)
	require.Nil(t, got2)

	count, err := c.Unregister("worker-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	for _, id := range []string{b1.ID, b2.ID} {
		b, err := c.GetBuild(id)
		require.NoError(t, err)
		assert.Equal(t, types.BuildStatusPending, b.Status)
		assert.Empty(t, b.WorkerID)
	}

	w, err := c.GetWorker("worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusOffline, w.Status)
}

func TestRetryBuildCreatesIndependentBuild(t *testing.T) {
	c := newTestController(t)

	original := submitTestBuild(t, c, "builds/orig/source")

	_, err := c.RegisterWorker("worker-1", "w1", nil, 0)
	require.NoError(t, err)
	_, dispatched, err := c.Poll("worker-1")
	require.NoError(t, err)
	require.Equal(t, original.ID, dispatched.ID)

	completed, err := c.CompleteBuild(original.ID, "builds/"+original.ID+"/result")
	require.NoError(t, err)
	require.Equal(t, types.BuildStatusCompleted, completed.Status)

	retryID, err := NewBuildID()
	require.NoError(t, err)
	retried, err := c.RetryBuild(original.ID, retryID, "builds/orig/source", "")
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, retried.ID)
	assert.Equal(t, types.BuildStatusPending, retried.Status)

	stillDone, err := c.GetBuild(original.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusCompleted, stillDone.Status)
}

func TestWorkerReregistrationPreservesStatusAndBuild(t *testing.T) {
	c := newTestController(t)

	submitTestBuild(t, c, "builds/x/source")

	_, err := c.RegisterWorker("worker-1", "w1", nil, 0)
	require.NoError(t, err)
	_, dispatched, err := c.Poll("worker-1")
	require.NoError(t, err)
	require.NotNil(t, dispatched)

	before, err := c.GetWorker("worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusBuilding, before.Status)
	prevToken := before.AccessToken

	rotated, err := c.ReregisterWorker("worker-1", 1)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusBuilding, rotated.Status)
	assert.NotEqual(t, prevToken, rotated.AccessToken)

	b, err := c.GetBuild(dispatched.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", b.WorkerID)
}
