package controller

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/rs/zerolog"

	"github.com/cuemby/warren/pkg/blobstore"
	"github.com/cuemby/warren/pkg/ctlerr"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
)

// applyTimeout bounds every FSM apply, per SPEC_FULL.md §5 (≤5s for
// dispatch/registration commands).
const applyTimeout = 5 * time.Second

// Config holds the subset of process configuration the controller core
// needs to stand up its Raft node and stores.
type Config struct {
	NodeID                string
	BindAddr              string
	DataDir               string
	WorkerTokenTTL        time.Duration
	BuildSubmitterTTL     time.Duration
	OTPTTL                time.Duration
	VMTokenTTL            time.Duration
}

// Controller is the single-writer coordination core: the Raft node, its
// FSM, the durable store, and the blob store it hands out keys for.
// Reads go straight to store; every mutation goes through raftApply.
type Controller struct {
	cfg   Config
	raft  *raft.Raft
	fsm   *fsm
	store  storage.Store
	blobs  *blobstore.Store
	events *events.Broker
	log    zerolog.Logger
}

// New wires a Controller's dependencies without starting Raft; call
// Bootstrap to start the single-node cluster. broker may be nil, in
// which case lifecycle events are simply not published (used by tests
// that don't need the dashboard SSE surface).
func New(cfg Config, store storage.Store, blobs *blobstore.Store, broker *events.Broker, logger zerolog.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		fsm:    newFSM(store),
		store:  store,
		blobs:  blobs,
		events: broker,
		log:    logger,
	}
}

func (c *Controller) publish(typ events.EventType, message string, meta map[string]string) {
	if c.events == nil {
		return
	}
	c.events.Publish(&events.Event{Type: typ, Message: message, Metadata: meta})
}

// Bootstrap starts a single-node Raft cluster backing this Controller.
// There is no Join path: this repository never forms a multi-node
// cluster, so bootstrap always runs with this node as the sole voter.
func (c *Controller) Bootstrap() error {
	if err := os.MkdirAll(c.cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create raft data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(c.cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", c.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve raft bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(c.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(c.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("create raft snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("create raft node: %w", err)
	}
	c.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raftCfg.LocalID, Address: transport.LocalAddr()},
		},
	}
	if err := c.raft.BootstrapCluster(configuration).Error(); err != nil {
		// Re-bootstrapping an already-initialized data dir is expected on
		// every restart after the first; only a genuinely new data dir
		// bootstraps successfully, so this error is swallowed here and the
		// existing log is simply reused.
		c.log.Debug().Str("reason", err.Error()).Msg("raft bootstrap skipped")
	}

	return nil
}

// Shutdown stops the Raft node, waiting for in-flight applies to drain.
func (c *Controller) Shutdown() error {
	if c.raft == nil {
		return nil
	}
	return c.raft.Shutdown().Error()
}

// IsLeader reports whether this node currently believes itself leader.
// Single-node bootstrap always converges to true shortly after Bootstrap.
func (c *Controller) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

// apply submits cmd through Raft and type-asserts the FSM's response.
func (c *Controller) apply(op Op, payload any) (applyResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FSMApplyDuration)

	cmd, err := encodeCommand(op, payload)
	if err != nil {
		return applyResult{}, ctlerr.Wrap(ctlerr.Internal, "encode command", err)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return applyResult{}, ctlerr.Wrap(ctlerr.Internal, "marshal command", err)
	}

	future := c.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return applyResult{}, ctlerr.Wrap(ctlerr.ServiceUnavailable, "apply command", err)
	}

	result, ok := future.Response().(applyResult)
	if !ok {
		return applyResult{}, ctlerr.New(ctlerr.Internal, "unexpected apply response type")
	}
	if result.Err != nil {
		return applyResult{}, result.Err
	}
	return result, nil
}

// RegisterWorker registers a new worker, or re-registers an existing one
// if workerID already has a row (§4.5). activeBuildCount is the caller's
// self-reported count of builds it still holds across the reconnect; it
// has no effect on dispatch or state and is logged for observability only.
func (c *Controller) RegisterWorker(workerID, name string, capabilities map[string]string, activeBuildCount int) (*types.Worker, error) {
	token, err := newAccessToken()
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Internal, "generate access token", err)
	}
	result, err := c.apply(opRegisterWorker, registerWorkerPayload{
		WorkerID:         workerID,
		Name:             name,
		Capabilities:     capabilities,
		AccessToken:      token,
		TTLSeconds:       int(c.cfg.WorkerTokenTTL.Seconds()),
		ActiveBuildCount: activeBuildCount,
	})
	if err != nil {
		return nil, err
	}
	if result.Count > 0 {
		c.log.Info().Str("worker_id", workerID).Int("active_build_count", result.Count).Msg("worker re-registered with declared active builds")
	}
	c.publish(events.EventWorkerRegistered, "worker registered", map[string]string{"worker_id": workerID})
	return result.Worker, nil
}

// ReregisterWorker rotates an existing worker's token without touching
// its status or assigned builds.
func (c *Controller) ReregisterWorker(workerID string, activeBuildCount int) (*types.Worker, error) {
	token, err := newAccessToken()
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Internal, "generate access token", err)
	}
	result, err := c.apply(opReregisterWorker, reregisterWorkerPayload{
		WorkerID:         workerID,
		AccessToken:      token,
		TTLSeconds:       int(c.cfg.WorkerTokenTTL.Seconds()),
		ActiveBuildCount: activeBuildCount,
	})
	if err != nil {
		return nil, err
	}
	return result.Worker, nil
}

// Poll runs the worker registry's per-poll sequence (§4.5): rotate the
// worker's token via heartbeat_worker, then attempt dispatch. The
// returned Build is nil if no pending build was available or the worker
// is not idle.
func (c *Controller) Poll(workerID string) (*types.Worker, *types.Build, error) {
	newToken, err := newAccessToken()
	if err != nil {
		return nil, nil, ctlerr.Wrap(ctlerr.Internal, "generate access token", err)
	}
	hbResult, err := c.apply(opHeartbeatWorker, heartbeatWorkerPayload{
		WorkerID:    workerID,
		AccessToken: newToken,
		TTLSeconds:  int(c.cfg.WorkerTokenTTL.Seconds()),
	})
	if err != nil {
		return nil, nil, err
	}

	otp, err := newOTP()
	if err != nil {
		return nil, nil, ctlerr.Wrap(ctlerr.Internal, "generate otp", err)
	}
	dispatchResult, err := c.apply(opDispatch, dispatchPayload{
		WorkerID:      workerID,
		OTP:           otp,
		OTPTTLSeconds: int(c.cfg.OTPTTL.Seconds()),
	})
	if err != nil {
		return hbResult.Worker, nil, err
	}
	if dispatchResult.Build != nil {
		metrics.DispatchLatency.Observe(time.Since(dispatchResult.Build.SubmittedAt).Seconds())
		c.publish(events.EventBuildAssigned, "build assigned", map[string]string{
			"build_id": dispatchResult.Build.ID, "worker_id": workerID,
		})
	}
	return dispatchResult.Worker, dispatchResult.Build, nil
}

// Unregister performs the clean-shutdown path: reassign the worker's
// active builds to pending, then mark it offline. Returns the count of
// builds reassigned.
func (c *Controller) Unregister(workerID string) (int, error) {
	result, err := c.apply(opUnregisterWorker, unregisterWorkerPayload{WorkerID: workerID})
	if err != nil {
		return 0, err
	}
	c.publish(events.EventWorkerOffline, "worker unregistered", map[string]string{"worker_id": workerID})
	if result.Count > 0 {
		c.publish(events.EventBuildReassigned, "builds reassigned on unregister", map[string]string{"worker_id": workerID})
	}
	return result.Count, nil
}

// NewWorkerID allocates a fresh worker identifier, for registration
// calls that do not supply their own.
func NewWorkerID() (string, error) {
	return newID("worker")
}

// NewBuildID allocates a fresh build identifier. The HTTP layer calls
// this before it has a row to create: §4.6 requires the id be allocated
// first so the submission handler can save blobs under it via C1 before
// the FSM ever sees the row.
func NewBuildID() (string, error) {
	return newID("build")
}

// AbandonBuild reassigns workerID's active builds to pending but leaves
// the worker itself idle and registered, for workers that drop a job
// without shutting down.
func (c *Controller) AbandonBuild(workerID string) (int, error) {
	result, err := c.apply(opAbandonBuild, abandonBuildPayload{WorkerID: workerID})
	if err != nil {
		return 0, err
	}
	if result.Count > 0 {
		c.publish(events.EventBuildReassigned, "builds abandoned by worker", map[string]string{"worker_id": workerID})
	}
	return result.Count, nil
}

// WorkerHeartbeat records liveness for workerID without rotating its
// access token, unlike Poll's heartbeat_worker step.
func (c *Controller) WorkerHeartbeat(workerID string) (*types.Worker, error) {
	result, err := c.apply(opTouchWorker, touchWorkerPayload{WorkerID: workerID})
	if err != nil {
		return nil, err
	}
	return result.Worker, nil
}

// SubmitBuild creates a new pending build for a caller-allocated buildID,
// already carrying its stored source/certs blob keys and a
// server-generated access token.
func (c *Controller) SubmitBuild(buildID, platform, sourcePath, certsPath string) (*types.Build, error) {
	token, err := newBuildToken()
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Internal, "generate access token", err)
	}
	result, err := c.apply(opSubmitBuild, submitBuildPayload{
		BuildID:     buildID,
		Platform:    platform,
		SourcePath:  sourcePath,
		CertsPath:   certsPath,
		AccessToken: token,
	})
	if err != nil {
		return nil, err
	}
	metrics.BuildsSubmittedTotal.Inc()
	c.publish(events.EventBuildSubmitted, "build submitted", map[string]string{"build_id": result.Build.ID})
	return result.Build, nil
}

// BuildHeartbeat records a worker/VM heartbeat, promoting assigned to
// building on the first call.
func (c *Controller) BuildHeartbeat(buildID string) (*types.Build, error) {
	result, err := c.apply(opBuildHeartbeat, buildHeartbeatPayload{BuildID: buildID})
	if err != nil {
		return nil, err
	}
	b := result.Build
	if b.StartedAt != nil && b.LastHeartbeatAt != nil && b.StartedAt.Equal(*b.LastHeartbeatAt) {
		c.publish(events.EventBuildStarted, "build started", map[string]string{"build_id": b.ID})
	}
	return b, nil
}

// CompleteBuild transitions a build to completed and credits its worker.
func (c *Controller) CompleteBuild(buildID, resultPath string) (*types.Build, error) {
	result, err := c.apply(opCompleteBuild, completeBuildPayload{BuildID: buildID, ResultPath: resultPath})
	if err != nil {
		return nil, err
	}
	metrics.BuildsCompletedTotal.Inc()
	c.publish(events.EventBuildCompleted, "build completed", map[string]string{"build_id": buildID})
	return result.Build, nil
}

// FailBuild transitions a build to failed and frees its worker.
func (c *Controller) FailBuild(buildID, message string) (*types.Build, error) {
	result, err := c.apply(opFailBuild, failBuildPayload{BuildID: buildID, ErrorMessage: message})
	if err != nil {
		return nil, err
	}
	metrics.BuildsFailedTotal.Inc()
	c.publish(events.EventBuildFailed, "build failed", map[string]string{"build_id": buildID})
	return result.Build, nil
}

// CancelBuild transitions a pending build to cancelled; an assigned or
// building build is instead ended as failed and its worker freed.
func (c *Controller) CancelBuild(buildID string) (*types.Build, error) {
	result, err := c.apply(opCancelBuild, cancelBuildPayload{BuildID: buildID})
	if err != nil {
		return nil, err
	}
	c.publish(events.EventBuildCancelled, "build cancelled", map[string]string{"build_id": buildID})
	return result.Build, nil
}

// RetryBuild creates a new pending build under newBuildID (allocated by
// the caller via NewBuildID) from original's source/certs keys, already
// copied by the caller via blobstore.Copy. The original build is left
// untouched.
func (c *Controller) RetryBuild(originalBuildID, newBuildID, sourcePath, certsPath string) (*types.Build, error) {
	token, err := newBuildToken()
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.Internal, "generate access token", err)
	}
	result, err := c.apply(opRetryBuild, retryBuildPayload{
		OriginalBuildID: originalBuildID,
		NewBuildID:      newBuildID,
		SourcePath:      sourcePath,
		CertsPath:       certsPath,
		AccessToken:     token,
	})
	if err != nil {
		return nil, err
	}
	return result.Build, nil
}

// AuthenticateVM exchanges a build's OTP for a vm_token. otp is the
// one-time code the caller submitted; the FSM verifies it in constant
// time against the build's stored OTP before minting a token.
func (c *Controller) AuthenticateVM(buildID, otp string) (*types.Build, string, error) {
	vmToken, err := newVMToken()
	if err != nil {
		return nil, "", ctlerr.Wrap(ctlerr.Internal, "generate vm token", err)
	}
	result, err := c.apply(opAuthenticateVM, authenticateVMPayload{
		BuildID:      buildID,
		OTP:          otp,
		VMToken:      vmToken,
		VMTTLSeconds: int(c.cfg.VMTokenTTL.Seconds()),
	})
	if err != nil {
		return nil, "", err
	}
	return result.Build, vmToken, nil
}

// ReapStuckBuild is invoked by the liveness supervisor for a single
// timed-out build.
func (c *Controller) ReapStuckBuild(buildID string) (*types.Build, error) {
	result, err := c.apply(opReapStuckBuild, reapStuckBuildPayload{BuildID: buildID})
	if err != nil {
		return nil, err
	}
	c.publish(events.EventBuildFailed, "build reaped by liveness supervisor", map[string]string{"build_id": buildID})
	return result.Build, nil
}

// ReapOfflineWorker is invoked by the liveness supervisor for a worker
// whose last_seen_at has exceeded the offline timeout.
func (c *Controller) ReapOfflineWorker(workerID string) (*types.Worker, int, error) {
	result, err := c.apply(opReapOfflineWorker, reapOfflineWorkerPayload{WorkerID: workerID})
	if err != nil {
		return nil, 0, err
	}
	c.publish(events.EventWorkerOffline, "worker marked offline by liveness supervisor", map[string]string{"worker_id": workerID})
	if result.Count > 0 {
		c.publish(events.EventBuildReassigned, "builds reassigned after worker offline", map[string]string{
			"worker_id": workerID,
		})
	}
	return result.Worker, result.Count, nil
}

// Read-only accessors bypass Raft entirely and hit the store directly,
// per SPEC_FULL.md §5: reads may run concurrently.

func (c *Controller) GetBuild(id string) (*types.Build, error)     { return c.store.GetBuild(id) }
func (c *Controller) ListBuilds() ([]*types.Build, error)         { return c.store.ListBuilds() }
func (c *Controller) ListActiveBuilds() ([]*types.Build, error)   { return c.store.ListActiveBuilds() }
func (c *Controller) GetWorker(id string) (*types.Worker, error)   { return c.store.GetWorker(id) }
func (c *Controller) ListWorkers() ([]*types.Worker, error)       { return c.store.ListWorkers() }

func (c *Controller) GetWorkerByAccessToken(token string) (*types.Worker, error) {
	return c.store.GetWorkerByAccessToken(token)
}

func (c *Controller) ListBuildLogs(buildID string) ([]*types.BuildLog, error) {
	return c.store.ListBuildLogs(buildID)
}

func (c *Controller) AppendBuildLog(entry *types.BuildLog) error {
	return c.store.AppendBuildLog(entry)
}

func (c *Controller) AppendTelemetrySample(sample *types.TelemetrySample) error {
	return c.store.AppendTelemetrySample(sample)
}

func (c *Controller) ListTelemetrySamples(buildID string) ([]*types.TelemetrySample, error) {
	return c.store.ListTelemetrySamples(buildID)
}

// Blobs exposes the controller's blob store for the HTTP layer's
// multipart ingress/egress handlers.
func (c *Controller) Blobs() *blobstore.Store { return c.blobs }

// Events exposes the controller's event broker for the SSE handler to
// subscribe to. Nil if the controller was constructed without one.
func (c *Controller) Events() *events.Broker { return c.events }
