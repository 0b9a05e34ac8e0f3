package controller

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/cuemby/warren/pkg/ctlerr"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/types"
)

// applyResult is what every FSM.Apply returns, type-asserted back by the
// caller that issued the Command. A non-nil Err means the command was
// rejected without side effects; it is never a Raft-level failure, only a
// domain one (illegal transition, not found, conflict...).
type applyResult struct {
	Build  *types.Build
	Worker *types.Worker
	Count  int
	Err    error
}

// fsm is the single-writer state machine applied in strict Raft log order.
// Every build/worker mutation funnels through Apply so dispatch,
// re-registration, and offline reassignment can never interleave on the
// same worker row, mirroring the teacher's manager/fsm.go shape.
type fsm struct {
	mu    sync.Mutex
	store storage.Store
}

func newFSM(store storage.Store) *fsm {
	return &fsm{store: store}
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "decode command", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opRegisterWorker:
		return f.applyRegisterWorker(cmd.Data)
	case opReregisterWorker:
		return f.applyReregisterWorker(cmd.Data)
	case opDispatch:
		return f.applyDispatch(cmd.Data)
	case opHeartbeatWorker:
		return f.applyHeartbeatWorker(cmd.Data)
	case opUnregisterWorker:
		return f.applyUnregisterWorker(cmd.Data)
	case opSubmitBuild:
		return f.applySubmitBuild(cmd.Data)
	case opBuildHeartbeat:
		return f.applyBuildHeartbeat(cmd.Data)
	case opCompleteBuild:
		return f.applyCompleteBuild(cmd.Data)
	case opFailBuild:
		return f.applyFailBuild(cmd.Data)
	case opCancelBuild:
		return f.applyCancelBuild(cmd.Data)
	case opRetryBuild:
		return f.applyRetryBuild(cmd.Data)
	case opAuthenticateVM:
		return f.applyAuthenticateVM(cmd.Data)
	case opReapStuckBuild:
		return f.applyReapStuckBuild(cmd.Data)
	case opReapOfflineWorker:
		return f.applyReapOfflineWorker(cmd.Data)
	case opAbandonBuild:
		return f.applyAbandonBuild(cmd.Data)
	case opTouchWorker:
		return f.applyTouchWorker(cmd.Data)
	default:
		return applyResult{Err: ctlerr.New(ctlerr.Internal, fmt.Sprintf("unknown op %q", cmd.Op))}
	}
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

func (f *fsm) applyRegisterWorker(data json.RawMessage) applyResult {
	p, err := decode[registerWorkerPayload](data)
	if err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "decode register_worker", err)}
	}

	existing, err := f.store.GetWorker(p.WorkerID)
	if err == nil && existing != nil {
		return f.reregister(existing, p.AccessToken, p.TTLSeconds, p.ActiveBuildCount)
	}

	now := time.Now().UTC()
	w := &types.Worker{
		ID:                   p.WorkerID,
		Name:                 p.Name,
		Capabilities:         p.Capabilities,
		Status:               types.WorkerStatusIdle,
		AccessToken:          p.AccessToken,
		AccessTokenExpiresAt: now.Add(time.Duration(p.TTLSeconds) * time.Second),
		LastSeenAt:           now,
		RegisteredAt:         now,
	}
	if err := f.store.CreateWorker(w); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "create worker", err)}
	}
	return applyResult{Worker: w}
}

func (f *fsm) applyReregisterWorker(data json.RawMessage) applyResult {
	p, err := decode[reregisterWorkerPayload](data)
	if err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "decode reregister_worker", err)}
	}
	w, err := f.store.GetWorker(p.WorkerID)
	if err != nil || w == nil {
		return applyResult{Err: ctlerr.NotFoundf("worker not found: %s", p.WorkerID)}
	}
	return f.reregister(w, p.AccessToken, p.TTLSeconds, p.ActiveBuildCount)
}

// reregister rotates token and expiry only; status and any assigned
// builds are preserved, per the non-reset contract.
func (f *fsm) reregister(w *types.Worker, token string, ttlSeconds, activeBuildCount int) applyResult {
	w.AccessToken = token
	w.AccessTokenExpiresAt = time.Now().UTC().Add(time.Duration(ttlSeconds) * time.Second)
	w.LastSeenAt = time.Now().UTC()
	if err := f.store.UpdateWorker(w); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "update worker", err)}
	}
	return applyResult{Worker: w, Count: activeBuildCount}
}

func (f *fsm) applyHeartbeatWorker(data json.RawMessage) applyResult {
	p, err := decode[heartbeatWorkerPayload](data)
	if err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "decode heartbeat_worker", err)}
	}
	w, err := f.store.GetWorker(p.WorkerID)
	if err != nil || w == nil {
		return applyResult{Err: ctlerr.NotFoundf("worker not found: %s", p.WorkerID)}
	}
	w.AccessToken = p.AccessToken
	w.AccessTokenExpiresAt = time.Now().UTC().Add(time.Duration(p.TTLSeconds) * time.Second)
	w.LastSeenAt = time.Now().UTC()
	if err := f.store.UpdateWorker(w); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "update worker", err)}
	}
	return applyResult{Worker: w}
}

// applyDispatch is the dequeue+assign atomic step: pick the oldest pending
// build (FIFO, ties by id — ListPendingBuildsByAge already orders this
// way) and assign it to the calling worker in the same Apply.
func (f *fsm) applyDispatch(data json.RawMessage) applyResult {
	p, err := decode[dispatchPayload](data)
	if err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "decode dispatch", err)}
	}

	w, err := f.store.GetWorker(p.WorkerID)
	if err != nil || w == nil {
		return applyResult{Err: ctlerr.NotFoundf("worker not found: %s", p.WorkerID)}
	}
	if w.Status != types.WorkerStatusIdle {
		// Already building (or offline): dispatch must not hand it a
		// second build, per invariant 2 — a building worker references
		// exactly one assigned|building build.
		return applyResult{Worker: w}
	}

	pending, err := f.store.ListPendingBuildsByAge()
	if err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "list pending builds", err)}
	}
	if len(pending) == 0 {
		return applyResult{Worker: w}
	}

	b := pending[0]
	now := time.Now().UTC()
	b.Status = types.BuildStatusAssigned
	b.WorkerID = w.ID
	b.AssignedAt = &now
	b.OTP = p.OTP
	if p.OTPTTLSeconds > 0 {
		exp := now.Add(time.Duration(p.OTPTTLSeconds) * time.Second)
		b.OTPExpiresAt = &exp
	}
	if err := f.store.UpdateBuild(b); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "update build", err)}
	}

	w.Status = types.WorkerStatusBuilding
	if err := f.store.UpdateWorker(w); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "update worker", err)}
	}

	return applyResult{Build: b, Worker: w}
}

func (f *fsm) applyUnregisterWorker(data json.RawMessage) applyResult {
	p, err := decode[unregisterWorkerPayload](data)
	if err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "decode unregister_worker", err)}
	}
	w, err := f.store.GetWorker(p.WorkerID)
	if err != nil || w == nil {
		return applyResult{Err: ctlerr.NotFoundf("worker not found: %s", p.WorkerID)}
	}

	count, err := f.reassignBuildsOf(w.ID)
	if err != nil {
		return applyResult{Err: err}
	}

	w.Status = types.WorkerStatusOffline
	if err := f.store.UpdateWorker(w); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "update worker", err)}
	}
	return applyResult{Worker: w, Count: count}
}

// reassignBuildsOf clears worker_id/assigned_at on every non-terminal
// build owned by workerID, returning it to pending. Counters on the
// freed worker are not incremented.
func (f *fsm) reassignBuildsOf(workerID string) (int, *ctlerr.Error) {
	owned, err := f.store.ListBuildsByWorker(workerID)
	if err != nil {
		return 0, ctlerr.Wrap(ctlerr.Internal, "list builds by worker", err)
	}
	n := 0
	for _, b := range owned {
		if b.Status != types.BuildStatusAssigned && b.Status != types.BuildStatusBuilding {
			continue
		}
		b.Status = types.BuildStatusPending
		b.WorkerID = ""
		b.AssignedAt = nil
		b.StartedAt = nil
		b.LastHeartbeatAt = nil
		if err := f.store.UpdateBuild(b); err != nil {
			return n, ctlerr.Wrap(ctlerr.Internal, "update build", err)
		}
		n++
	}
	return n, nil
}

func (f *fsm) applySubmitBuild(data json.RawMessage) applyResult {
	p, err := decode[submitBuildPayload](data)
	if err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "decode submit_build", err)}
	}
	now := time.Now().UTC()
	b := &types.Build{
		ID:          p.BuildID,
		Platform:    types.Platform(p.Platform),
		Status:      types.BuildStatusPending,
		SubmittedAt: now,
		SourcePath:  p.SourcePath,
		CertsPath:   p.CertsPath,
		AccessToken: p.AccessToken,
	}
	if err := f.store.CreateBuild(b); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "create build", err)}
	}
	return applyResult{Build: b}
}

func (f *fsm) getActiveBuild(id string) (*types.Build, *ctlerr.Error) {
	b, err := f.store.GetBuild(id)
	if err != nil || b == nil {
		return nil, ctlerr.NotFoundf("build not found: %s", id)
	}
	return b, nil
}

func (f *fsm) applyBuildHeartbeat(data json.RawMessage) applyResult {
	p, err := decode[buildHeartbeatPayload](data)
	if err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "decode build_heartbeat", err)}
	}
	b, cerr := f.getActiveBuild(p.BuildID)
	if cerr != nil {
		return applyResult{Err: cerr}
	}
	if b.Status != types.BuildStatusAssigned && b.Status != types.BuildStatusBuilding {
		return applyResult{Err: ctlerr.New(ctlerr.IllegalTransition, "build is not assigned or building")}
	}
	now := time.Now().UTC()
	if b.StartedAt == nil {
		b.StartedAt = &now
	}
	b.Status = types.BuildStatusBuilding
	b.LastHeartbeatAt = &now
	if err := f.store.UpdateBuild(b); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "update build", err)}
	}
	return applyResult{Build: b}
}

func (f *fsm) applyCompleteBuild(data json.RawMessage) applyResult {
	p, err := decode[completeBuildPayload](data)
	if err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "decode complete_build", err)}
	}
	b, cerr := f.getActiveBuild(p.BuildID)
	if cerr != nil {
		return applyResult{Err: cerr}
	}
	if b.Status != types.BuildStatusAssigned && b.Status != types.BuildStatusBuilding {
		return applyResult{Err: ctlerr.New(ctlerr.IllegalTransition, "build is not assigned or building")}
	}
	now := time.Now().UTC()
	b.Status = types.BuildStatusCompleted
	b.CompletedAt = &now
	b.ResultPath = p.ResultPath

	if err := f.store.UpdateBuild(b); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "update build", err)}
	}
	if w, err := f.store.GetWorker(b.WorkerID); err == nil && w != nil {
		w.BuildsCompleted++
		w.Status = types.WorkerStatusIdle
		_ = f.store.UpdateWorker(w)
	}
	_ = f.store.AppendBuildLog(&types.BuildLog{
		BuildID:   b.ID,
		Timestamp: now,
		Level:     types.LogLevelInfo,
		Message:   "build completed",
	})
	return applyResult{Build: b}
}

func (f *fsm) applyFailBuild(data json.RawMessage) applyResult {
	p, err := decode[failBuildPayload](data)
	if err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "decode fail_build", err)}
	}
	b, cerr := f.getActiveBuild(p.BuildID)
	if cerr != nil {
		return applyResult{Err: cerr}
	}
	if b.Status != types.BuildStatusAssigned && b.Status != types.BuildStatusBuilding {
		return applyResult{Err: ctlerr.New(ctlerr.IllegalTransition, "build is not assigned or building")}
	}
	now := time.Now().UTC()
	b.Status = types.BuildStatusFailed
	b.CompletedAt = &now
	b.ErrorMessage = p.ErrorMessage

	if err := f.store.UpdateBuild(b); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "update build", err)}
	}
	if w, err := f.store.GetWorker(b.WorkerID); err == nil && w != nil {
		w.BuildsFailed++
		w.Status = types.WorkerStatusIdle
		_ = f.store.UpdateWorker(w)
	}
	return applyResult{Build: b}
}

func (f *fsm) applyCancelBuild(data json.RawMessage) applyResult {
	p, err := decode[cancelBuildPayload](data)
	if err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "decode cancel_build", err)}
	}
	b, cerr := f.getActiveBuild(p.BuildID)
	if cerr != nil {
		return applyResult{Err: cerr}
	}
	if b.IsTerminal() {
		return applyResult{Err: ctlerr.New(ctlerr.IllegalTransition, "build already in a terminal state")}
	}
	wasActive := b.Status == types.BuildStatusAssigned || b.Status == types.BuildStatusBuilding
	workerID := b.WorkerID

	now := time.Now().UTC()
	b.CompletedAt = &now
	if wasActive {
		// An operator cancel of a running build ends it as failed; the
		// worker stays recorded on the build and is freed below.
		b.Status = types.BuildStatusFailed
		b.ErrorMessage = "cancelled by operator"
	} else {
		b.Status = types.BuildStatusCancelled
		b.WorkerID = ""
	}
	if err := f.store.UpdateBuild(b); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "update build", err)}
	}
	if wasActive && workerID != "" {
		if w, err := f.store.GetWorker(workerID); err == nil && w != nil {
			w.Status = types.WorkerStatusIdle
			_ = f.store.UpdateWorker(w)
		}
	}
	return applyResult{Build: b}
}

func (f *fsm) applyRetryBuild(data json.RawMessage) applyResult {
	p, err := decode[retryBuildPayload](data)
	if err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "decode retry_build", err)}
	}
	original, cerr := f.getActiveBuild(p.OriginalBuildID)
	if cerr != nil {
		return applyResult{Err: cerr}
	}

	now := time.Now().UTC()
	nb := &types.Build{
		ID:          p.NewBuildID,
		Platform:    original.Platform,
		Status:      types.BuildStatusPending,
		SubmittedAt: now,
		SourcePath:  p.SourcePath,
		CertsPath:   p.CertsPath,
		AccessToken: p.AccessToken,
	}
	if err := f.store.CreateBuild(nb); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "create build", err)}
	}
	return applyResult{Build: nb}
}

func (f *fsm) applyAuthenticateVM(data json.RawMessage) applyResult {
	p, err := decode[authenticateVMPayload](data)
	if err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "decode authenticate_vm", err)}
	}
	b, cerr := f.getActiveBuild(p.BuildID)
	if cerr != nil {
		return applyResult{Err: cerr}
	}
	if b.OTP == "" || b.OTPExpiresAt == nil || time.Now().UTC().After(*b.OTPExpiresAt) {
		return applyResult{Err: ctlerr.New(ctlerr.AuthInvalid, "otp invalid or expired")}
	}
	if p.OTP == "" || subtle.ConstantTimeCompare([]byte(p.OTP), []byte(b.OTP)) != 1 {
		return applyResult{Err: ctlerr.New(ctlerr.AuthInvalid, "otp invalid or expired")}
	}

	now := time.Now().UTC()
	exp := now.Add(time.Duration(p.VMTTLSeconds) * time.Second)
	b.VMToken = p.VMToken
	b.VMTokenExpiresAt = &exp
	b.OTP = ""
	b.OTPExpiresAt = nil

	if err := f.store.UpdateBuild(b); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "update build", err)}
	}
	return applyResult{Build: b}
}

// applyReapStuckBuild is the liveness supervisor's per-build timeout
// action, run as its own command to bound rollback cost to a single row.
func (f *fsm) applyReapStuckBuild(data json.RawMessage) applyResult {
	p, err := decode[reapStuckBuildPayload](data)
	if err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "decode reap_stuck_build", err)}
	}
	b, cerr := f.getActiveBuild(p.BuildID)
	if cerr != nil {
		return applyResult{Err: cerr}
	}
	if b.Status != types.BuildStatusAssigned && b.Status != types.BuildStatusBuilding {
		return applyResult{Build: b}
	}
	now := time.Now().UTC()
	workerID := b.WorkerID
	b.Status = types.BuildStatusFailed
	b.CompletedAt = &now
	b.ErrorMessage = "no heartbeat / timeout"
	if err := f.store.UpdateBuild(b); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "update build", err)}
	}
	if workerID != "" {
		if w, err := f.store.GetWorker(workerID); err == nil && w != nil {
			w.Status = types.WorkerStatusIdle
			_ = f.store.UpdateWorker(w)
		}
	}
	return applyResult{Build: b}
}

func (f *fsm) applyReapOfflineWorker(data json.RawMessage) applyResult {
	p, err := decode[reapOfflineWorkerPayload](data)
	if err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "decode reap_offline_worker", err)}
	}
	w, err := f.store.GetWorker(p.WorkerID)
	if err != nil || w == nil {
		return applyResult{Err: ctlerr.NotFoundf("worker not found: %s", p.WorkerID)}
	}
	if w.Status == types.WorkerStatusOffline {
		return applyResult{Worker: w}
	}
	count, cerr := f.reassignBuildsOf(w.ID)
	if cerr != nil {
		return applyResult{Err: cerr}
	}
	w.Status = types.WorkerStatusOffline
	if err := f.store.UpdateWorker(w); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "update worker", err)}
	}
	return applyResult{Worker: w, Count: count}
}

// applyAbandonBuild reassigns a worker's active builds to pending
// without taking the worker itself offline, unlike unregister_worker. It
// backs the abandon endpoint: a worker that lost its current job but is
// still alive and ready for the next one.
func (f *fsm) applyAbandonBuild(data json.RawMessage) applyResult {
	p, err := decode[abandonBuildPayload](data)
	if err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "decode abandon_build", err)}
	}
	w, err := f.store.GetWorker(p.WorkerID)
	if err != nil || w == nil {
		return applyResult{Err: ctlerr.NotFoundf("worker not found: %s", p.WorkerID)}
	}
	count, cerr := f.reassignBuildsOf(w.ID)
	if cerr != nil {
		return applyResult{Err: cerr}
	}
	w.Status = types.WorkerStatusIdle
	if err := f.store.UpdateWorker(w); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "update worker", err)}
	}
	return applyResult{Worker: w, Count: count}
}

// applyTouchWorker updates last_seen_at only, for the admin-authenticated
// worker-initiated heartbeat endpoint that does not rotate the worker's
// token the way poll's heartbeat_worker does.
func (f *fsm) applyTouchWorker(data json.RawMessage) applyResult {
	p, err := decode[touchWorkerPayload](data)
	if err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "decode touch_worker", err)}
	}
	w, err := f.store.GetWorker(p.WorkerID)
	if err != nil || w == nil {
		return applyResult{Err: ctlerr.NotFoundf("worker not found: %s", p.WorkerID)}
	}
	w.LastSeenAt = time.Now().UTC()
	if err := f.store.UpdateWorker(w); err != nil {
		return applyResult{Err: ctlerr.Wrap(ctlerr.Internal, "update worker", err)}
	}
	return applyResult{Worker: w}
}

// fsmSnapshot dumps every build and worker row as JSON. Logs and telemetry
// are append-only observability data, not dispatch-relevant state, and are
// rebuilt from the store directly rather than captured in snapshots.
type fsmSnapshot struct {
	Builds  []*types.Build  `json:"builds"`
	Workers []*types.Worker `json:"workers"`
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	builds, err := f.store.ListBuilds()
	if err != nil {
		return nil, fmt.Errorf("snapshot list builds: %w", err)
	}
	workers, err := f.store.ListWorkers()
	if err != nil {
		return nil, fmt.Errorf("snapshot list workers: %w", err)
	}
	return &fsmSnapshot{Builds: builds, Workers: workers}, nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		enc := json.NewEncoder(sink)
		return enc.Encode(s)
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, b := range snap.Builds {
		if err := f.store.UpdateBuild(b); err != nil {
			return fmt.Errorf("restore build %s: %w", b.ID, err)
		}
	}
	for _, w := range snap.Workers {
		if err := f.store.UpdateWorker(w); err != nil {
			return fmt.Errorf("restore worker %s: %w", w.ID, err)
		}
	}
	return nil
}
