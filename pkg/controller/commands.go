package controller

import "encoding/json"

// Op names the single-writer mutation a Command performs. Every
// build/worker state change flows through one of these, applied in order
// by the FSM.
type Op string

const (
	opRegisterWorker   Op = "register_worker"
	opReregisterWorker Op = "reregister_worker"
	opDispatch         Op = "dispatch"
	opHeartbeatWorker  Op = "heartbeat_worker"
	opUnregisterWorker Op = "unregister_worker"
	opSubmitBuild      Op = "submit_build"
	opBuildHeartbeat   Op = "build_heartbeat"
	opCompleteBuild    Op = "complete_build"
	opFailBuild        Op = "fail_build"
	opCancelBuild      Op = "cancel_build"
	opRetryBuild       Op = "retry_build"
	opAuthenticateVM   Op = "authenticate_vm"
	opReapStuckBuild   Op = "reap_stuck_build"
	opReapOfflineWorker Op = "reap_offline_worker"
	opAbandonBuild     Op = "abandon_build"
	opTouchWorker      Op = "touch_worker"
)

// Command is the unit of work applied through the Raft log, mirroring the
// teacher's manager/fsm.go Command{Op, Data} shape: a string opcode plus
// an opaque JSON payload the FSM's switch decodes per-op.
type Command struct {
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"data"`
}

func encodeCommand(op Op, payload any) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{Op: op, Data: data}, nil
}

type registerWorkerPayload struct {
	WorkerID         string            `json:"worker_id"`
	Name             string            `json:"name"`
	Capabilities     map[string]string `json:"capabilities"`
	AccessToken      string            `json:"access_token"`
	TTLSeconds       int               `json:"ttl_seconds"`
	ActiveBuildCount int               `json:"active_build_count"`
}

type reregisterWorkerPayload struct {
	WorkerID         string `json:"worker_id"`
	AccessToken      string `json:"access_token"`
	TTLSeconds       int    `json:"ttl_seconds"`
	ActiveBuildCount int    `json:"active_build_count"`
}

type dispatchPayload struct {
	WorkerID string `json:"worker_id"`
	OTP      string `json:"otp"`
	OTPTTLSeconds int `json:"otp_ttl_seconds"`
}

type heartbeatWorkerPayload struct {
	WorkerID    string `json:"worker_id"`
	AccessToken string `json:"access_token"`
	TTLSeconds  int    `json:"ttl_seconds"`
}

type unregisterWorkerPayload struct {
	WorkerID string `json:"worker_id"`
}

type submitBuildPayload struct {
	BuildID     string `json:"build_id"`
	Platform    string `json:"platform"`
	SourcePath  string `json:"source_path"`
	CertsPath   string `json:"certs_path"`
	AccessToken string `json:"access_token"`
}

type buildHeartbeatPayload struct {
	BuildID string `json:"build_id"`
}

type completeBuildPayload struct {
	BuildID    string `json:"build_id"`
	ResultPath string `json:"result_path"`
}

type failBuildPayload struct {
	BuildID      string `json:"build_id"`
	ErrorMessage string `json:"error_message"`
}

type cancelBuildPayload struct {
	BuildID string `json:"build_id"`
}

type retryBuildPayload struct {
	OriginalBuildID string `json:"original_build_id"`
	NewBuildID      string `json:"new_build_id"`
	SourcePath      string `json:"source_path"`
	CertsPath       string `json:"certs_path"`
	AccessToken     string `json:"access_token"`
}

type authenticateVMPayload struct {
	BuildID      string `json:"build_id"`
	OTP          string `json:"otp"`
	VMToken      string `json:"vm_token"`
	VMTTLSeconds int    `json:"vm_ttl_seconds"`
}

type reapStuckBuildPayload struct {
	BuildID string `json:"build_id"`
}

type reapOfflineWorkerPayload struct {
	WorkerID string `json:"worker_id"`
}

type abandonBuildPayload struct {
	WorkerID string `json:"worker_id"`
}

type touchWorkerPayload struct {
	WorkerID string `json:"worker_id"`
}
