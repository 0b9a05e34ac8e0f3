package storage

import (
	"github.com/cuemby/warren/pkg/types"
)

// Store defines the persistence interface for the build controller's
// entities. It is implemented by BoltStore (BoltDB-backed) and is the only
// thing the FSM (pkg/controller) and the read-only HTTP handlers touch.
type Store interface {
	// Builds
	CreateBuild(build *types.Build) error
	GetBuild(id string) (*types.Build, error)
	ListBuilds() ([]*types.Build, error)
	// ListPendingBuildsByAge returns pending builds ordered oldest-first
	// by SubmittedAt, ties broken by ID — the FIFO order dispatch must
	// honor.
	ListPendingBuildsByAge() ([]*types.Build, error)
	ListBuildsByWorker(workerID string) ([]*types.Build, error)
	ListActiveBuilds() ([]*types.Build, error)
	UpdateBuild(build *types.Build) error
	DeleteBuild(id string) error

	// Workers
	CreateWorker(worker *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	GetWorkerByAccessToken(token string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	UpdateWorker(worker *types.Worker) error
	DeleteWorker(id string) error

	// Build logs (append-only)
	AppendBuildLog(entry *types.BuildLog) error
	ListBuildLogs(buildID string) ([]*types.BuildLog, error)

	// Telemetry samples (append-only)
	AppendTelemetrySample(sample *types.TelemetrySample) error
	ListTelemetrySamples(buildID string) ([]*types.TelemetrySample, error)

	Close() error
}
