package types

import "time"

// Platform identifies the target mobile platform for a build.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// BuildStatus is a node in the build lifecycle state machine (see
// pkg/controller for the transition functions that enforce it).
type BuildStatus string

const (
	BuildStatusPending   BuildStatus = "pending"
	BuildStatusAssigned  BuildStatus = "assigned"
	BuildStatusBuilding  BuildStatus = "building"
	BuildStatusCompleted BuildStatus = "completed"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// Build is one user-submitted request to compile a mobile-app bundle.
type Build struct {
	ID       string      `json:"id"`
	Platform Platform    `json:"platform"`
	Status   BuildStatus `json:"status"`

	// WorkerID is non-empty only while Status is in {assigned, building,
	// completed, failed} — it is cleared on reassignment and on cancel.
	WorkerID string `json:"worker_id,omitempty"`

	SubmittedAt     time.Time  `json:"submitted_at"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	SourcePath string `json:"source_path,omitempty"`
	CertsPath  string `json:"certs_path,omitempty"`
	ResultPath string `json:"result_path,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`

	// AccessToken is the submitter's secret, issued at creation and never
	// rotated. Never serialized back to non-owning callers.
	AccessToken string `json:"-"`

	// OTP is single-use: the VM exchanges it for VMToken exactly once,
	// after which OTP is cleared.
	OTP          string     `json:"-"`
	OTPExpiresAt *time.Time `json:"-"`

	VMToken          string     `json:"-"`
	VMTokenExpiresAt *time.Time `json:"-"`
}

// IsTerminal reports whether b is in one of the immutable end states.
func (b *Build) IsTerminal() bool {
	switch b.Status {
	case BuildStatusCompleted, BuildStatusFailed, BuildStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether b currently occupies a worker slot.
func (b *Build) IsActive() bool {
	return b.Status == BuildStatusAssigned || b.Status == BuildStatusBuilding
}

// WorkerStatus is the lifecycle state of a registered worker.
type WorkerStatus string

const (
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusBuilding WorkerStatus = "building"
	WorkerStatusOffline  WorkerStatus = "offline"
)

// Worker is a remote node that executes builds in isolated VMs and polls
// the controller for work.
type Worker struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	Status       WorkerStatus      `json:"status"`

	AccessToken          string    `json:"-"`
	AccessTokenExpiresAt time.Time `json:"-"`

	LastSeenAt time.Time `json:"last_seen_at"`

	BuildsCompleted int64 `json:"builds_completed"`
	BuildsFailed    int64 `json:"builds_failed"`

	RegisteredAt time.Time `json:"registered_at"`
}

// LogLevel is the severity of a BuildLog entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// BuildLog is one append-only structured log line emitted during a build.
type BuildLog struct {
	BuildID   string    `json:"build_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// TelemetrySample is one append-only observability sample (e.g. a CPU or
// memory snapshot) reported by a worker or VM during a build.
type TelemetrySample struct {
	BuildID   string         `json:"build_id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}
