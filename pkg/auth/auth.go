package auth

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/cuemby/warren/pkg/ctlerr"
	"github.com/cuemby/warren/pkg/types"
)

// controllerReader is the narrow lookup surface the verifier needs;
// satisfied by *controller.Controller. Kept as an interface here so
// pkg/auth does not import pkg/controller, avoiding an import cycle with
// the HTTP layer that wires both together.
type controllerReader interface {
	GetWorker(id string) (*types.Worker, error)
	GetWorkerByAccessToken(token string) (*types.Worker, error)
	GetBuild(id string) (*types.Build, error)
}

// Verifier holds the process-wide admin key and a read path into the
// controller, and implements the five credential plugs of SPEC_FULL.md
// §4.8. All construction happens once at startup; Verifier is read-only
// thereafter and safe for concurrent use.
type Verifier struct {
	adminKey string
	ctl      controllerReader
}

// New builds a Verifier. adminKey must already have passed the ≥32-char
// startup check in pkg/config.
func New(adminKey string, ctl controllerReader) *Verifier {
	return &Verifier{adminKey: adminKey, ctl: ctl}
}

// constantTimeEqual is the one comparison primitive every plug uses
// against secret material.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// AdminKey validates the X-API-Key header against the process-wide
// admin key.
func (v *Verifier) AdminKey(r *http.Request) error {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		return ctlerr.New(ctlerr.AuthMissing, "missing admin key")
	}
	if !constantTimeEqual(key, v.adminKey) {
		return ctlerr.New(ctlerr.AuthInvalid, "invalid admin key")
	}
	return nil
}

// WorkerToken validates X-Worker-Token and returns the owning worker.
// Expired tokens are rejected even if they still match a stored value.
func (v *Verifier) WorkerToken(r *http.Request) (*types.Worker, error) {
	token := r.Header.Get("X-Worker-Token")
	if token == "" {
		return nil, ctlerr.New(ctlerr.AuthMissing, "missing worker token")
	}
	w, err := v.ctl.GetWorkerByAccessToken(token)
	if err != nil || w == nil {
		return nil, ctlerr.New(ctlerr.AuthInvalid, "invalid worker token")
	}
	if !constantTimeEqual(token, w.AccessToken) {
		return nil, ctlerr.New(ctlerr.AuthInvalid, "invalid worker token")
	}
	if time.Now().UTC().After(w.AccessTokenExpiresAt) {
		return nil, ctlerr.New(ctlerr.AuthInvalid, "worker token expired")
	}
	return w, nil
}

// WorkerIDLegacy is the backward-compat polling path: admin key plus
// X-Worker-Id, with no per-request token to rotate.
func (v *Verifier) WorkerIDLegacy(r *http.Request) (*types.Worker, error) {
	if err := v.AdminKey(r); err != nil {
		return nil, err
	}
	workerID := r.Header.Get("X-Worker-Id")
	if workerID == "" {
		return nil, ctlerr.New(ctlerr.AuthMissing, "missing worker id")
	}
	w, err := v.ctl.GetWorker(workerID)
	if err != nil || w == nil {
		return nil, ctlerr.NotFoundf("worker not found: %s", workerID)
	}
	return w, nil
}

// BuildToken validates X-Build-Token against the submitter token stored
// on buildID.
func (v *Verifier) BuildToken(r *http.Request, buildID string) (*types.Build, error) {
	token := r.Header.Get("X-Build-Token")
	if token == "" {
		return nil, ctlerr.New(ctlerr.AuthMissing, "missing build token")
	}
	b, err := v.ctl.GetBuild(buildID)
	if err != nil || b == nil {
		return nil, ctlerr.NotFoundf("build not found: %s", buildID)
	}
	if !constantTimeEqual(token, b.AccessToken) {
		return nil, ctlerr.New(ctlerr.AuthInvalid, "invalid build token")
	}
	return b, nil
}

// VMToken validates X-VM-Token against the vm_token minted for buildID
// via the OTP exchange, rejecting if expired.
func (v *Verifier) VMToken(r *http.Request, buildID string) (*types.Build, error) {
	token := r.Header.Get("X-VM-Token")
	if token == "" {
		return nil, ctlerr.New(ctlerr.AuthMissing, "missing vm token")
	}
	b, err := v.ctl.GetBuild(buildID)
	if err != nil || b == nil {
		return nil, ctlerr.NotFoundf("build not found: %s", buildID)
	}
	if b.VMToken == "" || !constantTimeEqual(token, b.VMToken) {
		return nil, ctlerr.New(ctlerr.AuthInvalid, "invalid vm token")
	}
	if b.VMTokenExpiresAt == nil || time.Now().UTC().After(*b.VMTokenExpiresAt) {
		return nil, ctlerr.New(ctlerr.AuthInvalid, "vm token expired")
	}
	return b, nil
}

// WorkerOwnsBuild is the ownership check required after authentication
// for worker-scoped downloads (§4.8): a valid token is not enough, the
// build must currently be assigned to that worker.
func WorkerOwnsBuild(b *types.Build, workerID string) error {
	if b.WorkerID != workerID || !b.IsActive() {
		return ctlerr.New(ctlerr.Forbidden, "worker does not own this build")
	}
	return nil
}

// AdminOrBuildSubmitter authenticates either the admin key or the build
// submitter token, used by endpoints both roles may call (status, logs,
// download, retry).
func (v *Verifier) AdminOrBuildSubmitter(r *http.Request, buildID string) (*types.Build, error) {
	if err := v.AdminKey(r); err == nil {
		b, getErr := v.ctl.GetBuild(buildID)
		if getErr != nil || b == nil {
			return nil, ctlerr.NotFoundf("build not found: %s", buildID)
		}
		return b, nil
	}
	return v.BuildToken(r, buildID)
}
