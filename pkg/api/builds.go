package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/warren/pkg/auth"
	"github.com/cuemby/warren/pkg/blobstore"
	"github.com/cuemby/warren/pkg/controller"
	"github.com/cuemby/warren/pkg/ctlerr"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/types"
)

// submitBuildResponse is returned on both submit and retry: the new
// build's id and its caller-held secret.
type submitBuildResponse struct {
	ID          string `json:"id"`
	AccessToken string `json:"access_token"`
}

// allocateBuildID wraps controller.NewBuildID with the Internal kind the
// HTTP layer expects every failure to carry.
func allocateBuildID() (string, error) {
	id, err := controller.NewBuildID()
	if err != nil {
		return "", ctlerr.Wrap(ctlerr.Internal, "allocate build id", err)
	}
	return id, nil
}

func (s *Server) handleSubmitBuild(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.AdminKey(r); err != nil {
		writeError(w, s.log, err)
		return
	}

	if _, err := s.parseMultipart(w, r); err != nil {
		writeError(w, s.log, err)
		return
	}

	platform := r.FormValue("platform")
	if platform != string(types.PlatformIOS) && platform != string(types.PlatformAndroid) {
		writeError(w, s.log, ctlerr.New(ctlerr.ValidationError, "platform must be ios or android"))
		return
	}

	srcFile, _, err := formFile(r, "source")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	defer srcFile.Close()

	id, err := allocateBuildID()
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	sourceKey, err := s.ctl.Blobs().Save(id, blobstore.KindSource, srcFile)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	certsKey := ""
	if certsFile, _, ferr := r.FormFile("certs"); ferr == nil {
		defer certsFile.Close()
		certsKey, err = s.ctl.Blobs().Save(id, blobstore.KindCerts, certsFile)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
	}

	b, err := s.ctl.SubmitBuild(id, platform, sourceKey, certsKey)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitBuildResponse{ID: b.ID, AccessToken: b.AccessToken})
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.AdminKey(r); err != nil {
		writeError(w, s.log, err)
		return
	}
	builds, err := s.ctl.ListBuilds()
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, builds)
}

func (s *Server) handleActiveBuilds(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.AdminKey(r); err != nil {
		writeError(w, s.log, err)
		return
	}
	builds, err := s.ctl.ListActiveBuilds()
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, builds)
}

type buildStatistics struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

func (s *Server) handleBuildStatistics(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.AdminKey(r); err != nil {
		writeError(w, s.log, err)
		return
	}
	builds, err := s.ctl.ListBuilds()
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	stats := buildStatistics{ByStatus: map[string]int{}}
	for _, b := range builds {
		stats.Total++
		stats.ByStatus[string(b.Status)]++
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	b, err := s.verifier.AdminOrBuildSubmitter(r, r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// buildStatusCompact is the back-compat shape: millisecond-epoch
// timestamps rather than ISO-8601, preserved per SPEC_FULL.md §9's Open
// Question resolution.
type buildStatusCompact struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	SubmittedAt int64  `json:"submitted_at"`
	StartedAt   int64  `json:"started_at,omitempty"`
	CompletedAt int64  `json:"completed_at,omitempty"`
	Error       string `json:"error_message,omitempty"`
}

func toEpochMillis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}

func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	b, err := s.verifier.AdminOrBuildSubmitter(r, r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, buildStatusCompact{
		ID:          b.ID,
		Status:      string(b.Status),
		SubmittedAt: b.SubmittedAt.UnixMilli(),
		StartedAt:   toEpochMillis(b.StartedAt),
		CompletedAt: toEpochMillis(b.CompletedAt),
		Error:       b.ErrorMessage,
	})
}

func (s *Server) handleBuildLogs(w http.ResponseWriter, r *http.Request) {
	b, err := s.verifier.AdminOrBuildSubmitter(r, r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	logs, err := s.ctl.ListBuildLogs(b.ID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.AdminKey(r); err != nil {
		writeError(w, s.log, err)
		return
	}
	b, err := s.ctl.CancelBuild(r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleRetryBuild(w http.ResponseWriter, r *http.Request) {
	original, err := s.verifier.AdminOrBuildSubmitter(r, r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if original.SourcePath == "" || !s.ctl.Blobs().Exists(original.SourcePath) {
		writeError(w, s.log, ctlerr.New(ctlerr.ValidationError, "source unavailable"))
		return
	}

	newID, err := allocateBuildID()
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	sourceKey, err := s.ctl.Blobs().Copy(original.SourcePath, newID, blobstore.KindSource)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	certsKey := ""
	if original.CertsPath != "" {
		certsKey, err = s.ctl.Blobs().Copy(original.CertsPath, newID, blobstore.KindCerts)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
	}

	b, err := s.ctl.RetryBuild(original.ID, newID, sourceKey, certsKey)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitBuildResponse{ID: b.ID, AccessToken: b.AccessToken})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	b, err := s.verifier.AdminOrBuildSubmitter(r, r.PathValue("id"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	kindParam := r.PathValue("type")
	if kindParam == "" {
		kindParam = "result"
	}
	var key string
	switch kindParam {
	case "result":
		key = b.ResultPath
	case "source":
		key = b.SourcePath
	default:
		writeError(w, s.log, ctlerr.New(ctlerr.ValidationError, "type must be result or source"))
		return
	}
	s.streamArtifact(w, b.ID, kindParam, key)
}

// streamArtifact sets a server-chosen Content-Disposition filename and
// streams key's bytes, per §4.9's mandatory download header.
func (s *Server) streamArtifact(w http.ResponseWriter, buildID, kind, key string) {
	if key == "" {
		writeError(w, s.log, ctlerr.NotFoundf("artifact not available for build: %s", buildID))
		return
	}
	rc, err := s.ctl.Blobs().ReadStream(key)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-%s"`, buildID, kind))
	n, err := io.Copy(w, rc)
	if err != nil {
		s.log.Error().Err(err).Str("build_id", buildID).Msg("stream artifact")
		return
	}
	metrics.BlobBytesReadTotal.Add(float64(n))
}

func (s *Server) handleAuthenticateVM(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OTP string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, s.log, ctlerr.Wrap(ctlerr.ValidationError, "malformed body", err))
		return
	}
	b, vmToken, err := s.ctl.AuthenticateVM(r.PathValue("id"), body.OTP)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"build_id": b.ID, "vm_token": vmToken})
}

// handleWorkerArtifact serves /builds/{id}/source and /builds/{id}/certs
// to the worker currently holding the build, per §4.6's worker-owns-build
// REQUIRED check.
func (s *Server) handleWorkerArtifact(w http.ResponseWriter, r *http.Request) {
	worker, err := s.verifier.WorkerToken(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	id := r.PathValue("id")
	b, err := s.ctl.GetBuild(id)
	if err != nil || b == nil {
		writeError(w, s.log, ctlerr.NotFoundf("build not found: %s", id))
		return
	}
	if err := auth.WorkerOwnsBuild(b, worker.ID); err != nil {
		writeError(w, s.log, err)
		return
	}

	kind, key := "source", b.SourcePath
	if strings.HasSuffix(r.URL.Path, "/certs") {
		kind, key = "certs", b.CertsPath
	}
	s.streamArtifact(w, b.ID, kind, key)
}

func (s *Server) handleCertsSecure(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.verifier.VMToken(r, id)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	resp := map[string]string{"build_id": b.ID}
	if b.CertsPath != "" {
		rc, err := s.ctl.Blobs().ReadStream(b.CertsPath)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			writeError(w, s.log, ctlerr.Wrap(ctlerr.Internal, "read certs", err))
			return
		}
		resp["certs_base64"] = base64.StdEncoding.EncodeToString(data)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVMHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.verifier.VMToken(r, id); err != nil {
		writeError(w, s.log, err)
		return
	}
	b, err := s.ctl.BuildHeartbeat(id)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleVMTelemetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.verifier.VMToken(r, id); err != nil {
		writeError(w, s.log, err)
		return
	}
	var body struct {
		Kind    string         `json:"kind"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, s.log, ctlerr.Wrap(ctlerr.ValidationError, "malformed body", err))
		return
	}
	sample := &types.TelemetrySample{BuildID: id, Timestamp: time.Now().UTC(), Kind: body.Kind, Payload: body.Payload}
	if err := s.ctl.AppendTelemetrySample(sample); err != nil {
		writeError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleVMLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.verifier.VMToken(r, id); err != nil {
		writeError(w, s.log, err)
		return
	}
	var body struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, s.log, ctlerr.Wrap(ctlerr.ValidationError, "malformed body", err))
		return
	}
	entry := &types.BuildLog{
		BuildID:   id,
		Timestamp: time.Now().UTC(),
		Level:     types.LogLevel(body.Level),
		Message:   body.Message,
	}
	if err := s.ctl.AppendBuildLog(entry); err != nil {
		writeError(w, s.log, err)
		return
	}
	// A log line is as much a liveness signal as a heartbeat (§4.3: assigned
	// -> building promotes on first heartbeat OR first log stream).
	if _, err := s.ctl.BuildHeartbeat(id); err != nil {
		s.log.Warn().Err(err).Str("build_id", id).Msg("log-stream heartbeat promotion failed")
	}
	w.WriteHeader(http.StatusAccepted)
}
