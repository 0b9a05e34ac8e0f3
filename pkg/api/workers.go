package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/warren/pkg/blobstore"
	"github.com/cuemby/warren/pkg/controller"
	"github.com/cuemby/warren/pkg/ctlerr"
)

type registerWorkerRequest struct {
	WorkerID         string            `json:"worker_id"`
	Name             string            `json:"name"`
	Capabilities     map[string]string `json:"capabilities"`
	ActiveBuildCount int               `json:"active_build_count"`
}

// workerTokenResponse carries a worker's rotated secret back out, since
// types.Worker.AccessToken is never serialized directly (json:"-").
type workerTokenResponse struct {
	Worker      any    `json:"worker"`
	AccessToken string `json:"access_token"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.AdminKey(r); err != nil {
		writeError(w, s.log, err)
		return
	}
	var body registerWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, s.log, ctlerr.Wrap(ctlerr.ValidationError, "malformed body", err))
		return
	}
	if body.Name == "" {
		writeError(w, s.log, ctlerr.New(ctlerr.ValidationError, "name is required"))
		return
	}

	workerID := body.WorkerID
	if workerID == "" {
		id, err := controller.NewWorkerID()
		if err != nil {
			writeError(w, s.log, ctlerr.Wrap(ctlerr.Internal, "allocate worker id", err))
			return
		}
		workerID = id
	}

	worker, err := s.ctl.RegisterWorker(workerID, body.Name, body.Capabilities, body.ActiveBuildCount)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, workerTokenResponse{Worker: worker, AccessToken: worker.AccessToken})
}

func (s *Server) handleUnregisterWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.verifier.WorkerToken(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	count, err := s.ctl.Unregister(worker.ID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"builds_reassigned": count})
}

func (s *Server) handleAbandonBuild(w http.ResponseWriter, r *http.Request) {
	worker, err := s.verifier.WorkerToken(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	count, err := s.ctl.AbandonBuild(worker.ID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"builds_reassigned": count})
}

// pollResponse is the worker's poll envelope: the rotated token it must
// adopt before its next call, and the assigned job (nil if none pending).
type pollResponse struct {
	AccessToken string `json:"access_token"`
	Job         any    `json:"job"`
}

func (s *Server) handlePollWorker(w http.ResponseWriter, r *http.Request) {
	workerID, err := s.resolvePollWorkerID(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}

	worker, build, err := s.ctl.Poll(workerID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{AccessToken: worker.AccessToken, Job: build})
}

// resolvePollWorkerID accepts the worker-token path (preferred) or the
// legacy admin+worker-id combination, per §6's poll auth row.
func (s *Server) resolvePollWorkerID(r *http.Request) (string, error) {
	if r.Header.Get("X-Worker-Token") != "" {
		worker, err := s.verifier.WorkerToken(r)
		if err != nil {
			return "", err
		}
		return worker.ID, nil
	}
	worker, err := s.verifier.WorkerIDLegacy(r)
	if err != nil {
		return "", err
	}
	return worker.ID, nil
}

func (s *Server) handleWorkerResult(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.AdminKey(r); err != nil {
		writeError(w, s.log, err)
		return
	}
	if _, err := s.parseMultipart(w, r); err != nil {
		writeError(w, s.log, err)
		return
	}

	buildID := r.FormValue("build_id")
	if buildID == "" {
		writeError(w, s.log, ctlerr.New(ctlerr.ValidationError, "build_id is required"))
		return
	}

	if r.FormValue("success") == "false" {
		b, err := s.ctl.FailBuild(buildID, r.FormValue("error_message"))
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
		return
	}

	resultFile, _, err := formFile(r, "result")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	defer resultFile.Close()

	resultKey, err := s.ctl.Blobs().Save(buildID, blobstore.KindResult, resultFile)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	b, err := s.ctl.CompleteBuild(buildID, resultKey)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleWorkerFail(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.AdminKey(r); err != nil {
		writeError(w, s.log, err)
		return
	}
	var body struct {
		BuildID      string `json:"build_id"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, s.log, ctlerr.Wrap(ctlerr.ValidationError, "malformed body", err))
		return
	}
	b, err := s.ctl.FailBuild(body.BuildID, body.ErrorMessage)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.AdminKey(r); err != nil {
		writeError(w, s.log, err)
		return
	}
	var body struct {
		WorkerID string `json:"worker_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, s.log, ctlerr.Wrap(ctlerr.ValidationError, "malformed body", err))
		return
	}
	worker, err := s.ctl.WorkerHeartbeat(body.WorkerID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

type workerStatsResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Status          string `json:"status"`
	BuildsCompleted int64  `json:"builds_completed"`
	BuildsFailed    int64  `json:"builds_failed"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

func (s *Server) handleWorkerStats(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.AdminKey(r); err != nil {
		writeError(w, s.log, err)
		return
	}
	id := r.PathValue("id")
	worker, err := s.ctl.GetWorker(id)
	if err != nil || worker == nil {
		writeError(w, s.log, ctlerr.NotFoundf("worker not found: %s", id))
		return
	}
	writeJSON(w, http.StatusOK, workerStatsResponse{
		ID:              worker.ID,
		Name:            worker.Name,
		Status:          string(worker.Status),
		BuildsCompleted: worker.BuildsCompleted,
		BuildsFailed:    worker.BuildsFailed,
		UptimeSeconds:   int64(time.Since(worker.RegisteredAt).Seconds()),
	})
}
