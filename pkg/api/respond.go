package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/warren/pkg/ctlerr"
)

// errorEnvelope is the stable shape every error response takes, per
// SPEC_FULL.md §4.9/§7: {error:{code,message}}, never a stack trace or
// credential value. RequestID is only populated for 500s, where §4.9
// requires a stable opaque id the caller can hand back to an operator.
type errorEnvelope struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForKind maps a ctlerr.Kind to the HTTP status named in §7.
func statusForKind(kind ctlerr.Kind) int {
	switch kind {
	case ctlerr.AuthMissing, ctlerr.AuthInvalid:
		return http.StatusUnauthorized
	case ctlerr.Forbidden:
		return http.StatusForbidden
	case ctlerr.NotFound:
		return http.StatusNotFound
	case ctlerr.ValidationError:
		return http.StatusBadRequest
	case ctlerr.IllegalTransition, ctlerr.Conflict:
		return http.StatusConflict
	case ctlerr.PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ctlerr.ServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status and envelope, logging the cause
// internally without ever putting it in the response body.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	cerr, ok := ctlerr.As(err)
	if !ok {
		cerr = ctlerr.Wrap(ctlerr.Internal, "unexpected error", err)
	}
	status := statusForKind(cerr.Kind)

	var env errorEnvelope
	env.Error.Code = string(cerr.Kind)
	env.Error.Message = cerr.Message

	if status == http.StatusUnauthorized {
		// Missing and invalid credentials look the same to the caller.
		env.Error.Code = string(ctlerr.AuthInvalid)
		env.Error.Message = "unauthorized"
	}

	if status == http.StatusInternalServerError {
		reqID := uuid.NewString()
		env.Error.RequestID = reqID
		// The opaque id is logged alongside the real cause here and
		// handed to the client in place of it; message text never
		// leaves the process for a 500.
		logger.Error().Err(cerr).Str("kind", string(cerr.Kind)).Str("request_id", reqID).Msg("request failed")
		env.Error.Message = "internal error"
	} else {
		logger.Warn().Str("kind", string(cerr.Kind)).Msg(cerr.Message)
	}

	writeJSON(w, status, env)
}
