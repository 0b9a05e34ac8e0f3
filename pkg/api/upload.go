package api

import (
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/cuemby/warren/pkg/ctlerr"
)

// parseMultipart bounds the request body at s.maxUploadBytes before
// parsing, so an oversized upload fails fast with PayloadTooLarge
// instead of filling disk/memory first.
func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) (*multipart.Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		if strings.Contains(err.Error(), "too large") {
			return nil, ctlerr.New(ctlerr.PayloadTooLarge, "upload exceeds max_upload_bytes")
		}
		return nil, ctlerr.Wrap(ctlerr.ValidationError, "malformed multipart body", err)
	}
	return r.MultipartForm, nil
}

// formFile opens the named multipart file part, returning a typed
// ValidationError if it is missing.
func formFile(r *http.Request, name string) (multipart.File, *multipart.FileHeader, error) {
	f, h, err := r.FormFile(name)
	if err != nil {
		return nil, nil, ctlerr.New(ctlerr.ValidationError, "missing required part: "+name)
	}
	return f, h, nil
}
