package blobstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cuemby/warren/pkg/ctlerr"
	"github.com/cuemby/warren/pkg/metrics"
)

// Kind is the fixed set of artifact slots per build.
type Kind string

const (
	KindSource Kind = "source"
	KindCerts  Kind = "certs"
	KindResult Kind = "result"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidID reports whether id is safe to use as a path component: non-empty
// and matching the server-generated ID charset.
func ValidID(id string) bool {
	return id != "" && idPattern.MatchString(id)
}

func validKind(kind Kind) bool {
	switch kind {
	case KindSource, KindCerts, KindResult:
		return true
	default:
		return false
	}
}

// chunkSize bounds the buffer used for streaming copies.
const chunkSize = 64 * 1024

// Store is the path-safe, filesystem-rooted blob store described in
// SPEC_FULL.md §4.1. Root is resolved to its canonical absolute form once
// at construction; every subsequent key is checked against it.
type Store struct {
	root string
}

// New creates a Store rooted at root, creating the directory if absent and
// resolving it to its canonical form (following any symlink on root
// itself, but never on paths constructed beneath it).
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	abs, err := filepath.Abs(canonical)
	if err != nil {
		return nil, fmt.Errorf("absolute storage root: %w", err)
	}
	return &Store{root: abs}, nil
}

// key returns the relative key and the resolved absolute path for
// (buildID, kind), after validating both against the allow-list and
// confirming the result is strictly contained under the storage root.
func (s *Store) key(buildID string, kind Kind) (relKey, absPath string, err error) {
	if !ValidID(buildID) {
		return "", "", ctlerr.New(ctlerr.ValidationError, "invalid build id")
	}
	if !validKind(kind) {
		return "", "", ctlerr.New(ctlerr.ValidationError, "invalid artifact kind")
	}
	relKey = filepath.Join("builds", buildID, string(kind))
	absPath = filepath.Join(s.root, relKey)
	if err := s.mustContain(absPath); err != nil {
		return "", "", err
	}
	return relKey, absPath, nil
}

// resolve maps an already-issued relative key back to an absolute path,
// re-validating containment — keys are never trusted blindly even when
// they originate from our own store.
func (s *Store) resolve(relKey string) (string, error) {
	absPath := filepath.Join(s.root, relKey)
	if err := s.mustContain(absPath); err != nil {
		return "", err
	}
	return absPath, nil
}

func (s *Store) mustContain(absPath string) error {
	clean := filepath.Clean(absPath)
	if clean != s.root && !strings.HasPrefix(clean, s.root+string(filepath.Separator)) {
		return ctlerr.New(ctlerr.ValidationError, "path escapes storage root")
	}
	return nil
}

// Save streams r into the blob for (buildID, kind) and returns its
// relative key. Writes are create-exclusive (O_EXCL) except for
// KindResult, which may overwrite a prior partial result on retry of the
// same build. Any error leaves no partial file behind.
func (s *Store) Save(buildID string, kind Kind, r io.Reader) (string, error) {
	relKey, absPath, err := s.key(buildID, kind)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o700); err != nil {
		return "", fmt.Errorf("create build directory: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if kind == KindResult {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}

	f, err := os.OpenFile(absPath, flags, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return "", ctlerr.New(ctlerr.Conflict, "artifact already exists")
		}
		return "", fmt.Errorf("open artifact for write: %w", err)
	}

	written, copyErr := io.CopyBuffer(f, r, make([]byte, chunkSize))
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(absPath)
		if copyErr != nil {
			return "", fmt.Errorf("write artifact: %w", copyErr)
		}
		return "", fmt.Errorf("close artifact: %w", closeErr)
	}
	metrics.BlobBytesWrittenTotal.Add(float64(written))

	return relKey, nil
}

// ReadStream opens key for reading. The returned ReadCloser streams in
// bounded chunks; callers must Close it. Re-opening the same key produces
// an independent, restartable reader.
func (s *Store) ReadStream(relKey string) (io.ReadCloser, error) {
	absPath, err := s.resolve(relKey)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ctlerr.NotFoundf("artifact not found: %s", relKey)
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

// Exists reports whether relKey currently has a blob on disk.
func (s *Store) Exists(relKey string) bool {
	absPath, err := s.resolve(relKey)
	if err != nil {
		return false
	}
	_, err = os.Stat(absPath)
	return err == nil
}

// Size returns the blob's size in bytes.
func (s *Store) Size(relKey string) (int64, error) {
	absPath, err := s.resolve(relKey)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ctlerr.NotFoundf("artifact not found: %s", relKey)
		}
		return 0, fmt.Errorf("stat artifact: %w", err)
	}
	return info.Size(), nil
}

// Delete removes a single blob. Deleting a blob that does not exist is a
// no-op, matching the idempotent semantics callers expect of cleanup
// paths.
func (s *Store) Delete(relKey string) error {
	absPath, err := s.resolve(relKey)
	if err != nil {
		return err
	}
	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// DeleteBuild recursively removes every blob belonging to buildID.
func (s *Store) DeleteBuild(buildID string) error {
	if !ValidID(buildID) {
		return ctlerr.New(ctlerr.ValidationError, "invalid build id")
	}
	dir := filepath.Join(s.root, "builds", buildID)
	if err := s.mustContain(dir); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete build directory: %w", err)
	}
	return nil
}

// Copy streams srcKey's contents into dstBuildID/dstKind, used by build
// retry to carry source and certs forward to the new build row without
// re-uploading.
func (s *Store) Copy(srcKey string, dstBuildID string, dstKind Kind) (string, error) {
	r, err := s.ReadStream(srcKey)
	if err != nil {
		return "", err
	}
	defer r.Close()
	return s.Save(dstBuildID, dstKind, r)
}
