package blobstore

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	return s
}

func TestSaveAndReadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	key, err := s.Save("build-1", KindSource, strings.NewReader("hello world"))
	require.NoError(t, err)

	r, err := s.ReadStream(key)
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestSaveSourceConflict(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save("build-1", KindSource, strings.NewReader("first"))
	require.NoError(t, err)

	_, err = s.Save("build-1", KindSource, strings.NewReader("second"))
	require.Error(t, err)
}

func TestSaveResultOverwritesOnRetry(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save("build-1", KindResult, strings.NewReader("v1"))
	require.NoError(t, err)
	_, err = s.Save("build-1", KindResult, strings.NewReader("v2"))
	require.NoError(t, err)

	key, _, err := s.key("build-1", KindResult)
	require.NoError(t, err)
	r, err := s.ReadStream(key)
	require.NoError(t, err)
	defer r.Close()
	data, _ := io.ReadAll(r)
	assert.Equal(t, "v2", string(data))
}

func TestPathTraversalRejected(t *testing.T) {
	s := newTestStore(t)

	malicious := []string{
		"..",
		"../etc",
		"x/../../y",
		"..%2Fetc",
		"a\x00b",
		"/etc/passwd",
	}

	for _, id := range malicious {
		_, err := s.Save(id, KindSource, strings.NewReader("payload"))
		assert.Error(t, err, "expected rejection for build id %q", id)
	}

	// confirm nothing escaped the root
	err := filepath.Walk(filepath.Dir(s.root), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		assert.True(t, strings.HasPrefix(path, s.root), "file %s escaped storage root", path)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteBuildRemovesAllArtifacts(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save("build-2", KindSource, strings.NewReader("src"))
	require.NoError(t, err)
	_, err = s.Save("build-2", KindResult, strings.NewReader("res"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteBuild("build-2"))

	key, _, err := s.key("build-2", KindSource)
	require.NoError(t, err)
	assert.False(t, s.Exists(key))
}

func TestCopyForRetry(t *testing.T) {
	s := newTestStore(t)

	srcKey, err := s.Save("build-3", KindSource, strings.NewReader("original"))
	require.NoError(t, err)

	dstKey, err := s.Copy(srcKey, "build-4", KindSource)
	require.NoError(t, err)

	r, err := s.ReadStream(dstKey)
	require.NoError(t, err)
	defer r.Close()
	data, _ := io.ReadAll(r)
	assert.Equal(t, "original", string(data))
}
