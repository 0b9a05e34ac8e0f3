package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren/pkg/ctlerr"
	"github.com/cuemby/warren/pkg/types"
)

type fakeCtl struct {
	workersByID    map[string]*types.Worker
	workersByToken map[string]*types.Worker
	builds         map[string]*types.Build
}

func (f *fakeCtl) GetWorker(id string) (*types.Worker, error) {
	w, ok := f.workersByID[id]
	if !ok {
		return nil, ctlerr.NotFoundf("worker not found: %s", id)
	}
	return w, nil
}

func (f *fakeCtl) GetWorkerByAccessToken(token string) (*types.Worker, error) {
	w, ok := f.workersByToken[token]
	if !ok {
		return nil, ctlerr.New(ctlerr.NotFound, "worker not found")
	}
	return w, nil
}

func (f *fakeCtl) GetBuild(id string) (*types.Build, error) {
	b, ok := f.builds[id]
	if !ok {
		return nil, ctlerr.NotFoundf("build not found: %s", id)
	}
	return b, nil
}

func TestAdminKeyAcceptsExactMatch(t *testing.T) {
	v := New("super-secret-admin-key-0123456789", &fakeCtl{})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-API-Key", "super-secret-admin-key-0123456789")
	assert.NoError(t, v.AdminKey(r))
}

func TestAdminKeyRejectsMismatchAndMissing(t *testing.T) {
	v := New("super-secret-admin-key-0123456789", &fakeCtl{})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	err := v.AdminKey(r)
	require.Error(t, err)
	cerr, ok := ctlerr.As(err)
	require.True(t, ok)
	assert.Equal(t, ctlerr.AuthMissing, cerr.Kind)

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-API-Key", "wrong-key")
	err = v.AdminKey(r2)
	require.Error(t, err)
	cerr, ok = ctlerr.As(err)
	require.True(t, ok)
	assert.Equal(t, ctlerr.AuthInvalid, cerr.Kind)
}

func TestWorkerTokenRejectsExpired(t *testing.T) {
	w := &types.Worker{
		ID:                   "w1",
		AccessToken:          "tok-123",
		AccessTokenExpiresAt: time.Now().UTC().Add(-time.Minute),
	}
	ctl := &fakeCtl{workersByToken: map[string]*types.Worker{"tok-123": w}}
	v := New("admin", ctl)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Worker-Token", "tok-123")
	_, err := v.WorkerToken(r)
	require.Error(t, err)
	cerr, ok := ctlerr.As(err)
	require.True(t, ok)
	assert.Equal(t, ctlerr.AuthInvalid, cerr.Kind)
}

func TestWorkerTokenAcceptsValid(t *testing.T) {
	w := &types.Worker{
		ID:                   "w1",
		AccessToken:          "tok-123",
		AccessTokenExpiresAt: time.Now().UTC().Add(time.Minute),
	}
	ctl := &fakeCtl{workersByToken: map[string]*types.Worker{"tok-123": w}}
	v := New("admin", ctl)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Worker-Token", "tok-123")
	got, err := v.WorkerToken(r)
	require.NoError(t, err)
	assert.Equal(t, "w1", got.ID)
}

func TestWorkerOwnsBuildRejectsMismatch(t *testing.T) {
	b := &types.Build{ID: "b1", WorkerID: "w1"}
	err := WorkerOwnsBuild(b, "w2")
	require.Error(t, err)
	cerr, ok := ctlerr.As(err)
	require.True(t, ok)
	assert.Equal(t, ctlerr.Forbidden, cerr.Kind)
}

func TestBuildTokenAcceptsMatchingSubmitterToken(t *testing.T) {
	ctl := &fakeCtl{builds: map[string]*types.Build{
		"b1": {ID: "b1", AccessToken: "submitter-token"},
	}}
	v := New("admin", ctl)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Build-Token", "submitter-token")
	got, err := v.BuildToken(r, "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.ID)
}

func TestVMTokenRejectsUnset(t *testing.T) {
	ctl := &fakeCtl{builds: map[string]*types.Build{
		"b1": {ID: "b1"},
	}}
	v := New("admin", ctl)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-VM-Token", "anything")
	_, err := v.VMToken(r, "b1")
	require.Error(t, err)
}
