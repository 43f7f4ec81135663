package server

import (
	"bytes"
	"crypto/sha1"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/pkgstore/internal/auth"
	"github.com/kilupskalvis/pkgstore/internal/blobstore"
	"github.com/kilupskalvis/pkgstore/internal/db"
	"github.com/kilupskalvis/pkgstore/internal/metastore"
	"github.com/kilupskalvis/pkgstore/internal/packages"
	"github.com/kilupskalvis/pkgstore/internal/upload"
)

const testAdminToken = "admin-secret"

// recordingNotifier collects publish events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []packages.Event
}

func (n *recordingNotifier) NotifyPublish(e packages.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

type testEnv struct {
	*httptest.Server
	db       *sql.DB
	deps     Deps
	notifier *recordingNotifier
	token    string
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()
	dir := t.TempDir()

	sqlDB, err := db.Open(filepath.Join(dir, "pkgstore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	backend, err := blobstore.NewFSBackend(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	blobs := blobstore.NewStore(sqlDB, backend)
	notifier := &recordingNotifier{}
	svc := packages.NewService(metastore.New(sqlDB), blobs, notifier, nil)

	uploads, err := upload.Open(filepath.Join(dir, "sessions.db"), filepath.Join(dir, "uploads"), blobs, nil)
	require.NoError(t, err)
	t.Cleanup(func() { uploads.Close() })

	tokens := auth.NewFileStore(filepath.Join(dir, "tokens.json"), nil)
	token, _, err := tokens.Create("ci", []string{"acme"}, auth.PermissionReadWrite)
	require.NoError(t, err)

	if cfg == nil {
		cfg = DefaultConfig()
		cfg.AdminToken = testAdminToken
	}
	deps := Deps{Service: svc, Uploads: uploads, Tokens: tokens}
	handler, cleanup := Handler(deps, cfg, nil)
	t.Cleanup(cleanup)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testEnv{Server: srv, db: sqlDB, deps: deps, notifier: notifier, token: token}
}

func (e *testEnv) do(t *testing.T, method, path, bearer string, body []byte) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, e.URL+path, r)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyzDatabaseClosed(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.db.Close())

	resp := env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodGet, "/admin/tokens", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/admin/tokens", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Registry tokens are not admin tokens.
	resp = env.do(t, http.MethodGet, "/admin/tokens", env.token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/admin/tokens", testAdminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())

	resp := env.do(t, http.MethodGet, "/admin/tokens", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminTokenLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	body, _ := json.Marshal(CreateTokenRequest{Description: "deploy", Owners: []string{"widgets"}, Permission: "rw"})
	resp := env.do(t, http.MethodPost, "/admin/tokens", testAdminToken, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created CreateTokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.True(t, strings.HasPrefix(created.Token, auth.TokenPrefix))
	assert.Equal(t, []string{"widgets"}, created.Owners)

	// The new token can push to its owner.
	resp = env.do(t, http.MethodPost, "/v2/widgets/app/blobs/uploads/", created.Token, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/admin/tokens", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "token_hash")
	var entries []TokenEntry
	require.NoError(t, json.Unmarshal(raw, &entries))
	assert.Len(t, entries, 2)

	resp = env.do(t, http.MethodDelete, "/admin/tokens/"+created.ID, testAdminToken, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodDelete, "/admin/tokens/"+created.ID, testAdminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A deleted token is treated as anonymous.
	resp = env.do(t, http.MethodPost, "/v2/widgets/app/blobs/uploads/", created.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminCreateTokenValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, body := range []string{
		`not json`,
		`{"owners":["acme"],"permission":"admin"}`,
		`{"permission":"rw"}`,
	} {
		resp := env.do(t, http.MethodPost, "/admin/tokens", testAdminToken, []byte(body))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestAdminStats(t *testing.T) {
	env := newTestEnv(t, nil)
	publishNpm(t, env, "left-pad", "1.0.0", []byte("tarball"))

	resp := env.do(t, http.MethodPost, "/v2/acme/app/blobs/uploads/", env.token, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/admin/stats", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.EqualValues(t, 1, stats.Blobs.Count)
	assert.EqualValues(t, len("tarball"), stats.Blobs.TotalSize)
	assert.Equal(t, 1, stats.UploadSessions)

	var npmStats metastore.TypeStats
	for _, s := range stats.Packages {
		if s.Type == metastore.TypeNpm {
			npmStats = s
		}
	}
	assert.EqualValues(t, 1, npmStats.Packages)
	assert.EqualValues(t, 1, npmStats.Versions)
}

func TestAdminGC(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := t.Context()

	orphan := []byte("orphan layer")
	d := digest.FromBytes(orphan)
	resp := env.do(t, http.MethodPost, "/v2/acme/app/blobs/uploads/?digest="+d.String(), env.token, orphan)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	publishNpm(t, env, "kept", "1.0.0", []byte("kept tarball"))

	// Within the grace period nothing is collected.
	resp = env.do(t, http.MethodPost, "/admin/gc", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result GCResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 0, result.BlobsDeleted)

	_, err := env.db.ExecContext(ctx, `UPDATE package_blob SET created_unix = 0`)
	require.NoError(t, err)

	resp = env.do(t, http.MethodPost, "/admin/gc?grace=1h", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 1, result.BlobsDeleted)
	assert.EqualValues(t, len(orphan), result.BytesFreed)

	ok, err := env.deps.Service.Blobs().Exists(ctx, d.String())
	require.NoError(t, err)
	assert.False(t, ok)

	resp = env.do(t, http.MethodPost, "/admin/gc?grace=soon", testAdminToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = 2
	env := newTestEnv(t, cfg)

	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodGet, "/healthz", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))

	// Authenticated callers have their own window.
	resp = env.do(t, http.MethodGet, "/healthz", env.token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPublishNotifies(t *testing.T) {
	env := newTestEnv(t, nil)
	publishNpm(t, env, "left-pad", "1.0.0", []byte("tarball"))

	env.notifier.mu.Lock()
	defer env.notifier.mu.Unlock()
	require.Len(t, env.notifier.events, 1)
	e := env.notifier.events[0]
	assert.Equal(t, packages.EventPublished, e.Type)
	assert.Equal(t, "acme", e.Owner)
	assert.Equal(t, metastore.TypeNpm, e.PackageType)
	assert.Equal(t, "left-pad", e.Name)
	assert.Equal(t, "1.0.0", e.Version)
}

func TestDocumentCompression(t *testing.T) {
	env := newTestEnv(t, nil)
	publishNpm(t, env, "left-pad", "1.0.0", []byte("tarball"))

	req, err := http.NewRequest(http.MethodGet, env.URL+"/api/packages/acme/npm/left-pad", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "zstd, gzip")
	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "zstd", resp.Header.Get("Content-Encoding"))

	dec, err := zstd.NewReader(resp.Body)
	require.NoError(t, err)
	defer dec.Close()
	var doc struct {
		Name     string            `json:"name"`
		DistTags map[string]string `json:"dist-tags"`
	}
	require.NoError(t, json.NewDecoder(dec).Decode(&doc))
	assert.Equal(t, "left-pad", doc.Name)
	assert.Equal(t, "1.0.0", doc.DistTags["latest"])

	// Tarballs are served as is.
	req, err = http.NewRequest(http.MethodGet, env.URL+"/api/packages/acme/npm/left-pad/-/left-pad-1.0.0.tgz", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "zstd")
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
}

func TestBasicAuthPush(t *testing.T) {
	env := newTestEnv(t, nil)

	req, err := http.NewRequest(http.MethodPost, env.URL+"/v2/acme/app/blobs/uploads/", nil)
	require.NoError(t, err)
	req.SetBasicAuth("docker", env.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "registry/2.0", resp.Header.Get("Docker-Distribution-API-Version"))
}

// publishNpm publishes one version through the npm adapter.
func publishNpm(t *testing.T, env *testEnv, name, version string, tarball []byte) {
	t.Helper()
	sum := sha1.Sum(tarball)
	file := name + "-" + version + ".tgz"
	doc := map[string]any{
		"name":      name,
		"dist-tags": map[string]string{"latest": version},
		"versions": map[string]any{
			version: map[string]any{
				"name":    name,
				"version": version,
				"dist":    map[string]string{"shasum": hex.EncodeToString(sum[:])},
			},
		},
		"_attachments": map[string]any{
			file: map[string]any{
				"data":   base64.StdEncoding.EncodeToString(tarball),
				"length": len(tarball),
			},
		},
	}
	body, err := json.Marshal(doc)
	require.NoError(t, err)
	resp := env.do(t, http.MethodPut, "/api/packages/acme/npm/"+name, env.token, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}
