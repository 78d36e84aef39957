package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridata/dnipipe/pkg/config"
	"github.com/veridata/dnipipe/pkg/processor"
	"github.com/veridata/dnipipe/pkg/recovery"
	"github.com/veridata/dnipipe/pkg/report"
	"github.com/veridata/dnipipe/pkg/retry"
	"github.com/veridata/dnipipe/pkg/session"
	"github.com/veridata/dnipipe/pkg/storage"
	"github.com/veridata/dnipipe/pkg/types"
)

const testSession = "session-aaaa-bbbb"

func testConfig() *config.Config {
	return &config.Config{
		MaxGlobalWorkers:   10,
		SessionIdleTimeout: time.Hour,
		WorkerPollInterval: 10 * time.Millisecond,
		Sunedu:             config.StageConfig{MaxRetries: 1, SleepMin: time.Millisecond, SleepMax: time.Millisecond},
		Minedu:             config.StageConfig{MaxRetries: 1, SleepMin: time.Millisecond, SleepMax: time.Millisecond},
	}
}

func newTestServer(t *testing.T) (*Server, storage.Store, *session.Manager) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := testConfig()
	sessions := session.NewManager(cfg.MaxGlobalWorkers, cfg.SessionIdleTimeout, nil)
	t.Cleanup(sessions.Drain)

	srv := NewServer(Deps{
		Config:          cfg,
		Store:           store,
		Sessions:        sessions,
		Recovery:        recovery.NewService(store, nil),
		Retry:           retry.NewService(store, nil),
		Reporter:        report.NewReporter(store),
		SuneduProcessor: processor.NewSimulated("sunedu"),
		SuneduDrivers:   processor.NullDriverFactory{},
		MineduProcessor: processor.NewSimulated("minedu"),
		MineduDrivers:   processor.NullDriverFactory{},
		Version:         "test",
	})
	return srv, store, sessions
}

func doRequest(t *testing.T, srv *Server, method, path, sessionID string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if sessionID != "" {
		req.Header.Set(sessionHeader, sessionID)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func uploadBody(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	buf := new(bytes.Buffer)
	mw := multipart.NewWriter(buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// TestSessionHeaderRequired tests the session middleware
func TestSessionHeaderRequired(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name      string
		sessionID string
		status    int
	}{
		{name: "missing header", sessionID: "", status: http.StatusBadRequest},
		{name: "too short", sessionID: "short", status: http.StatusBadRequest},
		{name: "exactly eight chars", sessionID: "12345678", status: http.StatusOK},
		{name: "longer id", sessionID: testSession, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, srv, http.MethodGet, "/api/status", tt.sessionID, nil, "")
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusBadRequest {
				body := decodeJSON(t, w)
				assert.Contains(t, body["error"], "X-Session-ID")
			}
		})
	}
}

// TestUpload tests the ingestion endpoint
func TestUpload(t *testing.T) {
	srv, store, _ := newTestServer(t)

	buf, ct := uploadBody(t, "dnis.txt", "11111111\n22222222\nbogus\n")
	w := doRequest(t, srv, http.MethodPost, "/api/upload", testSession, buf, ct)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeJSON(t, w)
	assert.Equal(t, float64(2), body["total_dnis"])
	assert.Equal(t, float64(1), body["total_invalid"])
	assert.NotZero(t, body["batch_id"])

	total, err := store.TotalRecords(testSession)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

// TestUploadNoValidDNIs tests that a batch is never created without valid keys
func TestUploadNoValidDNIs(t *testing.T) {
	srv, store, _ := newTestServer(t)

	buf, ct := uploadBody(t, "dnis.txt", "bogus\n123\n")
	w := doRequest(t, srv, http.MethodPost, "/api/upload", testSession, buf, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := decodeJSON(t, w)
	assert.Contains(t, body["error"], "no valid DNIs")
	assert.Equal(t, float64(2), body["total_invalid"])

	total, err := store.TotalRecords(testSession)
	require.NoError(t, err)
	assert.Zero(t, total, "no batch on a fully invalid upload")
}

// TestUploadUnsupportedFormat tests extension rejection
func TestUploadUnsupportedFormat(t *testing.T) {
	srv, _, _ := newTestServer(t)

	buf, ct := uploadBody(t, "dnis.pdf", "11111111")
	w := doRequest(t, srv, http.MethodPost, "/api/upload", testSession, buf, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestStatusEndpoint tests the status projection over HTTP
func TestStatusEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)

	_, err := store.CreateBatch(testSession, "f.txt", []string{"11111111", "22222222"})
	require.NoError(t, err)

	w := doRequest(t, srv, http.MethodGet, "/api/status", testSession, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, float64(0), body["completed"])
	workers, ok := body["workers"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, workers["running"])
}

// TestRecordsEndpoint tests listing filters and validation
func TestRecordsEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)

	_, err := store.CreateBatch(testSession, "f.txt", []string{"11111111", "22222222"})
	require.NoError(t, err)

	w := doRequest(t, srv, http.MethodGet, "/api/records?state=PENDIENTE", testSession, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, float64(2), body["count"])

	w = doRequest(t, srv, http.MethodGet, "/api/records?state=BOGUS", testSession, nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, srv, http.MethodGet, "/api/records?limit=abc", testSession, nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, srv, http.MethodGet, "/api/records?limit=1&offset=1", testSession, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeJSON(t, w)
	assert.Equal(t, float64(1), body["count"])
}

// TestBatchesEndpoint tests the batch listing
func TestBatchesEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)

	_, err := store.CreateBatch(testSession, "f.txt", []string{"11111111"})
	require.NoError(t, err)

	w := doRequest(t, srv, http.MethodGet, "/api/batches", testSession, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, float64(1), body["count"])
}

// TestWorkersLifecycle tests start, status and stop over HTTP
func TestWorkersLifecycle(t *testing.T) {
	srv, store, _ := newTestServer(t)

	_, err := store.CreateBatch(testSession, "f.txt", []string{"11111111"})
	require.NoError(t, err)

	w := doRequest(t, srv, http.MethodPost, "/api/workers/start", testSession, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeJSON(t, w)
	assert.Equal(t, "workers started", body["message"])

	w = doRequest(t, srv, http.MethodGet, "/api/workers/status", testSession, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	status := decodeJSON(t, w)
	assert.Equal(t, true, status["running"])
	assert.Equal(t, false, status["paused"])

	// Start while running resumes.
	w = doRequest(t, srv, http.MethodPost, "/api/workers/start", testSession, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeJSON(t, w)
	assert.Equal(t, "workers resumed", body["message"])

	w = doRequest(t, srv, http.MethodPost, "/api/workers/pause", testSession, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	w = doRequest(t, srv, http.MethodGet, "/api/workers/status", testSession, nil, "")
	status = decodeJSON(t, w)
	assert.Equal(t, true, status["paused"])

	w = doRequest(t, srv, http.MethodPost, "/api/workers/resume", testSession, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, srv, http.MethodPost, "/api/workers/stop", testSession, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, srv, http.MethodGet, "/api/workers/status", testSession, nil, "")
	status = decodeJSON(t, w)
	assert.Equal(t, false, status["running"])
}

// TestWorkersStartCapacity tests the global budget rejection
func TestWorkersStartCapacity(t *testing.T) {
	srv, _, sessions := newTestServer(t)

	// Fill the budget with other sessions.
	sessions.RegisterWorkers("tenant-other-1", 4)
	sessions.RegisterWorkers("tenant-other-2", 5)

	w := doRequest(t, srv, http.MethodPost, "/api/workers/start", testSession, nil, "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeJSON(t, w)
	assert.Contains(t, body["error"], "9/10")
}

// TestWorkersStartConcurrent tests that racing starts for one tenant
// account the worker pair exactly once
func TestWorkersStartConcurrent(t *testing.T) {
	srv, _, sessions := newTestServer(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := doRequest(t, srv, http.MethodPost, "/api/workers/start", testSession, nil, "")
			assert.Equal(t, http.StatusOK, w.Code)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, sessions.Stats().TotalWorkers)
}

// TestWorkersPauseWithoutWorkers tests pause on an idle session
func TestWorkersPauseWithoutWorkers(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/api/workers/pause", testSession, nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestRetryEndpoint tests the retry operation
func TestRetryEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)

	_, err := store.CreateBatch(testSession, "f.txt", []string{"11111111"})
	require.NoError(t, err)
	rec, err := store.Claim(testSession, types.StatePending, types.StateProcessingSunedu)
	require.NoError(t, err)
	_, err = store.Settle(rec.ID, types.StateProcessingSunedu, types.StateErrorSunedu, nil, "boom")
	require.NoError(t, err)

	w := doRequest(t, srv, http.MethodPost, "/api/retry", testSession, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, float64(1), body["requeued"])
}

// TestRecoverEndpoint tests the recover operation
func TestRecoverEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)

	_, err := store.CreateBatch(testSession, "f.txt", []string{"11111111"})
	require.NoError(t, err)
	_, err = store.Claim(testSession, types.StatePending, types.StateProcessingSunedu)
	require.NoError(t, err)

	w := doRequest(t, srv, http.MethodPost, "/api/recover", testSession, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	recovered, ok := body["recovered"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), recovered["sunedu_recovered"])
}

// TestCleanEndpoint tests tenant data deletion
func TestCleanEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)

	_, err := store.CreateBatch(testSession, "f.txt", []string{"11111111", "22222222"})
	require.NoError(t, err)

	w := doRequest(t, srv, http.MethodPost, "/api/clean", testSession, nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	total, err := store.TotalRecords(testSession)
	require.NoError(t, err)
	assert.Zero(t, total)
}

// TestExportEndpoint tests the xlsx download
func TestExportEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)

	// Empty tenant: nothing to export.
	w := doRequest(t, srv, http.MethodGet, "/api/export", testSession, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := store.CreateBatch(testSession, "f.txt", []string{"11111111"})
	require.NoError(t, err)

	w = doRequest(t, srv, http.MethodGet, "/api/export", testSession, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.NotZero(t, w.Body.Len())

	w = doRequest(t, srv, http.MethodGet, "/api/export?batch_id=abc", testSession, nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestServerStats tests the global occupancy endpoint
func TestServerStats(t *testing.T) {
	srv, _, sessions := newTestServer(t)

	sessions.RegisterWorkers("tenant-other-1", 2)

	// No session header required.
	w := doRequest(t, srv, http.MethodGet, "/api/server/stats", "", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var stats types.SessionStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.TotalWorkers)
	assert.Equal(t, 10, stats.MaxWorkers)
	assert.Equal(t, 1, stats.TotalSessions)
}

// TestHealthEndpoints tests liveness and readiness
func TestHealthEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/health", "", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, srv, http.MethodGet, "/ready", "", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, srv, http.MethodGet, "/metrics", "", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}
