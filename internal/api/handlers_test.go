package api

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/rentrig/internal/container/containertest"
	"github.com/shehryarbajwa/rentrig/internal/lock"
	"github.com/shehryarbajwa/rentrig/internal/metrics"
	"github.com/shehryarbajwa/rentrig/internal/ratelimit"
	"github.com/shehryarbajwa/rentrig/internal/sandbox"
	"github.com/shehryarbajwa/rentrig/internal/session"
	"github.com/shehryarbajwa/rentrig/internal/store"
	"github.com/shehryarbajwa/rentrig/internal/stream"
	"github.com/shehryarbajwa/rentrig/internal/workspace"
	"github.com/shehryarbajwa/rentrig/pkg/models"
)

const (
	owner  = "owner-1"
	renter = "renter-1"
)

type testServer struct {
	*httptest.Server
	engine *containertest.Engine
	reg    *prometheus.Registry
}

func newTestServer(t *testing.T, engine *containertest.Engine, limiter *ratelimit.Limiter) *testServer {
	t.Helper()
	logger := zerolog.Nop()

	ws, err := workspace.NewManager(t.TempDir())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	hub := stream.NewHub(&logger)
	builder := sandbox.NewBuilder(ws, sandbox.NewRegistry(), &logger)
	mgr := session.NewManager(store.NewMemoryStore(), builder, ws, engine, lock.NewMemoryLocker(),
		session.Config{ExecTimeout: 5 * time.Second}, &logger, session.WithHub(hub), session.WithMetrics(mt))

	if limiter == nil {
		limiter = ratelimit.NewLimiter(100, 10)
	}
	h := NewHandler(mgr, stream.NewServer(hub, mgr.WatchSession, &logger), &logger)
	router := h.SetupRoutes(limiter, mt, reg, engine.Ping)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, engine: engine, reg: reg}
}

func (ts *testServer) do(t *testing.T, method, path, actor string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	require.NoError(t, err)
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) doJSON(t *testing.T, method, path, actor string, payload any) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	return ts.do(t, method, path, actor, body, "application/json")
}

func (ts *testServer) upload(t *testing.T, sessionID, actor, source, query string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if source != "" {
		fw, err := mw.CreateFormFile("file", "code.py")
		require.NoError(t, err)
		_, err = io.WriteString(fw, source)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return ts.do(t, http.MethodPost, "/v1/sessions/"+sessionID+"/upload"+query, actor, &buf, mw.FormDataContentType())
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// activeSession registers a device, requests it and accepts the request
func (ts *testServer) activeSession(t *testing.T) string {
	t.Helper()
	resp := ts.doJSON(t, http.MethodPost, "/v1/devices", owner, models.CreateDeviceRequest{Name: "rig", Price: 1.5})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	device := decode[models.Device](t, resp)

	resp = ts.doJSON(t, http.MethodPost, "/v1/sessions", renter, models.CreateSessionRequest{DeviceID: device.ID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[models.CreateSessionResponse](t, resp)
	require.True(t, created.Success)

	resp = ts.doJSON(t, http.MethodPut, "/v1/sessions/"+created.SessionID+"/status", owner, models.UpdateStatusRequest{Status: models.StatusActive})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return created.SessionID
}

func TestMissingActorIsRejected(t *testing.T) {
	ts := newTestServer(t, containertest.New(""), nil)

	resp := ts.doJSON(t, http.MethodGet, "/v1/sessions/renter", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decode[models.ErrorResponse](t, resp)
	assert.False(t, body.Success)
	assert.Equal(t, "NOT_AUTHORIZED", body.Code)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, containertest.New(""), nil)
	id := ts.activeSession(t)

	resp := ts.doJSON(t, http.MethodGet, "/v1/sessions/"+id, renter, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[models.SessionResponse](t, resp)
	assert.Equal(t, models.StatusActive, got.Session.Status)
	assert.NotNil(t, got.Session.StartTime)

	resp = ts.doJSON(t, http.MethodPut, "/v1/sessions/"+id+"/status", owner, models.UpdateStatusRequest{Status: models.StatusCompleted})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Session completed", decode[models.StatusResponse](t, resp).Message)

	resp = ts.doJSON(t, http.MethodGet, "/v1/sessions/renter", renter, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[models.SessionsResponse](t, resp)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, models.StatusCompleted, list.Sessions[0].Status)
	assert.NotNil(t, list.Sessions[0].EndTime)

	resp = ts.doJSON(t, http.MethodGet, "/v1/sessions/owner", owner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[models.SessionsResponse](t, resp).Sessions, 1)
}

func TestStatusErrorsMapToHTTP(t *testing.T) {
	ts := newTestServer(t, containertest.New(""), nil)
	id := ts.activeSession(t)

	tests := []struct {
		name   string
		actor  string
		path   string
		status models.SessionStatus
		want   int
	}{
		{"invalid target", owner, id, "paused", http.StatusBadRequest},
		{"unknown session", owner, "missing", models.StatusCompleted, http.StatusNotFound},
		{"not the owner", renter, id, models.StatusCompleted, http.StatusForbidden},
		{"illegal edge", owner, id, models.StatusRejected, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.doJSON(t, http.MethodPut, "/v1/sessions/"+tt.path+"/status", tt.actor, models.UpdateStatusRequest{Status: tt.status})
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestUploadReturnsOutput(t *testing.T) {
	ts := newTestServer(t, containertest.New("42\n"), nil)
	id := ts.activeSession(t)

	resp := ts.upload(t, id, renter, "print(42)", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	up := decode[models.UploadResponse](t, resp)
	assert.True(t, up.Success)
	assert.Equal(t, "42\n", up.Output)

	resp = ts.doJSON(t, http.MethodGet, "/v1/sessions/"+id+"/result", owner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "42\n", decode[models.ResultResponse](t, resp).Result)
}

func TestUploadRejections(t *testing.T) {
	ts := newTestServer(t, containertest.New("x"), nil)
	id := ts.activeSession(t)

	resp := ts.upload(t, id, renter, "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.upload(t, id, owner, "print(1)", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = ts.doJSON(t, http.MethodPut, "/v1/sessions/"+id+"/status", owner, models.UpdateStatusRequest{Status: models.StatusCompleted})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.upload(t, id, renter, "print(1)", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "cannot upload code to a session in completed status", decode[models.ErrorResponse](t, resp).Message)
}

func TestUploadBuildFailureIsServerError(t *testing.T) {
	engine := containertest.New("x")
	engine.BuildFailures = 5
	ts := newTestServer(t, engine, nil)
	id := ts.activeSession(t)

	resp := ts.upload(t, id, renter, "import nope", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decode[models.ErrorResponse](t, resp)
	assert.Equal(t, "EXECUTION_ERROR", body.Code)
}

func TestAsyncUpload(t *testing.T) {
	ts := newTestServer(t, containertest.New("x"), nil)
	id := ts.activeSession(t)

	resp := ts.upload(t, id, renter, "print(1)", "?async=true")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decode[models.JobResponse](t, resp)
	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, id, job.SessionID)

	// no workers are running, so the lock is still held by the queued job
	resp = ts.upload(t, id, renter, "print(2)", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUploadRateLimited(t *testing.T) {
	ts := newTestServer(t, containertest.New("x"), ratelimit.NewLimiter(1, 1))
	id := ts.activeSession(t)

	resp := ts.upload(t, id, renter, "print(1)", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.upload(t, id, renter, "print(1)", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestDownloadWorkspace(t *testing.T) {
	ts := newTestServer(t, containertest.New("x"), nil)
	id := ts.activeSession(t)

	resp := ts.doJSON(t, http.MethodGet, "/v1/sessions/"+id+"/workspace", renter, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.upload(t, id, renter, "print(1)", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.doJSON(t, http.MethodGet, "/v1/sessions/"+id+"/workspace", renter, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/gzip", resp.Header.Get("Content-Type"))

	gz, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.ElementsMatch(t, []string{"Dockerfile", "code.py", "requirements.txt"}, names)

	resp = ts.doJSON(t, http.MethodGet, "/v1/sessions/"+id+"/workspace", "stranger", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOutputWebsocketReplaysFinishedRun(t *testing.T) {
	ts := newTestServer(t, containertest.New("done\n"), nil)
	id := ts.activeSession(t)

	resp := ts.upload(t, id, renter, "print('done')", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	header := http.Header{}
	header.Set(ActorHeader, renter)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/" + id + "/output/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(msg))
}

func TestDevices(t *testing.T) {
	ts := newTestServer(t, containertest.New(""), nil)

	resp := ts.doJSON(t, http.MethodPost, "/v1/devices", owner, models.CreateDeviceRequest{Name: "", Price: 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.doJSON(t, http.MethodPost, "/v1/devices", owner, models.CreateDeviceRequest{Name: "a100", Price: 4})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	device := decode[models.Device](t, resp)
	assert.Equal(t, owner, device.Owner)
	assert.True(t, device.IsAvailable)

	resp = ts.doJSON(t, http.MethodGet, "/v1/devices/"+device.ID, renter, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a100", decode[models.Device](t, resp).Name)

	resp = ts.doJSON(t, http.MethodGet, "/v1/devices/missing", renter, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, containertest.New(""), nil)
	ts.activeSession(t)

	resp := ts.do(t, http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/metrics", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rentrig_session_transitions_total")
}
