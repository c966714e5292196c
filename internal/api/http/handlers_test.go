package http

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/GriffinCanCode/flightbus/internal/domain/app"
	"github.com/GriffinCanCode/flightbus/internal/domain/bus"
	"github.com/GriffinCanCode/flightbus/internal/domain/events"
	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/GriffinCanCode/flightbus/internal/domain/report"
	"github.com/GriffinCanCode/flightbus/internal/infrastructure/logging"
	"github.com/GriffinCanCode/flightbus/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/flightbus/internal/shared/id"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	router *gin.Engine
	bus    *bus.Bus
	client *bus.Client
	pipe   id.PipeID
	dir    string
	logger *logging.Logger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := bus.DefaultConfig()
	apps := app.NewManager(8, cfg.MaxTasks)
	svc := events.NewService(nil, events.WithTaskNamer(apps))
	b, err := bus.New(cfg, apps, bus.WithEvents(svc))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	a, err := apps.Register("SAMPLE")
	require.NoError(t, err)
	c, err := b.Client(a.MainTask)
	require.NoError(t, err)
	pid, err := c.CreatePipe(4, "SAMPLE_CMD")
	require.NoError(t, err)
	require.NoError(t, c.Subscribe(0x80, pid))
	require.NoError(t, c.Subscribe(0x81, pid))

	logger, err := logging.New(logging.DefaultConfig())
	require.NoError(t, err)
	dir := t.TempDir()

	h := NewHandlers(Deps{
		Bus:     b,
		Apps:    apps,
		Events:  svc,
		Dumper:  report.NewDumper(b, dir, false, 0, nil),
		Metrics: monitoring.NewMetrics(),
		Logger:  logger,
		MaxLoop: 1,
	})
	r := gin.New()
	h.Register(r)
	return &env{router: r, bus: b, client: c, pipe: pid, dir: dir, logger: logger}
}

func (e *env) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealthAndStats(t *testing.T) {
	e := newEnv(t)

	w, body := e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["pipes_in_use"])

	_, err := e.client.TransmitMsg(context.Background(), msg.NewMessage(0x99, nil, msg.Options{}))
	require.NoError(t, err)

	w, body = e.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := body["stats"].(map[string]any)
	assert.EqualValues(t, 1, stats["no_subscribers"])

	w, _ = e.do(t, http.MethodPost, "/api/stats/reset", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, e.bus.Stats().NoSubscribers)
}

func TestPipes(t *testing.T) {
	e := newEnv(t)

	w, body := e.do(t, http.MethodGet, "/api/pipes?name=SAMPLE_*", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	_, body = e.do(t, http.MethodGet, "/api/pipes?name=OTHER*", "")
	assert.EqualValues(t, 0, body["count"])

	w, body = e.do(t, http.MethodGet, fmt.Sprintf("/api/pipes/%d", e.pipe), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "SAMPLE_CMD", body["name"])

	w, _ = e.do(t, http.MethodGet, "/api/pipes/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.do(t, http.MethodDelete, fmt.Sprintf("/api/pipes/%d", e.pipe), "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = e.do(t, http.MethodGet, fmt.Sprintf("/api/pipes/%d", e.pipe), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutesPaging(t *testing.T) {
	e := newEnv(t)

	w, body := e.do(t, http.MethodGet, "/api/routes", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["routes"], 1, "window is capped at MaxLoop")
	next := body["next"].(float64)
	require.NotZero(t, next)

	_, body = e.do(t, http.MethodGet, fmt.Sprintf("/api/routes?start=%d", int(next)), "")
	assert.Len(t, body["routes"], 1)
	assert.EqualValues(t, 0, body["next"])

	w, _ = e.do(t, http.MethodGet, "/api/routes?start=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouteState(t *testing.T) {
	e := newEnv(t)
	path := fmt.Sprintf("/api/routes/0x80/pipes/%d", e.pipe)

	w, _ := e.do(t, http.MethodPut, path, `{"active": false}`)
	require.Equal(t, http.StatusOK, w.Code)
	r, err := e.client.TransmitMsg(context.Background(), msg.NewMessage(0x80, nil, msg.Options{}))
	require.NoError(t, err)
	assert.Zero(t, r.Delivered)

	w, _ = e.do(t, http.MethodPut, path, `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.do(t, http.MethodPut, fmt.Sprintf("/api/routes/0x90/pipes/%d", e.pipe), `{"active": true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.do(t, http.MethodPut, fmt.Sprintf("/api/routes/0/pipes/%d", e.pipe), `{"active": true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.do(t, http.MethodDelete, path, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, e.bus.Stats().SubscriptionsInUse)
}

func TestAppsAndEvents(t *testing.T) {
	e := newEnv(t)

	w, body := e.do(t, http.MethodGet, "/api/apps", "")
	require.Equal(t, http.StatusOK, w.Code)
	apps := body["apps"].([]any)
	require.Len(t, apps, 1)
	assert.Equal(t, "SAMPLE", apps[0].(map[string]any)["name"])

	w, body = e.do(t, http.MethodGet, "/api/events?n=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["events"], 2)

	w, _ = e.do(t, http.MethodGet, "/api/events?n=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReports(t *testing.T) {
	e := newEnv(t)

	w, body := e.do(t, http.MethodPost, "/api/reports/routes", "")
	require.Equal(t, http.StatusOK, w.Code)
	rep := body["report"].(map[string]any)
	assert.EqualValues(t, 2, rep["entries"])
	_, err := os.Stat(filepath.Join(e.dir, "routes.jsonl"))
	assert.NoError(t, err)

	w, _ = e.do(t, http.MethodPost, "/api/reports/pipes", `{"file":"p.jsonl","pattern":"SAMPLE*"}`)
	require.Equal(t, http.StatusOK, w.Code)
	_, err = os.Stat(filepath.Join(e.dir, "p.jsonl"))
	assert.NoError(t, err)

	w, _ = e.do(t, http.MethodPost, "/api/reports/map", `{"file":"../escape.jsonl"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.do(t, http.MethodPost, "/api/reports/bogus", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogLevelAndMetrics(t *testing.T) {
	e := newEnv(t)

	w, body := e.do(t, http.MethodPut, "/api/log/level", `{"level":"debug"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "debug", body["level"])
	assert.Equal(t, "debug", e.logger.Level())

	w, _ = e.do(t, http.MethodPut, "/api/log/level", `{"level":"loud"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = e.do(t, http.MethodGet, "/api/metrics/json", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
