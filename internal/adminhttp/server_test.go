package adminhttp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/taskengine/engine"
	"github.com/bazelment/yoloswe/taskengine/metrics"
	"github.com/bazelment/yoloswe/taskengine/orchestrator"
	"github.com/bazelment/yoloswe/taskengine/task"
)

type scriptedEngine struct {
	gate chan struct{}
}

func (e *scriptedEngine) Run(ctx context.Context, t *task.Task, _ task.Request) error {
	select {
	case <-e.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return engine.EmitText(t, "hello")
}

func (e *scriptedEngine) Cancel(context.Context, *task.Task) error { return nil }
func (e *scriptedEngine) Close(context.Context) error             { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *scriptedEngine) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	eng := &scriptedEngine{gate: make(chan struct{})}
	o := orchestrator.New(
		orchestrator.WithEngine(task.EngineRPC, eng),
		orchestrator.WithMetrics(m),
		orchestrator.WithCancelGrace(10*time.Millisecond),
	)
	t.Cleanup(func() { _ = o.Close(context.Background()) })

	s := New(o, Options{Gatherer: reg})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, eng
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartStreamAndInspect(t *testing.T) {
	srv, eng := newTestServer(t)

	resp := post(t, srv.URL+"/tasks", `{"taskId":"t1","engine":"rpc","text":"hi"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started startResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.True(t, started.Started)

	resp = post(t, srv.URL+"/tasks", `{"taskId":"t1","engine":"rpc","text":"hi"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	close(eng.gate)

	resp = get(t, srv.URL+"/tasks/t1/events?after=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	var ids []int64
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var ev task.StoredEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []int64{2, 3}, ids)

	resp = get(t, srv.URL+"/tasks/t1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info task.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.True(t, info.Final)
	assert.Equal(t, 3, info.Events)

	resp = get(t, srv.URL+"/tasks")
	var infos []task.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	assert.Len(t, infos, 1)

	resp = get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `taskengine_tasks_started_total{engine="rpc"} 1`)
}

func TestErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		do     func() *http.Response
		status int
	}{
		{"unknown task", func() *http.Response { return get(t, srv.URL+"/tasks/nope") }, http.StatusNotFound},
		{"unknown task events", func() *http.Response { return get(t, srv.URL+"/tasks/nope/events") }, http.StatusNotFound},
		{"bad cursor", func() *http.Response { return get(t, srv.URL+"/tasks/nope/events?after=x") }, http.StatusBadRequest},
		{"bad json", func() *http.Response { return post(t, srv.URL+"/tasks", `{`) }, http.StatusBadRequest},
		{"missing id", func() *http.Response { return post(t, srv.URL+"/tasks", `{"engine":"rpc"}`) }, http.StatusBadRequest},
		{"unconfigured engine", func() *http.Response {
			return post(t, srv.URL+"/tasks", `{"taskId":"c","engine":"cli"}`)
		}, http.StatusBadRequest},
		{"cancel unknown", func() *http.Response { return post(t, srv.URL+"/tasks/nope/cancel", ``) }, http.StatusNotFound},
		{"answer needs id", func() *http.Response {
			return post(t, srv.URL+"/tasks/nope/answers", `{"answers":{}}`)
		}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.do().StatusCode)
		})
	}
}

func TestCancelAndAnswerOnRPCTask(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := post(t, srv.URL+"/tasks", `{"taskId":"r","engine":"rpc","text":"hi"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = post(t, srv.URL+"/tasks/r/answers", `{"toolUseId":"tu_1","answers":{"a":"b"}}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post(t, srv.URL+"/tasks/r/cancel", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out["cancelled"])

	resp = get(t, srv.URL+"/tasks/r")
	var info task.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "cancelled", string(info.State))
}

func TestPrepareRejects(t *testing.T) {
	o := orchestrator.New(orchestrator.WithEngine(task.EngineRPC, &scriptedEngine{gate: make(chan struct{})}))
	t.Cleanup(func() { _ = o.Close(context.Background()) })
	s := New(o, Options{Prepare: func(*task.Request) error { return assert.AnError }})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp := post(t, srv.URL+"/tasks", `{"taskId":"t","engine":"rpc"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, ok := o.Task("t")
	assert.False(t, ok)
}
