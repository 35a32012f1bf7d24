package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulgrammer/githost/internal/projects"
	"github.com/paulgrammer/githost/internal/scheduler"
)

type testAPI struct {
	handler  http.Handler
	tracker  *projects.Tracker
	clock    *clock.MockClock
	sched    *scheduler.Scheduler
	streamer *projects.EventStreamer
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	mockClock := clock.NewMockClock()
	sched := scheduler.New(scheduler.Config{}, mockClock)
	streamer := projects.NewEventStreamer()
	hosted := projects.ResolverFunc(func(projects.Project) projects.Status { return projects.StatusHosted })

	tracker, err := projects.NewTracker(projects.Options{NotifyWorkers: 1}, projects.NewInMemoryStore(), sched, hosted, streamer)
	require.NoError(t, err)
	t.Cleanup(tracker.Stop)

	reg := prometheus.NewRegistry()
	tracker.WithMetrics(projects.NewMetrics(reg, sched.Pending))

	return &testAPI{
		handler:  NewRouter(tracker, streamer, reg),
		tracker:  tracker,
		clock:    mockClock,
		sched:    sched,
		streamer: streamer,
	}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

type listResponse struct {
	Projects []projects.Project `json:"projects"`
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, rec))
}

func TestSubmit_AndLifecycle(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/projects", `{"repo_url":"https://github.com/u/repo"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("content-type"))
	p := decode[projects.Project](t, rec)
	assert.Equal(t, projects.StatusCloning, p.Status)
	assert.Equal(t, "repo", p.Name)

	api.clock.AddTime(3 * time.Second)
	api.sched.Tick()
	rec = api.do(t, http.MethodGet, "/projects/"+p.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, projects.StatusBuilding, decode[projects.Project](t, rec).Status)

	api.clock.AddTime(5 * time.Second)
	api.sched.Tick()
	rec = api.do(t, http.MethodGet, "/projects/"+p.ID, "")
	got := decode[projects.Project](t, rec)
	assert.Equal(t, projects.StatusHosted, got.Status)
	assert.Equal(t, "https://repo.githost.app", got.DeployedURL)
}

func TestSubmit_Rejections(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "bad json", body: `{`},
		{name: "missing url", body: `{}`},
		{name: "not a url", body: `{"repo_url":"repo"}`},
		{name: "wrong host", body: `{"repo_url":"https://gitlab.com/u/repo"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/projects", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
		})
	}

	rec := api.do(t, http.MethodGet, "/projects", "")
	assert.Empty(t, decode[listResponse](t, rec).Projects)
}

func TestList_Filter(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/projects", `{"repo_url":"https://github.com/u/a"}`)
	api.clock.AddTime(8 * time.Second)
	api.sched.Tick()
	api.do(t, http.MethodPost, "/projects", `{"repo_url":"https://github.com/u/b"}`)

	rec := api.do(t, http.MethodGet, "/projects", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[listResponse](t, rec).Projects
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].Name)
	assert.Equal(t, "a", all[1].Name)

	rec = api.do(t, http.MethodGet, "/projects?status=hosted", "")
	hosted := decode[listResponse](t, rec).Projects
	require.Len(t, hosted, 1)
	assert.Equal(t, "a", hosted[0].Name)

	rec = api.do(t, http.MethodGet, "/projects?status=paused", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRebuildAndRemove(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/projects/nope/rebuild", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = api.do(t, http.MethodDelete, "/projects/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPost, "/projects", `{"repo_url":"https://github.com/u/repo"}`)
	p := decode[projects.Project](t, rec)
	api.clock.AddTime(8 * time.Second)
	api.sched.Tick()

	rec = api.do(t, http.MethodPost, "/projects/"+p.ID+"/rebuild", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rebuilt := decode[projects.Project](t, rec)
	assert.Equal(t, projects.StatusBuilding, rebuilt.Status)
	assert.Equal(t, "https://repo.githost.app", rebuilt.DeployedURL)

	rec = api.do(t, http.MethodDelete, "/projects/"+p.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(t, http.MethodGet, "/projects/"+p.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, api.sched.Pending())
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/projects", `{"repo_url":"https://github.com/u/repo"}`)

	rec := api.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "githost_projects_submitted_total 1")
	assert.Contains(t, body, "githost_scheduler_pending_tasks 2")
}

func TestEvents_Websocket(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/projects/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		return api.streamer.Count(projects.AllProjects) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(srv.URL+"/projects", "application/json", strings.NewReader(`{"repo_url":"https://github.com/u/repo"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev projects.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, projects.EventSubmitted, ev.Type)
	assert.Equal(t, "repo", ev.Project.Name)
}

func TestEvents_UnknownProject(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/projects/events?project_id=missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestList_OwnerFilter(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/projects", `{"repo_url":"https://github.com/alice/a"}`)
	api.do(t, http.MethodPost, "/projects", `{"repo_url":"git@github.com:bob/b.git"}`)

	rec := api.do(t, http.MethodGet, "/projects?owner=bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[listResponse](t, rec).Projects
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].Owner)
	assert.Equal(t, "b", got[0].Name)

	rec = api.do(t, http.MethodGet, "/projects?owner=alice&status=hosted", "")
	assert.Empty(t, decode[listResponse](t, rec).Projects)
}

func TestReportOutcome(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/projects", `{"repo_url":"https://github.com/u/repo"}`)
	p := decode[projects.Project](t, rec)

	rec = api.do(t, http.MethodPost, "/projects/"+p.ID+"/status", `{"status":"success"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "still cloning")

	api.clock.AddTime(3 * time.Second)
	api.sched.Tick()

	rec = api.do(t, http.MethodPost, "/projects/"+p.ID+"/status", `{"status":"done"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = api.do(t, http.MethodPost, "/projects/"+p.ID+"/status", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = api.do(t, http.MethodPost, "/projects/nope/status", `{"status":"error"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPost, "/projects/"+p.ID+"/status", `{"status":"error","message":"exit 1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, projects.StatusFailed, decode[projects.Project](t, rec).Status)
	assert.Equal(t, 0, api.sched.Pending())
}

func TestAttach_RemovedProjectClosesStream(t *testing.T) {
	api := newTestAPI(t)
	p, err := api.tracker.Submit(context.Background(), "https://github.com/u/repo")
	require.NoError(t, err)
	// removed after the handler's existence check but before it subscribed
	require.NoError(t, api.tracker.Remove(context.Background(), p.ID))

	rt := &router{tracker: api.tracker, streamer: api.streamer}
	attached := make(chan bool, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			attached <- true
			return
		}
		attached <- rt.attach(p.ID, conn)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.False(t, <-attached)
	assert.Equal(t, 0, api.streamer.Count(p.ID))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
