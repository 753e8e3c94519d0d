package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/smazurov/childwatch/internal/api/models"
	"github.com/smazurov/childwatch/internal/children"
	"github.com/smazurov/childwatch/internal/logging"
	"github.com/smazurov/childwatch/internal/metrics"
)

// mockChildService is a test implementation of children.Service.
type mockChildService struct {
	children map[string]*children.Child
	lastRun  children.RunParams
	stopped  []string
}

func newMockChildService(ids ...string) *mockChildService {
	m := &mockChildService{children: make(map[string]*children.Child)}
	for _, id := range ids {
		m.children[id] = &children.Child{ID: id, Command: "sleep 60", Capture: "both", State: "idle", PID: -1}
	}
	return m
}

func (m *mockChildService) get(id string) (*children.Child, error) {
	c, ok := m.children[id]
	if !ok {
		return nil, children.NewChildError(children.ErrCodeChildNotFound, "child not found", nil)
	}
	return c, nil
}

func (m *mockChildService) CreateChild(_ context.Context, params children.CreateParams) (*children.Child, error) {
	if _, ok := m.children[params.ID]; ok {
		return nil, children.NewChildError(children.ErrCodeChildExists, "child already exists", nil)
	}
	c := &children.Child{ID: params.ID, Command: params.Command, Capture: params.Capture, State: "idle", PID: -1}
	m.children[params.ID] = c
	return c, nil
}

func (m *mockChildService) DeleteChild(_ context.Context, id string) error {
	if _, err := m.get(id); err != nil {
		return err
	}
	delete(m.children, id)
	return nil
}

func (m *mockChildService) GetChild(_ context.Context, id string) (*children.Child, error) {
	return m.get(id)
}

func (m *mockChildService) ListChildren(_ context.Context) ([]children.Child, error) {
	result := make([]children.Child, 0, len(m.children))
	for _, c := range m.children {
		result = append(result, *c)
	}
	return result, nil
}

func (m *mockChildService) StartChild(_ context.Context, id string) (*children.Child, error) {
	c, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if c.State == "running" {
		return nil, children.NewChildError(children.ErrCodeChildRunning, "child already running", nil)
	}
	c.State = "running"
	c.PID = 4242
	return c, nil
}

func (m *mockChildService) StopChild(_ context.Context, id string) (*children.Child, error) {
	c, err := m.get(id)
	if err != nil {
		return nil, err
	}
	m.stopped = append(m.stopped, id)
	c.State = "exited"
	c.PID = -1
	return c, nil
}

func (m *mockChildService) RestartChild(ctx context.Context, id string) (*children.Child, error) {
	if _, err := m.StopChild(ctx, id); err != nil {
		return nil, err
	}
	c, err := m.StartChild(ctx, id)
	if err != nil {
		return nil, err
	}
	c.RestartCount++
	return c, nil
}

func (m *mockChildService) GetOutput(_ context.Context, id string) (*children.Output, error) {
	if _, err := m.get(id); err != nil {
		return nil, err
	}
	return &children.Output{ID: id, Stdout: []string{"line 1", "line 2"}}, nil
}

func (m *mockChildService) Run(_ context.Context, params children.RunParams) (*children.RunResult, error) {
	m.lastRun = params
	if params.Command == "missing" {
		return nil, children.NewChildError(children.ErrCodeInvalidParams, "executable not found", nil)
	}
	if params.Command == "broken" {
		return nil, children.NewChildError(children.ErrCodeSpawnError, "fork failed", nil)
	}
	return &children.RunResult{
		Success:  true,
		PID:      77,
		Outcome:  "exited",
		Stdout:   []string{"hello"},
		Duration: 12 * time.Millisecond,
	}, nil
}

func (m *mockChildService) LoadChildrenFromConfig() error { return nil }

func (m *mockChildService) Shutdown(_ context.Context) error { return nil }

const (
	testUser = "admin"
	testPass = "secret"
)

func newTestServer(t *testing.T, svc children.Service) *Server {
	t.Helper()
	return NewServer(&Options{
		AuthUsername: testUser,
		AuthPassword: testPass,
		ChildService: svc,
		Outstanding:  func() int { return 3 },
	})
}

func doRequest(t *testing.T, s *Server, method, target, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if auth {
		req.SetBasicAuth(testUser, testPass)
	}
	rec := httptest.NewRecorder()
	s.GetMux().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthSkipsAuth(t *testing.T) {
	s := newTestServer(t, newMockChildService())

	rec := doRequest(t, s, http.MethodGet, "/api/health", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	health := decode[models.HealthData](t, rec)
	if health.Status != "ok" {
		t.Errorf("Expected status 'ok', got '%s'", health.Status)
	}
	if health.Outstanding != 3 {
		t.Errorf("Expected 3 outstanding children, got %d", health.Outstanding)
	}
}

func TestVersion(t *testing.T) {
	s := newTestServer(t, newMockChildService())

	rec := doRequest(t, s, http.MethodGet, "/api/version", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	v := decode[models.VersionData](t, rec)
	if v.GoVersion == "" {
		t.Error("Expected go version to be set")
	}
}

func TestBasicAuth(t *testing.T) {
	s := newTestServer(t, newMockChildService("worker"))

	rec := doRequest(t, s, http.MethodGet, "/api/children", "", false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without credentials, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("Expected WWW-Authenticate header")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/children", nil)
	req.SetBasicAuth(testUser, "wrong")
	rec = httptest.NewRecorder()
	s.GetMux().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong password, got %d", rec.Code)
	}

	query := base64.StdEncoding.EncodeToString([]byte(testUser + ":" + testPass))
	rec = doRequest(t, s, http.MethodGet, "/api/children?auth="+query, "", false)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with query credentials, got %d", rec.Code)
	}
}

func TestListChildren(t *testing.T) {
	s := newTestServer(t, newMockChildService("a", "b"))

	rec := doRequest(t, s, http.MethodGet, "/api/children", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	list := decode[models.ChildListData](t, rec)
	if list.Count != 2 || len(list.Children) != 2 {
		t.Errorf("Expected 2 children, got count=%d len=%d", list.Count, len(list.Children))
	}
}

func TestGetChildNotFound(t *testing.T) {
	s := newTestServer(t, newMockChildService())

	rec := doRequest(t, s, http.MethodGet, "/api/children/nope", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestCreateChild(t *testing.T) {
	svc := newMockChildService("taken")
	s := newTestServer(t, svc)

	rec := doRequest(t, s, http.MethodPost, "/api/children",
		`{"id":"worker-1","command":"sleep 1","capture":"stdout"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	child := decode[models.ChildData](t, rec)
	if child.ID != "worker-1" || child.Capture != "stdout" {
		t.Errorf("Unexpected child %+v", child)
	}
	if _, ok := svc.children["worker-1"]; !ok {
		t.Error("Expected child to reach the service")
	}

	rec = doRequest(t, s, http.MethodPost, "/api/children", `{"id":"taken","command":"true"}`, true)
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate id, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/children", `{"id":"bad id!","command":"true"}`, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for invalid id, got %d", rec.Code)
	}
}

func TestChildActions(t *testing.T) {
	svc := newMockChildService("worker")
	s := newTestServer(t, svc)

	rec := doRequest(t, s, http.MethodPost, "/api/children/worker/start", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 on start, got %d: %s", rec.Code, rec.Body.String())
	}
	if child := decode[models.ChildData](t, rec); child.State != "running" || child.PID != 4242 {
		t.Errorf("Expected running child with pid 4242, got %+v", child)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/children/worker/start", "", true)
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 when already running, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/children/worker/restart", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 on restart, got %d", rec.Code)
	}
	if child := decode[models.ChildData](t, rec); child.RestartCount != 1 {
		t.Errorf("Expected restart count 1, got %d", child.RestartCount)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/children/worker/stop", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 on stop, got %d", rec.Code)
	}
	if len(svc.stopped) != 2 {
		t.Errorf("Expected 2 stops (restart + stop), got %v", svc.stopped)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/children/ghost/stop", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown child, got %d", rec.Code)
	}
}

func TestDeleteChild(t *testing.T) {
	svc := newMockChildService("worker")
	s := newTestServer(t, svc)

	rec := doRequest(t, s, http.MethodDelete, "/api/children/worker", "", true)
	if rec.Code >= 300 {
		t.Fatalf("Expected success, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := svc.children["worker"]; ok {
		t.Error("Expected child to be removed")
	}

	rec = doRequest(t, s, http.MethodDelete, "/api/children/worker", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second delete, got %d", rec.Code)
	}
}

func TestGetOutput(t *testing.T) {
	s := newTestServer(t, newMockChildService("worker"))

	rec := doRequest(t, s, http.MethodGet, "/api/children/worker/output", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	out := decode[models.OutputData](t, rec)
	if len(out.Stdout) != 2 || out.Stdout[1] != "line 2" {
		t.Errorf("Unexpected stdout %v", out.Stdout)
	}
}

func TestRunCommand(t *testing.T) {
	svc := newMockChildService()
	s := newTestServer(t, svc)

	rec := doRequest(t, s, http.MethodPost, "/api/run",
		`{"command":"echo hello","capture":"both","timeout_ms":1500}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.lastRun.Timeout != 1500*time.Millisecond {
		t.Errorf("Expected 1.5s timeout, got %v", svc.lastRun.Timeout)
	}
	run := decode[models.RunData](t, rec)
	if !run.Success || run.PID != 77 || run.DurationMs != 12 {
		t.Errorf("Unexpected run result %+v", run)
	}
	if run.Stderr == nil {
		t.Error("Expected empty stderr list, got null")
	}

	rec = doRequest(t, s, http.MethodPost, "/api/run", `{"command":"missing"}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing executable, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/run", `{"command":"broken"}`, true)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 for spawn failure, got %d", rec.Code)
	}
}

func TestChildRoutesWithoutService(t *testing.T) {
	s := NewServer(&Options{})

	rec := doRequest(t, s, http.MethodGet, "/api/children", "", false)
	if rec.Code == http.StatusOK {
		t.Error("Expected child routes to be absent without a child service")
	}
	rec = doRequest(t, s, http.MethodGet, "/api/health", "", false)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected health to work, got %d", rec.Code)
	}
}

func TestLogsSince(t *testing.T) {
	logging.Initialize(logging.Config{Level: "info", Format: "text"})
	s := newTestServer(t, newMockChildService())

	logging.GetLogger("apitest").Info("first marker")
	rec := doRequest(t, s, http.MethodGet, "/api/logs", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	all := decode[models.LogsData](t, rec)
	var markerSeq uint64
	for _, e := range all.Entries {
		if e.Message == "first marker" {
			markerSeq = e.Seq
		}
	}
	if markerSeq == 0 {
		t.Fatalf("Expected marker in %d entries", all.Count)
	}

	logging.GetLogger("apitest").Info("second marker")
	rec = doRequest(t, s, http.MethodGet, "/api/logs?since="+itoa(markerSeq), "", true)
	later := decode[models.LogsData](t, rec)
	for _, e := range later.Entries {
		if e.Seq <= markerSeq {
			t.Errorf("Entry %d should have been filtered", e.Seq)
		}
		if e.Message == "first marker" {
			t.Error("First marker should not be returned")
		}
	}
	found := false
	for _, e := range later.Entries {
		if e.Message == "second marker" {
			found = true
		}
	}
	if !found {
		t.Error("Expected second marker after since")
	}
}

func TestLogLevels(t *testing.T) {
	s := newTestServer(t, newMockChildService())
	logging.GetLogger("leveltest")

	rec := doRequest(t, s, http.MethodPut, "/api/logging/levels", `{"module":"leveltest","level":"debug"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	levels := decode[models.LogLevelsData](t, rec)
	if levels.Levels["leveltest"] != "debug" {
		t.Errorf("Expected leveltest at debug, got %q", levels.Levels["leveltest"])
	}

	rec = doRequest(t, s, http.MethodGet, "/api/logging/levels", "", true)
	levels = decode[models.LogLevelsData](t, rec)
	if levels.Levels["leveltest"] != "debug" {
		t.Errorf("Expected level to persist, got %q", levels.Levels["leveltest"])
	}

	rec = doRequest(t, s, http.MethodPut, "/api/logging/levels", `{"module":"leveltest","level":"loud"}`, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for unknown level, got %d", rec.Code)
	}
}

func TestMetricsSummary(t *testing.T) {
	s := newTestServer(t, newMockChildService())
	before := metrics.Get().Timeouts
	metrics.RecordTimeout()

	rec := doRequest(t, s, http.MethodGet, "/api/metrics/summary", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	summary := decode[models.MetricsData](t, rec)
	if summary.Timeouts < before+1 {
		t.Errorf("Expected at least %d timeouts, got %d", before+1, summary.Timeouts)
	}
}

func itoa(n uint64) string {
	return strconv.FormatUint(n, 10)
}

func TestDashboard(t *testing.T) {
	s := newTestServer(t, newMockChildService())

	rec := doRequest(t, s, http.MethodGet, "/", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for dashboard, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<title>childwatch</title>") {
		t.Error("Expected dashboard HTML")
	}

	rec = doRequest(t, s, http.MethodGet, "/children/worker", "", false)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected client-side route to serve index, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/nothing-here", "", true)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown API path, got %d", rec.Code)
	}
}
