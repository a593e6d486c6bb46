package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worthit-bot/worthit/internal/adapter/redisconn"
	"github.com/worthit-bot/worthit/internal/domain"
	"github.com/worthit-bot/worthit/internal/mesh"
	"github.com/worthit-bot/worthit/internal/usecase"
)

type stubQueue struct {
	tasks  map[string]*domain.Task
	nextID string
}

func newStubQueue() *stubQueue { return &stubQueue{tasks: make(map[string]*domain.Task)} }

func (s *stubQueue) Enqueue(_ domain.Context, t *domain.Task) (string, error) {
	if t.ID == "" {
		if s.nextID != "" {
			t.ID = s.nextID
		} else {
			t.ID = uuid.NewString()
		}
	}
	s.tasks[t.ID] = t
	return t.ID, nil
}

func (s *stubQueue) Dequeue(domain.Context) (*domain.Task, error) { return nil, nil }

func (s *stubQueue) GetByID(_ domain.Context, id string) (*domain.TaskRecord, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &domain.TaskRecord{Task: *t}, nil
}

func (s *stubQueue) UpdateStatus(domain.Context, string, domain.TaskStatus, map[string]any) error {
	return nil
}

func newTestServer(q domain.Queue) *Server {
	return &Server{Analyze: usecase.NewAnalyzeService(q, 3), Version: "test"}
}

func testRouter(srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Post("/analyze", srv.AnalyzeHandler())
	r.Post("/webhook", srv.WebhookHandler())
	r.Get("/tasks/{id}", srv.TaskStatusHandler())
	r.Get("/health", srv.HealthHandler())
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAnalyzeAcceptsValidURL(t *testing.T) {
	q := newStubQueue()
	h := testRouter(newTestServer(q))

	rec := doJSON(t, h, http.MethodPost, "/analyze", `{"url":"https://shop.example/p/5"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"task_id"`)
	assert.Contains(t, rec.Body.String(), `"processing"`)
	assert.Contains(t, rec.Body.String(), `"eta_seconds":30`)
	assert.Len(t, q.tasks, 1)
}

func TestAnalyzeRejectsMissingURL(t *testing.T) {
	h := testRouter(newTestServer(newStubQueue()))
	rec := doJSON(t, h, http.MethodPost, "/analyze", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyzeRejectsMalformedJSON(t *testing.T) {
	h := testRouter(newTestServer(newStubQueue()))
	rec := doJSON(t, h, http.MethodPost, "/analyze", `{"url": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"error"`)
}

func TestAnalyzeOversizedChunkedBodyIs413(t *testing.T) {
	q := newStubQueue()
	h := MaxBody(32)(testRouter(newTestServer(q)))

	// No Content-Length on the request; the body cap trips while decoding.
	payload := `{"url":"https://shop.example/` + strings.Repeat("x", 64) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/analyze", struct{ io.Reader }{strings.NewReader(payload)})
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, q.tasks)
}

func TestAnalyzeRejectsRelativeURL(t *testing.T) {
	h := testRouter(newTestServer(newStubQueue()))
	rec := doJSON(t, h, http.MethodPost, "/analyze", `{"url":"/just/a/path"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// indexedQueue adds the URL index capability to stubQueue.
type indexedQueue struct {
	*stubQueue
	byURL map[string]string
}

func (s *indexedQueue) TaskForURL(_ domain.Context, rawURL string) (string, error) {
	id, ok := s.byURL[rawURL]
	if !ok {
		return "", domain.ErrNotFound
	}
	return id, nil
}

func TestAnalyzeReturnsCompletedResultForKnownURL(t *testing.T) {
	q := &indexedQueue{stubQueue: newStubQueue(), byURL: map[string]string{}}
	const url = "https://shop.example/p/9"
	q.tasks["done-1"] = &domain.Task{ID: "done-1", Type: domain.TaskProductAnalysis, Status: domain.TaskCompleted}
	q.byURL[url] = "done-1"

	h := testRouter(newTestServer(q))
	rec := doJSON(t, h, http.MethodPost, "/analyze", `{"url":"`+url+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"done-1"`)
	assert.Contains(t, rec.Body.String(), `"completed"`)
	// Nothing new was enqueued.
	assert.Len(t, q.tasks, 1)
}

func TestAnalyzeReEnqueuesWhenLastTaskFailed(t *testing.T) {
	q := &indexedQueue{stubQueue: newStubQueue(), byURL: map[string]string{}}
	const url = "https://shop.example/p/10"
	q.tasks["failed-1"] = &domain.Task{ID: "failed-1", Type: domain.TaskProductAnalysis, Status: domain.TaskFailed}
	q.byURL[url] = "failed-1"

	h := testRouter(newTestServer(q))
	rec := doJSON(t, h, http.MethodPost, "/analyze", `{"url":"`+url+`"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, q.tasks, 2)
}

func TestWebhookEnqueuesHighPriorityUpdate(t *testing.T) {
	q := newStubQueue()
	h := testRouter(newTestServer(q))

	update := `{"update_id":7,"message":{"message_id":1,"chat":{"id":42,"type":"private"},"text":"hello"}}`
	rec := doJSON(t, h, http.MethodPost, "/webhook", update)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, q.tasks, 1)
	for _, task := range q.tasks {
		assert.Equal(t, domain.TaskTelegramUpdate, task.Type)
		assert.Equal(t, domain.PriorityHigh, task.Priority)
		assert.Equal(t, int64(42), task.ChatID)
	}
}

func TestWebhookRejectsMalformedUpdate(t *testing.T) {
	h := testRouter(newTestServer(newStubQueue()))
	rec := doJSON(t, h, http.MethodPost, "/webhook", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskStatusFound(t *testing.T) {
	q := newStubQueue()
	q.nextID = "task-123"
	h := testRouter(newTestServer(q))

	rec := doJSON(t, h, http.MethodPost, "/analyze", `{"url":"https://shop.example/p/5"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	get := httptest.NewRecorder()
	h.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/tasks/task-123", nil))
	require.Equal(t, http.StatusOK, get.Code)
	assert.Contains(t, get.Body.String(), `"task-123"`)
}

func TestTaskStatusNotFound(t *testing.T) {
	h := testRouter(newTestServer(newStubQueue()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/ghost", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthReportsOK(t *testing.T) {
	h := testRouter(newTestServer(newStubQueue()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"version":"test"`)
}

func newHealthServer(t *testing.T) (*Server, *miniredis.Miniredis, *mesh.Mesh) {
	t.Helper()
	mr := miniredis.RunT(t)
	mgr, err := redisconn.New(redisconn.Options{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	// Dial while the store is up so later failures are fast pings, not
	// first-connect retries.
	require.NoError(t, mgr.HealthCheck(context.Background()))

	reg := mesh.NewRegistry()
	reg.Register("scraper", "10.0.0.1", 9000, "")
	m := mesh.New(reg, mesh.DefaultScalerConfig())
	m.Scaler = nil

	srv := newTestServer(newStubQueue())
	srv.Redis = mgr
	srv.Mesh = m
	return srv, mr, m
}

func healthStatus(t *testing.T, srv *Server) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	testRouter(srv).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	return rec.Code, rec.Body.String()
}

func TestHealthDegradedWhenStoreUnreachable(t *testing.T) {
	srv, mr, _ := newHealthServer(t)
	mr.Close()

	code, body := healthStatus(t, srv)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, `"status":"degraded"`)
	assert.Contains(t, body, `"redis_error":"unreachable"`)
}

func TestHealthUnhealthyWhenStoreAndMeshDown(t *testing.T) {
	srv, mr, m := newHealthServer(t)

	// Trip the only instance's circuit so the mesh has nowhere to route.
	boom := errors.New("down")
	for i := 0; i < mesh.DefaultBreakerConfig().FailureThreshold; i++ {
		_ = m.Execute(context.Background(), "scraper", mesh.RoundRobin, func(context.Context, *mesh.Instance) error {
			return boom
		})
	}

	// Store still up: one lost dependency only degrades.
	code, body := healthStatus(t, srv)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, `"status":"degraded"`)

	mr.Close()
	code, body = healthStatus(t, srv)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, `"status":"unhealthy"`)
}
