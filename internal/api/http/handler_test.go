package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"log/slog"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/veranemoloko/stream-assembler/internal/domain"
	errpkg "github.com/veranemoloko/stream-assembler/internal/errors"
)

type mockJobService struct {
	jobs     map[uuid.UUID]*domain.Job
	created  []domain.CreateJobRequest
	canceled []uuid.UUID
	events   []domain.JobEvent
	err      error
}

func newMockJobService() *mockJobService {
	return &mockJobService{jobs: make(map[uuid.UUID]*domain.Job)}
}

func (m *mockJobService) CreateJob(ctx context.Context, req domain.CreateJobRequest) (*domain.Job, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.created = append(m.created, req)
	job := &domain.Job{ID: uuid.New(), URL: req.URL, State: domain.JobStateCreated}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *mockJobService) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, errpkg.ErrJobNotFound
	}
	return job, nil
}

func (m *mockJobService) ListJobs(ctx context.Context) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (m *mockJobService) CancelJob(ctx context.Context, id uuid.UUID) error {
	if _, ok := m.jobs[id]; !ok {
		return errpkg.ErrJobNotFound
	}
	m.canceled = append(m.canceled, id)
	return nil
}

func (m *mockJobService) Watch(ctx context.Context, id uuid.UUID) (<-chan domain.JobEvent, error) {
	if _, ok := m.jobs[id]; !ok {
		return nil, errpkg.ErrJobNotFound
	}
	ch := make(chan domain.JobEvent, len(m.events))
	for _, ev := range m.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func newTestRouter(svc *mockJobService) http.Handler {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))
	return NewRouter(svc, logger)
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Result()
}

func TestJobHandler_CreateJob(t *testing.T) {
	svc := newMockJobService()
	router := newTestRouter(svc)

	body, _ := json.Marshal(domain.CreateJobRequest{URL: "https://www.youtube.com/watch?v=abc", Format: "best"})
	resp := do(t, router, http.MethodPost, "/jobs/", body)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var data domain.JobResponse
	_ = json.NewDecoder(resp.Body).Decode(&data)
	assert.NotEqual(t, uuid.Nil, data.ID)
	assert.Equal(t, domain.JobStateCreated, data.State)
	if assert.Len(t, svc.created, 1) {
		assert.Equal(t, "best", svc.created[0].Format)
	}
}

func TestJobHandler_CreateJobRejected(t *testing.T) {
	tests := map[string]string{
		"malformed body": `{"url":`,
		"missing url":    `{}`,
		"not a url":      `{"url":"watch this"}`,
		"private host":   `{"url":"http://192.168.0.1/video"}`,
		"too many extra": `{"url":"https://example.com","extra":[` + strings.Repeat(`"-v",`, 32) + `"-v"]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			svc := newMockJobService()
			resp := do(t, newTestRouter(svc), http.MethodPost, "/jobs/", []byte(body))
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Empty(t, svc.created)
		})
	}
}

func TestJobHandler_CreateJobServiceErrors(t *testing.T) {
	tests := map[string]struct {
		err    error
		status int
	}{
		"output dir":    {err: errpkg.ErrInvalidOutputDir, status: http.StatusBadRequest},
		"shutting down": {err: errpkg.ErrShuttingDown, status: http.StatusServiceUnavailable},
		"other":         {err: os.ErrPermission, status: http.StatusInternalServerError},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			svc := newMockJobService()
			svc.err = tt.err
			resp := do(t, newTestRouter(svc), http.MethodPost, "/jobs/", []byte(`{"url":"https://example.com/v"}`))
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestJobHandler_GetJob(t *testing.T) {
	svc := newMockJobService()
	job := &domain.Job{ID: uuid.New(), URL: "https://example.com", State: domain.JobStateCompleted, OutputPath: "/data/clip.mp4"}
	svc.jobs[job.ID] = job
	router := newTestRouter(svc)

	resp := do(t, router, http.MethodGet, "/jobs/"+job.ID.String(), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var data domain.JobResponse
	_ = json.NewDecoder(resp.Body).Decode(&data)
	assert.Equal(t, job.ID, data.ID)
	assert.Equal(t, "/data/clip.mp4", data.OutputPath)

	resp = do(t, router, http.MethodGet, "/jobs/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, router, http.MethodGet, "/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobHandler_ListJobs(t *testing.T) {
	svc := newMockJobService()
	router := newTestRouter(svc)

	resp := do(t, router, http.MethodGet, "/jobs/", nil)
	var empty []domain.JobResponse
	_ = json.NewDecoder(resp.Body).Decode(&empty)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	id := uuid.New()
	svc.jobs[id] = &domain.Job{ID: id, State: domain.JobStateDownloading}
	resp = do(t, router, http.MethodGet, "/jobs/", nil)
	var list []domain.JobResponse
	_ = json.NewDecoder(resp.Body).Decode(&list)
	if assert.Len(t, list, 1) {
		assert.Equal(t, domain.JobStateDownloading, list[0].State)
	}
}

func TestJobHandler_CancelJob(t *testing.T) {
	svc := newMockJobService()
	id := uuid.New()
	svc.jobs[id] = &domain.Job{ID: id, State: domain.JobStateDownloading}
	router := newTestRouter(svc)

	resp := do(t, router, http.MethodDelete, "/jobs/"+id.String(), nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []uuid.UUID{id}, svc.canceled)

	resp = do(t, router, http.MethodDelete, "/jobs/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobHandler_StreamEvents(t *testing.T) {
	svc := newMockJobService()
	id := uuid.New()
	svc.jobs[id] = &domain.Job{ID: id}
	svc.events = []domain.JobEvent{
		{JobID: id, Seq: 1, Kind: domain.EventState, State: domain.JobStateExtracting},
		{JobID: id, Seq: 2, Kind: domain.EventLog, Level: domain.LevelInfo, Message: "[youtube] abc: Downloading webpage"},
		{JobID: id, Seq: 3, Kind: domain.EventState, State: domain.JobStateFailed, Error: "extract: boom"},
	}
	router := newTestRouter(svc)

	resp := do(t, router, http.MethodGet, "/jobs/"+id.String()+"/events", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var got []domain.JobEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var ev domain.JobEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad event line %q: %v", scanner.Text(), err)
		}
		got = append(got, ev)
	}
	if assert.Len(t, got, 3) {
		assert.Equal(t, uint64(2), got[1].Seq)
		assert.Equal(t, "extract: boom", got[2].Error)
		assert.True(t, got[2].IsTerminal())
	}

	resp = do(t, router, http.MethodGet, "/jobs/"+uuid.New().String()+"/events", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_Health(t *testing.T) {
	resp := do(t, newTestRouter(newMockJobService()), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
