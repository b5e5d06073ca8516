package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/nfse-harvester/internal/execution"
	"github.com/JakeFAU/nfse-harvester/internal/harvest"
	"github.com/JakeFAU/nfse-harvester/internal/metrics"
)

type fakeExecutions struct {
	mu        sync.Mutex
	started   []harvest.JobParameters
	startErr  error
	jobs      map[int64]execution.Job
	lastList  execution.ListFilter
	closing   bool
	cancelled []int64
}

func newFakeExecutions() *fakeExecutions {
	return &fakeExecutions{jobs: map[int64]execution.Job{}}
}

func (f *fakeExecutions) StartExecution(p harvest.JobParameters) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.started = append(f.started, p)
	id := int64(len(f.started))
	f.jobs[id] = execution.Job{ID: id, Status: harvest.JobStatusStarting, Params: p.Sanitized()}
	return id, nil
}

func (f *fakeExecutions) GetExecution(id int64) (execution.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return execution.Job{}, fmt.Errorf("get execution %d: %w", id, harvest.ErrNotFound)
	}
	return job, nil
}

func (f *fakeExecutions) ListExecutions(filter execution.ListFilter) execution.ListPage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastList = filter
	page := execution.ListPage{Jobs: []execution.Job{}, Offset: filter.Offset, Limit: filter.Limit}
	for _, job := range f.jobs {
		if filter.Status == "" || job.Status == filter.Status {
			page.Jobs = append(page.Jobs, job)
		}
	}
	page.Total = len(page.Jobs)
	return page
}

func (f *fakeExecutions) CancelExecution(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || job.Status.Terminal() {
		return false
	}
	job.Status = harvest.JobStatusCancelled
	f.jobs[id] = job
	f.cancelled = append(f.cancelled, id)
	return true
}

func (f *fakeExecutions) Accepting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closing
}

func newTestServer(execs Executions, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}
	return NewServer(execs, opts, zap.NewNop())
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

const validBody = `{"cnpj":"11.222.333/0001-81","password":"pw","start_date":"2025-01-01","end_date":"2025-03-31"}`

func TestServer_StartExecution_Accepted(t *testing.T) {
	t.Parallel()

	execs := newFakeExecutions()
	s := newTestServer(execs, Options{DefaultHeadless: true})

	rec := do(t, s, http.MethodPost, "/v1/executions", validBody)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	var resp struct {
		JobID  int64  `json:"job_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(1), resp.JobID)
	require.Equal(t, "starting", resp.Status)

	require.Len(t, execs.started, 1)
	p := execs.started[0]
	require.Equal(t, "11222333000181", p.CNPJ)
	require.Equal(t, "pw", p.Password)
	require.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), p.StartDate)
	require.Equal(t, time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC), p.EndDate)
	require.True(t, p.Headless)
}

func TestServer_StartExecution_HeadlessOverride(t *testing.T) {
	t.Parallel()

	execs := newFakeExecutions()
	s := newTestServer(execs, Options{DefaultHeadless: true})
	body := `{"cnpj":"11222333000181","password":"pw","start_date":"2025-01-01","end_date":"2025-01-31","headless":false}`

	rec := do(t, s, http.MethodPost, "/v1/executions", body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.False(t, execs.started[0].Headless)
}

func TestServer_StartExecution_ValidationErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		body string
		want string
	}{
		"invalid json":   {`{nope`, "invalid JSON"},
		"bad cnpj":       {`{"cnpj":"11222333000180","password":"pw","start_date":"2025-01-01","end_date":"2025-01-31"}`, "cnpj is not a valid CNPJ"},
		"missing pass":   {`{"cnpj":"11222333000181","start_date":"2025-01-01","end_date":"2025-01-31"}`, "password is required"},
		"bad date":       {`{"cnpj":"11222333000181","password":"pw","start_date":"01/01/2025","end_date":"2025-01-31"}`, "start_date must use the 2006-01-02 layout"},
		"inverted range": {`{"cnpj":"11222333000181","password":"pw","start_date":"2025-02-01","end_date":"2025-01-31"}`, "end_date must not be before start_date"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			execs := newFakeExecutions()
			rec := do(t, newTestServer(execs, Options{}), http.MethodPost, "/v1/executions", tc.body)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tc.want)
			require.Empty(t, execs.started)
		})
	}
}

func TestServer_StartExecution_SameDayRangeAccepted(t *testing.T) {
	t.Parallel()

	execs := newFakeExecutions()
	body := `{"cnpj":"11222333000181","password":"pw","start_date":"2025-01-15","end_date":"2025-01-15"}`
	rec := do(t, newTestServer(execs, Options{}), http.MethodPost, "/v1/executions", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServer_StartExecution_MapsManagerErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err  error
		want int
	}{
		"capacity":      {harvest.E(harvest.KindCapacityExceeded, "start execution", harvest.ErrCapacityExceeded), http.StatusTooManyRequests},
		"shutting down": {harvest.E(harvest.KindCapacityExceeded, "start execution", harvest.ErrShuttingDown), http.StatusServiceUnavailable},
		"validation":    {harvest.E(harvest.KindValidation, "start execution", fmt.Errorf("bad range")), http.StatusBadRequest},
		"unknown":       {fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			execs := newFakeExecutions()
			execs.startErr = tc.err
			rec := do(t, newTestServer(execs, Options{}), http.MethodPost, "/v1/executions", validBody)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestServer_GetExecution(t *testing.T) {
	t.Parallel()

	execs := newFakeExecutions()
	execs.jobs[7] = execution.Job{
		ID:     7,
		Status: harvest.JobStatusRunning,
		Params: harvest.SanitizedParameters{CNPJ: "11.***.***/0001-81"},
		Logs:   []string{"period 2025-01 started"},
	}
	s := newTestServer(execs, Options{})

	rec := do(t, s, http.MethodGet, "/v1/executions/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"running"`)
	require.Contains(t, rec.Body.String(), "11.***.***/0001-81")
	require.NotContains(t, rec.Body.String(), "password")

	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/executions/8", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/executions/abc", "").Code)
}

func TestServer_ListExecutions(t *testing.T) {
	t.Parallel()

	execs := newFakeExecutions()
	execs.jobs[1] = execution.Job{ID: 1, Status: harvest.JobStatusCompleted}
	execs.jobs[2] = execution.Job{ID: 2, Status: harvest.JobStatusRunning}
	s := newTestServer(execs, Options{})

	rec := do(t, s, http.MethodGet, "/v1/executions?status=Running&offset=0&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page execution.ListPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, 1, page.Total)
	require.Equal(t, int64(2), page.Jobs[0].ID)
	require.Equal(t, execution.ListFilter{Status: harvest.JobStatusRunning, Offset: 0, Limit: 5}, execs.lastList)

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/executions?status=paused", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/executions?limit=0", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/executions?offset=-1", "").Code)
}

func TestServer_CancelExecution(t *testing.T) {
	t.Parallel()

	execs := newFakeExecutions()
	execs.jobs[3] = execution.Job{ID: 3, Status: harvest.JobStatusRunning}
	execs.jobs[4] = execution.Job{ID: 4, Status: harvest.JobStatusCompleted}
	s := newTestServer(execs, Options{})

	rec := do(t, s, http.MethodPost, "/v1/executions/3/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "cancelled")
	require.Equal(t, []int64{3}, execs.cancelled)

	rec = do(t, s, http.MethodPost, "/v1/executions/4/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "already completed")

	require.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/v1/executions/9/cancel", "").Code)
}

func TestServer_APIKeyGuardsExecutions(t *testing.T) {
	t.Parallel()

	s := newTestServer(newFakeExecutions(), Options{APIKey: "secret"})

	require.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/executions", "").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/executions?api_key=secret", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/executions", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	execs := newFakeExecutions()
	s := newTestServer(execs, Options{})

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/readyz", "").Code)

	execs.closing = true
	require.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/readyz", "").Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	httpMetrics, err := metrics.NewHTTP(reg)
	require.NoError(t, err)
	s := newTestServer(newFakeExecutions(), Options{Gatherer: reg, HTTPMetrics: httpMetrics})

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
	rec := do(t, s, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `http_requests_total{code="200",method="GET"} 1`)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	s := newTestServer(panicExecutions{newFakeExecutions()}, Options{})
	rec := do(t, s, http.MethodGet, "/v1/executions", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

type panicExecutions struct{ *fakeExecutions }

func (panicExecutions) ListExecutions(execution.ListFilter) execution.ListPage {
	panic("list exploded")
}
