package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/qtree/internal/logger"
	"github.com/samcharles93/qtree/internal/pipeline"
	"github.com/samcharles93/qtree/pkg/nn"
)

const mlpModel = `{
  "name": "mlp",
  "seed": 2,
  "qconfig": "default",
  "input": [5],
  "classes": 3,
  "layers": [
    {"name": "fc1", "type": "linear", "in": 5, "out": 8},
    {"name": "relu", "type": "relu"},
    {"name": "fc2", "type": "linear", "in": 8, "out": 3}
  ]
}`

func newTestServer() (*Server, *echo.Echo) {
	server := NewServer(NewJobStore(), logger.Discard())
	clock := time.Unix(1_700_000_000, 0)
	server.clock = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	e := echo.New()
	server.Register(e)
	return server, e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func jobBody(mode string, extra string) string {
	s := `{"model": ` + mlpModel + `, "mode": "` + mode + `", "calibration": {"batches": 2, "batch_size": 4, "seed": 1}`
	if extra != "" {
		s += ", " + extra
	}
	return s + "}"
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ResponseError {
	t.Helper()
	var body struct {
		Error ResponseError `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body.Error
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	_, e := newTestServer()
	createRec := doJSON(t, e, http.MethodPost, "/v1/jobs", jobBody("ptq", ""))
	if createRec.Code != http.StatusOK {
		t.Fatalf("create status: got %d body=%s", createRec.Code, createRec.Body.String())
	}

	var created Job
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if !strings.HasPrefix(created.ID, "job_") {
		t.Fatalf("unexpected id %q", created.ID)
	}
	if created.Status != StatusCompleted || created.Mode != pipeline.ModePTQ || created.Model != "mlp" {
		t.Fatalf("unexpected job: %+v", created)
	}
	if created.CompletedAt == nil || *created.CompletedAt != created.CreatedAt+1 || created.ElapsedMS != 1000 {
		t.Fatalf("unexpected timestamps: %+v", created)
	}
	if created.Tree == nil {
		t.Fatal("missing tree")
	}
	fc2, ok := created.Tree.Find("fc2")
	if !ok || fc2.Kind != nn.KindQuantizedLinear {
		t.Fatalf("fc2 not converted: %+v", fc2)
	}
	if _, ok := created.Tree.Find("fc1_quant"); !ok {
		t.Fatal("missing input adapter")
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/jobs/"+created.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: got %d", getRec.Code)
	}
	var fetched Job
	if err := json.Unmarshal(getRec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if fetched.ID != created.ID || fetched.Status != StatusCompleted {
		t.Fatalf("unexpected fetched job: %+v", fetched)
	}

	listRec := doJSON(t, e, http.MethodGet, "/v1/jobs", "")
	var list JobList
	if err := json.Unmarshal(listRec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Object != "list" || len(list.Data) != 1 || list.Data[0].ID != created.ID {
		t.Fatalf("unexpected list: %+v", list)
	}

	deleteRec := doJSON(t, e, http.MethodDelete, "/v1/jobs/"+created.ID, "")
	if deleteRec.Code != http.StatusOK {
		t.Fatalf("delete status: got %d", deleteRec.Code)
	}
	var deleted DeleteJobResp
	if err := json.Unmarshal(deleteRec.Body.Bytes(), &deleted); err != nil {
		t.Fatalf("decode delete: %v", err)
	}
	if !deleted.Deleted || deleted.ID != created.ID {
		t.Fatalf("unexpected delete response: %+v", deleted)
	}

	if rec := doJSON(t, e, http.MethodGet, "/v1/jobs/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodDelete, "/v1/jobs/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestCreateJobModes(t *testing.T) {
	t.Parallel()

	_, e := newTestServer()
	rec := doJSON(t, e, http.MethodPost, "/v1/jobs", jobBody("inspect", `"overrides": {"fc2": "histogram"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("inspect status: got %d body=%s", rec.Code, rec.Body.String())
	}
	var job Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	fc2, ok := job.Tree.Find("fc2")
	if !ok || fc2.Kind != nn.KindLinear || fc2.QConfig != "histogram" {
		t.Fatalf("unexpected fc2 node: %+v", fc2)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/jobs", jobBody("qat", `"training": {"epochs": 1, "learning_rate": 0.01}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("qat status: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestCreateJobBadRequests(t *testing.T) {
	t.Parallel()

	_, e := newTestServer()
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"model":`},
		{"missing model", `{"mode": "ptq"}`},
		{"unknown mode", jobBody("dynamic", "")},
		{"bad model", `{"model": {"layers": [{"name": "a", "type": "lstm"}]}}`},
		{"bad override", jobBody("ptq", `"overrides": {"fc1": "int4"}`)},
		{"negative batches", `{"model": ` + mlpModel + `, "calibration": {"batches": -1}}`},
	}
	for _, tc := range tests {
		rec := doJSON(t, e, http.MethodPost, "/v1/jobs", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d body=%s", tc.name, rec.Code, rec.Body.String())
			continue
		}
		if got := decodeError(t, rec); got.Type != "invalid_request_error" || got.Message == "" {
			t.Errorf("%s: unexpected error body %+v", tc.name, got)
		}
	}
}

func TestCreateJobEngineFailure(t *testing.T) {
	t.Parallel()

	server, e := newTestServer()
	rec := doJSON(t, e, http.MethodPost, "/v1/jobs", jobBody("fuse", `"fuse": [["fc1", "relu"]]`))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rec.Code, rec.Body.String())
	}
	got := decodeError(t, rec)
	if got.Type != "quantization_error" || got.Code != "path_not_found" || got.Param != "fc1" {
		t.Fatalf("unexpected error body: %+v", got)
	}

	var job Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Status != StatusFailed || job.Tree != nil {
		t.Fatalf("unexpected failed job: %+v", job)
	}
	if stored, ok := server.store.Get(job.ID); !ok || stored.Status != StatusFailed {
		t.Fatal("failed job was not stored")
	}
}

func TestCreateJobRunnerErrors(t *testing.T) {
	t.Parallel()

	server, e := newTestServer()
	server.run = func(context.Context, pipeline.Request, logger.Logger) (*pipeline.Result, error) {
		return nil, errors.New("boom")
	}
	rec := doJSON(t, e, http.MethodPost, "/v1/jobs", jobBody("ptq", ""))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := decodeError(t, rec); got.Type != "server_error" || got.Message != "boom" {
		t.Fatalf("unexpected error body: %+v", got)
	}

	server.run = func(context.Context, pipeline.Request, logger.Logger) (*pipeline.Result, error) {
		return nil, context.DeadlineExceeded
	}
	rec = doJSON(t, e, http.MethodPost, "/v1/jobs", jobBody("ptq", ""))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	_, e := newTestServer()
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status: got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] == "" {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestJobStoreListOrder(t *testing.T) {
	t.Parallel()

	s := NewJobStore()
	s.Put(Job{ID: "job_f", CreatedAt: 2})
	s.Put(Job{ID: "c", CreatedAt: 1})
	s.Put(Job{ID: "a", CreatedAt: 2})
	s.Put(Job{ID: "job_0", CreatedAt: 2})
	s.Put(Job{ID: "job_f", CreatedAt: 2, Status: StatusFailed})

	var ids []string
	for _, job := range s.List() {
		ids = append(ids, job.ID)
	}
	if strings.Join(ids, ",") != "c,job_f,a,job_0" {
		t.Fatalf("unexpected order: %v", ids)
	}
	if job, _ := s.Get("job_f"); job.Status != StatusFailed {
		t.Fatalf("replaced job not stored: %+v", job)
	}
	if !s.Delete("a") || s.Delete("a") || s.Len() != 3 {
		t.Fatal("unexpected delete behavior")
	}
}

func TestListJobsSameSecond(t *testing.T) {
	t.Parallel()

	server, e := newTestServer()
	frozen := time.Unix(1_700_000_000, 0)
	server.clock = func() time.Time { return frozen }

	var want []string
	for range 4 {
		rec := doJSON(t, e, http.MethodPost, "/v1/jobs", jobBody("inspect", ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("create: got %d body=%s", rec.Code, rec.Body.String())
		}
		var job Job
		if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
			t.Fatalf("decode job: %v", err)
		}
		want = append(want, job.ID)
	}

	rec := doJSON(t, e, http.MethodGet, "/v1/jobs", "")
	var list JobList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	var got []string
	for _, job := range list.Data {
		got = append(got, job.ID)
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("list order: got %v, want %v", got, want)
	}
}
