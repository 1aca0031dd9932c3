package httptransport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/observability"
	"pipeline-orchestrator/internal/orchestrator"
	"pipeline-orchestrator/internal/pipeline"
	"pipeline-orchestrator/internal/progress"
	"pipeline-orchestrator/internal/repository/memory"
	"pipeline-orchestrator/internal/service"
	"pipeline-orchestrator/internal/strategy"
	httptransport "pipeline-orchestrator/internal/transport/http"
)

// ---- fakes ----

type transportStub struct {
	mu   sync.Mutex
	reqs []entity.StageRequest
}

func (t *transportStub) Send(_ context.Context, req entity.StageRequest) error {
	t.mu.Lock()
	t.reqs = append(t.reqs, req)
	t.mu.Unlock()
	return nil
}

func (t *transportStub) last(stage entity.Step) (entity.StageRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.reqs) - 1; i >= 0; i-- {
		if t.reqs[i].Stage == stage {
			return t.reqs[i], true
		}
	}
	return entity.StageRequest{}, false
}

var outputs = map[entity.Step]string{
	entity.StepPlanningOperations: `{"operations":["add"]}`,
	entity.StepDesigningState:     `{"state_logic":{"n":1}}`,
	entity.StepDesigningLayout:    `{"layout":{"type":"row"}}`,
	entity.StepApplyingStyling:    `{"styles":{"root":"x"}}`,
	entity.StepAssemblingArtifact: `{"artifact":"code"}`,
	entity.StepValidating:         `{"validation":{"ok":true}}`,
	entity.StepFinalizing:         `{"package":{"name":"app"}}`,
}

// ---- helpers ----

func newTestRouter(t *testing.T) (http.Handler, *transportStub) {
	t.Helper()
	res, err := strategy.NewResolver(strategy.DefaultConfig())
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	tr := &transportStub{}
	ch := progress.NewMemoryChannel(64)
	o, err := orchestrator.New(orchestrator.Deps{
		Store:      memory.NewStore(),
		Transport:  tr,
		Progress:   ch,
		Strategies: res,
	}, orchestrator.Config{})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	svc := service.NewJobService(o, ch)
	return httptransport.Routes(httptransport.NewHandler(svc), observability.NewMetrics().Handler()), tr
}

func do(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func createJob(t *testing.T, router http.Handler) string {
	t.Helper()
	rr := do(router, http.MethodPost, "/jobs", `{"owner_id":"u1","prompt":"pomodoro timer"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json response: %v, body=%s", err, rr.Body.String())
	}
	return resp.ID
}

func complete(t *testing.T, router http.Handler, tr *transportStub, stage entity.Step) {
	t.Helper()
	req, ok := tr.last(stage)
	if !ok {
		t.Fatalf("expected a dispatch for %s", stage)
	}
	sig := entity.CompletionSignal{
		JobID:    req.JobID,
		Stage:    stage,
		Token:    req.Token,
		Success:  true,
		Fragment: json.RawMessage(outputs[stage]),
		Strategy: req.Strategy,
		Attempts: 1,
	}
	body, _ := json.Marshal(sig)
	rr := do(router, http.MethodPost, "/internal/stages/complete", string(body))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func completeAll(t *testing.T, router http.Handler, tr *transportStub) {
	t.Helper()
	for _, stage := range pipeline.Stages() {
		complete(t, router, tr, stage)
	}
}

// ---- tests ----

func TestHTTP_CreateJob_201_AndFirstStageRunning(t *testing.T) {
	router, _ := newTestRouter(t)
	id := createJob(t, router)

	rr := do(router, http.MethodGet, "/jobs/"+id, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}

	var got map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json: %v, body=%s", err, rr.Body.String())
	}
	if got["current_step"] != string(entity.StepPlanningOperations) {
		t.Fatalf("expected current_step=planning_operations, got %v", got["current_step"])
	}
	running, _ := got["running"].(map[string]any)
	if _, ok := running[string(entity.StepPlanningOperations)]; !ok {
		t.Fatalf("expected planning_operations running, got %v", got["running"])
	}
}

func TestHTTP_CreateJob_400_WhenPromptMissing(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := do(router, http.MethodPost, "/jobs", `{"owner_id":"u1"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "prompt") {
		t.Fatalf("expected message about prompt, got %s", rr.Body.String())
	}
}

func TestHTTP_GetJob_400_And_404(t *testing.T) {
	router, _ := newTestRouter(t)

	if rr := do(router, http.MethodGet, "/jobs/not-a-uuid", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if rr := do(router, http.MethodGet, "/jobs/"+uuid.NewString(), ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHTTP_GetJobResult_409_WhenNotCompleted(t *testing.T) {
	router, _ := newTestRouter(t)
	id := createJob(t, router)

	rr := do(router, http.MethodGet, "/jobs/"+id+"/result", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHTTP_GetJobResult_200_WhenCompleted_ReturnsRawJSON(t *testing.T) {
	router, tr := newTestRouter(t)
	id := createJob(t, router)
	completeAll(t, router, tr)

	rr := do(router, http.MethodGet, "/jobs/"+id+"/result", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := strings.TrimSpace(rr.Body.String()); got != outputs[entity.StepFinalizing] {
		t.Fatalf("expected raw final package, got %s", got)
	}
}

func TestHTTP_Retry_409_WhenNotFailed(t *testing.T) {
	router, _ := newTestRouter(t)
	id := createJob(t, router)

	rr := do(router, http.MethodPost, "/jobs/"+id+"/retry", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHTTP_Edits(t *testing.T) {
	router, tr := newTestRouter(t)
	id := createJob(t, router)
	completeAll(t, router, tr)

	rr := do(router, http.MethodPost, "/jobs/"+id+"/edits", `{"stage":"rendering","instruction":"x"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", rr.Code, rr.Body.String())
	}

	rr = do(router, http.MethodPost, "/jobs/"+id+"/edits", `{"stage":"applying_styling","instruction":"dark mode","priority":2}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d, body=%s", rr.Code, rr.Body.String())
	}
	req, _ := tr.last(entity.StepApplyingStyling)
	if req.EditContext == nil || !req.EditContext.IsEditMode {
		t.Fatalf("expected an edit-mode dispatch, got %+v", req.EditContext)
	}
}

func TestHTTP_CompleteStage_400_WithoutToken(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := do(router, http.MethodPost, "/internal/stages/complete", `{"job_id":"`+uuid.NewString()+`","stage":"validating"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHTTP_Events_ReplaysHistoryForFinishedJob(t *testing.T) {
	router, tr := newTestRouter(t)
	id := createJob(t, router)
	completeAll(t, router, tr)

	rr := do(router, http.MethodGet, "/jobs/"+id+"/events", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %s", ct)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "event: progress") || !strings.Contains(body, `"step":"completed"`) {
		t.Fatalf("expected progress events through completion, got %s", body)
	}
}

func TestHTTP_Events_StreamsUntilJobEnds(t *testing.T) {
	router, tr := newTestRouter(t)
	id := createJob(t, router)

	srv := httptest.NewServer(router)
	defer srv.Close()

	done := make(chan string, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/jobs/" + id + "/events")
		if err != nil {
			done <- ""
			return
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		done <- buf.String()
	}()

	time.Sleep(50 * time.Millisecond)
	completeAll(t, router, tr)

	select {
	case body := <-done:
		if !strings.Contains(body, `"step":"completed"`) {
			t.Fatalf("expected stream to end with completion, got %s", body)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected stream to end after completion")
	}
}

func TestHTTP_Metrics(t *testing.T) {
	router, _ := newTestRouter(t)
	if rr := do(router, http.MethodGet, "/metrics", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

type processorStub struct {
	mu   sync.Mutex
	reqs []entity.StageRequest
}

func (p *processorStub) Process(_ context.Context, req entity.StageRequest) error {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	return nil
}

func (p *processorStub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

func TestHTTP_RunStage(t *testing.T) {
	proc := &processorStub{}
	router := httptransport.RunnerRoutes(httptransport.NewRunnerHandler(context.Background(), proc), nil)

	if rr := do(router, http.MethodPost, "/stages/rendering", `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown stage, got %d", rr.Code)
	}
	if rr := do(router, http.MethodPost, "/stages/validating", `{"job_id":"j","stage":"finalizing","token":"t","record":{}}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for stage mismatch, got %d", rr.Code)
	}

	rr := do(router, http.MethodPost, "/stages/validating", `{"job_id":"j","token":"t","strategy":"s","record":{"job_id":"j"}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d, body=%s", rr.Code, rr.Body.String())
	}

	deadline := time.Now().Add(time.Second)
	for proc.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if proc.count() != 1 {
		t.Fatalf("expected 1 processed request, got %d", proc.count())
	}
}
