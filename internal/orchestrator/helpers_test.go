package orchestrator_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/orchestrator"
	"pipeline-orchestrator/internal/pipeline"
	"pipeline-orchestrator/internal/repository"
	"pipeline-orchestrator/internal/repository/memory"
	"pipeline-orchestrator/internal/strategy"
)

var fragments = map[entity.Step]string{
	entity.StepPlanningOperations: `{"operations":[{"name":"add_item"}]}`,
	entity.StepDesigningState:     `{"state_logic":{"items":[]}}`,
	entity.StepDesigningLayout:    `{"layout":{"type":"column"}}`,
	entity.StepApplyingStyling:    `{"styles":{"root":"p-4"}}`,
	entity.StepAssemblingArtifact: `{"artifact":"<App/>"}`,
	entity.StepValidating:         `{"validation":{"ok":true}}`,
	entity.StepFinalizing:         `{"package":{"name":"todo-app"}}`,
}

func fragment(stage entity.Step) json.RawMessage {
	return json.RawMessage(fragments[stage])
}

func success(req entity.StageRequest, frag json.RawMessage) entity.CompletionSignal {
	return entity.CompletionFor(req, entity.StageResult{
		Success:        true,
		OutputFragment: frag,
		Strategy:       req.Strategy,
		Attempts:       1,
	})
}

func failure(req entity.StageRequest, msg string) entity.CompletionSignal {
	return entity.CompletionFor(req, entity.StageResult{
		Success:  false,
		Error:    msg,
		Strategy: "fallback-small",
		Attempts: 2,
	})
}

type recordingTransport struct {
	mu     sync.Mutex
	reqs   []entity.StageRequest
	err    error
	onSend func(req entity.StageRequest)
}

func (t *recordingTransport) Send(_ context.Context, req entity.StageRequest) error {
	t.mu.Lock()
	err, hook := t.err, t.onSend
	if err == nil {
		t.reqs = append(t.reqs, req)
	}
	t.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		go hook(req)
	}
	return nil
}

func (t *recordingTransport) sent(jobID string, stage entity.Step) []entity.StageRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []entity.StageRequest
	for _, r := range t.reqs {
		if r.JobID == jobID && r.Stage == stage {
			out = append(out, r)
		}
	}
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type exportRecorder struct {
	mu   sync.Mutex
	jobs []string
}

func (e *exportRecorder) Export(_ context.Context, rec *entity.JobRecord) error {
	e.mu.Lock()
	e.jobs = append(e.jobs, rec.JobID)
	e.mu.Unlock()
	return nil
}

func (e *exportRecorder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

type harness struct {
	o        *orchestrator.Orchestrator
	store    *memory.Store
	tr       *recordingTransport
	clock    *clock
	exported *exportRecorder
}

type option func(*orchestrator.Deps, *orchestrator.Config)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()

	res, err := strategy.NewResolver(strategy.DefaultConfig())
	require.NoError(t, err)

	h := &harness{
		store:    memory.NewStore(),
		tr:       &recordingTransport{},
		clock:    &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		exported: &exportRecorder{},
	}
	deps := orchestrator.Deps{
		Store:      h.store,
		Transport:  h.tr,
		Strategies: res,
		Exporter:   h.exported,
		Now:        h.clock.Now,
	}
	cfg := orchestrator.Config{StageTimeout: time.Minute}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}

	h.o, err = orchestrator.New(deps, cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) submit(t *testing.T) *entity.JobRecord {
	t.Helper()
	rec, err := h.o.Submit(context.Background(), orchestrator.CreateJobInput{
		OwnerID: "user-1",
		Prompt:  "a todo list with filters",
	})
	require.NoError(t, err)
	return rec
}

func (h *harness) get(t *testing.T, jobID string) *entity.JobRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), jobID, repository.GetOptions{ForceRefresh: true})
	require.NoError(t, err)
	return rec
}

func (h *harness) last(t *testing.T, jobID string, stage entity.Step) entity.StageRequest {
	t.Helper()
	reqs := h.tr.sent(jobID, stage)
	require.NotEmpty(t, reqs, "no request sent for %s", stage)
	return reqs[len(reqs)-1]
}

func (h *harness) complete(t *testing.T, jobID string, stage entity.Step) {
	t.Helper()
	require.NoError(t, h.o.HandleCompletion(context.Background(), success(h.last(t, jobID, stage), fragment(stage))))
}

func (h *harness) fail(t *testing.T, jobID string, stage entity.Step, msg string) {
	t.Helper()
	require.NoError(t, h.o.HandleCompletion(context.Background(), failure(h.last(t, jobID, stage), msg)))
}

// runTo completes every stage the job reaches until current_step equals step.
func (h *harness) runTo(t *testing.T, jobID string, step entity.Step) {
	t.Helper()
	for i := 0; i < len(pipeline.Order); i++ {
		rec := h.get(t, jobID)
		if rec.CurrentStep == step {
			return
		}
		phase, ok := pipeline.PhaseOf(rec.CurrentStep)
		require.True(t, ok, "job stuck at %s", rec.CurrentStep)
		for _, s := range phase.Stages {
			h.complete(t, jobID, s)
		}
	}
	require.Equal(t, step, h.get(t, jobID).CurrentStep)
}

func hasEvent(rec *entity.JobRecord, step entity.Step, status entity.ProgressStatus) bool {
	for _, ev := range rec.ProgressLog {
		if ev.Step == step && ev.Status == status {
			return true
		}
	}
	return false
}
