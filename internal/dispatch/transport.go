// Package dispatch moves stage requests from the orchestrator to stage runners and
// completion signals back.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"pipeline-orchestrator/internal/entity"
)

// Executor runs a stage request to a result. stage.Runner implements it.
type Executor interface {
	Execute(ctx context.Context, req entity.StageRequest) entity.StageResult
}

// HTTPTransport posts a request to a runner at {BaseURL}/stages/{stage}. The runner accepts
// it and reports back through the callback URL.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPTransport{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (t *HTTPTransport) Send(ctx context.Context, req entity.StageRequest) error {
	return postJSON(ctx, t.client, t.baseURL+"/stages/"+string(req.Stage), req)
}

// QueueTransport enqueues a request for the stage runner worker pool. Edit runs go to the
// high lane.
type QueueTransport struct {
	queue StageQueue
}

func NewQueueTransport(queue StageQueue) *QueueTransport {
	return &QueueTransport{queue: queue}
}

func (t *QueueTransport) Send(ctx context.Context, req entity.StageRequest) error {
	priority := PriorityNormal
	if req.EditContext != nil && req.EditContext.IsEditMode {
		priority = PriorityHigh
	}
	return t.queue.Enqueue(ctx, req, priority)
}

// CompletionHandler takes a finished run's signal. orchestrator.HandleCompletion fits.
type CompletionHandler func(ctx context.Context, sig entity.CompletionSignal) error

// LocalTransport runs stages in-process, each in its own goroutine.
type LocalTransport struct {
	runner Executor

	mu     sync.RWMutex
	handle CompletionHandler
	wg     sync.WaitGroup
}

func NewLocalTransport(runner Executor) *LocalTransport {
	return &LocalTransport{runner: runner}
}

// SetHandler wires the completion side. The orchestrator owns the transport, so this is
// set after both exist.
func (t *LocalTransport) SetHandler(h CompletionHandler) {
	t.mu.Lock()
	t.handle = h
	t.mu.Unlock()
}

func (t *LocalTransport) Send(_ context.Context, req entity.StageRequest) error {
	t.mu.RLock()
	h := t.handle
	t.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("local transport: no completion handler")
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		// the dispatching request may end long before the stage does
		ctx := context.Background()
		res := t.runner.Execute(ctx, req)
		if err := h(ctx, entity.CompletionFor(req, res)); err != nil {
			log.Printf("[local] job_id=%s stage=%s completion error=%v", req.JobID, req.Stage, err)
		}
	}()
	return nil
}

// Wait blocks until every started run has reported.
func (t *LocalTransport) Wait() { t.wg.Wait() }

// HTTPReporter posts completion signals to the orchestrator's callback endpoint.
type HTTPReporter struct {
	defaultURL string
	client     *http.Client
}

func NewHTTPReporter(defaultURL string, client *http.Client) *HTTPReporter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPReporter{defaultURL: defaultURL, client: client}
}

// Report posts sig to callbackURL, or to the default URL when the request carried none.
func (r *HTTPReporter) Report(ctx context.Context, callbackURL string, sig entity.CompletionSignal) error {
	url := callbackURL
	if url == "" {
		url = r.defaultURL
	}
	if url == "" {
		return fmt.Errorf("no callback url for job %s stage %s", sig.JobID, sig.Stage)
	}
	return postJSON(ctx, r.client, url, sig)
}

func postJSON(ctx context.Context, client *http.Client, url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("POST %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
