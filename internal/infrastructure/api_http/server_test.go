package api_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davarch/gridci/internal/domain"
)

type stubService struct {
	mu          sync.Mutex
	events      []domain.Event
	dispatched  []string
	dispatchEv  domain.Event
	ids         []string
	runID       string
	dispatchErr error
	workflows   []domain.WorkflowSummary
}

func (s *stubService) Trigger(ev domain.Event) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.ids
}

func (s *stubService) Dispatch(name string, ev domain.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched = append(s.dispatched, name)
	s.dispatchEv = ev
	if s.dispatchErr != nil {
		return "", s.dispatchErr
	}
	return s.runID, nil
}

func (s *stubService) Workflows() []domain.WorkflowSummary { return s.workflows }

type stubStore struct {
	runs []domain.Run
	logs map[string][]byte
}

func (s *stubStore) Runs(context.Context) ([]domain.Run, error) { return s.runs, nil }

func (s *stubStore) Run(_ context.Context, id string) (domain.Run, error) {
	for _, r := range s.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.Run{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
}

func (s *stubStore) Log(_ context.Context, runID, slug string, step int) ([]byte, error) {
	if b, ok := s.logs[fmt.Sprintf("%s/%s/%d", runID, slug, step)]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("no log for %s", runID)
}

func sampleRun() domain.Run {
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	in := domain.Instance{
		Workflow: "ci",
		Job:      "test",
		Combo:    []domain.Selection{{Axis: "python", Value: "3.11"}},
	}
	return domain.Run{
		ID:       "run-1",
		Workflow: "ci",
		Event:    domain.Event{Type: domain.EventPush, Branch: "main"},
		Status:   domain.StatusFailed,
		Created:  started,
		Finished: started.Add(90 * time.Second),
		Instances: []domain.InstanceResult{{
			Instance: in,
			Status:   domain.StatusFailed,
			ExitCode: 7,
			Started:  started,
			Finished: started.Add(time.Minute),
			Steps: []domain.StepResult{
				{Name: "build", Status: domain.StatusSuccess, Started: started, Finished: started.Add(30 * time.Second), LogDigest: "blake3:aa"},
				{Name: "test", Status: domain.StatusFailed, ExitCode: 7, Started: started.Add(30 * time.Second), Finished: started.Add(time.Minute)},
			},
		}},
	}
}

func newTestAPI(t *testing.T, svc *stubService, store *stubStore, token string) *httptest.Server {
	t.Helper()
	if store == nil {
		store = &stubStore{}
	}
	ts := httptest.NewServer(NewServer(nil, svc, store, token).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		payload = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, url, payload)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, b
}

func TestPushEventStartsMatchingRuns(t *testing.T) {
	svc := &stubService{ids: []string{"id-1", "id-2"}}
	ts := newTestAPI(t, svc, nil, "")

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/events/push", "", map[string]string{
		"repo":   "https://example.com/repo.git",
		"branch": "main",
		"ref":    "refs/heads/main",
	})

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", resp.StatusCode, body)
	}

	var got struct {
		Runs []string `json:"runs"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Runs) != 2 {
		t.Errorf("runs = %v, want two ids", got.Runs)
	}

	if len(svc.events) != 1 {
		t.Fatalf("service saw %d events, want 1", len(svc.events))
	}
	ev := svc.events[0]
	if ev.Type != domain.EventPush || ev.Branch != "main" || ev.Repo != "https://example.com/repo.git" {
		t.Errorf("event = %+v", ev)
	}
}

func TestPullRequestEventCarriesBaseBranch(t *testing.T) {
	svc := &stubService{}
	ts := newTestAPI(t, svc, nil, "")

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/events/pull_request", "", map[string]string{
		"branch":      "feature/x",
		"base_branch": "main",
	})

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	// No workflow matched; the response still lists (zero) runs.
	if !strings.Contains(string(body), `"runs":[]`) {
		t.Errorf("body = %s, want empty runs array", body)
	}

	if svc.events[0].BaseBranch != "main" {
		t.Errorf("BaseBranch = %q", svc.events[0].BaseBranch)
	}
}

func TestDispatchReturnsRunID(t *testing.T) {
	svc := &stubService{runID: "run-42"}
	ts := newTestAPI(t, svc, nil, "")

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/workflows/nightly/dispatch", "", map[string]any{
		"inputs": map[string]string{"suite": "full"},
	})

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "run-42") {
		t.Errorf("body = %s", body)
	}

	if svc.dispatched[0] != "nightly" {
		t.Errorf("dispatched = %v", svc.dispatched)
	}
	if svc.dispatchEv.Type != domain.EventDispatch || svc.dispatchEv.Inputs["suite"] != "full" {
		t.Errorf("event = %+v", svc.dispatchEv)
	}
}

func TestDispatchWithoutBody(t *testing.T) {
	svc := &stubService{runID: "run-7"}
	ts := newTestAPI(t, svc, nil, "")

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/workflows/ci/dispatch", "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
}

func TestDispatchErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: ci", domain.ErrWorkflowNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: ci", domain.ErrWorkflowDisabled), http.StatusConflict},
		{fmt.Errorf("%w: no dispatch trigger", domain.ErrTriggerMismatch), http.StatusUnprocessableEntity},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		svc := &stubService{dispatchErr: tc.err}
		ts := newTestAPI(t, svc, nil, "")

		resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/workflows/ci/dispatch", "", nil)
		if resp.StatusCode != tc.want {
			t.Errorf("%v: status = %d, want %d (%s)", tc.err, resp.StatusCode, tc.want, body)
		}
	}
}

func TestMalformedEventBody(t *testing.T) {
	ts := newTestAPI(t, &stubService{}, nil, "")

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/events/push", strings.NewReader("{not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBearerToken(t *testing.T) {
	svc := &stubService{}
	ts := newTestAPI(t, svc, nil, "hunter2")

	resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/workflows", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/workflows", "wrong", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/workflows", "hunter2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("right token: status = %d, want 200", resp.StatusCode)
	}

	// Health stays open for probes that hold no credentials.
	resp, _ = do(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: status = %d, want 200", resp.StatusCode)
	}
}

func TestListWorkflows(t *testing.T) {
	svc := &stubService{workflows: []domain.WorkflowSummary{
		{Name: "ci", Path: "/etc/gridci/ci.yaml", Enabled: true, Triggers: []string{"push", "dispatch"}},
		{Name: "nightly", Path: "/etc/gridci/nightly.yaml", Enabled: false},
	}}
	ts := newTestAPI(t, svc, nil, "")

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/workflows", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got []workflowDTO
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "ci" || len(got[0].Triggers) != 2 || got[1].Enabled {
		t.Errorf("workflows = %+v", got)
	}
}

func TestListRuns(t *testing.T) {
	store := &stubStore{runs: []domain.Run{sampleRun()}}
	ts := newTestAPI(t, &stubService{}, store, "")

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/runs", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got []runSummaryDTO
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d runs", len(got))
	}
	sum := got[0]
	if sum.ID != "run-1" || sum.Status != "failed" || sum.Failed != 1 || sum.Instances != 1 || sum.Event != "push" {
		t.Errorf("summary = %+v", sum)
	}
}

func TestGetRunDetail(t *testing.T) {
	store := &stubStore{runs: []domain.Run{sampleRun()}}
	ts := newTestAPI(t, &stubService{}, store, "")

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/runs/run-1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	var got runDetailDTO
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Matrix) != 1 {
		t.Fatalf("matrix = %+v", got.Matrix)
	}

	in := got.Matrix[0]
	if in.Name != "test (3.11)" || in.ExitCode != 7 || len(in.Steps) != 2 {
		t.Errorf("instance = %+v", in)
	}
	if in.Steps[1].Status != "failed" || in.Steps[1].ExitCode != 7 || in.Steps[1].Index != 1 {
		t.Errorf("failed step = %+v", in.Steps[1])
	}
	if got.EventDetail.Branch != "main" {
		t.Errorf("event = %+v", got.EventDetail)
	}
}

func TestGetRunNotFound(t *testing.T) {
	ts := newTestAPI(t, &stubService{}, &stubStore{}, "")

	resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/runs/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStepLog(t *testing.T) {
	store := &stubStore{
		runs: []domain.Run{sampleRun()},
		logs: map[string][]byte{"run-1/test-3.11/1": []byte("assert failed\n")},
	}
	ts := newTestAPI(t, &stubService{}, store, "")

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/runs/run-1/logs/test-3.11/1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(body) != "assert failed\n" {
		t.Errorf("body = %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/runs/run-1/logs/test-3.11/9", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing log: status = %d, want 404", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/runs/run-1/logs/test-3.11/x", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad index: status = %d, want 400", resp.StatusCode)
	}
}
