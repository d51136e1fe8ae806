package status_http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davarch/gridci/internal/domain"
)

func finishedRun() domain.Run {
	run := domain.NewRun("ci", domain.Event{Type: domain.EventPush})
	run.Status = domain.StatusFailed
	run.Finished = run.Created.Add(2 * time.Minute)
	run.Instances = []domain.InstanceResult{
		{
			Instance: domain.Instance{Workflow: "ci", Job: "test", Combo: []domain.Selection{{Axis: "python", Value: "3.10"}}},
			Status:   domain.StatusFailed,
			ExitCode: 7,
		},
		{
			Instance: domain.Instance{Workflow: "ci", Job: "test", Combo: []domain.Selection{{Axis: "python", Value: "3.11"}}},
			Status:   domain.StatusSuccess,
		},
	}
	return run
}

func TestReport_PostsRunSummary(t *testing.T) {
	var got runReportDTO
	var auth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	run := finishedRun()
	c := New(srv.URL, "report-token", 5*time.Second)
	if err := c.Report(context.Background(), run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if auth != "Bearer report-token" {
		t.Errorf("unexpected auth header %q", auth)
	}
	if got.RunID != run.ID || got.Workflow != "ci" || got.Status != "failed" {
		t.Errorf("unexpected report: %+v", got)
	}
	if got.Succeeded != 1 || got.Failed != 1 || got.Total != 2 {
		t.Errorf("unexpected tally: %+v", got)
	}
	if len(got.Instances) != 2 || got.Instances[0].Name != "test (3.10)" || got.Instances[0].ExitCode != 7 {
		t.Errorf("unexpected instances: %+v", got.Instances)
	}
}

func TestReport_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 5*time.Second)
	if err := c.Report(context.Background(), finishedRun()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestReport_ClientErrorsArePermanent(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 5*time.Second)
	if err := c.Report(context.Background(), finishedRun()); err == nil {
		t.Fatal("expected an error")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("expected a single attempt for a permanent error, got %d", got)
	}
}

func TestReport_HonorsRetryAfter(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	start := time.Now()
	c := New(srv.URL, "", 5*time.Second)
	if err := c.Report(context.Background(), finishedRun()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("Retry-After not honored, finished in %v", elapsed)
	}
}
