// Package status_http delivers finished-run summaries to an external
// status endpoint over HTTP. Delivery is retried with exponential
// backoff; client errors other than 429 are permanent.
package status_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/davarch/gridci/internal/domain"
)

type Client struct {
	url   string
	token string
	hc    *http.Client
}

func New(url string, token string, timeout time.Duration) *Client {
	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		url:   trimSlash(url),
		token: token,
		hc:    &http.Client{Transport: tr, Timeout: timeout},
	}
}

type runReportDTO struct {
	RunID     string        `json:"run_id"`
	Workflow  string        `json:"workflow"`
	Trigger   string        `json:"trigger"`
	Status    string        `json:"status"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	Total     int           `json:"total"`
	Created   time.Time     `json:"created"`
	Finished  time.Time     `json:"finished"`
	Instances []instanceDTO `json:"instances"`
}

type instanceDTO struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`
}

func (c *Client) Report(ctx context.Context, run domain.Run) error {
	succeeded, failed, cancelled := run.Tally()
	report := runReportDTO{
		RunID:     run.ID,
		Workflow:  run.Workflow,
		Trigger:   string(run.Event.Type),
		Status:    string(run.Status),
		Succeeded: succeeded,
		Failed:    failed,
		Cancelled: cancelled,
		Total:     len(run.Instances),
		Created:   run.Created,
		Finished:  run.Finished,
	}
	for _, res := range run.Instances {
		report.Instances = append(report.Instances, instanceDTO{
			Name:     res.Instance.Name(),
			Status:   string(res.Status),
			ExitCode: res.ExitCode,
		})
	}

	body, err := json.Marshal(report)
	if err != nil {
		return err
	}

	op := func() error {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}

		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusTooManyRequests {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, _ := strconv.Atoi(ra); sec > 0 {
					select {
					case <-time.After(time.Duration(sec) * time.Second):
					case <-ctx.Done():
						return ctx.Err()
					}
					return fmt.Errorf("retry after due to 429")
				}
			}

			return fmt.Errorf("status endpoint 429")
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("status endpoint %s", resp.Status)
		}

		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("status endpoint %s", resp.Status))
		}

		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 300 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
