package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pebble/pebble-agent/internal/agenterr"
	"github.com/pebble/pebble-agent/internal/observability"
)

const (
	pollPath     = "/agent/poll/"
	completePath = "/agent/complete/"

	agentKeyHeader = "X-Agent-Key"

	maxResponseBytes = 4 << 20
	bodyPreviewBytes = 512
)

type PollOutcome string

const (
	PollJob          PollOutcome = "job"
	PollEmpty        PollOutcome = "empty"
	PollUnauthorized PollOutcome = "unauthorized"
	PollRejected     PollOutcome = "rejected"
	PollTransport    PollOutcome = "transport"
	PollDecode       PollOutcome = "decode"
	PollMalformed    PollOutcome = "malformed"
)

type ReportOutcome string

const (
	ReportDelivered ReportOutcome = "delivered"
	ReportRejected  ReportOutcome = "rejected"
	ReportFailed    ReportOutcome = "failed"
)

type Config struct {
	BaseURL       string
	AgentKey      string
	CompanyID     string
	Timeout       time.Duration
	ReportRetries int
	RetryPause    time.Duration

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// Client talks to the Pebble backend. Each worker owns its own Client so
// connection pools are never shared between workers.
type Client struct {
	baseURL       string
	agentKey      string
	companyID     string
	reportRetries int
	retryPause    time.Duration
	client        *http.Client
	logger        *slog.Logger

	lastContact atomic.Int64
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.AgentKey) == "" {
		return nil, fmt.Errorf("agent key is required")
	}
	if strings.TrimSpace(cfg.CompanyID) == "" {
		return nil, fmt.Errorf("company id is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retryPause := cfg.RetryPause
	if retryPause <= 0 {
		retryPause = time.Second
	}
	retries := cfg.ReportRetries
	if retries < 0 {
		retries = 0
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   timeout,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		}
	}
	return &Client{
		baseURL:       strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		agentKey:      strings.TrimSpace(cfg.AgentKey),
		companyID:     strings.TrimSpace(cfg.CompanyID),
		reportRetries: retries,
		retryPause:    retryPause,
		client:        client,
		logger:        logger,
	}, nil
}

// Poll asks the backend for the next job. A nil job with a nil error means
// there is nothing to do, including when the backend could not be reached
// or answered with something other than a job. The only error returned is
// for a job payload that carries no id.
func (c *Client) Poll(ctx context.Context) (*Job, error) {
	job, outcome, err := c.poll(ctx)
	observability.ObservePoll(string(outcome))
	return job, err
}

func (c *Client) poll(ctx context.Context) (*Job, PollOutcome, error) {
	status, body, err := c.post(ctx, pollPath, map[string]string{"company_id": c.companyID})
	if err != nil {
		c.logger.WarnContext(ctx, "poll request failed", slog.Any("error", err))
		return nil, PollTransport, nil
	}
	switch {
	case status == http.StatusOK:
		c.lastContact.Store(time.Now().UnixNano())
	case status == http.StatusUnauthorized:
		c.logger.ErrorContext(ctx, "authentication failed, check PEBBLE_AGENT_API_KEY",
			slog.Int("status", status))
		return nil, PollUnauthorized, nil
	default:
		c.logger.WarnContext(ctx, "poll returned unexpected status",
			slog.Int("status", status),
			slog.String("body", observability.Preview(string(body), bodyPreviewBytes)),
		)
		return nil, PollRejected, nil
	}

	job, empty, err := decodePoll(body)
	if err != nil {
		c.logger.WarnContext(ctx, "decode poll response failed",
			slog.Any("error", err),
			slog.String("body", observability.Preview(string(body), bodyPreviewBytes)),
		)
		return nil, PollDecode, nil
	}
	if empty {
		return nil, PollEmpty, nil
	}
	if job.ID.IsZero() {
		return nil, PollMalformed, agenterr.New(agenterr.Loop, "poll returned a job without an id")
	}
	return job, PollJob, nil
}

// decodePoll treats a missing, null or empty job object as no job.
func decodePoll(body []byte) (*Job, bool, error) {
	var payload struct {
		Job json.RawMessage `json:"job"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, false, err
	}
	raw := bytes.TrimSpace(payload.Job)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, true, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, true, nil
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, false, err
	}
	return &job, false, nil
}

// Report delivers a completion. Failures are logged and never returned;
// transport errors and 5xx responses are retried up to the configured count.
func (c *Client) Report(ctx context.Context, completion Completion) ReportOutcome {
	outcome := c.report(ctx, completion)
	observability.ObserveReport(string(outcome))
	return outcome
}

func (c *Client) report(ctx context.Context, completion Completion) ReportOutcome {
	payload := map[string]any{
		"company_id":        c.companyID,
		"job_id":            completion.JobID,
		"execution_time_ms": completion.ExecutionTime.Milliseconds(),
	}
	if completion.Error != "" {
		payload["error"] = completion.Error
	} else if completion.Result != nil {
		payload["results"] = completion.Result
	}
	jobAttr := slog.String("job_id", completion.JobID.String())

	for attempt := 0; ; attempt++ {
		status, body, err := c.post(ctx, completePath, payload)
		if err == nil && status == http.StatusOK {
			c.logger.InfoContext(ctx, "job completed successfully", jobAttr)
			return ReportDelivered
		}
		if err == nil && status < http.StatusInternalServerError {
			c.logger.ErrorContext(ctx, "failed to complete job",
				jobAttr,
				slog.Int("status", status),
				slog.String("body", observability.Preview(string(body), bodyPreviewBytes)),
			)
			return ReportRejected
		}

		attrs := []any{jobAttr, slog.Int("attempt", attempt+1)}
		if err != nil {
			attrs = append(attrs, slog.Any("error", err))
		} else {
			attrs = append(attrs, slog.Int("status", status))
		}
		if attempt >= c.reportRetries {
			c.logger.ErrorContext(ctx, "failed to complete job", attrs...)
			return ReportFailed
		}
		c.logger.WarnContext(ctx, "retrying job completion", attrs...)
		if !sleepContext(ctx, c.retryPause*time.Duration(attempt+1)) {
			c.logger.ErrorContext(ctx, "failed to complete job", jobAttr, slog.Any("error", ctx.Err()))
			return ReportFailed
		}
	}
}

// LastContact returns when a poll last got a 200 response, or the zero time.
func (c *Client) LastContact() time.Time {
	nanos := c.lastContact.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func (c *Client) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(agentKeyHeader, c.agentKey)
	req.Header.Set(observability.RequestIDHeader, uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, agenterr.Wrap(agenterr.Transport, "request "+path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, agenterr.Wrap(agenterr.Transport, "read response body", err)
	}
	return resp.StatusCode, raw, nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
