// Package client is a thin HTTP client for the evolution service API, used by evoctl and by
// external trainers.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/evolution/internal/auth"
	"github.com/ILLUVRSE/evolution/internal/feed"
	"github.com/ILLUVRSE/evolution/internal/harvest"
	"github.com/ILLUVRSE/evolution/internal/hotswap"
	"github.com/ILLUVRSE/evolution/internal/ledger"
	"github.com/ILLUVRSE/evolution/internal/models"
	"github.com/ILLUVRSE/evolution/internal/orchestrator"
)

type Config struct {
	BaseURL string
	// Token is sent as a bearer token; DebugToken as X-Debug-Token. Either may be empty.
	Token      string
	DebugToken string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	baseURL    string
	token      string
	debugToken string
	http       *http.Client
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s (%s)", e.Status, http.StatusText(e.Status), e.Message, e.Code)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Message)
}

// ErrNoJob is returned by Claim when the queue has nothing claimable.
var ErrNoJob = errors.New("no claimable job")

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("evolution base url required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		debugToken: cfg.DebugToken,
		http:       hc,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) (int, error) {
	var rdr io.Reader
	if body != nil {
		raw, ok := body.([]byte)
		if !ok {
			var err error
			if raw, err = json.Marshal(body); err != nil {
				return 0, fmt.Errorf("marshal request: %w", err)
			}
		}
		rdr = bytes.NewReader(raw)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.debugToken != "" {
		req.Header.Set(auth.DebugHeader, c.debugToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Message: e.Error, Code: e.Code}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return resp.StatusCode, nil
}

type JobFilter struct {
	Statuses []models.JobStatus
	BlockID  string
	Limit    int
	Offset   int
}

func (c *Client) ListJobs(ctx context.Context, f JobFilter) ([]models.JobSpec, error) {
	q := url.Values{}
	if len(f.Statuses) > 0 {
		parts := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			parts = append(parts, string(s))
		}
		q.Set("status", strings.Join(parts, ","))
	}
	if f.BlockID != "" {
		q.Set("block", f.BlockID)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	var jobs []models.JobSpec
	_, err := c.do(ctx, http.MethodGet, "/v1/admin/jobs", q, nil, &jobs)
	return jobs, err
}

type JobDetail struct {
	Job    models.JobSpec         `json:"job"`
	Result *models.TrainingResult `json:"result,omitempty"`
	Canary *models.CanaryReport   `json:"canary,omitempty"`
}

func (c *Client) GetJob(ctx context.Context, id uuid.UUID) (JobDetail, error) {
	var d JobDetail
	_, err := c.do(ctx, http.MethodGet, "/v1/admin/jobs/"+id.String(), nil, nil, &d)
	return d, err
}

type LedgerPage struct {
	Entries []ledger.Entry `json:"entries"`
	// Next is set when the page was full; pass it as after to continue.
	Next *int64 `json:"next,omitempty"`
}

func (c *Client) LedgerEntries(ctx context.Context, after int64, limit int) (LedgerPage, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page LedgerPage
	_, err := c.do(ctx, http.MethodGet, "/v1/ledger/entries", q, nil, &page)
	return page, err
}

// ExportLedger pages through the chain from after and hands each entry to fn in order.
func (c *Client) ExportLedger(ctx context.Context, after int64, pageSize int, fn func(ledger.Entry) error) (int, error) {
	n := 0
	for {
		page, err := c.LedgerEntries(ctx, after, pageSize)
		if err != nil {
			return n, err
		}
		for _, e := range page.Entries {
			if err := fn(e); err != nil {
				return n, err
			}
			n++
		}
		if page.Next == nil || len(page.Entries) == 0 {
			return n, nil
		}
		after = *page.Next
	}
}

func (c *Client) LedgerForJob(ctx context.Context, id uuid.UUID) ([]ledger.Entry, error) {
	var resp struct {
		Entries []ledger.Entry `json:"entries"`
	}
	_, err := c.do(ctx, http.MethodGet, "/v1/ledger/jobs/"+id.String(), nil, nil, &resp)
	return resp.Entries, err
}

func (c *Client) VerifyLedger(ctx context.Context) (ledger.VerifyReport, error) {
	var rep ledger.VerifyReport
	_, err := c.do(ctx, http.MethodPost, "/v1/ledger/verify", nil, nil, &rep)
	return rep, err
}

type BlockView struct {
	models.SkillBlock
	Live       *models.LiveArtifact `json:"live,omitempty"`
	SwapState  string               `json:"swapState"`
	Monitoring bool                 `json:"monitoring"`
}

func (c *Client) Blocks(ctx context.Context) ([]BlockView, error) {
	var out []BlockView
	_, err := c.do(ctx, http.MethodGet, "/v1/admin/blocks", nil, nil, &out)
	return out, err
}

func (c *Client) RollBack(ctx context.Context, blockID, reason string) (hotswap.Rollback, error) {
	var rb hotswap.Rollback
	_, err := c.do(ctx, http.MethodPost, "/v1/admin/blocks/"+url.PathEscape(blockID)+"/rollback", nil,
		map[string]string{"reason": reason}, &rb)
	return rb, err
}

type PolicyReload struct {
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
	Applied  bool   `json:"applied"`
}

// ReloadPolicy sends document as the new policy, or asks the service to re-read its policy
// file when document is empty.
func (c *Client) ReloadPolicy(ctx context.Context, document []byte) (PolicyReload, error) {
	var out PolicyReload
	var body interface{}
	if len(document) > 0 {
		body = document
	}
	_, err := c.do(ctx, http.MethodPost, "/v1/admin/policy/reload", nil, body, &out)
	return out, err
}

func (c *Client) RunCycle(ctx context.Context) (orchestrator.CycleReport, error) {
	var rep orchestrator.CycleReport
	_, err := c.do(ctx, http.MethodPost, "/v1/admin/cycle", nil, nil, &rep)
	return rep, err
}

func (c *Client) ClearHalt(ctx context.Context, note string) (bool, error) {
	var out struct {
		Cleared bool `json:"cleared"`
	}
	_, err := c.do(ctx, http.MethodPost, "/v1/admin/halt/clear", nil, map[string]string{"note": note}, &out)
	return out.Cleared, err
}

func (c *Client) Quota(ctx context.Context) (models.Quota, error) {
	var q models.Quota
	_, err := c.do(ctx, http.MethodGet, "/v1/admin/quota", nil, nil, &q)
	return q, err
}

// Claim returns ErrNoJob on 204.
func (c *Client) Claim(ctx context.Context, workerID string) (models.JobSpec, error) {
	var job models.JobSpec
	status, err := c.do(ctx, http.MethodPost, "/v1/trainer/claim", nil, map[string]string{"workerId": workerID}, &job)
	if err != nil {
		return models.JobSpec{}, err
	}
	if status == http.StatusNoContent {
		return models.JobSpec{}, ErrNoJob
	}
	return job, nil
}

func (c *Client) Heartbeat(ctx context.Context, id uuid.UUID, workerID string) (models.JobSpec, error) {
	var job models.JobSpec
	_, err := c.do(ctx, http.MethodPost, "/v1/trainer/jobs/"+id.String()+"/heartbeat", nil,
		map[string]string{"workerId": workerID}, &job)
	return job, err
}

func (c *Client) Complete(ctx context.Context, id uuid.UUID, workerID string, result models.TrainingResult) (orchestrator.CompleteOutcome, error) {
	body := struct {
		WorkerID string `json:"workerId"`
		models.TrainingResult
	}{WorkerID: workerID, TrainingResult: result}
	var out orchestrator.CompleteOutcome
	_, err := c.do(ctx, http.MethodPost, "/v1/trainer/jobs/"+id.String()+"/complete", nil, body, &out)
	return out, err
}

func (c *Client) Fail(ctx context.Context, id uuid.UUID, workerID, detail string) (models.JobSpec, error) {
	var job models.JobSpec
	_, err := c.do(ctx, http.MethodPost, "/v1/trainer/jobs/"+id.String()+"/fail", nil,
		map[string]string{"workerId": workerID, "detail": detail}, &job)
	return job, err
}

type SubmitResult struct {
	Outcome feed.Outcome `json:"outcome"`
	Key     string       `json:"key"`
}

func (c *Client) Submit(ctx context.Context, in feed.SubmissionInput) (SubmitResult, error) {
	var out SubmitResult
	_, err := c.do(ctx, http.MethodPost, "/v1/feed/submissions", nil, in, &out)
	return out, err
}

func (c *Client) IngestFailures(ctx context.Context, inputs []harvest.FailureInput) (harvest.IngestReport, error) {
	var rep harvest.IngestReport
	_, err := c.do(ctx, http.MethodPost, "/v1/failures", nil,
		map[string]interface{}{"failures": inputs}, &rep)
	return rep, err
}
