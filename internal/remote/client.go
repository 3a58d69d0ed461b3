package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"campaign-pipeline/internal/errs"
)

// Service is the narrow contract the orchestrator consumes.
type Service interface {
	SubmitStage(ctx context.Context, stage StageName, payload any) (StageResult, error)
	FetchJobStatus(ctx context.Context, jobID string) (JobStatusReport, error)
}

// Client talks to the generation service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient builds a client for baseURL. Every request is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/") + "/api/v1",
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

// SubmitStage posts payload to the stage endpoint and decodes the stage-specific answer.
func (c *Client) SubmitStage(ctx context.Context, stage StageName, payload any) (StageResult, error) {
	op := "submit " + string(stage)
	path := "/" + string(stage)

	switch stage {
	case StageProductInfo:
		var resp productInfoResponse
		if err := c.do(ctx, op, http.MethodPost, path, payload, &resp); err != nil {
			return StageResult{}, err
		}
		return StageResult{SessionID: resp.SessionID}, nil

	case StageResearch:
		var resp researchResponse
		if err := c.do(ctx, op, http.MethodPost, path, payload, &resp); err != nil {
			return StageResult{}, err
		}
		summary := resp.Summary
		return StageResult{SessionID: resp.SessionID, Research: &summary}, nil

	case StageIdeas:
		var resp generateIdeasResponse
		if err := c.do(ctx, op, http.MethodPost, path, payload, &resp); err != nil {
			return StageResult{}, err
		}
		return StageResult{SessionID: resp.SessionID, Ideas: resp.Ideas}, nil

	case StageGeneration:
		var resp generateAdsResponse
		if err := c.do(ctx, op, http.MethodPost, path, payload, &resp); err != nil {
			return StageResult{}, err
		}
		return StageResult{JobIDs: resp.JobIDs, EstimatedSeconds: resp.EstimatedTime}, nil

	default:
		return StageResult{}, errs.Validation(op, "unknown stage")
	}
}

// FetchJobStatus reads the current status of one generation job.
func (c *Client) FetchJobStatus(ctx context.Context, jobID string) (JobStatusReport, error) {
	const op = "fetch job status"
	var report JobStatusReport
	if err := c.do(ctx, op, http.MethodGet, "/ad-status/"+url.PathEscape(jobID), nil, &report); err != nil {
		return JobStatusReport{}, err
	}
	if report.JobID == "" {
		report.JobID = jobID
	}
	if !report.Status.Valid() {
		return JobStatusReport{}, errs.Remote(op, http.StatusOK, fmt.Sprintf("unknown job status %q", report.Status))
	}
	return report, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errs.Validation(op, "marshal payload: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Pipeline-Schema", APIVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return classifyStatus(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out); err != nil {
		if ctx.Err() != nil {
			return errs.Transient(op, err)
		}
		return errs.Remote(op, resp.StatusCode, fmt.Sprintf("malformed response: %v", err))
	}
	return nil
}

func classifyStatus(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	detail := strings.TrimSpace(string(raw))
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Detail != "" {
		detail = er.Detail
	}
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return errs.Transient(op, fmt.Errorf("status %d: %s", resp.StatusCode, detail))
	default:
		return errs.Remote(op, resp.StatusCode, detail)
	}
}
