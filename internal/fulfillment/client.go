package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Kind string

const (
	KindGenerate  Kind = "generate"
	KindEdit      Kind = "edit"
	KindWatermark Kind = "watermark"
)

// ErrMalformed marks a response that could not be interpreted as a result.
var ErrMalformed = errors.New("malformed fulfillment response")

// Request is one unit of work for the rendering service.
type Request struct {
	Kind          Kind
	OwnerID       int64
	Prompt        string
	InputRefs     []string
	Params        map[string]string
	CorrelationID string
}

// Result holds the output asset references, in the order the service returned them.
type Result struct {
	TaskID  string
	Outputs []string
}

// Fulfiller dispatches a request and blocks until the service settles it or ctx ends.
type Fulfiller interface {
	Fulfill(ctx context.Context, req Request) (*Result, error)
}

type Config struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	Models       map[Kind]string
}

// DefaultModels maps each kind to the model that serves it.
func DefaultModels() map[Kind]string {
	return map[Kind]string{
		KindGenerate:  "nano-banana-pro",
		KindEdit:      "flux-2/pro-image-to-image",
		KindWatermark: "sora-watermark-remover",
	}
}

// Client talks to the KIE jobs API: it creates a task and polls it until it settles.
type Client struct {
	apiKey       string
	baseURL      string
	pollInterval time.Duration
	models       map[Kind]string
	httpClient   *http.Client
	log          *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	models := DefaultModels()
	for k, v := range cfg.Models {
		models[k] = v
	}
	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		pollInterval: poll,
		models:       models,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		log:          log,
	}
}

func (c *Client) Fulfill(ctx context.Context, req Request) (*Result, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}
	taskID, err := c.createTask(ctx, payload, req.CorrelationID)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	outputs, err := c.pollTaskStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &Result{TaskID: taskID, Outputs: outputs}, nil
}

func (c *Client) buildPayload(req Request) (map[string]any, error) {
	model := c.models[req.Kind]
	if m := req.Params["model"]; m != "" {
		model = m
	}
	if model == "" {
		return nil, fmt.Errorf("no model configured for kind %q", req.Kind)
	}

	input := map[string]any{}
	switch req.Kind {
	case KindGenerate:
		input["prompt"] = req.Prompt
		input["aspect_ratio"] = paramOr(req.Params, "aspect_ratio", "1:1")
		input["resolution"] = paramOr(req.Params, "resolution", "1K")
		input["output_format"] = strings.ToLower(paramOr(req.Params, "output_format", "png"))
		if len(req.InputRefs) > 0 {
			input["image_input"] = req.InputRefs
		}
	case KindEdit:
		if len(req.InputRefs) == 0 {
			return nil, fmt.Errorf("edit requires an input image")
		}
		input["prompt"] = req.Prompt
		input["input_urls"] = req.InputRefs
		input["aspect_ratio"] = paramOr(req.Params, "aspect_ratio", "1:1")
		input["resolution"] = paramOr(req.Params, "resolution", "1K")
	case KindWatermark:
		if len(req.InputRefs) != 1 {
			return nil, fmt.Errorf("watermark removal takes exactly one input")
		}
		input["image_url"] = req.InputRefs[0]
	default:
		return nil, fmt.Errorf("unsupported kind %q", req.Kind)
	}

	body := map[string]any{
		"model": model,
		"input": input,
	}
	return body, nil
}

func paramOr(params map[string]string, key, fallback string) string {
	if v := strings.TrimSpace(params[key]); v != "" {
		return v
	}
	return fallback
}

func (c *Client) endpoint(path string, query url.Values) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if query != nil {
		ref.RawQuery = query.Encode()
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) createTask(ctx context.Context, payload map[string]any, correlationID string) (string, error) {
	fullURL, err := c.endpoint("/api/v1/jobs/createTask", nil)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if correlationID != "" {
		req.Header.Set("X-Request-Id", correlationID)
	}

	rawBody, status, err := c.do(req)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		c.log.Error("fulfillment create task failed", "status", status, "body", truncateBody(rawBody))
		return "", fmt.Errorf("fulfillment error: status=%d body=%s", status, truncateBody(rawBody))
	}

	var createResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &createResp); err != nil {
		return "", fmt.Errorf("%w: decode create task: %v", ErrMalformed, err)
	}
	if createResp.Code != 200 {
		return "", fmt.Errorf("create task rejected: code=%d msg=%s", createResp.Code, createResp.Msg)
	}
	if createResp.Data.TaskID == "" {
		return "", fmt.Errorf("%w: empty taskId", ErrMalformed)
	}

	c.log.Info("fulfillment task created", "task_id", createResp.Data.TaskID, "model", payload["model"])
	return createResp.Data.TaskID, nil
}

// pollTaskStatus polls until the task settles or ctx ends.
func (c *Client) pollTaskStatus(ctx context.Context, taskID string) ([]string, error) {
	fullURL, err := c.endpoint("/api/v1/jobs/recordInfo", url.Values{"taskId": {taskID}})
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return nil, fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")

		rawBody, status, err := c.do(req)
		if err != nil {
			return nil, fmt.Errorf("get task status: %w", err)
		}
		if status >= 300 {
			c.log.Error("fulfillment poll failed", "status", status, "task_id", taskID, "body", truncateBody(rawBody))
			return nil, fmt.Errorf("fulfillment error: status=%d body=%s", status, truncateBody(rawBody))
		}

		var statusResp struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
			Data struct {
				State      string `json:"state"`
				ResultJSON string `json:"resultJson"`
				FailCode   string `json:"failCode"`
				FailMsg    string `json:"failMsg"`
			} `json:"data"`
		}
		if err := json.Unmarshal(rawBody, &statusResp); err != nil {
			return nil, fmt.Errorf("%w: decode status: %v", ErrMalformed, err)
		}
		if statusResp.Code != 200 {
			return nil, fmt.Errorf("get task status rejected: code=%d msg=%s", statusResp.Code, statusResp.Msg)
		}

		switch state := statusResp.Data.State; state {
		case "success":
			outputs, err := parseResult(statusResp.Data.ResultJSON)
			if err != nil {
				return nil, err
			}
			c.log.Info("fulfillment task completed", "task_id", taskID, "attempt", attempt, "outputs", len(outputs))
			return outputs, nil

		case "fail":
			failMsg := statusResp.Data.FailMsg
			if failMsg == "" {
				failMsg = "unknown error"
			}
			c.log.Warn("fulfillment task failed", "task_id", taskID, "fail_code", statusResp.Data.FailCode, "fail_msg", failMsg)
			return nil, fmt.Errorf("task failed: %s (code: %s)", failMsg, statusResp.Data.FailCode)

		case "waiting", "generating", "processing", "queued", "queueing":
			if attempt%10 == 1 {
				c.log.Debug("fulfillment task waiting", "task_id", taskID, "attempt", attempt)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.pollInterval):
			}

		default:
			return nil, fmt.Errorf("%w: unknown task state %q", ErrMalformed, state)
		}
	}
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response body: %w", err)
	}
	return rawBody, resp.StatusCode, nil
}

func parseResult(raw string) ([]string, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty resultJson", ErrMalformed)
	}
	var result struct {
		ResultURLs []string `json:"resultUrls"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("%w: parse resultJson: %v", ErrMalformed, err)
	}
	outputs := make([]string, 0, len(result.ResultURLs))
	for _, u := range result.ResultURLs {
		if u = strings.TrimSpace(u); u != "" {
			outputs = append(outputs, u)
		}
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: no resultUrls", ErrMalformed)
	}
	return outputs, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
