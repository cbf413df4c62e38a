package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/verdantlabs/yardgen/internal/config"
)

// Client drives the asynchronous image generation provider: create a task,
// then poll until it resolves.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &Client{
		apiKey:  cfg.GenAIAPIKey,
		baseURL: strings.TrimRight(cfg.GenAIBaseURL, "/"),
		model:   cfg.GenAIModel,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// Generate submits an image-to-image task for the given prompt and source
// image, waits for it to resolve and returns the result bytes with their
// content type. The provider's result URL is short-lived, so the image is
// pulled down immediately instead of being handed to the caller.
func (c *Client) Generate(ctx context.Context, prompt, imageURL string) ([]byte, string, error) {
	payload := map[string]any{
		"model": c.model,
		"input": map[string]any{
			"prompt":        prompt,
			"image_input":   []string{imageURL},
			"aspect_ratio":  "4:3",
			"output_format": "png",
		},
	}

	taskID, err := c.createTask(ctx, payload)
	if err != nil {
		return nil, "", fmt.Errorf("create task: %w", err)
	}
	resultURL, err := c.pollTask(ctx, taskID)
	if err != nil {
		return nil, "", err
	}
	return c.download(ctx, resultURL)
}

func (c *Client) download(ctx context.Context, resultURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download result: status=%d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read result body: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	return data, contentType, nil
}

func (c *Client) createTask(ctx context.Context, payload map[string]any) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	endpoint, _ := url.Parse("/api/v1/jobs/createTask")
	fullURL := base.ResolveReference(endpoint).String()

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

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post task: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		c.log.Error("create task failed", "status", resp.StatusCode, "body", truncateBody(rawBody))
		return "", fmt.Errorf("provider error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}

	var createResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &createResp); err != nil {
		return "", fmt.Errorf("decode create task response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if createResp.Code != 200 {
		return "", fmt.Errorf("create task failed: code=%d msg=%s", createResp.Code, createResp.Msg)
	}
	if createResp.Data.TaskID == "" {
		return "", fmt.Errorf("empty taskId in response")
	}

	c.log.Info("generation task created", "task_id", createResp.Data.TaskID, "model", c.model)
	return createResp.Data.TaskID, nil
}

func (c *Client) pollTask(ctx context.Context, taskID string) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	endpoint, _ := url.Parse("/api/v1/jobs/recordInfo")
	params := url.Values{}
	params.Set("taskId", taskID)
	endpoint.RawQuery = params.Encode()
	fullURL := base.ResolveReference(endpoint).String()

	const maxAttempts = 60
	pollInterval := 2 * time.Second

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return "", fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("get task status: %w", err)
		}
		rawBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("read response body: %w", err)
		}

		if resp.StatusCode >= 300 {
			c.log.Error("poll task failed", "status", resp.StatusCode, "task_id", taskID, "body", truncateBody(rawBody))
			return "", fmt.Errorf("provider error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
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
			return "", fmt.Errorf("decode status response: %w (body=%s)", err, truncateBody(rawBody))
		}
		if statusResp.Code != 200 {
			return "", fmt.Errorf("get task status failed: code=%d msg=%s", statusResp.Code, statusResp.Msg)
		}

		switch statusResp.Data.State {
		case "success":
			if statusResp.Data.ResultJSON == "" {
				return "", fmt.Errorf("empty resultJson in success response")
			}
			var result struct {
				ResultURLs []string `json:"resultUrls"`
			}
			if err := json.Unmarshal([]byte(statusResp.Data.ResultJSON), &result); err != nil {
				return "", fmt.Errorf("parse resultJson: %w", err)
			}
			if len(result.ResultURLs) == 0 {
				return "", fmt.Errorf("no resultUrls in result")
			}
			c.log.Info("generation task completed", "task_id", taskID, "attempt", attempt+1)
			return result.ResultURLs[0], nil

		case "fail":
			failMsg := statusResp.Data.FailMsg
			if failMsg == "" {
				failMsg = "unknown error"
			}
			c.log.Error("generation task failed", "task_id", taskID, "fail_code", statusResp.Data.FailCode, "fail_msg", failMsg)
			return "", fmt.Errorf("task failed: %s (code: %s)", failMsg, statusResp.Data.FailCode)

		case "waiting", "generating", "processing", "queued", "queueing":
			if attempt%10 == 0 {
				c.log.Info("generation task pending", "task_id", taskID, "attempt", attempt+1)
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(pollInterval):
			}

		default:
			return "", fmt.Errorf("unknown task state: %s", statusResp.Data.State)
		}
	}

	return "", fmt.Errorf("task timeout after %d attempts", maxAttempts)
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
