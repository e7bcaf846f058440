package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrTimeout is returned when the provider call exceeds its deadline
	ErrTimeout = errors.New("kie: request timeout")

	// ErrNetwork is returned for connection-level failures
	ErrNetwork = errors.New("kie: network error")

	// ErrRejected is returned when the provider refuses the dispatch
	ErrRejected = errors.New("kie: dispatch rejected")
)

// Client calls the KIE API (VEO3 and Runway model families).
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// GenerateRequest is the dispatch payload for both model families.
type GenerateRequest struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model,omitempty"`
	Duration    int    `json:"duration,omitempty"`
	Quality     string `json:"quality,omitempty"`
	AspectRatio string `json:"aspectRatio,omitempty"`
	CallBackURL string `json:"callBackUrl,omitempty"`
}

type generateResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID string `json:"taskId"`
		// Runway endpoints use snake_case
		TaskIDLegacy string `json:"task_id"`
	} `json:"data"`
}

// NewClient creates a new KIE client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// CreateVeoTask dispatches a VEO3 generation and returns the provider task ID.
func (c *Client) CreateVeoTask(ctx context.Context, req GenerateRequest) (string, error) {
	return c.createTask(ctx, "/api/v1/veo/generate", req)
}

// CreateRunwayTask dispatches a Runway generation and returns the provider task ID.
func (c *Client) CreateRunwayTask(ctx context.Context, req GenerateRequest) (string, error) {
	return c.createTask(ctx, "/api/v1/runway/generate", req)
}

func (c *Client) createTask(ctx context.Context, path string, req GenerateRequest) (string, error) {
	if strings.TrimSpace(c.baseURL) == "" {
		return "", fmt.Errorf("kie config error: base_url is empty")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("kie request error: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(payload))
	if err != nil {
		return "", fmt.Errorf("kie request error: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", classifyRequestError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("kie response error: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status=%d body=%s", ErrRejected, resp.StatusCode, truncate(body, 512))
	}

	var out generateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("kie response error: %w", err)
	}

	if out.Code != 200 {
		return "", fmt.Errorf("%w: code=%d msg=%s", ErrRejected, out.Code, out.Msg)
	}

	taskID := out.Data.TaskID
	if taskID == "" {
		taskID = out.Data.TaskIDLegacy
	}
	if taskID == "" {
		return "", fmt.Errorf("%w: missing task id in response", ErrRejected)
	}

	return taskID, nil
}

// QueryVeoTask fetches the current VEO3 record. The body is returned raw so the
// caller can run it through the same normalization as a pushed callback.
func (c *Client) QueryVeoTask(ctx context.Context, taskID string) (json.RawMessage, error) {
	return c.queryTask(ctx, "/api/v1/veo/record-info", taskID)
}

// QueryRunwayTask fetches the current Runway record in the flat legacy shape.
func (c *Client) QueryRunwayTask(ctx context.Context, taskID string) (json.RawMessage, error) {
	return c.queryTask(ctx, "/api/v1/runway/record-detail", taskID)
}

func (c *Client) queryTask(ctx context.Context, path, taskID string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s%s?taskId=%s", c.baseURL, path, url.QueryEscape(taskID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("kie request error: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyRequestError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kie response error: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kie query http error: status=%d body=%s", resp.StatusCode, truncate(body, 512))
	}

	return json.RawMessage(body), nil
}

func classifyRequestError(ctx context.Context, err error) error {
	if isTimeoutError(ctx, err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if isNetworkError(err) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return fmt.Errorf("kie request error: %w", err)
}

func isTimeoutError(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}

	return false
}

func truncate(b []byte, maxLen int) string {
	if len(b) > maxLen {
		return string(b[:maxLen]) + "...<truncated>"
	}
	return string(b)
}
