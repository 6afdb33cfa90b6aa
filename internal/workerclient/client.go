// Package workerclient is the worker side of the run queue: an HTTP client
// for the claim protocol and a poll loop that executes claimed runs.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/animus-labs/runqueue/internal/api"
	"golang.org/x/oauth2"
)

var (
	ErrNotFound     = errors.New("run queue resource not found")
	ErrUnauthorized = errors.New("run queue request unauthorized")
	ErrForbidden    = errors.New("run queue request forbidden")
	ErrBadRequest   = errors.New("run queue rejected request")
	ErrConflict     = errors.New("run queue integrity conflict")
)

type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		return fmt.Sprintf("run queue api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("run queue api error (status=%d): %s", e.StatusCode, msg)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusConflict:
		return ErrConflict
	default:
		return nil
	}
}

type Client struct {
	baseURL  string
	workerID string
	http     *http.Client
}

// New returns a client that authenticates every request with token as a
// bearer credential.
func New(baseURL, workerID, token string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := &http.Client{Timeout: timeout}
	if token = strings.TrimSpace(token); token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		httpClient.Transport = &oauth2.Transport{Source: src, Base: http.DefaultTransport}
	}
	return &Client{baseURL: baseURL, workerID: workerID, http: httpClient}, nil
}

func (c *Client) WorkerID() string {
	return c.workerID
}

// Claim asks for the next run. ok is false when the queue has no work.
func (c *Client) Claim(ctx context.Context, modes []string, lease time.Duration) (api.ClaimResponse, bool, error) {
	req := api.ClaimRequest{
		WorkerID:      c.workerID,
		ScheduleModes: modes,
		LeaseSeconds:  int(lease / time.Second),
	}
	var out api.ClaimResponse
	status, err := c.post(ctx, "/runs/claim", req, &out)
	if err != nil {
		return api.ClaimResponse{}, false, err
	}
	if status == http.StatusNoContent {
		return api.ClaimResponse{}, false, nil
	}
	return out, true, nil
}

func (c *Client) Start(ctx context.Context, runID string) (api.Run, error) {
	var out api.Run
	_, err := c.post(ctx, runPath(runID, "start"), api.StartRequest{WorkerID: c.workerID}, &out)
	return out, err
}

func (c *Client) Fail(ctx context.Context, runID, message string) (api.Run, error) {
	var out api.Run
	_, err := c.post(ctx, runPath(runID, "fail"), api.FailRequest{WorkerID: c.workerID, Error: message}, &out)
	return out, err
}

func (c *Client) Complete(ctx context.Context, runID string, result json.RawMessage) (api.Run, error) {
	var out api.Run
	_, err := c.post(ctx, runPath(runID, "complete"), api.CompleteRequest{WorkerID: c.workerID, Result: result}, &out)
	return out, err
}

func runPath(runID, action string) string {
	return "/runs/" + url.PathEscape(strings.TrimSpace(runID)) + "/" + action
}

func (c *Client) post(ctx context.Context, path string, in any, out any) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		if out == nil || len(raw) == 0 {
			return resp.StatusCode, nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
		return resp.StatusCode, nil
	case http.StatusNoContent:
		return resp.StatusCode, nil
	default:
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
		var body api.ErrorResponse
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			apiErr.Code = body.Error
			apiErr.Message = body.Message
		}
		return resp.StatusCode, apiErr
	}
}
