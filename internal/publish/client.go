// Package publish posts finished videos through the local browser
// environment automation API and implements the pipeline's final stage.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

const defaultHTTPTimeout = 60 * time.Second

// Error codes the automation surface reports. Policy and ban rejections do
// not heal on retry.
const (
	CodePolicyViolation = "policy_violation"
	CodeAccountBanned   = "account_banned"
	CodeCaptcha         = "captcha_required"
)

// APIError is a structured rejection from the automation API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("publish api: %s: %s", e.Code, e.Message)
}

// Permanent reports whether retrying the same post can ever succeed.
func (e *APIError) Permanent() bool {
	switch e.Code {
	case CodePolicyViolation, CodeAccountBanned:
		return true
	}
	return false
}

// Config captures the automation surface settings.
type Config struct {
	APIBase        string
	Platform       string
	StayMinSeconds int
	StayMaxSeconds int
	TimeoutSeconds int
}

// Request carries everything one publish attempt needs.
type Request struct {
	EnvID     string `json:"env_id"`
	Platform  string `json:"platform"`
	VideoPath string `json:"video_path"`
	Caption   string `json:"caption"`
	Token     string `json:"token"`
}

// Client talks to the browser environment automation API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	sleeper    func(context.Context, time.Duration) error
	randInt    func(n int) int
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithSleeper overrides how the post-upload dwell is performed (for tests).
func WithSleeper(sleeper func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		if sleeper != nil {
			c.sleeper = sleeper
		}
	}
}

// WithRand overrides the dwell randomness source (for tests).
func WithRand(randInt func(n int) int) Option {
	return func(c *Client) {
		if randInt != nil {
			c.randInt = randInt
		}
	}
}

// NewClient constructs a publish client.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.APIBase = strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		sleeper: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
		randInt: rand.Intn,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Publish starts the identity's browser environment, uploads the video with
// its caption, dwells like a human operator would, and stops the
// environment. The environment is stopped even when the upload fails.
func (c *Client) Publish(ctx context.Context, req Request) error {
	if req.EnvID == "" {
		return errors.New("publish: env id required")
	}
	if req.Token == "" {
		return errors.New("publish: token required")
	}
	if req.Platform == "" {
		req.Platform = c.cfg.Platform
	}
	if err := c.post(ctx, "/api/env/start", map[string]string{"env_id": req.EnvID}, nil); err != nil {
		return fmt.Errorf("start environment: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = c.post(stopCtx, "/api/env/stop", map[string]string{"env_id": req.EnvID}, nil)
	}()

	if err := c.post(ctx, "/api/publish", req, nil); err != nil {
		return err
	}
	return c.dwell(ctx)
}

// Confirm reports whether a post carrying the token actually landed. The
// orchestrator calls this when it restarts with a unit stuck in publishing.
func (c *Client) Confirm(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, errors.New("publish confirm: token required")
	}
	var result struct {
		Published bool `json:"published"`
	}
	endpoint := c.cfg.APIBase + "/api/publish/confirm?token=" + token
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("publish confirm: new request: %w", err)
	}
	if err := c.do(req, &result); err != nil {
		return false, fmt.Errorf("publish confirm: %w", err)
	}
	return result.Published, nil
}

// HealthCheck verifies the automation surface is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIBase+"/api/health", nil)
	if err != nil {
		return fmt.Errorf("publish health: new request: %w", err)
	}
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("publish health: %w", err)
	}
	return nil
}

// dwell keeps the environment open for a random interval inside the
// configured window so uploads do not all end at machine speed.
func (c *Client) dwell(ctx context.Context) error {
	minStay := c.cfg.StayMinSeconds
	maxStay := c.cfg.StayMaxSeconds
	if minStay <= 0 && maxStay <= 0 {
		return nil
	}
	if maxStay < minStay {
		maxStay = minStay
	}
	stay := minStay
	if spread := maxStay - minStay; spread > 0 {
		stay += c.randInt(spread + 1)
	}
	if stay <= 0 {
		return nil
	}
	return c.sleeper(ctx, time.Duration(stay)*time.Second)
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBase+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr APIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != "" {
			return &apiErr
		}
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
