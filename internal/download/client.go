// Package download fetches source videos with yt-dlp and implements the
// pipeline's first stage.
package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crosspost/internal/stageexec"
)

// Fetcher is the behaviour the download handler needs.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL, destDir, baseName string) (string, error)
	Check() error
}

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec stageexec.Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// Client wraps yt-dlp invocations.
type Client struct {
	binary  string
	timeout time.Duration
	exec    stageexec.Executor
}

// New constructs a download client.
func New(binary string, timeoutSeconds int, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("download binary required")
	}
	client := &Client{
		binary:  binary,
		timeout: time.Duration(timeoutSeconds) * time.Second,
		exec:    stageexec.CommandExecutor{},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Check verifies the binary is on PATH.
func (c *Client) Check() error {
	return stageexec.LookPath(c.binary)
}

// Fetch downloads the video into destDir and returns the resulting path.
func (c *Client) Fetch(ctx context.Context, sourceURL, destDir, baseName string) (string, error) {
	if strings.TrimSpace(sourceURL) == "" {
		return "", errors.New("source url required")
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}
	destPath := filepath.Join(destDir, baseName+".mp4")

	fetchCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := []string{
		"--no-progress",
		"--no-playlist",
		"--merge-output-format", "mp4",
		"-o", destPath,
		sourceURL,
	}
	if err := c.exec.Run(fetchCtx, c.binary, args, nil); err != nil {
		_ = os.Remove(destPath)
		return "", fmt.Errorf("yt-dlp fetch: %w", err)
	}
	info, err := os.Stat(destPath)
	if err != nil {
		return "", fmt.Errorf("download produced no output file: %w", err)
	}
	if info.Size() == 0 {
		_ = os.Remove(destPath)
		return "", errors.New("download produced an empty file")
	}
	return destPath, nil
}
