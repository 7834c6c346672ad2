// Package transcode normalizes downloaded videos with ffmpeg and implements
// the pipeline's second stage.
package transcode

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

// Profile describes the output format every published video is normalized to.
type Profile struct {
	Width  int
	Height int
	FPS    int
}

// Transcoder is the behaviour the transcode handler needs.
type Transcoder interface {
	Transcode(ctx context.Context, inputPath, destDir, baseName string) (string, error)
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

// Client wraps ffmpeg invocations.
type Client struct {
	binary  string
	profile Profile
	timeout time.Duration
	exec    stageexec.Executor
}

// New constructs a transcode client.
func New(binary string, profile Profile, timeoutSeconds int, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("transcode binary required")
	}
	if profile.Width <= 0 || profile.Height <= 0 || profile.FPS <= 0 {
		return nil, fmt.Errorf("invalid transcode profile %dx%d@%d", profile.Width, profile.Height, profile.FPS)
	}
	client := &Client{
		binary:  binary,
		profile: profile,
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

// Transcode re-encodes the input to the configured profile, scaling with
// preserved aspect ratio, padding to the exact frame, and stripping source
// metadata. It returns the output path.
func (c *Client) Transcode(ctx context.Context, inputPath, destDir, baseName string) (string, error) {
	if _, err := os.Stat(inputPath); err != nil {
		return "", fmt.Errorf("input file: %w", err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create transcode directory: %w", err)
	}
	destPath := filepath.Join(destDir, baseName+".mp4")

	encodeCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		encodeCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	filter := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		c.profile.Width, c.profile.Height, c.profile.Width, c.profile.Height)
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-i", inputPath,
		"-vf", filter,
		"-r", fmt.Sprintf("%d", c.profile.FPS),
		"-map_metadata", "-1",
		"-c:v", "libx264",
		"-c:a", "aac",
		"-movflags", "+faststart",
		destPath,
	}
	if err := c.exec.Run(encodeCtx, c.binary, args, nil); err != nil {
		_ = os.Remove(destPath)
		return "", fmt.Errorf("ffmpeg transcode: %w", err)
	}
	info, err := os.Stat(destPath)
	if err != nil {
		return "", fmt.Errorf("transcode produced no output file: %w", err)
	}
	if info.Size() == 0 {
		_ = os.Remove(destPath)
		return "", errors.New("transcode produced an empty file")
	}
	return destPath, nil
}
