// Package download fetches bulk historical dataset files over HTTP with
// on-disk caching and concurrency-limited batch execution.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Task is one file to fetch.
type Task struct {
	URL  string
	Dest string
}

// Client downloads dataset files. Safe for concurrent use.
type Client struct {
	http      *http.Client
	apiKey    string
	userAgent string

	// maxAttempts bounds per-task retries on transient HTTP failures.
	maxAttempts int
}

// NewClient creates a downloader. apiKey may be empty for public datasets.
func NewClient(apiKey, userAgent string) *Client {
	return &Client{
		http:        &http.Client{Timeout: 5 * time.Minute},
		apiKey:      apiKey,
		userAgent:   userAgent,
		maxAttempts: 4,
	}
}

// Download fetches one task. It is idempotent: an existing destination file
// is skipped (skipped=true, no I/O). The body is written to a temp file and
// renamed into place so a partial download never masquerades as complete.
// Transient failures (429, 5xx, network errors) are retried with
// exponential backoff.
func (c *Client) Download(ctx context.Context, task Task) (skipped bool, err error) {
	if _, err := os.Stat(task.Dest); err == nil {
		return true, nil
	}

	if err := os.MkdirAll(filepath.Dir(task.Dest), 0o755); err != nil {
		return false, fmt.Errorf("download: create dir for %s: %w", task.Dest, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.Reset()

	for attempt := 1; ; attempt++ {
		err = c.fetch(ctx, task)
		if err == nil {
			return false, nil
		}
		if !retryable(err) || attempt >= c.maxAttempts {
			return false, err
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// httpError marks a response status worth retrying.
type httpError struct {
	status int
	url    string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("download: %s: unexpected status %d", e.url, e.status)
}

func retryable(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.status == http.StatusTooManyRequests || he.status >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// Local filesystem failures are permanent; retrying cannot help.
	var pe *os.PathError
	if errors.As(err, &pe) {
		return false
	}
	// Network-level errors (reset, refused, timeout) are worth retrying.
	var ne net.Error
	return errors.As(err, &ne)
}

func (c *Client) fetch(ctx context.Context, task Task) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return fmt.Errorf("download: build request %s: %w", task.URL, err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("download: fetch %s: %w", task.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &httpError{status: resp.StatusCode, url: task.URL}
	}

	tmp := task.Dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("download: create %s: %w", tmp, err)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("download: write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("download: close %s: %w", tmp, err)
	}

	return os.Rename(tmp, task.Dest)
}
