// Package client talks to the video generation API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"videogen-queue/internal/models"
)

// ErrJobFailed is returned by Wait when the server reports the job as failed.
var ErrJobFailed = errors.New("job failed")

// APIError is a non-2xx reply from the server.
type APIError struct {
	StatusCode int
	Message    string
	Status     models.Status
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("server returned %d: %s (job is %s)", e.StatusCode, e.Message, e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// GenerateRequest carries a prompt plus any parameter overrides. Nil fields
// fall back to server defaults.
type GenerateRequest struct {
	Prompt                 string   `json:"prompt"`
	Size                   string   `json:"size,omitempty"`
	SampleSteps            int      `json:"sample_steps,omitempty"`
	SampleShift            *float64 `json:"sample_shift,omitempty"`
	GuideScale             *float64 `json:"guide_scale,omitempty"`
	Seed                   *int64   `json:"seed,omitempty"`
	UsePromptExtend        *bool    `json:"use_prompt_extend,omitempty"`
	PromptExtendMethod     string   `json:"prompt_extend_method,omitempty"`
	PromptExtendTargetLang string   `json:"prompt_extend_target_lang,omitempty"`
	CkptDir                string   `json:"ckpt_dir,omitempty"`
}

// DefaultRequestTimeout bounds JSON calls. Video downloads are not bounded.
const DefaultRequestTimeout = 30 * time.Second

// Client is a thin typed wrapper over the HTTP API.
type Client struct {
	// RequestTimeout bounds each submit, status and list call.
	RequestTimeout time.Duration

	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// New builds a client for the server at baseURL, e.g. http://localhost:3000.
// httpClient should not set a Timeout, since that would also cut off downloads.
func New(baseURL string, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		RequestTimeout: DefaultRequestTimeout,
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           httpClient,
		logger:         logger,
	}
}

// Submit queues a job and returns its id.
func (c *Client) Submit(ctx context.Context, req GenerateRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	var out struct {
		JobID  string        `json:"job_id"`
		Status models.Status `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/generate", bytes.NewReader(body), &out); err != nil {
		return "", err
	}
	c.logger.Info().Str("job_id", out.JobID).Msg("job submitted")
	return out.JobID, nil
}

// Status fetches the current snapshot of a job.
func (c *Client) Status(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+id, nil, &job)
	return job, err
}

// Jobs lists every job the server knows.
func (c *Client) Jobs(ctx context.Context) ([]models.Job, error) {
	var out struct {
		Jobs []models.Job `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, "/api/jobs", nil, &out)
	return out.Jobs, err
}

// Download streams a completed job's video into w and returns the bytes written.
func (c *Client) Download(ctx context.Context, id string, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/jobs/"+id+"/video", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read video: %w", err)
	}
	return n, nil
}

// DownloadFile writes the video to path.
func (c *Client) DownloadFile(ctx context.Context, id, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	n, err := c.Download(ctx, id, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	c.logger.Info().Str("job_id", id).Str("path", path).Int64("bytes", n).Msg("video downloaded")
	return nil
}

// Wait polls until the job reaches a terminal state. Transient poll errors
// are logged and retried.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (models.Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.Status(ctx, id)
		switch {
		case err != nil:
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
				return models.Job{}, err
			}
			if ctx.Err() != nil {
				return models.Job{}, ctx.Err()
			}
			c.logger.Warn().Err(err).Str("job_id", id).Msg("status check failed, retrying")
		case job.Status == models.StatusCompleted:
			return job, nil
		case job.Status == models.StatusFailed:
			msg := "unknown error"
			if job.Error != nil {
				msg = *job.Error
			}
			return job, fmt.Errorf("%w: %s", ErrJobFailed, msg)
		case job.Status == models.StatusQueued && job.QueuePosition != nil:
			c.logger.Info().Str("job_id", id).Int("queue_position", *job.QueuePosition).Msg("job queued")
		default:
			c.logger.Info().Str("job_id", id).Str("status", string(job.Status)).Msg("job in progress")
		}

		select {
		case <-ctx.Done():
			return models.Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	if c.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.RequestTimeout)
		defer cancel()
	}
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload struct {
		Error  string        `json:"error"`
		Status models.Status `json:"status"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		apiErr.Message, apiErr.Status = payload.Error, payload.Status
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return nil, apiErr
}
