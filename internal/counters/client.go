// Package counters drives the traffic-counter export API: it requests an
// export job, polls for its archive and imports the archive's CSV files.
package counters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// RequestTimeout bounds every export API request.
	RequestTimeout = 30 * time.Second

	// MaxFetchAttempts is the number of result fetches before giving up.
	MaxFetchAttempts = 5

	// FirstRetryWait is the wait after the first failed fetch. Each later
	// wait doubles.
	FirstRetryWait = 2 * time.Second
)

// ClientConfig configures the export API client.
type ClientConfig struct {
	BaseURL           string
	Token             string
	Schema            string
	Granularity       string
	ValidatedDataOnly bool
	GapFilling        bool
	ValidateSchema    bool
}

// Client talks to the export API.
type Client struct {
	cfg    ClientConfig
	client *http.Client
	logger *slog.Logger

	// timer drives the waits between fetch attempts; nil uses real time.
	timer backoff.Timer
}

// NewClient creates an export API client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: RequestTimeout,
		},
		logger: logger,
	}
}

type exportRequest struct {
	StartDate         string   `json:"startDate"`
	EndDate           string   `json:"endDate"`
	Schema            string   `json:"schema"`
	SiteIDs           []string `json:"siteIds"`
	Granularity       string   `json:"granularity"`
	ValidatedDataOnly bool     `json:"validatedDataOnly"`
	GapFilling        bool     `json:"gapFilling"`
	ValidateSchema    bool     `json:"validateSchema"`
}

// RequestExport asks for an export of one day of measures for siteIDs and
// returns the job id. It is not retried.
func (c *Client) RequestExport(ctx context.Context, siteIDs []string, date time.Time) (string, error) {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	body, err := json.Marshal(exportRequest{
		StartDate:         day.Format(time.DateOnly),
		EndDate:           day.AddDate(0, 0, 1).Format(time.DateOnly),
		Schema:            c.cfg.Schema,
		SiteIDs:           siteIDs,
		Granularity:       c.cfg.Granularity,
		ValidatedDataOnly: c.cfg.ValidatedDataOnly,
		GapFilling:        c.cfg.GapFilling,
		ValidateSchema:    c.cfg.ValidateSchema,
	})
	if err != nil {
		return "", fmt.Errorf("encode export request: %w", err)
	}

	url := c.cfg.BaseURL + "/exports"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request export: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("request export: HTTP %d from %s", resp.StatusCode, url)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var result struct {
		ID any `json:"id"`
	}
	if err := dec.Decode(&result); err != nil {
		return "", fmt.Errorf("decode export response: %w", err)
	}

	var id string
	switch v := result.ID.(type) {
	case string:
		id = strings.TrimSpace(v)
	case json.Number:
		id = v.String()
	}
	if id == "" {
		return "", errors.New("request export: response has no job id")
	}
	c.logger.Info("export requested", "job_id", id, "start_date", day.Format(time.DateOnly), "sites", len(siteIDs))
	return id, nil
}

// FetchResult downloads the archive of a finished export job. Failed
// attempts are retried with exponential backoff; once all attempts fail the
// returned error wraps ErrExhausted.
func (c *Client) FetchResult(ctx context.Context, jobID string) ([]byte, error) {
	archive, _, err := c.fetchResult(ctx, jobID)
	return archive, err
}

// fetchResult also reports how many attempts were made.
func (c *Client) fetchResult(ctx context.Context, jobID string) ([]byte, int, error) {
	url := fmt.Sprintf("%s/exports/%s/data", c.cfg.BaseURL, jobID)
	attempts := 0

	archive, err := backoff.RetryNotifyWithTimerAndData(
		func() ([]byte, error) {
			attempts++
			return c.fetchOnce(ctx, url)
		},
		backoff.WithContext(backoff.WithMaxRetries(fetchPolicy(), MaxFetchAttempts-1), ctx),
		func(err error, wait time.Duration) {
			c.logger.Warn("export fetch failed, retrying",
				"job_id", jobID, "attempt", attempts, "wait", wait, "error", err)
		},
		c.timer,
	)
	if err == nil {
		return archive, attempts, nil
	}
	if ctx.Err() != nil {
		return nil, attempts, ctx.Err()
	}
	var transient *TransientFetchError
	if !errors.As(err, &transient) {
		return nil, attempts, err
	}
	c.logger.Error("export fetch exhausted", "job_id", jobID, "attempts", attempts, "error", err)
	return nil, attempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
}

// fetchPolicy waits FirstRetryWait, then doubles every time.
func fetchPolicy() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     FirstRetryWait,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Hour,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func (c *Client) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/zip")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientFetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransientFetchError{URL: url, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientFetchError{URL: url, Err: err}
	}
	return body, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}
