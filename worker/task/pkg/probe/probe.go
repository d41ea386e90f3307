// Package probe measures how a single HTTP download performs: time to first
// response, bytes transferred and effective throughput. It is the whole of
// the one-shot measurement task; the worker manager runs it inside the
// tunnel namespace and uploads the record it emits.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
)

// Download states reported in the metrics record.
const (
	StatusSucceeded = "SUCCEEDED"
	StatusErrored   = "ERRORED"
)

const (
	DefaultTimeout       = 60 * time.Second
	DefaultChunkSize     = 1 << 20 // 1 MiB
	DefaultRetries       = 3
	DefaultRetryInterval = 5 * time.Second
	DefaultUserAgent     = "mirrors-qa-task"
)

// Metrics is the record written for the worker manager. Field names line up
// with the backend's test-update payload so the manager can merge the two
// without translation.
type Metrics struct {
	StartedOn    time.Time `json:"started_on"`
	Status       string    `json:"status"`
	Error        *string   `json:"error,omitempty"`
	Latency      float64   `json:"latency"`
	DownloadSize int64     `json:"download_size"`
	Duration     float64   `json:"duration"`
	Speed        float64   `json:"speed"`
}

type Config struct {
	// Timeout bounds one whole attempt, connection included.
	Timeout time.Duration

	// ChunkSize is the read buffer used to drain the body.
	ChunkSize int

	// Retries is the number of extra attempts after the first one fails.
	Retries int

	// RetryInterval is scaled by the attempt number between retries.
	RetryInterval time.Duration

	UserAgent string

	// HTTPClient overrides the default client. When set, Timeout is left
	// to the caller.
	HTTPClient *http.Client

	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Prober struct {
	log *slog.Logger
	cfg Config
}

func New(log *slog.Logger, cfg Config) (*Prober, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Prober{log: log, cfg: cfg}, nil
}

// Measure downloads rawURL and reports how it went. It never returns an
// error: after the retry budget is spent the record carries StatusErrored
// and the last failure message, with all measurements zeroed.
func (p *Prober) Measure(ctx context.Context, rawURL string) Metrics {
	filename := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		filename = path.Base(u.Path)
		p.log.Info("downloading", "file", filename, "host", u.Host)
	}

	var startedOn time.Time
	var lastErr error
	for attempt := 1; ; attempt++ {
		startedOn = p.cfg.Clock.Now().UTC()

		m, err := p.attempt(ctx, rawURL)
		if err == nil {
			m.StartedOn = startedOn
			p.log.Info("download complete",
				"file", filename,
				"size", humanize.IBytes(uint64(m.DownloadSize)),
				"duration", fmt.Sprintf("%.2fs", m.Duration),
				"speed", humanize.IBytes(uint64(m.Speed))+"/s",
			)
			return m
		}

		lastErr = err
		if attempt > p.cfg.Retries {
			break
		}
		p.log.Warn("download attempt failed", "attempt", attempt, "error", err)
		// Linear backoff: the wait grows with the attempt number.
		if err := p.sleep(ctx, p.cfg.RetryInterval*time.Duration(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	errMsg := lastErr.Error()
	p.log.Error("download failed", "file", filename, "error", errMsg)
	return Metrics{
		StartedOn: startedOn,
		Status:    StatusErrored,
		Error:     &errMsg,
	}
}

func (p *Prober) attempt(ctx context.Context, rawURL string) (Metrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)

	start := time.Now()
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return Metrics{}, err
	}
	defer resp.Body.Close()

	// Latency is time to first response, not time to first byte.
	latency := time.Since(start).Seconds()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Metrics{}, fmt.Errorf("unexpected response status %q", resp.Status)
	}

	advertised := resp.ContentLength
	if advertised < 0 {
		advertised = 0
	}

	downloaded, err := p.drain(resp.Body)
	if err != nil {
		return Metrics{}, fmt.Errorf("download interrupted after %d bytes: %w", downloaded, err)
	}
	if advertised > 0 && downloaded != advertised {
		p.log.Warn("size mismatch", "advertised", advertised, "downloaded", downloaded)
	}

	duration := time.Since(start).Seconds()
	var speed float64
	if duration > 0 {
		// Actual bytes drained, not the advertised length.
		speed = float64(downloaded) / duration
	}

	return Metrics{
		Status:       StatusSucceeded,
		Latency:      latency,
		DownloadSize: downloaded,
		Duration:     duration,
		Speed:        speed,
	}, nil
}

func (p *Prober) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.cfg.Clock.After(d):
		return nil
	}
}

func (p *Prober) drain(body io.Reader) (int64, error) {
	buf := make([]byte, p.cfg.ChunkSize)
	var total int64
	for {
		n, err := body.Read(buf)
		total += int64(n)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
