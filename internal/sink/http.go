package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"notipipe/internal/notification"
)

type HTTPConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	// Client overrides the default otelhttp-instrumented client.
	Client *http.Client
}

// HTTP posts batches as JSON. The batch ID travels in Idempotency-Key.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

// AckResponse is the collector's reply. Acknowledged, when present, may be
// smaller than the batch to signal partial acceptance.
type AckResponse struct {
	Accepted     int  `json:"accepted"`
	Duplicates   int  `json:"duplicates"`
	Acknowledged *int `json:"acknowledged,omitempty"`
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := cfg.Client
	if c == nil {
		c = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTP{cfg: cfg, client: c}
}

func (s *HTTP) Send(ctx context.Context, b notification.Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return Permanent(fmt.Errorf("encode batch: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.BatchID != "" {
		req.Header.Set("Idempotency-Key", b.BatchID)
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var ack AckResponse
		if len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &ack) == nil &&
			ack.Acknowledged != nil && *ack.Acknowledged < len(b.Events) {
			return &PartialError{
				Accepted: *ack.Acknowledged,
				Err:      fmt.Errorf("collector acknowledged %d of %d", *ack.Acknowledged, len(b.Events)),
			}
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		err := fmt.Errorf("collector: %s", resp.Status)
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs >= 0 {
			return RetryAfter(err, time.Duration(secs)*time.Second)
		}
		return err
	case resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("collector: %s", resp.Status)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(fmt.Errorf("collector rejected batch: %s: %s", resp.Status, bytes.TrimSpace(raw)))
	default:
		return fmt.Errorf("collector: %s", resp.Status)
	}
}

var errNoURL = errors.New("sink url is required")

// Validate reports configuration problems before the first send.
func (s *HTTP) Validate() error {
	if s.cfg.URL == "" {
		return errNoURL
	}
	return nil
}
