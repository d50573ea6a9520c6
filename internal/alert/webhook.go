package alert

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ppiankov/govgate/internal/fault"
)

const (
	deliveryTimeout  = 5 * time.Second
	deliveryAttempts = 3
)

var (
	client      = &http.Client{Timeout: deliveryTimeout}
	// backoffStep grows linearly with the attempt number.
	backoffStep = time.Second
)

// Send delivers event to the endpoint in cfg. 5xx responses and transport
// errors are retried; a 4xx response is final. Exhausted retries return a
// transient fault so callers can tell delivery outages from bad endpoints.
func Send(ctx context.Context, cfg AlertConfig, event AlertEvent) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * backoffStep):
			}
		}

		status, err := post(ctx, cfg, event, body)
		switch {
		case err != nil:
			lastErr = err
		case status >= 200 && status < 300:
			return nil
		case status >= 400 && status < 500:
			return fault.Validation("webhook %s rejected %s event: HTTP %d", cfg.URL, event.Type, status)
		default:
			lastErr = fmt.Errorf("webhook server error: HTTP %d", status)
		}
	}

	return fault.Wrap(lastErr, fault.KindTransient, fmt.Sprintf("webhook failed after %d attempts", deliveryAttempts))
}

func post(ctx context.Context, cfg AlertConfig, event AlertEvent, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Govgate-Event", event.Type)
	if event.Escalation != "" {
		req.Header.Set("X-Govgate-Escalation", event.Escalation)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
