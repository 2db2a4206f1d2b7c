package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NotifyHook publishes committed events to an external change-notification
// endpoint as JSON. The channel is a black box that may succeed or fail; the
// pipeline logs failures and moves on.
type NotifyHook struct {
	endpoint string
	client   *http.Client
}

func NewNotifyHook(endpoint string, timeout time.Duration) (*NotifyHook, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("notify hook requires endpoint")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NotifyHook{endpoint: endpoint, client: &http.Client{Timeout: timeout}}, nil
}

func (h *NotifyHook) Name() string { return "notify" }

func (h *NotifyHook) AfterCommit(ctx context.Context, ev CommitEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("publish event: unexpected status %d", resp.StatusCode)
	}
	return nil
}
