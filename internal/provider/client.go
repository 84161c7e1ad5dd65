// internal/provider/client.go
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"outreach-sequencer/internal/model"
)

// DispatchError marks a retryable provider failure (network error, timeout,
// non-2xx response).
type DispatchError struct {
	Channel model.Channel
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch on %s failed: %v", e.Channel, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Dispatcher sends one step's content to the outbound provider and returns
// the provider message id used to correlate delivery callbacks.
type Dispatcher interface {
	Dispatch(ctx context.Context, channel model.Channel, destination, content string) (string, error)
}

// HTTPDispatcher posts dispatch requests to per-channel provider endpoints.
type HTTPDispatcher struct {
	messageURL string
	voiceURL   string
	client     *http.Client
}

func NewHTTPDispatcher(messageURL, voiceURL string, timeout time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{
		messageURL: messageURL,
		voiceURL:   voiceURL,
		client:     &http.Client{Timeout: timeout},
	}
}

type dispatchRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type dispatchResponse struct {
	MessageID string `json:"message_id"`
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, channel model.Channel, destination, content string) (string, error) {
	url := d.messageURL
	if channel == model.ChannelVoice {
		url = d.voiceURL
	}

	body, err := json.Marshal(dispatchRequest{To: destination, Content: content})
	if err != nil {
		return "", fmt.Errorf("marshal dispatch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", &DispatchError{Channel: channel, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &DispatchError{Channel: channel, Err: fmt.Errorf("provider returned %s", resp.Status)}
	}

	var out dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &DispatchError{Channel: channel, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.MessageID == "" {
		return "", &DispatchError{Channel: channel, Err: fmt.Errorf("provider returned empty message id")}
	}
	return out.MessageID, nil
}
