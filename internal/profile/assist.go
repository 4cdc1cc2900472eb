package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// AssistClient asks an external advisory service for selector suggestions
// when the configured profile keeps yielding broken positions. Suggestions
// are strictly advisory: the caller decides whether to adopt them, and the
// service never influences navigation.
type AssistClient struct {
	url      string
	maxCalls int
	calls    int
	client   *http.Client
	log      *zap.Logger
}

// NewAssistClient builds an assist client. An empty url disables it.
func NewAssistClient(url string, maxCalls int, log *zap.Logger) *AssistClient {
	if log == nil {
		log = zap.NewNop()
	}
	if maxCalls <= 0 {
		maxCalls = 3
	}
	return &AssistClient{
		url:      url,
		maxCalls: maxCalls,
		client:   &http.Client{Timeout: 15 * time.Second},
		log:      log,
	}
}

type assistRequest struct {
	Host     string `json:"host"`
	Title    string `json:"title"`
	Wrappers int    `json:"wrappers"`
	Images   int    `json:"images"`
}

// Suggest requests a selector override for a host. It returns (nil, nil)
// when the client is disabled, the per-job call budget is spent, or the
// service has nothing to offer.
func (a *AssistClient) Suggest(ctx context.Context, host, title string, wrappers, images int) (*Profile, error) {
	if a.url == "" {
		return nil, nil
	}
	if a.calls >= a.maxCalls {
		a.log.Debug("assist call budget spent", zap.String("host", host))
		return nil, nil
	}
	a.calls++

	body, err := json.Marshal(assistRequest{Host: host, Title: title, Wrappers: wrappers, Images: images})
	if err != nil {
		return nil, fmt.Errorf("encode assist request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build assist request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("assist call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("assist call: unexpected status %d", resp.StatusCode)
	}

	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode assist response: %w", err)
	}
	if p.Wrapper == "" && p.Image == "" {
		return nil, nil
	}
	return &p, nil
}
