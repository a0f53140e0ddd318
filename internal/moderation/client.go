package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"postmedia/internal/config"
)

var (
	ErrClassifierUnavailable = errors.New("classifier unavailable")
	errNoScores              = fmt.Errorf("%w: response carried no category scores", ErrClassifierUnavailable)
)

type Request struct {
	ImageID string `json:"image_id"`
	Key     string `json:"key"`
	URL     string `json:"url"`
}

type label struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

type response struct {
	Scores map[string]float64 `json:"scores"`
	Labels []label            `json:"labels"`
}

// Classifier scores an image per category.
type Classifier interface {
	Classify(ctx context.Context, req Request) (map[string]float64, error)
}

// Client calls the remote classification endpoint.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func NewClient(cfg config.ModerationConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) Classify(ctx context.Context, req Request) (map[string]float64, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClassifierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrClassifierUnavailable, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var payload response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrClassifierUnavailable, err)
	}

	scores := make(map[string]float64, len(payload.Scores)+len(payload.Labels))
	for name, score := range payload.Scores {
		scores[name] = score
	}
	// Label lists may repeat a name; the strongest confidence counts.
	for _, l := range payload.Labels {
		if current, ok := scores[l.Name]; !ok || l.Confidence > current {
			scores[l.Name] = l.Confidence
		}
	}
	if len(scores) == 0 {
		return nil, errNoScores
	}
	return scores, nil
}
