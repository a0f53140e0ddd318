package testutil

import (
	"context"
	"sync"
	"time"

	"postmedia/internal/moderation"
)

// ClassifierStub returns canned scores, optionally after a delay.
type ClassifierStub struct {
	mu       sync.Mutex
	Scores   map[string]float64
	Err      error
	Delay    time.Duration
	Requests []moderation.Request
}

func (c *ClassifierStub) Classify(ctx context.Context, req moderation.Request) (map[string]float64, error) {
	c.mu.Lock()
	c.Requests = append(c.Requests, req)
	scores, err, delay := c.Scores, c.Err, c.Delay
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(scores))
	for k, v := range scores {
		out[k] = v
	}
	return out, nil
}

func (c *ClassifierStub) Set(scores map[string]float64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Scores, c.Err = scores, err
}

func (c *ClassifierStub) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Requests)
}
