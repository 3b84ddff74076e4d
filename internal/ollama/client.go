package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/furnacehq/furnace/internal/config"
	"github.com/furnacehq/furnace/internal/logging"
	"github.com/furnacehq/furnace/internal/metrics"
)

const (
	catalogTTL       = 5 * time.Minute
	retryBaseDelay   = time.Second
	streamBufferSize = 1024 * 1024
)

// Client talks to an Ollama server over its pooled HTTP connection and keeps
// a short-lived model catalog cache in front of /api/tags.
type Client struct {
	baseURL      string
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
	httpClient   *http.Client
	log          *slog.Logger

	mu             sync.Mutex
	catalog        map[string]ModelInfo
	catalogFetched time.Time
}

// NewClient creates an Ollama client. No connection is made until the first
// call.
func NewClient(cfg config.OllamaConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("ollama URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Client{
		baseURL:      cfg.URL,
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   retryBaseDelay,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: logging.WithComponent("ollama"),
	}, nil
}

// Health reports whether the backend answers /api/tags.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the model catalog, served from cache inside the TTL
// unless forceRefresh is set.
func (c *Client) ListModels(ctx context.Context, forceRefresh bool) ([]ModelInfo, error) {
	c.mu.Lock()
	if !forceRefresh && c.catalog != nil && time.Since(c.catalogFetched) < catalogTTL {
		models := catalogSlice(c.catalog)
		c.mu.Unlock()
		return models, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnectionError{Message: "failed to fetch models", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &ConnectionError{Message: fmt.Sprintf("model list returned status %d", resp.StatusCode)}
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, &ConnectionError{Message: "failed to decode model list", Err: err}
	}

	catalog := make(map[string]ModelInfo, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name == "" {
			continue
		}
		catalog[m.Name] = m
	}

	c.mu.Lock()
	c.catalog = catalog
	c.catalogFetched = time.Now()
	c.mu.Unlock()

	return catalogSlice(catalog), nil
}

func catalogSlice(catalog map[string]ModelInfo) []ModelInfo {
	models := make([]ModelInfo, 0, len(catalog))
	for _, m := range catalog {
		models = append(models, m)
	}
	return models
}

// IsAvailable reports whether the named model is in the catalog.
func (c *Client) IsAvailable(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx, false)
	if err != nil {
		return false
	}
	for _, m := range models {
		if m.Name == name {
			return true
		}
	}
	return false
}

// Generate runs a single-shot completion. The model must be present in the
// catalog; otherwise the call fails before any generate request is sent.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	if req.Model == "" {
		req.Model = c.defaultModel
	}
	if !c.IsAvailable(ctx, req.Model) {
		return nil, &ModelNotFoundError{Model: req.Model}
	}
	req.Stream = false

	started := time.Now()
	defer func() {
		metrics.GenerationLatency.Observe(time.Since(started).Seconds())
	}()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.log.Warn("retrying generate", "attempt", attempt, "model", req.Model, "error", lastErr)
			if err := sleepBackoff(ctx, c.retryDelay, attempt-1); err != nil {
				return nil, err
			}
		}

		resp, err := c.postGenerate(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}

		result, err := c.decodeGenerate(resp, req.Model)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, &ConnectionError{Message: fmt.Sprintf("max retries exceeded (%d)", c.maxRetries), Err: lastErr}
}

// GenerateStream runs a streaming completion, invoking onChunk for every
// decoded fragment. Malformed stream lines are skipped, not fatal.
func (c *Client) GenerateStream(ctx context.Context, req *GenerateRequest, onChunk func(*GenerateResponse)) error {
	if req.Model == "" {
		req.Model = c.defaultModel
	}
	if !c.IsAvailable(ctx, req.Model) {
		return &ModelNotFoundError{Model: req.Model}
	}
	req.Stream = true

	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.log.Warn("retrying stream connect", "attempt", attempt, "model", req.Model, "error", lastErr)
			if err := sleepBackoff(ctx, c.retryDelay, attempt-1); err != nil {
				return err
			}
		}
		var err error
		resp, err = c.postGenerate(ctx, req)
		if err != nil {
			lastErr = err
			resp = nil
			continue
		}
		break
	}
	if resp == nil {
		return &ConnectionError{Message: fmt.Sprintf("max retries exceeded (%d)", c.maxRetries), Err: lastErr}
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp, req.Model); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), streamBufferSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk GenerateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			c.log.Warn("skipping malformed stream chunk", "model", req.Model)
			continue
		}
		onChunk(&chunk)
	}
	if err := scanner.Err(); err != nil {
		return &ConnectionError{Message: "stream read failed", Err: err}
	}
	return nil
}

// Pull asks the backend to download a model and refreshes the catalog once
// the download finishes.
func (c *Client) Pull(ctx context.Context, name string) error {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return fmt.Errorf("failed to marshal pull request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ConnectionError{Message: "pull failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return &ConnectionError{Message: fmt.Sprintf("pull returned status %d: %s", resp.StatusCode, detail)}
	}
	// The pull endpoint streams progress objects; drain them.
	_, _ = io.Copy(io.Discard, resp.Body)

	if _, err := c.ListModels(ctx, true); err != nil {
		c.log.Warn("failed to refresh catalog after pull", "model", name, "error", err)
	}
	c.log.Info("pulled model", "model", name)
	return nil
}

func (c *Client) postGenerate(ctx context.Context, req *GenerateRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) decodeGenerate(resp *http.Response, model string) (*GenerateResponse, error) {
	defer resp.Body.Close()
	if err := c.checkStatus(resp, model); err != nil {
		return nil, err
	}
	var result GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ConnectionError{Message: "failed to decode response", Err: err}
	}
	return &result, nil
}

func (c *Client) checkStatus(resp *http.Response, model string) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return &ModelNotFoundError{Model: model}
	default:
		detail, _ := io.ReadAll(resp.Body)
		return &ConnectionError{Message: fmt.Sprintf("backend returned status %d: %s", resp.StatusCode, detail)}
	}
}

// sleepBackoff waits base * 2^attempt, honoring cancellation.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	delay := base << uint(attempt)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
