package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	cerrors "github.com/Aman-CERP/codeindex/internal/errors"
)

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	// Endpoint is the API base URL; requests go to Endpoint + "/embeddings".
	Endpoint  string
	APIKey    string
	Model     string
	Dimension int

	// BatchSize caps texts per request.
	BatchSize int

	// RequestsPerSecond limits request rate; zero means unlimited.
	RequestsPerSecond float64

	// Timeout bounds each request attempt.
	Timeout time.Duration

	Retry  cerrors.RetryConfig
	Logger *slog.Logger
}

// HTTPProvider calls a Voyage-compatible embeddings API.
type HTTPProvider struct {
	client  *http.Client
	cfg     HTTPConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

var _ Provider = (*HTTPProvider)(nil)

type embedRequest struct {
	Input           []string `json:"input"`
	Model           string   `json:"model"`
	InputType       string   `json:"input_type,omitempty"`
	OutputDimension int      `json:"output_dimension,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// NewHTTPProvider creates an HTTP provider. No request is made until the
// first batch.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("embedding endpoint is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if err := ValidateDimension(cfg.Dimension); err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry = cerrors.DefaultRetryConfig()
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = cerrors.IsRetryable
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}

	// No client-wide Timeout: each attempt carries its own context deadline.
	transport := &http.Transport{
		MaxIdleConns:        8,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     30 * time.Second,
	}
	return &HTTPProvider{
		client:  &http.Client{Transport: transport},
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  cfg.Logger,
	}, nil
}

// Dimension returns the vector size.
func (p *HTTPProvider) Dimension() int {
	return p.cfg.Dimension
}

// Model returns the configured model.
func (p *HTTPProvider) Model() string {
	return p.cfg.Model
}

// EmbedBatch embeds texts in requests of at most BatchSize texts. Blank
// texts are not sent and map to the zero vector.
func (p *HTTPProvider) EmbedBatch(ctx context.Context, texts []string, input InputType) ([][]float32, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("provider is closed")
	}

	results := make([][]float32, len(texts))
	var idx []int
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			results[i] = make([]float32, p.cfg.Dimension)
			continue
		}
		idx = append(idx, i)
	}

	for start := 0; start < len(idx); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(idx))
		batch := make([]string, 0, end-start)
		for _, i := range idx[start:end] {
			batch = append(batch, texts[i])
		}

		vecs, err := cerrors.RetryWithResult(ctx, p.cfg.Retry, func() ([][]float32, error) {
			return p.request(ctx, batch, input)
		})
		if err != nil {
			return nil, cerrors.Provider("embed", err)
		}
		for j, i := range idx[start:end] {
			results[i] = vecs[j]
		}
	}
	return results, nil
}

// request performs one API call.
func (p *HTTPProvider) request(ctx context.Context, texts []string, input InputType) ([][]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(embedRequest{
		Input:           texts,
		Model:           p.cfg.Model,
		InputType:       string(input),
		OutputDimension: p.cfg.Dimension,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.cfg.Endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, cerrors.New(cerrors.ErrCodeProviderTimeout, "embedding request timed out", err)
		}
		return nil, cerrors.New(cerrors.ErrCodeProviderTimeout, "embedding request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, statusError(resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, cerrors.New(cerrors.ErrCodeProviderFailed, "failed to decode embedding response", err)
	}
	if len(out.Data) != len(texts) {
		return nil, cerrors.New(cerrors.ErrCodeProviderFailed,
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(out.Data)), nil)
	}

	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, cerrors.New(cerrors.ErrCodeProviderFailed, fmt.Sprintf("embedding index %d out of range", d.Index), nil)
		}
		if len(d.Embedding) != p.cfg.Dimension {
			return nil, cerrors.InvalidDimension(len(d.Embedding), []int{p.cfg.Dimension})
		}
		vecs[d.Index] = d.Embedding
	}

	p.logger.Debug("embedding_request_done",
		slog.Int("texts", len(texts)),
		slog.Int("tokens", out.Usage.TotalTokens),
		slog.Duration("duration", time.Since(start)))
	return vecs, nil
}

// statusError maps an HTTP status to a coded error. 429 and 5xx are retryable.
func statusError(status int, body string) error {
	msg := fmt.Sprintf("embedding API returned status %d: %s", status, body)
	switch {
	case status == http.StatusTooManyRequests:
		return cerrors.New(cerrors.ErrCodeProviderRateLimited, msg, nil)
	case status >= 500:
		return cerrors.New(cerrors.ErrCodeProviderTimeout, msg, nil)
	default:
		return cerrors.New(cerrors.ErrCodeProviderFailed, msg, nil)
	}
}

// Close releases idle connections.
func (p *HTTPProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.client.CloseIdleConnections()
	return nil
}
