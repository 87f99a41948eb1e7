// Package vision describes camera frames through an OpenAI-compatible
// chat-completions endpoint. Sessions whose realtime protocol cannot carry
// images use it to turn frames into text context.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/ent0n29/glasslive/internal/observability"
	"github.com/ent0n29/glasslive/internal/reliability"
	"github.com/ent0n29/glasslive/internal/video"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxTokens = 2000
	// DescribePrompt is used when Analyze is called without a prompt.
	DescribePrompt = "Describe what you see in this image in detail, including objects, people, text and anything notable."

	maxErrorBody = 4 << 10
)

var (
	ErrEmptyResponse   = errors.New("vision: empty response")
	ErrInvalidResponse = errors.New("vision: invalid response")
)

// APIError is a non-2xx reply from the vision endpoint.
type APIError struct {
	Status    int
	Body      string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vision: api error (%d): %s", e.Status, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxTokens  int
	Retries    int
	Backoff    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// Client calls {BaseURL}/chat/completions with one image and one prompt.
type Client struct {
	endpoint  string
	apiKey    string
	model     string
	maxTokens int
	retries   int
	backoff   time.Duration
	http      *http.Client
	logger    *zap.Logger
	metrics   *observability.Metrics
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("vision: base url must be set")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("vision: api key must be set")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("vision: model must be set")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:  base + "/chat/completions",
		apiKey:    strings.TrimSpace(cfg.APIKey),
		model:     strings.TrimSpace(cfg.Model),
		maxTokens: maxTokens,
		retries:   max(cfg.Retries, 0),
		backoff:   backoff,
		http:      hc,
		logger:    logger.Named("vision"),
		metrics:   cfg.Metrics,
	}, nil
}

// Analyze encodes img as JPEG and asks the model to describe it.
func (c *Client) Analyze(ctx context.Context, img image.Image, prompt string) (string, error) {
	data, err := video.EncodeJPEG(img, video.DescribeQuality, video.MaxEdge)
	if err != nil {
		return "", err
	}
	return c.AnalyzeJPEG(ctx, data, prompt)
}

// AnalyzeJPEG is Analyze for an already encoded frame.
func (c *Client) AnalyzeJPEG(ctx context.Context, jpeg []byte, prompt string) (string, error) {
	if len(jpeg) == 0 {
		return "", video.ErrNoFrame
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = DescribePrompt
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContent{
				{Type: "image_url", ImageURL: &imageURL{URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)}},
				{Type: "text", Text: prompt},
			},
		}},
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("vision: encode request: %w", err)
	}

	start := time.Now()
	var text string
	for attempt := 0; ; attempt++ {
		text, err = c.do(ctx, body)
		var apiErr *APIError
		if err == nil || attempt >= c.retries || !errors.As(err, &apiErr) || !apiErr.Retryable {
			break
		}
		wait := reliability.ExponentialBackoff(attempt, c.backoff, 4*c.backoff)
		c.logger.Debug("retrying vision request", zap.Int("status", apiErr.Status), zap.Duration("wait", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
		case <-t.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		c.logger.Warn("vision request failed", zap.Error(err))
	}
	c.metrics.ObserveVision(outcome, time.Since(start))
	return text, err
}

func (c *Client) do(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("vision: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("vision: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &APIError{
			Status:    resp.StatusCode,
			Body:      strings.TrimSpace(string(raw)),
			Retryable: reliability.IsRetryableHTTPStatus(resp.StatusCode),
		}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message == nil {
		return "", ErrInvalidResponse
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message *struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}
