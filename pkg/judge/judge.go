// Package judge asks a vision-language model to grade screenshots of a
// running web project against the instruction it was built from.
package judge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/webgrade/pkg/retry"
)

// ErrJudgeUnavailable is returned when every attempt to reach the model
// failed. Evaluate still returns FallbackText alongside it.
var ErrJudgeUnavailable = errors.New("judge unavailable")

const (
	DefaultEndpoint       = "https://api.openai.com/v1"
	DefaultModel          = "gpt-4o-2024-11-20"
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = time.Second
	DefaultTimeout        = 2 * time.Minute

	// FallbackText is the judge output used when the model is unreachable.
	FallbackText = "Grade: 0"

	systemMessage = "You are a helpful assistant."
)

// Judge produces free-text feedback for a set of screenshots.
type Judge interface {
	Evaluate(ctx context.Context, images []string, instruction string) (string, error)
}

// Config configures a Client.
type Config struct {
	// Endpoint is the base URL of an OpenAI-compatible API.
	Endpoint string
	Model    string
	APIKey   string

	MaxRetries     int
	InitialBackoff time.Duration

	// RateLimit caps requests per second across all callers; 0 disables.
	RateLimit float64

	HTTPClient *http.Client
	Logger     *zap.Logger

	// Sleep is used between retries; nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client calls the chat-completions API.
type Client struct {
	cfg     Config
	limiter *rate.Limiter
}

// New returns a Client, filling zero fields with defaults.
func New(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	c := &Client{cfg: cfg}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// StatusError is a non-2xx response from the API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("judge API returned %d: %s", e.StatusCode, e.Body)
}

// Evaluate sends the rubric and images to the model and returns its reply.
//
// Transport failures are retried with exponential backoff. When all
// attempts fail it returns FallbackText and an error wrapping
// ErrJudgeUnavailable, so callers can degrade to a zero grade.
func (c *Client) Evaluate(ctx context.Context, images []string, instruction string) (string, error) {
	body, err := c.buildRequest(images, instruction)
	if err != nil {
		return FallbackText, fmt.Errorf("%w: %w", ErrJudgeUnavailable, err)
	}

	var reply string
	b := retry.Backoff{
		Attempts: c.cfg.MaxRetries,
		Initial:  c.cfg.InitialBackoff,
		Sleep:    c.cfg.Sleep,
	}
	err = b.Do(ctx, func(ctx context.Context, attempt int) error {
		out, err := c.post(ctx, body)
		if err != nil {
			c.cfg.Logger.Warn("Judge request failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.cfg.MaxRetries),
				zap.Error(err))
			return err
		}
		reply = out
		return nil
	})
	if err != nil {
		return FallbackText, fmt.Errorf("%w: %w", ErrJudgeUnavailable, err)
	}
	return reply, nil
}

func (c *Client) buildRequest(images []string, instruction string) ([]byte, error) {
	parts := []contentPart{{Type: "text", Text: Prompt(instruction)}}
	for _, path := range images {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read screenshot: %w", err)
		}
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)},
		})
	}

	return json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []message{
			{Role: "system", Content: systemMessage},
			{Role: "user", Content: parts},
		},
	})
}

func (c *Client) post(ctx context.Context, body []byte) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read judge response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode judge response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("judge response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
