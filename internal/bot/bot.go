// Package bot answers chat lines addressed to the bot through an
// OpenAI-compatible chat completions endpoint.
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	envURL   = "PCHANNEL_BOT_URL"
	envKey   = "PCHANNEL_BOT_KEY"
	envModel = "PCHANNEL_BOT_MODEL"

	defaultModel = "gpt-4o-mini"
)

var ErrUnavailable = errors.New("bot unavailable")

// Responder turns one chat line into a reply.
type Responder interface {
	Respond(ctx context.Context, text string) (string, error)
}

// Triggered reports whether a sent chat line is addressed to the bot.
func Triggered(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "@bot") || strings.Contains(lower, "bot:")
}

type Config struct {
	URL    string
	APIKey string
	Model  string
}

func ConfigFromEnv() Config {
	return Config{
		URL:    strings.TrimSpace(os.Getenv(envURL)),
		APIKey: strings.TrimSpace(os.Getenv(envKey)),
		Model:  strings.TrimSpace(os.Getenv(envModel)),
	}
}

// New returns a client for cfg, or a Responder that always reports
// ErrUnavailable when no endpoint is configured.
func New(cfg Config) Responder {
	if cfg.URL == "" {
		return Unavailable{Reason: "no endpoint configured"}
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return &Client{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type Unavailable struct {
	Reason string
}

func (u Unavailable) Respond(context.Context, string) (string, error) {
	return "", fmt.Errorf("%w: %s", ErrUnavailable, u.Reason)
}

type Client struct {
	url        string
	apiKey     string
	model      string
	httpClient *http.Client
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
}

func (c *Client) Respond(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: "You are a helpful assistant in a small group chat. Answer in one or two sentences."},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pchannel")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: API error %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("empty response")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
