// Package planner turns scenario descriptions into automation programs by way
// of a generative backend.
package planner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"cymbytes.com/missiongen/internal/faults"
)

// Generator sends one prompt to a generative backend and returns its text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ClientConfig holds generative backend settings.
type ClientConfig struct {
	APIKey          string
	Model           string
	BaseURL         string
	APIVersion      string
	Temperature     float64
	MaxOutputTokens int

	// RequestTimeout bounds a single call; zero means no bound.
	RequestTimeout time.Duration
}

// Client calls the Gemini generateContent endpoint through the genai SDK.
// Every Generate call is exactly one request; nothing is cached.
type Client struct {
	cfg    ClientConfig
	models *genai.Models
	logger zerolog.Logger
}

// NewClient creates a new backend client. A nil httpClient lets the SDK use
// its default client.
func NewClient(ctx context.Context, cfg ClientConfig, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    cfg.BaseURL,
			APIVersion: cfg.APIVersion,
		},
	})
	if err != nil {
		return nil, faults.Configuration("synthesis_client", "failed to create backend client", err)
	}
	return &Client{
		cfg:    cfg,
		models: gc.Models,
		logger: logger.With().Str("component", "synthesis_client").Logger(),
	}, nil
}

// Generate implements Generator.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	gen := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(c.cfg.Temperature)),
		MaxOutputTokens: int32(c.cfg.MaxOutputTokens),
	}

	start := time.Now()
	resp, err := c.models.GenerateContent(ctx, c.cfg.Model, genai.Text(prompt), gen)
	c.logger.Debug().
		Str("model", c.cfg.Model).
		Int("prompt_bytes", len(prompt)).
		Dur("elapsed", time.Since(start)).
		Bool("ok", err == nil).
		Msg("Backend responded")
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			msg := fmt.Sprintf("backend returned status %d", apiErr.Code)
			if apiErr.Message != "" {
				msg += ": " + apiErr.Message
			}
			return "", faults.Generation("generate", msg, err)
		}
		return "", faults.Generation("generate", "backend request failed", err)
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", faults.Generation("generate", "prompt blocked: "+string(resp.PromptFeedback.BlockReason), nil)
	}
	if len(resp.Candidates) == 0 {
		return "", faults.Generation("generate", "backend returned no candidates", nil)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", faults.Generation("generate", "backend did not return any text", nil)
	}
	return text, nil
}
