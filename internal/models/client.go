package models

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/cloudwego/eino/schema"
)

// CompletionClient is the narrow surface the decision loop deliberates through.
type CompletionClient interface {
	Complete(ctx context.Context, prompt, system string) (string, error)
	AnalyzeMedia(ctx context.Context, path, prompt string) (string, error)
}

// Client implements CompletionClient over the provider registry with
// bounded retries on transient failures.
type Client struct {
	registry *Registry
	retries  int
	logger   *slog.Logger
}

// NewClient wraps a registry. retries is the number of attempts beyond the first.
func NewClient(registry *Registry, retries int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if retries < 0 {
		retries = 0
	}
	return &Client{registry: registry, retries: retries, logger: logger}
}

// Complete runs a single prompt/system completion against the default model.
func (c *Client) Complete(ctx context.Context, prompt, system string) (string, error) {
	msgs := make([]*schema.Message, 0, 2)
	if system != "" {
		msgs = append(msgs, &schema.Message{Role: schema.System, Content: system})
	}
	msgs = append(msgs, &schema.Message{Role: schema.User, Content: prompt})
	return c.generate(ctx, msgs)
}

// AnalyzeMedia sends a local image alongside a prompt to the default model.
func (c *Client) AnalyzeMedia(ctx context.Context, path, prompt string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read media file: %w", err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "image/png"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)

	msgs := []*schema.Message{{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeText, Text: prompt},
			{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{URL: dataURL}},
		},
	}}
	return c.generate(ctx, msgs)
}

func (c *Client) generate(ctx context.Context, msgs []*schema.Message) (string, error) {
	chatModel, err := c.registry.Default(ctx)
	if err != nil {
		return "", fmt.Errorf("get default model: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 2 * time.Second
			c.logger.Warn("models: retrying completion", "attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		result, err := chatModel.Generate(ctx, msgs)
		if err == nil {
			return result.Content, nil
		}
		lastErr = HandleError(err)
		if !IsTransient(lastErr) {
			break
		}
	}
	return "", fmt.Errorf("completion failed: %w", lastErr)
}
