package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Item is the part of a chat message a notification needs.
type Item struct {
	Author  string
	Content string
	HasFile bool
}

// Notifier is the interface for sending feed notifications.
type Notifier interface {
	SendItem(ctx context.Context, chatTitle string, item Item) error
	SendStalled(ctx context.Context, feedID string, failures int, err error) error
}

// Client implements the ntfy notification client.
type Client struct {
	httpClient *http.Client
	config     *Config
	logger     *zap.Logger
}

// NewClient creates a new ntfy client.
func NewClient(cfg *Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		config: cfg,
		logger: logger,
	}
}

// SendItem announces a message delivered while nobody was looking.
func (c *Client) SendItem(ctx context.Context, chatTitle string, item Item) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("New message in %s", chatTitle)
	message := FormatItemMessage(item.Author, item.Content, item.HasFile)

	return c.send(ctx, title, message, c.config.Tags, c.config.Priority)
}

// SendStalled reports a feed whose fetches keep failing.
func (c *Client) SendStalled(ctx context.Context, feedID string, failures int, err error) error {
	if !c.config.Enabled {
		return nil
	}

	title := fmt.Sprintf("Feed stalled: %s", feedID)
	message := FormatStalledMessage(feedID, failures, err)
	tags := c.config.Tags + ",warning"
	priority := "high" // Override to high priority for failures

	return c.send(ctx, title, message, tags, priority)
}

func (c *Client) send(ctx context.Context, title, message, tags, priority string) error {
	url := fmt.Sprintf("%s/%s", strings.TrimSuffix(c.config.Server, "/"), c.config.Topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	if tags != "" {
		req.Header.Set("Tags", strings.TrimPrefix(tags, ","))
	}

	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send notification", zap.Error(err))
		return fmt.Errorf("sending notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain response body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("notification failed",
			zap.Int("status", resp.StatusCode),
			zap.String("url", url),
		)
		return fmt.Errorf("notification failed with status: %d", resp.StatusCode)
	}

	c.logger.Debug("notification sent", zap.String("title", title))
	return nil
}

// NoopNotifier is a no-op implementation for when notifications are disabled.
type NoopNotifier struct{}

func (n *NoopNotifier) SendItem(_ context.Context, _ string, _ Item) error { return nil }

func (n *NoopNotifier) SendStalled(_ context.Context, _ string, _ int, _ error) error { return nil }

// New creates the appropriate notifier based on config.
func New(cfg *Config, logger *zap.Logger) Notifier {
	if !cfg.Enabled {
		return &NoopNotifier{}
	}
	return NewClient(cfg, logger)
}
