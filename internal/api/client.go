package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Client interface for testability
type Client interface {
	ListMessages(ctx context.Context, chatID int64, limit int) ([]Message, error)
	SendMessage(ctx context.Context, chatID int64, content string) (*Message, error)
	GetChat(ctx context.Context, chatID int64, limitMessages int) (*Chat, error)
	CurrentUser(ctx context.Context) (*UserInfo, error)
}

type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewClient(baseURL, token string, ratePerSec int, timeout, retryDelay time.Duration, retryCount int, logger *zap.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:       100,
		MaxConnsPerHost:    10,
		IdleConnTimeout:    90 * time.Second,
		DisableCompression: true, // handled by gzhttp
	}

	return &HTTPClient{
		httpClient: &http.Client{
			Transport: gzhttp.Transport(transport),
			Timeout:   timeout,
		},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec*2),
		retryCount: retryCount,
		retryDelay: retryDelay,
		logger:     logger,
	}
}

// ListMessages returns the most recent messages of a chat. It makes a single
// attempt; pollers retry on their next cycle.
func (c *HTTPClient) ListMessages(ctx context.Context, chatID int64, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	path := fmt.Sprintf("/api/chats/%d/messages?%s", chatID, q.Encode())

	var msgs []Message
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &msgs, 0); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage posts a new message. It is not retried because the write is
// not idempotent.
func (c *HTTPClient) SendMessage(ctx context.Context, chatID int64, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}

	path := fmt.Sprintf("/api/chats/%d/messages", chatID)
	var msg Message
	if err := c.doJSON(ctx, http.MethodPost, path, messageCreate{Content: content}, &msg, 0); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *HTTPClient) GetChat(ctx context.Context, chatID int64, limitMessages int) (*Chat, error) {
	path := fmt.Sprintf("/api/chats/%d?limit_messages=%d", chatID, limitMessages)
	var chat Chat
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &chat, c.retryCount); err != nil {
		return nil, err
	}
	return &chat, nil
}

// CurrentUser resolves the user the token belongs to.
func (c *HTTPClient) CurrentUser(ctx context.Context) (*UserInfo, error) {
	var user UserInfo
	if err := c.doJSON(ctx, http.MethodGet, "/api/users/me", nil, &user, c.retryCount); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in, out any, retries int) error {
	// Wait for rate limiter
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	endpoint := c.baseURL + path
	c.logger.Debug("requesting", zap.String("method", method), zap.String("url", endpoint))

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1)) // Exponential backoff
			c.logger.Debug("retrying request", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		// Read body before closing for error messages
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return ErrUnauthorized
		case resp.StatusCode == http.StatusForbidden:
			return ErrForbidden
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = ErrRateLimited
			continue
		case resp.StatusCode >= 500:
			lastErr = &StatusError{Code: resp.StatusCode, Detail: detail(respBody)}
			continue
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return &StatusError{Code: resp.StatusCode, Detail: detail(respBody)}
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	}

	if retries == 0 {
		return lastErr
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// detail extracts the backend's {"detail": ...} message, falling back to the
// raw body.
func detail(body []byte) string {
	var d struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &d); err == nil && d.Detail != nil {
		if s, ok := d.Detail.(string); ok {
			return s
		}
		b, _ := json.Marshal(d.Detail)
		return string(b)
	}
	return strings.TrimSpace(string(body))
}
