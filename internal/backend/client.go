// Package backend talks to the AI chat service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bhaichat/internal/domain"
)

const maxTitleMessages = 5

type Config struct {
	BaseURL string
	Tokens  domain.TokenSource
	// Timeout bounds one call including retries. Zero means 30s.
	Timeout time.Duration
	// Retries is the number of extra attempts on network errors, 5xx and 429.
	Retries int
	Client  *http.Client
	Logger  *slog.Logger
}

// Client implements domain.ChatBackend over HTTP.
type Client struct {
	baseURL     string
	tokens      domain.TokenSource
	timeout     time.Duration
	retries     int
	backoffUnit time.Duration
	client      *http.Client
	logger      *slog.Logger
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("backend: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		tokens:      cfg.Tokens,
		timeout:     cfg.Timeout,
		retries:     cfg.Retries,
		backoffUnit: time.Second,
		client:      cfg.Client,
		logger:      cfg.Logger,
	}, nil
}

type chatRequest struct {
	Message        string `json:"message"`
	Personality    string `json:"personality"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	ProfileID      string `json:"profile_id"`
}

type chatResponse struct {
	Message        string          `json:"message"`
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id"`
	Timestamp      json.RawMessage `json:"timestamp"`
	Personality    string          `json:"personality"`
}

// Chat sends one user message. Any non-2xx status, timeout or network failure
// is returned as a KindBackendFailure error.
func (c *Client) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatReply, error) {
	body, err := json.Marshal(chatRequest{
		Message:        req.Text,
		Personality:    req.PersonalityID,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		ProfileID:      string(req.ProfileID),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	token := ""
	if c.tokens != nil {
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return nil, domain.E(domain.KindBackendFailure, "chat", fmt.Errorf("token: %w", err))
		}
	}

	var out chatResponse
	if err := c.post(ctx, "/chat", body, token, &out); err != nil {
		return nil, domain.E(domain.KindBackendFailure, "chat", err)
	}

	ts, err := parseTimestamp(out.Timestamp)
	if err != nil {
		c.logger.Warn("ignoring unreadable reply timestamp", "raw", string(out.Timestamp), "err", err)
	}
	c.logger.Debug("chat reply received",
		"conversation", out.ConversationID,
		"message_id", out.MessageID,
		"len", len(out.Message),
	)
	return &domain.ChatReply{
		Text:           out.Message,
		ConversationID: out.ConversationID,
		MessageID:      out.MessageID,
		Timestamp:      ts,
		PersonalityID:  out.Personality,
	}, nil
}

type headingRequest struct {
	Messages []string `json:"messages"`
}

type headingResponse struct {
	Heading string `json:"heading"`
}

// Title asks the heading endpoint for a short conversation title built from
// at most the first five texts.
func (c *Client) Title(ctx context.Context, texts []string) (string, error) {
	if len(texts) > maxTitleMessages {
		texts = texts[:maxTitleMessages]
	}
	body, err := json.Marshal(headingRequest{Messages: texts})
	if err != nil {
		return "", fmt.Errorf("marshal heading request: %w", err)
	}
	var out headingResponse
	if err := c.post(ctx, "/mistral-heading", body, "", &out); err != nil {
		return "", domain.E(domain.KindBackendFailure, "title", err)
	}
	return strings.TrimSpace(out.Heading), nil
}

// Healthy reports whether the backend answers at all; any HTTP status counts.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend not reachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, token string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := doWithRetry(ctx, c.client, c.retries, c.backoffUnit, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req, nil
	}, c.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// parseTimestamp accepts an RFC 3339 string or epoch milliseconds. Absent or
// null yields the zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return domain.NormalizeTimestamp(t), nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return domain.NormalizeTimestamp(time.UnixMilli(ms)), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return domain.NormalizeTimestamp(time.UnixMilli(int64(f))), nil
	}
	return time.Time{}, errors.New("timestamp is neither string nor number")
}

var _ domain.ChatBackend = (*Client)(nil)
