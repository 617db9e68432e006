package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tarun-kavipurapu/p2p-share/pkg/logger"
)

type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	Retry   RetryConfig
}

// Client talks to a rendezvous server. It serves as the channel keeper of a
// sender and the slug resolver of a receiver.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryConfig
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		retry: cfg.Retry,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateChannel registers uploaderAddress and returns the share's slugs.
func (c *Client) CreateChannel(ctx context.Context, uploaderAddress, sharedSlug string) (CreateResponse, error) {
	var resp CreateResponse
	err := c.do(ctx, http.MethodPost, "/api/create", CreateRequest{UploaderAddress: uploaderAddress, SharedSlug: sharedSlug}, &resp)
	if err != nil {
		return CreateResponse{}, fmt.Errorf("create channel: %w", err)
	}
	return resp, nil
}

func (c *Client) RenewChannel(ctx context.Context, slug, secret string) error {
	var resp RenewResponse
	if err := c.do(ctx, http.MethodPost, "/api/renew", RenewRequest{Slug: slug, Secret: secret}, &resp); err != nil {
		return fmt.Errorf("renew channel: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("renew channel %s: rejected", slug)
	}
	return nil
}

func (c *Client) DestroyChannel(ctx context.Context, slug string) error {
	if err := c.do(ctx, http.MethodPost, "/api/destroy", DestroyRequest{Slug: slug}, nil); err != nil {
		return fmt.Errorf("destroy channel: %w", err)
	}
	return nil
}

func (c *Client) GetICEServers(ctx context.Context) ([]ICEServer, error) {
	var resp ICEResponse
	if err := c.do(ctx, http.MethodGet, "/api/ice", nil, &resp); err != nil {
		return nil, fmt.Errorf("get ice servers: %w", err)
	}
	return resp.ICEServers, nil
}

// Resolve returns the sender address registered under slug.
func (c *Client) Resolve(ctx context.Context, slug string) (string, error) {
	var resp ResolveResponse
	if err := c.do(ctx, http.MethodGet, "/api/resolve/"+escapeSlug(slug), nil, &resp); err != nil {
		return "", fmt.Errorf("resolve %s: %w", slug, err)
	}
	return resp.Address, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func escapeSlug(slug string) string {
	parts := strings.Split(slug, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	_, err := withRetry(ctx, c.retry, func() (struct{}, error) {
		return struct{}{}, c.once(ctx, method, path, payload, out)
	})
	return err
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Sugar.Debugf("[Rendezvous] %s %s failed: %v", method, path, err)
		return retryable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var e ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&e)
	msg := e.Error
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w (%s)", ErrNotFound, msg)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w (%s)", ErrBadSecret, msg)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w (%s)", ErrSlugTaken, msg)
	case resp.StatusCode >= 500:
		return retryable(fmt.Errorf("server returned %d: %s", resp.StatusCode, msg))
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
}
