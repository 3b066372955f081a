package warp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	// DefaultBaseURL is the Warp multi-agent endpoint.
	DefaultBaseURL = "https://app.warp.dev/ai/multi-agent"
	// DefaultClientVersion is advertised in the x-warp-client-version header.
	DefaultClientVersion = "v0.2025.08.06.08.12.stable_02"

	errorBodyLimit = 4096
)

// Client sends conversation requests to the Warp API and exposes the
// response as a lazy event stream.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	clientVersion string
	osCategory    string
	osName        string
	osVersion     string
	codec         Codec
	logger        *slog.Logger
}

// ClientOptions configures the Warp HTTP client.
type ClientOptions struct {
	BaseURL        string
	ClientVersion  string
	OSCategory     string
	OSName         string
	OSVersion      string
	ConnectTimeout time.Duration
	// ReadIdleTimeout bounds the wait for response headers after the
	// request is written. Defaults to 60 seconds.
	ReadIdleTimeout     time.Duration
	MaxConns            int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	Codec               Codec
	Logger              *slog.Logger
}

// NewClient creates a new Warp API client with connection pooling. The
// overall client timeout stays zero so streams can outlive slow turns;
// per-dial and response-header deadlines still apply.
func NewClient(opts ClientOptions) *Client {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	readIdleTimeout := opts.ReadIdleTimeout
	if readIdleTimeout <= 0 {
		readIdleTimeout = 60 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readIdleTimeout,
		MaxIdleConns:          opts.MaxConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxConnsPerHost:       opts.MaxConns,
		IdleConnTimeout:       opts.IdleConnTimeout,
		DisableKeepAlives:     false,
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	clientVersion := opts.ClientVersion
	if clientVersion == "" {
		clientVersion = DefaultClientVersion
	}
	osCategory := opts.OSCategory
	if osCategory == "" {
		osCategory = "Linux"
	}
	osName := opts.OSName
	if osName == "" {
		osName = "Linux"
	}
	osVersion := opts.OSVersion
	if osVersion == "" {
		osVersion = "6.8"
	}
	codec := opts.Codec
	if codec == nil {
		codec = JSONCodec{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
		},
		baseURL:       baseURL,
		clientVersion: clientVersion,
		osCategory:    osCategory,
		osName:        osName,
		osVersion:     osVersion,
		codec:         codec,
		logger:        logger,
	}
}

// SendStream posts a conversation request and returns the event stream.
// The caller owns the stream and must close it. A non-200 response is
// returned as *APIError.
func (c *Client) SendStream(ctx context.Context, accessToken string, body []byte) (*EventStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("x-warp-client-id", "warp-app")
	req.Header.Set("x-warp-client-version", c.clientVersion)
	req.Header.Set("x-warp-os-category", c.osCategory)
	req.Header.Set("x-warp-os-name", c.osName)
	req.Header.Set("x-warp-os-version", c.osVersion)
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	c.logger.Debug("sending request to Warp API", "url", c.baseURL, "bytes", len(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))

		c.logger.Warn("Warp API error",
			"status", resp.StatusCode,
			"body", string(errBody),
		)

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       errBody,
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}

	return newEventStream(resp.Body, c.codec), nil
}

// Close closes the client and releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}
