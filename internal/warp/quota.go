package warp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultQuotaURL is the GraphQL endpoint serving request-limit info.
	DefaultQuotaURL = "https://app.warp.dev/graphql/v2?op=GetRequestLimitInfo"
	// QuotaTimeout bounds a single quota lookup.
	QuotaTimeout = 20 * time.Second
)

const requestLimitQuery = `query GetRequestLimitInfo($requestContext: RequestContext!) {
  user(requestContext: $requestContext) {
    __typename
    ... on UserOutput {
      user {
        requestLimitInfo {
          isUnlimited
          nextRefreshTime
          requestLimit
          requestsUsedSinceLastRefresh
          requestLimitRefreshDuration
        }
      }
    }
    ... on UserFacingError {
      error {
        __typename
        message
      }
    }
  }
}`

// QuotaFetcher reads per-account request-limit info from the GraphQL API.
type QuotaFetcher struct {
	httpClient    *http.Client
	url           string
	clientVersion string
	osCategory    string
	osName        string
	osVersion     string
	logger        *slog.Logger
}

// QuotaFetcherOptions configures the quota fetcher.
type QuotaFetcherOptions struct {
	URL           string
	ClientVersion string
	OSCategory    string
	OSName        string
	OSVersion     string
	Timeout       time.Duration
	Logger        *slog.Logger
}

// NewQuotaFetcher creates a quota fetcher.
func NewQuotaFetcher(opts QuotaFetcherOptions) *QuotaFetcher {
	url := opts.URL
	if url == "" {
		url = DefaultQuotaURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = QuotaTimeout
	}
	clientVersion := opts.ClientVersion
	if clientVersion == "" {
		clientVersion = DefaultClientVersion
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaFetcher{
		httpClient:    &http.Client{Timeout: timeout},
		url:           url,
		clientVersion: clientVersion,
		osCategory:    opts.OSCategory,
		osName:        opts.OSName,
		osVersion:     opts.OSVersion,
		logger:        logger,
	}
}

type quotaResponse struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
	Data struct {
		User struct {
			Typename string `json:"__typename"`
			Error    struct {
				Message string `json:"message"`
			} `json:"error"`
			User struct {
				RequestLimitInfo struct {
					IsUnlimited                  bool   `json:"isUnlimited"`
					NextRefreshTime              string `json:"nextRefreshTime"`
					RequestLimit                 int    `json:"requestLimit"`
					RequestsUsedSinceLastRefresh int    `json:"requestsUsedSinceLastRefresh"`
					RequestLimitRefreshDuration  string `json:"requestLimitRefreshDuration"`
				} `json:"requestLimitInfo"`
			} `json:"user"`
		} `json:"user"`
	} `json:"data"`
}

// Fetch returns the account's quota snapshot. An unlimited account comes
// back with Limit and Remaining forced to -1 and Used to 0, regardless of
// the raw counters upstream reports.
func (q *QuotaFetcher) Fetch(ctx context.Context, accessToken string) (*QuotaInfo, error) {
	payload := map[string]any{
		"operationName": "GetRequestLimitInfo",
		"query":         requestLimitQuery,
		"variables": map[string]any{
			"requestContext": map[string]any{
				"clientContext": map[string]any{"version": q.clientVersion},
				"osContext": map[string]any{
					"category":           q.osCategory,
					"linuxKernelVersion": nil,
					"name":               q.osName,
					"version":            q.osVersion,
				},
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal quota request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create quota request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("x-warp-client-id", "warp-app")
	req.Header.Set("x-warp-client-version", q.clientVersion)

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quota request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to read quota response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: respBody}
	}

	var parsed quotaResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse quota response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("quota graphql error: %s", parsed.Errors[0].Message)
	}
	switch parsed.Data.User.Typename {
	case "UserOutput":
	case "UserFacingError":
		return nil, fmt.Errorf("quota user error: %s", parsed.Data.User.Error.Message)
	default:
		return nil, fmt.Errorf("quota unexpected typename: %q", parsed.Data.User.Typename)
	}

	info := parsed.Data.User.User.RequestLimitInfo
	limit := info.RequestLimit
	used := info.RequestsUsedSinceLastRefresh
	if info.IsUnlimited {
		limit = -1
		used = 0
	}
	remaining := -1
	if limit >= 0 {
		remaining = limit - used
	}

	quota := &QuotaInfo{
		Limit:           limit,
		Used:            used,
		Remaining:       remaining,
		IsUnlimited:     info.IsUnlimited,
		RefreshDuration: info.RequestLimitRefreshDuration,
	}
	if quota.RefreshDuration == "" {
		quota.RefreshDuration = "WEEKLY"
	}
	if info.NextRefreshTime != "" {
		if t, err := time.Parse(time.RFC3339, info.NextRefreshTime); err == nil {
			quota.NextRefreshTime = &t
		}
	}
	return quota, nil
}
