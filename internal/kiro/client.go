package kiro

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/felipepmaragno/kiro-gateway/internal/auth"
	"github.com/felipepmaragno/kiro-gateway/internal/domain"
	"github.com/felipepmaragno/kiro-gateway/internal/metrics"
)

const (
	generateURLTemplate = "https://codewhisperer.%s.amazonaws.com/generateAssistantResponse"
	modelsURLTemplate   = "https://q.%s.amazonaws.com/ListAvailableModels"

	amzTargetChat = "AmazonCodeWhispererStreamingService.GenerateAssistantResponse"
	contentType   = "application/x-amz-json-1.0"
	acceptStream  = "application/vnd.amazon.eventstream"
)

// Client performs upstream calls with the bounded retry policy: one forced
// token refresh on 403, exponential backoff on 429/5xx/network failures, and
// immediate failure on any other 4xx. Retries cover connection establishment
// only; once a body starts streaming, failures propagate to the caller.
type Client struct {
	auth        *auth.Manager
	http        *http.Client
	generateURL string
	modelsURL   string
	maxRetries  int
}

type ClientOptions struct {
	Region     string
	MaxRetries int
	HTTPClient *http.Client
	// URL overrides for tests.
	GenerateURL string
	ModelsURL   string
}

func NewClient(authMgr *auth.Manager, opts ClientOptions) *Client {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	generateURL := opts.GenerateURL
	if generateURL == "" {
		generateURL = fmt.Sprintf(generateURLTemplate, region)
	}
	modelsURL := opts.ModelsURL
	if modelsURL == "" {
		modelsURL = fmt.Sprintf(modelsURLTemplate, region)
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		auth:        authMgr,
		http:        httpClient,
		generateURL: generateURL,
		modelsURL:   modelsURL,
		maxRetries:  maxRetries,
	}
}

// GenerateAssistantResponse issues the streaming POST and hands back the
// response body as soon as a 2xx status arrives. The caller owns the body.
func (c *Client) GenerateAssistantResponse(ctx context.Context, payload []byte) (io.ReadCloser, error) {
	resp, err := c.doWithRetry(ctx, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.generateURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-Amz-Target", amzTargetChat)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", acceptStream)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// ListAvailableModels fetches the upstream model catalog.
func (c *Client) ListAvailableModels(ctx context.Context) ([]byte, error) {
	resp, err := c.doWithRetry(ctx, func(token string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.modelsURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) doWithRetry(ctx context.Context, build func(token string) (*http.Request, error)) (*http.Response, error) {
	token, err := c.auth.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 4 * time.Second

	refreshed := false
	for attempt := 1; ; attempt++ {
		req, err := build(token)
		if err != nil {
			return nil, fmt.Errorf("create upstream request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Network failures and timeouts follow the 5xx path.
			if attempt >= c.maxRetries {
				return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
			}
			metrics.UpstreamRetries.WithLabelValues("network").Inc()
			if err := sleep(ctx, bo.NextBackOff()); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil

		case resp.StatusCode == http.StatusForbidden:
			body := drain(resp)
			if refreshed {
				return nil, &domain.StatusError{Kind: domain.ErrAuthUnavailable, Status: resp.StatusCode, Body: body}
			}
			refreshed = true
			metrics.UpstreamRetries.WithLabelValues("auth").Inc()
			token, err = c.auth.ForceRefresh(ctx)
			if err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			body := drain(resp)
			if attempt >= c.maxRetries {
				return nil, &domain.StatusError{Kind: domain.ErrUpstreamUnavailable, Status: resp.StatusCode, Body: body}
			}
			metrics.UpstreamRetries.WithLabelValues(retryReason(resp.StatusCode)).Inc()
			if err := sleep(ctx, bo.NextBackOff()); err != nil {
				return nil, err
			}
			continue

		default:
			body := drain(resp)
			return nil, &domain.StatusError{Kind: domain.ErrUpstreamRejected, Status: resp.StatusCode, Body: body}
		}
	}
}

func retryReason(status int) string {
	if status == http.StatusTooManyRequests {
		return "rate_limited"
	}
	return "server_error"
}

func drain(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return string(bytes.TrimSpace(body))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
