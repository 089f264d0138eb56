package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/kiro-gateway/internal/domain"
	"github.com/felipepmaragno/kiro-gateway/internal/metrics"
)

const refreshURLTemplate = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"

// Manager owns the process-wide credential record. Reads on the happy path go
// through an atomic pointer and never take the mutex; refreshes are
// serialized, and waiters that queue behind an in-flight refresh observe its
// result instead of issuing a second request.
type Manager struct {
	refreshURL       string
	refreshThreshold time.Duration
	credsFile        string
	client           *http.Client
	userAgent        string

	mu    sync.Mutex
	creds atomic.Pointer[Credentials]
}

type Options struct {
	Region           string
	RefreshThreshold time.Duration
	CredsFile        string
	Client           *http.Client
	// RefreshURL overrides the region-templated endpoint, for tests.
	RefreshURL string
}

func NewManager(initial Credentials, opts Options) *Manager {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	url := opts.RefreshURL
	if url == "" {
		url = fmt.Sprintf(refreshURLTemplate, region)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	m := &Manager{
		refreshURL:       url,
		refreshThreshold: opts.RefreshThreshold,
		credsFile:        opts.CredsFile,
		client:           client,
		userAgent:        userAgentFingerprint(),
	}
	initial.Region = region
	m.creds.Store(&initial)
	return m
}

// GetAccessToken returns the cached token when fresh, refreshing otherwise.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	creds := m.creds.Load()
	if m.fresh(creds) {
		return creds.AccessToken, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have refreshed while we waited on the lock.
	creds = m.creds.Load()
	if m.fresh(creds) {
		return creds.AccessToken, nil
	}
	return m.refreshLocked(ctx)
}

// ForceRefresh refreshes unconditionally. The retry layer calls it after a
// 403, where the cached expiry can no longer be trusted.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

// HasToken reports whether an access token is currently held. Used by the
// health endpoint; it never exposes the token itself.
func (m *Manager) HasToken() bool {
	return m.creds.Load().AccessToken != ""
}

// ProfileArn returns the profile identifier from the live record.
func (m *Manager) ProfileArn() string {
	return m.creds.Load().ProfileArn
}

func (m *Manager) fresh(creds *Credentials) bool {
	if creds.AccessToken == "" {
		return false
	}
	if creds.ExpiresAt.IsZero() {
		// No known expiry: fresh until a 403 forces a refresh.
		return true
	}
	return time.Now().Add(m.refreshThreshold).Before(creds.ExpiresAt)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	ExpiresAt    json.RawMessage `json:"expiresAt"`
	ProfileArn   string          `json:"profileArn"`
}

func (m *Manager) refreshLocked(ctx context.Context) (string, error) {
	old := m.creds.Load()

	body, err := json.Marshal(refreshRequest{RefreshToken: old.RefreshToken})
	if err != nil {
		return "", fmt.Errorf("marshal refresh request: %w", err)
	}

	// A refresh outlives the request that triggered it: a disconnecting
	// client must not abort work that benefits every future request.
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, m.refreshURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", m.userAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: refresh request: %v", domain.ErrAuthUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: refresh endpoint returned %d: %s", domain.ErrAuthUnavailable, resp.StatusCode, respBody)
	}

	var rr refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: decode refresh response: %v", domain.ErrAuthUnavailable, err)
	}
	if rr.AccessToken == "" {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: refresh response lacks accessToken", domain.ErrAuthUnavailable)
	}

	updated := Credentials{
		AccessToken:  rr.AccessToken,
		RefreshToken: old.RefreshToken,
		ProfileArn:   old.ProfileArn,
		Region:       old.Region,
	}
	if rr.RefreshToken != "" {
		updated.RefreshToken = rr.RefreshToken
	}
	if rr.ProfileArn != "" {
		updated.ProfileArn = rr.ProfileArn
	}
	updated.ExpiresAt = parseExpiresAt(rr.ExpiresAt)

	m.creds.Store(&updated)
	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	slog.Info("upstream token refreshed", "expires_at", updated.ExpiresAt)

	if m.credsFile != "" {
		if err := SaveCredentialsFile(m.credsFile, updated); err != nil {
			slog.Warn("failed to persist credentials", "error", err, "path", m.credsFile)
		}
	}

	return updated.AccessToken, nil
}

// parseExpiresAt accepts the two shapes the refresh endpoint is known to
// return: an ISO-8601 string or an epoch-milliseconds number.
func parseExpiresAt(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		return time.Time{}
	}

	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}

// userAgentFingerprint derives a stable opaque identifier from host signals.
// Computed once per process.
func userAgentFingerprint() string {
	host, _ := os.Hostname()
	sum := sha256.Sum256([]byte(strings.Join([]string{host, runtime.GOOS, runtime.GOARCH}, "|")))
	return fmt.Sprintf("kiro-gateway/0.1 (%s; %s) fp/%s", runtime.GOOS, runtime.GOARCH, hex.EncodeToString(sum[:8]))
}
