package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	cb "github.com/sony/gobreaker"

	"github.com/bolagsdata/registryd/internal/apperr"
)

// tokenSnapshot is the immutable published credential.
type tokenSnapshot struct {
	value  string
	expiry time.Time
}

// TokenConfig configures the token manager.
type TokenConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
	SafetyBuffer time.Duration // refresh when now >= expiry - buffer
	MaxRetries   int
	RetryBase    time.Duration
}

// TokenManager acquires and caches the upstream bearer credential. At most
// one token-endpoint exchange is in flight at any moment; waiters receive
// the result of that single exchange.
type TokenManager struct {
	config TokenConfig
	client *http.Client

	mu sync.Mutex // serializes the refresh exchange

	snapMu   sync.RWMutex
	snapshot *tokenSnapshot

	breaker *cb.CircuitBreaker
}

// NewTokenManager creates a token manager. The breaker around the token
// endpoint keeps a flapping auth server from burning the retry budget of
// every caller.
func NewTokenManager(config TokenConfig, client *http.Client) *TokenManager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	st := cb.Settings{Name: "token-endpoint"}
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts cb.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	return &TokenManager{
		config:  config,
		client:  client,
		breaker: cb.NewCircuitBreaker(st),
	}
}

// Acquire returns a bearer token valid for at least the safety buffer.
func (m *TokenManager) Acquire(ctx context.Context) (string, error) {
	if tok, ok := m.current(); ok {
		return tok, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-checked: another caller may have refreshed while we waited.
	if tok, ok := m.current(); ok {
		return tok, nil
	}

	snap, err := m.refresh(ctx)
	if err != nil {
		// Snapshot is left untouched so a later call can retry.
		return "", err
	}
	m.publish(snap)
	return snap.value, nil
}

// Invalidate drops the cached token, forcing a refresh on the next
// Acquire. The upstream client calls this on a 401.
func (m *TokenManager) Invalidate() {
	m.snapMu.Lock()
	m.snapshot = nil
	m.snapMu.Unlock()
}

// current returns the cached token when it is still inside its validity
// window. Reading the pointer is done under the refresh lock only when the
// fast path misses.
func (m *TokenManager) current() (string, bool) {
	snap := m.load()
	if snap == nil {
		return "", false
	}
	if time.Now().After(snap.expiry.Add(-m.config.SafetyBuffer)) {
		return "", false
	}
	return snap.value, true
}

func (m *TokenManager) load() *tokenSnapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snapshot
}

func (m *TokenManager) publish(snap *tokenSnapshot) {
	m.snapMu.Lock()
	m.snapshot = snap
	m.snapMu.Unlock()
}

// refresh performs the client-credentials exchange with bounded retry and
// exponential backoff. Caller holds the refresh lock.
func (m *TokenManager) refresh(ctx context.Context) (*tokenSnapshot, error) {
	var lastErr error
	for attempt := 1; attempt <= m.config.MaxRetries; attempt++ {
		out, err := m.breaker.Execute(func() (any, error) {
			return m.exchange(ctx)
		})
		if err == nil {
			return out.(*tokenSnapshot), nil
		}
		lastErr = err

		if apperr.Is(err, apperr.KindUpstreamUnauthorized) {
			// Misconfigured credentials; retrying cannot help.
			return nil, err
		}
		if attempt < m.config.MaxRetries {
			backoff := m.config.RetryBase * (1 << (attempt - 1))
			log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).
				Msg("token exchange failed, backing off")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("token fetch failed after %d attempts: %w",
		m.config.MaxRetries, lastErr)
}

// tokenResponse is the token endpoint JSON body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// exchange performs one client-credentials POST.
func (m *TokenManager) exchange(ctx context.Context) (*tokenSnapshot, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", m.config.Scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(m.config.ClientID, m.config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.KindUpstreamTimeout, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, apperr.Newf(apperr.KindUpstreamUnauthorized, nil,
			"token endpoint rejected credentials (HTTP %d)", resp.StatusCode)
	default:
		return nil, apperr.Newf(apperr.KindUpstreamServerError, nil,
			"token endpoint error (HTTP %d)", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, apperr.New(apperr.KindUpstreamServerError, "malformed token response", err)
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return nil, apperr.New(apperr.KindUpstreamServerError, "token response missing access_token or expires_in", nil)
	}

	return &tokenSnapshot{
		value:  tr.AccessToken,
		expiry: time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
