package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bolagsdata/registryd/internal/apperr"
)

func tokenServer(t *testing.T, calls *atomic.Int64, expiresIn int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "client-id", user)
		require.Equal(t, "client-secret", pass)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))

		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-" + string(rune('0'+n)),
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
}

func tokenConfig(url string) TokenConfig {
	return TokenConfig{
		TokenURL:     url,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Scope:        "vardefulla-datamangder:read",
		SafetyBuffer: 60 * time.Second,
		MaxRetries:   3,
		RetryBase:    time.Millisecond,
	}
}

func TestAcquire_CachesUntilBuffer(t *testing.T) {
	var calls atomic.Int64
	srv := tokenServer(t, &calls, 3600)
	defer srv.Close()

	tm := NewTokenManager(tokenConfig(srv.URL), srv.Client())

	tok1, err := tm.Acquire(context.Background())
	require.NoError(t, err)
	tok2, err := tm.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, tok1, tok2)
	assert.Equal(t, int64(1), calls.Load(), "second acquire hits the cache")
}

func TestAcquire_RefreshesInsideSafetyBuffer(t *testing.T) {
	var calls atomic.Int64
	// Expires in 30s with a 60s buffer: already inside the refresh window.
	srv := tokenServer(t, &calls, 30)
	defer srv.Close()

	tm := NewTokenManager(tokenConfig(srv.URL), srv.Client())

	_, err := tm.Acquire(context.Background())
	require.NoError(t, err)
	_, err = tm.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), calls.Load(), "token inside the buffer is treated as expired")
}

func TestAcquire_ConcurrentCallersShareOneExchange(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "shared-token",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	tm := NewTokenManager(tokenConfig(srv.URL), srv.Client())

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = tm.Acquire(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared-token", tokens[i])
	}
	assert.Equal(t, int64(1), calls.Load(), "waiters join the single in-flight exchange")
}

func TestAcquire_InvalidateForcesRefresh(t *testing.T) {
	var calls atomic.Int64
	srv := tokenServer(t, &calls, 3600)
	defer srv.Close()

	tm := NewTokenManager(tokenConfig(srv.URL), srv.Client())

	_, err := tm.Acquire(context.Background())
	require.NoError(t, err)
	tm.Invalidate()
	_, err = tm.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), calls.Load())
}

func TestAcquire_CredentialRejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tm := NewTokenManager(tokenConfig(srv.URL), srv.Client())

	_, err := tm.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUpstreamUnauthorized))
	assert.Equal(t, int64(1), calls.Load(), "4xx is terminal, no backoff retries")
}

func TestAcquire_ServerErrorRetriesThenFails(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tm := NewTokenManager(tokenConfig(srv.URL), srv.Client())

	_, err := tm.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUpstreamServerError))
	assert.Equal(t, int64(3), calls.Load(), "retry budget is exhausted against 5xx")
}

func TestAcquire_RecoversAfterFailure(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "recovered-token",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	tm := NewTokenManager(tokenConfig(srv.URL), srv.Client())

	tok, err := tm.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "recovered-token", tok)
}

func TestAcquire_RejectsMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "", "expires_in": 0})
	}))
	defer srv.Close()

	cfg := tokenConfig(srv.URL)
	cfg.MaxRetries = 1
	tm := NewTokenManager(cfg, srv.Client())

	_, err := tm.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUpstreamServerError))
}
