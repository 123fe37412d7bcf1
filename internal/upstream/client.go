package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bolagsdata/registryd/internal/apperr"
	"github.com/bolagsdata/registryd/internal/net/circuit"
	"github.com/bolagsdata/registryd/internal/net/ratelimit"
)

// Observer receives upstream call outcomes. Implemented by telemetry.
type Observer interface {
	UpstreamCall(endpoint string, duration time.Duration, err error)
}

// ClientConfig configures the upstream registry client.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
}

// Client executes authenticated registry calls with the full resilience
// stack: circuit breaker gate, rate limiter, token manager, bounded retry
// with exponential backoff.
type Client struct {
	config   ClientConfig
	http     *http.Client
	tokens   *TokenManager
	limiter  *ratelimit.MultiTier
	breaker  *circuit.Breaker
	observer Observer
}

// NewClient creates an upstream client. The breaker and limiter are owned
// by the client but constructed by the caller so thresholds come from
// configuration in one place.
func NewClient(config ClientConfig, tokens *TokenManager, limiter *ratelimit.MultiTier,
	breaker *circuit.Breaker, observer Observer) *Client {
	return &Client{
		config: config,
		http: &http.Client{
			Timeout: config.Timeout,
		},
		tokens:   tokens,
		limiter:  limiter,
		breaker:  breaker,
		observer: observer,
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *circuit.Breaker { return c.breaker }

// Limiter exposes the rate limiter for health reporting.
func (c *Client) Limiter() *ratelimit.MultiTier { return c.limiter }

// organisationEnvelope is the organization endpoint response.
type organisationEnvelope struct {
	Organisationer []json.RawMessage `json:"organisationer"`
}

// Organisation fetches the registry details for one organisation. An
// empty envelope maps to NotFound.
func (c *Client) Organisation(ctx context.Context, orgnr string) (json.RawMessage, error) {
	body, _ := json.Marshal(map[string]string{"identitetsbeteckning": orgnr})
	raw, err := c.call(ctx, "organisation", http.MethodPost, "/organisationer", body, "")
	if err != nil {
		return nil, err
	}

	var env organisationEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperr.New(apperr.KindUpstreamServerError, "malformed organisation envelope", err)
	}
	if len(env.Organisationer) == 0 {
		return nil, apperr.Newf(apperr.KindNotFound, nil,
			"organisation %s not known upstream", orgnr)
	}
	return env.Organisationer[0], nil
}

// Document is one normalized document descriptor from the list endpoint.
type Document struct {
	DocumentID   string    `json:"document_id"`
	Format       string    `json:"format"`
	PeriodEnd    time.Time `json:"period_end"`
	RegisteredAt time.Time `json:"registered_at"`
}

type documentEnvelope struct {
	Dokument []struct {
		DokumentID             string `json:"dokumentId"`
		Filformat              string `json:"filformat"`
		RapporteringsperiodTom string `json:"rapporteringsperiodTom"`
		Registreringstidpunkt  string `json:"registreringstidpunkt"`
	} `json:"dokument"`
}

// DocumentList fetches the financial-document descriptors for one
// organisation. The list may legitimately be empty.
func (c *Client) DocumentList(ctx context.Context, orgnr string) ([]Document, error) {
	body, _ := json.Marshal(map[string]string{"identitetsbeteckning": orgnr})
	raw, err := c.call(ctx, "documents", http.MethodPost, "/dokumentlista", body, "")
	if err != nil {
		return nil, err
	}

	var env documentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperr.New(apperr.KindUpstreamServerError, "malformed document envelope", err)
	}

	docs := make([]Document, 0, len(env.Dokument))
	for _, d := range env.Dokument {
		periodEnd, err := time.Parse("2006-01-02", d.RapporteringsperiodTom)
		if err != nil {
			log.Warn().Str("document_id", d.DokumentID).Str("period", d.RapporteringsperiodTom).
				Msg("skipping document with unparseable period end")
			continue
		}
		registered, err := time.Parse(time.RFC3339, d.Registreringstidpunkt)
		if err != nil {
			registered = time.Time{}
		}
		docs = append(docs, Document{
			DocumentID:   d.DokumentID,
			Format:       d.Filformat,
			PeriodEnd:    periodEnd,
			RegisteredAt: registered,
		})
	}
	return docs, nil
}

// DownloadDocument fetches the binary archive for a document id.
func (c *Client) DownloadDocument(ctx context.Context, documentID string) ([]byte, error) {
	return c.call(ctx, "download", http.MethodGet,
		"/dokument/"+documentID, nil, "application/zip")
}

// Health probes the bearer-authenticated liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.call(ctx, "health", http.MethodGet, "/isalive", nil, "")
	return err
}

// call runs one logical upstream call through the breaker gate. Retries
// happen inside the gate so the breaker counts one failure per call, not
// one per attempt.
func (c *Client) call(ctx context.Context, endpoint, method, path string, body []byte, accept string) ([]byte, error) {
	var out []byte
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.exchangeWithRetry(ctx, endpoint, method, path, body, accept)
		return err
	})
	if errors.Is(err, circuit.ErrCircuitOpen) {
		return nil, apperr.New(apperr.KindCircuitOpen,
			"upstream temporarily protected from traffic", err)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// exchangeWithRetry performs the rate-limited, authenticated exchange with
// bounded exponential backoff. A 401 invalidates the token snapshot and
// retries once without consuming a backoff attempt.
func (c *Client) exchangeWithRetry(ctx context.Context, endpoint, method, path string, body []byte, accept string) ([]byte, error) {
	var lastErr error
	retriedAuth := false

	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			// Local backpressure, not an upstream failure; the tag keeps
			// the breaker classifier from counting it.
			return nil, apperr.New(apperr.KindUpstreamRateLimited,
				"gave up waiting for a rate limit slot", err)
		}

		token, err := c.tokens.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		out, err := c.exchange(ctx, method, path, body, accept, token)
		if c.observer != nil {
			c.observer.UpstreamCall(endpoint, time.Since(start), err)
		}
		if err == nil {
			return out, nil
		}
		lastErr = err

		if apperr.Is(err, apperr.KindUpstreamUnauthorized) && !retriedAuth {
			retriedAuth = true
			c.tokens.Invalidate()
			attempt-- // auth retry does not consume a backoff attempt
			continue
		}
		if !apperr.Retryable(err) || attempt == c.config.MaxRetries {
			return nil, err
		}

		backoff := c.config.RetryBase * (1 << (attempt - 1))
		log.Warn().Err(err).Str("endpoint", endpoint).Int("attempt", attempt).
			Dur("backoff", backoff).Msg("upstream call failed, backing off")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// exchange performs a single authenticated HTTP request.
func (c *Client) exchange(ctx context.Context, method, path string, body []byte, accept, token string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method,
		strings.TrimRight(c.config.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.New(apperr.KindUpstreamTimeout, "upstream deadline exceeded", err)
		}
		return nil, apperr.New(apperr.KindUpstreamTimeout, "upstream unreachable", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, apperr.New(apperr.KindUpstreamServerError, "read upstream body", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return payload, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, apperr.New(apperr.KindUpstreamUnauthorized, "upstream rejected bearer token", nil)
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperr.New(apperr.KindNotFound, "upstream resource not found", nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperr.New(apperr.KindUpstreamRateLimited, "upstream rate limit hit", nil)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, apperr.Newf(apperr.KindUpstreamBadRequest, nil,
			"upstream rejected request (HTTP %d)", resp.StatusCode)
	default:
		return nil, apperr.Newf(apperr.KindUpstreamServerError, nil,
			"upstream server error (HTTP %d)", resp.StatusCode)
	}
}
