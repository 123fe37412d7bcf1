// Package service is the query layer: cache-first reads over the slow
// registry upstream, with request coalescing, stale-while-revalidate,
// and exactly one request-log row per public operation.
package service

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/bolagsdata/registryd/internal/apperr"
	"github.com/bolagsdata/registryd/internal/bulk"
	"github.com/bolagsdata/registryd/internal/cache"
	"github.com/bolagsdata/registryd/internal/telemetry"
	"github.com/bolagsdata/registryd/internal/upstream"
)

const reportType = "arsredovisning"

// Upstream is the slice of the registry client the service consumes.
type Upstream interface {
	Organisation(ctx context.Context, orgnr string) (json.RawMessage, error)
	DocumentList(ctx context.Context, orgnr string) ([]upstream.Document, error)
	DownloadDocument(ctx context.Context, documentID string) ([]byte, error)
}

// Searcher is the slice of the bulk index the service consumes.
type Searcher interface {
	Lookup(ctx context.Context, orgnr string) (*bulk.Record, error)
	Search(ctx context.Context, q bulk.SearchQuery) ([]bulk.Record, error)
	Count(ctx context.Context) (int64, error)
}

// Blobs is the slice of the artifact store the service consumes.
type Blobs interface {
	Put(orgnr string, year int, filename string, data []byte) (string, error)
	Exists(rel string) bool
}

// Config holds the service-level tunables.
type Config struct {
	TTLDetails   time.Duration
	TTLDocuments time.Duration

	// FetchTimeout bounds a coalesced upstream fetch. The fetch runs on a
	// detached context so the first caller hanging up does not starve the
	// callers that joined its flight.
	FetchTimeout time.Duration
}

// Service answers registry queries cache-first. One upstream fetch per
// key is in flight at a time; concurrent callers for the same key join
// it.
type Service struct {
	config  Config
	store   cache.Store
	up      Upstream
	index   Searcher
	blobs   Blobs
	tel     *telemetry.Telemetry
	flights singleflight.Group
	refresh *refreshPool
	now     func() time.Time
}

// New wires the service. refresh may be nil; stale entries are then
// served without background revalidation.
func New(config Config, store cache.Store, up Upstream, index Searcher,
	blobs Blobs, tel *telemetry.Telemetry, refresh *refreshPool) *Service {
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 35 * time.Second
	}
	return &Service{
		config:  config,
		store:   store,
		up:      up,
		index:   index,
		blobs:   blobs,
		tel:     tel,
		refresh: refresh,
		now:     time.Now,
	}
}

// NewWithRefresh wires the service with its own refresh pool sized from
// the given parameters.
func NewWithRefresh(config Config, store cache.Store, up Upstream, index Searcher,
	blobs Blobs, tel *telemetry.Telemetry, workers, queueSize int, perSecond float64) *Service {
	pool := newRefreshPool(workers, queueSize, perSecond, config.FetchTimeout)
	return New(config, store, up, index, blobs, tel, pool)
}

// Close stops the background refresh workers.
func (s *Service) Close() {
	if s.refresh != nil {
		s.refresh.close()
	}
}

// record emits the single request-log row for one public operation.
func (s *Service) record(endpoint, key string, start time.Time, hit bool, err error) {
	if s.tel == nil {
		return
	}
	s.tel.RecordRequest(cache.RequestLogEntry{
		Endpoint:    endpoint,
		Key:         key,
		Status:      apperr.HTTPStatus(err),
		LatencyMS:   time.Since(start).Milliseconds(),
		CacheHit:    hit,
		RequestedAt: start,
	})
}

// Search queries the local bulk index. A ten-digit query is treated as
// an exact identifier lookup; anything else is a fuzzy name search.
// The upstream registry is never contacted.
func (s *Service) Search(ctx context.Context, text string, limit int, activeOnly bool) ([]bulk.Record, error) {
	start := s.now()
	records, err := s.search(ctx, text, limit, activeOnly)
	s.record("search", "", start, false, err)
	return records, err
}

func (s *Service) search(ctx context.Context, text string, limit int, activeOnly bool) ([]bulk.Record, error) {
	cleaned, err := sanitizeQuery(text)
	if err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = 10
	}
	if err := validateLimit(limit); err != nil {
		return nil, err
	}

	if orgnrPattern.MatchString(cleaned) {
		rec, err := s.index.Lookup(ctx, cleaned)
		if err != nil {
			return nil, err
		}
		if rec == nil || (activeOnly && !rec.Active()) {
			return []bulk.Record{}, nil
		}
		return []bulk.Record{*rec}, nil
	}

	return s.index.Search(ctx, bulk.SearchQuery{
		Text:       cleaned,
		Limit:      limit,
		ActiveOnly: activeOnly,
	})
}

// Details returns the registry details for one organisation, cache-first.
// The freshness return tells the transport whether the cache served the
// payload and whether it was stale; Absent means the upstream was hit.
func (s *Service) Details(ctx context.Context, orgnr string) (json.RawMessage, cache.Freshness, error) {
	start := s.now()
	payload, fr, err := s.details(ctx, orgnr)
	s.record("details", orgnr, start, fr != cache.Absent, err)
	return payload, fr, err
}

func (s *Service) details(ctx context.Context, orgnr string) (json.RawMessage, cache.Freshness, error) {
	if err := validateOrgNr(orgnr); err != nil {
		return nil, cache.Absent, err
	}
	return s.cachedFetch(ctx, cache.ClassDetails, orgnr, s.config.TTLDetails,
		func(ctx context.Context) (json.RawMessage, error) {
			return s.up.Organisation(ctx, orgnr)
		})
}

// Documents returns the financial-document descriptors for one
// organisation, cache-first.
func (s *Service) Documents(ctx context.Context, orgnr string) ([]upstream.Document, cache.Freshness, error) {
	start := s.now()
	docs, fr, err := s.documents(ctx, orgnr)
	s.record("documents", orgnr, start, fr != cache.Absent, err)
	return docs, fr, err
}

func (s *Service) documents(ctx context.Context, orgnr string) ([]upstream.Document, cache.Freshness, error) {
	if err := validateOrgNr(orgnr); err != nil {
		return nil, cache.Absent, err
	}
	payload, fr, err := s.cachedFetch(ctx, cache.ClassDocuments, orgnr, s.config.TTLDocuments,
		func(ctx context.Context) (json.RawMessage, error) {
			docs, err := s.up.DocumentList(ctx, orgnr)
			if err != nil {
				return nil, err
			}
			return json.Marshal(docs)
		})
	if err != nil {
		return nil, fr, err
	}

	var docs []upstream.Document
	if err := json.Unmarshal(payload, &docs); err != nil {
		return nil, fr, apperr.New(apperr.KindInternal, "corrupt document cache entry", err)
	}
	return docs, fr, nil
}

// cachedFetch is the shared cache-first read policy for the TTL classes:
// fresh entries are served directly, stale entries are served while a
// background refresh is scheduled, absent entries block on a coalesced
// upstream fetch. A failing cache degrades to fetch-only.
func (s *Service) cachedFetch(ctx context.Context, class cache.Class, key string,
	ttl time.Duration, fetch func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, cache.Freshness, error) {

	entry, err := s.store.Read(ctx, class, key)
	if err != nil {
		log.Warn().Err(err).Str("class", string(class)).Str("key", key).
			Msg("cache read failed, degrading to upstream fetch")
		entry = nil
	}

	switch entry.Freshness(s.now()) {
	case cache.Fresh:
		return entry.Payload, cache.Fresh, nil
	case cache.Stale:
		s.scheduleRefresh(class, key, ttl, fetch)
		return entry.Payload, cache.Stale, nil
	}

	payload, err := s.coalescedFetch(ctx, class, key, ttl, fetch)
	return payload, cache.Absent, err
}

// coalescedFetch funnels all callers for one key through a single
// upstream fetch. The fetch runs detached so one caller cancelling does
// not fail the rest; each caller still honors its own context.
func (s *Service) coalescedFetch(ctx context.Context, class cache.Class, key string,
	ttl time.Duration, fetch func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {

	flightKey := string(class) + "/" + key
	ch := s.flights.DoChan(flightKey, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.Background(), s.config.FetchTimeout)
		defer cancel()

		payload, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		// Negative results are never cached; an organisation registered
		// tomorrow must be visible tomorrow.
		if werr := s.store.Write(fctx, class, key, payload, ttl); werr != nil {
			log.Error().Err(werr).Str("class", string(class)).Str("key", key).
				Msg("cache write failed, serving uncached result")
		}
		return payload, nil
	})

	select {
	case <-ctx.Done():
		return nil, apperr.New(apperr.KindUpstreamTimeout, "caller gave up waiting for fetch", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	}
}

// scheduleRefresh queues a background revalidation for a stale entry.
func (s *Service) scheduleRefresh(class cache.Class, key string, ttl time.Duration,
	fetch func(ctx context.Context) (json.RawMessage, error)) {
	if s.refresh == nil {
		return
	}
	flightKey := string(class) + "/" + key
	s.refresh.schedule(flightKey, func(ctx context.Context) {
		if _, err := s.coalescedFetch(ctx, class, key, ttl, fetch); err != nil {
			log.Warn().Err(err).Str("key", flightKey).Msg("background refresh failed, entry stays stale")
		}
	})
}

// Report returns the annual report artifact reference for one
// organisation. year selects a reporting period by its end year; zero
// means the most recent. Reports are permanent once stored.
func (s *Service) Report(ctx context.Context, orgnr string, year int) (*cache.ReportEntry, bool, error) {
	start := s.now()
	entry, hit, err := s.report(ctx, orgnr, year)
	s.record("report", orgnr, start, hit, err)
	return entry, hit, err
}

func (s *Service) report(ctx context.Context, orgnr string, year int) (*cache.ReportEntry, bool, error) {
	if err := validateOrgNr(orgnr); err != nil {
		return nil, false, err
	}

	// The document list resolves which report to serve. Its own cache
	// policy applies; the report row itself never expires.
	docs, _, err := s.documents(ctx, orgnr)
	if err != nil {
		return nil, false, err
	}

	doc, resolvedYear, err := pickReport(docs, year)
	if err != nil {
		return nil, false, err
	}

	entry, err := s.store.ReadReport(ctx, orgnr, resolvedYear, reportType)
	if err != nil {
		log.Warn().Err(err).Str("key", orgnr).Int("year", resolvedYear).
			Msg("report cache read failed, degrading to upstream fetch")
		entry = nil
	}
	if entry != nil && s.blobs.Exists(entry.ArtifactPath) {
		return entry, true, nil
	}

	fetched, err := s.downloadReport(ctx, orgnr, resolvedYear, doc)
	return fetched, false, err
}

// downloadReport fetches and stores one report artifact under
// singleflight so concurrent callers share one download.
func (s *Service) downloadReport(ctx context.Context, orgnr string, year int, doc upstream.Document) (*cache.ReportEntry, error) {
	flightKey := "report/" + orgnr + "/" + doc.DocumentID
	ch := s.flights.DoChan(flightKey, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.Background(), s.config.FetchTimeout)
		defer cancel()

		data, err := s.up.DownloadDocument(fctx, doc.DocumentID)
		if err != nil {
			return nil, err
		}

		rel, err := s.blobs.Put(orgnr, year, doc.DocumentID+"."+artifactExt(doc.Format), data)
		if err != nil {
			return nil, apperr.New(apperr.KindInternal, "store report artifact", err)
		}

		payload, _ := json.Marshal(doc)
		entry := cache.ReportEntry{
			Key:          orgnr,
			Year:         year,
			Type:         reportType,
			ArtifactPath: rel,
			Payload:      payload,
			FetchedAt:    s.now(),
		}
		if werr := s.store.WriteReport(fctx, entry); werr != nil {
			log.Error().Err(werr).Str("key", orgnr).Int("year", year).
				Msg("report cache write failed, serving uncached result")
		}
		return &entry, nil
	})

	select {
	case <-ctx.Done():
		return nil, apperr.New(apperr.KindUpstreamTimeout, "caller gave up waiting for report download", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*cache.ReportEntry), nil
	}
}

// pickReport selects the document for the requested period end year,
// newest period first, registration time as the tiebreak.
func pickReport(docs []upstream.Document, year int) (upstream.Document, int, error) {
	candidates := make([]upstream.Document, 0, len(docs))
	for _, d := range docs {
		if year != 0 && d.PeriodEnd.Year() != year {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		if year != 0 {
			return upstream.Document{}, 0, apperr.Newf(apperr.KindNotFound, nil,
				"no annual report with period ending in %d", year)
		}
		return upstream.Document{}, 0, apperr.New(apperr.KindNotFound,
			"organisation has no annual reports", nil)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].PeriodEnd.Equal(candidates[j].PeriodEnd) {
			return candidates[i].PeriodEnd.After(candidates[j].PeriodEnd)
		}
		return candidates[i].RegisteredAt.After(candidates[j].RegisteredAt)
	})
	chosen := candidates[0]
	return chosen, chosen.PeriodEnd.Year(), nil
}

func artifactExt(format string) string {
	switch format {
	case "xhtml":
		return "xhtml"
	case "xml":
		return "xml"
	default:
		return "zip"
	}
}

// Stats is the operational snapshot behind the stats operation.
type Stats struct {
	Telemetry   telemetry.Snapshot    `json:"telemetry"`
	CacheSizes  map[cache.Class]int64 `json:"cache_sizes"`
	HitRate24h  float64               `json:"hit_rate_24h"`
	LoggedCalls int64                 `json:"logged_calls_24h"`
	IndexSize   int64                 `json:"index_size"`
}

// Stats assembles counters, latency quantiles, cache sizes, and the
// 24-hour hit rate. Store failures degrade the affected fields to zero
// instead of failing the whole snapshot.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	start := s.now()
	stats, err := s.stats(ctx)
	s.record("stats", "", start, false, err)
	return stats, err
}

func (s *Service) stats(ctx context.Context) (Stats, error) {
	out := Stats{CacheSizes: map[cache.Class]int64{}}

	if s.tel != nil {
		snap, err := s.tel.SnapshotNow()
		if err != nil {
			return out, apperr.New(apperr.KindInternal, "gather telemetry", err)
		}
		out.Telemetry = snap
	}

	if sizes, err := s.store.Sizes(ctx); err == nil {
		out.CacheSizes = sizes
	} else {
		log.Warn().Err(err).Msg("cache size query failed")
	}

	if total, hits, err := s.store.HitRate(ctx, s.now().Add(-24*time.Hour)); err == nil {
		out.LoggedCalls = total
		if total > 0 {
			out.HitRate24h = float64(hits) / float64(total)
		}
	} else {
		log.Warn().Err(err).Msg("hit rate query failed")
	}

	if n, err := s.index.Count(ctx); err == nil {
		out.IndexSize = n
	} else {
		log.Warn().Err(err).Msg("index count failed")
	}
	return out, nil
}
