package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bolagsdata/registryd/internal/apperr"
)

// table maps a cache class to its table name. Classes are a closed set so
// the name never comes from caller input.
func table(class Class) (string, error) {
	switch class {
	case ClassDetails:
		return "cache_details", nil
	case ClassDocuments:
		return "cache_documents", nil
	default:
		return "", fmt.Errorf("class %q has no point-read table", class)
	}
}

// PostgresStore implements Store on Postgres via sqlx.
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresStore wraps an open sqlx handle.
func NewPostgresStore(db *sqlx.DB, timeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, timeout: timeout}
}

// Read returns the entry with its timestamps so the caller can classify
// fresh, stale, or absent. Absence is (nil, nil).
func (s *PostgresStore) Read(ctx context.Context, class Class, key string) (*Entry, error) {
	tbl, err := table(class)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var entry Entry
	query := fmt.Sprintf(`
		SELECT orgnr, payload, fetched_at, expires_at, fetch_count
		FROM %s WHERE orgnr = $1`, tbl)
	if err := s.db.GetContext(ctx, &entry, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Newf(apperr.KindCacheUnavailable, err, "read %s cache", class)
	}
	return &entry, nil
}

// Write upserts the payload with fetch = now, expiry = now + ttl, and an
// incremented fetch counter. Last writer wins on a write-write race.
func (s *PostgresStore) Write(ctx context.Context, class Class, key string, payload json.RawMessage, ttl time.Duration) error {
	tbl, err := table(class)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := time.Now().UTC()
	query := fmt.Sprintf(`
		INSERT INTO %s (orgnr, payload, fetched_at, expires_at, fetch_count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (orgnr) DO UPDATE SET
			payload = EXCLUDED.payload,
			fetched_at = EXCLUDED.fetched_at,
			expires_at = EXCLUDED.expires_at,
			fetch_count = %s.fetch_count + 1`, tbl, tbl)
	if _, err := s.db.ExecContext(ctx, query, key, []byte(payload), now, now.Add(ttl)); err != nil {
		return apperr.Newf(apperr.KindCacheUnavailable, err, "write %s cache", class)
	}
	return nil
}

// ReadReport returns a permanent report entry, (nil, nil) when absent.
func (s *PostgresStore) ReadReport(ctx context.Context, key string, year int, reportType string) (*ReportEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var entry ReportEntry
	query := `
		SELECT orgnr, report_year, report_type, artifact_path, payload, fetched_at
		FROM cache_reports
		WHERE orgnr = $1 AND report_year = $2 AND report_type = $3`
	if err := s.db.GetContext(ctx, &entry, query, key, year, reportType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.New(apperr.KindCacheUnavailable, "read report cache", err)
	}
	return &entry, nil
}

// WriteReport stores a report entry. Reports are permanent; a re-import
// overwrites in place.
func (s *PostgresStore) WriteReport(ctx context.Context, entry ReportEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO cache_reports (orgnr, report_year, report_type, artifact_path, payload, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (orgnr, report_year, report_type) DO UPDATE SET
			artifact_path = EXCLUDED.artifact_path,
			payload = EXCLUDED.payload,
			fetched_at = EXCLUDED.fetched_at`
	_, err := s.db.ExecContext(ctx, query, entry.Key, entry.Year, entry.Type,
		entry.ArtifactPath, []byte(entry.Payload), entry.FetchedAt.UTC())
	if err != nil {
		return apperr.New(apperr.KindCacheUnavailable, "write report cache", err)
	}
	return nil
}

// AppendRequestLog inserts one observability row.
func (s *PostgresStore) AppendRequestLog(ctx context.Context, entry RequestLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO request_log (endpoint, orgnr, status, latency_ms, cache_hit, requested_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)`
	_, err := s.db.ExecContext(ctx, query, entry.Endpoint, entry.Key,
		entry.Status, entry.LatencyMS, entry.CacheHit, entry.RequestedAt.UTC())
	if err != nil {
		return apperr.New(apperr.KindCacheUnavailable, "append request log", err)
	}
	return nil
}

// HitRate returns request and cache-hit counts since the given instant.
func (s *PostgresStore) HitRate(ctx context.Context, since time.Time) (int64, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row struct {
		Total int64 `db:"total"`
		Hits  int64 `db:"hits"`
	}
	query := `
		SELECT COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE cache_hit) AS hits
		FROM request_log WHERE requested_at >= $1`
	if err := s.db.GetContext(ctx, &row, query, since.UTC()); err != nil {
		return 0, 0, apperr.New(apperr.KindCacheUnavailable, "request log hit rate", err)
	}
	return row.Total, row.Hits, nil
}

// Sizes returns row counts per cache class.
func (s *PostgresStore) Sizes(ctx context.Context) (map[Class]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sizes := make(map[Class]int64, 3)
	for class, tbl := range map[Class]string{
		ClassDetails:   "cache_details",
		ClassDocuments: "cache_documents",
		ClassReports:   "cache_reports",
	} {
		var n int64
		if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+tbl); err != nil {
			return nil, apperr.Newf(apperr.KindCacheUnavailable, err, "count %s", tbl)
		}
		sizes[class] = n
	}
	return sizes, nil
}

// SweepExpired deletes expired details and document-list rows using the
// expiry index. Reports are permanent and never swept.
func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var removed int64
	for _, tbl := range []string{"cache_details", "cache_documents"} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE expires_at <= $1", tbl), now.UTC())
		if err != nil {
			return removed, apperr.Newf(apperr.KindCacheUnavailable, err, "sweep %s", tbl)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}
