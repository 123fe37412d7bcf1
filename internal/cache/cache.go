// Package cache holds the durable coordinated cache: a Postgres store for
// the three cache classes plus the request log, and an optional Redis hot
// layer in front of the point reads.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Class names one of the logical caches. Each class has its own TTL
// policy; reports never expire.
type Class string

const (
	ClassDetails   Class = "details"
	ClassDocuments Class = "documents"
	ClassReports   Class = "reports"
)

// Freshness classifies a cache read.
type Freshness int

const (
	Absent Freshness = iota
	Fresh
	Stale
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "absent"
	}
}

// Entry is one details or document-list cache row. The payload is an
// opaque upstream JSON blob; typed views are decoded at the edges.
type Entry struct {
	Key        string          `db:"orgnr" json:"key"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	FetchedAt  time.Time       `db:"fetched_at" json:"fetched_at"`
	ExpiresAt  time.Time       `db:"expires_at" json:"expires_at"`
	FetchCount int             `db:"fetch_count" json:"fetch_count"`
}

// Freshness classifies the entry at the given instant.
func (e *Entry) Freshness(now time.Time) Freshness {
	if e == nil {
		return Absent
	}
	if now.Before(e.ExpiresAt) {
		return Fresh
	}
	return Stale
}

// ReportEntry is one permanent report row, keyed by organisation, report
// year, and report type.
type ReportEntry struct {
	Key          string          `db:"orgnr" json:"key"`
	Year         int             `db:"report_year" json:"year"`
	Type         string          `db:"report_type" json:"type"`
	ArtifactPath string          `db:"artifact_path" json:"artifact_path"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	FetchedAt    time.Time       `db:"fetched_at" json:"fetched_at"`
}

// RequestLogEntry is one append-only observability row.
type RequestLogEntry struct {
	Endpoint    string    `db:"endpoint"`
	Key         string    `db:"orgnr"` // empty for search/stats
	Status      int       `db:"status"`
	LatencyMS   int64     `db:"latency_ms"`
	CacheHit    bool      `db:"cache_hit"`
	RequestedAt time.Time `db:"requested_at"`
}

// Store is the durable cache contract the query service consumes.
type Store interface {
	Read(ctx context.Context, class Class, key string) (*Entry, error)
	Write(ctx context.Context, class Class, key string, payload json.RawMessage, ttl time.Duration) error

	ReadReport(ctx context.Context, key string, year int, reportType string) (*ReportEntry, error)
	WriteReport(ctx context.Context, entry ReportEntry) error

	AppendRequestLog(ctx context.Context, entry RequestLogEntry) error
	HitRate(ctx context.Context, since time.Time) (total, hits int64, err error)
	Sizes(ctx context.Context) (map[Class]int64, error)
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}
