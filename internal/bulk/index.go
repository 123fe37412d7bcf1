// Package bulk reads the pre-loaded registry snapshot: exact-key lookup
// and fuzzy text search without any upstream contact. The table is
// populated by the import pipeline and never written here.
package bulk

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bolagsdata/registryd/internal/apperr"
)

// Record is one immutable registry snapshot row.
type Record struct {
	OrgNr          string     `db:"orgnr" json:"orgnr"`
	Name           string     `db:"display_name" json:"name"`
	Form           string     `db:"form" json:"form"`
	RegisteredAt   time.Time  `db:"registration_date" json:"registered_at"`
	DeregisteredAt *time.Time `db:"deregistration_date" json:"deregistered_at,omitempty"`
	Description    *string    `db:"description" json:"description,omitempty"`
	Address        *string    `db:"address" json:"address,omitempty"`
}

// Active reports whether the organisation is still registered.
func (r Record) Active() bool { return r.DeregisteredAt == nil }

// Index is the read-only search index over registry records.
type Index struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewIndex wraps an open sqlx handle.
func NewIndex(db *sqlx.DB, timeout time.Duration) *Index {
	return &Index{db: db, timeout: timeout}
}

// Lookup returns the record for an exact identifier, (nil, nil) when the
// identifier is unknown.
func (i *Index) Lookup(ctx context.Context, orgnr string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	var rec Record
	query := `
		SELECT orgnr, display_name, form, registration_date,
		       deregistration_date, description, address
		FROM registry_records WHERE orgnr = $1`
	if err := i.db.GetContext(ctx, &rec, query, orgnr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.New(apperr.KindCacheUnavailable, "bulk index lookup", err)
	}
	return &rec, nil
}

// SearchQuery carries a sanitized search request. Text must already have
// passed validation; the query itself is fully parameterized.
type SearchQuery struct {
	Text       string
	Limit      int
	ActiveOnly bool
}

// Search performs a case-insensitive substring match over display names,
// ordered by trigram similarity, then name, then registration date
// descending, then identifier. The partial index over active rows serves
// the ActiveOnly filter.
func (i *Index) Search(ctx context.Context, q SearchQuery) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	query := `
		SELECT orgnr, display_name, form, registration_date,
		       deregistration_date, description, address
		FROM registry_records
		WHERE display_name ILIKE '%' || $1 || '%'`
	if q.ActiveOnly {
		query += ` AND deregistration_date IS NULL`
	}
	query += `
		ORDER BY similarity(display_name, $1) DESC,
		         display_name ASC,
		         registration_date DESC,
		         orgnr ASC
		LIMIT $2`

	records := []Record{}
	if err := i.db.SelectContext(ctx, &records, query, q.Text, q.Limit); err != nil {
		return nil, apperr.New(apperr.KindCacheUnavailable, "bulk index search", err)
	}
	return records, nil
}

// Count returns the total snapshot size, used by the stats operation.
func (i *Index) Count(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	var n int64
	if err := i.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM registry_records"); err != nil {
		return 0, apperr.New(apperr.KindCacheUnavailable, "bulk index count", err)
	}
	return n, nil
}
