// Package stdio serves the frame protocol over newline-delimited JSON
// on a reader/writer pair, normally the process stdin and stdout. It is
// the transport for shell pipelines and supervised sidecars.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/bolagsdata/registryd/internal/apperr"
	"github.com/bolagsdata/registryd/internal/cache"
	httpapi "github.com/bolagsdata/registryd/internal/interfaces/http"
)

const maxLineBytes = 1 << 20

// Request is one input line.
type Request struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params"`
}

// Response is one output line.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *FrameError     `json:"error,omitempty"`
}

// FrameError is the wire form of a failed operation.
type FrameError struct {
	Kind          string `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type searchParams struct {
	Query      string `json:"query"`
	Limit      int    `json:"limit"`
	ActiveOnly bool   `json:"active_only"`
}

type keyParams struct {
	OrgNr string `json:"orgnr"`
	Year  int    `json:"year"`
}

// Runner reads request lines and writes response lines until EOF.
type Runner struct {
	query   httpapi.Query
	in      io.Reader
	out     io.Writer
	writeMu sync.Mutex
}

// NewRunner creates a runner over the given streams.
func NewRunner(query httpapi.Query, in io.Reader, out io.Writer) *Runner {
	return &Runner{query: query, in: in, out: out}
}

// Run processes lines until the input closes or the context is
// cancelled. Operations run sequentially; stdio callers are scripts
// that expect ordered output.
func (r *Runner) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			r.write(fail("", apperr.New(apperr.KindValidation, "malformed request line", err)))
			continue
		}
		r.write(r.dispatch(ctx, req))
	}
	return scanner.Err()
}

func (r *Runner) write(resp Response) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	raw, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Str("frame_id", resp.ID).Msg("encode response line")
		return
	}
	raw = append(raw, '\n')
	if _, err := r.out.Write(raw); err != nil {
		log.Error().Err(err).Msg("write response line")
	}
}

func (r *Runner) dispatch(ctx context.Context, req Request) Response {
	switch req.Op {
	case "search":
		var p searchParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return fail(req.ID, apperr.New(apperr.KindValidation, "malformed search params", err))
		}
		records, err := r.query.Search(ctx, p.Query, p.Limit, p.ActiveOnly)
		if err != nil {
			return fail(req.ID, err)
		}
		return ok(req.ID, map[string]any{"count": len(records), "results": records})

	case "details":
		var p keyParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return fail(req.ID, apperr.New(apperr.KindValidation, "malformed details params", err))
		}
		payload, fr, err := r.query.Details(ctx, p.OrgNr)
		if err != nil {
			return fail(req.ID, err)
		}
		return ok(req.ID, map[string]any{
			"cache_hit":    fr != cache.Absent,
			"stale":        fr == cache.Stale,
			"organisation": payload,
		})

	case "documents":
		var p keyParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return fail(req.ID, apperr.New(apperr.KindValidation, "malformed documents params", err))
		}
		docs, fr, err := r.query.Documents(ctx, p.OrgNr)
		if err != nil {
			return fail(req.ID, err)
		}
		return ok(req.ID, map[string]any{
			"cache_hit": fr != cache.Absent,
			"stale":     fr == cache.Stale,
			"documents": docs,
		})

	case "report":
		var p keyParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return fail(req.ID, apperr.New(apperr.KindValidation, "malformed report params", err))
		}
		entry, hit, err := r.query.Report(ctx, p.OrgNr, p.Year)
		if err != nil {
			return fail(req.ID, err)
		}
		return ok(req.ID, map[string]any{
			"cache_hit":     hit,
			"year":          entry.Year,
			"artifact_path": entry.ArtifactPath,
			"document":      entry.Payload,
		})

	case "stats":
		stats, err := r.query.Stats(ctx)
		if err != nil {
			return fail(req.ID, err)
		}
		return ok(req.ID, stats)

	default:
		return fail(req.ID, apperr.Newf(apperr.KindValidation, nil, "unknown op %q", req.Op))
	}
}

func ok(id string, result any) Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return fail(id, apperr.New(apperr.KindInternal, "encode result", err))
	}
	return Response{ID: id, OK: true, Result: raw}
}

// fail serializes only the tagged message. The wrapped cause stays in
// the logs; clients get the correlation id to quote instead.
func fail(id string, err error) Response {
	message := "internal error"
	var e *apperr.Error
	if errors.As(err, &e) {
		message = e.Message
	}
	return Response{ID: id, OK: false, Error: &FrameError{
		Kind:          string(apperr.KindOf(err)),
		Message:       message,
		CorrelationID: apperr.CorrelationID(err),
	}}
}
