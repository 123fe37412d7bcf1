// Package ws is the duplex WebSocket surface: clients send request
// frames and receive correlated response frames over one connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/bolagsdata/registryd/internal/apperr"
	"github.com/bolagsdata/registryd/internal/cache"
	httpapi "github.com/bolagsdata/registryd/internal/interfaces/http"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 4 << 10
	requestTimeout = 60 * time.Second
)

// Request is one client frame. ID is echoed back so the client can
// correlate out-of-order responses.
type Request struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params"`
}

// Response is one server frame.
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

// Handler upgrades HTTP requests and serves the frame protocol.
type Handler struct {
	query    httpapi.Query
	upgrader websocket.Upgrader
}

// NewHandler creates the WebSocket handler over the query service.
func NewHandler(query httpapi.Query) *Handler {
	return &Handler{
		query: query,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP upgrades the connection and runs the session until the peer
// hangs up.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	session := &session{query: h.query, conn: conn}
	session.run(r.Context())
}

// session is one connected client. Writes are serialized; operations
// run concurrently so a slow upstream fetch does not block the next
// frame.
type session struct {
	query   httpapi.Query
	conn    *websocket.Conn
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func (s *session) run(ctx context.Context) {
	defer s.conn.Close()

	s.conn.SetReadLimit(maxFrameBytes)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Warn().Err(err).Msg("set initial read deadline")
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	go s.pingLoop(stopPing)
	defer close(stopPing)

	for {
		var req Request
		if err := s.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("websocket read failed")
			}
			break
		}
		s.wg.Add(1)
		go func(req Request) {
			defer s.wg.Done()
			opCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()
			s.write(s.dispatch(opCtx, req))
		}(req)
	}
	s.wg.Wait()
}

func (s *session) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err == nil {
				err = s.conn.WriteMessage(websocket.PingMessage, nil)
			}
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *session) write(resp Response) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Warn().Err(err).Str("frame_id", resp.ID).Msg("set write deadline")
		return
	}
	if err := s.conn.WriteJSON(resp); err != nil {
		log.Warn().Err(err).Str("frame_id", resp.ID).Msg("websocket write failed")
	}
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

// dispatch routes one frame to the query service.
func (s *session) dispatch(ctx context.Context, req Request) Response {
	switch req.Op {
	case "search":
		var p searchParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return fail(req.ID, apperr.New(apperr.KindValidation, "malformed search params", err))
		}
		records, err := s.query.Search(ctx, p.Query, p.Limit, p.ActiveOnly)
		if err != nil {
			return fail(req.ID, err)
		}
		return ok(req.ID, map[string]any{"count": len(records), "results": records})

	case "details":
		var p keyParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return fail(req.ID, apperr.New(apperr.KindValidation, "malformed details params", err))
		}
		payload, fr, err := s.query.Details(ctx, p.OrgNr)
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
		docs, fr, err := s.query.Documents(ctx, p.OrgNr)
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
		entry, hit, err := s.query.Report(ctx, p.OrgNr, p.Year)
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
		stats, err := s.query.Stats(ctx)
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
