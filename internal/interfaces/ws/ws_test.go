package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bolagsdata/registryd/internal/apperr"
	"github.com/bolagsdata/registryd/internal/bulk"
	"github.com/bolagsdata/registryd/internal/cache"
	"github.com/bolagsdata/registryd/internal/service"
	"github.com/bolagsdata/registryd/internal/upstream"
)

type fakeQuery struct {
	detailsDelay time.Duration
}

func (f *fakeQuery) Search(_ context.Context, text string, _ int, _ bool) ([]bulk.Record, error) {
	if strings.Contains(text, "'") {
		return nil, apperr.New(apperr.KindValidation, "query contains disallowed characters", nil)
	}
	return []bulk.Record{{OrgNr: "5560001712", Name: "Testbolaget AB"}}, nil
}

func (f *fakeQuery) Details(ctx context.Context, orgnr string) (json.RawMessage, cache.Freshness, error) {
	if orgnr == "0000000000" {
		return nil, cache.Absent, apperr.New(apperr.KindCacheUnavailable,
			"details cache unavailable", errors.New("pq: connection refused host=10.0.12.9"))
	}
	if f.detailsDelay > 0 {
		select {
		case <-time.After(f.detailsDelay):
		case <-ctx.Done():
			return nil, cache.Absent, ctx.Err()
		}
	}
	return json.RawMessage(`{"namn":"Testbolaget AB"}`), cache.Fresh, nil
}

func (f *fakeQuery) Documents(context.Context, string) ([]upstream.Document, cache.Freshness, error) {
	return []upstream.Document{{DocumentID: "doc-1"}}, cache.Absent, nil
}

func (f *fakeQuery) Report(context.Context, string, int) (*cache.ReportEntry, bool, error) {
	return &cache.ReportEntry{Key: "5560001712", Year: 2024,
		ArtifactPath: "5560001712/annual-reports/2024/doc-1.zip"}, false, nil
}

func (f *fakeQuery) Stats(context.Context) (service.Stats, error) {
	return service.Stats{IndexSize: 7}, nil
}

func dial(t *testing.T, q *fakeQuery) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(NewHandler(q))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSession_SearchRoundTrip(t *testing.T) {
	conn := dial(t, &fakeQuery{})

	require.NoError(t, conn.WriteJSON(Request{
		ID: "r1", Op: "search",
		Params: json.RawMessage(`{"query":"Testbolaget","limit":5}`),
	}))

	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "r1", resp.ID)
	assert.True(t, resp.OK)
	assert.Contains(t, string(resp.Result), "Testbolaget AB")
}

func TestSession_ErrorFrameCarriesKind(t *testing.T) {
	conn := dial(t, &fakeQuery{})

	require.NoError(t, conn.WriteJSON(Request{
		ID: "r2", Op: "search",
		Params: json.RawMessage(`{"query":"bad' OR 1=1"}`),
	}))

	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "r2", resp.ID)
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "ValidationError", resp.Error.Kind)
}

func TestSession_ErrorFrameHidesInternalCause(t *testing.T) {
	conn := dial(t, &fakeQuery{})

	require.NoError(t, conn.WriteJSON(Request{
		ID: "r5", Op: "details",
		Params: json.RawMessage(`{"orgnr":"0000000000"}`),
	}))

	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CacheUnavailable", resp.Error.Kind)
	assert.Equal(t, "details cache unavailable", resp.Error.Message)
	assert.NotContains(t, resp.Error.Message, "10.0.12.9")
	assert.NotEmpty(t, resp.Error.CorrelationID)
}

func TestSession_UnknownOpRejected(t *testing.T) {
	conn := dial(t, &fakeQuery{})

	require.NoError(t, conn.WriteJSON(Request{ID: "r3", Op: "explode"}))

	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	assert.False(t, resp.OK)
	assert.Equal(t, "ValidationError", resp.Error.Kind)
}

func TestSession_SlowOpDoesNotBlockFastOp(t *testing.T) {
	conn := dial(t, &fakeQuery{detailsDelay: 200 * time.Millisecond})

	require.NoError(t, conn.WriteJSON(Request{
		ID: "slow", Op: "details",
		Params: json.RawMessage(`{"orgnr":"5560001712"}`),
	}))
	require.NoError(t, conn.WriteJSON(Request{ID: "fast", Op: "stats"}))

	var first Response
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "fast", first.ID, "stats overtakes the slow details fetch")

	var second Response
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "slow", second.ID)
	assert.True(t, second.OK)
}

func TestSession_ReportFrame(t *testing.T) {
	conn := dial(t, &fakeQuery{})

	require.NoError(t, conn.WriteJSON(Request{
		ID: "r4", Op: "report",
		Params: json.RawMessage(`{"orgnr":"5560001712","year":2024}`),
	}))

	var resp Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.True(t, resp.OK)
	assert.Contains(t, string(resp.Result), "annual-reports/2024")
}
