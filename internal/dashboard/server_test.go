package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eddiefleurent/spread_mirror/internal/models"
	"github.com/eddiefleurent/spread_mirror/internal/reconcile"
	"github.com/eddiefleurent/spread_mirror/internal/storage"
	"github.com/eddiefleurent/spread_mirror/internal/trading"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	details    trading.DetailsReport
	detailsErr error
	pnl        trading.PnLReport
	pnlErr     error
}

func (f *fakeStatus) Details(context.Context) (trading.DetailsReport, error) {
	return f.details, f.detailsErr
}

func (f *fakeStatus) PnL(context.Context) (trading.PnLReport, error) {
	return f.pnl, f.pnlErr
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func get(t *testing.T, h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	s := NewServer(Config{}, &fakeStatus{}, nil, quietLogger())

	rec := get(t, s.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	rec = get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "spread_broker_degraded_calls")
}

func TestAuthToken(t *testing.T) {
	s := NewServer(Config{AuthToken: "s3cret"}, &fakeStatus{}, nil, quietLogger())
	h := s.Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code, "health is public")
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/pnl").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/pnl", "X-Auth-Token", "wrong").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/pnl", "X-Auth-Token", "s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/api/pnl?token=s3cret").Code)
}

func TestPositions(t *testing.T) {
	status := &fakeStatus{details: trading.DetailsReport{
		Reference: []models.PositionRecord{{SymbolName: "NIFTY", StrikeLabel: "21300 PE", Quantity: 75}},
		Accounts: []trading.AccountPositions{
			{Account: models.Account{ID: "A1234567"}, Incomplete: false},
			{Account: models.Account{ID: "B7654321"}, Incomplete: true},
		},
		Incomplete: 1,
	}}
	s := NewServer(Config{}, status, nil, quietLogger())

	rec := get(t, s.Handler(), "/api/positions")
	require.Equal(t, http.StatusOK, rec.Code)
	var got trading.DetailsReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 1, got.Incomplete)
	assert.Equal(t, "21300 PE", got.Reference[0].StrikeLabel)

	status.details = trading.DetailsReport{Unverified: true, Notice: trading.ErrNoPrimaryPosition.Error()}
	rec = get(t, s.Handler(), "/api/positions")
	assert.Equal(t, http.StatusOK, rec.Code, "nothing open is not an error")
	assert.Contains(t, rec.Body.String(), `"unverified":true`)

	status.detailsErr = fmt.Errorf("primary: %w", reconcile.ErrAmbiguousPosition)
	rec = get(t, s.Handler(), "/api/positions")
	assert.Equal(t, http.StatusConflict, rec.Code)

	status.detailsErr = errors.New("broker down")
	rec = get(t, s.Handler(), "/api/positions")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestPnL(t *testing.T) {
	status := &fakeStatus{pnl: trading.PnLReport{Total: reconcile.PnL{Realised: 10, Unrealised: 5, Total: 15}}}
	s := NewServer(Config{}, status, nil, quietLogger())

	rec := get(t, s.Handler(), "/api/pnl")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":15`)
}

func TestRuns(t *testing.T) {
	journal, err := storage.OpenJournal(storage.JournalConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, journal.StartRun(ctx, storage.RunRecord{ID: "run-1", Kind: "ENTRY", Command: "ENTRY NIFTY 21500PE 25JAN24", StartedAt: now}))
	require.NoError(t, journal.RecordChunk(ctx, storage.ChunkRecord{
		RunID: "run-1", Account: "*****567", ChunkIndex: 0, Quantity: 1800,
		BuySymbol: "NIFTY25JAN2421300PE", SellSymbol: "NIFTY25JAN2421500PE",
		Outcome: models.OutcomeCommitted, RecordedAt: now,
	}))

	s := NewServer(Config{}, &fakeStatus{}, journal, quietLogger())
	h := s.Handler()

	rec := get(t, h, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "run-1")

	rec = get(t, h, "/api/runs/run-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "NIFTY25JAN2421500PE")

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/runs/missing").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/runs?limit=0").Code)

	noJournal := NewServer(Config{}, &fakeStatus{}, nil, quietLogger())
	assert.Equal(t, http.StatusNotFound, get(t, noJournal.Handler(), "/api/runs").Code)
}

func TestCORSPreflight(t *testing.T) {
	s := NewServer(Config{AllowedOrigins: []string{"http://ops.local"}}, &fakeStatus{}, nil, quietLogger())

	req := httptest.NewRequest(http.MethodOptions, "/api/pnl", nil)
	req.Header.Set("Origin", "http://ops.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "http://ops.local", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewServer_NilStatusPanics(t *testing.T) {
	assert.Panics(t, func() { NewServer(Config{}, nil, nil, nil) })
}
