package broker

import (
	"context"
	"strings"
	"testing"

	"github.com/eddiefleurent/spread_mirror/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaperSession_FillsAndTracksPositions(t *testing.T) {
	p := NewPaperSession(PaperConfig{LotSizes: map[string]int{"NIFTY": 50}})
	ctx := context.Background()

	buy := models.NewLeg(models.SideBuy, "NIFTY25JAN2421700CE", "43001", 100)
	sell := models.NewLeg(models.SideSell, "NIFTY25JAN2421500CE", "42999", 100)

	for _, leg := range []models.OrderLeg{buy, sell} {
		ref, err := p.SubmitOrder(ctx, leg)
		require.NoError(t, err)
		d, err := p.GetOrderStatus(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, "complete", d.CurrentStatus())
	}

	rows, err := p.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byStrike := map[int]PositionItem{}
	for _, r := range rows {
		byStrike[r.Strike()] = r
	}
	assert.Equal(t, -100, byStrike[21500].Quantity())
	assert.Equal(t, 100, byStrike[21700].Quantity())
	assert.Equal(t, "NIFTY", byStrike[21500].SymbolName)
	assert.Equal(t, "CE", byStrike[21500].OptionType)
	assert.Equal(t, 50, byStrike[21500].Lots())
}

func TestPaperSession_RejectList(t *testing.T) {
	p := NewPaperSession(PaperConfig{RejectSymbols: []string{"NIFTY25JAN2421500CE"}})
	ctx := context.Background()

	ref, err := p.SubmitOrder(ctx, models.NewLeg(models.SideSell, "NIFTY25JAN2421500CE", "42999", 50))
	require.NoError(t, err)
	d, err := p.GetOrderStatus(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "rejected", d.CurrentStatus())

	rows, err := p.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPaperSession_MarginAndCash(t *testing.T) {
	p := NewPaperSession(PaperConfig{InitialCash: 500000, MarginPerUnit: 600})
	ctx := context.Background()

	m, err := p.GetMargin(ctx, []models.OrderLeg{
		models.NewLeg(models.SideBuy, "NIFTY25JAN2421700CE", "1", 50),
		models.NewLeg(models.SideSell, "NIFTY25JAN2421500CE", "2", 50),
	})
	require.NoError(t, err)
	assert.Equal(t, 30000.0, m)

	cash, err := p.GetAvailableCash(ctx)
	require.NoError(t, err)
	assert.Equal(t, 500000.0, cash)
}

func TestPaperSession_UnknownOrder(t *testing.T) {
	p := NewPaperSession(PaperConfig{})
	_, err := p.GetOrderStatus(context.Background(), "missing")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestPaperSession_HonoursCancelledContext(t *testing.T) {
	p := NewPaperSession(PaperConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.SubmitOrder(ctx, testLeg())
	assert.ErrorIs(t, err, context.Canceled)
}

const scripJSON = `[
  {"token":"43001","symbol":"NIFTY25JAN2421700CE","name":"NIFTY","expiry":"25JAN2024","strike":"2170000.000000","lotsize":"50","instrumenttype":"OPTIDX","exch_seg":"NFO"},
  {"token":"42999","symbol":"NIFTY25JAN2421500CE","name":"NIFTY","expiry":"25JAN2024","strike":"2150000.000000","lotsize":"50","instrumenttype":"OPTIDX","exch_seg":"NFO"},
  {"token":"3045","symbol":"SBIN-EQ","name":"SBIN","expiry":"","strike":"-1.000000","lotsize":"1","instrumenttype":"","exch_seg":"NSE"}
]`

func TestScripMaster(t *testing.T) {
	sm, err := LoadScripMaster(strings.NewReader(scripJSON))
	require.NoError(t, err)
	assert.Equal(t, 2, sm.Len(), "cash segment rows are skipped")

	tok, err := sm.Token("nifty25jan2421500ce")
	require.NoError(t, err)
	assert.Equal(t, "42999", tok)

	_, err = sm.Token("SBIN-EQ")
	assert.ErrorIs(t, err, ErrUnknownSymbol)

	_, err = LoadScripMaster(strings.NewReader(`{"not":"an array"}`))
	assert.Error(t, err)
}
