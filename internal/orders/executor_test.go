package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/spread_mirror/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_Committed(t *testing.T) {
	s := newFakeSession()
	e := NewSpreadExecutor(newTestPlacer(s), nil)

	res, err := e.Execute(context.Background(), testChunk())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCommitted, res.Outcome)
	assert.Nil(t, res.Unwind)
	assert.False(t, res.UnwindFailed())

	legs := s.submittedLegs()
	require.Len(t, legs, 2)
	assert.Equal(t, models.SideBuy, legs[0].Side, "buy strictly precedes sell")
	assert.Equal(t, models.SideSell, legs[1].Side)
	assert.Equal(t, []models.ChunkState{
		models.StateStart, models.StateBuyPending, models.StateBuyDone,
		models.StateSellPending, models.StateCommitted,
	}, res.States)
}

func TestExecute_BuyRejectedAborts(t *testing.T) {
	s := newFakeSession()
	s.finalStatus[key(buyLeg())] = "rejected"
	e := NewSpreadExecutor(newTestPlacer(s), nil)

	res, err := e.Execute(context.Background(), testChunk())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAbortedAtBuy, res.Outcome)
	assert.Nil(t, res.Sell)

	legs := s.submittedLegs()
	require.Len(t, legs, 1, "no sell after a rejected buy")
	assert.Equal(t, models.SideBuy, legs[0].Side)
}

func TestExecute_SellRejectedCompensates(t *testing.T) {
	s := newFakeSession()
	s.finalStatus[key(sellLeg())] = "rejected"
	e := NewSpreadExecutor(newTestPlacer(s), nil)

	res, err := e.Execute(context.Background(), testChunk())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompensatedAborted, res.Outcome)
	require.NotNil(t, res.Unwind)
	assert.Equal(t, models.LegComplete, res.Unwind.Status)
	assert.False(t, res.UnwindFailed())

	legs := s.submittedLegs()
	require.Len(t, legs, 3)
	unwind := legs[2]
	assert.Equal(t, models.SideSell, unwind.Side)
	assert.Equal(t, buyLeg().Symbol, unwind.Symbol)
	assert.Equal(t, buyLeg().Token, unwind.Token)
	assert.Equal(t, buyLeg().Quantity, unwind.Quantity)

	var compensating int
	for _, l := range legs {
		if l.Side == models.SideSell && l.Symbol == buyLeg().Symbol {
			compensating++
		}
	}
	assert.Equal(t, 1, compensating, "exactly one compensating order")
}

func TestExecute_UnwindRejectedStillCompensatedAborted(t *testing.T) {
	s := newFakeSession()
	s.finalStatus[key(sellLeg())] = "rejected"
	s.finalStatus[key(buyLeg().Opposite())] = "rejected"
	e := NewSpreadExecutor(newTestPlacer(s), nil)

	res, err := e.Execute(context.Background(), testChunk())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompensatedAborted, res.Outcome)
	assert.True(t, res.UnwindFailed())
	assert.Len(t, s.submittedLegs(), 3, "unwind is attempted once")
}

func TestExecute_InvalidChunkPlacesNothing(t *testing.T) {
	s := newFakeSession()
	e := NewSpreadExecutor(newTestPlacer(s), nil)

	chunk := testChunk()
	chunk.Sell = chunk.Sell.WithQuantity(450)

	_, err := e.Execute(context.Background(), chunk)
	require.Error(t, err)
	assert.Empty(t, s.submittedLegs())
}

func TestExecute_Interrupted(t *testing.T) {
	s := newFakeSession()
	s.block = true
	e := NewSpreadExecutor(newTestPlacer(s), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := e.Execute(ctx, testChunk())
	require.Error(t, err)
	assert.Equal(t, models.OutcomeInterrupted, res.Outcome)
	assert.Len(t, s.submittedLegs(), 1)
}

// scriptedPlacer returns fixed statuses without a session.
type scriptedPlacer struct {
	mu     sync.Mutex
	status map[models.Side][]models.LegStatus
	placed []models.OrderLeg
}

func (p *scriptedPlacer) Place(ctx context.Context, leg models.OrderLeg) (LegResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placed = append(p.placed, leg)
	queue := p.status[leg.Side]
	st := models.LegComplete
	if len(queue) > 0 {
		st, p.status[leg.Side] = queue[0], queue[1:]
	}
	return LegResult{Leg: leg, Status: st, OrderRef: "x"}, nil
}

func TestExecute_WithScriptedPlacer(t *testing.T) {
	p := &scriptedPlacer{status: map[models.Side][]models.LegStatus{
		models.SideSell: {models.LegRejected, models.LegComplete},
	}}
	res, err := NewSpreadExecutor(p, nil).Execute(context.Background(), testChunk())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompensatedAborted, res.Outcome)
	require.Len(t, p.placed, 3)
	assert.Equal(t, testChunk().Buy.Opposite(), p.placed[2])
}

func TestNewSpreadExecutor_NilPlacerPanics(t *testing.T) {
	assert.Panics(t, func() { NewSpreadExecutor(nil, nil) })
}
