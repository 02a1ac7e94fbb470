package orders

import (
	"context"
	"fmt"
	"io"

	"github.com/eddiefleurent/spread_mirror/internal/metrics"
	"github.com/eddiefleurent/spread_mirror/internal/models"
	"github.com/sirupsen/logrus"
)

// ChunkResult is the record of one chunk's execution.
type ChunkResult struct {
	Chunk   models.SpreadChunk      `json:"chunk"`
	Outcome models.ExecutionOutcome `json:"outcome"`
	Buy     LegResult               `json:"buy"`
	Sell    *LegResult              `json:"sell,omitempty"`
	// Unwind is set only when the sell leg was rejected. A rejected unwind
	// leaves the buy leg open and needs an operator.
	Unwind *LegResult          `json:"unwind,omitempty"`
	States []models.ChunkState `json:"states"`
}

// UnwindFailed reports whether compensation was attempted and did not fill.
func (r ChunkResult) UnwindFailed() bool {
	return r.Unwind != nil && r.Unwind.Status != models.LegComplete
}

// SpreadExecutor runs a chunk's buy leg, then its sell leg, and reverses the
// buy leg when the sell leg is rejected.
type SpreadExecutor struct {
	placer Placer
	logger logrus.FieldLogger
}

// NewSpreadExecutor creates an executor over placer.
func NewSpreadExecutor(placer Placer, logger logrus.FieldLogger) *SpreadExecutor {
	if placer == nil {
		panic("orders.NewSpreadExecutor: placer must not be nil")
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &SpreadExecutor{placer: placer, logger: logger}
}

// Execute drives chunk to a terminal state. It returns an error for a
// malformed chunk (nothing is placed) or when ctx ends mid-flight (outcome
// Interrupted). Rejections are outcomes, not errors.
func (e *SpreadExecutor) Execute(ctx context.Context, chunk models.SpreadChunk) (ChunkResult, error) {
	if err := chunk.Validate(); err != nil {
		return ChunkResult{Chunk: chunk}, err
	}

	sm := models.NewStateMachine()
	log := e.logger.WithFields(logrus.Fields{"chunk": chunk.Index, "quantity": chunk.Quantity()})
	result := ChunkResult{Chunk: chunk}

	finish := func() ChunkResult {
		result.Outcome, _ = sm.Outcome()
		result.States = sm.History()
		metrics.ChunkOutcomes.WithLabelValues(string(result.Outcome)).Inc()
		return result
	}
	interrupted := func(err error) (ChunkResult, error) {
		e.mustTransition(sm, models.StateInterrupted, models.CondCancelled)
		log.WithError(err).Warn("chunk interrupted")
		return finish(), err
	}

	e.mustTransition(sm, models.StateBuyPending, models.CondBuySubmitted)
	buy, err := e.placer.Place(ctx, chunk.Buy)
	result.Buy = buy
	if err != nil {
		return interrupted(err)
	}
	if buy.Status != models.LegComplete {
		e.mustTransition(sm, models.StateAbortedAtBuy, models.CondBuyRejected)
		log.WithField("reason", buy.Reason).Warn("buy leg rejected, chunk aborted")
		return finish(), nil
	}
	e.mustTransition(sm, models.StateBuyDone, models.CondBuyComplete)

	e.mustTransition(sm, models.StateSellPending, models.CondSellSubmitted)
	sell, err := e.placer.Place(ctx, chunk.Sell)
	result.Sell = &sell
	if err != nil {
		return interrupted(err)
	}
	if sell.Status == models.LegComplete {
		e.mustTransition(sm, models.StateCommitted, models.CondSellComplete)
		log.Info("chunk committed")
		return finish(), nil
	}

	e.mustTransition(sm, models.StateRevertPending, models.CondSellRejected)
	log.WithField("reason", sell.Reason).Warn("sell leg rejected, unwinding buy leg")

	unwindLeg := chunk.Buy.Opposite()
	unwind, err := e.placer.Place(ctx, unwindLeg)
	result.Unwind = &unwind
	if err != nil {
		return interrupted(err)
	}
	if unwind.Status == models.LegComplete {
		e.mustTransition(sm, models.StateCompensatedAborted, models.CondUnwindDone)
		log.Info("buy leg unwound, chunk aborted")
	} else {
		e.mustTransition(sm, models.StateCompensatedAborted, models.CondUnwindFailed)
		metrics.UnwindFailures.Inc()
		log.WithFields(logrus.Fields{
			"symbol":    unwindLeg.Symbol,
			"order_ref": unwind.OrderRef,
			"reason":    unwind.Reason,
		}).Error("unwind rejected: buy leg remains open, manual close required")
	}
	return finish(), nil
}

// mustTransition panics on a transition the table forbids. Every call site
// follows the table, so a panic here is a programming error.
func (e *SpreadExecutor) mustTransition(sm *models.StateMachine, to models.ChunkState, cond string) {
	if err := sm.Transition(to, cond); err != nil {
		panic(fmt.Sprintf("orders: %v", err))
	}
}
