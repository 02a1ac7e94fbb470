package models

import (
	"fmt"
	"time"
)

// ChunkState is the execution state of one spread chunk.
type ChunkState string

const (
	StateStart              ChunkState = "start"
	StateBuyPending         ChunkState = "buy_pending"
	StateBuyDone            ChunkState = "buy_done"
	StateSellPending        ChunkState = "sell_pending"
	StateCommitted          ChunkState = "committed"
	StateAbortedAtBuy       ChunkState = "aborted_at_buy"
	StateRevertPending      ChunkState = "revert_pending"
	StateCompensatedAborted ChunkState = "compensated_aborted"
	StateInterrupted        ChunkState = "interrupted"
)

// Transition conditions.
const (
	CondBuySubmitted  = "buy_submitted"
	CondBuyComplete   = "buy_complete"
	CondBuyRejected   = "buy_rejected"
	CondSellSubmitted = "sell_submitted"
	CondSellComplete  = "sell_complete"
	CondSellRejected  = "sell_rejected"
	CondUnwindDone    = "unwind_complete"
	CondUnwindFailed  = "unwind_rejected"
	CondCancelled     = "context_cancelled"
)

// StateTransition defines valid state transitions
type StateTransition struct {
	From        ChunkState
	To          ChunkState
	Condition   string
	Description string
}

// ValidTransitions is the full chunk lifecycle. A chunk that reaches a
// terminal state never leaves it.
var ValidTransitions = []StateTransition{
	{StateStart, StateBuyPending, CondBuySubmitted, "Buy leg handed to the placer"},
	{StateBuyPending, StateBuyDone, CondBuyComplete, "Buy leg filled"},
	{StateBuyPending, StateAbortedAtBuy, CondBuyRejected, "Buy leg rejected, nothing to undo"},
	{StateBuyDone, StateSellPending, CondSellSubmitted, "Sell leg handed to the placer"},
	{StateSellPending, StateCommitted, CondSellComplete, "Both legs filled"},
	{StateSellPending, StateRevertPending, CondSellRejected, "Sell leg rejected, unwinding buy leg"},
	{StateRevertPending, StateCompensatedAborted, CondUnwindDone, "Buy leg unwound"},
	{StateRevertPending, StateCompensatedAborted, CondUnwindFailed, "Unwind rejected, buy leg still open"},

	{StateBuyPending, StateInterrupted, CondCancelled, "Cancelled while placing buy leg"},
	{StateSellPending, StateInterrupted, CondCancelled, "Cancelled while placing sell leg"},
	{StateRevertPending, StateInterrupted, CondCancelled, "Cancelled while unwinding buy leg"},
}

// StateMachine tracks one chunk through ValidTransitions. It is owned by a
// single goroutine.
type StateMachine struct {
	transitionTime time.Time
	history        []ChunkState
	currentState   ChunkState
	previousState  ChunkState
}

// NewStateMachine creates a new state machine
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:   StateStart,
		previousState:  StateStart,
		transitionTime: time.Now().UTC(),
		history:        []ChunkState{StateStart},
	}
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() ChunkState {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine) GetPreviousState() ChunkState {
	return sm.previousState
}

// History returns every state visited, in order.
func (sm *StateMachine) History() []ChunkState {
	out := make([]ChunkState, len(sm.history))
	copy(out, sm.history)
	return out
}

// IsValidTransition checks if a transition is valid
func (sm *StateMachine) IsValidTransition(to ChunkState, condition string) error {
	for _, transition := range ValidTransitions {
		if transition.From == sm.currentState && transition.To == to && transition.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition '%s'",
		sm.currentState, to, condition)
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to ChunkState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.history = append(sm.history, to)
	return nil
}

// LastTransition is when the current state was entered.
func (sm *StateMachine) LastTransition() time.Time {
	return sm.transitionTime
}

// IsTerminal reports whether the chunk has finished.
func (sm *StateMachine) IsTerminal() bool {
	switch sm.currentState {
	case StateCommitted, StateAbortedAtBuy, StateCompensatedAborted, StateInterrupted:
		return true
	default:
		return false
	}
}

// Outcome maps a terminal state to its execution outcome. ok is false while
// the chunk is still in flight.
func (sm *StateMachine) Outcome() (ExecutionOutcome, bool) {
	switch sm.currentState {
	case StateCommitted:
		return OutcomeCommitted, true
	case StateAbortedAtBuy:
		return OutcomeAbortedAtBuy, true
	case StateCompensatedAborted:
		return OutcomeCompensatedAborted, true
	case StateInterrupted:
		return OutcomeInterrupted, true
	default:
		return "", false
	}
}

// GetStateDescription returns a human-readable description of the current state
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StateStart:
		return "Chunk created, nothing submitted"
	case StateBuyPending:
		return "Buy leg submitted, waiting for a terminal status"
	case StateBuyDone:
		return "Buy leg filled, sell leg not yet submitted"
	case StateSellPending:
		return "Sell leg submitted, waiting for a terminal status"
	case StateCommitted:
		return "Spread open on both legs"
	case StateAbortedAtBuy:
		return "Buy leg rejected, account unchanged"
	case StateRevertPending:
		return "Sell leg rejected, closing the filled buy leg"
	case StateCompensatedAborted:
		return "Sell leg rejected and buy leg unwound"
	case StateInterrupted:
		return "Execution cancelled before a terminal state"
	default:
		return "Unknown state"
	}
}
