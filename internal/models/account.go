package models

import "strings"

// Account is one trading account the engine mirrors positions into.
// Balance is the available cash as of login. A zero Balance is read from the
// broker at the session's first ENTRY and kept for the rest of the session.
type Account struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Balance float64 `json:"balance"`
	Primary bool    `json:"primary"`
}

// Masked hides all but the last three characters of the account id for
// user-facing output.
func (a Account) Masked() string {
	return MaskAccountID(a.ID)
}

// MaskAccountID returns "*****" followed by the last three characters of id.
func MaskAccountID(id string) string {
	if len(id) <= 3 {
		return "*****" + id
	}
	return "*****" + id[len(id)-3:]
}

// PositionRecord is one live option position normalised for comparison
// between accounts.
type PositionRecord struct {
	SymbolName    string `json:"symbol_name"`
	StrikeLabel   string `json:"strike_label"`
	TradingSymbol string `json:"trading_symbol"`
	Quantity      int    `json:"quantity"`
}

// IsShort reports whether the record is a net sold position.
func (p PositionRecord) IsShort() bool {
	return p.Quantity < 0
}

// SameSign reports whether both quantities are non-zero and point the same way.
func SameSign(a, b int) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// LegStatus is the terminal status of one placed leg.
type LegStatus string

const (
	LegComplete LegStatus = "complete"
	LegRejected LegStatus = "rejected"
	// LegUnknown is reported when placement stopped before a terminal state,
	// which only happens when the caller cancels the context.
	LegUnknown LegStatus = "unknown"
)

// ParseOrderStatus maps a broker order status string to a terminal leg
// status. ok is false while the order is still working.
func ParseOrderStatus(status string) (LegStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "complete":
		return LegComplete, true
	case "rejected", "cancelled", "canceled":
		return LegRejected, true
	default:
		return "", false
	}
}

// ExecutionOutcome is the final state of one spread chunk.
type ExecutionOutcome string

const (
	OutcomeCommitted          ExecutionOutcome = "committed"
	OutcomeAbortedAtBuy       ExecutionOutcome = "aborted_at_buy"
	OutcomeCompensatedAborted ExecutionOutcome = "compensated_aborted"
	OutcomeInterrupted        ExecutionOutcome = "interrupted"
)

// Succeeded is true only for a committed chunk.
func (o ExecutionOutcome) Succeeded() bool {
	return o == OutcomeCommitted
}
