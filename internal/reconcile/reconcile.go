// Package reconcile compares an account's live positions with a reference
// account and derives the totals needed to close a spread.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/eddiefleurent/spread_mirror/internal/broker"
	"github.com/eddiefleurent/spread_mirror/internal/metrics"
	"github.com/eddiefleurent/spread_mirror/internal/models"
	"github.com/eddiefleurent/spread_mirror/internal/retry"
	"github.com/sirupsen/logrus"
)

var (
	// ErrQuantityMismatch means open legs carry different absolute quantities.
	ErrQuantityMismatch = errors.New("mismatching quantity across open legs")
	// ErrNoOpenPosition means the account holds no non-zero position.
	ErrNoOpenPosition = errors.New("no open position")
	// ErrUnpairedPosition means the open legs do not form one buy and one sell.
	ErrUnpairedPosition = errors.New("open legs do not form a single spread")
	// ErrAmbiguousPosition means two underlyings hold open legs on the same
	// strike label, so a per-strike view cannot tell them apart.
	ErrAmbiguousPosition = errors.New("open legs of different underlyings share a strike")
)

// Reference is the trusted per-strike view, keyed by strike label.
type Reference map[string]models.PositionRecord

// ReferenceSnapshot keys records by strike label.
func ReferenceSnapshot(records []models.PositionRecord) Reference {
	ref := make(Reference, len(records))
	for _, r := range records {
		ref[r.StrikeLabel] = r
	}
	return ref
}

// ExitTotals is what closing an account's spread requires.
type ExitTotals struct {
	BuySymbol    string `json:"buy_symbol"`
	SellSymbol   string `json:"sell_symbol"`
	Quantity     int    `json:"quantity"`
	LotSize      int    `json:"lot_size"`
	TotalSpreads int    `json:"total_spreads"`
}

// PnL is an account's profit split.
type PnL struct {
	Realised   float64 `json:"realised"`
	Unrealised float64 `json:"unrealised"`
	Total      float64 `json:"total"`
}

// Reconciler fetches positions with the same unbounded retry policy as order
// placement.
type Reconciler struct {
	retrier *retry.Client
	logger  logrus.FieldLogger
}

// New creates a Reconciler.
func New(retrier *retry.Client, logger logrus.FieldLogger) *Reconciler {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	if retrier == nil {
		retrier = retry.NewClient(logger)
	}
	return &Reconciler{retrier: retrier, logger: logger}
}

func (r *Reconciler) fetch(ctx context.Context, session broker.Session) ([]broker.PositionItem, error) {
	return retry.Do(ctx, r.retrier, "positions", session.GetPositions)
}

// Reconcile returns the account's open positions sorted by quantity
// descending. With a non-nil reference it is fail-closed: any strike of the
// reference missing, carrying another symbol name or the opposite sign, or
// any open strike outside the reference, yields an empty result.
func (r *Reconciler) Reconcile(ctx context.Context, account string, session broker.Session, reference Reference) ([]models.PositionRecord, error) {
	items, err := r.fetch(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}
	live, err := Records(items)
	if err != nil {
		return nil, err
	}
	records := Verify(live, reference)
	if reference != nil && len(records) == 0 {
		masked := models.MaskAccountID(account)
		metrics.ReconcileIncomplete.WithLabelValues(masked).Inc()
		r.logger.WithField("account", masked).Warn("positions do not match reference")
	}
	return records, nil
}

// Records folds position rows into one record per underlying and strike
// label, dropping flat ones. Two underlyings both open on one strike label
// yield ErrAmbiguousPosition.
func Records(items []broker.PositionItem) ([]models.PositionRecord, error) {
	type foldKey struct{ name, label string }
	folded := make(map[foldKey]*models.PositionRecord)
	order := make([]foldKey, 0, len(items))
	for _, it := range items {
		k := foldKey{it.SymbolName, models.StrikeLabel(it.Strike(), models.OptionType(it.OptionType))}
		rec, ok := folded[k]
		if !ok {
			rec = &models.PositionRecord{
				SymbolName:    k.name,
				StrikeLabel:   k.label,
				TradingSymbol: it.TradingSymbol,
			}
			folded[k] = rec
			order = append(order, k)
		}
		rec.Quantity += it.Quantity()
		if it.Quantity() != 0 {
			rec.TradingSymbol = it.TradingSymbol
		}
	}

	out := make([]models.PositionRecord, 0, len(order))
	owner := make(map[string]string, len(order))
	for _, k := range order {
		rec := folded[k]
		if rec.Quantity == 0 {
			continue
		}
		if other, ok := owner[k.label]; ok {
			return nil, fmt.Errorf("%w: %s held in %s and %s", ErrAmbiguousPosition, k.label, other, k.name)
		}
		owner[k.label] = k.name
		out = append(out, *rec)
	}
	return out, nil
}

// Verify checks live records against reference and sorts the survivors.
// A nil reference accepts everything.
func Verify(live []models.PositionRecord, reference Reference) []models.PositionRecord {
	if reference != nil {
		pending := len(reference)
		for _, rec := range live {
			want, ok := reference[rec.StrikeLabel]
			if !ok {
				// Exposure the reference account does not have.
				return []models.PositionRecord{}
			}
			if want.SymbolName == rec.SymbolName && models.SameSign(want.Quantity, rec.Quantity) {
				pending--
			}
		}
		if pending != 0 {
			return []models.PositionRecord{}
		}
	}

	out := make([]models.PositionRecord, len(live))
	copy(out, live)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Quantity > out[j].Quantity })
	return out
}

// TotalsForExit reads the account's open spread.
func (r *Reconciler) TotalsForExit(ctx context.Context, session broker.Session) (ExitTotals, error) {
	items, err := r.fetch(ctx, session)
	if err != nil {
		return ExitTotals{}, fmt.Errorf("fetching positions: %w", err)
	}
	return Totals(items)
}

// Totals requires every open row to carry the same absolute quantity, one
// negative (sold) symbol and one positive (bought) symbol.
func Totals(items []broker.PositionItem) (ExitTotals, error) {
	var t ExitTotals
	for _, it := range items {
		q := it.Quantity()
		if q == 0 {
			continue
		}
		if t.Quantity == 0 {
			t.Quantity = abs(q)
		} else if abs(q) != t.Quantity {
			return ExitTotals{}, fmt.Errorf("%w: %s has %d, expected %d",
				ErrQuantityMismatch, it.TradingSymbol, abs(q), t.Quantity)
		}
		t.LotSize = it.Lots()

		if q < 0 {
			if t.SellSymbol != "" {
				return ExitTotals{}, fmt.Errorf("%w: two sold symbols %s and %s", ErrUnpairedPosition, t.SellSymbol, it.TradingSymbol)
			}
			t.SellSymbol = it.TradingSymbol
		} else {
			if t.BuySymbol != "" {
				return ExitTotals{}, fmt.Errorf("%w: two bought symbols %s and %s", ErrUnpairedPosition, t.BuySymbol, it.TradingSymbol)
			}
			t.BuySymbol = it.TradingSymbol
		}
	}

	switch {
	case t.Quantity == 0:
		return ExitTotals{}, ErrNoOpenPosition
	case t.BuySymbol == "" || t.SellSymbol == "":
		return ExitTotals{}, fmt.Errorf("%w: buy=%q sell=%q", ErrUnpairedPosition, t.BuySymbol, t.SellSymbol)
	case t.LotSize <= 0:
		return ExitTotals{}, fmt.Errorf("lot size %d for %s", t.LotSize, t.SellSymbol)
	}
	t.TotalSpreads = t.Quantity / t.LotSize
	return t, nil
}

// PnL sums realised and unrealised profit across every position row.
func (r *Reconciler) PnL(ctx context.Context, session broker.Session) (PnL, error) {
	items, err := r.fetch(ctx, session)
	if err != nil {
		return PnL{}, fmt.Errorf("fetching positions: %w", err)
	}
	return SumPnL(items), nil
}

// SumPnL adds up the profit columns.
func SumPnL(items []broker.PositionItem) PnL {
	var p PnL
	for _, it := range items {
		realised, unrealised := it.PnL()
		p.Realised += realised
		p.Unrealised += unrealised
	}
	p.Total = p.Realised + p.Unrealised
	return p
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
