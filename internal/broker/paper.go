package broker

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/eddiefleurent/spread_mirror/internal/models"
	"github.com/google/uuid"
)

// PaperSession simulates a broker account in memory. Every accepted order
// fills immediately at zero price; positions are tracked per trading symbol.
type PaperSession struct {
	mu            sync.Mutex
	cash          float64
	marginPerUnit float64
	lotSizes      map[string]int
	rejects       map[string]bool
	orders        map[string]*OrderDetails
	positions     map[string]int
}

// PaperConfig holds configuration for a paper session.
type PaperConfig struct {
	InitialCash   float64
	MarginPerUnit float64        // margin charged per unit of short quantity
	LotSizes      map[string]int // by index name
	RejectSymbols []string       // orders on these symbols are rejected
}

// Ensure PaperSession implements Session at compile time.
var _ Session = (*PaperSession)(nil)

// NewPaperSession creates a paper session.
func NewPaperSession(cfg PaperConfig) *PaperSession {
	cash := cfg.InitialCash
	if cash == 0 {
		cash = 1000000
	}
	margin := cfg.MarginPerUnit
	if margin <= 0 {
		margin = 700
	}
	p := &PaperSession{
		cash:          cash,
		marginPerUnit: margin,
		lotSizes:      make(map[string]int, len(cfg.LotSizes)),
		rejects:       make(map[string]bool, len(cfg.RejectSymbols)),
		orders:        make(map[string]*OrderDetails),
		positions:     make(map[string]int),
	}
	for k, v := range cfg.LotSizes {
		p.lotSizes[k] = v
	}
	for _, s := range cfg.RejectSymbols {
		p.rejects[s] = true
	}
	return p
}

var optionSymbolRe = regexp.MustCompile(`^([A-Z]+)(\d{2}[A-Z]{3}\d{2})(\d+)(CE|PE)$`)

// SubmitOrder fills the leg immediately unless its symbol is on the reject list.
func (p *PaperSession) SubmitOrder(ctx context.Context, leg models.OrderLeg) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := leg.Validate(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ref := uuid.NewString()
	details := &OrderDetails{
		UniqueOrderID: ref,
		TradingSymbol: leg.Symbol,
	}
	if p.rejects[leg.Symbol] {
		details.OrderStatus = "rejected"
		details.Text = "paper: symbol on reject list"
		details.UnfilledShares = flexFloat(leg.Quantity)
		p.orders[ref] = details
		return ref, nil
	}

	qty := leg.Quantity
	if leg.Side == models.SideSell {
		qty = -qty
	}
	p.positions[leg.Symbol] += qty
	details.OrderStatus = "complete"
	details.FilledShares = flexFloat(leg.Quantity)
	p.orders[ref] = details
	return ref, nil
}

// GetOrderStatus returns the stored order.
func (p *PaperSession) GetOrderStatus(ctx context.Context, orderRef string) (*OrderDetails, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.orders[orderRef]
	if !ok {
		return nil, &APIError{Status: 200, Code: "AB1013", Body: "order not found: " + orderRef}
	}
	cp := *d
	return &cp, nil
}

// GetPositions reports every symbol ever traded, including flat ones, in
// symbol order.
func (p *PaperSession) GetPositions(ctx context.Context) ([]PositionItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	symbols := make([]string, 0, len(p.positions))
	for s := range p.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	out := make([]PositionItem, 0, len(symbols))
	for _, sym := range symbols {
		m := optionSymbolRe.FindStringSubmatch(sym)
		if m == nil {
			continue
		}
		strike, err := strconv.Atoi(m[3])
		if err != nil {
			continue
		}
		item := NewPositionItem(m[1], sym, strike, m[4], p.positions[sym], p.lotSizes[m[1]])
		item.ExpiryDate = m[2]
		out = append(out, item)
	}
	return out, nil
}

// GetMargin charges marginPerUnit for every unit sold.
func (p *PaperSession) GetMargin(ctx context.Context, legs []models.OrderLeg) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var units int
	for _, leg := range legs {
		if leg.Side == models.SideSell {
			units += leg.Quantity
		}
	}
	if units == 0 {
		return 0, fmt.Errorf("paper margin: no short legs")
	}
	return float64(units) * p.marginPerUnit, nil
}

// GetAvailableCash returns the configured cash balance.
func (p *PaperSession) GetAvailableCash(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, nil
}
