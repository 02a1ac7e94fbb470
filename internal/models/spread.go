// Package models provides the order, spread and position types shared by the
// execution engine, the reconciler and the broker sessions.
package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Side is the transaction direction of a single order leg.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OptionType is CE (call) or PE (put).
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// ParseOptionType accepts "CE"/"PE" in any case.
func ParseOptionType(s string) (OptionType, error) {
	switch OptionType(strings.ToUpper(strings.TrimSpace(s))) {
	case OptionCall:
		return OptionCall, nil
	case OptionPut:
		return OptionPut, nil
	default:
		return "", fmt.Errorf("unknown option type %q", s)
	}
}

// Fixed order attributes. Every leg the engine places is a plain intraday
// market order on the derivatives segment.
const (
	ExchangeNFO     = "NFO"
	OrderTypeMarket = "MARKET"
	ProductIntraday = "INTRADAY"
	DurationDay     = "DAY"
	VarietyNormal   = "NORMAL"
)

// ErrInvalidLeg is returned by OrderLeg.Validate.
var ErrInvalidLeg = errors.New("invalid order leg")

// OrderLeg is one side of a spread. It is a value: changing any field means
// building a new leg.
type OrderLeg struct {
	Side      Side   `json:"side"`
	Symbol    string `json:"symbol"`
	Token     string `json:"token"`
	Quantity  int    `json:"quantity"`
	Exchange  string `json:"exchange"`
	OrderType string `json:"order_type"`
	Product   string `json:"product"`
	Duration  string `json:"duration"`
	Variety   string `json:"variety"`
	// Tag identifies one placement at the broker. Resubmits of the same
	// placement carry the same tag.
	Tag string `json:"tag,omitempty"`
}

// NewLeg builds a market intraday leg with the fixed order attributes.
func NewLeg(side Side, symbol, token string, quantity int) OrderLeg {
	return OrderLeg{
		Side:      side,
		Symbol:    symbol,
		Token:     token,
		Quantity:  quantity,
		Exchange:  ExchangeNFO,
		OrderType: OrderTypeMarket,
		Product:   ProductIntraday,
		Duration:  DurationDay,
		Variety:   VarietyNormal,
	}
}

// WithQuantity returns a copy of the leg for a different quantity.
func (l OrderLeg) WithQuantity(quantity int) OrderLeg {
	l.Quantity = quantity
	return l
}

// WithTag returns a copy of the leg carrying tag.
func (l OrderLeg) WithTag(tag string) OrderLeg {
	l.Tag = tag
	return l
}

// NewOrderTag returns a fresh 20 character order tag.
func NewOrderTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// Opposite returns an untagged copy of the leg with its side flipped. Used to
// build both the reversal of a spread and the compensating order for a
// filled leg.
func (l OrderLeg) Opposite() OrderLeg {
	l.Side = l.Side.Opposite()
	l.Tag = ""
	return l
}

// Validate checks the fields the broker requires.
func (l OrderLeg) Validate() error {
	switch {
	case l.Side != SideBuy && l.Side != SideSell:
		return fmt.Errorf("%w: side %q", ErrInvalidLeg, l.Side)
	case l.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidLeg)
	case l.Token == "":
		return fmt.Errorf("%w: empty token for %s", ErrInvalidLeg, l.Symbol)
	case l.Quantity <= 0:
		return fmt.Errorf("%w: quantity %d for %s", ErrInvalidLeg, l.Quantity, l.Symbol)
	}
	return nil
}

func (l OrderLeg) String() string {
	return fmt.Sprintf("%s %d %s", l.Side, l.Quantity, l.Symbol)
}

// SpreadIntent describes the spread a trading command asks for. It is shared
// read-only across accounts.
type SpreadIntent struct {
	Index       string     `json:"index"`
	Expiry      string     `json:"expiry"`
	SellStrike  int        `json:"sell_strike"`
	OptionType  OptionType `json:"option_type"`
	Width       int        `json:"width"`
	LotQuantity int        `json:"lot_quantity"`
}

// BuyStrike is the protective strike: above the sold call, below the sold put.
func (i SpreadIntent) BuyStrike() int {
	if i.OptionType == OptionCall {
		return i.SellStrike + i.Width
	}
	return i.SellStrike - i.Width
}

// SellSymbol is the broker trading symbol of the short leg.
func (i SpreadIntent) SellSymbol() string {
	return TradingSymbol(i.Index, i.Expiry, i.SellStrike, i.OptionType)
}

// BuySymbol is the broker trading symbol of the long leg.
func (i SpreadIntent) BuySymbol() string {
	return TradingSymbol(i.Index, i.Expiry, i.BuyStrike(), i.OptionType)
}

// Validate rejects intents that cannot produce a well-formed spread.
func (i SpreadIntent) Validate() error {
	switch {
	case i.Index == "":
		return errors.New("spread intent: empty index")
	case i.Expiry == "":
		return errors.New("spread intent: empty expiry")
	case i.SellStrike <= 0:
		return fmt.Errorf("spread intent: strike %d must be positive", i.SellStrike)
	case i.OptionType != OptionCall && i.OptionType != OptionPut:
		return fmt.Errorf("spread intent: option type %q", i.OptionType)
	case i.Width <= 0:
		return fmt.Errorf("spread intent: width %d must be positive", i.Width)
	case i.BuyStrike() <= 0:
		return fmt.Errorf("spread intent: protective strike %d must be positive", i.BuyStrike())
	case i.LotQuantity <= 0:
		return fmt.Errorf("spread intent: lot quantity %d must be positive", i.LotQuantity)
	}
	return nil
}

// TradingSymbol joins index, expiry, strike and option type the way the
// exchange names weekly option contracts, e.g. NIFTY25JAN2421500CE.
func TradingSymbol(index, expiry string, strike int, ot OptionType) string {
	return strings.ToUpper(index) + strings.ToUpper(expiry) + strconv.Itoa(strike) + string(ot)
}

// StrikeLabel is the reconciliation key for an option: "<strike> <CE|PE>".
func StrikeLabel(strike int, ot OptionType) string {
	return strconv.Itoa(strike) + " " + string(ot)
}

// Spread is a resolved two-leg position at one lot.
type Spread struct {
	Buy          OrderLeg `json:"buy"`
	Sell         OrderLeg `json:"sell"`
	MarginPerLot float64  `json:"margin_per_lot"`
}

// Reverse swaps the legs and flips their sides: the buy leg of the
// reversed spread closes the original sell leg and vice versa.
func (s Spread) Reverse() Spread {
	return Spread{
		Buy:          s.Sell.Opposite(),
		Sell:         s.Buy.Opposite(),
		MarginPerLot: s.MarginPerLot,
	}
}

// Chunk sizes both legs of the spread to quantity.
func (s Spread) Chunk(index, quantity int) SpreadChunk {
	return SpreadChunk{
		Index: index,
		Buy:   s.Buy.WithQuantity(quantity),
		Sell:  s.Sell.WithQuantity(quantity),
	}
}

// SpreadChunk is one freeze-sized buy/sell pair executed as a unit.
type SpreadChunk struct {
	Index int      `json:"index"`
	Buy   OrderLeg `json:"buy"`
	Sell  OrderLeg `json:"sell"`
}

// Quantity is the shared leg quantity.
func (c SpreadChunk) Quantity() int {
	return c.Buy.Quantity
}

// Validate enforces equal quantities and opposite sides.
func (c SpreadChunk) Validate() error {
	if c.Buy.Side != SideBuy || c.Sell.Side != SideSell {
		return fmt.Errorf("chunk %d: legs must be BUY then SELL, got %s/%s", c.Index, c.Buy.Side, c.Sell.Side)
	}
	if c.Buy.Quantity != c.Sell.Quantity {
		return fmt.Errorf("chunk %d: leg quantities differ (%d vs %d)", c.Index, c.Buy.Quantity, c.Sell.Quantity)
	}
	if err := c.Buy.Validate(); err != nil {
		return fmt.Errorf("chunk %d buy: %w", c.Index, err)
	}
	if err := c.Sell.Validate(); err != nil {
		return fmt.Errorf("chunk %d sell: %w", c.Index, err)
	}
	return nil
}
