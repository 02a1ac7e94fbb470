// Package sizing turns an account's capital, or an open position, into
// freeze-quantity-sized spread chunks.
package sizing

import (
	"errors"
	"fmt"
	"math"

	"github.com/eddiefleurent/spread_mirror/internal/broker"
	"github.com/eddiefleurent/spread_mirror/internal/models"
)

// ErrInvalidSizing is returned for inputs that cannot be sized.
var ErrInvalidSizing = errors.New("invalid sizing input")

// Limits are the per-index exchange limits.
type Limits struct {
	FreezeQuantity int `json:"freeze_quantity"`
	LotQuantity    int `json:"lot_quantity"`
}

// SpreadsPerChunk is how many whole spreads fit under the freeze quantity.
func (l Limits) SpreadsPerChunk() (int, error) {
	if l.LotQuantity <= 0 {
		return 0, fmt.Errorf("%w: lot quantity %d", ErrInvalidSizing, l.LotQuantity)
	}
	if l.FreezeQuantity <= 0 {
		return 0, fmt.Errorf("%w: freeze quantity %d", ErrInvalidSizing, l.FreezeQuantity)
	}
	spc := l.FreezeQuantity / l.LotQuantity
	if spc == 0 {
		return 0, fmt.Errorf("%w: lot quantity %d exceeds freeze quantity %d",
			ErrInvalidSizing, l.LotQuantity, l.FreezeQuantity)
	}
	return spc, nil
}

// TotalSpreads is how many spreads balance can margin.
func TotalSpreads(balance, marginPerLot float64) (int, error) {
	if marginPerLot <= 0 || math.IsNaN(marginPerLot) || math.IsInf(marginPerLot, 0) {
		return 0, fmt.Errorf("%w: margin per lot %v", ErrInvalidSizing, marginPerLot)
	}
	if balance <= 0 || math.IsNaN(balance) {
		return 0, nil
	}
	return int(math.Floor(balance / marginPerLot)), nil
}

// Quantities slices totalSpreads into leg quantities. Full chunks carry
// SpreadsPerChunk lots (the freeze quantity when it is a whole number of
// lots) and the last chunk carries the remainder. Zero spreads yields nil.
func Quantities(totalSpreads int, limits Limits) ([]int, error) {
	spc, err := limits.SpreadsPerChunk()
	if err != nil {
		return nil, err
	}
	if totalSpreads <= 0 {
		return nil, nil
	}

	out := make([]int, 0, totalSpreads/spc+1)
	remaining := totalSpreads
	for remaining >= spc {
		out = append(out, spc*limits.LotQuantity)
		remaining -= spc
	}
	if remaining > 0 {
		out = append(out, remaining*limits.LotQuantity)
	}
	return out, nil
}

// EntryQuantities sizes a new position from an account's balance.
func EntryQuantities(balance, marginPerLot float64, limits Limits) ([]int, error) {
	total, err := TotalSpreads(balance, marginPerLot)
	if err != nil {
		return nil, err
	}
	return Quantities(total, limits)
}

// Chunks pairs each quantity with the spread's legs, in order.
func Chunks(spread models.Spread, quantities []int) []models.SpreadChunk {
	chunks := make([]models.SpreadChunk, 0, len(quantities))
	for i, q := range quantities {
		chunks = append(chunks, spread.Chunk(i, q))
	}
	return chunks
}

// BuildSpread resolves an intent into a one-lot spread. The margin is left
// zero; callers fill it from the broker.
func BuildSpread(intent models.SpreadIntent, resolver broker.SymbolResolver) (models.Spread, error) {
	if err := intent.Validate(); err != nil {
		return models.Spread{}, err
	}
	if resolver == nil {
		return models.Spread{}, errors.New("sizing: nil symbol resolver")
	}

	buySym, sellSym := intent.BuySymbol(), intent.SellSymbol()
	buyTok, err := resolver.Token(buySym)
	if err != nil {
		return models.Spread{}, fmt.Errorf("resolving buy leg: %w", err)
	}
	sellTok, err := resolver.Token(sellSym)
	if err != nil {
		return models.Spread{}, fmt.Errorf("resolving sell leg: %w", err)
	}

	return models.Spread{
		Buy:  models.NewLeg(models.SideBuy, buySym, buyTok, intent.LotQuantity),
		Sell: models.NewLeg(models.SideSell, sellSym, sellTok, intent.LotQuantity),
	}, nil
}
