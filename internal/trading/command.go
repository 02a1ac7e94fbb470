// Package trading implements the operator commands: opening and closing a
// mirrored spread, inspecting positions and PnL, and exiting automatically
// on a stop loss or target.
package trading

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/eddiefleurent/spread_mirror/internal/models"
)

// ErrInvalidCommand is returned for commands that cannot be parsed.
var ErrInvalidCommand = errors.New("invalid command")

// Kind is the command verb.
type Kind string

const (
	KindEntry    Kind = "ENTRY"
	KindExit     Kind = "EXIT"
	KindDetails  Kind = "DETAILS"
	KindPnL      Kind = "PNL"
	KindAutoExit Kind = "AUTOEXIT"
)

var (
	strikeRe = regexp.MustCompile(`^(\d+)(CE|PE)$`)
	expiryRe = regexp.MustCompile(`^\d{2}[A-Z]{3}\d{2}$`)
	indexRe  = regexp.MustCompile(`^[A-Z]+$`)
)

// Command is a parsed operator command.
//
//	ENTRY <INDEX> <STRIKE><CE|PE> <EXPIRY>   e.g. ENTRY NIFTY 21500PE 25JAN24
//	EXIT <INDEX> <STRIKE><CE|PE> <EXPIRY>
//	AUTOEXIT SL=<stop> TGT=<target>
//	DETAILS
//	PNL
type Command struct {
	Kind       Kind
	Index      string
	SellStrike int
	OptionType models.OptionType
	Expiry     string
	StopLoss   float64
	Target     float64
}

// ParseCommand parses one command line. Verbs and symbols are
// case-insensitive.
func ParseCommand(line string) (Command, error) {
	parts := strings.Fields(strings.ToUpper(strings.TrimSpace(line)))
	if len(parts) == 0 {
		return Command{}, fmt.Errorf("%w: empty", ErrInvalidCommand)
	}

	cmd := Command{Kind: Kind(parts[0])}
	switch cmd.Kind {
	case KindEntry, KindExit:
		if len(parts) != 4 {
			return Command{}, fmt.Errorf("%w: %s needs <INDEX> <STRIKE><CE|PE> <EXPIRY>", ErrInvalidCommand, cmd.Kind)
		}
		if !indexRe.MatchString(parts[1]) {
			return Command{}, fmt.Errorf("%w: index %q", ErrInvalidCommand, parts[1])
		}
		m := strikeRe.FindStringSubmatch(parts[2])
		if m == nil {
			return Command{}, fmt.Errorf("%w: strike %q, want e.g. 21500PE", ErrInvalidCommand, parts[2])
		}
		strike, err := strconv.Atoi(m[1])
		if err != nil || strike <= 0 {
			return Command{}, fmt.Errorf("%w: strike %q", ErrInvalidCommand, m[1])
		}
		if !expiryRe.MatchString(parts[3]) {
			return Command{}, fmt.Errorf("%w: expiry %q, want e.g. 25JAN24", ErrInvalidCommand, parts[3])
		}
		cmd.Index = parts[1]
		cmd.SellStrike = strike
		cmd.OptionType = models.OptionType(m[2])
		cmd.Expiry = parts[3]

	case KindAutoExit:
		if len(parts) != 3 {
			return Command{}, fmt.Errorf("%w: AUTOEXIT needs SL=<x> TGT=<y>", ErrInvalidCommand)
		}
		sl, err := parseAssignment(parts[1], "SL")
		if err != nil {
			return Command{}, err
		}
		tgt, err := parseAssignment(parts[2], "TGT")
		if err != nil {
			return Command{}, err
		}
		if tgt < 0 {
			return Command{}, fmt.Errorf("%w: target %v must not be negative", ErrInvalidCommand, tgt)
		}
		if sl >= tgt {
			return Command{}, fmt.Errorf("%w: stop loss %v must be below target %v", ErrInvalidCommand, sl, tgt)
		}
		cmd.StopLoss, cmd.Target = sl, tgt

	case KindDetails, KindPnL:
		if len(parts) != 1 {
			return Command{}, fmt.Errorf("%w: %s takes no arguments", ErrInvalidCommand, cmd.Kind)
		}

	default:
		return Command{}, fmt.Errorf("%w: unknown verb %q", ErrInvalidCommand, parts[0])
	}
	return cmd, nil
}

func parseAssignment(s, key string) (float64, error) {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k != key {
		return 0, fmt.Errorf("%w: expected %s=<value>, got %q", ErrInvalidCommand, key, s)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s value %q", ErrInvalidCommand, key, v)
	}
	return f, nil
}

// Intent builds the spread intent for an ENTRY or EXIT command.
func (c Command) Intent(width, lotQuantity int) models.SpreadIntent {
	return models.SpreadIntent{
		Index:       c.Index,
		Expiry:      c.Expiry,
		SellStrike:  c.SellStrike,
		OptionType:  c.OptionType,
		Width:       width,
		LotQuantity: lotQuantity,
	}
}

// ExitCommand is the EXIT command closing what this ENTRY opens.
func (c Command) ExitCommand() Command {
	c.Kind = KindExit
	return c
}

// String renders the command in the form ParseCommand accepts.
func (c Command) String() string {
	switch c.Kind {
	case KindEntry, KindExit:
		return fmt.Sprintf("%s %s %d%s %s", c.Kind, c.Index, c.SellStrike, c.OptionType, c.Expiry)
	case KindAutoExit:
		return fmt.Sprintf("%s SL=%s TGT=%s", c.Kind,
			strconv.FormatFloat(c.StopLoss, 'f', -1, 64), strconv.FormatFloat(c.Target, 'f', -1, 64))
	default:
		return string(c.Kind)
	}
}
