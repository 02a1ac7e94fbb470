package trading

import (
	"testing"

	"github.com/eddiefleurent/spread_mirror/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{"ENTRY NIFTY 21500PE 25JAN24", Command{Kind: KindEntry, Index: "NIFTY", SellStrike: 21500, OptionType: models.OptionPut, Expiry: "25JAN24"}},
		{"  exit banknifty 48000ce 31jan24 ", Command{Kind: KindExit, Index: "BANKNIFTY", SellStrike: 48000, OptionType: models.OptionCall, Expiry: "31JAN24"}},
		{"AUTOEXIT SL=-2500 TGT=4000.5", Command{Kind: KindAutoExit, StopLoss: -2500, Target: 4000.5}},
		{"details", Command{Kind: KindDetails}},
		{"PNL", Command{Kind: KindPnL}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommand_Invalid(t *testing.T) {
	for _, line := range []string{
		"",
		"BUY NIFTY 21500PE 25JAN24",
		"ENTRY NIFTY 21500PE",
		"ENTRY NIFTY 21500XE 25JAN24",
		"ENTRY NIFTY 0PE 25JAN24",
		"ENTRY NIFTY 21500PE 2024-01-25",
		"ENTRY NIFTY50 21500PE 25JAN24",
		"AUTOEXIT SL=100",
		"AUTOEXIT TGT=100 SL=-100",
		"AUTOEXIT SL=abc TGT=100",
		"AUTOEXIT SL=100 TGT=100",
		"AUTOEXIT SL=-500 TGT=-100",
		"DETAILS NOW",
	} {
		_, err := ParseCommand(line)
		assert.ErrorIs(t, err, ErrInvalidCommand, line)
	}
}

func TestCommand_StringRoundTrips(t *testing.T) {
	for _, line := range []string{
		"ENTRY NIFTY 21500PE 25JAN24",
		"AUTOEXIT SL=-2500 TGT=4000.5",
		"PNL",
	} {
		cmd, err := ParseCommand(line)
		require.NoError(t, err)
		assert.Equal(t, line, cmd.String())
	}
}

func TestCommand_ExitCommandAndIntent(t *testing.T) {
	cmd, err := ParseCommand("ENTRY NIFTY 21500PE 25JAN24")
	require.NoError(t, err)

	assert.Equal(t, "EXIT NIFTY 21500PE 25JAN24", cmd.ExitCommand().String())
	assert.Equal(t, KindEntry, cmd.Kind, "receiver unchanged")

	intent := cmd.Intent(200, 75)
	require.NoError(t, intent.Validate())
	assert.Equal(t, "NIFTY25JAN2421300PE", intent.BuySymbol())
	assert.Equal(t, "NIFTY25JAN2421500PE", intent.SellSymbol())
}
