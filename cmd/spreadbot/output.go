package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/eddiefleurent/spread_mirror/internal/dispatch"
	"github.com/eddiefleurent/spread_mirror/internal/storage"
	"github.com/eddiefleurent/spread_mirror/internal/trading"
	"github.com/spf13/cobra"
)

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBold   = "\033[1m"
)

// Output handles formatted output for the CLI.
type Output struct {
	writer       io.Writer
	jsonMode     bool
	colorEnabled bool
}

// NewOutput creates a new Output instance.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &Output{
		writer:       cmd.OutOrStdout(),
		jsonMode:     jsonMode,
		colorEnabled: !jsonMode && isTerminal(cmd.OutOrStdout()),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// IsJSON returns true if JSON output mode is enabled.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON outputs data as JSON.
func (o *Output) JSON(data any) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Printf prints a formatted message.
func (o *Output) Printf(format string, args ...any) {
	fmt.Fprintf(o.writer, format, args...)
}

// Success prints a success message in green.
func (o *Output) Success(format string, args ...any) {
	o.colored(ColorGreen, format, args...)
}

// Error prints an error message in red.
func (o *Output) Error(format string, args ...any) {
	o.colored(ColorRed, format, args...)
}

// Warning prints a warning message in yellow.
func (o *Output) Warning(format string, args ...any) {
	o.colored(ColorYellow, format, args...)
}

// Bold prints a bold message.
func (o *Output) Bold(format string, args ...any) {
	o.colored(ColorBold, format, args...)
}

func (o *Output) colored(color, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if o.colorEnabled {
		fmt.Fprintf(o.writer, "%s%s%s\n", color, msg, ColorReset)
	} else {
		fmt.Fprintln(o.writer, msg)
	}
}

// Money colors a rupee amount by sign.
func (o *Output) Money(amount float64) string {
	s := FormatIndianCurrency(amount)
	if !o.colorEnabled {
		return s
	}
	switch {
	case amount > 0:
		return ColorGreen + s + ColorReset
	case amount < 0:
		return ColorRed + s + ColorReset
	}
	return s
}

func (o *Output) table() *tabwriter.Writer {
	return tabwriter.NewWriter(o.writer, 0, 0, 2, ' ', 0)
}

// Render prints any command result. JSON mode encodes it as is.
func (o *Output) Render(result any) error {
	if o.jsonMode {
		return o.JSON(result)
	}
	switch r := result.(type) {
	case trading.EntryResult:
		o.Bold("%s", r.Command)
		o.Printf("Buy %s  Sell %s  Margin/lot %s\n", r.Spread.Buy.Symbol, r.Spread.Sell.Symbol,
			FormatIndianCurrency(r.Spread.MarginPerLot))
		o.plans(r.Plans)
		o.run(r.Run)
		if r.ExitCommandSaved {
			o.Success("Exit command saved")
		}
	case trading.ExitResult:
		o.Bold("%s", r.Command)
		o.plans(r.Plans)
		o.run(r.Run)
		if r.ExitCommandCleared {
			o.Success("Exit command cleared")
		}
	case trading.DetailsReport:
		o.details(r)
	case trading.PnLReport:
		o.pnl(r)
	case trading.AutoExitResult:
		o.Warning("Auto exit triggered by %s at unrealised %s", r.Trigger, FormatIndianCurrency(r.Unrealised))
		if r.Exit != nil {
			return o.Render(*r.Exit)
		}
	case []storage.RunRecord:
		o.runs(r)
	default:
		o.Printf("%v\n", r)
	}
	return nil
}

func (o *Output) plans(plans []trading.AccountPlan) {
	tw := o.table()
	fmt.Fprintln(tw, "ACCOUNT\tSPREADS\tCHUNKS\tNOTE")
	for _, p := range plans {
		chunks := make([]string, len(p.Quantities))
		for i, q := range p.Quantities {
			chunks[i] = fmt.Sprint(q)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", p.Account.Masked(), p.TotalSpreads, strings.Join(chunks, ","), p.Skipped)
	}
	_ = tw.Flush()
}

func (o *Output) run(run *dispatch.Run) {
	if run == nil {
		return
	}
	for _, a := range run.Accounts {
		committed, failed := a.Counts()
		switch {
		case a.Err != nil:
			o.Error("%s: %v", a.Account.Masked(), a.Err)
		case failed > 0:
			o.Error("%s: %d committed, %d failed, %d unwind failures", a.Account.Masked(), committed, failed, a.UnwindFailures())
			for _, c := range a.Chunks {
				if c.Failed() {
					o.Printf("  chunk %d qty %d: %s %v\n", c.Chunk.Index, c.Chunk.Quantity(), c.Outcome, errOrEmpty(c.Err))
				}
			}
		default:
			o.Success("%s: %d committed", a.Account.Masked(), committed)
		}
	}
	o.Printf("Run %s took %s\n", run.ID, run.Finished.Sub(run.Started).Round(time.Millisecond))
}

func errOrEmpty(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (o *Output) details(r trading.DetailsReport) {
	if r.Unverified {
		o.Warning("%s; positions are listed without verification", r.Notice)
	}
	o.Bold("Reference positions")
	tw := o.table()
	fmt.Fprintln(tw, "SYMBOL\tSTRIKE\tQTY")
	for _, p := range r.Reference {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", p.SymbolName, p.StrikeLabel, p.Quantity)
	}
	_ = tw.Flush()

	for _, a := range r.Accounts {
		name := a.Account.Masked()
		switch {
		case a.Error != "":
			o.Error("%s: %s", name, a.Error)
		case a.Incomplete:
			o.Warning("%s: positions do not match the primary account", name)
		case len(a.Positions) == 0:
			o.Printf("%s: no open positions\n", name)
		default:
			parts := make([]string, len(a.Positions))
			for i, p := range a.Positions {
				parts[i] = fmt.Sprintf("%s %d", p.StrikeLabel, p.Quantity)
			}
			o.Success("%s: %s", name, strings.Join(parts, " | "))
		}
	}
	if r.Incomplete > 0 {
		o.Warning("%d account(s) incomplete", r.Incomplete)
	}
}

func (o *Output) pnl(r trading.PnLReport) {
	tw := o.table()
	fmt.Fprintln(tw, "ACCOUNT\tREALISED\tUNREALISED\tTOTAL")
	for _, a := range r.Accounts {
		if a.Error != "" {
			fmt.Fprintf(tw, "%s\t-\t-\t%s\n", a.Account.Masked(), a.Error)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Account.Masked(),
			o.Money(a.Realised), o.Money(a.Unrealised), o.Money(a.Total))
	}
	fmt.Fprintf(tw, "TOTAL\t%s\t%s\t%s\n", o.Money(r.Total.Realised), o.Money(r.Total.Unrealised), o.Money(r.Total.Total))
	_ = tw.Flush()
}

func (o *Output) runs(runs []storage.RunRecord) {
	tw := o.table()
	fmt.Fprintln(tw, "ID\tKIND\tSTARTED\tCOMMAND")
	for _, r := range runs {
		started := r.StartedAt.Local().Format("2006-01-02 15:04:05")
		if !r.Finished() {
			started += " (unfinished)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Kind, started, r.Command)
	}
	_ = tw.Flush()
}
