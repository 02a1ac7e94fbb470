package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/eddiefleurent/spread_mirror/internal/dashboard"
	"github.com/eddiefleurent/spread_mirror/internal/trading"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version information
const Version = "0.1.0"

// newRootCmd creates the command tree. Each subcommand loads the
// configuration and wires its own App.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spreadbot",
		Short: "Mirror a two-leg option spread across brokerage accounts",
		Long: `spreadbot opens and closes the same option spread in every configured
account. Each account is sized from its own cash and the primary account's
margin per lot, orders go out in freeze-sized chunks, and a chunk whose sell
leg is rejected has its buy leg reversed.

Commands mirror the operator shell:
  ENTRY <INDEX> <STRIKE><CE|PE> <EXPIRY>
  EXIT <INDEX> <STRIKE><CE|PE> <EXPIRY>
  DETAILS | PNL | AUTOEXIT SL=<x> TGT=<y>`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			if envFile == "" {
				return nil
			}
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("loading env file %s: %w", envFile, err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "config.yaml", "path to configuration file")
	rootCmd.PersistentFlags().String("env-file", "", "load environment variables from this file before reading the config")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newSpreadCmd("entry", "Open the spread in every account"),
		newSpreadCmd("exit", "Close the spread in every account holding it"),
		newWatchCmd("details", "Reconcile every account against the primary account"),
		newWatchCmd("pnl", "Show realised and unrealised profit per account"),
		newAutoExitCmd(),
		newShellCmd(),
		newRunsCmd(),
		newServeCmd(),
	)
	return rootCmd
}

// withApp wires an App for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App, out *Output) error) error {
	configPath, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")

	app, err := newApp(cmd.Context(), appOptions{
		ConfigPath: configPath,
		Debug:      debug,
		LogConsole: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	return fn(cmd.Context(), app, NewOutput(cmd))
}

func newSpreadCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:     verb + " <INDEX> <STRIKE><CE|PE> <EXPIRY>",
		Short:   short,
		Example: "  spreadbot " + verb + " NIFTY 21500PE 25JAN24",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			line := verb + " " + strings.Join(args, " ")
			return withApp(cmd, func(ctx context.Context, app *App, out *Output) error {
				return execute(ctx, app, out, line)
			})
		},
	}
}

func newWatchCmd(verb, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			watch, _ := cmd.Flags().GetDuration("watch")
			return withApp(cmd, func(ctx context.Context, app *App, out *Output) error {
				if watch <= 0 {
					return execute(ctx, app, out, verb)
				}
				ticker := time.NewTicker(watch)
				defer ticker.Stop()
				for {
					if err := execute(ctx, app, out, verb); err != nil {
						out.Error("%v", err)
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
	cmd.Flags().Duration("watch", 0, "repeat at this interval until interrupted")
	return cmd
}

func newAutoExitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autoexit",
		Short: "Run the saved exit once primary unrealised PnL crosses the stop loss or target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sl, _ := cmd.Flags().GetFloat64("sl")
			tgt, _ := cmd.Flags().GetFloat64("tgt")
			line := fmt.Sprintf("AUTOEXIT SL=%v TGT=%v", sl, tgt)
			return withApp(cmd, func(ctx context.Context, app *App, out *Output) error {
				return execute(ctx, app, out, line)
			})
		},
	}
	cmd.Flags().Float64("sl", 0, "stop loss on unrealised PnL (negative for a loss)")
	cmd.Flags().Float64("tgt", 0, "target on unrealised PnL")
	_ = cmd.MarkFlagRequired("sl")
	_ = cmd.MarkFlagRequired("tgt")
	return cmd
}

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Read commands from stdin, one per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App, out *Output) error {
				return runShell(ctx, cmd.InOrStdin(), out, func(ctx context.Context, line string) error {
					return execute(ctx, app, out, line)
				})
			})
		},
	}
}

// runShell executes each non-empty input line until EOF, QUIT or ctx ends.
// A failing command is reported and the shell keeps reading.
func runShell(ctx context.Context, in io.Reader, out *Output, run func(context.Context, string) error) error {
	scanner := bufio.NewScanner(in)
	for {
		if !out.IsJSON() {
			out.Printf("> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToUpper(line) {
		case "":
			continue
		case "QUIT", "EXIT":
			return nil
		}
		if err := run(ctx, line); err != nil {
			out.Error("%v", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent dispatch runs from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd, func(ctx context.Context, app *App, out *Output) error {
				if app.Journal == nil {
					return errors.New("journal disabled: set storage.journal_path")
				}
				runs, err := app.Journal.RecentRuns(ctx, limit)
				if err != nil {
					return err
				}
				return out.Render(runs)
			})
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App, out *Output) error {
				dc := app.Config.Dashboard
				if !dc.Enabled {
					return errors.New("dashboard disabled: set dashboard.enabled")
				}
				var history dashboard.History
				if app.Journal != nil {
					history = app.Journal
				}
				srv := dashboard.NewServer(dashboard.Config{
					ListenAddr:     dc.ListenAddr,
					AuthToken:      dc.AuthToken,
					AllowedOrigins: dc.AllowedOrigins,
				}, app.Trader, history, app.Logger)

				errCh := make(chan error, 1)
				go func() { errCh <- srv.Start() }()

				select {
				case err := <-errCh:
					return err
				case <-ctx.Done():
				}
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
}

// execute runs one command line and renders its result. Skip reasons are
// still shown when no account had anything to trade.
func execute(ctx context.Context, app *App, out *Output, line string) error {
	result, err := app.Trader.Execute(ctx, line)
	if result != nil && (err == nil || errors.Is(err, trading.ErrNothingToExecute)) {
		if rerr := out.Render(result); rerr != nil {
			return rerr
		}
	}
	return err
}
