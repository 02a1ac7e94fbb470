package trading

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/spread_mirror/internal/broker"
	"github.com/eddiefleurent/spread_mirror/internal/config"
	"github.com/eddiefleurent/spread_mirror/internal/dispatch"
	"github.com/eddiefleurent/spread_mirror/internal/models"
	"github.com/eddiefleurent/spread_mirror/internal/orders"
	"github.com/eddiefleurent/spread_mirror/internal/reconcile"
	"github.com/eddiefleurent/spread_mirror/internal/retry"
	"github.com/eddiefleurent/spread_mirror/internal/sizing"
	"github.com/eddiefleurent/spread_mirror/internal/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownIndex is returned for an index missing from the configuration.
	ErrUnknownIndex = errors.New("index is wrong or not configured")
	// ErrNothingToExecute means no account had anything to trade.
	ErrNothingToExecute = errors.New("no account has anything to execute")
	// ErrExitMismatch means an account holds a different spread than the
	// one being exited.
	ErrExitMismatch = errors.New("exit order mismatch with entry order")
	// ErrNoPrimaryPosition is the DETAILS notice when the reference account
	// holds nothing.
	ErrNoPrimaryPosition = errors.New("no current position in primary account")
)

// Account is a trading account bound to its own broker session.
type Account struct {
	models.Account
	Session  broker.Session
	Executor dispatch.Executor
}

// NewAccount binds acct to session and builds its spread executor.
func NewAccount(acct models.Account, session broker.Session, retrier *retry.Client, logger logrus.FieldLogger, placer ...orders.Config) Account {
	if logger == nil {
		logger = discardLogger()
	}
	log := logger.WithField("account", acct.Masked())
	return Account{
		Account:  acct,
		Session:  session,
		Executor: orders.NewSpreadExecutor(orders.NewLegPlacer(session, retrier, log, placer...), log),
	}
}

// Deps are the collaborators a Trader needs.
type Deps struct {
	Accounts   []Account
	Resolver   broker.SymbolResolver
	Indices    map[string]config.IndexConfig
	ExitStore  storage.ExitCommandStore
	Dispatcher *dispatch.Dispatcher
	Reconciler *reconcile.Reconciler
	Retrier    *retry.Client
	Logger     logrus.FieldLogger
}

// Config holds trader settings.
type Config struct {
	// AutoExitPollInterval paces PnL checks while waiting for a stop or target.
	AutoExitPollInterval time.Duration
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	AutoExitPollInterval: time.Second,
}

// Trader runs operator commands across every account.
type Trader struct {
	accounts   []Account
	primary    Account
	resolver   broker.SymbolResolver
	indices    map[string]config.IndexConfig
	exits      storage.ExitCommandStore
	dispatcher *dispatch.Dispatcher
	reconciler *reconcile.Reconciler
	retrier    *retry.Client
	logger     logrus.FieldLogger
	config     Config

	balanceMu sync.Mutex
	balances  map[string]float64
}

// New creates a Trader. Exactly one account must be marked primary.
func New(deps Deps, opts ...Config) (*Trader, error) {
	cfg := DefaultConfig
	if len(opts) > 0 {
		cfg = opts[0]
	}
	if cfg.AutoExitPollInterval <= 0 {
		cfg.AutoExitPollInterval = DefaultConfig.AutoExitPollInterval
	}

	logger := deps.Logger
	if logger == nil {
		logger = discardLogger()
	}

	var (
		primary   Account
		primaries int
	)
	for _, a := range deps.Accounts {
		if a.Session == nil || a.Executor == nil {
			return nil, fmt.Errorf("trading: account %s has no session", a.Masked())
		}
		if a.Primary {
			primary = a
			primaries++
		}
	}
	if primaries != 1 {
		return nil, fmt.Errorf("trading: exactly one primary account required, got %d", primaries)
	}
	if deps.Resolver == nil {
		return nil, errors.New("trading: symbol resolver required")
	}

	t := &Trader{
		accounts:   deps.Accounts,
		primary:    primary,
		resolver:   deps.Resolver,
		indices:    make(map[string]config.IndexConfig, len(deps.Indices)),
		exits:      deps.ExitStore,
		dispatcher: deps.Dispatcher,
		reconciler: deps.Reconciler,
		retrier:    deps.Retrier,
		logger:     logger,
		config:     cfg,
		balances:   make(map[string]float64, len(deps.Accounts)),
	}
	for _, a := range deps.Accounts {
		if a.Balance > 0 {
			t.balances[a.ID] = a.Balance
		}
	}
	for name, idx := range deps.Indices {
		t.indices[strings.ToUpper(name)] = idx
	}
	if t.exits == nil {
		t.exits = storage.NewMemoryExitStore()
	}
	if t.retrier == nil {
		t.retrier = retry.NewClient(logger)
	}
	if t.dispatcher == nil {
		t.dispatcher = dispatch.NewDispatcher(logger)
	}
	if t.reconciler == nil {
		t.reconciler = reconcile.New(t.retrier, logger)
	}
	return t, nil
}

// Accounts returns the configured accounts with any balance read so far.
func (t *Trader) Accounts() []models.Account {
	t.balanceMu.Lock()
	defer t.balanceMu.Unlock()
	out := make([]models.Account, len(t.accounts))
	for i, a := range t.accounts {
		out[i] = a.Account
		out[i].Balance = t.balances[a.ID]
	}
	return out
}

// balance returns a's cash for the life of this session. It is read from the
// broker the first time it is needed and never refreshed; a failed read is
// tried again on the next call.
func (t *Trader) balance(ctx context.Context, a Account) (float64, error) {
	t.balanceMu.Lock()
	cash, ok := t.balances[a.ID]
	t.balanceMu.Unlock()
	if ok {
		return cash, nil
	}

	cash, err := retry.Do(ctx, t.retrier, "cash", a.Session.GetAvailableCash)
	if err != nil {
		return 0, err
	}
	t.balanceMu.Lock()
	t.balances[a.ID] = cash
	t.balanceMu.Unlock()
	return cash, nil
}

// AccountPlan is what one account was asked to trade.
type AccountPlan struct {
	Account      models.Account `json:"account"`
	TotalSpreads int            `json:"total_spreads"`
	Quantities   []int          `json:"quantities"`
	Skipped      string         `json:"skipped,omitempty"`
}

// EntryResult reports an ENTRY.
type EntryResult struct {
	Command          string        `json:"command"`
	Spread           models.Spread `json:"spread"`
	Plans            []AccountPlan `json:"plans"`
	Run              *dispatch.Run `json:"run,omitempty"`
	ExitCommandSaved bool          `json:"exit_command_saved"`
}

// ExitResult reports an EXIT.
type ExitResult struct {
	Command            string        `json:"command"`
	Spread             models.Spread `json:"spread"`
	Plans              []AccountPlan `json:"plans"`
	Run                *dispatch.Run `json:"run,omitempty"`
	ExitCommandCleared bool          `json:"exit_command_cleared"`
}

func (t *Trader) index(name string) (config.IndexConfig, error) {
	idx, ok := t.indices[strings.ToUpper(name)]
	if !ok {
		return config.IndexConfig{}, fmt.Errorf("%w: %s", ErrUnknownIndex, name)
	}
	return idx, nil
}

func (t *Trader) spread(cmd Command) (models.Spread, config.IndexConfig, error) {
	idx, err := t.index(cmd.Index)
	if err != nil {
		return models.Spread{}, idx, err
	}
	spread, err := sizing.BuildSpread(cmd.Intent(idx.SpreadWidth, idx.QuantityPerLot), t.resolver)
	if err != nil {
		return models.Spread{}, idx, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return spread, idx, nil
}

// forEachAccount runs fn for every account concurrently. fn must only write
// to its own slot.
func (t *Trader) forEachAccount(fn func(i int, a Account)) {
	var g errgroup.Group
	for i, a := range t.accounts {
		i, a := i, a
		g.Go(func() error {
			fn(i, a)
			return nil
		})
	}
	_ = g.Wait()
}

// Entry opens the spread in every account, sized from each account's cash
// as read once per session and the primary account's margin for one lot. The matching EXIT command is
// saved once any account has committed a chunk.
func (t *Trader) Entry(ctx context.Context, cmd Command) (EntryResult, error) {
	if cmd.Kind != KindEntry {
		return EntryResult{}, fmt.Errorf("%w: expected ENTRY, got %s", ErrInvalidCommand, cmd.Kind)
	}
	spread, idx, err := t.spread(cmd)
	if err != nil {
		return EntryResult{}, err
	}

	margin, err := retry.Do(ctx, t.retrier, "margin", func(ctx context.Context) (float64, error) {
		return t.primary.Session.GetMargin(ctx, []models.OrderLeg{spread.Buy, spread.Sell})
	})
	if err != nil {
		return EntryResult{}, fmt.Errorf("fetching margin per lot: %w", err)
	}
	if margin <= 0 {
		return EntryResult{}, fmt.Errorf("broker returned margin per lot %.2f", margin)
	}
	spread.MarginPerLot = margin

	result := EntryResult{Command: cmd.String(), Spread: spread, Plans: make([]AccountPlan, len(t.accounts))}
	log := t.logger.WithFields(logrus.Fields{"command": result.Command, "margin_per_lot": margin})
	log.WithFields(logrus.Fields{"buy": spread.Buy.Symbol, "sell": spread.Sell.Symbol}).Info("entry spread resolved")

	chunks := make([][]models.SpreadChunk, len(t.accounts))
	t.forEachAccount(func(i int, a Account) {
		plan := AccountPlan{Account: a.Account}
		defer func() { result.Plans[i] = plan }()

		cash, err := t.balance(ctx, a)
		if err != nil {
			plan.Skipped = fmt.Sprintf("fetching cash: %v", err)
			return
		}
		plan.Account.Balance = cash
		plan.TotalSpreads, err = sizing.TotalSpreads(cash, margin)
		if err != nil {
			plan.Skipped = err.Error()
			return
		}
		plan.Quantities, err = sizing.Quantities(plan.TotalSpreads, idx.Limits())
		if err != nil {
			plan.Skipped = err.Error()
			return
		}
		if len(plan.Quantities) == 0 {
			plan.Skipped = "insufficient cash for one spread"
			return
		}
		chunks[i] = sizing.Chunks(spread, plan.Quantities)
	})

	jobs := t.jobs(chunks)
	if len(jobs) == 0 {
		return result, ErrNothingToExecute
	}
	run := t.dispatcher.Dispatch(ctx, string(KindEntry), result.Command, jobs)
	result.Run = &run

	if anyCommitted(run) {
		if err := t.exits.Write(cmd.ExitCommand().String()); err != nil {
			log.WithError(err).Error("saving exit command")
			return result, fmt.Errorf("saving exit command: %w", err)
		}
		result.ExitCommandSaved = true
	}
	return result, nil
}

// Exit closes the spread in every account holding exactly it. Accounts
// whose open legs differ from the command, or whose legs are uneven, are
// skipped. The saved exit command is cleared when every dispatched chunk
// commits.
func (t *Trader) Exit(ctx context.Context, cmd Command) (ExitResult, error) {
	if cmd.Kind != KindExit {
		return ExitResult{}, fmt.Errorf("%w: expected EXIT, got %s", ErrInvalidCommand, cmd.Kind)
	}
	entry, idx, err := t.spread(cmd)
	if err != nil {
		return ExitResult{}, err
	}
	spread := entry.Reverse()

	result := ExitResult{Command: cmd.String(), Spread: spread, Plans: make([]AccountPlan, len(t.accounts))}
	log := t.logger.WithField("command", result.Command)
	log.WithFields(logrus.Fields{"buy": spread.Buy.Symbol, "sell": spread.Sell.Symbol}).Info("exit spread resolved")

	chunks := make([][]models.SpreadChunk, len(t.accounts))
	t.forEachAccount(func(i int, a Account) {
		plan := AccountPlan{Account: a.Account}
		defer func() { result.Plans[i] = plan }()

		totals, err := t.reconciler.TotalsForExit(ctx, a.Session)
		if err != nil {
			plan.Skipped = err.Error()
			return
		}
		// The long leg held is what the exit sells, the short leg what it buys.
		if totals.BuySymbol != spread.Sell.Symbol || totals.SellSymbol != spread.Buy.Symbol {
			plan.Skipped = fmt.Sprintf("%v: holds long %s short %s", ErrExitMismatch, totals.BuySymbol, totals.SellSymbol)
			log.WithField("account", a.Masked()).Warn(plan.Skipped)
			return
		}
		plan.TotalSpreads = totals.TotalSpreads
		plan.Quantities, err = sizing.Quantities(totals.TotalSpreads, idx.Limits())
		if err != nil {
			plan.Skipped = err.Error()
			return
		}
		chunks[i] = sizing.Chunks(spread, plan.Quantities)
	})

	jobs := t.jobs(chunks)
	if len(jobs) == 0 {
		return result, ErrNothingToExecute
	}
	run := t.dispatcher.Dispatch(ctx, string(KindExit), result.Command, jobs)
	result.Run = &run

	if run.Succeeded() {
		if err := t.exits.Clear(); err != nil {
			return result, fmt.Errorf("clearing exit command: %w", err)
		}
		result.ExitCommandCleared = true
	}
	return result, nil
}

func (t *Trader) jobs(chunks [][]models.SpreadChunk) []dispatch.AccountJob {
	var jobs []dispatch.AccountJob
	for i, c := range chunks {
		if len(c) == 0 {
			continue
		}
		a := t.accounts[i]
		jobs = append(jobs, dispatch.AccountJob{Account: a.Account, Executor: a.Executor, Chunks: c})
	}
	return jobs
}

func anyCommitted(run dispatch.Run) bool {
	for _, a := range run.Accounts {
		if committed, _ := a.Counts(); committed > 0 {
			return true
		}
	}
	return false
}

// AccountPositions is one account's reconciled positions.
type AccountPositions struct {
	Account    models.Account          `json:"account"`
	Positions  []models.PositionRecord `json:"positions"`
	Incomplete bool                    `json:"incomplete"`
	Error      string                  `json:"error,omitempty"`
}

// DetailsReport compares every account with the primary account. When the
// primary account holds nothing, Unverified is set, Notice says why, and
// every account's positions are listed as they are.
type DetailsReport struct {
	Reference  []models.PositionRecord `json:"reference"`
	Accounts   []AccountPositions      `json:"accounts"`
	Incomplete int                     `json:"incomplete"`
	Unverified bool                    `json:"unverified,omitempty"`
	Notice     string                  `json:"notice,omitempty"`
}

// Details snapshots the primary account's positions and reconciles every
// account against them.
func (t *Trader) Details(ctx context.Context) (DetailsReport, error) {
	ref, err := t.reconciler.Reconcile(ctx, t.primary.ID, t.primary.Session, nil)
	if err != nil {
		return DetailsReport{}, err
	}

	report := DetailsReport{Reference: ref, Accounts: make([]AccountPositions, len(t.accounts))}
	var snapshot reconcile.Reference
	if len(ref) == 0 {
		report.Unverified = true
		report.Notice = ErrNoPrimaryPosition.Error()
		t.logger.Warn(report.Notice)
	} else {
		snapshot = reconcile.ReferenceSnapshot(ref)
	}

	t.forEachAccount(func(i int, a Account) {
		ap := AccountPositions{Account: a.Account}
		positions, err := t.reconciler.Reconcile(ctx, a.ID, a.Session, snapshot)
		if err != nil {
			ap.Error = err.Error()
		}
		ap.Positions = positions
		ap.Incomplete = !report.Unverified && len(positions) == 0
		report.Accounts[i] = ap
	})
	for _, a := range report.Accounts {
		if a.Incomplete {
			report.Incomplete++
		}
	}
	return report, nil
}

// AccountPnL is one account's profit.
type AccountPnL struct {
	Account models.Account `json:"account"`
	reconcile.PnL
	Error string `json:"error,omitempty"`
}

// PnLReport is profit per account and summed.
type PnLReport struct {
	Accounts []AccountPnL  `json:"accounts"`
	Total    reconcile.PnL `json:"total"`
}

// PnL reads realised and unrealised profit for every account.
func (t *Trader) PnL(ctx context.Context) (PnLReport, error) {
	report := PnLReport{Accounts: make([]AccountPnL, len(t.accounts))}
	t.forEachAccount(func(i int, a Account) {
		ap := AccountPnL{Account: a.Account}
		pnl, err := t.reconciler.PnL(ctx, a.Session)
		if err != nil {
			ap.Error = err.Error()
		} else {
			ap.PnL = pnl
		}
		report.Accounts[i] = ap
	})
	if err := ctx.Err(); err != nil {
		return report, err
	}
	for _, a := range report.Accounts {
		report.Total.Realised += a.Realised
		report.Total.Unrealised += a.Unrealised
		report.Total.Total += a.Total
	}
	return report, nil
}

// AutoExitResult reports why and how an auto exit fired.
type AutoExitResult struct {
	Trigger    string      `json:"trigger"` // target | stop_loss
	Unrealised float64     `json:"unrealised"`
	Exit       *ExitResult `json:"exit,omitempty"`
}

// AutoExit watches the primary account's unrealised PnL and runs the saved
// exit command once it rises above the target or falls below the stop loss.
// It blocks until then or until ctx is done.
func (t *Trader) AutoExit(ctx context.Context, cmd Command) (AutoExitResult, error) {
	if cmd.Kind != KindAutoExit {
		return AutoExitResult{}, fmt.Errorf("%w: expected AUTOEXIT, got %s", ErrInvalidCommand, cmd.Kind)
	}
	saved, err := t.exits.Read()
	if err != nil {
		return AutoExitResult{}, err
	}
	exitCmd, err := ParseCommand(saved)
	if err != nil || exitCmd.Kind != KindExit {
		return AutoExitResult{}, fmt.Errorf("%w: saved exit command %q", ErrInvalidCommand, saved)
	}

	log := t.logger.WithFields(logrus.Fields{"stop_loss": cmd.StopLoss, "target": cmd.Target, "exit": saved})
	log.Info("auto exit armed")

	ticker := time.NewTicker(t.config.AutoExitPollInterval)
	defer ticker.Stop()

	for {
		pnl, err := t.reconciler.PnL(ctx, t.primary.Session)
		if err != nil {
			return AutoExitResult{}, fmt.Errorf("watching primary pnl: %w", err)
		}

		var trigger string
		switch {
		case pnl.Unrealised > cmd.Target:
			trigger = "target"
		case pnl.Unrealised < cmd.StopLoss:
			trigger = "stop_loss"
		}
		if trigger != "" {
			log.WithFields(logrus.Fields{"trigger": trigger, "unrealised": pnl.Unrealised}).Warn("auto exit triggered")
			res := AutoExitResult{Trigger: trigger, Unrealised: pnl.Unrealised}
			exit, err := t.Exit(ctx, exitCmd)
			res.Exit = &exit
			return res, err
		}

		select {
		case <-ctx.Done():
			return AutoExitResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Execute parses and runs one command line, returning the command's result.
func (t *Trader) Execute(ctx context.Context, line string) (any, error) {
	cmd, err := ParseCommand(line)
	if err != nil {
		return nil, err
	}
	switch cmd.Kind {
	case KindEntry:
		return t.Entry(ctx, cmd)
	case KindExit:
		return t.Exit(ctx, cmd)
	case KindDetails:
		return t.Details(ctx)
	case KindPnL:
		return t.PnL(ctx)
	case KindAutoExit:
		return t.AutoExit(ctx, cmd)
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidCommand, cmd.Kind)
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
