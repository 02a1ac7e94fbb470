package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/eddiefleurent/spread_mirror/internal/models"
	"github.com/eddiefleurent/spread_mirror/internal/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// AccountJob is one account's chunk list and the executor bound to its
// session.
type AccountJob struct {
	Account  models.Account
	Executor Executor
	Chunks   []models.SpreadChunk
}

// AccountReport is the per-account result of a dispatch.
type AccountReport struct {
	Account models.Account `json:"account"`
	Chunks  []ChunkReport  `json:"chunks"`
	// Err is set when the account could not run at all.
	Err error `json:"-"`
}

// Counts tallies committed and failed chunks.
func (r AccountReport) Counts() (committed, failed int) {
	for _, c := range r.Chunks {
		if c.Failed() {
			failed++
		} else {
			committed++
		}
	}
	return committed, failed
}

// UnwindFailures counts chunks whose compensating order did not fill.
func (r AccountReport) UnwindFailures() int {
	n := 0
	for _, c := range r.Chunks {
		if c.UnwindFailed() {
			n++
		}
	}
	return n
}

// Run is the outcome of one dispatch across accounts.
type Run struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Command  string          `json:"command"`
	Accounts []AccountReport `json:"accounts"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
}

// Succeeded reports whether every chunk of every account committed.
func (r Run) Succeeded() bool {
	for _, a := range r.Accounts {
		if a.Err != nil {
			return false
		}
		if _, failed := a.Counts(); failed > 0 {
			return false
		}
	}
	return true
}

// Recorder persists run and chunk outcomes.
type Recorder interface {
	StartRun(ctx context.Context, run storage.RunRecord) error
	RecordChunk(ctx context.Context, rec storage.ChunkRecord) error
	FinishRun(ctx context.Context, id string, at time.Time) error
}

// Dispatcher runs one BatchScheduler per account, all concurrently.
type Dispatcher struct {
	config   Config
	logger   logrus.FieldLogger
	recorder Recorder
	newID    func() string
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. config applies to every account's
// scheduler.
func NewDispatcher(logger logrus.FieldLogger, config ...Config) *Dispatcher {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Dispatcher{
		config: cfg,
		logger: logger,
		newID:  func() string { return uuid.New().String() },
		now:    time.Now,
	}
}

// WithRecorder journals every run through r.
func (d *Dispatcher) WithRecorder(r Recorder) *Dispatcher {
	d.recorder = r
	return d
}

// Dispatch runs every job and waits for all of them. Accounts are isolated:
// a rejection, an error or a panic in one never cancels or delays another.
// Reports are in job order.
func (d *Dispatcher) Dispatch(ctx context.Context, kind, command string, jobs []AccountJob) Run {
	run := Run{
		ID:       d.newID(),
		Kind:     kind,
		Command:  command,
		Accounts: make([]AccountReport, len(jobs)),
		Started:  d.now(),
	}
	log := d.logger.WithFields(logrus.Fields{"run": run.ID, "kind": kind, "accounts": len(jobs)})
	log.Info("dispatching")

	// Journal writes outlive a cancelled run so interruptions are recorded.
	journalCtx := context.WithoutCancel(ctx)
	if d.recorder != nil {
		if err := d.recorder.StartRun(journalCtx, storage.RunRecord{
			ID: run.ID, Kind: kind, Command: command, StartedAt: run.Started.UTC(),
		}); err != nil {
			log.WithError(err).Error("journal: recording run start")
		}
	}

	var g errgroup.Group
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			run.Accounts[i] = d.runAccount(ctx, journalCtx, run.ID, job)
			return nil
		})
	}
	_ = g.Wait()

	run.Finished = d.now()
	if d.recorder != nil {
		if err := d.recorder.FinishRun(journalCtx, run.ID, run.Finished.UTC()); err != nil {
			log.WithError(err).Error("journal: recording run finish")
		}
	}
	log.WithField("elapsed", run.Finished.Sub(run.Started)).Info("dispatch complete")
	return run
}

func (d *Dispatcher) runAccount(ctx, journalCtx context.Context, runID string, job AccountJob) (report AccountReport) {
	report.Account = job.Account
	log := d.logger.WithFields(logrus.Fields{"run": runID, "account": job.Account.Masked()})

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("account execution panicked: %v", r)
			report.Err = fmt.Errorf("account %s panicked: %v", job.Account.Masked(), r)
		}
	}()

	if job.Executor == nil {
		report.Err = errors.New("no executor for account")
		log.WithError(report.Err).Error("skipping account")
		return report
	}

	report.Chunks = NewBatchScheduler(job.Executor, log, d.config).Run(ctx, job.Chunks)

	committed, failed := report.Counts()
	entry := log.WithFields(logrus.Fields{"committed": committed, "failed": failed})
	if failed > 0 {
		entry.Warn("account finished with failed chunks")
	} else {
		entry.Info("account finished")
	}

	if d.recorder != nil {
		for _, c := range report.Chunks {
			if err := d.recorder.RecordChunk(journalCtx, chunkRecord(runID, job.Account.ID, c)); err != nil {
				log.WithError(err).Error("journal: recording chunk")
			}
		}
	}
	return report
}

func chunkRecord(runID, account string, c ChunkReport) storage.ChunkRecord {
	rec := storage.ChunkRecord{
		RunID:        runID,
		Account:      account,
		ChunkIndex:   c.Chunk.Index,
		Quantity:     c.Chunk.Quantity(),
		BuySymbol:    c.Chunk.Buy.Symbol,
		SellSymbol:   c.Chunk.Sell.Symbol,
		Outcome:      c.Outcome,
		UnwindFailed: c.UnwindFailed(),
	}
	if c.Err != nil {
		rec.Error = c.Err.Error()
	}
	return rec
}
