// Package dispatch fans spread chunks out across accounts, and within one
// account into bounded concurrent waves.
package dispatch

import (
	"context"
	"fmt"
	"io"

	"github.com/eddiefleurent/spread_mirror/internal/models"
	"github.com/eddiefleurent/spread_mirror/internal/orders"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Executor runs one chunk to a terminal outcome.
type Executor interface {
	Execute(ctx context.Context, chunk models.SpreadChunk) (orders.ChunkResult, error)
}

// Config holds configuration for the scheduler.
type Config struct {
	// BatchSize caps concurrently in-flight chunks per account. Each chunk
	// can burst three requests against a ~20 req/s session limit.
	BatchSize int
}

// MaxBatchSize is the most chunks one account may have in flight.
const MaxBatchSize = 6

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	BatchSize: MaxBatchSize,
}

// ChunkReport is a chunk's result plus any execution error (a malformed
// chunk, an interruption, or a recovered panic).
type ChunkReport struct {
	orders.ChunkResult
	Err error `json:"-"`
}

// Failed reports whether the chunk did not commit.
func (r ChunkReport) Failed() bool {
	return r.Err != nil || !r.Outcome.Succeeded()
}

// BatchScheduler runs one account's chunks in consecutive waves.
type BatchScheduler struct {
	executor Executor
	config   Config
	logger   logrus.FieldLogger
}

// NewBatchScheduler creates a scheduler over executor.
func NewBatchScheduler(executor Executor, logger logrus.FieldLogger, config ...Config) *BatchScheduler {
	if executor == nil {
		panic("dispatch.NewBatchScheduler: executor must not be nil")
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	return &BatchScheduler{executor: executor, config: cfg, logger: logger}
}

// Run executes chunks in waves of at most BatchSize and returns one report
// per chunk in input order. Every chunk of a wave reaches a terminal outcome
// before the next wave starts. Once ctx is done no further wave starts and
// the remaining chunks are reported Interrupted without being placed.
func (s *BatchScheduler) Run(ctx context.Context, chunks []models.SpreadChunk) []ChunkReport {
	reports := make([]ChunkReport, len(chunks))
	size := s.config.BatchSize

	for start, wave := 0, 0; start < len(chunks); start, wave = start+size, wave+1 {
		end := min(start+size, len(chunks))

		if err := ctx.Err(); err != nil {
			for i := start; i < len(chunks); i++ {
				reports[i] = ChunkReport{
					ChunkResult: orders.ChunkResult{Chunk: chunks[i], Outcome: models.OutcomeInterrupted},
					Err:         err,
				}
			}
			s.logger.WithField("wave", wave).WithError(err).Warn("skipping remaining waves")
			break
		}

		log := s.logger.WithFields(logrus.Fields{"wave": wave, "chunks": end - start})
		log.Debug("starting wave")

		// Chunk failures are recorded in reports; nothing here cancels
		// siblings.
		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				reports[i] = s.runChunk(ctx, chunks[i])
				return nil
			})
		}
		_ = g.Wait()

		log.Debug("wave complete")
	}
	return reports
}

func (s *BatchScheduler) runChunk(ctx context.Context, chunk models.SpreadChunk) (report ChunkReport) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("chunk", chunk.Index).Errorf("chunk execution panicked: %v", r)
			report = ChunkReport{
				ChunkResult: orders.ChunkResult{Chunk: chunk},
				Err:         fmt.Errorf("chunk %d panicked: %v", chunk.Index, r),
			}
		}
	}()

	res, err := s.executor.Execute(ctx, chunk)
	return ChunkReport{ChunkResult: res, Err: err}
}
