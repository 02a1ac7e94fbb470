// Package orders places option legs and drives two-leg spreads as
// compensating transactions.
package orders

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/eddiefleurent/spread_mirror/internal/broker"
	"github.com/eddiefleurent/spread_mirror/internal/metrics"
	"github.com/eddiefleurent/spread_mirror/internal/models"
	"github.com/eddiefleurent/spread_mirror/internal/retry"
	"github.com/sirupsen/logrus"
)

// Config contains configuration for the leg placer.
type Config struct {
	// PollInterval paces order status polls while an order is working. The
	// session's rate limiter, not this interval, holds an account under the
	// broker's request ceiling.
	PollInterval time.Duration
}

// DefaultConfig is the default configuration for the leg placer.
var DefaultConfig = Config{
	PollInterval: 250 * time.Millisecond,
}

// LegResult is what placing one leg produced.
type LegResult struct {
	Leg      models.OrderLeg  `json:"leg"`
	OrderRef string           `json:"order_ref,omitempty"`
	Status   models.LegStatus `json:"status"`
	Reason   string           `json:"reason,omitempty"`
}

// Placer places a single leg and waits for its terminal status.
type Placer interface {
	Place(ctx context.Context, leg models.OrderLeg) (LegResult, error)
}

// LegPlacer places one leg at a time against one account's session.
type LegPlacer struct {
	session broker.Session
	retrier *retry.Client
	logger  logrus.FieldLogger
	config  Config
}

// Ensure LegPlacer implements Placer at compile time.
var _ Placer = (*LegPlacer)(nil)

// NewLegPlacer creates a new leg placer instance.
func NewLegPlacer(
	session broker.Session,
	retrier *retry.Client,
	logger logrus.FieldLogger,
	config ...Config,
) *LegPlacer {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	// Guard against nil logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}

	// Validate required dependencies (fail fast to avoid later panics)
	if session == nil {
		panic("orders.NewLegPlacer: session must not be nil")
	}
	if retrier == nil {
		retrier = retry.NewClient(logger)
	}

	return &LegPlacer{
		session: session,
		retrier: retrier,
		logger:  logger,
		config:  cfg,
	}
}

// Place submits leg and polls until the broker reports complete or rejected.
// Transient failures are retried without limit. The returned error is
// non-nil only when ctx ends first; the status is then LegUnknown.
func (p *LegPlacer) Place(ctx context.Context, leg models.OrderLeg) (LegResult, error) {
	log := p.logger.WithFields(logrus.Fields{
		"side":     leg.Side,
		"symbol":   leg.Symbol,
		"quantity": leg.Quantity,
	})
	if leg.Tag == "" {
		leg = leg.WithTag(models.NewOrderTag())
	}
	log = log.WithField("tag", leg.Tag)
	result := LegResult{Leg: leg, Status: models.LegUnknown}

	ref, err := retry.Do(ctx, p.retrier, "submit_order", func(ctx context.Context) (string, error) {
		return p.session.SubmitOrder(ctx, leg)
	})
	if err != nil {
		if ctx.Err() != nil {
			return result, err
		}
		result.Status = models.LegRejected
		result.Reason = err.Error()
		log.WithError(err).Warn("order refused at submission")
		metrics.ObserveLeg(leg.Side, result.Status)
		return result, nil
	}
	metrics.LegsSubmitted.WithLabelValues(string(leg.Side)).Inc()

	if ref == "" {
		result.Status = models.LegRejected
		result.Reason = "no order reference returned"
		log.Warn("order refused at submission: no order reference")
		metrics.ObserveLeg(leg.Side, result.Status)
		return result, nil
	}
	result.OrderRef = ref
	log = log.WithField("order_ref", ref)
	log.Debug("order submitted")

	status, reason, err := p.pollUntilTerminal(ctx, ref, log)
	if err != nil {
		return result, err
	}
	result.Status = status
	result.Reason = reason
	metrics.ObserveLeg(leg.Side, status)

	if status == models.LegRejected {
		log.WithField("reason", reason).Warn("order rejected")
	} else {
		log.Info("order complete")
	}
	return result, nil
}

// pollUntilTerminal polls the order status until it is terminal.
func (p *LegPlacer) pollUntilTerminal(ctx context.Context, ref string, log logrus.FieldLogger) (models.LegStatus, string, error) {
	for {
		details, err := retry.Do(ctx, p.retrier, "order_status", func(ctx context.Context) (*broker.OrderDetails, error) {
			return p.session.GetOrderStatus(ctx, ref)
		})
		switch {
		case err != nil && ctx.Err() != nil:
			return models.LegUnknown, "", fmt.Errorf("polling order %s: %w", ref, err)
		case err != nil:
			// The order exists; a lookup that fails for another reason says
			// nothing about its fill, so keep asking.
			log.WithError(err).Warn("order status lookup failed")
		case details == nil:
			log.Warn("nil order status")
		default:
			if status, terminal := models.ParseOrderStatus(details.CurrentStatus()); terminal {
				return status, details.Text, nil
			}
			log.WithField("status", details.CurrentStatus()).Debug("order working")
		}

		select {
		case <-time.After(p.config.PollInterval):
		case <-ctx.Done():
			return models.LegUnknown, "", fmt.Errorf("polling order %s: %w", ref, ctx.Err())
		}
	}
}
