// Package retry runs broker calls until they stop failing transiently.
package retry

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/eddiefleurent/spread_mirror/internal/broker"
	"github.com/sirupsen/logrus"
)

// Health is the state of one retry spell.
type Health int

const (
	Healthy Health = iota
	Degraded
)

func (h Health) String() string {
	if h == Degraded {
		return "degraded"
	}
	return "healthy"
}

// Observer is told once when a call starts failing transiently and once when
// that spell ends, whether by success, a permanent error or cancellation.
// Implementations must be safe for concurrent use.
type Observer interface {
	Degraded(op string, err error)
	Recovered(op string, attempts int)
}

type Config struct {
	// Interval is the fixed wait between attempts.
	Interval time.Duration
}

var DefaultConfig = Config{
	Interval: 1 * time.Second,
}

// Client retries transient failures forever at a fixed interval. It holds no
// per-call state, so one Client can serve every goroutine of an account.
type Client struct {
	logger    logrus.FieldLogger
	observer  Observer
	transient func(error) bool
	config    Config
}

func NewClient(logger logrus.FieldLogger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	return &Client{
		logger:    logger,
		transient: broker.IsTransient,
		config:    cfg,
	}
}

// WithObserver attaches an observer for degraded/recovered notices.
func (c *Client) WithObserver(o Observer) *Client {
	c.observer = o
	return c
}

// WithClassifier replaces broker.IsTransient as the retry predicate.
func (c *Client) WithClassifier(fn func(error) bool) *Client {
	if fn != nil {
		c.transient = fn
	}
	return c
}

// Interval returns the configured wait between attempts.
func (c *Client) Interval() time.Duration {
	return c.config.Interval
}

// Do calls fn until it returns nil or a non-transient error. Transient
// errors never escape; the only way out of a failing spell is success, a
// permanent error, or ctx cancellation. A degraded spell is closed with
// Observer.Recovered however it ends.
func Do[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (v T, err error) {
	var zero T
	health := Healthy
	attempts := 0

	defer func() {
		if health != Degraded {
			return
		}
		log := c.logger.WithFields(logrus.Fields{"op": op, "attempts": attempts})
		if ctx.Err() != nil && err != nil {
			log.Info("retry abandoned: context done")
		} else {
			log.Info("broker call recovered")
		}
		if c.observer != nil {
			c.observer.Recovered(op, attempts)
		}
	}()

	for {
		if cerr := ctx.Err(); cerr != nil {
			return zero, fmt.Errorf("%s canceled after %d attempts: %w", op, attempts, cerr)
		}

		attempts++
		v, err = fn(ctx)
		if err == nil || !c.transient(err) {
			return v, err
		}

		if health == Healthy {
			health = Degraded
			c.logger.WithFields(logrus.Fields{"op": op}).WithError(err).
				Warnf("transient broker error, retrying every %v", c.config.Interval)
			if c.observer != nil {
				c.observer.Degraded(op, err)
			}
		} else {
			c.logger.WithFields(logrus.Fields{"op": op, "attempt": attempts}).WithError(err).Debug("still failing")
		}

		select {
		case <-time.After(c.config.Interval):
		case <-ctx.Done():
			return zero, fmt.Errorf("%s canceled during backoff after %d attempts: %w", op, attempts, ctx.Err())
		}
	}
}
