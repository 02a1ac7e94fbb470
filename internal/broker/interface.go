package broker

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/eddiefleurent/spread_mirror/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Session is one account's authenticated connection to the broker. A session
// belongs to exactly one account and is never shared between accounts.
type Session interface {
	// SubmitOrder places a leg and returns the broker's order reference.
	// An empty reference with a nil error means the broker refused the order.
	SubmitOrder(ctx context.Context, leg models.OrderLeg) (string, error)
	GetOrderStatus(ctx context.Context, orderRef string) (*OrderDetails, error)
	GetPositions(ctx context.Context) ([]PositionItem, error)
	// GetMargin returns the total margin the broker requires to hold legs.
	GetMargin(ctx context.Context, legs []models.OrderLeg) (float64, error)
	GetAvailableCash(ctx context.Context) (float64, error)
}

// SymbolResolver maps a trading symbol to the broker's instrument token.
type SymbolResolver interface {
	Token(symbol string) (string, error)
}

// ErrTransient marks an error that is worth retrying unchanged.
var ErrTransient = errors.New("transient broker error")

// IsTransient reports whether err is a temporary I/O or service failure that
// should be retried. Business rejections and caller cancellation are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == 429 || apiErr.Status >= 500 {
			return true
		}
		if apiErr.Status >= 400 {
			return false
		}
		// HTTP 200 with status=false: only throttling and the generic
		// "try after sometime" codes are temporary.
		return transientCodes[apiErr.Code] || containsTransientPattern(apiErr.Body)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return containsTransientPattern(err.Error())
}

var transientCodes = map[string]bool{
	"AB1004": true, // something went wrong, try after sometime
	"AB2000": true, // error not specified
}

func containsTransientPattern(msg string) bool {
	errStr := strings.ToLower(msg)

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"access rate",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
		"eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// CircuitBreakerSession wraps a Session with circuit breaker functionality.
// Only transient failures count toward tripping; an open breaker surfaces as
// a transient error so callers back off and retry.
type CircuitBreakerSession struct {
	session Session
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerSession implements Session at compile time.
var _ Session = (*CircuitBreakerSession)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	session Session,
	fn func(Session) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(session) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips after five requests at 60% transient
// failure and tries again after ten seconds.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      10 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewCircuitBreakerSession creates a CircuitBreakerSession named after the
// account it protects.
func NewCircuitBreakerSession(name string, session Session, logger logrus.FieldLogger,
	settings ...CircuitBreakerSettings) *CircuitBreakerSession {
	cfg := DefaultCircuitBreakerSettings
	if len(settings) > 0 {
		cfg = settings[0]
	}
	if logger == nil {
		logger = discardLogger()
	}

	gbSettings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}

	return &CircuitBreakerSession{
		session: session,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State exposes the breaker state for status reporting.
func (c *CircuitBreakerSession) State() gobreaker.State {
	return c.breaker.State()
}

// SubmitOrder wraps the underlying session call with circuit breaker
func (c *CircuitBreakerSession) SubmitOrder(ctx context.Context, leg models.OrderLeg) (string, error) {
	return execCircuitBreaker(c.breaker, c.session, func(s Session) (string, error) {
		return s.SubmitOrder(ctx, leg)
	})
}

// GetOrderStatus wraps the underlying session call with circuit breaker
func (c *CircuitBreakerSession) GetOrderStatus(ctx context.Context, orderRef string) (*OrderDetails, error) {
	return execCircuitBreaker(c.breaker, c.session, func(s Session) (*OrderDetails, error) {
		return s.GetOrderStatus(ctx, orderRef)
	})
}

// GetPositions wraps the underlying session call with circuit breaker
func (c *CircuitBreakerSession) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.session, func(s Session) ([]PositionItem, error) {
		return s.GetPositions(ctx)
	})
}

// GetMargin wraps the underlying session call with circuit breaker
func (c *CircuitBreakerSession) GetMargin(ctx context.Context, legs []models.OrderLeg) (float64, error) {
	return execCircuitBreaker(c.breaker, c.session, func(s Session) (float64, error) {
		return s.GetMargin(ctx, legs)
	})
}

// GetAvailableCash wraps the underlying session call with circuit breaker
func (c *CircuitBreakerSession) GetAvailableCash(ctx context.Context) (float64, error) {
	return execCircuitBreaker(c.breaker, c.session, func(s Session) (float64, error) {
		return s.GetAvailableCash(ctx)
	})
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
