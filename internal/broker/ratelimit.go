package broker

import (
	"context"
	"fmt"

	"github.com/eddiefleurent/spread_mirror/internal/models"
	"golang.org/x/time/rate"
)

// The broker allows roughly 20 requests per second per session. The default
// leaves headroom for clock skew between our bucket and theirs.
const (
	DefaultRequestsPerSecond = 18
	DefaultBurst             = 1
)

// RateLimits configures a session's token bucket.
type RateLimits struct {
	RequestsPerSecond float64
	Burst             int
}

// RateLimitedSession makes every call of one session wait for a token, so
// all chunks in flight for an account share the account's request budget.
type RateLimitedSession struct {
	session Session
	limiter *rate.Limiter
}

// Ensure RateLimitedSession implements Session at compile time.
var _ Session = (*RateLimitedSession)(nil)

// NewRateLimitedSession wraps session in a token bucket. Zero limits take
// the package defaults.
func NewRateLimitedSession(session Session, limits ...RateLimits) *RateLimitedSession {
	if session == nil {
		panic("broker.NewRateLimitedSession: session must not be nil")
	}
	cfg := RateLimits{RequestsPerSecond: DefaultRequestsPerSecond, Burst: DefaultBurst}
	if len(limits) > 0 {
		if limits[0].RequestsPerSecond > 0 {
			cfg.RequestsPerSecond = limits[0].RequestsPerSecond
		}
		if limits[0].Burst > 0 {
			cfg.Burst = limits[0].Burst
		}
	}
	return &RateLimitedSession{
		session: session,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

// wait blocks for a token. A wait that cannot finish before ctx's deadline
// is transient: the caller backs off and asks again.
func (r *RateLimitedSession) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

// SubmitOrder waits for a token, then submits.
func (r *RateLimitedSession) SubmitOrder(ctx context.Context, leg models.OrderLeg) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	return r.session.SubmitOrder(ctx, leg)
}

// GetOrderStatus waits for a token, then asks for the order's status.
func (r *RateLimitedSession) GetOrderStatus(ctx context.Context, orderRef string) (*OrderDetails, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.session.GetOrderStatus(ctx, orderRef)
}

func (r *RateLimitedSession) GetPositions(ctx context.Context) ([]PositionItem, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	return r.session.GetPositions(ctx)
}

func (r *RateLimitedSession) GetMargin(ctx context.Context, legs []models.OrderLeg) (float64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	return r.session.GetMargin(ctx, legs)
}

func (r *RateLimitedSession) GetAvailableCash(ctx context.Context) (float64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	return r.session.GetAvailableCash(ctx)
}
