package orders

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddiefleurent/spread_mirror/internal/broker"
	"github.com/eddiefleurent/spread_mirror/internal/models"
	"github.com/eddiefleurent/spread_mirror/internal/retry"
)

// fakeSession implements broker.Session with scripted outcomes keyed by
// "SIDE SYMBOL".
type fakeSession struct {
	mu        sync.Mutex
	submitted []models.OrderLeg
	// tags of every submit attempt, including failed ones
	tags []string
	refs      map[string]string
	polls     map[string]int

	// transient submit failures before the first success
	submitTransient int32
	// transient status failures before the first success, per poll
	statusTransient int32
	// polls that report "open" before the terminal status
	workingPolls int

	permanentSubmit map[string]error
	emptyRef        map[string]bool
	finalStatus     map[string]string // default "complete"

	// block makes GetOrderStatus report "open" forever
	block bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		refs:            map[string]string{},
		polls:           map[string]int{},
		permanentSubmit: map[string]error{},
		emptyRef:        map[string]bool{},
		finalStatus:     map[string]string{},
	}
}

func key(leg models.OrderLeg) string {
	return string(leg.Side) + " " + leg.Symbol
}

func (f *fakeSession) SubmitOrder(ctx context.Context, leg models.OrderLeg) (string, error) {
	f.mu.Lock()
	f.tags = append(f.tags, leg.Tag)
	f.mu.Unlock()
	if atomic.AddInt32(&f.submitTransient, -1) >= 0 {
		return "", &broker.APIError{Status: 503, Body: "unavailable"}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, leg)
	k := key(leg)
	if err := f.permanentSubmit[k]; err != nil {
		return "", err
	}
	if f.emptyRef[k] {
		return "", nil
	}
	ref := fmt.Sprintf("ref-%d", len(f.submitted))
	f.refs[ref] = k
	return ref, nil
}

func (f *fakeSession) GetOrderStatus(ctx context.Context, orderRef string) (*broker.OrderDetails, error) {
	if atomic.AddInt32(&f.statusTransient, -1) >= 0 {
		return nil, fmt.Errorf("read tcp: connection reset by peer")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.refs[orderRef]
	if !ok {
		return nil, &broker.APIError{Status: 200, Code: "AB1013", Body: "order not found"}
	}
	f.polls[orderRef]++
	if f.block || f.polls[orderRef] <= f.workingPolls {
		return &broker.OrderDetails{UniqueOrderID: orderRef, OrderStatus: "open"}, nil
	}
	status := f.finalStatus[k]
	if status == "" {
		status = "complete"
	}
	d := &broker.OrderDetails{UniqueOrderID: orderRef, OrderStatus: status}
	if status != "complete" {
		d.Text = "RMS: margin exceeds"
	}
	return d, nil
}

func (f *fakeSession) GetPositions(ctx context.Context) ([]broker.PositionItem, error) {
	return nil, nil
}

func (f *fakeSession) GetMargin(ctx context.Context, legs []models.OrderLeg) (float64, error) {
	return 0, nil
}

func (f *fakeSession) GetAvailableCash(ctx context.Context) (float64, error) {
	return 0, nil
}

func (f *fakeSession) submittedLegs() []models.OrderLeg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.OrderLeg, len(f.submitted))
	copy(out, f.submitted)
	return out
}

func newTestPlacer(s broker.Session) *LegPlacer {
	return NewLegPlacer(s, retry.NewClient(nil, retry.Config{Interval: time.Millisecond}), nil,
		Config{PollInterval: time.Millisecond})
}

func buyLeg() models.OrderLeg {
	return models.NewLeg(models.SideBuy, "NIFTY25JAN2421700CE", "43001", 900)
}

func sellLeg() models.OrderLeg {
	return models.NewLeg(models.SideSell, "NIFTY25JAN2421500CE", "42999", 900)
}

func testChunk() models.SpreadChunk {
	return models.SpreadChunk{Index: 0, Buy: buyLeg(), Sell: sellLeg()}
}
