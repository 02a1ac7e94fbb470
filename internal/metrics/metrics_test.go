package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eddiefleurent/spread_mirror/internal/retry"
	"github.com/prometheus/client_golang/prometheus"
)

func gaugeValue(t *testing.T, name string) float64 {
	t.Helper()
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("%s metric not found", name)
	return 0
}

func TestDegradedGaugeReturnsToZeroOnCancel(t *testing.T) {
	before := gaugeValue(t, "spread_broker_degraded_calls")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	c := retry.NewClient(nil, retry.Config{Interval: 5 * time.Millisecond}).WithObserver(RetryObserver{})
	_, err := retry.Do(ctx, c, "positions", func(context.Context) (int, error) {
		return 0, errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}

	if got := gaugeValue(t, "spread_broker_degraded_calls"); got != before {
		t.Fatalf("degraded calls gauge = %v after cancellation, want %v", got, before)
	}
}
