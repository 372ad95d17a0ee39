package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records turn and payment activity. A nil *Metrics is a no-op.
type Metrics struct {
	turns      metric.Int64Counter
	payments   metric.Int64Counter
	paidSats   metric.Int64Counter
	chunks     metric.Int64Counter
	settleWait metric.Float64Histogram
}

// NewMetrics registers the instruments on the global meter provider, so call
// it after Init.
func NewMetrics() (*Metrics, error) {
	meter := Meter("nostragent/runtime")
	var (
		m   Metrics
		err error
	)
	if m.turns, err = meter.Int64Counter("nostragent.turns",
		metric.WithDescription("Turns processed, by outcome")); err != nil {
		return nil, fmt.Errorf("telemetry: turns counter: %w", err)
	}
	if m.payments, err = meter.Int64Counter("nostragent.payments",
		metric.WithDescription("Payment gate decisions, by method")); err != nil {
		return nil, fmt.Errorf("telemetry: payments counter: %w", err)
	}
	if m.paidSats, err = meter.Int64Counter("nostragent.payments.sats",
		metric.WithDescription("Satoshis authorized, by method"),
		metric.WithUnit("{sat}")); err != nil {
		return nil, fmt.Errorf("telemetry: sats counter: %w", err)
	}
	if m.chunks, err = meter.Int64Counter("nostragent.chunks",
		metric.WithDescription("Agent output chunks, by kind")); err != nil {
		return nil, fmt.Errorf("telemetry: chunks counter: %w", err)
	}
	if m.settleWait, err = meter.Float64Histogram("nostragent.settlement.wait",
		metric.WithDescription("Time spent waiting for invoice settlement"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("telemetry: settlement histogram: %w", err)
	}
	return &m, nil
}

func (m *Metrics) Turn(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) Payment(ctx context.Context, method string, sats int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("method", method))
	m.payments.Add(ctx, 1, attrs)
	if sats > 0 {
		m.paidSats.Add(ctx, sats, attrs)
	}
}

func (m *Metrics) Chunk(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) SettlementWait(ctx context.Context, d time.Duration, result string) {
	if m == nil {
		return
	}
	m.settleWait.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("result", result)))
}
