package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Instruments bundles the counters an EdgeHub deployment reports. Wiring
// one in is optional; a nil *Instruments records nothing.
type Instruments struct {
	ReplayRejected    metric.Int64Counter
	SkewRejected      metric.Int64Counter
	RateLimited       metric.Int64Counter
	PolicyDenied      metric.Int64Counter
	RotationsAdvised  metric.Int64Counter
}

// NewInstruments creates the syncstream counters on the named meter.
func NewInstruments(name string) (*Instruments, error) {
	meter := Meter(name)

	replayRejected, err := meter.Int64Counter(
		"relay.replay_rejected",
		metric.WithDescription("control envelopes rejected as duplicates"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: relay.replay_rejected: %w", err)
	}

	skewRejected, err := meter.Int64Counter(
		"relay.skew_rejected",
		metric.WithDescription("control envelopes rejected for timestamp skew"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: relay.skew_rejected: %w", err)
	}

	rateLimited, err := meter.Int64Counter(
		"edgehub.rate_limited",
		metric.WithDescription("seal/open attempts rejected by the rate gate"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: edgehub.rate_limited: %w", err)
	}

	policyDenied, err := meter.Int64Counter(
		"edgehub.policy_denied",
		metric.WithDescription("seal/open attempts rejected by the policy gate"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: edgehub.policy_denied: %w", err)
	}

	rotationsAdvised, err := meter.Int64Counter(
		"edgehub.rotations_advised",
		metric.WithDescription("times the rotation advisor recommended staging a new key version"),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: edgehub.rotations_advised: %w", err)
	}

	return &Instruments{
		ReplayRejected:   replayRejected,
		SkewRejected:     skewRejected,
		RateLimited:      rateLimited,
		PolicyDenied:     policyDenied,
		RotationsAdvised: rotationsAdvised,
	}, nil
}

// Count bumps a counter by one if it is non-nil.
func Count(ctx context.Context, counter metric.Int64Counter) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1)
}
