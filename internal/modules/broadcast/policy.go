package broadcast

import (
	"time"

	"medidrop/internal/config"
)

// Policy is the timing and radius schedule of one broadcast kind.
type Policy struct {
	Kind           Kind
	Flavor         Flavor
	BatchSize      int
	PhaseDuration  time.Duration
	StepDuration   time.Duration
	OverallTimeout time.Duration
	MaxAttempts    int
	BaseRadiusKm   float64
	RadiusStepKm   float64
	MaxRadiusKm    float64
}

type Policies map[Kind]Policy

func PoliciesFromConfig(cfg config.BroadcastConfig) Policies {
	return Policies{
		KindDelivery:     policyFrom(KindDelivery, FlavorParallelSequential, cfg.Delivery),
		KindCart:         policyFrom(KindCart, FlavorParallelSequential, cfg.Cart),
		KindPrescription: policyFrom(KindPrescription, FlavorRounds, cfg.Prescription),
	}
}

func policyFrom(kind Kind, flavor Flavor, c config.PolicyConfig) Policy {
	p := Policy{
		Kind:           kind,
		Flavor:         flavor,
		BatchSize:      c.BatchSize,
		PhaseDuration:  c.PhaseDuration,
		StepDuration:   c.StepDuration,
		OverallTimeout: c.OverallTimeout,
		MaxAttempts:    c.MaxAttempts,
		BaseRadiusKm:   c.BaseRadiusKm,
		RadiusStepKm:   c.RadiusStepKm,
		MaxRadiusKm:    c.MaxRadiusKm,
	}
	if p.BatchSize < 1 {
		p.BatchSize = 1
	}
	if p.MaxRadiusKm < p.BaseRadiusKm {
		p.MaxRadiusKm = p.BaseRadiusKm
	}
	return p
}

// DefaultPolicies mirrors the defaults of config.Load.
func DefaultPolicies() Policies {
	return Policies{
		KindDelivery: {
			Kind: KindDelivery, Flavor: FlavorParallelSequential, BatchSize: 3,
			PhaseDuration: 20 * time.Second, StepDuration: 20 * time.Second, OverallTimeout: 3 * time.Minute,
			MaxAttempts: 10, BaseRadiusKm: 10, RadiusStepKm: 10, MaxRadiusKm: 50,
		},
		KindCart: {
			Kind: KindCart, Flavor: FlavorParallelSequential, BatchSize: 5,
			PhaseDuration: 15 * time.Second, StepDuration: 15 * time.Second, OverallTimeout: 3 * time.Minute,
			MaxAttempts: 10, BaseRadiusKm: 10, RadiusStepKm: 10, MaxRadiusKm: 50,
		},
		KindPrescription: {
			Kind: KindPrescription, Flavor: FlavorRounds, BatchSize: 5,
			PhaseDuration: 3 * time.Minute, StepDuration: 3 * time.Minute, OverallTimeout: 10 * time.Minute,
			MaxAttempts: 3, BaseRadiusKm: 10, RadiusStepKm: 20, MaxRadiusKm: 50,
		},
	}
}

// nextRadius grows r by one step, clamped to the maximum.
func (p Policy) nextRadius(r float64) float64 {
	next := r + p.RadiusStepKm
	if next > p.MaxRadiusKm {
		next = p.MaxRadiusKm
	}
	if next < r {
		next = r
	}
	return next
}

func (p Policy) firstPhase() Phase {
	if p.Flavor == FlavorRounds {
		return PhaseRound
	}
	return PhaseControlledParallel
}
