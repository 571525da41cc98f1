// Package sim provides the randomized trade simulator for the demo
// trading pool. It is explicitly a stochastic model, not a market-data
// driven one: each tick applies a uniform random percentage move to the
// position's running value.
//
// The percentage source is injected so tests can pin the outcome; the
// default source is a seedable PCG generator.
package sim

import (
	"errors"
	"math/rand/v2"

	"github.com/shopspring/decimal"
)

// Percent ranges per direction. Upticks are drawn from [UpMin, UpMax),
// downticks from [DownMin, DownMax).
var (
	UpMin   = decimal.NewFromInt(5)
	UpMax   = decimal.NewFromInt(20)
	DownMin = decimal.NewFromInt(2)
	DownMax = decimal.NewFromInt(15)
)

// Directions accepted by Simulate.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

var (
	// ErrInvalidDirection is returned for a direction other than up/down.
	ErrInvalidDirection = errors.New("sim: direction must be up or down")

	// ErrNonPositiveValue is returned when the current value is <= 0;
	// there is nothing to move.
	ErrNonPositiveValue = errors.New("sim: current value must be positive")
)

// PercentSource yields a percentage in [min, max). Injected so the
// simulator can be driven by a seeded or fixed source in tests.
type PercentSource interface {
	Uniform(min, max decimal.Decimal) decimal.Decimal
}

// Result is the outcome of one simulated trade tick. ChangeAmount is
// the signed absolute delta against the running value; the caller is
// responsible for recording it — the simulator has no side effects.
type Result struct {
	Percent      decimal.Decimal `json:"percent"`       // magnitude, always positive
	ChangeAmount decimal.Decimal `json:"change_amount"` // signed: positive up, negative down
}

// Simulator applies randomized percentage moves to position values.
type Simulator struct {
	src PercentSource
}

// NewSimulator creates a simulator backed by the given percent source.
// Pass nil to use a randomly-seeded default source.
func NewSimulator(src PercentSource) *Simulator {
	if src == nil {
		src = NewRandomSource(rand.Uint64(), rand.Uint64())
	}
	return &Simulator{src: src}
}

// Simulate draws a percentage move for the given direction and returns
// the resulting delta against currentValue.
func (s *Simulator) Simulate(direction string, currentValue decimal.Decimal) (*Result, error) {
	if currentValue.LessThanOrEqual(decimal.Zero) {
		return nil, ErrNonPositiveValue
	}

	var percent decimal.Decimal
	switch direction {
	case DirectionUp:
		percent = s.src.Uniform(UpMin, UpMax)
	case DirectionDown:
		percent = s.src.Uniform(DownMin, DownMax)
	default:
		return nil, ErrInvalidDirection
	}

	change := currentValue.Mul(percent).Div(decimal.NewFromInt(100))
	if direction == DirectionDown {
		change = change.Neg()
	}

	return &Result{Percent: percent, ChangeAmount: change}, nil
}

// RandomSource is the default PercentSource: uniform draws from a
// seedable PCG generator.
type RandomSource struct {
	rng *rand.Rand
}

// NewRandomSource creates a source seeded with the given PCG state.
func NewRandomSource(seed1, seed2 uint64) *RandomSource {
	return &RandomSource{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// Uniform returns a decimal in [min, max).
func (r *RandomSource) Uniform(min, max decimal.Decimal) decimal.Decimal {
	span := max.Sub(min).InexactFloat64()
	return min.Add(decimal.NewFromFloat(r.rng.Float64() * span))
}
