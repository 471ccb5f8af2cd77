// Package fsrs implements the spaced-repetition engine: the 17-weight
// memory model, the card state machine, review-queue assembly, and the
// per-user parameter optimizer that refits the weights from review logs.
package fsrs

import "codetop/internal/domain"

// DefaultWeights is the stock 17-weight set active until a user has enough
// history for a personal fit.
//
//	w0..w3   initial stability per first grade
//	w4, w5   initial difficulty (mean, grade slope)
//	w6, w7   difficulty update (grade slope, mean reversion)
//	w8..w10  recall stability growth
//	w11..w14 post-lapse stability
//	w15      hard penalty, w16 easy bonus
var DefaultWeights = domain.Weights{
	0.4, 0.6, 2.4, 5.8,
	4.93, 0.94,
	0.86, 0.01,
	1.49, 0.14, 0.94,
	2.18, 0.05, 0.34, 1.26,
	0.29, 2.61,
}

// DefaultRequestRetention is the stock retention target.
const DefaultRequestRetention = 0.9

// DefaultMaximumInterval is the stock ceiling on scheduled intervals, in
// days.
const DefaultMaximumInterval = 365

// WeightBounds is the per-weight search domain the optimizer clamps into
// after every gradient step.
type WeightBounds [domain.WeightCount][2]float64

// DefaultWeightBounds returns the stock clamp domains.
func DefaultWeightBounds() WeightBounds {
	return WeightBounds{
		{0.1, 100}, {0.1, 100}, {0.1, 100}, {0.1, 100},
		{1, 10}, {0.1, 5},
		{0.1, 5}, {0, 0.5},
		{0, 3}, {0.01, 0.8}, {0.01, 2.5},
		{0.5, 5}, {0.01, 0.2}, {0.01, 0.9}, {0.01, 2},
		{0, 1}, {1, 4},
	}
}

// Clamp forces each weight into its bound.
func (b WeightBounds) Clamp(w domain.Weights) domain.Weights {
	for i := range w {
		if w[i] < b[i][0] {
			w[i] = b[i][0]
		}
		if w[i] > b[i][1] {
			w[i] = b[i][1]
		}
	}
	return w
}

// Contains reports whether every weight lies inside its bound.
func (b WeightBounds) Contains(w domain.Weights) bool {
	for i := range w {
		if w[i] < b[i][0] || w[i] > b[i][1] {
			return false
		}
	}
	return true
}

// Params is one resolved parameter set the scheduler computes with: either
// the defaults or a user's active fitted row.
type Params struct {
	W                domain.Weights
	RequestRetention float64
	MaximumInterval  int
}

// DefaultParams returns the stock parameter set.
func DefaultParams() Params {
	return Params{
		W:                DefaultWeights,
		RequestRetention: DefaultRequestRetention,
		MaximumInterval:  DefaultMaximumInterval,
	}
}

// ParamsFrom builds scheduler parameters from a stored row, falling back
// to defaults for out-of-range fields.
func ParamsFrom(up *domain.UserParameters) Params {
	if up == nil {
		return DefaultParams()
	}
	p := Params{
		W:                up.W,
		RequestRetention: domain.ClampRetention(up.RequestRetention),
		MaximumInterval:  up.MaximumInterval,
	}
	if p.MaximumInterval <= 0 {
		p.MaximumInterval = DefaultMaximumInterval
	}
	return p
}
