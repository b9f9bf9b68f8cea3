package optimizer

import (
	"math"

	"github.com/quantmill/stocknet/layers"
)

// AdamConfig holds Adam hyperparameters.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

// DefaultAdamConfig returns the standard Adam hyperparameters.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Adam implements the Adam optimizer with bias-corrected first and second
// moment estimates. Moment buffers are allocated lazily on the first Step
// and keyed by parameter identity, so the same parameter set must be passed
// on every call.
type Adam struct {
	cfg  AdamConfig
	step int
	m    map[*layers.Param][]float64
	v    map[*layers.Param][]float64
}

// NewAdam creates an Adam optimizer with the given configuration.
func NewAdam(cfg AdamConfig) *Adam {
	return &Adam{
		cfg: cfg,
		m:   make(map[*layers.Param][]float64),
		v:   make(map[*layers.Param][]float64),
	}
}

// Name returns "adam".
func (a *Adam) Name() string { return "adam" }

// Step applies one Adam update to every parameter.
func (a *Adam) Step(params []*layers.Param) {
	a.step++
	c1 := 1 - math.Pow(a.cfg.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.cfg.Beta2, float64(a.step))
	for _, p := range params {
		m, ok := a.m[p]
		if !ok {
			m = make([]float64, len(p.Data))
			a.m[p] = m
		}
		v, ok := a.v[p]
		if !ok {
			v = make([]float64, len(p.Data))
			a.v[p] = v
		}
		for i, g := range p.Grad {
			m[i] = a.cfg.Beta1*m[i] + (1-a.cfg.Beta1)*g
			v[i] = a.cfg.Beta2*v[i] + (1-a.cfg.Beta2)*g*g
			mHat := m[i] / c1
			vHat := v[i] / c2
			p.Data[i] -= a.cfg.LearningRate * mHat / (math.Sqrt(vHat) + a.cfg.Epsilon)
		}
	}
}
