// Package optimizer provides gradient descent optimizers over flat parameter
// slices. Each optimizer mutates layers.Param.Data in place using the
// gradients accumulated in layers.Param.Grad.
package optimizer

import (
	"fmt"

	"github.com/quantmill/stocknet/layers"
)

// Optimizer updates model parameters from their accumulated gradients.
type Optimizer interface {
	// Step applies one update to every parameter.
	Step(params []*layers.Param)
	// Name returns the optimizer identifier.
	Name() string
}

// New resolves an optimizer by name. Supported names are "adam" and "gd";
// anything else is an error rather than a silent default.
func New(name string, lr float64) (Optimizer, error) {
	switch name {
	case "adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdam(cfg), nil
	case "gd":
		return NewSGD(SGDConfig{LearningRate: lr}), nil
	default:
		return nil, fmt.Errorf("optimizer %s is not supported", name)
	}
}

// ClipGradValue clamps every gradient element into [-limit, limit].
func ClipGradValue(params []*layers.Param, limit float64) {
	if limit <= 0 {
		return
	}
	for _, p := range params {
		for i, g := range p.Grad {
			if g > limit {
				p.Grad[i] = limit
			} else if g < -limit {
				p.Grad[i] = -limit
			}
		}
	}
}
