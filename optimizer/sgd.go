package optimizer

import "github.com/quantmill/stocknet/layers"

// SGDConfig holds plain gradient descent hyperparameters.
type SGDConfig struct {
	LearningRate float64
}

// SGD implements plain gradient descent without momentum.
type SGD struct {
	cfg SGDConfig
}

// NewSGD creates a gradient descent optimizer.
func NewSGD(cfg SGDConfig) *SGD {
	return &SGD{cfg: cfg}
}

// Name returns "gd".
func (s *SGD) Name() string { return "gd" }

// Step applies one gradient descent update to every parameter.
func (s *SGD) Step(params []*layers.Param) {
	for _, p := range params {
		for i, g := range p.Grad {
			p.Data[i] -= s.cfg.LearningRate * g
		}
	}
}
