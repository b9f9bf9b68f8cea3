package optimizer

import (
	"math"
	"math/rand"
	"testing"

	"github.com/quantmill/stocknet/layers"
)

// quadratic is f(x) = sum((x - target)^2) with gradient 2(x - target).
func quadratic(p *layers.Param, target []float64) float64 {
	loss := 0.0
	for i, x := range p.Data {
		d := x - target[i]
		loss += d * d
		p.Grad[i] = 2 * d
	}
	return loss
}

func TestAdamConvergesOnQuadratic(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p := layers.NewParam("x", 4, 1)
	p.InitUniform(1, rng)
	target := []float64{0.5, -0.3, 0.8, 0.1}

	cfg := DefaultAdamConfig()
	cfg.LearningRate = 0.05
	opt := NewAdam(cfg)
	var loss float64
	for i := 0; i < 500; i++ {
		loss = quadratic(p, target)
		opt.Step([]*layers.Param{p})
	}
	if loss > 1e-4 {
		t.Errorf("adam failed to converge, final loss %g", loss)
	}
}

func TestSGDConvergesOnQuadratic(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	p := layers.NewParam("x", 4, 1)
	p.InitUniform(1, rng)
	target := []float64{0.5, -0.3, 0.8, 0.1}

	opt := NewSGD(SGDConfig{LearningRate: 0.1})
	var loss float64
	for i := 0; i < 200; i++ {
		loss = quadratic(p, target)
		opt.Step([]*layers.Param{p})
	}
	if loss > 1e-6 {
		t.Errorf("sgd failed to converge, final loss %g", loss)
	}
}

func TestAdamFirstStepMagnitude(t *testing.T) {
	// With bias correction the very first Adam step moves each coordinate
	// by roughly lr in the direction opposite the gradient.
	p := layers.NewParam("x", 2, 1)
	p.Grad[0] = 3
	p.Grad[1] = -0.01
	cfg := DefaultAdamConfig()
	cfg.LearningRate = 0.01
	opt := NewAdam(cfg)
	opt.Step([]*layers.Param{p})
	if math.Abs(p.Data[0]+cfg.LearningRate) > 1e-6 {
		t.Errorf("first step for coord 0 = %g, want about %g", p.Data[0], -cfg.LearningRate)
	}
	if math.Abs(p.Data[1]-cfg.LearningRate) > 1e-4 {
		t.Errorf("first step for coord 1 = %g, want about %g", p.Data[1], cfg.LearningRate)
	}
}

func TestNewRejectsUnknownOptimizer(t *testing.T) {
	if _, err := New("rmsprop", 0.01); err == nil {
		t.Fatal("expected error for unsupported optimizer name")
	}
	for _, name := range []string{"adam", "gd"} {
		opt, err := New(name, 0.01)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if opt.Name() != name {
			t.Errorf("Name() = %q, want %q", opt.Name(), name)
		}
	}
}

func TestClipGradValue(t *testing.T) {
	p := layers.NewParam("x", 3, 1)
	copy(p.Grad, []float64{5, -4, 1.5})
	ClipGradValue([]*layers.Param{p}, 3)
	want := []float64{3, -3, 1.5}
	for i, g := range p.Grad {
		if g != want[i] {
			t.Errorf("grad[%d] = %g, want %g", i, g, want[i])
		}
	}
}
