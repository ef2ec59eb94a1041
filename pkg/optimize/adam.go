// Package optimize provides the Adam optimizer used for Gaussian
// parameter updates, with per-group learning rates and moment buffers
// that track population growth and pruning.
package optimize

import (
	"fmt"
	"math"

	"gosplat/pkg/tensor"
)

// Adam implements the Adam update rule with bias correction. Each
// parameter group keeps its own learning rate, moment buffers and step
// counter; groups are created with AddGroup and resized alongside the
// parameters they shadow.
type Adam struct {
	beta1 float64
	beta2 float64
	eps   float64

	groups map[string]*group
}

type group struct {
	lr   float64
	step int

	// First and second moment estimates, allocated lazily to match
	// the parameter shape on the first Step call.
	m *tensor.Tensor
	v *tensor.Tensor
}

// NewAdam returns an optimizer with the standard moment decay rates.
func NewAdam() *Adam {
	return &Adam{
		beta1:  0.9,
		beta2:  0.999,
		eps:    1e-8,
		groups: make(map[string]*group),
	}
}

// AddGroup registers a parameter group under a name with its learning
// rate. Registering the same name twice resets its state.
func (a *Adam) AddGroup(name string, lr float64) {
	a.groups[name] = &group{lr: lr}
}

// SetLearningRate updates a group's learning rate, typically from a
// schedule between steps.
func (a *Adam) SetLearningRate(name string, lr float64) error {
	g, ok := a.groups[name]
	if !ok {
		return fmt.Errorf("unknown parameter group %q", name)
	}
	g.lr = lr
	return nil
}

// LearningRate returns a group's current learning rate.
func (a *Adam) LearningRate(name string) float64 {
	if g, ok := a.groups[name]; ok {
		return g.lr
	}
	return 0
}

// Step applies one Adam update to param in place using grad. The
// moment buffers are allocated on first use and must afterwards keep
// the same shape as the parameter; Grow and Prune maintain that
// alignment across population rebuilds.
func (a *Adam) Step(name string, param, grad *tensor.Tensor) error {
	g, ok := a.groups[name]
	if !ok {
		return fmt.Errorf("unknown parameter group %q", name)
	}
	if param.Rows() != grad.Rows() || param.Cols() != grad.Cols() {
		return fmt.Errorf("group %q: gradient shape %dx%d does not match parameter %dx%d",
			name, grad.Rows(), grad.Cols(), param.Rows(), param.Cols())
	}
	if g.m == nil {
		g.m = tensor.New(param.Rows(), param.Cols())
		g.v = tensor.New(param.Rows(), param.Cols())
	}
	if g.m.Rows() != param.Rows() || g.m.Cols() != param.Cols() {
		return fmt.Errorf("group %q: moment shape %dx%d does not match parameter %dx%d",
			name, g.m.Rows(), g.m.Cols(), param.Rows(), param.Cols())
	}

	g.step++
	c1 := 1 - math.Pow(a.beta1, float64(g.step))
	c2 := 1 - math.Pow(a.beta2, float64(g.step))

	p := param.Data()
	gr := grad.Data()
	m := g.m.Data()
	v := g.v.Data()
	for i := range p {
		gi := float64(gr[i])
		mi := a.beta1*float64(m[i]) + (1-a.beta1)*gi
		vi := a.beta2*float64(v[i]) + (1-a.beta2)*gi*gi
		m[i] = float32(mi)
		v[i] = float32(vi)

		update := g.lr * (mi / c1) / (math.Sqrt(vi/c2) + a.eps)
		p[i] = float32(float64(p[i]) - update)
	}
	return nil
}

// Grow appends rows of zeroed moment state to a group, matching new
// Gaussians appended to its parameter tensor. Fresh rows start with no
// momentum, as if newly registered.
func (a *Adam) Grow(name string, rows int) error {
	g, ok := a.groups[name]
	if !ok {
		return fmt.Errorf("unknown parameter group %q", name)
	}
	if g.m == nil || rows <= 0 {
		return nil
	}
	zeros := tensor.New(rows, g.m.Cols())
	if err := g.m.AppendRows(zeros); err != nil {
		return fmt.Errorf("group %q: %w", name, err)
	}
	if err := g.v.AppendRows(zeros); err != nil {
		return fmt.Errorf("group %q: %w", name, err)
	}
	return nil
}

// Prune compacts a group's moment state with the same keep mask applied
// to its parameter tensor, so surviving Gaussians keep their momentum.
func (a *Adam) Prune(name string, keep []bool) error {
	g, ok := a.groups[name]
	if !ok {
		return fmt.Errorf("unknown parameter group %q", name)
	}
	if g.m == nil {
		return nil
	}
	if _, err := g.m.Compact(keep); err != nil {
		return fmt.Errorf("group %q: %w", name, err)
	}
	if _, err := g.v.Compact(keep); err != nil {
		return fmt.Errorf("group %q: %w", name, err)
	}
	return nil
}

// ZeroMoments clears a group's moment state and step counter, as after
// a hard parameter reset that invalidates accumulated momentum.
func (a *Adam) ZeroMoments(name string) error {
	g, ok := a.groups[name]
	if !ok {
		return fmt.Errorf("unknown parameter group %q", name)
	}
	if g.m != nil {
		g.m.Zero()
		g.v.Zero()
	}
	g.step = 0
	return nil
}

// MomentRows reports the moment buffer length of a group, or -1 before
// the first step. Density-control code uses it to assert alignment.
func (a *Adam) MomentRows(name string) int {
	g, ok := a.groups[name]
	if !ok || g.m == nil {
		return -1
	}
	return g.m.Rows()
}

// ExponentialDecay interpolates a learning rate geometrically from
// initial to final over maxSteps. Steps beyond maxSteps hold the final
// rate.
func ExponentialDecay(initial, final float64, step, maxSteps int) float64 {
	if step >= maxSteps || initial <= 0 || final <= 0 {
		return final
	}
	t := float64(step) / float64(maxSteps)
	return initial * math.Pow(final/initial, t)
}
