package optimizations

import (
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Param is a named weight with its gradient buffer and Adam moments.
type Param struct {
	Name string
	W    *mat.Dense
	G    *mat.Dense

	// Adam state, allocated on the first step
	M, V *mat.Dense
}

func NewParam(name string, w *mat.Dense) *Param {
	r, c := w.Dims()
	return &Param{Name: name, W: w, G: mat.NewDense(r, c, nil)}
}

func (p *Param) ZeroGrad() {
	p.G.Zero()
}

// Group is a set of parameters sharing one weight decay coefficient.
type Group struct {
	Params      []*Param
	WeightDecay float64
}

// SplitDecayGroups builds the two AdamW groups: parameters whose name contains
// any of noDecay get no weight decay, everything else gets weightDecay.
func SplitDecayGroups(params []*Param, noDecay []string, weightDecay float64) []Group {
	decay := Group{WeightDecay: weightDecay}
	plain := Group{WeightDecay: 0}
	for _, p := range params {
		if matchesAny(p.Name, noDecay) {
			plain.Params = append(plain.Params, p)
		} else {
			decay.Params = append(decay.Params, p)
		}
	}
	return []Group{decay, plain}
}

func matchesAny(name string, subs []string) bool {
	for _, s := range subs {
		if s != "" && strings.Contains(name, s) {
			return true
		}
	}
	return false
}
