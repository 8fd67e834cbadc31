package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/masashi-y/instance-based-tagging/utils"
)

// AdamConfig holds the moment coefficients shared by every group.
type AdamConfig struct {
	LR          float64
	Beta1       float64 // default 0.9
	Beta2       float64 // default 0.999
	Eps         float64 // default 1e-6
	CorrectBias bool
}

// AdamW is Adam with decoupled weight decay over parameter groups.
// LR is the current learning rate; a schedule rewrites it between steps.
type AdamW struct {
	Groups []Group
	LR     float64
	cfg    AdamConfig
	t      int
}

func NewAdamW(groups []Group, cfg AdamConfig) *AdamW {
	return &AdamW{Groups: groups, LR: cfg.LR, cfg: cfg}
}

// BaseLR is the configured peak learning rate.
func (o *AdamW) BaseLR() float64 { return o.cfg.LR }

// Steps returns how many optimizer steps have been applied.
func (o *AdamW) Steps() int { return o.t }

// Params lists every parameter across groups, in group order.
func (o *AdamW) Params() []*Param {
	var out []*Param
	for _, g := range o.Groups {
		out = append(out, g.Params...)
	}
	return out
}

func (o *AdamW) ZeroGrad() {
	for _, g := range o.Groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// ClipGradNorm rescales all gradients so their global norm is at most maxNorm
// and returns the norm measured before clipping.
func (o *AdamW) ClipGradNorm(maxNorm float64) float64 {
	params := o.Params()
	grads := make([]*mat.Dense, len(params))
	for i, p := range params {
		grads[i] = p.G
	}
	return utils.ClipGrads(maxNorm, grads...)
}

// Step applies one update to every parameter using its accumulated gradient.
func (o *AdamW) Step() {
	o.t++
	for _, g := range o.Groups {
		for _, p := range g.Params {
			if p.M == nil {
				p.M = utils.ZerosLike(p.W)
				p.V = utils.ZerosLike(p.W)
			}
			AdamUpdateInPlace(p.W, p.G, p.M, p.V, o.t, o.LR,
				o.cfg.Beta1, o.cfg.Beta2, o.cfg.Eps, g.WeightDecay, o.cfg.CorrectBias)
		}
	}
}

// p -= lr * m/(sqrt(v)+eps), then p -= lr * wd * p (decoupled decay).
// With correctBias the step size is scaled by sqrt(1-beta2^t)/(1-beta1^t).
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
	correctBias bool,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("adamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("adamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("adamUpdateInPlace: v shape mismatch")
	}
	stepSize := lr
	if correctBias {
		b1t := 1.0 - math.Pow(beta1, float64(t))
		b2t := 1.0 - math.Pow(beta2, float64(t))
		stepSize = lr * math.Sqrt(b2t) / b1t
	}
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			m.Set(i, j, mij)
			v.Set(i, j, vij)
			pij := p.At(i, j) - stepSize*mij/(math.Sqrt(vij)+eps)
			if weightDecay > 0 {
				pij -= lr * weightDecay * pij
			}
			p.Set(i, j, pij)
		}
	}
}
