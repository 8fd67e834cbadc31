// Package model turns sub-word encoder output into word representations.
package model

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/masashi-y/instance-based-tagging/optimizations"
	"github.com/masashi-y/instance-based-tagging/transformer"
)

// Encoder maps padded token ids to contextual vectors, one (H x T) matrix per sentence.
type Encoder interface {
	Encode(ids [][]int, mask [][]bool, track bool) (*transformer.Output, error)
	Backward(out *transformer.Output, dHidden []*mat.Dense) error
	HiddenSize() int
	Parameters() []*optimizations.Param
	Train(rng *rand.Rand)
	Eval()
}

type Model struct {
	Encoder Encoder
}

func New(enc Encoder) *Model {
	return &Model{Encoder: enc}
}

func (m *Model) Parameters() []*optimizations.Param { return m.Encoder.Parameters() }

// Extract controls one call to WordRepresentations.
type Extract struct {
	// ShardSize splits the batch into chunks of at most this many sentences
	// when it is positive and smaller than the batch.
	ShardSize int
	// Detach drops the gradient tapes of sharded chunks.
	Detach bool
	// Track keeps tapes so Reps.Backward can reach the encoder.
	Track bool
}

// Reps holds one (S x H) word matrix per sentence.
type Reps struct {
	Words  []*mat.Dense
	enc    Encoder
	chunks []chunk
}

type chunk struct {
	start   int
	out     *transformer.Output
	mappers []*mat.Dense
}

// Tracked reports whether Backward reaches the encoder.
func (r *Reps) Tracked() bool {
	for _, c := range r.chunks {
		if c.out.Tracked() {
			return true
		}
	}
	return false
}

// WordRepresentations encodes ids and pools sub-word vectors into word slots:
// words[b] = mappers[b] · hidden[b]ᵀ. Padding word slots have zero mapper rows
// and come out as zero vectors.
func (m *Model) WordRepresentations(ids [][]int, mappers []*mat.Dense, opts Extract) (*Reps, error) {
	if len(ids) != len(mappers) {
		return nil, errors.Errorf("%d sentences but %d mapping matrices", len(ids), len(mappers))
	}
	for b, s := range ids {
		r, c := mappers[b].Dims()
		if r != len(s) || c != len(s) {
			return nil, errors.Errorf("sentence %d: mapping is %dx%d, want %dx%d", b, r, c, len(s), len(s))
		}
	}

	n := len(ids)
	size := n
	sharded := opts.ShardSize > 0 && opts.ShardSize < n
	if sharded {
		size = opts.ShardSize
	}
	track := opts.Track && !(sharded && opts.Detach)

	reps := &Reps{Words: make([]*mat.Dense, 0, n), enc: m.Encoder}
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		out, err := m.Encoder.Encode(ids[start:end], attentionMask(ids[start:end]), track)
		if err != nil {
			return nil, errors.Wrapf(err, "encode sentences %d-%d", start, end)
		}
		for b, h := range out.Hidden {
			var w mat.Dense
			w.Mul(mappers[start+b], h.T())
			reps.Words = append(reps.Words, &w)
		}
		reps.chunks = append(reps.chunks, chunk{start: start, out: out, mappers: mappers[start:end]})
	}
	return reps, nil
}

// Backward sends dWords, one (S x H) matrix per sentence, back into the
// encoder's parameter gradients. It does nothing for untracked reps.
func (r *Reps) Backward(dWords []*mat.Dense) error {
	if len(dWords) != len(r.Words) {
		return errors.Errorf("backward: %d gradients for %d sentences", len(dWords), len(r.Words))
	}
	for _, c := range r.chunks {
		if !c.out.Tracked() {
			continue
		}
		dHidden := make([]*mat.Dense, len(c.mappers))
		for b, mp := range c.mappers {
			dW := dWords[c.start+b]
			if dW == nil {
				continue
			}
			// hidden gradient is (mapperᵀ · dW)ᵀ = dWᵀ · mapper
			var dH mat.Dense
			dH.Mul(dW.T(), mp)
			dHidden[b] = &dH
		}
		if err := r.enc.Backward(c.out, dHidden); err != nil {
			return err
		}
	}
	return nil
}

func attentionMask(ids [][]int) [][]bool {
	mask := make([][]bool, len(ids))
	for b, s := range ids {
		mask[b] = make([]bool, len(s))
		for t, id := range s {
			mask[b][t] = id != 0
		}
	}
	return mask
}
