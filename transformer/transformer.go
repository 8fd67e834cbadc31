package transformer

import (
	"math/rand/v2"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/masashi-y/instance-based-tagging/optimizations"
	"github.com/masashi-y/instance-based-tagging/utils"
)

type Layer struct {
	Attn *Attention
	FF   *FeedForward
}

// Encoder is a BERT-style bidirectional transformer. Activations use the
// column-per-position layout: one sentence is an (H x T) matrix.
type Encoder struct {
	Cfg    Config
	Emb    *Embeddings
	Layers []*Layer

	params []*optimizations.Param
	rng    *rand.Rand // nil in eval mode
}

// Output holds per-sentence contextual vectors. Tapes are present only when
// the forward pass was tracked.
type Output struct {
	Hidden []*mat.Dense // (H x T) each
	Pooled []*mat.Dense // (H x 1), first position
	tapes  []*sentenceTape
}

// Tracked reports whether Backward can be called on this output.
func (o *Output) Tracked() bool { return o.tapes != nil }

type sentenceTape struct {
	emb  *embTape
	attn []*attnTape
	ff   []*ffTape
}

// New builds an encoder with weights drawn from N(0, 0.02^2).
func New(cfg Config, src rand.Source) (*Encoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	e := &Encoder{Cfg: cfg, Emb: newEmbeddings(cfg, src)}
	e.params = append(e.params, e.Emb.Params()...)
	for i := 0; i < cfg.Layers; i++ {
		prefix := "encoder.layer." + strconv.Itoa(i)
		l := &Layer{
			Attn: newAttention(prefix+".attention", cfg, src),
			FF:   newFeedForward(prefix, cfg, src),
		}
		e.Layers = append(e.Layers, l)
		e.params = append(e.params, l.Attn.Params()...)
		e.params = append(e.params, l.FF.Params()...)
	}
	return e, nil
}

func (e *Encoder) HiddenSize() int { return e.Cfg.Hidden }

// Parameters returns every trainable parameter in a stable order.
func (e *Encoder) Parameters() []*optimizations.Param { return e.params }

// Train enables dropout drawing from rng.
func (e *Encoder) Train(rng *rand.Rand) { e.rng = rng }

// Eval disables dropout.
func (e *Encoder) Eval() { e.rng = nil }

func (e *Encoder) Training() bool { return e.rng != nil }

// Encode runs every sentence of a padded batch. mask[b][t] is false for
// padding positions, which are excluded as attention keys.
func (e *Encoder) Encode(ids [][]int, mask [][]bool, track bool) (*Output, error) {
	if len(ids) != len(mask) {
		return nil, errors.Errorf("encode: %d sentences but %d masks", len(ids), len(mask))
	}
	out := &Output{
		Hidden: make([]*mat.Dense, len(ids)),
		Pooled: make([]*mat.Dense, len(ids)),
	}
	if track {
		out.tapes = make([]*sentenceTape, len(ids))
	}
	p := e.Cfg.Dropout
	for b, sent := range ids {
		if len(sent) != len(mask[b]) {
			return nil, errors.Errorf("encode: sentence %d has %d ids but %d mask entries", b, len(sent), len(mask[b]))
		}
		if len(sent) == 0 {
			return nil, errors.Errorf("encode: sentence %d is empty", b)
		}
		if len(sent) > e.Cfg.MaxPositions {
			return nil, errors.Errorf("encode: sentence %d has %d positions, max %d", b, len(sent), e.Cfg.MaxPositions)
		}
		for _, id := range sent {
			if id < 0 || id >= e.Cfg.Vocab {
				return nil, errors.Errorf("encode: token id %d outside vocabulary of %d", id, e.Cfg.Vocab)
			}
		}
		keyMask := utils.PaddingMask(mask[b])
		tp := &sentenceTape{}
		X, et := e.Emb.Forward(sent, p, e.rng)
		tp.emb = et
		for _, l := range e.Layers {
			var at *attnTape
			var ft *ffTape
			X, at = l.Attn.Forward(X, keyMask, p, e.rng)
			X, ft = l.FF.Forward(X, p, e.rng)
			tp.attn = append(tp.attn, at)
			tp.ff = append(tp.ff, ft)
		}
		out.Hidden[b] = X
		out.Pooled[b] = mat.DenseCopyOf(X.ColView(0))
		if track {
			out.tapes[b] = tp
		}
	}
	return out, nil
}

// Backward accumulates parameter gradients for dHidden, one (H x T) matrix per
// sentence of out. A nil entry skips that sentence.
func (e *Encoder) Backward(out *Output, dHidden []*mat.Dense) error {
	if !out.Tracked() {
		return errors.New("backward on an untracked encoder output")
	}
	if len(dHidden) != len(out.tapes) {
		return errors.Errorf("backward: %d gradients for %d sentences", len(dHidden), len(out.tapes))
	}
	for b, dY := range dHidden {
		if dY == nil {
			continue
		}
		hr, hc := out.Hidden[b].Dims()
		if r, c := dY.Dims(); r != hr || c != hc {
			return errors.Errorf("backward: sentence %d gradient is %dx%d, want %dx%d", b, r, c, hr, hc)
		}
		tp := out.tapes[b]
		d := dY
		for i := len(e.Layers) - 1; i >= 0; i-- {
			d = e.Layers[i].FF.Backward(tp.ff[i], d)
			d = e.Layers[i].Attn.Backward(tp.attn[i], d)
		}
		e.Emb.Backward(tp.emb, d)
	}
	return nil
}
