package transformer

import (
	"github.com/pkg/errors"
)

// Config fixes the encoder architecture.
type Config struct {
	Hidden       int
	Layers       int
	Heads        int
	FF           int
	MaxPositions int
	Vocab        int
	Dropout      float64
	LNEps        float64
}

var presets = map[string]Config{
	"tiny":  {Hidden: 32, Layers: 2, Heads: 2, FF: 64},
	"mini":  {Hidden: 128, Layers: 4, Heads: 4, FF: 512},
	"small": {Hidden: 256, Layers: 4, Heads: 4, FF: 1024},
	"base":  {Hidden: 768, Layers: 12, Heads: 12, FF: 3072},
}

// Preset returns the named architecture sized for vocab tokens.
func Preset(name string, vocab, maxPositions int, dropout float64) (Config, error) {
	c, ok := presets[name]
	if !ok {
		return Config{}, errors.Errorf("unknown encoder %q", name)
	}
	if maxPositions <= 0 {
		maxPositions = 512
	}
	c.Vocab = vocab
	c.MaxPositions = maxPositions
	c.Dropout = dropout
	c.LNEps = 1e-12
	return c, c.validate()
}

func (c Config) validate() error {
	switch {
	case c.Hidden <= 0 || c.Layers <= 0 || c.Heads <= 0 || c.FF <= 0:
		return errors.Errorf("encoder dims must be positive: %+v", c)
	case c.Hidden%c.Heads != 0:
		return errors.Errorf("hidden size %d not divisible by %d heads", c.Hidden, c.Heads)
	case c.Vocab <= 0:
		return errors.New("encoder vocabulary is empty")
	case c.MaxPositions <= 0:
		return errors.New("max positions must be positive")
	case c.Dropout < 0 || c.Dropout >= 1:
		return errors.Errorf("dropout %v outside [0,1)", c.Dropout)
	}
	return nil
}
