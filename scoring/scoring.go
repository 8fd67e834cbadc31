// Package scoring counts tagging matches for precision, recall and F1.
package scoring

import (
	"strings"

	"github.com/pkg/errors"
)

// Counts are the per-batch totals a scorer produces.
type Counts struct {
	Predicted int
	Gold      int
	Correct   int
}

// Scorer compares predicted tags with gold tags. Predictions may be longer
// than the gold sentence (padding slots); the tail is ignored.
type Scorer interface {
	Score(preds, golds [][]string) (Counts, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(preds, golds [][]string) (Counts, error)

func (f ScorerFunc) Score(preds, golds [][]string) (Counts, error) { return f(preds, golds) }

// Accuracy counts every real token as predicted and gold; correct tokens
// match exactly.
var Accuracy Scorer = ScorerFunc(accuracy)

// Spans counts chunks the way conlleval does, for IOB1, IOB2 and IOBES tags.
var Spans Scorer = ScorerFunc(spans)

func aligned(preds, golds [][]string) error {
	if len(preds) != len(golds) {
		return errors.Errorf("%d predicted sentences for %d gold sentences", len(preds), len(golds))
	}
	for i := range golds {
		if len(preds[i]) < len(golds[i]) {
			return errors.Errorf("sentence %d: %d predictions for %d gold tags", i, len(preds[i]), len(golds[i]))
		}
	}
	return nil
}

func accuracy(preds, golds [][]string) (Counts, error) {
	var c Counts
	if err := aligned(preds, golds); err != nil {
		return c, err
	}
	for i, gold := range golds {
		for j, g := range gold {
			c.Predicted++
			c.Gold++
			if preds[i][j] == g {
				c.Correct++
			}
		}
	}
	return c, nil
}

// Chunk is a labelled span; End is inclusive.
type Chunk struct {
	Type       string
	Start, End int
}

func spans(preds, golds [][]string) (Counts, error) {
	var c Counts
	if err := aligned(preds, golds); err != nil {
		return c, err
	}
	for i, gold := range golds {
		gc := Chunks(gold)
		pc := Chunks(preds[i][:len(gold)])
		c.Gold += len(gc)
		c.Predicted += len(pc)
		seen := make(map[Chunk]bool, len(gc))
		for _, ch := range gc {
			seen[ch] = true
		}
		for _, ch := range pc {
			if seen[ch] {
				c.Correct++
			}
		}
	}
	return c, nil
}

func split(tag string) (prefix, typ string) {
	if tag == "O" || tag == "" {
		return "O", ""
	}
	if p, t, ok := strings.Cut(tag, "-"); ok {
		return p, t
	}
	return tag, ""
}

func chunkEnd(prevTag, tag, prevType, typ string) bool {
	switch {
	case prevTag == "E" || prevTag == "S":
		return true
	case (prevTag == "B" || prevTag == "I") && (tag == "B" || tag == "S" || tag == "O"):
		return true
	case prevTag != "O" && prevType != typ:
		return true
	}
	return false
}

func chunkStart(prevTag, tag, prevType, typ string) bool {
	switch {
	case tag == "B" || tag == "S":
		return true
	case (prevTag == "E" || prevTag == "S" || prevTag == "O") && (tag == "E" || tag == "I"):
		return true
	case tag != "O" && prevType != typ:
		return true
	}
	return false
}

// Chunks returns the labelled spans of one tag sequence.
func Chunks(tags []string) []Chunk {
	var out []Chunk
	prevTag, prevType := "O", ""
	start := -1
	for i := 0; i <= len(tags); i++ {
		tag, typ := "O", ""
		if i < len(tags) {
			tag, typ = split(tags[i])
		}
		if start >= 0 && chunkEnd(prevTag, tag, prevType, typ) {
			out = append(out, Chunk{Type: prevType, Start: start, End: i - 1})
			start = -1
		}
		if chunkStart(prevTag, tag, prevType, typ) {
			start = i
		}
		prevTag, prevType = tag, typ
	}
	return out
}

// Micro accumulates counts over a dataset.
type Micro struct {
	Counts
}

func (m *Micro) Add(c Counts) {
	m.Predicted += c.Predicted
	m.Gold += c.Gold
	m.Correct += c.Correct
}

func (m *Micro) Precision() float64 { return ratio(m.Correct, m.Predicted) }

func (m *Micro) Recall() float64 { return ratio(m.Correct, m.Gold) }

// F1 is the harmonic mean of precision and recall, and 0 when both are 0.
func (m *Micro) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}
