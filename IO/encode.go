package IO

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Word to piece mappings.
const (
	MapFirst = "first"
	MapSum   = "sum"
)

// Encoded is a sentence as encoder input: [CLS] pieces... [SEP].
type Encoded struct {
	IDs []int
	// Pieces[w] lists the positions in IDs belonging to word w.
	Pieces [][]int
}

// EncodeSentence splits words with vocab and wraps them in [CLS]/[SEP].
// It fails if the result does not fit maxPositions.
func EncodeSentence(vocab Vocabulary, words []string, maxPositions int) (Encoded, error) {
	enc := Encoded{
		IDs:    []int{vocab.CLS()},
		Pieces: make([][]int, len(words)),
	}
	for w, word := range words {
		for _, id := range vocab.Pieces(word) {
			enc.Pieces[w] = append(enc.Pieces[w], len(enc.IDs))
			enc.IDs = append(enc.IDs, id)
		}
	}
	enc.IDs = append(enc.IDs, vocab.SEP())
	if maxPositions > 0 && len(enc.IDs) > maxPositions {
		return Encoded{}, errors.Errorf("%d words encode to %d pieces, more than %d positions", len(words), len(enc.IDs), maxPositions)
	}
	return enc, nil
}

// Padded returns the ids right-padded with 0 to length.
func (e Encoded) Padded(length int) []int {
	out := make([]int, length)
	copy(out, e.IDs)
	return out
}

// Mapper builds the (length x length) word mapping matrix: row w has ones
// at the first piece of word w (MapFirst) or at all of its pieces (MapSum).
// Rows past the last word are zero.
func (e Encoded) Mapper(length int, mode string) (*mat.Dense, error) {
	if length < len(e.IDs) {
		return nil, errors.Errorf("mapping length %d shorter than %d pieces", length, len(e.IDs))
	}
	m := mat.NewDense(length, length, nil)
	for w, pos := range e.Pieces {
		switch mode {
		case MapFirst:
			m.Set(w, pos[0], 1)
		case MapSum:
			for _, p := range pos {
				m.Set(w, p, 1)
			}
		default:
			return nil, errors.Errorf("unknown word mapping %q", mode)
		}
	}
	return m, nil
}
