package IO

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// PredictionWriter writes "word gold predicted" lines with a blank line
// after every sentence, the input format of conlleval.
type PredictionWriter struct {
	w *bufio.Writer
	c io.Closer
}

func NewPredictionWriter(w io.Writer) *PredictionWriter {
	return &PredictionWriter{w: bufio.NewWriter(w)}
}

// CreatePredictionWriter truncates or creates path.
func CreatePredictionWriter(path string) (*PredictionWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create dir for %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create predictions %s", path)
	}
	return &PredictionWriter{w: bufio.NewWriter(f), c: f}, nil
}

// Write emits one block per sentence. preds may be longer than the
// sentence; extra slots are ignored.
func (p *PredictionWriter) Write(words, golds, preds [][]string) error {
	if len(words) != len(golds) || len(words) != len(preds) {
		return errors.Errorf("%d sentences, %d gold and %d predicted", len(words), len(golds), len(preds))
	}
	for s, ws := range words {
		if len(golds[s]) != len(ws) || len(preds[s]) < len(ws) {
			return errors.Errorf("sentence %d: %d words, %d gold and %d predicted tags", s, len(ws), len(golds[s]), len(preds[s]))
		}
		for i, w := range ws {
			if _, err := p.w.WriteString(w + " " + golds[s][i] + " " + preds[s][i] + "\n"); err != nil {
				return err
			}
		}
		if err := p.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes buffered lines and closes the file, if any.
func (p *PredictionWriter) Close() error {
	if err := p.w.Flush(); err != nil {
		return err
	}
	if p.c != nil {
		return p.c.Close()
	}
	return nil
}
