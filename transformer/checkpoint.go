package transformer

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/masashi-y/instance-based-tagging/optimizations"
)

// ErrCheckpointMismatch is returned when a checkpoint's parameter names or
// shapes differ from the model being restored.
var ErrCheckpointMismatch = errors.New("checkpoint does not match model")

type tensorData struct {
	Name       string
	Rows, Cols int
	Data       []float64
}

// SaveCheckpoint writes the weights of ps to path. The file is written to a
// temporary sibling first and renamed into place.
func SaveCheckpoint(path string, ps []*optimizations.Param) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create checkpoint dir %s", dir)
	}
	records := make([]tensorData, len(ps))
	for i, p := range ps {
		r, c := p.W.Dims()
		records[i] = tensorData{
			Name: p.Name,
			Rows: r,
			Cols: c,
			Data: append([]float64(nil), mat.DenseCopyOf(p.W).RawMatrix().Data...),
		}
	}

	f, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return errors.Wrap(err, "create checkpoint temp file")
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op after a successful rename

	w := snappy.NewBufferedWriter(f)
	if err := gob.NewEncoder(w).Encode(records); err != nil {
		f.Close()
		return errors.Wrap(err, "encode checkpoint")
	}
	if err := w.Close(); err != nil {
		f.Close()
		return errors.Wrap(err, "flush checkpoint")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "sync checkpoint")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close checkpoint")
	}
	return errors.Wrap(os.Rename(tmp, path), "install checkpoint")
}

// LoadCheckpoint copies the weights stored at path into ps. Every parameter
// must be present with the same shape and the file must hold nothing else.
func LoadCheckpoint(path string, ps []*optimizations.Param) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open checkpoint %s", path)
	}
	defer f.Close()

	var records []tensorData
	if err := gob.NewDecoder(snappy.NewReader(f)).Decode(&records); err != nil {
		return errors.Wrapf(err, "decode checkpoint %s", path)
	}

	byName := make(map[string]tensorData, len(records))
	for _, rec := range records {
		if _, dup := byName[rec.Name]; dup {
			return errors.Wrapf(ErrCheckpointMismatch, "duplicate parameter %s", rec.Name)
		}
		if len(rec.Data) != rec.Rows*rec.Cols {
			return errors.Wrapf(ErrCheckpointMismatch, "parameter %s is truncated", rec.Name)
		}
		byName[rec.Name] = rec
	}

	var missing []string
	for _, p := range ps {
		rec, ok := byName[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		if r, c := p.W.Dims(); r != rec.Rows || c != rec.Cols {
			return errors.Wrapf(ErrCheckpointMismatch, "parameter %s is %dx%d in model, %dx%d in checkpoint",
				p.Name, r, c, rec.Rows, rec.Cols)
		}
	}
	if len(missing) > 0 {
		return errors.Wrapf(ErrCheckpointMismatch, "missing parameters %v", missing)
	}
	if len(byName) != len(ps) {
		known := make(map[string]bool, len(ps))
		for _, p := range ps {
			known[p.Name] = true
		}
		var extra []string
		for name := range byName {
			if !known[name] {
				extra = append(extra, name)
			}
		}
		sort.Strings(extra)
		return errors.Wrapf(ErrCheckpointMismatch, "unexpected parameters %v", extra)
	}

	// only mutate once everything has been checked
	for _, p := range ps {
		rec := byName[p.Name]
		p.W.Copy(mat.NewDense(rec.Rows, rec.Cols, rec.Data))
	}
	return nil
}
