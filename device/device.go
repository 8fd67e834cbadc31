package device

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
)

// Device is a place tensors can live on.
type Device interface {
	Name() string
	IsHost() bool
	Place(m *mat.Dense) (*mat.Dense, error)
}

// Host is ordinary process memory. Placing on it is the identity.
type Host struct{}

func (Host) Name() string                           { return "cpu" }
func (Host) IsHost() bool                           { return true }
func (Host) Place(m *mat.Dense) (*mat.Dense, error) { return m, nil }

// BLAS hands tensors to the process-wide gonum BLAS implementation as
// contiguous copies, so strided views never reach the kernels.
type BLAS struct {
	placed int64
}

func NewBLAS() *BLAS { return &BLAS{} }

func (*BLAS) Name() string { return "blas" }
func (*BLAS) IsHost() bool { return false }

func (b *BLAS) Place(m *mat.Dense) (*mat.Dense, error) {
	if m == nil || m.IsEmpty() {
		return m, nil
	}
	c := mat.DenseCopyOf(m)
	r, k := c.Dims()
	b.placed += int64(r * k * 8)
	return c, nil
}

// Placed is the number of bytes copied so far.
func (b *BLAS) Placed() int64 { return b.placed }

// Backend names the BLAS implementation currently registered with gonum.
func Backend() string {
	return fmt.Sprintf("%T", blas64.Implementation())
}

// Select maps a configured device name to a Device.
func Select(name string) (Device, error) {
	switch name {
	case "", "cpu":
		return Host{}, nil
	case "blas":
		return NewBLAS(), nil
	default:
		return nil, errors.Errorf("unknown device %q", name)
	}
}

// Transfer returns v with every tensor placed on d. Containers keep their
// kind, names and order. On the host device v itself is returned.
func Transfer(v Value, d Device) (Value, error) {
	if d.IsHost() {
		return v, nil
	}
	return relocator{d: d}.visit(v)
}

type relocator struct {
	d Device
}

func (r relocator) VisitMap(m Map) (Value, error) {
	out := make(Map, len(m))
	for i, e := range m {
		v, err := r.visit(e.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "key %q", e.Key)
		}
		out[i] = Entry{Key: e.Key, Value: v}
	}
	return out, nil
}

func (r relocator) VisitSeq(s Seq) (Value, error) {
	out, err := r.each(s)
	if err != nil {
		return nil, err
	}
	return Seq(out), nil
}

func (r relocator) VisitTuple(t Tuple) (Value, error) {
	out, err := r.each(t)
	if err != nil {
		return nil, err
	}
	return Tuple(out), nil
}

func (r relocator) VisitRecord(rec Record) (Value, error) {
	out := Record{Name: rec.Name, Fields: make([]Field, len(rec.Fields))}
	for i, f := range rec.Fields {
		v, err := r.visit(f.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "%s.%s", rec.Name, f.Name)
		}
		out.Fields[i] = Field{Name: f.Name, Value: v}
	}
	return out, nil
}

func (r relocator) VisitTensor(t Tensor) (Value, error) {
	m, err := r.d.Place(t.M)
	if err != nil {
		return nil, errors.Wrapf(err, "place on %s", r.d.Name())
	}
	return Tensor{M: m}, nil
}

func (r relocator) VisitScalar(s Scalar) (Value, error) { return s, nil }

func (r relocator) each(vs []Value) ([]Value, error) {
	out := make([]Value, len(vs))
	for i, v := range vs {
		nv, err := r.visit(v)
		if err != nil {
			return nil, errors.Wrapf(err, "index %d", i)
		}
		out[i] = nv
	}
	return out, nil
}

func (r relocator) visit(v Value) (Value, error) {
	if v == nil {
		return nil, errors.Wrap(ErrUnrecognized, "nil value")
	}
	return v.Accept(r)
}
