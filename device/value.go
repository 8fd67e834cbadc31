// Package device moves nested batch structures between compute devices.
package device

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrUnrecognized is returned for Go values outside the supported shapes.
var ErrUnrecognized = errors.New("unrecognized value")

// Value is one node of a batch structure. The set of implementations is closed.
type Value interface {
	Accept(v Visitor) (Value, error)
	sealed()
}

// Visitor rebuilds a Value, one method per shape.
type Visitor interface {
	VisitMap(Map) (Value, error)
	VisitSeq(Seq) (Value, error)
	VisitRecord(Record) (Value, error)
	VisitTuple(Tuple) (Value, error)
	VisitTensor(Tensor) (Value, error)
	VisitScalar(Scalar) (Value, error)
}

type Entry struct {
	Key   string
	Value Value
}

// Map is a string-keyed mapping with a fixed key order.
type Map []Entry

// Seq is an ordered sequence.
type Seq []Value

// Tuple is a plain positional tuple.
type Tuple []Value

type Field struct {
	Name  string
	Value Value
}

// Record is a tagged tuple: a type name plus ordered named fields.
type Record struct {
	Name   string
	Fields []Field
}

// Tensor is the only relocatable leaf.
type Tensor struct {
	M *mat.Dense
}

// Scalar is an opaque leaf that is never relocated.
type Scalar struct {
	V any
}

func (m Map) Accept(v Visitor) (Value, error)    { return v.VisitMap(m) }
func (s Seq) Accept(v Visitor) (Value, error)    { return v.VisitSeq(s) }
func (t Tuple) Accept(v Visitor) (Value, error)  { return v.VisitTuple(t) }
func (r Record) Accept(v Visitor) (Value, error) { return v.VisitRecord(r) }
func (t Tensor) Accept(v Visitor) (Value, error) { return v.VisitTensor(t) }
func (s Scalar) Accept(v Visitor) (Value, error) { return v.VisitScalar(s) }

func (Map) sealed()    {}
func (Seq) sealed()    {}
func (Tuple) sealed()  {}
func (Record) sealed() {}
func (Tensor) sealed() {}
func (Scalar) sealed() {}

// Get returns the field called name.
func (r Record) Get(name string) (Value, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Wrap lifts a native Go value into a Value. Maps get their keys sorted.
func Wrap(x any) (Value, error) {
	switch t := x.(type) {
	case Value:
		return t, nil
	case *mat.Dense:
		return Tensor{M: t}, nil
	case []*mat.Dense:
		out := make(Seq, len(t))
		for i, m := range t {
			out[i] = Tensor{M: m}
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(Map, len(keys))
		for i, k := range keys {
			v, err := Wrap(t[k])
			if err != nil {
				return nil, errors.Wrapf(err, "key %q", k)
			}
			out[i] = Entry{Key: k, Value: v}
		}
		return out, nil
	case []any:
		out := make(Seq, len(t))
		for i, e := range t {
			v, err := Wrap(e)
			if err != nil {
				return nil, errors.Wrapf(err, "index %d", i)
			}
			out[i] = v
		}
		return out, nil
	case nil, bool, int, int64, float64, string,
		[]int, [][]int, [][][]int, []string, [][]string:
		return Scalar{V: t}, nil
	default:
		return nil, errors.Wrapf(ErrUnrecognized, "%T", x)
	}
}
