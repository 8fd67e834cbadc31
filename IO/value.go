package IO

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/masashi-y/instance-based-tagging/device"
	"github.com/masashi-y/instance-based-tagging/neighbor"
)

func tensors(ms []*mat.Dense) device.Seq {
	out := make(device.Seq, len(ms))
	for i, m := range ms {
		out[i] = device.Tensor{M: m}
	}
	return out
}

// Value exposes the batch as a device.Record so it can be transferred.
func (b *TrainBatch) Value() device.Value {
	return device.Record{Name: "TrainBatch", Fields: []device.Field{
		{Name: "query_ids", Value: device.Scalar{V: b.QueryIDs}},
		{Name: "query_mappers", Value: tensors(b.QueryMappers)},
		{Name: "neighbor_ids", Value: device.Scalar{V: b.NeighborIDs}},
		{Name: "neighbor_mappers", Value: tensors(b.NeighborMappers)},
		{Name: "targets", Value: device.Scalar{V: b.Targets}},
	}}
}

// Value exposes the batch as a device.Record so it can be transferred.
func (b *EvalBatch) Value() device.Value {
	table := make(device.Seq, len(b.Table))
	for i, tm := range b.Table {
		table[i] = device.Tuple{device.Scalar{V: tm.Tag}, device.Tensor{M: tm.Mask}}
	}
	return device.Record{Name: "EvalBatch", Fields: []device.Field{
		{Name: "query_ids", Value: device.Scalar{V: b.QueryIDs}},
		{Name: "query_mappers", Value: tensors(b.QueryMappers)},
		{Name: "neighbor_ids", Value: device.Scalar{V: b.NeighborIDs}},
		{Name: "neighbor_mappers", Value: tensors(b.NeighborMappers)},
		{Name: "table", Value: table},
		{Name: "words", Value: device.Scalar{V: b.Words}},
		{Name: "golds", Value: device.Scalar{V: b.Golds}},
	}}
}

// record reads named fields of a batch record.
type record struct {
	rec device.Record
	err error
}

func asRecord(v device.Value, name string) (*record, error) {
	rec, ok := v.(device.Record)
	if !ok || rec.Name != name {
		return nil, errors.Wrapf(device.ErrUnrecognized, "want %s record, got %T", name, v)
	}
	return &record{rec: rec}, nil
}

func (r *record) field(name string) device.Value {
	if r.err != nil {
		return nil
	}
	v, ok := r.rec.Get(name)
	if !ok {
		r.err = errors.Errorf("%s: missing field %s", r.rec.Name, name)
	}
	return v
}

func scalar[T any](r *record, name string) T {
	var zero T
	v := r.field(name)
	if r.err != nil {
		return zero
	}
	s, ok := v.(device.Scalar)
	if !ok {
		r.err = errors.Wrapf(device.ErrUnrecognized, "%s.%s is %T", r.rec.Name, name, v)
		return zero
	}
	t, ok := s.V.(T)
	if !ok {
		r.err = errors.Wrapf(device.ErrUnrecognized, "%s.%s holds %T", r.rec.Name, name, s.V)
		return zero
	}
	return t
}

func (r *record) tensors(name string) []*mat.Dense {
	v := r.field(name)
	if r.err != nil {
		return nil
	}
	seq, ok := v.(device.Seq)
	if !ok {
		r.err = errors.Wrapf(device.ErrUnrecognized, "%s.%s is %T", r.rec.Name, name, v)
		return nil
	}
	out := make([]*mat.Dense, len(seq))
	for i, e := range seq {
		t, ok := e.(device.Tensor)
		if !ok {
			r.err = errors.Wrapf(device.ErrUnrecognized, "%s.%s[%d] is %T", r.rec.Name, name, i, e)
			return nil
		}
		out[i] = t.M
	}
	return out
}

// TrainBatchFromValue rebuilds a batch from its transferred Value.
func TrainBatchFromValue(v device.Value) (*TrainBatch, error) {
	r, err := asRecord(v, "TrainBatch")
	if err != nil {
		return nil, err
	}
	b := &TrainBatch{
		QueryIDs:        scalar[[][]int](r, "query_ids"),
		QueryMappers:    r.tensors("query_mappers"),
		NeighborIDs:     scalar[[][]int](r, "neighbor_ids"),
		NeighborMappers: r.tensors("neighbor_mappers"),
		Targets:         scalar[[][]int](r, "targets"),
	}
	if r.err != nil {
		return nil, r.err
	}
	return b, nil
}

// EvalBatchFromValue rebuilds a batch from its transferred Value.
func EvalBatchFromValue(v device.Value) (*EvalBatch, error) {
	r, err := asRecord(v, "EvalBatch")
	if err != nil {
		return nil, err
	}
	b := &EvalBatch{
		QueryIDs:        scalar[[][]int](r, "query_ids"),
		QueryMappers:    r.tensors("query_mappers"),
		NeighborIDs:     scalar[[][]int](r, "neighbor_ids"),
		NeighborMappers: r.tensors("neighbor_mappers"),
		Words:           scalar[[][]string](r, "words"),
		Golds:           scalar[[][]string](r, "golds"),
	}
	if tv := r.field("table"); r.err == nil {
		seq, ok := tv.(device.Seq)
		if !ok {
			return nil, errors.Wrapf(device.ErrUnrecognized, "EvalBatch.table is %T", tv)
		}
		for i, e := range seq {
			tup, ok := e.(device.Tuple)
			if !ok || len(tup) != 2 {
				return nil, errors.Wrapf(device.ErrUnrecognized, "EvalBatch.table[%d] is %T", i, e)
			}
			tag, ok1 := tup[0].(device.Scalar)
			mask, ok2 := tup[1].(device.Tensor)
			name, ok3 := tag.V.(string)
			if !ok1 || !ok2 || !ok3 {
				return nil, errors.Wrapf(device.ErrUnrecognized, "EvalBatch.table[%d]", i)
			}
			b.Table = append(b.Table, neighbor.TagMask{Tag: name, Mask: mask.M})
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return b, nil
}
