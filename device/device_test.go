package device

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func nested(t *testing.T) Value {
	t.Helper()
	v, err := Wrap(map[string]any{
		"ids":     [][]int{{1, 2, 0}},
		"mapping": []*mat.Dense{mat.NewDense(2, 2, []float64{1, 0, 0, 1})},
		"extra":   []any{1.5, "tag", mat.NewDense(1, 1, []float64{3})},
	})
	require.NoError(t, err)
	return Record{Name: "Batch", Fields: []Field{
		{Name: "payload", Value: v},
		{Name: "pair", Value: Tuple{Scalar{V: 7}, Tensor{M: mat.NewDense(1, 2, []float64{4, 5})}}},
	}}
}

func TestTransferHostIsIdentity(t *testing.T) {
	v := nested(t)
	got, err := Transfer(v, Host{})
	require.NoError(t, err)
	rec := got.(Record)
	// same backing tensor, no copy
	orig := v.(Record).Fields[1].Value.(Tuple)[1].(Tensor).M
	assert.Same(t, orig, rec.Fields[1].Value.(Tuple)[1].(Tensor).M)
}

func TestTransferBLASPreservesStructure(t *testing.T) {
	v := nested(t)
	d := NewBLAS()
	got, err := Transfer(v, d)
	require.NoError(t, err)

	rec, ok := got.(Record)
	require.True(t, ok)
	assert.Equal(t, "Batch", rec.Name)
	require.Len(t, rec.Fields, 2)
	assert.Equal(t, "payload", rec.Fields[0].Name)
	assert.Equal(t, "pair", rec.Fields[1].Name)

	m, ok := rec.Fields[0].Value.(Map)
	require.True(t, ok)
	keys := []string{}
	for _, e := range m {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"extra", "ids", "mapping"}, keys)

	extra, ok := m[0].Value.(Seq)
	require.True(t, ok)
	require.Len(t, extra, 3)
	assert.Equal(t, Scalar{V: 1.5}, extra[0])
	assert.Equal(t, Scalar{V: "tag"}, extra[1])
	assert.Equal(t, 3.0, extra[2].(Tensor).M.At(0, 0))
	assert.Equal(t, Scalar{V: [][]int{{1, 2, 0}}}, m[1].Value)

	pair, ok := rec.Fields[1].Value.(Tuple)
	require.True(t, ok)
	placed := pair[1].(Tensor).M
	orig := v.(Record).Fields[1].Value.(Tuple)[1].(Tensor).M
	assert.NotSame(t, orig, placed)
	assert.True(t, mat.Equal(orig, placed))

	// 4 + 1 + 2 float64s
	assert.Equal(t, int64(7*8), d.Placed())
}

func TestTransferContiguousCopyOfView(t *testing.T) {
	big := mat.NewDense(3, 3, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9})
	view := big.Slice(1, 3, 1, 3).(*mat.Dense)
	got, err := Transfer(Tensor{M: view}, NewBLAS())
	require.NoError(t, err)
	m := got.(Tensor).M
	assert.Equal(t, 2, m.RawMatrix().Stride)
	assert.Equal(t, []float64{5, 6, 8, 9}, m.RawMatrix().Data)
}

func TestWrapUnrecognized(t *testing.T) {
	_, err := Wrap(make(chan int))
	assert.True(t, errors.Is(err, ErrUnrecognized))
	assert.Contains(t, err.Error(), "chan int")

	_, err = Wrap(map[string]any{"f": func() {}})
	assert.True(t, errors.Is(err, ErrUnrecognized))
	assert.Contains(t, err.Error(), `key "f"`)

	_, err = Transfer(Seq{nil}, NewBLAS())
	assert.True(t, errors.Is(err, ErrUnrecognized))
}

func TestSelect(t *testing.T) {
	d, err := Select("cpu")
	require.NoError(t, err)
	assert.True(t, d.IsHost())
	d, err = Select("blas")
	require.NoError(t, err)
	assert.Equal(t, "blas", d.Name())
	assert.False(t, d.IsHost())
	_, err = Select("tpu")
	assert.Error(t, err)
	assert.NotEmpty(t, Backend())
}

func TestRecordGet(t *testing.T) {
	rec := Record{Name: "R", Fields: []Field{{Name: "a", Value: Scalar{V: 1}}}}
	v, ok := rec.Get("a")
	assert.True(t, ok)
	assert.Equal(t, Scalar{V: 1}, v)
	_, ok = rec.Get("b")
	assert.False(t, ok)
}
