package IO

import (
	"bytes"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/masashi-y/instance-based-tagging/device"
	"github.com/masashi-y/instance-based-tagging/neighbor"
)

const conll = `-DOCSTART- -X- -X- O

EU NNP B-NP B-ORG
rejects VBZ B-VP O

Peter NNP B-NP B-PER
`

func TestParseCoNLL(t *testing.T) {
	sents, err := ParseCoNLL(strings.NewReader(conll), TagNER, false)
	require.NoError(t, err)
	require.Len(t, sents, 2)
	assert.Equal(t, Sentence{Words: []string{"EU", "rejects"}, Tags: []string{"B-ORG", "O"}}, sents[0])
	assert.Equal(t, []string{"B-PER"}, sents[1].Tags)

	sents, err = ParseCoNLL(strings.NewReader(conll), TagPOS, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"eu", "rejects"}, sents[0].Words)
	assert.Equal(t, []string{"NNP", "VBZ"}, sents[0].Tags)

	sents, err = ParseCoNLL(strings.NewReader(conll), TagChunk, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"B-NP", "B-VP"}, sents[0].Tags)


	_, err = ParseCoNLL(strings.NewReader("word\n"), TagNER, false)
	assert.Error(t, err)
	_, err = ParseCoNLL(strings.NewReader(conll), "srl", false)
	assert.Error(t, err)
}

const conllX = "1\tThe\tthe\tDET\tDT\t_\t2\tdet\t_\t_\n" +
	"2\tdog\tdog\tNOUN\tNN\t_\t0\troot\t_\t_\n" +
	"\n" +
	"1\tIt\tit\tPRON\tPRP\t_\t2\tnsubj\t_\t_\n" +
	"2\truns\trun\tVERB\tVBZ\t_\t0\troot\t_\t_\n"

func TestParseCoNLLX(t *testing.T) {
	sents, err := ParseCoNLL(strings.NewReader(conllX), TagCoNLLXPOS, true)
	require.NoError(t, err)
	require.Len(t, sents, 2)
	assert.Equal(t, Sentence{Words: []string{"the", "dog"}, Tags: []string{"DT", "NN"}}, sents[0])
	assert.Equal(t, Sentence{Words: []string{"it", "runs"}, Tags: []string{"PRP", "VBZ"}}, sents[1])
	assert.Equal(t, []string{"DT", "NN", "PRP", "VBZ"}, TagInventory(sents))

	noTag := "1\tThe\tthe\tDET\t_\t_\t2\tdet\t_\t_\n"
	_, err = ParseCoNLL(strings.NewReader(noTag), TagCoNLLXPOS, false)
	assert.Error(t, err)
}

func TestReadCoNLLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.txt")
	require.NoError(t, os.WriteFile(path, []byte(conll), 0o644))
	sents, err := ReadCoNLL(path, TagNER, false)
	require.NoError(t, err)
	assert.Len(t, sents, 2)
	assert.Equal(t, []string{"B-ORG", "B-PER", "O"}, TagInventory(sents))

	_, err = ReadCoNLL(filepath.Join(t.TempDir(), "missing"), TagNER, false)
	assert.Error(t, err)
}

func TestWordVocab(t *testing.T) {
	sents := []Sentence{
		{Words: []string{"b", "a", "a"}},
		{Words: []string{"c", "b", "a"}},
	}
	v, err := BuildWordVocab(sents, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "a", "b", "c"}, v.IDToToken)
	assert.Equal(t, 0, v.TokenToID["[PAD]"])
	assert.Equal(t, []int{4}, v.Pieces("a"))
	assert.Equal(t, []int{1}, v.Pieces("zzz"))
	assert.Equal(t, 2, v.CLS())
	assert.Equal(t, 3, v.SEP())

	small, err := BuildWordVocab(sents, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, small.Size())
	assert.Equal(t, []int{1}, small.Pieces("c"))

	_, err = BuildWordVocab(sents, 2)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "vocab.json")
	require.NoError(t, v.ExportVocabJSON(path))
	back, err := ImportVocabJSON(path)
	require.NoError(t, err)
	assert.Equal(t, v, back)
}

// pieceVocab splits words longer than three letters into two pieces.
type pieceVocab struct{}

func (pieceVocab) Pieces(word string) []int {
	if len(word) > 3 {
		return []int{10, 11}
	}
	return []int{20}
}
func (pieceVocab) CLS() int  { return 2 }
func (pieceVocab) SEP() int  { return 3 }
func (pieceVocab) Size() int { return 30 }

func TestEncodeAndMapper(t *testing.T) {
	enc, err := EncodeSentence(pieceVocab{}, []string{"the", "house"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 20, 10, 11, 3}, enc.IDs)
	assert.Equal(t, [][]int{{1}, {2, 3}}, enc.Pieces)
	assert.Equal(t, []int{2, 20, 10, 11, 3, 0, 0}, enc.Padded(7))

	first, err := enc.Mapper(6, MapFirst)
	require.NoError(t, err)
	sum, err := enc.Mapper(6, MapSum)
	require.NoError(t, err)
	want := mat.NewDense(6, 6, nil)
	want.Set(0, 1, 1)
	want.Set(1, 2, 1)
	assert.True(t, mat.Equal(want, first))
	want.Set(1, 3, 1)
	assert.True(t, mat.Equal(want, sum))

	// rows of a mapper never share a column
	r, c := sum.Dims()
	for j := 0; j < c; j++ {
		total := 0.0
		for i := 0; i < r; i++ {
			total += sum.At(i, j)
		}
		assert.LessOrEqual(t, total, 1.0)
	}

	_, err = enc.Mapper(4, MapFirst)
	assert.Error(t, err)
	_, err = enc.Mapper(6, "last")
	assert.Error(t, err)
	_, err = EncodeSentence(pieceVocab{}, []string{"the", "house"}, 4)
	assert.Error(t, err)
}

func TestNeighborIndex(t *testing.T) {
	idx, err := ParseNeighborIndex(strings.NewReader("1 2\n0\n\n"), 3, 3)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 2}, {0}, {}}, idx)

	_, err = ParseNeighborIndex(strings.NewReader("1 5\n"), 1, 3)
	assert.Error(t, err)
	_, err = ParseNeighborIndex(strings.NewReader("1 x\n"), 1, 3)
	assert.Error(t, err)
	_, err = ParseNeighborIndex(strings.NewReader("1\n"), 2, 3)
	assert.Error(t, err)
	_, err = ParseNeighborIndex(strings.NewReader("1\n2\n"), 1, 3)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "nbrs.txt")
	require.NoError(t, os.WriteFile(path, []byte("1\n0\n"), 0o644))
	idx, err = ReadNeighborIndex(path, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1}, {0}}, idx)
}

func TestRandomNeighbors(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	idx := RandomNeighbors(6, 6, 3, true, rng)
	require.Len(t, idx, 6)
	for q, list := range idx {
		assert.Len(t, list, 3)
		seen := map[int]bool{}
		for _, n := range list {
			assert.NotEqual(t, q, n)
			assert.False(t, seen[n])
			assert.True(t, n >= 0 && n < 6)
			seen[n] = true
		}
	}
	// never more than the pool allows
	idx = RandomNeighbors(2, 2, 5, true, rng)
	assert.Equal(t, [][]int{{1}, {0}}, idx)

	again := RandomNeighbors(4, 10, 2, false, rand.New(rand.NewPCG(9, 9)))
	assert.Equal(t, again, RandomNeighbors(4, 10, 2, false, rand.New(rand.NewPCG(9, 9))))
}

func trainCorpus(t *testing.T) (*Corpus, *WordVocab) {
	t.Helper()
	sents := []Sentence{
		{Words: []string{"a", "b"}, Tags: []string{"B-X", "O"}},
		{Words: []string{"c", "d"}, Tags: []string{"B-X", "O"}},
		{Words: []string{"e"}, Tags: []string{"B-X"}},
		{Words: []string{"f", "g"}, Tags: []string{"O", "B-X"}},
	}
	v, err := BuildWordVocab(sents, 0)
	require.NoError(t, err)
	c, err := NewCorpus(sents, v, 16)
	require.NoError(t, err)
	return c, v
}

func TestTrainBatchTargets(t *testing.T) {
	c, _ := trainCorpus(t)
	ts, err := NewTrainSet(c, [][]int{{2, 3}, {3}, {0, 1}, {1}},
		Batching{BatchSize: 2, Mapping: MapFirst}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, ts.Len())
	assert.Equal(t, 0, ts.Dropped)

	b, err := ts.Batches(nil).Next()
	require.NoError(t, err)
	assert.Equal(t, [][]int{{2, 4, 5, 3}, {2, 6, 7, 3}}, b.QueryIDs)
	assert.Equal(t, [][]int{{2, 8, 3, 0}, {2, 9, 10, 3}}, b.NeighborIDs)
	assert.Equal(t, 8, b.Tokens())

	all := []int{0, 1, 2, 3, 4, 5, 6, 7}
	assert.Equal(t, [][]int{
		{0, 5}, {4, 8}, all, all,
		{0, 5}, {4, 8}, all, all,
	}, b.Targets)

	// padding query slots cost nothing and get no gradient
	rng := rand.New(rand.NewPCG(1, 1))
	randReps := func(n int) []*mat.Dense {
		out := make([]*mat.Dense, n)
		for i := range out {
			d := make([]float64, 4*3)
			for k := range d {
				d[k] = rng.NormFloat64()
			}
			out[i] = mat.NewDense(4, 3, d)
		}
		return out
	}
	query, nbrs := randReps(2), randReps(2)
	loss, grad, err := neighbor.BatchLoss(query, nbrs, b.Targets)
	require.NoError(t, err)
	assert.False(t, math.IsInf(loss, 0) || math.IsNaN(loss))
	for _, g := range grad.Query {
		for w := 2; w < 4; w++ {
			for h := 0; h < 3; h++ {
				assert.InDelta(t, 0, g.At(w, h), 1e-9)
			}
		}
	}
}

func TestTrainSetDropsUncoveredQueries(t *testing.T) {
	c, _ := trainCorpus(t)
	ts, err := NewTrainSet(c, [][]int{{2}, {3}, {0, 1}, {1}},
		Batching{BatchSize: 1, Mapping: MapSum}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, ts.Len())
	assert.Equal(t, 1, ts.Dropped)

	// a query is never its own neighbor
	_, err = NewTrainSet(c, [][]int{{0}, {1}, {2}, {3}}, Batching{BatchSize: 1, Mapping: MapSum}, nil)
	assert.Error(t, err)

	_, err = NewTrainSet(c, [][]int{{1}}, Batching{BatchSize: 1, Mapping: MapSum}, nil)
	assert.Error(t, err)
	_, err = NewTrainSet(c, [][]int{{1}, {0}, {0}, {0}}, Batching{BatchSize: 0, Mapping: MapSum}, nil)
	assert.Error(t, err)
}

func TestPoolCaps(t *testing.T) {
	c, _ := trainCorpus(t)
	nbrs := [][]int{{2, 3}, {3}, {0, 1, 3}, {1, 0}}
	pool := poolFor([]int{2, 3}, nbrs, c, Batching{}, map[int]bool{2: true, 3: true})
	assert.Equal(t, []int{0, 1}, pool)

	pool = poolFor([]int{2, 3}, nbrs, c, Batching{NumNeighborSentences: 1}, nil)
	assert.Equal(t, []int{0, 1}, pool)

	pool = poolFor([]int{2, 3}, nbrs, c, Batching{MaxNeighborTokens: 4}, nil)
	assert.Equal(t, []int{0}, pool)

	// the first neighbor is kept even when it alone exceeds the cap
	pool = poolFor([]int{2}, nbrs, c, Batching{MaxNeighborTokens: 1}, nil)
	assert.Equal(t, []int{0}, pool)
}

func TestEvalBatchTable(t *testing.T) {
	train, v := trainCorpus(t)
	dev, err := NewCorpus([]Sentence{{Words: []string{"a", "z"}, Tags: []string{"B-X", "O"}}}, v, 16)
	require.NoError(t, err)
	es, err := NewEvalSet(dev, train, [][]int{{3}}, Batching{BatchSize: 1, Mapping: MapFirst})
	require.NoError(t, err)
	assert.Equal(t, 1, es.Len())
	assert.Equal(t, 1, es.Sentences())

	it := es.Batches()
	b, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, [][]int{{2, 4, 1, 3}}, b.QueryIDs)
	assert.Equal(t, [][]string{{"a", "z"}}, b.Words)
	assert.Equal(t, [][]string{{"B-X", "O"}}, b.Golds)
	require.Len(t, b.Table, 2)
	inf := math.Inf(-1)
	assert.Equal(t, "B-X", b.Table[0].Tag)
	assert.Equal(t, []float64{inf, 0, inf, inf}, b.Table[0].Mask.RawRowView(0))
	assert.Equal(t, "O", b.Table[1].Tag)
	assert.Equal(t, []float64{0, inf, inf, inf}, b.Table[1].Mask.RawRowView(0))

	_, err = it.Next()
	assert.Equal(t, io.EOF, err)

	_, err = NewEvalSet(dev, train, [][]int{{}}, Batching{BatchSize: 1, Mapping: MapFirst})
	assert.ErrorIs(t, err, neighbor.ErrEmptyNeighborPool)
}

func TestIterShufflesPerEpoch(t *testing.T) {
	order := func(rng *rand.Rand) []int {
		it := newIter(20, rng, func(i int) (int, error) { return i, nil })
		var out []int
		for {
			i, err := it.Next()
			if err == io.EOF {
				return out
			}
			require.NoError(t, err)
			out = append(out, i)
		}
	}
	plain := order(nil)
	for i, v := range plain {
		assert.Equal(t, i, v)
	}
	rng := rand.New(rand.NewPCG(5, 6))
	first, second := order(rng), order(rng)
	assert.ElementsMatch(t, plain, first)
	assert.ElementsMatch(t, plain, second)
	assert.NotEqual(t, first, second)
	assert.NotEqual(t, plain, first)
}

func TestBatchValueRoundTrip(t *testing.T) {
	c, v := trainCorpus(t)
	ts, err := NewTrainSet(c, [][]int{{2, 3}, {3}, {0, 1}, {1}}, Batching{BatchSize: 2, Mapping: MapFirst}, nil)
	require.NoError(t, err)
	tb, err := ts.Batches(nil).Next()
	require.NoError(t, err)

	moved, err := device.Transfer(tb.Value(), device.NewBLAS())
	require.NoError(t, err)
	back, err := TrainBatchFromValue(moved)
	require.NoError(t, err)
	assert.Equal(t, tb.QueryIDs, back.QueryIDs)
	assert.Equal(t, tb.Targets, back.Targets)
	for i := range tb.QueryMappers {
		assert.True(t, mat.Equal(tb.QueryMappers[i], back.QueryMappers[i]))
		assert.NotSame(t, tb.QueryMappers[i], back.QueryMappers[i])
	}

	dev, err := NewCorpus([]Sentence{{Words: []string{"a"}, Tags: []string{"B-X"}}}, v, 16)
	require.NoError(t, err)
	es, err := NewEvalSet(dev, c, [][]int{{0, 3}}, Batching{BatchSize: 1, Mapping: MapFirst})
	require.NoError(t, err)
	eb, err := es.Batches().Next()
	require.NoError(t, err)
	movedEval, err := device.Transfer(eb.Value(), device.NewBLAS())
	require.NoError(t, err)
	ebBack, err := EvalBatchFromValue(movedEval)
	require.NoError(t, err)
	assert.Equal(t, eb.Golds, ebBack.Golds)
	assert.Equal(t, eb.Words, ebBack.Words)
	require.Len(t, ebBack.Table, len(eb.Table))
	for i := range eb.Table {
		assert.Equal(t, eb.Table[i].Tag, ebBack.Table[i].Tag)
		assert.True(t, mat.Equal(eb.Table[i].Mask, ebBack.Table[i].Mask))
	}

	_, err = TrainBatchFromValue(movedEval)
	assert.ErrorIs(t, err, device.ErrUnrecognized)
	_, err = EvalBatchFromValue(device.Record{Name: "EvalBatch"})
	assert.Error(t, err)
}

func TestPredictionWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewPredictionWriter(&buf)
	require.NoError(t, w.Write(
		[][]string{{"EU", "rejects"}, {"Peter"}},
		[][]string{{"B-ORG", "O"}, {"B-PER"}},
		[][]string{{"B-ORG", "O", "O"}, {"B-LOC"}},
	))
	require.NoError(t, w.Close())
	assert.Equal(t, "EU B-ORG B-ORG\nrejects O O\n\nPeter B-PER B-LOC\n\n", buf.String())

	assert.Error(t, w.Write([][]string{{"a"}}, [][]string{{"O"}}, [][]string{{}}))

	path := filepath.Join(t.TempDir(), "out", "preds.txt")
	fw, err := CreatePredictionWriter(path)
	require.NoError(t, err)
	require.NoError(t, fw.Write([][]string{{"a"}}, [][]string{{"O"}}, [][]string{{"O"}}))
	require.NoError(t, fw.Close())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a O O\n\n", string(data))
}
