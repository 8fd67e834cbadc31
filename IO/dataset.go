package IO

import (
	"io"
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/masashi-y/instance-based-tagging/neighbor"
)

// Corpus is a split with every sentence encoded once.
type Corpus struct {
	Sentences []Sentence
	Encoded   []Encoded
}

func NewCorpus(sents []Sentence, vocab Vocabulary, maxPositions int) (*Corpus, error) {
	c := &Corpus{Sentences: sents, Encoded: make([]Encoded, len(sents))}
	for i, s := range sents {
		if len(s.Words) != len(s.Tags) {
			return nil, errors.Errorf("sentence %d: %d words but %d tags", i, len(s.Words), len(s.Tags))
		}
		enc, err := EncodeSentence(vocab, s.Words, maxPositions)
		if err != nil {
			return nil, errors.Wrapf(err, "sentence %d", i)
		}
		c.Encoded[i] = enc
	}
	return c, nil
}

func (c *Corpus) Len() int { return len(c.Sentences) }

// Tags is the sorted tag inventory of the corpus.
func (c *Corpus) Tags() []string { return TagInventory(c.Sentences) }

// Batching configures how sentences are grouped with their neighbors.
type Batching struct {
	BatchSize int
	// NumNeighborSentences truncates every query's neighbor list; 0 keeps all.
	NumNeighborSentences int
	// MaxNeighborTokens caps the encoded length of a batch's pool; 0 is no cap.
	MaxNeighborTokens int
	Mapping           string
}

func (b Batching) validate() error {
	if b.BatchSize <= 0 {
		return errors.Errorf("batch size %d", b.BatchSize)
	}
	if b.Mapping != MapFirst && b.Mapping != MapSum {
		return errors.Errorf("unknown word mapping %q", b.Mapping)
	}
	return nil
}

// group is one minibatch: query sentences and the pool sentences they share.
type group struct {
	queries []int
	pool    []int
}

// poolFor merges the neighbor lists of queries in order, skipping excluded
// sentences, until the token cap is reached.
func poolFor(queries []int, neighbors [][]int, pool *Corpus, opts Batching, exclude map[int]bool) []int {
	var (
		out    []int
		seen   = map[int]bool{}
		tokens int
	)
	for _, q := range queries {
		list := neighbors[q]
		if opts.NumNeighborSentences > 0 && len(list) > opts.NumNeighborSentences {
			list = list[:opts.NumNeighborSentences]
		}
		for _, n := range list {
			if seen[n] || exclude[n] {
				continue
			}
			size := len(pool.Encoded[n].IDs)
			if opts.MaxNeighborTokens > 0 && len(out) > 0 && tokens+size > opts.MaxNeighborTokens {
				return out
			}
			seen[n] = true
			out = append(out, n)
			tokens += size
		}
	}
	return out
}

func maxLen(c *Corpus, idx []int) int {
	l := 0
	for _, i := range idx {
		l = max(l, len(c.Encoded[i].IDs))
	}
	return l
}

// encodeSide pads the sentences idx of c to a common length and builds
// their mapping matrices.
func encodeSide(c *Corpus, idx []int, mode string) ([][]int, []*mat.Dense, int, error) {
	length := maxLen(c, idx)
	ids := make([][]int, len(idx))
	mappers := make([]*mat.Dense, len(idx))
	for b, i := range idx {
		ids[b] = c.Encoded[i].Padded(length)
		m, err := c.Encoded[i].Mapper(length, mode)
		if err != nil {
			return nil, nil, 0, errors.Wrapf(err, "sentence %d", i)
		}
		mappers[b] = m
	}
	return ids, mappers, length, nil
}

// tagSlots maps each tag to the flat neighbor word slots n*length+w carrying it.
func tagSlots(c *Corpus, pool []int, length int) map[string][]int {
	slots := map[string][]int{}
	for n, p := range pool {
		for w, tag := range c.Sentences[p].Tags {
			slots[tag] = append(slots[tag], n*length+w)
		}
	}
	return slots
}

// TrainBatch is one training step's input.
type TrainBatch struct {
	QueryIDs        [][]int
	QueryMappers    []*mat.Dense
	NeighborIDs     [][]int
	NeighborMappers []*mat.Dense
	// Targets has one row per query word slot listing the flat neighbor
	// slots with the same tag, padded with the sentinel len(NeighborIDs)*Sn.
	Targets [][]int
}

// Tokens is the number of query word slots, padding included.
func (b *TrainBatch) Tokens() int {
	if len(b.QueryIDs) == 0 {
		return 0
	}
	return len(b.QueryIDs) * len(b.QueryIDs[0])
}

// TrainSet groups a training corpus into minibatches whose neighbors come
// from the same corpus.
type TrainSet struct {
	corpus *Corpus
	groups []group
	opts   Batching
	// Dropped counts query sentences left out because some word's tag is
	// missing from the batch's neighbors.
	Dropped int
}

// NewTrainSet cuts c into consecutive minibatches. The pool of a batch is
// the union of its queries' neighbor lists minus the queries themselves.
func NewTrainSet(c *Corpus, neighbors [][]int, opts Batching, logger *zap.Logger) (*TrainSet, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if len(neighbors) != c.Len() {
		return nil, errors.Errorf("%d neighbor lists for %d sentences", len(neighbors), c.Len())
	}
	ts := &TrainSet{corpus: c, opts: opts}
	for start := 0; start < c.Len(); start += opts.BatchSize {
		end := min(start+opts.BatchSize, c.Len())
		queries := make([]int, 0, end-start)
		exclude := make(map[int]bool, end-start)
		for q := start; q < end; q++ {
			queries = append(queries, q)
			exclude[q] = true
		}
		pool := poolFor(queries, neighbors, c, opts, exclude)
		covered := map[string]bool{}
		for _, p := range pool {
			for _, t := range c.Sentences[p].Tags {
				covered[t] = true
			}
		}
		kept := queries[:0]
		for _, q := range queries {
			ok := true
			for _, t := range c.Sentences[q].Tags {
				if !covered[t] {
					ok = false
					break
				}
			}
			if ok {
				kept = append(kept, q)
			}
		}
		if dropped := len(queries) - len(kept); dropped > 0 {
			ts.Dropped += dropped
			logger.Warn("dropping queries with tags missing from their neighbors",
				zap.Int("batch_start", start), zap.Int("dropped", dropped), zap.Int("pool", len(pool)))
		}
		if len(kept) == 0 {
			continue
		}
		ts.groups = append(ts.groups, group{queries: kept, pool: pool})
	}
	if len(ts.groups) == 0 {
		return nil, errors.New("no training batch has a covering neighbor pool")
	}
	return ts, nil
}

// Len is the number of minibatches per epoch.
func (t *TrainSet) Len() int { return len(t.groups) }

// Batches iterates one epoch. A non-nil rng shuffles the batch order.
func (t *TrainSet) Batches(rng *rand.Rand) *Iter[*TrainBatch] {
	return newIter(len(t.groups), rng, func(i int) (*TrainBatch, error) {
		return t.batch(t.groups[i])
	})
}

func (t *TrainSet) batch(g group) (*TrainBatch, error) {
	c := t.corpus
	qIDs, qMap, sq, err := encodeSide(c, g.queries, t.opts.Mapping)
	if err != nil {
		return nil, err
	}
	nIDs, nMap, sn, err := encodeSide(c, g.pool, t.opts.Mapping)
	if err != nil {
		return nil, err
	}
	slots := tagSlots(c, g.pool, sn)
	sentinel := len(g.pool) * sn

	width := 0
	for _, q := range g.queries {
		for _, tag := range c.Sentences[q].Tags {
			width = max(width, len(slots[tag]))
		}
	}
	// a padding slot targets every neighbor slot, so its loss and
	// gradient are zero
	all := make([]int, sentinel)
	for j := range all {
		all[j] = j
	}
	targets := make([][]int, 0, len(g.queries)*sq)
	for _, q := range g.queries {
		tags := c.Sentences[q].Tags
		for w := 0; w < sq; w++ {
			if w >= len(tags) {
				targets = append(targets, all)
				continue
			}
			row := make([]int, width)
			n := copy(row, slots[tags[w]])
			for k := n; k < width; k++ {
				row[k] = sentinel
			}
			targets = append(targets, row)
		}
	}
	return &TrainBatch{
		QueryIDs:        qIDs,
		QueryMappers:    qMap,
		NeighborIDs:     nIDs,
		NeighborMappers: nMap,
		Targets:         targets,
	}, nil
}

// EvalBatch is one evaluation step's input.
type EvalBatch struct {
	QueryIDs        [][]int
	QueryMappers    []*mat.Dense
	NeighborIDs     [][]int
	NeighborMappers []*mat.Dense
	Table           []neighbor.TagMask
	Words           [][]string
	Golds           [][]string
}

// EvalSet groups an evaluation corpus with neighbors from a training pool.
type EvalSet struct {
	corpus *Corpus
	pool   *Corpus
	tags   []string
	groups []group
	opts   Batching
}

// NewEvalSet batches c against pool. The tag table covers the pool's tags.
func NewEvalSet(c, pool *Corpus, neighbors [][]int, opts Batching) (*EvalSet, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if len(neighbors) != c.Len() {
		return nil, errors.Errorf("%d neighbor lists for %d sentences", len(neighbors), c.Len())
	}
	es := &EvalSet{corpus: c, pool: pool, tags: pool.Tags(), opts: opts}
	if len(es.tags) == 0 {
		return nil, errors.New("neighbor pool has no tags")
	}
	for start := 0; start < c.Len(); start += opts.BatchSize {
		end := min(start+opts.BatchSize, c.Len())
		queries := make([]int, 0, end-start)
		for q := start; q < end; q++ {
			queries = append(queries, q)
		}
		g := group{queries: queries, pool: poolFor(queries, neighbors, pool, opts, nil)}
		if len(g.pool) == 0 {
			return nil, errors.Wrapf(neighbor.ErrEmptyNeighborPool, "sentences %d-%d have no neighbors", start, end)
		}
		es.groups = append(es.groups, g)
	}
	return es, nil
}

func (e *EvalSet) Len() int { return len(e.groups) }

// Sentences is the number of evaluated sentences.
func (e *EvalSet) Sentences() int { return e.corpus.Len() }

// Batches iterates the set in corpus order.
func (e *EvalSet) Batches() *Iter[*EvalBatch] {
	return newIter(len(e.groups), nil, func(i int) (*EvalBatch, error) {
		return e.batch(e.groups[i])
	})
}

func (e *EvalSet) batch(g group) (*EvalBatch, error) {
	qIDs, qMap, _, err := encodeSide(e.corpus, g.queries, e.opts.Mapping)
	if err != nil {
		return nil, err
	}
	nIDs, nMap, sn, err := encodeSide(e.pool, g.pool, e.opts.Mapping)
	if err != nil {
		return nil, err
	}
	slots := tagSlots(e.pool, g.pool, sn)
	n := len(g.pool) * sn
	table := make([]neighbor.TagMask, len(e.tags))
	for i, tag := range e.tags {
		mask := make([]float64, n)
		for j := range mask {
			mask[j] = math.Inf(-1)
		}
		for _, s := range slots[tag] {
			mask[s] = 0
		}
		table[i] = neighbor.TagMask{Tag: tag, Mask: mat.NewDense(1, n, mask)}
	}
	b := &EvalBatch{
		QueryIDs:        qIDs,
		QueryMappers:    qMap,
		NeighborIDs:     nIDs,
		NeighborMappers: nMap,
		Table:           table,
	}
	for _, q := range g.queries {
		b.Words = append(b.Words, e.corpus.Sentences[q].Words)
		b.Golds = append(b.Golds, e.corpus.Sentences[q].Tags)
	}
	return b, nil
}

// Iter walks minibatches lazily; Next returns io.EOF after the last one.
type Iter[B any] struct {
	order []int
	pos   int
	build func(int) (B, error)
}

func newIter[B any](n int, rng *rand.Rand, build func(int) (B, error)) *Iter[B] {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return &Iter[B]{order: order, build: build}
}

func (it *Iter[B]) Len() int { return len(it.order) }

func (it *Iter[B]) Next() (B, error) {
	var zero B
	if it.pos >= len(it.order) {
		return zero, io.EOF
	}
	i := it.order[it.pos]
	it.pos++
	b, err := it.build(i)
	if err != nil {
		return zero, errors.Wrapf(err, "batch %d", i)
	}
	return b, nil
}
