package trainer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/masashi-y/instance-based-tagging/IO"
	"github.com/masashi-y/instance-based-tagging/device"
	"github.com/masashi-y/instance-based-tagging/model"
	"github.com/masashi-y/instance-based-tagging/optimizations"
	"github.com/masashi-y/instance-based-tagging/params"
	"github.com/masashi-y/instance-based-tagging/transformer"
)

var (
	people = []string{"john", "mary", "alice", "bob"}
	places = []string{"paris", "london", "tokyo", "rome"}
	verbs  = []string{"visits", "likes", "leaves", "sees"}
)

// toySentences tags every sentence "<person> <verb> <place>" as
// B-PER O B-LOC, so every sentence carries every tag.
func toySentences(n, offset int) []IO.Sentence {
	out := make([]IO.Sentence, n)
	for i := range out {
		k := i + offset
		out[i] = IO.Sentence{
			Words: []string{people[k%4], verbs[(k/2)%4], places[(k+1)%4]},
			Tags:  []string{"B-PER", "O", "B-LOC"},
		}
	}
	return out
}

func toyConfig() params.Config {
	c := params.Default
	c.Encoder = "tiny"
	c.MaxPositions = 16
	c.Dropout = 0
	c.LR = 1e-3
	c.Epochs = 2
	c.TrainBatchSize = 2
	c.TrainNumNeighborSentences = 3
	c.EvalNumNeighborSentences = 3
	c.RandomNeighborsInTrain = true
	c.LogInterval = 1
	c.Seed = 7
	return c
}

type fixture struct {
	vocab *IO.WordVocab
	train *IO.Corpus
	dev   *IO.Corpus
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	train := toySentences(8, 0)
	v, err := IO.BuildWordVocab(train, 0)
	require.NoError(t, err)
	tc, err := IO.NewCorpus(train, v, 16)
	require.NoError(t, err)
	dc, err := IO.NewCorpus(toySentences(4, 3), v, 16)
	require.NoError(t, err)
	return fixture{vocab: v, train: tc, dev: dc}
}

func (f fixture) session(t *testing.T, cfg params.Config, seed uint64) *TrainingSession {
	t.Helper()
	tcfg, err := transformer.Preset(cfg.Encoder, f.vocab.Size(), cfg.MaxPositions, cfg.Dropout)
	require.NoError(t, err)
	enc, err := transformer.New(tcfg, rand.NewPCG(seed, seed+1))
	require.NoError(t, err)
	m := model.New(enc)
	opt := optimizations.NewAdamW(
		optimizations.SplitDecayGroups(m.Parameters(), cfg.NoDecay, cfg.WeightDecay),
		optimizations.AdamConfig{LR: cfg.LR, Beta1: cfg.AdamBeta1, Beta2: cfg.AdamBeta2, Eps: cfg.AdamEps},
	)
	return &TrainingSession{
		Cfg:    cfg,
		Model:  m,
		Opt:    opt,
		Sched:  optimizations.NewLinearWarmup(opt, 0, 10_000),
		Device: device.Host{},
		RNG:    rand.New(rand.NewPCG(seed, 99)),
	}
}

func (f fixture) trainSet(t *testing.T, cfg params.Config) *IO.TrainSet {
	t.Helper()
	rng := rand.New(rand.NewPCG(1, 2))
	nbrs := IO.RandomNeighbors(f.train.Len(), f.train.Len(), cfg.TrainNumNeighborSentences, true, rng)
	ts, err := IO.NewTrainSet(f.train, nbrs, IO.Batching{
		BatchSize:            cfg.TrainBatchSize,
		NumNeighborSentences: cfg.TrainNumNeighborSentences,
		Mapping:              cfg.WordpieceWordMapping,
	}, nil)
	require.NoError(t, err)
	return ts
}

func (f fixture) evalSet(t *testing.T, cfg params.Config) *IO.EvalSet {
	t.Helper()
	rng := rand.New(rand.NewPCG(3, 4))
	nbrs := IO.RandomNeighbors(f.dev.Len(), f.train.Len(), cfg.EvalNumNeighborSentences, false, rng)
	es, err := IO.NewEvalSet(f.dev, f.train, nbrs, IO.Batching{
		BatchSize: 1,
		Mapping:   cfg.WordpieceWordMapping,
	})
	require.NoError(t, err)
	return es
}

func TestTrainEpochLowersLoss(t *testing.T) {
	f := newFixture(t)
	cfg := toyConfig()
	s := f.session(t, cfg, 11)
	ts := f.trainSet(t, cfg)

	var losses []float64
	for epoch := 0; epoch < 15; epoch++ {
		loss, err := s.TrainEpoch(epoch, ts)
		require.NoError(t, err)
		assert.False(t, loss < 0)
		losses = append(losses, loss)
	}
	assert.Equal(t, 15*ts.Len(), s.Steps())
	assert.Equal(t, s.Steps(), s.Opt.Steps())
	assert.Less(t, losses[len(losses)-1], losses[0])
	assert.False(t, s.Model.Encoder.(*transformer.Encoder).Training())
}

func TestTrainEpochCosineAndFrozenNeighbors(t *testing.T) {
	f := newFixture(t)
	cfg := toyConfig()
	cfg.Cosine = true
	cfg.NoGradThroughNeighbors = true
	cfg.ShardBatchSize = 2
	cfg.Dropout = 0.1
	s := f.session(t, cfg, 5)
	loss, err := s.TrainEpoch(0, f.trainSet(t, cfg))
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)
}

func TestTrainEpochWithoutOptimizer(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, toyConfig(), 1)
	s.Opt = nil
	_, err := s.TrainEpoch(0, f.trainSet(t, toyConfig()))
	assert.Error(t, err)
}

func TestTrainEpochConstantRateWithoutSchedule(t *testing.T) {
	f := newFixture(t)
	cfg := toyConfig()
	s := f.session(t, cfg, 1)
	s.Sched = nil
	ts := f.trainSet(t, cfg)

	loss, err := s.TrainEpoch(0, ts)
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)
	assert.Equal(t, ts.Len(), s.Opt.Steps())
	assert.Equal(t, s.Opt.BaseLR(), s.Opt.LR)
}

func TestEvaluateScoresAndWritesPredictions(t *testing.T) {
	f := newFixture(t)
	cfg := toyConfig()
	s := f.session(t, cfg, 3)
	es := f.evalSet(t, cfg)

	var buf bytes.Buffer
	w := IO.NewPredictionWriter(&buf)
	res, err := s.Evaluate(es, w)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	for _, v := range []float64{res.Precision, res.Recall, res.F1} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
	// two chunks per sentence
	assert.Equal(t, 2*f.dev.Len(), res.Counts.Gold)
	assert.LessOrEqual(t, res.Counts.Correct, res.Counts.Predicted)

	blocks := strings.Split(strings.TrimSpace(buf.String()), "\n\n")
	assert.Len(t, blocks, f.dev.Len())
	for _, b := range blocks {
		assert.Len(t, strings.Split(b, "\n"), 3)
	}

	cfg.EvalAccuracy = true
	s.Cfg = cfg
	acc, err := s.Evaluate(es, nil)
	require.NoError(t, err)
	assert.Equal(t, 3*f.dev.Len(), acc.Counts.Gold)
	assert.Equal(t, acc.Counts.Gold, acc.Counts.Predicted)
	assert.InDelta(t, acc.Precision, acc.F1, 1e-12)
}

func TestEvaluateOnBLASDeviceMatchesHost(t *testing.T) {
	f := newFixture(t)
	cfg := toyConfig()
	es := f.evalSet(t, cfg)

	host := f.session(t, cfg, 4)
	want, err := host.Evaluate(es, nil)
	require.NoError(t, err)

	blas := f.session(t, cfg, 4)
	d := device.NewBLAS()
	blas.Device = d
	got, err := blas.Evaluate(es, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Greater(t, d.Placed(), int64(0))
}

func TestCheckpointReproducesEvaluation(t *testing.T) {
	f := newFixture(t)
	cfg := toyConfig()
	es := f.evalSet(t, cfg)

	trained := f.session(t, cfg, 8)
	_, err := trained.TrainEpoch(0, f.trainSet(t, cfg))
	require.NoError(t, err)
	want, err := trained.Evaluate(es, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.ckpt")
	require.NoError(t, transformer.SaveCheckpoint(path, trained.Model.Parameters()))

	restored := f.session(t, cfg, 9)
	require.NoError(t, transformer.LoadCheckpoint(path, restored.Model.Parameters()))
	got, err := restored.Evaluate(es, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

type recordSink struct {
	steps []int
}

func (r *recordSink) Log(step int, _ map[string]float64) { r.steps = append(r.steps, step) }

func TestSinks(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	rec := &recordSink{}
	path := filepath.Join(t.TempDir(), "run", MetricsFile)
	fs, err := NewFileSink(path, nil)
	require.NoError(t, err)

	sink := MultiSink{ZapSink{Logger: zap.New(core)}, rec, fs}
	sink.Log(1, map[string]float64{"loss": 0.5, "epoch": 0})
	sink.Log(2, map[string]float64{"f1": 0.25})
	require.NoError(t, fs.Close())

	assert.Equal(t, []int{1, 2}, rec.steps)
	entries := logs.FilterMessage("metrics").All()
	require.Len(t, entries, 2)
	assert.Equal(t, 0.5, entries[0].ContextMap()["loss"])
	assert.Equal(t, int64(1), entries[0].ContextMap()["step"])

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []map[string]float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]float64
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, map[string]float64{"step": 1, "loss": 0.5, "epoch": 0}, lines[0])
	assert.Equal(t, map[string]float64{"step": 2, "f1": 0.25}, lines[1])
}

func writeCoNLL(t *testing.T, path string, sents []IO.Sentence) {
	t.Helper()
	var b strings.Builder
	b.WriteString("-DOCSTART- -X- -X- O\n\n")
	for _, s := range sents {
		for i, w := range s.Words {
			fmt.Fprintf(&b, "%s NN B-NP %s\n", w, s.Tags[i])
		}
		b.WriteString("\n")
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

func runConfig(t *testing.T) params.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := toyConfig()
	cfg.TrainSplit = filepath.Join(dir, "train.txt")
	cfg.ValidationSplit = filepath.Join(dir, "dev.txt")
	cfg.RunDir = filepath.Join(dir, "runs")
	cfg.Save = filepath.Join(dir, "best.ckpt")
	cfg.Predictions = filepath.Join(dir, "preds.txt")
	writeCoNLL(t, cfg.TrainSplit, toySentences(8, 0))
	writeCoNLL(t, cfg.ValidationSplit, toySentences(4, 3))
	return cfg
}

func TestRunTrainsAndSaves(t *testing.T) {
	cfg := runConfig(t)
	sum, err := Run(cfg, nil)
	require.NoError(t, err)

	require.Len(t, sum.Epochs, cfg.Epochs)
	assert.Equal(t, sum.Epochs[len(sum.Epochs)-1].Eval, sum.Eval)
	for _, e := range sum.Epochs {
		assert.LessOrEqual(t, e.Eval.F1, sum.BestF1)
	}
	for _, name := range []string{ModelFile, MetricsFile, VocabFile} {
		assert.FileExists(t, filepath.Join(sum.RunDir, name))
	}
	assert.FileExists(t, cfg.Save)
	assert.FileExists(t, cfg.Predictions)

	// the final checkpoint restores into a fresh eval-only run
	evalCfg := cfg
	evalCfg.EvalOnly = true
	evalCfg.Save = ""
	evalCfg.TrainedWeights = filepath.Join(sum.RunDir, ModelFile)
	evalCfg.Device = "blas"
	evalSum, err := Run(evalCfg, nil)
	require.NoError(t, err)
	assert.Empty(t, evalSum.Epochs)
	assert.NotEqual(t, sum.RunID, evalSum.RunID)
	assert.Equal(t, 2*4, evalSum.Eval.Counts.Gold)
}

func TestRunIsDeterministic(t *testing.T) {
	cfg := runConfig(t)
	cfg.Dropout = 0.1
	cfg.Predictions = ""
	a, err := Run(cfg, nil)
	require.NoError(t, err)
	b, err := Run(cfg, nil)
	require.NoError(t, err)
	require.Len(t, b.Epochs, len(a.Epochs))
	for i := range a.Epochs {
		assert.Equal(t, a.Epochs[i].TrainLoss, b.Epochs[i].TrainLoss)
		assert.Equal(t, a.Epochs[i].Eval, b.Epochs[i].Eval)
	}
}

func TestRunFailsFast(t *testing.T) {
	cfg := runConfig(t)
	cfg.TrainSplit = filepath.Join(t.TempDir(), "missing.txt")
	_, err := Run(cfg, nil)
	assert.Error(t, err)

	cfg = runConfig(t)
	cfg.TrainedWeights = filepath.Join(t.TempDir(), "missing.ckpt")
	_, err = Run(cfg, nil)
	assert.Error(t, err)

	cfg = runConfig(t)
	cfg.Epochs = 0
	_, err = Run(cfg, nil)
	assert.Error(t, err)
}
