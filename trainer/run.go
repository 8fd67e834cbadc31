package trainer

import (
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/masashi-y/instance-based-tagging/IO"
	"github.com/masashi-y/instance-based-tagging/device"
	"github.com/masashi-y/instance-based-tagging/model"
	"github.com/masashi-y/instance-based-tagging/optimizations"
	"github.com/masashi-y/instance-based-tagging/params"
	"github.com/masashi-y/instance-based-tagging/transformer"
)

// Checkpoint and metric file names inside a run directory.
const (
	ModelFile   = "model.ckpt"
	MetricsFile = "metrics.jsonl"
	VocabFile   = "vocab.json"
)

// EpochResult is what one training epoch reported.
type EpochResult struct {
	Epoch     int
	TrainLoss float64
	Eval      Result
}

// Summary describes a finished run.
type Summary struct {
	RunID  string
	RunDir string
	Epochs []EpochResult
	// Eval is the last evaluation, the only one in eval-only mode.
	Eval   Result
	BestF1 float64
}

// Run executes one configured run end to end: data, model, then either a
// single evaluation or the full training schedule. Any error stops it.
func Run(cfg params.Config, logger *zap.Logger) (*Summary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dump, err := cfg.YAML(); err == nil {
		logger.Info("config\n" + dump)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	dev, err := device.Select(cfg.Device)
	if err != nil {
		return nil, err
	}
	logHost(logger, dev)

	sum := &Summary{RunID: uuid.New().String(), BestF1: math.Inf(-1)}
	sum.RunDir = filepath.Join(cfg.RunDir, sum.RunID)
	if err := os.MkdirAll(sum.RunDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create run dir %s", sum.RunDir)
	}
	logger = logger.With(zap.String("run", sum.RunID))
	fileSink, err := NewFileSink(filepath.Join(sum.RunDir, MetricsFile), logger)
	if err != nil {
		return nil, err
	}
	defer fileSink.Close()

	trainSents, err := IO.ReadCoNLL(cfg.TrainSplit, cfg.TagType, cfg.Lowercase)
	if err != nil {
		return nil, err
	}
	devSents, err := IO.ReadCoNLL(cfg.ValidationSplit, cfg.TagType, cfg.Lowercase)
	if err != nil {
		return nil, err
	}
	vocab, err := loadVocabulary(cfg, trainSents, sum.RunDir)
	if err != nil {
		return nil, err
	}

	m, err := buildModel(cfg, vocab, logger)
	if err != nil {
		return nil, err
	}

	trainCorpus, err := IO.NewCorpus(trainSents, vocab, cfg.MaxPositions)
	if err != nil {
		return nil, errors.Wrap(err, "encode train split")
	}
	devCorpus, err := IO.NewCorpus(devSents, vocab, cfg.MaxPositions)
	if err != nil {
		return nil, errors.Wrap(err, "encode validation split")
	}
	logger.Info("data",
		zap.Int("train_sentences", trainCorpus.Len()),
		zap.Int("validation_sentences", devCorpus.Len()),
		zap.Int("tags", len(trainCorpus.Tags())),
		zap.Int("vocab", vocab.Size()))

	evalNbrs, err := evalNeighbors(cfg, devCorpus, trainCorpus, rng)
	if err != nil {
		return nil, err
	}
	evalBatch := cfg.TrainBatchSize
	if cfg.EvalOnly {
		// one query per batch so no sentence sees another's neighbors
		evalBatch = 1
	}
	evalSet, err := IO.NewEvalSet(devCorpus, trainCorpus, evalNbrs, IO.Batching{
		BatchSize:            evalBatch,
		NumNeighborSentences: cfg.EvalNumNeighborSentences,
		MaxNeighborTokens:    cfg.MaxNumNeighborTokens,
		Mapping:              cfg.WordpieceWordMapping,
	})
	if err != nil {
		return nil, errors.Wrap(err, "validation batches")
	}

	s := &TrainingSession{
		Cfg:    cfg,
		Model:  m,
		Device: dev,
		RNG:    rng,
		Logger: logger,
		Sink:   MultiSink{ZapSink{Logger: logger}, fileSink},
	}

	if cfg.EvalOnly {
		res, err := evaluate(s, evalSet)
		if err != nil {
			return nil, err
		}
		logger.Info("eval",
			zap.Float64("precision", res.Precision),
			zap.Float64("recall", res.Recall),
			zap.Float64("f1", res.F1))
		sum.Eval, sum.BestF1 = res, res.F1
		return sum, nil
	}

	trainNbrs, err := trainNeighbors(cfg, trainCorpus, rng)
	if err != nil {
		return nil, err
	}
	trainSet, err := IO.NewTrainSet(trainCorpus, trainNbrs, IO.Batching{
		BatchSize:            cfg.TrainBatchSize,
		NumNeighborSentences: cfg.TrainNumNeighborSentences,
		MaxNeighborTokens:    cfg.MaxNumNeighborTokens,
		Mapping:              cfg.WordpieceWordMapping,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "train batches")
	}

	groups := optimizations.SplitDecayGroups(m.Parameters(), cfg.NoDecay, cfg.WeightDecay)
	s.Opt = optimizations.NewAdamW(groups, optimizations.AdamConfig{
		LR:          cfg.LR,
		Beta1:       cfg.AdamBeta1,
		Beta2:       cfg.AdamBeta2,
		Eps:         cfg.AdamEps,
		CorrectBias: cfg.CorrectBias,
	})
	total := cfg.Epochs * trainSet.Len()
	warmup := int(float64(total) * cfg.WarmupProp)
	s.Sched = optimizations.NewLinearWarmup(s.Opt, warmup, total)
	logger.Info("schedule",
		zap.Int("batches_per_epoch", trainSet.Len()),
		zap.Int("total_steps", total),
		zap.Int("warmup_steps", warmup),
		zap.Int("dropped_queries", trainSet.Dropped))

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		loss, err := s.TrainEpoch(epoch, trainSet)
		if err != nil {
			return nil, err
		}
		logger.Info("epoch", zap.Int("epoch", epoch), zap.Float64("train_loss", loss))

		res, err := evaluate(s, evalSet)
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d", epoch)
		}
		logger.Info("epoch eval",
			zap.Int("epoch", epoch),
			zap.Float64("precision", res.Precision),
			zap.Float64("recall", res.Recall),
			zap.Float64("f1", res.F1))
		s.sink().Log(s.Steps(), map[string]float64{
			"precision": res.Precision,
			"recall":    res.Recall,
			"f1":        res.F1,
		})
		sum.Epochs = append(sum.Epochs, EpochResult{Epoch: epoch, TrainLoss: loss, Eval: res})
		sum.Eval = res

		if res.F1 > sum.BestF1 {
			sum.BestF1 = res.F1
			if cfg.Save != "" {
				logger.Info("saving", zap.String("path", cfg.Save), zap.Float64("f1", res.F1))
				if err := transformer.SaveCheckpoint(cfg.Save, m.Parameters()); err != nil {
					return nil, err
				}
			}
		}
	}

	final := filepath.Join(sum.RunDir, ModelFile)
	if err := transformer.SaveCheckpoint(final, m.Parameters()); err != nil {
		return nil, err
	}
	logger.Info("saved final model", zap.String("path", final))
	return sum, nil
}

// evaluate runs one evaluation, streaming predictions when configured.
func evaluate(s *TrainingSession, data *IO.EvalSet) (Result, error) {
	if s.Cfg.Predictions == "" {
		return s.Evaluate(data, nil)
	}
	w, err := IO.CreatePredictionWriter(s.Cfg.Predictions)
	if err != nil {
		return Result{}, err
	}
	res, err := s.Evaluate(data, w)
	if cerr := w.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "close predictions")
	}
	return res, err
}

func loadVocabulary(cfg params.Config, train []IO.Sentence, runDir string) (IO.Vocabulary, error) {
	switch {
	case cfg.Tokenizer != "":
		return IO.LoadSubwordVocab(cfg.Tokenizer)
	case cfg.Vocab != "":
		return IO.ImportVocabJSON(cfg.Vocab)
	}
	v, err := IO.BuildWordVocab(train, cfg.VocabSize)
	if err != nil {
		return nil, err
	}
	if err := v.ExportVocabJSON(filepath.Join(runDir, VocabFile)); err != nil {
		return nil, err
	}
	return v, nil
}

func buildModel(cfg params.Config, vocab IO.Vocabulary, logger *zap.Logger) (*model.Model, error) {
	tcfg, err := transformer.Preset(cfg.Encoder, vocab.Size(), cfg.MaxPositions, cfg.Dropout)
	if err != nil {
		return nil, err
	}
	enc, err := transformer.New(tcfg, rand.NewPCG(cfg.Seed, cfg.Seed+1))
	if err != nil {
		return nil, err
	}
	for _, path := range []string{cfg.Weights, cfg.TrainedWeights} {
		if path == "" {
			continue
		}
		logger.Info("loading model", zap.String("path", path))
		if err := transformer.LoadCheckpoint(path, enc.Parameters()); err != nil {
			return nil, err
		}
	}
	return model.New(enc), nil
}

func trainNeighbors(cfg params.Config, c *IO.Corpus, rng *rand.Rand) ([][]int, error) {
	if cfg.TrainNeighbors != "" && !cfg.RandomNeighborsInTrain {
		return IO.ReadNeighborIndex(cfg.TrainNeighbors, c.Len(), c.Len())
	}
	return IO.RandomNeighbors(c.Len(), c.Len(), neighborCount(cfg.TrainNumNeighborSentences, c.Len()), true, rng), nil
}

func evalNeighbors(cfg params.Config, c, pool *IO.Corpus, rng *rand.Rand) ([][]int, error) {
	if cfg.ValidationNeighbors != "" {
		return IO.ReadNeighborIndex(cfg.ValidationNeighbors, c.Len(), pool.Len())
	}
	return IO.RandomNeighbors(c.Len(), pool.Len(), neighborCount(cfg.EvalNumNeighborSentences, pool.Len()), false, rng), nil
}

func neighborCount(limit, pool int) int {
	if limit <= 0 {
		return pool
	}
	return limit
}
