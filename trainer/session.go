// Package trainer runs the training and evaluation loops of the tagger.
package trainer

import (
	"io"
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/masashi-y/instance-based-tagging/IO"
	"github.com/masashi-y/instance-based-tagging/device"
	"github.com/masashi-y/instance-based-tagging/model"
	"github.com/masashi-y/instance-based-tagging/neighbor"
	"github.com/masashi-y/instance-based-tagging/optimizations"
	"github.com/masashi-y/instance-based-tagging/params"
	"github.com/masashi-y/instance-based-tagging/scoring"
)

// TrainingSession bundles the mutable state of one run. Nothing in it is
// shared with other sessions.
type TrainingSession struct {
	Cfg    params.Config
	Model  *model.Model
	Opt    *optimizations.AdamW
	Sched  *optimizations.LinearWarmup // nil keeps the base learning rate
	Device device.Device
	RNG    *rand.Rand
	Logger *zap.Logger
	Sink   Sink

	step int
}

// Result is the outcome of one evaluation pass.
type Result struct {
	Precision, Recall, F1 float64
	Counts                scoring.Counts
}

func (s *TrainingSession) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *TrainingSession) sink() Sink {
	if s.Sink == nil {
		return MultiSink(nil)
	}
	return s.Sink
}

func (s *TrainingSession) device() device.Device {
	if s.Device == nil {
		return device.Host{}
	}
	return s.Device
}

// Steps is the number of optimizer steps taken so far.
func (s *TrainingSession) Steps() int { return s.step }

// TrainEpoch runs one pass over data in a fresh random order and returns
// the mean loss per query word slot.
func (s *TrainingSession) TrainEpoch(epoch int, data *IO.TrainSet) (float64, error) {
	if s.Opt == nil {
		return 0, errors.New("training session has no optimizer")
	}
	log := s.logger()
	s.Model.Encoder.Train(s.RNG)
	defer s.Model.Encoder.Eval()

	var (
		totalLoss   float64
		totalTokens int
	)
	it := data.Batches(s.RNG)
	for step := 1; ; step++ {
		b, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		if b, err = s.placeTrain(b); err != nil {
			return 0, err
		}
		loss, err := s.trainStep(b)
		if err != nil {
			return 0, errors.Wrapf(err, "epoch %d step %d", epoch, step)
		}
		totalLoss += loss
		totalTokens += b.Tokens()
		s.step++
		s.sink().Log(s.step, map[string]float64{
			"epoch": float64(epoch),
			"loss":  loss,
			"lr":    s.Opt.LR,
		})
		if step%s.Cfg.LogInterval == 0 {
			log.Info("batch",
				zap.Int("epoch", epoch),
				zap.Int("step", step),
				zap.Int("of", it.Len()),
				zap.Float64("loss", totalLoss/float64(totalTokens)),
				zap.Float64("lr", s.Opt.LR),
				zap.Float64("mem_used_pct", memUsedPercent()))
		}
	}
	if totalTokens == 0 {
		return 0, errors.New("training epoch produced no batches")
	}
	return totalLoss / float64(totalTokens), nil
}

// trainStep applies one optimizer update and returns the unnormalised loss.
func (s *TrainingSession) trainStep(b *IO.TrainBatch) (float64, error) {
	cfg := s.Cfg
	s.Opt.ZeroGrad()

	query, err := s.Model.WordRepresentations(b.QueryIDs, b.QueryMappers, model.Extract{Track: true})
	if err != nil {
		return 0, errors.Wrap(err, "query representations")
	}
	nbrs, err := s.Model.WordRepresentations(b.NeighborIDs, b.NeighborMappers, model.Extract{
		ShardSize: cfg.ShardBatchSize,
		Detach:    cfg.ShardDetach,
		Track:     !cfg.NoGradThroughNeighbors,
	})
	if err != nil {
		return 0, errors.Wrap(err, "neighbor representations")
	}

	qw, nw := query.Words, nbrs.Words
	var qBack, nBack func([]*mat.Dense) []*mat.Dense
	if cfg.Cosine {
		qw, qBack = model.Normalize(qw)
		nw, nBack = model.Normalize(nw)
	}

	loss, grad, err := neighbor.BatchLoss(qw, nw, b.Targets)
	if err != nil {
		return 0, err
	}
	if math.IsInf(loss, 0) || math.IsNaN(loss) {
		return 0, errors.Errorf("loss is %v", loss)
	}
	grad.Scale(1 / float64(b.Tokens()))

	dq, dn := grad.Query, grad.Neighbors
	if cfg.Cosine {
		dq, dn = qBack(dq), nBack(dn)
	}
	if err := query.Backward(dq); err != nil {
		return 0, errors.Wrap(err, "query backward")
	}
	if nbrs.Tracked() {
		if err := nbrs.Backward(dn); err != nil {
			return 0, errors.Wrap(err, "neighbor backward")
		}
	}

	s.Opt.ClipGradNorm(cfg.GradNorm)
	s.Opt.Step()
	if s.Sched != nil {
		s.Sched.Step()
	}
	return loss, nil
}

// Evaluate tags every sentence of data without dropout or gradient tapes
// and scores the predictions. preds may be nil.
func (s *TrainingSession) Evaluate(data *IO.EvalSet, preds *IO.PredictionWriter) (Result, error) {
	cfg := s.Cfg
	log := s.logger()
	s.Model.Encoder.Eval()

	scorer := scoring.Spans
	if cfg.EvalAccuracy {
		scorer = scoring.Accuracy
	}
	var micro scoring.Micro

	log.Info("predicting", zap.Int("sentences", data.Sentences()))
	it := data.Batches()
	for step := 1; ; step++ {
		b, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, err
		}
		if step%10 == 0 {
			log.Info("processed", zap.Int("batches", step), zap.Int("of", it.Len()))
		}
		if b, err = s.placeEval(b); err != nil {
			return Result{}, err
		}

		query, err := s.Model.WordRepresentations(b.QueryIDs, b.QueryMappers, model.Extract{})
		if err != nil {
			return Result{}, errors.Wrap(err, "query representations")
		}
		nbrs, err := s.Model.WordRepresentations(b.NeighborIDs, b.NeighborMappers, model.Extract{
			ShardSize: cfg.ShardBatchSize,
		})
		if err != nil {
			return Result{}, errors.Wrap(err, "neighbor representations")
		}
		qw, nw := query.Words, nbrs.Words
		if cfg.Cosine {
			qw, _ = model.Normalize(qw)
			nw, _ = model.Normalize(nw)
		}

		tags, err := neighbor.Predict(qw, nw, b.Table)
		if err != nil {
			return Result{}, errors.Wrapf(err, "batch %d", step)
		}
		c, err := scorer.Score(tags, b.Golds)
		if err != nil {
			return Result{}, errors.Wrapf(err, "score batch %d", step)
		}
		micro.Add(c)
		if preds != nil {
			if err := preds.Write(b.Words, b.Golds, tags); err != nil {
				return Result{}, errors.Wrap(err, "write predictions")
			}
		}
	}
	return Result{
		Precision: micro.Precision(),
		Recall:    micro.Recall(),
		F1:        micro.F1(),
		Counts:    micro.Counts,
	}, nil
}

func (s *TrainingSession) placeTrain(b *IO.TrainBatch) (*IO.TrainBatch, error) {
	d := s.device()
	if d.IsHost() {
		return b, nil
	}
	v, err := device.Transfer(b.Value(), d)
	if err != nil {
		return nil, errors.Wrap(err, "transfer batch")
	}
	return IO.TrainBatchFromValue(v)
}

func (s *TrainingSession) placeEval(b *IO.EvalBatch) (*IO.EvalBatch, error) {
	d := s.device()
	if d.IsHost() {
		return b, nil
	}
	v, err := device.Transfer(b.Value(), d)
	if err != nil {
		return nil, errors.Wrap(err, "transfer batch")
	}
	return IO.EvalBatchFromValue(v)
}
