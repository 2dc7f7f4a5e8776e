package compgen

import (
	"fmt"
	"math"
	"time"

	"k8s.io/klog/v2"
)

// Session is the mutable state of one training run.
type Session struct {
	Run        int
	Metrics    Metrics
	BestDevAcc float64
	// Step counts training iterations across all epochs.
	Step int
	// Attention holds the maps of the most recent training batch.
	Attention []AttentionMap
}

func newSession(run int) *Session {
	return &Session{Run: run, BestDevAcc: math.Inf(-1)}
}

// evalSet is one split measured at checkpoints.
type evalSet struct {
	name string
	data BatchSource
	// gated sets are only measured on epochs that hit the checkpoint cadence.
	gated bool
	// best marks the set whose accuracy picks the saved snapshot.
	best    bool
	history func(*Metrics) *[]float64
}

// Trainer runs training for one model on one dataset.
type Trainer struct {
	cfg     Config
	dataset Dataset
	framing Framing
	data    *Data
	model   Model
	opt     *Optimizer

	// replaceable in tests
	evaluate       func(BatchSource, Transducer, int32) float64
	saveCheckpoint func(string, Model) error
	writeAttention func(string, []AttentionMap) error
}

func NewTrainer(cfg Config, data *Data, model Model) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dataset, err := ParseDataset(cfg.Dataset)
	if err != nil {
		return nil, err
	}
	framing, err := ParseFraming(cfg.TrainTargetFraming)
	if err != nil {
		return nil, err
	}
	kind, err := ParseOptimizer(cfg.Optimizer)
	if err != nil {
		return nil, err
	}
	if err := data.CheckLengths(cfg.Model.MaxLen); err != nil {
		return nil, err
	}
	return &Trainer{
		cfg:            cfg,
		dataset:        dataset,
		framing:        framing,
		data:           data,
		model:          model,
		opt:            NewOptimizer(kind, float32(cfg.LearningRate), float32(cfg.WeightDecay)),
		evaluate:       Accuracy,
		saveCheckpoint: SaveCheckpoint,
		writeAttention: WriteAttention,
	}, nil
}

func (t *Trainer) evalSets() []evalSet {
	sets := []evalSet{
		{name: "training", data: t.data.Train, gated: true, history: func(m *Metrics) *[]float64 { return &m.TrainAccs }},
		{name: "development", data: t.data.Dev, best: true, history: func(m *Metrics) *[]float64 { return &m.DevAccs }},
		{name: "test", data: t.data.Test, history: func(m *Metrics) *[]float64 { return &m.TestAccs }},
	}
	if t.dataset.HasGeneralization() && t.data.Gen != nil {
		sets = append(sets, evalSet{name: "generalization", data: t.data.Gen, history: func(m *Metrics) *[]float64 { return &m.GenAccs }})
	}
	return sets
}

// Run trains for the configured number of epochs and returns the session.
// On error the session holds everything recorded up to the failure.
func (t *Trainer) Run(run int) (*Session, error) {
	s := newSession(run)
	sets := t.evalSets()
	t.model.SetTraining(true)
	for epoch := 0; epoch < t.cfg.NumEpochs; epoch++ {
		for iter, batch := range t.data.Train.Batches() {
			start := time.Now()
			loss, out := t.step(batch)
			s.Attention = out.Attention
			if IsNaN(loss) {
				klog.Warningf("run %d step %d: batch has no target tokens, loss is NaN", run, s.Step)
			}
			if s.Step%t.cfg.RecordLossEvery == 0 {
				klog.InfoS("train", "run", run, "epoch", epoch, "iter", iter, "step", s.Step, "loss", loss, "took", time.Since(start))
				s.Metrics.LossData = append(s.Metrics.LossData, float64(loss))
			}
			s.Step++
		}
		cadence := epoch%t.cfg.CheckpointEvery == 0
		if cadence || t.dataset.CheckpointsEveryEpoch() {
			if err := t.checkpoint(s, cadence, sets); err != nil {
				return s, err
			}
		}
	}
	return s, nil
}

// step runs one optimisation step on batch.
func (t *Trainer) step(batch Batch) (float32, Output) {
	params := t.model.Parameters()
	params.ZeroGradient()
	input, target := batch.Trg, batch.Trg
	if t.framing == FramingShifted {
		input, target = batch.Trg.Rows(0, batch.Trg.T-1), batch.Trg.Rows(1, batch.Trg.T)
	}
	out := t.model.Forward(batch.Src, input)
	loss, dscores := CrossEntropyLoss(out.Scores, target.Data, out.V, t.data.Pad)
	t.model.Backward(dscores)
	t.opt.Step(params)
	return loss, out
}

func (t *Trainer) checkpoint(s *Session, cadence bool, sets []evalSet) error {
	devAcc := math.NaN()
	for _, set := range sets {
		if set.gated && !cadence {
			continue
		}
		klog.Infof("Checking %s accuracy...", set.name)
		acc := t.evaluate(set.data, t.model, t.data.Pad)
		klog.Infof("%s accuracy is %v", set.name, acc)
		h := set.history(&s.Metrics)
		*h = append(*h, acc)
		if set.best {
			devAcc = acc
		}
	}
	if err := WriteMetrics(t.cfg.MetricsPath(s.Run), s.Metrics, t.cfg.IncludeGenAccs); err != nil {
		return err
	}
	if t.model.Architecture().ReturnsAttention() && s.Attention != nil {
		if err := t.writeAttention(t.cfg.AttentionPath(s.Run), s.Attention); err != nil {
			return err
		}
	}
	// only the first run keeps a best-on-dev snapshot
	if s.Run == 0 && devAcc > s.BestDevAcc {
		s.BestDevAcc = devAcc
		if t.cfg.CheckpointPath != "" {
			klog.InfoS("saving checkpoint", "path", t.cfg.CheckpointPath, "devAcc", devAcc)
			if err := t.saveCheckpoint(t.cfg.CheckpointPath, t.model); err != nil {
				return err
			}
		}
	}
	return nil
}

// Train runs every configured run back to back.
func Train(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	klog.Info(DetectDevice())
	data, err := LoadData(cfg)
	if err != nil {
		return err
	}
	for run := 0; run < cfg.NumRuns; run++ {
		model, err := BuildModel(cfg, data, cfg.Seed+int64(run))
		if err != nil {
			return err
		}
		if cfg.LoadWeightsFrom != "" {
			if err := LoadCheckpoint(cfg.LoadWeightsFrom, model); err != nil {
				return err
			}
		}
		klog.Infof("%v", model)
		trainer, err := NewTrainer(cfg, data, model)
		if err != nil {
			return err
		}
		if _, err := trainer.Run(run); err != nil {
			return fmt.Errorf("run %d: %w", run, err)
		}
	}
	return nil
}

// BuildModel creates the configured architecture sized for data.
func BuildModel(cfg Config, data *Data, seed int64) (Model, error) {
	arch, err := ParseArchitecture(cfg.ModelType)
	if err != nil {
		return nil, err
	}
	return NewModel(arch, cfg.Model, data.Src.Len(), data.Trg.Len(), data.Pad, seed)
}
