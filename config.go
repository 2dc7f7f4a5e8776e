package compgen

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// ModelConfig holds the hyperparameters of every architecture. Fields an
// architecture does not use are ignored.
type ModelConfig struct {
	DModel           int     `yaml:"d_model"`
	NHead            int     `yaml:"nhead"`
	NumEncoderLayers int     `yaml:"num_encoder_layers"`
	NumDecoderLayers int     `yaml:"num_decoder_layers"`
	DimFeedforward   int     `yaml:"dim_feedforward"`
	Dropout          float64 `yaml:"dropout"`
	Activation       string  `yaml:"activation"`
	MaxLen           int     `yaml:"max_len"`
	// language_parser only
	FFNExp      int `yaml:"ffn_exp"`
	PatchSize   int `yaml:"patch_size"`
	NumEncHeads int `yaml:"num_enc_heads"`
	NumParts    int `yaml:"num_parts"`
}

// Config is a full training configuration.
type Config struct {
	Dataset     string  `yaml:"dataset"`
	Split       string  `yaml:"split"`
	DataDir     string  `yaml:"data_dir"`
	DevFraction float64 `yaml:"dev_fraction"`

	ModelType string      `yaml:"model_type"`
	Model     ModelConfig `yaml:",inline"`

	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"learning_rate"`
	WeightDecay  float64 `yaml:"weight_decay"`

	BatchSize          int    `yaml:"batch_size"`
	NumEpochs          int    `yaml:"num_epochs"`
	NumRuns            int    `yaml:"num_runs"`
	Seed               int64  `yaml:"seed"`
	RecordLossEvery    int    `yaml:"record_loss_every"`
	CheckpointEvery    int    `yaml:"checkpoint_every"`
	TrainTargetFraming string `yaml:"train_target_framing"`

	ResultsRoot     string `yaml:"results_root"`
	ResultsDir      string `yaml:"results_dir"`
	OutDataFile     string `yaml:"out_data_file"`
	OutAttnWts      string `yaml:"out_attn_wts"`
	IncludeGenAccs  bool   `yaml:"include_gen_accs"`
	CheckpointPath  string `yaml:"checkpoint_path"`
	LoadWeightsFrom string `yaml:"load_weights_from"`
}

func DefaultConfig() Config {
	return Config{
		Dataset:     "scan",
		Split:       "simple",
		DataDir:     "data",
		DevFraction: 0.1,
		ModelType:   "transformer",
		Model: ModelConfig{
			DModel:           128,
			NHead:            8,
			NumEncoderLayers: 2,
			NumDecoderLayers: 2,
			DimFeedforward:   512,
			Dropout:          0.1,
			Activation:       "relu",
			MaxLen:           512,
			FFNExp:           4,
			PatchSize:        4,
			NumEncHeads:      4,
			NumParts:         16,
		},
		Optimizer:          "adamw",
		LearningRate:       1e-4,
		WeightDecay:        0.01,
		BatchSize:          32,
		NumEpochs:          100,
		NumRuns:            1,
		Seed:               42,
		RecordLossEvery:    20,
		CheckpointEvery:    4,
		TrainTargetFraming: "full",
		ResultsRoot:        "results",
		ResultsDir:         "default",
		OutDataFile:        "train_defaults",
		OutAttnWts:         "train_defaults_attn",
	}
}

// LoadConfig reads a YAML configuration on top of the defaults.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("error opening config: %w", err)
	}
	defer f.Close()
	return readConfig(f)
}

func readConfig(r io.Reader) (Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects unknown tags and values no run could use.
func (c Config) Validate() error {
	if _, err := ParseDataset(c.Dataset); err != nil {
		return err
	}
	if _, err := ParseArchitecture(c.ModelType); err != nil {
		return err
	}
	if _, err := ParseOptimizer(c.Optimizer); err != nil {
		return err
	}
	if _, err := parseActivation(c.Model.Activation); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := ParseFraming(c.TrainTargetFraming); err != nil {
		return err
	}
	positive := []struct {
		name  string
		value int
	}{
		{"batch_size", c.BatchSize},
		{"num_runs", c.NumRuns},
		{"record_loss_every", c.RecordLossEvery},
		{"checkpoint_every", c.CheckpointEvery},
		{"d_model", c.Model.DModel},
		{"nhead", c.Model.NHead},
		{"max_len", c.Model.MaxLen},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.name, p.value)
		}
	}
	if c.Model.DModel%c.Model.NHead != 0 {
		return fmt.Errorf("%w: d_model %d not divisible by nhead %d", ErrInvalidConfig, c.Model.DModel, c.Model.NHead)
	}
	if c.ModelType == "language_parser" {
		if c.Model.NumEncHeads <= 0 || c.Model.DModel%c.Model.NumEncHeads != 0 {
			return fmt.Errorf("%w: d_model %d not divisible by num_enc_heads %d", ErrInvalidConfig, c.Model.DModel, c.Model.NumEncHeads)
		}
		if c.Model.NumParts <= 0 || c.Model.FFNExp <= 0 || c.Model.PatchSize < 0 {
			return fmt.Errorf("%w: num_parts and ffn_exp must be positive, patch_size non-negative", ErrInvalidConfig)
		}
	}
	if c.Model.Dropout < 0 || c.Model.Dropout >= 1 {
		return fmt.Errorf("%w: dropout must be in [0, 1), got %v", ErrInvalidConfig, c.Model.Dropout)
	}
	if c.DevFraction < 0 || c.DevFraction >= 1 {
		return fmt.Errorf("%w: dev_fraction must be in [0, 1), got %v", ErrInvalidConfig, c.DevFraction)
	}
	return nil
}

// ResultsPath is the directory every artifact of this configuration goes to.
func (c Config) ResultsPath() string {
	return filepath.Join(c.ResultsRoot, c.ResultsDir, c.Dataset, c.Split)
}

func (c Config) MetricsPath(run int) string {
	return filepath.Join(c.ResultsPath(), fmt.Sprintf("%s%d.json", c.OutDataFile, run))
}

func (c Config) AttentionPath(run int) string {
	return filepath.Join(c.ResultsPath(), fmt.Sprintf("%s%d.pickle", c.OutAttnWts, run))
}

// Framing says which target tokens the training pass feeds and scores.
type Framing int

const (
	// FramingFull feeds the whole target and scores it against itself.
	FramingFull Framing = iota + 1
	// FramingShifted feeds target[:-1] and scores it against target[1:],
	// as evaluation does.
	FramingShifted
)

func ParseFraming(tag string) (Framing, error) {
	switch tag {
	case "full":
		return FramingFull, nil
	case "shifted":
		return FramingShifted, nil
	}
	return 0, fmt.Errorf("%w: unknown train_target_framing %q", ErrInvalidConfig, tag)
}
