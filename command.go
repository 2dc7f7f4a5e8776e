package compgen

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

// CLI global variables
var (
	configPath string
	flagConfig = DefaultConfig()

	evalCheckpoint string
	evalSplit      string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "compgen",
	Short: "Train and evaluate sequence-to-sequence models on compositional generalization benchmarks",
	Long: `
		compgen trains a language parser or a transformer on SCAN or COGS, measures exact-match accuracy on the held-out splits while it trains, and writes the metrics, attention maps and best model weights under the results directory.
	`,
	SilenceUsage: true,
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model",
	Long:  `Loads the configuration file (if any), applies the flags on top of it and runs num_runs independent training runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		return Train(cfg)
	},
}

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Measure the accuracy of a saved checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		data, err := LoadData(cfg)
		if err != nil {
			return err
		}
		if err := data.CheckLengths(cfg.Model.MaxLen); err != nil {
			return err
		}
		split, err := evalSource(data, evalSplit)
		if err != nil {
			return err
		}
		model, err := BuildModel(cfg, data, cfg.Seed)
		if err != nil {
			return err
		}
		if err := LoadCheckpoint(evalCheckpoint, model); err != nil {
			return err
		}
		acc := Accuracy(split, model, data.Pad)
		fmt.Fprintf(cmd.OutOrStdout(), "%s accuracy: %v\n", evalSplit, acc)
		if miss, ok := FirstMiss(split, model, data.Pad); ok {
			src, want, got, err := miss.Strings(data.Src, data.Trg)
			if err != nil {
				return err
			}
			klog.InfoS("first mispredicted sequence", "src", src, "want", want, "got", got)
		}
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the benchmark files",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		ds, err := ParseDataset(cfg.Dataset)
		if err != nil {
			return err
		}
		return DownloadDataset(cfg.DataDir, ds)
	},
}

func evalSource(data *Data, split string) (BatchSource, error) {
	switch split {
	case "train":
		return data.Train, nil
	case "dev":
		return data.Dev, nil
	case "test":
		return data.Test, nil
	case "gen":
		if data.Gen != nil {
			return data.Gen, nil
		}
	}
	return nil, fmt.Errorf("%w: no %q split for %s", ErrUnknownSplit, split, data.Dataset)
}

// resolveConfig layers the changed flags over the configuration file.
func resolveConfig(cmd *cobra.Command) (Config, error) {
	if configPath == "" {
		return flagConfig, flagConfig.Validate()
	}
	changed := map[string]string{}
	for _, name := range configFlags {
		if cmd.Flags().Changed(name) {
			changed[name] = cmd.Flags().Lookup(name).Value.String()
		}
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return Config{}, err
	}
	// the flags are bound to flagConfig, so re-setting them writes into it
	flagConfig = cfg
	for name, value := range changed {
		if err := cmd.Flags().Set(name, value); err != nil {
			return Config{}, err
		}
	}
	return flagConfig, flagConfig.Validate()
}

var configFlags []string

func addConfigFlags(cmd *cobra.Command) {
	c := &flagConfig
	fs := cmd.PersistentFlags()
	fs.StringVar(&configPath, "config", "", "YAML configuration file")
	fs.StringVar(&c.Dataset, "dataset", c.Dataset, "benchmark: scan or cogs")
	fs.StringVar(&c.Split, "split", c.Split, "benchmark split")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "directory holding the benchmark files")
	fs.Float64Var(&c.DevFraction, "dev-fraction", c.DevFraction, "share of the SCAN training set held out as dev")
	fs.StringVar(&c.ModelType, "model-type", c.ModelType, "language_parser, transformer or transformer_default")
	fs.IntVar(&c.Model.DModel, "d-model", c.Model.DModel, "model width")
	fs.IntVar(&c.Model.NHead, "nhead", c.Model.NHead, "attention heads")
	fs.IntVar(&c.Model.NumEncoderLayers, "num-encoder-layers", c.Model.NumEncoderLayers, "encoder layers")
	fs.IntVar(&c.Model.NumDecoderLayers, "num-decoder-layers", c.Model.NumDecoderLayers, "decoder layers")
	fs.IntVar(&c.Model.DimFeedforward, "dim-feedforward", c.Model.DimFeedforward, "feed-forward width")
	fs.Float64Var(&c.Model.Dropout, "dropout", c.Model.Dropout, "dropout probability")
	fs.StringVar(&c.Model.Activation, "activation", c.Model.Activation, "relu or gelu")
	fs.IntVar(&c.Model.MaxLen, "max-len", c.Model.MaxLen, "longest supported sequence")
	fs.IntVar(&c.Model.FFNExp, "ffn-exp", c.Model.FFNExp, "language parser feed-forward expansion")
	fs.IntVar(&c.Model.PatchSize, "patch-size", c.Model.PatchSize, "language parser relative position window")
	fs.IntVar(&c.Model.NumEncHeads, "num-enc-heads", c.Model.NumEncHeads, "language parser token encoder heads")
	fs.IntVar(&c.Model.NumParts, "num-parts", c.Model.NumParts, "language parser part count")
	fs.StringVar(&c.Optimizer, "optimizer", c.Optimizer, "adam or adamw")
	fs.Float64Var(&c.LearningRate, "learning-rate", c.LearningRate, "learning rate")
	fs.Float64Var(&c.WeightDecay, "weight-decay", c.WeightDecay, "weight decay")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "batch size")
	fs.IntVar(&c.NumEpochs, "num-epochs", c.NumEpochs, "epochs per run")
	fs.IntVar(&c.NumRuns, "num-runs", c.NumRuns, "independent runs")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "base random seed")
	fs.IntVar(&c.RecordLossEvery, "record-loss-every", c.RecordLossEvery, "iterations between loss records")
	fs.IntVar(&c.CheckpointEvery, "checkpoint-every", c.CheckpointEvery, "epochs between checkpoints")
	fs.StringVar(&c.TrainTargetFraming, "train-target-framing", c.TrainTargetFraming, "full or shifted")
	fs.StringVar(&c.ResultsRoot, "results-root", c.ResultsRoot, "root of the results tree")
	fs.StringVar(&c.ResultsDir, "results-dir", c.ResultsDir, "results subdirectory")
	fs.StringVar(&c.OutDataFile, "out-data-file", c.OutDataFile, "metrics file prefix")
	fs.StringVar(&c.OutAttnWts, "out-attn-wts", c.OutAttnWts, "attention file prefix")
	fs.BoolVar(&c.IncludeGenAccs, "include-gen-accs", c.IncludeGenAccs, "write gen_accs to the metrics file")
	fs.StringVar(&c.CheckpointPath, "checkpoint-path", c.CheckpointPath, "where run 0 saves its best weights")
	fs.StringVar(&c.LoadWeightsFrom, "load-weights-from", c.LoadWeightsFrom, "checkpoint to start from")
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name != "config" {
			configFlags = append(configFlags, f.Name)
		}
	})
}

func InitializeCommand() {
	addConfigFlags(rootCmd)
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)
	defer klog.Flush()

	evalCmd.Flags().StringVar(&evalCheckpoint, "checkpoint", "", "checkpoint to evaluate")
	evalCmd.Flags().StringVar(&evalSplit, "eval-split", "test", "train, dev, test or gen")
	evalCmd.MarkFlagRequired("checkpoint")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(downloadCmd)

	err := rootCmd.Execute()
	if err != nil {
		klog.Flush()
		os.Exit(1)
	}
}
