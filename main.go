package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/masashi-y/instance-based-tagging/params"
	"github.com/masashi-y/instance-based-tagging/trainer"
)

func main() {
	root, err := newRootCmd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"train-split":      "train_split",
	"validation-split": "validation_split",
	"train-neighbors":  "train_neighbors",
	"val-neighbors":    "validation_neighbors",
	"encoder":          "encoder",
	"weights":          "weights",
	"tokenizer":        "tokenizer",
	"trained-weights":  "trained_weights",
	"save":             "save",
	"run-dir":          "run_dir",
	"predictions":      "predictions",
	"device":           "device",
	"epochs":           "epochs",
	"seed":             "seed",
	"cosine":           "cosine",
	"debug":            "debug",
}

func newRootCmd() (*cobra.Command, error) {
	v, err := params.NewViper()
	if err != nil {
		return nil, err
	}
	var cfgFile string

	root := &cobra.Command{
		Use:          "nntag",
		Short:        "Tag tokens with the label of their nearest neighbor words",
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file")
	flags.String("train-split", "", "training corpus (CoNLL)")
	flags.String("validation-split", "", "validation corpus (CoNLL)")
	flags.String("train-neighbors", "", "neighbor index for the training corpus")
	flags.String("val-neighbors", "", "neighbor index for the validation corpus")
	flags.String("encoder", params.Default.Encoder, "encoder preset: tiny, mini, small or base")
	flags.String("weights", "", "pretrained encoder checkpoint")
	flags.String("tokenizer", "", "tokenizer.json; a word vocabulary is built when empty")
	flags.String("trained-weights", "", "checkpoint to restore before running")
	flags.String("save", "", "checkpoint path written on every new best F1")
	flags.String("run-dir", params.Default.RunDir, "directory for run outputs")
	flags.String("predictions", "", "write conlleval predictions here")
	flags.String("device", params.Default.Device, "cpu or blas")
	flags.Int("epochs", params.Default.Epochs, "training epochs")
	flags.Uint64("seed", params.Default.Seed, "random seed")
	flags.Bool("cosine", params.Default.Cosine, "compare L2-normalised representations")
	flags.Bool("debug", false, "development logging")
	if err := bindFlags(v, root); err != nil {
		return nil, err
	}

	load := func() (params.Config, *zap.Logger, error) {
		cfg, err := params.Load(v, cfgFile)
		if err != nil {
			return params.Config{}, nil, err
		}
		logger, err := newLogger(cfg.Debug)
		if err != nil {
			return params.Config{}, nil, err
		}
		return cfg, logger, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "train",
		Short: "Train the encoder and evaluate after every epoch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v.Set("eval_only", false)
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			sum, err := trainer.Run(cfg, logger)
			if err != nil {
				logger.Error("run failed", zap.Error(err))
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: best F1 %.5f (%s)\n", sum.RunID, sum.BestF1, sum.RunDir)
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "eval",
		Short: "Evaluate a trained model on the validation split",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v.Set("eval_only", true)
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			sum, err := trainer.Run(cfg, logger)
			if err != nil {
				logger.Error("run failed", zap.Error(err))
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "P: %3.5f / R: %3.5f / F: %3.5f\n", sum.Eval.Precision, sum.Eval.Recall, sum.Eval.F1)
			return nil
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := params.Load(v, cfgFile)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	})
	return root, nil
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		f := cmd.PersistentFlags().Lookup(name)
		if f == nil {
			return errors.Errorf("flag --%s is not defined", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind --%s", name)
		}
	}
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
