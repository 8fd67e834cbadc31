// Package params holds the run configuration.
package params

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. NNTAG_EPOCHS=5.
const EnvPrefix = "NNTAG"

// Config is the immutable configuration of one run.
type Config struct {
	// Encoder
	Encoder      string  `mapstructure:"encoder" yaml:"encoder"` // tiny, mini, small or base
	Weights      string  `mapstructure:"weights" yaml:"weights"` // pretrained encoder checkpoint
	Tokenizer    string  `mapstructure:"tokenizer" yaml:"tokenizer"`
	Vocab        string  `mapstructure:"vocab" yaml:"vocab"` // word vocab json, used without a tokenizer
	VocabSize    int     `mapstructure:"vocab_size" yaml:"vocab_size"`
	Lowercase    bool    `mapstructure:"lowercase" yaml:"lowercase"`
	MaxPositions int     `mapstructure:"max_positions" yaml:"max_positions"`
	Dropout      float64 `mapstructure:"dropout" yaml:"dropout"`

	// Optimization
	LR             float64  `mapstructure:"lr" yaml:"lr"`
	WeightDecay    float64  `mapstructure:"weight_decay" yaml:"weight_decay"`
	NoDecay        []string `mapstructure:"no_decay" yaml:"no_decay"`
	WarmupProp     float64  `mapstructure:"warmup_prop" yaml:"warmup_prop"`
	Epochs         int      `mapstructure:"epochs" yaml:"epochs"`
	TrainBatchSize int      `mapstructure:"train_batch_size" yaml:"train_batch_size"`
	ShardBatchSize int      `mapstructure:"shard_batch_size" yaml:"shard_batch_size"` // 0 disables sharding
	ShardDetach    bool     `mapstructure:"shard_detach" yaml:"shard_detach"`
	GradNorm       float64  `mapstructure:"grad_norm" yaml:"grad_norm"`
	AdamBeta1      float64  `mapstructure:"adam_beta1" yaml:"adam_beta1"`
	AdamBeta2      float64  `mapstructure:"adam_beta2" yaml:"adam_beta2"`
	AdamEps        float64  `mapstructure:"adam_eps" yaml:"adam_eps"`
	CorrectBias    bool     `mapstructure:"correct_bias" yaml:"correct_bias"`

	// Model behaviour
	Cosine                 bool `mapstructure:"cosine" yaml:"cosine"`
	NoGradThroughNeighbors bool `mapstructure:"no_grad_through_neighbors" yaml:"no_grad_through_neighbors"`
	EvalAccuracy           bool `mapstructure:"eval_accuracy" yaml:"eval_accuracy"`
	EvalOnly               bool `mapstructure:"eval_only" yaml:"eval_only"`

	// Data
	TrainSplit                string `mapstructure:"train_split" yaml:"train_split"`
	ValidationSplit           string `mapstructure:"validation_split" yaml:"validation_split"`
	TrainNeighbors            string `mapstructure:"train_neighbors" yaml:"train_neighbors"`
	ValidationNeighbors       string `mapstructure:"validation_neighbors" yaml:"validation_neighbors"`
	TrainNumNeighborSentences int    `mapstructure:"train_num_neighbor_sentences" yaml:"train_num_neighbor_sentences"`
	EvalNumNeighborSentences  int    `mapstructure:"eval_num_neighbor_sentences" yaml:"eval_num_neighbor_sentences"`
	MaxNumNeighborTokens      int    `mapstructure:"max_num_neighbor_tokens" yaml:"max_num_neighbor_tokens"`
	RandomNeighborsInTrain    bool   `mapstructure:"random_neighbors_in_train" yaml:"random_neighbors_in_train"`
	WordpieceWordMapping      string `mapstructure:"wordpiece_word_mapping" yaml:"wordpiece_word_mapping"`
	TagType                   string `mapstructure:"tag_type" yaml:"tag_type"`

	// Run
	TrainedWeights string `mapstructure:"trained_weights" yaml:"trained_weights"`
	Save           string `mapstructure:"save" yaml:"save"`
	RunDir         string `mapstructure:"run_dir" yaml:"run_dir"`
	Predictions    string `mapstructure:"predictions" yaml:"predictions"`
	Device         string `mapstructure:"device" yaml:"device"`
	Seed           uint64 `mapstructure:"seed" yaml:"seed"`
	LogInterval    int    `mapstructure:"log_interval" yaml:"log_interval"`
	Debug          bool   `mapstructure:"debug" yaml:"debug"`
}

var Default = Config{
	Encoder:      "mini",
	MaxPositions: 512,
	Dropout:      0.1,

	LR:             2e-5,
	WeightDecay:    0.01,
	NoDecay:        []string{"bias", "LayerNorm.bias", "LayerNorm.weight"},
	WarmupProp:     0.1,
	Epochs:         3,
	TrainBatchSize: 16,
	ShardDetach:    true,
	GradNorm:       1.0,
	AdamBeta1:      0.9,
	AdamBeta2:      0.999,
	AdamEps:        1e-6,
	CorrectBias:    false,

	TrainNumNeighborSentences: 50,
	EvalNumNeighborSentences:  50,
	MaxNumNeighborTokens:      8192,
	WordpieceWordMapping:      "first",
	TagType:                   "ner",

	RunDir:      "runs",
	Device:      "cpu",
	Seed:        1,
	LogInterval: 100,
}

var (
	mappings = []string{"first", "sum"}
	tagTypes = []string{"ner", "pos", "chunk", "conllx-pos"}
	devices  = []string{"cpu", "blas"}
	encoders = []string{"tiny", "mini", "small", "base"}
)

// NewViper returns a viper instance preloaded with Default and reading
// NNTAG_* environment variables.
func NewViper() (*viper.Viper, error) {
	v := viper.New()
	b, err := yaml.Marshal(Default)
	if err != nil {
		return nil, errors.Wrap(err, "encode defaults")
	}
	var defaults map[string]any
	if err := yaml.Unmarshal(b, &defaults); err != nil {
		return nil, errors.Wrap(err, "decode defaults")
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v, nil
}

// Load reads the optional YAML file at path into v and decodes the result.
// Flags bound to v before the call take precedence over the file.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings no run could use.
func (c Config) Validate() error {
	switch {
	case !slices.Contains(encoders, c.Encoder):
		return errors.Errorf("unknown encoder %q, want one of %v", c.Encoder, encoders)
	case c.Epochs <= 0 && !c.EvalOnly:
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.TrainBatchSize <= 0:
		return errors.Errorf("train_batch_size must be positive, got %d", c.TrainBatchSize)
	case c.ShardBatchSize < 0:
		return errors.Errorf("shard_batch_size must not be negative, got %d", c.ShardBatchSize)
	case c.WarmupProp < 0 || c.WarmupProp > 1:
		return errors.Errorf("warmup_prop %v outside [0, 1]", c.WarmupProp)
	case c.LR <= 0:
		return errors.Errorf("lr must be positive, got %v", c.LR)
	case c.GradNorm <= 0:
		return errors.Errorf("grad_norm must be positive, got %v", c.GradNorm)
	case c.Dropout < 0 || c.Dropout >= 1:
		return errors.Errorf("dropout %v outside [0, 1)", c.Dropout)
	case c.MaxPositions <= 2:
		return errors.Errorf("max_positions must exceed 2, got %d", c.MaxPositions)
	case c.LogInterval <= 0:
		return errors.Errorf("log_interval must be positive, got %d", c.LogInterval)
	case !slices.Contains(mappings, c.WordpieceWordMapping):
		return errors.Errorf("unknown wordpiece_word_mapping %q, want one of %v", c.WordpieceWordMapping, mappings)
	case !slices.Contains(tagTypes, c.TagType):
		return errors.Errorf("unknown tag_type %q, want one of %v", c.TagType, tagTypes)
	case !slices.Contains(devices, c.Device):
		return errors.Errorf("unknown device %q, want one of %v", c.Device, devices)
	case c.ValidationSplit == "":
		return errors.New("validation_split is required")
	case c.TrainSplit == "":
		return errors.New("train_split is required; it is the neighbor pool in every mode")
	}
	return nil
}

// YAML renders the effective configuration.
func (c Config) YAML() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "encode config")
	}
	return string(b), nil
}
