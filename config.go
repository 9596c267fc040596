package lightforker

import (
	"fmt"
	"os"

	"github.com/unixpickle/essentials"
	"gopkg.in/yaml.v3"
)

// StageConfig configures one of the training, validation
// or test stages.
type StageConfig struct {
	// Folders are scanned for *.json sample lists.
	Folders   []string `yaml:"sample_database_folder,omitempty"`
	BatchSize int      `yaml:"batch_size"`

	// LoaderWorkers is the number of goroutines decoding
	// frames while a batch is fetched.
	LoaderWorkers int `yaml:"loader_worker_num"`

	// Epochs is only used by the training stage.
	Epochs int `yaml:"epoch,omitempty"`
}

// OptimConfig configures the optimizer and its step
// learning-rate schedule.
type OptimConfig struct {
	InitLR     float64 `yaml:"init_lr"`
	StepSize   int     `yaml:"step_size"`
	StepFactor float64 `yaml:"step_factor"`

	// GradientClip is the maximum gradient norm.
	// A nil value disables clipping.
	GradientClip *float64 `yaml:"gradient_clip_val"`
}

// Config holds every hyperparameter of the model along
// with the data and optimizer settings of a run.
//
// The keys match the JSON config of the original training
// scripts. Since JSON is a subset of YAML, both formats
// can be loaded with LoadConfig.
type Config struct {
	ModelName     string `yaml:"model_name"`
	ImageNum      int    `yaml:"image_num"`
	EmbedDim      int    `yaml:"embed_dim"`
	NumHeads      int    `yaml:"num_heads"`
	NumSamPts     int    `yaml:"num_sam_pts"`
	NumLevels     int    `yaml:"num_levels"`
	NumQuery      int    `yaml:"num_query"`
	LogEveryN     int    `yaml:"log_every_n_steps"`
	MLPOutChannel int    `yaml:"mlp_out_channel"`
	NumClusters   int    `yaml:"n"`
	OutClassNum   int    `yaml:"out_class_num"`

	ImageWidth     int `yaml:"image_width"`
	ImageHeight    int `yaml:"image_height"`
	ExtractorDepth int `yaml:"extractor_depth"`
	ReducerHidden  int `yaml:"reducer_hidden"`
	EncoderLayers  int `yaml:"encoder_layers"`

	// Backbone is convmarkup text for the frame feature
	// extractor. Empty selects the built-in backbone.
	Backbone string `yaml:"backbone,omitempty"`

	DecoderMargin     float64 `yaml:"decoder_margin"`
	LikelihoodEpsilon float64 `yaml:"likelihood_epsilon"`

	ResultPath string `yaml:"result_path"`
	ResultDB   string `yaml:"result_db,omitempty"`

	Training   StageConfig `yaml:"training"`
	Validation StageConfig `yaml:"validation"`
	Test       StageConfig `yaml:"test"`
	Optim      OptimConfig `yaml:"optim"`
}

// DefaultConfig returns the hyperparameters of the
// reference model.
func DefaultConfig() *Config {
	return &Config{
		ModelName:      "LightFormerPredictor",
		ImageNum:       10,
		EmbedDim:       256,
		NumHeads:       8,
		NumSamPts:      8,
		NumLevels:      1,
		NumQuery:       1,
		LogEveryN:      10,
		MLPOutChannel:  1024,
		NumClusters:    8,
		OutClassNum:    2,
		ImageWidth:     960,
		ImageHeight:    512,
		ExtractorDepth: 512,
		ReducerHidden:  1024,
		EncoderLayers:  1,
		ResultPath:     "test_result.txt",
		Training:       StageConfig{BatchSize: 8, LoaderWorkers: 8, Epochs: 10},
		Validation:     StageConfig{BatchSize: 8, LoaderWorkers: 8},
		Test:           StageConfig{BatchSize: 1, LoaderWorkers: 8},
		Optim: OptimConfig{
			InitLR:     0.0001,
			StepSize:   3,
			StepFactor: 0.5,
		},
	}
}

// LoadConfig reads a JSON or YAML config file.
// Keys missing from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, essentials.AddCtx("load config", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, essentials.AddCtx("load config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, essentials.AddCtx("load config", err)
	}
	return cfg, nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return essentials.AddCtx("save config", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return essentials.AddCtx("save config", err)
	}
	return nil
}

// Validate checks that the hyperparameters are consistent
// with each other.
// The returned error is a *ConfigurationMismatch.
func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"image_num", c.ImageNum},
		{"embed_dim", c.EmbedDim},
		{"num_heads", c.NumHeads},
		{"num_sam_pts", c.NumSamPts},
		{"num_levels", c.NumLevels},
		{"num_query", c.NumQuery},
		{"mlp_out_channel", c.MLPOutChannel},
		{"n", c.NumClusters},
		{"out_class_num", c.OutClassNum},
		{"image_width", c.ImageWidth},
		{"image_height", c.ImageHeight},
		{"extractor_depth", c.ExtractorDepth},
		{"reducer_hidden", c.ReducerHidden},
		{"encoder_layers", c.EncoderLayers},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return &ConfigurationMismatch{
				Component: "config",
				Field:     p.name,
				Expected:  "a positive value",
				Actual:    p.value,
			}
		}
	}
	if c.EmbedDim%c.NumHeads != 0 {
		return &ConfigurationMismatch{
			Component: "config",
			Field:     "embed_dim",
			Expected:  fmt.Sprintf("a multiple of num_heads (%d)", c.NumHeads),
			Actual:    c.EmbedDim,
		}
	}
	if c.NumClusters%c.OutClassNum != 0 {
		return &ConfigurationMismatch{
			Component: "config",
			Field:     "n",
			Expected:  fmt.Sprintf("a multiple of out_class_num (%d)", c.OutClassNum),
			Actual:    c.NumClusters,
		}
	}
	if c.NumLevels != 1 {
		return &ConfigurationMismatch{
			Component: "config",
			Field:     "num_levels",
			Expected:  1,
			Actual:    c.NumLevels,
		}
	}
	if c.MLPOutChannel%2 != 0 {
		return &ConfigurationMismatch{
			Component: "config",
			Field:     "mlp_out_channel",
			Expected:  "an even value",
			Actual:    c.MLPOutChannel,
		}
	}
	if c.DecoderMargin < 0 || c.LikelihoodEpsilon < 0 || c.LikelihoodEpsilon >= 1 {
		return &ConfigurationMismatch{
			Component: "config",
			Field:     "decoder_margin/likelihood_epsilon",
			Expected:  "margin >= 0 and 0 <= epsilon < 1",
			Actual:    fmt.Sprintf("%v/%v", c.DecoderMargin, c.LikelihoodEpsilon),
		}
	}
	return nil
}

// LabelSize returns the number of label entries used per
// sample, one half per branch.
func (c *Config) LabelSize() int {
	return 2 * c.OutClassNum
}
