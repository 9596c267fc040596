package lightforker

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const originalConfigJSON = `{
  "model_name": "LightFormerPredictor",
  "image_num": 10,
  "embed_dim": 256,
  "num_heads": 8,
  "num_sam_pts": 8,
  "num_levels": 1,
  "num_query": 1,
  "log_every_n_steps": 10,
  "mlp_out_channel": 1024,
  "n": 8,
  "out_class_num": 2,
  "training": {"sample_database_folder": ["/data/dayClip1", "/data/dayClip2"],
    "batch_size": 4, "loader_worker_num": 8, "epoch": 10, "accelerator": "mps"},
  "validation": {"sample_database_folder": ["/data/dayClip11"], "batch_size": 8,
    "loader_worker_num": 8, "check_interval": 1.0, "limit_batches": 1.0},
  "test": {"sample_database_folder": ["/data/daySequence1"], "batch_size": 1,
    "loader_worker_num": 8, "visualization": false},
  "optim": {"init_lr": 0.0001, "step_size": 3, "step_factor": 0.5,
    "gradient_clip_val": null, "gradient_clip_algorithm": "norm"}
}`

func TestLoadConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Light_Former_config.json")
	if err := os.WriteFile(path, []byte(originalConfigJSON), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	expected := DefaultConfig()
	expected.Training.Folders = []string{"/data/dayClip1", "/data/dayClip2"}
	expected.Training.BatchSize = 4
	expected.Validation.Folders = []string{"/data/dayClip11"}
	expected.Test.Folders = []string{"/data/daySequence1"}
	if diff := cmp.Diff(expected, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigSaveLoad(t *testing.T) {
	cfg := DefaultConfig()
	clip := 1.5
	cfg.Optim.GradientClip = &clip
	cfg.DecoderMargin = 0.2
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"heads":    func(c *Config) { c.NumHeads = 7 },
		"clusters": func(c *Config) { c.NumClusters = 7 },
		"levels":   func(c *Config) { c.NumLevels = 2 },
		"frames":   func(c *Config) { c.ImageNum = 0 },
		"epsilon":  func(c *Config) { c.LikelihoodEpsilon = 1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			err := cfg.Validate()
			var mismatch *ConfigurationMismatch
			if !errors.As(err, &mismatch) {
				t.Fatalf("expected ConfigurationMismatch but got %v", err)
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config: %v", err)
	}
}
