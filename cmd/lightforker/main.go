// Command lightforker trains and evaluates the traffic
// light classifier.
//
// Usage:
//
//     lightforker train -config config.json -out checkpoints
//     lightforker calibrate -config config.json -model in -out out
//     lightforker test -config config.json -model checkpoint
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"

	"github.com/gordonliu0/LightForker"
	"github.com/gordonliu0/LightForker/dataset"
	"github.com/gordonliu0/LightForker/metrics"
	"github.com/gordonliu0/LightForker/predictor"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
)

func main() {
	if len(os.Args) < 2 {
		dieUsage()
	}
	commands := map[string]func(args []string){
		"train":     trainCommand,
		"test":      testCommand,
		"calibrate": calibrateCommand,
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		dieUsage()
	}
	cmd(os.Args[2:])
}

func dieUsage() {
	fmt.Fprintln(os.Stderr, "Usage: lightforker <train | test | calibrate> [flags]")
	os.Exit(1)
}

// commonFlags are shared by every sub-command.
type commonFlags struct {
	ConfigPath  string
	Seed        int64
	MetricsAddr string
}

func (c *commonFlags) Register(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigPath, "config", "", "JSON or YAML config file")
	fs.Int64Var(&c.Seed, "seed", 42, "random seed")
	fs.StringVar(&c.MetricsAddr, "metrics", "", "address for the /metrics endpoint")
}

// env is the state set up from the common flags.
type env struct {
	Config  *lightforker.Config
	Creator anyvec.Creator
	Metrics *metrics.Metrics
}

func (c *commonFlags) Setup() *env {
	rand.Seed(c.Seed)

	cfg := lightforker.DefaultConfig()
	if c.ConfigPath != "" {
		var err error
		cfg, err = lightforker.LoadConfig(c.ConfigPath)
		if err != nil {
			die(err)
		}
	}

	m := metrics.New()
	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		go func() {
			log.Println("metrics server:", http.ListenAndServe(c.MetricsAddr, mux))
		}()
	}

	return &env{
		Config:  cfg,
		Creator: anyvec32.CurrentCreator(),
		Metrics: m,
	}
}

func (e *env) Layout() *dataset.Layout {
	return &dataset.Layout{
		Creator:   e.Creator,
		ImageNum:  e.Config.ImageNum,
		Width:     e.Config.ImageWidth,
		Height:    e.Config.ImageHeight,
		LabelSize: e.Config.LabelSize(),
	}
}

// Model loads a model, or creates one if path is empty.
func (e *env) Model(path string) *predictor.Model {
	var model *predictor.Model
	var err error
	if path == "" {
		log.Println("Creating model...")
		model, err = predictor.NewModel(e.Creator, e.Config)
	} else {
		log.Println("Loading model...")
		model, err = predictor.LoadModel(path, e.Config)
	}
	if err != nil {
		die(err)
	}
	model.Observer = e.Metrics
	return model
}

func die(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
