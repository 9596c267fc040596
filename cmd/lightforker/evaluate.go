package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/gordonliu0/LightForker/dataset"
	"github.com/gordonliu0/LightForker/predictor"
	"github.com/gordonliu0/LightForker/resultlog"
)

func testCommand(args []string) {
	var common commonFlags
	var modelPath string
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	common.Register(fs)
	fs.StringVar(&modelPath, "model", "", "checkpoint to evaluate")
	fs.Parse(args)
	if modelPath == "" {
		die(fmt.Errorf("missing -model flag"))
	}

	e := common.Setup()
	cfg := e.Config
	model := e.Model(modelPath)

	log.Println("Reading samples...")
	samples, err := dataset.ReadIndex(e.Layout(), cfg.Test.Folders)
	if err != nil {
		die(err)
	}

	fileStore, err := resultlog.OpenFileStore(cfg.ResultPath)
	if err != nil {
		die(err)
	}
	summary := resultlog.NewSummary(cfg.OutClassNum)
	stores := []resultlog.Store{fileStore, e.Metrics, summary}
	if cfg.ResultDB != "" {
		db, err := resultlog.OpenSQLiteStore(cfg.ResultDB)
		if err != nil {
			die(err)
		}
		stores = append(stores, db)
	}
	writer := resultlog.NewWriter(stores...)

	log.Printf("Decoding %d samples (run %s)...", samples.Len(), model.RunID)
	trainer := &predictor.Trainer{Model: model, MaxGos: cfg.Test.LoaderWorkers}
	batchSize := cfg.Test.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	for i := 0; i < samples.Len(); i += batchSize {
		end := i + batchSize
		if end > samples.Len() {
			end = samples.Len()
		}
		batch, err := trainer.Fetch(samples.Slice(i, end))
		if err != nil {
			die(err)
		}
		if _, err := model.Decode(batch.(*predictor.Batch), writer); err != nil {
			if err := skipCoreError(e.Metrics, err); err != nil {
				die(err)
			}
		}
	}
	if err := writer.Close(); err != nil {
		die(err)
	}

	log.Printf("Results written to %s", cfg.ResultPath)
	fmt.Println(summary)
}

func calibrateCommand(args []string) {
	var common commonFlags
	var modelPath, outPath string
	fs := flag.NewFlagSet("calibrate", flag.ExitOnError)
	common.Register(fs)
	fs.StringVar(&modelPath, "model", "", "trained checkpoint")
	fs.StringVar(&outPath, "out", "calibrated", "output checkpoint")
	fs.Parse(args)
	if modelPath == "" {
		die(fmt.Errorf("missing -model flag"))
	}

	e := common.Setup()
	cfg := e.Config
	model := e.Model(modelPath)
	samples, err := dataset.ReadIndex(e.Layout(), cfg.Training.Folders)
	if err != nil {
		die(err)
	}

	log.Printf("Calibrating on %d samples...", samples.Len())
	trainer := &predictor.Trainer{Model: model, MaxGos: cfg.Training.LoaderWorkers}
	n, err := trainer.Calibrate(samples, cfg.Training.BatchSize)
	if err != nil {
		die(err)
	}
	log.Printf("Replaced %d BatchNorm layers", n)
	if err := model.Save(outPath); err != nil {
		die(err)
	}
}
