package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/gordonliu0/LightForker/dataset"
	"github.com/gordonliu0/LightForker/metrics"
	"github.com/gordonliu0/LightForker/predictor"
	"github.com/gordonliu0/LightForker/sgd"
)

func trainCommand(args []string) {
	var common commonFlags
	var outDir string
	var initPath string
	var valRatio float64
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	common.Register(fs)
	fs.StringVar(&outDir, "out", "checkpoints", "checkpoint directory")
	fs.StringVar(&initPath, "init", "", "checkpoint to resume from")
	fs.Float64Var(&valRatio, "val-ratio", 0.1,
		"validation fraction when no validation folders are configured")
	fs.Parse(args)

	e := common.Setup()
	cfg := e.Config
	if err := os.MkdirAll(outDir, 0755); err != nil {
		die(err)
	}

	log.Println("Reading samples...")
	trainList, err := dataset.ReadIndex(e.Layout(), cfg.Training.Folders)
	if err != nil {
		die(err)
	}
	var samples, validation sgd.SampleList = trainList.Labeled(), nil
	if len(cfg.Validation.Folders) > 0 {
		valList, err := dataset.ReadIndex(e.Layout(), cfg.Validation.Folders)
		if err != nil {
			die(err)
		}
		validation = valList.Labeled()
	} else {
		samples, validation = sgd.HashSplit(trainList.Labeled(), 1-valRatio)
	}
	if samples.Len() == 0 {
		die(fmt.Errorf("no labeled training samples"))
	}
	log.Printf("%d training and %d validation samples", samples.Len(), validation.Len())

	model := e.Model(initPath)
	trainer := &predictor.Trainer{
		Model:  model,
		MaxGos: cfg.Training.LoaderWorkers,
	}

	var transformer sgd.Transformer = &sgd.Adam{}
	if cfg.Optim.GradientClip != nil {
		transformer = sgd.Chain{&sgd.ClipNorm{Max: *cfg.Optim.GradientClip}, transformer}
	}

	stopper := newTrainStopper(cfg.Training.Epochs)
	bestLoss := -1.0
	var iterNum int
	s := &sgd.SGD{
		Fetcher:     trainer,
		Gradienter:  trainer,
		Transformer: transformer,
		Samples:     samples,
		Rater: &sgd.StepRater{
			Init:     cfg.Optim.InitLR,
			StepSize: cfg.Optim.StepSize,
			Factor:   cfg.Optim.StepFactor,
		},
		BatchSize: cfg.Training.BatchSize,
		StatusFunc: func(b sgd.Batch) {
			e.Metrics.Steps.Inc()
			e.Metrics.TrainingLoss.Set(trainer.LastCost)
			if cfg.LogEveryN > 0 && iterNum%cfg.LogEveryN == 0 {
				log.Printf("iter %d: cost=%v", iterNum, trainer.LastCost)
			}
			iterNum++
		},
		ErrorFunc: func(err error) error {
			return skipCoreError(e.Metrics, err)
		},
		EpochFunc: func(epoch int) error {
			stopper.Epochs = epoch
			if validation.Len() == 0 {
				return nil
			}
			loss, err := validationLoss(e.Metrics, trainer, validation,
				cfg.Validation.BatchSize)
			if err != nil {
				return err
			}
			e.Metrics.Validation.Set(loss)
			log.Printf("epoch %d: validation=%v", epoch, loss)
			if bestLoss < 0 || loss < bestLoss {
				bestLoss = loss
				path := filepath.Join(outDir, fmt.Sprintf("checkpoint-%04d-%.5f", epoch, loss))
				log.Println("Saving", path)
				return model.Save(path)
			}
			return nil
		},
	}

	log.Println("Training (press ctrl+c once to stop)...")
	if err := s.Run(stopper); err != nil {
		die(err)
	}

	path := filepath.Join(outDir, "last")
	log.Println("Saving", path)
	if err := model.Save(path); err != nil {
		die(err)
	}
}

// skipCoreError skips batches aborted by the numeric core
// and stops on every other error.
func skipCoreError(m *metrics.Metrics, err error) error {
	switch m.ObserveError(err) {
	case "numerical_instability", "degenerate_likelihood":
		log.Println("Skipping batch:", err)
		return nil
	default:
		return err
	}
}

// validationLoss computes the mean loss over the samples,
// skipping batches aborted by the numeric core.
func validationLoss(m *metrics.Metrics, t *predictor.Trainer, samples sgd.SampleList,
	batchSize int) (float64, error) {
	if batchSize <= 0 {
		batchSize = samples.Len()
	}
	var total float64
	var count int
	for i := 0; i < samples.Len(); i += batchSize {
		end := i + batchSize
		if end > samples.Len() {
			end = samples.Len()
		}
		batch, err := t.Fetch(samples.Slice(i, end))
		if err != nil {
			return 0, err
		}
		loss, err := t.Loss(batch)
		if err != nil {
			if err := skipCoreError(m, err); err != nil {
				return 0, err
			}
			continue
		}
		total += loss * float64(end-i)
		count += end - i
	}
	if count == 0 {
		return 0, fmt.Errorf("validation loss: every batch failed")
	}
	return total / float64(count), nil
}

// trainStopper stops training after a number of epochs or
// on the first interrupt.
type trainStopper struct {
	MaxEpochs int
	Epochs    int

	interrupt chan struct{}
}

func newTrainStopper(maxEpochs int) *trainStopper {
	res := &trainStopper{MaxEpochs: maxEpochs, interrupt: make(chan struct{})}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		signal.Stop(sig)
		close(res.interrupt)
	}()
	return res
}

func (t *trainStopper) Done() bool {
	select {
	case <-t.interrupt:
		return true
	default:
	}
	return t.MaxEpochs > 0 && t.Epochs >= t.MaxEpochs
}
