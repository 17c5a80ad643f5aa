package main

import (
	"flag"
	"log"
	"math/rand"

	"github.com/klauspost/cpuid/v2"
	"github.com/sw965/sgdloop/config"
	"github.com/sw965/sgdloop/dataset"
	"github.com/sw965/sgdloop/mathx/randx"
	"github.com/sw965/sgdloop/model/linear"
	"github.com/sw965/sgdloop/trainer"
)

var blasBackend = "gonum"

func main() {
	cfgPath := flag.String("config", "", "Path to JSON config")
	data := flag.String("data", "", "Gob dataset path or URL (synthetic blobs when empty)")
	lr := flag.Float64("lr", 0, "Initial learning rate")
	lrDecay := flag.Float64("lr-decay", 0, "Learning rate decay per epoch")
	lrFin := flag.Float64("lr-fin", 0, "Learning rate floor")
	momentum := flag.Float64("momentum", 0, "Momentum for the parameter updates (0 is plain SGD)")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	gpuBatches := flag.Int("gpu-batches", 0, "Batches staged per window refill")
	epochs := flag.Int("epochs", 0, "Number of epochs")
	monitorStep := flag.Int("monitor-step", 0, "Epochs between evaluations")
	shuffleBatches := flag.Bool("shuffle-batches", false, "Shuffle group and batch order")
	shuffleExamples := flag.Bool("shuffle-examples", false, "Shuffle training examples before each evaluation period")
	seed := flag.Int64("seed", 0, "PRNG seed")
	out := flag.String("out", "", "Write the best parameters as JSON")
	resume := flag.String("resume", "", "Start from parameters saved with -out")

	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	o := config.Overrides{Data: *data, Out: *out, Resume: *resume}
	f32 := func(v float64) *float32 {
		x := float32(v)
		return &x
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "lr":
			o.LR = f32(*lr)
		case "lr-decay":
			o.LRDecay = f32(*lrDecay)
		case "lr-fin":
			o.LRFin = f32(*lrFin)
		case "momentum":
			o.Momentum = f32(*momentum)
		case "batch-size":
			o.BatchSize = batchSize
		case "gpu-batches":
			o.GPUBatches = gpuBatches
		case "epochs":
			o.NEpoch = epochs
		case "monitor-step":
			o.MonitorStep = monitorStep
		case "shuffle-batches":
			o.ShuffleBatches = shuffleBatches
		case "shuffle-examples":
			o.ShuffleExamples = shuffleExamples
		case "seed":
			o.Seed = seed
		}
	})
	cfg.ApplyOverrides(o)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("cpu=%q physical_cores=%d logical_cores=%d blas=%s",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, blasBackend)

	rng := randx.NewMT19937(cfg.Seed)

	set, err := loadSet(cfg, rng)
	if err != nil {
		log.Fatalf("failed to load dataset: %v", err)
	}
	log.Printf("train=%d valid=%d test=%d features=%d classes=%d",
		set.Train.Len(), set.Valid.Len(), set.Test.Len(), set.Train.X.Cols, set.Train.Y.Cols)

	m, err := linear.New(set.Train.X.Cols, set.Train.Y.Cols, rng)
	if err != nil {
		log.Fatalf("failed to build model: %v", err)
	}
	m.Momentum = cfg.Momentum
	if cfg.Resume != "" {
		s, err := linear.LoadSnapshotJSON(cfg.Resume)
		if err != nil {
			log.Fatalf("failed to load %s: %v", cfg.Resume, err)
		}
		if err := m.Restore(s); err != nil {
			log.Fatalf("failed to restore %s: %v", cfg.Resume, err)
		}
		log.Printf("resumed from %s", cfg.Resume)
	}

	tr, err := trainer.New(cfg.ToTrainer(), set, m, rng)
	if err != nil {
		log.Fatalf("failed to create trainer: %v", err)
	}
	tr.NewWindow = newWindow
	log.Printf("trainer config: %+v", tr.Config())
	if cfg.Out != "" {
		tr.OnImprove = func(st trainer.State) error {
			if err := m.Snapshot().SaveJSON(cfg.Out); err != nil {
				return err
			}
			log.Printf("saved epoch %d parameters to %s", st.BestEpoch, cfg.Out)
			return nil
		}
	}

	err = tr.Train()
	if cerr := tr.Close(); cerr != nil {
		log.Printf("release staging windows: %v", cerr)
	}
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}

	st := tr.State()
	log.Printf("best epoch %d: valid %.2f%% test %.2f%%", st.BestEpoch, st.BestValidER, st.BestTestER)
}

func loadSet(cfg *config.Config, rng *rand.Rand) (dataset.Set, error) {
	if cfg.Data != "" {
		return dataset.Load(cfg.Data)
	}
	b := cfg.Blobs
	return dataset.SplitRows(dataset.NewBlobs(b.Rows, b.Dim, b.Classes, b.Spread, rng), b.Train, b.Valid)
}
