// Package trainer はミニバッチ勾配降下の学習ループを回す。
//
// 訓練用の分割は BatchSize*GPUBatches 行の窓に少しずつ載せ替えながら学習し、
// MonitorStep エポックごとに3つの分割を評価して、検証誤差が最小だったエポックを記録する。
package trainer

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/sw965/sgdloop/dataset"
	"github.com/sw965/sgdloop/mathx/randx"
	"github.com/sw965/sgdloop/model"
	"github.com/sw965/sgdloop/staging"
)

var (
	ErrNotBuilt       = errors.New("trainer: Build has not been called")
	ErrNotInitialized = errors.New("trainer: Init has not been called")
)

// State は学習の進み具合。誤り率は百分率。
type State struct {
	Epoch int
	LR    float32

	TrainER float64
	ValidER float64
	TestER  float64

	BestEpoch   int
	BestValidER float64
	BestTestER  float64
}

type Trainer struct {
	// Logger には構築や窓の確保など、実行の節目を書く。
	Logger *log.Logger
	// Report にはエポックごとの誤り率を書く。
	Report io.Writer
	// NewWindow は Build で窓を確保するときに使う。nil ならホストメモリ。
	NewWindow staging.Factory
	// OnImprove は検証誤差が更新されたときに呼ばれる。エラーを返すと学習を止める。
	OnImprove func(State) error

	cfg   Config
	set   dataset.Set
	model model.Model
	rng   randx.Shuffler

	trainWin   staging.Window
	evalWin    staging.Window
	trainBatch func(index int, lr float32) error
	testBatch  func(mode model.EvalMode) (int, error)

	state       State
	built       bool
	initialized bool
}

func New(cfg Config, set dataset.Set, m model.Model, rng randx.Shuffler) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("trainer: model is nil")
	}
	if rng == nil {
		return nil, errors.New("trainer: random source is nil")
	}
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}
	if cfg.BatchSize > set.Train.Len() {
		return nil, fmt.Errorf("trainer: batch size %d exceeds the %d training examples", cfg.BatchSize, set.Train.Len())
	}

	return &Trainer{
		Logger: log.New(os.Stderr, "", log.LstdFlags),
		Report: os.Stdout,
		cfg:    cfg,
		set:    set,
		model:  m,
		rng:    rng,
		state:  State{LR: cfg.LR},
	}, nil
}

func (t *Trainer) Config() Config {
	return t.cfg
}

func (t *Trainer) State() State {
	return t.state
}

// Set は学習に使っている分割を返す。ShuffleExamples が有効なら訓練用の分割は並べ替わっている。
func (t *Trainer) Set() dataset.Set {
	return t.set
}

func (t *Trainer) PrintConfig() {
	c := t.cfg
	fmt.Fprintln(t.Report, "    Training algorithm:")
	fmt.Fprintf(t.Report, "        Learning rate = %f\n", c.LR)
	fmt.Fprintf(t.Report, "        Learning rate decay = %f\n", c.LRDecay)
	fmt.Fprintf(t.Report, "        Final learning rate = %f\n", c.LRFin)
	fmt.Fprintf(t.Report, "        Batch size = %d\n", c.BatchSize)
	fmt.Fprintf(t.Report, "        gpu_batches = %d\n", c.GPUBatches)
	fmt.Fprintf(t.Report, "        Number of epochs = %d\n", c.NEpoch)
	fmt.Fprintf(t.Report, "        Monitor step = %d\n", c.MonitorStep)
	fmt.Fprintf(t.Report, "        shuffle_batches = %t\n", c.ShuffleBatches)
	fmt.Fprintf(t.Report, "        shuffle_examples = %t\n", c.ShuffleExamples)
}

// Build は窓を確保し、モデルを窓に結びつけた訓練用・評価用の実行関数を作る。
// 訓練用の窓は BatchSize*GPUBatches 行、評価用の窓は最大の分割の行数で、どちらも以後使い回す。
func (t *Trainer) Build() error {
	if t.built {
		return nil
	}
	newWindow := t.NewWindow
	if newWindow == nil {
		newWindow = staging.NewHostWindow
	}
	xCols, yCols := t.set.Train.X.Cols, t.set.Train.Y.Cols

	trainCap := t.cfg.BatchSize * t.cfg.GPUBatches
	trainWin, err := newWindow(trainCap, xCols, yCols)
	if err != nil {
		return fmt.Errorf("trainer: allocate training window: %w", err)
	}
	evalCap := t.set.MaxLen()
	evalWin, err := newWindow(evalCap, xCols, yCols)
	if err != nil {
		trainWin.Close()
		return fmt.Errorf("trainer: allocate evaluation window: %w", err)
	}
	t.Logger.Printf("build: training window=%d rows evaluation window=%d rows features=%d outputs=%d",
		trainCap, evalCap, xCols, yCols)

	m := t.model
	batchSize := t.cfg.BatchSize
	t.trainBatch = func(index int, lr float32) error {
		x, y := trainWin.Batch(index, batchSize)
		return m.ParameterUpdates(x, y, lr)
	}
	t.testBatch = func(mode model.EvalMode) (int, error) {
		x, y := evalWin.Loaded()
		wrong, err := m.Errors(x, y, mode)
		if err != nil {
			return 0, err
		}
		if err := m.BNUpdates(); err != nil {
			return 0, err
		}
		return wrong, nil
	}
	t.trainWin = trainWin
	t.evalWin = evalWin
	t.built = true
	return nil
}

func (t *Trainer) evaluate() error {
	var err error
	if t.state.TrainER, err = t.TestEpoch(t.set.Train, model.CanFit); err != nil {
		return fmt.Errorf("evaluate train split at epoch %d: %w", t.state.Epoch, err)
	}
	if t.state.ValidER, err = t.TestEpoch(t.set.Valid, model.NoFit); err != nil {
		return fmt.Errorf("evaluate valid split at epoch %d: %w", t.state.Epoch, err)
	}
	if t.state.TestER, err = t.TestEpoch(t.set.Test, model.NoFit); err != nil {
		return fmt.Errorf("evaluate test split at epoch %d: %w", t.state.Epoch, err)
	}
	return nil
}

// Init は3つの分割を一度評価して、その結果を最良の記録の初期値にする。
func (t *Trainer) Init() error {
	if !t.built {
		return ErrNotBuilt
	}
	t.state.Epoch = 0
	t.state.BestEpoch = 0
	if err := t.evaluate(); err != nil {
		return err
	}
	t.state.BestValidER = t.state.ValidER
	t.state.BestTestER = t.state.TestER
	t.initialized = true
	return nil
}

// UpdateLR は LR が LRFin より大きい間だけ LRDecay を掛ける。
func (t *Trainer) UpdateLR() {
	if t.state.LR > t.cfg.LRFin {
		t.state.LR *= t.cfg.LRDecay
	}
}

// Update は MonitorStep エポック学習してから評価し、検証誤差が真に小さくなったときだけ最良を更新する。
func (t *Trainer) Update() error {
	if !t.initialized {
		return ErrNotInitialized
	}
	if t.cfg.ShuffleExamples {
		dataset.Shuffle(&t.set.Train, t.rng)
	}

	t.state.Epoch += t.cfg.MonitorStep
	for k := 0; k < t.cfg.MonitorStep; k++ {
		if err := t.TrainEpoch(t.set.Train); err != nil {
			return fmt.Errorf("train epoch %d: %w", t.state.Epoch-t.cfg.MonitorStep+k+1, err)
		}
		t.UpdateLR()
	}

	if err := t.evaluate(); err != nil {
		return err
	}

	if t.state.ValidER < t.state.BestValidER {
		t.state.BestValidER = t.state.ValidER
		t.state.BestTestER = t.state.TestER
		t.state.BestEpoch = t.state.Epoch
		if t.OnImprove != nil {
			if err := t.OnImprove(t.state); err != nil {
				return fmt.Errorf("on improve at epoch %d: %w", t.state.Epoch, err)
			}
		}
	}
	return nil
}

func (t *Trainer) Monitor() {
	s := t.state
	fmt.Fprintf(t.Report, "    epoch %d:\n", s.Epoch)
	fmt.Fprintf(t.Report, "        learning rate %f\n", s.LR)
	fmt.Fprintf(t.Report, "        train error rate %f%%\n", s.TrainER)
	fmt.Fprintf(t.Report, "        validation error rate %f%%\n", s.ValidER)
	fmt.Fprintf(t.Report, "        test error rate %f%%\n", s.TestER)
	fmt.Fprintf(t.Report, "        epoch associated to best validation error %d\n", s.BestEpoch)
	fmt.Fprintf(t.Report, "        best validation error rate %f%%\n", s.BestValidER)
	fmt.Fprintf(t.Report, "        test error rate associated to best validation error %f%%\n", s.BestTestER)
	t.model.Monitor(t.Report)
}

// Train は Init のあと、Epoch が NEpoch に達するまで Update を繰り返す。
// Epoch は MonitorStep ずつ進むので、最終的に NEpoch を MonitorStep-1 まで超えることがある。
// モデルや OnImprove のエラーはエポックを添えて %w で包んで返す。元のエラーは errors.Is/As で取り出せる。
func (t *Trainer) Train() error {
	t.PrintConfig()
	if err := t.Build(); err != nil {
		return err
	}
	if err := t.Init(); err != nil {
		return err
	}
	t.Monitor()

	for t.state.Epoch < t.cfg.NEpoch {
		if err := t.Update(); err != nil {
			return err
		}
		t.Monitor()
	}
	t.Logger.Printf("done: epoch=%d best_epoch=%d best_validation_error=%f%% best_test_error=%f%%",
		t.state.Epoch, t.state.BestEpoch, t.state.BestValidER, t.state.BestTestER)
	return nil
}

// Close は Build で確保した窓を解放する。
func (t *Trainer) Close() error {
	if !t.built {
		return nil
	}
	t.built = false
	t.initialized = false
	return errors.Join(t.trainWin.Close(), t.evalWin.Close())
}
