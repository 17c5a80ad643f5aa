package trainer_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"testing"

	"github.com/sw965/sgdloop/blas32/tensor/2d"
	"github.com/sw965/sgdloop/dataset"
	"github.com/sw965/sgdloop/mathx/randx"
	"github.com/sw965/sgdloop/model"
	"github.com/sw965/sgdloop/model/linear"
	"github.com/sw965/sgdloop/staging"
	"github.com/sw965/sgdloop/trainer"
	"gonum.org/v1/gonum/blas/blas32"
)

// recorder は呼び出しを記録するだけのモデル。X の0列目には元の行番号が入っている前提。
type recorder struct {
	steps   [][]int
	lrs     []float32
	modes   []model.EvalMode
	bn      int
	validN  int
	validER []int
	stepErr error
}

func (r *recorder) ParameterUpdates(x, y blas32.General, lr float32) error {
	if r.stepErr != nil {
		return r.stepErr
	}
	ids := make([]int, x.Rows)
	for i := range ids {
		ids[i] = int(tensor2d.Row(x, i)[0])
		if tensor2d.Row(y, i)[0] != float32(ids[i]) {
			panic("feature and label rows are out of step")
		}
	}
	r.steps = append(r.steps, ids)
	r.lrs = append(r.lrs, lr)
	return nil
}

func (r *recorder) Errors(x, y blas32.General, mode model.EvalMode) (int, error) {
	r.modes = append(r.modes, mode)
	if x.Rows == r.validN && len(r.validER) > 0 {
		e := r.validER[0]
		r.validER = r.validER[1:]
		return e, nil
	}
	return 0, nil
}

func (r *recorder) BNUpdates() error {
	r.bn++
	return nil
}

func (r *recorder) Monitor(w io.Writer) {
	fmt.Fprintln(w, "        recorder")
}

func (r *recorder) rowsTouched() []int {
	var rows []int
	for _, s := range r.steps {
		rows = append(rows, s...)
	}
	return rows
}

func newSplit(t *testing.T, n int) dataset.Split {
	t.Helper()
	x := tensor2d.NewZeros(n, 2)
	y := tensor2d.NewZeros(n, 1)
	for i := 0; i < n; i++ {
		tensor2d.Row(x, i)[0] = float32(i)
		tensor2d.Row(y, i)[0] = float32(i)
	}
	s, err := dataset.New(x, y)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newSet(t *testing.T, train, valid, test int) dataset.Set {
	return dataset.Set{Train: newSplit(t, train), Valid: newSplit(t, valid), Test: newSplit(t, test)}
}

func baseConfig() trainer.Config {
	return trainer.Config{
		LR:          0.1,
		LRDecay:     0.5,
		LRFin:       0.01,
		BatchSize:   10,
		GPUBatches:  3,
		NEpoch:      1,
		MonitorStep: 1,
	}
}

func newTrainer(t *testing.T, cfg trainer.Config, set dataset.Set, m model.Model) *trainer.Trainer {
	t.Helper()
	tr, err := trainer.New(cfg, set, m, randx.NewMT19937(11))
	if err != nil {
		t.Fatal(err)
	}
	tr.Logger = log.New(io.Discard, "", 0)
	tr.Report = io.Discard
	if err := tr.Build(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestPartition(t *testing.T) {
	tests := []struct {
		n, batchSize, gpuBatches int
		want                     trainer.Layout
	}{
		{100, 10, 3, trainer.Layout{Batches: 10, GPUBatches: 3, Groups: 3, Remaining: 1}},
		{50, 7, 3, trainer.Layout{Batches: 7, GPUBatches: 3, Groups: 2, Remaining: 1}},
		{30, 10, 5, trainer.Layout{Batches: 3, GPUBatches: 5, Groups: 0, Remaining: 3}},
		{60, 10, 3, trainer.Layout{Batches: 6, GPUBatches: 3, Groups: 2, Remaining: 0}},
		{9, 10, 3, trainer.Layout{Batches: 0, GPUBatches: 3, Groups: 0, Remaining: 0}},
	}
	for _, test := range tests {
		got := trainer.Partition(test.n, test.batchSize, test.gpuBatches)
		if got != test.want {
			t.Errorf("Partition(%d, %d, %d) = %+v, want %+v", test.n, test.batchSize, test.gpuBatches, got, test.want)
		}
	}

	for n := 0; n < 120; n++ {
		for b := 1; b < 12; b++ {
			for g := 1; g < 8; g++ {
				l := trainer.Partition(n, b, g)
				if l.Groups*g+l.Remaining != l.Batches || l.Batches != n/b {
					t.Fatalf("Partition(%d, %d, %d) = %+v breaks Groups*g+Remaining == n/b", n, b, g, l)
				}
			}
		}
	}
}

func TestTrainEpochInOrder(t *testing.T) {
	rec := &recorder{}
	tr := newTrainer(t, baseConfig(), newSet(t, 100, 10, 10), rec)

	if err := tr.TrainEpoch(tr.Set().Train); err != nil {
		t.Fatal(err)
	}
	if len(rec.steps) != 10 {
		t.Fatalf("got %d steps, want 10", len(rec.steps))
	}
	for k, s := range rec.steps {
		want := make([]int, 10)
		for i := range want {
			want[i] = k*10 + i
		}
		if !slices.Equal(s, want) {
			t.Errorf("step %d trained rows %v, want %v", k, s, want)
		}
	}
	// 3番目のグループ (start=6, size=3) は 60〜89 行目
	group2 := append(append(slices.Clone(rec.steps[6]), rec.steps[7]...), rec.steps[8]...)
	if group2[0] != 60 || group2[len(group2)-1] != 89 {
		t.Errorf("group 2 covered rows %d..%d, want 60..89", group2[0], group2[len(group2)-1])
	}
	for _, lr := range rec.lrs {
		if lr != 0.1 {
			t.Errorf("step ran with lr %v, want 0.1", lr)
		}
	}
}

func TestTrainEpochShuffledGroupsStayTogether(t *testing.T) {
	cfg := baseConfig()
	cfg.ShuffleBatches = true
	rec := &recorder{}
	tr := newTrainer(t, cfg, newSet(t, 100, 10, 10), rec)

	sawShuffle := false
	for epoch := 0; epoch < 5; epoch++ {
		rec.steps = nil
		if err := tr.TrainEpoch(tr.Set().Train); err != nil {
			t.Fatal(err)
		}
		if len(rec.steps) != 10 {
			t.Fatalf("got %d steps, want 10", len(rec.steps))
		}
		for k := 0; k < 9; k++ {
			if rec.steps[k][0]%10 != 0 {
				t.Errorf("epoch %d: step %d does not start on a batch boundary", epoch, k)
			}
			// 同じグループの3バッチは続けて処理される
			if rec.steps[k][0]/30 != rec.steps[k-k%3][0]/30 {
				t.Errorf("epoch %d: step %d left its device group", epoch, k)
			}
		}
		if rec.steps[9][0] != 90 {
			t.Errorf("epoch %d: remainder batch starts at %d, want 90", epoch, rec.steps[9][0])
		}
		for k := 0; k < 9; k++ {
			if rec.steps[k][0] != k*10 {
				sawShuffle = true
			}
		}
	}
	if !sawShuffle {
		t.Errorf("five shuffled epochs all ran in order")
	}
}

func TestTrainEpochCoverage(t *testing.T) {
	for _, shuffle := range []bool{false, true} {
		cfg := baseConfig()
		cfg.BatchSize = 7
		cfg.ShuffleBatches = shuffle
		rec := &recorder{}
		tr := newTrainer(t, cfg, newSet(t, 50, 10, 10), rec)

		for epoch := 0; epoch < 3; epoch++ {
			rec.steps = nil
			if err := tr.TrainEpoch(tr.Set().Train); err != nil {
				t.Fatal(err)
			}
			if len(rec.steps) != 7 {
				t.Fatalf("shuffle=%t: got %d steps, want 7", shuffle, len(rec.steps))
			}
			rows := rec.rowsTouched()
			slices.Sort(rows)
			want := make([]int, 49)
			for i := range want {
				want[i] = i
			}
			if !slices.Equal(rows, want) {
				t.Errorf("shuffle=%t: rows touched %v, want 0..48 once each", shuffle, rows)
			}
		}
	}
}

func TestTrainEpochSplitSmallerThanBatch(t *testing.T) {
	rec := &recorder{}
	tr := newTrainer(t, baseConfig(), newSet(t, 100, 10, 10), rec)
	if err := tr.TrainEpoch(newSplit(t, 9)); err != nil {
		t.Fatal(err)
	}
	if len(rec.steps) != 0 {
		t.Errorf("got %d steps, want none", len(rec.steps))
	}
}

func TestGPUBatchesLargerThanSplit(t *testing.T) {
	cfg := baseConfig()
	cfg.GPUBatches = 8
	rec := &recorder{}
	tr := newTrainer(t, cfg, newSet(t, 35, 10, 10), rec)
	if err := tr.TrainEpoch(tr.Set().Train); err != nil {
		t.Fatal(err)
	}
	if len(rec.steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(rec.steps))
	}
	if rows := rec.rowsTouched(); rows[len(rows)-1] != 29 {
		t.Errorf("last row trained is %d, want 29", rows[len(rows)-1])
	}
}

func TestUpdateLRFloor(t *testing.T) {
	cfg := baseConfig()
	cfg.LR = 1
	cfg.LRDecay = 0.5
	cfg.LRFin = 0.2
	tr := newTrainer(t, cfg, newSet(t, 20, 10, 10), &recorder{})

	want := []float32{0.5, 0.25, 0.125, 0.125, 0.125}
	prev := tr.State().LR
	for i, w := range want {
		tr.UpdateLR()
		lr := tr.State().LR
		if lr != w {
			t.Errorf("after %d decays lr = %v, want %v", i+1, lr, w)
		}
		if lr > prev {
			t.Errorf("lr increased from %v to %v", prev, lr)
		}
		prev = lr
	}
}

func TestInitEvaluatesAllSplits(t *testing.T) {
	rec := &recorder{validN: 40, validER: []int{10}}
	tr := newTrainer(t, baseConfig(), newSet(t, 20, 40, 30), rec)
	if err := tr.Init(); err != nil {
		t.Fatal(err)
	}
	wantModes := []model.EvalMode{model.CanFit, model.NoFit, model.NoFit}
	if !slices.Equal(rec.modes, wantModes) {
		t.Errorf("modes = %v, want %v", rec.modes, wantModes)
	}
	if rec.bn != 3 {
		t.Errorf("BNUpdates ran %d times, want 3", rec.bn)
	}
	s := tr.State()
	if s.ValidER != 25 || s.BestValidER != 25 || s.BestEpoch != 0 || s.Epoch != 0 {
		t.Errorf("unexpected state after Init: %+v", s)
	}
}

func TestBestCheckpointTracking(t *testing.T) {
	rec := &recorder{validN: 100, validER: []int{10, 8, 9, 7}}
	var improved []int
	tr := newTrainer(t, baseConfig(), newSet(t, 20, 100, 30), rec)
	tr.OnImprove = func(s trainer.State) error {
		improved = append(improved, s.Epoch)
		return nil
	}

	if err := tr.Init(); err != nil {
		t.Fatal(err)
	}
	bestValid := []float64{tr.State().BestValidER}
	bestEpoch := []int{tr.State().BestEpoch}
	for i := 0; i < 3; i++ {
		if err := tr.Update(); err != nil {
			t.Fatal(err)
		}
		bestValid = append(bestValid, tr.State().BestValidER)
		bestEpoch = append(bestEpoch, tr.State().BestEpoch)
	}

	if !slices.Equal(bestValid, []float64{10, 8, 8, 7}) {
		t.Errorf("best validation errors %v, want [10 8 8 7]", bestValid)
	}
	if !slices.Equal(bestEpoch, []int{0, 1, 1, 3}) {
		t.Errorf("best epochs %v, want [0 1 1 3]", bestEpoch)
	}
	if !slices.Equal(improved, []int{1, 3}) {
		t.Errorf("OnImprove fired at epochs %v, want [1 3]", improved)
	}
}

func TestTieDoesNotMoveBestEpoch(t *testing.T) {
	rec := &recorder{validN: 100, validER: []int{5, 5}}
	tr := newTrainer(t, baseConfig(), newSet(t, 20, 100, 30), rec)
	if err := tr.Init(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Update(); err != nil {
		t.Fatal(err)
	}
	if s := tr.State(); s.BestEpoch != 0 || s.BestValidER != 5 {
		t.Errorf("tie moved the best record: %+v", s)
	}
}

func TestTrainOvershootsEpochBudget(t *testing.T) {
	cfg := baseConfig()
	cfg.NEpoch = 5
	cfg.MonitorStep = 2
	cfg.LR = 1
	cfg.LRDecay = 0.5
	cfg.LRFin = 0
	rec := &recorder{}
	tr, err := trainer.New(cfg, newSet(t, 20, 10, 10), rec, randx.NewMT19937(1))
	if err != nil {
		t.Fatal(err)
	}
	report := &bytes.Buffer{}
	tr.Logger = log.New(io.Discard, "", 0)
	tr.Report = report
	defer tr.Close()

	if err := tr.Train(); err != nil {
		t.Fatal(err)
	}
	if got := tr.State().Epoch; got != 6 {
		t.Errorf("final epoch %d, want 6", got)
	}
	// 6エポック × 2バッチ
	if len(rec.steps) != 12 {
		t.Errorf("got %d steps, want 12", len(rec.steps))
	}
	if rec.lrs[0] != 1 || rec.lrs[2] != 0.5 || rec.lrs[11] != 1.0/32 {
		t.Errorf("learning rates per step %v", rec.lrs)
	}
	if got := tr.State().LR; got != 1.0/64 {
		t.Errorf("final lr %v, want %v", got, 1.0/64)
	}

	out := report.String()
	for _, want := range []string{"Training algorithm:", "    epoch 0:", "    epoch 2:", "    epoch 6:", "best validation error rate", "recorder"} {
		if !strings.Contains(out, want) {
			t.Errorf("report is missing %q", want)
		}
	}
	if strings.Contains(out, "    epoch 8:") {
		t.Errorf("training ran past the epoch budget")
	}
}

func TestShuffleExamplesKeepsPairs(t *testing.T) {
	cfg := baseConfig()
	cfg.ShuffleExamples = true
	rec := &recorder{}
	tr := newTrainer(t, cfg, newSet(t, 30, 10, 10), rec)
	if err := tr.Init(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Update(); err != nil {
		t.Fatal(err)
	}

	train := tr.Set().Train
	moved := false
	for i := 0; i < train.Len(); i++ {
		if tensor2d.Row(train.X, i)[0] != tensor2d.Row(train.Y, i)[0] {
			t.Fatalf("row %d lost its label", i)
		}
		if tensor2d.Row(train.X, i)[0] != float32(i) {
			moved = true
		}
	}
	if !moved {
		t.Errorf("examples were not shuffled")
	}
	rows := rec.rowsTouched()
	slices.Sort(rows)
	for i, r := range rows {
		if r != i {
			t.Fatalf("shuffled epoch trained rows %v", rows)
		}
	}
}

func TestStepErrorPropagates(t *testing.T) {
	boom := errors.New("device lost")
	rec := &recorder{stepErr: boom}
	tr, err := trainer.New(baseConfig(), newSet(t, 20, 10, 10), rec, randx.NewMT19937(1))
	if err != nil {
		t.Fatal(err)
	}
	tr.Logger = log.New(io.Discard, "", 0)
	tr.Report = io.Discard
	defer tr.Close()

	err = tr.Train()
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want an error wrapping %v", err, boom)
	}
	if !strings.Contains(err.Error(), "train epoch 1") {
		t.Errorf("error %q does not name the failing epoch", err)
	}
	if tr.State().Epoch != 1 {
		t.Errorf("epoch %d, want 1", tr.State().Epoch)
	}
}

func TestOnImproveErrorStopsTraining(t *testing.T) {
	boom := errors.New("disk full")
	rec := &recorder{validN: 100, validER: []int{10, 5}}
	tr := newTrainer(t, baseConfig(), newSet(t, 20, 100, 10), rec)
	tr.OnImprove = func(trainer.State) error { return boom }
	if err := tr.Init(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Update(); !errors.Is(err, boom) {
		t.Errorf("got %v, want %v", err, boom)
	}
}

func TestPhaseOrder(t *testing.T) {
	tr, err := trainer.New(baseConfig(), newSet(t, 20, 10, 10), &recorder{}, randx.NewMT19937(1))
	if err != nil {
		t.Fatal(err)
	}
	tr.Logger = log.New(io.Discard, "", 0)
	if err := tr.Init(); !errors.Is(err, trainer.ErrNotBuilt) {
		t.Errorf("Init before Build: got %v", err)
	}
	if err := tr.Build(); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if err := tr.Update(); !errors.Is(err, trainer.ErrNotInitialized) {
		t.Errorf("Update before Init: got %v", err)
	}
}

func TestConfigReturnsValidatedConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.ShuffleBatches = true
	tr := newTrainer(t, cfg, newSet(t, 20, 10, 10), &recorder{})
	if got := tr.Config(); got != cfg {
		t.Errorf("Config() = %+v, want %+v", got, cfg)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	set := newSet(t, 20, 10, 10)
	tests := []struct {
		name   string
		modify func(*trainer.Config)
	}{
		{"zero lr", func(c *trainer.Config) { c.LR = 0 }},
		{"zero decay", func(c *trainer.Config) { c.LRDecay = 0 }},
		{"negative decay", func(c *trainer.Config) { c.LRDecay = -0.5 }},
		{"growing decay", func(c *trainer.Config) { c.LRDecay = 1.5 }},
		{"negative floor", func(c *trainer.Config) { c.LRFin = -1 }},
		{"zero batch", func(c *trainer.Config) { c.BatchSize = 0 }},
		{"batch larger than train split", func(c *trainer.Config) { c.BatchSize = 21 }},
		{"zero gpu batches", func(c *trainer.Config) { c.GPUBatches = 0 }},
		{"negative epochs", func(c *trainer.Config) { c.NEpoch = -1 }},
		{"zero monitor step", func(c *trainer.Config) { c.MonitorStep = 0 }},
	}
	for _, test := range tests {
		cfg := baseConfig()
		test.modify(&cfg)
		if _, err := trainer.New(cfg, set, &recorder{}, randx.NewMT19937(1)); err == nil {
			t.Errorf("%s: expected an error", test.name)
		}
	}

	if _, err := trainer.New(baseConfig(), set, nil, randx.NewMT19937(1)); err == nil {
		t.Errorf("nil model must be rejected")
	}
	if _, err := trainer.New(baseConfig(), set, &recorder{}, nil); err == nil {
		t.Errorf("nil random source must be rejected")
	}
	bad := set
	bad.Valid = newSplit(t, 0)
	if _, err := trainer.New(baseConfig(), bad, &recorder{}, randx.NewMT19937(1)); err == nil {
		t.Errorf("empty validation split must be rejected")
	}
}

func TestBuildUsesWindowFactory(t *testing.T) {
	var capacities []int
	tr, err := trainer.New(baseConfig(), newSet(t, 40, 70, 10), &recorder{}, randx.NewMT19937(1))
	if err != nil {
		t.Fatal(err)
	}
	tr.Logger = log.New(io.Discard, "", 0)
	tr.NewWindow = func(capacity, xCols, yCols int) (staging.Window, error) {
		capacities = append(capacities, capacity)
		return staging.NewHostWindow(capacity, xCols, yCols)
	}
	if err := tr.Build(); err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if !slices.Equal(capacities, []int{30, 70}) {
		t.Errorf("window capacities %v, want [30 70]", capacities)
	}
}

func TestTrainLinearOnBlobs(t *testing.T) {
	rng := randx.NewMT19937(3)
	set, err := dataset.SplitRows(dataset.NewBlobs(600, 8, 3, 0.5, rng), 400, 100)
	if err != nil {
		t.Fatal(err)
	}
	m, err := linear.New(8, 3, rng)
	if err != nil {
		t.Fatal(err)
	}
	cfg := trainer.Config{
		LR:             0.5,
		LRDecay:        0.9,
		LRFin:          0.01,
		BatchSize:      20,
		GPUBatches:     4,
		NEpoch:         10,
		MonitorStep:    2,
		ShuffleBatches: true,
	}
	tr, err := trainer.New(cfg, set, m, rng)
	if err != nil {
		t.Fatal(err)
	}
	tr.Logger = log.New(io.Discard, "", 0)
	tr.Report = io.Discard
	defer tr.Close()

	if err := tr.Train(); err != nil {
		t.Fatal(err)
	}
	st := tr.State()
	if st.Epoch != 10 {
		t.Errorf("stopped at epoch %d, want 10", st.Epoch)
	}
	if st.BestValidER > 20 {
		t.Errorf("best validation error %.1f%%, want <= 20%%", st.BestValidER)
	}
}
