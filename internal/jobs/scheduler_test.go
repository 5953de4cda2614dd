package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gwlsn/mediashrink/internal/classify"
	"github.com/gwlsn/mediashrink/internal/config"
	"github.com/gwlsn/mediashrink/internal/discovery"
	"github.com/gwlsn/mediashrink/internal/ffmpeg"
	"github.com/gwlsn/mediashrink/internal/store"
)

// fakeEncoder writes outputSize bytes to the output argument, then returns err
type fakeEncoder struct {
	outputSize int
	err        error
	delay      time.Duration
	waitCancel bool

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeEncoder) Run(ctx context.Context, args []string, workDir string) error {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	output := args[len(args)-1]
	if err := os.WriteFile(output, bytes.Repeat([]byte("x"), f.outputSize), 0644); err != nil {
		return err
	}

	if f.waitCancel {
		<-ctx.Done()
		return fmt.Errorf("ffmpeg interrupted: %w", ctx.Err())
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.err
}

type countingStore struct {
	*store.JobStore
	saves   atomic.Int32
	saveErr error
}

func (c *countingStore) Save() error {
	c.saves.Add(1)
	if c.saveErr != nil {
		return c.saveErr
	}
	return c.JobStore.Save()
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []State
}

func (r *recordingObserver) ObserveOutcome(o *Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o.State)
}

type harness struct {
	cfg     *config.Config
	media   string
	scratch string
	store   *countingStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		media:   filepath.Join(dir, "media"),
		scratch: filepath.Join(dir, "scratch"),
	}
	os.MkdirAll(h.scratch, 0755)

	h.cfg = config.DefaultConfig()
	h.cfg.MediaRoots = []string{h.media}
	h.cfg.TempPath = h.scratch
	h.cfg.CheckpointEvery = 100
	h.cfg.CheckpointInterval = ""
	h.store = &countingStore{JobStore: store.NewJobStore(filepath.Join(dir, "jobs.json"))}
	return h
}

// job creates a 1000-byte 1080p TV file that wants 720p
func (h *harness) job(t *testing.T, name string) *MediaFile {
	t.Helper()
	path := filepath.Join(h.media, "Show", name)
	writeFile(t, path, bytes.Repeat([]byte("o"), 1000))
	return &MediaFile{
		Path:           path,
		Root:           h.media,
		Type:           classify.MediaTV,
		Codec:          "h264",
		Width:          1920,
		Height:         1080,
		Size:           1000,
		Target:         classify.Resolution{Width: 1280, Height: 720},
		NeedsTranscode: true,
		Settings:       h.cfg.ResolveJob(path),
	}
}

func (h *harness) scheduler(t *testing.T, enc Encoder) *Scheduler {
	t.Helper()
	sw, _ := ffmpeg.EncoderFor(ffmpeg.HWAccelNone, ffmpeg.CodecHEVC)
	s, err := NewScheduler(h.cfg, enc, ffmpeg.NewFactory(sw, h.cfg.Bitrates, nil, ""), h.store)
	if err != nil {
		t.Fatal(err)
	}
	s.FreeSpace = nil
	return s
}

func isDone(st *store.JobStore, path string) bool {
	rec, ok := st.Record(path)
	return ok && rec.Success
}

func (h *harness) scratchEmpty(t *testing.T) {
	t.Helper()
	entries, _ := os.ReadDir(h.scratch)
	if len(entries) != 0 {
		t.Errorf("scratch dir not empty: %d entries", len(entries))
	}
}

func TestSchedulerCommitsSmallerOutput(t *testing.T) {
	h := newHarness(t)
	job := h.job(t, "S01E01.mkv")
	obs := &recordingObserver{}

	s := h.scheduler(t, &fakeEncoder{outputSize: 300})
	s.Observer = obs
	out := s.Run(context.Background(), []*MediaFile{job})[0]

	if out.State != StateCommitted || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Saved() != 700 {
		t.Errorf("saved = %d", out.Saved())
	}
	if got := len(readFile(t, job.Path)); got != 300 {
		t.Errorf("original path size = %d", got)
	}
	if !isDone(h.store.JobStore, job.Path) {
		t.Error("expected success record")
	}
	rec, _ := h.store.Record(job.Path)
	if rec.NewHeight != 720 || rec.OriginalCodec != "h264" {
		t.Errorf("record = %+v", rec)
	}
	if len(obs.outcomes) != 1 || obs.outcomes[0] != StateCommitted {
		t.Errorf("observer saw %v", obs.outcomes)
	}
	h.scratchEmpty(t)
}

func TestSchedulerRevertsWhenNotSmaller(t *testing.T) {
	h := newHarness(t)
	job := h.job(t, "S01E01.mkv")
	before := readFile(t, job.Path)

	out := h.scheduler(t, &fakeEncoder{outputSize: 1500}).Run(context.Background(), []*MediaFile{job})[0]

	if out.State != StateReverted {
		t.Fatalf("state = %s", out.State)
	}
	if !bytes.Equal(readFile(t, job.Path), before) {
		t.Error("original must stay byte-identical")
	}
	if !isDone(h.store.JobStore, job.Path) {
		t.Error("a reverted job still records success")
	}
	rec, _ := h.store.Record(job.Path)
	if rec.Note == "" || rec.Saved() != 0 {
		t.Errorf("record = %+v", rec)
	}
	if out.Saved() != 0 {
		t.Error("reverted job saves nothing")
	}
	h.scratchEmpty(t)
}

// Encoder exit 1 three runs in a row: attempts go 1, 2, 3 and the file is
// then filtered out before analysis.
func TestSchedulerEncoderFailureRetryCap(t *testing.T) {
	h := newHarness(t)
	job := h.job(t, "S01E01.mkv")
	enc := &fakeEncoder{outputSize: 10, err: &ffmpeg.EncodeError{ExitCode: 1, Stderr: "Conversion failed!"}}
	discovered := []discovery.File{{Path: job.Path, Size: job.Size}}

	for run := 1; run <= store.MaxAttempts; run++ {
		p := h.store.Partition(discovered)
		if len(p.ToAnalyze) != 1 {
			t.Fatalf("run %d: file should still be analyzed", run)
		}

		out := h.scheduler(t, enc).Run(context.Background(), []*MediaFile{job})[0]
		if out.State != StateFailed {
			t.Fatalf("run %d: state = %s", run, out.State)
		}
		var encErr *ffmpeg.EncodeError
		if !errors.As(out.Err, &encErr) || encErr.ExitCode != 1 {
			t.Errorf("run %d: err = %v", run, out.Err)
		}
		if out.Attempts != run || h.store.Attempts(job.Path) != run {
			t.Errorf("run %d: attempts = %d", run, out.Attempts)
		}
		h.scratchEmpty(t)
	}

	p := h.store.Partition(discovered)
	if len(p.PermanentlyFailed) != 1 || len(p.ToAnalyze) != 0 {
		t.Errorf("file should be skipped after %d failures: %+v", store.MaxAttempts, p)
	}
	if int(enc.calls.Load()) != store.MaxAttempts {
		t.Errorf("encoder calls = %d", enc.calls.Load())
	}
}

func TestSchedulerConcurrencyLimit(t *testing.T) {
	h := newHarness(t)
	h.cfg.Workers = 2

	var jobs []*MediaFile
	for i := 0; i < 6; i++ {
		jobs = append(jobs, h.job(t, fmt.Sprintf("S01E0%d.mkv", i+1)))
	}

	enc := &fakeEncoder{outputSize: 100, delay: 30 * time.Millisecond}
	outcomes := h.scheduler(t, enc).Run(context.Background(), jobs)

	if got := enc.maxInFlight.Load(); got > 2 {
		t.Errorf("max in flight = %d, limit 2", got)
	}
	for i, o := range outcomes {
		if o.Job != jobs[i] {
			t.Errorf("outcome %d belongs to another job", i)
		}
		if o.State != StateCommitted {
			t.Errorf("job %d: state = %s", i, o.State)
		}
	}
}

func TestSchedulerCancelledBeforeStart(t *testing.T) {
	h := newHarness(t)
	jobs := []*MediaFile{h.job(t, "a.mkv"), h.job(t, "b.mkv")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	enc := &fakeEncoder{outputSize: 100}
	outcomes := h.scheduler(t, enc).Run(ctx, jobs)

	if enc.calls.Load() != 0 {
		t.Error("no job should start after cancellation")
	}
	for _, o := range outcomes {
		if !o.Interrupted || o.State != StatePending {
			t.Errorf("outcome = %+v", o)
		}
	}
}

func TestSchedulerInterruptedJob(t *testing.T) {
	h := newHarness(t)
	job := h.job(t, "S01E01.mkv")
	before := readFile(t, job.Path)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	out := h.scheduler(t, &fakeEncoder{outputSize: 100, waitCancel: true}).Run(ctx, []*MediaFile{job})[0]

	if !out.Interrupted {
		t.Fatalf("outcome = %+v", out)
	}
	if out.State == StateFailed || h.store.Attempts(job.Path) != 0 {
		t.Error("an interrupted job is not a failure")
	}
	if isDone(h.store.JobStore, job.Path) {
		t.Error("an interrupted job is not done")
	}
	if !bytes.Equal(readFile(t, job.Path), before) {
		t.Error("original changed")
	}
	h.scratchEmpty(t)
}

func TestSchedulerDefersWhenDiskFull(t *testing.T) {
	h := newHarness(t)
	job := h.job(t, "S01E01.mkv")

	enc := &fakeEncoder{outputSize: 100}
	s := h.scheduler(t, enc)
	s.FreeSpace = func(ctx context.Context, dir string) (uint64, error) { return 10, nil }

	out := s.Run(context.Background(), []*MediaFile{job})[0]
	if !out.Deferred {
		t.Fatalf("outcome = %+v", out)
	}
	if enc.calls.Load() != 0 {
		t.Error("deferred job must not encode")
	}
	if h.store.Attempts(job.Path) != 0 || isDone(h.store.JobStore, job.Path) {
		t.Error("deferred job leaves no record")
	}
}

func TestSchedulerDefersWithoutTempDir(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, scratch string)
	}{
		{"missing", func(t *testing.T, scratch string) {
			if err := os.RemoveAll(scratch); err != nil {
				t.Fatal(err)
			}
		}},
		{"not a directory", func(t *testing.T, scratch string) {
			os.RemoveAll(scratch)
			writeFile(t, scratch, []byte("x"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			job := h.job(t, "S01E01.mkv")
			tt.setup(t, h.scratch)

			enc := &fakeEncoder{outputSize: 100}
			for run := 1; run <= store.MaxAttempts+1; run++ {
				out := h.scheduler(t, enc).Run(context.Background(), []*MediaFile{job})[0]
				if !out.Deferred || out.State == StateFailed {
					t.Fatalf("run %d: outcome = %+v", run, out)
				}
			}
			if enc.calls.Load() != 0 {
				t.Errorf("encoder calls = %d", enc.calls.Load())
			}
			if h.store.Attempts(job.Path) != 0 || isDone(h.store.JobStore, job.Path) {
				t.Error("a missing temp directory must leave no record")
			}
		})
	}
}

func TestSchedulerFreeSpaceErrorProceeds(t *testing.T) {
	h := newHarness(t)
	job := h.job(t, "S01E01.mkv")

	s := h.scheduler(t, &fakeEncoder{outputSize: 100})
	s.FreeSpace = func(ctx context.Context, dir string) (uint64, error) { return 0, errors.New("statfs failed") }

	if out := s.Run(context.Background(), []*MediaFile{job})[0]; out.State != StateCommitted {
		t.Errorf("state = %s", out.State)
	}
}

func TestSchedulerCheckpointEvery(t *testing.T) {
	h := newHarness(t)
	h.cfg.CheckpointEvery = 2

	var jobs []*MediaFile
	for i := 0; i < 5; i++ {
		jobs = append(jobs, h.job(t, fmt.Sprintf("S01E0%d.mkv", i+1)))
	}
	h.scheduler(t, &fakeEncoder{outputSize: 100}).Run(context.Background(), jobs)

	if got := h.store.saves.Load(); got != 2 {
		t.Errorf("saves = %d, want 2 for 5 completions every 2", got)
	}
}

// A failed checkpoint is logged and retried at the next completion; the run
// carries on and the records stay in memory for the final save.
func TestSchedulerCheckpointSaveFailure(t *testing.T) {
	h := newHarness(t)
	h.cfg.CheckpointEvery = 1
	h.store.saveErr = errors.New("disk full")

	var jobs []*MediaFile
	for i := 0; i < 3; i++ {
		jobs = append(jobs, h.job(t, fmt.Sprintf("S01E0%d.mkv", i+1)))
	}
	outcomes := h.scheduler(t, &fakeEncoder{outputSize: 100}).Run(context.Background(), jobs)

	for i, o := range outcomes {
		if o.State != StateCommitted {
			t.Errorf("job %d: state = %s", i, o.State)
		}
		if !isDone(h.store.JobStore, o.Job.Path) {
			t.Errorf("job %d: record lost", i)
		}
	}
	if got := h.store.saves.Load(); got != 3 {
		t.Errorf("saves = %d, want a retry per completion", got)
	}
	if _, err := os.Stat(h.store.Path()); !os.IsNotExist(err) {
		t.Error("no checkpoint should have reached disk")
	}
}

func TestCheckpointInterval(t *testing.T) {
	st := &countingStore{JobStore: store.NewJobStore(filepath.Join(t.TempDir(), "jobs.json"))}
	ck := newCheckpointer(st, 0)
	stop := ck.startInterval(10 * time.Millisecond)
	defer stop()

	ck.completed()
	deadline := time.Now().Add(2 * time.Second)
	for st.saves.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if st.saves.Load() == 0 {
		t.Fatal("interval checkpoint never fired")
	}

	// Nothing pending: ticks must not save again
	n := st.saves.Load()
	time.Sleep(50 * time.Millisecond)
	if st.saves.Load() != n {
		t.Error("saved with no pending completions")
	}
}

func TestNewSchedulerBadInterval(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.CheckpointInterval = "soon"
	if _, err := NewScheduler(cfg, &fakeEncoder{}, nil, nil); err == nil {
		t.Error("expected error for bad checkpoint interval")
	}
}

func TestClampWorkerCount(t *testing.T) {
	tests := []struct{ in, want int }{{0, 1}, {-3, 1}, {1, 1}, {4, 4}, {100, MaxWorkers}}
	for _, tt := range tests {
		if got := ClampWorkerCount(tt.in); got != tt.want {
			t.Errorf("ClampWorkerCount(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
