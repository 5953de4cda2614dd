package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"golang.org/x/sync/semaphore"

	"github.com/gwlsn/mediashrink/internal/config"
	"github.com/gwlsn/mediashrink/internal/ffmpeg"
	"github.com/gwlsn/mediashrink/internal/logger"
	"github.com/gwlsn/mediashrink/internal/store"
	"github.com/gwlsn/mediashrink/internal/util"
)

// Encoder runs one encode to completion
type Encoder interface {
	Run(ctx context.Context, args []string, workDir string) error
}

// ProfileSource hands out encoding profiles
type ProfileSource interface {
	CreateProfile(targetHeight, bitrateOverride int) *ffmpeg.EncodingProfile
}

// Store is the part of the job store the scheduler updates
type Store interface {
	RecordSuccess(rec store.TranscodeRecord)
	RecordFailure(path, msg string) int
	Save() error
}

// Observer is told about every finished job
type Observer interface {
	ObserveOutcome(o *Outcome)
}

// FreeSpaceFunc reports the bytes available to an unprivileged writer in dir
type FreeSpaceFunc func(ctx context.Context, dir string) (uint64, error)

// DiskFree reports free space on the filesystem holding dir
func DiskFree(ctx context.Context, dir string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Scheduler runs job pipelines with bounded concurrency
type Scheduler struct {
	workers            int
	tempDir            func(source string) string
	encoder            Encoder
	profiles           ProfileSource
	store              Store
	checkpointEvery    int
	checkpointInterval time.Duration

	Committer *Committer
	// FreeSpace is consulted before each encode; nil skips the check
	FreeSpace FreeSpaceFunc
	Observer  Observer
}

// NewScheduler creates a Scheduler from cfg
func NewScheduler(cfg *config.Config, encoder Encoder, profiles ProfileSource, st Store) (*Scheduler, error) {
	interval, err := cfg.CheckpointDuration()
	if err != nil {
		return nil, err
	}
	every := cfg.CheckpointEvery
	if every < 1 {
		every = DefaultCheckpointEvery
	}
	return &Scheduler{
		workers:            ClampWorkerCount(cfg.Workers),
		tempDir:            cfg.GetTempDir,
		encoder:            encoder,
		profiles:           profiles,
		store:              st,
		checkpointEvery:    every,
		checkpointInterval: interval,
		Committer:          NewCommitter(cfg),
		FreeSpace:          DiskFree,
	}, nil
}

// Workers returns the concurrency limit
func (s *Scheduler) Workers() int {
	return s.workers
}

// Run processes jobs with at most Workers pipelines in flight, admitting
// them in order. Once ctx is cancelled no new job starts; jobs that never
// started come back marked Interrupted. The returned slice is parallel to
// jobs.
//
// The store is flushed every checkpointEvery completions and every
// checkpointInterval, not after every job. A crash between checkpoints
// replays the jobs finished since the last one on the next run. Replaced
// files then analyze as already optimal and are skipped.
func (s *Scheduler) Run(ctx context.Context, jobs []*MediaFile) []Outcome {
	outcomes := make([]Outcome, len(jobs))
	sem := semaphore.NewWeighted(int64(s.workers))
	ck := newCheckpointer(s.store, s.checkpointEvery)

	stopTicker := ck.startInterval(s.checkpointInterval)
	defer stopTicker()

	var wg sync.WaitGroup
	for i, job := range jobs {
		// Acquire may still succeed on a done context
		if ctx.Err() != nil {
			markNotStarted(outcomes[i:], jobs[i:])
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			markNotStarted(outcomes[i:], jobs[i:])
			break
		}

		wg.Add(1)
		go func(i int, job *MediaFile) {
			defer wg.Done()
			defer sem.Release(1)

			outcomes[i] = s.process(ctx, job)
			if s.Observer != nil {
				s.Observer.ObserveOutcome(&outcomes[i])
			}
			if counts(&outcomes[i]) {
				ck.completed()
			}
		}(i, job)
	}
	wg.Wait()

	return outcomes
}

func markNotStarted(outcomes []Outcome, jobs []*MediaFile) {
	for i := range outcomes {
		outcomes[i] = Outcome{Job: jobs[i], State: StatePending, Interrupted: true}
	}
}

// counts reports whether an outcome changed the store
func counts(o *Outcome) bool {
	return o.State.IsTerminal() && !o.Interrupted && !o.Deferred
}

// process runs one job through encode, verify and commit
func (s *Scheduler) process(ctx context.Context, job *MediaFile) Outcome {
	start := time.Now()
	out := Outcome{Job: job, State: StatePending}
	log := logger.With("file", job.Path)

	tempDir := s.tempDir(job.Path)
	if fi, err := os.Stat(tempDir); err != nil || !fi.IsDir() {
		// Not the file's fault, so leave no error record
		log.Warn("Deferring job, temp directory unavailable", "dir", tempDir, "error", err)
		out.Deferred = true
		return out
	}
	if s.FreeSpace != nil {
		free, err := s.FreeSpace(ctx, tempDir)
		switch {
		case err != nil:
			log.Debug("Free space check failed", "dir", tempDir, "error", err)
		case free < uint64(job.Size):
			log.Warn("Deferring job, not enough free space",
				"dir", tempDir, "free", util.FormatBytes(int64(free)), "need", util.FormatBytes(job.Size))
			out.Deferred = true
			return out
		}
	}

	target := job.OutputSize()
	profile := s.profiles.CreateProfile(target.Height, job.Settings.BitrateKbps)
	temp := filepath.Join(tempDir, util.TempName(job.Path))
	args := ffmpeg.BuildArguments(profile, job.Path, temp, job.Source(), target)

	log.Info("Job started", "encoder", profile.Encoder.Encoder,
		"source", fmt.Sprintf("%dx%d", job.Width, job.Height),
		"target", fmt.Sprintf("%dx%d", target.Width, target.Height),
		"bitrate_kbps", profile.BitrateKbps)

	out.State = StateEncoding
	err := s.encoder.Run(ctx, args, tempDir)
	out.Elapsed = time.Since(start)
	if err != nil && ctx.Err() != nil {
		os.Remove(temp)
		log.Info("Job interrupted by shutdown")
		out.Interrupted = true
		return out
	}
	if err != nil {
		os.Remove(temp)
		return s.fail(out, log, err)
	}

	out.State = StateVerifying
	v, err := s.Committer.Verify(job.Path, temp)
	if err != nil {
		os.Remove(temp)
		return s.fail(out, log, err)
	}

	if !v.Smaller() {
		os.Remove(temp)
		out.State = StateReverted
		out.NewSize = v.OutputSize
		note := fmt.Sprintf("kept original: output %s not smaller than %s",
			util.FormatBytes(v.OutputSize), util.FormatBytes(v.OriginalSize))
		s.store.RecordSuccess(store.TranscodeRecord{
			Path:           job.Path,
			OriginalCodec:  job.Codec,
			OriginalWidth:  job.Width,
			OriginalHeight: job.Height,
			OriginalSize:   v.OriginalSize,
			NewWidth:       job.Width,
			NewHeight:      job.Height,
			NewSize:        v.OriginalSize,
			DurationSecs:   out.Elapsed.Seconds(),
			Success:        true,
			Note:           note,
		})
		log.Warn("Job reverted, output not smaller",
			"input_size", util.FormatBytes(v.OriginalSize), "output_size", util.FormatBytes(v.OutputSize))
		return out
	}

	final, err := s.Committer.Commit(job, temp)
	if err != nil {
		os.Remove(temp)
		return s.fail(out, log, err)
	}

	out.State = StateCommitted
	out.OutputPath = final
	out.NewSize = v.OutputSize
	s.store.RecordSuccess(store.TranscodeRecord{
		Path:           job.Path,
		OriginalCodec:  job.Codec,
		OriginalWidth:  job.Width,
		OriginalHeight: job.Height,
		OriginalSize:   v.OriginalSize,
		NewWidth:       target.Width,
		NewHeight:      target.Height,
		NewSize:        v.OutputSize,
		DurationSecs:   out.Elapsed.Seconds(),
		Success:        true,
	})

	log.Info("Job complete", "output", final,
		"duration", util.FormatDuration(out.Elapsed),
		"saved", util.FormatBytes(v.OriginalSize-v.OutputSize))
	return out
}

func (s *Scheduler) fail(out Outcome, log *slog.Logger, err error) Outcome {
	out.State = StateFailed
	out.Err = err
	out.Attempts = s.store.RecordFailure(out.Job.Path, err.Error())

	var cerr *CommitError
	if errors.As(err, &cerr) && !cerr.Restored {
		log.Error("Job failed, original not restored", "error", err, "attempts", out.Attempts)
		return out
	}
	log.Error("Job failed", "error", err, "attempts", out.Attempts)
	return out
}

// checkpointer flushes the store every n completions and on a timer
type checkpointer struct {
	store Store
	every int

	mu      sync.Mutex
	pending int
}

func newCheckpointer(st Store, every int) *checkpointer {
	return &checkpointer{store: st, every: every}
}

// completed notes one finished job and flushes when the count is reached
func (c *checkpointer) completed() {
	c.mu.Lock()
	c.pending++
	due := c.every > 0 && c.pending >= c.every
	c.mu.Unlock()
	if due {
		c.flush("count")
	}
}

// startInterval flushes pending completions every d; zero disables it
func (c *checkpointer) startInterval(d time.Duration) (stop func()) {
	if d <= 0 {
		return func() {}
	}
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ticker.C:
				c.flush("interval")
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
		wg.Wait()
	}
}

func (c *checkpointer) flush(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == 0 {
		return
	}
	if err := c.store.Save(); err != nil {
		logger.Error("Checkpoint failed", "reason", reason, "error", err)
		return
	}
	logger.Debug("Checkpoint saved", "reason", reason, "completions", c.pending)
	c.pending = 0
}
