// Package runner wires every component together for one run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gwlsn/mediashrink/internal/analyze"
	"github.com/gwlsn/mediashrink/internal/classify"
	"github.com/gwlsn/mediashrink/internal/config"
	"github.com/gwlsn/mediashrink/internal/discovery"
	"github.com/gwlsn/mediashrink/internal/ffmpeg"
	"github.com/gwlsn/mediashrink/internal/jobs"
	"github.com/gwlsn/mediashrink/internal/lock"
	"github.com/gwlsn/mediashrink/internal/logger"
	"github.com/gwlsn/mediashrink/internal/metrics"
	"github.com/gwlsn/mediashrink/internal/store"
	"github.com/gwlsn/mediashrink/internal/util"
)

// DetectFunc lists the encoders an ffmpeg binary can use
type DetectFunc func(ctx context.Context, ffmpegPath string) (*ffmpeg.Capabilities, error)

// Session owns everything one run touches: the lock, both stores, the
// encoder capabilities and the profile factory. Nothing is shared between
// sessions.
type Session struct {
	cfg *config.Config

	Prober    analyze.Prober
	Encoder   jobs.Encoder
	Detect    DetectFunc
	FreeSpace jobs.FreeSpaceFunc

	// Sweep removes orphaned temp and backup files found by discovery
	Sweep bool

	lock    *lock.Lock
	store   *store.JobStore
	cache   *store.AnalysisCache
	caps    *ffmpeg.Capabilities
	factory *ffmpeg.Factory
	metrics *metrics.Metrics
}

// NewSession creates a session that probes and encodes with the binaries
// named in cfg
func NewSession(cfg *config.Config) *Session {
	enc := ffmpeg.NewRunner(cfg.FFmpegPath)
	enc.OnProgress = func(p ffmpeg.Progress) {
		logger.Debug("Encode progress", "position", p.Time, "fps", p.FPS, "speed", p.Speed,
			"size", util.FormatBytes(p.Size))
	}
	return &Session{
		cfg:       cfg,
		Prober:    ffmpeg.NewProber(cfg.FFprobePath),
		Encoder:   enc,
		Detect:    ffmpeg.DetectCapabilities,
		FreeSpace: jobs.DiskFree,
	}
}

// Run performs one full pass: lock, load stores, discover, partition,
// analyze, schedule, flush. Per-file problems end up in the summary; the
// error return is for the lock, the stores and cancellation before any
// work was scheduled. The store is flushed and the lock released on every
// path, including cancellation.
func (s *Session) Run(ctx context.Context) (sum *Summary, err error) {
	sum = &Summary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		DryRun:    s.cfg.DryRun,
	}

	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()

	s.metrics = metrics.New()
	defer func() {
		sum.FinishedAt = time.Now()
		sum.Interrupted = ctx.Err() != nil
		if err == nil {
			err = s.flush()
		}
		s.record(sum)
	}()

	if !s.cfg.DryRun {
		enc, err := s.resolveEncoder(ctx)
		if err != nil {
			return sum, err
		}
		sum.Encoder = enc

		if err := s.prepareTempDir(); err != nil {
			return sum, err
		}
	}

	res, err := discovery.Walk(ctx, discovery.Options{
		Roots:      s.cfg.MediaRoots,
		Rules:      classify.CompileRules(s.cfg.Exclusions),
		Extensions: s.cfg.VideoExtensions,
	})
	if err != nil {
		return sum, nil
	}
	s.noteDiscovery(sum, res)

	part := s.store.Partition(res.Files)
	sum.AlreadyDone = len(part.AlreadyDone)
	sum.PermanentlyFailed = len(part.PermanentlyFailed)
	logger.Info("Partitioned files",
		"to_analyze", len(part.ToAnalyze), "done", sum.AlreadyDone, "permanently_failed", sum.PermanentlyFailed)

	analyzer := analyze.New(s.cfg, s.Prober, s.cache)
	analyzer.OnProgress = throttleProgress(analyzeLogInterval, time.Now, func(analyzed, total int) {
		logger.Info("Analyzing", "analyzed", analyzed, "total", total)
	})
	report, err := analyzer.Analyze(ctx, part.ToAnalyze)
	sum.Analysis = report
	s.metrics.ObserveSkipped(len(report.Skipped))
	for _, f := range report.Failures {
		var attempts int
		if s.cfg.DryRun {
			attempts = s.store.Attempts(f.File.Path)
		} else {
			attempts = s.store.RecordFailure(f.File.Path, "probe: "+f.Err.Error())
		}
		sum.Failures = append(sum.Failures, FileFailure{Path: f.File.Path, Err: f.Err.Error(), Attempts: attempts, Stage: "probe"})
	}
	if err != nil {
		return sum, nil
	}

	if s.cfg.DryRun {
		for _, j := range report.Jobs {
			logger.Info("Would transcode", "path", j.Path, "codec", j.Codec,
				"source", fmt.Sprintf("%dx%d", j.Width, j.Height),
				"target", fmt.Sprintf("%dx%d", j.OutputSize().Width, j.OutputSize().Height))
		}
		return sum, nil
	}

	sched, err := jobs.NewScheduler(s.cfg, s.Encoder, s.factory, s.store)
	if err != nil {
		return sum, err
	}
	sched.FreeSpace = s.FreeSpace
	sched.Observer = s.metrics

	logger.Info("Scheduling jobs", "jobs", len(report.Jobs), "workers", sched.Workers(),
		"encoder", s.factory.Encoder().Encoder)
	sum.addOutcomes(sched.Run(ctx, report.Jobs))
	for _, o := range sum.Outcomes {
		if o.State != jobs.StateReverted {
			continue
		}
		if rec, ok := s.store.Record(o.Job.Path); ok {
			sum.Kept = append(sum.Kept, KeptFile{Path: o.Job.Path, Note: rec.Note})
		}
	}
	return sum, nil
}

// prepareTempDir creates the configured scratch directory. A scratch
// directory that cannot be created fails the run instead of every job.
func (s *Session) prepareTempDir() error {
	if s.cfg.TempPath == "" {
		return nil
	}
	if err := os.MkdirAll(s.cfg.TempPath, 0755); err != nil {
		return fmt.Errorf("create temp directory: %w", err)
	}
	return nil
}

// ClearErrors resets every error record under the run lock, so
// permanently failed files are retried on the next run.
func (s *Session) ClearErrors() (int, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.release()

	for _, f := range s.store.Failures() {
		logger.Info("Clearing error record", "path", f.Path, "attempts", f.Attempts, "error", f.Error)
	}
	n := s.store.ClearErrors()
	if err := s.store.Save(); err != nil {
		return 0, err
	}
	logger.Info("Cleared error records", "count", n)
	return n, nil
}

// acquire takes the lock and loads both stores
func (s *Session) acquire() error {
	l, err := lock.Acquire(s.cfg.LockPath)
	if err != nil {
		return err
	}
	s.lock = l
	logger.Debug("Acquired run lock", "path", l.Path())

	st, err := store.LoadJobStore(s.cfg.JobStorePath)
	if err != nil {
		s.release()
		return err
	}
	s.store = st
	records, failures := st.Counts()
	logger.Info("Loaded job store", "path", st.Path(), "records", records, "errors", failures,
		"last_run", st.LastRun())

	cache, err := store.LoadAnalysisCache(s.cfg.AnalysisCachePath)
	if err != nil {
		s.release()
		return err
	}
	s.cache = cache
	return nil
}

func (s *Session) release() {
	if s.lock == nil {
		return
	}
	if err := s.lock.Release(); err != nil {
		logger.Warn("Failed to release lock", "error", err)
	}
	s.lock = nil
}

// resolveEncoder picks the encoder backend and builds the profile factory.
// Capability detection is skipped when software encoding is requested.
func (s *Session) resolveEncoder(ctx context.Context) (ffmpeg.HWEncoder, error) {
	codec := ffmpeg.Codec(s.cfg.Codec)
	if s.cfg.Hardware != config.HardwareSoftware && s.Detect != nil {
		caps, err := s.Detect(ctx, s.cfg.FFmpegPath)
		if err != nil {
			if s.cfg.Hardware != config.HardwareAuto {
				return ffmpeg.HWEncoder{}, fmt.Errorf("detect encoders: %w", err)
			}
			logger.Warn("Encoder detection failed, using software", "error", err)
		}
		s.caps = caps
		logger.Debug("Detected encoders", "encoders", caps.Encoders())
	}

	enc, err := ffmpeg.ResolveHardware(s.cfg.Hardware, s.caps, codec)
	if err != nil {
		return ffmpeg.HWEncoder{}, err
	}

	device := s.cfg.VAAPIDevice
	if device == "" && s.caps != nil {
		device = s.caps.VAAPIDevice
	}
	s.factory = ffmpeg.NewFactory(enc, s.cfg.Bitrates, s.cfg.EncoderOptions, device)
	logger.Info("Using encoder", "name", enc.Name, "encoder", enc.Encoder)
	return enc, nil
}

func (s *Session) noteDiscovery(sum *Summary, res *discovery.Result) {
	sum.Discovered = len(res.Files)
	sum.Excluded = len(res.Excluded)
	sum.TotalBytes = res.TotalBytes
	sum.MissingRoots = res.MissingRoots
	sum.Orphans = res.Orphans
	s.metrics.SetDiscovered(len(res.Files))

	logger.Info("Discovery complete", "files", sum.Discovered, "excluded", sum.Excluded,
		"missing_roots", len(res.MissingRoots))

	if len(res.Orphans) == 0 {
		return
	}
	if !s.Sweep {
		logger.Warn("Found leftover temp or backup files, run with -sweep to remove them",
			"count", len(res.Orphans))
		return
	}
	removed, errs := discovery.Sweep(res.Orphans)
	sum.Swept = removed
	for _, err := range errs {
		logger.Warn("Sweep failed", "error", err)
	}
}

// flush saves the job store and the analysis cache. Only a job store
// failure is an error; the cache is rebuilt from probes if lost.
func (s *Session) flush() error {
	if s.store == nil {
		return nil
	}
	var err error
	if !s.cfg.DryRun {
		if serr := s.store.Save(); serr != nil {
			err = fmt.Errorf("save job store: %w", serr)
		}
	}
	if cerr := s.cache.Save(); cerr != nil {
		logger.Warn("Failed to save analysis cache", "error", cerr)
	}
	return err
}

// record writes the run to the history database and the metrics textfile
// when those are configured. Failures are logged only.
func (s *Session) record(sum *Summary) {
	s.metrics.MarkFinished(sum.FinishedAt)
	if path := s.cfg.MetricsFile; path != "" {
		if err := s.metrics.WriteTextfile(path); err != nil {
			logger.Warn("Failed to write metrics", "path", path, "error", err)
		}
	}

	if s.cfg.HistoryDB == "" {
		return
	}
	h, err := store.OpenHistory(s.cfg.HistoryDB)
	if err != nil {
		logger.Warn("Failed to open run history", "error", err)
		return
	}
	defer h.Close()

	if err := h.RecordRun(sum.RunRecord()); err != nil {
		logger.Warn("Failed to record run", "error", err)
		return
	}
	if saved, err := h.LifetimeSaved(); err == nil {
		sum.LifetimeSaved = saved
	}
}

// IsAlreadyRunning reports whether err means another run holds the lock
func IsAlreadyRunning(err error) bool {
	return errors.Is(err, lock.ErrAlreadyRunning)
}

// analyzeLogInterval spaces out analysis progress lines
const analyzeLogInterval = 10 * time.Second

// throttleProgress passes progress to emit at most once per interval. The
// first and final counts always go through.
func throttleProgress(interval time.Duration, now func() time.Time, emit analyze.ProgressCallback) analyze.ProgressCallback {
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func(analyzed, total int) {
		if total == 0 {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		t := now()
		if analyzed < total && !last.IsZero() && t.Sub(last) < interval {
			return
		}
		last = t
		emit(analyzed, total)
	}
}
