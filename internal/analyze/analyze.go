// Package analyze turns discovered files into transcode jobs.
package analyze

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gwlsn/mediashrink/internal/classify"
	"github.com/gwlsn/mediashrink/internal/config"
	"github.com/gwlsn/mediashrink/internal/discovery"
	"github.com/gwlsn/mediashrink/internal/ffmpeg"
	"github.com/gwlsn/mediashrink/internal/jobs"
	"github.com/gwlsn/mediashrink/internal/logger"
	"github.com/gwlsn/mediashrink/internal/store"
)

// Skip reasons
const (
	ReasonNoVideo        = "no video stream"
	ReasonAlreadyOptimal = "already optimal"
)

// Prober reads stream info from a media file
type Prober interface {
	Probe(ctx context.Context, path string) (*ffmpeg.ProbeResult, error)
}

// ProgressCallback is called after each file with (analyzed, total) counts
type ProgressCallback func(analyzed, total int)

// Skip is a file that needs no work
type Skip struct {
	File   discovery.File
	Reason string
	// Job is the analyzed file, nil when it had no video stream
	Job *jobs.MediaFile
}

// Failure is a file that could not be probed
type Failure struct {
	File discovery.File
	Err  error
}

// Report is the result of one analysis pass. Each slice keeps the input order.
type Report struct {
	Jobs      []*jobs.MediaFile
	Skipped   []Skip
	Failures  []Failure
	CacheHits int
	Probed    int
}

// Analyzer decides per file whether to transcode and to what size
type Analyzer struct {
	cfg     *config.Config
	prober  Prober
	cache   *store.AnalysisCache
	codec   ffmpeg.Codec
	workers int

	OnProgress ProgressCallback
}

// New creates an Analyzer. cache may be nil, in which case every file is probed.
func New(cfg *config.Config, prober Prober, cache *store.AnalysisCache) *Analyzer {
	codec := ffmpeg.Codec(cfg.Codec)
	if codec == "" {
		codec = ffmpeg.CodecHEVC
	}
	return &Analyzer{
		cfg:     cfg,
		prober:  prober,
		cache:   cache,
		codec:   codec,
		workers: jobs.ClampProbeWorkers(cfg.ProbeWorkers),
	}
}

type result struct {
	job    *jobs.MediaFile
	reason string
	err    error
	cached bool
	done   bool
}

// Analyze probes files with at most probe_workers ffprobe processes in
// flight. Probe failures are per-file and never abort the pass; the only
// error returned is ctx's.
func (a *Analyzer) Analyze(ctx context.Context, files []discovery.File) (*Report, error) {
	results := make([]result, len(files))
	total := len(files)
	var analyzed atomic.Int64

	if a.OnProgress != nil {
		a.OnProgress(0, total)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, f := range files {
		if gctx.Err() != nil {
			break
		}
		i, f := i, f
		g.Go(func() error {
			results[i] = a.analyzeOne(gctx, f)
			n := analyzed.Add(1)
			if a.OnProgress != nil {
				a.OnProgress(int(n), total)
			}
			return nil
		})
	}
	g.Wait()

	report := &Report{}
	for i, r := range results {
		if !r.done {
			continue
		}
		if r.cached {
			report.CacheHits++
		} else if r.err == nil {
			report.Probed++
		}
		switch {
		case r.err != nil:
			report.Failures = append(report.Failures, Failure{File: files[i], Err: r.err})
		case r.reason != "":
			report.Skipped = append(report.Skipped, Skip{File: files[i], Reason: r.reason, Job: r.job})
		default:
			report.Jobs = append(report.Jobs, r.job)
		}
	}

	logger.Info("Analysis complete",
		"jobs", len(report.Jobs), "skipped", len(report.Skipped), "failed", len(report.Failures),
		"cache_hits", report.CacheHits, "probed", report.Probed)
	return report, ctx.Err()
}

// analyzeOne reads stream info through the cache and applies the decision table
func (a *Analyzer) analyzeOne(ctx context.Context, f discovery.File) result {
	probe, cached, err := a.streamInfo(ctx, f)
	if err != nil {
		if ctx.Err() != nil {
			return result{}
		}
		logger.Warn("Probe failed", "path", f.Path, "error", err)
		return result{err: err, done: true}
	}

	job, reason := Decide(f, probe, a.cfg.ResolveJob(f.Path), a.codec)
	return result{job: job, reason: reason, cached: cached, done: true}
}

// streamInfo returns cached stream info when the record is still valid and
// probes otherwise, writing the fresh result back.
func (a *Analyzer) streamInfo(ctx context.Context, f discovery.File) (*ffmpeg.ProbeResult, bool, error) {
	if a.cache != nil {
		if rec, ok := a.cache.Lookup(f.Path, f.Size, f.ModTime); ok {
			return rec.Probe(), true, nil
		}
	}

	probe, err := a.prober.Probe(ctx, f.Path)
	if err != nil {
		if a.cache != nil {
			// Stale snapshot of a file that no longer reads
			a.cache.Delete(f.Path)
		}
		return nil, false, err
	}
	if a.cache != nil {
		a.cache.Put(store.RecordFromProbe(probe, f.Size, f.ModTime))
	}
	return probe, false, nil
}

// Decide applies the transcode decision table to one probed file:
//
//	already target codec | needs scaling | outcome
//	no                   | any           | transcode
//	yes                  | yes           | transcode (scale only)
//	yes                  | no            | skip, already optimal
//
// A file with no video stream is skipped and the returned job is nil.
func Decide(f discovery.File, probe *ffmpeg.ProbeResult, settings config.JobSettings, codec ffmpeg.Codec) (*jobs.MediaFile, string) {
	video := probe.Video()
	if video == nil {
		return nil, ReasonNoVideo
	}

	mediaType := classify.Classify(f.Path)
	target, scale := classify.TargetResolution(video.Width, video.Height, mediaType,
		settings.TVMaxHeight, settings.MovieMaxHeight, settings.MaxHeightOverride)

	job := &jobs.MediaFile{
		Path:     f.Path,
		Root:     f.Root,
		Type:     mediaType,
		Codec:    video.Codec,
		Width:    video.Width,
		Height:   video.Height,
		Size:     f.Size,
		ModTime:  f.ModTime,
		Duration: probe.Duration.Round(time.Millisecond),
		Bitrate:  video.Bitrate,
		Settings: settings,
	}
	if scale {
		job.Target = target
	}

	if ffmpeg.IsCodecFamily(video.Codec, codec) && !scale {
		job.SkipReason = ReasonAlreadyOptimal
		return job, ReasonAlreadyOptimal
	}
	job.NeedsTranscode = true
	return job, ""
}
