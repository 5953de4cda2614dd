package runner

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/gwlsn/mediashrink/internal/analyze"
	"github.com/gwlsn/mediashrink/internal/discovery"
	"github.com/gwlsn/mediashrink/internal/ffmpeg"
	"github.com/gwlsn/mediashrink/internal/jobs"
	"github.com/gwlsn/mediashrink/internal/store"
	"github.com/gwlsn/mediashrink/internal/util"
)

// FileFailure is one file that failed during this run
type FileFailure struct {
	Path     string
	Stage    string // "probe" or "encode"
	Err      string
	Attempts int
}

// KeptFile is a file whose encode came out larger, with the note stored
// in its job record
type KeptFile struct {
	Path string
	Note string
}

// Summary is what one run did
type Summary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool
	Encoder    ffmpeg.HWEncoder

	Discovered   int
	Excluded     int
	TotalBytes   int64
	MissingRoots []discovery.RootError
	Orphans      []string
	Swept        int

	AlreadyDone       int
	PermanentlyFailed int

	Analysis *analyze.Report
	Outcomes []jobs.Outcome

	Transcoded    int
	Reverted      int
	Deferred      int
	NotFinished   int
	BytesSaved    int64
	LifetimeSaved int64
	Failures      []FileFailure
	Kept          []KeptFile

	// Interrupted is set when a shutdown signal cut the run short
	Interrupted bool
}

func (s *Summary) addOutcomes(outcomes []jobs.Outcome) {
	s.Outcomes = outcomes
	for i := range outcomes {
		o := &outcomes[i]
		switch {
		case o.Deferred:
			s.Deferred++
		case o.Interrupted:
			s.NotFinished++
		case o.State == jobs.StateCommitted:
			s.Transcoded++
			s.BytesSaved += o.Saved()
		case o.State == jobs.StateReverted:
			s.Reverted++
		case o.State == jobs.StateFailed:
			s.Failures = append(s.Failures, FileFailure{
				Path:     o.Job.Path,
				Stage:    "encode",
				Err:      o.Err.Error(),
				Attempts: o.Attempts,
			})
		}
	}
}

// Skipped returns the number of analyzed files that needed no work
func (s *Summary) Skipped() int {
	if s.Analysis == nil {
		return 0
	}
	return len(s.Analysis.Skipped)
}

// Planned returns the number of files the analyzer queued for transcoding
func (s *Summary) Planned() int {
	if s.Analysis == nil {
		return 0
	}
	return len(s.Analysis.Jobs)
}

// RunRecord converts the summary to a history row
func (s *Summary) RunRecord() store.RunRecord {
	return store.RunRecord{
		ID:          s.RunID,
		StartedAt:   s.StartedAt,
		FinishedAt:  s.FinishedAt,
		Discovered:  s.Discovered,
		Transcoded:  s.Transcoded,
		Reverted:    s.Reverted,
		Failed:      len(s.Failures),
		Skipped:     s.Skipped(),
		BytesSaved:  s.BytesSaved,
		Interrupted: s.Interrupted,
		DryRun:      s.DryRun,
	}
}

// Print writes a human readable report
func (s *Summary) Print(w io.Writer) {
	fmt.Fprintln(w)
	if s.DryRun {
		fmt.Fprintln(w, "  Dry run, nothing was encoded")
	}
	fmt.Fprintf(w, "  Discovered:   %d files (%s)\n", s.Discovered, util.FormatBytes(s.TotalBytes))
	fmt.Fprintf(w, "  Excluded:     %d\n", s.Excluded)
	fmt.Fprintf(w, "  Already done: %d\n", s.AlreadyDone)
	fmt.Fprintf(w, "  Skipped:      %d\n", s.Skipped())
	if s.DryRun {
		fmt.Fprintf(w, "  Would encode: %d\n", s.Planned())
	} else {
		fmt.Fprintf(w, "  Transcoded:   %d\n", s.Transcoded)
		fmt.Fprintf(w, "  Kept:         %d (output not smaller)\n", s.Reverted)
	}
	if s.Deferred > 0 {
		fmt.Fprintf(w, "  Deferred:     %d (temp directory missing or full)\n", s.Deferred)
	}
	if s.NotFinished > 0 {
		fmt.Fprintf(w, "  Not finished: %d\n", s.NotFinished)
	}
	if s.PermanentlyFailed > 0 {
		fmt.Fprintf(w, "  Gave up on:   %d (run with -clear-errors to retry)\n", s.PermanentlyFailed)
	}
	if !s.DryRun {
		fmt.Fprintf(w, "  Saved:        %s\n", util.FormatBytes(s.BytesSaved))
	}
	if s.LifetimeSaved > 0 {
		fmt.Fprintf(w, "  Lifetime:     %s\n", util.FormatBytes(s.LifetimeSaved))
	}
	if !s.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  Elapsed:      %s\n", util.FormatDuration(s.FinishedAt.Sub(s.StartedAt)))
	}
	for _, r := range s.MissingRoots {
		fmt.Fprintf(w, "  Missing root: %s\n", r.Root)
	}

	if len(s.Failures) > 0 {
		failures := append([]FileFailure(nil), s.Failures...)
		sort.Slice(failures, func(i, j int) bool { return failures[i].Path < failures[j].Path })

		fmt.Fprintf(w, "\n  Failed: %d\n", len(failures))
		for _, f := range failures {
			fmt.Fprintf(w, "    %s\n      %s error (attempt %d of %d): %s\n",
				f.Path, f.Stage, f.Attempts, store.MaxAttempts, f.Err)
		}
	}
	for _, k := range s.Kept {
		fmt.Fprintf(w, "\n  Kept original: %s\n    %s\n", k.Path, k.Note)
	}
	if s.Interrupted {
		fmt.Fprintln(w, "\n  Interrupted, progress saved")
	}
	fmt.Fprintln(w)
}
