package jobs

import (
	"time"

	"github.com/gwlsn/mediashrink/internal/classify"
	"github.com/gwlsn/mediashrink/internal/config"
)

// State is a job's position in the encode/commit state machine
type State string

const (
	StatePending   State = "pending"
	StateEncoding  State = "encoding"
	StateVerifying State = "verifying"
	StateCommitted State = "committed"
	StateReverted  State = "reverted" // output not smaller, original kept
	StateFailed    State = "failed"
)

// IsTerminal returns true if the job is in a terminal state
func (s State) IsTerminal() bool {
	return s == StateCommitted || s == StateReverted || s == StateFailed
}

// MediaFile is one analyzed file. The analyzer builds it and nothing
// modifies it afterwards.
type MediaFile struct {
	Path     string             `json:"path"`
	Root     string             `json:"root"` // Media root the file was found under
	Type     classify.MediaType `json:"type"`
	Codec    string             `json:"codec"`
	Width    int                `json:"width"`
	Height   int                `json:"height"`
	Size     int64              `json:"size"`
	ModTime  time.Time          `json:"mod_time"`
	Duration time.Duration      `json:"duration"`
	Bitrate  int64              `json:"bitrate,omitempty"` // Source video bitrate in bits/s

	Target         classify.Resolution `json:"target"`
	NeedsTranscode bool                `json:"needs_transcode"`
	SkipReason     string              `json:"skip_reason,omitempty"`

	// Settings are the per-file knobs after overrides were merged
	Settings config.JobSettings `json:"settings"`
}

// Source returns the file's current dimensions
func (m *MediaFile) Source() classify.Resolution {
	return classify.Resolution{Width: m.Width, Height: m.Height}
}

// Scaling reports whether the encode changes the frame size
func (m *MediaFile) Scaling() bool {
	return m.Target.Height > 0 && m.Target != m.Source()
}

// OutputSize returns the dimensions the encode produces
func (m *MediaFile) OutputSize() classify.Resolution {
	if m.Scaling() {
		return m.Target
	}
	return m.Source()
}

// Outcome is what happened to one job in a run
type Outcome struct {
	Job      *MediaFile
	State    State
	Err      error
	Attempts int // Error record count after this run, for failures

	OutputPath string
	NewSize    int64
	Elapsed    time.Duration

	// Interrupted jobs were cut short by shutdown and left no record
	Interrupted bool
	// Deferred jobs were not started because the scratch disk was too full
	Deferred bool
}

// Saved returns the bytes reclaimed by a committed job
func (o *Outcome) Saved() int64 {
	if o.State != StateCommitted || o.NewSize <= 0 {
		return 0
	}
	return o.Job.Size - o.NewSize
}
