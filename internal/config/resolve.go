package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// JobSettings is the fully resolved set of per-file knobs. It is produced
// once per file by ResolveJob before the file enters the pipeline, so no
// later stage has to consult the layers again.
type JobSettings struct {
	TVMaxHeight    int
	MovieMaxHeight int
	// MaxHeightOverride is a per-path ceiling that replaces both category
	// ceilings. Zero means no override.
	MaxHeightOverride int
	// BitrateKbps is an explicit target bitrate. Zero means "use the table".
	BitrateKbps int
	OutputMode  string
}

// ResolveJob merges global settings with the most specific per-path override
// (longest matching path_prefix). Later layers only replace non-zero fields.
func (c *Config) ResolveJob(path string) JobSettings {
	s := JobSettings{
		TVMaxHeight:    c.TVMaxHeight,
		MovieMaxHeight: c.MovieMaxHeight,
		OutputMode:     c.OutputMode,
	}

	o, ok := c.matchOverride(path)
	if !ok {
		return s
	}
	if o.MaxHeight > 0 {
		s.MaxHeightOverride = o.MaxHeight
	}
	if o.BitrateKbps > 0 {
		s.BitrateKbps = o.BitrateKbps
	}
	if o.OutputMode != "" {
		s.OutputMode = o.OutputMode
	}
	return s
}

func (c *Config) matchOverride(path string) (Override, bool) {
	clean := filepath.Clean(path)
	var best Override
	bestLen := -1
	for _, o := range c.Overrides {
		prefix := filepath.Clean(o.PathPrefix)
		if clean != prefix && !strings.HasPrefix(clean, prefix+string(filepath.Separator)) {
			continue
		}
		if len(prefix) > bestLen {
			best, bestLen = o, len(prefix)
		}
	}
	return best, bestLen >= 0
}

// CheckpointDuration parses checkpoint_interval. An empty value disables
// time-based checkpoints and returns zero.
func (c *Config) CheckpointDuration() (time.Duration, error) {
	if c.CheckpointInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.CheckpointInterval)
	if err != nil {
		return 0, fmt.Errorf("checkpoint_interval: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("checkpoint_interval must not be negative")
	}
	return d, nil
}
