package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gwlsn/mediashrink/internal/ffmpeg"
	"github.com/gwlsn/mediashrink/internal/logger"
)

// AnalysisCacheVersion is the current analysis cache document version
const AnalysisCacheVersion = 1

// AnalysisRecord is a probe snapshot, valid while the file's size and
// modification time still match.
type AnalysisRecord struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ModTimeNS    int64     `json:"mtime_ns"`
	HasVideo     bool      `json:"has_video"`
	Codec        string    `json:"codec,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	PixelFormat  string    `json:"pix_fmt,omitempty"`
	Bitrate      int64     `json:"bitrate,omitempty"`
	FrameRate    float64   `json:"frame_rate,omitempty"`
	HasAudio     bool      `json:"has_audio"`
	HasSubtitles bool      `json:"has_subtitles"`
	DurationSecs float64   `json:"duration_secs"`
	Format       string    `json:"format"`
	AnalyzedAt   time.Time `json:"analyzed_at"`
}

// RecordFromProbe snapshots a probe result for a file of the given size and
// modification time.
func RecordFromProbe(probe *ffmpeg.ProbeResult, size int64, modTime time.Time) *AnalysisRecord {
	rec := &AnalysisRecord{
		Path:         probe.Path,
		Size:         size,
		ModTimeNS:    modTime.UnixNano(),
		HasAudio:     probe.HasAudio(),
		HasSubtitles: probe.HasSubtitles(),
		DurationSecs: probe.Duration.Seconds(),
		Format:       probe.FormatName,
		AnalyzedAt:   time.Now(),
	}
	if v := probe.Video(); v != nil {
		rec.HasVideo = true
		rec.Codec = v.Codec
		rec.Width = v.Width
		rec.Height = v.Height
		rec.PixelFormat = v.PixelFormat
		rec.Bitrate = v.Bitrate
		rec.FrameRate = v.FrameRate
	}
	return rec
}

// Probe rebuilds the stream info the record was taken from
func (r *AnalysisRecord) Probe() *ffmpeg.ProbeResult {
	result := &ffmpeg.ProbeResult{
		Path:       r.Path,
		Size:       r.Size,
		Duration:   time.Duration(r.DurationSecs * float64(time.Second)),
		FormatName: r.Format,
		Bitrate:    r.Bitrate,
	}
	if r.HasVideo {
		result.Streams = append(result.Streams, ffmpeg.Stream{
			Type:        ffmpeg.StreamVideo,
			Codec:       r.Codec,
			Width:       r.Width,
			Height:      r.Height,
			PixelFormat: r.PixelFormat,
			Bitrate:     r.Bitrate,
			FrameRate:   r.FrameRate,
		})
	}
	if r.HasAudio {
		result.Streams = append(result.Streams, ffmpeg.Stream{Type: ffmpeg.StreamAudio})
	}
	if r.HasSubtitles {
		result.Streams = append(result.Streams, ffmpeg.Stream{Type: ffmpeg.StreamSubtitle})
	}
	for i := range result.Streams {
		result.Streams[i].Index = i
	}
	return result
}

// Matches reports whether the record is still valid for a file with this
// size and modification time.
func (r *AnalysisRecord) Matches(size int64, modTime time.Time) bool {
	return r.Size == size && r.ModTimeNS == modTime.UnixNano()
}

type cacheDocument struct {
	Version     int                        `json:"version"`
	LastUpdated time.Time                  `json:"last_updated"`
	Records     map[string]*AnalysisRecord `json:"records"`
}

// AnalysisCache maps paths to probe snapshots. Safe for concurrent use.
type AnalysisCache struct {
	mu      sync.RWMutex
	saveMu  sync.Mutex
	path    string
	records map[string]*AnalysisRecord
}

// NewAnalysisCache returns an empty cache that saves to path
func NewAnalysisCache(path string) *AnalysisCache {
	return &AnalysisCache{path: path, records: make(map[string]*AnalysisRecord)}
}

// LoadAnalysisCache reads the cache at path. The cache only saves probe
// time, so a corrupt file or one from another version is logged and
// replaced by an empty cache rather than failing the run.
func LoadAnalysisCache(path string) (*AnalysisCache, error) {
	c := NewAnalysisCache(path)

	data, found, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	if !found {
		return c, nil
	}

	var doc cacheDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn("Analysis cache unreadable, rebuilding", "path", path, "error", err)
		return c, nil
	}
	if doc.Version != AnalysisCacheVersion {
		logger.Info("Analysis cache version changed, rebuilding", "path", path,
			"found", doc.Version, "want", AnalysisCacheVersion)
		return c, nil
	}
	for p, rec := range doc.Records {
		if rec == nil {
			continue
		}
		rec.Path = p
		c.records[p] = rec
	}
	return c, nil
}

// Lookup returns the record for path if it matches size and modTime
func (c *AnalysisCache) Lookup(path string, size int64, modTime time.Time) (*AnalysisRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[path]
	if !ok || !rec.Matches(size, modTime) {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Put inserts or replaces the record for rec.Path
func (c *AnalysisCache) Put(rec *AnalysisRecord) {
	cp := *rec
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.Path] = &cp
}

// Delete drops the record for path
func (c *AnalysisCache) Delete(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, path)
}

// Len returns the number of cached records
func (c *AnalysisCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Save writes the cache atomically
func (c *AnalysisCache) Save() error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.RLock()
	data, err := json.Marshal(cacheDocument{
		Version:     AnalysisCacheVersion,
		LastUpdated: time.Now(),
		Records:     c.records,
	})
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode analysis cache: %w", err)
	}
	return writeDocument(c.path, json.RawMessage(data))
}
