package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Output modes
const (
	OutputReplace  = "replace"  // replace the original in place
	OutputSeparate = "separate" // write next to a mirror tree, original untouched
)

// Hardware selections. "auto" probes ffmpeg and picks the best available.
const (
	HardwareAuto         = "auto"
	HardwareSoftware     = "software"
	HardwareNVENC        = "nvenc"
	HardwareQSV          = "qsv"
	HardwareVAAPI        = "vaapi"
	HardwareVideoToolbox = "videotoolbox"
)

// Bitrates is the three-tier target bitrate table, bucketed by output height.
type Bitrates struct {
	// LowKbps applies to targets up to 720 lines
	LowKbps int `yaml:"low_kbps"`
	// MediumKbps applies to targets up to 1080 lines
	MediumKbps int `yaml:"medium_kbps"`
	// HighKbps applies to everything taller
	HighKbps int `yaml:"high_kbps"`
}

// Exclusions lists the rules that keep files out of discovery.
type Exclusions struct {
	// Directories are directory names matched as whole path segments (case-insensitive)
	Directories []string `yaml:"directories"`
	// Substrings are matched against the full path (case-insensitive)
	Substrings []string `yaml:"substrings"`
	// PathPatterns are regular expressions matched against the full path
	PathPatterns []string `yaml:"path_patterns"`
	// FilenamePatterns are regular expressions matched against the base name only
	FilenamePatterns []string `yaml:"filename_patterns"`
}

// Override adjusts settings for every file under PathPrefix.
// Zero values leave the inherited setting alone.
type Override struct {
	PathPrefix  string `yaml:"path_prefix"`
	MaxHeight   int    `yaml:"max_height"`
	BitrateKbps int    `yaml:"bitrate_kbps"`
	OutputMode  string `yaml:"output_mode"`
}

type Config struct {
	// MediaRoots are the directories walked for video files
	MediaRoots []string `yaml:"media_roots"`

	// TempPath is the scratch directory encoder output is written to.
	// If empty, temp files go in the same directory as the source.
	TempPath string `yaml:"temp_path"`

	// JobStorePath is the JSON document holding completed and failed jobs
	JobStorePath string `yaml:"job_store_path"`

	// AnalysisCachePath is the JSON document caching probe results
	AnalysisCachePath string `yaml:"analysis_cache_path"`

	// LockPath is the singleton lock file
	LockPath string `yaml:"lock_path"`

	// HistoryDB is an optional SQLite file recording one row per run
	HistoryDB string `yaml:"history_db"`

	// MetricsFile is an optional Prometheus textfile written at run end
	MetricsFile string `yaml:"metrics_file"`

	// Workers is the number of concurrent encoder processes (default 1)
	Workers int `yaml:"workers"`

	// ProbeWorkers is the number of concurrent ffprobe invocations (default 4)
	ProbeWorkers int `yaml:"probe_workers"`

	// CheckpointEvery flushes the job store after this many completed jobs
	CheckpointEvery int `yaml:"checkpoint_every"`

	// CheckpointInterval additionally flushes on a timer (e.g. "10m"). Empty disables it.
	CheckpointInterval string `yaml:"checkpoint_interval"`

	// TVMaxHeight and MovieMaxHeight are the resolution ceilings per category
	TVMaxHeight    int `yaml:"tv_max_height"`
	MovieMaxHeight int `yaml:"movie_max_height"`

	Bitrates Bitrates `yaml:"bitrates"`

	// Hardware selects the encoder backend: auto, software, nvenc, qsv, vaapi, videotoolbox
	Hardware string `yaml:"hardware"`

	// Codec is the target codec family: hevc (default) or av1
	Codec string `yaml:"codec"`

	// VAAPIDevice is the render node used by the vaapi backend
	VAAPIDevice string `yaml:"vaapi_device"`

	// EncoderOptions override the backend's default rate-control options
	// (keys are ffmpeg option names without the leading dash)
	EncoderOptions map[string]string `yaml:"encoder_options"`

	Exclusions Exclusions `yaml:"exclusions"`

	// VideoExtensions is the allowlist of file extensions (with leading dot)
	VideoExtensions []string `yaml:"video_extensions"`

	// OutputMode is "replace" or "separate"
	OutputMode string `yaml:"output_mode"`

	// OutputPath is the destination root for the separate output mode
	OutputPath string `yaml:"output_path"`

	// MirrorStructure recreates each file's path relative to its media root under OutputPath
	MirrorStructure bool `yaml:"mirror_structure"`

	// PreserveModTime copies the original modification time onto the replacement
	PreserveModTime bool `yaml:"preserve_mtime"`

	Overrides []Override `yaml:"overrides"`

	// DryRun analyzes and reports without encoding
	DryRun bool `yaml:"dry_run"`

	// FFmpegPath is the path to ffmpeg binary (default: "ffmpeg")
	FFmpegPath string `yaml:"ffmpeg_path"`

	// FFprobePath is the path to ffprobe binary (default: "ffprobe")
	FFprobePath string `yaml:"ffprobe_path"`

	// LogLevel is debug, info, warn or error
	LogLevel string `yaml:"log_level"`

	// LogFormat is text or json
	LogFormat string `yaml:"log_format"`
}

// DefaultVideoExtensions is used when video_extensions is not configured
var DefaultVideoExtensions = []string{
	".mkv", ".mp4", ".avi", ".mov", ".wmv", ".flv",
	".webm", ".m4v", ".mpeg", ".mpg", ".m2ts", ".ts",
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MediaRoots:        []string{"/media"},
		TempPath:          "",
		JobStorePath:      "config/jobs.json",
		AnalysisCachePath: "config/analysis.json",
		LockPath:          "config/mediashrink.lock",
		Workers:           1,
		ProbeWorkers:      4,
		CheckpointEvery:   5,
		TVMaxHeight:       720,
		MovieMaxHeight:    1080,
		Bitrates: Bitrates{
			LowKbps:    1500,
			MediumKbps: 3000,
			HighKbps:   6000,
		},
		Hardware:        HardwareAuto,
		Codec:           "hevc",
		VAAPIDevice:     "/dev/dri/renderD128",
		Exclusions:      Exclusions{Directories: []string{"@eaDir", "#recycle", "lost+found"}},
		VideoExtensions: DefaultVideoExtensions,
		OutputMode:      OutputReplace,
		PreserveModTime: true,
		FFmpegPath:      "ffmpeg",
		FFprobePath:     "ffprobe",
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load reads config from a YAML file, applying defaults for missing values
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file - use defaults
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.ApplyEnv()
	return cfg, nil
}

// applyDefaults fills zero values left behind by a partial YAML document
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.FFmpegPath == "" {
		c.FFmpegPath = d.FFmpegPath
	}
	if c.FFprobePath == "" {
		c.FFprobePath = d.FFprobePath
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.ProbeWorkers < 1 {
		c.ProbeWorkers = d.ProbeWorkers
	}
	if c.CheckpointEvery < 1 {
		c.CheckpointEvery = d.CheckpointEvery
	}
	if c.Bitrates.LowKbps == 0 {
		c.Bitrates.LowKbps = d.Bitrates.LowKbps
	}
	if c.Bitrates.MediumKbps == 0 {
		c.Bitrates.MediumKbps = d.Bitrates.MediumKbps
	}
	if c.Bitrates.HighKbps == 0 {
		c.Bitrates.HighKbps = d.Bitrates.HighKbps
	}
	if c.Hardware == "" {
		c.Hardware = d.Hardware
	}
	if c.Codec == "" {
		c.Codec = d.Codec
	}
	if c.VAAPIDevice == "" {
		c.VAAPIDevice = d.VAAPIDevice
	}
	if len(c.VideoExtensions) == 0 {
		c.VideoExtensions = d.VideoExtensions
	}
	if c.OutputMode == "" {
		c.OutputMode = d.OutputMode
	}
	if c.JobStorePath == "" {
		c.JobStorePath = d.JobStorePath
	}
	if c.AnalysisCachePath == "" {
		c.AnalysisCachePath = d.AnalysisCachePath
	}
	if c.LockPath == "" {
		c.LockPath = d.LockPath
	}
}

// ApplyEnv overrides settings from MEDIASHRINK_* environment variables
func (c *Config) ApplyEnv() {
	if v := os.Getenv("MEDIASHRINK_MEDIA"); v != "" {
		c.MediaRoots = filepath.SplitList(v)
	}
	if v := os.Getenv("MEDIASHRINK_TEMP"); v != "" {
		c.TempPath = v
	}
	if v := os.Getenv("MEDIASHRINK_HARDWARE"); v != "" {
		c.Hardware = v
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if len(c.MediaRoots) == 0 {
		errs = append(errs, errors.New("media_roots must list at least one directory"))
	}
	if c.TVMaxHeight < 0 || c.MovieMaxHeight < 0 {
		errs = append(errs, errors.New("resolution ceilings must not be negative"))
	}
	if c.Bitrates.LowKbps < 0 || c.Bitrates.MediumKbps < 0 || c.Bitrates.HighKbps < 0 {
		errs = append(errs, errors.New("bitrates must not be negative"))
	}
	switch c.Hardware {
	case HardwareAuto, HardwareSoftware, HardwareNVENC, HardwareQSV, HardwareVAAPI, HardwareVideoToolbox:
	default:
		errs = append(errs, fmt.Errorf("unknown hardware %q", c.Hardware))
	}
	switch c.Codec {
	case "hevc", "av1":
	default:
		errs = append(errs, fmt.Errorf("unknown codec %q", c.Codec))
	}
	if err := validateOutputMode(c.OutputMode); err != nil {
		errs = append(errs, err)
	}
	if c.OutputMode == OutputSeparate && c.OutputPath == "" {
		errs = append(errs, errors.New("output_path is required when output_mode is separate"))
	}
	for i, o := range c.Overrides {
		if o.PathPrefix == "" {
			errs = append(errs, fmt.Errorf("overrides[%d]: path_prefix is required", i))
		}
		if o.OutputMode != "" {
			if err := validateOutputMode(o.OutputMode); err != nil {
				errs = append(errs, fmt.Errorf("overrides[%d]: %w", i, err))
			}
			if o.OutputMode == OutputSeparate && c.OutputPath == "" {
				errs = append(errs, fmt.Errorf("overrides[%d]: output_path is required for separate output", i))
			}
		}
	}
	if c.CheckpointInterval != "" {
		if _, err := c.CheckpointDuration(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func validateOutputMode(mode string) error {
	switch mode {
	case OutputReplace, OutputSeparate:
		return nil
	default:
		return fmt.Errorf("unknown output_mode %q", mode)
	}
}

// GetTempDir returns the directory for temp files
// If TempPath is set, returns that; otherwise returns the directory of the source file
func (c *Config) GetTempDir(sourcePath string) string {
	if c.TempPath != "" {
		return c.TempPath
	}
	return filepath.Dir(sourcePath)
}
