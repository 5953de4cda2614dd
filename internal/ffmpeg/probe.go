package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Stream types reported by ffprobe
const (
	StreamVideo    = "video"
	StreamAudio    = "audio"
	StreamSubtitle = "subtitle"
)

// Stream is one normalized elementary stream
type Stream struct {
	Index       int     `json:"index"`
	Type        string  `json:"type"`
	Codec       string  `json:"codec"`
	Width       int     `json:"width,omitempty"`
	Height      int     `json:"height,omitempty"`
	PixelFormat string  `json:"pix_fmt,omitempty"`
	Bitrate     int64   `json:"bitrate,omitempty"` // bits per second
	FrameRate   float64 `json:"frame_rate,omitempty"`
	// AttachedPic marks cover art muxed as a video stream
	AttachedPic bool `json:"attached_pic,omitempty"`
}

// ProbeResult contains metadata about a media file
type ProbeResult struct {
	Path       string        `json:"path"`
	Size       int64         `json:"size"`
	Duration   time.Duration `json:"duration"`
	FormatName string        `json:"format"`
	Bitrate    int64         `json:"bitrate"` // container bitrate, bits per second
	Streams    []Stream      `json:"streams"`
}

// Video returns the primary video stream, or nil when the file has none.
// Cover art is skipped.
func (r *ProbeResult) Video() *Stream {
	for i := range r.Streams {
		s := &r.Streams[i]
		if s.Type == StreamVideo && !s.AttachedPic {
			return s
		}
	}
	return nil
}

// HasAudio reports whether any audio stream is present
func (r *ProbeResult) HasAudio() bool { return r.hasType(StreamAudio) }

// HasSubtitles reports whether any subtitle stream is present
func (r *ProbeResult) HasSubtitles() bool { return r.hasType(StreamSubtitle) }

func (r *ProbeResult) hasType(t string) bool {
	for _, s := range r.Streams {
		if s.Type == t {
			return true
		}
	}
	return false
}

// ffprobeOutput represents the JSON output from ffprobe
type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type ffprobeStream struct {
	Index        int    `json:"index"`
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	PixelFormat  string `json:"pix_fmt"`
	BitRate      string `json:"bit_rate"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	Disposition  struct {
		AttachedPic int `json:"attached_pic"`
	} `json:"disposition"`
	Tags map[string]string `json:"tags"`
}

// Prober wraps ffprobe functionality
type Prober struct {
	ffprobePath string
}

// NewProber creates a new Prober with the given ffprobe path
func NewProber(ffprobePath string) *Prober {
	return &Prober{ffprobePath: ffprobePath}
}

// Probe returns metadata about a media file. A file without a video stream
// is not an error; callers check Video().
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("ffprobe failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	return ParseProbeOutput(path, output)
}

// ParseProbeOutput normalizes the JSON document printed by
// "ffprobe -print_format json -show_format -show_streams".
func ParseProbeOutput(path string, data []byte) (*ProbeResult, error) {
	var probeOutput ffprobeOutput
	if err := json.Unmarshal(data, &probeOutput); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	result := &ProbeResult{
		Path:       path,
		FormatName: probeOutput.Format.FormatName,
	}

	// Parse format-level metadata
	if probeOutput.Format.Size != "" {
		result.Size, _ = strconv.ParseInt(probeOutput.Format.Size, 10, 64)
	}
	if probeOutput.Format.BitRate != "" {
		result.Bitrate, _ = strconv.ParseInt(probeOutput.Format.BitRate, 10, 64)
	}
	if probeOutput.Format.Duration != "" {
		durationSec, _ := strconv.ParseFloat(probeOutput.Format.Duration, 64)
		result.Duration = time.Duration(durationSec * float64(time.Second))
	}

	for _, s := range probeOutput.Streams {
		stream := Stream{
			Index:       s.Index,
			Type:        s.CodecType,
			Codec:       strings.ToLower(s.CodecName),
			Width:       s.Width,
			Height:      s.Height,
			PixelFormat: s.PixelFormat,
			AttachedPic: s.Disposition.AttachedPic == 1,
		}
		stream.Bitrate = parseStreamBitrate(s)
		stream.FrameRate = parseFrameRate(s.RFrameRate)
		if stream.FrameRate == 0 {
			stream.FrameRate = parseFrameRate(s.AvgFrameRate)
		}
		result.Streams = append(result.Streams, stream)
	}

	// Matroska rarely carries a per-stream bitrate; attribute the container's
	// to the video stream so callers always have a number to work with.
	if v := result.Video(); v != nil && v.Bitrate == 0 {
		v.Bitrate = result.Bitrate
	}

	return result, nil
}

// parseStreamBitrate reads bit_rate, falling back to the BPS tag mkvmerge writes
func parseStreamBitrate(s ffprobeStream) int64 {
	if s.BitRate != "" {
		if n, err := strconv.ParseInt(s.BitRate, 10, 64); err == nil {
			return n
		}
	}
	for _, key := range []string{"BPS", "BPS-eng"} {
		if v, ok := s.Tags[key]; ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

// IsHEVCCodec returns true if the codec is HEVC/x265
func IsHEVCCodec(codec string) bool {
	codec = strings.ToLower(codec)
	return codec == "hevc" || codec == "h265" || codec == "x265"
}

// IsAV1Codec returns true if the codec is AV1
func IsAV1Codec(codec string) bool {
	codec = strings.ToLower(codec)
	return codec == "av1" || codec == "libaom-av1" || codec == "libsvtav1"
}

// IsCodecFamily reports whether a probed codec name belongs to the target family
func IsCodecFamily(codec string, target Codec) bool {
	switch target {
	case CodecAV1:
		return IsAV1Codec(codec)
	default:
		return IsHEVCCodec(codec)
	}
}

// parseFrameRate parses a frame rate string like "30000/1001" or "30/1"
func parseFrameRate(s string) float64 {
	if s == "" || s == "0/0" {
		return 0
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	num, _ := strconv.ParseFloat(parts[0], 64)
	den, _ := strconv.ParseFloat(parts[1], 64)
	if den == 0 {
		return 0
	}
	return num / den
}
