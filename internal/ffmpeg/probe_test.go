package ffmpeg

import (
	"context"
	"testing"
	"time"
)

const sampleProbe = `{
  "streams": [
    {"index": 0, "codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080,
     "pix_fmt": "yuv420p", "r_frame_rate": "24000/1001", "avg_frame_rate": "24000/1001",
     "tags": {"BPS": "8000000"}},
    {"index": 1, "codec_type": "audio", "codec_name": "ac3", "bit_rate": "640000"},
    {"index": 2, "codec_type": "subtitle", "codec_name": "subrip"}
  ],
  "format": {"filename": "/media/Show/S01E01.mkv", "format_name": "matroska,webm",
             "duration": "2640.500000", "size": "2800000000", "bit_rate": "8480000"}
}`

func TestParseProbeOutput(t *testing.T) {
	result, err := ParseProbeOutput("/media/Show/S01E01.mkv", []byte(sampleProbe))
	if err != nil {
		t.Fatalf("ParseProbeOutput: %v", err)
	}

	if result.FormatName != "matroska,webm" {
		t.Errorf("format = %q", result.FormatName)
	}
	if result.Size != 2800000000 {
		t.Errorf("size = %d", result.Size)
	}
	if result.Duration != 2640*time.Second+500*time.Millisecond {
		t.Errorf("duration = %v", result.Duration)
	}

	v := result.Video()
	if v == nil {
		t.Fatal("expected a video stream")
	}
	if v.Codec != "h264" || v.Width != 1920 || v.Height != 1080 {
		t.Errorf("video stream = %+v", v)
	}
	if v.Bitrate != 8000000 {
		t.Errorf("expected BPS tag bitrate, got %d", v.Bitrate)
	}
	if v.FrameRate < 23.97 || v.FrameRate > 23.98 {
		t.Errorf("frame rate = %f", v.FrameRate)
	}
	if !result.HasAudio() || !result.HasSubtitles() {
		t.Error("expected audio and subtitle flags")
	}
}

func TestParseProbeOutputNoVideo(t *testing.T) {
	doc := `{"streams":[{"index":0,"codec_type":"audio","codec_name":"flac"}],"format":{"format_name":"flac","duration":"10.0"}}`
	result, err := ParseProbeOutput("/a.mkv", []byte(doc))
	if err != nil {
		t.Fatalf("no video stream is not an error: %v", err)
	}
	if result.Video() != nil {
		t.Error("expected no video stream")
	}
	if result.HasSubtitles() {
		t.Error("no subtitles expected")
	}
}

func TestParseProbeOutputSkipsCoverArt(t *testing.T) {
	doc := `{"streams":[
	  {"index":0,"codec_type":"video","codec_name":"mjpeg","width":600,"height":600,"disposition":{"attached_pic":1}},
	  {"index":1,"codec_type":"video","codec_name":"hevc","width":3840,"height":2160}
	],"format":{"format_name":"matroska,webm","bit_rate":"20000000"}}`
	result, err := ParseProbeOutput("/a.mkv", []byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	v := result.Video()
	if v == nil || v.Codec != "hevc" {
		t.Fatalf("expected the hevc stream, got %+v", v)
	}
	if v.Bitrate != 20000000 {
		t.Errorf("container bitrate fallback = %d", v.Bitrate)
	}
}

func TestParseProbeOutputInvalid(t *testing.T) {
	if _, err := ParseProbeOutput("/a.mkv", []byte("not json")); err == nil {
		t.Error("expected parse error")
	}
}

func TestProbeNonExistent(t *testing.T) {
	prober := NewProber("ffprobe")
	if _, err := prober.Probe(context.Background(), "/nonexistent/file.mkv"); err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
	}{
		{"30/1", 30},
		{"25", 25},
		{"0/0", 0},
		{"", 0},
		{"30/0", 0},
	}
	for _, tt := range tests {
		if got := parseFrameRate(tt.input); got != tt.expected {
			t.Errorf("parseFrameRate(%q) = %f, want %f", tt.input, got, tt.expected)
		}
	}
}

func TestIsCodecFamily(t *testing.T) {
	if !IsCodecFamily("hevc", CodecHEVC) || !IsCodecFamily("H265", CodecHEVC) {
		t.Error("hevc family")
	}
	if IsCodecFamily("h264", CodecHEVC) {
		t.Error("h264 is not hevc")
	}
	if !IsCodecFamily("av1", CodecAV1) || IsCodecFamily("hevc", CodecAV1) {
		t.Error("av1 family")
	}
}
