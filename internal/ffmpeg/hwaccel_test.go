package ffmpeg

import (
	"testing"
)

const sampleEncoders = `Encoders:
 V..... = Video
 A..... = Audio
 S..... = Subtitle
 .F.... = Frame-level multithreading
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (codec h264)
 V....D libx265              libx265 H.265 / HEVC (codec hevc)
 V....D hevc_nvenc           NVIDIA NVENC hevc encoder (codec hevc)
 V....D hevc_vaapi           H.265/HEVC (VAAPI) (codec hevc)
 V....D libsvtav1            SVT-AV1(Scalable Video Technology for AV1) encoder (codec av1)
 A....D aac                  AAC (Advanced Audio Coding)
`

func TestParseEncoderList(t *testing.T) {
	caps := ParseEncoderList(sampleEncoders)

	want := []string{"hevc_nvenc", "hevc_vaapi", "libsvtav1", "libx264", "libx265"}
	got := caps.Encoders()
	if len(got) != len(want) {
		t.Fatalf("Encoders() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Encoders()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Legend rows must not be mistaken for encoders
	if caps.encoders["="] {
		t.Error("legend parsed as encoder")
	}
	if caps.encoders["aac"] {
		t.Error("audio encoder should be ignored")
	}
	if !caps.Has(HWAccelNVENC, CodecHEVC) {
		t.Error("expected nvenc hevc")
	}
	if caps.Has(HWAccelQSV, CodecHEVC) {
		t.Error("qsv not advertised")
	}
}

func TestParseEncoderListWithoutLegend(t *testing.T) {
	caps := ParseEncoderList(" V....D hevc_qsv   HEVC (Intel Quick Sync Video acceleration)\n")
	if !caps.Has(HWAccelQSV, CodecHEVC) {
		t.Error("expected qsv hevc")
	}
}

func TestResolveHardware(t *testing.T) {
	caps := ParseEncoderList(sampleEncoders)

	tests := []struct {
		name      string
		selection string
		caps      *Capabilities
		codec     Codec
		want      string
		wantErr   bool
	}{
		{"auto picks nvenc over vaapi", "auto", caps, CodecHEVC, "hevc_nvenc", false},
		{"empty means auto", "", caps, CodecHEVC, "hevc_nvenc", false},
		{"auto av1 falls to software", "auto", caps, CodecAV1, "libsvtav1", false},
		{"auto without detection", "auto", nil, CodecHEVC, "libx265", false},
		{"explicit vaapi", "vaapi", caps, CodecHEVC, "hevc_vaapi", false},
		{"explicit software", "software", nil, CodecHEVC, "libx265", false},
		{"case insensitive", "NVENC", caps, CodecHEVC, "hevc_nvenc", false},
		{"explicit unavailable", "qsv", caps, CodecHEVC, "", true},
		{"unknown profile", "cuda", caps, CodecHEVC, "", true},
		{"unknown codec", "auto", caps, Codec("vp9"), "", true},
		{"default codec", "auto", nil, "", "libx265", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := ResolveHardware(tt.selection, tt.caps, tt.codec)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", enc)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if enc.Encoder != tt.want {
				t.Errorf("encoder = %q, want %q", enc.Encoder, tt.want)
			}
		})
	}
}

func TestAutoPriorityOrder(t *testing.T) {
	all := ParseEncoderList(" V....D hevc_videotoolbox x\n V....D hevc_nvenc x\n V....D hevc_qsv x\n V....D hevc_vaapi x\n")
	enc, err := ResolveHardware("auto", all, CodecHEVC)
	if err != nil {
		t.Fatal(err)
	}
	if enc.Accel != HWAccelVideoToolbox {
		t.Errorf("accel = %s, want videotoolbox", enc.Accel)
	}
}
