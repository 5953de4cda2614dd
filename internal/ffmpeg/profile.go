package ffmpeg

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gwlsn/mediashrink/internal/classify"
	"github.com/gwlsn/mediashrink/internal/config"
)

// Option is one encoder flag and its value, e.g. {"preset", "medium"}
type Option struct {
	Name  string
	Value string
}

// encoderSettings defines FFmpeg settings for each hardware backend
type encoderSettings struct {
	options     []Option // Default rate-control options, in emission order
	scaleFilter string   // Scaler that accepts the decoder's frames
	sizeKeys    bool     // Scaler takes w=/h= instead of positional W:H
}

var encoderConfigs = map[EncoderKey]encoderSettings{
	{HWAccelNone, CodecHEVC}: {
		options:     []Option{{"preset", "medium"}},
		scaleFilter: "scale",
	},
	{HWAccelVideoToolbox, CodecHEVC}: {
		options:     []Option{{"allow_sw", "1"}},
		scaleFilter: "scale", // VideoToolbox has no HW scaler here
	},
	{HWAccelNVENC, CodecHEVC}: {
		options:     []Option{{"preset", "p4"}, {"tune", "hq"}, {"rc", "vbr"}},
		scaleFilter: "scale_cuda",
	},
	{HWAccelQSV, CodecHEVC}: {
		options:     []Option{{"preset", "medium"}},
		scaleFilter: "scale_qsv",
		sizeKeys:    true,
	},
	{HWAccelVAAPI, CodecHEVC}: {
		options:     []Option{{"rc_mode", "VBR"}},
		scaleFilter: "scale_vaapi",
		sizeKeys:    true,
	},

	{HWAccelNone, CodecAV1}: {
		options:     []Option{{"preset", "6"}},
		scaleFilter: "scale",
	},
	{HWAccelVideoToolbox, CodecAV1}: {
		options:     []Option{{"allow_sw", "1"}},
		scaleFilter: "scale",
	},
	{HWAccelNVENC, CodecAV1}: {
		options:     []Option{{"preset", "p4"}, {"tune", "hq"}, {"rc", "vbr"}},
		scaleFilter: "scale_cuda",
	},
	{HWAccelQSV, CodecAV1}: {
		options:     []Option{{"preset", "medium"}},
		scaleFilter: "scale_qsv",
		sizeKeys:    true,
	},
	{HWAccelVAAPI, CodecAV1}: {
		options:     []Option{{"rc_mode", "VBR"}},
		scaleFilter: "scale_vaapi",
		sizeKeys:    true,
	},
}

// EncodingProfile is everything needed to turn an input into arguments.
// Profiles are shared between jobs and must not be modified.
type EncodingProfile struct {
	Encoder      HWEncoder
	TargetHeight int
	BitrateKbps  int
	MaxRateKbps  int
	BufSizeKbps  int
	InputArgs    []string // before -i
	Options      []Option // after the rate flags
	ScaleFilter  string
	sizeKeys     bool
}

// Scaler renders the scale filter for a target size
func (p *EncodingProfile) Scaler(target classify.Resolution) string {
	if p.sizeKeys {
		return fmt.Sprintf("%s=w=%d:h=%d", p.ScaleFilter, target.Width, target.Height)
	}
	return fmt.Sprintf("%s=%d:%d", p.ScaleFilter, target.Width, target.Height)
}

// Factory builds encoding profiles for one hardware backend
type Factory struct {
	encoder     HWEncoder
	bitrates    config.Bitrates
	overrides   map[string]string
	vaapiDevice string

	mu      sync.Mutex
	last    *EncodingProfile
	lastKey [2]int
}

// NewFactory creates a Factory. vaapiDevice is only used by the vaapi backend.
func NewFactory(encoder HWEncoder, bitrates config.Bitrates, encoderOptions map[string]string, vaapiDevice string) *Factory {
	return &Factory{
		encoder:     encoder,
		bitrates:    bitrates,
		overrides:   encoderOptions,
		vaapiDevice: vaapiDevice,
	}
}

// Encoder returns the backend this factory builds for
func (f *Factory) Encoder() HWEncoder {
	return f.encoder
}

// BitrateFor picks the target bitrate: the override when positive, otherwise
// the tier for the target height.
func (f *Factory) BitrateFor(targetHeight, bitrateOverride int) int {
	if bitrateOverride > 0 {
		return bitrateOverride
	}
	switch {
	case targetHeight <= 720:
		return f.bitrates.LowKbps
	case targetHeight <= 1080:
		return f.bitrates.MediumKbps
	default:
		return f.bitrates.HighKbps
	}
}

// CreateProfile returns the profile for a target height. The previous
// profile is reused when the height and bitrate match the last call.
func (f *Factory) CreateProfile(targetHeight, bitrateOverride int) *EncodingProfile {
	bitrate := f.BitrateFor(targetHeight, bitrateOverride)
	key := [2]int{targetHeight, bitrate}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last != nil && f.lastKey == key {
		return f.last
	}

	settings, ok := encoderConfigs[EncoderKey{f.encoder.Accel, f.encoder.Codec}]
	if !ok {
		settings = encoderConfigs[EncoderKey{HWAccelNone, CodecHEVC}]
	}

	maxRate := bitrate * 3 / 2
	profile := &EncodingProfile{
		Encoder:      f.encoder,
		TargetHeight: targetHeight,
		BitrateKbps:  bitrate,
		MaxRateKbps:  maxRate,
		BufSizeKbps:  maxRate * 2,
		InputArgs:    inputArgs(f.encoder.Accel, f.vaapiDevice),
		Options:      mergeOptions(settings.options, f.overrides),
		ScaleFilter:  settings.scaleFilter,
		sizeKeys:     settings.sizeKeys,
	}
	f.last = profile
	f.lastKey = key
	return profile
}

// inputArgs generates the device initialization and hwaccel flags for a backend
func inputArgs(accel HWAccel, vaapiDevice string) []string {
	switch accel {
	case HWAccelVideoToolbox:
		return []string{"-hwaccel", "videotoolbox"}
	case HWAccelNVENC:
		return []string{"-hwaccel", "cuda", "-hwaccel_output_format", "cuda"}
	case HWAccelQSV:
		return []string{
			"-init_hw_device", "qsv=qsv",
			"-filter_hw_device", "qsv",
			"-hwaccel", "qsv", "-hwaccel_output_format", "qsv",
		}
	case HWAccelVAAPI:
		if vaapiDevice == "" {
			vaapiDevice = "/dev/dri/renderD128"
		}
		return []string{
			"-init_hw_device", "vaapi=va:" + vaapiDevice,
			"-filter_hw_device", "va",
			"-hwaccel", "vaapi", "-hwaccel_output_format", "vaapi",
		}
	}
	return nil
}

// mergeOptions applies user overrides to the defaults. Overridden defaults
// keep their position, new options follow in name order, and an empty
// override value drops the option.
func mergeOptions(defaults []Option, overrides map[string]string) []Option {
	clean := make(map[string]string, len(overrides))
	for k, v := range overrides {
		clean[strings.TrimPrefix(strings.TrimSpace(k), "-")] = v
	}

	merged := make([]Option, 0, len(defaults)+len(clean))
	seen := make(map[string]bool)
	for _, opt := range defaults {
		seen[opt.Name] = true
		if v, ok := clean[opt.Name]; ok {
			if v == "" {
				continue
			}
			opt.Value = v
		}
		merged = append(merged, opt)
	}

	var extra []string
	for k, v := range clean {
		if !seen[k] && k != "" && v != "" {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		merged = append(merged, Option{Name: k, Value: clean[k]})
	}
	return merged
}

// BuildArguments assembles the ffmpeg argument list. The order is fixed for
// every backend: input acceleration, input, encoder, scaler (only when the
// target differs from the source), rate flags, stream copy for audio and
// subtitles, map everything, overwrite, output.
func BuildArguments(profile *EncodingProfile, input, output string, source, target classify.Resolution) []string {
	args := make([]string, 0, 32)
	args = append(args, profile.InputArgs...)
	args = append(args, "-i", input)
	args = append(args, "-c:v", profile.Encoder.Encoder)

	if target.Width > 0 && target.Height > 0 && target != source {
		args = append(args, "-vf", profile.Scaler(target))
	}

	args = append(args,
		"-b:v", fmt.Sprintf("%dk", profile.BitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", profile.MaxRateKbps),
		"-bufsize", fmt.Sprintf("%dk", profile.BufSizeKbps),
	)
	for _, opt := range profile.Options {
		args = append(args, "-"+opt.Name, opt.Value)
	}

	args = append(args,
		"-c:a", "copy",
		"-c:s", "copy",
		"-map", "0",
		"-y",
		output,
	)
	return args
}
