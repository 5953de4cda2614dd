package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gwlsn/mediashrink/internal/logger"
)

// HWAccel represents a hardware acceleration method
type HWAccel string

const (
	HWAccelNone         HWAccel = "software"     // CPU encoding
	HWAccelVideoToolbox HWAccel = "videotoolbox" // Apple Silicon / Intel Mac
	HWAccelNVENC        HWAccel = "nvenc"        // NVIDIA GPU
	HWAccelQSV          HWAccel = "qsv"          // Intel Quick Sync
	HWAccelVAAPI        HWAccel = "vaapi"        // Linux VA-API (Intel/AMD)
)

// HWAccelAuto asks ResolveHardware to pick the best advertised encoder
const HWAccelAuto = "auto"

// Codec represents the target video codec
type Codec string

const (
	CodecHEVC Codec = "hevc"
	CodecAV1  Codec = "av1"
)

// accelPriority is the order "auto" walks; software terminates it.
var accelPriority = []HWAccel{HWAccelVideoToolbox, HWAccelNVENC, HWAccelQSV, HWAccelVAAPI, HWAccelNone}

// EncoderKey uniquely identifies an encoder by accel + codec
type EncoderKey struct {
	Accel HWAccel
	Codec Codec
}

// HWEncoder describes one ffmpeg encoder
type HWEncoder struct {
	Accel   HWAccel `json:"accel"`
	Codec   Codec   `json:"codec"`
	Name    string  `json:"name"`
	Encoder string  `json:"encoder"` // FFmpeg encoder name (e.g., hevc_videotoolbox)
}

var encoderDefs = map[EncoderKey]HWEncoder{
	{HWAccelVideoToolbox, CodecHEVC}: {HWAccelVideoToolbox, CodecHEVC, "VideoToolbox HEVC", "hevc_videotoolbox"},
	{HWAccelNVENC, CodecHEVC}:        {HWAccelNVENC, CodecHEVC, "NVENC HEVC", "hevc_nvenc"},
	{HWAccelQSV, CodecHEVC}:          {HWAccelQSV, CodecHEVC, "Quick Sync HEVC", "hevc_qsv"},
	{HWAccelVAAPI, CodecHEVC}:        {HWAccelVAAPI, CodecHEVC, "VAAPI HEVC", "hevc_vaapi"},
	{HWAccelNone, CodecHEVC}:         {HWAccelNone, CodecHEVC, "Software HEVC", "libx265"},
	{HWAccelVideoToolbox, CodecAV1}:  {HWAccelVideoToolbox, CodecAV1, "VideoToolbox AV1", "av1_videotoolbox"},
	{HWAccelNVENC, CodecAV1}:         {HWAccelNVENC, CodecAV1, "NVENC AV1", "av1_nvenc"},
	{HWAccelQSV, CodecAV1}:           {HWAccelQSV, CodecAV1, "Quick Sync AV1", "av1_qsv"},
	{HWAccelVAAPI, CodecAV1}:         {HWAccelVAAPI, CodecAV1, "VAAPI AV1", "av1_vaapi"},
	{HWAccelNone, CodecAV1}:          {HWAccelNone, CodecAV1, "Software AV1", "libsvtav1"},
}

// EncoderFor returns the encoder definition for an accel and codec
func EncoderFor(accel HWAccel, codec Codec) (HWEncoder, bool) {
	enc, ok := encoderDefs[EncoderKey{accel, codec}]
	return enc, ok
}

// Capabilities is the set of encoders an ffmpeg build advertises
type Capabilities struct {
	encoders map[string]bool
	// VAAPIDevice is the first render node found, empty if none
	VAAPIDevice string
}

// ParseEncoderList reads the table printed by "ffmpeg -encoders".
// Lines look like " V....D hevc_nvenc           NVIDIA NVENC hevc encoder".
func ParseEncoderList(output string) *Capabilities {
	caps := &Capabilities{encoders: make(map[string]bool)}
	header := true
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if header {
			// Legend ends with a " ------" separator line
			if strings.HasPrefix(line, "---") {
				header = false
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasPrefix(fields[0], "V") {
			continue
		}
		caps.encoders[fields[1]] = true
	}
	// No legend at all: treat every line as a table row
	if header {
		return parseEncoderRows(output)
	}
	return caps
}

func parseEncoderRows(output string) *Capabilities {
	caps := &Capabilities{encoders: make(map[string]bool)}
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && strings.HasPrefix(fields[0], "V") {
			caps.encoders[fields[1]] = true
		}
	}
	return caps
}

// Has reports whether the encoder for accel and codec is advertised
func (c *Capabilities) Has(accel HWAccel, codec Codec) bool {
	if c == nil {
		return false
	}
	enc, ok := EncoderFor(accel, codec)
	return ok && c.encoders[enc.Encoder]
}

// Encoders returns the advertised encoder names, sorted
func (c *Capabilities) Encoders() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.encoders))
	for name := range c.encoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DetectCapabilities lists the encoders compiled into ffmpeg and confirms
// hardware ones with a one-frame test encode, since a build can list an
// encoder whose device is absent.
func DetectCapabilities(ctx context.Context, ffmpegPath string) (*Capabilities, error) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	output, err := exec.CommandContext(listCtx, ffmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list ffmpeg encoders: %w", err)
	}

	caps := ParseEncoderList(string(output))
	caps.VAAPIDevice = detectVAAPIDevice()

	for key, enc := range encoderDefs {
		if key.Accel == HWAccelNone || !caps.encoders[enc.Encoder] {
			continue
		}
		if !testEncoder(ctx, ffmpegPath, enc, caps.VAAPIDevice) {
			logger.Debug("Encoder listed but not usable", "encoder", enc.Encoder)
			delete(caps.encoders, enc.Encoder)
		}
	}
	return caps, nil
}

// detectVAAPIDevice finds the first available VAAPI render device
func detectVAAPIDevice() string {
	driPath := "/dev/dri"
	entries, err := os.ReadDir(driPath)
	if err != nil {
		return ""
	}

	var devices []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "renderD") {
			devices = append(devices, filepath.Join(driPath, entry.Name()))
		}
	}

	// renderD128, renderD129, ...
	sort.Strings(devices)
	if len(devices) > 0 {
		return devices[0]
	}
	return ""
}

// testEncoder encodes a single frame from a test pattern.
// 256x256 because QSV has a minimum resolution.
func testEncoder(ctx context.Context, ffmpegPath string, enc HWEncoder, vaapiDevice string) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var args []string
	filter := ""
	switch enc.Accel {
	case HWAccelQSV:
		args = []string{"-init_hw_device", "qsv=qsv", "-filter_hw_device", "qsv"}
		filter = "format=nv12,hwupload=extra_hw_frames=64"
	case HWAccelVAAPI:
		if vaapiDevice == "" {
			return false
		}
		args = []string{"-init_hw_device", "vaapi=va:" + vaapiDevice, "-filter_hw_device", "va"}
		filter = "format=nv12,hwupload"
	case HWAccelNVENC:
		args = []string{"-hwaccel", "cuda", "-hwaccel_output_format", "cuda"}
	}

	args = append(args, "-f", "lavfi", "-i", "color=c=black:s=256x256:d=0.1")
	if filter != "" {
		args = append(args, "-vf", filter)
	}
	args = append(args, "-frames:v", "1", "-c:v", enc.Encoder, "-f", "null", "-")

	return exec.CommandContext(ctx, ffmpegPath, args...).Run() == nil
}

// ResolveHardware maps a configured hardware selection to a concrete encoder.
// "auto" walks videotoolbox > nvenc > qsv > vaapi > software and always
// terminates at software. A named hardware profile the ffmpeg build does not
// advertise is an error; software is always accepted.
func ResolveHardware(selection string, caps *Capabilities, codec Codec) (HWEncoder, error) {
	if codec == "" {
		codec = CodecHEVC
	}
	if _, ok := EncoderFor(HWAccelNone, codec); !ok {
		return HWEncoder{}, fmt.Errorf("unsupported codec %q", codec)
	}

	selection = strings.ToLower(strings.TrimSpace(selection))
	if selection == "" || selection == HWAccelAuto {
		for _, accel := range accelPriority {
			if accel == HWAccelNone || caps.Has(accel, codec) {
				enc, _ := EncoderFor(accel, codec)
				return enc, nil
			}
		}
	}

	accel := HWAccel(selection)
	enc, ok := EncoderFor(accel, codec)
	if !ok {
		return HWEncoder{}, fmt.Errorf("unknown hardware profile %q", selection)
	}
	if accel != HWAccelNone && !caps.Has(accel, codec) {
		return HWEncoder{}, fmt.Errorf("hardware profile %q not available for %s (encoder %s not advertised by ffmpeg)", selection, codec, enc.Encoder)
	}
	return enc, nil
}
