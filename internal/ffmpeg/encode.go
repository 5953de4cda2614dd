package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gwlsn/mediashrink/internal/logger"
)

// Progress represents the current encoding progress
type Progress struct {
	Frame   int64         `json:"frame"`
	FPS     float64       `json:"fps"`
	Size    int64         `json:"size"`    // Current output size in bytes
	Time    time.Duration `json:"time"`    // Current position in video
	Bitrate float64       `json:"bitrate"` // Current bitrate in kbits/s
	Speed   float64       `json:"speed"`   // Encoding speed (1.0 = realtime)
}

// EncodeError is a non-zero ffmpeg exit
type EncodeError struct {
	ExitCode int
	Stderr   string // Last lines of stderr
}

func (e *EncodeError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("ffmpeg exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("ffmpeg exited with code %d: %s", e.ExitCode, e.Stderr)
}

const (
	defaultGracePeriod = 10 * time.Second
	stderrTailLines    = 5
	stderrKeepBytes    = 64 * 1024
)

// Runner spawns ffmpeg
type Runner struct {
	ffmpegPath string
	// GracePeriod is how long ffmpeg gets to finalize after SIGINT before it is killed
	GracePeriod time.Duration
	// OnProgress, when set, receives each progress block
	OnProgress func(Progress)
}

// NewRunner creates a new Runner with the given ffmpeg path
func NewRunner(ffmpegPath string) *Runner {
	return &Runner{ffmpegPath: ffmpegPath, GracePeriod: defaultGracePeriod}
}

// Run executes ffmpeg with args in workDir. A non-zero exit returns an
// *EncodeError. When ctx is cancelled ffmpeg receives SIGINT so it can
// close its output cleanly, and the returned error wraps ctx.Err().
func (r *Runner) Run(ctx context.Context, args []string, workDir string) error {
	full := append([]string{"-hide_banner", "-nostats", "-progress", "pipe:1"}, args...)
	cmd := exec.CommandContext(ctx, r.ffmpegPath, full...)
	cmd.Dir = workDir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultGracePeriod
	}

	logger.Debug("FFmpeg command", "args", strings.Join(full, " "))

	stderr := &tailBuffer{max: stderrKeepBytes}
	cmd.Stderr = stderr
	cmd.Stdout = &lineWriter{fn: r.progressParser()}

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("ffmpeg interrupted: %w", ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		tail := lastLines(stderr.String(), stderrTailLines)
		logger.Error("FFmpeg failed", "exit_code", exitErr.ExitCode(), "stderr", tail)
		return &EncodeError{ExitCode: exitErr.ExitCode(), Stderr: tail}
	}
	return fmt.Errorf("failed to run ffmpeg: %w", err)
}

// progressParser turns "-progress" key=value lines into Progress blocks
func (r *Runner) progressParser() func(string) {
	var current Progress
	return func(line string) {
		idx := strings.Index(line, "=")
		if idx <= 0 {
			return
		}
		key, value := line[:idx], strings.TrimSpace(line[idx+1:])
		switch key {
		case "frame":
			current.Frame, _ = strconv.ParseInt(value, 10, 64)
		case "fps":
			current.FPS, _ = strconv.ParseFloat(value, 64)
		case "total_size":
			current.Size, _ = strconv.ParseInt(value, 10, 64)
		case "out_time_us":
			if value != "N/A" {
				us, _ := strconv.ParseInt(value, 10, 64)
				current.Time = time.Duration(us) * time.Microsecond
			}
		case "bitrate":
			// "1234.5kbits/s" or "N/A"
			if value != "N/A" {
				current.Bitrate, _ = strconv.ParseFloat(strings.TrimSuffix(value, "kbits/s"), 64)
			}
		case "speed":
			// "1.5x" or "N/A"
			if value != "N/A" {
				current.Speed, _ = strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64)
			}
		case "progress":
			if r.OnProgress != nil {
				r.OnProgress(current)
			}
		}
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}

// lineWriter calls fn for every complete line written to it
type lineWriter struct {
	buf []byte
	fn  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.fn(strings.TrimRight(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
