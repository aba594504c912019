package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/firm/internal/config"
	"github.com/andresmejia3/firm/internal/utils"
)

const (
	megabyte = 1024 * 1024
	maxFrame = 64 * megabyte
)

// ErrReleased is returned by Read once the camera has been released.
var ErrReleased = errors.New("camera released")

// Camera is the capture device. Read returns one JPEG frame; a nil error
// with an empty frame never happens. io.EOF means the device stream ended,
// io.ErrUnexpectedEOF that it broke off.
// Release may be called from another goroutine to unblock a pending Read.
type Camera interface {
	Read() ([]byte, error)
	Release() error
}

// FFmpegCamera reads an MJPEG stream from an ffmpeg child process and splits
// it into frames on the JPEG SOI/EOI markers.
type FFmpegCamera struct {
	Cmd     *utils.SafeCommand
	out     io.ReadCloser
	scanner *bufio.Scanner

	released   atomic.Bool
	once       sync.Once
	releaseErr error
}

// InputFormat is the ffmpeg demuxer for the host OS when none is configured.
func InputFormat(configured string) string {
	if configured != "" {
		return configured
	}
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "v4l2"
	}
}

func ffmpegArgs(cfg config.CameraConfig, fps float64) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", InputFormat(cfg.Format),
		"-i", cfg.Device,
	}
	if cfg.Mirror {
		args = append(args, "-vf", "hflip")
	}
	return append(args,
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "3",
		"-",
	)
}

// OpenFFmpeg starts ffmpeg on the configured device. The process lives until
// Release.
func OpenFFmpeg(cfg config.CameraConfig, fps float64) (*FFmpegCamera, error) {
	return openCommand(cfg.FFmpeg, ffmpegArgs(cfg, fps)...)
}

func openCommand(name string, args ...string) (*FFmpegCamera, error) {
	cmd := utils.NewSafeCommand(context.Background(), name, args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create camera stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start camera process: %w", err)
	}

	return newFFmpegCamera(cmd, out, maxFrame), nil
}

func newFFmpegCamera(cmd *utils.SafeCommand, out io.ReadCloser, maxFrame int) *FFmpegCamera {
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 0, min(megabyte, maxFrame)), maxFrame)
	scanner.Split(utils.SplitJpeg)
	return &FFmpegCamera{Cmd: cmd, out: out, scanner: scanner}
}

func (c *FFmpegCamera) Read() ([]byte, error) {
	if c.released.Load() {
		return nil, ErrReleased
	}
	if !c.scanner.Scan() {
		if c.released.Load() {
			return nil, ErrReleased
		}
		// A stopped scanner never resumes, so any error ends the stream.
		if err := c.scanner.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", io.ErrUnexpectedEOF, err)
		}
		return nil, io.EOF
	}
	// The scanner reuses its buffer; the frame outlives the next Scan.
	frame := make([]byte, len(c.scanner.Bytes()))
	copy(frame, c.scanner.Bytes())
	return frame, nil
}

// Release stops ffmpeg and closes the stream. Only the first call does
// anything; later calls return the first call's result.
func (c *FFmpegCamera) Release() error {
	c.once.Do(func() {
		c.released.Store(true)
		c.releaseErr = c.out.Close()
		if c.Cmd == nil {
			return
		}
		if c.Cmd.Process != nil {
			c.Cmd.Process.Kill()
		}
		// Killed on purpose, so the exit status is not interesting.
		c.Cmd.Wait()
	})
	return c.releaseErr
}
