package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// Mode selects the video source for a session.
type Mode string

const (
	ModeScreen Mode = "screen"
	ModeCamera Mode = "camera"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeScreen, ModeCamera:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown capture mode %q", s)
	}
}

type Config struct {
	FFmpegPath string

	ScreenFormat string // x11grab, avfoundation, gdigrab
	ScreenInput  string
	CameraFormat string // v4l2, avfoundation
	CameraInput  string
	MicFormat    string // pulse, avfoundation
	MicInput     string

	// Raw decode geometry for the video pipe. The sampler downsamples
	// further before sending anything upstream.
	VideoWidth  int
	VideoHeight int
	FrameRate   int

	SampleRate int
}

func (c *Config) applyDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.ScreenFormat == "" {
		c.ScreenFormat = "x11grab"
	}
	if c.CameraFormat == "" {
		c.CameraFormat = "v4l2"
	}
	if c.MicFormat == "" {
		c.MicFormat = "pulse"
	}
	if c.MicInput == "" {
		c.MicInput = "default"
	}
	if c.VideoWidth <= 0 {
		c.VideoWidth = 1280
	}
	if c.VideoHeight <= 0 {
		c.VideoHeight = 720
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 5
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
}

// Manager acquires and releases the media backing one session: an ffmpeg
// video pipe decoded to raw RGBA frames and an ffmpeg mic pipe producing
// s16le PCM. At most one acquisition is live at a time.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	media *Media
}

// Media is one acquired screen-or-camera + microphone pair.
type Media struct {
	Video *VideoSession
	Mic   *MicSession
}

func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{cfg: cfg}
}

// Acquire starts both ffmpeg pipes for the requested mode. On any failure
// everything already started is torn back down and nothing stays acquired.
func (m *Manager) Acquire(ctx context.Context, mode Mode) (*Media, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.media != nil {
		return nil, errors.New("media already acquired")
	}

	format, input := m.cfg.ScreenFormat, m.cfg.ScreenInput
	if mode == ModeCamera {
		format, input = m.cfg.CameraFormat, m.cfg.CameraInput
	}
	if input == "" {
		return nil, fmt.Errorf("no %s input device configured", mode)
	}

	video, err := m.startVideo(ctx, format, input)
	if err != nil {
		return nil, fmt.Errorf("start %s capture: %w", mode, err)
	}
	mic, err := m.startMic(ctx)
	if err != nil {
		video.stop()
		return nil, fmt.Errorf("start mic capture: %w", err)
	}

	m.media = &Media{Video: video, Mic: mic}
	return m.media, nil
}

// Release stops whatever is acquired. Idempotent; a no-op when nothing is.
func (m *Manager) Release() {
	m.mu.Lock()
	media := m.media
	m.media = nil
	m.mu.Unlock()
	if media == nil {
		return
	}
	media.Video.stop()
	media.Mic.stop()
}

func (m *Manager) startVideo(ctx context.Context, format, input string) (*VideoSession, error) {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", format,
		"-framerate", strconv.Itoa(m.cfg.FrameRate),
		"-i", input,
		"-vf", fmt.Sprintf("scale=%d:%d", m.cfg.VideoWidth, m.cfg.VideoHeight),
		"-pix_fmt", "rgba",
		"-f", "rawvideo",
		"-",
	}
	proc, err := spawn(ctx, m.cfg.FFmpegPath, args)
	if err != nil {
		return nil, err
	}
	v := &VideoSession{
		proc:   proc,
		width:  m.cfg.VideoWidth,
		height: m.cfg.VideoHeight,
	}
	go v.readLoop()
	return v, nil
}

func (m *Manager) startMic(ctx context.Context) (*MicSession, error) {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", m.cfg.MicFormat,
		"-i", m.cfg.MicInput,
		"-ac", "1",
		"-ar", strconv.Itoa(m.cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
	proc, err := spawn(ctx, m.cfg.FFmpegPath, args)
	if err != nil {
		return nil, err
	}
	return &MicSession{proc: proc}, nil
}

// VideoSession holds the raw video pipe and the most recent complete frame.
type VideoSession struct {
	proc   *process
	width  int
	height int

	mu     sync.Mutex
	latest []byte // RGBA, width*height*4 bytes, nil until the first frame
}

// LatestFrame returns a copy of the most recently decoded frame, or false
// when no frame has arrived yet.
func (v *VideoSession) LatestFrame() (*image.RGBA, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.latest == nil {
		return nil, false
	}
	img := image.NewRGBA(image.Rect(0, 0, v.width, v.height))
	copy(img.Pix, v.latest)
	return img, true
}

func (v *VideoSession) readLoop() {
	frameLen := v.width * v.height * 4
	buf := make([]byte, frameLen)
	for {
		if _, err := io.ReadFull(v.proc.stdout, buf); err != nil {
			return
		}
		v.mu.Lock()
		if v.latest == nil {
			v.latest = make([]byte, frameLen)
		}
		copy(v.latest, buf)
		v.mu.Unlock()
	}
}

func (v *VideoSession) stop() { v.proc.stop() }

// MicSession exposes the s16le PCM pipe as a plain reader.
type MicSession struct {
	proc *process
}

func (m *MicSession) Read(p []byte) (int, error) { return m.proc.stdout.Read(p) }

func (m *MicSession) stop() { m.proc.stop() }

// process wraps one ffmpeg subprocess with early-exit detection and a
// bounded interrupt-then-kill shutdown.
type process struct {
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	handle  *os.Process
	waitErr <-chan error

	stopOnce sync.Once
}

func spawn(ctx context.Context, command string, args []string) (*process, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// An immediately-failing grab (bad device, no display) exits within
	// this window; catch it here instead of at the first read.
	select {
	case err := <-waitErr:
		detail := string(bytes.TrimSpace(stderr.Bytes()))
		if err != nil {
			return nil, fmt.Errorf("exited before capture started: %w: %s", err, detail)
		}
		return nil, fmt.Errorf("exited before capture started: %s", detail)
	case <-time.After(250 * time.Millisecond):
	}

	return &process{
		stdout:  stdout,
		stderr:  &stderr,
		handle:  cmd.Process,
		waitErr: waitErr,
	}, nil
}

func (p *process) stop() {
	p.stopOnce.Do(func() {
		if p.handle != nil {
			_ = p.handle.Signal(os.Interrupt)
		}
		select {
		case <-p.waitErr:
		case <-time.After(1200 * time.Millisecond):
			if p.handle != nil {
				_ = p.handle.Kill()
			}
			<-p.waitErr
		}
		_ = p.stdout.Close()
	})
}
