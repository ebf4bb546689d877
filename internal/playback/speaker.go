package playback

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// Sink receives scheduled PCM16 audio. Play is expected to return quickly;
// the underlying device does the realtime pacing.
type Sink interface {
	Play(pcm []byte) error
	Stop() error
	Close() error
}

// FFPlaySpeaker plays PCM16LE mono audio through an ffplay subprocess fed
// over stdin. Stop restarts the process, which is the only reliable way to
// drop audio ffplay has already buffered.
type FFPlaySpeaker struct {
	path       string
	sampleRate int

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func NewFFPlaySpeaker(path string, sampleRate int) *FFPlaySpeaker {
	if path == "" {
		path = "ffplay"
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &FFPlaySpeaker{path: path, sampleRate: sampleRate}
}

func (s *FFPlaySpeaker) Play(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.startLocked(); err != nil {
		return err
	}
	_, err := s.stdin.Write(pcm)
	return err
}

func (s *FFPlaySpeaker) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return s.startLocked()
}

func (s *FFPlaySpeaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *FFPlaySpeaker) startLocked() error {
	if s.cmd != nil && s.cmd.Process != nil {
		return nil
	}
	// ffplay does not accept ffmpeg-style `-ac`; use `-ch_layout mono`.
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", strconv.Itoa(s.sampleRate),
		"-i", "-",
	}
	cmd := exec.Command(s.path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffplay stdin pipe: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start ffplay: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	go func(c *exec.Cmd) {
		_ = c.Wait()
		s.mu.Lock()
		if s.cmd == c {
			s.cmd = nil
			s.stdin = nil
		}
		s.mu.Unlock()
	}(cmd)
	return nil
}

func (s *FFPlaySpeaker) closeLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = nil
	s.stdin = nil
}

// NullSpeaker discards audio. Used in tests and when no audio device is
// wanted.
type NullSpeaker struct{}

func (NullSpeaker) Play([]byte) error { return nil }
func (NullSpeaker) Stop() error       { return nil }
func (NullSpeaker) Close() error      { return nil }
