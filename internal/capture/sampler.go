package capture

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/jpeg"
	"sync"
	"time"
)

// FrameSource yields the most recent decoded frame, if any.
type FrameSource interface {
	LatestFrame() (*image.RGBA, bool)
}

// FrameSender receives one base64 JPEG frame, fire-and-forget.
type FrameSender interface {
	SendFrame(jpegBase64 string)
}

type SamplerConfig struct {
	Interval    time.Duration
	TargetWidth int
	JPEGQuality int
}

func (c *SamplerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.TargetWidth <= 0 {
		c.TargetWidth = 640
	}
	if c.JPEGQuality <= 0 {
		c.JPEGQuality = 70
	}
}

// FrameSampler ticks at a fixed cadence, downsamples the latest frame, and
// hands it to the sender. Ticks before the first frame arrives are skipped
// silently. The alive check guards each tick so a frame from a torn-down
// session is never sent.
type FrameSampler struct {
	cfg    SamplerConfig
	source FrameSource
	sender FrameSender
	alive  func() bool

	onSample func() // optional, fired after each sent frame

	mu   sync.Mutex
	stop chan struct{}
}

func NewFrameSampler(cfg SamplerConfig, source FrameSource, sender FrameSender, alive func() bool) *FrameSampler {
	cfg.applyDefaults()
	if alive == nil {
		alive = func() bool { return true }
	}
	return &FrameSampler{cfg: cfg, source: source, sender: sender, alive: alive}
}

func (s *FrameSampler) SetSampleHook(fn func()) { s.onSample = fn }

func (s *FrameSampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	go s.run(s.stop)
}

func (s *FrameSampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return
	}
	close(s.stop)
	s.stop = nil
}

func (s *FrameSampler) run(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *FrameSampler) sampleOnce() {
	if !s.alive() {
		return
	}
	frame, ok := s.source.LatestFrame()
	if !ok {
		return
	}
	encoded, err := encodeFrame(frame, s.cfg.TargetWidth, s.cfg.JPEGQuality)
	if err != nil {
		return
	}
	if !s.alive() {
		return
	}
	s.sender.SendFrame(encoded)
	if s.onSample != nil {
		s.onSample()
	}
}

// encodeFrame downsamples to targetWidth preserving aspect ratio, JPEG
// encodes, and base64s. Frames already at or below the target width pass
// through unscaled.
func encodeFrame(frame *image.RGBA, targetWidth, quality int) (string, error) {
	img := downsample(frame, targetWidth)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func downsample(src *image.RGBA, targetWidth int) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= targetWidth || w == 0 || h == 0 {
		return src
	}
	targetHeight := (h*targetWidth + w/2) / w
	if targetHeight < 1 {
		targetHeight = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, targetWidth, targetHeight))
	for y := 0; y < targetHeight; y++ {
		srcY := y * h / targetHeight
		for x := 0; x < targetWidth; x++ {
			srcX := x * w / targetWidth
			si := src.PixOffset(b.Min.X+srcX, b.Min.Y+srcY)
			di := dst.PixOffset(x, y)
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}
