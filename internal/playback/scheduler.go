package playback

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"screenmentor/internal/audio"
)

// Scheduler lines agent audio chunks up on a monotonic transport clock so
// chunks arriving independently over the network play back as one continuous
// utterance: each segment starts exactly when the previous one ends, with no
// gap and no overlap. Purge cuts everything and resets the clock, which is
// how barge-in sounds instant.
type Scheduler struct {
	mu         sync.Mutex
	sink       Sink
	sampleRate int

	epoch     time.Time
	now       func() time.Time
	nextStart time.Duration
	active    map[string]*segment
	closed    bool

	onSpeaking func(bool)
	onError    func(error)
}

type segment struct {
	id       string
	start    time.Duration
	duration time.Duration

	startTimer *time.Timer
	doneTimer  *time.Timer
	stopped    bool
}

func NewScheduler(sink Sink, sampleRate int) *Scheduler {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &Scheduler{
		sink:       sink,
		sampleRate: sampleRate,
		epoch:      time.Now(),
		now:        time.Now,
		active:     make(map[string]*segment),
	}
}

// SetSpeakingHook registers a callback fired with true when playback starts
// from idle and false when the active set drains (or on purge). Called
// outside the scheduler's lock.
func (s *Scheduler) SetSpeakingHook(fn func(bool)) {
	s.mu.Lock()
	s.onSpeaking = fn
	s.mu.Unlock()
}

// SetErrorHook registers a callback for per-segment sink failures. Those are
// swallowed rather than escalated; the hook exists for accounting.
func (s *Scheduler) SetErrorHook(fn func(error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// Enqueue schedules a PCM16 buffer to begin exactly when the previously
// enqueued audio ends, or immediately when the clock has caught up.
func (s *Scheduler) Enqueue(pcm []byte) {
	dur := audio.DurationPCM16(len(pcm), s.sampleRate)
	if dur <= 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	now := s.now().Sub(s.epoch)
	if s.nextStart < now {
		s.nextStart = now
	}
	seg := &segment{id: uuid.NewString(), start: s.nextStart, duration: dur}
	s.nextStart += dur
	s.active[seg.id] = seg
	wasIdle := len(s.active) == 1
	seg.startTimer = time.AfterFunc(seg.start-now, func() { s.begin(seg, pcm) })
	hook := s.onSpeaking
	s.mu.Unlock()

	if wasIdle && hook != nil {
		hook(true)
	}
}

func (s *Scheduler) begin(seg *segment, pcm []byte) {
	s.mu.Lock()
	if s.closed || seg.stopped {
		s.mu.Unlock()
		return
	}
	seg.doneTimer = time.AfterFunc(seg.duration, func() { s.complete(seg) })
	errHook := s.onError
	s.mu.Unlock()

	if err := s.sink.Play(pcm); err != nil && errHook != nil {
		errHook(err)
	}
}

func (s *Scheduler) complete(seg *segment) {
	s.mu.Lock()
	if s.closed || seg.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.active, seg.id)
	idle := len(s.active) == 0
	hook := s.onSpeaking
	s.mu.Unlock()

	if idle && hook != nil {
		hook(false)
	}
}

// Purge stops every active segment best-effort, clears the set, resets the
// scheduling clock to zero, and signals "finished speaking" immediately.
func (s *Scheduler) Purge() {
	s.mu.Lock()
	for _, seg := range s.active {
		seg.stopped = true
		if seg.startTimer != nil {
			seg.startTimer.Stop()
		}
		if seg.doneTimer != nil {
			seg.doneTimer.Stop()
		}
	}
	s.active = make(map[string]*segment)
	s.nextStart = 0
	hook := s.onSpeaking
	s.mu.Unlock()

	_ = s.sink.Stop()
	if hook != nil {
		hook(false)
	}
}

// Close permanently stops the scheduler. The sink stays owned by the caller.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, seg := range s.active {
		seg.stopped = true
		if seg.startTimer != nil {
			seg.startTimer.Stop()
		}
		if seg.doneTimer != nil {
			seg.doneTimer.Stop()
		}
	}
	s.active = make(map[string]*segment)
	s.nextStart = 0
	s.mu.Unlock()
}

// NextStart exposes the scheduling clock offset of the next segment.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
