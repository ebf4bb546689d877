package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"screenmentor/internal/agent"
	"screenmentor/internal/audio"
	"screenmentor/internal/capture"
	"screenmentor/internal/msglog"
	"screenmentor/internal/playback"
	"screenmentor/internal/reliability"
	"screenmentor/internal/transcribe"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateError        State = "error"
)

var ErrAlreadyRunning = errors.New("a session is already running")

// Media is one acquired video + microphone pair.
type Media interface {
	Frames() capture.FrameSource
	Mic() io.Reader
}

// MediaProvider acquires and releases the media backing one session.
type MediaProvider interface {
	Acquire(ctx context.Context, mode capture.Mode) (Media, error)
	Release()
}

// AgentConn is the duplex agent session as the lifecycle consumes it.
type AgentConn interface {
	Connect(ctx context.Context) (<-chan agent.Event, error)
	SendAudio(pcm []byte)
	SendFrame(jpegBase64 string)
	OutputSampleRate() int
	Close() error
}

// TranscribeConn is the duplex speech-to-text session as the lifecycle
// consumes it.
type TranscribeConn interface {
	Connect(ctx context.Context) (<-chan transcribe.Event, error)
	SendAudio(pcm []byte)
	Close() error
}

// Deps carries everything a session needs. Controllers are single-use, so
// the lifecycle takes factories and builds fresh ones per start.
type Deps struct {
	Media          MediaProvider
	NewAgent       func() AgentConn
	NewTranscriber func() TranscribeConn
	NewSpeaker     func() playback.Sink

	AgentAPIKey         string
	TranscriptionAPIKey string

	Sampler   capture.SamplerConfig
	BlockSize int

	// Optional debug capture of outbound mic audio.
	AudioDump *audio.DumpBuffer

	// Optional instrumentation hooks, invoked on the pipeline paths.
	OnFrameSampled func()
	OnAudioBlock   func()
	OnAudioDelta   func()
	OnPurge        func()
	OnTranscript   func(committed bool)
}

// Snapshot is the externally visible session state.
type Snapshot struct {
	State     State        `json:"state"`
	SessionID string       `json:"session_id,omitempty"`
	Mode      capture.Mode `json:"mode,omitempty"`
	StartedAt time.Time    `json:"started_at,omitempty"`
	LastError string       `json:"last_error,omitempty"`
}

// Lifecycle is the top-level state machine. It owns every per-session
// resource and is the single place they are created and torn down, so a
// stop from any state leaks nothing. A generation counter invalidates every
// asynchronous continuation from a previous session before it can apply a
// side effect.
type Lifecycle struct {
	deps Deps
	log  *msglog.Log

	mu      sync.Mutex
	state   State
	gen     uint64
	current *resources
	lastErr string

	onState    func(State)
	onError    func(code reliability.FaultCode, message string)
	onSpeaking func(bool)
}

// resources is everything one started session holds.
type resources struct {
	id        string
	mode      capture.Mode
	startedAt time.Time

	media     Media
	agent     AgentConn
	stt       TranscribeConn
	speaker   playback.Sink
	scheduler *playback.Scheduler
	sampler   *capture.FrameSampler
}

func NewLifecycle(deps Deps, messages *msglog.Log) *Lifecycle {
	if messages == nil {
		messages = msglog.New()
	}
	if deps.BlockSize <= 0 {
		deps.BlockSize = capture.DefaultBlockSize
	}
	return &Lifecycle{deps: deps, log: messages, state: StateDisconnected}
}

func (l *Lifecycle) Messages() *msglog.Log { return l.log }

// SetStateHook registers a callback for state transitions, invoked outside
// the lifecycle lock.
func (l *Lifecycle) SetStateHook(fn func(State)) {
	l.mu.Lock()
	l.onState = fn
	l.mu.Unlock()
}

// SetErrorHook registers a callback for the one user-visible message a
// fatal fault produces.
func (l *Lifecycle) SetErrorHook(fn func(reliability.FaultCode, string)) {
	l.mu.Lock()
	l.onError = fn
	l.mu.Unlock()
}

// SetSpeakingHook registers the assistant-speaking indicator callback.
func (l *Lifecycle) SetSpeakingHook(fn func(bool)) {
	l.mu.Lock()
	l.onSpeaking = fn
	l.mu.Unlock()
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) Current() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := Snapshot{State: l.state, LastError: l.lastErr}
	if l.current != nil {
		snap.SessionID = l.current.id
		snap.Mode = l.current.mode
		snap.StartedAt = l.current.startedAt
	}
	return snap
}

// Start brings a session up: credentials, media, both duplex connections,
// then the pipelines. The session turns Active only when the agent reports
// its session open; transcription readiness does not gate activation. Any
// failure on the way up surfaces one user-visible message and releases
// everything already acquired.
func (l *Lifecycle) Start(ctx context.Context, mode capture.Mode) error {
	l.mu.Lock()
	if l.state == StateConnecting || l.state == StateActive {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	l.gen++
	myGen := l.gen
	res := &resources{id: uuid.NewString(), mode: mode, startedAt: time.Now().UTC()}
	l.current = res
	l.lastErr = ""
	emit := l.setStateLocked(StateConnecting)
	l.mu.Unlock()
	emit()

	l.log.Reset()

	if strings.TrimSpace(l.deps.AgentAPIKey) == "" || strings.TrimSpace(l.deps.TranscriptionAPIKey) == "" {
		return l.fail(myGen, reliability.FaultCredentialMissing, errors.New("agent or transcription API key missing"))
	}

	media, err := l.deps.Media.Acquire(ctx, mode)
	if err != nil {
		return l.fail(myGen, reliability.FaultCapture, err)
	}
	if !l.adopt(myGen, func(r *resources) { r.media = media }) {
		l.deps.Media.Release()
		return nil
	}

	agentConn := l.deps.NewAgent()
	agentEvents, err := agentConn.Connect(ctx)
	if err != nil {
		return l.fail(myGen, reliability.FaultAgentConnection, err)
	}
	if !l.adopt(myGen, func(r *resources) { r.agent = agentConn }) {
		_ = agentConn.Close()
		return nil
	}

	sttConn := l.deps.NewTranscriber()
	sttEvents, err := sttConn.Connect(ctx)
	if err != nil {
		return l.fail(myGen, reliability.FaultTranscriptionConnection, err)
	}
	if !l.adopt(myGen, func(r *resources) { r.stt = sttConn }) {
		_ = sttConn.Close()
		return nil
	}

	speaker := l.deps.NewSpeaker()
	scheduler := playback.NewScheduler(speaker, agentConn.OutputSampleRate())
	scheduler.SetSpeakingHook(func(speaking bool) {
		if !l.live(myGen) {
			return
		}
		if hook := l.speakingHook(); hook != nil {
			hook(speaking)
		}
	})
	scheduler.SetErrorHook(func(err error) {
		log.Printf("playback segment error (swallowed): %v", err)
	})

	sampler := capture.NewFrameSampler(l.deps.Sampler, media.Frames(), agentConn, func() bool {
		return l.live(myGen)
	})
	if l.deps.OnFrameSampled != nil {
		sampler.SetSampleHook(l.deps.OnFrameSampled)
	}

	if !l.adopt(myGen, func(r *resources) {
		r.speaker = speaker
		r.scheduler = scheduler
		r.sampler = sampler
	}) {
		scheduler.Close()
		_ = speaker.Close()
		return nil
	}

	sampler.Start()

	ingest := capture.NewAudioIngest(l.deps.BlockSize, agentConn, sttConn)
	if l.deps.AudioDump != nil {
		ingest.SetDump(l.deps.AudioDump)
	}
	if l.deps.OnAudioBlock != nil {
		ingest.SetBlockHook(l.deps.OnAudioBlock)
	}
	go func() {
		if err := ingest.Run(media.Mic()); err != nil && l.live(myGen) {
			log.Printf("mic ingest ended: %v", err)
		}
	}()

	go l.pumpAgent(myGen, agentEvents, scheduler)
	go l.pumpTranscripts(myGen, sttEvents)

	log.Printf("session %s connecting (mode=%s)", res.id, mode)
	return nil
}

// Stop tears the session down from any state, including mid-start.
// Idempotent; a second call is a no-op.
func (l *Lifecycle) Stop() {
	l.teardown(StateDisconnected)
}

func (l *Lifecycle) teardown(final State) {
	l.mu.Lock()
	l.gen++
	res := l.current
	l.current = nil
	if l.state == final && res == nil {
		l.mu.Unlock()
		return
	}
	emit := l.setStateLocked(final)
	l.mu.Unlock()
	emit()

	if res == nil {
		return
	}
	if res.sampler != nil {
		res.sampler.Stop()
	}
	if res.scheduler != nil {
		res.scheduler.Close()
	}
	if res.speaker != nil {
		_ = res.speaker.Close()
	}
	if res.agent != nil {
		_ = res.agent.Close()
	}
	if res.stt != nil {
		_ = res.stt.Close()
	}
	if res.media != nil {
		l.deps.Media.Release()
	}
	l.log.ClearInterim()
	log.Printf("session %s released", res.id)
}

// fail handles a fatal fault: one user-visible message, then full teardown.
// Stale faults from an already-torn-down generation are dropped.
func (l *Lifecycle) fail(gen uint64, code reliability.FaultCode, err error) error {
	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return nil
	}
	message := reliability.UserMessage(code)
	l.lastErr = message
	hook := l.onError
	l.mu.Unlock()

	log.Printf("session fault %s: %v", code, err)
	if hook != nil {
		hook(code, message)
	}
	l.teardown(StateError)
	return fmt.Errorf("%s: %w", code, err)
}

func (l *Lifecycle) pumpAgent(gen uint64, events <-chan agent.Event, scheduler *playback.Scheduler) {
	for evt := range events {
		if !l.live(gen) {
			return
		}
		switch evt.Type {
		case agent.EventOpened:
			l.mu.Lock()
			emit := func() {}
			if l.gen == gen && l.state == StateConnecting {
				emit = l.setStateLocked(StateActive)
			}
			l.mu.Unlock()
			emit()
		case agent.EventAudioDelta:
			scheduler.Enqueue(evt.PCM)
			if l.deps.OnAudioDelta != nil {
				l.deps.OnAudioDelta()
			}
		case agent.EventTextDelta:
			l.log.Append(msglog.RoleAssistant, evt.Text)
		case agent.EventInterrupted:
			// Barge-in: cut everything scheduled, immediately.
			scheduler.Purge()
			if l.deps.OnPurge != nil {
				l.deps.OnPurge()
			}
		case agent.EventClosed:
			if l.live(gen) {
				l.teardown(StateDisconnected)
			}
			return
		case agent.EventError:
			_ = l.fail(gen, reliability.FaultAgentConnection, fmt.Errorf("%s: %s", evt.Code, evt.Detail))
			return
		}
	}
}

func (l *Lifecycle) pumpTranscripts(gen uint64, events <-chan transcribe.Event) {
	for evt := range events {
		if !l.live(gen) {
			return
		}
		switch evt.Type {
		case transcribe.EventTranscript:
			l.log.SetInterim(evt.Text)
			committed := evt.IsFinal && evt.IsSpeechFinal
			if committed {
				l.log.CommitInterim()
			}
			if l.deps.OnTranscript != nil {
				l.deps.OnTranscript(committed)
			}
		case transcribe.EventError:
			_ = l.fail(gen, reliability.FaultTranscriptionConnection, fmt.Errorf("%s: %s", evt.Code, evt.Detail))
			return
		case transcribe.EventClosed:
			// A clean remote close of the transcription leg does not end
			// the session; the agent leg decides its fate.
			return
		}
	}
}

func (l *Lifecycle) live(gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen == gen
}

// adopt attaches a freshly created resource to the current session, unless
// the session was torn down while it was being created; the caller then
// releases it directly.
func (l *Lifecycle) adopt(gen uint64, attach func(*resources)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen != gen || l.current == nil {
		return false
	}
	attach(l.current)
	return true
}

func (l *Lifecycle) speakingHook() func(bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.onSpeaking
}

// setStateLocked transitions and returns the hook invocation for the caller
// to run once the lock is released, keeping transitions ordered.
func (l *Lifecycle) setStateLocked(s State) func() {
	l.state = s
	hook := l.onState
	if hook == nil {
		return func() {}
	}
	return func() { hook(s) }
}

// CaptureProvider adapts the ffmpeg capture manager to the MediaProvider
// the lifecycle consumes.
type CaptureProvider struct {
	Manager *capture.Manager
}

type capturedMedia struct {
	media *capture.Media
}

func (c *CaptureProvider) Acquire(ctx context.Context, mode capture.Mode) (Media, error) {
	media, err := c.Manager.Acquire(ctx, mode)
	if err != nil {
		return nil, err
	}
	return &capturedMedia{media: media}, nil
}

func (c *CaptureProvider) Release() { c.Manager.Release() }

func (m *capturedMedia) Frames() capture.FrameSource { return m.media.Video }

func (m *capturedMedia) Mic() io.Reader { return m.media.Mic }
