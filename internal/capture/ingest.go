package capture

import (
	"errors"
	"io"
	"os"

	"screenmentor/internal/audio"
)

// DefaultBlockSize is 100 ms of 16 kHz mono PCM16.
const DefaultBlockSize = 3200

// AudioSender receives one PCM block, fire-and-forget. Controllers drop
// blocks arriving outside their Open state, so fan-out never needs to ask.
type AudioSender interface {
	SendAudio(pcm []byte)
}

// AudioIngest reads fixed-size mic blocks and fans each one out to every
// sink as it arrives. No batching and no backpressure: a block is read,
// handed off, and forgotten.
type AudioIngest struct {
	blockSize int
	sinks     []AudioSender
	dump      *audio.DumpBuffer // optional debug capture of outbound audio

	onBlock func() // optional, fired per fanned-out block
}

func NewAudioIngest(blockSize int, sinks ...AudioSender) *AudioIngest {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &AudioIngest{blockSize: blockSize, sinks: sinks}
}

func (a *AudioIngest) SetDump(d *audio.DumpBuffer) { a.dump = d }

func (a *AudioIngest) SetBlockHook(fn func()) { a.onBlock = fn }

// Run consumes the mic reader until it ends. A clean pipe close (the mic
// process was stopped) returns nil; anything else is the read error.
func (a *AudioIngest) Run(r io.Reader) error {
	block := make([]byte, a.blockSize)
	for {
		if _, err := io.ReadFull(r, block); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
		out := make([]byte, a.blockSize)
		copy(out, block)
		for _, sink := range a.sinks {
			sink.SendAudio(out)
		}
		if a.dump != nil {
			a.dump.Write(out)
		}
		if a.onBlock != nil {
			a.onBlock()
		}
	}
}
