package audio

import "sync"

// DumpBuffer accumulates captured PCM for a debug WAV dump, bounded so a
// long session cannot grow memory without limit. Once full it drops the
// oldest audio in whole-write units.
type DumpBuffer struct {
	mu       sync.Mutex
	maxBytes int
	chunks   [][]byte
	total    int
}

func NewDumpBuffer(maxBytes int) *DumpBuffer {
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	return &DumpBuffer{maxBytes: maxBytes}
}

func (b *DumpBuffer) Write(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	copied := append([]byte(nil), pcm...)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, copied)
	b.total += len(copied)
	for b.total > b.maxBytes && len(b.chunks) > 1 {
		b.total -= len(b.chunks[0])
		b.chunks = b.chunks[1:]
	}
}

// Bytes returns the buffered PCM as one contiguous slice.
func (b *DumpBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, 0, b.total)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

func (b *DumpBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
