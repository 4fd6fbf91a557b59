package audio

import (
	"sync"
	"time"
)

// FrameDuration is the packetization interval used on RTP telephony legs
const FrameDuration = 20 * time.Millisecond

// ChunkBuffer buffers μ-law bytes into fixed-size frames
type ChunkBuffer struct {
	chunkSize int // bytes per chunk (one byte per sample)
	buffer    []byte
	mu        sync.Mutex
}

// NewChunkBuffer creates a chunk buffer producing frames of chunkDuration
func NewChunkBuffer(chunkDuration time.Duration) *ChunkBuffer {
	// 20ms at 8kHz μ-law → 160 bytes
	chunkSize := int(chunkDuration * SampleRate / time.Second)
	if chunkSize <= 0 {
		chunkSize = 1
	}

	return &ChunkBuffer{
		chunkSize: chunkSize,
		buffer:    make([]byte, 0, chunkSize),
	}
}

// Add appends bytes and returns every complete chunk
func (cb *ChunkBuffer) Add(data []byte) [][]byte {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.buffer = append(cb.buffer, data...)

	var chunks [][]byte
	for len(cb.buffer) >= cb.chunkSize {
		chunk := make([]byte, cb.chunkSize)
		copy(chunk, cb.buffer[:cb.chunkSize])
		chunks = append(chunks, chunk)
		cb.buffer = cb.buffer[cb.chunkSize:]
	}

	return chunks
}

// Flush returns remaining bytes as a partial chunk
func (cb *ChunkBuffer) Flush() []byte {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if len(cb.buffer) == 0 {
		return []byte{}
	}

	chunk := make([]byte, len(cb.buffer))
	copy(chunk, cb.buffer)
	cb.buffer = cb.buffer[:0]

	return chunk
}

// Reset clears the buffer
func (cb *ChunkBuffer) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.buffer = cb.buffer[:0]
}

// ChunkSize returns the frame size in bytes
func (cb *ChunkBuffer) ChunkSize() int {
	return cb.chunkSize
}
