package session

import "streamhub/internal/models"

// DefaultBufferCapacity matches the catch-up window replayed to late joiners.
const DefaultBufferCapacity = 30

// frameBuffer is a fixed-capacity ring of the most recent frames. Once full,
// each append evicts the oldest frame.
type frameBuffer struct {
	frames []models.Frame
	head   int
	size   int
}

func newFrameBuffer(capacity int) *frameBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &frameBuffer{frames: make([]models.Frame, capacity)}
}

func (b *frameBuffer) append(frame models.Frame) {
	tail := (b.head + b.size) % len(b.frames)
	b.frames[tail] = frame
	if b.size < len(b.frames) {
		b.size++
		return
	}
	b.head = (b.head + 1) % len(b.frames)
}

// snapshot returns the buffered frames oldest first.
func (b *frameBuffer) snapshot() []models.Frame {
	if b.size == 0 {
		return nil
	}
	out := make([]models.Frame, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.frames[(b.head+i)%len(b.frames)]
	}
	return out
}

func (b *frameBuffer) len() int {
	return b.size
}
