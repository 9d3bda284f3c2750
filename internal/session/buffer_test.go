package session

import (
	"testing"

	"streamhub/internal/models"
)

func TestFrameBufferEvictsOldest(t *testing.T) {
	buffer := newFrameBuffer(3)

	if snapshot := buffer.snapshot(); snapshot != nil {
		t.Fatalf("empty buffer should snapshot nil, got %v", snapshot)
	}

	for i := 0; i < 7; i++ {
		buffer.append(models.Frame{Sequence: uint64(i)})
	}
	if buffer.len() != 3 {
		t.Fatalf("expected len 3, got %d", buffer.len())
	}

	snapshot := buffer.snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(snapshot))
	}
	for i, frame := range snapshot {
		if want := uint64(i + 4); frame.Sequence != want {
			t.Fatalf("frame %d has sequence %d, want %d", i, frame.Sequence, want)
		}
	}
}

func TestFrameBufferPartialFill(t *testing.T) {
	buffer := newFrameBuffer(5)

	buffer.append(models.Frame{Sequence: 0})
	buffer.append(models.Frame{Sequence: 1})

	snapshot := buffer.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(snapshot))
	}
	if snapshot[0].Sequence != 0 || snapshot[1].Sequence != 1 {
		t.Fatalf("unexpected order %v", snapshot)
	}
}

func TestFrameBufferDefaultsCapacity(t *testing.T) {
	buffer := newFrameBuffer(0)

	for i := 0; i < DefaultBufferCapacity+10; i++ {
		buffer.append(models.Frame{Sequence: uint64(i)})
	}
	if buffer.len() != DefaultBufferCapacity {
		t.Fatalf("expected capacity %d, got %d", DefaultBufferCapacity, buffer.len())
	}
	snapshot := buffer.snapshot()
	if snapshot[0].Sequence != 10 {
		t.Fatalf("oldest retained frame should be 10, got %d", snapshot[0].Sequence)
	}
}
