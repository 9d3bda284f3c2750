package session

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"streamhub/internal/models"
)

func TestCreateAssignsUniqueKey(t *testing.T) {
	registry := NewRegistry(0)

	first, err := registry.Create("pub-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.Status != models.SessionPending {
		t.Fatalf("new session should be pending, got %q", first.Status)
	}
	if len(first.Key) != keyBytes*2 {
		t.Fatalf("unexpected key length %d", len(first.Key))
	}

	second, err := registry.Create("pub-2")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.Key == first.Key {
		t.Fatal("join keys must be unique")
	}
}

func TestCreateRejectsBusyPublisher(t *testing.T) {
	registry := NewRegistry(0)

	created, err := registry.Create("pub-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := registry.Create("pub-1"); !errors.Is(err, ErrPublisherBusy) {
		t.Fatalf("expected ErrPublisherBusy, got %v", err)
	}

	if _, err := registry.Start(created.Key); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := registry.Create("pub-1"); !errors.Is(err, ErrPublisherBusy) {
		t.Fatalf("live session should still block, got %v", err)
	}

	if _, _, err := registry.End(created.Key); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := registry.Create("pub-1"); err != nil {
		t.Fatalf("ended session should unblock the publisher: %v", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	registry := NewRegistry(0)

	created, err := registry.Create("pub-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	live, err := registry.Start(created.Key)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if live.Status != models.SessionLive {
		t.Fatalf("expected live, got %q", live.Status)
	}
	if live.StartedAt == nil {
		t.Fatal("start time should be stamped")
	}

	if _, err := registry.Start(created.Key); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double start should fail, got %v", err)
	}

	ended, _, err := registry.End(created.Key)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != models.SessionEnded {
		t.Fatalf("expected ended, got %q", ended.Status)
	}
	if ended.EndedAt == nil {
		t.Fatal("end time should be stamped")
	}

	// Ended sessions are unreachable by key.
	if _, err := registry.Start(created.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after end, got %v", err)
	}
	if _, _, err := registry.End(created.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEndPendingSessionAllowed(t *testing.T) {
	registry := NewRegistry(0)

	created, err := registry.Create("pub-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ended, _, err := registry.End(created.Key)
	if err != nil {
		t.Fatalf("end pending: %v", err)
	}
	if ended.Status != models.SessionEnded {
		t.Fatalf("expected ended, got %q", ended.Status)
	}
}

func TestJoinTracksMembership(t *testing.T) {
	registry := NewRegistry(0)

	created, err := registry.Create("pub-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := registry.Start(created.Key); err != nil {
		t.Fatalf("start: %v", err)
	}

	joined, frames, err := registry.Join(created.Key, "conn-a", "viewer-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if joined.MemberCount != 1 {
		t.Fatalf("expected member count 1, got %d", joined.MemberCount)
	}
	if frames != nil {
		t.Fatalf("no frames were published, got %d", len(frames))
	}

	// Joining twice does not double count.
	again, _, err := registry.Join(created.Key, "conn-a", "viewer-1")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if again.MemberCount != 1 {
		t.Fatalf("rejoin should not change the count, got %d", again.MemberCount)
	}

	if _, _, err := registry.Join(created.Key, "conn-b", "viewer-2"); err != nil {
		t.Fatalf("second join: %v", err)
	}
	members := registry.Members(created.Key)
	if len(members) != 2 || members[0] != "conn-a" || members[1] != "conn-b" {
		t.Fatalf("unexpected members %v", members)
	}

	count, err := registry.Leave(created.Key, "conn-a")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 member after leave, got %d", count)
	}

	// Leaving twice is a no-op.
	count, err = registry.Leave(created.Key, "conn-a")
	if err != nil {
		t.Fatalf("second leave: %v", err)
	}
	if count != 1 {
		t.Fatalf("no-op leave should keep count at 1, got %d", count)
	}
}

func TestJoinRejectsOwnPublisher(t *testing.T) {
	registry := NewRegistry(0)

	created, err := registry.Create("pub-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := registry.Join(created.Key, "conn-a", "pub-1"); !errors.Is(err, ErrRoleConflict) {
		t.Fatalf("expected ErrRoleConflict, got %v", err)
	}
}

func TestJoinUnknownKey(t *testing.T) {
	registry := NewRegistry(0)

	if _, _, err := registry.Join("no-such-key", "conn-a", "viewer-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJoinMovesConnectionBetweenSessions(t *testing.T) {
	registry := NewRegistry(0)

	first, err := registry.Create("pub-1")
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := registry.Create("pub-2")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	if _, _, err := registry.Join(first.Key, "conn-a", "viewer-1"); err != nil {
		t.Fatalf("join first: %v", err)
	}
	if _, _, err := registry.Join(second.Key, "conn-a", "viewer-1"); err != nil {
		t.Fatalf("join second: %v", err)
	}

	if members := registry.Members(first.Key); len(members) != 0 {
		t.Fatalf("connection should have left the first session, members %v", members)
	}
	current, ok := registry.SessionOfConnection("conn-a")
	if !ok || current.ID != second.ID {
		t.Fatalf("expected conn-a in session %q", second.ID)
	}
}

func TestCatchUpBufferReplaysLastFrames(t *testing.T) {
	registry := NewRegistry(3)

	created, err := registry.Create("pub-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := registry.Start(created.Key); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 5; i++ {
		frame := models.Frame{SessionID: created.ID, Sequence: uint64(i), Payload: []byte{byte(i)}}
		if err := registry.AppendFrame(created.Key, frame); err != nil {
			t.Fatalf("append frame %d: %v", i, err)
		}
	}

	_, frames, err := registry.Join(created.Key, "conn-a", "viewer-1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 buffered frames, got %d", len(frames))
	}
	for i, frame := range frames {
		if want := uint64(i + 2); frame.Sequence != want {
			t.Fatalf("frame %d has sequence %d, want %d", i, frame.Sequence, want)
		}
	}
}

func TestNextFrameSequenceCountsPerSession(t *testing.T) {
	registry := NewRegistry(0)

	first, err := registry.Create("pub-1")
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := registry.Create("pub-2")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	for want := uint64(1); want <= 3; want++ {
		if got := registry.NextFrameSequence(first.Key); got != want {
			t.Fatalf("expected sequence %d, got %d", want, got)
		}
	}
	if got := registry.NextFrameSequence(second.Key); got != 1 {
		t.Fatalf("sessions must count independently, got %d", got)
	}
	if got := registry.NextFrameSequence("no-such-key"); got != 0 {
		t.Fatalf("unknown key should yield 0, got %d", got)
	}

	if _, _, err := registry.End(first.Key); err != nil {
		t.Fatalf("end: %v", err)
	}
	if got := registry.NextFrameSequence(first.Key); got != 0 {
		t.Fatalf("ended session should drop its counter, got %d", got)
	}
}

func TestEndClearsMembershipAndBuffer(t *testing.T) {
	registry := NewRegistry(0)

	created, err := registry.Create("pub-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := registry.Start(created.Key); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, conn := range []string{"conn-b", "conn-a"} {
		if _, _, err := registry.Join(created.Key, conn, "viewer-"+conn); err != nil {
			t.Fatalf("join %s: %v", conn, err)
		}
	}
	if err := registry.AppendFrame(created.Key, models.Frame{Sequence: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}

	ended, cleared, err := registry.End(created.Key)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.MemberCount != 0 {
		t.Fatalf("ended session should report zero members, got %d", ended.MemberCount)
	}
	if len(cleared) != 2 || cleared[0] != "conn-a" || cleared[1] != "conn-b" {
		t.Fatalf("unexpected cleared connections %v", cleared)
	}
	if frames := registry.BufferedFrames(created.Key); frames != nil {
		t.Fatalf("buffer should be gone, got %d frames", len(frames))
	}
	if _, ok := registry.SessionOfConnection("conn-a"); ok {
		t.Fatal("membership should be cleared")
	}
}

func TestMemberPeak(t *testing.T) {
	registry := NewRegistry(0)

	created, err := registry.Create("pub-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		conn := fmt.Sprintf("conn-%d", i)
		if _, _, err := registry.Join(created.Key, conn, "viewer"+conn); err != nil {
			t.Fatalf("join: %v", err)
		}
	}
	if _, err := registry.Leave(created.Key, "conn-0"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if peak := registry.MemberPeak(created.ID); peak != 3 {
		t.Fatalf("expected peak 3, got %d", peak)
	}
}

func TestListLiveOrdersByCreation(t *testing.T) {
	registry := NewRegistry(0)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	step := 0
	registry.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	var keys []string
	for i := 0; i < 3; i++ {
		created, err := registry.Create(fmt.Sprintf("pub-%d", i))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		keys = append(keys, created.Key)
	}
	// Start them in reverse order; listing still follows creation order.
	for i := len(keys) - 1; i >= 0; i-- {
		if _, err := registry.Start(keys[i]); err != nil {
			t.Fatalf("start: %v", err)
		}
	}

	live := registry.ListLive()
	if len(live) != 3 {
		t.Fatalf("expected 3 live sessions, got %d", len(live))
	}
	for i := 0; i < 3; i++ {
		if want := fmt.Sprintf("pub-%d", i); live[i].PublisherID != want {
			t.Fatalf("position %d is %q, want %q", i, live[i].PublisherID, want)
		}
	}
}

func TestSweepStaleDropsOldEndedSessions(t *testing.T) {
	registry := NewRegistry(0)
	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return current }

	old, err := registry.Create("pub-old")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := registry.End(old.Key); err != nil {
		t.Fatalf("end: %v", err)
	}

	current = current.Add(2 * time.Hour)
	fresh, err := registry.Create("pub-fresh")
	if err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	if _, _, err := registry.End(fresh.Key); err != nil {
		t.Fatalf("end fresh: %v", err)
	}

	if removed := registry.SweepStale(time.Hour); removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, ok := registry.ByPublisher("pub-old"); ok {
		t.Fatal("swept session should be forgotten")
	}
	if _, ok := registry.ByPublisher("pub-fresh"); !ok {
		t.Fatal("recent ended session should survive")
	}
	if removed := registry.SweepStale(0); removed != 0 {
		t.Fatalf("zero max age disables sweeping, got %d", removed)
	}
}
