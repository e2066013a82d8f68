package recovery

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T, grace time.Duration) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), grace)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCallSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t, 30*time.Second)

	in := CallSnapshot{
		CallID:          "c-1",
		PartnerID:       "u-2",
		PartnerNickname: "Sam",
		ChannelName:     "ch-1",
		RTCToken:        "tok",
		AgoraUID:        "41",
		Muted:           true,
	}
	if err := s.SaveCall(in); err != nil {
		t.Fatalf("SaveCall: %v", err)
	}

	out, err := s.RestoreCall()
	if err != nil {
		t.Fatalf("RestoreCall: %v", err)
	}
	if out == nil {
		t.Fatal("RestoreCall returned nil for fresh snapshot")
	}
	if out.CallID != in.CallID || out.PartnerID != in.PartnerID || out.ChannelName != in.ChannelName || !out.Muted {
		t.Fatalf("restored %+v", out)
	}
	if out.SavedAt == 0 {
		t.Fatal("SavedAt not stamped")
	}
}

func TestRestoreEmptyStore(t *testing.T) {
	s := openTestStore(t, 30*time.Second)

	if snap, err := s.RestoreCall(); err != nil || snap != nil {
		t.Fatalf("RestoreCall = (%v, %v), want (nil, nil)", snap, err)
	}
	if snap, err := s.RestoreMatching(); err != nil || snap != nil {
		t.Fatalf("RestoreMatching = (%v, %v), want (nil, nil)", snap, err)
	}
}

func TestSnapshotExpiresAtGraceWindow(t *testing.T) {
	s := openTestStore(t, 30*time.Second)

	base := time.Now()
	s.now = func() time.Time { return base }
	if err := s.SaveCall(CallSnapshot{CallID: "c-1", PartnerID: "u-2"}); err != nil {
		t.Fatalf("SaveCall: %v", err)
	}

	// One tick short of the window: still restorable.
	s.now = func() time.Time { return base.Add(30*time.Second - time.Millisecond) }
	if snap, err := s.RestoreCall(); err != nil || snap == nil {
		t.Fatalf("RestoreCall inside window = (%v, %v)", snap, err)
	}

	// Exactly the window: expired, row deleted.
	s.now = func() time.Time { return base.Add(30 * time.Second) }
	if snap, err := s.RestoreCall(); err != nil || snap != nil {
		t.Fatalf("RestoreCall at window = (%v, %v), want (nil, nil)", snap, err)
	}

	// Deleted for good, even if the clock rolls back.
	s.now = func() time.Time { return base }
	if snap, _ := s.RestoreCall(); snap != nil {
		t.Fatal("expired snapshot came back")
	}
}

func TestSaveWithoutIdentityClearsSlot(t *testing.T) {
	s := openTestStore(t, 30*time.Second)

	if err := s.SaveCall(CallSnapshot{CallID: "c-1", PartnerID: "u-2"}); err != nil {
		t.Fatalf("SaveCall: %v", err)
	}
	if err := s.SaveCall(CallSnapshot{CallID: "", PartnerID: "u-2"}); err != nil {
		t.Fatalf("SaveCall without callId: %v", err)
	}
	if snap, _ := s.RestoreCall(); snap != nil {
		t.Fatalf("slot not cleared: %+v", snap)
	}

	if err := s.SaveMatching(MatchingSnapshot{MatchingID: "m-1"}); err != nil {
		t.Fatalf("SaveMatching: %v", err)
	}
	if err := s.SaveMatching(MatchingSnapshot{}); err != nil {
		t.Fatalf("SaveMatching without id: %v", err)
	}
	if snap, _ := s.RestoreMatching(); snap != nil {
		t.Fatalf("matching slot not cleared: %+v", snap)
	}
}

func TestSlotsAreIndependent(t *testing.T) {
	s := openTestStore(t, 30*time.Second)

	if err := s.SaveCall(CallSnapshot{CallID: "c-1", PartnerID: "u-2"}); err != nil {
		t.Fatalf("SaveCall: %v", err)
	}
	if err := s.SaveMatching(MatchingSnapshot{MatchingID: "m-1", CategoryID: 3}); err != nil {
		t.Fatalf("SaveMatching: %v", err)
	}

	if err := s.ClearCall(); err != nil {
		t.Fatalf("ClearCall: %v", err)
	}
	if snap, _ := s.RestoreMatching(); snap == nil || snap.MatchingID != "m-1" {
		t.Fatalf("matching slot lost with call clear: %+v", snap)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	s := openTestStore(t, 30*time.Second)
	for i := 0; i < 3; i++ {
		if err := s.ClearCall(); err != nil {
			t.Fatalf("ClearCall #%d: %v", i+1, err)
		}
		if err := s.ClearMatching(); err != nil {
			t.Fatalf("ClearMatching #%d: %v", i+1, err)
		}
	}
}

func TestSaveOverwritesPreviousSnapshot(t *testing.T) {
	s := openTestStore(t, 30*time.Second)

	if err := s.SaveCall(CallSnapshot{CallID: "c-1", PartnerID: "u-2"}); err != nil {
		t.Fatalf("SaveCall: %v", err)
	}
	if err := s.SaveCall(CallSnapshot{CallID: "c-2", PartnerID: "u-3"}); err != nil {
		t.Fatalf("SaveCall overwrite: %v", err)
	}

	snap, err := s.RestoreCall()
	if err != nil || snap == nil {
		t.Fatalf("RestoreCall = (%v, %v)", snap, err)
	}
	if snap.CallID != "c-2" {
		t.Fatalf("callId = %q, want latest write", snap.CallID)
	}
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 30*time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveCall(CallSnapshot{CallID: "c-1", PartnerID: "u-2"}); err != nil {
		t.Fatalf("SaveCall: %v", err)
	}
	s.Close()

	s2, err := Open(dir, 30*time.Second)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	snap, err := s2.RestoreCall()
	if err != nil || snap == nil {
		t.Fatalf("RestoreCall after reopen = (%v, %v)", snap, err)
	}
	if snap.CallID != "c-1" {
		t.Fatalf("callId = %q", snap.CallID)
	}
}
