package notify

import (
	"path/filepath"
	"testing"
	"time"

	"modsync/storage"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "modsync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewTracker(store)
}

func pendingCount(t *testing.T, tr *Tracker) int {
	t.Helper()
	pending, err := tr.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	return len(pending)
}

func TestObserveRaisesOnVersionMismatch(t *testing.T) {
	tr := newTestTracker(t)
	tr.SetLocalVersion("skyfactory", "1.0.0")

	if err := tr.ObserveVersion("peer-1", "skyfactory", "1.1.0"); err != nil {
		t.Fatalf("ObserveVersion failed: %v", err)
	}

	pending, err := tr.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one notification, got %d", len(pending))
	}
	got := pending[0]
	if got.PeerID != "peer-1" || got.ModpackName != "skyfactory" || got.Version != "1.1.0" {
		t.Fatalf("unexpected notification: %+v", got)
	}

	select {
	case ev := <-tr.Events():
		if ev.ID != got.ID {
			t.Fatalf("event/pending mismatch: %+v vs %+v", ev, got)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestObserveIgnoresMatchingAndUntracked(t *testing.T) {
	tr := newTestTracker(t)
	tr.SetLocalVersion("skyfactory", "1.0.0")

	if err := tr.ObserveVersion("peer-1", "skyfactory", "1.0.0"); err != nil {
		t.Fatalf("ObserveVersion failed: %v", err)
	}
	if err := tr.ObserveVersion("peer-1", "unknown-pack", "9.9.9"); err != nil {
		t.Fatalf("ObserveVersion failed: %v", err)
	}
	if n := pendingCount(t, tr); n != 0 {
		t.Fatalf("expected no notifications, got %d", n)
	}
}

func TestObserveDedupesUntilDismissed(t *testing.T) {
	tr := newTestTracker(t)
	tr.SetLocalVersion("skyfactory", "1.0.0")

	for i := 0; i < 3; i++ {
		if err := tr.ObserveVersion("peer-1", "skyfactory", "1.1.0"); err != nil {
			t.Fatalf("observation %d failed: %v", i, err)
		}
	}
	pending, err := tr.Pending()
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("repeated observations must collapse to one notification, got %d", len(pending))
	}

	// A different peer advertising the same version is a separate notice.
	if err := tr.ObserveVersion("peer-2", "skyfactory", "1.1.0"); err != nil {
		t.Fatalf("ObserveVersion failed: %v", err)
	}
	if n := pendingCount(t, tr); n != 2 {
		t.Fatalf("expected two notifications, got %d", n)
	}

	// After dismissal the same triple may notify again.
	if err := tr.Dismiss(pending[0].ID); err != nil {
		t.Fatalf("Dismiss failed: %v", err)
	}
	if err := tr.ObserveVersion("peer-1", "skyfactory", "1.1.0"); err != nil {
		t.Fatalf("re-observation after dismissal failed: %v", err)
	}
	if n := pendingCount(t, tr); n != 2 {
		t.Fatalf("expected two pending after re-notify, got %d", n)
	}
}

func TestLocalUpgradeStopsNotifying(t *testing.T) {
	tr := newTestTracker(t)
	tr.SetLocalVersion("skyfactory", "1.0.0")
	tr.SetLocalVersion("skyfactory", "1.1.0")

	if err := tr.ObserveVersion("peer-1", "skyfactory", "1.1.0"); err != nil {
		t.Fatalf("ObserveVersion failed: %v", err)
	}
	if n := pendingCount(t, tr); n != 0 {
		t.Fatalf("expected no notifications after catching up, got %d", n)
	}

	tr.ForgetModpack("skyfactory")
	if err := tr.ObserveVersion("peer-1", "skyfactory", "2.0.0"); err != nil {
		t.Fatalf("ObserveVersion failed: %v", err)
	}
	if n := pendingCount(t, tr); n != 0 {
		t.Fatalf("forgotten modpack still notifies, got %d", n)
	}
}
