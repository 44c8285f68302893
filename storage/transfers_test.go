package storage

import (
	"testing"
	"time"
)

func TestTransferHistory(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().Unix()
	records := []TransferRecord{
		{ID: "t-1", PeerID: "peer-1", ModpackName: "skyfactory", Priority: "normal", State: "completed", CreatedAt: now - 30, FinishedAt: now - 20, Attempts: 1},
		{ID: "t-2", PeerID: "peer-2", ModpackName: "skyfactory", Priority: "high", State: "failed", CreatedAt: now - 10, FinishedAt: now - 5, Attempts: 2, Error: "peer unreachable"},
	}
	for _, rec := range records {
		if err := store.RecordTransfer(rec); err != nil {
			t.Fatalf("RecordTransfer %q failed: %v", rec.ID, err)
		}
	}

	list, err := store.ListTransferHistory(10)
	if err != nil {
		t.Fatalf("ListTransferHistory failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}
	if list[0].ID != "t-2" {
		t.Fatalf("expected newest first, got %q", list[0].ID)
	}
	if list[0].Error != "peer unreachable" {
		t.Fatalf("error column mangled: %q", list[0].Error)
	}

	pruned, err := store.PruneTransferHistory(now - 10)
	if err != nil {
		t.Fatalf("PruneTransferHistory failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned record, got %d", pruned)
	}
}

func TestRecordTransferRejectsInvalidState(t *testing.T) {
	store := newTestStore(t)
	err := store.RecordTransfer(TransferRecord{ID: "t-x", PeerID: "p", ModpackName: "m", Priority: "normal", State: "queued"})
	if err == nil {
		t.Fatal("expected check constraint violation for non-terminal state")
	}
}
