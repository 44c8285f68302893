package discovery

import (
	"testing"
	"time"
)

func TestDirectoryUpsertAndEvents(t *testing.T) {
	dir := NewDirectory()

	peer := PeerInfo{ID: "peer-1", Nickname: "alice", Address: "192.168.1.20", Port: 42910}
	dir.Upsert(peer)

	select {
	case ev := <-dir.Events():
		if ev.Type != EventPeerUpserted || ev.Peer.ID != "peer-1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected peer_upserted event")
	}

	got, ok := dir.Get("peer-1")
	if !ok {
		t.Fatal("expected peer in directory")
	}
	if got.Status != PeerStatusOnline {
		t.Fatalf("expected default online status, got %q", got.Status)
	}

	// A pure re-sighting refreshes LastSeen without an event.
	refreshed := got
	refreshed.LastSeen = got.LastSeen.Add(time.Second)
	dir.Upsert(refreshed)

	select {
	case ev := <-dir.Events():
		t.Fatalf("unexpected event for plain refresh: %+v", ev)
	default:
	}

	// A metadata change emits again.
	changed := refreshed
	changed.Nickname = "alice2"
	dir.Upsert(changed)
	select {
	case ev := <-dir.Events():
		if ev.Type != EventPeerUpserted || ev.Peer.Nickname != "alice2" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected peer_upserted event for metadata change")
	}
}

func TestDirectoryLastSeenMonotonic(t *testing.T) {
	dir := NewDirectory()

	now := time.Now()
	dir.Upsert(PeerInfo{ID: "peer-1", LastSeen: now})
	dir.Upsert(PeerInfo{ID: "peer-1", LastSeen: now.Add(-time.Minute)})

	got, _ := dir.Get("peer-1")
	if got.LastSeen.Before(now) {
		t.Fatalf("last_seen moved backwards: %v < %v", got.LastSeen, now)
	}
}

func TestDirectorySweepStale(t *testing.T) {
	dir := NewDirectory()

	dir.Upsert(PeerInfo{ID: "fresh", LastSeen: time.Now()})
	dir.Upsert(PeerInfo{ID: "stale", LastSeen: time.Now().Add(-time.Minute)})
	drainEvents(dir)

	evicted := dir.SweepStale(30 * time.Second)
	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Fatalf("expected only stale peer evicted, got %v", evicted)
	}
	if _, ok := dir.Get("stale"); ok {
		t.Fatal("stale peer still present")
	}
	if _, ok := dir.Get("fresh"); !ok {
		t.Fatal("fresh peer evicted")
	}

	select {
	case ev := <-dir.Events():
		if ev.Type != EventPeerRemoved || ev.Peer.ID != "stale" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected peer_removed event")
	}
}

func TestDirectorySnapshotOrder(t *testing.T) {
	dir := NewDirectory()
	dir.Upsert(PeerInfo{ID: "b", Nickname: "zoe"})
	dir.Upsert(PeerInfo{ID: "a", Nickname: "amy"})
	dir.Upsert(PeerInfo{ID: "c", Nickname: "amy"})

	snap := dir.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(snap))
	}
	if snap[0].ID != "a" || snap[1].ID != "c" || snap[2].ID != "b" {
		t.Fatalf("unexpected order: %v, %v, %v", snap[0].ID, snap[1].ID, snap[2].ID)
	}
}

func drainEvents(dir *Directory) {
	for {
		select {
		case <-dir.Events():
		default:
			return
		}
	}
}
