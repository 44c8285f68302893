// Package discovery implements UDP-broadcast peer discovery, short-code
// direct pairing and the in-memory peer directory, with an optional mDNS
// bootstrap for segments that filter broadcast traffic.
package discovery

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	// PeerStatusOnline marks a peer seen within the stale timeout.
	PeerStatusOnline = "online"

	// EventPeerUpserted is emitted when a peer appears or metadata changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer disappears.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies peer directory updates.
type EventType string

// Event carries directory updates for UI/network consumers.
type Event struct {
	Type EventType
	Peer PeerInfo
}

// PeerInfo describes one known peer. The address is always the observed UDP
// source of the last sighting, never a self-reported value.
type PeerInfo struct {
	ID            string
	Nickname      string
	Address       string
	Port          int // advertised TCP transfer port
	AppVersion    string
	LastSeen      time.Time
	Status        string
	Modpacks      map[string]string
	CurrentServer string
}

// Addr returns the peer's TCP transfer address as "host:port".
func (p PeerInfo) Addr() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

// Directory is the in-memory map of known peers keyed by peer ID. It is the
// only state shared between the discovery loops and the invite layer, so all
// critical sections are short and I/O free.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]PeerInfo

	events chan Event
}

// NewDirectory creates an empty peer directory.
func NewDirectory() *Directory {
	return &Directory{
		peers:  make(map[string]PeerInfo),
		events: make(chan Event, 128),
	}
}

// Events provides asynchronous directory updates. Events are dropped rather
// than blocking discovery when the consumer falls behind.
func (d *Directory) Events() <-chan Event {
	return d.events
}

// Upsert records a peer sighting. LastSeen never moves backwards; a
// metadata change or first sighting emits a peer_upserted event, a plain
// refresh does not.
func (d *Directory) Upsert(info PeerInfo) {
	if info.ID == "" {
		return
	}
	if info.LastSeen.IsZero() {
		info.LastSeen = time.Now()
	}
	if info.Status == "" {
		info.Status = PeerStatusOnline
	}

	d.mu.Lock()
	existing, exists := d.peers[info.ID]
	if exists && info.LastSeen.Before(existing.LastSeen) {
		info.LastSeen = existing.LastSeen
	}
	changed := !exists || !peersEqual(existing, info)
	d.peers[info.ID] = info
	d.mu.Unlock()

	if changed {
		d.emit(Event{Type: EventPeerUpserted, Peer: info})
	}
}

// Get returns a peer by ID.
func (d *Directory) Get(id string) (PeerInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peer, ok := d.peers[id]
	return peer, ok
}

// Remove deletes a peer and reports whether it existed.
func (d *Directory) Remove(id string) bool {
	d.mu.Lock()
	peer, ok := d.peers[id]
	if ok {
		delete(d.peers, id)
	}
	d.mu.Unlock()

	if ok {
		d.emit(Event{Type: EventPeerRemoved, Peer: peer})
	}
	return ok
}

// SweepStale evicts peers whose last sighting is older than maxAge and
// returns the evicted IDs.
func (d *Directory) SweepStale(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)

	d.mu.Lock()
	var evicted []PeerInfo
	for id, peer := range d.peers {
		if peer.LastSeen.Before(cutoff) {
			evicted = append(evicted, peer)
			delete(d.peers, id)
		}
	}
	d.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, peer := range evicted {
		ids = append(ids, peer.ID)
		d.emit(Event{Type: EventPeerRemoved, Peer: peer})
	}
	return ids
}

// Snapshot returns the current peers sorted by nickname then ID.
func (d *Directory) Snapshot() []PeerInfo {
	d.mu.RLock()
	out := make([]PeerInfo, 0, len(d.peers))
	for _, peer := range d.peers {
		out = append(out, peer)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Nickname == out[j].Nickname {
			return out[i].ID < out[j].ID
		}
		return out[i].Nickname < out[j].Nickname
	})
	return out
}

// Len returns the number of known peers.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// Clear removes all peers without emitting events. Used on service stop.
func (d *Directory) Clear() {
	d.mu.Lock()
	d.peers = make(map[string]PeerInfo)
	d.mu.Unlock()
}

func (d *Directory) emit(event Event) {
	select {
	case d.events <- event:
	default:
	}
}

func peersEqual(a, b PeerInfo) bool {
	if a.ID != b.ID || a.Nickname != b.Nickname || a.Address != b.Address ||
		a.Port != b.Port || a.AppVersion != b.AppVersion || a.Status != b.Status ||
		a.CurrentServer != b.CurrentServer {
		return false
	}
	if len(a.Modpacks) != len(b.Modpacks) {
		return false
	}
	for name, version := range a.Modpacks {
		if b.Modpacks[name] != version {
			return false
		}
	}
	return true
}
