// Package notify tracks modpack versions advertised by peers and raises
// update notifications when a peer carries a version differing from the
// local one.
package notify

import (
	"errors"
	"sync"

	"modsync/storage"
)

// Notification is one raised modpack update notice.
type Notification struct {
	ID          int64  `json:"id"`
	PeerID      string `json:"peer_id"`
	ModpackName string `json:"modpack_name"`
	Version     string `json:"version"`
	CreatedAt   int64  `json:"created_at"`
}

// Tracker compares peer-advertised modpack versions against the local
// ones. Dedup is delegated to the store: an undismissed notification for
// the same (peer, modpack, version) triple blocks re-insertion, and a
// dismissed one allows the same version to notify again later.
type Tracker struct {
	store *storage.Store

	mu    sync.Mutex
	local map[string]string // modpack name -> local version

	events chan Notification
}

// NewTracker creates a tracker persisting through store.
func NewTracker(store *storage.Store) *Tracker {
	return &Tracker{
		store:  store,
		local:  make(map[string]string),
		events: make(chan Notification, 64),
	}
}

// Events surfaces freshly raised notifications. Delivery is best-effort;
// Pending is the authoritative view.
func (t *Tracker) Events() <-chan Notification {
	return t.events
}

// SetLocalVersion records the local version of a modpack. Peers
// advertising other versions of it will raise notifications.
func (t *Tracker) SetLocalVersion(modpackName, version string) {
	t.mu.Lock()
	t.local[modpackName] = version
	t.mu.Unlock()
}

// LocalVersions returns a copy of the tracked local modpack versions,
// in the shape discovery advertises them.
func (t *Tracker) LocalVersions() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.local))
	for name, version := range t.local {
		out[name] = version
	}
	return out
}

// ForgetModpack stops tracking a modpack. Already-raised notifications
// stay pending until dismissed.
func (t *Tracker) ForgetModpack(modpackName string) {
	t.mu.Lock()
	delete(t.local, modpackName)
	t.mu.Unlock()
}

// ObserveVersion ingests one peer's advertised version of a modpack,
// raising a notification when it differs from the local version. Modpacks
// without a local version are ignored: there is nothing to update.
func (t *Tracker) ObserveVersion(peerID, modpackName, version string) error {
	if peerID == "" || modpackName == "" || version == "" {
		return nil
	}

	t.mu.Lock()
	localVersion, tracked := t.local[modpackName]
	t.mu.Unlock()

	if !tracked || localVersion == version {
		return nil
	}

	id, err := t.store.AddNotification(storage.UpdateNotification{
		PeerID:      peerID,
		ModpackName: modpackName,
		Version:     version,
	})
	if errors.Is(err, storage.ErrDuplicateNotification) {
		return nil
	}
	if err != nil {
		return err
	}

	row, err := t.store.GetNotification(id)
	if err != nil {
		return err
	}
	select {
	case t.events <- fromRow(*row):
	default:
	}
	return nil
}

// Dismiss marks a notification as seen. The same (peer, modpack, version)
// triple may notify again afterwards.
func (t *Tracker) Dismiss(id int64) error {
	return t.store.DismissNotification(id)
}

// Pending returns all undismissed notifications, newest first.
func (t *Tracker) Pending() ([]Notification, error) {
	rows, err := t.store.PendingNotifications()
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

func fromRow(row storage.UpdateNotification) Notification {
	return Notification{
		ID:          row.ID,
		PeerID:      row.PeerID,
		ModpackName: row.ModpackName,
		Version:     row.Version,
		CreatedAt:   row.CreatedAt,
	}
}
