// Package watch monitors modpack folders for changes and coalesces bursts
// of filesystem events into single sync requests after a quiet period.
package watch

import (
	"time"
)

// DefaultDebounceMS is the quiet period before a flush when the config
// does not specify one.
const DefaultDebounceMS = 2000

// ChangeKind classifies one filesystem change.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// FileChange is one accepted change, path relative to the modpack root in
// slash form. Created and modified files carry size and a BLAKE2b-256
// content digest for the delta-transfer manifest; best effort, an
// unreadable file leaves the digest empty.
type FileChange struct {
	Path   string
	Kind   ChangeKind
	Size   int64
	Digest string
	At     time.Time
}

// SyncRequest is one flushed batch of changes for a modpack.
type SyncRequest struct {
	Modpack     string
	Changes     []FileChange
	TargetPeers []string
}

// SyncDispatcher receives flushed sync requests. The daemon wires it to
// the transfer queue.
type SyncDispatcher interface {
	DispatchSync(SyncRequest)
}

// Config describes one watched modpack.
type Config struct {
	ModpackName string
	ModpackPath string
	TargetPeers []string
	Enabled     bool
	DebounceMS  int
	// IgnorePatterns filter changes by relative path: "*.ext" suffix
	// patterns, "dir/*" prefix patterns, or exact matches.
	IgnorePatterns []string
	// WatchFolders are sub-folders of ModpackPath to watch recursively.
	// Empty means the whole modpack root. Missing folders are skipped.
	WatchFolders []string
}

func (c Config) debounce() time.Duration {
	ms := c.DebounceMS
	if ms <= 0 {
		ms = DefaultDebounceMS
	}
	return time.Duration(ms) * time.Millisecond
}

// EventType identifies watch engine notifications.
type EventType string

const (
	// EventChangesDetected is emitted when a debounce window flushes with
	// a non-empty change buffer.
	EventChangesDetected EventType = "changes_detected"
	// EventWatchStarted is emitted when a modpack watch begins.
	EventWatchStarted EventType = "watch_started"
	// EventWatchStopped is emitted when a modpack watch ends.
	EventWatchStopped EventType = "watch_stopped"
)

// Event is one watch engine notification.
type Event struct {
	Type    EventType
	Modpack string
	Count   int
}
