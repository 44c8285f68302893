package storage

import (
	"errors"
	"time"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

// Invite is the persisted form of a server invite.
type Invite struct {
	ID               string
	Code             string
	ServerInstanceID string
	ServerName       string
	MCVersion        string
	Loader           string
	ServerAddress    string
	HostPeerID       string
	CreatedAt        int64
	ExpiresAt        int64 // unix seconds, 0 = never
	MaxUses          int   // 0 = unlimited
	UseCount         int
	Active           bool
}

// WatchConfig is the persisted form of a watched modpack folder.
type WatchConfig struct {
	ModpackName    string
	ModpackPath    string
	TargetPeers    []string
	Enabled        bool
	DebounceMS     int
	IgnorePatterns []string
	WatchFolders   []string
}

// TransferRecord is one finished transfer in the history table.
type TransferRecord struct {
	ID           string
	PeerID       string
	PeerNickname string
	ModpackName  string
	Priority     string
	State        string
	CreatedAt    int64
	FinishedAt   int64
	Attempts     int
	Error        string
}

// UpdateNotification is one pending or dismissed modpack update notice.
type UpdateNotification struct {
	ID          int64
	PeerID      string
	ModpackName string
	Version     string
	CreatedAt   int64
	Dismissed   bool
}

func nowUnix() int64 {
	return time.Now().Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
