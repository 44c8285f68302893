// Package invite issues and validates expirable, usage-limited server
// invite codes, and drives the staged quick-join flow that turns a code
// into a launched, synced instance.
package invite

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"modsync/protocol"
	"modsync/storage"
)

var (
	// ErrInviteNotFound indicates no invite matches the code.
	ErrInviteNotFound = errors.New("invite: code not found")
	// ErrInviteRevoked indicates the invite was deactivated by the host.
	ErrInviteRevoked = errors.New("invite: code has been revoked")
	// ErrInviteExhausted indicates the invite's use quota is spent.
	ErrInviteExhausted = errors.New("invite: code has no uses left")
	// ErrInviteExpired indicates the invite's expiry has passed.
	ErrInviteExpired = errors.New("invite: code has expired")
	// ErrP2PNotRunning indicates the discovery service is not initialized.
	ErrP2PNotRunning = errors.New("invite: p2p service is not running")
	// ErrCodeCollision indicates code generation kept colliding.
	ErrCodeCollision = errors.New("invite: could not generate a unique code")
)

const codeGenerationAttempts = 5

// ServerInvite binds an invite code to a hosted server instance.
type ServerInvite struct {
	ID               string
	Code             string
	ServerInstanceID string
	ServerName       string
	MCVersion        string
	Loader           string
	ServerAddress    string
	HostPeerID       string
	CreatedAt        time.Time
	ExpiresAt        time.Time // zero = never
	MaxUses          int       // 0 = unlimited
	UseCount         int
	Active           bool
}

// IsValid reports whether the invite is currently redeemable.
func (inv ServerInvite) IsValid() bool {
	if !inv.Active {
		return false
	}
	if !inv.ExpiresAt.IsZero() && time.Now().After(inv.ExpiresAt) {
		return false
	}
	if inv.MaxUses > 0 && inv.UseCount >= inv.MaxUses {
		return false
	}
	return true
}

// validationError maps an invalid invite to its descriptive cause.
// Revocation wins over quota, quota over expiry: the host's explicit
// decision is the most useful thing to tell the user.
func (inv ServerInvite) validationError() error {
	if !inv.Active {
		return ErrInviteRevoked
	}
	if inv.MaxUses > 0 && inv.UseCount >= inv.MaxUses {
		return ErrInviteExhausted
	}
	if !inv.ExpiresAt.IsZero() && time.Now().After(inv.ExpiresAt) {
		return ErrInviteExpired
	}
	return nil
}

// P2PState reports whether the discovery service is live. The discovery
// Service satisfies it.
type P2PState interface {
	Running() bool
}

// Options configures the invite manager.
type Options struct {
	// HostPeerID is stamped on every created invite.
	HostPeerID string
	// P2P gates invite creation on a running discovery service.
	P2P P2PState
	// Store persists invites across restarts. Optional; nil keeps
	// invites in memory only.
	Store *storage.Store
}

// Manager owns the invite table: a write-through in-memory map over the
// optional SQLite store.
type Manager struct {
	opts Options

	mu     sync.Mutex
	byID   map[string]*ServerInvite
	byCode map[string]string // normalized code -> invite ID
}

// NewManager creates a manager, loading persisted invites when a store is
// configured.
func NewManager(opts Options) (*Manager, error) {
	if opts.HostPeerID == "" {
		return nil, errors.New("invite: host peer ID is required")
	}

	m := &Manager{
		opts:   opts,
		byID:   make(map[string]*ServerInvite),
		byCode: make(map[string]string),
	}

	if opts.Store != nil {
		rows, err := opts.Store.ListInvites()
		if err != nil {
			return nil, fmt.Errorf("load invites: %w", err)
		}
		for _, row := range rows {
			inv := fromRow(row)
			m.byID[inv.ID] = &inv
			m.byCode[protocol.NormalizeCode(inv.Code)] = inv.ID
		}
	}
	return m, nil
}

// CreateInviteParams are the host-supplied invite fields.
type CreateInviteParams struct {
	ServerInstanceID string
	ServerName       string
	MCVersion        string
	Loader           string
	ServerAddress    string
	// ExpiresIn of zero means the invite never expires.
	ExpiresIn time.Duration
	// MaxUses of zero means unlimited uses.
	MaxUses int
}

// CreateInvite issues a new invite code. Requires the discovery service to
// be running, since a code is useless to peers that cannot reach the host.
func (m *Manager) CreateInvite(params CreateInviteParams) (ServerInvite, error) {
	if m.opts.P2P == nil || !m.opts.P2P.Running() {
		return ServerInvite{}, ErrP2PNotRunning
	}
	if params.ServerName == "" {
		return ServerInvite{}, errors.New("invite: server name is required")
	}
	if params.MaxUses < 0 {
		return ServerInvite{}, errors.New("invite: max uses cannot be negative")
	}
	if params.ExpiresIn < 0 {
		return ServerInvite{}, errors.New("invite: expiry cannot be negative")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The 32^8 keyspace makes collisions negligible, but regenerating on
	// one costs nothing since invites are enumerable.
	var code string
	for attempt := 0; attempt < codeGenerationAttempts; attempt++ {
		candidate, err := protocol.GenerateCode(protocol.InviteCodePrefix)
		if err != nil {
			return ServerInvite{}, err
		}
		if _, taken := m.byCode[protocol.NormalizeCode(candidate)]; !taken {
			code = candidate
			break
		}
	}
	if code == "" {
		return ServerInvite{}, ErrCodeCollision
	}

	inv := ServerInvite{
		ID:               uuid.NewString(),
		Code:             code,
		ServerInstanceID: params.ServerInstanceID,
		ServerName:       params.ServerName,
		MCVersion:        params.MCVersion,
		Loader:           params.Loader,
		ServerAddress:    params.ServerAddress,
		HostPeerID:       m.opts.HostPeerID,
		CreatedAt:        time.Now(),
		MaxUses:          params.MaxUses,
		Active:           true,
	}
	if params.ExpiresIn > 0 {
		inv.ExpiresAt = inv.CreatedAt.Add(params.ExpiresIn)
	}

	if m.opts.Store != nil {
		if err := m.opts.Store.SaveInvite(toRow(inv)); err != nil {
			return ServerInvite{}, err
		}
	}

	m.byID[inv.ID] = &inv
	m.byCode[protocol.NormalizeCode(inv.Code)] = inv.ID
	return inv, nil
}

// ValidateInvite resolves a code to its invite, or reports exactly why it
// cannot be redeemed. Validation never consumes a use.
func (m *Manager) ValidateInvite(code string) (ServerInvite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, err := m.lookupLocked(code)
	if err != nil {
		return ServerInvite{}, err
	}
	if err := inv.validationError(); err != nil {
		return ServerInvite{}, err
	}
	return *inv, nil
}

// UseInvite consumes one use of an invite. Called only after a join has
// confirmed completion; the quota is re-checked under the lock so two
// racing joins cannot double-spend a single-use invite.
func (m *Manager) UseInvite(code string) (ServerInvite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, err := m.lookupLocked(code)
	if err != nil {
		return ServerInvite{}, err
	}
	if err := inv.validationError(); err != nil {
		return ServerInvite{}, err
	}

	inv.UseCount++
	if m.opts.Store != nil {
		if err := m.opts.Store.UpdateInvite(toRow(*inv)); err != nil {
			inv.UseCount--
			return ServerInvite{}, err
		}
	}
	return *inv, nil
}

// RevokeInvite deactivates an invite. The record stays enumerable for
// auditing; use DeleteInvite to remove it.
func (m *Manager) RevokeInvite(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.byID[id]
	if !ok {
		return ErrInviteNotFound
	}
	if !inv.Active {
		return nil
	}

	inv.Active = false
	if m.opts.Store != nil {
		if err := m.opts.Store.UpdateInvite(toRow(*inv)); err != nil {
			inv.Active = true
			return err
		}
	}
	return nil
}

// DeleteInvite removes an invite record entirely.
func (m *Manager) DeleteInvite(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.byID[id]
	if !ok {
		return ErrInviteNotFound
	}

	if m.opts.Store != nil {
		if err := m.opts.Store.DeleteInvite(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	delete(m.byCode, protocol.NormalizeCode(inv.Code))
	delete(m.byID, id)
	return nil
}

// ListInvites returns all invites, newest first.
func (m *Manager) ListInvites() []ServerInvite {
	m.mu.Lock()
	out := make([]ServerInvite, 0, len(m.byID))
	for _, inv := range m.byID {
		out = append(out, *inv)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// GetInvite returns one invite by ID.
func (m *Manager) GetInvite(id string) (ServerInvite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.byID[id]
	if !ok {
		return ServerInvite{}, ErrInviteNotFound
	}
	return *inv, nil
}

func (m *Manager) lookupLocked(code string) (*ServerInvite, error) {
	id, ok := m.byCode[protocol.NormalizeCode(code)]
	if !ok {
		return nil, ErrInviteNotFound
	}
	inv, ok := m.byID[id]
	if !ok {
		return nil, ErrInviteNotFound
	}
	return inv, nil
}

func toRow(inv ServerInvite) storage.Invite {
	row := storage.Invite{
		ID:               inv.ID,
		Code:             inv.Code,
		ServerInstanceID: inv.ServerInstanceID,
		ServerName:       inv.ServerName,
		MCVersion:        inv.MCVersion,
		Loader:           inv.Loader,
		ServerAddress:    inv.ServerAddress,
		HostPeerID:       inv.HostPeerID,
		CreatedAt:        inv.CreatedAt.Unix(),
		MaxUses:          inv.MaxUses,
		UseCount:         inv.UseCount,
		Active:           inv.Active,
	}
	if !inv.ExpiresAt.IsZero() {
		row.ExpiresAt = inv.ExpiresAt.Unix()
	}
	return row
}

func fromRow(row storage.Invite) ServerInvite {
	inv := ServerInvite{
		ID:               row.ID,
		Code:             row.Code,
		ServerInstanceID: row.ServerInstanceID,
		ServerName:       row.ServerName,
		MCVersion:        row.MCVersion,
		Loader:           row.Loader,
		ServerAddress:    row.ServerAddress,
		HostPeerID:       row.HostPeerID,
		CreatedAt:        time.Unix(row.CreatedAt, 0),
		MaxUses:          row.MaxUses,
		UseCount:         row.UseCount,
		Active:           row.Active,
	}
	if row.ExpiresAt > 0 {
		inv.ExpiresAt = time.Unix(row.ExpiresAt, 0)
	}
	return inv
}
