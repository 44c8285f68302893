package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveInvite inserts a new invite row.
func (s *Store) SaveInvite(inv Invite) error {
	if inv.ID == "" {
		return errors.New("invite id is required")
	}
	if inv.Code == "" {
		return errors.New("invite code is required")
	}
	if inv.CreatedAt == 0 {
		inv.CreatedAt = nowUnix()
	}

	_, err := s.db.Exec(
		`INSERT INTO invites (
			id, code, server_instance_id, server_name, mc_version, loader,
			server_address, host_peer_id, created_at, expires_at, max_uses,
			use_count, active
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID,
		inv.Code,
		inv.ServerInstanceID,
		inv.ServerName,
		inv.MCVersion,
		inv.Loader,
		inv.ServerAddress,
		inv.HostPeerID,
		inv.CreatedAt,
		inv.ExpiresAt,
		inv.MaxUses,
		inv.UseCount,
		boolToInt(inv.Active),
	)
	if err != nil {
		return fmt.Errorf("insert invite %q: %w", inv.ID, err)
	}
	return nil
}

// UpdateInvite rewrites the mutable invite columns.
func (s *Store) UpdateInvite(inv Invite) error {
	res, err := s.db.Exec(
		`UPDATE invites SET use_count = ?, active = ?, expires_at = ?, max_uses = ? WHERE id = ?`,
		inv.UseCount,
		boolToInt(inv.Active),
		inv.ExpiresAt,
		inv.MaxUses,
		inv.ID,
	)
	if err != nil {
		return fmt.Errorf("update invite %q: %w", inv.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update invite %q: %w", inv.ID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteInvite removes an invite row.
func (s *Store) DeleteInvite(id string) error {
	res, err := s.db.Exec(`DELETE FROM invites WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete invite %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete invite %q: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetInvite fetches an invite by ID.
func (s *Store) GetInvite(id string) (*Invite, error) {
	row := s.db.QueryRow(inviteSelect+` WHERE id = ?`, id)
	inv, err := scanInvite(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get invite %q: %w", id, err)
	}
	return inv, nil
}

// ListInvites returns all invites, newest first.
func (s *Store) ListInvites() ([]Invite, error) {
	rows, err := s.db.Query(inviteSelect + ` ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	defer rows.Close()

	var out []Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		out = append(out, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	return out, nil
}

const inviteSelect = `SELECT
	id, code, server_instance_id, server_name, mc_version, loader,
	server_address, host_peer_id, created_at, expires_at, max_uses,
	use_count, active
FROM invites`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvite(row rowScanner) (*Invite, error) {
	var inv Invite
	var active int
	err := row.Scan(
		&inv.ID,
		&inv.Code,
		&inv.ServerInstanceID,
		&inv.ServerName,
		&inv.MCVersion,
		&inv.Loader,
		&inv.ServerAddress,
		&inv.HostPeerID,
		&inv.CreatedAt,
		&inv.ExpiresAt,
		&inv.MaxUses,
		&inv.UseCount,
		&active,
	)
	if err != nil {
		return nil, err
	}
	inv.Active = active != 0
	return &inv, nil
}
