package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrDuplicateNotification indicates an undismissed notification already
// exists for the same (peer, modpack, version) triple.
var ErrDuplicateNotification = errors.New("storage: duplicate pending notification")

// AddNotification inserts a pending update notification. The partial unique
// index enforces the dedup key over undismissed rows only.
func (s *Store) AddNotification(n UpdateNotification) (int64, error) {
	if n.PeerID == "" || n.ModpackName == "" || n.Version == "" {
		return 0, errors.New("peer id, modpack name and version are required")
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = nowUnix()
	}

	res, err := s.db.Exec(
		`INSERT INTO update_notifications (peer_id, modpack_name, version, created_at, dismissed)
		VALUES (?, ?, ?, ?, 0)`,
		n.PeerID,
		n.ModpackName,
		n.Version,
		n.CreatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, ErrDuplicateNotification
		}
		return 0, fmt.Errorf("insert notification: %w", err)
	}
	return res.LastInsertId()
}

// DismissNotification marks a notification as seen.
func (s *Store) DismissNotification(id int64) error {
	res, err := s.db.Exec(`UPDATE update_notifications SET dismissed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("dismiss notification %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dismiss notification %d: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingNotifications returns all undismissed notifications, newest first.
func (s *Store) PendingNotifications() ([]UpdateNotification, error) {
	rows, err := s.db.Query(
		`SELECT id, peer_id, modpack_name, version, created_at, dismissed
		FROM update_notifications
		WHERE dismissed = 0
		ORDER BY created_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending notifications: %w", err)
	}
	defer rows.Close()

	var out []UpdateNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending notifications: %w", err)
	}
	return out, nil
}

// GetNotification fetches one notification by row ID.
func (s *Store) GetNotification(id int64) (*UpdateNotification, error) {
	row := s.db.QueryRow(
		`SELECT id, peer_id, modpack_name, version, created_at, dismissed
		FROM update_notifications WHERE id = ?`,
		id,
	)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get notification %d: %w", id, err)
	}
	return n, nil
}

func scanNotification(row rowScanner) (*UpdateNotification, error) {
	var n UpdateNotification
	var dismissed int
	err := row.Scan(&n.ID, &n.PeerID, &n.ModpackName, &n.Version, &n.CreatedAt, &dismissed)
	if err != nil {
		return nil, err
	}
	n.Dismissed = dismissed != 0
	return &n, nil
}
