package storage

import (
	"errors"
	"fmt"
)

// RecordTransfer appends one finished transfer to the history table.
func (s *Store) RecordTransfer(rec TransferRecord) error {
	if rec.ID == "" {
		return errors.New("transfer id is required")
	}
	if rec.FinishedAt == 0 {
		rec.FinishedAt = nowUnix()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_history (
			id, peer_id, peer_nickname, modpack_name, priority, state,
			created_at, finished_at, attempts, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.PeerID,
		rec.PeerNickname,
		rec.ModpackName,
		rec.Priority,
		rec.State,
		rec.CreatedAt,
		rec.FinishedAt,
		rec.Attempts,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("record transfer %q: %w", rec.ID, err)
	}
	return nil
}

// ListTransferHistory returns up to limit finished transfers, newest first.
func (s *Store) ListTransferHistory(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT
			id, peer_id, peer_nickname, modpack_name, priority, state,
			created_at, finished_at, attempts, error
		FROM transfer_history
		ORDER BY finished_at DESC, id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfer history: %w", err)
	}
	defer rows.Close()

	var out []TransferRecord
	for rows.Next() {
		var rec TransferRecord
		err := rows.Scan(
			&rec.ID,
			&rec.PeerID,
			&rec.PeerNickname,
			&rec.ModpackName,
			&rec.Priority,
			&rec.State,
			&rec.CreatedAt,
			&rec.FinishedAt,
			&rec.Attempts,
			&rec.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("scan transfer record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transfer history: %w", err)
	}
	return out, nil
}

// PruneTransferHistory deletes records finished before the cutoff.
func (s *Store) PruneTransferHistory(beforeUnix int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM transfer_history WHERE finished_at < ?`, beforeUnix)
	if err != nil {
		return 0, fmt.Errorf("prune transfer history: %w", err)
	}
	return res.RowsAffected()
}
