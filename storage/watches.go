package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SaveWatchConfig inserts or replaces the watch config for a modpack.
func (s *Store) SaveWatchConfig(cfg WatchConfig) error {
	if cfg.ModpackName == "" {
		return errors.New("modpack name is required")
	}
	if cfg.ModpackPath == "" {
		return errors.New("modpack path is required")
	}
	if cfg.DebounceMS <= 0 {
		cfg.DebounceMS = 2000
	}

	peers, err := marshalStrings(cfg.TargetPeers)
	if err != nil {
		return fmt.Errorf("encode target peers: %w", err)
	}
	patterns, err := marshalStrings(cfg.IgnorePatterns)
	if err != nil {
		return fmt.Errorf("encode ignore patterns: %w", err)
	}
	folders, err := marshalStrings(cfg.WatchFolders)
	if err != nil {
		return fmt.Errorf("encode watch folders: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO watch_configs (
			modpack_name, modpack_path, target_peers, enabled, debounce_ms,
			ignore_patterns, watch_folders
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(modpack_name) DO UPDATE SET
			modpack_path = excluded.modpack_path,
			target_peers = excluded.target_peers,
			enabled = excluded.enabled,
			debounce_ms = excluded.debounce_ms,
			ignore_patterns = excluded.ignore_patterns,
			watch_folders = excluded.watch_folders`,
		cfg.ModpackName,
		cfg.ModpackPath,
		peers,
		boolToInt(cfg.Enabled),
		cfg.DebounceMS,
		patterns,
		folders,
	)
	if err != nil {
		return fmt.Errorf("save watch config %q: %w", cfg.ModpackName, err)
	}
	return nil
}

// GetWatchConfig fetches one watch config by modpack name.
func (s *Store) GetWatchConfig(modpackName string) (*WatchConfig, error) {
	row := s.db.QueryRow(watchSelect+` WHERE modpack_name = ?`, modpackName)
	cfg, err := scanWatchConfig(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get watch config %q: %w", modpackName, err)
	}
	return cfg, nil
}

// ListWatchConfigs returns all watch configs ordered by modpack name.
func (s *Store) ListWatchConfigs() ([]WatchConfig, error) {
	rows, err := s.db.Query(watchSelect + ` ORDER BY modpack_name`)
	if err != nil {
		return nil, fmt.Errorf("list watch configs: %w", err)
	}
	defer rows.Close()

	var out []WatchConfig
	for rows.Next() {
		cfg, err := scanWatchConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan watch config: %w", err)
		}
		out = append(out, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list watch configs: %w", err)
	}
	return out, nil
}

// DeleteWatchConfig removes a watch config.
func (s *Store) DeleteWatchConfig(modpackName string) error {
	res, err := s.db.Exec(`DELETE FROM watch_configs WHERE modpack_name = ?`, modpackName)
	if err != nil {
		return fmt.Errorf("delete watch config %q: %w", modpackName, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete watch config %q: %w", modpackName, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const watchSelect = `SELECT
	modpack_name, modpack_path, target_peers, enabled, debounce_ms,
	ignore_patterns, watch_folders
FROM watch_configs`

func scanWatchConfig(row rowScanner) (*WatchConfig, error) {
	var cfg WatchConfig
	var enabled int
	var peers, patterns, folders string
	err := row.Scan(
		&cfg.ModpackName,
		&cfg.ModpackPath,
		&peers,
		&enabled,
		&cfg.DebounceMS,
		&patterns,
		&folders,
	)
	if err != nil {
		return nil, err
	}
	cfg.Enabled = enabled != 0
	if cfg.TargetPeers, err = unmarshalStrings(peers); err != nil {
		return nil, fmt.Errorf("decode target peers: %w", err)
	}
	if cfg.IgnorePatterns, err = unmarshalStrings(patterns); err != nil {
		return nil, fmt.Errorf("decode ignore patterns: %w", err)
	}
	if cfg.WatchFolders, err = unmarshalStrings(folders); err != nil {
		return nil, fmt.Errorf("decode watch folders: %w", err)
	}
	return &cfg, nil
}

func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalStrings(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
