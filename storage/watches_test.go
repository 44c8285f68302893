package storage

import (
	"errors"
	"testing"
)

func TestWatchConfigRoundTrip(t *testing.T) {
	store := newTestStore(t)

	cfg := WatchConfig{
		ModpackName:    "skyfactory",
		ModpackPath:    "/packs/skyfactory",
		TargetPeers:    []string{"peer-1", "peer-2"},
		Enabled:        true,
		DebounceMS:     1500,
		IgnorePatterns: []string{"*.tmp", "logs/*"},
		WatchFolders:   []string{"mods", "config"},
	}

	if err := store.SaveWatchConfig(cfg); err != nil {
		t.Fatalf("SaveWatchConfig failed: %v", err)
	}

	got, err := store.GetWatchConfig("skyfactory")
	if err != nil {
		t.Fatalf("GetWatchConfig failed: %v", err)
	}
	if got.ModpackPath != cfg.ModpackPath || got.DebounceMS != 1500 || !got.Enabled {
		t.Fatalf("unexpected config: %+v", got)
	}
	if len(got.TargetPeers) != 2 || got.TargetPeers[1] != "peer-2" {
		t.Fatalf("target peers mangled: %v", got.TargetPeers)
	}
	if len(got.IgnorePatterns) != 2 || got.IgnorePatterns[0] != "*.tmp" {
		t.Fatalf("ignore patterns mangled: %v", got.IgnorePatterns)
	}

	// Upsert replaces the row.
	cfg.Enabled = false
	cfg.TargetPeers = []string{"peer-3"}
	if err := store.SaveWatchConfig(cfg); err != nil {
		t.Fatalf("SaveWatchConfig upsert failed: %v", err)
	}
	got, err = store.GetWatchConfig("skyfactory")
	if err != nil {
		t.Fatalf("GetWatchConfig after upsert failed: %v", err)
	}
	if got.Enabled || len(got.TargetPeers) != 1 {
		t.Fatalf("upsert not applied: %+v", got)
	}

	list, err := store.ListWatchConfigs()
	if err != nil {
		t.Fatalf("ListWatchConfigs failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 config, got %d", len(list))
	}

	if err := store.DeleteWatchConfig("skyfactory"); err != nil {
		t.Fatalf("DeleteWatchConfig failed: %v", err)
	}
	if _, err := store.GetWatchConfig("skyfactory"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
