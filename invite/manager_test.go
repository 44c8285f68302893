package invite

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"modsync/protocol"
	"modsync/storage"
)

type fakeP2P struct {
	running bool
}

func (f *fakeP2P) Running() bool { return f.running }

func newTestManager(t *testing.T, store *storage.Store) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		HostPeerID: "host-peer",
		P2P:        &fakeP2P{running: true},
		Store:      store,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func createTestInvite(t *testing.T, m *Manager, params CreateInviteParams) ServerInvite {
	t.Helper()
	if params.ServerName == "" {
		params.ServerName = "SkyFactory Weekend"
	}
	inv, err := m.CreateInvite(params)
	if err != nil {
		t.Fatalf("CreateInvite failed: %v", err)
	}
	return inv
}

func TestCreateInviteFormat(t *testing.T) {
	m := newTestManager(t, nil)
	inv := createTestInvite(t, m, CreateInviteParams{
		ServerInstanceID: "instance-1",
		MCVersion:        "1.20.1",
		Loader:           "forge",
		ServerAddress:    "192.168.1.50:25565",
	})

	if !strings.HasPrefix(inv.Code, protocol.InviteCodePrefix+"-") {
		t.Fatalf("invite code %q lacks the %s prefix", inv.Code, protocol.InviteCodePrefix)
	}
	if inv.HostPeerID != "host-peer" {
		t.Fatalf("host peer not stamped: %q", inv.HostPeerID)
	}
	if !inv.Active || inv.UseCount != 0 {
		t.Fatalf("fresh invite in wrong state: %+v", inv)
	}
	if !inv.ExpiresAt.IsZero() {
		t.Fatal("zero ExpiresIn must mean no expiry")
	}
	if !inv.IsValid() {
		t.Fatal("fresh invite must validate")
	}
}

func TestCreateInviteRequiresRunningP2P(t *testing.T) {
	p2p := &fakeP2P{running: false}
	m, err := NewManager(Options{HostPeerID: "host-peer", P2P: p2p})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	if _, err := m.CreateInvite(CreateInviteParams{ServerName: "x"}); !errors.Is(err, ErrP2PNotRunning) {
		t.Fatalf("expected ErrP2PNotRunning, got %v", err)
	}

	p2p.running = true
	if _, err := m.CreateInvite(CreateInviteParams{ServerName: "x"}); err != nil {
		t.Fatalf("CreateInvite failed after p2p came up: %v", err)
	}
}

func TestValidateInviteCauses(t *testing.T) {
	m := newTestManager(t, nil)

	if _, err := m.ValidateInvite("MJ-ZZZZ-ZZZZ"); !errors.Is(err, ErrInviteNotFound) {
		t.Fatalf("expected ErrInviteNotFound, got %v", err)
	}

	revoked := createTestInvite(t, m, CreateInviteParams{})
	if err := m.RevokeInvite(revoked.ID); err != nil {
		t.Fatalf("RevokeInvite failed: %v", err)
	}
	if _, err := m.ValidateInvite(revoked.Code); !errors.Is(err, ErrInviteRevoked) {
		t.Fatalf("expected ErrInviteRevoked, got %v", err)
	}

	exhausted := createTestInvite(t, m, CreateInviteParams{MaxUses: 1})
	if _, err := m.UseInvite(exhausted.Code); err != nil {
		t.Fatalf("UseInvite failed: %v", err)
	}
	if _, err := m.ValidateInvite(exhausted.Code); !errors.Is(err, ErrInviteExhausted) {
		t.Fatalf("expected ErrInviteExhausted, got %v", err)
	}

	expired := createTestInvite(t, m, CreateInviteParams{ExpiresIn: time.Nanosecond})
	time.Sleep(5 * time.Millisecond)
	if _, err := m.ValidateInvite(expired.Code); !errors.Is(err, ErrInviteExpired) {
		t.Fatalf("expected ErrInviteExpired, got %v", err)
	}
}

func TestValidateInviteNormalizesCode(t *testing.T) {
	m := newTestManager(t, nil)
	inv := createTestInvite(t, m, CreateInviteParams{})

	lowered := strings.ToLower(strings.ReplaceAll(inv.Code, "-", ""))
	got, err := m.ValidateInvite(lowered)
	if err != nil {
		t.Fatalf("ValidateInvite(%q) failed: %v", lowered, err)
	}
	if got.ID != inv.ID {
		t.Fatalf("resolved wrong invite: %q != %q", got.ID, inv.ID)
	}
}

func TestValidateDoesNotConsumeUses(t *testing.T) {
	m := newTestManager(t, nil)
	inv := createTestInvite(t, m, CreateInviteParams{MaxUses: 1})

	for i := 0; i < 3; i++ {
		if _, err := m.ValidateInvite(inv.Code); err != nil {
			t.Fatalf("validation %d failed: %v", i, err)
		}
	}
	if _, err := m.UseInvite(inv.Code); err != nil {
		t.Fatalf("UseInvite failed after repeated validation: %v", err)
	}
}

func TestUseInviteSingleUseRace(t *testing.T) {
	m := newTestManager(t, nil)
	inv := createTestInvite(t, m, CreateInviteParams{MaxUses: 1})

	const racers = 8
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		go func() {
			_, err := m.UseInvite(inv.Code)
			results <- err
		}()
	}

	var successes, exhausted int
	for i := 0; i < racers; i++ {
		switch err := <-results; {
		case err == nil:
			successes++
		case errors.Is(err, ErrInviteExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || exhausted != racers-1 {
		t.Fatalf("single-use invite spent %d times (%d exhausted)", successes, exhausted)
	}
}

func TestRevokeKeepsInviteListed(t *testing.T) {
	m := newTestManager(t, nil)
	inv := createTestInvite(t, m, CreateInviteParams{})

	if err := m.RevokeInvite(inv.ID); err != nil {
		t.Fatalf("RevokeInvite failed: %v", err)
	}
	listed := m.ListInvites()
	if len(listed) != 1 || listed[0].Active {
		t.Fatalf("revoked invite not listed inactive: %+v", listed)
	}

	if err := m.DeleteInvite(inv.ID); err != nil {
		t.Fatalf("DeleteInvite failed: %v", err)
	}
	if len(m.ListInvites()) != 0 {
		t.Fatal("deleted invite still listed")
	}
	if _, err := m.ValidateInvite(inv.Code); !errors.Is(err, ErrInviteNotFound) {
		t.Fatalf("expected ErrInviteNotFound after delete, got %v", err)
	}
}

func TestInvitesSurviveRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "modsync.db")
	store, err := storage.OpenPath(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	m := newTestManager(t, store)
	inv := createTestInvite(t, m, CreateInviteParams{MaxUses: 3})
	if _, err := m.UseInvite(inv.Code); err != nil {
		t.Fatalf("UseInvite failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store, err = storage.OpenPath(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()

	reloaded := newTestManager(t, store)
	got, err := reloaded.ValidateInvite(inv.Code)
	if err != nil {
		t.Fatalf("ValidateInvite after restart failed: %v", err)
	}
	if got.UseCount != 1 || got.MaxUses != 3 {
		t.Fatalf("use count lost across restart: %+v", got)
	}
}
