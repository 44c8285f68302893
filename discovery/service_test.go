package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"modsync/config"
	"modsync/protocol"
)

type testSettings struct {
	mu         sync.Mutex
	enabled    bool
	visibility config.Visibility
	blocked    map[string]bool
	nickname   string
}

func (s *testSettings) DiscoveryEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *testSettings) DiscoveryVisibility() config.Visibility {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visibility
}

func (s *testSettings) PeerBlocked(peerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked[peerID]
}

func (s *testSettings) LocalNickname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nickname
}

func (s *testSettings) setVisibility(v config.Visibility) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visibility = v
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("probe free port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

type testService struct {
	service  *Service
	dir      *Directory
	settings *testSettings
}

func newTestService(t *testing.T, peerID string, port int, targets []string, settings *testSettings) *testService {
	t.Helper()

	if settings == nil {
		settings = &testSettings{
			enabled:    true,
			visibility: config.VisibilityEveryone,
			blocked:    map[string]bool{},
			nickname:   peerID,
		}
	}
	dir := NewDirectory()

	service, err := NewService(Options{
		PeerID:            peerID,
		AppVersion:        "0.4.0-test",
		TCPPort:           port + 100,
		Port:              port,
		Settings:          settings,
		Directory:         dir,
		BroadcastTargets:  targets,
		BroadcastInterval: 100 * time.Millisecond,
		SweepInterval:     100 * time.Millisecond,
		PeerTimeout:       600 * time.Millisecond,
		ConnectTimeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("NewService %s: %v", peerID, err)
	}
	if err := service.Start(); err != nil {
		t.Fatalf("Start %s: %v", peerID, err)
	}
	t.Cleanup(service.Stop)

	return &testService{service: service, dir: dir, settings: settings}
}

func waitForPeer(t *testing.T, dir *Directory, peerID string, timeout time.Duration) PeerInfo {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if peer, ok := dir.Get(peerID); ok {
			return peer
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer %q never appeared", peerID)
	return PeerInfo{}
}

func TestSymmetricDiscovery(t *testing.T) {
	portA, portB := freeUDPPort(t), freeUDPPort(t)

	a := newTestService(t, "peer-a", portA, []string{fmt.Sprintf("127.0.0.1:%d", portB)}, nil)
	b := newTestService(t, "peer-b", portB, []string{fmt.Sprintf("127.0.0.1:%d", portA)}, nil)

	peerB := waitForPeer(t, a.dir, "peer-b", 2*time.Second)
	peerA := waitForPeer(t, b.dir, "peer-a", 2*time.Second)

	if peerB.Port != portB+100 {
		t.Fatalf("expected advertised TCP port %d, got %d", portB+100, peerB.Port)
	}
	if peerA.Nickname != "peer-a" {
		t.Fatalf("expected nickname peer-a, got %q", peerA.Nickname)
	}
	// The address must be the observed source, not a self-reported value.
	if peerB.Address != "127.0.0.1" {
		t.Fatalf("expected observed source 127.0.0.1, got %q", peerB.Address)
	}
}

func TestStaleEviction(t *testing.T) {
	portA, portB := freeUDPPort(t), freeUDPPort(t)

	a := newTestService(t, "peer-a", portA, []string{fmt.Sprintf("127.0.0.1:%d", portB)}, nil)
	b := newTestService(t, "peer-b", portB, []string{fmt.Sprintf("127.0.0.1:%d", portA)}, nil)

	waitForPeer(t, a.dir, "peer-b", 2*time.Second)
	b.service.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := a.dir.Get("peer-b"); !ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("silent peer was never evicted")
}

func TestPortFallback(t *testing.T) {
	port := freeUDPPort(t)

	// Occupy the primary port so the service must fall back.
	blocker, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		t.Skipf("cannot occupy port %d: %v", port, err)
	}
	defer blocker.Close()

	svc := newTestService(t, "peer-a", port, []string{"127.0.0.1:1"}, nil)
	if got := svc.service.BoundPort(); got != port+10 {
		t.Fatalf("expected fallback port %d, got %d", port+10, got)
	}
}

func TestInvisibleStartIsNoOp(t *testing.T) {
	settings := &testSettings{
		enabled:    true,
		visibility: config.VisibilityInvisible,
		blocked:    map[string]bool{},
	}
	dir := NewDirectory()
	service, err := NewService(Options{
		PeerID:    "peer-ghost",
		Port:      freeUDPPort(t),
		Settings:  settings,
		Directory: dir,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	if err := service.Start(); err != nil {
		t.Fatalf("invisible Start must succeed, got %v", err)
	}
	if service.Running() {
		t.Fatal("invisible service must not run")
	}
	service.Stop()
}

func TestVisibilityFlipSilencesBroadcasts(t *testing.T) {
	portA, portB := freeUDPPort(t), freeUDPPort(t)

	a := newTestService(t, "peer-a", portA, []string{fmt.Sprintf("127.0.0.1:%d", portB)}, nil)
	b := newTestService(t, "peer-b", portB, []string{fmt.Sprintf("127.0.0.1:%d", portA)}, nil)

	waitForPeer(t, b.dir, "peer-a", 2*time.Second)
	a.settings.setVisibility(config.VisibilityInvisible)

	// a must fall silent on the next tick; with nothing keeping it fresh,
	// b's sweep evicts it after the peer timeout.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := b.dir.Get("peer-a"); !ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("peer kept broadcasting after turning invisible")
}

func TestDatagramTypesSurfaced(t *testing.T) {
	portA, portB := freeUDPPort(t), freeUDPPort(t)

	a := newTestService(t, "peer-a", portA, []string{fmt.Sprintf("127.0.0.1:%d", portB)}, nil)
	newTestService(t, "peer-b", portB, []string{fmt.Sprintf("127.0.0.1:%d", portA)}, nil)

	// A presence exchange produces both a broadcast and its response; each
	// handled datagram must report its wire type exactly once.
	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for !seen[protocol.TypeDiscovery] || !seen[protocol.TypeDiscoveryResponse] {
		select {
		case msgType := <-a.service.Datagrams():
			seen[msgType] = true
		case <-timeout:
			t.Fatalf("datagram types never surfaced, saw %v", seen)
		}
	}
}

func TestConnectByCode(t *testing.T) {
	portA, portB := freeUDPPort(t), freeUDPPort(t)

	a := newTestService(t, "peer-a", portA, []string{fmt.Sprintf("127.0.0.1:%d", portB)}, nil)
	b := newTestService(t, "peer-b", portB, []string{fmt.Sprintf("127.0.0.1:%d", portA)}, nil)

	// Lowercase without separators must match the formatted code.
	typed := strings.ToLower(protocol.NormalizeCode(b.service.ShortCode()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	peer, err := a.service.ConnectByCode(ctx, typed)
	if err != nil {
		t.Fatalf("ConnectByCode failed: %v", err)
	}
	if peer.ID != "peer-b" {
		t.Fatalf("expected peer-b, got %q", peer.ID)
	}
	if _, ok := a.dir.Get("peer-b"); !ok {
		t.Fatal("responder missing from requester directory")
	}

	// The responder records the requester from the observed source.
	waitForPeer(t, b.dir, "peer-a", time.Second)
}

func TestConnectByCodeTimeout(t *testing.T) {
	portA, portB := freeUDPPort(t), freeUDPPort(t)

	a := newTestService(t, "peer-a", portA, []string{fmt.Sprintf("127.0.0.1:%d", portB)}, nil)
	newTestService(t, "peer-b", portB, []string{fmt.Sprintf("127.0.0.1:%d", portA)}, nil)

	ctx := context.Background()
	_, err := a.service.ConnectByCode(ctx, "MS-ZZZZ-ZZZZ")
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout for unmatched code, got %v", err)
	}
}

func TestConnectByCodeBlockedRequesterStaysSilent(t *testing.T) {
	portA, portB := freeUDPPort(t), freeUDPPort(t)

	a := newTestService(t, "peer-a", portA, []string{fmt.Sprintf("127.0.0.1:%d", portB)}, nil)
	bSettings := &testSettings{
		enabled:    true,
		visibility: config.VisibilityEveryone,
		blocked:    map[string]bool{"peer-a": true},
		nickname:   "peer-b",
	}
	b := newTestService(t, "peer-b", portB, []string{fmt.Sprintf("127.0.0.1:%d", portA)}, bSettings)

	_, err := a.service.ConnectByCode(context.Background(), b.service.ShortCode())
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected silence toward blocked requester, got %v", err)
	}
	if _, ok := b.dir.Get("peer-a"); ok {
		t.Fatal("blocked requester must not be recorded")
	}
}

func TestBlockedPeerNotUpserted(t *testing.T) {
	portA, portB := freeUDPPort(t), freeUDPPort(t)

	aSettings := &testSettings{
		enabled:    true,
		visibility: config.VisibilityEveryone,
		blocked:    map[string]bool{"peer-b": true},
		nickname:   "peer-a",
	}
	a := newTestService(t, "peer-a", portA, []string{fmt.Sprintf("127.0.0.1:%d", portB)}, aSettings)
	newTestService(t, "peer-b", portB, []string{fmt.Sprintf("127.0.0.1:%d", portA)}, nil)

	time.Sleep(500 * time.Millisecond)
	if _, ok := a.dir.Get("peer-b"); ok {
		t.Fatal("blocked peer must not enter the directory")
	}
}

func TestMalformedDatagramDoesNotKillReceiveLoop(t *testing.T) {
	portA, portB := freeUDPPort(t), freeUDPPort(t)

	a := newTestService(t, "peer-a", portA, []string{fmt.Sprintf("127.0.0.1:%d", portB)}, nil)

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: a.service.BoundPort()})
	if err != nil {
		t.Fatalf("dial service: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{0xc1, 0xde, 0xad}); err != nil {
		t.Fatalf("send garbage: %v", err)
	}

	// The loop must survive and still answer afterwards.
	newTestService(t, "peer-b", portB, []string{fmt.Sprintf("127.0.0.1:%d", portA)}, nil)
	waitForPeer(t, a.dir, "peer-b", 2*time.Second)
}
