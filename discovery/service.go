package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"modsync/config"
	"modsync/protocol"
)

const (
	// DefaultBroadcastInterval is the presence broadcast period.
	DefaultBroadcastInterval = 5 * time.Second
	// DefaultSweepInterval is the stale peer sweep period.
	DefaultSweepInterval = 10 * time.Second
	// DefaultPeerTimeout evicts peers silent for six broadcast cycles.
	DefaultPeerTimeout = 30 * time.Second
	// DefaultConnectTimeout bounds a connect-by-code exchange.
	DefaultConnectTimeout = 5 * time.Second
)

// portOffsets are the deterministic bind fallbacks tried in order.
var portOffsets = []int{0, 10, 20, 30}

var (
	// ErrBindFailed indicates no discovery port could be bound.
	ErrBindFailed = errors.New("discovery: could not bind any discovery port")
	// ErrConnectTimeout indicates no peer answered a connect-by-code request.
	ErrConnectTimeout = errors.New("discovery: no peer responded to code")
	// ErrNotRunning indicates the service has not been started.
	ErrNotRunning = errors.New("discovery: service not running")
)

// Settings is the slice of application settings discovery consults. The
// config.Provider satisfies it.
type Settings interface {
	DiscoveryEnabled() bool
	DiscoveryVisibility() config.Visibility
	PeerBlocked(peerID string) bool
	LocalNickname() string
}

// Options configures the discovery service.
type Options struct {
	PeerID     string
	AppVersion string
	// TCPPort is the transfer listen port advertised in every message. The
	// bound UDP port may differ from the configured one, so it is never
	// derived by convention on the receiving side.
	TCPPort int
	// Port is the primary UDP discovery port; +10/+20/+30 are tried next.
	Port int

	Settings  Settings
	Directory *Directory

	// ModpackVersions supplies the locally installed modpack versions
	// advertised to peers. Optional.
	ModpackVersions func() map[string]string
	// CurrentServer supplies the server address this instance is hosting
	// or playing on. Optional.
	CurrentServer func() string

	// BroadcastTargets overrides the computed subnet broadcast addresses
	// with explicit "host:port" targets. Tests use this to wire two
	// services on loopback.
	BroadcastTargets []string

	BroadcastInterval time.Duration
	SweepInterval     time.Duration
	PeerTimeout       time.Duration
	ConnectTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.BroadcastInterval <= 0 {
		out.BroadcastInterval = DefaultBroadcastInterval
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.PeerTimeout <= 0 {
		out.PeerTimeout = DefaultPeerTimeout
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	return out
}

func (o Options) validate() error {
	if o.PeerID == "" {
		return errors.New("discovery: peer ID is required")
	}
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("discovery: port %d out of range", o.Port)
	}
	if o.Settings == nil {
		return errors.New("discovery: settings provider is required")
	}
	if o.Directory == nil {
		return errors.New("discovery: peer directory is required")
	}
	return nil
}

// Service owns the UDP discovery socket and its three background loops:
// presence broadcast, receive/dispatch, and stale peer sweep.
type Service struct {
	opts Options

	shortCode string

	mu        sync.Mutex
	conn      *net.UDPConn
	boundPort int
	running   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once

	errs           chan error
	datagrams      chan string
	friendRequests chan protocol.FriendRequest
}

// NewService creates a discovery service and generates its pairing code.
// The code is stable for the process lifetime.
func NewService(options Options) (*Service, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	code, err := protocol.GenerateCode(protocol.ShortCodePrefix)
	if err != nil {
		return nil, err
	}

	return &Service{
		opts:           opts,
		shortCode:      code,
		errs:           make(chan error, 64),
		datagrams:      make(chan string, 256),
		friendRequests: make(chan protocol.FriendRequest, 16),
	}, nil
}

// ShortCode returns this instance's pairing code.
func (s *Service) ShortCode() string {
	return s.shortCode
}

// Running reports whether the socket is bound and the loops are live.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// BoundPort returns the UDP port actually bound, 0 when not running.
func (s *Service) BoundPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundPort
}

// Errors surfaces steady-state socket and codec faults. The loops log and
// continue; they never terminate on a bad datagram or failed send.
func (s *Service) Errors() <-chan error {
	return s.errs
}

// Datagrams reports the wire type tag of every well-formed datagram the
// receive loop handles, one entry per datagram. Feeds the daemon's
// counters; entries are dropped when the consumer lags.
func (s *Service) Datagrams() <-chan string {
	return s.datagrams
}

// FriendRequests surfaces opaque trust-layer payloads relayed untouched.
func (s *Service) FriendRequests() <-chan protocol.FriendRequest {
	return s.friendRequests
}

// Start binds the discovery socket and launches the background loops.
// When discovery is disabled or visibility is invisible, Start is a
// successful no-op: nothing is bound, broadcast or answered.
func (s *Service) Start() error {
	if !s.opts.Settings.DiscoveryEnabled() ||
		s.opts.Settings.DiscoveryVisibility() == config.VisibilityInvisible {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	var conn *net.UDPConn
	var bound int
	var lastErr error
	for _, offset := range portOffsets {
		port := s.opts.Port + offset
		c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
		if err != nil {
			lastErr = err
			continue
		}
		conn, bound = c, port
		break
	}
	if conn == nil {
		return fmt.Errorf("%w: %v", ErrBindFailed, lastErr)
	}

	s.conn = conn
	s.boundPort = bound
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(3)
	go s.broadcastLoop()
	go s.receiveLoop()
	go s.sweepLoop()

	return nil
}

// Stop cancels the loops, closes the socket and clears the directory.
// Safe to call on a never-started (invisible) service.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		running := s.running
		s.running = false
		conn := s.conn
		s.mu.Unlock()

		if !running {
			return
		}

		s.cancel()
		conn.Close() // unblocks the receive loop
		s.wg.Wait()
		s.opts.Directory.Clear()
	})
}

func (s *Service) broadcastLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.BroadcastInterval)
	defer ticker.Stop()

	s.sendPresence()
	for {
		select {
		case <-ticker.C:
			s.sendPresence()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) sendPresence() {
	// Settings can change while the loops run; a peer switched to
	// invisible goes silent on the next tick, no restart needed.
	if !s.opts.Settings.DiscoveryEnabled() ||
		s.opts.Settings.DiscoveryVisibility() == config.VisibilityInvisible {
		return
	}

	msg := protocol.Discovery{
		PeerID:     s.opts.PeerID,
		Nickname:   s.opts.Settings.LocalNickname(),
		AppVersion: s.opts.AppVersion,
		TCPPort:    s.opts.TCPPort,
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		s.reportErr(fmt.Errorf("encode presence: %w", err))
		return
	}
	s.sendToTargets(s.conn, data)
}

// sendToTargets writes a datagram to every broadcast target. Explicit
// targets are used verbatim; otherwise each subnet broadcast address is
// tried on the primary port and its fallback offsets, since a peer whose
// primary port was busy listens on one of those.
func (s *Service) sendToTargets(conn *net.UDPConn, data []byte) {
	for _, target := range s.targetAddrs() {
		if _, err := conn.WriteToUDP(data, target); err != nil {
			s.reportErr(fmt.Errorf("broadcast to %s: %w", target, err))
		}
	}
}

func (s *Service) targetAddrs() []*net.UDPAddr {
	if len(s.opts.BroadcastTargets) > 0 {
		var out []*net.UDPAddr
		for _, target := range s.opts.BroadcastTargets {
			addr, err := net.ResolveUDPAddr("udp4", target)
			if err != nil {
				s.reportErr(fmt.Errorf("resolve broadcast target %q: %w", target, err))
				continue
			}
			out = append(out, addr)
		}
		return out
	}

	var out []*net.UDPAddr
	for _, ip := range broadcastIPs() {
		for _, offset := range portOffsets {
			out = append(out, &net.UDPAddr{IP: ip, Port: s.opts.Port + offset})
		}
	}
	return out
}

// broadcastIPs returns the IPv4 directed broadcast address of every up,
// non-loopback interface, plus the limited broadcast address.
func broadcastIPs() []net.IP {
	ips := []net.IP{net.IPv4bcast}

	ifaces, err := net.Interfaces()
	if err != nil {
		return ips
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := ipnet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			bcast := make(net.IP, net.IPv4len)
			for i := 0; i < net.IPv4len; i++ {
				bcast[i] = ip4[i] | ^mask[i]
			}
			ips = append(ips, bcast)
		}
	}
	return ips
}

func (s *Service) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.reportErr(fmt.Errorf("read datagram: %w", err))
			continue
		}

		msg, err := protocol.Decode(buf[:n])
		if err != nil {
			// The network is adversarial; malformed datagrams are dropped.
			continue
		}
		select {
		case s.datagrams <- protocol.MessageType(msg):
		default:
		}
		s.dispatch(msg, src)
	}
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.opts.Directory.SweepStale(s.opts.PeerTimeout)
		case <-s.ctx.Done():
			return
		}
	}
}

// dispatch handles one decoded datagram. Discovery exchanges are stateless
// request/response pairs; there are no sessions to track.
func (s *Service) dispatch(msg protocol.Message, src *net.UDPAddr) {
	switch m := msg.(type) {
	case protocol.Discovery:
		if m.ProtocolVersion != protocol.Version || m.PeerID == s.opts.PeerID {
			return
		}
		if s.opts.Settings.DiscoveryVisibility() == config.VisibilityInvisible {
			return
		}
		s.reply(protocol.DiscoveryResponse{Peer: s.localRecord()}, src)

	case protocol.DiscoveryResponse:
		if m.ProtocolVersion != protocol.Version || m.Peer.PeerID == s.opts.PeerID {
			return
		}
		if s.opts.Settings.PeerBlocked(m.Peer.PeerID) {
			return
		}
		s.opts.Directory.Upsert(peerFromRecord(m.Peer, src))

	case protocol.Ping:
		if m.ProtocolVersion != protocol.Version {
			return
		}
		s.reply(protocol.Pong{PeerID: s.opts.PeerID, Timestamp: m.Timestamp}, src)

	case protocol.Pong:
		// RTT probes are answered, not consumed.

	case protocol.ConnectByCode:
		if m.ProtocolVersion != protocol.Version || m.Requester.PeerID == s.opts.PeerID {
			return
		}
		// Non-matching codes stay silent: a negative ack would leak
		// presence to code-guessing peers.
		if !protocol.CodesEqual(m.Code, s.shortCode) {
			return
		}
		if s.opts.Settings.PeerBlocked(m.Requester.PeerID) {
			return
		}
		s.opts.Directory.Upsert(peerFromRecord(m.Requester, src))
		s.reply(protocol.ConnectByCodeResponse{
			Code:    m.Code,
			Success: true,
			Peer:    s.localRecord(),
		}, src)

	case protocol.ConnectByCodeResponse:
		if m.ProtocolVersion != protocol.Version || !m.Success {
			return
		}
		if m.Peer.PeerID == s.opts.PeerID || s.opts.Settings.PeerBlocked(m.Peer.PeerID) {
			return
		}
		s.opts.Directory.Upsert(peerFromRecord(m.Peer, src))

	case protocol.FriendRequest:
		select {
		case s.friendRequests <- m:
		default:
		}
	}
}

func (s *Service) reply(msg protocol.Message, dst *net.UDPAddr) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.reportErr(fmt.Errorf("encode reply: %w", err))
		return
	}
	if _, err := s.conn.WriteToUDP(data, dst); err != nil {
		s.reportErr(fmt.Errorf("reply to %s: %w", dst, err))
	}
}

func (s *Service) localRecord() protocol.PeerRecord {
	record := protocol.PeerRecord{
		PeerID:     s.opts.PeerID,
		Nickname:   s.opts.Settings.LocalNickname(),
		AppVersion: s.opts.AppVersion,
		TCPPort:    s.opts.TCPPort,
	}
	if s.opts.ModpackVersions != nil {
		record.Modpacks = s.opts.ModpackVersions()
	}
	if s.opts.CurrentServer != nil {
		record.CurrentServer = s.opts.CurrentServer()
	}
	return record
}

// peerFromRecord builds a directory entry from a wire record and the
// observed datagram source. Only the TCP port is taken from the payload;
// trusting a self-reported address would allow upsert spoofing.
func peerFromRecord(record protocol.PeerRecord, src *net.UDPAddr) PeerInfo {
	return PeerInfo{
		ID:            record.PeerID,
		Nickname:      record.Nickname,
		Address:       src.IP.String(),
		Port:          record.TCPPort,
		AppVersion:    record.AppVersion,
		LastSeen:      time.Now(),
		Status:        PeerStatusOnline,
		Modpacks:      record.Modpacks,
		CurrentServer: record.CurrentServer,
	}
}

// ConnectByCode broadcasts a pairing request for the given short code and
// waits for the owner's response on an ephemeral socket. This is the only
// discovery call with a blocking contract; it fails with ErrConnectTimeout
// when nobody answers within the connect timeout.
func (s *Service) ConnectByCode(ctx context.Context, code string) (PeerInfo, error) {
	if !s.Running() {
		return PeerInfo{}, ErrNotRunning
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return PeerInfo{}, fmt.Errorf("open connect socket: %w", err)
	}
	defer conn.Close()

	request := protocol.ConnectByCode{
		Code:      code,
		Requester: s.localRecord(),
	}
	data, err := protocol.Encode(request)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("encode connect request: %w", err)
	}
	s.sendToTargets(conn, data)

	deadline := time.Now().Add(s.opts.ConnectTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return PeerInfo{}, fmt.Errorf("set connect deadline: %w", err)
	}

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if ctx.Err() != nil {
					return PeerInfo{}, ctx.Err()
				}
				return PeerInfo{}, ErrConnectTimeout
			}
			return PeerInfo{}, fmt.Errorf("read connect response: %w", err)
		}

		msg, err := protocol.Decode(buf[:n])
		if err != nil {
			continue
		}
		response, ok := msg.(protocol.ConnectByCodeResponse)
		if !ok || !response.Success || !protocol.CodesEqual(response.Code, code) {
			continue
		}

		peer := peerFromRecord(response.Peer, src)
		s.opts.Directory.Upsert(peer)
		return peer, nil
	}
}

func (s *Service) reportErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
