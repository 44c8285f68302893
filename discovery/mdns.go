package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"modsync/config"
)

const (
	// MDNSService is the mDNS service name without domain suffix.
	MDNSService = "_modsync._tcp"
	// MDNSDomain is the mDNS domain.
	MDNSDomain = "local."
	// DefaultMDNSRefreshInterval is the background browse interval.
	DefaultMDNSRefreshInterval = 15 * time.Second
	// DefaultMDNSScanTimeout bounds each browse operation.
	DefaultMDNSScanTimeout = 3 * time.Second
)

// MDNSOptions configures the mDNS bootstrap. It advertises the same record
// the UDP protocol does and feeds sightings into the shared directory, so
// peers behind broadcast-filtering switches still find each other.
type MDNSOptions struct {
	PeerID     string
	AppVersion string
	TCPPort    int

	Settings  Settings
	Directory *Directory

	RefreshInterval time.Duration
	ScanTimeout     time.Duration
}

func (o MDNSOptions) withDefaults() MDNSOptions {
	out := o
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultMDNSRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultMDNSScanTimeout
	}
	return out
}

// MDNS advertises local presence over mDNS and periodically browses for
// other instances.
type MDNS struct {
	opts MDNSOptions

	server   *zeroconf.Server
	resolver *zeroconf.Resolver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// StartMDNS registers the mDNS service and begins background browsing.
// Like the UDP service, starting while invisible is a successful no-op.
func StartMDNS(options MDNSOptions) (*MDNS, error) {
	opts := options.withDefaults()
	if opts.PeerID == "" {
		return nil, errors.New("discovery: peer ID is required")
	}
	if opts.Settings == nil || opts.Directory == nil {
		return nil, errors.New("discovery: settings and directory are required")
	}

	m := &MDNS{opts: opts}
	if !opts.Settings.DiscoveryEnabled() ||
		opts.Settings.DiscoveryVisibility() == config.VisibilityInvisible {
		return m, nil
	}

	txt := []string{
		"peer_id=" + opts.PeerID,
		"app_version=" + opts.AppVersion,
		"nickname=" + opts.Settings.LocalNickname(),
	}

	instance := "modsync-" + opts.PeerID
	server, err := zeroconf.Register(instance, MDNSService, MDNSDomain, opts.TCPPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}

	m.server = server
	m.resolver = resolver
	m.startOnce.Do(func() {
		m.ctx, m.cancel = context.WithCancel(context.Background())
		m.wg.Add(1)
		go m.browseLoop()
	})
	return m, nil
}

// Stop shuts down advertisement and browsing.
func (m *MDNS) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
			m.wg.Wait()
		}
		if m.server != nil {
			m.server.Shutdown()
		}
	})
}

func (m *MDNS) browseLoop() {
	defer m.wg.Done()

	m.browseOnce()

	ticker := time.NewTicker(m.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.browseOnce()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *MDNS) browseOnce() {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			if entry == nil {
				continue
			}
			m.handleEntry(entry)
		}
	}()

	if err := m.resolver.Browse(ctx, MDNSService, MDNSDomain, entries); err != nil {
		<-done
		return
	}
	<-ctx.Done()
	<-done
}

func (m *MDNS) handleEntry(entry *zeroconf.ServiceEntry) {
	var peerID, appVersion, nickname string
	for _, field := range entry.Text {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "peer_id":
			peerID = value
		case "app_version":
			appVersion = value
		case "nickname":
			nickname = value
		}
	}

	if peerID == "" || peerID == m.opts.PeerID {
		return
	}
	if m.opts.Settings.PeerBlocked(peerID) {
		return
	}
	if len(entry.AddrIPv4) == 0 {
		return
	}

	m.opts.Directory.Upsert(PeerInfo{
		ID:         peerID,
		Nickname:   nickname,
		Address:    entry.AddrIPv4[0].String(),
		Port:       entry.Port,
		AppVersion: appVersion,
		LastSeen:   time.Now(),
		Status:     PeerStatusOnline,
	})
}
