package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"modsync/api"
	"modsync/config"
	"modsync/discovery"
	"modsync/invite"
	"modsync/notify"
	"modsync/storage"
	"modsync/transfer"
	"modsync/watch"
)

// daemon holds every running subsystem, in start order.
type daemon struct {
	provider   *config.Provider
	store      *storage.Store
	directory  *discovery.Directory
	service    *discovery.Service
	mdns       *discovery.MDNS
	queue      *transfer.Queue
	dispatcher *transfer.Dispatcher
	engine     *watch.Engine
	invites    *invite.Manager
	joiner     *invite.Joiner
	tracker    *notify.Tracker
	apiServer  *api.Server

	pumpCtx    context.Context
	pumpCancel context.CancelFunc
}

func runDaemon(apiAddr string) error {
	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}
	if err := config.EnsureDataDirectories(dataDir); err != nil {
		return err
	}

	cfg, err := config.LoadOrCreate(dataDir)
	if err != nil {
		return err
	}

	d := &daemon{provider: config.NewProvider(cfg)}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return err
	}
	d.store = store
	log.Printf("opened database %s", dbPath)

	d.tracker = notify.NewTracker(store)
	d.directory = discovery.NewDirectory()

	service, err := discovery.NewService(discovery.Options{
		PeerID:          cfg.PeerID,
		AppVersion:      appVersion,
		TCPPort:         cfg.TransferPort(),
		Port:            cfg.DiscoveryPort,
		Settings:        d.provider,
		Directory:       d.directory,
		ModpackVersions: d.tracker.LocalVersions,
	})
	if err != nil {
		store.Close()
		return err
	}
	d.service = service
	if err := service.Start(); err != nil {
		store.Close()
		return err
	}
	if service.Running() {
		log.Printf("discovery listening on UDP %d, pairing code %s", service.BoundPort(), service.ShortCode())
	} else {
		log.Printf("discovery disabled or invisible; not listening")
	}

	mdns, err := discovery.StartMDNS(discovery.MDNSOptions{
		PeerID:     cfg.PeerID,
		AppVersion: appVersion,
		TCPPort:    cfg.TransferPort(),
		Settings:   d.provider,
		Directory:  d.directory,
	})
	if err != nil {
		// Broadcast discovery still works without the mDNS bootstrap.
		log.Printf("mDNS bootstrap unavailable: %v", err)
	}
	d.mdns = mdns

	d.queue = transfer.NewQueue(cfg.MaxConcurrentTransfers)
	d.dispatcher = transfer.NewDispatcher(d.queue, &syncBridge{directory: d.directory})
	d.dispatcher.Start()

	d.engine = watch.NewEngine(&queueFeeder{queue: d.queue, directory: d.directory})
	if err := d.loadWatchConfigs(); err != nil {
		log.Printf("loading watch configs: %v", err)
	}

	invites, err := invite.NewManager(invite.Options{
		HostPeerID: cfg.PeerID,
		P2P:        service,
		Store:      store,
	})
	if err != nil {
		d.shutdown()
		return err
	}
	d.invites = invites

	joiner, err := invite.NewJoiner(invite.JoinerOptions{
		Manager:   invites,
		Hosts:     &hostResolver{directory: d.directory, service: service},
		Instances: &instanceMaterializer{dir: config.InstancesDir(dataDir)},
		Content:   &syncBridge{directory: d.directory},
		Launcher:  &launchLogger{},
	})
	if err != nil {
		d.shutdown()
		return err
	}
	d.joiner = joiner

	d.apiServer = api.NewServer(api.Options{
		Directory:  d.directory,
		Connector:  service,
		Queue:      d.queue,
		Dispatcher: d.dispatcher,
		Watch:      d.engine,
		Invites:    invites,
		Joiner:     joiner,
		Tracker:    d.tracker,
		Store:      store,
		AppVersion: appVersion,
	})

	d.pumpCtx, d.pumpCancel = context.WithCancel(context.Background())
	go d.eventPump()

	apiErr := make(chan error, 1)
	go func() {
		if err := d.apiServer.Start(apiAddr); err != nil && err != http.ErrServerClosed {
			apiErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-apiErr:
		d.shutdown()
		return fmt.Errorf("api server: %w", err)
	case s := <-sig:
		log.Printf("received %s, shutting down", s)
	}

	d.shutdown()
	return nil
}

// shutdown stops subsystems in reverse start order.
func (d *daemon) shutdown() {
	if d.apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.apiServer.Stop(ctx)
		cancel()
	}
	if d.pumpCancel != nil {
		d.pumpCancel()
	}
	if d.engine != nil {
		d.engine.StopAll()
	}
	if d.dispatcher != nil {
		d.dispatcher.Stop()
	}
	if d.mdns != nil {
		d.mdns.Stop()
	}
	if d.service != nil {
		d.service.Stop()
	}
	if d.store != nil {
		d.store.Close()
	}
}

// loadWatchConfigs restores persisted watch configs and restarts the
// enabled ones.
func (d *daemon) loadWatchConfigs() error {
	rows, err := d.store.ListWatchConfigs()
	if err != nil {
		return err
	}
	for _, row := range rows {
		cfg := watch.Config{
			ModpackName:    row.ModpackName,
			ModpackPath:    row.ModpackPath,
			TargetPeers:    row.TargetPeers,
			Enabled:        row.Enabled,
			DebounceMS:     row.DebounceMS,
			IgnorePatterns: row.IgnorePatterns,
			WatchFolders:   row.WatchFolders,
		}
		if err := d.engine.SetConfig(cfg); err != nil {
			log.Printf("watch config %s: %v", row.ModpackName, err)
			continue
		}
		if !cfg.Enabled {
			continue
		}
		if err := d.engine.StartWatching(cfg.ModpackName); err != nil {
			log.Printf("start watching %s: %v", cfg.ModpackName, err)
		}
	}
	return nil
}

// eventPump drains every subsystem channel: logs, metrics, version
// observation and transfer history persistence all live here so the
// subsystems themselves stay free of cross-wiring.
func (d *daemon) eventPump() {
	for {
		select {
		case ev := <-d.directory.Events():
			switch ev.Type {
			case discovery.EventPeerUpserted:
				log.Printf("peer %s (%s) at %s", ev.Peer.ID, ev.Peer.Nickname, ev.Peer.Addr())
				for modpack, version := range ev.Peer.Modpacks {
					if err := d.tracker.ObserveVersion(ev.Peer.ID, modpack, version); err != nil {
						log.Printf("observe version: %v", err)
					}
				}
			case discovery.EventPeerRemoved:
				log.Printf("peer %s went stale", ev.Peer.ID)
			}
			api.PeersKnown.Set(float64(d.directory.Len()))

		case ev := <-d.queue.Events():
			log.Printf("transfer %s (%s -> %s): %s", ev.Transfer.ID, ev.Previous, ev.Transfer.State, ev.Transfer.ModpackName)
			api.TransfersActive.Set(float64(d.queue.ActiveCount()))
			switch ev.Transfer.State {
			case transfer.StateCompleted, transfer.StateFailed, transfer.StateCancelled:
				api.TransfersTotal.WithLabelValues(string(ev.Transfer.State)).Inc()
				d.recordTransfer(ev.Transfer)
			}

		case ev := <-d.engine.Events():
			log.Printf("watch %s: %s (%d changes)", ev.Modpack, ev.Type, ev.Count)
			if ev.Type == watch.EventChangesDetected {
				api.WatchSyncsTotal.Inc()
			}

		case err := <-d.engine.Errors():
			log.Printf("watch error: %v", err)

		case err := <-d.service.Errors():
			log.Printf("discovery error: %v", err)
			api.DiscoveryErrorsTotal.Inc()

		case msgType := <-d.service.Datagrams():
			api.DatagramsTotal.WithLabelValues(msgType).Inc()

		case req := <-d.service.FriendRequests():
			// Trust handling lives outside this daemon; just surface it.
			log.Printf("friend request from %s", req.FromPeerID)

		case n := <-d.tracker.Events():
			log.Printf("update available: %s %s from peer %s", n.ModpackName, n.Version, n.PeerID)

		case <-d.pumpCtx.Done():
			return
		}
	}
}

func (d *daemon) recordTransfer(item transfer.QueuedTransfer) {
	rec := storage.TransferRecord{
		ID:           item.ID,
		PeerID:       item.PeerID,
		PeerNickname: item.PeerNickname,
		ModpackName:  item.ModpackName,
		Priority:     item.Priority.String(),
		State:        string(item.State),
		CreatedAt:    item.CreatedAt.Unix(),
		FinishedAt:   time.Now().Unix(),
		Attempts:     item.Attempts,
		Error:        item.Error,
	}
	if err := d.store.RecordTransfer(rec); err != nil {
		log.Printf("record transfer history: %v", err)
	}
}

// queueFeeder bridges watch flushes into the transfer queue, one queued
// transfer per target peer. An empty target list fans out to every known
// peer.
type queueFeeder struct {
	queue     *transfer.Queue
	directory *discovery.Directory
}

func (f *queueFeeder) DispatchSync(req watch.SyncRequest) {
	targets := req.TargetPeers
	if len(targets) == 0 {
		for _, peer := range f.directory.Snapshot() {
			targets = append(targets, peer.ID)
		}
	}
	for _, peerID := range targets {
		nickname := ""
		if peer, ok := f.directory.Get(peerID); ok {
			nickname = peer.Nickname
		}
		f.queue.Add(peerID, nickname, req.Modpack, transfer.PriorityNormal, req.Changes)
	}
}

// syncBridge is the attach point for the external delta-transfer engine.
// Until one is wired it reports the session as failed so queued work is
// never silently dropped.
type syncBridge struct {
	directory *discovery.Directory
}

func (b *syncBridge) BroadcastSync(ctx context.Context, peerIDs []string, modpack string, manifest []watch.FileChange) ([]transfer.SyncResult, error) {
	results := make([]transfer.SyncResult, 0, len(peerIDs))
	for _, peerID := range peerIDs {
		if _, ok := b.directory.Get(peerID); !ok {
			results = append(results, transfer.SyncResult{PeerID: peerID, Err: fmt.Errorf("peer %s not reachable", peerID)})
			continue
		}
		results = append(results, transfer.SyncResult{
			PeerID: peerID,
			Err:    fmt.Errorf("transfer engine not attached"),
		})
	}
	return results, nil
}

func (b *syncBridge) CancelSession(ctx context.Context, sessionID string) error {
	return nil
}

func (b *syncBridge) Fetch(ctx context.Context, hostAddr, instanceID string, inv invite.ServerInvite, progress func(invite.StageDownloading)) error {
	return fmt.Errorf("transfer engine not attached")
}

// hostResolver locates an invite's host through the peer directory, falling
// back to waiting for a broadcast sighting.
type hostResolver struct {
	directory *discovery.Directory
	service   *discovery.Service
}

func (r *hostResolver) ResolveHost(ctx context.Context, hostPeerID string) (string, error) {
	if peer, ok := r.directory.Get(hostPeerID); ok {
		return peer.Addr(), nil
	}
	if !r.service.Running() {
		return "", fmt.Errorf("discovery is not running")
	}

	// The host broadcasts every few seconds; poll the directory briefly
	// before giving up.
	deadline := time.After(discovery.DefaultPeerTimeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if peer, ok := r.directory.Get(hostPeerID); ok {
				return peer.Addr(), nil
			}
		case <-deadline:
			return "", fmt.Errorf("host peer %s not found on the LAN", hostPeerID)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// instanceMaterializer creates instance directories under the app data dir
// with a small manifest for the external launcher integration.
type instanceMaterializer struct {
	dir string
}

type instanceManifest struct {
	ID            string    `json:"id"`
	ServerName    string    `json:"server_name"`
	MCVersion     string    `json:"mc_version,omitempty"`
	Loader        string    `json:"loader,omitempty"`
	ServerAddress string    `json:"server_address,omitempty"`
	InviteCode    string    `json:"invite_code"`
	CreatedAt     time.Time `json:"created_at"`
}

func (m *instanceMaterializer) CreateInstance(ctx context.Context, inv invite.ServerInvite) (string, error) {
	id := uuid.NewString()
	root := filepath.Join(m.dir, id)
	for _, sub := range []string{"mods", "config"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return "", fmt.Errorf("create instance directory: %w", err)
		}
	}

	manifest := instanceManifest{
		ID:            id,
		ServerName:    inv.ServerName,
		MCVersion:     inv.MCVersion,
		Loader:        inv.Loader,
		ServerAddress: inv.ServerAddress,
		InviteCode:    inv.Code,
		CreatedAt:     time.Now(),
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(root, "instance.json"), data, 0o644); err != nil {
		return "", fmt.Errorf("write instance manifest: %w", err)
	}
	return id, nil
}

// launchLogger stands in for the external game launcher integration.
type launchLogger struct{}

func (launchLogger) Launch(ctx context.Context, instanceID, serverAddress string) error {
	log.Printf("instance %s ready, connect to %s", instanceID, serverAddress)
	return nil
}
