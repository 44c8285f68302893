// Package api exposes the daemon's state over a localhost REST surface for
// the external UI, plus Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modsync/discovery"
	"modsync/invite"
	"modsync/notify"
	"modsync/storage"
	"modsync/transfer"
	"modsync/watch"
)

// Connector pairs with a peer by short code. The discovery service
// satisfies it.
type Connector interface {
	ConnectByCode(ctx context.Context, code string) (discovery.PeerInfo, error)
	ShortCode() string
	Running() bool
}

// Options wires the server to the daemon's subsystems. Any nil collaborator
// disables its routes with 503s rather than panicking.
type Options struct {
	Directory  *discovery.Directory
	Connector  Connector
	Queue      *transfer.Queue
	Dispatcher *transfer.Dispatcher
	Watch      *watch.Engine
	Invites    *invite.Manager
	Joiner     *invite.Joiner
	Tracker    *notify.Tracker
	Store      *storage.Store
	AppVersion string
}

// Server is the REST API server.
type Server struct {
	opts   Options
	router *mux.Router
	server *http.Server

	startedAt time.Time

	mu    sync.Mutex
	joins map[string]*joinState
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewServer creates a REST server over the given subsystems.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:      opts,
		router:    mux.NewRouter(),
		startedAt: time.Now(),
		joins:     make(map[string]*joinState),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/peers", s.listPeers).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/connect", s.connectByCode).Methods("POST", "OPTIONS")

	s.router.HandleFunc("/queue", s.listQueue).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/queue/history", s.listHistory).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/queue/{id}/cancel", s.cancelTransfer).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/queue/{id}/retry", s.retryTransfer).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/queue/{id}/priority", s.setTransferPriority).Methods("POST", "OPTIONS")

	s.router.HandleFunc("/watches", s.listWatches).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/watches", s.saveWatch).Methods("POST")
	s.router.HandleFunc("/watches/{name}/start", s.startWatch).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/watches/{name}/stop", s.stopWatch).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/watches/{name}", s.deleteWatch).Methods("DELETE", "OPTIONS")

	s.router.HandleFunc("/invites", s.listInvites).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/invites", s.createInvite).Methods("POST")
	s.router.HandleFunc("/invites/{id}/revoke", s.revokeInvite).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/invites/{id}", s.deleteInvite).Methods("DELETE", "OPTIONS")

	s.router.HandleFunc("/join", s.startJoin).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/join/{id}", s.getJoin).Methods("GET", "OPTIONS")

	s.router.HandleFunc("/notifications", s.listNotifications).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/notifications/{id}/dismiss", s.dismissNotification).Methods("POST", "OPTIONS")

	s.router.HandleFunc("/health", s.healthCheck).Methods("GET", "OPTIONS")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API on addr until Stop.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("starting REST API server on %s", addr)
	return s.server.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// PeerInfo is the wire form of one discovered peer.
type PeerInfo struct {
	ID            string            `json:"id"`
	Nickname      string            `json:"nickname,omitempty"`
	Address       string            `json:"address"`
	Port          int               `json:"port"`
	AppVersion    string            `json:"app_version,omitempty"`
	LastSeen      time.Time         `json:"last_seen"`
	Status        string            `json:"status"`
	Modpacks      map[string]string `json:"modpacks,omitempty"`
	CurrentServer string            `json:"current_server,omitempty"`
}

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	if s.opts.Directory == nil {
		s.writeError(w, http.StatusServiceUnavailable, "peer directory not available", nil)
		return
	}

	peers := s.opts.Directory.Snapshot()
	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerInfo{
			ID:            p.ID,
			Nickname:      p.Nickname,
			Address:       p.Address,
			Port:          p.Port,
			AppVersion:    p.AppVersion,
			LastSeen:      p.LastSeen,
			Status:        p.Status,
			Modpacks:      p.Modpacks,
			CurrentServer: p.CurrentServer,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) connectByCode(w http.ResponseWriter, r *http.Request) {
	if s.opts.Connector == nil {
		s.writeError(w, http.StatusServiceUnavailable, "discovery not available", nil)
		return
	}

	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if body.Code == "" {
		s.writeError(w, http.StatusBadRequest, "pairing code is required", nil)
		return
	}

	peer, err := s.opts.Connector.ConnectByCode(r.Context(), body.Code)
	if err != nil {
		if errors.Is(err, discovery.ErrConnectTimeout) {
			s.writeError(w, http.StatusNotFound, "no peer responded to the code", nil)
			return
		}
		if errors.Is(err, discovery.ErrNotRunning) {
			s.writeError(w, http.StatusServiceUnavailable, "discovery is not running", nil)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "connect failed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, PeerInfo{
		ID:         peer.ID,
		Nickname:   peer.Nickname,
		Address:    peer.Address,
		Port:       peer.Port,
		AppVersion: peer.AppVersion,
		LastSeen:   peer.LastSeen,
		Status:     peer.Status,
	})
}

// TransferInfo is the wire form of one queued transfer.
type TransferInfo struct {
	ID           string    `json:"id"`
	PeerID       string    `json:"peer_id"`
	PeerNickname string    `json:"peer_nickname,omitempty"`
	ModpackName  string    `json:"modpack_name"`
	Priority     string    `json:"priority"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	Attempts     int       `json:"attempts"`
	Error        string    `json:"error,omitempty"`
	Files        int       `json:"files"`
}

func transferInfo(item transfer.QueuedTransfer) TransferInfo {
	return TransferInfo{
		ID:           item.ID,
		PeerID:       item.PeerID,
		PeerNickname: item.PeerNickname,
		ModpackName:  item.ModpackName,
		Priority:     item.Priority.String(),
		State:        string(item.State),
		CreatedAt:    item.CreatedAt,
		Attempts:     item.Attempts,
		Error:        item.Error,
		Files:        len(item.Manifest),
	}
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	if s.opts.Queue == nil {
		s.writeError(w, http.StatusServiceUnavailable, "transfer queue not available", nil)
		return
	}

	items := s.opts.Queue.Snapshot()
	out := make([]TransferInfo, 0, len(items))
	for _, item := range items {
		out = append(out, transferInfo(item))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "storage not available", nil)
		return
	}

	records, err := s.opts.Store.ListTransferHistory(100)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list transfer history", err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) cancelTransfer(w http.ResponseWriter, r *http.Request) {
	if s.opts.Dispatcher == nil {
		s.writeError(w, http.StatusServiceUnavailable, "transfer dispatcher not available", nil)
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.opts.Dispatcher.Cancel(id); err != nil {
		s.writeTransferError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "message": "transfer cancelled"})
}

func (s *Server) retryTransfer(w http.ResponseWriter, r *http.Request) {
	if s.opts.Queue == nil {
		s.writeError(w, http.StatusServiceUnavailable, "transfer queue not available", nil)
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.opts.Queue.Retry(id); err != nil {
		s.writeTransferError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "message": "transfer requeued"})
}

func (s *Server) setTransferPriority(w http.ResponseWriter, r *http.Request) {
	if s.opts.Queue == nil {
		s.writeError(w, http.StatusServiceUnavailable, "transfer queue not available", nil)
		return
	}

	var body struct {
		Priority string `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	priority, err := transfer.ParsePriority(body.Priority)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid priority", err)
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.opts.Queue.SetPriority(id, priority); err != nil {
		s.writeTransferError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "message": "priority updated"})
}

func (s *Server) writeTransferError(w http.ResponseWriter, id string, err error) {
	var transition *transfer.TransitionError
	switch {
	case errors.Is(err, transfer.ErrTransferNotFound):
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("transfer %s not found", id), nil)
	case errors.As(err, &transition):
		s.writeError(w, http.StatusConflict, "invalid transfer state", err)
	default:
		s.writeError(w, http.StatusInternalServerError, "transfer operation failed", err)
	}
}

// WatchInfo is the wire form of one watch config.
type WatchInfo struct {
	ModpackName    string   `json:"modpack_name"`
	ModpackPath    string   `json:"modpack_path"`
	TargetPeers    []string `json:"target_peers,omitempty"`
	Enabled        bool     `json:"enabled"`
	DebounceMS     int      `json:"debounce_ms"`
	IgnorePatterns []string `json:"ignore_patterns,omitempty"`
	WatchFolders   []string `json:"watch_folders,omitempty"`
	Watching       bool     `json:"watching"`
}

func (s *Server) listWatches(w http.ResponseWriter, r *http.Request) {
	if s.opts.Watch == nil {
		s.writeError(w, http.StatusServiceUnavailable, "watch engine not available", nil)
		return
	}

	configs := s.opts.Watch.Configs()
	out := make([]WatchInfo, 0, len(configs))
	for name, cfg := range configs {
		out = append(out, WatchInfo{
			ModpackName:    cfg.ModpackName,
			ModpackPath:    cfg.ModpackPath,
			TargetPeers:    cfg.TargetPeers,
			Enabled:        cfg.Enabled,
			DebounceMS:     cfg.DebounceMS,
			IgnorePatterns: cfg.IgnorePatterns,
			WatchFolders:   cfg.WatchFolders,
			Watching:       s.opts.Watch.Watching(name),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) saveWatch(w http.ResponseWriter, r *http.Request) {
	if s.opts.Watch == nil {
		s.writeError(w, http.StatusServiceUnavailable, "watch engine not available", nil)
		return
	}

	var body WatchInfo
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	cfg := watch.Config{
		ModpackName:    body.ModpackName,
		ModpackPath:    body.ModpackPath,
		TargetPeers:    body.TargetPeers,
		Enabled:        body.Enabled,
		DebounceMS:     body.DebounceMS,
		IgnorePatterns: body.IgnorePatterns,
		WatchFolders:   body.WatchFolders,
	}
	if err := s.opts.Watch.SetConfig(cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid watch config", err)
		return
	}

	if s.opts.Store != nil {
		err := s.opts.Store.SaveWatchConfig(storage.WatchConfig{
			ModpackName:    cfg.ModpackName,
			ModpackPath:    cfg.ModpackPath,
			TargetPeers:    cfg.TargetPeers,
			Enabled:        cfg.Enabled,
			DebounceMS:     cfg.DebounceMS,
			IgnorePatterns: cfg.IgnorePatterns,
			WatchFolders:   cfg.WatchFolders,
		})
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to persist watch config", err)
			return
		}
	}
	s.writeJSON(w, http.StatusCreated, body)
}

func (s *Server) startWatch(w http.ResponseWriter, r *http.Request) {
	if s.opts.Watch == nil {
		s.writeError(w, http.StatusServiceUnavailable, "watch engine not available", nil)
		return
	}

	name := mux.Vars(r)["name"]
	if err := s.opts.Watch.StartWatching(name); err != nil {
		switch {
		case errors.Is(err, watch.ErrUnknownModpack):
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("no watch config for %q", name), nil)
		case errors.Is(err, watch.ErrWatchDisabled), errors.Is(err, watch.ErrAlreadyWatching):
			s.writeError(w, http.StatusConflict, "cannot start watch", err)
		default:
			s.writeError(w, http.StatusInternalServerError, "failed to start watch", err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"modpack": name, "message": "watch started"})
}

func (s *Server) stopWatch(w http.ResponseWriter, r *http.Request) {
	if s.opts.Watch == nil {
		s.writeError(w, http.StatusServiceUnavailable, "watch engine not available", nil)
		return
	}

	name := mux.Vars(r)["name"]
	s.opts.Watch.StopWatching(name)
	s.writeJSON(w, http.StatusOK, map[string]string{"modpack": name, "message": "watch stopped"})
}

func (s *Server) deleteWatch(w http.ResponseWriter, r *http.Request) {
	if s.opts.Watch == nil {
		s.writeError(w, http.StatusServiceUnavailable, "watch engine not available", nil)
		return
	}

	name := mux.Vars(r)["name"]
	s.opts.Watch.RemoveConfig(name)
	if s.opts.Store != nil {
		if err := s.opts.Store.DeleteWatchConfig(name); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusInternalServerError, "failed to delete watch config", err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"modpack": name, "message": "watch removed"})
}

// InviteInfo is the wire form of one server invite.
type InviteInfo struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"`
	ServerInstanceID string    `json:"server_instance_id,omitempty"`
	ServerName       string    `json:"server_name"`
	MCVersion        string    `json:"mc_version,omitempty"`
	Loader           string    `json:"loader,omitempty"`
	ServerAddress    string    `json:"server_address,omitempty"`
	HostPeerID       string    `json:"host_peer_id"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        string    `json:"expires_at,omitempty"`
	MaxUses          int       `json:"max_uses"`
	UseCount         int       `json:"use_count"`
	Active           bool      `json:"active"`
	Valid            bool      `json:"valid"`
}

func inviteInfo(inv invite.ServerInvite) InviteInfo {
	info := InviteInfo{
		ID:               inv.ID,
		Code:             inv.Code,
		ServerInstanceID: inv.ServerInstanceID,
		ServerName:       inv.ServerName,
		MCVersion:        inv.MCVersion,
		Loader:           inv.Loader,
		ServerAddress:    inv.ServerAddress,
		HostPeerID:       inv.HostPeerID,
		CreatedAt:        inv.CreatedAt,
		MaxUses:          inv.MaxUses,
		UseCount:         inv.UseCount,
		Active:           inv.Active,
		Valid:            inv.IsValid(),
	}
	if !inv.ExpiresAt.IsZero() {
		info.ExpiresAt = inv.ExpiresAt.Format(time.RFC3339)
	}
	return info
}

func (s *Server) listInvites(w http.ResponseWriter, r *http.Request) {
	if s.opts.Invites == nil {
		s.writeError(w, http.StatusServiceUnavailable, "invite manager not available", nil)
		return
	}

	invites := s.opts.Invites.ListInvites()
	out := make([]InviteInfo, 0, len(invites))
	for _, inv := range invites {
		out = append(out, inviteInfo(inv))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) createInvite(w http.ResponseWriter, r *http.Request) {
	if s.opts.Invites == nil {
		s.writeError(w, http.StatusServiceUnavailable, "invite manager not available", nil)
		return
	}

	var body struct {
		ServerInstanceID string `json:"server_instance_id"`
		ServerName       string `json:"server_name"`
		MCVersion        string `json:"mc_version"`
		Loader           string `json:"loader"`
		ServerAddress    string `json:"server_address"`
		ExpiresInHours   int    `json:"expires_in_hours"`
		MaxUses          int    `json:"max_uses"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	inv, err := s.opts.Invites.CreateInvite(invite.CreateInviteParams{
		ServerInstanceID: body.ServerInstanceID,
		ServerName:       body.ServerName,
		MCVersion:        body.MCVersion,
		Loader:           body.Loader,
		ServerAddress:    body.ServerAddress,
		ExpiresIn:        time.Duration(body.ExpiresInHours) * time.Hour,
		MaxUses:          body.MaxUses,
	})
	if err != nil {
		if errors.Is(err, invite.ErrP2PNotRunning) {
			s.writeError(w, http.StatusServiceUnavailable, "p2p service is not running", nil)
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to create invite", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, inviteInfo(inv))
}

func (s *Server) revokeInvite(w http.ResponseWriter, r *http.Request) {
	if s.opts.Invites == nil {
		s.writeError(w, http.StatusServiceUnavailable, "invite manager not available", nil)
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.opts.Invites.RevokeInvite(id); err != nil {
		if errors.Is(err, invite.ErrInviteNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("invite %s not found", id), nil)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to revoke invite", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "message": "invite revoked"})
}

func (s *Server) deleteInvite(w http.ResponseWriter, r *http.Request) {
	if s.opts.Invites == nil {
		s.writeError(w, http.StatusServiceUnavailable, "invite manager not available", nil)
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.opts.Invites.DeleteInvite(id); err != nil {
		if errors.Is(err, invite.ErrInviteNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("invite %s not found", id), nil)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to delete invite", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "message": "invite deleted"})
}

// JoinStatus is the polled view of one quick-join attempt.
type JoinStatus struct {
	ID         string  `json:"id"`
	Code       string  `json:"code"`
	Stage      string  `json:"stage"`
	Detail     string  `json:"detail,omitempty"`
	Progress   float64 `json:"progress,omitempty"`
	FilesDone  int     `json:"files_done,omitempty"`
	FilesTotal int     `json:"files_total,omitempty"`
	Error      string  `json:"error,omitempty"`
	Done       bool    `json:"done"`
}

type joinState struct {
	mu     sync.Mutex
	status JoinStatus
}

func (j *joinState) set(stage invite.Stage) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.status.Progress = 0
	j.status.FilesDone = 0
	j.status.FilesTotal = 0
	j.status.Detail = ""

	switch st := stage.(type) {
	case invite.StageValidating:
		j.status.Stage = "validating"
	case invite.StageConnecting:
		j.status.Stage = "connecting"
		j.status.Detail = st.HostPeerID
	case invite.StageCreatingInstance:
		j.status.Stage = "creating_instance"
		j.status.Detail = st.Name
	case invite.StageDownloading:
		j.status.Stage = "downloading"
		j.status.Detail = st.CurrentFile
		j.status.Progress = st.Progress
		j.status.FilesDone = st.FilesDone
		j.status.FilesTotal = st.FilesTotal
	case invite.StageReady:
		j.status.Stage = "ready"
		j.status.Detail = st.InstanceID
	case invite.StageLaunching:
		j.status.Stage = "launching"
		j.status.Detail = st.Address
	case invite.StageComplete:
		j.status.Stage = "complete"
		j.status.Done = true
	case invite.StageFailed:
		j.status.Stage = "failed"
		j.status.Error = st.Err.Error()
		j.status.Done = true
	}
}

func (j *joinState) snapshot() JoinStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (s *Server) startJoin(w http.ResponseWriter, r *http.Request) {
	if s.opts.Joiner == nil {
		s.writeError(w, http.StatusServiceUnavailable, "quick-join not available", nil)
		return
	}

	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if body.Code == "" {
		s.writeError(w, http.StatusBadRequest, "invite code is required", nil)
		return
	}

	id := uuid.NewString()
	state := &joinState{status: JoinStatus{ID: id, Code: body.Code, Stage: "validating"}}

	s.mu.Lock()
	s.joins[id] = state
	s.mu.Unlock()

	stages := s.opts.Joiner.Join(context.Background(), body.Code)
	go func() {
		for stage := range stages {
			state.set(stage)
		}
		final := state.snapshot()
		if final.Error != "" {
			InviteJoinsTotal.WithLabelValues("failed").Inc()
		} else {
			InviteJoinsTotal.WithLabelValues("completed").Inc()
		}
	}()

	s.writeJSON(w, http.StatusAccepted, state.snapshot())
}

func (s *Server) getJoin(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	state, ok := s.joins[id]
	s.mu.Unlock()

	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("join %s not found", id), nil)
		return
	}
	s.writeJSON(w, http.StatusOK, state.snapshot())
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tracker == nil {
		s.writeError(w, http.StatusServiceUnavailable, "update tracker not available", nil)
		return
	}

	pending, err := s.opts.Tracker.Pending()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list notifications", err)
		return
	}
	if pending == nil {
		pending = []notify.Notification{}
	}
	s.writeJSON(w, http.StatusOK, pending)
}

func (s *Server) dismissNotification(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tracker == nil {
		s.writeError(w, http.StatusServiceUnavailable, "update tracker not available", nil)
		return
	}

	var id int64
	if _, err := fmt.Sscanf(mux.Vars(r)["id"], "%d", &id); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid notification id", err)
		return
	}
	if err := s.opts.Tracker.Dismiss(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("notification %d not found", id), nil)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to dismiss notification", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "message": "notification dismissed"})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"version":   s.opts.AppVersion,
		"uptime_s":  int(time.Since(s.startedAt).Seconds()),
		"timestamp": time.Now(),
	}
	if s.opts.Directory != nil {
		health["peers"] = s.opts.Directory.Len()
	}
	if s.opts.Queue != nil {
		health["active_transfers"] = s.opts.Queue.ActiveCount()
	}
	if s.opts.Connector != nil {
		health["discovery_running"] = s.opts.Connector.Running()
		if s.opts.Connector.Running() {
			health["pairing_code"] = s.opts.Connector.ShortCode()
		}
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
	}

	s.writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: errorMsg,
	})
}
