package invite

import (
	"context"
	"errors"
	"fmt"
)

// Stage is one step of the quick-join flow. The set of stages is closed;
// consumers switch over the concrete types.
type Stage interface {
	stage()
}

// StageValidating reports the code being checked against the host.
type StageValidating struct {
	Code string
}

// StageConnecting reports the host peer being located on the LAN.
type StageConnecting struct {
	HostPeerID string
}

// StageCreatingInstance reports the local instance being set up.
type StageCreatingInstance struct {
	Name string
}

// StageDownloading reports modpack content transfer progress. Emitted
// repeatedly as the download advances.
type StageDownloading struct {
	Progress    float64 // 0..1
	CurrentFile string
	FilesDone   int
	FilesTotal  int
	BytesDone   int64
	BytesTotal  int64
}

// StageReady reports the instance fully synced and playable.
type StageReady struct {
	InstanceID string
}

// StageLaunching reports the game being started against the server.
type StageLaunching struct {
	Address string
}

// StageComplete is the terminal success stage.
type StageComplete struct{}

// StageFailed is the terminal failure stage. No further stages follow it.
type StageFailed struct {
	Err error
}

func (StageValidating) stage()       {}
func (StageConnecting) stage()       {}
func (StageCreatingInstance) stage() {}
func (StageDownloading) stage()      {}
func (StageReady) stage()            {}
func (StageLaunching) stage()        {}
func (StageComplete) stage()         {}
func (StageFailed) stage()           {}

// HostResolver locates the invite's host peer on the LAN and returns the
// address content should be pulled from.
type HostResolver interface {
	ResolveHost(ctx context.Context, hostPeerID string) (string, error)
}

// InstanceMaterializer creates the local instance an invite's modpack is
// synced into.
type InstanceMaterializer interface {
	CreateInstance(ctx context.Context, inv ServerInvite) (string, error)
}

// ContentFetcher pulls the modpack content from the host into the
// instance, reporting progress as it goes.
type ContentFetcher interface {
	Fetch(ctx context.Context, hostAddr, instanceID string, inv ServerInvite, progress func(StageDownloading)) error
}

// Launcher starts the game for a synced instance, pointed at the invite's
// server address.
type Launcher interface {
	Launch(ctx context.Context, instanceID, serverAddress string) error
}

// JoinerOptions wires the quick-join flow's collaborators.
type JoinerOptions struct {
	Manager   *Manager
	Hosts     HostResolver
	Instances InstanceMaterializer
	Content   ContentFetcher
	Launcher  Launcher
}

// Joiner runs the one-click join flow: validate the code, find the host,
// create an instance, pull content, launch, then consume the invite.
type Joiner struct {
	opts JoinerOptions
}

// NewJoiner creates a joiner.
func NewJoiner(opts JoinerOptions) (*Joiner, error) {
	if opts.Manager == nil {
		return nil, errors.New("invite: manager is required")
	}
	if opts.Hosts == nil || opts.Instances == nil || opts.Content == nil || opts.Launcher == nil {
		return nil, errors.New("invite: all join collaborators are required")
	}
	return &Joiner{opts: opts}, nil
}

// Join runs the flow for one invite code and streams its stages. The
// channel closes after a terminal stage: StageComplete on success,
// StageFailed otherwise. Stages only move forward; a failure at any step
// emits StageFailed and nothing after it.
//
// The invite's use is consumed only once the launch has succeeded, so an
// aborted join never burns a single-use code.
func (j *Joiner) Join(ctx context.Context, code string) <-chan Stage {
	stages := make(chan Stage, 16)
	go func() {
		defer close(stages)
		j.run(ctx, code, stages)
	}()
	return stages
}

func (j *Joiner) run(ctx context.Context, code string, stages chan<- Stage) {
	fail := func(err error) {
		stages <- StageFailed{Err: err}
	}

	stages <- StageValidating{Code: code}
	inv, err := j.opts.Manager.ValidateInvite(code)
	if err != nil {
		fail(err)
		return
	}

	stages <- StageConnecting{HostPeerID: inv.HostPeerID}
	hostAddr, err := j.opts.Hosts.ResolveHost(ctx, inv.HostPeerID)
	if err != nil {
		fail(fmt.Errorf("resolve host: %w", err))
		return
	}

	stages <- StageCreatingInstance{Name: inv.ServerName}
	instanceID, err := j.opts.Instances.CreateInstance(ctx, inv)
	if err != nil {
		fail(fmt.Errorf("create instance: %w", err))
		return
	}

	err = j.opts.Content.Fetch(ctx, hostAddr, instanceID, inv, func(p StageDownloading) {
		select {
		case stages <- p:
		case <-ctx.Done():
		}
	})
	if err != nil {
		fail(fmt.Errorf("fetch content: %w", err))
		return
	}

	stages <- StageReady{InstanceID: instanceID}

	stages <- StageLaunching{Address: inv.ServerAddress}
	if err := j.opts.Launcher.Launch(ctx, instanceID, inv.ServerAddress); err != nil {
		fail(fmt.Errorf("launch: %w", err))
		return
	}

	// The join has delivered everything it promised; only now does the
	// invite's quota move. The quota is re-checked atomically, so two
	// concurrent joins of a single-use code cannot both complete.
	if _, err := j.opts.Manager.UseInvite(code); err != nil {
		fail(err)
		return
	}

	stages <- StageComplete{}
}
