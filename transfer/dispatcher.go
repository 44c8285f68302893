package transfer

import (
	"context"
	"fmt"
	"sync"

	"modsync/watch"
)

// SyncResult reports one peer's outcome of a broadcast sync.
type SyncResult struct {
	PeerID    string
	SessionID string
	Err       error
}

// SyncServer is the external transfer engine. It moves the bytes; the
// dispatcher only decides when it may.
type SyncServer interface {
	BroadcastSync(ctx context.Context, peerIDs []string, modpack string, manifest []watch.FileChange) ([]SyncResult, error)
	CancelSession(ctx context.Context, sessionID string) error
}

// Dispatcher pumps released queue work into the sync server. GetNext stays
// the only admission authority; the dispatcher never counts active work
// itself, it just asks again whenever the budget may have changed.
type Dispatcher struct {
	queue  *Queue
	server SyncServer

	mu       sync.Mutex
	sessions map[string][]string           // transfer ID -> session IDs
	cancels  map[string]context.CancelFunc // transfer ID -> run cancel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewDispatcher wires a queue to a sync server.
func NewDispatcher(queue *Queue, server SyncServer) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		server:   server,
		sessions: make(map[string][]string),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start launches the pump loop.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.ctx, d.cancel = context.WithCancel(context.Background())
		d.wg.Add(1)
		go d.loop()
	})
}

// Stop cancels running transfers and waits for the pump to exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
			d.wg.Wait()
		}
	})
}

// Cancel aborts a transfer. An active transfer's sync sessions are
// cancelled on the server as well.
func (d *Dispatcher) Cancel(id string) error {
	if err := d.queue.Cancel(id); err != nil {
		return err
	}

	d.mu.Lock()
	cancelRun := d.cancels[id]
	sessions := append([]string(nil), d.sessions[id]...)
	d.mu.Unlock()

	if cancelRun != nil {
		cancelRun()
	}
	for _, sessionID := range sessions {
		// Best effort; the server forgets unknown sessions.
		d.server.CancelSession(context.Background(), sessionID)
	}
	return nil
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	d.pump()
	for {
		select {
		case <-d.queue.Ready():
			d.pump()
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) pump() {
	for {
		item, ok := d.queue.GetNext()
		if !ok {
			return
		}

		runCtx, cancelRun := context.WithCancel(d.ctx)
		d.mu.Lock()
		d.cancels[item.ID] = cancelRun
		d.mu.Unlock()

		d.wg.Add(1)
		go func(item QueuedTransfer) {
			defer d.wg.Done()
			d.run(runCtx, item)

			d.mu.Lock()
			delete(d.cancels, item.ID)
			delete(d.sessions, item.ID)
			d.mu.Unlock()
			cancelRun()
		}(item)
	}
}

func (d *Dispatcher) run(ctx context.Context, item QueuedTransfer) {
	results, err := d.server.BroadcastSync(ctx, []string{item.PeerID}, item.ModpackName, item.Manifest)
	if err != nil {
		d.finish(item.ID, fmt.Sprintf("broadcast sync: %v", err))
		return
	}

	var failure string
	for _, result := range results {
		if result.SessionID != "" {
			d.mu.Lock()
			d.sessions[item.ID] = append(d.sessions[item.ID], result.SessionID)
			d.mu.Unlock()
		}
		if result.Err != nil && failure == "" {
			failure = fmt.Sprintf("peer %s: %v", result.PeerID, result.Err)
		}
	}
	d.finish(item.ID, failure)
}

// finish resolves an active transfer, tolerating a concurrent Cancel that
// already moved it to a terminal state.
func (d *Dispatcher) finish(id, failure string) {
	var err error
	if failure == "" {
		err = d.queue.Complete(id)
	} else {
		err = d.queue.Fail(id, failure)
	}
	_ = err // a racing Cancel wins; nothing to do
}
