package invite

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeHosts struct {
	addr string
	err  error
}

func (f *fakeHosts) ResolveHost(ctx context.Context, hostPeerID string) (string, error) {
	return f.addr, f.err
}

type fakeInstances struct {
	id  string
	err error
}

func (f *fakeInstances) CreateInstance(ctx context.Context, inv ServerInvite) (string, error) {
	return f.id, f.err
}

type fakeContent struct {
	steps int
	err   error
}

func (f *fakeContent) Fetch(ctx context.Context, hostAddr, instanceID string, inv ServerInvite, progress func(StageDownloading)) error {
	for i := 1; i <= f.steps; i++ {
		progress(StageDownloading{
			Progress:   float64(i) / float64(f.steps),
			FilesDone:  i,
			FilesTotal: f.steps,
		})
	}
	return f.err
}

type fakeLauncher struct {
	err      error
	launched chan string
}

func (f *fakeLauncher) Launch(ctx context.Context, instanceID, serverAddress string) error {
	if f.launched != nil {
		f.launched <- serverAddress
	}
	return f.err
}

func newTestJoiner(t *testing.T, m *Manager, opts JoinerOptions) *Joiner {
	t.Helper()
	opts.Manager = m
	if opts.Hosts == nil {
		opts.Hosts = &fakeHosts{addr: "192.168.1.50:42910"}
	}
	if opts.Instances == nil {
		opts.Instances = &fakeInstances{id: "instance-1"}
	}
	if opts.Content == nil {
		opts.Content = &fakeContent{steps: 3}
	}
	if opts.Launcher == nil {
		opts.Launcher = &fakeLauncher{}
	}
	j, err := NewJoiner(opts)
	if err != nil {
		t.Fatalf("NewJoiner failed: %v", err)
	}
	return j
}

func collectStages(t *testing.T, stages <-chan Stage) []Stage {
	t.Helper()
	var out []Stage
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s, ok := <-stages:
			if !ok {
				return out
			}
			out = append(out, s)
		case <-deadline:
			t.Fatalf("stage channel never closed; got %d stages", len(out))
		}
	}
}

func TestJoinHappyPath(t *testing.T) {
	m := newTestManager(t, nil)
	inv := createTestInvite(t, m, CreateInviteParams{
		ServerAddress: "192.168.1.50:25565",
		MaxUses:       2,
	})

	launched := make(chan string, 1)
	j := newTestJoiner(t, m, JoinerOptions{Launcher: &fakeLauncher{launched: launched}})

	stages := collectStages(t, j.Join(context.Background(), inv.Code))
	if len(stages) == 0 {
		t.Fatal("no stages emitted")
	}
	if _, ok := stages[0].(StageValidating); !ok {
		t.Fatalf("first stage %T, want StageValidating", stages[0])
	}
	if _, ok := stages[len(stages)-1].(StageComplete); !ok {
		t.Fatalf("last stage %T, want StageComplete", stages[len(stages)-1])
	}

	// Stages appear in flow order, downloads strictly between instance
	// creation and readiness.
	order := map[string]int{}
	for i, s := range stages {
		switch s.(type) {
		case StageConnecting:
			order["connecting"] = i
		case StageCreatingInstance:
			order["creating"] = i
		case StageDownloading:
			order["downloading"] = i // last occurrence wins
		case StageReady:
			order["ready"] = i
		case StageLaunching:
			order["launching"] = i
		case StageFailed:
			t.Fatalf("unexpected failure stage: %+v", s)
		}
	}
	if !(order["connecting"] < order["creating"] &&
		order["creating"] < order["downloading"] &&
		order["downloading"] < order["ready"] &&
		order["ready"] < order["launching"]) {
		t.Fatalf("stages out of order: %v", order)
	}

	select {
	case addr := <-launched:
		if addr != "192.168.1.50:25565" {
			t.Fatalf("launched against %q", addr)
		}
	default:
		t.Fatal("launcher never invoked")
	}

	got, err := m.GetInvite(inv.ID)
	if err != nil {
		t.Fatalf("GetInvite failed: %v", err)
	}
	if got.UseCount != 1 {
		t.Fatalf("completed join must consume one use, got %d", got.UseCount)
	}
}

func TestJoinInvalidCodeFailsBeforeSideEffects(t *testing.T) {
	m := newTestManager(t, nil)
	instances := &fakeInstances{id: "instance-1"}
	j := newTestJoiner(t, m, JoinerOptions{Instances: instances})

	stages := collectStages(t, j.Join(context.Background(), "MJ-ZZZZ-ZZZZ"))
	last, ok := stages[len(stages)-1].(StageFailed)
	if !ok {
		t.Fatalf("last stage %T, want StageFailed", stages[len(stages)-1])
	}
	if !errors.Is(last.Err, ErrInviteNotFound) {
		t.Fatalf("expected ErrInviteNotFound, got %v", last.Err)
	}
	for _, s := range stages {
		if _, ok := s.(StageCreatingInstance); ok {
			t.Fatal("instance created for an invalid code")
		}
	}
}

func TestJoinFailureDoesNotConsumeUse(t *testing.T) {
	m := newTestManager(t, nil)
	inv := createTestInvite(t, m, CreateInviteParams{MaxUses: 1})

	fetchErr := errors.New("host went away")
	j := newTestJoiner(t, m, JoinerOptions{Content: &fakeContent{steps: 1, err: fetchErr}})

	stages := collectStages(t, j.Join(context.Background(), inv.Code))
	last, ok := stages[len(stages)-1].(StageFailed)
	if !ok {
		t.Fatalf("last stage %T, want StageFailed", stages[len(stages)-1])
	}
	if !errors.Is(last.Err, fetchErr) {
		t.Fatalf("failure cause lost: %v", last.Err)
	}

	// The aborted join must not have burned the single use.
	if _, err := m.ValidateInvite(inv.Code); err != nil {
		t.Fatalf("invite unusable after aborted join: %v", err)
	}
}

func TestJoinNothingAfterFailure(t *testing.T) {
	m := newTestManager(t, nil)
	inv := createTestInvite(t, m, CreateInviteParams{})

	j := newTestJoiner(t, m, JoinerOptions{
		Hosts: &fakeHosts{err: errors.New("peer offline")},
	})

	stages := collectStages(t, j.Join(context.Background(), inv.Code))
	for i, s := range stages {
		if _, ok := s.(StageFailed); ok && i != len(stages)-1 {
			t.Fatalf("stage %T emitted after StageFailed", stages[i+1])
		}
	}
}

func TestConcurrentJoinsOfSingleUseInvite(t *testing.T) {
	m := newTestManager(t, nil)
	inv := createTestInvite(t, m, CreateInviteParams{MaxUses: 1})

	j := newTestJoiner(t, m, JoinerOptions{})

	first := j.Join(context.Background(), inv.Code)
	second := j.Join(context.Background(), inv.Code)

	terminal := func(stages []Stage) Stage { return stages[len(stages)-1] }
	a := terminal(collectStages(t, first))
	b := terminal(collectStages(t, second))

	var completes, fails int
	for _, s := range []Stage{a, b} {
		switch s := s.(type) {
		case StageComplete:
			completes++
		case StageFailed:
			fails++
			if !errors.Is(s.Err, ErrInviteExhausted) {
				t.Fatalf("loser failed with %v, want ErrInviteExhausted", s.Err)
			}
		default:
			t.Fatalf("non-terminal final stage %T", s)
		}
	}
	if completes != 1 || fails != 1 {
		t.Fatalf("single-use invite completed %d joins, failed %d", completes, fails)
	}
}
