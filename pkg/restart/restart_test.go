package restart

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keelhost/keel/pkg/types"
)

type fakeLauncher struct {
	exitCodes []int
	calls     atomic.Int32
	launchDur time.Duration
}

func (f *fakeLauncher) Launch(ctx context.Context, containerID string) (int, error) {
	n := int(f.calls.Add(1)) - 1
	if f.launchDur > 0 {
		select {
		case <-time.After(f.launchDur):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if n >= len(f.exitCodes) {
		return f.exitCodes[len(f.exitCodes)-1], nil
	}
	return f.exitCodes[n], nil
}

func TestSupervisorNoPolicyNeverRestarts(t *testing.T) {
	l := &fakeLauncher{exitCodes: []int{1}}
	s := New(l)
	s.Supervise(context.Background(), "c1", types.RestartPolicy{Name: types.RestartNo})

	time.Sleep(100 * time.Millisecond)
	if got := l.calls.Load(); got != 1 {
		t.Fatalf("launch calls = %d, want 1", got)
	}
}

func TestSupervisorOnFailureRestartsOnNonzeroExit(t *testing.T) {
	l := &fakeLauncher{exitCodes: []int{1, 1, 0}}
	s := New(l)
	s.Supervise(context.Background(), "c2", types.RestartPolicy{Name: types.RestartOnFailure})

	deadline := time.After(2 * time.Second)
	for l.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected 3 launches, got %d", l.calls.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	time.Sleep(50 * time.Millisecond)
	if got := l.calls.Load(); got != 3 {
		t.Fatalf("launch calls = %d, want 3 (stop restarting after exit 0 under onFailure)", got)
	}
}

func TestSupervisorAlwaysRestartsOnCleanExit(t *testing.T) {
	l := &fakeLauncher{exitCodes: []int{0}}
	s := New(l)
	s.Supervise(context.Background(), "c3", types.RestartPolicy{Name: types.RestartAlways})

	deadline := time.After(2 * time.Second)
	for l.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 launches under always policy, got %d", l.calls.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSupervisorMarkStoppedPreventsRestart(t *testing.T) {
	l := &fakeLauncher{exitCodes: []int{0}, launchDur: 50 * time.Millisecond}
	s := New(l)
	s.Supervise(context.Background(), "c4", types.RestartPolicy{Name: types.RestartAlways})

	time.Sleep(20 * time.Millisecond)
	s.MarkStopped("c4")

	time.Sleep(300 * time.Millisecond)
	calls := l.calls.Load()
	if calls == 0 {
		t.Fatal("expected at least one launch before stop took effect")
	}

	time.Sleep(300 * time.Millisecond)
	if got := l.calls.Load(); got != calls {
		t.Fatalf("launches continued after MarkStopped: before=%d after=%d", calls, got)
	}
}

func TestSupervisorForgetCancelsLoop(t *testing.T) {
	l := &fakeLauncher{exitCodes: []int{1}, launchDur: 10 * time.Millisecond}
	s := New(l)
	s.Supervise(context.Background(), "c5", types.RestartPolicy{Name: types.RestartAlways})

	time.Sleep(30 * time.Millisecond)
	s.Forget("c5")

	time.Sleep(50 * time.Millisecond)
	calls := l.calls.Load()

	time.Sleep(200 * time.Millisecond)
	if got := l.calls.Load(); got != calls {
		t.Fatalf("launches continued after Forget: before=%d after=%d", calls, got)
	}
}

func TestStabilityWindowScalesWithBackoffAndFloors(t *testing.T) {
	if w := stabilityWindow(100 * time.Millisecond); w != 2*time.Second {
		t.Fatalf("stabilityWindow(100ms) = %v, want floor of 2s", w)
	}
	if w := stabilityWindow(10 * time.Second); w != 20*time.Second {
		t.Fatalf("stabilityWindow(10s) = %v, want 20s", w)
	}
}

func TestShouldRestartDecisionTable(t *testing.T) {
	cases := []struct {
		name     string
		policy   types.RestartPolicyName
		exitCode int
		stopped  bool
		want     bool
	}{
		{"no-never", types.RestartNo, 1, false, false},
		{"onFailure-zero-exit", types.RestartOnFailure, 0, false, false},
		{"onFailure-nonzero-exit", types.RestartOnFailure, 1, false, true},
		{"onFailure-manually-stopped", types.RestartOnFailure, 1, true, false},
		{"always-zero-exit", types.RestartAlways, 0, false, true},
		{"always-manually-stopped", types.RestartAlways, 0, true, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := shouldRestart(types.RestartPolicy{Name: c.policy}, c.exitCode, nil, c.stopped)
			if got != c.want {
				t.Fatalf("shouldRestart(%s, exit=%d, stopped=%v) = %v, want %v", c.policy, c.exitCode, c.stopped, got, c.want)
			}
		})
	}
}
