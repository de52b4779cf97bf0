package dirwatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keelhost/keel/pkg/apierr"
)

func TestWatchExistingTargetSeesInitialAndFutureEntries(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "a"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan []string, 16)
	go Watch(ctx, target, func(entries []os.DirEntry) error {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		calls <- names
		return nil
	})

	select {
	case names := <-calls:
		if len(names) != 1 || names[0] != "a" {
			t.Fatalf("initial call got %v, want [a]", names)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked for existing target")
	}

	if err := os.WriteFile(filepath.Join(target, "b"), []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case names := <-calls:
		if len(names) != 2 {
			t.Fatalf("after create got %v, want 2 entries", names)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked after new file")
	}
}

func TestWatchTargetCreatedLaterReArms(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "not-yet")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan int, 16)
	go Watch(ctx, target, func(entries []os.DirEntry) error {
		calls <- len(entries)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-calls:
		if n != 0 {
			t.Fatalf("got %d entries, want 0 on first arm", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked once target was created")
	}
}

func TestWatchMissingParentFailsFast(t *testing.T) {
	target := filepath.Join("/nonexistent-root-for-dirwatch-test", "child")
	err := Watch(context.Background(), target, func(entries []os.DirEntry) error { return nil })
	if err == nil {
		t.Fatal("expected error when parent does not exist")
	}
	if apierr.Of(err) != apierr.InvalidState {
		t.Fatalf("error kind = %v, want InvalidState", apierr.Of(err))
	}
}

func TestWatchRejectsSymlinkTarget(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.Mkdir(real, 0o755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}

	err := Watch(context.Background(), link, func(entries []os.DirEntry) error { return nil })
	if err == nil {
		t.Fatal("expected error when target is a symlink")
	}
	if apierr.Of(err) != apierr.InvalidArgument {
		t.Fatalf("error kind = %v, want InvalidArgument", apierr.Of(err))
	}
}

func TestWatchStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, dir, func(entries []os.DirEntry) error { return nil })
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch returned error after cancel: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after context cancellation")
	}
}
