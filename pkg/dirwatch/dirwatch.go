// Package dirwatch implements a directory watcher primitive: watch a
// target directory that may not exist yet, re-arming
// onto it the moment its parent creates it, and refusing to watch through a
// symlink.
package dirwatch

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/keelhost/keel/pkg/apierr"
	"github.com/keelhost/keel/pkg/log"
)

// Handler is invoked with the target directory's current entries whenever
// it is (re)armed, and again on every subsequent change. A non-nil error is
// logged, not propagated: a single handler failure must not tear down the
// watch; handler errors are logged, not propagated.
type Handler func(entries []os.DirEntry) error

// Watch arms a watch on target and blocks until ctx is cancelled.
//
//   - If target already exists (and isn't a symlink), it is watched
//     directly: the handler runs once with its current contents, then again
//     on every future change.
//   - If target doesn't exist but its parent does, the parent is watched
//     until target is created, at which point the watch re-arms directly on
//     target.
//   - If the parent doesn't exist either, Watch fails immediately with
//     apierr.InvalidState.
func Watch(ctx context.Context, target string, handler Handler) error {
	target = filepath.Clean(target)

	for {
		fi, err := os.Lstat(target)
		switch {
		case err == nil:
			if fi.Mode()&os.ModeSymlink != 0 {
				return apierr.New(apierr.InvalidArgument, "refusing to watch symlink %s", target)
			}
			return watchExisting(ctx, target, handler)
		case os.IsNotExist(err):
			parent := filepath.Dir(target)
			if _, perr := os.Stat(parent); perr != nil {
				return apierr.New(apierr.InvalidState, "parent directory %s does not exist", parent)
			}
			appeared, werr := waitForCreation(ctx, parent, target)
			if werr != nil {
				return werr
			}
			if !appeared {
				return nil // ctx cancelled while waiting
			}
			// loop back around and arm directly on target now that it exists
		default:
			return apierr.Wrap(apierr.Internal, err, "stat %s", target)
		}
	}
}

func watchExisting(ctx context.Context, target string, handler Handler) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return apierr.Wrap(apierr.Internal, err, "create watcher for %s", target)
	}
	defer w.Close()

	if err := w.Add(target); err != nil {
		return apierr.Wrap(apierr.Internal, err, "watch %s", target)
	}

	invoke(target, handler)

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-w.Events:
			if !ok {
				return nil
			}
			invoke(target, handler)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Logger.Warn().Str("component", "dirwatch").Str("target", target).Err(err).Msg("watch error")
		}
	}
}

// waitForCreation watches parent until target appears as a direct entry.
// It returns (true, nil) once target shows up, (false, nil) if ctx is
// cancelled first.
func waitForCreation(ctx context.Context, parent, target string) (bool, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, apierr.Wrap(apierr.Internal, err, "create watcher for %s", parent)
	}
	defer w.Close()

	if err := w.Add(parent); err != nil {
		return false, apierr.Wrap(apierr.Internal, err, "watch %s", parent)
	}

	// The target may have appeared between our Lstat and Add.
	if _, err := os.Lstat(target); err == nil {
		return true, nil
	}

	for {
		select {
		case <-ctx.Done():
			return false, nil
		case ev, ok := <-w.Events:
			if !ok {
				return false, nil
			}
			if ev.Name == target && (ev.Op&(fsnotify.Create) != 0) {
				return true, nil
			}
		case err, ok := <-w.Errors:
			if !ok {
				return false, nil
			}
			log.Logger.Warn().Str("component", "dirwatch").Str("target", parent).Err(err).Msg("watch error")
		}
	}
}

func invoke(target string, handler Handler) {
	entries, err := os.ReadDir(target)
	if err != nil {
		log.Logger.Warn().Str("component", "dirwatch").Str("target", target).Err(err).Msg("failed to list directory for handler")
		entries = nil
	}
	if err := handler(entries); err != nil {
		log.Logger.Warn().Str("component", "dirwatch").Str("target", target).Err(err).Msg("directory watch handler failed")
	}
}
