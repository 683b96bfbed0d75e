package util

import (
	"context"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// WithInterrupt returns a context canceled by the first SIGINT or SIGTERM.
// A second signal exits the process.
func WithInterrupt(parent context.Context, log *zap.SugaredLogger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sig:
			log.Warn("Interrupt received, stopping. Press Ctrl+C again to exit now.")
			cancel()
		case <-ctx.Done():
			signal.Stop(sig)
			return
		}

		select {
		case <-sig:
			log.Error("Exiting due to interrupt")
			os.Exit(1)
		case <-parent.Done():
		}
		signal.Stop(sig)
	}()

	return ctx, cancel
}

// CleanupUnfinished removes temp files left by interrupted atomic writes
// under dir.
func CleanupUnfinished(dir string, log *zap.SugaredLogger) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if !d.IsDir() && strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp") {
			if err := os.Remove(path); err != nil {
				log.Warnf("Error cleaning up %s: %v", path, err)
			} else {
				log.Debugf("Removed %s", path)
			}
		}
		return nil
	})
}

// RemoveEmptyDirs removes dir and every directory below it that is empty,
// deepest first.
func RemoveEmptyDirs(dir string, log *zap.SugaredLogger) {
	var dirs []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})

	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(d); err == nil {
			log.Infof("Removed empty output folder: %s", d)
		}
	}
}
