package main

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/V3idt/lattice-audit/internal/walker"
)

const defaultDebounce = 300 * time.Millisecond

func newWatchCmd(stdout, stderr io.Writer) *cobra.Command {
	flags := &scanFlags{}
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Rescan a directory tree whenever a source file changes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validFormat(flags.format); err != nil {
				return withCode(exitUsage, err)
			}
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			s, err := newSession(cmd.Flags(), flags, stderr)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return s.watch(ctx, stdout, root, debounce)
		},
	}
	flags.register(cmd.Flags(), false)
	cmd.Flags().DurationVar(&debounce, "debounce", defaultDebounce, "Quiet period after the last change before rescanning")
	return cmd
}

// watch scans root once, then again after every burst of relevant changes,
// until ctx is done.
func (s *session) watch(ctx context.Context, stdout io.Writer, root string, debounce time.Duration) error {
	if err := s.rescan(ctx, stdout, root); err != nil {
		return withCode(exitUsage, err)
	}

	// Watch the resolved tree so event paths stay under the same root the walk uses.
	resolved, err := walker.ResolveRoot(root)
	if err != nil {
		return withCode(exitUsage, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return withCode(exitUsage, err)
	}
	defer watcher.Close()

	if err := s.addWatchRecursive(watcher, resolved, resolved); err != nil {
		return withCode(exitUsage, err)
	}
	log.Info().Str("root", root).Dur("debounce", debounce).Msg("Watching for changes")

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Watch stopped")
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := s.addWatchRecursive(watcher, resolved, ev.Name); err != nil {
						log.Warn().Err(err).Str("path", ev.Name).Msg("Failed to watch new directory")
					}
				}
			}
			if !s.relevant(resolved, ev.Name) {
				continue
			}
			log.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Change detected")
			pending = time.After(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watch error")
		case <-pending:
			pending = nil
			if err := s.rescan(ctx, stdout, root); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error().Err(err).Msg("Rescan failed")
			}
		}
	}
}

// rescan runs one scan and renders it. Blocking findings are reported but do
// not stop the watch.
func (s *session) rescan(ctx context.Context, stdout io.Writer, root string) error {
	report, err := s.scanner.ScanDirectoryContext(ctx, root)
	if err != nil {
		return err
	}
	err = s.emit(stdout, report)
	var ee *exitError
	if errors.As(err, &ee) && ee.code == exitBlocked {
		return nil
	}
	return err
}

func (s *session) relevant(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return walker.Candidate(rel, s.walkOpts)
}

func (s *session) addWatchRecursive(w *fsnotify.Watcher, root, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root {
			rel, relErr := filepath.Rel(root, path)
			if relErr == nil && walker.SkipDir(d.Name(), rel, s.walkOpts) {
				return filepath.SkipDir
			}
		}
		return w.Add(path)
	})
}
