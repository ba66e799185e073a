package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/stagehand/stagehand/pkg/config"
	"github.com/stagehand/stagehand/pkg/engine"
)

// Suffixes appended to inbox files once they have been handled.
const (
	suffixSubmitted = ".submitted"
	suffixFailed    = ".failed"
)

type submitFunc func(ctx context.Context, p *engine.Proposal) (string, error)

// inbox submits proposal files dropped into a directory. A handled file is
// renamed with a .submitted or .failed suffix so it is never read twice.
type inbox struct {
	dir    string
	loader *config.Loader
	submit submitFunc
	logger zerolog.Logger
	delay  time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

func newInbox(dir string, submit submitFunc, logger zerolog.Logger) *inbox {
	return &inbox{
		dir:    dir,
		loader: config.NewLoader(),
		submit: submit,
		logger: logger.With().Str("component", "inbox").Str("dir", dir).Logger(),
		delay:  500 * time.Millisecond,
		timers: make(map[string]*time.Timer),
	}
}

func isProposalFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".cue":
		return true
	}
	return false
}

// Run handles files already present, then watches for new ones until ctx
// is done.
func (in *inbox) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", in.dir, err)
	}

	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return fmt.Errorf("failed to read inbox %s: %w", in.dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && isProposalFile(e.Name()) {
			in.process(ctx, filepath.Join(in.dir, e.Name()))
		}
	}

	in.logger.Info().Msg("Watching inbox for proposals")
	defer in.wait()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && isProposalFile(event.Name) {
				in.schedule(ctx, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// schedule debounces events for one file, since editors and copies write
// in several steps.
func (in *inbox) schedule(ctx context.Context, path string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if t, ok := in.timers[path]; ok {
		if t.Stop() {
			in.wg.Done()
		}
	}
	in.wg.Add(1)
	in.timers[path] = time.AfterFunc(in.delay, func() {
		defer in.wg.Done()
		in.mu.Lock()
		delete(in.timers, path)
		in.mu.Unlock()
		if ctx.Err() == nil {
			in.process(ctx, path)
		}
	})
}

func (in *inbox) wait() {
	in.mu.Lock()
	for path, t := range in.timers {
		if t.Stop() {
			in.wg.Done()
		}
		delete(in.timers, path)
	}
	in.mu.Unlock()
	in.wg.Wait()
}

func (in *inbox) process(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		// Already handled or removed.
		return
	}

	proposals, err := in.loader.LoadProposals(path)
	if err != nil {
		in.logger.Error().Err(err).Str("file", path).Msg("Rejected proposal file")
		in.finish(path, suffixFailed)
		return
	}

	suffix := suffixSubmitted
	for _, p := range proposals {
		id, err := in.submit(ctx, p)
		if err != nil {
			in.logger.Error().Err(err).Str("file", path).Str("proposal_id", p.ID).Msg("Failed to submit proposal")
			suffix = suffixFailed
			continue
		}
		in.logger.Info().Str("file", path).Str("proposal_id", p.ID).Str("execution_id", id).Msg("Proposal submitted")
	}
	in.finish(path, suffix)
}

func (in *inbox) finish(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		in.logger.Warn().Err(err).Str("file", path).Msg("Failed to mark proposal file as handled")
	}
}
