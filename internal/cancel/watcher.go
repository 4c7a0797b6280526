package cancel

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"ghbackup/internal/fsutil"
)

const (
	flagPrefix = "cancel_"
	flagSuffix = ".flag"
)

// Watcher bridges flag files into an in-process Table: when another process
// drops cancel_<repo>.flag into the watched directory, the flag is forwarded
// to the table and the file removed. Duplicate filesystem events are harmless
// because Request is idempotent.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	table     *Table
	dir       string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewWatcher(dir string, table *Table) (*Watcher, error) {
	if err := fsutil.EnsureDirectoryExists(dir); err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		fsWatcher: fsWatcher,
		table:     table,
		dir:       dir,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}, nil
}

func (w *Watcher) Start() {
	go w.handleEvents()
}

func (w *Watcher) handleEvents() {
	defer close(w.done)

	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.processFlag(event.Name)
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Str("dir", w.dir).Msg("cancel flag watcher error")
		}
	}
}

func (w *Watcher) processFlag(path string) {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, flagPrefix) || !strings.HasSuffix(name, flagSuffix) {
		return
	}
	repoName := strings.TrimSuffix(strings.TrimPrefix(name, flagPrefix), flagSuffix)
	if repoName == "" {
		return
	}

	w.table.Request(repoName)
	// Consuming the file here keeps the directory the single source of
	// pending requests; the table owns the flag from now on.
	NewFlagStore(w.dir).Consume(repoName)
	log.Info().Str("repo", repoName).Msg("cancellation requested via flag file")
}

func (w *Watcher) Close() {
	w.cancel()
	w.fsWatcher.Close()
	<-w.done
}
