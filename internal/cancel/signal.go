package cancel

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"ghbackup/internal/fsutil"
)

/*
Signal is the per-repository cancellation contract: an out-of-band flag an
external actor primes with Request and the orchestrator checks-and-clears with
Consume between branch iterations. Flags are independent per repository key.

Request is idempotent and safe to call against a repository with no sync in
flight - it simply primes the flag the next pass will observe.
*/
type Signal interface {
	Request(repoName string)
	Consume(repoName string) bool
}

// Table is the in-process implementation: a mutex-guarded flag map. Use it
// when requester and orchestrator share a process.
type Table struct {
	mu    sync.Mutex
	flags map[string]bool
}

func NewTable() *Table {
	return &Table{flags: make(map[string]bool)}
}

func (t *Table) Request(repoName string) {
	key := fsutil.SanitizeKey(repoName)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flags[key] = true
}

// Consume atomically checks and clears the flag.
func (t *Table) Consume(repoName string) bool {
	key := fsutil.SanitizeKey(repoName)
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.flags[key]
	delete(t.flags, key)
	return set
}

// FlagStore signals through cancel_<repo>.flag files in a directory, for
// requesters living in a separate process from the orchestrator. Presence of
// the file is the signal; its content is immaterial.
type FlagStore struct {
	dir string
}

func NewFlagStore(dir string) *FlagStore {
	return &FlagStore{dir: dir}
}

func (f *FlagStore) flagPath(repoName string) string {
	return filepath.Join(f.dir, "cancel_"+fsutil.SanitizeKey(repoName)+".flag")
}

func (f *FlagStore) Request(repoName string) {
	if err := fsutil.EnsureDirectoryExists(f.dir); err != nil {
		log.Error().Err(err).Str("repo", repoName).Msg("cannot create cancel flag directory")
		return
	}
	if err := os.WriteFile(f.flagPath(repoName), []byte("cancel"), 0644); err != nil {
		log.Error().Err(err).Str("repo", repoName).Msg("cannot write cancel flag")
	}
}

func (f *FlagStore) Consume(repoName string) bool {
	err := os.Remove(f.flagPath(repoName))
	if err == nil {
		return true
	}
	if !os.IsNotExist(err) {
		log.Error().Err(err).Str("repo", repoName).Msg("cannot remove cancel flag")
	}
	return false
}
