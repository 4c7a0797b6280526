package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"ghbackup/internal/fsutil"
)

const recordFile = "last_backup.json"

// CorruptError is a present-but-unreadable change-tracking record. The
// orchestrator logs it and proceeds as if no record existed; re-downloading
// is always safe.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt metadata record %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

/*
Store persists the per-repository change-tracking record: a mapping of branch
name to the commit SHA last successfully archived for that branch. One JSON
file per repository at <root>/<scope>/<repo>/last_backup.json.

A branch present in the record was archived at exactly the recorded SHA;
absence means never archived. Records are created lazily on first save and
never deleted here.
*/
type Store struct {
	root string
	mu   sync.Mutex
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) recordPath(scope, repoName string) string {
	return filepath.Join(s.root, fsutil.SanitizeKey(scope), fsutil.SanitizeKey(repoName), recordFile)
}

// Load reads the record for a repository. A missing record is not an error:
// it returns an empty mapping. A malformed record returns an empty mapping
// together with a *CorruptError so the caller can log and carry on.
func (s *Store) Load(scope, repoName string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.recordPath(scope, repoName)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return map[string]string{}, &CorruptError{Path: path, Err: err}
	}

	record := map[string]string{}
	if err := json.Unmarshal(data, &record); err != nil {
		return map[string]string{}, &CorruptError{Path: path, Err: err}
	}
	return record, nil
}

// Save overwrites the full record. The write goes to a temp file first and is
// renamed into place, so a concurrent Load never observes a half-written
// record.
func (s *Store) Save(scope, repoName string, record map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.recordPath(scope, repoName)

	if err := fsutil.EnsureDirectoryExists(filepath.Dir(path)); err != nil {
		return err
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tempPath, path)
}
