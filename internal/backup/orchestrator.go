package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ghbackup/internal/cancel"
	"ghbackup/internal/fsutil"
	"ghbackup/internal/github"
	"ghbackup/internal/metadata"
	"ghbackup/pkg/models"
)

// ArchiveClient is the slice of the GitHub client the orchestrator needs.
type ArchiveClient interface {
	ListBranches(ctx context.Context, repoFullName, token string) ([]models.Branch, error)
	DownloadArchive(ctx context.Context, repoFullName, branchName, token, destinationPath string) error
}

// MetadataStore is the durable branch-to-SHA record per repository.
type MetadataStore interface {
	Load(scope, repoName string) (map[string]string, error)
	Save(scope, repoName string, record map[string]string) error
}

/*
Orchestrator drives one repository's sync pass:
1. ensure the day-bucketed destination directory exists
2. list branches (empty listing is its own terminal state, distinct from error)
3. load the change-tracking record (missing or corrupt means empty)
4. per branch: consume a pending cancellation, skip unchanged branches,
   download the rest, update the in-memory record on success only
5. persist the record once, and only when something changed

A branch is re-downloaded if and only if its tip SHA differs from the last
successfully archived one, or no record exists for it. A failed branch stays
out of the record and is retried on the next pass.
*/
type Orchestrator struct {
	client ArchiveClient
	store  MetadataStore
	signal cancel.Signal
	root   string

	clock         clock.Clock
	retryAttempts int
	retryDelay    time.Duration
}

func NewOrchestrator(client ArchiveClient, store MetadataStore, signal cancel.Signal, root string) *Orchestrator {
	return &Orchestrator{
		client:        client,
		store:         store,
		signal:        signal,
		root:          root,
		clock:         clock.WallClock,
		retryAttempts: 1,
		retryDelay:    500 * time.Millisecond,
	}
}

// WithClock replaces the wall clock, for tests and for retry pacing.
func (o *Orchestrator) WithClock(c clock.Clock) *Orchestrator {
	o.clock = c
	return o
}

// WithRetry sets how often a transient download failure is attempted before
// the branch is left pending for the next pass.
func (o *Orchestrator) WithRetry(attempts int, delay time.Duration) *Orchestrator {
	if attempts < 1 {
		attempts = 1
	}
	o.retryAttempts = attempts
	if delay > 0 {
		o.retryDelay = delay
	}
	return o
}

// RepoDir is where a repository's archives and record live.
func (o *Orchestrator) RepoDir(scope, repoName string) string {
	return filepath.Join(o.root, fsutil.SanitizeKey(scope), fsutil.SanitizeKey(repoName))
}

// Backup runs one sync pass for the repository. The credential is used only
// for the API calls and never logged or included in the result.
func (o *Orchestrator) Backup(ctx context.Context, scope string, repo models.Repository, token string) models.SyncResult {
	logger := log.With().Str("scope", scope).Str("repo", repo.Name).Logger()

	today := o.clock.Now().Format("20060102")
	dayDir := filepath.Join(o.RepoDir(scope, repo.Name), today)
	if err := fsutil.EnsureDirectoryExists(dayDir); err != nil {
		logger.Error().Err(err).Msg("cannot create backup directory")
		return models.SyncResult{
			Status:  models.SyncError,
			Message: fmt.Sprintf("cannot create backup directory for repository %s", repo.Name),
			Repo:    repo.Name,
		}
	}

	branches, err := o.client.ListBranches(ctx, repo.FullName, token)
	if err != nil {
		logger.Error().Err(err).Msg("listing branches failed")
		return models.SyncResult{
			Status:  models.SyncError,
			Message: fmt.Sprintf("could not list branches for repository %s", repo.Name),
			Repo:    repo.Name,
		}
	}
	if len(branches) == 0 {
		logger.Info().Msg("repository is empty, no branches found")
		return models.SyncResult{
			Status:  models.SyncEmpty,
			Message: fmt.Sprintf("repository %s is empty", repo.Name),
			Repo:    repo.Name,
		}
	}

	record, err := o.store.Load(scope, repo.Name)
	if err != nil {
		// Historical sync progress is best effort: a corrupt record just
		// means every branch gets downloaded again.
		var corrupt *metadata.CorruptError
		if errors.As(err, &corrupt) {
			logger.Warn().Err(err).Msg("metadata record unreadable, treating as empty")
		} else {
			logger.Warn().Err(err).Msg("loading metadata failed, treating as empty")
		}
	}

	updated := false
	for _, branch := range branches {
		// Cancellation is polled between branches only; an in-flight
		// download always runs to completion.
		if o.signal.Consume(repo.Name) {
			logger.Info().Str("branch", branch.Name).Msg("backup cancelled")
			// Branches archived before the cancellation stay archived;
			// persist their entries so they are skipped next pass.
			o.saveRecord(logger, scope, repo.Name, record, updated)
			return models.SyncResult{
				Status:  models.SyncCancelled,
				Message: fmt.Sprintf("backup cancelled for repository %s", repo.Name),
				Repo:    repo.Name,
			}
		}

		if prev, ok := record[branch.Name]; ok && prev == branch.Commit.SHA {
			logger.Debug().Str("branch", branch.Name).Msg("branch unchanged since last backup, skipping")
			continue
		}

		dest := filepath.Join(dayDir, fsutil.SafeBranchLabel(branch.Name)+".zip")
		logger.Info().Str("branch", branch.Name).Str("dest", dest).Msg("downloading branch archive")

		if err := o.download(ctx, repo.FullName, branch.Name, token, dest); err != nil {
			logger.Error().Err(err).Str("branch", branch.Name).Msg("branch download failed, will retry next pass")
			continue
		}

		record[branch.Name] = branch.Commit.SHA
		updated = true
	}

	o.saveRecord(logger, scope, repo.Name, record, updated)

	return models.SyncResult{
		Status:  models.SyncSuccess,
		Message: fmt.Sprintf("backup finished for repository %s", repo.Name),
		Updated: updated,
		Repo:    repo.Name,
	}
}

// saveRecord persists the record when this pass changed it. A save failure is
// logged but never fails the sync: the archives on disk are the source of
// truth, and a lost record only costs redundant re-downloads next pass.
func (o *Orchestrator) saveRecord(logger zerolog.Logger, scope, repoName string, record map[string]string, updated bool) {
	if !updated {
		return
	}
	if err := o.store.Save(scope, repoName, record); err != nil {
		logger.Error().Err(err).Msg("saving metadata record failed")
	}
}

// download wraps the client call with a bounded retry on transport failures.
// HTTP-status and destination-IO failures are not retried.
func (o *Orchestrator) download(ctx context.Context, repoFullName, branchName, token, dest string) error {
	err := retry.Call(retry.CallArgs{
		Clock:    o.clock,
		Attempts: o.retryAttempts,
		Delay:    o.retryDelay,
		Stop:     ctx.Done(),
		Func: func() error {
			return o.client.DownloadArchive(ctx, repoFullName, branchName, token, dest)
		},
		IsFatalError: func(err error) bool {
			var netErr *github.NetworkError
			return !errors.As(err, &netErr)
		},
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		return retry.LastError(err)
	}
	return err
}
