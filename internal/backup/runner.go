package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ghbackup/pkg/models"
)

/*
Runner fans the orchestrator out over a list of repositories. Each
repository's record, destination directory and cancellation flag are disjoint
by key, so syncs of different repositories may overlap; two syncs of the same
repository must not, and the second one is rejected instead of queued.

maxConcurrent of 1 reproduces the reference's strictly sequential behavior.
spacing throttles sync starts for rate-limited remotes.
*/
type Runner struct {
	orch          *Orchestrator
	limiter       *rate.Limiter
	maxConcurrent int

	mu     sync.Mutex
	active map[string]struct{}
}

func NewRunner(orch *Orchestrator, maxConcurrent int, spacing time.Duration) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	limit := rate.Inf
	if spacing > 0 {
		limit = rate.Every(spacing)
	}
	return &Runner{
		orch:          orch,
		limiter:       rate.NewLimiter(limit, 1),
		maxConcurrent: maxConcurrent,
		active:        make(map[string]struct{}),
	}
}

func (r *Runner) tryAcquire(scope, repoName string) bool {
	key := scope + "/" + repoName
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[key]; busy {
		return false
	}
	r.active[key] = struct{}{}
	return true
}

func (r *Runner) release(scope, repoName string) {
	key := scope + "/" + repoName
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, key)
}

// Backup runs one repository sync, rejecting it when a sync for the same
// repository is already in flight.
func (r *Runner) Backup(ctx context.Context, scope string, repo models.Repository, token string) models.SyncResult {
	if !r.tryAcquire(scope, repo.Name) {
		return models.SyncResult{
			Status:  models.SyncError,
			Message: fmt.Sprintf("a backup is already in progress for repository %s", repo.Name),
			Repo:    repo.Name,
		}
	}
	defer r.release(scope, repo.Name)

	return r.orch.Backup(ctx, scope, repo, token)
}

// BackupAll syncs every repository in caller-supplied order, one result per
// repository at the matching index. A repository's failure never blocks the
// rest of the batch.
func (r *Runner) BackupAll(ctx context.Context, scope string, repos []models.Repository, token string) []models.SyncResult {
	runID := uuid.NewString()
	logger := log.With().Str("run_id", runID).Str("scope", scope).Logger()
	logger.Info().Int("repos", len(repos)).Msg("starting batch backup")

	results := make([]models.SyncResult, len(repos))

	var g errgroup.Group
	g.SetLimit(r.maxConcurrent)

	for i, repo := range repos {
		i, repo := i, repo
		if err := r.limiter.Wait(ctx); err != nil {
			results[i] = models.SyncResult{
				Status:  models.SyncError,
				Message: fmt.Sprintf("batch backup aborted before repository %s", repo.Name),
				Repo:    repo.Name,
			}
			continue
		}
		g.Go(func() error {
			results[i] = r.Backup(ctx, scope, repo, token)
			return nil
		})
	}
	g.Wait()

	logger.Info().Int("repos", len(repos)).Msg("batch backup finished")
	return results
}
