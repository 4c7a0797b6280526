package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"ghbackup/internal/backup"
	"ghbackup/internal/cancel"
	"ghbackup/internal/config"
	"ghbackup/internal/fsutil"
	"ghbackup/pkg/models"
)

// RepoLister is the slice of the GitHub client the listing and collaborator
// endpoints need.
type RepoLister interface {
	ListUserRepos(ctx context.Context, token string) ([]models.Repository, error)
	ListOrgRepos(ctx context.Context, org, token string) ([]models.Repository, error)
	ListCollaborators(ctx context.Context, repoFullName, token string) ([]models.Collaborator, error)
	UpdateCollaborator(ctx context.Context, repoFullName, username, permission, token string) error
	RemoveCollaborator(ctx context.Context, repoFullName, username, token string) error
}

/*
Server is the front controller for the dashboard API. It only shuttles:
decode form input, resolve the encoded credential, call into the runner or
client, marshal a JSON envelope back. No backup logic lives here.
*/
type Server struct {
	cfg    config.Config
	client RepoLister
	runner *backup.Runner
	signal cancel.Signal
	router *mux.Router
}

type response struct {
	Status  models.SyncStatus   `json:"status"`
	Message string              `json:"message,omitempty"`
	Repos   []models.Repository `json:"repos,omitempty"`
	Results []models.SyncResult `json:"results,omitempty"`
}

func New(cfg config.Config, client RepoLister, runner *backup.Runner, signal cancel.Signal) *Server {
	s := &Server{
		cfg:    cfg,
		client: client,
		runner: runner,
		signal: signal,
		router: mux.NewRouter(),
	}

	s.router.Use(logRequests)
	s.router.HandleFunc("/api/backup", s.handleBackup).Methods(http.MethodPost)
	s.router.HandleFunc("/api/backup/all", s.handleBackupAll).Methods(http.MethodPost)
	s.router.HandleFunc("/api/cancel", s.handleCancel).Methods(http.MethodPost)
	s.router.HandleFunc("/api/repos", s.handleRepos).Methods(http.MethodPost)
	s.router.HandleFunc("/api/collaborators/update", s.handleCollaboratorUpdate).Methods(http.MethodPost)
	s.router.HandleFunc("/api/collaborators/remove", s.handleCollaboratorRemove).Methods(http.MethodPost)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("took", time.Since(start)).
			Msg("request handled")
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encoding response failed")
	}
}

func errorResponse(w http.ResponseWriter, message string) {
	writeJSON(w, response{Status: models.SyncError, Message: message})
}

// decodeToken undoes the dashboard's credential encoding: base64, with the
// shared salt mixed in. The resolved token is opaque to everything below.
func (s *Server) decodeToken(encoded string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid token encoding: %w", err)
	}
	return strings.ReplaceAll(string(decoded), s.cfg.TokenSalt, ""), nil
}

// ownerScope picks the backup directory scope for a request: an explicit
// username wins, the configured default is the fallback.
func (s *Server) ownerScope(r *http.Request) string {
	if username := r.FormValue("username"); username != "" {
		return username
	}
	return s.cfg.DefaultOwner
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	encoded := r.FormValue("encrypted_token")
	repoJSON := r.FormValue("repo")
	if encoded == "" || repoJSON == "" {
		errorResponse(w, "Missing parameters")
		return
	}

	token, err := s.decodeToken(encoded)
	if err != nil {
		errorResponse(w, "Invalid token")
		return
	}

	var repo models.Repository
	if err := json.Unmarshal([]byte(repoJSON), &repo); err != nil {
		errorResponse(w, "Invalid repository data: "+err.Error())
		return
	}
	if repo.Name == "" || repo.FullName == "" {
		errorResponse(w, "Invalid repository data: name and full_name are required")
		return
	}

	scope := s.ownerScope(r)
	if scope == "" {
		errorResponse(w, "Owner not provided")
		return
	}

	writeJSON(w, s.runner.Backup(r.Context(), scope, repo, token))
}

func (s *Server) handleBackupAll(w http.ResponseWriter, r *http.Request) {
	encoded := r.FormValue("encrypted_token")
	if encoded == "" {
		errorResponse(w, "Token not provided")
		return
	}
	token, err := s.decodeToken(encoded)
	if err != nil {
		errorResponse(w, "Invalid token")
		return
	}

	repos, scope, err := s.fetchRepos(r, token)
	if err != nil {
		errorResponse(w, err.Error())
		return
	}

	results := s.runner.BackupAll(r.Context(), scope, repos, token)
	writeJSON(w, response{Status: models.SyncSuccess, Results: results})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	repoName := r.FormValue("repo_name")
	if repoName == "" {
		errorResponse(w, "Repository name not provided")
		return
	}

	safeName := fsutil.SanitizeKey(repoName)
	s.signal.Request(safeName)

	writeJSON(w, response{
		Status:  models.SyncSuccess,
		Message: fmt.Sprintf("Backup cancellation requested for repo %s", safeName),
	})
}

func (s *Server) handleRepos(w http.ResponseWriter, r *http.Request) {
	encoded := r.FormValue("encrypted_token")
	if encoded == "" {
		errorResponse(w, "Token not provided")
		return
	}
	token, err := s.decodeToken(encoded)
	if err != nil {
		errorResponse(w, "Invalid token")
		return
	}

	repos, _, err := s.fetchRepos(r, token)
	if err != nil {
		errorResponse(w, err.Error())
		return
	}

	fetchCollaborators := r.FormValue("fetch_collaborators") == "true"
	for i := range repos {
		repos[i].Collaborators = []models.Collaborator{}
		if !fetchCollaborators {
			continue
		}
		collaborators, err := s.client.ListCollaborators(r.Context(), repos[i].FullName, token)
		if err != nil {
			log.Warn().Err(err).Str("repo", repos[i].FullName).Msg("fetching collaborators failed")
			continue
		}
		repos[i].Collaborators = collaborators
	}

	writeJSON(w, response{Status: models.SyncSuccess, Repos: repos})
}

// fetchRepos resolves the request's listing mode (organization or user) and
// returns the repositories plus the owner scope used for backups.
func (s *Server) fetchRepos(r *http.Request, token string) ([]models.Repository, string, error) {
	if r.FormValue("org") == "true" {
		org := r.FormValue("organization")
		if org == "" {
			return nil, "", fmt.Errorf("Organization not provided")
		}
		repos, err := s.client.ListOrgRepos(r.Context(), org, token)
		if err != nil || len(repos) == 0 {
			return nil, "", fmt.Errorf("Could not fetch repositories.")
		}
		return repos, org, nil
	}

	scope := s.ownerScope(r)
	if scope == "" {
		return nil, "", fmt.Errorf("Username not provided")
	}
	repos, err := s.client.ListUserRepos(r.Context(), token)
	if err != nil || len(repos) == 0 {
		return nil, "", fmt.Errorf("Could not fetch repositories.")
	}
	return repos, scope, nil
}

func (s *Server) handleCollaboratorUpdate(w http.ResponseWriter, r *http.Request) {
	encoded := r.FormValue("encrypted_token")
	repoName := r.FormValue("repo_name")
	username := r.FormValue("username")
	access := r.FormValue("access")
	if encoded == "" || repoName == "" || username == "" || access == "" {
		errorResponse(w, "Missing parameters")
		return
	}

	token, err := s.decodeToken(encoded)
	if err != nil {
		errorResponse(w, "Invalid token")
		return
	}

	owner := strings.TrimSpace(r.FormValue("owner"))
	if owner == "" {
		owner = username
	}
	repoFullName := owner + "/" + repoName

	if err := s.client.UpdateCollaborator(r.Context(), repoFullName, username, access, token); err != nil {
		log.Error().Err(err).Str("repo", repoFullName).Str("collaborator", username).Msg("collaborator update failed")
		errorResponse(w, fmt.Sprintf("Failed to update access for %s in repository %s.", username, repoName))
		return
	}

	writeJSON(w, response{
		Status:  models.SyncSuccess,
		Message: fmt.Sprintf("Collaborator %s's access updated to %s in repository %s.", username, access, repoName),
	})
}

func (s *Server) handleCollaboratorRemove(w http.ResponseWriter, r *http.Request) {
	encoded := r.FormValue("encrypted_token")
	username := r.FormValue("username")
	if encoded == "" || username == "" {
		errorResponse(w, "Missing parameters")
		return
	}

	token, err := s.decodeToken(encoded)
	if err != nil {
		errorResponse(w, "Invalid token")
		return
	}

	repoName := strings.TrimSpace(r.FormValue("repo_name"))
	owner := strings.TrimSpace(r.FormValue("owner"))
	if owner == "" {
		owner = username
	}

	if repoName != "" {
		repoFullName := owner + "/" + repoName
		if err := s.client.RemoveCollaborator(r.Context(), repoFullName, username, token); err != nil {
			log.Error().Err(err).Str("repo", repoFullName).Str("collaborator", username).Msg("collaborator removal failed")
			errorResponse(w, fmt.Sprintf("Failed to remove collaborator %s from repository %s.", username, repoName))
			return
		}
		writeJSON(w, response{
			Status:  models.SyncSuccess,
			Message: fmt.Sprintf("Collaborator %s removed from repository %s.", username, repoName),
		})
		return
	}

	// No repository given: walk every repository of the owner and remove the
	// collaborator from each.
	var repos []models.Repository
	if owner != username {
		repos, err = s.client.ListOrgRepos(r.Context(), owner, token)
	} else {
		repos, err = s.client.ListUserRepos(r.Context(), token)
	}
	if err != nil {
		errorResponse(w, "Could not fetch repositories.")
		return
	}

	var removedFrom []string
	for _, repo := range repos {
		if err := s.client.RemoveCollaborator(r.Context(), repo.FullName, username, token); err != nil {
			log.Warn().Err(err).Str("repo", repo.FullName).Str("collaborator", username).Msg("collaborator removal failed")
			continue
		}
		removedFrom = append(removedFrom, repo.FullName)
	}

	if len(removedFrom) == 0 {
		errorResponse(w, fmt.Sprintf("Collaborator %s was not removed from any repository.", username))
		return
	}
	writeJSON(w, response{
		Status:  models.SyncSuccess,
		Message: fmt.Sprintf("Collaborator %s removed from the following repositories: %s.", username, strings.Join(removedFrom, ", ")),
	})
}
