package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ghbackup/internal/backup"
	"ghbackup/internal/cancel"
	"ghbackup/internal/config"
	"ghbackup/internal/fsutil"
	"ghbackup/internal/github"
	"ghbackup/internal/metadata"
	"ghbackup/internal/server"
	"ghbackup/pkg/models"
)

var (
	configPath string
	tokenFlag  string
	userFlag   string
	orgFlag    string
	backupRoot string
	verbose    bool

	serveMode     bool
	backupAllMode bool
	listReposMode bool
	cancelRepo    string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "ghbackup",
		Short: "A GitHub repository backup service",
		Long:  "Incremental, cancellable backups of GitHub repositories (all branches, as zip archives) plus collaborator management",
		Run:   runApp,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.Flags().StringVar(&tokenFlag, "token", "", "GitHub token (falls back to GITHUB_TOKEN)")
	rootCmd.Flags().StringVar(&userFlag, "user", "", "GitHub username (user mode)")
	rootCmd.Flags().StringVar(&orgFlag, "org", "", "GitHub organization (organization mode)")
	rootCmd.Flags().StringVar(&backupRoot, "backup", "", "Directory to store backups (overrides config)")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	rootCmd.Flags().BoolVar(&serveMode, "serve", false, "Run the dashboard API server")
	rootCmd.Flags().BoolVar(&backupAllMode, "backup-all", false, "Back up every repository once and exit")
	rootCmd.Flags().BoolVar(&listReposMode, "list-repos", false, "List repositories and exit")
	rootCmd.Flags().StringVar(&cancelRepo, "cancel", "", "Request cancellation for a repository backup")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runApp(cmd *cobra.Command, args []string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	modeCount := 0
	if serveMode {
		modeCount++
	}
	if backupAllMode {
		modeCount++
	}
	if listReposMode {
		modeCount++
	}
	if cancelRepo != "" {
		modeCount++
	}

	if modeCount == 0 {
		fmt.Fprintf(os.Stderr, "Error: You must specify one operation mode\n")
		printUsageExamples()
		os.Exit(1)
	}
	if modeCount > 1 {
		fmt.Fprintf(os.Stderr, "Error: Only one operation mode can be specified at a time\n")
		printUsageExamples()
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if backupRoot != "" {
		cfg.BackupRoot = backupRoot
	}
	if userFlag != "" {
		cfg.DefaultOwner = userFlag
	}

	switch {
	case serveMode:
		err = runServe(cfg)
	case backupAllMode:
		err = runBackupAll(cfg)
	case listReposMode:
		err = runListRepos(cfg)
	case cancelRepo != "":
		err = runCancel(cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsageExamples() {
	fmt.Fprintf(os.Stderr, `
Usage Examples:
===============

1. Run the dashboard API server:
   %s --serve --config config.yaml

2. One-shot backup of all repositories for a user:
   %s --backup-all --user somebody --token ghp_xxx --backup /path/to/backups

3. One-shot backup of an organization's repositories:
   %s --backup-all --org someorg --token ghp_xxx

4. Request cancellation of a running backup:
   %s --cancel some-repo --user somebody

5. List repositories visible to the token:
   %s --list-repos --token ghp_xxx

`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func resolveToken() string {
	if tokenFlag != "" {
		return tokenFlag
	}
	return os.Getenv("GITHUB_TOKEN")
}

func buildRunner(cfg config.Config, sig cancel.Signal) (*backup.Runner, *github.Client) {
	client := github.NewClient(cfg.GitHub.BaseURL, cfg.GitHub.UserAgent, cfg.HTTPTimeout())
	store := metadata.NewStore(cfg.BackupRoot)
	orch := backup.NewOrchestrator(client, store, sig, cfg.BackupRoot).
		WithRetry(cfg.Backup.RetryAttempts, cfg.RetryDelay())
	return backup.NewRunner(orch, cfg.Backup.MaxConcurrent, cfg.Spacing()), client
}

func runServe(cfg config.Config) error {
	table := cancel.NewTable()
	runner, client := buildRunner(cfg, table)

	if cfg.WatchFlags {
		// Bridge flag files dropped by external processes into the
		// in-process signal table.
		flagDir := filepath.Join(cfg.BackupRoot, fsutil.SanitizeKey(cfg.DefaultOwner))
		watcher, err := cancel.NewWatcher(flagDir, table)
		if err != nil {
			return fmt.Errorf("starting cancel flag watcher: %w", err)
		}
		watcher.Start()
		defer watcher.Close()
		log.Info().Str("dir", flagDir).Msg("watching for cancel flag files")
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(cfg, client, runner, table).Handler(),
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("dashboard API listening")
		errChan <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		return srv.Shutdown(shutdownCtx)
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func fetchRepos(cfg config.Config, client *github.Client, token string) ([]models.Repository, string, error) {
	ctx := context.Background()
	if orgFlag != "" {
		repos, err := client.ListOrgRepos(ctx, orgFlag, token)
		return repos, orgFlag, err
	}
	if cfg.DefaultOwner == "" {
		return nil, "", fmt.Errorf("--user or --org is required")
	}
	repos, err := client.ListUserRepos(ctx, token)
	return repos, cfg.DefaultOwner, err
}

func runBackupAll(cfg config.Config) error {
	token := resolveToken()
	flags := cancel.NewFlagStore(filepath.Join(cfg.BackupRoot, fsutil.SanitizeKey(ownerScope(cfg))))
	runner, client := buildRunner(cfg, flags)

	repos, scope, err := fetchRepos(cfg, client, token)
	if err != nil {
		return fmt.Errorf("fetching repositories: %w", err)
	}
	if len(repos) == 0 {
		return fmt.Errorf("no repositories found")
	}

	results := runner.BackupAll(context.Background(), scope, repos, token)

	var updated, failed int
	for _, result := range results {
		fmt.Printf("%-45s %-10s %s\n", result.Repo, result.Status, result.Message)
		if result.Updated {
			updated++
		}
		if result.Status == models.SyncError {
			failed++
		}
	}
	fmt.Printf("\n%d repositories, %d updated, %d failed\n", len(results), updated, failed)
	if failed > 0 {
		return fmt.Errorf("%d repositories failed to back up", failed)
	}
	return nil
}

func runListRepos(cfg config.Config) error {
	token := resolveToken()
	client := github.NewClient(cfg.GitHub.BaseURL, cfg.GitHub.UserAgent, cfg.HTTPTimeout())

	repos, _, err := fetchRepos(cfg, client, token)
	if err != nil {
		return fmt.Errorf("fetching repositories: %w", err)
	}
	for _, repo := range repos {
		visibility := "public"
		if repo.Private {
			visibility = "private"
		}
		fmt.Printf("%-45s %s\n", repo.FullName, visibility)
	}
	return nil
}

func ownerScope(cfg config.Config) string {
	if orgFlag != "" {
		return orgFlag
	}
	return cfg.DefaultOwner
}

// runCancel drops a flag file for the orchestrator process to consume; this
// works across processes without talking to the API server.
func runCancel(cfg config.Config) error {
	scope := ownerScope(cfg)
	if scope == "" {
		return fmt.Errorf("--user or --org is required")
	}
	store := cancel.NewFlagStore(filepath.Join(cfg.BackupRoot, fsutil.SanitizeKey(scope)))
	store.Request(cancelRepo)
	fmt.Printf("Backup cancellation requested for repo %s\n", fsutil.SanitizeKey(cancelRepo))
	return nil
}
