package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghbackup/internal/cancel"
	"ghbackup/internal/github"
	"ghbackup/internal/metadata"
	"ghbackup/pkg/models"
)

type fakeClient struct {
	branches    []models.Branch
	listErr     error
	downloadErr map[string]error
	downloads   []string
	onDownload  func(branch string)
}

func (f *fakeClient) ListBranches(ctx context.Context, repoFullName, token string) ([]models.Branch, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.branches, nil
}

func (f *fakeClient) DownloadArchive(ctx context.Context, repoFullName, branchName, token, destinationPath string) error {
	if f.onDownload != nil {
		f.onDownload(branchName)
	}
	if err := f.downloadErr[branchName]; err != nil {
		return err
	}
	f.downloads = append(f.downloads, branchName)
	return os.WriteFile(destinationPath, []byte("zip "+branchName), 0644)
}

func branch(name, sha string) models.Branch {
	var b models.Branch
	b.Name = name
	b.Commit.SHA = sha
	return b
}

func testRepo() models.Repository {
	return models.Repository{Name: "myrepo", FullName: "someone/myrepo"}
}

func newTestOrchestrator(t *testing.T, client *fakeClient) (*Orchestrator, *cancel.Table, string) {
	t.Helper()
	root := t.TempDir()
	table := cancel.NewTable()
	orch := NewOrchestrator(client, metadata.NewStore(root), table, root).
		WithRetry(1, time.Millisecond)
	return orch, table, root
}

func dayDir(root string) string {
	return filepath.Join(root, "someone", "myrepo", time.Now().Format("20060102"))
}

func TestBackupDownloadsAllBranchesFirstPass(t *testing.T) {
	client := &fakeClient{branches: []models.Branch{
		branch("main", "sha1"),
		branch("feature/x", "sha2"),
	}}
	orch, _, root := newTestOrchestrator(t, client)

	result := orch.Backup(context.Background(), "someone", testRepo(), "tok")

	require.Equal(t, models.SyncSuccess, result.Status)
	assert.True(t, result.Updated)
	assert.Equal(t, []string{"main", "feature/x"}, client.downloads)

	// Path safety: the separator never produces a nested path.
	assert.FileExists(t, filepath.Join(dayDir(root), "main.zip"))
	assert.FileExists(t, filepath.Join(dayDir(root), "feature_x.zip"))

	record, err := metadata.NewStore(root).Load("someone", "myrepo")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"main": "sha1", "feature/x": "sha2"}, record)
}

func TestBackupSecondPassIsIdempotent(t *testing.T) {
	client := &fakeClient{branches: []models.Branch{branch("main", "sha1")}}
	orch, _, _ := newTestOrchestrator(t, client)

	first := orch.Backup(context.Background(), "someone", testRepo(), "tok")
	require.True(t, first.Updated)

	second := orch.Backup(context.Background(), "someone", testRepo(), "tok")
	require.Equal(t, models.SyncSuccess, second.Status)
	assert.False(t, second.Updated)
	assert.Len(t, client.downloads, 1, "unchanged branch must not be re-downloaded")
}

func TestBackupDetectsChangedBranch(t *testing.T) {
	client := &fakeClient{branches: []models.Branch{branch("main", "sha1")}}
	orch, _, root := newTestOrchestrator(t, client)
	orch.Backup(context.Background(), "someone", testRepo(), "tok")

	client.branches = []models.Branch{branch("main", "sha2")}
	result := orch.Backup(context.Background(), "someone", testRepo(), "tok")

	require.Equal(t, models.SyncSuccess, result.Status)
	assert.True(t, result.Updated)
	assert.Len(t, client.downloads, 2)

	record, err := metadata.NewStore(root).Load("someone", "myrepo")
	require.NoError(t, err)
	assert.Equal(t, "sha2", record["main"])
}

func TestBackupEmptyRepository(t *testing.T) {
	client := &fakeClient{}
	orch, _, root := newTestOrchestrator(t, client)

	result := orch.Backup(context.Background(), "someone", testRepo(), "tok")

	require.Equal(t, models.SyncEmpty, result.Status)
	assert.Empty(t, client.downloads)
	assert.NoFileExists(t, filepath.Join(root, "someone", "myrepo", "last_backup.json"))
}

func TestBackupListingErrorIsNotEmpty(t *testing.T) {
	client := &fakeClient{listErr: errors.New("boom")}
	orch, _, _ := newTestOrchestrator(t, client)

	result := orch.Backup(context.Background(), "someone", testRepo(), "tok")

	require.Equal(t, models.SyncError, result.Status)
	assert.NotContains(t, result.Message, "tok", "the credential must never leak into messages")
}

func TestBackupCancelledMidPass(t *testing.T) {
	client := &fakeClient{branches: []models.Branch{
		branch("A", "shaA"),
		branch("B", "shaB"),
		branch("C", "shaC"),
	}}
	orch, table, root := newTestOrchestrator(t, client)

	client.onDownload = func(string) {
		// Request cancellation once the first download is in flight; it is
		// observed between branches, never mid-download.
		table.Request("myrepo")
	}

	result := orch.Backup(context.Background(), "someone", testRepo(), "tok")

	require.Equal(t, models.SyncCancelled, result.Status)
	assert.Equal(t, []string{"A"}, client.downloads)
	assert.FileExists(t, filepath.Join(dayDir(root), "A.zip"))
	assert.NoFileExists(t, filepath.Join(dayDir(root), "B.zip"))
	assert.NoFileExists(t, filepath.Join(dayDir(root), "C.zip"))

	// Completed work is kept, including its metadata entry.
	record, err := metadata.NewStore(root).Load("someone", "myrepo")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "shaA"}, record)

	// The flag was consumed and does not leak into the next pass.
	assert.False(t, table.Consume("myrepo"))
}

func TestBackupPartialBranchFailure(t *testing.T) {
	client := &fakeClient{
		branches: []models.Branch{
			branch("A", "shaA"),
			branch("B", "shaB"),
			branch("C", "shaC"),
		},
		downloadErr: map[string]error{
			"B": &github.HTTPError{URL: "http://x", StatusCode: 500},
		},
	}
	orch, _, root := newTestOrchestrator(t, client)

	result := orch.Backup(context.Background(), "someone", testRepo(), "tok")

	require.Equal(t, models.SyncSuccess, result.Status)
	assert.True(t, result.Updated)

	record, err := metadata.NewStore(root).Load("someone", "myrepo")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "shaA", "C": "shaC"}, record)

	// The failed branch stays pending: a second pass retries only B.
	client.downloadErr = nil
	client.downloads = nil
	second := orch.Backup(context.Background(), "someone", testRepo(), "tok")
	require.Equal(t, models.SyncSuccess, second.Status)
	assert.Equal(t, []string{"B"}, client.downloads)
}

func TestBackupRecoversFromCorruptMetadata(t *testing.T) {
	client := &fakeClient{branches: []models.Branch{branch("main", "sha1")}}
	orch, _, root := newTestOrchestrator(t, client)

	recordPath := filepath.Join(root, "someone", "myrepo", "last_backup.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(recordPath), 0755))
	require.NoError(t, os.WriteFile(recordPath, []byte("{not json"), 0644))

	result := orch.Backup(context.Background(), "someone", testRepo(), "tok")

	require.Equal(t, models.SyncSuccess, result.Status)
	assert.True(t, result.Updated)
	assert.Equal(t, []string{"main"}, client.downloads)

	record, err := metadata.NewStore(root).Load("someone", "myrepo")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"main": "sha1"}, record)
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	attempts := 0
	client := &fakeClient{branches: []models.Branch{branch("main", "sha1")}}
	client.onDownload = func(string) {
		attempts++
		if attempts == 1 {
			client.downloadErr = map[string]error{
				"main": &github.NetworkError{URL: "http://x", Err: fmt.Errorf("reset")},
			}
		} else {
			client.downloadErr = nil
		}
	}
	orch, _, _ := newTestOrchestrator(t, client)
	orch.WithRetry(3, time.Millisecond)

	result := orch.Backup(context.Background(), "someone", testRepo(), "tok")

	require.Equal(t, models.SyncSuccess, result.Status)
	assert.True(t, result.Updated)
	assert.Equal(t, 2, attempts)
}

func TestDownloadDoesNotRetryHTTPFailures(t *testing.T) {
	attempts := 0
	client := &fakeClient{
		branches: []models.Branch{branch("main", "sha1")},
		downloadErr: map[string]error{
			"main": &github.HTTPError{URL: "http://x", StatusCode: 404},
		},
	}
	client.onDownload = func(string) { attempts++ }
	orch, _, _ := newTestOrchestrator(t, client)
	orch.WithRetry(3, time.Millisecond)

	result := orch.Backup(context.Background(), "someone", testRepo(), "tok")

	require.Equal(t, models.SyncSuccess, result.Status)
	assert.False(t, result.Updated)
	assert.Equal(t, 1, attempts)
}
