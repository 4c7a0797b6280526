package cancel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableConsumeClearsFlag(t *testing.T) {
	table := NewTable()

	assert.False(t, table.Consume("myrepo"), "no request yet")

	table.Request("myrepo")
	assert.True(t, table.Consume("myrepo"))
	assert.False(t, table.Consume("myrepo"), "consume clears the flag")
}

func TestTableRequestIsIdempotent(t *testing.T) {
	table := NewTable()

	table.Request("myrepo")
	table.Request("myrepo")
	table.Request("myrepo")

	assert.True(t, table.Consume("myrepo"))
	assert.False(t, table.Consume("myrepo"))
}

func TestTableFlagsAreIndependentPerRepository(t *testing.T) {
	table := NewTable()

	table.Request("one")
	assert.False(t, table.Consume("two"))
	assert.True(t, table.Consume("one"))
}

func TestTableSanitizesKeys(t *testing.T) {
	table := NewTable()

	table.Request("../my repo!")
	assert.True(t, table.Consume("myrepo"), "hostile characters collapse to the same key")
}

func TestFlagStoreRoundtrip(t *testing.T) {
	dir := t.TempDir()
	store := NewFlagStore(dir)

	assert.False(t, store.Consume("myrepo"))

	store.Request("myrepo")
	assert.FileExists(t, filepath.Join(dir, "cancel_myrepo.flag"))

	assert.True(t, store.Consume("myrepo"))
	assert.NoFileExists(t, filepath.Join(dir, "cancel_myrepo.flag"))
	assert.False(t, store.Consume("myrepo"))
}

func TestFlagStoreSanitizesRepoName(t *testing.T) {
	dir := t.TempDir()
	store := NewFlagStore(dir)

	store.Request("../../evil")
	assert.FileExists(t, filepath.Join(dir, "cancel_evil.flag"), "path separators must not escape the flag directory")
}

func TestWatcherForwardsFlagFilesToTable(t *testing.T) {
	dir := t.TempDir()
	table := NewTable()

	watcher, err := NewWatcher(dir, table)
	require.NoError(t, err)
	defer watcher.Close()
	watcher.Start()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cancel_myrepo.flag"), []byte("cancel"), 0644))

	assert.Eventually(t, func() bool {
		return table.Consume("myrepo")
	}, 2*time.Second, 10*time.Millisecond)

	// The flag file was consumed along the way.
	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "cancel_myrepo.flag"))
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	table := NewTable()

	watcher, err := NewWatcher(dir, table)
	require.NoError(t, err)
	defer watcher.Close()
	watcher.Start()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, table.Consume("notes"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}
