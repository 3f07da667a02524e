package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transcribegate/transcribegate/internal/files"
	"github.com/transcribegate/transcribegate/internal/job"
)

// setupEnv points the configuration at a fresh SQLite file and input directory.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	for k, v := range map[string]string{
		"TRANSCRIBEGATE_CONFIG":           "",
		"TRANSCRIBEGATE_DOCUMENT_BACKEND": "sqlite",
		"TRANSCRIBEGATE_BLOB_BACKEND":     "fs",
		"TRANSCRIBEGATE_DB_PATH":          dbPath,
		"TRANSCRIBEGATE_INPUT_DIR":        filepath.Join(dir, "inputs"),
		"TRANSCRIBEGATE_ENGINE":           "whisper-cli",
		"TRANSCRIBEGATE_LOG_LEVEL":        "error",
	} {
		t.Setenv(k, v)
	}
	return dbPath
}

func seed(t *testing.T, dbPath string, fn func(*job.Store)) {
	t.Helper()
	docs, err := job.NewSQLiteDocuments(dbPath)
	require.NoError(t, err)
	store := job.NewStore(docs)
	fn(store)
	require.NoError(t, store.Close())
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestResetAndFiles(t *testing.T) {
	dbPath := setupEnv(t)
	started := time.Now().UTC().Add(-time.Hour)
	seed(t, dbPath, func(s *job.Store) {
		_, err := s.TryStart(context.Background(), "stuck", job.StatusRecord{Resource: "stuck.wav", Attempt: "x", StartedAt: &started})
		require.NoError(t, err)
	})

	out, err := runCLI(t, "reset", "stuck")
	require.NoError(t, err)
	assert.Contains(t, out, "stuck marked as failed")

	_, err = runCLI(t, "reset", "stuck")
	assert.Error(t, err, "a failed job is not processing")

	out, err = runCLI(t, "files")
	require.NoError(t, err)
	var views []files.View
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "stuck", views[0].ID)
	assert.Equal(t, job.StatusError, views[0].Status)
	assert.Equal(t, "reset by operator", views[0].Error)
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "transcribegate")
}
