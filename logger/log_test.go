package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func withWorkDir(t *testing.T) {
	t.Helper()
	tmpDir := t.TempDir()
	oldDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(tmpDir))
	t.Cleanup(func() { _ = os.Chdir(oldDir) })
}

func TestLogJobCompletedWritesAuditRow(t *testing.T) {
	withWorkDir(t)

	LogJobCompleted("job-1", "reports")

	content, err := os.ReadFile("completed.csv")
	require.NoError(t, err)
	require.Equal(t, "job-1,reports,OK\n", string(content))
}

func TestLogJobFailedWritesAuditRow(t *testing.T) {
	withWorkDir(t)

	LogJobFailed("job-2", "reports", "boom")

	content, err := os.ReadFile("failed.csv")
	require.NoError(t, err)
	require.Equal(t, "job-2,reports,Failed\n", string(content))
}

func TestAppendToCSVAccumulatesEntries(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "audit.csv")

	appendToCSV(path, "job-1", "t", "OK")
	appendToCSV(path, "job-2", "t", "Failed")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "job-1,t,OK\njob-2,t,Failed\n", string(content))
}

func TestErrorfAndWarnfDoNotPanic(t *testing.T) {
	Errorf("boom: %s", "reason")
	Warnf("careful: %d", 1)
}
