package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/getpup/pupledger/es"
)

// writeConfig points the CLI at a fresh SQLite file.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pupledger.yaml")
	content := fmt.Sprintf("database:\n  driver: sqlite\n  dsn: %s\nlog:\n  level: error\n", filepath.Join(dir, "ledger.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SilenceErrors = true
	cmd.SetArgs(append([]string{"--config", configPath}, args...))

	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func mustExecute(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	out, err := execute(t, configPath, args...)
	require.NoError(t, err, "pupledger %s", strings.Join(args, " "))
	return out
}

func TestMigrate_Print(t *testing.T) {
	out := mustExecute(t, writeConfig(t), "migrate", "--print")
	assert.Contains(t, out, "CREATE TABLE IF NOT EXISTS events")
	assert.Contains(t, out, "CREATE TABLE IF NOT EXISTS subscription_cursors")
}

func TestMigrate_Twice(t *testing.T) {
	cfg := writeConfig(t)
	assert.Equal(t, "migrated sqlite (events, subscription_cursors)\n", mustExecute(t, cfg, "migrate"))
	mustExecute(t, cfg, "migrate")
}

func TestAppendReadAndVersion(t *testing.T) {
	cfg := writeConfig(t)
	mustExecute(t, cfg, "migrate")

	out := mustExecute(t, cfg, "append", "task-1", "--type", "TaskCreated", "--payload", `{"title":"write docs"}`, "--expected", "no_stream")
	assert.Contains(t, out, "appended task-1@0 global_id=1")

	out = mustExecute(t, cfg, "-o", "json", "append", "task-1", "--type", "TaskCompleted", "--payload", `{}`, "--expected", "0",
		"--metadata", `{"actor":"ana"}`, "--tenant", "6f1c1d8e-8a43-4c55-a3d0-5b2e0f1b9c11")
	var appended []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &appended))
	require.Len(t, appended, 1)
	assert.Equal(t, float64(1), appended[0]["stream_version"])
	assert.Equal(t, "6f1c1d8e-8a43-4c55-a3d0-5b2e0f1b9c11", appended[0]["tenant_id"])
	assert.Equal(t, map[string]any{"actor": "ana"}, appended[0]["metadata"])

	out = mustExecute(t, cfg, "read", "task-1")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "1\ttask-1@0\tTaskCreated\t{\"title\":\"write docs\"}", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "2\ttask-1@1\tTaskCompleted"))

	out = mustExecute(t, cfg, "read", "task-1", "--from", "1")
	assert.Equal(t, 1, strings.Count(out, "\n"))

	assert.Equal(t, "1\n", mustExecute(t, cfg, "version", "task-1"))
	assert.Equal(t, "-1\n", mustExecute(t, cfg, "version", "task-2"))
}

func TestAppend_Conflict(t *testing.T) {
	cfg := writeConfig(t)
	mustExecute(t, cfg, "migrate")
	mustExecute(t, cfg, "append", "task-1", "--type", "TaskCreated", "--payload", `{}`, "--expected", "no_stream")

	_, err := execute(t, cfg, "append", "task-1", "--type", "TaskCreated", "--payload", `{}`, "--expected", "no_stream")
	require.Error(t, err)
	assert.True(t, es.IsConcurrencyConflict(err))
	assert.Equal(t, ExitConflict, GetExitCode(err))
}

func TestAppend_RetryAppendsAtCurrentVersion(t *testing.T) {
	cfg := writeConfig(t)
	mustExecute(t, cfg, "migrate")
	mustExecute(t, cfg, "append", "task-1", "--type", "TaskCreated", "--payload", `{}`, "--expected", "no_stream")

	out := mustExecute(t, cfg, "append", "task-1", "--type", "TaskCommented", "--payload", `{"text":"hi"}`, "--retry")
	assert.Contains(t, out, "appended task-1@1 global_id=2")

	out = mustExecute(t, cfg, "append", "task-2", "--type", "TaskCreated", "--payload", `{}`, "--retry")
	assert.Contains(t, out, "appended task-2@0 global_id=3")
}

func TestAppend_RetryRejectsExpected(t *testing.T) {
	cfg := writeConfig(t)
	mustExecute(t, cfg, "migrate")

	_, err := execute(t, cfg, "append", "task-1", "--type", "TaskCreated", "--payload", `{}`, "--retry", "--expected", "no_stream")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "--retry")
}

func TestAppend_InvalidInput(t *testing.T) {
	cfg := writeConfig(t)
	mustExecute(t, cfg, "migrate")

	tests := []struct {
		name string
		args []string
	}{
		{name: "bad expected", args: []string{"--payload", `{}`, "--expected", "latest"}},
		{name: "bad tenant", args: []string{"--payload", `{}`, "--tenant", "nope"}},
		{name: "payload not json", args: []string{"--payload", `{title`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"append", "task-1", "--type", "TaskCreated"}, tt.args...)
			_, err := execute(t, cfg, args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestFeed(t *testing.T) {
	cfg := writeConfig(t)
	mustExecute(t, cfg, "migrate")
	for _, stream := range []string{"task-1", "task-2", "task-3"} {
		mustExecute(t, cfg, "append", stream, "--type", "TaskCreated", "--payload", `{}`)
		mustExecute(t, cfg, "append", stream, "--type", "TaskCompleted", "--payload", `{}`)
	}

	out := mustExecute(t, cfg, "-o", "yaml", "feed", "--after", "2", "--batch", "3")
	var events []map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &events))
	require.Len(t, events, 3)
	assert.Equal(t, 3, events[0]["global_id"])
	assert.Equal(t, 5, events[2]["global_id"])

	out = mustExecute(t, cfg, "feed", "--type", "TaskCompleted")
	assert.Equal(t, 3, strings.Count(out, "TaskCompleted"))
	assert.NotContains(t, out, "TaskCreated")
}

func TestCursor(t *testing.T) {
	cfg := writeConfig(t)
	mustExecute(t, cfg, "migrate")

	assert.Equal(t, "0\n", mustExecute(t, cfg, "cursor", "get", "billing"))
	assert.Equal(t, "7\n", mustExecute(t, cfg, "cursor", "set", "billing", "7"))
	assert.Equal(t, "7\n", mustExecute(t, cfg, "cursor", "set", "billing", "3"), "cursors never move backwards")

	out := mustExecute(t, cfg, "-o", "json", "cursor", "get", "billing")
	assert.JSONEq(t, `{"subscription_id":"billing","position":7}`, out)

	_, err := execute(t, cfg, "cursor", "set", "billing", "seven")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, filepath.Join(t.TempDir(), "missing.yaml"), "version", "task-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		err  error
		name string
		want int
	}{
		{name: "nil", err: nil, want: ExitSuccess},
		{name: "exit error", err: WrapExitError(ExitCommandError, "bad", errors.New("x")), want: ExitCommandError},
		{name: "conflict", err: &es.ConcurrencyConflictError{StreamID: "s", Expected: es.Exact(0), Actual: 1}, want: ExitConflict},
		{name: "validation", err: &es.ValidationError{Field: "payload", Reason: "bad"}, want: ExitCommandError},
		{name: "transient", err: &es.TransientStorageError{Op: "append", Err: errors.New("busy")}, want: ExitFailure},
		{name: "other", err: errors.New("boom"), want: ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}
