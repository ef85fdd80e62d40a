package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/beacon/pkg/beacon/event"
)

func baseArgs(t *testing.T, apiBase string) []string {
	t.Helper()
	return []string{
		"--write-key", "wk_cli",
		"--api-base", apiBase,
		"--storage-path", filepath.Join(t.TempDir(), "events.json"),
		"--app-name", "cli-test",
		"--app-version", "1.0.0",
		"--app-build", "1",
		"--app-package", "com.example.cli",
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func TestRun_TrackPendingFlush(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/v1/batch", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	args := baseArgs(t, srv.URL+"/v1")

	out, err := runCLI(t, append(args, "track", "Report Exported", "pages=12", "format=pdf")...)
	require.NoError(t, err)
	assert.Contains(t, out, "queued (1 pending)")

	out, err = runCLI(t, append(args, "--json", "pending")...)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	var stored map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &stored))
	assert.Equal(t, "Report Exported", stored["name"])

	out, err = runCLI(t, append(args, "--timeout", "5s", "flush")...)
	require.NoError(t, err)
	assert.Contains(t, out, "delivered 1, dropped 0, pending 0")
	assert.Equal(t, int32(1), hits.Load())

	out, err = runCLI(t, append(args, "pending")...)
	require.NoError(t, err)
	assert.Contains(t, out, "0 pending")
}

func TestRun_TrackForUser(t *testing.T) {
	args := baseArgs(t, "https://api.example.com/v1")
	_, err := runCLI(t, append(args, "--user", "user-3", "track", "Invite Sent")...)
	require.NoError(t, err)

	out, err := runCLI(t, append(args, "--json", "pending")...)
	require.NoError(t, err)
	var stored map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &stored))
	assert.Equal(t, "user-3", stored["userID"])
}

func TestRun_FlushReportsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	args := baseArgs(t, srv.URL+"/v1")
	_, err := runCLI(t, append(args, "identify", "user-9", "plan=\"pro\"")...)
	require.NoError(t, err)

	_, err = runCLI(t, append(args, "flush")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "will be retried")
}

func TestRun_Reset(t *testing.T) {
	args := baseArgs(t, "https://api.example.com/v1")
	_, err := runCLI(t, append(args, "track", "one")...)
	require.NoError(t, err)

	out, err := runCLI(t, append(args, "reset")...)
	require.NoError(t, err)
	assert.Contains(t, out, "1 pending events discarded")
}

func TestRun_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"launch"}},
		{"track without name", []string{"track"}},
		{"bad property", []string{"track", "x", "novalue"}},
		{"bad log format", []string{"--log-format", "xml", "pending"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append(baseArgs(t, "https://api.example.com/v1"), tt.args...)
			_, err := runCLI(t, args...)
			require.Error(t, err)
			var ue *usageError
			assert.ErrorAs(t, err, &ue)
			assert.Equal(t, 2, ue.ExitCode())
		})
	}
}

func TestRun_Help(t *testing.T) {
	out, err := runCLI(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "Usage: beacon")
	assert.Contains(t, out, "--storage-path")
}

func TestLoadSettings_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beacon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
write_key: from-file
app_name: file-app
retry_delay: 5s
max_queue_size: 50
`), 0o600))

	t.Setenv("BEACON_WRITE_KEY", "from-env")
	t.Setenv("BEACON_MAX_QUEUE_SIZE", "7")
	t.Setenv("BEACON_APP_NAME", "env-app")

	flagSet := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flagSet.String("write-key", "", "")
	flagSet.String("api-base", "", "")
	flagSet.String("storage-path", "", "")
	flagSet.String("storage-backend", "", "")
	flagSet.Bool("batch-mode", true, "")
	flagSet.String("app-name", "", "")
	flagSet.String("app-version", "", "")
	flagSet.String("app-build", "", "")
	flagSet.String("app-package", "", "")
	require.NoError(t, flagSet.Parse([]string{"--app-name", "flag-app"}))

	s, err := loadSettings(path, flagSet)
	require.NoError(t, err)

	assert.Equal(t, "from-env", s.WriteKey)
	assert.Equal(t, "flag-app", s.AppName)
	assert.Equal(t, 7, s.MaxQueueSize)
	assert.Equal(t, 5*time.Second, s.RetryDelay)
	assert.True(t, s.BatchMode, "unchanged flag keeps the default")
	assert.NotEmpty(t, s.StoragePath)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		raw  string
		want event.Value
	}{
		{"12", event.Int(12)},
		{"1.5", event.Float(1.5)},
		{"true", event.Bool(true)},
		{`"quoted"`, event.String("quoted")},
		{"plain text", event.String("plain text")},
		{"12 apples", event.String("12 apples")},
		{"[1,2]", event.Array(event.Int(1), event.Int(2))},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.True(t, tt.want.Equal(parseValue(tt.raw)), "got %v", parseValue(tt.raw).Any())
		})
	}
}
