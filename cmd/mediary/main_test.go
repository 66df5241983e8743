package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediary/internal/auth"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "mediary "+Version+"\n", out)
}

func TestHashPasswordCommand(t *testing.T) {
	for name, tc := range map[string]struct {
		stdin string
		args  []string
	}{
		"argument": {args: []string{"hash-password", "s3cret"}},
		"stdin":    {stdin: "s3cret\n", args: []string{"hash-password"}},
	} {
		t.Run(name, func(t *testing.T) {
			out, err := execute(t, tc.stdin, tc.args...)
			require.NoError(t, err)

			hash := strings.TrimSpace(out)
			assert.True(t, strings.HasPrefix(hash, "$argon2id$"))
			ok, err := auth.VerifyPassword(hash, "s3cret")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestHashPasswordCommand_Empty(t *testing.T) {
	_, err := execute(t, "", "hash-password")
	assert.Error(t, err)
}

func TestQueueListCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := "upstream:\n" +
		"  host: mqtt.example.com\n" +
		"  client_id: projects/p/locations/l/registries/r/devices/gw\n" +
		"  audience: p\n" +
		"  private_key: not-parsed-by-queue-list\n" +
		"store:\n" +
		"  backend: sqlite\n" +
		"  sqlite:\n" +
		"    path: " + filepath.Join(dir, "queue.db") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o600))

	out, err := execute(t, "", "queue", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "TOPIC")
}

func TestUnknownConfigFile(t *testing.T) {
	_, err := execute(t, "", "queue", "list", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
