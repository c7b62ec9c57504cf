package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/migadu/dewey/config"
	"github.com/migadu/dewey/consts"
	"github.com/migadu/dewey/storage"
	"github.com/migadu/dewey/storage/userdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) (string, config.StorageConfig) {
	t.Helper()
	dir := t.TempDir()
	storageCfg := config.StorageConfig{Type: config.StorageSQLite, Path: filepath.Join(dir, "mail.db")}
	path := filepath.Join(dir, "dewey.toml")
	content := fmt.Sprintf("hostname = \"mail.test\"\n\n[storage]\ntype = %q\npath = %q\n", storageCfg.Type, storageCfg.Path)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path, storageCfg
}

func runAdmin(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestHashCommand(t *testing.T) {
	code, out, _ := runAdmin(t, "-hash", "ssha512", "hash", "secret")
	require.Equal(t, 0, code)

	hash := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(hash, "{SSHA512"), hash)
	assert.NoError(t, userdb.VerifyPassword(hash, "secret"))
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no command", nil, "Usage:"},
		{"unknown command", []string{"rename", "a"}, "Unknown command: rename"},
		{"missing password", []string{"adduser", "alice"}, "adduser expects 2 argument(s)"},
		{"bad scheme", []string{"-hash", "md5", "hash", "x"}, `unknown hash scheme "md5"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runAdmin(t, tt.args...)
			assert.Equal(t, 1, code)
			assert.Contains(t, stderr, tt.want)
		})
	}
}

func TestUserLifecycle(t *testing.T) {
	configPath, storageCfg := writeConfig(t)

	code, out, stderr := runAdmin(t, "-config", configPath, "adduser", "Alice", "first")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "adduser done")

	code, _, stderr = runAdmin(t, "-config", configPath, "adduser", "alice", "again")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, consts.ErrUserExists.Error())

	code, _, stderr = runAdmin(t, "-config", configPath, "passwd", "alice", "second")
	require.Equal(t, 0, code, stderr)

	ctx := context.Background()
	store, err := storage.Open(ctx, storageCfg)
	require.NoError(t, err)
	assert.ErrorIs(t, store.Authenticate(ctx, "alice", "first"), consts.ErrAuthFailed)
	assert.NoError(t, store.Authenticate(ctx, "alice", "second"))
	require.NoError(t, store.Close())

	code, _, stderr = runAdmin(t, "-config", configPath, "deluser", "alice")
	require.Equal(t, 0, code, stderr)

	code, _, stderr = runAdmin(t, "-config", configPath, "deluser", "alice")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, consts.ErrUserNotFound.Error())
}

func TestMissingExplicitConfig(t *testing.T) {
	code, _, stderr := runAdmin(t, "-config", filepath.Join(t.TempDir(), "none.toml"), "deluser", "bob")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "failed to load configuration")
}
