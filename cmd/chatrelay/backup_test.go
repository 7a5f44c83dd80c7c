package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	src := t.TempDir()
	dbPath := filepath.Join(src, "database.sqlite")
	cfgPath := filepath.Join(src, "chatrelay.json")
	uploadsDir := filepath.Join(src, "uploads")

	writeFile(t, dbPath, "db bytes")
	writeFile(t, dbPath+"-wal", "wal bytes")
	writeFile(t, cfgPath, `{"server":{"port":3001}}`)
	writeFile(t, filepath.Join(uploadsDir, "cat.png"), "meow")
	writeFile(t, filepath.Join(uploadsDir, "nested", "dog.png"), "woof")

	entries, err := collectBackupEntries(dbPath, cfgPath, uploadsDir)
	require.NoError(t, err)

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"config/chatrelay.json",
		"db/database.sqlite",
		"db/database.sqlite-wal",
		"uploads/cat.png",
		"uploads/nested/dog.png",
	}, names)

	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	require.NoError(t, createTarGz(archive, entries))

	dst := t.TempDir()
	targets := restoreTargets{
		dbPath:     filepath.Join(dst, "data", "chat.sqlite"),
		configPath: filepath.Join(dst, "chatrelay.json"),
		uploadsDir: filepath.Join(dst, "files"),
	}
	restored, err := extractTarGz(archive, targets)
	require.NoError(t, err)
	assert.Len(t, restored, 5)

	for path, want := range map[string]string{
		targets.dbPath:                                         "db bytes",
		targets.dbPath + "-wal":                                "wal bytes",
		targets.configPath:                                     `{"server":{"port":3001}}`,
		filepath.Join(targets.uploadsDir, "cat.png"):           "meow",
		filepath.Join(targets.uploadsDir, "nested", "dog.png"): "woof",
	} {
		got, err := os.ReadFile(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, string(got), path)
	}
}

func TestCollectBackupEntries_MissingUploadsDir(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "database.sqlite")
	writeFile(t, dbPath, "db")

	entries, err := collectBackupEntries(dbPath, filepath.Join(dir, "absent.json"), filepath.Join(dir, "uploads"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "db/database.sqlite", entries[0].name)
}

func TestRestoreTargets_RejectsEscapingUploads(t *testing.T) {
	targets := restoreTargets{dbPath: "/d/chat.sqlite", configPath: "/c/chatrelay.json", uploadsDir: "/u"}

	assert.Equal(t, "", targets.targetFor("uploads/../../etc/passwd"))
	assert.Equal(t, "", targets.targetFor("unknown/file"))
	assert.Equal(t, "/d/chat.sqlite-shm", targets.targetFor("db/whatever.sqlite-shm"))
	assert.True(t, strings.HasSuffix(targets.targetFor("uploads/a.png"), filepath.Join("u", "a.png")))
}

func TestServiceUnitRender(t *testing.T) {
	u := serviceUnit{exec: "/usr/local/bin/chatrelay", config: "/srv/chat/chatrelay.json", workDir: "/srv/chat"}

	unit := u.render(systemdTemplate)
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/chatrelay serve --config /srv/chat/chatrelay.json")
	assert.Contains(t, unit, "WorkingDirectory=/srv/chat")
	assert.NotContains(t, unit, "{{")
}
