package upload

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chatrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func newTestStore(t *testing.T) *DiskStore {
	t.Helper()
	s, err := NewDiskStore(filepath.Join(t.TempDir(), "uploads"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveRead_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "cat.png", pngHeader))

	got, err := s.Read("cat.png")
	require.NoError(t, err)
	assert.Equal(t, pngHeader, got)

	onDisk, err := os.ReadFile(filepath.Join(s.Dir(), "cat.png"))
	require.NoError(t, err)
	assert.Equal(t, pngHeader, onDisk)
}

func TestSave_LastWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "notes.txt", []byte("first version, longer")))
	require.NoError(t, s.Save(ctx, "notes.txt", []byte("second")))

	got, err := s.Read("notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestSave_EmptyFile(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save(context.Background(), "empty.bin", nil))

	got, err := s.Read("empty.bin")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRead_Missing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Read("nope.png")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSave_EscapingNamesRejected(t *testing.T) {
	s := newTestStore(t)
	outside := filepath.Join(filepath.Dir(s.Dir()), "escaped.txt")

	for _, name := range []string{"../escaped.txt", outside} {
		err := s.Save(context.Background(), name, []byte("x"))
		require.ErrorIs(t, err, domain.ErrIO, name)
	}

	_, err := os.Stat(outside)
	assert.True(t, os.IsNotExist(err))
}

func TestSave_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Save(ctx, "late.png", pngHeader)
	require.ErrorIs(t, err, domain.ErrIO)
	require.ErrorIs(t, err, context.Canceled)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/png", ContentType("cat.png", nil))
	assert.True(t, strings.HasPrefix(ContentType("readme.txt", nil), "text/plain"))
	assert.Equal(t, "image/png", ContentType("no-extension", pngHeader))
	assert.Equal(t, "application/octet-stream", ContentType("blob", []byte{0x00, 0x01, 0x02, 0xff}))
}
