package artifacts

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sheetmark/internal/common"
	"github.com/ternarybob/sheetmark/internal/interfaces"
	"github.com/ternarybob/sheetmark/internal/models"
	"github.com/ternarybob/sheetmark/internal/repository"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)
	return store
}

func TestSaveGetRoundTrip(t *testing.T) {
	store := newTestStore(t)

	data := []byte("template bytes")
	require.NoError(t, store.Save("templates/template_ab12cd34.png", data))

	assert.True(t, store.Exists("templates/template_ab12cd34.png"))

	got, err := store.Get("templates/template_ab12cd34.png")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get("templates/nope.png")
	assert.ErrorIs(t, err, interfaces.ErrArtifactNotFound)
}

func TestResolveRejectsTraversal(t *testing.T) {
	store := newTestStore(t)

	assert.Error(t, store.Save("../outside.txt", []byte("x")))
	assert.Error(t, store.Save("/etc/passwd", []byte("x")))
	_, err := store.Get("..")
	assert.Error(t, err)
}

func TestListFiltersAndSorts(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save("answer_sheets/batch/sheet_2.png", []byte("b")))
	require.NoError(t, store.Save("answer_sheets/batch/sheet_1.png", []byte("a")))
	require.NoError(t, store.Save("answer_sheets/batch/notes.txt", []byte("c")))
	require.NoError(t, store.Save("answer_sheets/batch/sheet_10.jpg", []byte("d")))

	got, err := store.List("answer_sheets/batch", "sheet_*.png")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"answer_sheets/batch/sheet_1.png",
		"answer_sheets/batch/sheet_2.png",
	}, got)
}

func TestChunkedUploadCombine(t *testing.T) {
	store := newTestStore(t)
	uploadID, err := store.BeginUpload("template.png", 3)
	require.NoError(t, err)
	assert.Contains(t, uploadID, "upload_")

	// Chunks delivered out of order.
	require.NoError(t, store.SaveChunk(uploadID, 2, []byte("cc")))
	require.NoError(t, store.SaveChunk(uploadID, 0, []byte("aa")))
	require.NoError(t, store.SaveChunk(uploadID, 1, []byte("bb")))

	status, err := store.UploadStatus(uploadID)
	require.NoError(t, err)
	assert.Equal(t, "template.png", status.Filename)
	assert.Equal(t, 3, status.TotalChunks)
	assert.Equal(t, []int{0, 1, 2}, status.ChunksReceived)

	require.NoError(t, store.CombineChunks(uploadID, 3, "templates/combined.png"))

	got, err := store.Get("templates/combined.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("aabbcc"), got)

	// Upload directory is gone after combining.
	_, err = store.UploadStatus(uploadID)
	assert.ErrorIs(t, err, interfaces.ErrArtifactNotFound)
}

func TestCombineChunksMissingChunkFails(t *testing.T) {
	store := newTestStore(t)
	uploadID := "upload_test_2"

	require.NoError(t, store.SaveChunk(uploadID, 0, []byte("aa")))
	require.NoError(t, store.SaveChunk(uploadID, 2, []byte("cc")))

	err := store.CombineChunks(uploadID, 3, "templates/broken.png")
	require.Error(t, err)
	assert.False(t, store.Exists("templates/broken.png"))
}

func TestSaveChunkDuplicateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	uploadID := "upload_test_3"

	require.NoError(t, store.SaveChunk(uploadID, 0, []byte("aa")))
	require.NoError(t, store.SaveChunk(uploadID, 0, []byte("aa")))

	status, err := store.UploadStatus(uploadID)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, status.ChunksReceived)
}

func TestExtractZip(t *testing.T) {
	store := newTestStore(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"sheet_1.png": "one",
		"sheet_2.png": "two",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	require.NoError(t, store.Save("answer_sheets/batch_9.zip", buf.Bytes()))

	folder, err := store.ExtractZip("answer_sheets/batch_9.zip")
	require.NoError(t, err)
	assert.Equal(t, "answer_sheets/batch_9", folder)

	got, err := store.Get("answer_sheets/batch_9/sheet_1.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	// Archive removed after extraction.
	assert.False(t, store.Exists("answer_sheets/batch_9.zip"))
}

func TestExtractZipRejectsUnsafeEntries(t *testing.T) {
	store := newTestStore(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../escape.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("bad"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	require.NoError(t, store.Save("answer_sheets/evil.zip", buf.Bytes()))

	_, err = store.ExtractZip("answer_sheets/evil.zip")
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(store.Root(), "..", "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCleanerSweepRemovesExpiredArtifacts(t *testing.T) {
	store := newTestStore(t)
	logger := arbor.NewLogger()

	db, err := repository.OpenDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	repo := repository.FromDB(db)
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()

	require.NoError(t, store.Save("templates/stale.png", []byte("old")))
	require.NoError(t, store.Save("templates/live.png", []byte("new")))

	stale := models.NewFileRecord("stale.png", "stale.png", "templates/stale.png", ".png", "image/png", 3, 1)
	stale.DeletionDate = stale.CreatedAt.AddDate(0, 0, -1)
	live := models.NewFileRecord("live.png", "live.png", "templates/live.png", ".png", "image/png", 3, 1)

	require.NoError(t, repo.Files().Insert(ctx, stale))
	require.NoError(t, repo.Files().Insert(ctx, live))

	cleaner := NewCleaner(&common.CleanupConfig{Enabled: true, Schedule: "0 3 * * *"}, store, repo.Files(), logger)
	require.NoError(t, cleaner.Sweep(ctx))

	assert.False(t, store.Exists("templates/stale.png"))
	assert.True(t, store.Exists("templates/live.png"))

	rec, err := repo.Files().Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusDeleted, rec.Status)
}
