package book

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixtureEntity struct {
	ID     string
	Name   string
	closed atomic.Bool
}

func (f *fixtureEntity) Close() error {
	f.closed.Store(true)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseFixture(_ context.Context, id string, data []byte) (*fixtureEntity, error) {
	var doc struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	return &fixtureEntity{ID: id, Name: doc.Name}, nil
}

func newTestBook(t *testing.T) *Book[*fixtureEntity] {
	t.Helper()
	return New("fixture", ".json", parseFixture, WithLogger(testLogger()))
}

func writeDescriptor(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestBookLoadAndGet(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "alpha.json", `{"name": "Alpha"}`)
	writeDescriptor(t, dir, "beta.json", `{"name": "Beta"}`)
	writeDescriptor(t, dir, "notes.txt", "not a descriptor")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o750))

	b := newTestBook(t)
	require.NoError(t, b.Load(context.Background(), dir))

	assert.Equal(t, 2, b.Len())
	assert.Equal(t, []string{"alpha", "beta"}, b.Identifiers())

	alpha, ok := b.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", alpha.ID)
	assert.Equal(t, "Alpha", alpha.Name)

	_, ok = b.Get("gamma")
	assert.False(t, ok)
}

func TestBookLoadMissingDir(t *testing.T) {
	b := newTestBook(t)

	err := b.Load(context.Background(), filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Equal(t, uint64(0), b.Stats().Generation)
}

func TestBookLoadEmptyDir(t *testing.T) {
	b := newTestBook(t)

	require.NoError(t, b.Load(context.Background(), t.TempDir()))
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, uint64(1), b.Stats().Generation)
}

func TestBookLoadFailureKeepsPreviousGeneration(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "alpha.json", `{"name": "Alpha"}`)

	b := newTestBook(t)
	require.NoError(t, b.Load(context.Background(), dir))

	writeDescriptor(t, dir, "broken.json", `{"name": ""}`)

	err := b.Load(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorContains(t, err, "broken.json")

	alpha, ok := b.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, "Alpha", alpha.Name)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Generation)
	assert.Equal(t, 0, stats.Trash)
}

func TestBookReloadReusesUnchangedEntities(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "alpha.json", `{"name": "Alpha"}`)
	writeDescriptor(t, dir, "beta.json", `{"name": "Beta"}`)

	b := newTestBook(t)
	require.NoError(t, b.Load(context.Background(), dir))

	alphaBefore, ok := b.Get("alpha")
	require.True(t, ok)

	writeDescriptor(t, dir, "beta.json", `{"name": "Beta v2"}`)
	require.NoError(t, b.Load(context.Background(), dir))

	alphaAfter, ok := b.Get("alpha")
	require.True(t, ok)
	require.Same(t, alphaBefore, alphaAfter, "unchanged descriptor must reuse the live entity")

	beta, ok := b.Get("beta")
	require.True(t, ok)
	assert.Equal(t, "Beta v2", beta.Name)

	stats := b.Stats()
	assert.Equal(t, uint64(2), stats.Generation)
	assert.Equal(t, 1, stats.Trash, "only the replaced entity is trashed")
}

func TestBookSupersededEntityRemainsUsable(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "alpha.json", `{"name": "Alpha"}`)

	b := newTestBook(t)
	require.NoError(t, b.Load(context.Background(), dir))

	held, ok := b.Get("alpha")
	require.True(t, ok)

	writeDescriptor(t, dir, "alpha.json", `{"name": "Alpha v2"}`)
	require.NoError(t, b.Load(context.Background(), dir))

	assert.Equal(t, "Alpha", held.Name, "held reference survives the reload")
	assert.False(t, held.closed.Load(), "trashed entity must not be closed by the reload")

	fresh, ok := b.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, "Alpha v2", fresh.Name)
}

func TestBookReloadTrashesRemovedEntities(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "alpha.json", `{"name": "Alpha"}`)
	writeDescriptor(t, dir, "beta.json", `{"name": "Beta"}`)

	b := newTestBook(t)
	require.NoError(t, b.Load(context.Background(), dir))

	require.NoError(t, os.Remove(filepath.Join(dir, "beta.json")))
	require.NoError(t, b.Load(context.Background(), dir))

	assert.Equal(t, 1, b.Len())
	_, ok := b.Get("beta")
	assert.False(t, ok)
	assert.Equal(t, 1, b.Stats().Trash)
}

func TestBookFlushTrash(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "alpha.json", `{"name": "Alpha"}`)

	b := newTestBook(t)
	require.NoError(t, b.Load(context.Background(), dir))

	old, ok := b.Get("alpha")
	require.True(t, ok)

	writeDescriptor(t, dir, "alpha.json", `{"name": "Alpha v2"}`)
	require.NoError(t, b.Load(context.Background(), dir))

	assert.Equal(t, 1, b.FlushTrash())
	assert.True(t, old.closed.Load(), "flushed entity is closed")
	assert.Equal(t, 0, b.Stats().Trash)

	assert.Equal(t, 0, b.FlushTrash(), "second flush has nothing to do")
}

func TestBookClear(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "alpha.json", `{"name": "Alpha"}`)

	b := newTestBook(t)
	require.NoError(t, b.Load(context.Background(), dir))

	old, ok := b.Get("alpha")
	require.True(t, ok)

	writeDescriptor(t, dir, "alpha.json", `{"name": "Alpha v2"}`)
	require.NoError(t, b.Load(context.Background(), dir))

	fresh, ok := b.Get("alpha")
	require.True(t, ok)

	b.Clear()

	assert.Equal(t, 0, b.Len())
	assert.True(t, old.closed.Load())
	assert.True(t, fresh.closed.Load())

	_, ok = b.Get("alpha")
	assert.False(t, ok)
}

func TestBookStats(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "alpha.json", `{"name": "Alpha"}`)

	loadedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b := New("fixture", ".json", parseFixture,
		WithLogger(testLogger()),
		WithClock(func() time.Time { return loadedAt }))

	require.NoError(t, b.Load(context.Background(), dir))

	stats := b.Stats()
	assert.Equal(t, "fixture", stats.Name)
	assert.Equal(t, 1, stats.Live)
	assert.Equal(t, 0, stats.Trash)
	assert.Equal(t, uint64(1), stats.Generation)
	assert.Equal(t, loadedAt, stats.LastLoad)
}

func TestBookExtensionMatchingIsCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "alpha.JSON", `{"name": "Alpha"}`)

	b := newTestBook(t)
	require.NoError(t, b.Load(context.Background(), dir))

	_, ok := b.Get("alpha")
	assert.True(t, ok)
}
