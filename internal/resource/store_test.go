package resource

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginWriteFinalizeRoundTrip(t *testing.T) {
	store := newTestStore(t)

	w, err := store.Begin(context.Background())
	require.NoError(t, err)

	_, err = w.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)

	handle, err := w.Finalize()
	require.NoError(t, err)
	defer handle.Close()

	body, err := io.ReadAll(handle)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(body))
	assert.Equal(t, int64(len("hello world")), handle.Size())
}

func TestOpenUnknownRefReturnsNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Open(context.Background(), Ref("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Open(context.Background(), Ref(""))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPartialInvisibleToReaders(t *testing.T) {
	store := newTestStore(t)

	w, err := store.Begin(context.Background())
	require.NoError(t, err)
	_, err = w.Write([]byte("in flight"))
	require.NoError(t, err)

	// Not finalized yet, Open must treat the ref as unknown.
	_, err = store.Open(context.Background(), w.Ref())
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, w.Abandon())
}

func TestAbandonDeletesPartialImmediately(t *testing.T) {
	store := newTestStore(t)

	w, err := store.Begin(context.Background())
	require.NoError(t, err)
	_, err = w.Write([]byte("doomed"))
	require.NoError(t, err)

	require.NoError(t, w.Abandon())
	assertFileCount(t, store.Dir(), 0)

	// Abandon is idempotent.
	require.NoError(t, w.Abandon())
}

func TestWriteAfterFinalizeRejected(t *testing.T) {
	store := newTestStore(t)

	w, err := store.Begin(context.Background())
	require.NoError(t, err)
	handle, err := w.Finalize()
	require.NoError(t, err)
	defer handle.Close()

	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrFinalized)

	_, err = w.Finalize()
	assert.ErrorIs(t, err, ErrFinalized)
}

func TestReferenceCounting(t *testing.T) {
	store := newTestStore(t)

	w, err := store.Begin(context.Background())
	require.NoError(t, err)
	_, err = w.Write([]byte("shared"))
	require.NoError(t, err)

	first, err := w.Finalize()
	require.NoError(t, err)
	ref := first.Ref()
	assert.True(t, store.InUse(ref))

	second, err := store.Open(context.Background(), ref)
	require.NoError(t, err)

	require.NoError(t, first.Close())
	assert.True(t, store.InUse(ref), "outstanding handle keeps the resource in use")

	body, err := io.ReadAll(second)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(body))

	require.NoError(t, second.Close())
	assert.False(t, store.InUse(ref))

	// Close is idempotent and never double-decrements.
	require.NoError(t, second.Close())
	assert.False(t, store.InUse(ref))
}

func TestZeroRefcountDoesNotDeleteFile(t *testing.T) {
	store := newTestStore(t)

	w, err := store.Begin(context.Background())
	require.NoError(t, err)
	handle, err := w.Finalize()
	require.NoError(t, err)
	ref := handle.Ref()
	require.NoError(t, handle.Close())

	// Reclamation belongs to the sweeper, the file must survive release.
	reopened, err := store.Open(context.Background(), ref)
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}

func TestPhysicalRefsDistinguishesPartials(t *testing.T) {
	store := newTestStore(t)

	w1, err := store.Begin(context.Background())
	require.NoError(t, err)
	h, err := w1.Finalize()
	require.NoError(t, err)
	defer h.Close()

	w2, err := store.Begin(context.Background())
	require.NoError(t, err)
	defer func() { _ = w2.Abandon() }()

	refs, err := store.PhysicalRefs()
	require.NoError(t, err)
	require.Len(t, refs, 2)

	byRef := map[Ref]PhysicalRef{}
	for _, pr := range refs {
		byRef[pr.Ref] = pr
	}
	assert.True(t, byRef[w1.Ref()].Finalized)
	assert.False(t, byRef[w2.Ref()].Finalized)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create resource store: %v", err)
	}
	return store
}

func assertFileCount(t *testing.T, dir string, want int) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != want {
		t.Fatalf("expected %d files in %s, found %d", want, dir, len(entries))
	}
}
