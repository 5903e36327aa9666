package identity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohanCodinha/reportq/internal/queue"
)

func openStore(t *testing.T) *queue.Store {
	t.Helper()
	store, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func save(t *testing.T, store *queue.Store, owner queue.Owner) int64 {
	t.Helper()
	id, err := store.Save(context.Background(), queue.NewReport{
		Issue: queue.IssueData{Title: "Broken streetlight", Description: "Out for a week now, very dark"},
		Owner: owner,
	})
	require.NoError(t, err)
	return id
}

func ownerOf(t *testing.T, store *queue.Store, id int64) queue.Owner {
	t.Helper()
	r, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return r.Owner
}

// flakyStore fails Update for the listed ids.
type flakyStore struct {
	*queue.Store
	failIDs map[int64]bool
	updates int
}

func (s *flakyStore) Update(ctx context.Context, id int64, u queue.Update) error {
	s.updates++
	if s.failIDs[id] {
		return &queue.StorageError{Op: "update", Cause: queue.ErrQuotaExceeded}
	}
	return s.Store.Update(ctx, id, u)
}

// TestOnAuthChanged_LinksUnattributed saves a report before sign-in, then
// signs in and checks the report is attributed to the user.
func TestOnAuthChanged_LinksUnattributed(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	id := save(t, store, queue.Unattributed())
	r := New(store)

	n, err := r.Unattributed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := r.OnAuthChanged(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, res.Linked)
	assert.Equal(t, queue.AttributedTo("U1"), ownerOf(t, store, id))
	assert.True(t, r.Linked("U1"))

	n, err = r.Unattributed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOnAuthChanged_LeavesAttributedReports(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	mine := save(t, store, queue.Unattributed())
	theirs := save(t, store, queue.AttributedTo("U2"))

	res, err := New(store).OnAuthChanged(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, []int64{mine}, res.Linked)
	assert.Equal(t, queue.AttributedTo("U2"), ownerOf(t, store, theirs))
}

func TestOnAuthChanged_IdempotentWithinSession(t *testing.T) {
	store := &flakyStore{Store: openStore(t)}
	ctx := context.Background()
	save(t, store.Store, queue.Unattributed())

	r := New(store)
	_, err := r.OnAuthChanged(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, 1, store.updates)

	// A report saved after linking is not picked up until the session resets.
	late := save(t, store.Store, queue.Unattributed())
	res, err := r.OnAuthChanged(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyLinked)
	assert.Equal(t, 1, store.updates)
	assert.False(t, ownerOf(t, store.Store, late).Attributed())

	r.Reset()
	assert.False(t, r.Linked("U1"))
	res, err = r.OnAuthChanged(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, []int64{late}, res.Linked)
}

func TestOnAuthChanged_SignOutResetsGuard(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	r := New(store)

	_, err := r.OnAuthChanged(ctx, "U1")
	require.NoError(t, err)
	require.True(t, r.Linked("U1"))

	_, err = r.OnAuthChanged(ctx, "")
	require.NoError(t, err)
	assert.False(t, r.Linked("U1"))

	// Reports saved while signed out are linked on the next sign-in.
	id := save(t, store, queue.Unattributed())
	res, err := r.OnAuthChanged(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, res.Linked)
}

func TestOnAuthChanged_UserSwitch(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	r := New(store)

	first := save(t, store, queue.Unattributed())
	_, err := r.OnAuthChanged(ctx, "U1")
	require.NoError(t, err)

	second := save(t, store, queue.Unattributed())
	res, err := r.OnAuthChanged(ctx, "U2")
	require.NoError(t, err)
	assert.Equal(t, []int64{second}, res.Linked)
	assert.False(t, r.Linked("U1"))
	assert.True(t, r.Linked("U2"))

	// Earlier attribution is never moved to the new user.
	assert.Equal(t, queue.AttributedTo("U1"), ownerOf(t, store, first))
	assert.Equal(t, queue.AttributedTo("U2"), ownerOf(t, store, second))
}

func TestOnAuthChanged_SkipsSyncedReports(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	id := save(t, store, queue.Unattributed())
	synced := queue.StatusSynced
	require.NoError(t, store.Update(ctx, id, queue.Update{Status: &synced}))

	res, err := New(store).OnAuthChanged(ctx, "U1")
	require.NoError(t, err)
	assert.Empty(t, res.Linked)
	assert.False(t, ownerOf(t, store, id).Attributed())
}

func TestOnAuthChanged_PartialFailure(t *testing.T) {
	base := openStore(t)
	ctx := context.Background()

	ok := save(t, base, queue.Unattributed())
	bad := save(t, base, queue.Unattributed())
	store := &flakyStore{Store: base, failIDs: map[int64]bool{bad: true}}

	r := New(store)
	res, err := r.OnAuthChanged(ctx, "U1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReconciliation))

	var pe *PartialError
	require.True(t, errors.As(err, &pe))
	assert.Contains(t, pe.Failed, bad)
	assert.NotContains(t, pe.Failed, ok)
	assert.Contains(t, err.Error(), "local storage quota exceeded")

	// Successes are kept, and the guard stays unset so the next event retries.
	assert.Equal(t, []int64{ok}, res.Linked)
	assert.Equal(t, queue.AttributedTo("U1"), ownerOf(t, base, ok))
	assert.False(t, r.Linked("U1"))

	delete(store.failIDs, bad)
	res, err = r.OnAuthChanged(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, []int64{bad}, res.Linked)
	assert.True(t, r.Linked("U1"))
}

func TestOnAuthChanged_CancelledContext(t *testing.T) {
	store := openStore(t)
	save(t, store, queue.Unattributed())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(store)
	_, err := r.OnAuthChanged(ctx, "U1")
	require.Error(t, err)
	assert.False(t, r.Linked("U1"))
}

func TestLinked_EmptyUser(t *testing.T) {
	r := New(openStore(t))
	assert.False(t, r.Linked(""))
}
