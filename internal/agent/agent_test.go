package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohanCodinha/reportq/internal/connectivity"
	"github.com/JohanCodinha/reportq/internal/queue"
	"github.com/JohanCodinha/reportq/internal/remote"
	"github.com/JohanCodinha/reportq/internal/sync"
)

// switchProber reports the backend reachable while online is true.
type switchProber struct {
	online atomic.Bool
}

func (p *switchProber) Probe(ctx context.Context) (time.Duration, error) {
	if p.online.Load() {
		return 5 * time.Millisecond, nil
	}
	return 0, errors.New("network unreachable")
}

type testEnv struct {
	agent  *Agent
	store  *queue.Store
	mock   *remote.MockServer
	prober *switchProber
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()

	mock := remote.NewMockServer()
	t.Cleanup(mock.Close)

	store, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	prober := &switchProber{}
	monitor := connectivity.New(prober, connectivity.Options{
		Interval:      10 * time.Millisecond,
		Timeout:       time.Second,
		Confirmations: 1,
	})

	a, err := New(Options{
		Store:   store,
		Client:  remote.New(mock.URL, token),
		Monitor: monitor,
		Token:   token,
		Engine: sync.Options{
			MaxAttempts:        5,
			RequestTimeout:     time.Second,
			RequireAttribution: true,
			BackupDir:          filepath.Join(t.TempDir(), "failed"),
		},
		StaleAfter: time.Millisecond,
	})
	require.NoError(t, err)

	return &testEnv{agent: a, store: store, mock: mock, prober: prober}
}

func issue(title string) queue.IssueData {
	return queue.IssueData{
		Title:       title,
		Description: "Deep pothole near the school crossing, getting worse",
		Category:    "pothole",
		Latitude:    -37.8,
		Longitude:   144.9,
	}
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func runAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("agent did not stop")
		}
	})
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

// TestRun_SubmitOfflineThenSyncOnReconnect saves a report while offline and
// signed out, then comes online: the user is detected from the backend, the
// report linked to them and synced.
func TestRun_SubmitOfflineThenSyncOnReconnect(t *testing.T) {
	env := newTestEnv(t, "tok-1")
	env.mock.AddUser("tok-1", &remote.User{ID: "U1", Email: "u1@example.com"})
	ctx := context.Background()

	id, err := env.agent.Submit(ctx, issue("Pothole near the school"), []queue.Photo{
		{Name: "hole.jpg", ContentType: "image/jpeg", Data: []byte{0xff, 0xd8}},
	})
	require.NoError(t, err)

	r, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, r.Owner.Attributed())
	assert.Equal(t, queue.StatusPending, r.Status)

	var synced atomic.Int32
	defer env.agent.Engine().Subscribe(func(ev sync.Event) {
		if _, ok := ev.(sync.ReportSynced); ok {
			synced.Add(1)
		}
	})()

	runAgent(t, env.agent)

	// Offline: nothing reaches the server.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, env.mock.Issues())

	env.prober.online.Store(true)
	require.Eventually(t, func() bool { return synced.Load() == 1 }, 3*time.Second, 10*time.Millisecond)

	issues := env.mock.Issues()
	require.Len(t, issues, 1)
	assert.Equal(t, "U1", issues[0].Payload.UserID)
	assert.Equal(t, "bad_roads", issues[0].Payload.Category)
	assert.Len(t, issues[0].Payload.ImageURLs, 1)
	assert.Equal(t, "U1", env.agent.UserID())

	n, err := env.store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRun_SubmitWhileOnlineSyncsPromptly(t *testing.T) {
	env := newTestEnv(t, "")
	env.prober.online.Store(true)
	ctx := context.Background()

	runAgent(t, env.agent)
	require.Eventually(t, func() bool { return env.agent.Monitor().Status().Online }, time.Second, 5*time.Millisecond)
	require.NoError(t, env.agent.SetUser(ctx, "U7"))

	_, err := env.agent.Submit(ctx, issue("Streetlight out on Elm Road"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(env.mock.Issues()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "U7", env.mock.Issues()[0].Payload.UserID)
}

func TestRun_RecoversInterruptedReports(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	id, err := env.store.Save(ctx, queue.NewReport{Issue: issue("Left syncing by a crash"), Owner: queue.AttributedTo("U1")})
	require.NoError(t, err)
	_, err = env.store.Acquire(ctx, id, 5)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	n, err := env.agent.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	r, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, r.Status)
	assert.Equal(t, queue.KindStorage, r.ErrorKind)

	// The next drain retries it.
	env.prober.online.Store(true)
	runAgent(t, env.agent)
	require.Eventually(t, func() bool { return len(env.mock.Issues()) == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestSetUser_LinksAndSignOut(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	id, err := env.agent.Submit(ctx, issue("Flooded underpass on 5th"), nil)
	require.NoError(t, err)

	require.NoError(t, env.agent.SetUser(ctx, "U1"))
	r, err := env.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.AttributedTo("U1"), r.Owner)

	require.NoError(t, env.agent.SetUser(ctx, ""))
	assert.Empty(t, env.agent.UserID())

	// Signed out: new reports are unattributed and held back.
	id2, err := env.agent.Submit(ctx, issue("Broken bench in the park"), nil)
	require.NoError(t, err)
	r, err = env.store.Get(ctx, id2)
	require.NoError(t, err)
	assert.False(t, r.Owner.Attributed())

	res, err := env.agent.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Skipped)
}

func TestDetectUser_OfflineReadsToken(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "U9", "exp": time.Now().Add(time.Hour).Unix()})
	env := newTestEnv(t, token)

	userID, err := env.agent.DetectUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "U9", userID)
}

func TestDetectUser_ExpiredToken(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "U9", "exp": time.Now().Add(-time.Hour).Unix()})
	env := newTestEnv(t, token)

	userID, err := env.agent.DetectUser(context.Background())
	require.NoError(t, err)
	assert.Empty(t, userID)
}

func TestDetectUser_OnlineAsksServer(t *testing.T) {
	env := newTestEnv(t, "opaque-token")
	env.mock.AddUser("opaque-token", &remote.User{ID: "U3"})
	env.prober.online.Store(true)
	ctx := context.Background()
	require.True(t, env.agent.Monitor().Check(ctx).Online)

	userID, err := env.agent.DetectUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "U3", userID)

	// A token the server rejects means signed out.
	require.NoError(t, env.agent.SetToken(ctx, "revoked"))
	assert.Empty(t, env.agent.UserID())
}

func TestDetectUser_NoToken(t *testing.T) {
	env := newTestEnv(t, "")
	userID, err := env.agent.DetectUser(context.Background())
	require.NoError(t, err)
	assert.Empty(t, userID)
}
