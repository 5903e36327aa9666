// Package agent wires connectivity, identity and the sync engine together:
// it links reports when a user signs in and drains the queue whenever the
// backend becomes reachable.
package agent

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/JohanCodinha/reportq/internal/connectivity"
	"github.com/JohanCodinha/reportq/internal/identity"
	"github.com/JohanCodinha/reportq/internal/logger"
	"github.com/JohanCodinha/reportq/internal/queue"
	"github.com/JohanCodinha/reportq/internal/remote"
	"github.com/JohanCodinha/reportq/internal/sync"
)

var log = logger.Named("agent")

// Options configures an Agent.
type Options struct {
	Store    *queue.Store
	Client   *remote.Client
	Uploader sync.ImageUploader // nil uploads through Client
	Monitor  *connectivity.Monitor
	Engine   sync.Options

	// Token is the access token the client was created with; it is read
	// offline to learn the user id.
	Token string
	// StaleAfter is how long a record may sit in syncing before Recover
	// treats it as abandoned.
	StaleAfter time.Duration
	// RetryInterval drains periodically while online, so failed reports
	// are retried without waiting for the next reconnect. 0 disables it.
	RetryInterval time.Duration
}

// Agent is the long-lived coordinator behind `reportq run`.
type Agent struct {
	store      *queue.Store
	client     *remote.Client
	monitor    *connectivity.Monitor
	engine     *sync.Engine
	reconciler *identity.Reconciler
	opts       Options

	mu     gosync.Mutex
	token  string
	userID string

	kick chan struct{}
}

// New creates an agent. Store, Client and Monitor are required.
func New(opts Options) (*Agent, error) {
	if opts.Store == nil || opts.Client == nil || opts.Monitor == nil {
		return nil, fmt.Errorf("agent needs a store, a client and a monitor")
	}

	var api sync.IssueCreator = opts.Client
	engine, err := sync.NewEngine(opts.Store, api, opts.Uploader, opts.Engine)
	if err != nil {
		return nil, err
	}

	return &Agent{
		store:      opts.Store,
		client:     opts.Client,
		monitor:    opts.Monitor,
		engine:     engine,
		reconciler: identity.New(opts.Store),
		opts:       opts,
		token:      opts.Token,
		kick:       make(chan struct{}, 1),
	}, nil
}

// Engine returns the sync engine, for subscribing to events.
func (a *Agent) Engine() *sync.Engine { return a.engine }

// Monitor returns the connectivity monitor.
func (a *Agent) Monitor() *connectivity.Monitor { return a.monitor }

// UserID returns the current user, or "" when signed out.
func (a *Agent) UserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userID
}

// Recover moves records abandoned in syncing by a previous process to
// failed, so the next drain retries them.
func (a *Agent) Recover(ctx context.Context) (int64, error) {
	staleAfter := a.opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 2 * remote.DefaultTimeout
	}
	return a.store.RecoverStale(ctx, time.Now().Add(-staleAfter))
}

// Submit queues a report for the current user (unattributed when signed
// out) and schedules a drain. It succeeds offline.
func (a *Agent) Submit(ctx context.Context, issue queue.IssueData, photos []queue.Photo) (int64, error) {
	id, err := a.engine.Enqueue(ctx, queue.NewReport{
		Issue:  issue,
		Photos: photos,
		Owner:  queue.AttributedTo(a.UserID()),
	})
	if err != nil {
		return 0, err
	}
	if a.monitor.Status().Online {
		a.engine.TriggerSync()
	}
	return id, nil
}

// List returns every queued report in creation order.
func (a *Agent) List(ctx context.Context) ([]queue.PendingReport, error) {
	return a.store.List(ctx)
}

// Get returns one queued report.
func (a *Agent) Get(ctx context.Context, id int64) (*queue.PendingReport, error) {
	return a.store.Get(ctx, id)
}

// Resubmit replaces a report with a corrected copy and schedules a drain.
func (a *Agent) Resubmit(ctx context.Context, id int64, issue queue.IssueData) (int64, error) {
	newID, err := a.engine.Resubmit(ctx, id, issue)
	if err != nil {
		return 0, err
	}
	a.Kick()
	return newID, nil
}

// Discard deletes a report.
func (a *Agent) Discard(ctx context.Context, id int64) error {
	return a.engine.Discard(ctx, id)
}

// SetUser records a sign-in (userID != "") or sign-out (""), links
// unattributed reports to the new user, then schedules a drain.
func (a *Agent) SetUser(ctx context.Context, userID string) error {
	a.mu.Lock()
	changed := a.userID != userID
	a.userID = userID
	a.mu.Unlock()

	if changed {
		if userID == "" {
			log.Info("signed out")
		} else {
			log.Info("signed in as %s", userID)
		}
	}

	res, err := a.reconciler.OnAuthChanged(ctx, userID)
	if err != nil {
		return err
	}
	if len(res.Linked) > 0 && a.monitor.Status().Online {
		a.Kick()
	}
	return nil
}

// SetToken replaces the access token, then re-detects the user.
func (a *Agent) SetToken(ctx context.Context, token string) error {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
	a.client.SetToken(token)

	userID, err := a.DetectUser(ctx)
	if err != nil {
		return err
	}
	return a.SetUser(ctx, userID)
}

// DetectUser asks the backend who the token belongs to when online, and
// reads the token's subject otherwise. An expired or missing token yields "".
func (a *Agent) DetectUser(ctx context.Context) (string, error) {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()
	if token == "" {
		return "", nil
	}

	if a.monitor.Status().Online {
		user, err := a.client.GetCurrentUser(ctx)
		if err == nil {
			if user == nil {
				log.Warn("access token was rejected by the server")
				return "", nil
			}
			return user.ID, nil
		}
		log.Debug("failed to fetch current user, falling back to token: %v", err)
	}

	info, err := remote.ParseToken(token)
	if err != nil {
		return "", err
	}
	if info.Expired(time.Now()) {
		log.Warn("access token expired at %s", info.ExpiresAt.Format(time.RFC3339))
		return "", nil
	}
	return info.UserID, nil
}

// Kick requests a drain from the Run loop without blocking.
func (a *Agent) Kick() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Drain links reports if needed, then runs one drain pass.
func (a *Agent) Drain(ctx context.Context) (sync.DrainResult, error) {
	if userID := a.UserID(); userID != "" && !a.reconciler.Linked(userID) {
		if _, err := a.reconciler.OnAuthChanged(ctx, userID); err != nil {
			log.Warn("failed to link reports before drain: %v", err)
		}
	}
	return a.engine.Drain(ctx)
}

// Run recovers stale records, starts the connectivity monitor and drains on
// every online edge, kick and retry tick until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if n, err := a.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover interrupted reports: %w", err)
	} else if n > 0 {
		log.Info("recovered %d interrupted reports", n)
	}

	statuses, unsubscribe := a.monitor.Subscribe()
	defer unsubscribe()

	monitorDone := make(chan error, 1)
	go func() { monitorDone <- a.monitor.Run(ctx) }()
	defer a.engine.Stop()

	var retry <-chan time.Time
	if a.opts.RetryInterval > 0 {
		ticker := time.NewTicker(a.opts.RetryInterval)
		defer ticker.Stop()
		retry = ticker.C
	}

	wasOnline := false
	for {
		select {
		case <-ctx.Done():
			<-monitorDone
			return nil
		case st, ok := <-statuses:
			if !ok {
				return nil
			}
			if st.Online && !wasOnline {
				log.Info("backend reachable, syncing")
				a.onOnline(ctx)
			}
			wasOnline = st.Online
		case <-a.kick:
			if a.monitor.Status().Online {
				a.drain(ctx)
			}
		case <-retry:
			if a.monitor.Status().Online {
				a.drain(ctx)
			}
		}
	}
}

// onOnline refreshes the user from the backend, which also links reports,
// then drains. Without a token the user set through SetUser is kept.
func (a *Agent) onOnline(ctx context.Context) {
	a.mu.Lock()
	hasToken := a.token != ""
	a.mu.Unlock()

	if hasToken {
		if userID, err := a.DetectUser(ctx); err != nil {
			log.Warn("failed to detect user: %v", err)
		} else if err := a.SetUser(ctx, userID); err != nil {
			log.Warn("failed to link reports: %v", err)
		}
	}
	a.drain(ctx)
}

func (a *Agent) drain(ctx context.Context) {
	res, err := a.Drain(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("drain failed: %v", err)
		return
	}
	if res.Synced > 0 || res.Failed > 0 {
		log.Info("drain: %d synced, %d failed, %d held back", res.Synced, res.Failed, res.Skipped)
	}
}
