// Package sync provides the engine that drains the local report queue to the
// remote backend.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/JohanCodinha/reportq/internal/logger"
	"github.com/JohanCodinha/reportq/internal/queue"
	"github.com/JohanCodinha/reportq/internal/remote"
)

var log = logger.Named("sync")

// releaseTimeout bounds the status write that moves a record out of syncing
// after its context was cancelled.
const releaseTimeout = 10 * time.Second

var (
	// ErrUnattributed is returned when a report has no owner and attribution
	// is required before sync.
	ErrUnattributed = errors.New("report needs to be linked to a user before syncing")
	// ErrBusy is returned when a report is being synced by another pass.
	ErrBusy = errors.New("report is currently syncing")
)

// IssueCreator creates issues on the backend.
type IssueCreator interface {
	CreateIssue(ctx context.Context, payload remote.IssuePayload) (*remote.CreatedIssue, error)
}

// ImageUploader stores a photo and returns its public URL.
type ImageUploader interface {
	UploadImage(ctx context.Context, img remote.Image) (string, error)
}

// Geocoder resolves a free-text address to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (lat, lng float64, err error)
}

// Options configures an Engine.
type Options struct {
	// MaxAttempts is the attempt ceiling for automatic retries; 0 means
	// unbounded.
	MaxAttempts int
	// RequestTimeout bounds every upload and create call.
	RequestTimeout time.Duration
	// RequireAttribution holds back unattributed reports.
	RequireAttribution bool
	// BackupDir receives a markdown copy of every permanently failed report.
	// Empty disables backups.
	BackupDir string
	// DebounceMs is the delay TriggerSync waits before draining.
	DebounceMs int
	// Geocoder, when set, refreshes the coordinates of reports that carry
	// an address. Failures keep the stored coordinates.
	Geocoder Geocoder
}

// Result is the outcome of one record's sync attempt.
type Result struct {
	ID        int64
	IssueID   string
	Err       error
	Kind      queue.ErrorKind
	Permanent bool
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Synced  int
	Failed  int
	Skipped int
	Results []Result
}

// Engine syncs queued reports to the backend.
type Engine struct {
	store    *queue.Store
	api      IssueCreator
	uploader ImageUploader
	opts     Options

	// draining admits a single Drain at a time.
	draining gosync.Mutex

	mu     gosync.Mutex
	timer  *time.Timer
	subs   map[int]func(Event)
	nextID int
	stopCh chan struct{}
}

// NewEngine creates a sync engine. uploader may be nil when api also
// implements ImageUploader.
func NewEngine(store *queue.Store, api IssueCreator, uploader ImageUploader, opts Options) (*Engine, error) {
	if store == nil || api == nil {
		return nil, fmt.Errorf("sync engine needs a store and an API client")
	}
	if uploader == nil {
		u, ok := api.(ImageUploader)
		if !ok {
			return nil, fmt.Errorf("sync engine needs an image uploader")
		}
		uploader = u
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = remote.DefaultTimeout
	}
	if opts.MaxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must not be negative, got %d", opts.MaxAttempts)
	}

	return &Engine{
		store:    store,
		api:      api,
		uploader: uploader,
		opts:     opts,
		subs:     make(map[int]func(Event)),
		stopCh:   make(chan struct{}),
	}, nil
}

// MaxAttempts returns the configured attempt ceiling.
func (e *Engine) MaxAttempts() int { return e.opts.MaxAttempts }

// eligible reports whether a drain should pick up r.
func (e *Engine) eligible(r *queue.PendingReport) bool {
	if r.Status != queue.StatusPending && r.Status != queue.StatusFailed {
		return false
	}
	if !r.ErrorKind.Retryable() {
		return false
	}
	return e.opts.MaxAttempts == 0 || r.Attempts < e.opts.MaxAttempts
}

// Drain runs one pass over pending and failed reports in creation order.
// If another Drain is running it returns an empty result immediately.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	if !e.draining.TryLock() {
		log.Debug("drain already in progress, skipping")
		return res, nil
	}
	defer e.draining.Unlock()

	reports, err := e.store.ListByStatus(ctx, queue.StatusPending, queue.StatusFailed)
	if err != nil {
		return res, fmt.Errorf("failed to list pending reports: %w", err)
	}

	var todo []int64
	for i := range reports {
		r := &reports[i]
		if !e.eligible(r) {
			continue
		}
		if e.opts.RequireAttribution && !r.Owner.Attributed() {
			log.Debug("report %d is unattributed, holding back", r.ID)
			res.Skipped++
			continue
		}
		todo = append(todo, r.ID)
	}

	if len(todo) == 0 {
		log.Debug("no reports to sync")
	} else {
		log.Info("syncing %d reports", len(todo))
	}

	for _, id := range todo {
		if ctx.Err() != nil {
			break
		}
		r, ok := e.syncRecord(ctx, id, e.opts.MaxAttempts)
		if !ok {
			res.Skipped++
			continue
		}
		res.Results = append(res.Results, r)
		if r.Err == nil {
			res.Synced++
		} else {
			res.Failed++
		}
	}

	if n, err := e.store.ClearSynced(ctx); err != nil {
		log.Warn("failed to clear synced reports: %v", err)
	} else if n > 0 {
		log.Debug("cleared %d synced reports", n)
	}

	if len(res.Results) > 0 {
		e.emitCount(ctx)
	}
	log.Debug("drain complete: %d synced, %d failed, %d skipped", res.Synced, res.Failed, res.Skipped)
	return res, ctx.Err()
}

// Enqueue saves a new report locally and emits the new pending count. It
// never touches the network.
func (e *Engine) Enqueue(ctx context.Context, r queue.NewReport) (int64, error) {
	id, err := e.store.Save(ctx, r)
	if err != nil {
		return 0, err
	}
	log.Info("queued report %d: %s", id, r.Issue.Title)
	e.emitCount(ctx)
	return id, nil
}

// SyncOne retries a single report now, regardless of the attempt ceiling or
// a previous validation failure. The attempt is still counted.
func (e *Engine) SyncOne(ctx context.Context, id int64) (Result, error) {
	r, err := e.store.Get(ctx, id)
	if err != nil {
		return Result{ID: id}, err
	}
	if r.Status == queue.StatusSyncing {
		return Result{ID: id}, fmt.Errorf("report %d: %w", id, ErrBusy)
	}
	if r.Status == queue.StatusSynced {
		return Result{ID: id}, fmt.Errorf("report %d is already synced", id)
	}

	res, ok := e.syncRecord(ctx, id, 0)
	if !ok {
		return Result{ID: id}, fmt.Errorf("report %d: %w", id, ErrBusy)
	}
	e.emitCount(ctx)
	return res, nil
}

// Discard deletes a report the user gave up on.
func (e *Engine) Discard(ctx context.Context, id int64) error {
	r, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Status == queue.StatusSyncing {
		return fmt.Errorf("report %d: %w", id, ErrBusy)
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to discard report %d: %w", id, err)
	}
	log.Info("discarded report %d", id)
	e.emitCount(ctx)
	return nil
}

// Resubmit replaces a report with a corrected copy: the new report keeps the
// photos and owner of the old one, which is then deleted. Returns the new id.
func (e *Engine) Resubmit(ctx context.Context, id int64, issue queue.IssueData) (int64, error) {
	old, err := e.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if old.Status == queue.StatusSyncing {
		return 0, fmt.Errorf("report %d: %w", id, ErrBusy)
	}

	photos := make([]queue.Photo, len(old.Photos))
	for i, p := range old.Photos {
		photos[i] = queue.Photo{Name: p.Name, ContentType: p.ContentType, Data: p.Data}
	}
	newID, err := e.store.Save(ctx, queue.NewReport{Issue: issue, Photos: photos, Owner: old.Owner})
	if err != nil {
		return 0, fmt.Errorf("failed to save corrected report: %w", err)
	}
	if err := e.store.Delete(ctx, id); err != nil {
		return newID, fmt.Errorf("saved corrected report %d but failed to remove %d: %w", newID, id, err)
	}
	log.Info("report %d resubmitted as %d", id, newID)
	e.emitCount(ctx)
	return newID, nil
}

// syncRecord acquires the record, processes it and releases it to synced or
// failed. ok is false when the record could not be acquired.
func (e *Engine) syncRecord(ctx context.Context, id int64, maxAttempts int) (res Result, ok bool) {
	r, err := e.store.Acquire(ctx, id, maxAttempts)
	if err != nil {
		if !errors.Is(err, queue.ErrNotAcquired) {
			log.Warn("failed to acquire report %d: %v", id, err)
		}
		return Result{ID: id}, false
	}

	released := false
	defer func() {
		if released {
			return
		}
		p := recover()
		cause := errors.New("sync aborted")
		if p != nil {
			cause = fmt.Errorf("sync panicked: %v", p)
		}
		e.fail(ctx, r, cause, queue.KindStorage)
		if p != nil {
			panic(p)
		}
	}()

	log.Debug("syncing report %d (attempt %d)", r.ID, r.Attempts)
	issueID, err := e.process(ctx, r)
	if err != nil {
		res = e.fail(ctx, r, err, classify(err))
		released = true
		return res, true
	}

	res = e.succeed(ctx, r, issueID)
	released = true
	return res, true
}

// process uploads the photos not yet uploaded and creates the issue.
func (e *Engine) process(ctx context.Context, r *queue.PendingReport) (string, error) {
	if !r.Owner.Attributed() && e.opts.RequireAttribution {
		return "", ErrUnattributed
	}

	category, err := validate(r.Issue)
	if err != nil {
		return "", err
	}

	urls := make([]string, 0, len(r.Photos))
	for _, p := range r.Photos {
		if p.Uploaded() {
			urls = append(urls, p.RemoteURL)
			continue
		}
		url, err := e.upload(ctx, r, p)
		if err != nil {
			return "", fmt.Errorf("failed to upload photo %s: %w", p.Name, err)
		}
		if err := e.store.SetPhotoURL(ctx, r.ID, p.Position, url); err != nil {
			log.Warn("failed to record url of photo %d on report %d: %v", p.Position, r.ID, err)
		}
		urls = append(urls, url)
	}

	lat, lng := e.locate(ctx, r)
	payload := remote.IssuePayload{
		Title:          r.Issue.Title,
		Description:    r.Issue.Description,
		Category:       category,
		Severity:       r.Issue.Severity,
		Address:        r.Issue.Address,
		Latitude:       lat,
		Longitude:      lng,
		UserID:         r.Owner.UserID(),
		ImageURLs:      urls,
		IdempotencyKey: r.IdempotencyKey,
	}

	cctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()
	created, err := e.api.CreateIssue(cctx, payload)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

// locate returns the coordinates to send for r: the geocoded address when
// that succeeds, the stored coordinates otherwise.
func (e *Engine) locate(ctx context.Context, r *queue.PendingReport) (float64, float64) {
	address := strings.TrimSpace(r.Issue.Address)
	if e.opts.Geocoder == nil || address == "" {
		return r.Issue.Latitude, r.Issue.Longitude
	}

	gctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()
	lat, lng, err := e.opts.Geocoder.Geocode(gctx, address)
	if err != nil {
		log.Warn("geocoding report %d failed, keeping stored coordinates: %v", r.ID, err)
		return r.Issue.Latitude, r.Issue.Longitude
	}
	log.Debug("report %d geocoded", r.ID)
	return lat, lng
}

func (e *Engine) upload(ctx context.Context, r *queue.PendingReport, p queue.Photo) (string, error) {
	uctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()
	return e.uploader.UploadImage(uctx, remote.Image{
		Key:         fmt.Sprintf("%s/%d", r.IdempotencyKey, p.Position),
		Name:        p.Name,
		ContentType: p.ContentType,
		Data:        p.Data,
	})
}

// releaseContext survives cancellation of ctx so a record can always leave
// syncing.
func releaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
}

func (e *Engine) succeed(ctx context.Context, r *queue.PendingReport, issueID string) Result {
	rctx, cancel := releaseContext(ctx)
	defer cancel()

	synced := queue.StatusSynced
	none := queue.KindNone
	empty := ""
	if err := e.store.Update(rctx, r.ID, queue.Update{Status: &synced, SyncError: &empty, ErrorKind: &none}); err != nil {
		// The issue exists remotely; a retry reuses the idempotency key.
		log.Error("report %d created as %s but could not be marked synced: %v", r.ID, issueID, err)
		return e.fail(ctx, r, err, queue.KindStorage)
	}
	if err := e.store.Delete(rctx, r.ID); err != nil {
		log.Warn("failed to delete synced report %d: %v", r.ID, err)
	}

	log.Info("report %d synced as issue %s", r.ID, issueID)
	e.emit(ReportSynced{ID: r.ID, IssueID: issueID})
	return Result{ID: r.ID, IssueID: issueID}
}

func (e *Engine) fail(ctx context.Context, r *queue.PendingReport, cause error, kind queue.ErrorKind) Result {
	rctx, cancel := releaseContext(ctx)
	defer cancel()

	failed := queue.StatusFailed
	msg := cause.Error()
	if err := e.store.Update(rctx, r.ID, queue.Update{Status: &failed, SyncError: &msg, ErrorKind: &kind}); err != nil {
		log.Error("failed to mark report %d failed: %v", r.ID, err)
	}

	r.Status = failed
	r.SyncError = msg
	r.ErrorKind = kind
	permanent := r.PermanentlyFailed(e.opts.MaxAttempts)

	if permanent {
		log.Warn("report %d failed permanently after %d attempts: %v", r.ID, r.Attempts, cause)
		if err := e.backupFailed(r); err != nil {
			log.Warn("failed to back up report %d: %v", r.ID, err)
		}
	} else {
		log.Warn("report %d failed (attempt %d, %s): %v", r.ID, r.Attempts, kind, cause)
	}

	e.emit(ReportFailed{ID: r.ID, Err: cause, Kind: kind, Attempts: r.Attempts, Permanent: permanent})
	return Result{ID: r.ID, Err: cause, Kind: kind, Permanent: permanent}
}

// classify maps a sync failure to the kind recorded on the report.
func classify(err error) queue.ErrorKind {
	var se *queue.StorageError
	switch {
	case errors.Is(err, ErrInvalid), remote.IsValidation(err):
		return queue.KindValidation
	case errors.Is(err, ErrUnattributed):
		return queue.KindIdentity
	case remote.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return queue.KindTimeout
	case errors.As(err, &se):
		return queue.KindStorage
	default:
		return queue.KindNetwork
	}
}

// TriggerSync schedules a debounced Drain.
// Multiple calls within the debounce window reset the timer.
func (e *Engine) TriggerSync() {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.stopCh:
		return
	default:
	}

	if e.timer != nil {
		e.timer.Stop()
	}

	e.timer = time.AfterFunc(time.Duration(e.opts.DebounceMs)*time.Millisecond, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-e.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		if _, err := e.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("error draining queue: %v", err)
		}
	})

	log.Debug("debounce timer started/reset (%dms)", e.opts.DebounceMs)
}

// Stop stops pending timers and cancels a drain started by TriggerSync.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}

	log.Debug("engine stopped")
}
