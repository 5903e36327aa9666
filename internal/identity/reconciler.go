// Package identity links reports saved before sign-in to the user who signs
// in, so they can be synced under that user's id.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	gosync "sync"

	"github.com/JohanCodinha/reportq/internal/logger"
	"github.com/JohanCodinha/reportq/internal/queue"
)

var log = logger.Named("identity")

// ErrReconciliation is wrapped by every PartialError.
var ErrReconciliation = errors.New("failed to link reports to user")

// Store is the subset of the queue the reconciler needs.
type Store interface {
	ListByStatus(ctx context.Context, statuses ...queue.Status) ([]queue.PendingReport, error)
	Update(ctx context.Context, id int64, u queue.Update) error
}

// PartialError reports records that could not be attributed. Records linked
// in the same pass stay linked.
type PartialError struct {
	UserID string
	Failed map[int64]error
}

func (e *PartialError) Error() string {
	ids := make([]int64, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("report %d: %v", id, e.Failed[id]))
	}
	return fmt.Sprintf("%v %s: %s", ErrReconciliation, e.UserID, strings.Join(parts, "; "))
}

func (e *PartialError) Unwrap() error { return ErrReconciliation }

// Result describes one reconciliation pass.
type Result struct {
	UserID string
	// Linked lists the reports attributed in this pass, in id order.
	Linked []int64
	// AlreadyLinked is true when the session had already linked this user
	// and nothing was scanned.
	AlreadyLinked bool
}

// session is the per-process memory of which user has been linked.
type session struct {
	userID string
	linked bool
}

// Reconciler attributes unattributed reports to the signed-in user, at most
// once per record and once per session.
type Reconciler struct {
	store Store

	mu      gosync.Mutex
	session session
}

// New creates a Reconciler over store.
func New(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// OnAuthChanged handles a sign-in, sign-out or user switch. An empty userID
// means signed out. Concurrent calls are serialized, and each runs to
// completion before returning.
func (r *Reconciler) OnAuthChanged(ctx context.Context, userID string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := Result{UserID: userID}

	if userID == "" {
		if r.session.userID != "" {
			log.Info("signed out, resetting session")
		}
		r.session = session{}
		return res, nil
	}

	if r.session.userID != userID {
		r.session = session{userID: userID}
	}
	if r.session.linked {
		log.Debug("reports already linked to %s this session", userID)
		res.AlreadyLinked = true
		return res, nil
	}

	reports, err := r.store.ListByStatus(ctx, queue.StatusPending, queue.StatusFailed, queue.StatusSyncing)
	if err != nil {
		return res, fmt.Errorf("failed to list reports to link: %w", err)
	}

	owner := queue.AttributedTo(userID)
	failed := make(map[int64]error)
	for _, rep := range reports {
		if rep.Owner.Attributed() {
			continue
		}
		if err := ctx.Err(); err != nil {
			failed[rep.ID] = err
			continue
		}
		err := r.store.Update(ctx, rep.ID, queue.Update{Owner: &owner})
		switch {
		case err == nil:
			res.Linked = append(res.Linked, rep.ID)
		case errors.Is(err, queue.ErrOwnerConflict), errors.Is(err, queue.ErrNotFound):
			// Attributed or removed since the scan.
			log.Debug("report %d changed during linking: %v", rep.ID, err)
		default:
			failed[rep.ID] = err
		}
	}

	if len(res.Linked) > 0 {
		log.Info("linked %d reports to %s", len(res.Linked), userID)
	}
	if len(failed) > 0 {
		log.Warn("failed to link %d reports to %s", len(failed), userID)
		return res, &PartialError{UserID: userID, Failed: failed}
	}

	r.session.linked = true
	return res, nil
}

// Linked reports whether userID has been fully linked in this session.
func (r *Reconciler) Linked(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return userID != "" && r.session.userID == userID && r.session.linked
}

// Reset forgets the session, so the next auth event scans again.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = session{}
}

// Unattributed counts the reports not yet linked to any user.
func (r *Reconciler) Unattributed(ctx context.Context) (int, error) {
	reports, err := r.store.ListByStatus(ctx, queue.StatusPending, queue.StatusFailed, queue.StatusSyncing)
	if err != nil {
		return 0, fmt.Errorf("failed to list reports: %w", err)
	}
	n := 0
	for _, rep := range reports {
		if !rep.Owner.Attributed() {
			n++
		}
	}
	return n, nil
}
