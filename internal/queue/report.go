package queue

import (
	"errors"
	"fmt"
	"time"
)

// Status is the sync state of a pending report.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
	StatusSynced  Status = "synced"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusFailed, StatusSynced:
		return true
	}
	return false
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown sync status %q: valid statuses are pending, syncing, failed, synced", s)
	}
	return st, nil
}

// ErrorKind classifies the last sync failure of a report.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindNetwork    ErrorKind = "network"
	KindTimeout    ErrorKind = "timeout"
	KindValidation ErrorKind = "validation"
	KindStorage    ErrorKind = "storage"
	KindIdentity   ErrorKind = "identity"
)

// Retryable reports whether a failure of this kind may be retried automatically.
// Validation failures need the user to correct the report first.
func (k ErrorKind) Retryable() bool {
	return k != KindValidation
}

// IssueData is the content of a report as captured at creation time.
type IssueData struct {
	Title       string
	Description string
	Category    string
	Severity    string
	Address     string
	Latitude    float64
	Longitude   float64
}

// Photo is an image captured with a report. RemoteURL is set once the photo
// has been uploaded, so a retried sync does not upload it again.
type Photo struct {
	Position    int
	Name        string
	ContentType string
	Data        []byte
	RemoteURL   string
}

// Uploaded reports whether the photo already has a remote URL.
func (p Photo) Uploaded() bool { return p.RemoteURL != "" }

// Owner is the attribution of a report: either unattributed (created before
// the user signed in) or attributed to a user id. The zero value is
// unattributed.
type Owner struct {
	userID string
}

// Unattributed returns the owner of a report created without an identity.
func Unattributed() Owner { return Owner{} }

// AttributedTo returns an owner for the given user id. An empty id yields an
// unattributed owner.
func AttributedTo(userID string) Owner { return Owner{userID: userID} }

// Attributed reports whether the owner carries a real user id.
func (o Owner) Attributed() bool { return o.userID != "" }

// UserID returns the user id, or "" while unattributed.
func (o Owner) UserID() string { return o.userID }

func (o Owner) String() string {
	if !o.Attributed() {
		return "unattributed"
	}
	return o.userID
}

// PendingReport is a report waiting to be confirmed by the remote backend.
type PendingReport struct {
	ID              int64
	Issue           IssueData
	Photos          []Photo
	Owner           Owner
	CreatedAt       time.Time
	Status          Status
	Attempts        int
	LastSyncAttempt *time.Time
	SyncError       string
	ErrorKind       ErrorKind
	IdempotencyKey  string
}

// PermanentlyFailed reports whether the report will not be retried
// automatically: it failed validation or reached the attempt ceiling.
func (r *PendingReport) PermanentlyFailed(maxAttempts int) bool {
	if r.Status != StatusFailed {
		return false
	}
	if !r.ErrorKind.Retryable() {
		return true
	}
	return maxAttempts > 0 && r.Attempts >= maxAttempts
}

// NewReport is the input to Save.
type NewReport struct {
	Issue  IssueData
	Photos []Photo
	Owner  Owner
}

// Update lists the fields of a report that may change after creation.
// Nil fields are left untouched.
type Update struct {
	Status          *Status
	Attempts        *int
	LastSyncAttempt *time.Time
	SyncError       *string // "" clears the error
	ErrorKind       *ErrorKind
	Owner           *Owner
}

var (
	// ErrNotFound is returned when no report has the requested id.
	ErrNotFound = errors.New("report not found")
	// ErrNotAcquired is returned by Acquire when the report is already being
	// synced, is synced, or has reached the attempt ceiling.
	ErrNotAcquired = errors.New("report not eligible for sync")
	// ErrOwnerConflict is returned when an update would change the owner of
	// an already attributed report.
	ErrOwnerConflict = errors.New("report already attributed to another user")
	// ErrAttemptsDecrease is returned when an update would lower syncAttempts.
	ErrAttemptsDecrease = errors.New("sync attempts cannot decrease")
	// ErrInvalidReport is returned by Save for input that cannot be stored.
	ErrInvalidReport = errors.New("invalid report")
	// ErrQuotaExceeded is returned when the database or disk is full.
	ErrQuotaExceeded = errors.New("local storage quota exceeded")
	// ErrCorrupt is returned when the database file is damaged.
	ErrCorrupt = errors.New("local storage corrupt")
)

// StorageError wraps every failure of a store operation. Cause, when set, is
// one of the package sentinels and is matched by errors.Is.
type StorageError struct {
	Op    string
	Cause error
	Err   error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("queue %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	var errs []error
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
