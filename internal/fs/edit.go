package fs

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/JohanCodinha/reportq/internal/md"
	"github.com/JohanCodinha/reportq/internal/queue"
	"github.com/JohanCodinha/reportq/internal/sync"
)

// Queue is the view of the report queue the filesystem exposes.
type Queue interface {
	List(ctx context.Context) ([]queue.PendingReport, error)
	Get(ctx context.Context, id int64) (*queue.PendingReport, error)
	Submit(ctx context.Context, issue queue.IssueData, photos []queue.Photo) (int64, error)
	Resubmit(ctx context.Context, id int64, issue queue.IssueData) (int64, error)
	Discard(ctx context.Context, id int64) error
}

// filenameRegex matches report filenames in the format: title[id].md
var filenameRegex = regexp.MustCompile(`^(.+)\[(\d+)\]\.md$`)

// newReportFilenameRegex matches new report filenames: title[new].md
var newReportFilenameRegex = regexp.MustCompile(`^(.+)\[new\]\.md$`)

// parseFilename extracts the report id from a filename.
func parseFilename(name string) (int64, bool) {
	matches := filenameRegex.FindStringSubmatch(name)
	if matches == nil {
		return 0, false
	}
	var id int64
	if _, err := fmt.Sscanf(matches[2], "%d", &id); err != nil {
		return 0, false
	}
	return id, true
}

// parseNewReportFilename returns the title part of a title[new].md name.
func parseNewReportFilename(name string) (string, bool) {
	matches := newReportFilenameRegex.FindStringSubmatch(name)
	if matches == nil {
		return "", false
	}
	return matches[1], true
}

// unsanitizeTitle turns a file name stem back into a readable title.
func unsanitizeTitle(sanitized string) string {
	words := strings.Fields(strings.ReplaceAll(sanitized, "-", " "))
	for i, word := range words {
		r, size := utf8.DecodeRuneInString(word)
		words[i] = string(unicode.ToUpper(r)) + word[size:]
	}
	return strings.Join(words, " ")
}

// newReportTemplate is the initial content of a title[new].md file.
func newReportTemplate(title string) string {
	return fmt.Sprintf(`---
category: other
severity: medium
address: ""
latitude: 0
longitude: 0
---

# %s

## Description

`, title)
}

// submitNew queues the report written to a title[new].md file. The title
// falls back to the one derived from the file name.
func submitNew(ctx context.Context, q Queue, fallbackTitle, content string) (int64, error) {
	parsed, err := md.FromMarkdown(content)
	if err != nil {
		return 0, fmt.Errorf("failed to parse new report: %w", err)
	}
	issue := parsed.Issue
	if strings.TrimSpace(issue.Title) == "" {
		issue.Title = fallbackTitle
	}
	if err := sync.Validate(issue); err != nil {
		// Queued anyway: the sync will mark it for correction.
		log.Warn("new report %q will be rejected: %v", issue.Title, err)
	}
	return q.Submit(ctx, issue, nil)
}

// applyEdit resubmits report id when its file content changed any issue
// field. It returns the id of the replacement, or 0 when nothing changed.
// The content may still carry openedAs, the id the file had when it was
// opened, after an earlier flush replaced that report.
func applyEdit(ctx context.Context, q Queue, id, openedAs int64, content string) (int64, error) {
	parsed, err := md.FromMarkdown(content)
	if err != nil {
		return 0, fmt.Errorf("failed to parse report %d: %w", id, err)
	}
	if parsed.ID != 0 && parsed.ID != id && parsed.ID != openedAs {
		return 0, fmt.Errorf("file for report %d carries id %d", id, parsed.ID)
	}

	original, err := q.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	titleChanged, descChanged := md.DetectChanges(original.Issue, parsed)
	updated := original.Issue
	if titleChanged {
		updated.Title = strings.TrimSpace(parsed.Issue.Title)
	}
	if descChanged {
		updated.Description = parsed.Issue.Description
	}
	updated.Category = parsed.Issue.Category
	updated.Severity = parsed.Issue.Severity
	updated.Address = parsed.Issue.Address
	updated.Latitude = parsed.Issue.Latitude
	updated.Longitude = parsed.Issue.Longitude

	if updated == original.Issue {
		return 0, nil
	}
	if original.Status == queue.StatusSyncing {
		return 0, fmt.Errorf("report %d: %w", id, sync.ErrBusy)
	}
	return q.Resubmit(ctx, id, updated)
}
