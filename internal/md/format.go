// Package md provides markdown formatting and parsing for queued reports.
package md

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JohanCodinha/reportq/internal/queue"
)

const maxNameLength = 50

// frontmatter is the YAML header of a report file.
type frontmatter struct {
	ID              int64    `yaml:"id,omitempty"`
	Status          string   `yaml:"status,omitempty"`
	Owner           string   `yaml:"owner,omitempty"`
	Category        string   `yaml:"category"`
	Severity        string   `yaml:"severity,omitempty"`
	Address         string   `yaml:"address,omitempty"`
	Latitude        float64  `yaml:"latitude"`
	Longitude       float64  `yaml:"longitude"`
	CreatedAt       string   `yaml:"created_at,omitempty"`
	Attempts        int      `yaml:"attempts,omitempty"`
	LastSyncAttempt string   `yaml:"last_sync_attempt,omitempty"`
	ErrorKind       string   `yaml:"error_kind,omitempty"`
	SyncError       string   `yaml:"sync_error,omitempty"`
	IdempotencyKey  string   `yaml:"idempotency_key,omitempty"`
	Photos          []string `yaml:"photos,omitempty"`
}

// Report is the editable content recovered from a report file.
type Report struct {
	ID     int64
	Status string
	Owner  string
	Issue  queue.IssueData
	// Photos are the file names listed in the frontmatter, in order.
	Photos []string
}

// ToMarkdown renders a report as markdown with YAML frontmatter.
// Photos are listed by name; their bytes are not included.
func ToMarkdown(r *queue.PendingReport) string {
	fm := frontmatter{
		ID:             r.ID,
		Status:         string(r.Status),
		Owner:          r.Owner.String(),
		Category:       r.Issue.Category,
		Severity:       r.Issue.Severity,
		Address:        r.Issue.Address,
		Latitude:       r.Issue.Latitude,
		Longitude:      r.Issue.Longitude,
		Attempts:       r.Attempts,
		ErrorKind:      string(r.ErrorKind),
		SyncError:      r.SyncError,
		IdempotencyKey: r.IdempotencyKey,
	}
	if !r.CreatedAt.IsZero() {
		fm.CreatedAt = r.CreatedAt.UTC().Format(time.RFC3339)
	}
	if r.LastSyncAttempt != nil {
		fm.LastSyncAttempt = r.LastSyncAttempt.UTC().Format(time.RFC3339)
	}
	for _, p := range r.Photos {
		fm.Photos = append(fm.Photos, p.Name)
	}

	header, err := yaml.Marshal(fm)
	if err != nil {
		// frontmatter holds only strings and numbers
		panic(fmt.Sprintf("md: marshal frontmatter: %v", err))
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(header)
	sb.WriteString("---\n\n")
	sb.WriteString("# ")
	sb.WriteString(r.Issue.Title)
	sb.WriteString("\n\n## Description\n\n")
	sb.WriteString(strings.TrimRight(r.Issue.Description, "\n"))
	sb.WriteString("\n")

	if len(r.Photos) > 0 {
		sb.WriteString("\n## Photos\n")
		for _, p := range r.Photos {
			fmt.Fprintf(&sb, "\n### %d - %s\n", p.Position, p.Name)
			fmt.Fprintf(&sb, "<!-- content_type: %s -->\n", p.ContentType)
			if p.Uploaded() {
				fmt.Fprintf(&sb, "<!-- remote_url: %s -->\n", p.RemoteURL)
			}
		}
	}

	return sb.String()
}

// FromMarkdown parses a report file back into editable content.
func FromMarkdown(content string) (*Report, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(content, "---\n") {
		return nil, fmt.Errorf("missing frontmatter")
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		if strings.HasSuffix(rest, "\n---") {
			end = len(rest) - len("\n---")
		} else {
			return nil, fmt.Errorf("unterminated frontmatter")
		}
	}

	var fm frontmatter
	dec := yaml.NewDecoder(bytes.NewReader([]byte(rest[:end])))
	if err := dec.Decode(&fm); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("malformed frontmatter: %w", err)
	}

	body := ""
	if end+len("\n---\n") <= len(rest) {
		body = rest[end+len("\n---\n"):]
	}

	r := &Report{
		ID:     fm.ID,
		Status: fm.Status,
		Owner:  fm.Owner,
		Issue: queue.IssueData{
			Category:  fm.Category,
			Severity:  fm.Severity,
			Address:   fm.Address,
			Latitude:  fm.Latitude,
			Longitude: fm.Longitude,
		},
		Photos: fm.Photos,
	}
	r.Issue.Title, r.Issue.Description = parseBody(body)
	return r, nil
}

// parseBody extracts the "# Title" line and the "## Description" section,
// which ends at the next level-2 heading.
func parseBody(body string) (title, description string) {
	lines := strings.Split(body, "\n")
	inDesc := false
	var desc []string
	for _, line := range lines {
		switch {
		case !inDesc && title == "" && strings.HasPrefix(line, "# "):
			title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
		case strings.HasPrefix(line, "## "):
			if inDesc {
				return title, trimBlank(desc)
			}
			inDesc = strings.TrimSpace(strings.TrimPrefix(line, "## ")) == "Description"
		case inDesc:
			desc = append(desc, line)
		}
	}
	return title, trimBlank(desc)
}

func trimBlank(lines []string) string {
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}

// DetectChanges reports which editable fields differ between the stored
// report and the parsed file.
func DetectChanges(original queue.IssueData, parsed *Report) (titleChanged, descriptionChanged bool) {
	titleChanged = strings.TrimSpace(original.Title) != strings.TrimSpace(parsed.Issue.Title)
	descriptionChanged = strings.TrimRight(original.Description, "\n") != strings.TrimRight(parsed.Issue.Description, "\n")
	return titleChanged, descriptionChanged
}

// SanitizeName turns a title into a lowercase, dash-separated file name stem.
func SanitizeName(title string) string {
	result := strings.ToLower(title)
	result = strings.ReplaceAll(result, " ", "-")

	var sb strings.Builder
	for _, r := range result {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			sb.WriteRune(r)
		}
	}
	result = sb.String()

	for strings.Contains(result, "--") {
		result = strings.ReplaceAll(result, "--", "-")
	}
	result = strings.Trim(result, "-")

	if len(result) > maxNameLength {
		result = strings.TrimSuffix(result[:maxNameLength], "-")
	}
	if result == "" {
		result = "report"
	}
	return result
}

// Filename returns the file name of a report: sanitized-title[id].md
func Filename(r *queue.PendingReport) string {
	return fmt.Sprintf("%s[%d].md", SanitizeName(r.Issue.Title), r.ID)
}
