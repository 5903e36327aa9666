package md

import (
	"strings"
	"testing"
	"time"

	"github.com/JohanCodinha/reportq/internal/queue"
)

func testReport() *queue.PendingReport {
	last := time.Date(2026, 1, 10, 16, 3, 0, 0, time.UTC)
	return &queue.PendingReport{
		ID: 42,
		Issue: queue.IssueData{
			Title:       "Pothole on Main Street",
			Description: "Large pothole in the left lane.\n\nCars swerve around it.",
			Category:    "bad_roads",
			Severity:    "high",
			Address:     "12 Main St",
			Latitude:    -37.8136,
			Longitude:   144.9631,
		},
		Photos: []queue.Photo{
			{Position: 0, Name: "front.jpg", ContentType: "image/jpeg", RemoteURL: "https://cdn.example.com/front.jpg"},
			{Position: 1, Name: "side.png", ContentType: "image/png"},
		},
		Owner:           queue.AttributedTo("u-1"),
		CreatedAt:       time.Date(2026, 1, 8, 9, 15, 0, 0, time.UTC),
		Status:          queue.StatusFailed,
		Attempts:        3,
		LastSyncAttempt: &last,
		SyncError:       "create issue: rejected by server (422): bad category",
		ErrorKind:       queue.KindValidation,
		IdempotencyKey:  "key-42",
	}
}

// Test 1: ToMarkdown produces valid frontmatter
func TestToMarkdown_ProducesValidFrontmatter(t *testing.T) {
	result := ToMarkdown(testReport())

	if !strings.HasPrefix(result, "---\n") {
		t.Error("markdown should start with ---")
	}

	parts := strings.SplitN(result, "---", 3)
	if len(parts) < 3 {
		t.Fatal("could not extract frontmatter")
	}
	frontmatter := parts[1]

	expectedKeys := []string{"id:", "status:", "owner:", "category:", "latitude:", "longitude:",
		"created_at:", "attempts:", "last_sync_attempt:", "error_kind:", "sync_error:", "idempotency_key:", "photos:"}
	for _, key := range expectedKeys {
		if !strings.Contains(frontmatter, key) {
			t.Errorf("frontmatter should contain %q", key)
		}
	}
}

// Test 2: ToMarkdown includes title, description and photos
func TestToMarkdown_IncludesContent(t *testing.T) {
	result := ToMarkdown(testReport())

	for _, want := range []string{
		"# Pothole on Main Street",
		"## Description",
		"Cars swerve around it.",
		"## Photos",
		"### 0 - front.jpg",
		"<!-- remote_url: https://cdn.example.com/front.jpg -->",
		"### 1 - side.png",
		"<!-- content_type: image/png -->",
		"2026-01-08T09:15:00Z",
	} {
		if !strings.Contains(result, want) {
			t.Errorf("expected %q in markdown:\n%s", want, result)
		}
	}

	// side.png was never uploaded
	if strings.Count(result, "remote_url:") != 1 {
		t.Errorf("expected exactly one remote_url, got %d", strings.Count(result, "remote_url:"))
	}
}

func TestToMarkdown_NoPhotos(t *testing.T) {
	r := testReport()
	r.Photos = nil
	result := ToMarkdown(r)

	if strings.Contains(result, "## Photos") {
		t.Error("should not render a Photos section without photos")
	}
	if strings.Contains(result, "photos:") {
		t.Error("should not list photos in frontmatter without photos")
	}
}

func TestToMarkdown_Unattributed(t *testing.T) {
	r := testReport()
	r.Owner = queue.Unattributed()
	if !strings.Contains(ToMarkdown(r), "owner: unattributed") {
		t.Error("expected owner: unattributed")
	}
}

// Test 3: Round-trip preserves editable content
func TestRoundTrip_PreservesData(t *testing.T) {
	original := testReport()

	parsed, err := FromMarkdown(ToMarkdown(original))
	if err != nil {
		t.Fatalf("failed to parse markdown: %v", err)
	}

	if parsed.ID != original.ID {
		t.Errorf("ID not preserved: expected %d, got %d", original.ID, parsed.ID)
	}
	if parsed.Status != "failed" {
		t.Errorf("Status not preserved: got %q", parsed.Status)
	}
	if parsed.Owner != "u-1" {
		t.Errorf("Owner not preserved: got %q", parsed.Owner)
	}
	if parsed.Issue != original.Issue {
		t.Errorf("Issue not preserved:\nexpected: %+v\ngot: %+v", original.Issue, parsed.Issue)
	}
	if len(parsed.Photos) != 2 || parsed.Photos[0] != "front.jpg" || parsed.Photos[1] != "side.png" {
		t.Errorf("Photos not preserved: got %v", parsed.Photos)
	}
}

func TestFromMarkdown_HandWritten(t *testing.T) {
	content := `---
category: streetlight
latitude: 1.5
longitude: 2.5
---

# Broken streetlight outside school

## Description

The light has been out for a week.

It is very dark at pickup time.

## Notes

not part of the description`

	parsed, err := FromMarkdown(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.ID != 0 {
		t.Errorf("expected no id, got %d", parsed.ID)
	}
	if parsed.Issue.Title != "Broken streetlight outside school" {
		t.Errorf("unexpected title %q", parsed.Issue.Title)
	}
	want := "The light has been out for a week.\n\nIt is very dark at pickup time."
	if parsed.Issue.Description != want {
		t.Errorf("expected description %q, got %q", want, parsed.Issue.Description)
	}
	if parsed.Issue.Category != "streetlight" || parsed.Issue.Latitude != 1.5 {
		t.Errorf("unexpected frontmatter values: %+v", parsed.Issue)
	}
}

func TestFromMarkdown_MissingDescriptionSection(t *testing.T) {
	content := "---\ncategory: other\n---\n\n# Title only\n\nSome text without a section"

	parsed, err := FromMarkdown(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Issue.Description != "" {
		t.Errorf("expected empty description, got %q", parsed.Issue.Description)
	}
	if parsed.Issue.Title != "Title only" {
		t.Errorf("expected title, got %q", parsed.Issue.Title)
	}
}

func TestFromMarkdown_CRLF(t *testing.T) {
	content := "---\r\ncategory: other\r\n---\r\n\r\n# Title\r\n\r\n## Description\r\n\r\nBody\r\n"
	parsed, err := FromMarkdown(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.Issue.Description != "Body" {
		t.Errorf("expected Body, got %q", parsed.Issue.Description)
	}
}

func TestFromMarkdown_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing frontmatter", "# Title\n\n## Description\n\nBody"},
		{"unterminated frontmatter", "---\ncategory: other\n# Title"},
		{"malformed frontmatter", "---\nlatitude: [not a number\n---\n# Title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromMarkdown(tt.content); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestDetectChanges(t *testing.T) {
	original := testReport().Issue

	parsed, err := FromMarkdown(ToMarkdown(testReport()))
	if err != nil {
		t.Fatal(err)
	}
	title, desc := DetectChanges(original, parsed)
	if title || desc {
		t.Errorf("expected no changes, got title=%v desc=%v", title, desc)
	}

	parsed.Issue.Title = "Pothole on Main Street (fixed)"
	parsed.Issue.Description = original.Description + "\n"
	title, desc = DetectChanges(original, parsed)
	if !title {
		t.Error("expected title change")
	}
	if desc {
		t.Error("trailing newline should not count as a description change")
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Pothole on Main Street", "pothole-on-main-street"},
		{"Broken   light!!", "broken-light"},
		{"--trim--", "trim"},
		{"", "report"},
		{"日本語", "report"},
		{strings.Repeat("a", 60), strings.Repeat("a", 50)},
		{strings.Repeat("a", 49) + " b", strings.Repeat("a", 49)},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.input); got != tt.expected {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestFilename(t *testing.T) {
	if got := Filename(testReport()); got != "pothole-on-main-street[42].md" {
		t.Errorf("unexpected filename %q", got)
	}
}
