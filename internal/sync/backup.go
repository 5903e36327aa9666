package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JohanCodinha/reportq/internal/md"
	"github.com/JohanCodinha/reportq/internal/queue"
)

// backupFailed saves a permanently failed report as markdown, with its photos
// next to it, so it survives a discard and can be corrected and resubmitted.
// Files are saved to {BackupDir}/{title}[{id}]_{timestamp}.md and
// {BackupDir}/{title}[{id}]_{timestamp}/{position}-{name}.
func (e *Engine) backupFailed(r *queue.PendingReport) error {
	if e.opts.BackupDir == "" {
		return nil
	}
	if err := os.MkdirAll(e.opts.BackupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	stem := strings.TrimSuffix(md.Filename(r), ".md") + "_" + timestamp

	if len(r.Photos) > 0 {
		photoDir := filepath.Join(e.opts.BackupDir, stem)
		if err := os.MkdirAll(photoDir, 0755); err != nil {
			return fmt.Errorf("failed to create photo backup directory: %w", err)
		}
		for _, p := range r.Photos {
			name := fmt.Sprintf("%d-%s", p.Position, filepath.Base(p.Name))
			if err := os.WriteFile(filepath.Join(photoDir, name), p.Data, 0644); err != nil {
				return fmt.Errorf("failed to write photo backup: %w", err)
			}
		}
	}

	filePath := filepath.Join(e.opts.BackupDir, stem+".md")
	if err := os.WriteFile(filePath, []byte(md.ToMarkdown(r)), 0644); err != nil {
		return fmt.Errorf("failed to write backup file: %w", err)
	}

	log.Info("backed up failed report %d to %s", r.ID, filePath)
	return nil
}
