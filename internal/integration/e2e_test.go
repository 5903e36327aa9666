//go:build integration

// Package integration contains end-to-end tests that require FUSE.
// Run with: go test -tags=integration ./internal/integration/...
package integration

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JohanCodinha/reportq/internal/agent"
	"github.com/JohanCodinha/reportq/internal/connectivity"
	"github.com/JohanCodinha/reportq/internal/fs"
	"github.com/JohanCodinha/reportq/internal/queue"
	"github.com/JohanCodinha/reportq/internal/remote"
	"github.com/JohanCodinha/reportq/internal/sync"
)

type env struct {
	agent      *agent.Agent
	store      *queue.Store
	mock       *remote.MockServer
	online     *atomic.Bool
	mountpoint string
}

// setup builds an agent over a fresh queue and mounts the queue view.
// The backend starts unreachable.
func setup(t *testing.T) *env {
	t.Helper()
	if os.Getuid() != 0 {
		t.Skip("FUSE tests require root or CAP_SYS_ADMIN")
	}

	mock := remote.NewMockServer()
	t.Cleanup(mock.Close)
	mock.AddUser("test-token", &remote.User{ID: "U1"})

	tmpDir := t.TempDir()
	mountpoint := filepath.Join(tmpDir, "mount")
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		t.Fatalf("failed to create mountpoint: %v", err)
	}

	store, err := queue.Open(filepath.Join(tmpDir, "queue.db"))
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	online := &atomic.Bool{}
	client := remote.New(mock.URL, "test-token")
	monitor := connectivity.New(connectivity.ProberFunc(func(ctx context.Context) (time.Duration, error) {
		if !online.Load() {
			return 0, context.DeadlineExceeded
		}
		return client.Ping(ctx)
	}), connectivity.Options{Interval: 20 * time.Millisecond, Confirmations: 1})

	a, err := agent.New(agent.Options{
		Store:   store,
		Client:  client,
		Monitor: monitor,
		Token:   "test-token",
		Engine: sync.Options{
			MaxAttempts:        5,
			RequestTimeout:     time.Second,
			RequireAttribution: true,
			DebounceMs:         50,
		},
	})
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	filesystem := fs.NewFS(a, mountpoint)
	mountErr := make(chan error, 1)
	go func() { mountErr <- filesystem.Mount() }()

	// Wait for mount
	time.Sleep(500 * time.Millisecond)

	t.Cleanup(func() {
		if err := filesystem.Unmount(); err != nil {
			t.Logf("unmount warning: %v", err)
		}
		select {
		case err := <-mountErr:
			if err != nil {
				t.Logf("mount returned: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Log("mount did not return in time")
		}
		cancel()
		<-runDone
	})

	return &env{agent: a, store: store, mock: mock, online: online, mountpoint: mountpoint}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

// TestE2E_WriteOfflineThenSync writes a new report into the mount while
// offline, then brings the backend back and waits for it to sync.
func TestE2E_WriteOfflineThenSync(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	content := `---
category: pothole
severity: high
latitude: -37.81
longitude: 144.96
---

# Pothole on Main Street

## Description

Deep pothole in the left lane, cars swerve into the bike lane.
`
	path := filepath.Join(e.mountpoint, "pothole-on-main-street[new].md")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write new report: %v", err)
	}

	var files []os.DirEntry
	if !waitFor(t, time.Second, func() bool {
		files, _ = os.ReadDir(e.mountpoint)
		return len(files) == 1
	}) {
		t.Fatalf("expected 1 queued report, got %d", len(files))
	}
	if !strings.HasSuffix(files[0].Name(), "[1].md") {
		t.Errorf("expected report 1, got %s", files[0].Name())
	}

	t.Run("ReadFile", func(t *testing.T) {
		data, err := os.ReadFile(filepath.Join(e.mountpoint, files[0].Name()))
		if err != nil {
			t.Fatalf("failed to read report: %v", err)
		}
		for _, want := range []string{"# Pothole on Main Street", "status: pending", "Deep pothole"} {
			if !strings.Contains(string(data), want) {
				t.Errorf("expected %q in:\n%s", want, data)
			}
		}
	})

	if len(e.mock.Issues()) != 0 {
		t.Fatal("nothing should reach the backend while offline")
	}

	e.online.Store(true)
	if !waitFor(t, 5*time.Second, func() bool { return len(e.mock.Issues()) == 1 }) {
		t.Fatalf("report was not synced after reconnect")
	}

	got := e.mock.Issues()[0].Payload
	if got.UserID != "U1" || got.Category != "bad_roads" {
		t.Errorf("unexpected payload: %+v", got)
	}
	if n, _ := e.store.Count(ctx); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}
}

// TestE2E_CorrectFailedReport edits a report that failed validation and
// checks the corrected copy is synced.
func TestE2E_CorrectFailedReport(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	id, err := e.store.Save(ctx, queue.NewReport{
		Issue: queue.IssueData{
			Title:       "Light",
			Description: "The streetlight outside number 12 is out.",
			Category:    "streetlight",
		},
		Owner: queue.AttributedTo("U1"),
	})
	if err != nil {
		t.Fatalf("failed to save report: %v", err)
	}

	e.online.Store(true)
	if !waitFor(t, 5*time.Second, func() bool {
		r, err := e.store.Get(ctx, id)
		return err == nil && r.ErrorKind == queue.KindValidation
	}) {
		t.Fatal("report did not fail validation")
	}

	files, _ := os.ReadDir(e.mountpoint)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	path := filepath.Join(e.mountpoint, files[0].Name())
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read report: %v", err)
	}
	if !strings.Contains(string(data), "error_kind: validation") {
		t.Errorf("expected validation failure in file:\n%s", data)
	}

	corrected := strings.Replace(string(data), "# Light", "# Streetlight out at number 12", 1)
	if err := os.WriteFile(path, []byte(corrected), 0644); err != nil {
		t.Fatalf("failed to write correction: %v", err)
	}

	if !waitFor(t, 5*time.Second, func() bool { return len(e.mock.Issues()) == 1 }) {
		t.Fatal("corrected report was not synced")
	}
	if title := e.mock.Issues()[0].Payload.Title; title != "Streetlight out at number 12" {
		t.Errorf("unexpected title %q", title)
	}
}

// TestE2E_DeleteDiscards removes a report file with rm.
func TestE2E_DeleteDiscards(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	if _, err := e.store.Save(ctx, queue.NewReport{Issue: queue.IssueData{Title: "Duplicate report to drop"}}); err != nil {
		t.Fatalf("failed to save report: %v", err)
	}

	files, _ := os.ReadDir(e.mountpoint)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}

	cmd := exec.Command("rm", filepath.Join(e.mountpoint, files[0].Name()))
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("rm failed: %v\n%s", err, out)
	}

	if n, _ := e.store.Count(ctx); n != 0 {
		t.Errorf("expected report discarded, %d left", n)
	}
}

// TestE2E_RenameRejected checks that report files cannot be renamed.
func TestE2E_RenameRejected(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	if _, err := e.store.Save(ctx, queue.NewReport{Issue: queue.IssueData{Title: "Keep my name please"}}); err != nil {
		t.Fatalf("failed to save report: %v", err)
	}
	files, _ := os.ReadDir(e.mountpoint)
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}

	oldPath := filepath.Join(e.mountpoint, files[0].Name())
	if err := os.Rename(oldPath, filepath.Join(e.mountpoint, "other[9].md")); err == nil {
		t.Error("expected rename to fail")
	}
}

// TestE2E_GrepAcrossFiles searches report files with grep.
func TestE2E_GrepAcrossFiles(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	for _, title := range []string{"Flooded underpass on 5th", "Broken bench in the park", "Flooded cellar stairs"} {
		if _, err := e.store.Save(ctx, queue.NewReport{Issue: queue.IssueData{Title: title}}); err != nil {
			t.Fatalf("failed to save report: %v", err)
		}
	}

	out, err := exec.Command("grep", "-l", "Flooded", "-r", e.mountpoint).Output()
	if err != nil {
		t.Fatalf("grep failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 2 {
		t.Errorf("expected 2 matching files, got %d: %v", len(lines), lines)
	}
}
