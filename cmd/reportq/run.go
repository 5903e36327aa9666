package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/JohanCodinha/reportq/internal/connectivity"
	"github.com/JohanCodinha/reportq/internal/fs"
	"github.com/JohanCodinha/reportq/internal/sync"
	"github.com/spf13/cobra"
)

// nativeInterval is how often network interfaces are polled for changes.
const nativeInterval = 5 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync the queue in the foreground whenever the backend is reachable",
	Long: `Watch connectivity and send queued reports each time the backend
becomes reachable, retrying failed reports on every probe interval.

Press Ctrl+C to stop. Reports interrupted by a crash are recovered on
the next start.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var mountCmd = &cobra.Command{
	Use:   "mount <mountpoint>",
	Short: "Mount the queue as a filesystem and sync in the background",
	Long: `Mount the report queue as markdown files at the specified mountpoint
while syncing like 'reportq run'.

Each report appears as title[id].md. Create a file named title[new].md
to queue a new report, edit a report file to replace it with a
corrected copy, and delete it to discard it.`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

var unmountCmd = &cobra.Command{
	Use:   "unmount <mountpoint>",
	Short: "Unmount a previously mounted queue",
	Long: `Unmount a reportq filesystem.

The mountpoint must be an existing directory where reportq is mounted.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnmount,
}

func init() {
	rootCmd.AddCommand(runCmd, mountCmd, unmountCmd)
}

// printEvent writes a one-line notification for an engine event.
func printEvent(w io.Writer, ev sync.Event) {
	switch e := ev.(type) {
	case sync.ReportSynced:
		fmt.Fprintf(w, "report %d synced as %s\n", e.ID, e.IssueID)
	case sync.ReportFailed:
		if e.Permanent {
			fmt.Fprintf(w, "report %d failed and needs action: %v\n", e.ID, e.Err)
		} else {
			fmt.Fprintf(w, "report %d failed (attempt %d), will retry: %v\n", e.ID, e.Attempts, e.Err)
		}
	case sync.PendingCountChanged:
		fmt.Fprintf(w, "%d reports queued\n", e.Count)
	}
}

// startAgent runs the agent and the native network watcher until ctx is
// done. The returned channel yields the agent's result.
func startAgent(ctx context.Context, a *app, out io.Writer) <-chan error {
	unsubscribe := a.agent.Engine().Subscribe(func(ev sync.Event) { printEvent(out, ev) })

	go connectivity.WatchNative(ctx, a.monitor, nativeInterval, nil)

	done := make(chan error, 1)
	go func() {
		defer unsubscribe()
		done <- a.agent.Run(ctx)
	}()
	return done
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "syncing to %s, press Ctrl+C to stop\n", a.cfg.URL())
	if err := <-startAgent(ctx, a, out); err != nil {
		return err
	}
	fmt.Fprintln(out, "stopped")
	return nil
}

// ensureMountpoint creates the mountpoint if needed and checks that it is a
// directory.
func ensureMountpoint(mountpoint string) (created bool, err error) {
	info, err := os.Stat(mountpoint)
	if err != nil {
		if !os.IsNotExist(err) {
			return false, fmt.Errorf("cannot access mountpoint %q: %w", mountpoint, err)
		}
		if err := os.MkdirAll(mountpoint, 0755); err != nil {
			return false, fmt.Errorf("failed to create mountpoint %q: %w", mountpoint, err)
		}
		return true, nil
	}
	if !info.IsDir() {
		return false, fmt.Errorf("mountpoint %q is not a directory", mountpoint)
	}
	return false, nil
}

func runMount(cmd *cobra.Command, args []string) error {
	mountpoint := args[0]
	out := cmd.OutOrStdout()

	created, err := ensureMountpoint(mountpoint)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(out, "created mountpoint %s\n", mountpoint)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	agentDone := startAgent(ctx, a, out)

	filesystem := fs.NewFS(a.agent, mountpoint)
	fmt.Fprintf(out, "mounting queue to %s\n", mountpoint)
	fmt.Fprintln(out, "press Ctrl+C to unmount")
	mountErr := filesystem.Mount()

	fmt.Fprintln(out, "unmounting...")
	cancel()
	if err := <-agentDone; err != nil {
		fmt.Fprintf(os.Stderr, "warning: sync stopped with error: %v\n", err)
	}

	if mountErr != nil {
		return fmt.Errorf("mount error: %w", mountErr)
	}
	fmt.Fprintln(out, "unmounted successfully")
	return nil
}

// getUnmountCommand returns the platform command that unmounts a FUSE
// filesystem.
func getUnmountCommand(mountpoint string) *exec.Cmd {
	if runtime.GOOS == "darwin" {
		return exec.Command("umount", mountpoint)
	}
	return exec.Command("fusermount", "-u", mountpoint)
}

func runUnmount(cmd *cobra.Command, args []string) error {
	mountpoint := args[0]

	info, err := os.Stat(mountpoint)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("mountpoint %q does not exist", mountpoint)
		}
		return fmt.Errorf("cannot access mountpoint %q: %w", mountpoint, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mountpoint %q is not a directory", mountpoint)
	}

	absMountpoint, err := filepath.Abs(mountpoint)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "unmounting %s\n", absMountpoint)

	unmount := getUnmountCommand(absMountpoint)
	unmount.Stdout = out
	unmount.Stderr = os.Stderr
	if err := unmount.Run(); err != nil {
		return fmt.Errorf("failed to unmount: %w", err)
	}

	fmt.Fprintln(out, "unmounted successfully")
	return nil
}
