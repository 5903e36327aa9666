package main

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/JohanCodinha/reportq/internal/md"
	"github.com/JohanCodinha/reportq/internal/queue"
	"github.com/JohanCodinha/reportq/internal/sync"
	"github.com/spf13/cobra"
)

var (
	submitTitle       string
	submitDescription string
	submitCategory    string
	submitSeverity    string
	submitAddress     string
	submitLatitude    float64
	submitLongitude   float64
	submitPhotos      []string
	submitFrom        string
	submitSync        bool

	resubmitFrom string
	clearAll     bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a new report",
	Long: `Queue a new issue report. The report is stored locally first, so this
works without a connection.

Fields come from flags, or from a markdown file with --from in the
same format 'reportq show' prints. Flags override the file.`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued reports",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a queued report as markdown",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of queued reports",
	Args:  cobra.NoArgs,
	RunE:  runCount,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send queued reports now",
	Long: `Check that the backend is reachable and send every eligible report
once. Reports that failed validation or reached the attempt ceiling are
left for 'reportq retry'.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry one report, ignoring the attempt ceiling",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

var discardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Delete a queued report",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiscard,
}

var resubmitCmd = &cobra.Command{
	Use:   "resubmit <id>",
	Short: "Replace a report with a corrected copy",
	Long: `Replace a report with the content of a markdown file. The copy keeps
the report's photos and owner and starts with a fresh attempt count.`,
	Args: cobra.ExactArgs(1),
	RunE: runResubmit,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove synced reports from the queue",
	Args:  cobra.NoArgs,
	RunE:  runClear,
}

func init() {
	f := submitCmd.Flags()
	f.StringVarP(&submitTitle, "title", "t", "", "report title (10-100 characters)")
	f.StringVarP(&submitDescription, "description", "d", "", "report description (20-1000 characters)")
	f.StringVarP(&submitCategory, "category", "c", "", "issue category")
	f.StringVarP(&submitSeverity, "severity", "s", "", "issue severity")
	f.StringVar(&submitAddress, "address", "", "street address")
	f.Float64Var(&submitLatitude, "lat", 0, "latitude")
	f.Float64Var(&submitLongitude, "lng", 0, "longitude")
	f.StringArrayVarP(&submitPhotos, "photo", "p", nil, "photo to attach (repeatable)")
	f.StringVar(&submitFrom, "from", "", "read the report from a markdown file")
	f.BoolVar(&submitSync, "sync", false, "try to send the queue right away")

	resubmitCmd.Flags().StringVar(&resubmitFrom, "from", "", "markdown file with the corrected report")
	resubmitCmd.MarkFlagRequired("from")

	clearCmd.Flags().BoolVar(&clearAll, "all", false, "remove every report, including unsent ones")

	rootCmd.AddCommand(submitCmd, listCmd, showCmd, countCmd, syncCmd,
		retryCmd, discardCmd, resubmitCmd, clearCmd)
}

// parseID parses a report id argument.
func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid report id %q", arg)
	}
	return id, nil
}

// readReportFile parses a markdown report file.
func readReportFile(path string) (*md.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	report, err := md.FromMarkdown(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return report, nil
}

// issueFromFlags builds the issue from --from, then applies the flags that
// were set on the command line.
func issueFromFlags(cmd *cobra.Command) (queue.IssueData, []string, error) {
	var issue queue.IssueData
	var photos []string
	if submitFrom != "" {
		report, err := readReportFile(submitFrom)
		if err != nil {
			return issue, nil, err
		}
		issue = report.Issue
		base := filepath.Dir(submitFrom)
		for _, p := range report.Photos {
			if !filepath.IsAbs(p) {
				p = filepath.Join(base, p)
			}
			photos = append(photos, p)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("title") {
		issue.Title = submitTitle
	}
	if flags.Changed("description") {
		issue.Description = submitDescription
	}
	if flags.Changed("category") {
		issue.Category = submitCategory
	}
	if flags.Changed("severity") {
		issue.Severity = submitSeverity
	}
	if flags.Changed("address") {
		issue.Address = submitAddress
	}
	if flags.Changed("lat") {
		issue.Latitude = submitLatitude
	}
	if flags.Changed("lng") {
		issue.Longitude = submitLongitude
	}
	photos = append(photos, submitPhotos...)

	if strings.TrimSpace(issue.Title) == "" {
		return issue, nil, fmt.Errorf("a title is required: use --title or --from")
	}
	return issue, photos, nil
}

// readPhotos loads photo files in order.
func readPhotos(paths []string) ([]queue.Photo, error) {
	photos := make([]queue.Photo, 0, len(paths))
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read photo: %w", err)
		}
		name := filepath.Base(path)
		photos = append(photos, queue.Photo{
			Position:    i,
			Name:        name,
			ContentType: contentType(name, data),
			Data:        data,
		})
	}
	return photos, nil
}

// contentType guesses a photo's MIME type from its extension, then its bytes.
func contentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	issue, photoPaths, err := issueFromFlags(cmd)
	if err != nil {
		return err
	}
	photos, err := readPhotos(photoPaths)
	if err != nil {
		return err
	}
	if err := sync.Validate(issue); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		fmt.Fprintf(os.Stderr, "the report is queued but will need a correction before it can be sent\n")
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.agent.Submit(ctx, issue, photos)
	if err != nil {
		return fmt.Errorf("failed to queue report: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "queued report %d", id)
	if a.agent.UserID() == "" {
		fmt.Fprint(out, " (not signed in, it will be linked to the next user who logs in)")
	}
	fmt.Fprintln(out)

	if submitSync {
		return drainOnce(cmd, a)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	reports, err := a.agent.List(ctx)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
		return nil
	}
	printReports(cmd.OutOrStdout(), reports, a.cfg.MaxAttempts())
	return nil
}

// printReports writes one line per report.
func printReports(w io.Writer, reports []queue.PendingReport, maxAttempts int) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tOWNER\tCREATED\tTITLE")
	for i := range reports {
		r := &reports[i]
		status := string(r.Status)
		if r.PermanentlyFailed(maxAttempts) {
			status += " (needs action)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, status, attemptsLabel(r.Attempts, maxAttempts), r.Owner,
			r.CreatedAt.Local().Format(time.DateTime), truncate(r.Issue.Title, 40))
	}
	tw.Flush()
}

func attemptsLabel(attempts, maxAttempts int) string {
	if maxAttempts <= 0 {
		return strconv.Itoa(attempts)
	}
	return fmt.Sprintf("%d/%d", attempts, maxAttempts)
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

func runShow(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.agent.Get(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), md.ToMarkdown(r))
	return nil
}

func runCount(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.store.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), n)
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	return drainOnce(cmd, a)
}

// drainOnce sends the queue if the backend is reachable and prints a
// summary of the pass.
func drainOnce(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if !a.online(ctx) {
		n, _ := a.store.Count(ctx)
		return fmt.Errorf("backend %s is unreachable, %d reports stay queued", a.cfg.URL(), n)
	}

	res, err := a.agent.Drain(ctx)
	if err != nil {
		return err
	}
	for _, r := range res.Results {
		if r.Err == nil {
			fmt.Fprintf(out, "report %d synced as %s\n", r.ID, r.IssueID)
			continue
		}
		hint := ""
		if r.Permanent {
			hint = " (needs action)"
		}
		fmt.Fprintf(out, "report %d failed: %v%s\n", r.ID, r.Err, hint)
	}
	fmt.Fprintf(out, "%d synced, %d failed, %d held back\n", res.Synced, res.Failed, res.Skipped)
	if res.Skipped > 0 && a.agent.UserID() == "" {
		fmt.Fprintln(out, "sign in with 'reportq login' to send held back reports")
	}
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.online(ctx) {
		return fmt.Errorf("backend %s is unreachable", a.cfg.URL())
	}
	res, err := a.agent.Engine().SyncOne(ctx, id)
	if err != nil {
		return err
	}
	if res.Err != nil {
		return fmt.Errorf("report %d failed again: %w", id, res.Err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "report %d synced as %s\n", id, res.IssueID)
	return nil
}

func runDiscard(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.agent.Discard(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "discarded report %d\n", id)
	return nil
}

func runResubmit(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	report, err := readReportFile(resubmitFrom)
	if err != nil {
		return err
	}
	if report.ID != 0 && report.ID != id {
		return fmt.Errorf("%s holds report %d, not %d", resubmitFrom, report.ID, id)
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	newID, err := a.agent.Resubmit(ctx, id, report.Issue)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "report %d replaced by %d\n", id, newID)
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if clearAll {
		if err := a.store.ClearAll(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "cleared the queue")
		return nil
	}
	n, err := a.store.ClearSynced(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "removed %d synced reports\n", n)
	return nil
}
