package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/JohanCodinha/reportq/internal/config"
	"github.com/JohanCodinha/reportq/internal/queue"
	"github.com/JohanCodinha/reportq/internal/remote"
	"github.com/spf13/cobra"
)

var loginToken string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an access token for the API",
	Long: `Store an access token for the configured API in hosts.yml.

The token is checked against the backend when it is reachable, and read
locally otherwise. Reports queued while signed out are linked to the
user on the next command.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored access token",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, user and queue state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "access token (read from stdin when empty)")
	rootCmd.AddCommand(loginCmd, logoutCmd, statusCmd)
}

// readToken returns the first non-empty line of r.
func readToken(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return line, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return "", fmt.Errorf("no token given")
}

// verifyToken returns the user behind token. The backend is asked first;
// when it cannot be reached the token's own claims are used.
func verifyToken(ctx context.Context, cfg *config.Config, token string) (*remote.User, error) {
	client := remote.New(cfg.URL(), token)
	client.SetTimeout(cfg.ProbeTimeout())

	user, err := client.GetCurrentUser(ctx)
	if err == nil {
		if user == nil {
			return nil, fmt.Errorf("the token was rejected by %s", cfg.URL())
		}
		return user, nil
	}
	log.Debug("cannot verify token online: %v", err)

	info, perr := remote.ParseToken(token)
	if perr != nil {
		return nil, fmt.Errorf("backend unreachable (%v) and the token cannot be read offline: %w", err, perr)
	}
	if info.Expired(time.Now()) {
		return nil, fmt.Errorf("the token expired at %s", info.ExpiresAt.Local().Format("2006-01-02 15:04"))
	}
	return &remote.User{ID: info.UserID, Email: info.Email}, nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	token := loginToken
	if token == "" {
		token, err = readToken(cmd.InOrStdin())
		if err != nil {
			return err
		}
	}

	user, err := verifyToken(cmd.Context(), cfg, token)
	if err != nil {
		return err
	}

	hostsPath := config.HostsPath(path)
	hosts, err := config.LoadHosts(hostsPath)
	if err != nil {
		return err
	}
	hosts[cfg.URL()] = config.Host{Token: token, UserID: user.ID, Email: user.Email}
	if err := config.SaveHosts(hostsPath, hosts); err != nil {
		return err
	}

	label := user.ID
	if user.Email != "" {
		label = user.Email
	}
	fmt.Fprintf(cmd.OutOrStdout(), "logged in to %s as %s\n", cfg.URL(), label)
	if os.Getenv("REPORTQ_TOKEN") != "" {
		fmt.Fprintln(os.Stderr, "warning: REPORTQ_TOKEN is set and takes precedence over the stored token")
	}
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	hostsPath := config.HostsPath(path)
	hosts, err := config.LoadHosts(hostsPath)
	if err != nil {
		return err
	}
	if _, ok := hosts[cfg.URL()]; !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "not logged in to %s\n", cfg.URL())
		return nil
	}
	delete(hosts, cfg.URL())
	if err := config.SaveHosts(hostsPath, hosts); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "logged out of %s\n", cfg.URL())
	return nil
}

// queueSummary counts reports by status and attribution.
type queueSummary struct {
	total        int
	byStatus     map[queue.Status]int
	needsAction  int
	unattributed int
}

func summarize(reports []queue.PendingReport, maxAttempts int) queueSummary {
	s := queueSummary{total: len(reports), byStatus: make(map[queue.Status]int)}
	for i := range reports {
		r := &reports[i]
		s.byStatus[r.Status]++
		if r.PermanentlyFailed(maxAttempts) {
			s.needsAction++
		}
		if !r.Owner.Attributed() {
			s.unattributed++
		}
	}
	return s
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	online := a.online(ctx)
	st := a.monitor.Status()
	reports, err := a.agent.List(ctx)
	if err != nil {
		return err
	}
	s := summarize(reports, a.cfg.MaxAttempts())

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "api:      %s\n", a.cfg.URL())
	if online {
		fmt.Fprintf(out, "network:  online (%s, %s)\n", st.Quality, st.Latency.Round(time.Millisecond))
	} else {
		fmt.Fprintln(out, "network:  offline")
	}
	if user := a.agent.UserID(); user != "" {
		fmt.Fprintf(out, "user:     %s\n", user)
	} else {
		fmt.Fprintln(out, "user:     not signed in")
	}
	fmt.Fprintf(out, "queue:    %d reports (%d pending, %d syncing, %d failed, %d synced)\n",
		s.total, s.byStatus[queue.StatusPending], s.byStatus[queue.StatusSyncing],
		s.byStatus[queue.StatusFailed], s.byStatus[queue.StatusSynced])
	if s.needsAction > 0 {
		fmt.Fprintf(out, "          %d need a correction or 'reportq retry'\n", s.needsAction)
	}
	if s.unattributed > 0 {
		fmt.Fprintf(out, "          %d not linked to a user\n", s.unattributed)
	}
	return nil
}
