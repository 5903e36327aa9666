// Package main provides the CLI entrypoint for reportq.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/JohanCodinha/reportq/internal/agent"
	"github.com/JohanCodinha/reportq/internal/config"
	"github.com/JohanCodinha/reportq/internal/connectivity"
	"github.com/JohanCodinha/reportq/internal/logger"
	"github.com/JohanCodinha/reportq/internal/queue"
	"github.com/JohanCodinha/reportq/internal/remote"
	"github.com/JohanCodinha/reportq/internal/sync"
	"github.com/spf13/cobra"
)

var log = logger.Named("cli")

func main() {
	err := rootCmd.Execute()
	logger.Close()
	if err != nil {
		os.Exit(1)
	}
}

var (
	configPath string
	dataDir    string
	logLevel   string
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:   "reportq",
	Short: "Queue civic issue reports offline and sync them when online",
	Long: `reportq keeps issue reports in a local queue so they can be written
without a connection, and sends them to the reporting backend as soon
as it becomes reachable.

Reports that fail validation or run out of attempts stay in the queue
until they are corrected, retried or discarded.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default ~/.config/reportq/config.yml)")
	flags.StringVar(&dataDir, "data-dir", "", "directory holding the queue database")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&logFile, "log-file", "", "also write logs to this file")
}

// resolveConfigPath returns --config or the default config location.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DefaultPath()
}

// loadConfig reads the config file and applies the command-line overrides.
func loadConfig() (*config.Config, string, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	return cfg, path, nil
}

func setupLogging(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
	}
	if cfg.LogFile != "" {
		if err := logger.SetLogFile(cfg.LogFile); err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
	}
	return nil
}

// app holds everything a command needs to work on the queue.
type app struct {
	cfg        *config.Config
	configPath string
	token      string
	store      *queue.Store
	client     *remote.Client
	monitor    *connectivity.Monitor
	agent      *agent.Agent
}

// openApp opens the queue and builds the agent. The backend is not
// contacted: the user is read from the stored token.
func openApp(ctx context.Context) (*app, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, err
	}

	dir, err := cfg.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	token, err := config.Token(config.HostsPath(path), cfg.URL())
	if err != nil {
		return nil, err
	}

	store, err := queue.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		return nil, err
	}

	client := remote.New(cfg.URL(), token)
	client.SetTimeout(cfg.RequestTimeout())

	var uploader sync.ImageUploader
	if cfg.S3.Bucket != "" {
		s3up, err := remote.NewS3Uploader(ctx, remote.S3Config{
			Bucket:        cfg.S3.Bucket,
			Region:        cfg.S3.Region,
			Endpoint:      cfg.S3.Endpoint,
			Prefix:        cfg.S3.Prefix,
			PublicBaseURL: cfg.S3.PublicBaseURL,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		uploader = s3up
	}

	var geocoder sync.Geocoder
	if cfg.Geocoder.APIKey != "" {
		g := remote.NewGeocoder(cfg.Geocoder.URL, cfg.Geocoder.APIKey)
		g.SetTimeout(cfg.RequestTimeout())
		geocoder = g
	}

	monitor := connectivity.New(buildProber(cfg, client), connectivity.Options{
		Interval:      cfg.ProbeInterval(),
		Timeout:       cfg.ProbeTimeout(),
		Confirmations: cfg.Confirmations(),
	})

	a, err := agent.New(agent.Options{
		Store:    store,
		Client:   client,
		Uploader: uploader,
		Monitor:  monitor,
		Engine: sync.Options{
			MaxAttempts:        cfg.MaxAttempts(),
			RequestTimeout:     cfg.RequestTimeout(),
			RequireAttribution: cfg.RequireAttribution(),
			BackupDir:          filepath.Join(dir, "failed"),
			DebounceMs:         500,
			Geocoder:           geocoder,
		},
		Token:         token,
		StaleAfter:    cfg.StaleAfter(),
		RetryInterval: cfg.ProbeInterval(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	userID, err := a.DetectUser(ctx)
	if err != nil {
		log.Debug("cannot read user from token: %v", err)
	}
	if userID != "" {
		if err := a.SetUser(ctx, userID); err != nil {
			log.Warn("failed to link reports to %s: %v", userID, err)
		}
	}

	return &app{
		cfg:        cfg,
		configPath: path,
		token:      token,
		store:      store,
		client:     client,
		monitor:    monitor,
		agent:      a,
	}, nil
}

func (a *app) Close() {
	a.agent.Engine().Stop()
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to close queue: %v\n", err)
	}
}

// buildProber checks the API health endpoint, then each fallback URL as is.
func buildProber(cfg *config.Config, client *remote.Client) connectivity.Prober {
	probers := []connectivity.Prober{connectivity.ProberFunc(client.Ping)}
	for _, u := range cfg.Connectivity.FallbackURLs {
		probers = append(probers, connectivity.ProberFunc(func(ctx context.Context) (time.Duration, error) {
			return client.PingURL(ctx, u)
		}))
	}
	if len(probers) == 1 {
		return probers[0]
	}
	return connectivity.FirstOf(probers...)
}

// online refreshes the connectivity state and, when the backend answers,
// re-detects the user against it.
func (a *app) online(ctx context.Context) bool {
	st := a.monitor.Check(ctx)
	if !st.Online {
		return false
	}
	if a.token != "" {
		userID, err := a.agent.DetectUser(ctx)
		if err != nil {
			log.Warn("failed to detect user: %v", err)
		} else if err := a.agent.SetUser(ctx, userID); err != nil {
			log.Warn("failed to link reports: %v", err)
		}
	}
	return true
}
