package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tsarna/seastream/pkg/seastream/auth"
	"github.com/tsarna/seastream/pkg/seastream/discovery"
	"github.com/tsarna/seastream/pkg/seastream/signalk"
	"github.com/tsarna/seastream/pkg/seastream/stream"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the streaming client",
	Long: `Run the streaming client against a Signal K server.

Configuration comes from flags, a YAML config file (--config), and
SEASTREAM_* environment variables, in that order of precedence.

Examples:
  seastream run --host 192.168.1.10
  seastream run --config seastream.yaml
  seastream run --host demo.signalk.org --port 443 --tls`,
	RunE: runRun,
}

var (
	cfgFile  string
	logLevel string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	runCmd.Flags().StringP("host", "H", "", "Signal K server host")
	runCmd.Flags().IntP("port", "p", 3000, "Signal K server port")
	runCmd.Flags().Bool("tls", false, "use TLS (wss/https)")
	runCmd.Flags().Bool("insecure", false, "skip TLS certificate verification")
	runCmd.Flags().String("token", "", "bearer token (empty triggers an access request on 401)")
	runCmd.Flags().String("vessel-id", "", "vessel identity for context matching (urn:/mrn:/mmsi:)")
	runCmd.Flags().String("vessel-name", "", "vessel name attached to notifications")
	runCmd.Flags().String("paths-file", "", "file of paths to subscribe to, one per line (path[=periodMillis])")
	runCmd.Flags().Bool("enable-notifications", false, "dispatch Signal K notifications")
	runCmd.Flags().StringSlice("notification-paths", nil, "notification path prefixes to allow (empty allows all)")
	runCmd.Flags().Int("refresh-interval-hours", 12, "discovery catalogue refresh interval")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	v := viper.New()
	v.SetEnvPrefix("SEASTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
		logger.Info("Config file loaded", zap.String("file", v.ConfigFileUsed()))
	}

	cfg := stream.Config{
		Host:                v.GetString("host"),
		Port:                v.GetInt("port"),
		UseTLS:              v.GetBool("tls"),
		VerifyTLS:           !v.GetBool("insecure"),
		VesselID:            v.GetString("vessel-id"),
		VesselName:          v.GetString("vessel-name"),
		Token:               v.GetString("token"),
		EnableNotifications: v.GetBool("enable-notifications"),
		NotificationPaths:   v.GetStringSlice("notification-paths"),
	}
	if cfg.Host == "" {
		return fmt.Errorf("host is required (flag, config file, or SEASTREAM_HOST)")
	}

	var specs []signalk.PathSpec
	if pathsFile := v.GetString("paths-file"); pathsFile != "" {
		f, err := os.Open(pathsFile)
		if err != nil {
			return fmt.Errorf("opening paths file: %w", err)
		}
		specs, err = signalk.ParsePathsFile(f)
		f.Close()
		if err != nil {
			return err
		}
		logger.Info("Subscription paths loaded",
			zap.String("file", pathsFile), zap.Int("paths", len(specs)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authManager := auth.NewManager(cfg.Token)

	discClient, err := discovery.NewClient(cfg.RESTBaseURL()).
		WithToken(cfg.Token).
		WithLogger(logger).
		Build()
	if err != nil {
		return fmt.Errorf("building discovery client: %w", err)
	}

	var coordinator *stream.Coordinator
	coordinator, err = stream.NewCoordinator().
		WithConfig(cfg).
		WithLogger(logger).
		WithAuthManager(authManager).
		WithReauthFunc(func() {
			go requestAccess(ctx, cfg, coordinator, discClient, authManager, logger)
		}).
		Build()
	if err != nil {
		return fmt.Errorf("building coordinator: %w", err)
	}

	if cfg.EnableNotifications {
		coordinator.AddNotificationListener(stream.NotificationListenerFunc(func(n signalk.Notification) {
			logger.Info("Notification",
				zap.String("path", n.Path),
				zap.String("state", n.State),
				zap.String("message", n.Message),
				zap.Strings("method", n.Method),
			)
		}))
	}

	if err := coordinator.UpdatePaths(specs); err != nil {
		return err
	}
	if err := coordinator.Start(); err != nil {
		return fmt.Errorf("starting coordinator: %w", err)
	}
	logger.Info("Streaming client started",
		zap.String("host", cfg.Host), zap.Int("port", cfg.Port))

	// Discovery keeps the subscription set aligned with the vessel tree
	// when no explicit paths file was given.
	scheduler, err := buildDiscovery(v, discClient, coordinator, len(specs) > 0, logger)
	if err != nil {
		return err
	}
	if scheduler != nil {
		if err := scheduler.Start(); err != nil {
			logger.Warn("Discovery scheduler failed to start", zap.Error(err))
		} else {
			defer scheduler.Stop()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	healthTicker := time.NewTicker(60 * time.Second)
	defer healthTicker.Stop()

	for {
		select {
		case sig := <-sigChan:
			logger.Debug("Signal received, exiting", zap.String("signal", sig.String()))
			if err := coordinator.Stop(); err != nil {
				logger.Warn("Error during coordinator stop", zap.Error(err))
			}
			logger.Info("Shutdown complete")
			return nil

		case <-healthTicker.C:
			report := coordinator.DiagnosticReport()
			logger.Info("Health",
				zap.String("state", report.ConnectionState),
				zap.Int64("messages", report.Stats.Messages),
				zap.Int64("reconnects", report.Stats.Reconnects),
				zap.Int64("parseErrors", report.Stats.ParseErrors),
				zap.String("lastError", report.LastError),
			)
			logger.Debug("Diagnostics", zap.Any("report", report))
		}
	}
}

// buildDiscovery assembles the discovery scheduler. When an explicit paths
// file drives the subscriptions, discovery still refreshes the catalogue for
// consumers but leaves the subscription set alone.
func buildDiscovery(v *viper.Viper, client *discovery.Client, coordinator *stream.Coordinator, explicitPaths bool, logger *zap.Logger) (*discovery.Scheduler, error) {
	interval := time.Duration(v.GetInt("refresh-interval-hours")) * time.Hour

	return discovery.NewScheduler(client).
		WithInterval(interval).
		WithLogger(logger).
		WithUpdateFunc(func(entities []discovery.Entity) {
			if explicitPaths {
				return
			}
			specs := make([]signalk.PathSpec, 0, len(entities))
			for _, entity := range entities {
				specs = append(specs, signalk.PathSpec{
					Path:         entity.Path,
					PeriodMillis: entity.PeriodMillis,
				})
			}
			if err := coordinator.UpdatePaths(specs); err != nil {
				logger.Warn("Failed to apply discovered paths", zap.Error(err))
			}
		}).
		Build()
}

// requestAccess runs the access-request handshake after an authentication
// failure and restarts the stream when a token is granted. The new token is
// handed to every token-bearing client, not just the auth manager.
func requestAccess(ctx context.Context, cfg stream.Config, coordinator *stream.Coordinator, discClient *discovery.Client, authManager *auth.Manager, logger *zap.Logger) {
	logger.Info("Starting access request handshake")
	authManager.MarkAccessRequestActive()

	request, err := auth.NewAccessRequest().
		WithServerURL(cfg.RESTBaseURL()).
		WithDescription("seastream streaming client").
		WithLogger(logger).
		WithApprovalHandler(func(requestID, approvalURL string) {
			logger.Info("Approve the access request on the server",
				zap.String("requestId", requestID), zap.String("url", approvalURL))
		}).
		Build()
	if err != nil {
		authManager.MarkFailure(err.Error())
		logger.Error("Failed to build access request", zap.Error(err))
		return
	}

	token, err := request.Request(ctx)
	if err != nil {
		authManager.MarkFailure(err.Error())
		logger.Error("Access request failed", zap.Error(err))
		return
	}

	authManager.UpdateToken(token)
	authManager.MarkSuccess()
	discClient.SetToken(token)
	logger.Info("Access request granted")

	if err := coordinator.Start(); err != nil {
		logger.Error("Failed to restart stream after access grant", zap.Error(err))
	}
}

func setupLogger() (*zap.Logger, error) {
	level := logLevel
	debugFlag := GetDebug()
	verboseFlag := GetVerbose()

	// Override log level based on flags
	if debugFlag {
		level = "debug"
	} else if verboseFlag && level == "info" {
		level = "debug"
	}

	var zapLevel zap.AtomicLevel
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn", "warning":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Development = debugFlag

	return config.Build()
}
