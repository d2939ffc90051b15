package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/seastream/pkg/seastream/auth"
)

// accessCmd represents the access command
var accessCmd = &cobra.Command{
	Use:   "access <server-url>",
	Short: "Request an access token from a Signal K server",
	Long: `Request an access token from a Signal K server.

Creates an access request against the server's REST surface and polls
until an operator approves or rejects it, or the timeout elapses. On
approval the granted token is printed to stdout.

Examples:
  seastream access http://192.168.1.10:3000
  seastream access https://boat.example.com --description "nav display"`,
	Args: cobra.ExactArgs(1),
	RunE: runAccess,
}

var (
	accessClientID    string
	accessDescription string
	accessTimeout     time.Duration
	accessInsecure    bool
)

func init() {
	rootCmd.AddCommand(accessCmd)

	accessCmd.Flags().StringVar(&accessClientID, "client-id", "", "client identifier (random UUID when empty)")
	accessCmd.Flags().StringVar(&accessDescription, "description", "seastream streaming client", "description shown to the approving operator")
	accessCmd.Flags().DurationVar(&accessTimeout, "timeout", 2*time.Minute, "how long to wait for a decision")
	accessCmd.Flags().BoolVar(&accessInsecure, "insecure", false, "skip TLS certificate verification")
}

func runAccess(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		cancel()
	}()

	builder := auth.NewAccessRequest().
		WithServerURL(args[0]).
		WithClientID(accessClientID).
		WithDescription(accessDescription).
		WithTimeout(accessTimeout).
		WithLogger(logger).
		WithApprovalHandler(func(requestID, approvalURL string) {
			fmt.Fprintf(os.Stderr, "Approve request %s at: %s\n", requestID, approvalURL)
		})

	if accessInsecure {
		builder = builder.WithHTTPClient(&http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		})
	}

	request, err := builder.Build()
	if err != nil {
		return err
	}

	logger.Info("Requesting access", zap.String("server", args[0]))

	token, err := request.Request(ctx)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
