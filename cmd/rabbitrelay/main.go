package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/rabbitrelay"
	"github.com/glimte/rabbitrelay/health"
	"github.com/glimte/rabbitrelay/interceptors"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const envPrefix = "RABBITRELAY"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every command
type globalFlags struct {
	host       string
	port       int
	vhost      string
	account    string
	credential string
	retries    int
	retryDelay time.Duration
	verbose    bool
}

func newRootCmd(options ...rabbitrelay.ClientOption) *cobra.Command {
	defaults, envErr := rabbitrelay.ConfigFromEnv(envPrefix)
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "rabbitrelay",
		Short: "Publish to and listen on RabbitMQ direct and fanout targets",
		Long: `rabbitrelay publishes messages to direct or fanout targets and listens on
queues, reconnecting to the broker with a fixed delay when the connection drops.

Flag defaults are read from RABBITRELAY_HOST, RABBITRELAY_PORT,
RABBITRELAY_VHOST, RABBITRELAY_ACCOUNT, RABBITRELAY_CREDENTIAL,
RABBITRELAY_RETRY_ATTEMPTS and RABBITRELAY_RETRY_DELAY.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return envErr
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.host, "host", defaults.Endpoint.Host, "Broker host")
	pf.IntVar(&flags.port, "port", defaults.Endpoint.Port, "Broker port")
	pf.StringVar(&flags.vhost, "vhost", defaults.Endpoint.VHost, "Virtual host")
	pf.StringVar(&flags.account, "account", defaults.Endpoint.Account, "Account name")
	pf.StringVar(&flags.credential, "credential", defaults.Endpoint.Credential, "Account password")
	pf.IntVar(&flags.retries, "retries", defaults.MaxRetries, "Connection attempts per acquisition, -1 for unbounded")
	pf.DurationVar(&flags.retryDelay, "retry-delay", defaults.RetryDelay, "Delay between connection attempts")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose output")

	newClient := func(cmd *cobra.Command, extra ...rabbitrelay.ClientOption) (*rabbitrelay.Client, error) {
		cfg := rabbitrelay.Config{
			Endpoint: rabbitrelay.Endpoint{
				Host:       flags.host,
				Port:       flags.port,
				VHost:      flags.vhost,
				Account:    flags.account,
				Credential: flags.credential,
			},
			MaxRetries: flags.retries,
			RetryDelay: flags.retryDelay,
			Naming:     rabbitrelay.DefaultNaming,
		}
		logger := newLogger(cmd.ErrOrStderr(), flags.verbose)
		opts := []rabbitrelay.ClientOption{rabbitrelay.WithLogger(logger)}
		if flags.verbose {
			opts = append(opts, rabbitrelay.WithInterceptors(interceptors.NewLoggingInterceptor(logger)))
		}
		opts = append(opts, extra...)
		opts = append(opts, options...)
		client, err := rabbitrelay.NewClient(cfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create client: %w", err)
		}
		return client, nil
	}

	rootCmd.AddCommand(
		newPublishCmd(newClient),
		newListenCmd(newClient),
		newHealthCmd(newClient),
	)
	return rootCmd
}

type clientFactory func(cmd *cobra.Command, extra ...rabbitrelay.ClientOption) (*rabbitrelay.Client, error)

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func newPublishCmd(newClient clientFactory) *cobra.Command {
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one message",
	}

	publishDirectCmd := &cobra.Command{
		Use:   "direct <target> <message>",
		Short: "Publish to the queue named target through its direct exchange",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.PublishDirect(cmd.Context(), args[0], []byte(args[1])); err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Direct message sent to %s\n", args[0])
			return nil
		},
	}

	publishFanoutCmd := &cobra.Command{
		Use:   "fanout <target> <message>",
		Short: "Broadcast to every queue bound to target's fanout exchange",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.PublishFanout(cmd.Context(), args[0], []byte(args[1])); err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fanout message sent to %s\n", args[0])
			return nil
		},
	}

	publishCmd.AddCommand(publishDirectCmd, publishFanoutCmd)
	return publishCmd
}

func newListenCmd(newClient clientFactory) *cobra.Command {
	var exchange string

	listenCmd := &cobra.Command{
		Use:   "listen <queue>",
		Short: "Print messages arriving on a queue until interrupted",
		Long: `Consume queue and print every message body. With --exchange the queue is
first bound to that fanout exchange. The listener resumes after broker
restarts and stops cleanly on SIGINT or SIGTERM.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			counters := interceptors.NewCounters()
			client, err := newClient(cmd, rabbitrelay.WithInterceptors(interceptors.NewMetricsInterceptor(counters)))
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			handler := func(_ context.Context, d rabbitrelay.Delivery) error {
				_, err := fmt.Fprintf(out, "%s\n", d.Body)
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "Waiting for messages on %s. To exit press CTRL+C\n", args[0])
			err = listen(cmd.Context(), client, args[0], exchange, handler, client.Config().RetryDelay)

			total := counters.Total()
			fmt.Fprintf(cmd.ErrOrStderr(), "Received %d messages (%d failed)\n", total.Messages, total.Errors)
			return err
		},
	}
	listenCmd.Flags().StringVarP(&exchange, "exchange", "e", "", "Fanout exchange to bind the queue to")

	return listenCmd
}

// listen keeps a listener running across transient failures, pausing delay
// between runs. Cancellation is a clean exit; exhausted connection retries
// are not.
func listen(ctx context.Context, client *rabbitrelay.Client, queue, exchange string, handler rabbitrelay.Handler, delay time.Duration) error {
	for {
		err := client.Listen(ctx, queue, exchange, handler)
		switch {
		case err == nil, rabbitrelay.IsCancellation(err):
			return nil
		case errors.Is(err, rabbitrelay.ErrMaxRetriesExceeded), !rabbitrelay.IsRetryable(err):
			return fmt.Errorf("listener stopped: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func newHealthCmd(newClient clientFactory) *cobra.Command {
	var timeout time.Duration

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Connect both roles and print the health report",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := client.Connect(ctx); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "connect: %v\n", err)
			}
			report := client.Health(cmd.Context())

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(report); err != nil {
				return fmt.Errorf("failed to encode report: %w", err)
			}
			if report.Status != health.StatusHealthy {
				return fmt.Errorf("broker is %s", report.Status)
			}
			return nil
		},
	}
	healthCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the broker")

	return healthCmd
}
