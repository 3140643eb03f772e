package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	amqp "github.com/ericogr/amqp-link/pkg/amqp"
	"github.com/ericogr/amqp-link/pkg/config"
)

var (
	// Global flags
	cfgFile   string
	logLevel  string
	brokerURL string

	// Shared state set during PersistentPreRun
	cfg    *config.Config
	logger zerolog.Logger
)

// rootCmd is the base command for amqplink.
var rootCmd = &cobra.Command{
	Use:   "amqplink",
	Short: "AMQP 1.0 link client and RabbitMQ bridge",
	Long: `amqplink opens AMQP 1.0 sender and receiver links against a broker.
It can send and receive messages directly or bridge a link to a RabbitMQ
broker in either direction.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		if brokerURL != "" {
			cfg.Connection.URL = brokerURL
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		lvl, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		logger = zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
		amqp.SetLogger(logger)
		return nil
	},
}

// Execute runs the root command until it returns or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.amqplink/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&brokerURL, "url", "", "AMQP 1.0 broker URL")
}

// openSession dials the configured broker and begins a session.
func openSession(ctx context.Context) (*amqp.Conn, *amqp.Session, error) {
	opts, err := cfg.Connection.Options()
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, amqp.WithConnLogger(logger))
	conn, err := amqp.Dial(ctx, cfg.Connection.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", cfg.Connection.URL, err)
	}
	sess, err := conn.NewSession(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("begin session: %w", err)
	}
	logger.Info().Str("url", cfg.Connection.URL).Msg("connected")
	return conn, sess, nil
}

type closer interface {
	Close() error
	Done() <-chan struct{}
}

// shutdown detaches l, ends sess and closes conn, waiting a bounded time for
// each handshake.
func shutdown(l closer, sess *amqp.Session, conn *amqp.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if l != nil {
		if err := l.Close(); err != nil {
			logger.Debug().Err(err).Msg("link close")
		}
		select {
		case <-l.Done():
		case <-ctx.Done():
		}
	}
	if err := sess.End(ctx); err != nil {
		logger.Debug().Err(err).Msg("session end")
	}
	if err := conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("connection close")
	}
}

// withConn returns a context cancelled when conn shuts down.
func withConn(ctx context.Context, conn *amqp.Conn) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-conn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
