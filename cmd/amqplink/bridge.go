package main

import (
	"fmt"

	"github.com/spf13/cobra"

	amqp "github.com/ericogr/amqp-link/pkg/amqp"
	"github.com/ericogr/amqp-link/pkg/amqp/upstream"
)

var (
	bridgeExchange   string
	bridgeRoutingKey string
	bridgeQueue      string
	bridgePolicy     string
	bridgeUpstream   string
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Bridge AMQP 1.0 links to a RabbitMQ broker",
}

var bridgePublishCmd = &cobra.Command{
	Use:   "publish <source>",
	Short: "Receive from an AMQP 1.0 source and publish to RabbitMQ with confirms",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		up, err := newUpstream()
		if err != nil {
			return err
		}
		defer up.Close()

		conn, sess, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		ctx, cancel := withConn(cmd.Context(), conn)
		defer cancel()

		linkOpts, err := cfg.Link.Options()
		if err != nil {
			shutdown(nil, sess, conn)
			return err
		}
		fwd := upstream.NewForwarder(up, cfg.Upstream.Exchange, cfg.Upstream.RoutingKey, int(cfg.Link.Credit))
		fwd.SetLogger(logger)
		receiver, err := sess.NewReceiver(ctx, args[0], fwd.Handler(), linkOpts...)
		if err != nil {
			shutdown(nil, sess, conn)
			return fmt.Errorf("attach receiver: %w", err)
		}
		defer shutdown(receiver, sess, conn)

		logger.Info().Str("source", args[0]).Str("exchange", cfg.Upstream.Exchange).Str("policy", up.Config().FailurePolicy.String()).Msg("bridging to upstream")
		if err := fwd.Run(ctx, receiver); err != nil {
			if cerr := conn.Err(); cerr != nil {
				return cerr
			}
			return err
		}
		return nil
	},
}

var bridgeConsumeCmd = &cobra.Command{
	Use:   "consume <target>",
	Short: "Consume a RabbitMQ queue and send to an AMQP 1.0 target, acking on settlement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		up, err := newUpstream()
		if err != nil {
			return err
		}
		defer up.Close()
		if cfg.Upstream.Queue == "" {
			return fmt.Errorf("an upstream queue is required (--queue or upstream.queue)")
		}

		conn, sess, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		ctx, cancel := withConn(cmd.Context(), conn)
		defer cancel()

		linkOpts, err := cfg.Link.Options()
		if err != nil {
			shutdown(nil, sess, conn)
			return err
		}
		mode, _ := cfg.Link.SenderSettleMode()
		sender, err := sess.NewSender(ctx, args[0], linkOpts...)
		if err != nil {
			shutdown(nil, sess, conn)
			return fmt.Errorf("attach sender: %w", err)
		}
		defer shutdown(sender, sess, conn)

		pump := upstream.NewPump(up, upstream.PumpConfig{
			Queue:    cfg.Upstream.Queue,
			Prefetch: cfg.Upstream.Prefetch,
			Timeout:  cfg.Link.Timeout,
			Settled:  mode == amqp.ModeSettled,
		})
		pump.SetLogger(logger)
		logger.Info().Str("target", args[0]).Str("queue", cfg.Upstream.Queue).Str("policy", up.Config().FailurePolicy.String()).Msg("bridging from upstream")
		if err := pump.Run(ctx, sender); err != nil {
			if cerr := conn.Err(); cerr != nil {
				return cerr
			}
			return err
		}
		return nil
	},
}

// newUpstream applies the bridge flags to the config and builds the
// RabbitMQ side of the bridge.
func newUpstream() (*upstream.Upstream, error) {
	if bridgeUpstream != "" {
		cfg.Upstream.URL = bridgeUpstream
	}
	if bridgeExchange != "" {
		cfg.Upstream.Exchange = bridgeExchange
	}
	if bridgeRoutingKey != "" {
		cfg.Upstream.RoutingKey = bridgeRoutingKey
	}
	if bridgeQueue != "" {
		cfg.Upstream.Queue = bridgeQueue
	}
	if bridgePolicy != "" {
		cfg.Upstream.FailurePolicy = bridgePolicy
	}
	bc, err := cfg.Upstream.BridgeConfig()
	if err != nil {
		return nil, err
	}
	up := upstream.NewUpstream(bc)
	up.SetLogger(logger)
	return up, nil
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.AddCommand(bridgePublishCmd, bridgeConsumeCmd)
	bridgeCmd.PersistentFlags().StringVar(&bridgeUpstream, "upstream", "", "upstream RabbitMQ URL")
	bridgeCmd.PersistentFlags().StringVar(&bridgePolicy, "failure-policy", "", "failure policy: close|reconnect|enqueue")
	bridgePublishCmd.Flags().StringVar(&bridgeExchange, "exchange", "", "exchange to publish to")
	bridgePublishCmd.Flags().StringVar(&bridgeRoutingKey, "key", "", "routing key for messages without a subject")
	bridgeConsumeCmd.Flags().StringVar(&bridgeQueue, "queue", "", "queue to consume")
}
