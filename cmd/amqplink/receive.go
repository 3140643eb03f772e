package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	amqp "github.com/ericogr/amqp-link/pkg/amqp"
)

var receiveCount int

var receiveCmd = &cobra.Command{
	Use:   "receive <source>",
	Short: "Receive messages on a receiver link, accept them and print their bodies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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
		done := make(chan struct{})
		handler := printHandler(cmd.OutOrStdout(), receiveCount, done)
		receiver, err := sess.NewReceiver(ctx, args[0], handler, linkOpts...)
		if err != nil {
			shutdown(nil, sess, conn)
			return fmt.Errorf("attach receiver: %w", err)
		}
		defer shutdown(receiver, sess, conn)

		select {
		case <-done:
			return nil
		case <-receiver.Done():
			return receiver.Err()
		case <-ctx.Done():
			if err := conn.Err(); err != nil {
				return err
			}
			return ctx.Err()
		}
	},
}

// printHandler writes each body to w and accepts the delivery. Once limit
// messages were accepted it closes done and releases the rest; limit 0 means
// no limit.
func printHandler(w io.Writer, limit int, done chan<- struct{}) amqp.MessageHandler {
	n := 0
	return func(msg *amqp.Message, d amqp.ReceivedDelivery) amqp.DeliveryState {
		// handlers run on the reader goroutine, one at a time
		if limit > 0 && n >= limit {
			return &amqp.Released{}
		}
		n++
		fmt.Fprintf(w, "%d\t%s\n", d.DeliveryID, msg.GetData())
		if n == limit {
			close(done)
		}
		return &amqp.Accepted{}
	}
}

func init() {
	rootCmd.AddCommand(receiveCmd)
	receiveCmd.Flags().IntVarP(&receiveCount, "count", "n", 0, "stop after this many messages (0 receives until interrupted)")
}
