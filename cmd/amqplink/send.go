package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	amqp "github.com/ericogr/amqp-link/pkg/amqp"
)

var (
	sendCount   int
	sendSettled bool
	sendSubject string
)

var sendCmd = &cobra.Command{
	Use:   "send <target> <body>...",
	Short: "Send messages on a sender link and print each outcome",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		target, body := args[0], strings.Join(args[1:], " ")

		conn, sess, err := openSession(ctx)
		if err != nil {
			return err
		}
		linkOpts, err := cfg.Link.Options()
		if err != nil {
			return err
		}
		sender, err := sess.NewSender(ctx, target, linkOpts...)
		if err != nil {
			shutdown(nil, sess, conn)
			return fmt.Errorf("attach sender: %w", err)
		}
		defer shutdown(sender, sess, conn)

		var sendOpts []amqp.SendOption
		if cfg.Link.Timeout > 0 {
			sendOpts = append(sendOpts, amqp.WithTimeout(cfg.Link.Timeout))
		}
		if sendSettled {
			sendOpts = append(sendOpts, amqp.WithSettled(true))
		}

		pending := make([]*amqp.PendingDelivery, 0, sendCount)
		for i := 0; i < sendCount; i++ {
			msg := amqp.NewMessage([]byte(body))
			if sendSubject != "" {
				subject := sendSubject
				msg.Properties = &amqp.MessageProperties{Subject: &subject}
			}
			d, err := sender.SendTransfer(msg, sendOpts...)
			if err != nil {
				return fmt.Errorf("send message %d: %w", i, err)
			}
			pending = append(pending, d)
		}
		for i, d := range pending {
			reason, state, err := d.Wait(ctx)
			if err != nil {
				return err
			}
			if state != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%v\n", i, reason, state)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", i, reason)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().IntVarP(&sendCount, "count", "n", 1, "number of messages to send")
	sendCmd.Flags().BoolVar(&sendSettled, "settled", false, "send pre-settled (requires settle_mode settled or mixed)")
	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "message subject")
}
