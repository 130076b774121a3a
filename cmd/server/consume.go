package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newConsumeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consume order.paid and refund.requested from Kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return runConsumer(ctx, a)
		},
	}
}
