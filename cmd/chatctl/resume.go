package main

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func newResumeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <messageId>",
		Short: "Reattach to a reply that is still streaming",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.chat
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			created, err := client.Resume(ctx, args[0])
			if err != nil {
				return describeError(err)
			}
			return follow(ctx, client, created, cmd.OutOrStdout())
		},
	}
}
