package main

import (
	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history <threadId>",
		Short: "Print the messages of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.chat
			view, err := client.ThreadMessages(cmd.Context(), args[0])
			if err != nil {
				return describeError(err)
			}
			for _, msg := range view.Messages() {
				renderMessage(cmd.OutOrStdout(), msg)
			}
			return nil
		},
	}
}
