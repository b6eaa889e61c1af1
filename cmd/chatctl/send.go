package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"streamchat/pkg/chatclient"
)

func newSendCmd(opts *options) *cobra.Command {
	var (
		threadID  string
		model     string
		keys      []string
		search    bool
		tools     []string
		reasoning string
	)
	cmd := &cobra.Command{
		Use:   "send <text>",
		Short: "Send a message and stream the reply",
		Long: `Send a message and print the assistant's reply as it streams.

Examples:
  chatctl send "hello" --model gpt-4.1 --key openai=sk-...
  chatctl send "what time is it in Tokyo?" --thread 6f1c... --tool current_time`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			apiKeys, err := parseKeys(keys)
			if err != nil {
				return err
			}
			client := opts.chat
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			created, err := client.CreateMessage(ctx, chatclient.Input{
				ThreadID:        threadID,
				Text:            strings.Join(args, " "),
				Model:           model,
				APIKeys:         apiKeys,
				Search:          search,
				Tools:           tools,
				ReasoningEffort: reasoning,
			})
			if err != nil {
				return describeError(err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "thread %s, reply %s\n", created.ThreadID, created.AssistantMessageID)
			return follow(ctx, client, created, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "continue an existing thread")
	cmd.Flags().StringVarP(&model, "model", "m", envOr("CHATCTL_MODEL", "gpt-4.1"), "model id")
	cmd.Flags().StringSliceVarP(&keys, "key", "k", nil, "provider API key as provider=key (repeatable)")
	cmd.Flags().BoolVar(&search, "search", false, "enable the search tool")
	cmd.Flags().StringSliceVar(&tools, "tool", nil, "enable a server tool (repeatable)")
	cmd.Flags().StringVar(&reasoning, "reasoning", "", "reasoning effort: low, medium or high")
	return cmd
}

// parseKeys reads provider=key pairs; CHATCTL_<PROVIDER>_KEY fills gaps.
func parseKeys(raw []string) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range []string{"openai", "anthropic", "google"} {
		if v := os.Getenv("CHATCTL_" + strings.ToUpper(p) + "_KEY"); v != "" {
			out[p] = v
		}
	}
	for _, entry := range raw {
		provider, key, ok := strings.Cut(entry, "=")
		provider = strings.ToLower(strings.TrimSpace(provider))
		if !ok || provider == "" || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --key %q, want provider=key", entry)
		}
		out[provider] = strings.TrimSpace(key)
	}
	return out, nil
}
