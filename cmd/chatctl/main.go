// Command chatctl sends messages to the chat service and renders the reply
// live from the in-memory message cache.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"streamchat/internal/util"
	"streamchat/pkg/chatclient"
	"streamchat/pkg/storeclient"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type options struct {
	chatURL  string
	storeURL string
	token    string
	userID   string
	logLevel string

	chat *chatclient.Client
}

func main() {
	_ = godotenv.Load(".env")
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "chatctl",
		Short:        "Talk to the streamchat services from a terminal",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			opts.chat = client
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.chatURL, "chat-url", envOr("CHATCTL_CHAT_URL", "http://localhost:8082"), "chat service base URL")
	flags.StringVar(&opts.storeURL, "store-url", envOr("CHATCTL_STORE_URL", "http://localhost:8083"), "store service base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("CHATCTL_TOKEN"), "user access token")
	flags.StringVar(&opts.userID, "user", os.Getenv("CHATCTL_USER"), "user id recorded on new threads")
	flags.StringVar(&opts.logLevel, "log-level", envOr("CHATCTL_LOG_LEVEL", "warn"), "log level for diagnostics on stderr")

	root.AddCommand(newSendCmd(opts), newResumeCmd(opts), newHistoryCmd(opts))
	return root
}

// client builds a chat client backed by the store service.
func (o *options) client(stderr io.Writer) (*chatclient.Client, error) {
	if strings.TrimSpace(o.token) == "" {
		return nil, fmt.Errorf("a token is required (--token or CHATCTL_TOKEN)")
	}
	token := func(context.Context) (string, error) { return o.token, nil }
	return chatclient.New(chatclient.Config{
		UserID:    o.userID,
		Store:     storeclient.NewClient(o.storeURL, token, nil),
		Transport: chatclient.NewHTTPTransport(o.chatURL, chatclient.TokenFunc(token), nil),
		Logger:    util.NewWriterLogger(stderr, o.logLevel),
	})
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
