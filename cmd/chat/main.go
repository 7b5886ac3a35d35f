package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"marketChat/config"
	"marketChat/pkg/logging"
	"marketChat/pkg/messenger"
)

type rootOptions struct {
	apiURL   string
	wsURL    string
	token    string
	userId   string
	logLevel string
	pageSize int
}

func main() {
	_ = config.LoadEnv(".env")

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the marketplace messaging backend",
		Long: strings.TrimSpace(`
List conversations, follow them live and send messages as one user.

The REST base URL, websocket URL and token default to MARKETCHAT_API,
MARKETCHAT_WS and MARKETCHAT_TOKEN.
`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Init(opts.logLevel, true)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api", envOr("MARKETCHAT_API", "http://localhost:8080"), "REST base URL")
	flags.StringVar(&opts.wsURL, "ws", os.Getenv("MARKETCHAT_WS"), "websocket URL (default: <api>/ws)")
	flags.StringVar(&opts.token, "token", os.Getenv("MARKETCHAT_TOKEN"), "bearer token")
	flags.StringVar(&opts.userId, "user", os.Getenv("MARKETCHAT_USER"), "uid the token belongs to")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	flags.IntVar(&opts.pageSize, "page-size", messenger.DefaultPageSize, "messages per history page")

	cmd.AddCommand(
		newConversationsCmd(opts),
		newHistoryCmd(opts),
		newFollowCmd(opts),
		newSendCmd(opts),
	)
	return cmd
}

// chatSession is a connected session plus its channel, for commands that
// need to listen to it directly.
type chatSession struct {
	*messenger.Session
	channel *messenger.Channel
}

func (o *rootOptions) connect(ctx context.Context) (*chatSession, error) {
	if o.token == "" || o.userId == "" {
		return nil, errors.New("--token and --user are required")
	}
	wsURL := o.wsURL
	if wsURL == "" {
		wsURL = strings.TrimRight(o.apiURL, "/") + "/ws"
	}

	logger := log.With().Str("session", uuid.NewString()).Logger()
	channel, err := messenger.NewChannel(messenger.ChannelConfig{URL: wsURL, Token: o.token, Logger: &logger})
	if err != nil {
		return nil, err
	}

	session, err := messenger.NewSession(messenger.SessionOptions{
		UserId:   o.userId,
		Gateway:  messenger.NewHTTPGateway(o.apiURL, o.token, nil),
		Channel:  channel,
		PageSize: o.pageSize,
		Logger:   &logger,
	})
	if err != nil {
		return nil, err
	}
	if err := session.Init(ctx); err != nil {
		session.Teardown()
		return nil, err
	}
	return &chatSession{Session: session, channel: channel}, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
