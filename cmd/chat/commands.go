package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"marketChat/pkg/api"
	"marketChat/pkg/messenger"
)

func newConversationsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			session, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer session.Teardown()

			out := cmd.OutOrStdout()
			for _, conversation := range session.Conversations.Conversations() {
				printConversation(out, session.Session, conversation)
			}
			fmt.Fprintf(out, "%d unread\n", session.Conversations.TotalUnread())
			return nil
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var pages int

	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print a conversation's messages and mark it read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			session, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer session.Teardown()

			if err := session.Open(ctx, args[0]); err != nil {
				return err
			}
			for i := 1; i < pages; i++ {
				if err := session.Thread.LoadOlder(ctx); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			for _, message := range session.Thread.Messages() {
				printMessage(out, session.Session, message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 1, "number of history pages to load")
	return cmd
}

func newFollowCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "follow [conversation-id]",
		Short: "Print new messages as they arrive",
		Long: strings.TrimSpace(`
Follow every conversation of the user, or only the one given. A followed
conversation is opened: its history is printed and it is kept read.
`),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			session, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer session.Teardown()

			out := cmd.OutOrStdout()
			only := ""
			if len(args) == 1 {
				only = args[0]
				if err := session.Open(ctx, only); err != nil {
					return err
				}
				for _, message := range session.Thread.Messages() {
					printMessage(out, session.Session, message)
				}
			}

			events := make(chan api.Message, 64)
			unsubscribe := session.channel.OnNewMessage(func(message api.Message) {
				select {
				case events <- message:
				default:
				}
			})
			defer unsubscribe()
			unsubscribeErrors := session.channel.OnError(func(message string) {
				fmt.Fprintln(cmd.ErrOrStderr(), "server:", message)
			})
			defer unsubscribeErrors()

			for {
				select {
				case <-ctx.Done():
					return nil
				case message := <-events:
					if only != "" && message.ConversationId != only {
						continue
					}
					printMessage(out, session.Session, message)
				}
			}
		},
	}
	return cmd
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "send [conversation-id] <text...>",
		Short: "Send a message into a conversation, or to a user with --to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			session, err := opts.connect(ctx)
			if err != nil {
				return err
			}
			defer session.Teardown()

			if to != "" {
				err = session.OpenDirect(ctx, api.User{Id: to})
			} else {
				if len(args) < 2 {
					return errors.New("conversation id and text are required")
				}
				err = session.Open(ctx, args[0])
				args = args[1:]
			}
			if err != nil {
				return err
			}

			// Give the live channel a moment; the coordinator falls back to REST.
			waitConnected(session.channel, 2*time.Second)

			composer := &messenger.Composer{}
			composer.SetText(strings.Join(args, " "))
			delivery, err := session.Send(ctx, composer)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sent via %s\n", delivery.Path)
			if delivery.Filtered {
				fmt.Fprintf(out, "filtered: %s\n", delivery.Warning)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "uid to message directly")
	return cmd
}

func waitConnected(channel *messenger.Channel, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for !channel.Connected() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

func printConversation(w io.Writer, session *messenger.Session, conversation api.Conversation) {
	kind := conversation.Key().Kind
	last := ""
	if conversation.LastMessage != nil {
		last = conversation.LastMessage.Content
	}
	fmt.Fprintf(w, "%-28s %-6s %-24s %3d  %s\n", conversation.Id, kind, session.Label(conversation), conversation.UnreadCount, last)
}

func printMessage(w io.Writer, session *messenger.Session, message api.Message) {
	who := "them"
	if message.Sender != nil {
		who = message.Sender.DisplayName()
	}
	if message.SenderId() == session.UserId {
		who = "me"
	}
	flag := ""
	if message.IsFiltered {
		flag = " [filtered]"
	}
	fmt.Fprintf(w, "%s %s %s: %s%s\n", message.CreatedAt.Local().Format("15:04"), message.ConversationId, who, message.Content, flag)
}
