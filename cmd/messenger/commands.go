package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/multitask/messenger/internal/api"
	"github.com/multitask/messenger/internal/chat"
	"github.com/multitask/messenger/internal/conversation"
	"github.com/multitask/messenger/internal/delivery"
	"github.com/multitask/messenger/internal/notify"
	"github.com/multitask/messenger/internal/ratelimit"
	"github.com/multitask/messenger/internal/session"
)

const helpText = `commands:
  /list                     show conversations
  /search <query>           filter conversations by name, task or last message
  /open <id>                open a conversation
  /history                  show the open conversation
  /read                     mark the open conversation read
  /failed                   show messages that could not be delivered
  /retry <local-id>         resend a failed message
  /dismiss <local-id>       discard a failed message
  /notifications            show recent notifications
  /notifications read <id>  mark a notification read
  /notifications refresh    ask the server for the unread count
  /stats                    show messaging totals and the outbox budget
  /quit                     exit
anything else is sent to the open conversation`

// command is one parsed input line. An empty name means plain text to send.
type command struct {
	name string
	arg  string
}

func parseCommand(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, false
	}
	if !strings.HasPrefix(line, "/") {
		return command{arg: line}, true
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}

type statsFetcher interface {
	Statistics(ctx context.Context) (api.Statistics, error)
}

type outboxBudget interface {
	Remaining(ctx context.Context, identifier string, rule ratelimit.Rule) (int, error)
}

// console executes commands against the session and prints results.
type console struct {
	out     io.Writer
	session *session.Session
	watcher *notify.Watcher
	stats   statsFetcher

	// outbox is nil when Redis is not configured.
	outbox    outboxBudget
	outboxKey string
}

var errQuit = errors.New("quit")

func (c *console) exec(ctx context.Context, cmd command) error {
	switch cmd.name {
	case "":
		if _, err := c.session.Send(ctx, cmd.arg); err != nil {
			return c.sendError(err)
		}
	case "help":
		fmt.Fprintln(c.out, helpText)
	case "quit", "exit":
		return errQuit
	case "list":
		all := c.session.List().All()
		fmt.Fprintf(c.out, "%d conversations, %d unread\n", len(all), c.session.List().TotalUnread())
		c.printConversations(all)
	case "search":
		c.printConversations(c.session.List().Filter(cmd.arg))
	case "open":
		id, err := strconv.ParseInt(cmd.arg, 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("usage: /open <conversation-id>")
		}
		if _, ok := c.session.List().Get(id); !ok {
			return fmt.Errorf("unknown conversation %d", id)
		}
		c.session.Select(ctx, id)
	case "history":
		for _, m := range c.session.Store().Messages() {
			fmt.Fprintln(c.out, formatMessage(m))
		}
	case "read":
		c.session.MarkRead(ctx)
	case "failed":
		failed := c.session.Router().Failed()
		if len(failed) == 0 {
			fmt.Fprintln(c.out, "no failed messages")
		}
		for _, f := range failed {
			fmt.Fprintf(c.out, "%s  conversation %d  %q  (%s)\n", f.LocalID, f.ConversationID, f.Content, f.Reason)
		}
	case "retry":
		if _, err := c.session.Router().Retry(ctx, cmd.arg); err != nil {
			return c.sendError(err)
		}
	case "dismiss":
		if err := c.session.Router().Dismiss(cmd.arg); err != nil {
			return c.sendError(err)
		}
	case "notifications":
		if c.watcher == nil {
			return fmt.Errorf("notifications are not enabled")
		}
		return c.notifications(cmd.arg)
	case "stats":
		s, err := c.stats.Statistics(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "conversations %d (%d active), messages %d (sent %d, received %d), unread %d\n",
			s.TotalConversations, s.ActiveConversations, s.TotalMessages,
			s.TotalMessagesSent, s.TotalMessagesReceived, s.UnreadMessages)
		if c.outbox != nil {
			left, err := c.outbox.Remaining(ctx, c.outboxKey, ratelimit.RuleOutbox)
			if err == nil {
				fmt.Fprintf(c.out, "outbox %d of %d left this window\n", left, ratelimit.RuleOutbox.Limit)
			}
		}
	default:
		return fmt.Errorf("unknown command /%s, try /help", cmd.name)
	}
	return nil
}

func (c *console) notifications(arg string) error {
	sub, rest, _ := strings.Cut(arg, " ")
	switch sub {
	case "":
		fmt.Fprintf(c.out, "%d unread\n", c.watcher.Unread())
		for _, n := range c.watcher.Recent() {
			mark := " "
			if !n.IsRead {
				mark = "*"
			}
			fmt.Fprintf(c.out, "%s %d  %s: %s\n", mark, n.ID, n.Title, n.Message)
		}
	case "read":
		id, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("usage: /notifications read <id>")
		}
		if err := c.watcher.MarkRead(id); err != nil {
			return fmt.Errorf("mark notification read: %w", err)
		}
		fmt.Fprintf(c.out, "%d unread\n", c.watcher.Unread())
	case "refresh":
		if err := c.watcher.RefreshUnread(); err != nil {
			return fmt.Errorf("refresh unread count: %w", err)
		}
	default:
		return fmt.Errorf("usage: /notifications [read <id> | refresh]")
	}
	return nil
}

func (c *console) sendError(err error) error {
	switch {
	case errors.Is(err, delivery.ErrEmptyMessage):
		return fmt.Errorf("message is empty")
	case errors.Is(err, delivery.ErrNoConversation):
		return fmt.Errorf("no conversation open, use /list and /open")
	case errors.Is(err, delivery.ErrUnknownDraft):
		return fmt.Errorf("no failed message with that id, see /failed")
	}
	return err
}

func (c *console) printConversations(items []conversation.Conversation) {
	if len(items) == 0 {
		fmt.Fprintln(c.out, "no conversations")
		return
	}
	active := c.session.ConversationID()
	for _, conv := range items {
		fmt.Fprintln(c.out, formatConversation(conv, conv.ID == active))
	}
}

func formatConversation(c conversation.Conversation, active bool) string {
	var b strings.Builder
	if active {
		b.WriteString("> ")
	} else {
		b.WriteString("  ")
	}
	name := c.OtherUsername()
	if name == "" {
		name = "(unknown)"
	}
	fmt.Fprintf(&b, "%d  %s", c.ID, name)
	if c.TaskTitle != "" {
		fmt.Fprintf(&b, " [%s]", c.TaskTitle)
	}
	if c.UnreadCount > 0 {
		fmt.Fprintf(&b, " (%d unread)", c.UnreadCount)
	}
	if c.LastMessageContent != "" {
		fmt.Fprintf(&b, ": %s", truncate(c.LastMessageContent, 40))
	}
	return b.String()
}

func formatMessage(m chat.Message) string {
	ts := m.CreatedAt.Local().Format(time.Kitchen)
	line := fmt.Sprintf("[%s] %s: %s", ts, m.Sender.Username, m.Content)
	switch m.Status {
	case chat.StatusPending:
		line += " (sending)"
	case chat.StatusFailed:
		line += fmt.Sprintf(" (failed, /retry %s)", m.LocalID)
	}
	return line
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
