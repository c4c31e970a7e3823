// Package command is the built-in bot logic: a handful of text commands plus
// canned replies loaded from YAML.
package command

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"gchatbridge/internal/domain"
)

// Command is a parsed chat command.
type Command struct {
	Name string   // lowercased, without a leading "/"
	Args []string // words after the command
	Raw  string
}

// ParseCommand splits text into a command and its arguments. It returns nil
// for blank text.
func ParseCommand(text string) *Command {
	text = strings.TrimSpace(text)
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}
	cmd := &Command{
		Name: strings.ToLower(strings.TrimPrefix(parts[0], "/")),
		Raw:  text,
	}
	if len(parts) > 1 {
		cmd.Args = parts[1:]
	}
	return cmd
}

// RouterOptions configures a Router.
type RouterOptions struct {
	BotName string
	Version string
	Replies []CannedReply
	Logger  logrus.FieldLogger
}

// Router implements domain.Handler.
type Router struct {
	botName string
	version string
	replies []CannedReply
	start   time.Time
	logger  logrus.FieldLogger
}

var _ domain.Handler = (*Router)(nil)

func NewRouter(opts RouterOptions) *Router {
	if opts.BotName == "" {
		opts.BotName = "gchatbridge"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Router{
		botName: opts.BotName,
		version: opts.Version,
		replies: opts.Replies,
		start:   time.Now(),
		logger:  opts.Logger,
	}
}

// Handle answers one event. Events that need no answer return nil.
func (r *Router) Handle(ctx context.Context, req *domain.Request) error {
	msg := req.Message
	switch msg.Type {
	case domain.EventAddedToSpace:
		return req.Reply(ctx, r.greeting(msg))
	case domain.EventRemovedFromSpace:
		r.logger.WithField("space", msg.Space).Info("removed from space")
		return nil
	case domain.EventCardClicked:
		method := ""
		if msg.Action != nil {
			method = msg.Action.Method
		}
		return req.Reply(ctx, fmt.Sprintf("Received card action `%s`.", method))
	case domain.EventMessage:
		text := r.respond(ctx, req)
		if text == "" {
			return nil
		}
		return req.Reply(ctx, text)
	default:
		r.logger.WithField("event_type", msg.Type).Debug("ignoring event")
		return nil
	}
}

func (r *Router) respond(ctx context.Context, req *domain.Request) string {
	msg := req.Message
	cmd := ParseCommand(msg.Body)
	if cmd == nil {
		if len(msg.Attachments) > 0 {
			return r.filesText(ctx, req)
		}
		return ""
	}

	switch cmd.Name {
	case "help":
		return r.helpText()
	case "ping":
		return "pong"
	case "whoami":
		return whoamiText(msg)
	case "version":
		return fmt.Sprintf("%s %s (%s/%s, %s)", r.botName, r.version, runtime.GOOS, runtime.GOARCH, runtime.Version())
	case "uptime":
		return fmt.Sprintf("Uptime: %s", time.Since(r.start).Round(time.Second))
	case "files":
		return r.filesText(ctx, req)
	}

	for _, reply := range r.replies {
		if reply.Matches(msg.Body) {
			r.logger.WithField("reply", reply.Name).Debug("canned reply matched")
			return reply.Render(displayName(msg.Sender), msg.Body)
		}
	}
	return fmt.Sprintf("Unknown command `%s`. Type `help` to see what I can do.", cmd.Name)
}

func (r *Router) greeting(msg domain.CanonicalMessage) string {
	if msg.SpaceType == "DM" {
		return fmt.Sprintf("Hi %s! I'm %s. Type `help` to see what I can do.", displayName(msg.Sender), r.botName)
	}
	return fmt.Sprintf("Thanks for adding me! Mention @%s with `help` to see what I can do.", r.botName)
}

func (r *Router) helpText() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s commands**\n\n", r.botName)
	sb.WriteString("`help` show this message\n")
	sb.WriteString("`ping` check that I'm alive\n")
	sb.WriteString("`whoami` show what I know about you\n")
	sb.WriteString("`version` show the bridge version\n")
	sb.WriteString("`uptime` show how long I've been running\n")
	sb.WriteString("`files` list the attachments of your message\n")
	if len(r.replies) > 0 {
		names := make([]string, 0, len(r.replies))
		for _, reply := range r.replies {
			names = append(names, reply.Name)
		}
		fmt.Fprintf(&sb, "\nCanned replies: %s\n", strings.Join(names, ", "))
	}
	return sb.String()
}

func whoamiText(msg domain.CanonicalMessage) string {
	s := msg.Sender
	if s.Name == "" {
		return "I don't know who you are."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are **%s** (`%s`)", displayName(s), s.Name)
	if s.Email != "" {
		fmt.Fprintf(&sb, ", %s", s.Email)
	}
	if msg.Space != "" {
		fmt.Fprintf(&sb, "\nSpace: `%s`", msg.Space)
	}
	if msg.Thread != "" {
		fmt.Fprintf(&sb, "\nThread: `%s`", msg.Thread)
	}
	return sb.String()
}

// filesText downloads each uploaded attachment and reports its size.
func (r *Router) filesText(ctx context.Context, req *domain.Request) string {
	atts := req.Message.Attachments
	if len(atts) == 0 {
		return "Your message has no attachments."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d attachment(s):\n", len(atts))
	for _, ref := range atts {
		name := ref.Name
		if name == "" {
			name = ref.Resource
		}
		fmt.Fprintf(&sb, "- %s: %s\n", name, r.describe(ctx, req.Downloader, ref))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (r *Router) describe(ctx context.Context, dl domain.Downloader, ref domain.AttachmentRef) string {
	if dl == nil {
		return "downloads are disabled"
	}
	data, err := dl.Fetch(ctx, ref)
	switch {
	case err == nil:
		return fmt.Sprintf("%d bytes", len(data))
	case errors.Is(err, domain.ErrUnsupportedSource):
		return fmt.Sprintf("stored in %s, not downloadable", ref.Kind)
	case errors.Is(err, domain.ErrNotFound):
		return "not found"
	case errors.Is(err, domain.ErrAuthExpired):
		return "access denied"
	default:
		r.logger.WithError(err).WithField("resource", ref.Resource).Warn("attachment download failed")
		return "download failed"
	}
}

func displayName(s domain.Sender) string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	if s.Name != "" {
		return s.Name
	}
	return "there"
}
