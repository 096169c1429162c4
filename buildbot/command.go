package buildbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"sort"
	"strings"
	"unicode"
)

const (
	commandAdd    = "add"
	commandGet    = "get"
	commandDelete = "delete"
	commandHelp   = "help"
	slashPrefix   = "/"
)

var ErrUnknownCommand = errors.New("unknown command")

// BuildRepository is the storage used by command handlers
type BuildRepository interface {
	Add(ctx context.Context, champion, build, author string) error
	ListFor(ctx context.Context, champion string) ([]Build, error)
	DeleteFor(ctx context.Context, champion, author string) (int64, error)
}

// Param describes a command argument. All params are required.
// A Remainder param consumes the rest of the message, and must be last.
type Param struct {
	Name        string
	Description string
	Remainder   bool
}

// CommandHandler handles a single named command.
type CommandHandler interface {
	Name() string
	Description() string
	Params() []Param

	// Handle executes the command and returns the text to reply with.
	// Arguments have already been parsed into Invocation.Args.
	Handle(ctx context.Context, inv Invocation) (string, error)
}

// Invocation is a parsed command, from either a prefix-command message or
// a slash command interaction.
type Invocation struct {
	// ID is a random identifier used to correlate log messages
	ID string `json:"id"`

	// Command is the name of the handler to invoke
	Command string `json:"command"`

	// Prefix is what preceded the command name, ex: "!" or "/", and is
	// used when formatting usage hints
	Prefix string `json:"prefix"`

	// RawArgs is the unparsed text following the command name.
	// Ignored if Args is already set.
	RawArgs string `json:"raw_args,omitempty"`

	// Args holds argument values keyed by Param.Name
	Args map[string]string `json:"args,omitempty"`

	// Author is the identity string of the user who invoked the command
	Author string `json:"author"`

	ChannelID string `json:"channel_id,omitempty"`
	GuildID   string `json:"guild_id,omitempty"`
}

func newInvocation(command, prefix, author string) Invocation {
	return Invocation{
		ID:      uuid.NewString(),
		Command: command,
		Prefix:  prefix,
		Author:  author,
	}
}

func (inv Invocation) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", inv.ID),
		slog.String("command", inv.Command),
		slog.String("author", inv.Author),
	}
	if inv.ChannelID != "" {
		attrs = append(attrs, slog.String("channel_id", inv.ChannelID))
	}
	if inv.GuildID != "" {
		attrs = append(attrs, slog.String("guild_id", inv.GuildID))
	}
	return slog.GroupValue(attrs...)
}

// Arg returns the value of the named argument
func (inv Invocation) Arg(name string) string {
	return inv.Args[name]
}

// MissingArgumentError is returned when a required argument
// wasn't provided.
type MissingArgumentError struct {
	Param Param
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("missing required argument: %s", e.Param.Name)
}

// UnclosedQuoteError is returned when an argument opens a double quote
// that's never closed, ex: `!get "miss fortune`
type UnclosedQuoteError struct {
	Param Param
}

func (e *UnclosedQuoteError) Error() string {
	return fmt.Sprintf("expected closing quote for argument: %s", e.Param.Name)
}

// parseArgs parses input into values for params. Each non-remainder param
// takes a single whitespace-delimited word, or a double-quoted string.
// A remainder param takes the rest of the input, trimmed. Words beyond the
// last param are ignored.
func parseArgs(params []Param, input string) (map[string]string, error) {
	args := make(map[string]string, len(params))
	rest := input

	for _, p := range params {
		rest = strings.TrimLeftFunc(rest, unicode.IsSpace)

		if p.Remainder {
			value := strings.TrimSpace(rest)
			if value == "" {
				return args, &MissingArgumentError{Param: p}
			}
			args[p.Name] = value
			rest = ""
			continue
		}

		value, remaining, ok := nextWord(rest)
		if !ok {
			return args, &UnclosedQuoteError{Param: p}
		}
		rest = remaining
		if value == "" {
			return args, &MissingArgumentError{Param: p}
		}
		args[p.Name] = value
	}
	return args, nil
}

// nextWord returns the first word in s, and whatever follows it. s must
// not have leading whitespace. If s starts with a double quote, the word
// extends to the closing quote, and the quotes are removed. ok is false
// if the quote is never closed.
func nextWord(s string) (word string, rest string, ok bool) {
	if s == "" {
		return "", "", true
	}
	if strings.HasPrefix(s, `"`) {
		word, rest, found := strings.Cut(s[1:], `"`)
		if !found {
			return "", "", false
		}
		return strings.TrimSpace(word), rest, true
	}
	end := strings.IndexFunc(s, unicode.IsSpace)
	if end == -1 {
		return s, "", true
	}
	return s[:end], s[end:], true
}

// usage returns the usage string for a handler, ex: "!get <champion>"
func usage(prefix string, h CommandHandler) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(h.Name())
	for _, p := range h.Params() {
		b.WriteString(" <")
		b.WriteString(p.Name)
		b.WriteString(">")
	}
	return b.String()
}

// Router dispatches invocations to command handlers by name
type Router struct {
	prefix   string
	handlers map[string]CommandHandler
	logger   *slog.Logger
}

// NewRouter returns a Router with the add, get, delete and help
// commands registered.
func NewRouter(store BuildRepository, prefix string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		prefix:   prefix,
		handlers: map[string]CommandHandler{},
		logger:   logger,
	}
	r.Register(&addCommand{store: store})
	r.Register(&getCommand{store: store})
	r.Register(&deleteCommand{store: store})
	r.Register(&helpCommand{router: r})
	return r
}

// Register adds a handler, replacing any existing handler with
// the same name.
func (r *Router) Register(h CommandHandler) {
	r.handlers[h.Name()] = h
}

func (r *Router) Prefix() string {
	return r.prefix
}

// Handler returns the handler registered for the given name
func (r *Router) Handler(name string) (CommandHandler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Handlers returns all registered handlers, sorted by name
func (r *Router) Handlers() []CommandHandler {
	handlers := make([]CommandHandler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	sort.Slice(
		handlers, func(i, j int) bool {
			return handlers[i].Name() < handlers[j].Name()
		},
	)
	return handlers
}

// ParseMessage parses a message into an Invocation. The message must
// start with the router's prefix, immediately followed by the name of a
// registered command (case-sensitive). If it doesn't, false is returned.
func (r *Router) ParseMessage(content string, author string) (
	Invocation,
	bool,
) {
	if r.prefix == "" || !strings.HasPrefix(content, r.prefix) {
		return Invocation{}, false
	}
	afterPrefix := strings.TrimPrefix(content, r.prefix)
	if strings.HasPrefix(afterPrefix, `"`) {
		return Invocation{}, false
	}
	// afterPrefix can't start with a quote here, so nextWord can't fail
	name, rest, _ := nextWord(afterPrefix)
	if name == "" {
		return Invocation{}, false
	}
	if _, ok := r.handlers[name]; !ok {
		return Invocation{}, false
	}
	inv := newInvocation(name, r.prefix, author)
	inv.RawArgs = rest
	return inv, true
}

// Dispatch parses the invocation's arguments (unless already set) and
// runs the matching handler, returning its reply. If a required argument
// is missing, a *MissingArgumentError is returned (or *UnclosedQuoteError
// for an unterminated quote) and the handler is not called.
func (r *Router) Dispatch(ctx context.Context, inv Invocation) (
	string,
	error,
) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = r.logger
	}
	logger = logger.With("invocation", inv)

	h, ok := r.handlers[inv.Command]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, inv.Command)
	}

	if inv.Args == nil {
		args, err := parseArgs(h.Params(), inv.RawArgs)
		if err != nil {
			logger.InfoContext(ctx, "invalid arguments", tint.Err(err))
			return "", err
		}
		inv.Args = args
	} else {
		for _, p := range h.Params() {
			if strings.TrimSpace(inv.Args[p.Name]) == "" {
				err := &MissingArgumentError{Param: p}
				logger.InfoContext(ctx, "invalid arguments", tint.Err(err))
				return "", err
			}
		}
	}

	logger.InfoContext(ctx, "handling command", "args", inv.Args)
	reply, err := h.Handle(WithLogger(ctx, logger), inv)
	if err != nil {
		return "", fmt.Errorf("%s: %w", inv.Command, err)
	}
	return reply, nil
}

// ErrorReply returns a user-facing reply for an error returned by
// Dispatch. Only argument errors get a reply.
func (r *Router) ErrorReply(inv Invocation, err error) (string, bool) {
	h, ok := r.handlers[inv.Command]
	if !ok {
		return "", false
	}

	var argErr *MissingArgumentError
	var quoteErr *UnclosedQuoteError
	switch {
	case errors.As(err, &argErr):
		return fmt.Sprintf(
			"⚠️ Missing argument `%s`. Usage: `%s`",
			argErr.Param.Name,
			usage(inv.Prefix, h),
		), true
	case errors.As(err, &quoteErr):
		return fmt.Sprintf(
			"⚠️ Expected a closing quote for `%s`. Usage: `%s`",
			quoteErr.Param.Name,
			usage(inv.Prefix, h),
		), true
	default:
		return "", false
	}
}
