package buildbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// Discord manages the gateway session, and translates incoming messages
// and interactions into command invocations for the Router.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	router                      *Router
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	metricCommandsHandled       atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(
	config *DiscordConfig,
	router *Router,
	logger *slog.Logger,
) *Discord {
	return &Discord{
		config:                      config,
		router:                      router,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession creates a new discordgo session using the configured token
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// addHandlers registers gateway event handlers on the session, replacing
// any previously registered. Message and interaction handlers each run
// in their own goroutine, tracked by runtimeWG.
func (d *Discord) addHandlers(ctx context.Context, runtimeWG *sync.WaitGroup) {
	for _, remove := range d.discordgoRemoveHandlerFuncs {
		remove()
	}

	d.discordgoRemoveHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					d.handleMessage(ctx, m)
				}()
			},
		),
		d.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					d.handleInteraction(ctx, i)
				}()
			},
		),
	}
}

// open connects to the gateway and sets the bot's custom status
func (d *Discord) open(ctx context.Context) error {
	d.session.SetIntents(d.config.Intents())

	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.session.Open(); err != nil {
		d.logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if d.config.CustomStatus != "" {
		if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
			d.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
		}
	}
	return nil
}

func (d *Discord) close(ctx context.Context) error {
	for _, remove := range d.discordgoRemoveHandlerFuncs {
		remove()
	}
	d.discordgoRemoveHandlerFuncs = nil
	if d.session == nil {
		return nil
	}
	d.logger.InfoContext(ctx, "closing discord session")
	return d.session.Close()
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.String()
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", userID, "username", username),
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			"connects", d.metricConnects.Load(),
		)

		if d.config.NotificationChannelID == "" || d.config.StartupMessage == "" {
			return
		}
		d.logger.Info("sending notification")
		if _, sendErr := d.session.ChannelMessageSend(
			d.config.NotificationChannelID,
			d.config.StartupMessage,
			discordgo.WithRetryOnRatelimit(false),
			discordgo.WithRestRetries(1),
		); sendErr != nil {
			d.logger.Error("unable to send startup message", tint.Err(sendErr))
		} else {
			d.logger.Info("sent notification")
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			"disconnects", d.metricDisconnects.Load(),
		)
	}
}

// handleMessage handles prefix commands. Messages from bots, messages
// without the command prefix, and unknown commands are ignored.
func (d *Discord) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if m.Author.Bot {
		return
	}

	inv, ok := d.router.ParseMessage(m.Content, m.Author.String())
	if !ok {
		if strings.HasPrefix(m.Content, d.router.Prefix()) {
			d.logger.DebugContext(
				ctx,
				"ignoring unknown command",
				slog.Group("message", messageLogAttrs(m.Message)...),
			)
		}
		return
	}
	inv.ChannelID = m.ChannelID
	inv.GuildID = m.GuildID

	logger := d.logger.With(slog.Group("message", messageLogAttrs(m.Message)...))
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	reply, ok := d.dispatch(ctx, inv)
	if !ok {
		return
	}
	if err := d.channelMessageSend(m.ChannelID, reply); err != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
	}
}

// handleInteraction handles slash commands. Options are mapped directly
// to command arguments.
func (d *Discord) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	if i == nil || i.Interaction == nil {
		return
	}
	logger := d.logger.With(
		slog.Group("interaction", interactionLogAttrs(*i)...),
	)
	ctx = WithLogger(ctx, logger)

	if i.Type != discordgo.InteractionApplicationCommand {
		logger.DebugContext(ctx, "ignoring interaction")
		return
	}

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()

	u := getDiscordUser(i)
	if u == nil {
		logger.WarnContext(ctx, "no user found for interaction")
		return
	}
	if u.Bot {
		return
	}

	data := i.ApplicationCommandData()
	if _, ok := d.router.Handler(data.Name); !ok {
		logger.WarnContext(ctx, "unknown command", "command", data.Name)
		return
	}

	inv := newInvocation(data.Name, slashPrefix, u.String())
	inv.ChannelID = i.ChannelID
	inv.GuildID = i.GuildID
	inv.Args = map[string]string{}
	for name, opt := range discordInteractionOptions(i) {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			inv.Args[name] = opt.StringValue()
		}
	}

	reply, ok := d.dispatch(ctx, inv)
	if !ok {
		return
	}
	if err := d.interactionRespond(i.Interaction, reply); err != nil {
		logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
}

// dispatch runs the invocation, returning the reply to send and true if
// anything should be sent.
func (d *Discord) dispatch(ctx context.Context, inv Invocation) (string, bool) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = d.logger
	}
	reply, err := d.router.Dispatch(ctx, inv)
	d.metricCommandsHandled.Add(1)
	if err == nil {
		return reply, reply != ""
	}

	if errReply, ok := d.router.ErrorReply(inv, err); ok {
		return errReply, true
	}

	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		logger.ErrorContext(
			ctx,
			"storage error handling command",
			"invocation", inv,
			"op", storageErr.Op,
			tint.Err(err),
		)
	} else {
		logger.ErrorContext(
			ctx,
			"error handling command",
			"invocation", inv,
			tint.Err(err),
		)
	}
	return "", false
}

// channelMessageSend sends the given message to the given discord
// channel ID, split into multiple messages if it exceeds the maximum
// message length.
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	for _, chunk := range splitMessage(message, discordMaxMessageLength) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk, opts...); err != nil {
			return err
		}
	}
	return nil
}

// interactionRespond responds to an interaction with the first chunk of
// the message, and sends any remaining chunks as followup messages.
func (d *Discord) interactionRespond(
	interaction *discordgo.Interaction,
	message string,
) error {
	chunks := splitMessage(message, discordMaxMessageLength)
	err := d.session.InteractionRespond(
		interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: chunks[0]},
		},
	)
	if err != nil {
		return err
	}
	for _, chunk := range chunks[1:] {
		if _, err = d.session.FollowupMessageCreate(
			interaction,
			true,
			&discordgo.WebhookParams{Content: chunk},
		); err != nil {
			return err
		}
	}
	return nil
}

// applicationCommands returns a slash command for each registered
// command handler
func (d *Discord) applicationCommands() []*discordgo.ApplicationCommand {
	handlers := d.router.Handlers()
	commands := make([]*discordgo.ApplicationCommand, 0, len(handlers))
	for _, h := range handlers {
		cmd := &discordgo.ApplicationCommand{
			Name:        h.Name(),
			Description: h.Description(),
			Type:        discordgo.ChatApplicationCommand,
		}
		for _, p := range h.Params() {
			cmd.Options = append(
				cmd.Options,
				&discordgo.ApplicationCommandOption{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        p.Name,
					Description: p.Description,
					Required:    true,
				},
			)
		}
		commands = append(commands, cmd)
	}
	return commands
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		d.applicationCommands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	return created, nil
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// DiscordSessionHandler defines the methods from `discordgo.Session` used
// by the bot, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application
	// commands in bulk. If guildID is empty, commands are global.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// FollowupMessageCreate sends an additional message for an interaction
	// which has already been responded to
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetIntents sets the gateway intents sent when identifying
	SetIntents(intents discordgo.Intent)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetIntents(intents discordgo.Intent) {
	d.session.Identify.Intents = intents
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}
