package buildbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/buildbot/buildbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var ErrMissingDiscordToken = errors.New(
	"missing discord token (set " + EnvvarDiscordToken + ")",
)

// BuildBot ties together the build store, command router, discord
// gateway session and (optionally) the HTTP API.
type BuildBot struct {
	config      *Config
	logger      *slog.Logger
	store       *BuildStore
	router      *Router
	discord     *Discord
	api         *API
	runMu       sync.Mutex
	signalReady chan struct{}
	startedAt   time.Time
}

// New validates the minimum required configuration and creates a new
// BuildBot. No connections are made until [BuildBot.Run] is called.
// If no discord token is set, ErrMissingDiscordToken is returned.
func New(config *Config) (*BuildBot, error) {
	if config == nil || config.Discord == nil || config.Discord.Token == "" {
		return nil, ErrMissingDiscordToken
	}
	if config.API == nil {
		config.API = &APIConfig{}
	}
	for _, lv := range []**slog.LevelVar{
		&config.LogLevel,
		&config.DatabaseLogLevel,
		&config.Discord.LogLevel,
		&config.Discord.DiscordGoLogLevel,
		&config.API.LogLevel,
	} {
		if *lv == nil {
			*lv = &slog.LevelVar{}
		}
	}

	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	b := &BuildBot{
		config:      config,
		signalReady: make(chan struct{}, 1),
		store:       &BuildStore{},
	}

	b.logger = slog.New(newLogHandler(config.LogLevel))
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel),
	)

	b.router = NewRouter(
		b.store,
		config.Discord.CommandPrefix,
		b.logger.With(loggerNameKey, "router"),
	)

	b.discord = newDiscord(
		config.Discord,
		b.router,
		slog.New(newLogHandler(config.Discord.LogLevel)).With(
			loggerNameKey,
			"discord",
		),
	)

	if config.API.Enabled {
		api, err := newAPI(
			config.API,
			b.store,
			b.discord,
			slog.New(newLogHandler(config.API.LogLevel)).With(
				loggerNameKey,
				"api",
			),
		)
		if err != nil {
			errs = append(errs, err)
		}
		b.api = api
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return b, nil
}

// ValidateConfig validates the bot's configuration
func (b *BuildBot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// Store returns the bot's build store. It's unusable until the
// database has been initialized by [BuildBot.Run].
func (b *BuildBot) Store() *BuildStore {
	return b.store
}

// RegisterSlashCommands registers a slash command for each command
// handler with discord.
func (b *BuildBot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(options...)
}

// Run initializes the database, connects to the discord gateway and
// (if enabled) starts the API. It blocks until ctx is canceled, then
// shuts down gracefully.
func (b *BuildBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runtimeWG := &sync.WaitGroup{}

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.initDB(startCtx); err != nil {
		logger.ErrorContext(ctx, "error initializing database", tint.Err(err))
		b.closeStore(ctx)
		return err
	}

	if err := b.initDiscordSession(startCtx, ctx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error starting discord session", tint.Err(err))
		return errors.Join(err, b.shutdown(ctx, runtimeWG))
	}

	apiErr := make(chan error, 1)
	if b.api != nil {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
				apiErr <- httpErr
			}
		}()
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready", "startup_duration", time.Since(b.startedAt))

	var runErr error
	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "context canceled, stopping")
	case runErr = <-apiErr:
		cancel()
	}

	return errors.Join(runErr, b.shutdown(ctx, runtimeWG))
}

// initDB opens the database, if not already open, and creates the
// builds table if needed
func (b *BuildBot) initDB(ctx context.Context) error {
	if b.store.db == nil {
		db, err := OpenDB(
			ctx,
			b.config.DatabaseType,
			b.config.Database,
			newLogHandler(b.config.DatabaseLogLevel),
			b.config.DatabaseSlowThreshold,
		)
		if err != nil {
			return err
		}
		b.store.db = db
	}
	b.logger.InfoContext(
		ctx,
		"initializing database",
		"database_type", b.config.DatabaseType,
	)
	return b.store.Init(ctx)
}

// initDiscordSession creates the discord session (if not already set),
// registers event handlers, then connects to the gateway. If slash
// commands are enabled, they're registered concurrently with the
// gateway connection.
func (b *BuildBot) initDiscordSession(
	startCtx context.Context,
	runCtx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return err
		}
		b.discord.session = session
	}

	b.discord.addHandlers(runCtx, runtimeWG)

	g, gctx := errgroup.WithContext(startCtx)
	g.Go(
		func() error {
			return b.discord.open(gctx)
		},
	)
	if b.config.Discord.SlashCommands {
		g.Go(
			func() error {
				_, err := b.RegisterSlashCommands(discordgo.WithContext(gctx))
				return err
			},
		)
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-done:
		return err
	}
}

// shutdown closes the gateway connection and HTTP server, then waits
// up to Config.ShutdownTimeout for in-flight commands before closing
// the database.
func (b *BuildBot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := b.logger
	shutdownStart := time.Now()
	logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", b.config.ShutdownTimeout,
	)

	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	var errs []error
	if err := b.discord.close(closeCtx); err != nil {
		logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		errs = append(errs, err)
	}

	if b.api != nil {
		if err := b.api.Shutdown(closeCtx); err != nil {
			logger.ErrorContext(ctx, "error shutting down api", tint.Err(err))
			errs = append(errs, err)
		}
	}

	finished := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"duration", time.Since(shutdownStart),
		)
	case <-closeCtx.Done():
		logger.ErrorContext(ctx, "shutdown timed out waiting on in-flight requests")
		errs = append(errs, errors.New("shutdown timed out"))
	}

	b.closeStore(ctx)
	logger.InfoContext(ctx, "shutdown complete", "duration", time.Since(shutdownStart))
	return errors.Join(errs...)
}

func (b *BuildBot) closeStore(ctx context.Context) {
	if b.store.db == nil {
		return
	}
	if err := b.store.Close(); err != nil {
		b.logger.ErrorContext(ctx, "error closing database", tint.Err(err))
	}
}
