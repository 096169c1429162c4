package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/buildbot/buildbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = buildbot.DefaultConfig()
	configFile string
)

// levelKeys are the config keys holding a *slog.LevelVar
var levelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "buildbot [flags]",
	Short: "Discord bot for sharing champion builds",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(viper.GetViper(), cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

// unmarshalConfig decodes v into c. Level fields are cleared first so
// LevelToStringHookFunc sees a *slog.LevelVar target (mapstructure decodes
// into the element of a non-nil pointer), and any level v doesn't set
// keeps its previous value.
func unmarshalConfig(v *viper.Viper, c *buildbot.Config) error {
	if c.Discord == nil {
		c.Discord = &buildbot.DiscordConfig{}
	}
	if c.API == nil {
		c.API = &buildbot.APIConfig{}
	}
	levels := []**slog.LevelVar{
		&c.LogLevel,
		&c.DatabaseLogLevel,
		&c.Discord.LogLevel,
		&c.Discord.DiscordGoLogLevel,
		&c.API.LogLevel,
	}
	previous := make([]*slog.LevelVar, len(levels))
	for i, lv := range levels {
		previous[i] = *lv
		*lv = nil
	}

	err := v.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)

	for i, lv := range levels {
		if *lv == nil {
			*lv = previous[i]
		}
	}
	return err
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (ex: "DEBUG") into *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("error loading env file %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", buildbot.DefaultDatabase)
	viper.SetDefault("database_type", buildbot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		buildbot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		buildbot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", buildbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", buildbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", buildbot.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.command_prefix", buildbot.DefaultCommandPrefix)
	viper.SetDefault(
		"discord.message_content_intent",
		buildbot.DefaultMessageContentIntent,
	)
	viper.SetDefault("discord.slash_commands", false)
	viper.SetDefault(
		"discord.log_level",
		buildbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		buildbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		buildbot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", buildbot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.custom_status", buildbot.DefaultDiscordCustomStatus)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	envPrefix := os.Getenv(buildbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = buildbot.DefaultEnvPrefix
	}

	// The prefixed variable wins, but a bare DISCORD_TOKEN is also accepted
	fatalErr(
		viper.BindEnv(
			"discord.token",
			envPrefix+"_DISCORD_TOKEN",
			buildbot.EnvvarDiscordToken,
		),
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.listen", buildbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", buildbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.requests_per_second", buildbot.DefaultAPIRequestsPerSecond)
	viper.SetDefault("api.read_timeout", buildbot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		buildbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", buildbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", buildbot.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))
	viper.SetDefault("api.ssl.tls_min_version", buildbot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		buildbot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		buildbot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		buildbot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", buildbot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		buildbot.DefaultAPICORSAllowCredentials,
	)

	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Log levels are decoded into *slog.LevelVar by LevelToStringHookFunc,
	// this just fails early with the offending key
	for _, key := range levelKeys {
		if _, err := getLogLevel(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load before reading configuration",
	)
}
