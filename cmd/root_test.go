package cmd

import (
	"fmt"
	"github.com/arcward/buildbot/buildbot"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv clears the environment for the duration of the test
func clearEnv(t testing.TB) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
		},
	)
	os.Clearenv()
}

func assertLogLevel(t testing.TB, expected slog.Level, v *slog.LevelVar) {
	t.Helper()
	require.NotNil(t, v)
	assert.Equal(t, expected, v.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	clearEnv(t)

	tmpdir := t.TempDir()
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

BUILDBOT_DATABASE=/home/foo/buildbot.sqlite3
BUILDBOT_DATABASE_TYPE=sqlite
BUILDBOT_DATABASE_LOG_LEVEL=INFO
BUILDBOT_DATABASE_SLOW_THRESHOLD=150ms
BUILDBOT_LOG_LEVEL=DEBUG
BUILDBOT_STARTUP_TIMEOUT=20s
BUILDBOT_SHUTDOWN_TIMEOUT=45s

# Discord bot config

BUILDBOT_DISCORD_TOKEN=your-discord-bot-token
BUILDBOT_DISCORD_APPLICATION_ID=your-discord-bot-app-id
BUILDBOT_DISCORD_GUILD_ID=
BUILDBOT_DISCORD_COMMAND_PREFIX=?
BUILDBOT_DISCORD_MESSAGE_CONTENT_INTENT=false
BUILDBOT_DISCORD_SLASH_COMMANDS=true
BUILDBOT_DISCORD_LOG_LEVEL=WARN
BUILDBOT_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
BUILDBOT_DISCORD_STARTUP_MESSAGE="Builds are open!"
BUILDBOT_DISCORD_NOTIFICATION_CHANNEL_ID=12345
BUILDBOT_DISCORD_CUSTOM_STATUS="?get <champion>"
BUILDBOT_DISCORD_GATEWAY_INTENTS=3243773

# API server

BUILDBOT_API_ENABLED=true
BUILDBOT_API_DEVELOPMENT=true
BUILDBOT_API_LISTEN=127.0.0.1:5050
BUILDBOT_API_SSL_CERT_FILE=/etc/ssl/cert.pem
BUILDBOT_API_SSL_KEY_FILE=/etc/ssl/key.pem
BUILDBOT_API_SSL_TLS_MIN_VERSION=772
BUILDBOT_API_LOG_LEVEL=debug
BUILDBOT_API_REQUESTS_PER_SECOND=2.5
BUILDBOT_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5050 https://localhost:5050
BUILDBOT_API_CORS_ALLOW_METHODS=GET OPTIONS HEAD POST
BUILDBOT_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept X-Request-ID Cache-Control
BUILDBOT_API_CORS_ALLOW_CREDENTIALS=true
BUILDBOT_API_CORS_MAX_AGE=6h
BUILDBOT_API_READ_TIMEOUT=4s
BUILDBOT_API_READ_HEADER_TIMEOUT=3s
BUILDBOT_API_WRITE_TIMEOUT=9s
BUILDBOT_API_IDLE_TIMEOUT=25s
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	require.NoError(t, err)

	rootCmd.SetOut(&strings.Builder{})
	t.Cleanup(func() { rootCmd.SetOut(nil) })
	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/buildbot.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assertLogLevel(t, slog.LevelInfo, cfg.DatabaseLogLevel)
	assert.Equal(t, 150*time.Millisecond, cfg.DatabaseSlowThreshold)
	assertLogLevel(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 20*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "", cfg.Discord.GuildID)
	assert.Equal(t, "?", cfg.Discord.CommandPrefix)
	assert.False(t, cfg.Discord.MessageContentIntent)
	assert.True(t, cfg.Discord.SlashCommands)
	assertLogLevel(t, slog.LevelWarn, cfg.Discord.LogLevel)
	assertLogLevel(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel)
	assert.Equal(t, "Builds are open!", cfg.Discord.StartupMessage)
	assert.Equal(t, "12345", cfg.Discord.NotificationChannelID)
	assert.Equal(t, "?get <champion>", cfg.Discord.CustomStatus)
	assert.Equal(t, discordgo.Intent(3243773), cfg.Discord.GatewayIntents)

	assert.True(t, cfg.API.Enabled)
	assert.True(t, cfg.API.Development)
	assert.Equal(t, "127.0.0.1:5050", cfg.API.Listen)
	assert.Equal(t, "tcp", cfg.API.ListenNetwork)
	assert.Equal(t, "/etc/ssl/cert.pem", cfg.API.SSL.CertFile)
	assert.Equal(t, "/etc/ssl/key.pem", cfg.API.SSL.KeyFile)
	assert.Equal(t, uint16(772), cfg.API.SSL.TLSMinVersion)
	assertLogLevel(t, slog.LevelDebug, cfg.API.LogLevel)
	assert.Equal(t, 2.5, cfg.API.RequestsPerSecond)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5050", "https://localhost:5050"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(
		t,
		[]string{"GET", "OPTIONS", "HEAD", "POST"},
		cfg.API.CORS.AllowMethods,
	)
	assert.Equal(
		t,
		[]string{
			"Origin",
			"Content-Length",
			"Content-Type",
			"Accept",
			"X-Request-ID",
			"Cache-Control",
		},
		cfg.API.CORS.AllowHeaders,
	)
	assert.True(t, cfg.API.CORS.AllowCredentials)
	assert.Equal(t, 6*time.Hour, cfg.API.CORS.MaxAge)
	assert.Equal(t, 4*time.Second, cfg.API.ReadTimeout)
	assert.Equal(t, 3*time.Second, cfg.API.ReadHeaderTimeout)
	assert.Equal(t, 9*time.Second, cfg.API.WriteTimeout)
	assert.Equal(t, 25*time.Second, cfg.API.IdleTimeout)
}

func TestLoadConfigLegacyToken(t *testing.T) {
	clearEnv(t)
	t.Setenv(buildbot.EnvvarDiscordToken, "legacy-token")

	rootCmd.SetOut(&strings.Builder{})
	t.Cleanup(func() { rootCmd.SetOut(nil) })
	rootCmd.SetArgs([]string{"--config=", "version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "legacy-token", cfg.Discord.Token)

	// the prefixed variable takes precedence
	t.Setenv("BUILDBOT_DISCORD_TOKEN", "prefixed-token")
	rootCmd.SetArgs([]string{"--config=", "version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "prefixed-token", cfg.Discord.Token)
}

func TestLoadConfigEnvPrefix(t *testing.T) {
	clearEnv(t)
	t.Setenv(buildbot.EnvvarSetEnvPrefix, "CHAMPS")
	t.Setenv("CHAMPS_DISCORD_TOKEN", "champs-token")
	t.Setenv("CHAMPS_DISCORD_COMMAND_PREFIX", "$")

	rootCmd.SetOut(&strings.Builder{})
	t.Cleanup(func() { rootCmd.SetOut(nil) })
	rootCmd.SetArgs([]string{"--config=", "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "champs-token", cfg.Discord.Token)
	assert.Equal(t, "$", cfg.Discord.CommandPrefix)
}

func TestUnmarshalConfigLevels(t *testing.T) {
	v := viper.New()
	v.Set("log_level", "DEBUG")
	v.Set("database_log_level", "error")
	v.Set("discord.log_level", "INFO")
	v.Set("discord.token", "foo")
	v.Set("api.log_level", "WARN")
	v.Set("api.cors.allow_origins", "https://a.example.com https://b.example.com")

	c := buildbot.DefaultConfig()
	discordgoLevel := c.Discord.DiscordGoLogLevel
	require.NoError(t, unmarshalConfig(v, c))

	assertLogLevel(t, slog.LevelDebug, c.LogLevel)
	assertLogLevel(t, slog.LevelError, c.DatabaseLogLevel)
	assertLogLevel(t, slog.LevelInfo, c.Discord.LogLevel)
	assertLogLevel(t, slog.LevelWarn, c.API.LogLevel)
	assert.Equal(t, "foo", c.Discord.Token)
	assert.Equal(
		t,
		[]string{"https://a.example.com", "https://b.example.com"},
		c.API.CORS.AllowOrigins,
	)

	// not set, so the default is kept
	assert.Same(t, discordgoLevel, c.Discord.DiscordGoLogLevel)
	assertLogLevel(t, buildbot.DefaultDiscordgoLogLevel, c.Discord.DiscordGoLogLevel)

	// decoding again into the same config still works
	v.Set("log_level", "WARN")
	require.NoError(t, unmarshalConfig(v, c))
	assertLogLevel(t, slog.LevelWarn, c.LogLevel)
}

func TestUnmarshalConfigInvalidLevel(t *testing.T) {
	v := viper.New()
	v.Set("api.log_level", "LOUD")

	c := buildbot.DefaultConfig()
	require.Error(t, unmarshalConfig(v, c))
	assert.NotNil(t, c.API.LogLevel)
}

func TestGetLogLevel(t *testing.T) {
	for input, expected := range map[string]slog.Level{
		"DEBUG": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
	} {
		lvl, err := getLogLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, lvl, input)
	}

	_, err := getLogLevel("loud")
	assert.Error(t, err)
}
