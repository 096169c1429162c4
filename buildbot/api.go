package buildbot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	pprofPrefix      = "/debug"
	apiPrefix        = "/api"
	apiHealthCheck   = "/healthz"
	apiPathBuilds    = "/builds/:champion"
	apiPathChampions = "/champions"
	xRequestIDHeader = "X-Request-ID"
)

var (
	structValidator = validator.New()
)

// BuildReader is the storage used by the API
type BuildReader interface {
	ListFor(ctx context.Context, champion string) ([]Build, error)
	Champions(ctx context.Context) ([]ChampionSummary, error)
}

// API serves a read-only view of saved builds over HTTP.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	listenMu   sync.Mutex
	engine     *gin.Engine
	limiter    *rate.Limiter
	logger     *slog.Logger
	handlers   *APIHandlers
}

// APIHandlers holds the route handlers for the API
type APIHandlers struct {
	store   BuildReader
	discord *Discord
}

// newAPI initializes the gin engine, middleware and routes. If SSL
// cert/key files are configured, they're loaded here.
func newAPI(
	config *APIConfig,
	store BuildReader,
	discord *Discord,
	logger *slog.Logger,
) (*API, error) {
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: logger,
		handlers: &APIHandlers{
			store:   store,
			discord: discord,
		},
	}

	var tlsCfg *tls.Config
	if config.SSL.CertFile != "" && config.SSL.KeyFile != "" {
		var err error
		tlsCfg, err = tlsConfig(
			config.SSL.CertFile,
			config.SSL.KeyFile,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = config.Development
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
	)
	if corsConfig.AllowAllOrigins || len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}
	if config.RequestsPerSecond > 0 {
		api.limiter = rate.NewLimiter(
			rate.Limit(config.RequestsPerSecond),
			max(1, int(config.RequestsPerSecond)),
		)
		r.Use(rateLimitMiddleware(api.limiter))
	}

	r.GET(apiHealthCheck, api.handlers.healthCheck)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	g := r.Group(apiPrefix)
	g.GET(apiPathBuilds, api.handlers.getBuilds)
	g.GET(apiPathChampions, api.handlers.getChampions)

	return api, nil
}

// Serve listens on the configured address and serves the API until
// the server is shut down.
func (a *API) Serve(ctx context.Context) error {
	a.listenMu.Lock()
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			a.listenMu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	ln := a.listener
	a.listenMu.Unlock()

	a.logger.InfoContext(
		ctx,
		"serving api",
		"address", ln.Addr().String(),
		"tls", a.httpServer.TLSConfig != nil,
	)
	return a.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server
func (a *API) Shutdown(ctx context.Context) error {
	err := a.httpServer.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// healthCheckResponse reports the gateway connection state
type healthCheckResponse struct {
	Status                  string `json:"status"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	DiscordConnects         int64  `json:"discord_connects"`
	DiscordDisconnects      int64  `json:"discord_disconnects"`
	CommandsHandled         int64  `json:"commands_handled"`
}

type buildsResponse struct {
	Champion string  `json:"champion"`
	Builds   []Build `json:"builds"`
}

type championsResponse struct {
	Champions []ChampionSummary `json:"champions"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

type championURI struct {
	Champion string `uri:"champion" binding:"required,max=100"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{Status: "ok"}
	if h.discord != nil {
		resp.DiscordGatewayConnected = h.discord.connected.Load()
		resp.DiscordConnects = h.discord.metricConnects.Load()
		resp.DiscordDisconnects = h.discord.metricDisconnects.Load()
		resp.CommandsHandled = h.discord.metricCommandsHandled.Load()
	}
	c.JSON(http.StatusOK, resp)
}

// getBuilds returns every build saved for the champion in the path.
//
// Responses:
//   - 200 OK: with a (possibly empty) list of builds
//   - 400 Bad Request: if the champion name is invalid
//   - 500 Internal Server Error: if the builds couldn't be retrieved
func (h *APIHandlers) getBuilds(c *gin.Context) {
	logger := ginContextLogger(c)

	var uri championURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	builds, err := h.store.ListFor(c.Request.Context(), uri.Champion)
	if err != nil {
		logger.ErrorContext(c, "error listing builds", tint.Err(err))
		_ = c.Error(err)
		ginReplyError(c, "error retrieving builds")
		return
	}
	c.JSON(
		http.StatusOK,
		buildsResponse{
			Champion: normalizeChampion(uri.Champion),
			Builds:   builds,
		},
	)
}

func (h *APIHandlers) getChampions(c *gin.Context) {
	logger := ginContextLogger(c)

	champions, err := h.store.Champions(c.Request.Context())
	if err != nil {
		logger.ErrorContext(c, "error listing champions", tint.Err(err))
		_ = c.Error(err)
		ginReplyError(c, "error retrieving champions")
		return
	}
	c.JSON(http.StatusOK, championsResponse{Champions: champions})
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// rateLimitMiddleware rejects requests with 429 Too Many Requests
// once the limiter's rate is exceeded
func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			ginContextLogger(c).Warn("rate limit exceeded")
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: http.StatusText(http.StatusTooManyRequests)},
			)
			return
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's been handled,
// along with its duration and any errors
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := logger.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
				"user_agent", c.Request.UserAgent(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				response,
			)
		}
	}
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
