package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/nrednav/cuid2"
	"github.com/prometheus/client_golang/prometheus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"uk.co.dudmesh.courier/internal/boot"
	"uk.co.dudmesh.courier/internal/dispatch"
	"uk.co.dudmesh.courier/internal/events"
	"uk.co.dudmesh.courier/internal/handlers"
	"uk.co.dudmesh.courier/internal/metrics"
	"uk.co.dudmesh.courier/internal/model"
	"uk.co.dudmesh.courier/internal/service/session"
	"uk.co.dudmesh.courier/internal/service/user"
	"uk.co.dudmesh.courier/internal/store"
	"uk.co.dudmesh.courier/internal/transport"
	"uk.co.dudmesh.courier/internal/transport/loopback"
	"uk.co.dudmesh.courier/internal/transport/whatsapp"
	"uk.co.dudmesh.courier/pkg/crypt"
)

type SessionService interface {
	handlers.SessionService
	Reconcile(ctx context.Context) (int, error)
}

type UserService interface {
	handlers.UserService
}

type config struct {
	boot.Config
	db             *store.Store
	hub            *events.Hub
	sessionService SessionService
	userService    UserService
	signer         *crypt.Signer
}

func parseLevel(level string) log.Lvl {
	switch strings.ToLower(level) {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	case "off":
		return log.OFF
	default:
		return log.INFO
	}
}

func newLogger(prefix string, level log.Lvl) *log.Logger {
	logger := log.New(prefix)
	logger.SetLevel(level)
	logger.SetHeader("${time_rfc3339} ${level} ${prefix} ${short_file}:${line}")
	return logger
}

// openTransport connects the configured messaging network. An unpaired
// whatsapp device logs pairing codes and reports disconnected until it is
// scanned.
func openTransport(ctx context.Context, bootConfig *boot.Config, level log.Lvl) (transport.Port, error) {
	if bootConfig.Transport.Kind == boot.TransportLoopback {
		return loopback.New(newLogger("loopback", level)), nil
	}

	logger := newLogger("whatsapp", level)
	if err := os.MkdirAll(bootConfig.DataDirectory(), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+bootConfig.WhatsAppStorePath()+"?_foreign_keys=on", whatsapp.Logger(logger, "store"))
	if err != nil {
		return nil, fmt.Errorf("opening device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading device: %w", err)
	}

	client := whatsmeow.NewClient(device, whatsapp.Logger(logger, "client"))
	port := whatsapp.New(client, whatsapp.Options{
		LogoutOnClose: bootConfig.Transport.LogoutOnClose,
		Logger:        logger,
	})

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("requesting pairing codes: %w", err)
		}
		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					logger.Infof("scan to pair device: %s", evt.Code)
				} else {
					logger.Infof("pairing: %s", evt.Event)
				}
			}
		}()
	}
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	return port, nil
}

func newConfig(ctx context.Context, bootConfig *boot.Config) (*config, error) {
	level := parseLevel(bootConfig.LogLevel)

	if err := os.MkdirAll(bootConfig.DataDirectory(), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := store.Open("file:" + bootConfig.DatabasePath() + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	port, err := openTransport(ctx, bootConfig, level)
	if err != nil {
		return nil, err
	}

	defaults, err := bootConfig.SessionDefaults()
	if err != nil {
		return nil, err
	}

	observer := metrics.New(prometheus.DefaultRegisterer)
	engine := dispatch.New(port, dispatch.Options{
		RetryBackoff: bootConfig.Dispatch.RetryBackoff,
		Logger:       newLogger("dispatch", level),
		Observer:     observer,
	})
	hub := events.NewHub(newLogger("events", level))

	key, err := crypt.LoadOrCreateSigningKey(bootConfig.SigningKeyPath(), bootConfig.Auth.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("loading signing key: %w", err)
	}

	return &config{
		Config: *bootConfig,
		db:     db,
		hub:    hub,
		sessionService: session.New(db, port, engine, session.Options{
			Defaults:  defaults,
			Publisher: hub,
			Observer:  observer,
			Logger:    newLogger("session", level),
		}),
		userService: user.New(db),
		signer:      crypt.NewSigner(key, bootConfig.Auth.TokenTTL),
	}, nil
}

func (c *config) bootstrapAccount(ctx context.Context) error {
	if c.Auth.BootstrapUser == "" {
		return nil
	}
	_, err := c.userService.Create(ctx, &model.CreateUserParams{
		Username: c.Auth.BootstrapUser,
		Password: c.Auth.BootstrapPass,
	})
	if err != nil && !errors.Is(err, model.ErrorUsernameTaken) {
		return fmt.Errorf("creating bootstrap account: %w", err)
	}
	return nil
}

func main() {
	bootConfig, err := boot.Load()
	if err != nil {
		log.Fatalf("boot: %+v", err)
	}

	logger := newLogger("courier", parseLevel(bootConfig.LogLevel))
	ctx := context.Background()

	config, err := newConfig(ctx, bootConfig)
	if err != nil {
		logger.Fatalf("starting: %+v", err)
	}
	defer config.db.Close()

	if n, err := config.sessionService.Reconcile(ctx); err != nil {
		logger.Fatalf("reconciling sessions: %+v", err)
	} else if n > 0 {
		logger.Warnf("%d session(s) were interrupted by the last shutdown", n)
	}
	if err := config.bootstrapAccount(ctx); err != nil {
		logger.Fatalf("%+v", err)
	}

	server := echo.New()
	server.HideBanner = true
	server.Logger = logger
	server.HTTPErrorHandler = handlers.ErrorHandler(logger)

	server.Use(middleware.BodyLimit("10M"))
	server.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			return cuid2.Generate()
		},
	}))
	server.Use(echoprometheus.NewMiddleware("courier"))
	server.Use(middleware.Recover())

	headers := []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization}
	server.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     config.AllowedOrigins(),
		AllowHeaders:     headers,
		AllowCredentials: true,
	}))

	api := server.Group("")
	if config.Auth.Enabled {
		api.Use(handlers.RequireAccount(config.signer))

		server.POST("/login", handlers.Login(config.userService, config.signer))
		server.GET("/.well-known/jwks.json", handlers.JWKS(config.signer))
		if config.Auth.AllowSignup {
			server.POST("/accounts", handlers.CreateUser(config.userService))
		} else {
			api.POST("/accounts", handlers.CreateUser(config.userService))
		}
	} else {
		logger.Warnf("authentication disabled, all sessions are visible to every caller")
	}

	api.POST("/sessions", handlers.LaunchSession(config.sessionService))
	api.GET("/sessions/active", handlers.ListActiveSessions(config.sessionService))
	api.GET("/sessions/:id", handlers.GetSession(config.sessionService))
	api.GET("/sessions/:id/status", handlers.SessionStatus(config.sessionService))
	api.POST("/sessions/:id/stop", handlers.StopSession(config.sessionService))
	api.GET("/transport/status", handlers.TransportStatus(config.sessionService))
	api.POST("/transport/disconnect", handlers.DisconnectTransport(config.sessionService))
	api.GET("/events", handlers.Events(config.hub, handlers.NewUpgrader(config.AllowedOrigins())))

	metricsServer := echo.New()
	metricsServer.HideBanner = true
	metricsServer.GET("/metrics", echoprometheus.NewHandler())
	go func() {
		if err := metricsServer.Start(":" + config.Server.MetricsPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(err)
		}
	}()

	go func() {
		if err := server.Start(":" + config.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
	defer cancel()

	if err := config.sessionService.HaltAll(shutdownCtx, true); err != nil {
		logger.Errorf("halting sessions: %v", err)
	}
	config.hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutting down server: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutting down metrics: %v", err)
	}
}
