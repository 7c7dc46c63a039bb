package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"talk2task/api"
	"talk2task/config"
	"talk2task/domain"
	"talk2task/extract"
	"talk2task/integrations"
	"talk2task/pipeline"
	"talk2task/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := newBackend(ctx, cfg)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	defer closeBackend()

	rc := redis.NewClient(storage.ParseRedisOptions(cfg.Redis.ConnectionString))
	defer rc.Close()

	auth, err := newAuthenticator(ctx, cfg)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	var failures integrations.FailureSink
	if cfg.Store.SyncFailureQueue != "" && cfg.Store.ConnectionString != "" {
		q, err := storage.NewSyncFailureQueue(cfg.Store.ConnectionString, cfg.Store.SyncFailureQueue)
		if err != nil {
			logger.Fatalf("sync failure queue: %v", err)
		}
		failures = q
	}

	httpClient := &http.Client{Timeout: cfg.Dispatch.Timeout}
	oauthConfigs := map[domain.Platform]*oauth2.Config{}
	var platforms []integrations.Platform
	if cfg.GoogleEnabled() {
		oc := integrations.GoogleOAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
		oauthConfigs[domain.PlatformGoogleCalendar] = oc
		platforms = append(platforms, integrations.NewCalendar(integrations.CalendarConfig{
			OAuth:         oc,
			CalendarID:    cfg.Google.CalendarID,
			EventDuration: cfg.Dispatch.EventDuration,
			HTTPClient:    httpClient,
		}, backend, logger))
	}
	if cfg.NotionEnabled() {
		oauthConfigs[domain.PlatformNotion] = integrations.NotionOAuthConfig(cfg.Notion.ClientID, cfg.Notion.ClientSecret, cfg.Notion.RedirectURL)
		platforms = append(platforms, integrations.NewNotes(cfg.Notion.DatabaseID, integrations.NotionPages(httpClient)))
	}

	dispatcher := integrations.NewDispatcher(integrations.DispatcherConfig{
		MaxMirrors: cfg.Dispatch.MaxMirrors,
		Timeout:    cfg.Dispatch.Timeout,
	}, backend, storage.NewRedisClaims(rc, cfg.Redis.DeduperTTL), failures, logger, platforms...)

	gateway := extract.New(extract.Config{
		BaseURL: cfg.Completion.BaseURL,
		APIKey:  cfg.Completion.APIKey,
		Model:   cfg.Completion.Model,
		Timeout: cfg.Completion.Timeout,
	}, nil)

	tasks := storage.NewCache(backend, rc, cfg.Redis.TasksCacheTTL)
	svc := pipeline.New(gateway, tasks, backend, dispatcher, pipeline.Options{
		FallbackOnUpstreamError: cfg.Pipeline.FallbackOnUpstreamError,
	}, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(api.RequestID())
	e.Use(api.RequestBody())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{cfg.AppBaseURL},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
	}))

	api.Register(e, api.Deps{
		Pipeline:    svc,
		Credentials: backend,
		Connector:   integrations.NewConnector(httpClient, oauthConfigs),
		States:      api.NewOAuthStates(rc),
		Auth:        auth,
		Deduper:     storage.NewRedisDeduper(rc, cfg.Redis.DeduperTTL),
		AppBaseURL:  cfg.AppBaseURL,
		Logger:      logger,
	})

	logger.WithFields(log.Fields{
		"addr":      cfg.ListenAddr,
		"backend":   cfg.Store.Backend,
		"auth_mode": cfg.Auth.Mode,
		"platforms": len(platforms),
	}).Info("talk2task starting")

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server: %v", err)
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown")
	}
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}

func newBackend(ctx context.Context, cfg config.Config) (storage.Backend, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMongo:
		m, err := storage.NewMongo(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		if err := m.EnsureIndexes(ctx); err != nil {
			return nil, nil, fmt.Errorf("mongo indexes: %w", err)
		}
		return m, func() { _ = m.Close(context.Background()) }, nil
	default:
		t, err := storage.NewTables(cfg.Store.ConnectionString, storage.TableNames{
			Tasks:         cfg.Store.TasksTable,
			Credentials:   cfg.Store.CredentialsTable,
			Conversations: cfg.Store.ConversationsTable,
		})
		if err != nil {
			return nil, nil, err
		}
		return t, func() {}, nil
	}
}

func newAuthenticator(ctx context.Context, cfg config.Config) (api.Authenticator, error) {
	switch cfg.Auth.Mode {
	case config.AuthHS256:
		return api.NewHS256Auth([]byte(cfg.Auth.SharedSecret), cfg.Auth.Audience, ""), nil
	case config.AuthFirebase:
		return api.NewFirebaseAuth(ctx, cfg.Auth.FirebaseServiceAccount)
	default:
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth.Domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
			RefreshInterval: cfg.Auth.JWKSCacheTTL,
			RefreshErrorHandler: func(err error) {
				log.WithError(err).Warn("jwks refresh failed")
			},
		})
		if err != nil {
			return nil, fmt.Errorf("jwks: %w", err)
		}
		return api.NewJWKSAuth(jwks, cfg.Auth.Audience, "https://"+cfg.Auth.Domain+"/", cfg.Auth.JWKSCacheTTL), nil
	}
}
