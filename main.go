package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource"
	_ "github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource/mssql"
	_ "github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource/mysql"
	_ "github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource/postgres"
	_ "github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource/sqlite"
	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/config"
	"github.com/ekaya-inc/ontask-engine/pkg/crypto"
	"github.com/ekaya-inc/ontask-engine/pkg/database"
	"github.com/ekaya-inc/ontask-engine/pkg/handlers"
	"github.com/ekaya-inc/ontask-engine/pkg/ingest"
	mcpserver "github.com/ekaya-inc/ontask-engine/pkg/mcp"
	mcpauth "github.com/ekaya-inc/ontask-engine/pkg/mcp/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/mcp/tools"
	"github.com/ekaya-inc/ontask-engine/pkg/middleware"
	"github.com/ekaya-inc/ontask-engine/pkg/plugins"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories"
	"github.com/ekaya-inc/ontask-engine/pkg/repositories/memory"
	"github.com/ekaya-inc/ontask-engine/pkg/services"
	"github.com/ekaya-inc/ontask-engine/pkg/services/workqueue"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" || env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// storage is the persistence wiring of one backend.
type storage struct {
	tx     services.Transactor
	repos  *services.Repositories
	scopes database.ScopeProvider
	pinger handlers.Pinger
	close  func()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("leases", cfg.Lease.Backend),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.Int("connections", len(cfg.Connections)),
		zap.Bool("mcp", cfg.MCP.Enabled))

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.close()

	// Services
	leaseManager := services.NewLeaseManager(store.repos.Leases, logger)
	propagator := services.NewPropagator(store.repos, logger)
	frameStore := services.NewFrameStore(store.tx, leaseManager, store.repos, propagator, logger)
	schemaCatalog := services.NewSchemaCatalog(store.tx, leaseManager, store.repos, frameStore, propagator, logger)
	mergeService := services.NewMergeService(store.tx, leaseManager, store.repos, propagator, logger)
	uploadService := services.NewUploadService(store.tx, leaseManager, store.repos, mergeService, logger)
	workflowService := services.NewWorkflowService(store.tx, leaseManager, store.repos, logger)
	viewService := services.NewViewService(store.tx, leaseManager, store.repos, logger)
	actionService := services.NewActionService(store.tx, leaseManager, store.repos, logger)
	transportService := services.NewTransportService(store.tx, store.repos, propagator, cfg.Upload.MaxSize, logger)

	registry, err := loadPlugins(cfg)
	if err != nil {
		return err
	}
	queue := workqueue.New(logger, workqueue.WithStrategy(workqueue.NewThrottledPluginStrategy(cfg.Plugins.MaxConcurrent)))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := queue.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Work queue did not drain", zap.Error(err))
		}
	}()
	pluginService := services.NewPluginService(store.tx, leaseManager, store.repos, registry,
		plugins.NewRunner(logger), queue, mergeService, store.scopes, logger)

	sources := ingest.NewSources(cfg, datasource.NewReaderFactory(), logger)

	var encryptor *crypto.CredentialEncryptor
	if cfg.CredentialsKey != "" {
		encryptor, err = crypto.NewCredentialEncryptor(cfg.CredentialsKey)
		if err != nil {
			return fmt.Errorf("invalid credentials key: %w", err)
		}
	} else {
		logger.Info("CREDENTIALS_KEY not set; prompted SQL passwords are not kept between upload steps")
	}

	// Authentication
	jwksClient, err := auth.NewJWKSClient(&auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
		Audience:           cfg.Auth.Audience,
	})
	if err != nil {
		return fmt.Errorf("failed to create JWKS client: %w", err)
	}
	defer jwksClient.Close()
	authService := auth.NewAuthService(jwksClient, logger)

	secret := cfg.Session.CookieSecret
	if secret == "" {
		logger.Warn("SESSION_SECRET not set; editing sessions will not survive a restart")
		secret = uuid.NewString()
	}
	sessions := auth.NewSessionManager(secret, cfg.Session.TTL, auth.DeriveCookieSettings(cfg.BaseURL, cfg.Session.Secure))
	authMiddleware := auth.NewMiddleware(authService, sessions, logger)
	scope := handlers.ScopeMiddleware(database.WithRequestScope(store.scopes, logger))

	mux := http.NewServeMux()

	handlers.NewHealthHandler(cfg, store.pinger, logger).RegisterRoutes(mux)
	handlers.NewWorkflowsHandler(workflowService, frameStore, leaseManager, logger).RegisterRoutes(mux, authMiddleware, scope)
	handlers.NewColumnsHandler(schemaCatalog, frameStore, logger).RegisterRoutes(mux, authMiddleware, scope)
	handlers.NewTableHandler(frameStore, viewService, mergeService, logger).RegisterRoutes(mux, authMiddleware, scope)
	handlers.NewViewsHandler(viewService, logger).RegisterRoutes(mux, authMiddleware, scope)
	handlers.NewActionsHandler(actionService, logger).RegisterRoutes(mux, authMiddleware, scope)
	handlers.NewUploadHandler(uploadService, sources, cfg.Upload, encryptor, logger).RegisterRoutes(mux, authMiddleware, scope)
	handlers.NewTransportHandler(transportService, cfg.Upload, logger).RegisterRoutes(mux, authMiddleware, scope)
	handlers.NewConnectionsHandler(cfg.Connections, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewPluginsHandler(pluginService, logger).RegisterRoutes(mux, authMiddleware, scope)

	if cfg.MCP.Enabled {
		mcpServer := mcpserver.NewServer("ontask-engine", cfg.Version, logger)
		tools.RegisterWorkflowTools(mcpServer.MCP(), &tools.WorkflowToolDeps{
			Workflows: workflowService,
			Frames:    frameStore,
			Views:     viewService,
			MaxRows:   cfg.MCP.MaxRows,
			Logger:    logger.Named("mcp-tools"),
		})
		streamable := mcpServer.NewStreamableHTTPServer()
		var handler http.Handler = http.HandlerFunc(scope(streamable.ServeHTTP))
		handler = middleware.MCPRequestLogger(logger)(handler)
		handler = mcpauth.NewMiddleware(authService, cfg.MCP.Role, logger).RequireAuth(handler)
		mux.Handle("/mcp", handler)
		logger.Info("MCP endpoint mounted", zap.String("path", "/mcp"), zap.Int("max_rows", cfg.MCP.MaxRows))
	}

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting ontask-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version),
			zap.Bool("tls", cfg.TLSCertPath != ""))
		if cfg.TLSCertPath != "" {
			serverErrors <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// openStorage connects the configured storage and lease backends. Postgres
// storage runs pending migrations before serving.
func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storage, error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var leases repositories.LeaseRepository
	switch cfg.Lease.Backend {
	case config.BackendRedis:
		client, err := database.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		leases = repositories.NewRedisLeaseRepository(client)
	case config.BackendMemory:
		leases = memory.NewLeaseRepository()
	}

	if cfg.Storage.Backend == config.BackendMemory {
		logger.Warn("Using the memory storage backend; workflows are lost on restart")
		store := memory.NewStore()
		return &storage{
			tx:     memory.NewTransactor(store),
			repos:  services.NewMemoryRepositories(store, leases),
			scopes: database.NoopScopeProvider{},
			close:  closeAll,
		}, nil
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
	}, logger)
	if err != nil {
		closeAll()
		return nil, err
	}
	closers = append(closers, db.Close)
	if err := database.RunMigrations(cfg.Database.URL(), cfg.Storage.MigrationsPath, logger); err != nil {
		closeAll()
		return nil, err
	}
	logger.Info("Connected to PostgreSQL",
		zap.String("host", config.ResolveHostForDocker(cfg.Database.Host)),
		zap.String("database", cfg.Database.Database))

	return &storage{
		tx:     database.NewTransactor(),
		repos:  services.NewPostgresRepositories(leases),
		scopes: database.NewScopeProvider(db),
		pinger: db,
		close:  closeAll,
	}, nil
}

// loadPlugins reads the plugin manifest when one is configured.
func loadPlugins(cfg *config.Config) (*plugins.Registry, error) {
	if cfg.Plugins.Manifest == "" {
		return plugins.NewRegistry(nil), nil
	}
	m, err := plugins.LoadManifest(cfg.Plugins.Manifest, cfg.Plugins.Dir)
	if err != nil {
		return nil, err
	}
	return plugins.NewRegistry(m), nil
}
