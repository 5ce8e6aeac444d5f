package main

import (
	"context"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/vksha/carnival-api/internal/config"
	"github.com/vksha/carnival-api/internal/domain/leaderboard"
	"github.com/vksha/carnival-api/internal/domain/realtime"
	"github.com/vksha/carnival-api/internal/domain/stall"
	"github.com/vksha/carnival-api/internal/domain/token"
	"github.com/vksha/carnival-api/internal/middleware"
	"github.com/vksha/carnival-api/internal/pkg/database"
	"github.com/vksha/carnival-api/internal/pkg/jwt"
	"github.com/vksha/carnival-api/internal/pkg/logger"
	"github.com/vksha/carnival-api/internal/pkg/response"
	"github.com/vksha/carnival-api/internal/pkg/storage"
)

const localFilesDir = "data/files"

func main() {
	cfg := config.Load()
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, LogFile: cfg.LogFile}); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise logger")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Str("store", cfg.Store).
		Msg("Starting carnival API")

	var db *sqlx.DB
	if cfg.Store != "memory" {
		var err error
		db, err = database.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer database.ClosePostgres(db)
	}

	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redisClient)

	statements, err := statementStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create statement storage")
	}

	hub := realtime.NewHub(redisClient)
	go hub.Run()

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)
	app := newApp(cfg, db, redisClient, hub, jwtService, statements)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      app.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hub.Shutdown()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

// statementStore picks R2 when configured, a local directory in
// development, and nothing otherwise.
func statementStore(cfg *config.Config) (storage.Storage, error) {
	if cfg.R2Enabled() {
		r2, err := storage.NewR2Storage(context.Background(), storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			AccessKeySecret: cfg.R2AccessKeySecret,
			BucketName:      cfg.R2BucketName,
			PublicURL:       cfg.R2PublicURL,
		})
		if err != nil {
			return nil, err
		}
		return r2, nil
	}
	if cfg.IsDevelopment() {
		log.Warn().Str("dir", localFilesDir).Msg("R2 not configured, statements are stored locally")
		local, err := storage.NewLocalStorage(localFilesDir, "http://localhost:"+cfg.Port+"/files")
		if err != nil {
			return nil, err
		}
		return local, nil
	}
	log.Warn().Msg("R2 not configured, statement export disabled")
	return nil, nil
}

type app struct {
	cfg         *config.Config
	hub         *realtime.Hub
	jwt         *jwt.Service
	tokens      *token.Service
	stalls      *stall.Service
	leaderboard *leaderboard.Service
	serveFiles  bool
}

func newApp(cfg *config.Config, db *sqlx.DB, redisClient *redis.Client, hub *realtime.Hub, jwtService *jwt.Service, statements storage.Storage) *app {
	var (
		tokenRepo  token.Repository
		stallRepo  stall.Repository
		pointStore leaderboard.Store
	)
	if db != nil {
		tokenRepo = token.NewRepository(db)
		stallRepo = stall.NewRepository(db)
		pointStore = leaderboard.NewPostgresStore(db)
	} else {
		tokenRepo = token.NewMemoryRepository()
		stallRepo = stall.NewMemoryRepository()
		pointStore = leaderboard.NewMemoryStore()
	}
	if redisClient != nil {
		pointStore = leaderboard.NewCachedStore(pointStore, redisClient, cfg.LeaderboardCacheTTL)
	}

	notifier := realtime.NewPublisher(hub)
	board := leaderboard.NewService(pointStore, notifier)
	tokens := token.NewService(tokenRepo, notifier, board, token.RechargeConfig{
		Ratio:       cfg.TokenRatio,
		MinRecharge: cfg.TokenMinRecharge,
		MaxRecharge: cfg.TokenMaxRecharge,
	})

	_, local := statements.(*storage.LocalStorage)
	return &app{
		cfg:         cfg,
		hub:         hub,
		jwt:         jwtService,
		tokens:      tokens,
		stalls:      stall.NewService(stallRepo, tokens, board, notifier, statements),
		leaderboard: board,
		serveFiles:  local,
	}
}

func (a *app) router() http.Handler {
	authMiddleware := middleware.Auth(a.jwt)
	wsHandler := realtime.NewHandler(a.hub, a.jwt, a.cfg.AllowedOrigins, a.cfg.WSSendBuffer)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(a.cfg.AllowedOrigins))

	// The socket authenticates from ?token= itself so it can close with 1008.
	r.Get("/ws", wsHandler.ServeWS)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, map[string]any{
			"status":      "ok",
			"connections": a.hub.GetConnectionCount(),
		})
	})
	r.Handle("/debug/vars", expvar.Handler())

	if a.serveFiles {
		fs := http.StripPrefix("/files/", http.FileServer(http.Dir(filepath.Clean(localFilesDir))))
		r.Handle("/files/*", fs)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Compress(5))
		r.Mount("/tokens", token.NewHandler(a.tokens).Routes(authMiddleware))
		r.Mount("/carnival-stalls", stall.NewHandler(a.stalls).Routes(authMiddleware))
		r.Mount("/leaderboard", leaderboard.NewHandler(a.leaderboard).Routes(authMiddleware))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.NotFound(w, "Route not found")
	})

	return r
}
