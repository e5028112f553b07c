package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"tontap/internal/admin"
	"tontap/internal/api"
	"tontap/internal/cache"
	"tontap/internal/config"
	"tontap/internal/database"
	"tontap/internal/db"
	"tontap/internal/game"
	"tontap/internal/monetization"
	"tontap/internal/monitoring"
	"tontap/internal/tgbot"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	local, closeLocal := openLocal(ctx, cfg)
	defer closeLocal()

	remote, feed, closeRemote, err := openRemote(ctx, cfg)
	if err != nil {
		log.Fatalf("remote store: %v", err)
	}
	defer closeRemote()

	metrics := monitoring.NewMetrics()
	hub := api.NewHub(cfg.CORSOrigins)
	hub.OnCount = metrics.WSConnections

	rules := cfg.Rules()
	games := game.NewManager(game.ManagerOptions{
		Rules: rules,
		Persister: &game.Persister{
			Local:         local,
			Remote:        remote,
			Namespace:     cfg.StorageNamespace,
			Rec:           metrics,
			RemoteTimeout: 10 * time.Second,
		},
		Observer: hub,
		Recorder: metrics,
		IdleTTL:  cfg.SessionIdleTTL,
	})
	go games.Run(ctx)

	ads := monetization.NewAds(rules, cfg.AdsWebhookSecret, cfg.AdsRequireVerified, hub, games)

	srv := api.NewServer(cfg, games, ads, hub, metrics)
	if feed != nil {
		go srv.RunLeaderboard(ctx, feed)
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()
	log.Printf("🚀 TON Tap Master API on :%s (remote store: %s)", cfg.Port, cfg.RemoteStore)

	var adminServer *http.Server
	if cfg.AdminPort != "" {
		gin.SetMode(gin.ReleaseMode)
		adminServer = &http.Server{
			Addr: ":" + cfg.AdminPort,
			Handler: admin.NewRouter(&admin.Handler{
				Games:        games,
				User:         cfg.AdminUser,
				PasswordHash: cfg.AdminPasswordHash,
			}),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("admin server: %v", err)
			}
		}()
		log.Printf("🔧 Admin router on :%s", cfg.AdminPort)
	}

	if cfg.RunBot && cfg.BotToken != "" {
		bot, err := tgbot.New(cfg, games)
		if err != nil {
			log.Printf("tgbot: disabled: %v", err)
		} else {
			bot.StartPolling(ctx)
		}
	}

	<-ctx.Done()
	log.Println("🔄 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if adminServer != nil {
		_ = adminServer.Shutdown(shutdownCtx)
	}
	hub.Close()
	ads.Wait()
	games.Close()

	log.Println("✅ Server shutdown completed")
}

// openLocal picks Redis when REDIS_URL is set and reachable, otherwise an
// in-process map.
func openLocal(ctx context.Context, cfg config.Config) (game.LocalStore, func()) {
	if cfg.RedisURL == "" {
		log.Printf("⚠️ REDIS_URL not set, local slots kept in memory")
		return game.NewMemoryStore(), func() {}
	}
	client, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Printf("⚠️ Redis unavailable (%v), local slots kept in memory", err)
		return game.NewMemoryStore(), func() {}
	}
	store := cache.NewRedisStore(client)
	return store, func() { _ = store.Close() }
}

func openRemote(ctx context.Context, cfg config.Config) (game.RemoteStore, api.LeaderboardFeed, func(), error) {
	switch cfg.RemoteStore {
	case config.RemotePostgres:
		pg, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, nil, err
		}
		return pg, pg, pg.Close, nil

	case config.RemoteLibSQL, config.RemoteSQLPostgres:
		var (
			store *database.SQLStore
			err   error
		)
		if cfg.RemoteStore == config.RemoteLibSQL {
			store, err = database.OpenLibSQL(ctx, cfg.TursoURL, cfg.TursoToken)
		} else {
			store, err = database.Open(ctx, database.DriverPostgres, cfg.DatabaseURL)
		}
		if err != nil {
			return nil, nil, nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, nil, nil, err
		}
		return store, store, func() { _ = store.Close() }, nil

	default:
		log.Printf("⚠️ No remote store configured, documents kept in memory")
		mem := game.NewMemoryRemote()
		return mem, nil, func() {}, nil
	}
}
