package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collabcanvas/internal/api"
	"collabcanvas/internal/metrics"
	"collabcanvas/internal/projects"
	"collabcanvas/internal/routers"
	"collabcanvas/internal/session"
	"collabcanvas/internal/store"
)

// Seams for tests.
var (
	listenAndServe = serveWithShutdown
	exitFunc       = defaultExit
	exit           = os.Exit
)

func defaultExit(err error) {
	log.Println(err)
	exit(1)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func run(ctx context.Context) error {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Content snapshot store: Redis when configured, in-memory otherwise.
	var contentStore store.ContentStore = store.NewMemoryStore()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", addr, err)
		}
		contentStore = store.NewRedisStore(rdb)
		logger.Info("using redis content store", zap.String("addr", addr))
	} else {
		logger.Warn("REDIS_ADDR not set, room snapshots are held in memory only")
	}

	// Project directory: Mongo when configured, otherwise open membership.
	var directory projects.Directory = projects.NewMemoryDirectory(true)
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		dir, err := projects.Connect(ctx, uri, envOr("MONGO_DB", "collabcanvas"))
		if err != nil {
			return fmt.Errorf("mongo unreachable: %w", err)
		}
		directory = dir
		logger.Info("using mongo project directory")
	} else {
		logger.Warn("MONGO_URI not set, membership checks are open")
	}

	hub := session.NewHub(envSeconds("ROOM_GRACE_PERIOD", 30*time.Second))
	hub.OnRemove = func(room *session.Room) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap := store.Snapshot{Content: room.Content(), Chat: room.Chat()}
		if err := contentStore.Save(ctx, room.ID, snap); err != nil {
			logger.Error("final snapshot save failed", zap.String("room", room.ID), zap.Error(err))
		}
		metrics.ActiveRooms.Set(float64(hub.Rooms()))
	}
	defer hub.Shutdown()

	handlers := api.NewHandlers(logger, hub, contentStore, directory, api.Config{
		JWTSecret:   []byte(os.Getenv("JWT_SECRET")),
		IdleTimeout: envSeconds("IDLE_TIMEOUT", 60*time.Second),
	})

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		cors.Handler(cors.Options{
			AllowedOrigins: []string{envOr("ALLOWED_ORIGINS", "*")},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}),
		metrics.Middleware,
	)
	r.Mount("/", routers.New(handlers))

	addr := ":" + envOr("PORT", "8080")
	logger.Info("collab service listening", zap.String("addr", addr))
	return listenAndServe(addr, r)
}

func serveWithShutdown(addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-shutdownChan:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func main() {
	if err := run(context.Background()); err != nil {
		exitFunc(err)
	}
}
