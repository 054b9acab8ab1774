package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-chat-core/internal/chat"
	"go-chat-core/internal/config"
	"go-chat-core/internal/db"
	"go-chat-core/internal/logger"
	myMiddleware "go-chat-core/internal/middleware"
	"go-chat-core/internal/notify"
	"go-chat-core/internal/room"
	"go-chat-core/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.MustLoad()
	log := logger.New(cfg.Env)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", logger.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	database, err := db.NewDatabase(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()
	log.Info("connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	log.Info("database schema initialized")

	notifier, closeNotifier, err := newNotifier(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeNotifier()

	userService := user.NewService(user.NewRepository(database.Conn), cfg.Auth.JWTSecret)
	userHandler := user.NewHandler(userService, log)

	roomRepo := room.NewRepository(database.Conn)
	hub := chat.NewHub(chat.NewRepository(database.Conn), roomRepo, notifier, hubOptions(cfg.Chat), log)
	roomHandler := room.NewHandler(roomRepo, hub, log)
	chatHandler := chat.NewHandler(hub, userService, clientConfig(cfg.Chat), log)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService, log)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// The websocket authenticates with its first frame.
	r.Get("/ws", chatHandler.ServeWs)

	// JWT-protected REST surface.
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/api/rooms", roomHandler.ListRooms)
		r.Post("/api/rooms", roomHandler.CreateRoom)
		r.Get("/api/rooms/{roomID}/messages", chatHandler.GetHistory)
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		log.Info("server starting", "addr", cfg.HTTP.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newNotifier(ctx context.Context, cfg *config.Config, log *slog.Logger) (chat.Notifier, func(), error) {
	switch cfg.Notify.Backend {
	case notify.BackendRedis:
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		log.Info("connected to Redis", "addr", cfg.Redis.Addr, "stream", cfg.Notify.Stream)
		return notify.NewRedisStream(redisClient, cfg.Notify.Stream, cfg.Notify.MaxLen), func() { redisClient.Close() }, nil

	case notify.BackendNATS:
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(10),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to nats: %w", err)
		}
		log.Info("connected to NATS", "url", cfg.NATS.URL, "subject", cfg.Notify.Subject)
		return notify.NewNATS(nc, cfg.Notify.Subject), func() { nc.Drain() }, nil

	case notify.BackendNone, "":
		log.Info("notifications disabled")
		return nil, func() {}, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", notify.ErrUnknownBackend, cfg.Notify.Backend)
}

func hubOptions(c config.ChatConfig) chat.Options {
	return chat.Options{
		TypingQuietWindow:     c.TypingQuietWindow,
		TypingSweepInterval:   c.TypingSweepInterval,
		PresenceSweepInterval: c.PresenceSweepInterval,
		IdleTimeout:           c.IdleTimeout,
		PersistTimeout:        c.PersistTimeout,
		BackfillTimeout:       c.BackfillTimeout,
		OutboundQueueSize:     c.OutboundQueueSize,
		RecentLimit:           c.RecentLimit,
		RecoveryLimit:         c.RecoveryLimit,
		RoomQueueSize:         c.RoomQueueSize,
		RoomIdleTimeout:       c.RoomIdleTimeout,
		NotifyQueueSize:       c.NotifyQueueSize,
	}
}

func clientConfig(c config.ChatConfig) chat.ClientConfig {
	return chat.ClientConfig{
		AuthTimeout:   c.AuthTimeout,
		PongWait:      c.PongWait,
		WriteWait:     c.WriteWait,
		MaxFrameBytes: c.MaxFrameBytes,
		InboundRate:   c.InboundRate,
		InboundBurst:  c.InboundBurst,
	}
}
