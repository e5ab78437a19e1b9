package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"trial-license-system/internal/handler"
	"trial-license-system/internal/middleware"
	"trial-license-system/internal/util"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/spf13/cobra"
)

var queueInterval time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		srv := fiber.New(fiber.Config{
			ReadTimeout:  a.cfg.Server.ReadTimeout,
			WriteTimeout: a.cfg.Server.WriteTimeout,
			ErrorHandler: handler.ErrorHandler(a.log),
		})
		srv.Use(recover.New())
		srv.Use(requestid.New())
		srv.Use(middleware.RequestContext())
		srv.Use(fiberlogger.New())
		srv.Use(cors.New())

		srv.Get("/healthz", func(c *fiber.Ctx) error {
			sqlDB, err := a.db.DB()
			if err == nil {
				err = sqlDB.PingContext(c.UserContext())
			}
			if err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
			}
			return c.JSON(fiber.Map{"status": "ok"})
		})
		if a.metrics != nil {
			srv.Get(a.cfg.Metrics.Path, adaptor.HTTPHandler(a.metrics.Handler()))
		}

		h := handler.New(handler.Deps{
			DB:            a.db,
			Tokens:        util.NewTokens(a.cfg.Auth.JWTSecret, a.cfg.Auth.TokenTTL),
			Authorizer:    a.authz,
			Audit:         a.audit,
			Clients:       a.clients,
			Notifications: a.notes,
			Engine:        a.engine,
			Ledger:        a.ledger,
			Authority:     a.authority,
			Gateway:       a.gateway,
			Logger:        a.log,
		})
		h.Register(srv.Group("/api/v1"))

		if queueInterval > 0 {
			go runQueueLoop(ctx, a, queueInterval)
		}

		errc := make(chan error, 1)
		go func() {
			a.log.Info("listening", slog.String("addr", a.cfg.Server.Addr))
			errc <- srv.Listen(a.cfg.Server.Addr)
		}()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		a.log.Info("shutting down")
		return srv.ShutdownWithTimeout(10 * time.Second)
	},
}

func init() {
	serveCmd.Flags().DurationVar(&queueInterval, "queue-interval", time.Minute, "how often every offline queue is retried (0 disables)")
}

// runQueueLoop retries every client's offline queue until ctx ends.
func runQueueLoop(ctx context.Context, a *app, every time.Duration) {
	actor, err := a.systemActor(ctx)
	if err != nil {
		a.log.Error("queue loop disabled", slog.Any("error", err))
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reports, err := a.gateway.ProcessAllQueues(ctx, actor)
			if err != nil {
				a.log.Warn("queue run failed", slog.Any("error", err))
			}
			for id, r := range reports {
				if r.ProcessedMessages+r.FailedMessages > 0 {
					a.log.Info("queue run",
						slog.String("client_id", id),
						slog.Int("processed", r.ProcessedMessages),
						slog.Int("failed", r.FailedMessages),
					)
				}
			}
		}
	}
}
