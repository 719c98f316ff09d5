package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"marki/bootstrap"
	"marki/config"
	"marki/metrics"
	"marki/middleware"
	"marki/routes"
	"marki/worker"
)

func main() {
	if err := bootstrap.Init(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	defer sentry.Flush(2 * time.Second)

	metrics.Register(prometheus.DefaultRegisterer)

	storage := middleware.NewStorage()
	pc := bootstrap.ParseClient()
	svc := bootstrap.Services(pc, storage)
	svc.Distinct = bootstrap.Distinct()

	app := fiber.New(fiber.Config{
		AppName:      "marki",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		BodyLimit:    10 * 1024 * 1024,
	})
	app.Use(recover.New(recover.Config{EnableStackTrace: !config.AppConfig.IsProduction()}))
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(middleware.CORS())
	app.Use(middleware.Metrics())

	routes.SetupRoutes(app, svc)

	scheduler := worker.NewScheduler()
	relanceWorker := worker.NewRelanceWorker(svc.Relances)
	syncWorker := worker.NewSyncWorker(svc.Sync)
	if err := scheduler.Every("relances", config.AppConfig.RelanceCronInterval, true, relanceWorker.Run); err != nil {
		logrus.Fatalf("Failed to schedule relances: %v", err)
	}
	if err := scheduler.Every("sync", config.AppConfig.SyncCheckInterval, false, syncWorker.Run); err != nil {
		logrus.Fatalf("Failed to schedule synchronisations: %v", err)
	}
	scheduler.Start()

	go func() {
		logrus.Infof("🚀 Server starting on port %s", config.AppConfig.ServerPort)
		if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logrus.Info("Shutting down...")
	scheduler.Stop()
	if err := app.ShutdownWithTimeout(15 * time.Second); err != nil {
		logrus.WithError(err).Error("Server shutdown failed")
	}
	if storage != nil {
		if err := storage.Close(); err != nil {
			logrus.WithError(err).Warn("Closing storage failed")
		}
	}
	if config.DB != nil {
		if sqlDB, err := config.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
