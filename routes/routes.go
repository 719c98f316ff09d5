package routes

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	controller "marki/controllers"
	"marki/middleware"
	"marki/parse"
	"marki/services"
	"marki/utils"
)

// Services is everything the HTTP layer needs.
type Services struct {
	Parse     *parse.Client
	Auth      *services.AuthService
	Users     *services.UserService
	Profiles  *services.SMTPProfileService
	Sequences *services.SequenceService
	Relances  *services.RelanceService
	History   *services.HistoryService
	Sync      *services.SyncConfigService
	Distinct  *services.DistinctService
	Invoices  *services.InvoiceService
	FTP       *services.FTPService

	// Storage backs the rate limiter; nil keeps it in memory.
	Storage fiber.Storage
	// Gatherer is served on /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

func SetupAuthRoutes(app *fiber.App, s Services) {
	authController := controller.NewAuthController(s.Auth)

	app.Post("/api/login", authController.Login)
	app.Get("/api/logout", authController.Logout)
	app.Get("/api/check-auth", authController.CheckAuth)
}

func SetupAPIRoutes(app *fiber.App, s Services) {
	userController := controller.NewUserController(s.Users)
	profileController := controller.NewSMTPProfileController(s.Profiles)
	syncController := controller.NewSyncController(s.Sync, s.Distinct, s.Parse)
	invoiceController := controller.NewInvoiceController(s.Invoices, s.FTP)
	sequenceController := controller.NewSequenceController(s.Sequences)
	relanceController := controller.NewRelanceController(s.Sequences, s.Relances, s.History)

	// One-shot download links are shared by e-mail and carry their own credentials.
	app.Get("/api/download/:token", invoiceController.Download)

	protected := middleware.Protected(s.Auth)
	testLimiter := middleware.TestEndpointLimiter(s.Storage)

	// Hooks called by the frontend after it wrote to Parse directly.
	app.Post("/sequence-status-change", protected, sequenceController.StatusChangeHook)
	app.Post("/sequence-deletion", protected, sequenceController.DeletionHook)
	app.Post("/impaye-sequence-assignment", protected, sequenceController.AssignmentHook)

	api := app.Group("/api", protected)

	// Users
	users := api.Group("/users")
	users.Get("/current", userController.Current)
	users.Get("/current/full-info", userController.CurrentFullInfo)
	users.Get("/search", userController.Search)
	users.Get("/", userController.List)
	users.Post("/", userController.Create)
	users.Get("/:id", userController.Get)
	users.Put("/:id", userController.Update)
	users.Delete("/:id", userController.Delete)
	users.Post("/:id/change-password", userController.ChangePassword)
	users.Post("/:id/set-active", userController.SetActive)

	// SMTP profiles
	profiles := api.Group("/smtp-profiles")
	profiles.Get("/", profileController.List)
	profiles.Post("/", profileController.Create)
	profiles.Get("/:id", profileController.Get)
	profiles.Put("/:id", profileController.Update)
	profiles.Delete("/:id", profileController.Delete)
	profiles.Post("/:id/archive", profileController.Archive)
	profiles.Post("/:id/test", testLimiter, profileController.Test)
	api.Post("/test-email", testLimiter, profileController.SendTestEmail)

	// Synchronisation
	syncConfigs := api.Group("/sync-configs")
	syncConfigs.Get("/", syncController.List)
	syncConfigs.Post("/", syncController.Create)
	syncConfigs.Get("/:configId", syncController.Get)
	syncConfigs.Put("/:configId", syncController.Update)
	syncConfigs.Delete("/:configId", syncController.Delete)
	syncConfigs.Get("/:configId/test", syncController.Test)
	syncConfigs.Post("/:configId/test", syncController.Test)
	syncConfigs.Post("/:configId/run", syncController.Run)
	syncConfigs.Get("/:configId/logs", syncController.Logs)
	api.Post("/sync-impayes", syncController.SyncImpayes)
	api.Post("/init-sync-collections", syncController.InitCollections)
	api.Post("/init-collections", syncController.InitCollections)
	api.Get("/distinct-values/:columnName", syncController.DistinctValues)
	api.Post("/distinct-values", syncController.DistinctValuesRedirect)

	// Invoices and SFTP
	api.Get("/invoice-pdf/:invoiceId", invoiceController.PDF)
	api.Post("/invoice-pdf", invoiceController.PDF)
	api.Get("/invoices/:invoiceId/exists", invoiceController.CheckFile)
	api.Post("/download-link", invoiceController.DownloadLink)
	api.Post("/email-errors", invoiceController.EmailError)
	api.Get("/ftp-config", invoiceController.GetFTPConfig)
	api.Post("/ftp-config", invoiceController.SaveFTPConfig)
	api.Post("/ftp-config/test", testLimiter, invoiceController.TestFTPConfig)

	// Sequences
	sequences := api.Group("/sequences")
	sequences.Get("/", sequenceController.List)
	sequences.Post("/", sequenceController.Create)
	sequences.Post("/test-filters", sequenceController.TestFilters)
	sequences.Get("/:id", sequenceController.Get)
	sequences.Put("/:id", sequenceController.Update)
	sequences.Delete("/:id", sequenceController.Delete)
	sequences.Post("/:id/actions", sequenceController.AddAction)
	sequences.Post("/:id/generate-email", sequenceController.GenerateEmail)
	sequences.Post("/:id/generate-sequence", sequenceController.GenerateSequence)
	sequences.Post("/:id/status", sequenceController.SetStatus)
	sequences.Post("/:id/deactivate", sequenceController.Deactivate)
	sequences.Post("/:id/convert-auto", sequenceController.ConvertToAuto)
	sequences.Post("/:id/apply-auto", sequenceController.ApplyAuto)
	sequences.Get("/:id/relances", relanceController.Scheduled)
	api.Post("/populate-relance-sequence", sequenceController.Populate)
	api.Post("/cleanup-relances", sequenceController.Cleanup)
	api.Post("/assign-sequence", sequenceController.Assign)

	// Relances
	relances := api.Group("/relances")
	relances.Put("/:id", relanceController.Update)
	relances.Post("/:id/cancel", relanceController.Cancel)
	relances.Get("/:id/history", relanceController.History)
	api.Get("/email-history/:historyId/diff/:field", relanceController.HistoryDiff)
	api.Post("/cron/process-due", relanceController.ProcessDue)
}

type pinger interface {
	Ping(ctx context.Context) error
}

func SetupRoutes(app *fiber.App, s Services) {
	health := func(c *fiber.Ctx) error {
		body := fiber.Map{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		if p, ok := s.Storage.(pinger); ok {
			ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				body["status"] = "degraded"
				body["redis"] = err.Error()
				return c.Status(fiber.StatusServiceUnavailable).JSON(body)
			}
			body["redis"] = "ok"
		}
		return c.JSON(body)
	}
	app.Get("/health", health)
	app.Get("/api/health", health)

	gatherer := s.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	SetupAuthRoutes(app, s)
	SetupAPIRoutes(app, s)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})

	utils.LogEvent("routes_initialized", map[string]interface{}{"routes": len(app.GetRoutes(true))})
}
