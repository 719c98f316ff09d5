// Package bootstrap wires configuration, clients and services for the server and markictl.
package bootstrap

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"marki/config"
	"marki/parse"
	"marki/routes"
	"marki/services"
	"marki/utils"
)

const (
	smtpTimeout = 30 * time.Second
	sftpTimeout = 20 * time.Second
)

// Init loads the environment and sets up logging and error reporting.
func Init() error {
	if err := config.LoadConfig(); err != nil {
		return err
	}
	config.InitLogger()
	if err := config.InitSentry(); err != nil {
		logrus.WithError(err).Warn("Sentry initialisation failed")
	}
	return nil
}

// ParseClient is the master-key client built from PARSE_* variables.
func ParseClient() *parse.Client {
	p := config.AppConfig.Parse
	return parse.New(parse.Config{
		ServerURL: p.ServerURL,
		AppID:     p.AppID,
		RESTKey:   p.RESTKey,
		MasterKey: p.MasterKey,
		Timeout:   p.Timeout,
	})
}

// Services builds every service on top of pc. storage may be nil.
func Services(pc *parse.Client, storage fiber.Storage) routes.Services {
	mailer := utils.NewSMTPMailer(smtpTimeout)
	history := services.NewHistoryService(pc)
	ftp := services.NewFTPService(pc, services.SFTPFactory(sftpTimeout))
	sequences := services.NewSequenceService(pc, history)
	if g := Generator(); g != nil {
		sequences.WithGenerator(g)
	}

	return routes.Services{
		Parse:     pc,
		Auth:      services.NewAuthService(pc, storage),
		Users:     services.NewUserService(pc),
		Profiles:  services.NewSMTPProfileService(pc, mailer),
		Sequences: sequences,
		Relances:  services.NewRelanceService(pc, mailer, config.AppConfig.RelanceSendRate, config.AppConfig.RelanceSendBurst),
		History:   history,
		Sync:      services.NewSyncConfigService(pc, nil),
		Invoices:  services.NewInvoiceService(pc, ftp, config.AppConfig.PublicURL),
		FTP:       ftp,
		Storage:   storage,
	}
}

// Generator is the Ollama generator, nil unless OLLAMA_ENABLED is set.
func Generator() services.EmailGenerator {
	o := config.AppConfig.Ollama
	if !o.Enabled {
		return nil
	}
	if o.APIKey == "" {
		logrus.Warn("OLLAMA_API_KEY is empty, calling the Ollama host without authentication")
	}
	return services.NewOllamaGenerator(utils.NewOllamaClient(utils.OllamaSettings{
		Host:    o.Host,
		APIKey:  o.APIKey,
		Model:   o.Model,
		Timeout: o.Timeout,
	}))
}

// Distinct connects to the database behind Parse Server. It returns nil when the
// database is unreachable, which disables the distinct values endpoint.
func Distinct() *services.DistinctService {
	if err := config.ConnectDB(); err != nil {
		utils.LogError("parse_database_unavailable", err, map[string]interface{}{"host": config.AppConfig.DBHost})
		return nil
	}
	return services.NewDistinctService(config.DB)
}
