package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"marki/config"
	"marki/models"
	"marki/parse"
	"marki/utils"
)

// FTPService manages the SFTP account that holds invoice PDFs.
type FTPService struct {
	parse *parse.Client
	open  FileStoreFactory
	log   *logrus.Entry
}

func NewFTPService(pc *parse.Client, open FileStoreFactory) *FTPService {
	return &FTPService{parse: pc, open: open, log: utils.Component("ftp_config")}
}

type FTPInput struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	RootPath string `json:"rootPath"`
}

func (s *FTPService) active(ctx context.Context) (models.FTPConfig, error) {
	cfg, err := parse.First[models.FTPConfig](ctx, s.parse, models.ClassFTPConfig, parse.Query{
		Where: map[string]any{"isActive": true},
		Order: "-updatedAt",
	})
	if err != nil {
		if parse.IsNotFound(err) {
			return cfg, notFound("Aucune configuration FTP active trouvée")
		}
		return cfg, fmt.Errorf("active ftp config: %w", err)
	}
	return cfg, nil
}

// Get returns the active configuration without its password.
func (s *FTPService) Get(ctx context.Context) (models.FTPConfig, error) {
	cfg, err := s.active(ctx)
	if err != nil {
		return cfg, err
	}
	cfg.Password = ""
	return cfg, nil
}

// Save replaces the active configuration. Every field is required.
func (s *FTPService) Save(ctx context.Context, in FTPInput) (models.FTPConfig, error) {
	in.Host = strings.TrimSpace(in.Host)
	in.Username = strings.TrimSpace(in.Username)
	in.RootPath = strings.TrimSpace(in.RootPath)
	if in.Host == "" || in.Port <= 0 || in.Username == "" || in.Password == "" || in.RootPath == "" {
		return models.FTPConfig{}, invalid("Tous les champs sont obligatoires")
	}
	password, err := utils.EncryptSecret(in.Password)
	if err != nil {
		return models.FTPConfig{}, fmt.Errorf("encrypt ftp password: %w", err)
	}
	record := map[string]any{
		"host":     in.Host,
		"port":     in.Port,
		"username": in.Username,
		"password": password,
		"rootPath": in.RootPath,
		"isActive": true,
	}

	existing, err := s.active(ctx)
	switch {
	case err == nil:
		if err := s.parse.Update(ctx, models.ClassFTPConfig, existing.ObjectID, record); err != nil {
			return models.FTPConfig{}, fmt.Errorf("update ftp config: %w", err)
		}
	case isNotFound(err):
		if _, err := s.parse.Create(ctx, models.ClassFTPConfig, record); err != nil {
			return models.FTPConfig{}, fmt.Errorf("create ftp config: %w", err)
		}
	default:
		return models.FTPConfig{}, err
	}
	s.log.WithFields(logrus.Fields{"host": in.Host, "root": in.RootPath}).Info("FTP configuration saved")
	return s.Get(ctx)
}

type FTPTestResult struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Files   []string `json:"files"`
}

// Test connects with the given settings and lists the root path.
func (s *FTPService) Test(ctx context.Context, in FTPInput) (FTPTestResult, error) {
	if strings.TrimSpace(in.Host) == "" || in.Port <= 0 || strings.TrimSpace(in.Username) == "" || in.Password == "" {
		return FTPTestResult{}, invalid("Hôte, port, utilisateur et mot de passe sont obligatoires pour le test")
	}
	root := in.RootPath
	if root == "" {
		root = "/"
	}
	store := s.open(utils.SFTPSettings{
		Host:     strings.TrimSpace(in.Host),
		Port:     in.Port,
		Username: strings.TrimSpace(in.Username),
		Password: in.Password,
		RootPath: root,
		HostKey:  config.AppConfig.FTP.HostKey,
	})
	files, err := store.List(ctx, root)
	if err != nil {
		s.log.WithError(err).WithField("host", in.Host).Warn("SFTP test failed")
		return FTPTestResult{Success: false, Message: "Échec de la connexion SFTP: " + err.Error(), Files: []string{}}, nil
	}
	if files == nil {
		files = []string{}
	}
	return FTPTestResult{
		Success: true,
		Message: fmt.Sprintf("Connexion SFTP réussie (%d élément(s) dans %s)", len(files), root),
		Files:   files,
	}, nil
}

// Settings returns the account to read invoices with: the active stored configuration,
// else the FTP_* variables.
func (s *FTPService) Settings(ctx context.Context) (utils.SFTPSettings, error) {
	cfg, err := s.active(ctx)
	if err == nil {
		password, err := utils.DecryptSecret(cfg.Password)
		if err != nil {
			return utils.SFTPSettings{}, fmt.Errorf("decrypt ftp password: %w", err)
		}
		return utils.SFTPSettings{
			Host:     cfg.Host,
			Port:     int(cfg.Port),
			Username: cfg.Username,
			Password: password,
			RootPath: cfg.RootPath,
			HostKey:  config.AppConfig.FTP.HostKey,
		}, nil
	}
	if !isNotFound(err) {
		return utils.SFTPSettings{}, err
	}
	env := config.AppConfig.FTP
	if env.Host == "" {
		return utils.SFTPSettings{}, invalid("Aucune configuration SFTP disponible")
	}
	return utils.SFTPSettings{
		Host:     env.Host,
		Port:     env.Port,
		Username: env.Username,
		Password: env.Password,
		RootPath: env.RootPath,
		HostKey:  env.HostKey,
	}, nil
}

// Store opens a file store on the current settings.
func (s *FTPService) Store(ctx context.Context) (FileStore, error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}
	return s.open(settings), nil
}
