package services

import (
	"context"
	"os"
	"time"

	"marki/config"
	"marki/models"
	"marki/utils"
)

// Mailer is implemented by utils.SMTPMailer.
type Mailer interface {
	Send(ctx context.Context, s utils.SMTPSettings, e utils.Email) (string, error)
	TestConnection(ctx context.Context, s utils.SMTPSettings) error
}

// FileStore is implemented by utils.SFTPClient.
type FileStore interface {
	Resolve(p string) string
	Stat(ctx context.Context, p string) (os.FileInfo, error)
	Fetch(ctx context.Context, p string) ([]byte, error)
	List(ctx context.Context, dir string) ([]string, error)
}

// FileStoreFactory opens a store for the active FTP settings.
type FileStoreFactory func(s utils.SFTPSettings) FileStore

// SFTPFactory builds real SFTP clients.
func SFTPFactory(timeout time.Duration) FileStoreFactory {
	return func(s utils.SFTPSettings) FileStore {
		return utils.NewSFTPClient(s, timeout)
	}
}

// Clock is swapped in tests.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

// smtpSettings decrypts a stored profile into mailer settings.
func smtpSettings(p models.SMTPProfile) (utils.SMTPSettings, error) {
	password, err := utils.DecryptSecret(p.Password)
	if err != nil {
		return utils.SMTPSettings{}, err
	}
	return utils.SMTPSettings{
		Host:     p.Host,
		Port:     int(p.Port),
		Username: p.Username,
		Password: password,
		UseSSL:   p.UseSSL,
		UseTLS:   p.UseTLS,
		From:     p.Email,
		FromName: p.Name,
	}, nil
}

// defaultSMTPSettings is the account from SMTP_* variables, used when a relance has no profile.
func defaultSMTPSettings() (utils.SMTPSettings, bool) {
	c := config.AppConfig.SMTP
	if c.Host == "" || c.From == "" {
		return utils.SMTPSettings{}, false
	}
	return utils.SMTPSettings{
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		UseSSL:   c.UseSSL,
		From:     c.From,
		FromName: "Marki",
	}, true
}
