package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"marki/models"
	"marki/parse"
	"marki/utils"
)

// InvoiceService serves invoice PDFs from the SFTP server.
type InvoiceService struct {
	parse     *parse.Client
	ftp       *FTPService
	log       *logrus.Entry
	clock     Clock
	publicURL string

	// LinkTTL is the validity of a download link.
	LinkTTL time.Duration
}

func NewInvoiceService(pc *parse.Client, ftp *FTPService, publicURL string) *InvoiceService {
	return &InvoiceService{
		parse:     pc,
		ftp:       ftp,
		log:       utils.Component("invoices"),
		publicURL: strings.TrimRight(publicURL, "/"),
		LinkTTL:   24 * time.Hour,
	}
}

type InvoicePDF struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	PDFData  string `json:"pdfData,omitempty"`
	Filename string `json:"filename,omitempty"`
	FileSize int    `json:"fileSize,omitempty"`
	Path     string `json:"path,omitempty"`
}

// PDF downloads the PDF stored for an invoice and returns it base64 encoded. An
// invoice without a stored path is not an error: Success is false.
func (s *InvoiceService) PDF(ctx context.Context, invoiceID string) (InvoicePDF, error) {
	if strings.TrimSpace(invoiceID) == "" {
		return InvoicePDF{}, invalid("invoiceId is required")
	}
	var inv models.Impaye
	if err := s.parse.Get(ctx, models.ClassImpayes, invoiceID, &inv); err != nil {
		if parse.IsNotFound(err) {
			return InvoicePDF{}, notFound("Invoice not found")
		}
		return InvoicePDF{}, fmt.Errorf("get invoice %s: %w", invoiceID, err)
	}
	pdfPath := inv.InvoicePath()
	if pdfPath == "" {
		return InvoicePDF{Success: false, Message: "No PDF path found for this invoice"}, nil
	}
	clean := strings.TrimPrefix(pdfPath, "/")

	store, err := s.ftp.Store(ctx)
	if err != nil {
		return InvoicePDF{}, err
	}
	info, err := store.Stat(ctx, clean)
	if err != nil {
		utils.LogError("invoice_pdf_stat_failed", err, map[string]interface{}{"invoice_id": invoiceID, "path": clean})
		return InvoicePDF{}, fmt.Errorf("sftp stat %s: %w", clean, err)
	}
	if info == nil {
		return InvoicePDF{}, notFound("PDF file not found on SFTP server: " + clean)
	}
	data, err := store.Fetch(ctx, clean)
	if err != nil {
		utils.LogError("invoice_pdf_download_failed", err, map[string]interface{}{"invoice_id": invoiceID, "path": clean})
		return InvoicePDF{}, fmt.Errorf("sftp download %s: %w", clean, err)
	}

	s.log.WithFields(logrus.Fields{"invoice_id": invoiceID, "size": len(data)}).Info("Invoice PDF downloaded")
	return InvoicePDF{
		Success:  true,
		Message:  "PDF downloaded successfully via SFTP",
		PDFData:  base64.StdEncoding.EncodeToString(data),
		Filename: path.Base(clean),
		FileSize: len(data),
		Path:     clean,
	}, nil
}

type FileCheck struct {
	Exists   bool   `json:"exists"`
	FilePath string `json:"filePath"`
	Error    string `json:"error,omitempty"`
}

// CheckFileExists looks for invoices/<id>.<ext> under the SFTP root.
func (s *InvoiceService) CheckFileExists(ctx context.Context, invoiceID, ext string) (FileCheck, error) {
	if strings.TrimSpace(invoiceID) == "" {
		return FileCheck{}, invalid("invoiceId is required")
	}
	if ext == "" {
		ext = "pdf"
	}
	store, err := s.ftp.Store(ctx)
	if err != nil {
		return FileCheck{}, err
	}
	p := store.Resolve(path.Join("invoices", invoiceID+"."+strings.TrimPrefix(ext, ".")))
	info, err := store.Stat(ctx, p)
	if err != nil {
		return FileCheck{Exists: false, FilePath: p, Error: err.Error()}, nil
	}
	return FileCheck{Exists: info != nil, FilePath: p}, nil
}

type DownloadLink struct {
	URL       string `json:"url"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// GenerateDownloadLink stores a one-shot token for filePath and returns the signed link.
func (s *InvoiceService) GenerateDownloadLink(ctx context.Context, invoiceID, filePath string) (DownloadLink, error) {
	if strings.TrimSpace(invoiceID) == "" || strings.TrimSpace(filePath) == "" {
		return DownloadLink{}, invalid("invoiceId et filePath sont requis")
	}
	tokenID := ulid.Make().String()
	signed, expires, err := utils.GenerateDownloadToken(tokenID, invoiceID, filePath, s.LinkTTL)
	if err != nil {
		return DownloadLink{}, fmt.Errorf("sign download token: %w", err)
	}
	if _, err := s.parse.Create(ctx, models.ClassDownloadTokens, models.DownloadToken{
		Token:     tokenID,
		InvoiceID: invoiceID,
		FilePath:  filePath,
		ExpiresAt: parse.NewDate(expires),
		Used:      false,
	}); err != nil {
		return DownloadLink{}, fmt.Errorf("store download token: %w", err)
	}
	return DownloadLink{
		URL:       s.publicURL + "/api/download/" + signed,
		Token:     signed,
		ExpiresAt: expires.UTC().Format(time.RFC3339),
	}, nil
}

type Download struct {
	Filename string
	Data     []byte
}

// Download redeems a link token. Each token works once.
func (s *InvoiceService) Download(ctx context.Context, signed string) (Download, error) {
	claims, err := utils.ParseDownloadToken(signed)
	if err != nil {
		return Download{}, unauthorized("Lien de téléchargement invalide ou expiré")
	}
	record, err := parse.First[models.DownloadToken](ctx, s.parse, models.ClassDownloadTokens, parse.Query{
		Where: map[string]any{"token": claims.ID},
	})
	if err != nil {
		if parse.IsNotFound(err) {
			return Download{}, notFound("Lien de téléchargement inconnu")
		}
		return Download{}, fmt.Errorf("download token: %w", err)
	}
	if record.Used {
		return Download{}, unauthorized("Lien de téléchargement déjà utilisé")
	}
	if record.ExpiresAt != nil && s.clock.now().After(record.ExpiresAt.Time) {
		return Download{}, unauthorized("Lien de téléchargement invalide ou expiré")
	}

	store, err := s.ftp.Store(ctx)
	if err != nil {
		return Download{}, err
	}
	data, err := store.Fetch(ctx, strings.TrimPrefix(record.FilePath, "/"))
	if err != nil {
		return Download{}, fmt.Errorf("sftp download %s: %w", record.FilePath, err)
	}
	if err := s.parse.Update(ctx, models.ClassDownloadTokens, record.ObjectID, map[string]any{"used": true}); err != nil {
		utils.LogError("download_token_update_failed", err, map[string]interface{}{"token": claims.ID})
	}
	return Download{Filename: path.Base(record.FilePath), Data: data}, nil
}

// LogEmailError marks an invoice as blocked after a reminder failure.
func (s *InvoiceService) LogEmailError(ctx context.Context, invoiceID, relanceID, message string) (string, error) {
	if strings.TrimSpace(invoiceID) == "" {
		return "", invalid("invoiceId is required")
	}
	return recordEmailError(ctx, s.parse, invoiceID, relanceID, message)
}

const emailErrorBlocked = "BLOCKED"

func recordEmailError(ctx context.Context, pc *parse.Client, invoiceID, relanceID, message string) (string, error) {
	res, err := pc.Create(ctx, models.ClassEmailErrors, models.EmailError{
		InvoiceID: invoiceID,
		Relance:   parse.PointerRef(models.ClassRelances, relanceID),
		Error:     message,
		Status:    emailErrorBlocked,
	})
	if err != nil {
		return "", fmt.Errorf("log email error: %w", err)
	}
	return res.ObjectID, nil
}
