package controller

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"marki/services"
	"marki/utils"
)

type InvoiceController struct {
	Invoices *services.InvoiceService
	FTP      *services.FTPService
	Logger   *logrus.Entry
}

func NewInvoiceController(invoices *services.InvoiceService, ftp *services.FTPService) *InvoiceController {
	return &InvoiceController{
		Invoices: invoices,
		FTP:      ftp,
		Logger:   utils.Component("invoice_controller"),
	}
}

// PDF returns the invoice PDF base64 encoded. The id comes from the path or the body.
func (ic *InvoiceController) PDF(c *fiber.Ctx) error {
	invoiceID := c.Params("invoiceId")
	if invoiceID == "" {
		var req struct {
			InvoiceID string `json:"invoiceId"`
		}
		if err := bind(c, &req); err != nil {
			return badRequest(c, err.Error())
		}
		invoiceID = req.InvoiceID
	}

	res, err := ic.Invoices.PDF(c.UserContext(), invoiceID)
	if err != nil {
		return serviceError(c, err, "Erreur lors de la récupération du PDF")
	}
	return c.JSON(res)
}

func (ic *InvoiceController) CheckFile(c *fiber.Ctx) error {
	res, err := ic.Invoices.CheckFileExists(c.UserContext(), c.Params("invoiceId"), c.Query("ext"))
	if err != nil {
		return serviceError(c, err, "Erreur lors de la vérification du fichier")
	}
	return c.JSON(res)
}

func (ic *InvoiceController) DownloadLink(c *fiber.Ctx) error {
	var req struct {
		InvoiceID string `json:"invoiceId"`
		FilePath  string `json:"filePath"`
	}
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	link, err := ic.Invoices.GenerateDownloadLink(c.UserContext(), req.InvoiceID, req.FilePath)
	if err != nil {
		return serviceError(c, err, "Erreur lors de la génération du lien")
	}
	return c.JSON(utils.SuccessResponse(link))
}

// Download streams the file behind a one-shot link. It is reachable without a session.
func (ic *InvoiceController) Download(c *fiber.Ctx) error {
	dl, err := ic.Invoices.Download(c.UserContext(), c.Params("token"))
	if err != nil {
		return serviceError(c, err, "Erreur lors du téléchargement")
	}
	c.Set(fiber.HeaderContentType, contentType(dl.Filename))
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", dl.Filename))
	return c.Send(dl.Data)
}

func contentType(filename string) string {
	if strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		return "application/pdf"
	}
	return fiber.MIMEOctetStream
}

func (ic *InvoiceController) EmailError(c *fiber.Ctx) error {
	var req struct {
		InvoiceID string `json:"invoiceId" validate:"required"`
		RelanceID string `json:"relanceId"`
		Error     string `json:"error" validate:"required"`
	}
	if err := bindValid(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	id, err := ic.Invoices.LogEmailError(c.UserContext(), req.InvoiceID, req.RelanceID, req.Error)
	if err != nil {
		return serviceError(c, err, "Erreur lors de l'enregistrement de l'erreur")
	}
	return c.JSON(fiber.Map{"success": true, "objectId": id})
}

func (ic *InvoiceController) GetFTPConfig(c *fiber.Ctx) error {
	cfg, err := ic.FTP.Get(c.UserContext())
	if err != nil {
		return serviceError(c, err, "Erreur lors de la récupération de la configuration FTP")
	}
	return c.JSON(utils.SuccessResponse(cfg))
}

func (ic *InvoiceController) SaveFTPConfig(c *fiber.Ctx) error {
	var req services.FTPInput
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	cfg, err := ic.FTP.Save(c.UserContext(), req)
	if err != nil {
		return serviceError(c, err, "Erreur lors de l'enregistrement de la configuration FTP")
	}
	ic.Logger.WithField("host", cfg.Host).Info("FTP configuration saved")
	return c.JSON(utils.SuccessResponse(cfg))
}

func (ic *InvoiceController) TestFTPConfig(c *fiber.Ctx) error {
	var req services.FTPInput
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	res, err := ic.FTP.Test(c.UserContext(), req)
	if err != nil {
		return serviceError(c, err, "Erreur lors du test de connexion FTP")
	}
	return c.JSON(res)
}
