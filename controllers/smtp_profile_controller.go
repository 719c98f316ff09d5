package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"marki/services"
	"marki/utils"
)

type SMTPProfileController struct {
	Profiles *services.SMTPProfileService
	Logger   *logrus.Entry
}

func NewSMTPProfileController(profiles *services.SMTPProfileService) *SMTPProfileController {
	return &SMTPProfileController{
		Profiles: profiles,
		Logger:   utils.Component("smtp_profile_controller"),
	}
}

func (pc *SMTPProfileController) List(c *fiber.Ctx) error {
	profiles, err := pc.Profiles.List(c.UserContext())
	if err != nil {
		return serviceError(c, err, "Failed to fetch SMTP profiles")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    profiles,
		"count":   len(profiles),
	})
}

func (pc *SMTPProfileController) Get(c *fiber.Ctx) error {
	profile, err := pc.Profiles.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return serviceError(c, err, "Failed to fetch SMTP profile")
	}
	return c.JSON(utils.SuccessResponse(profile))
}

func (pc *SMTPProfileController) Create(c *fiber.Ctx) error {
	var req services.SMTPProfileInput
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	profile, err := pc.Profiles.Create(c.UserContext(), req)
	if err != nil {
		return serviceError(c, err, "Failed to create SMTP profile")
	}
	pc.Logger.WithField("profile_id", profile.ID).Info("SMTP profile created")
	return c.JSON(utils.SuccessResponse(profile))
}

func (pc *SMTPProfileController) Update(c *fiber.Ctx) error {
	var req services.SMTPProfileUpdate
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	profile, err := pc.Profiles.Update(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return serviceError(c, err, "Failed to update SMTP profile")
	}
	return c.JSON(utils.SuccessResponse(profile))
}

func (pc *SMTPProfileController) Archive(c *fiber.Ctx) error {
	profile, err := pc.Profiles.Archive(c.UserContext(), c.Params("id"))
	if err != nil {
		return serviceError(c, err, "Failed to archive SMTP profile")
	}
	return c.JSON(utils.SuccessResponse(profile))
}

func (pc *SMTPProfileController) Delete(c *fiber.Ctx) error {
	if err := pc.Profiles.Delete(c.UserContext(), c.Params("id")); err != nil {
		return serviceError(c, err, "Failed to delete SMTP profile")
	}
	return c.JSON(fiber.Map{"success": true, "message": "SMTP profile deleted"})
}

// Test sends a real message through a stored profile.
func (pc *SMTPProfileController) Test(c *fiber.Ctx) error {
	var req struct {
		TestEmail string `json:"testEmail"`
	}
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	res, err := pc.Profiles.Test(c.UserContext(), c.Params("id"), req.TestEmail)
	if err != nil {
		return serviceError(c, err, "Failed to send test email")
	}
	return c.JSON(utils.SuccessResponse(res))
}

// SendTestEmail sends the fixed test message through profile settings given inline.
func (pc *SMTPProfileController) SendTestEmail(c *fiber.Ctx) error {
	var req struct {
		Recipient   string               `json:"recipient"`
		SMTPProfile *services.InlineSMTP `json:"smtpProfile"`
	}
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}
	res, err := pc.Profiles.SendTestEmail(c.UserContext(), req.Recipient, req.SMTPProfile)
	if err != nil {
		return serviceError(c, err, "Erreur lors de l'envoi de l'email de test")
	}
	return c.JSON(res)
}
