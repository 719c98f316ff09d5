package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"marki/services"
	"marki/utils"
)

// serviceError maps a service error onto the HTTP envelope. Unknown errors are
// logged and answered with 500 and the fallback message.
func serviceError(c *fiber.Ctx, err error, fallback string) error {
	if services.IsForbiddenSQL(err) {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Requête SQL non autorisée", nil)
	}
	if ve, ok := services.IsValidation(err); ok {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, ve.Message, nil)
	}
	switch {
	case errors.Is(err, services.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, err.Error(), nil)
	case errors.Is(err, services.ErrConflict):
		return utils.ErrorResponse(c, fiber.StatusConflict, err.Error(), nil)
	case errors.Is(err, services.ErrUnauthorized):
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, err.Error(), nil)
	}

	utils.LogError("request_failed", err, map[string]interface{}{
		"method": c.Method(),
		"path":   c.Path(),
	})
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, fallback, err)
}

func badRequest(c *fiber.Ctx, message string) error {
	return utils.ErrorResponse(c, fiber.StatusBadRequest, message, nil)
}

// bind parses the JSON body into v. An empty body leaves v untouched. The
// returned error is the message for a 400 and nothing has been written yet.
func bind(c *fiber.Ctx, v interface{}) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(v); err != nil {
		return errInvalidBody
	}
	return nil
}

var errInvalidBody = errors.New("Corps de requête invalide")

// bindValid is bind followed by the struct's validate tags.
func bindValid(c *fiber.Ctx, v interface{}) error {
	if err := bind(c, v); err != nil {
		return err
	}
	return utils.ValidateStruct(v)
}
