package controller

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"marki/config"
	"marki/middleware"
	"marki/services"
	"marki/utils"
)

type AuthController struct {
	Auth   *services.AuthService
	Logger *logrus.Entry
}

func NewAuthController(auth *services.AuthService) *AuthController {
	return &AuthController{
		Auth:   auth,
		Logger: utils.Component("auth_controller"),
	}
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

func (ac *AuthController) Login(c *fiber.Ctx) error {
	var req LoginRequest
	if err := bind(c, &req); err != nil {
		return badRequest(c, err.Error())
	}

	res, err := ac.Auth.Login(c.UserContext(), req.Username, req.Password, req.Remember)
	if err != nil {
		return serviceError(c, err, "Erreur lors de la connexion")
	}

	cookie := &fiber.Cookie{
		Name:     config.AppConfig.SessionCookie,
		Value:    res.SessionToken,
		Path:     "/",
		HTTPOnly: true,
		Secure:   config.AppConfig.Environment == "production",
		SameSite: "Lax",
	}
	if res.CookieMaxAge > 0 {
		cookie.MaxAge = int(res.CookieMaxAge / time.Second)
	}
	c.Cookie(cookie)

	ac.Logger.WithField("user_id", res.UserID).Info("User logged in")
	return c.JSON(res)
}

func (ac *AuthController) Logout(c *fiber.Ctx) error {
	if err := ac.Auth.Logout(c.UserContext(), middleware.SessionToken(c)); err != nil {
		ac.Logger.WithError(err).Warn("Session revocation failed")
	}
	c.ClearCookie(config.AppConfig.SessionCookie)
	return c.JSON(fiber.Map{"success": true, "message": "Déconnexion réussie"})
}

// CheckAuth answers whether the caller holds a valid session.
func (ac *AuthController) CheckAuth(c *fiber.Ctx) error {
	sess, err := ac.Auth.Validate(c.UserContext(), middleware.SessionToken(c))
	if err != nil {
		if errors.Is(err, services.ErrUnauthorized) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success":       false,
				"authenticated": false,
				"error":         "Non autorisé",
				"message":       err.Error(),
			})
		}
		return serviceError(c, err, "Erreur lors de la vérification de la session")
	}
	return c.JSON(fiber.Map{
		"success":       true,
		"authenticated": true,
		"user": fiber.Map{
			"objectId":  sess.ObjectID,
			"username":  sess.Username,
			"email":     sess.Email,
			"firstName": sess.FirstName,
			"lastName":  sess.LastName,
		},
	})
}
