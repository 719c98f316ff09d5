package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"marki/config"
	"marki/parse"
	"marki/services"
	"marki/utils"
)

const sessionLocal = "session"

// SessionToken reads the Parse session token from the Authorization header, the
// X-Parse-Session-Token header or the session cookie, in that order.
func SessionToken(c *fiber.Ctx) string {
	if h := c.Get(fiber.HeaderAuthorization); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if t := c.Get("X-Parse-Session-Token"); t != "" {
		return t
	}
	return c.Cookies(config.AppConfig.SessionCookie)
}

// Protected rejects requests without a valid Parse session and stores the session in Locals.
func Protected(auth *services.AuthService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := SessionToken(c)
		if token == "" {
			return unauthorizedResponse(c, "Authentification requise")
		}

		sess, err := auth.Validate(c.UserContext(), token)
		if err != nil {
			if errors.Is(err, services.ErrUnauthorized) {
				return unauthorizedResponse(c, err.Error())
			}
			utils.LogError("session_validation_failed", err, map[string]interface{}{"path": c.Path()})
			return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "Service d'authentification indisponible", err)
		}
		if sess.SessionToken == "" {
			sess.SessionToken = token
		}

		c.Locals(sessionLocal, sess)
		return c.Next()
	}
}

// CurrentSession returns the session stored by Protected, or nil.
func CurrentSession(c *fiber.Ctx) *parse.Session {
	sess, _ := c.Locals(sessionLocal).(*parse.Session)
	return sess
}

func unauthorizedResponse(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"success": false,
		"error":   "Non autorisé",
		"message": message,
	})
}
