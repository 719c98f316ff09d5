package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"marki/config"
	"marki/parse"
	"marki/utils"
)

// SessionCache is satisfied by any fiber.Storage, e.g. middleware.RedisStorage.
type SessionCache interface {
	Get(key string) ([]byte, error)
	Set(key string, val []byte, exp time.Duration) error
	Delete(key string) error
}

const sessionCacheTTL = 60 * time.Second

type AuthService struct {
	parse *parse.Client
	cache SessionCache
	log   *logrus.Entry
}

// NewAuthService builds the service; cache may be nil.
func NewAuthService(pc *parse.Client, cache SessionCache) *AuthService {
	return &AuthService{parse: pc, cache: cache, log: utils.Component("auth")}
}

type LoginResult struct {
	Success      bool   `json:"success"`
	SessionToken string `json:"sessionToken"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	Remember     bool   `json:"remember"`
	Redirect     string `json:"redirect"`
	Message      string `json:"message"`
	// CookieMaxAge is 0 for a browser-session cookie.
	CookieMaxAge time.Duration `json:"-"`
}

func (s *AuthService) Login(ctx context.Context, username, password string, remember bool) (LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return LoginResult{}, invalid("Username et password sont requis")
	}

	sess, err := s.parse.Login(ctx, username, password)
	if err != nil {
		switch {
		case parse.IsUnauthorized(err):
			return LoginResult{}, unauthorized("Identifiant ou mot de passe incorrect")
		case parse.IsNotFound(err):
			return LoginResult{}, notFound("Aucun utilisateur avec cet identifiant")
		}
		utils.LogError("login_upstream_failed", err, map[string]interface{}{"username": username})
		return LoginResult{}, fmt.Errorf("impossible de se connecter au service d'authentification: %w", err)
	}
	if sess.IsActive != nil && !*sess.IsActive {
		_ = s.parse.Logout(ctx, sess.SessionToken)
		return LoginResult{}, unauthorized("Compte désactivé")
	}

	res := LoginResult{
		Success:      true,
		SessionToken: sess.SessionToken,
		UserID:       sess.ObjectID,
		Username:     username,
		Remember:     remember,
		Redirect:     config.AppConfig.LoginRedirect,
		Message:      "Connexion réussie",
	}
	if res.Redirect == "" {
		res.Redirect = "/dashboard"
	}
	if remember {
		days := config.AppConfig.RememberMeDays
		if days <= 0 {
			days = 30
		}
		res.CookieMaxAge = time.Duration(days) * 24 * time.Hour
	}
	s.log.WithFields(logrus.Fields{"user_id": sess.ObjectID, "remember": remember}).Info("User logged in")
	return res, nil
}

// Logout revokes the session upstream and drops it from the cache. An unknown token is not an error.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if s.cache != nil {
		_ = s.cache.Delete(sessionKey(token))
	}
	if err := s.parse.Logout(ctx, token); err != nil && !parse.IsUnauthorized(err) {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Validate resolves a session token, caching positive answers for a minute.
func (s *AuthService) Validate(ctx context.Context, token string) (*parse.Session, error) {
	if token == "" {
		return nil, unauthorized("Token d'authentification requis")
	}

	key := sessionKey(token)
	if s.cache != nil {
		if raw, err := s.cache.Get(key); err == nil && len(raw) > 0 {
			var sess parse.Session
			if json.Unmarshal(raw, &sess) == nil {
				return &sess, nil
			}
		}
	}

	sess, err := s.parse.Me(ctx, token)
	if err != nil {
		if parse.IsUnauthorized(err) || parse.IsNotFound(err) {
			return nil, unauthorized("Token invalide ou expiré")
		}
		return nil, fmt.Errorf("validate session: %w", err)
	}
	if sess.IsActive != nil && !*sess.IsActive {
		return nil, unauthorized("Compte désactivé")
	}

	if s.cache != nil {
		if raw, err := json.Marshal(sess); err == nil {
			_ = s.cache.Set(key, raw, sessionCacheTTL)
		}
	}
	return sess, nil
}

// sessionKey keeps raw tokens out of the cache backend.
func sessionKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return utils.GenerateRateLimitKey("session", hex.EncodeToString(sum[:16]), "auth")
}
