package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"marki/models"
	"marki/parse"
	"marki/utils"
)

// UserService manages Parse _User rows with the master key.
type UserService struct {
	parse *parse.Client
	log   *logrus.Entry
}

func NewUserService(pc *parse.Client) *UserService {
	return &UserService{parse: pc, log: utils.Component("users")}
}

type CreateUserInput struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	IsAdmin   bool   `json:"is_admin"`
}

type UpdateUserInput struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	IsAdmin   *bool  `json:"is_admin"`
}

// UserView is the public shape of a user.
type UserView struct {
	ObjectID  string `json:"objectId"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	IsAdmin   bool   `json:"is_admin"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

func userView(u models.User) UserView {
	return UserView{
		ObjectID:  u.ObjectID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Email:     u.Email,
		IsAdmin:   u.IsAdmin,
		IsActive:  u.Active(),
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// Create registers a user whose username is its e-mail address.
func (s *UserService) Create(ctx context.Context, in CreateUserInput) (string, error) {
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	if strings.TrimSpace(in.FirstName) == "" || strings.TrimSpace(in.LastName) == "" || in.Email == "" || in.Password == "" {
		return "", invalid("Tous les champs sont requis (sauf is_admin)")
	}
	if err := utils.ValidateEmail(in.Email); err != nil {
		return "", invalid("Adresse e-mail invalide: %s", in.Email)
	}

	res, err := s.parse.Create(ctx, models.ClassUser, map[string]any{
		"username":  in.Email,
		"email":     in.Email,
		"password":  in.Password,
		"firstName": strings.TrimSpace(in.FirstName),
		"lastName":  strings.TrimSpace(in.LastName),
		"is_admin":  in.IsAdmin,
		"is_active": true,
	})
	if err != nil {
		if parse.IsDuplicate(err) {
			return "", conflict("Un utilisateur avec cet email existe déjà")
		}
		return "", fmt.Errorf("create user: %w", err)
	}
	s.log.WithField("user_id", res.ObjectID).Info("User created")
	return res.ObjectID, nil
}

func (s *UserService) load(ctx context.Context, id string) (models.User, error) {
	var u models.User
	if err := s.parse.Get(ctx, models.ClassUser, id, &u); err != nil {
		if parse.IsNotFound(err) {
			return u, notFound("Utilisateur non trouvé")
		}
		return u, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

func (s *UserService) Update(ctx context.Context, id string, in UpdateUserInput) error {
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	if strings.TrimSpace(in.FirstName) == "" || strings.TrimSpace(in.LastName) == "" || in.Email == "" {
		return invalid("Les champs firstName, lastName et email sont requis")
	}
	if err := utils.ValidateEmail(in.Email); err != nil {
		return invalid("Adresse e-mail invalide: %s", in.Email)
	}
	if _, err := s.load(ctx, id); err != nil {
		return err
	}

	changes := map[string]any{
		"firstName": strings.TrimSpace(in.FirstName),
		"lastName":  strings.TrimSpace(in.LastName),
		"email":     in.Email,
		"username":  in.Email,
	}
	if in.IsAdmin != nil {
		changes["is_admin"] = *in.IsAdmin
	}
	if err := s.parse.Update(ctx, models.ClassUser, id, changes); err != nil {
		if parse.IsDuplicate(err) {
			return conflict("Un utilisateur avec cet email existe déjà")
		}
		return fmt.Errorf("update user %s: %w", id, err)
	}
	return nil
}

func (s *UserService) List(ctx context.Context) ([]UserView, error) {
	rows, err := parse.FindAll[models.User](ctx, s.parse, models.ClassUser, parse.Query{Order: "lastName,firstName"})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]UserView, 0, len(rows))
	for _, u := range rows {
		out = append(out, userView(u))
	}
	return out, nil
}

func (s *UserService) Get(ctx context.Context, id string) (UserView, error) {
	u, err := s.load(ctx, id)
	if err != nil {
		return UserView{}, err
	}
	return userView(u), nil
}

func (s *UserService) Delete(ctx context.Context, id string) error {
	if _, err := s.load(ctx, id); err != nil {
		return err
	}
	if err := s.parse.Delete(ctx, models.ClassUser, id); err != nil {
		return fmt.Errorf("delete user %s: %w", id, err)
	}
	return nil
}

func (s *UserService) ChangePassword(ctx context.Context, id, newPassword string) error {
	if newPassword == "" {
		return invalid("Le nouveau mot de passe est requis")
	}
	if _, err := s.load(ctx, id); err != nil {
		return err
	}
	if err := s.parse.Update(ctx, models.ClassUser, id, map[string]any{"password": newPassword}); err != nil {
		return fmt.Errorf("change password of %s: %w", id, err)
	}
	return nil
}

// SetActive takes the raw JSON value so non-boolean input can be rejected.
func (s *UserService) SetActive(ctx context.Context, id string, raw any) (bool, error) {
	active, ok := raw.(bool)
	if !ok {
		return false, invalid("Le statut est requis")
	}
	if _, err := s.load(ctx, id); err != nil {
		return false, err
	}
	if err := s.parse.Update(ctx, models.ClassUser, id, map[string]any{"is_active": active}); err != nil {
		return false, fmt.Errorf("set active on %s: %w", id, err)
	}
	return active, nil
}

// Search matches term case-insensitively against first name, last name and e-mail.
func (s *UserService) Search(ctx context.Context, term string) ([]UserView, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return s.List(ctx)
	}
	pattern := regexp.QuoteMeta(term)
	rows, err := parse.FindAll[models.User](ctx, s.parse, models.ClassUser, parse.Query{
		Where: map[string]any{"$or": []map[string]any{
			{"firstName": parse.Regex(pattern, "i")},
			{"lastName": parse.Regex(pattern, "i")},
			{"email": parse.Regex(pattern, "i")},
		}},
		Order: "lastName,firstName",
	})
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	out := make([]UserView, 0, len(rows))
	for _, u := range rows {
		out = append(out, userView(u))
	}
	return out, nil
}

// Current resolves the session owner to its stored user.
func (s *UserService) Current(ctx context.Context, sess *parse.Session) (UserView, error) {
	if sess == nil || sess.ObjectID == "" {
		return UserView{}, unauthorized("Utilisateur non authentifié")
	}
	return s.Get(ctx, sess.ObjectID)
}

// FullInfo is Current plus the session token, for the profile page.
type FullInfo struct {
	UserView
	SessionToken string `json:"sessionToken"`
}

func (s *UserService) CurrentFullInfo(ctx context.Context, sess *parse.Session) (FullInfo, error) {
	u, err := s.Current(ctx, sess)
	if err != nil {
		return FullInfo{}, err
	}
	return FullInfo{UserView: u, SessionToken: sess.SessionToken}, nil
}
