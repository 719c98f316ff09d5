package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"marki/models"
	"marki/parse"
	"marki/utils"
)

type SMTPProfileService struct {
	parse  *parse.Client
	mailer Mailer
	log    *logrus.Entry
	clock  Clock
}

func NewSMTPProfileService(pc *parse.Client, mailer Mailer) *SMTPProfileService {
	return &SMTPProfileService{parse: pc, mailer: mailer, log: utils.Component("smtp_profiles")}
}

// SMTPProfileView is what the API returns: the stored profile without its password.
type SMTPProfileView struct {
	ID string `json:"id"`
	models.SMTPProfile
}

func view(p models.SMTPProfile) SMTPProfileView {
	p.Sanitize()
	return SMTPProfileView{ID: p.ObjectID, SMTPProfile: p}
}

type SMTPProfileInput struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	UseSSL   bool   `json:"useSSL"`
	UseTLS   bool   `json:"useTLS"`
}

// SMTPProfileUpdate only carries the fields the caller sent.
type SMTPProfileUpdate struct {
	Name     *string `json:"name"`
	Host     *string `json:"host"`
	Port     *int    `json:"port"`
	Email    *string `json:"email"`
	Username *string `json:"username"`
	Password *string `json:"password"`
	UseSSL   *bool   `json:"useSSL"`
	UseTLS   *bool   `json:"useTLS"`
	IsActive *bool   `json:"isActive"`
}

// List returns the profiles that are not archived.
func (s *SMTPProfileService) List(ctx context.Context) ([]SMTPProfileView, error) {
	rows, err := parse.FindAll[models.SMTPProfile](ctx, s.parse, models.ClassSMTPProfile, parse.Query{
		Where: map[string]any{"isArchived": parse.Ne(true)},
		Order: "name",
	})
	if err != nil {
		return nil, fmt.Errorf("list smtp profiles: %w", err)
	}
	out := make([]SMTPProfileView, 0, len(rows))
	for _, p := range rows {
		out = append(out, view(p))
	}
	return out, nil
}

func (s *SMTPProfileService) load(ctx context.Context, id string) (models.SMTPProfile, error) {
	var p models.SMTPProfile
	if err := s.parse.Get(ctx, models.ClassSMTPProfile, id, &p); err != nil {
		if parse.IsNotFound(err) {
			return p, notFound("SMTP profile not found")
		}
		return p, fmt.Errorf("get smtp profile %s: %w", id, err)
	}
	return p, nil
}

func (s *SMTPProfileService) Get(ctx context.Context, id string) (SMTPProfileView, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return SMTPProfileView{}, err
	}
	return view(p), nil
}

func (s *SMTPProfileService) Create(ctx context.Context, in SMTPProfileInput) (SMTPProfileView, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Host = strings.TrimSpace(in.Host)
	in.Email = strings.TrimSpace(in.Email)
	if in.Name == "" || in.Host == "" || in.Port <= 0 || in.Email == "" {
		return SMTPProfileView{}, invalid("Name, host, port and email are required")
	}
	if err := utils.ValidateEmail(in.Email); err != nil {
		return SMTPProfileView{}, invalid("Invalid sender email: %s", in.Email)
	}

	password, err := utils.EncryptSecret(in.Password)
	if err != nil {
		return SMTPProfileView{}, fmt.Errorf("encrypt smtp password: %w", err)
	}

	p := models.SMTPProfile{
		Name:       in.Name,
		Host:       in.Host,
		Port:       models.FlexInt(in.Port),
		Email:      in.Email,
		Username:   in.Username,
		Password:   password,
		UseSSL:     in.UseSSL,
		UseTLS:     in.UseTLS,
		IsActive:   true,
		IsArchived: false,
	}
	res, err := s.parse.Create(ctx, models.ClassSMTPProfile, p)
	if err != nil {
		return SMTPProfileView{}, fmt.Errorf("create smtp profile: %w", err)
	}
	p.ObjectID = res.ObjectID
	p.CreatedAt = res.CreatedAt
	p.UpdatedAt = res.CreatedAt

	s.log.WithFields(logrus.Fields{"profile_id": p.ObjectID, "host": p.Host}).Info("SMTP profile created")
	return view(p), nil
}

func (s *SMTPProfileService) Update(ctx context.Context, id string, in SMTPProfileUpdate) (SMTPProfileView, error) {
	if _, err := s.load(ctx, id); err != nil {
		return SMTPProfileView{}, err
	}

	changes := map[string]any{}
	if in.Name != nil {
		changes["name"] = strings.TrimSpace(*in.Name)
	}
	if in.Host != nil {
		changes["host"] = strings.TrimSpace(*in.Host)
	}
	if in.Port != nil {
		if *in.Port <= 0 {
			return SMTPProfileView{}, invalid("port must be a positive number")
		}
		changes["port"] = *in.Port
	}
	if in.Email != nil {
		if err := utils.ValidateEmail(*in.Email); err != nil {
			return SMTPProfileView{}, invalid("Invalid sender email: %s", *in.Email)
		}
		changes["email"] = strings.TrimSpace(*in.Email)
	}
	if in.Username != nil {
		changes["username"] = *in.Username
	}
	// An empty password in an edit form means "unchanged".
	if in.Password != nil && *in.Password != "" {
		enc, err := utils.EncryptSecret(*in.Password)
		if err != nil {
			return SMTPProfileView{}, fmt.Errorf("encrypt smtp password: %w", err)
		}
		changes["password"] = enc
	}
	if in.UseSSL != nil {
		changes["useSSL"] = *in.UseSSL
	}
	if in.UseTLS != nil {
		changes["useTLS"] = *in.UseTLS
	}
	if in.IsActive != nil {
		changes["isActive"] = *in.IsActive
	}

	if len(changes) > 0 {
		if err := s.parse.Update(ctx, models.ClassSMTPProfile, id, changes); err != nil {
			return SMTPProfileView{}, fmt.Errorf("update smtp profile %s: %w", id, err)
		}
	}
	return s.Get(ctx, id)
}

// Archive hides a profile from listings and disables it.
func (s *SMTPProfileService) Archive(ctx context.Context, id string) (SMTPProfileView, error) {
	if _, err := s.load(ctx, id); err != nil {
		return SMTPProfileView{}, err
	}
	if err := s.parse.Update(ctx, models.ClassSMTPProfile, id, map[string]any{
		"isArchived": true,
		"isActive":   false,
	}); err != nil {
		return SMTPProfileView{}, fmt.Errorf("archive smtp profile %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

func (s *SMTPProfileService) Delete(ctx context.Context, id string) error {
	if _, err := s.load(ctx, id); err != nil {
		return err
	}
	if err := s.parse.Delete(ctx, models.ClassSMTPProfile, id); err != nil {
		return fmt.Errorf("delete smtp profile %s: %w", id, err)
	}
	return nil
}

// Settings returns the decrypted mailer settings of an active profile.
func (s *SMTPProfileService) Settings(ctx context.Context, id string) (utils.SMTPSettings, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return utils.SMTPSettings{}, err
	}
	if p.IsArchived {
		return utils.SMTPSettings{}, invalid("SMTP profile %s is archived", id)
	}
	return smtpSettings(p)
}

type ProfileTestResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ProfileID string `json:"profileId"`
	TestEmail string `json:"testEmail"`
	MessageID string `json:"messageId,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Test sends a real message through the profile to testEmail.
func (s *SMTPProfileService) Test(ctx context.Context, id, testEmail string) (ProfileTestResult, error) {
	testEmail = strings.TrimSpace(testEmail)
	if testEmail == "" {
		return ProfileTestResult{}, invalid("Test email is required")
	}
	if err := utils.ValidateEmail(testEmail); err != nil {
		return ProfileTestResult{}, invalid("Invalid test email: %s", testEmail)
	}

	p, err := s.load(ctx, id)
	if err != nil {
		return ProfileTestResult{}, err
	}
	settings, err := smtpSettings(p)
	if err != nil {
		return ProfileTestResult{}, fmt.Errorf("decrypt smtp password: %w", err)
	}

	now := s.clock.now()
	messageID, err := s.mailer.Send(ctx, settings, utils.Email{
		To:      []string{testEmail},
		Subject: "Test du profil SMTP " + p.Name,
		Text: fmt.Sprintf("Ce message confirme que le profil SMTP %q (%s:%d) fonctionne.\n\nEnvoyé le %s.",
			p.Name, p.Host, int(p.Port), now.Format(time.RFC3339)),
	})
	if err != nil {
		utils.LogError("smtp_profile_test_failed", err, map[string]interface{}{"profile_id": id, "host": p.Host})
		return ProfileTestResult{}, fmt.Errorf("smtp test failed: %w", err)
	}

	return ProfileTestResult{
		Success:   true,
		Message:   "Test email sent successfully to " + testEmail,
		ProfileID: id,
		TestEmail: testEmail,
		MessageID: messageID,
		Timestamp: now.Format(time.RFC3339),
	}, nil
}

// InlineSMTP is the unsaved profile a user tries from the settings form.
type InlineSMTP struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	UseSSL   bool   `json:"useSSL"`
	UseTLS   bool   `json:"useTLS"`
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

type TestEmailResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
	Recipient string `json:"recipient"`
	Timestamp string `json:"timestamp"`
}

// SendTestEmail sends the fixed test message through an inline profile.
func (s *SMTPProfileService) SendTestEmail(ctx context.Context, recipient string, profile *InlineSMTP) (TestEmailResult, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return TestEmailResult{}, invalid("Le destinataire est requis")
	}
	if profile == nil {
		return TestEmailResult{}, invalid("Le profil SMTP est requis")
	}
	if err := utils.ValidateEmail(recipient); err != nil {
		return TestEmailResult{}, invalid("Adresse e-mail invalide: %s", recipient)
	}

	now := s.clock.now()
	settings := utils.SMTPSettings{
		Host:     profile.Host,
		Port:     profile.Port,
		Username: profile.Username,
		Password: profile.Password,
		UseSSL:   profile.UseSSL,
		UseTLS:   profile.UseTLS,
		From:     profile.Email,
		FromName: "Marki Test",
	}
	if err := settings.Validate(); err != nil {
		return TestEmailResult{}, invalid("Profil SMTP incomplet: %v", err)
	}

	messageID, err := s.mailer.Send(ctx, settings, utils.Email{
		To:      []string{recipient},
		Subject: "Test d'email depuis Marki ",
		Text:    "Ceci est un email de test envoyé depuis Marki le " + now.Format("02/01/2006 15:04:05") + ".",
		HTML:    "<p>Ceci est un email de test envoyé depuis <strong>Marki</strong> le " + now.Format("02/01/2006 15:04:05") + ".</p>",
	})
	if err != nil {
		utils.LogError("test_email_failed", err, map[string]interface{}{"smtp_host": profile.Host, "recipient": recipient})
		return TestEmailResult{}, fmt.Errorf("send test email: %w", err)
	}

	utils.LogEvent("test_email_sent", map[string]interface{}{"recipient": recipient, "message_id": messageID})
	return TestEmailResult{
		Success:   true,
		MessageID: messageID,
		Message:   "Email de test envoyé avec succès",
		Recipient: recipient,
		Timestamp: now.Format(time.RFC3339),
	}, nil
}
