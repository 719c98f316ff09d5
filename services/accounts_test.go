package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"marki/config"
	"marki/models"
	"marki/parse"
	"marki/parse/parsetest"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *mapCache) Get(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *mapCache) Set(key string, val []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[string][]byte{}
	}
	c.data[key] = val
	return nil
}

func (c *mapCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func TestSMTPProfileLifecycle(t *testing.T) {
	withTestConfig(t)
	srv := parsetest.New(t)
	m := &fakeMailer{}
	s := NewSMTPProfileService(srv.Client(), m)
	s.clock = fixedClock()
	ctx := context.Background()

	if _, err := s.Create(ctx, SMTPProfileInput{Name: "Compta", Host: "smtp.acme.fr"}); err == nil {
		t.Fatal("missing port and email accepted")
	}
	if _, err := s.Create(ctx, SMTPProfileInput{Name: "Compta", Host: "smtp.acme.fr", Port: 587, Email: "pas-un-mail"}); err == nil {
		t.Fatal("invalid sender accepted")
	}

	p, err := s.Create(ctx, SMTPProfileInput{Name: "Compta", Host: "smtp.acme.fr", Port: 587, Email: "compta@acme.fr", Username: "compta", Password: "hunter2"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID == "" || p.Password != "" || !p.IsActive {
		t.Fatalf("created = %+v", p)
	}
	stored := srv.Object(models.ClassSMTPProfile, p.ID)
	if !strings.HasPrefix(stored["password"].(string), "enc:") {
		t.Fatalf("password stored as %v", stored["password"])
	}

	settings, err := s.Settings(ctx, p.ID)
	if err != nil || settings.Password != "hunter2" || settings.From != "compta@acme.fr" {
		t.Fatalf("Settings = %+v, %v", settings, err)
	}

	empty := ""
	port := 465
	updated, err := s.Update(ctx, p.ID, SMTPProfileUpdate{Password: &empty, Port: &port})
	if err != nil || int(updated.Port) != 465 {
		t.Fatalf("Update = %+v, %v", updated, err)
	}
	if again, _ := s.Settings(ctx, p.ID); again.Password != "hunter2" {
		t.Error("an empty password must leave the stored one unchanged")
	}

	res, err := s.Test(ctx, p.ID, "moi@acme.fr")
	if err != nil || !res.Success || res.MessageID == "" {
		t.Fatalf("Test = %+v, %v", res, err)
	}
	if len(m.sent) != 1 || m.sent[0].Email.To[0] != "moi@acme.fr" || m.sent[0].Settings.Port != 465 {
		t.Fatalf("sent = %+v", m.sent)
	}

	if _, err := s.Archive(ctx, p.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	list, err := s.List(ctx)
	if err != nil || len(list) != 0 {
		t.Fatalf("archived profile listed: %+v, %v", list, err)
	}
	if _, err := s.Settings(ctx, p.ID); err == nil {
		t.Fatal("archived profile still usable")
	}

	if err := s.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: %v", err)
	}
}

func TestSendTestEmail(t *testing.T) {
	withTestConfig(t)
	srv := parsetest.New(t)
	m := &fakeMailer{}
	s := NewSMTPProfileService(srv.Client(), m)
	ctx := context.Background()

	profile := &InlineSMTP{Host: "smtp.acme.fr", Port: 587, Email: "test@acme.fr"}
	if _, err := s.SendTestEmail(ctx, "", profile); err == nil {
		t.Fatal("missing recipient accepted")
	}
	if _, err := s.SendTestEmail(ctx, "dest@acme.fr", nil); err == nil {
		t.Fatal("missing profile accepted")
	}
	if _, err := s.SendTestEmail(ctx, "dest@acme.fr", &InlineSMTP{Email: "test@acme.fr"}); err == nil {
		t.Fatal("profile without host accepted")
	}

	res, err := s.SendTestEmail(ctx, "dest@acme.fr", profile)
	if err != nil || !res.Success || res.Recipient != "dest@acme.fr" {
		t.Fatalf("SendTestEmail = %+v, %v", res, err)
	}
	if m.sent[0].Email.HTML == "" || m.sent[0].Settings.FromName != "Marki Test" {
		t.Fatalf("sent = %+v", m.sent[0])
	}

	m.failAll = errors.New("connection refused")
	if _, err := s.SendTestEmail(ctx, "dest@acme.fr", profile); err == nil {
		t.Fatal("mailer failure swallowed")
	}
}

func TestUserLifecycle(t *testing.T) {
	srv := parsetest.New(t)
	s := NewUserService(srv.Client())
	ctx := context.Background()

	if _, err := s.Create(ctx, CreateUserInput{Email: "a@b.fr"}); err == nil {
		t.Fatal("missing names accepted")
	}
	id, err := s.Create(ctx, CreateUserInput{FirstName: "Marie", LastName: "Curie", Email: "Marie@Acme.fr", Password: "pw"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(ctx, CreateUserInput{FirstName: "M", LastName: "C", Email: "marie@acme.fr", Password: "pw"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate email: %v", err)
	}
	s.Create(ctx, CreateUserInput{FirstName: "Pierre", LastName: "Durand", Email: "pierre@acme.fr", Password: "pw"})

	u, err := s.Get(ctx, id)
	if err != nil || u.Username != "marie@acme.fr" || !u.IsActive {
		t.Fatalf("Get = %+v, %v", u, err)
	}

	found, err := s.Search(ctx, "CUR")
	if err != nil || len(found) != 1 || found[0].ObjectID != id {
		t.Fatalf("Search = %+v, %v", found, err)
	}
	if all, _ := s.Search(ctx, " "); len(all) != 2 {
		t.Fatalf("blank search should list everyone, got %d", len(all))
	}

	if _, err := s.SetActive(ctx, id, "false"); err == nil {
		t.Fatal("non-boolean status accepted")
	}
	if active, err := s.SetActive(ctx, id, false); err != nil || active {
		t.Fatalf("SetActive = %v, %v", active, err)
	}
	if u, _ := s.Get(ctx, id); u.IsActive {
		t.Fatal("user still active")
	}

	admin := true
	if err := s.Update(ctx, id, UpdateUserInput{FirstName: "Marie", LastName: "Sklodowska", Email: "marie@acme.fr", IsAdmin: &admin}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.ChangePassword(ctx, id, "neuf"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := srv.Client().Login(ctx, "marie@acme.fr", "neuf"); err != nil {
		t.Fatalf("login with the new password: %v", err)
	}

	info, err := s.CurrentFullInfo(ctx, &parse.Session{ObjectID: id, SessionToken: "r:abc"})
	if err != nil || info.LastName != "Sklodowska" || !info.IsAdmin || info.SessionToken != "r:abc" {
		t.Fatalf("CurrentFullInfo = %+v, %v", info, err)
	}
	if _, err := s.Current(ctx, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Current(nil): %v", err)
	}

	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: %v", err)
	}
}

func TestLoginAndValidate(t *testing.T) {
	withTestConfig(t)
	config.AppConfig.LoginRedirect = ""
	config.AppConfig.RememberMeDays = 0
	srv := parsetest.New(t)
	cache := &mapCache{}
	s := NewAuthService(srv.Client(), cache)
	ctx := context.Background()

	userID := srv.SeedUser("marie@acme.fr", "pw", map[string]any{"is_active": true})
	srv.SeedUser("ancien@acme.fr", "pw", map[string]any{"is_active": false})

	if _, err := s.Login(ctx, "", "pw", false); err == nil {
		t.Fatal("empty username accepted")
	}
	if _, err := s.Login(ctx, "marie@acme.fr", "faux", false); err == nil {
		t.Fatal("wrong password accepted")
	}
	if _, err := s.Login(ctx, "ancien@acme.fr", "pw", false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("disabled account: %v", err)
	}

	res, err := s.Login(ctx, "marie@acme.fr", "pw", true)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.UserID != userID || res.Redirect != "/dashboard" || res.CookieMaxAge != 30*24*time.Hour {
		t.Fatalf("Login = %+v", res)
	}
	if short, _ := s.Login(ctx, "marie@acme.fr", "pw", false); short.CookieMaxAge != 0 {
		t.Errorf("session cookie without remember-me should not persist, got %v", short.CookieMaxAge)
	}

	sess, err := s.Validate(ctx, res.SessionToken)
	if err != nil || sess.ObjectID != userID {
		t.Fatalf("Validate = %+v, %v", sess, err)
	}
	if len(cache.data) != 1 {
		t.Fatalf("session not cached: %v", cache.data)
	}
	before := len(srv.Requests())
	if _, err := s.Validate(ctx, res.SessionToken); err != nil {
		t.Fatalf("cached Validate: %v", err)
	}
	if len(srv.Requests()) != before {
		t.Error("cached session should not hit Parse")
	}

	if err := s.Logout(ctx, res.SessionToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := s.Validate(ctx, res.SessionToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Validate after logout: %v", err)
	}
	if _, err := s.Validate(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty token: %v", err)
	}
}

func TestSessionKeyDoesNotLeakToken(t *testing.T) {
	key := sessionKey("r:secret-token")
	if strings.Contains(key, "secret-token") {
		t.Fatalf("key %q exposes the token", key)
	}
	if key != sessionKey("r:secret-token") || key == sessionKey("r:other-token") {
		t.Fatal("session keys must be stable and distinct per token")
	}
}

func TestSetupClassesIsIdempotent(t *testing.T) {
	srv := parsetest.New(t)
	ctx := context.Background()

	first, err := SetupClasses(ctx, srv.Client())
	if err != nil {
		t.Fatalf("SetupClasses: %v", err)
	}
	if len(first.Created) != len(models.Schemas()) || len(first.Existing) != 0 {
		t.Fatalf("first run = %+v", first)
	}
	second, err := SetupClasses(ctx, srv.Client())
	if err != nil || len(second.Created) != 0 || len(second.Existing) != len(models.Schemas()) {
		t.Fatalf("second run = %+v, %v", second, err)
	}
	if n := len(srv.Objects(models.ClassGlobalVariables)); n != 1 {
		t.Fatalf("VariablesGlobales rows = %d", n)
	}
}
