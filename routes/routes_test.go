package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"marki/config"
	"marki/metrics"
	"marki/parse"
	"marki/parse/parsetest"
	"marki/services"
	"marki/utils"
)

type stubMailer struct {
	sent []utils.Email
}

func (m *stubMailer) Send(_ context.Context, _ utils.SMTPSettings, e utils.Email) (string, error) {
	m.sent = append(m.sent, e)
	return "<stub@marki>", nil
}

func (m *stubMailer) TestConnection(context.Context, utils.SMTPSettings) error { return nil }

type testApp struct {
	app    *fiber.App
	srv    *parsetest.Server
	mailer *stubMailer
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	prev := config.AppConfig
	config.AppConfig.EncryptionKey = "0123456789abcdef0123456789abcdef"
	config.AppConfig.DownloadTokenSecret = "download-secret"
	config.AppConfig.SessionCookie = "marki_session"
	config.AppConfig.LoginRedirect = "/dashboard"
	config.AppConfig.RememberMeDays = 30
	config.AppConfig.RateLimitTestEndpoints = 100
	t.Cleanup(func() { config.AppConfig = prev })

	srv := parsetest.New(t)
	pc := srv.Client()
	mailer := &stubMailer{}
	history := services.NewHistoryService(pc)
	ftp := services.NewFTPService(pc, nil)

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	app := fiber.New()
	SetupRoutes(app, Services{
		Parse:     pc,
		Auth:      services.NewAuthService(pc, nil),
		Users:     services.NewUserService(pc),
		Profiles:  services.NewSMTPProfileService(pc, mailer),
		Sequences: services.NewSequenceService(pc, history),
		Relances:  services.NewRelanceService(pc, mailer, 100, 10),
		History:   history,
		Sync:      services.NewSyncConfigService(pc, nil),
		Invoices:  services.NewInvoiceService(pc, ftp, "https://marki.test"),
		FTP:       ftp,
		Gatherer:  reg,
	})
	return &testApp{app: app, srv: srv, mailer: mailer}
}

// login seeds an active user and returns a valid session token.
func (ta *testApp) login(t *testing.T) string {
	t.Helper()
	id := ta.srv.SeedUser("marie@acme.fr", "pw", map[string]any{"is_active": true, "firstName": "Marie"})
	return ta.srv.Session(id)
}

func (ta *testApp) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ta.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func TestHealthMetricsAndNotFound(t *testing.T) {
	ta := newTestApp(t)

	resp, body := ta.do(t, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}

	resp, _ = ta.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}

	resp, body = ta.do(t, http.MethodGet, "/nowhere", "", nil)
	if resp.StatusCode != http.StatusNotFound || body["success"] != false {
		t.Fatalf("unknown route = %d %v", resp.StatusCode, body)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	ta := newTestApp(t)

	for _, path := range []string{"/api/users", "/api/smtp-profiles", "/api/sequences", "/api/sync-configs"} {
		resp, body := ta.do(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized || body["error"] != "Non autorisé" {
			t.Errorf("%s = %d %v", path, resp.StatusCode, body)
		}
	}

	resp, _ := ta.do(t, http.MethodGet, "/api/users", "r:forged", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("forged token = %d", resp.StatusCode)
	}
}

func TestLoginCookieAndCheckAuth(t *testing.T) {
	ta := newTestApp(t)
	ta.srv.SeedUser("marie@acme.fr", "pw", map[string]any{"is_active": true})

	resp, body := ta.do(t, http.MethodPost, "/api/login", "", map[string]any{"username": "marie@acme.fr", "password": "faux"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("wrong password = %d %v", resp.StatusCode, body)
	}

	resp, body = ta.do(t, http.MethodPost, "/api/login", "", map[string]any{"username": "marie@acme.fr", "password": "pw", "remember": true})
	if resp.StatusCode != http.StatusOK || body["redirect"] != "/dashboard" {
		t.Fatalf("login = %d %v", resp.StatusCode, body)
	}
	cookie := resp.Header.Get("Set-Cookie")
	if !strings.Contains(cookie, "marki_session=") || !strings.Contains(cookie, "max-age=2592000") {
		t.Fatalf("cookie = %q", cookie)
	}

	token, _ := body["sessionToken"].(string)
	resp, body = ta.do(t, http.MethodGet, "/api/check-auth", token, nil)
	if resp.StatusCode != http.StatusOK || body["authenticated"] != true {
		t.Fatalf("check-auth = %d %v", resp.StatusCode, body)
	}

	resp, _ = ta.do(t, http.MethodGet, "/api/users/current", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("current user = %d", resp.StatusCode)
	}
}

func TestSMTPProfileCreateThenTest(t *testing.T) {
	ta := newTestApp(t)
	token := ta.login(t)

	resp, body := ta.do(t, http.MethodPost, "/api/smtp-profiles", token, map[string]any{"name": "Test"})
	if resp.StatusCode != http.StatusBadRequest || body["success"] != false {
		t.Fatalf("incomplete profile = %d %v", resp.StatusCode, body)
	}

	resp, body = ta.do(t, http.MethodPost, "/api/smtp-profiles", token, map[string]any{
		"name": "Test", "host": "smtp.x.com", "port": 587, "email": "a@b.com",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create = %d %v", resp.StatusCode, body)
	}
	data, _ := body["data"].(map[string]any)
	id, _ := data["id"].(string)
	if id == "" {
		t.Fatalf("no id in %v", body)
	}

	resp, body = ta.do(t, http.MethodPost, "/api/smtp-profiles/"+id+"/test", token, map[string]any{"testEmail": "dest@acme.fr"})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("test = %d %v", resp.StatusCode, body)
	}
	data, _ = body["data"].(map[string]any)
	if msg, _ := data["message"].(string); !strings.Contains(msg, "dest@acme.fr") {
		t.Fatalf("message = %q", msg)
	}
	if len(ta.mailer.sent) != 1 {
		t.Fatalf("sent %d mails", len(ta.mailer.sent))
	}

	resp, _ = ta.do(t, http.MethodPost, "/api/smtp-profiles/"+id+"/test", token, map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing testEmail = %d", resp.StatusCode)
	}
}

func TestServiceErrorsMapToStatus(t *testing.T) {
	ta := newTestApp(t)
	token := ta.login(t)

	resp, _ := ta.do(t, http.MethodGet, "/api/users/unknown", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown user = %d", resp.StatusCode)
	}

	resp, body := ta.do(t, http.MethodPost, "/api/sync-configs", token, map[string]any{
		"configData": map[string]any{
			"name":        "Export",
			"dbConfig":    map[string]any{"host": "db", "query": "DROP TABLE factures"},
			"parseConfig": map[string]any{"targetClass": "Impayes"},
		},
		"credentials": map[string]any{"username": "u", "password": "p"},
	})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "Requête SQL non autorisée" {
		t.Errorf("blacklisted query = %d %v", resp.StatusCode, body)
	}

	resp, _ = ta.do(t, http.MethodPost, "/api/sequences", token, map[string]any{"nom": " "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unnamed sequence = %d", resp.StatusCode)
	}

	resp, _ = ta.do(t, http.MethodGet, "/api/distinct-values/payeur_nom?limit=-1", token, nil)
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("negative limit = %d", resp.StatusCode)
	}

	resp, body = ta.do(t, http.MethodPost, "/api/distinct-values", token, map[string]any{"limit": 10})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "columnName is required" {
		t.Errorf("missing column = %d %v", resp.StatusCode, body)
	}

	resp, _ = ta.do(t, http.MethodPost, "/api/distinct-values", token, map[string]any{"columnName": "payeur_nom", "limit": 10})
	if resp.StatusCode != http.StatusTemporaryRedirect || resp.Header.Get("Location") != "/api/distinct-values/payeur_nom?limit=10" {
		t.Errorf("redirect = %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestSequenceStatusHook(t *testing.T) {
	ta := newTestApp(t)
	token := ta.login(t)

	seqID := ta.srv.Seed("Sequences", map[string]any{
		"nom":     "Relance standard",
		"isActif": false,
		"actions": []map[string]any{{"type": "email", "delay": 0, "subject": "Rappel {{nfacture}}", "body": "Bonjour"}},
	})
	ta.srv.Seed("Impayes", map[string]any{
		"nfacture":     "F1",
		"payeur_nom":   "Durand",
		"payeur_email": "durand@client.fr",
		"sequence":     map[string]any{"__type": "Pointer", "className": "Sequences", "objectId": seqID},
	})

	resp, body := ta.do(t, http.MethodPost, "/sequence-status-change", token, map[string]any{"sequenceId": seqID, "isActif": true})
	if resp.StatusCode != http.StatusOK || body["message"] != "Séquence activée et relances peuplées" {
		t.Fatalf("activate = %d %v", resp.StatusCode, body)
	}
	if n := len(ta.srv.Objects("Relances")); n != 1 {
		t.Fatalf("relances = %d", n)
	}

	resp, body = ta.do(t, http.MethodPost, "/sequence-deletion", token, map[string]any{"sequenceId": seqID})
	if resp.StatusCode != http.StatusOK || body["warning"] == "" {
		t.Fatalf("deletion hook = %d %v", resp.StatusCode, body)
	}

	resp, _ = ta.do(t, http.MethodPost, "/sequence-status-change", token, map[string]any{"sequenceId": "missing", "isActif": true})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown sequence = %d", resp.StatusCode)
	}
}

func TestDownloadLinkIsPublic(t *testing.T) {
	ta := newTestApp(t)

	resp, body := ta.do(t, http.MethodGet, "/api/download/forged", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token = %d %v", resp.StatusCode, body)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "Lien") {
		t.Fatalf("expected the link error, got %v", body)
	}
}

func (ta *testApp) doRaw(t *testing.T, method, path, token, raw string) (*http.Response, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ta.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestRejectedBodiesStopTheHandler(t *testing.T) {
	ta := newTestApp(t)
	token := ta.login(t)
	seqID := ta.srv.Seed("Sequences", map[string]any{"nom": "Avant", "isActif": false, "actions": []any{}})

	resp, body := ta.doRaw(t, http.MethodPut, "/api/sequences/"+seqID, token, `{"nom": "Après"`)
	if resp.StatusCode != http.StatusBadRequest || body["success"] != false || body["error"] != "Corps de requête invalide" {
		t.Fatalf("malformed update = %d %v", resp.StatusCode, body)
	}
	if _, ok := body["data"]; ok {
		t.Fatalf("handler kept running after the 400: %v", body)
	}
	if nom := ta.srv.Object("Sequences", seqID)["nom"]; nom != "Avant" {
		t.Fatalf("sequence renamed to %v", nom)
	}

	resp, body = ta.doRaw(t, http.MethodPost, "/api/smtp-profiles", token, `{bad json`)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "Corps de requête invalide" {
		t.Fatalf("malformed profile = %d %v", resp.StatusCode, body)
	}

	resp, body = ta.do(t, http.MethodPost, "/api/email-errors", token, map[string]any{"invoiceId": "inv1"})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "error is required" {
		t.Fatalf("missing error field = %d %v", resp.StatusCode, body)
	}
	if n := len(ta.srv.Objects("EmailErrors")); n != 0 {
		t.Fatalf("%d email errors stored for a rejected request", n)
	}
}

func TestGenerateEndpointsWithoutAI(t *testing.T) {
	ta := newTestApp(t)
	token := ta.login(t)
	seqID := ta.srv.Seed("Sequences", map[string]any{"nom": "IA", "isActif": false, "actions": []any{}})

	resp, body := ta.do(t, http.MethodPost, "/api/sequences/"+seqID+"/generate-email", token, map[string]any{"tone": "amiable", "delay": 3})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate-email = %d %v", resp.StatusCode, body)
	}
	data, _ := body["data"].(map[string]any)
	if data["generatedBy"] != "fallback" {
		t.Fatalf("generate-email data = %v", data)
	}

	resp, body = ta.do(t, http.MethodPost, "/api/sequences/"+seqID+"/generate-email", token, map[string]any{"delay": -2})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "delay must be at least 0" {
		t.Fatalf("negative delay = %d %v", resp.StatusCode, body)
	}

	resp, body = ta.do(t, http.MethodPost, "/api/sequences/"+seqID+"/generate-sequence", token, map[string]any{"huissierThreshold": 10})
	data, _ = body["data"].(map[string]any)
	if resp.StatusCode != http.StatusOK || data["actionsGenerated"] != float64(5) {
		t.Fatalf("generate-sequence = %d %v", resp.StatusCode, body)
	}
	if actions, _ := ta.srv.Object("Sequences", seqID)["actions"].([]any); len(actions) != 5 {
		t.Fatalf("stored actions = %d", len(actions))
	}
}

func TestRelanceHistoryRoute(t *testing.T) {
	ta := newTestApp(t)
	token := ta.login(t)
	for i, id := range []string{"r1", "r1", "r2"} {
		ta.srv.Seed("EmailHistory", map[string]any{
			"email":     parse.NewPointer("Relances", id),
			"field":     "email_subject",
			"timestamp": parse.NewDate(time.Date(2026, 3, 1+i, 9, 0, 0, 0, time.UTC)),
		})
	}

	resp, body := ta.do(t, http.MethodGet, "/api/relances/r1/history", token, nil)
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("history = %d %v", resp.StatusCode, body)
	}
	if rows, _ := body["data"].([]any); len(rows) != 2 {
		t.Fatalf("history rows = %v", body["data"])
	}

	_, body = ta.do(t, http.MethodGet, "/api/relances/r1/history?limit=1", token, nil)
	if rows, _ := body["data"].([]any); len(rows) != 1 {
		t.Fatalf("limited rows = %v", body["data"])
	}

	resp, body = ta.do(t, http.MethodGet, "/api/relances/r1/history?limit=abc", token, nil)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "limit doit être un entier positif" {
		t.Fatalf("bad limit = %d %v", resp.StatusCode, body)
	}
}
