package services

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"marki/models"
	"marki/parse"
	"marki/parse/parsetest"
)

func openSQLite(t *testing.T, stmts ...string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "source.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// sqliteSource hands out db for every configuration and records the credentials used.
func sqliteSource(db *gorm.DB, seen *Credentials) SourceOpener {
	return func(ctx context.Context, _ models.DBConfig, username, password string) (*gorm.DB, func(), error) {
		if seen != nil {
			*seen = Credentials{Username: username, Password: password}
		}
		return db.WithContext(ctx), func() {}, nil
	}
}

func boolPtr(b bool) *bool { return &b }

func impayeConfig(query string) SyncConfigData {
	return SyncConfigData{
		Name:      "Impayés compta",
		IsActive:  boolPtr(true),
		Frequency: models.FrequencyDaily,
		DBConfig:  &models.DBConfig{Host: "compta.local", Database: "gco", Query: query},
		ParseConfig: &models.ParseTarget{
			TargetClass: models.ClassImpayes,
			Mappings:    models.Mappings{"id_dossier": "idDossier"},
		},
		ValidationRules: &models.ValidationRules{RequiredFields: models.StringList{"nfacture", "id_dossier"}},
	}
}

const facturesDDL = `CREATE TABLE factures (
	nfacture TEXT, id_dossier TEXT, resteapayer TEXT, facturesoldee INTEGER,
	datecre TEXT, refpiece TEXT, payeur_nom TEXT)`

const facturesQuery = `SELECT nfacture, id_dossier, resteapayer, facturesoldee, datecre, refpiece, payeur_nom FROM factures`

func TestHasForbiddenSQL(t *testing.T) {
	cases := []struct {
		query string
		want  bool
	}{
		{"SELECT * FROM factures", false},
		{"SELECT updated_at, created_by FROM t", false},
		{"SELECT deleted FROM t", false},
		{"select * from t; drop table t", true},
		{"SELECT a FROM t UNION SELECT b FROM u", true},
		{"insert  into t values (1)", true},
		{"SELECT * FROM t WHERE x = 1; EXEC sp_who", true},
	}
	for _, c := range cases {
		if got := HasForbiddenSQL(c.query); got != c.want {
			t.Errorf("HasForbiddenSQL(%q) = %v, want %v", c.query, got, c.want)
		}
	}
}

func TestCreateSyncConfigValidation(t *testing.T) {
	withTestConfig(t)
	srv := parsetest.New(t)
	s := NewSyncConfigService(srv.Client(), sqliteSource(nil, nil))
	ctx := context.Background()

	_, err := s.Create(ctx, impayeConfig("SELECT 1; DROP TABLE factures"), Credentials{}, "")
	if !IsForbiddenSQL(err) {
		t.Fatalf("blacklisted query: %v", err)
	}

	_, err = s.Create(ctx, SyncConfigData{Name: strings.Repeat("x", 101)}, Credentials{}, "")
	ve, ok := IsValidation(err)
	if !ok {
		t.Fatalf("want validation error, got %v", err)
	}
	want := "Nom invalide, Configuration de base de données incomplète, Configuration Parse incomplète"
	if ve.Message != want {
		t.Fatalf("message = %q", ve.Message)
	}
	if len(srv.Objects(models.ClassSyncConfigs)) != 0 {
		t.Fatal("invalid config stored")
	}
}

func TestSyncConfigLifecycle(t *testing.T) {
	withTestConfig(t)
	srv := parsetest.New(t)
	db := openSQLite(t, facturesDDL,
		`INSERT INTO factures VALUES ('F1','D1','12.5',0,'2024-03-15','FA 1','ACME')`)
	var seen Credentials
	s := NewSyncConfigService(srv.Client(), sqliteSource(db, &seen))
	s.clock = fixedClock()
	ctx := context.Background()

	id, err := s.Create(ctx, impayeConfig(facturesQuery), Credentials{Username: "reader", Password: "s3cret"}, "user42")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(id, "sync-") || len(id) != len("sync-")+16 {
		t.Fatalf("configId = %q", id)
	}

	creds := srv.Objects(models.ClassDBCredentials)
	if len(creds) != 1 || !strings.HasPrefix(creds[0]["encryptedPassword"].(string), "enc:") {
		t.Fatalf("credentials = %v", creds)
	}
	vars := srv.Objects(models.ClassGlobalVariables)
	if len(vars) != 1 || len(vars[0]["activeSyncConfigs"].([]any)) != 1 {
		t.Fatalf("globals = %v", vars)
	}

	list, err := s.List(ctx, SyncListOptions{Filter: "active"})
	if err != nil || len(list) != 1 || !list[0].HasCredentials || list[0].CreatedBy != "user42" {
		t.Fatalf("List = %+v, %v", list, err)
	}
	if auto, _ := s.List(ctx, SyncListOptions{Filter: "auto"}); len(auto) != 0 {
		t.Fatalf("auto list = %+v", auto)
	}
	if _, err := s.List(ctx, SyncListOptions{Filter: "bogus"}); err == nil {
		t.Fatal("unknown filter accepted")
	}

	res, err := s.Test(ctx, id)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if res.TotalRecords != 1 || res.SampleData[0]["nfacture"] != "F1" {
		t.Fatalf("Test = %+v", res)
	}
	if seen.Username != "reader" || seen.Password != "s3cret" {
		t.Fatalf("source opened with %+v", seen)
	}

	err = s.Update(ctx, id, SyncConfigData{
		IsActive:        boolPtr(false),
		ValidationRules: &models.ValidationRules{RequiredFields: models.StringList{"nfacture", "montant"}},
	}, nil)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	g := srv.Objects(models.ClassGlobalVariables)[0]
	if len(g["activeSyncConfigs"].([]any)) != 0 {
		t.Fatalf("deactivated config still registered: %v", g)
	}
	if _, err := s.Test(ctx, id); err == nil || !strings.Contains(err.Error(), "Champs requis manquants: montant") {
		t.Fatalf("Test with missing column: %v", err)
	}

	logs, err := s.Logs(ctx, id, 50, 0)
	if err != nil || len(logs) < 4 {
		t.Fatalf("Logs = %d, %v", len(logs), err)
	}

	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(srv.Objects(models.ClassSyncConfigs)) != 0 || len(srv.Objects(models.ClassDBCredentials)) != 0 {
		t.Fatal("config or credentials left behind")
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: %v", err)
	}
}

func TestRunUpsertsImpayes(t *testing.T) {
	withTestConfig(t)
	srv := parsetest.New(t)
	db := openSQLite(t, facturesDDL,
		`INSERT INTO factures VALUES ('F1','D1','50',0,'2024-03-15','FA 1','ACME')`,
		`INSERT INTO factures VALUES ('F2','D1','80,5',0,'2024-04-02','FA 2','ACME')`,
		`INSERT INTO factures VALUES ('F3','D1','10',0,'2024-03-15','FA 3','Bobo')`,
		`INSERT INTO factures VALUES (NULL,'D1','10',0,'2024-03-15','FA 4','Sans numéro')`,
	)
	s := NewSyncConfigService(srv.Client(), sqliteSource(db, nil))
	s.clock = fixedClock()
	ctx := context.Background()

	id, err := s.Create(ctx, impayeConfig(facturesQuery), Credentials{Username: "u", Password: "p"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	existing := seedImpaye(srv, "", map[string]any{
		"nfacture": "F1", "idDossier": "D1", "resteapayer": 100.0,
		"datecre": "2024-03-15", "refpiece": "FA 1", "payeur_nom": "ACME",
	})
	url3, _ := models.InvoiceURL("2024-03-15", "FA 3")
	unchanged := seedImpaye(srv, "", map[string]any{
		"nfacture": "F3", "idDossier": "D1", "resteapayer": 10.0,
		"datecre": "2024-03-15", "refpiece": "FA 3", "payeur_nom": "Bobo", "invoice_url": url3,
	})

	res, err := s.Run(ctx, id)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 1 || res.Skipped != 1 || res.Invalid != 1 || res.RecordsProcessed != 3 {
		t.Fatalf("Run = %+v", res)
	}
	if res.RunID == "" || !res.Success {
		t.Fatalf("Run = %+v", res)
	}

	updated := parse.Object(srv.Object(models.ClassImpayes, existing))
	if f, _ := updated.Float("resteapayer"); f != 50 {
		t.Errorf("F1 resteapayer = %v", updated["resteapayer"])
	}
	if !strings.Contains(updated.String("invoice_url"), "/2024/mars/FA_1/standard/FA 1 (GCO PI FA).pdf") {
		t.Errorf("F1 invoice_url = %q", updated.String("invoice_url"))
	}
	if srv.Object(models.ClassImpayes, unchanged)["updatedAt"] != srv.Object(models.ClassImpayes, unchanged)["createdAt"] {
		t.Error("unchanged invoice was rewritten")
	}

	var inserted parse.Object
	for _, o := range srv.Objects(models.ClassImpayes) {
		if o["nfacture"] == "F2" {
			inserted = parse.Object(o)
		}
	}
	if inserted == nil {
		t.Fatal("F2 not inserted")
	}
	if f, _ := inserted.Float("resteapayer"); f != 80.5 || inserted.Bool("facturesoldee") {
		t.Errorf("F2 = %v", inserted)
	}
	if inserted.String("idDossier") != "D1" {
		t.Errorf("mapping not applied: %v", inserted)
	}

	cfg, _ := s.Get(ctx, id)
	if cfg.LastSyncDate == nil || !cfg.LastSyncDate.Equal(testNow) || cfg.Status != models.SyncStatusSuccess {
		t.Fatalf("config after run = %+v", cfg)
	}

	again, err := s.Run(ctx, id)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if again.Inserted != 0 || again.Updated != 0 || again.Skipped != 3 {
		t.Fatalf("second Run = %+v", again)
	}

	var finished int
	for _, l := range srv.Objects(models.ClassSyncLogs) {
		if l["details"] == "Synchronisation manuelle réussie - 3 enregistrements traités" {
			finished++
		}
	}
	if finished != 2 {
		t.Fatalf("found %d completion logs", finished)
	}
}

func TestRunReportsSourceErrors(t *testing.T) {
	withTestConfig(t)
	srv := parsetest.New(t)
	db := openSQLite(t)
	s := NewSyncConfigService(srv.Client(), sqliteSource(db, nil))
	s.clock = fixedClock()
	ctx := context.Background()

	id, err := s.Create(ctx, impayeConfig("SELECT * FROM missing_table"), Credentials{}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Run(ctx, id); err == nil {
		t.Fatal("Run on a missing table succeeded")
	}
	cfg, _ := s.Get(ctx, id)
	if cfg.Status != models.SyncStatusError {
		t.Fatalf("status = %q", cfg.Status)
	}
}

func TestIsDue(t *testing.T) {
	at := func(d time.Duration) *parse.Date { return parse.NewDate(testNow.Add(-d)) }
	cases := []struct {
		freq string
		last *parse.Date
		want bool
	}{
		{models.FrequencyHourly, nil, true},
		{models.FrequencyHourly, at(30 * time.Minute), false},
		{models.FrequencyHourly, at(time.Hour), true},
		{models.FrequencyDaily, at(23 * time.Hour), false},
		{models.FrequencyDaily, at(24 * time.Hour), true},
		{models.FrequencyWeekly, at(6 * 24 * time.Hour), false},
		{models.FrequencyWeekly, at(7 * 24 * time.Hour), true},
		{models.FrequencyMonthly, at(20 * 24 * time.Hour), false},
		{models.FrequencyMonthly, at(31 * 24 * time.Hour), true},
	}
	for _, c := range cases {
		cfg := models.SyncConfig{Frequency: c.freq, LastSyncDate: c.last}
		if got := IsDue(cfg, testNow); got != c.want {
			t.Errorf("IsDue(%s, %v) = %v, want %v", c.freq, c.last, got, c.want)
		}
	}
}

func TestDistinctValues(t *testing.T) {
	db := openSQLite(t,
		`CREATE TABLE "Impayes" (ville TEXT, montant REAL)`,
		`INSERT INTO "Impayes" VALUES ('Lyon', 1), ('Paris', 2), ('Lyon', 3), (NULL, 4)`,
	)
	s := NewDistinctService(db)
	ctx := context.Background()

	res, err := s.Values(ctx, "ville", 0)
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if res.Count != 2 || res.ColumnName != "ville" {
		t.Fatalf("Values = %+v", res)
	}

	limited, err := s.Values(ctx, "montant", 2)
	if err != nil || limited.Count != 2 {
		t.Fatalf("limited = %+v, %v", limited, err)
	}

	for _, col := range []string{"", `ville"; DROP TABLE "Impayes`, "1abc"} {
		if _, err := s.Values(ctx, col, 10); err == nil {
			t.Errorf("column %q accepted", col)
		}
	}
	if _, err := s.Values(ctx, "ville", -1); err == nil {
		t.Error("negative limit accepted")
	}
}
