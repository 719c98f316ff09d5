package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"marki/config"
	"marki/models"
	"marki/parse"
	"marki/utils"
)

// SourceOpener connects to the external database of a sync configuration. The
// returned func releases the connection.
type SourceOpener func(ctx context.Context, db models.DBConfig, username, password string) (*gorm.DB, func(), error)

// PostgresSource opens external PostgreSQL databases with gorm.
func PostgresSource(ctx context.Context, db models.DBConfig, username, password string) (*gorm.DB, func(), error) {
	port := strconv.Itoa(int(db.Port))
	if db.Port == 0 {
		port = "5432"
	}
	ssl := db.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	conn, err := config.OpenPostgres(config.DSN(db.Host, port, username, password, db.Database, ssl), 1, 2)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return conn.WithContext(ctx), release, nil
}

// SyncConfigService manages sync configurations and runs them.
type SyncConfigService struct {
	parse *parse.Client
	open  SourceOpener
	log   *logrus.Entry
	clock Clock
}

func NewSyncConfigService(pc *parse.Client, open SourceOpener) *SyncConfigService {
	if open == nil {
		open = PostgresSource
	}
	return &SyncConfigService{parse: pc, open: open, log: utils.Component("sync")}
}

const (
	errCodeSQLBlacklist = "sql_blacklist"
	syncPreviewLimit    = 10
	maxConfigNameLength = 100
)

var sqlBlacklist = regexp.MustCompile(`(?i)\b(DROP|DELETE|TRUNCATE|ALTER|EXEC|EXECUTE|INSERT\s+INTO|UPDATE|CREATE|GRANT|REVOKE|UNION)\b`)

// HasForbiddenSQL reports whether a source query contains a write or DDL keyword.
func HasForbiddenSQL(query string) bool {
	return sqlBlacklist.MatchString(query)
}

func forbiddenSQL() error {
	return &ValidationError{Message: "Requête SQL non autorisée", Code: errCodeSQLBlacklist}
}

// IsForbiddenSQL tells controllers to render the blacklist body.
func IsForbiddenSQL(err error) bool {
	ve, ok := IsValidation(err)
	return ok && ve.Code == errCodeSQLBlacklist
}

func newConfigID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sync-" + hex.EncodeToString(b), nil
}

// SyncConfigData is the editable part of a configuration.
type SyncConfigData struct {
	Name            string                  `json:"name"`
	Description     string                  `json:"description"`
	IsActive        *bool                   `json:"isActive"`
	IsAuto          *bool                   `json:"isAuto"`
	Frequency       string                  `json:"frequency"`
	DBConfig        *models.DBConfig        `json:"dbConfig"`
	ParseConfig     *models.ParseTarget     `json:"parseConfig"`
	ValidationRules *models.ValidationRules `json:"validationRules"`
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func validateConfig(c models.SyncConfig) error {
	var errs []string
	if strings.TrimSpace(c.Name) == "" || len(c.Name) > maxConfigNameLength {
		errs = append(errs, "Nom invalide")
	}
	if strings.TrimSpace(c.DBConfig.Host) == "" {
		errs = append(errs, "Configuration de base de données incomplète")
	}
	if strings.TrimSpace(c.ParseConfig.TargetClass) == "" {
		errs = append(errs, "Configuration Parse incomplète")
	}
	switch c.Frequency {
	case models.FrequencyHourly, models.FrequencyDaily, models.FrequencyWeekly, models.FrequencyMonthly:
	default:
		errs = append(errs, "Fréquence invalide")
	}
	if len(errs) > 0 {
		return invalid("%s", strings.Join(errs, ", "))
	}
	return nil
}

// Create stores a new configuration and its credentials. It returns the generated configId.
func (s *SyncConfigService) Create(ctx context.Context, in SyncConfigData, creds Credentials, createdBy string) (string, error) {
	if in.DBConfig != nil && HasForbiddenSQL(in.DBConfig.Query) {
		return "", forbiddenSQL()
	}
	cfg := models.SyncConfig{
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		IsActive:    in.IsActive != nil && *in.IsActive,
		IsAuto:      in.IsAuto != nil && *in.IsAuto,
		Frequency:   in.Frequency,
		CreatedBy:   createdBy,
	}
	if cfg.Frequency == "" {
		cfg.Frequency = models.FrequencyDaily
	}
	if cfg.CreatedBy == "" {
		cfg.CreatedBy = "system"
	}
	if in.DBConfig != nil {
		cfg.DBConfig = *in.DBConfig
	}
	if in.ParseConfig != nil {
		cfg.ParseConfig = *in.ParseConfig
	}
	if in.ValidationRules != nil {
		cfg.ValidationRules = *in.ValidationRules
	}
	if err := validateConfig(cfg); err != nil {
		return "", err
	}

	id, err := newConfigID()
	if err != nil {
		return "", fmt.Errorf("generate config id: %w", err)
	}
	cfg.ConfigID = id
	if _, err := s.parse.Create(ctx, models.ClassSyncConfigs, cfg); err != nil {
		return "", fmt.Errorf("create sync config: %w", err)
	}
	if err := s.saveCredentials(ctx, id, creds); err != nil {
		return id, err
	}
	if cfg.IsActive {
		if err := s.setActive(ctx, id, true); err != nil {
			return id, err
		}
	}
	s.writeLog(ctx, models.SyncLog{ConfigID: id, Status: models.SyncStatusSuccess, Details: "Configuration créée avec succès"})
	s.log.WithFields(logrus.Fields{"config_id": id, "target": cfg.ParseConfig.TargetClass}).Info("Sync configuration created")
	return id, nil
}

func (s *SyncConfigService) saveCredentials(ctx context.Context, configID string, creds Credentials) error {
	enc, err := utils.EncryptSecret(creds.Password)
	if err != nil {
		return fmt.Errorf("encrypt db password: %w", err)
	}
	existing, err := parse.First[models.DBCredentials](ctx, s.parse, models.ClassDBCredentials, parse.Query{
		Where: map[string]any{"configId": configID},
	})
	switch {
	case err == nil:
		if err := s.parse.Update(ctx, models.ClassDBCredentials, existing.ObjectID, map[string]any{
			"username":          creds.Username,
			"encryptedPassword": enc,
		}); err != nil {
			return fmt.Errorf("update credentials of %s: %w", configID, err)
		}
	case parse.IsNotFound(err):
		if _, err := s.parse.Create(ctx, models.ClassDBCredentials, models.DBCredentials{
			ConfigID:          configID,
			Username:          creds.Username,
			EncryptedPassword: enc,
		}); err != nil {
			return fmt.Errorf("save credentials of %s: %w", configID, err)
		}
	default:
		return fmt.Errorf("credentials of %s: %w", configID, err)
	}
	return nil
}

func (s *SyncConfigService) credentials(ctx context.Context, configID string) (Credentials, error) {
	c, err := parse.First[models.DBCredentials](ctx, s.parse, models.ClassDBCredentials, parse.Query{
		Where: map[string]any{"configId": configID},
	})
	if err != nil {
		if parse.IsNotFound(err) {
			return Credentials{}, invalid("Identifiants de base de données introuvables pour %s", configID)
		}
		return Credentials{}, fmt.Errorf("credentials of %s: %w", configID, err)
	}
	password, err := utils.DecryptSecret(c.EncryptedPassword)
	if err != nil {
		return Credentials{}, fmt.Errorf("decrypt credentials of %s: %w", configID, err)
	}
	return Credentials{Username: c.Username, Password: password}, nil
}

// setActive adds or removes configID from VariablesGlobales.activeSyncConfigs.
func (s *SyncConfigService) setActive(ctx context.Context, configID string, active bool) error {
	g, err := globals(ctx, s.parse)
	if err != nil {
		return err
	}
	list := make([]string, 0, len(g.ActiveSyncConfigs)+1)
	found := false
	for _, id := range g.ActiveSyncConfigs {
		if id == configID {
			found = true
			if !active {
				continue
			}
		}
		list = append(list, id)
	}
	if active && !found {
		list = append(list, configID)
	}
	if err := s.parse.Update(ctx, models.ClassGlobalVariables, g.ObjectID, map[string]any{"activeSyncConfigs": list}); err != nil {
		return fmt.Errorf("update active sync configs: %w", err)
	}
	return nil
}

func (s *SyncConfigService) writeLog(ctx context.Context, entry models.SyncLog) {
	now := parse.NewDate(s.clock.now())
	if entry.StartTime == nil {
		entry.StartTime = now
	}
	if entry.EndTime == nil {
		entry.EndTime = now
	}
	if _, err := s.parse.Create(ctx, models.ClassSyncLogs, entry); err != nil {
		utils.LogError("sync_log_failed", err, map[string]interface{}{"config_id": entry.ConfigID, "status": entry.Status})
	}
}

// SyncConfigView is a configuration as listed, with whether credentials are stored.
type SyncConfigView struct {
	models.SyncConfig
	HasCredentials bool `json:"hasCredentials"`
}

type SyncListOptions struct {
	Filter string
	Limit  int
	Skip   int
}

// List returns configurations newest first. Filter is "active", "auto" or empty.
func (s *SyncConfigService) List(ctx context.Context, opts SyncListOptions) ([]SyncConfigView, error) {
	q := parse.Query{Order: "-createdAt", Limit: opts.Limit, Skip: opts.Skip}
	switch opts.Filter {
	case "active":
		q.Where = map[string]any{"isActive": true}
	case "auto":
		q.Where = map[string]any{"isAuto": true}
	case "":
	default:
		return nil, invalid("filter must be active or auto")
	}

	var rows []models.SyncConfig
	if q.Limit > 0 {
		if err := s.parse.Find(ctx, models.ClassSyncConfigs, q, &rows); err != nil {
			return nil, fmt.Errorf("list sync configs: %w", err)
		}
	} else {
		var err error
		if rows, err = parse.FindAll[models.SyncConfig](ctx, s.parse, models.ClassSyncConfigs, q); err != nil {
			return nil, fmt.Errorf("list sync configs: %w", err)
		}
	}

	creds, err := parse.FindAll[models.DBCredentials](ctx, s.parse, models.ClassDBCredentials, parse.Query{Keys: "configId"})
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	has := make(map[string]bool, len(creds))
	for _, c := range creds {
		has[c.ConfigID] = true
	}

	out := make([]SyncConfigView, 0, len(rows))
	for _, c := range rows {
		out = append(out, SyncConfigView{SyncConfig: c, HasCredentials: has[c.ConfigID]})
	}
	return out, nil
}

func (s *SyncConfigService) Get(ctx context.Context, configID string) (models.SyncConfig, error) {
	cfg, err := parse.First[models.SyncConfig](ctx, s.parse, models.ClassSyncConfigs, parse.Query{
		Where: map[string]any{"configId": configID},
	})
	if err != nil {
		if parse.IsNotFound(err) {
			return cfg, notFound("Configuration non trouvée")
		}
		return cfg, fmt.Errorf("get sync config %s: %w", configID, err)
	}
	return cfg, nil
}

// Update merges in over the stored configuration. Credentials are replaced when given.
func (s *SyncConfigService) Update(ctx context.Context, configID string, in SyncConfigData, creds *Credentials) error {
	if in.DBConfig != nil && HasForbiddenSQL(in.DBConfig.Query) {
		return forbiddenSQL()
	}
	cur, err := s.Get(ctx, configID)
	if err != nil {
		return err
	}
	merged := cur
	if strings.TrimSpace(in.Name) != "" {
		merged.Name = strings.TrimSpace(in.Name)
	}
	if in.Description != "" {
		merged.Description = in.Description
	}
	if in.IsActive != nil {
		merged.IsActive = *in.IsActive
	}
	if in.IsAuto != nil {
		merged.IsAuto = *in.IsAuto
	}
	if in.Frequency != "" {
		merged.Frequency = in.Frequency
	}
	if in.DBConfig != nil {
		merged.DBConfig = *in.DBConfig
	}
	if in.ParseConfig != nil {
		merged.ParseConfig = *in.ParseConfig
	}
	if in.ValidationRules != nil {
		merged.ValidationRules = *in.ValidationRules
	}
	if err := validateConfig(merged); err != nil {
		return err
	}

	if err := s.parse.Update(ctx, models.ClassSyncConfigs, cur.ObjectID, map[string]any{
		"name":            merged.Name,
		"description":     merged.Description,
		"isActive":        merged.IsActive,
		"isAuto":          merged.IsAuto,
		"frequency":       merged.Frequency,
		"dbConfig":        merged.DBConfig,
		"parseConfig":     merged.ParseConfig,
		"validationRules": merged.ValidationRules,
	}); err != nil {
		return fmt.Errorf("update sync config %s: %w", configID, err)
	}
	if creds != nil && (creds.Username != "" || creds.Password != "") {
		if err := s.saveCredentials(ctx, configID, *creds); err != nil {
			return err
		}
	}
	if merged.IsActive != cur.IsActive {
		if err := s.setActive(ctx, configID, merged.IsActive); err != nil {
			return err
		}
	}
	s.writeLog(ctx, models.SyncLog{ConfigID: configID, Status: models.SyncStatusSuccess, Details: "Configuration mise à jour avec succès"})
	return nil
}

// Delete removes the configuration, its credentials and its active flag.
func (s *SyncConfigService) Delete(ctx context.Context, configID string) error {
	cur, err := s.Get(ctx, configID)
	if err != nil {
		return err
	}
	if err := s.parse.Delete(ctx, models.ClassSyncConfigs, cur.ObjectID); err != nil {
		return fmt.Errorf("delete sync config %s: %w", configID, err)
	}
	creds, err := parse.FindAll[models.DBCredentials](ctx, s.parse, models.ClassDBCredentials, parse.Query{
		Where: map[string]any{"configId": configID},
	})
	if err != nil {
		s.log.WithError(err).WithField("config_id", configID).Warn("Could not look up credentials to delete")
	}
	for _, c := range creds {
		if err := s.parse.Delete(ctx, models.ClassDBCredentials, c.ObjectID); err != nil {
			s.log.WithError(err).WithField("config_id", configID).Warn("Could not delete credentials")
		}
	}
	if err := s.setActive(ctx, configID, false); err != nil {
		return err
	}
	s.writeLog(ctx, models.SyncLog{ConfigID: configID, Status: models.SyncStatusSuccess, Details: "Configuration supprimée avec succès"})
	return nil
}

// Logs returns the sync logs of a configuration, newest first.
func (s *SyncConfigService) Logs(ctx context.Context, configID string, limit, skip int) ([]models.SyncLog, error) {
	var rows []models.SyncLog
	if err := s.parse.Find(ctx, models.ClassSyncLogs, parse.Query{
		Where: map[string]any{"configId": configID},
		Order: "-createdAt",
		Limit: limit,
		Skip:  skip,
	}, &rows); err != nil {
		return nil, fmt.Errorf("sync logs of %s: %w", configID, err)
	}
	if rows == nil {
		rows = []models.SyncLog{}
	}
	return rows, nil
}

type SyncTestResult struct {
	Success      bool             `json:"success"`
	Message      string           `json:"message"`
	Columns      []string         `json:"columns"`
	SampleData   []map[string]any `json:"sampleData"`
	TotalRecords int              `json:"totalRecords"`
}

// Test runs the source query limited to ten rows and checks the required columns.
func (s *SyncConfigService) Test(ctx context.Context, configID string) (SyncTestResult, error) {
	res, err := s.test(ctx, configID)
	if err != nil {
		if !isNotFound(err) {
			s.writeLog(ctx, models.SyncLog{ConfigID: configID, Status: models.SyncStatusError, Details: "Erreur lors du test: " + err.Error()})
		}
		return res, err
	}
	s.writeLog(ctx, models.SyncLog{
		ConfigID:         configID,
		Status:           models.SyncStatusSuccess,
		Details:          fmt.Sprintf("Test réussi - %d enregistrements trouvés", res.TotalRecords),
		RecordsProcessed: res.TotalRecords,
	})
	return res, nil
}

func (s *SyncConfigService) test(ctx context.Context, configID string) (SyncTestResult, error) {
	cfg, err := s.Get(ctx, configID)
	if err != nil {
		return SyncTestResult{}, err
	}
	if HasForbiddenSQL(cfg.DBConfig.Query) {
		return SyncTestResult{}, forbiddenSQL()
	}
	creds, err := s.credentials(ctx, configID)
	if err != nil {
		return SyncTestResult{}, err
	}
	db, release, err := s.open(ctx, cfg.DBConfig, creds.Username, creds.Password)
	if err != nil {
		return SyncTestResult{}, fmt.Errorf("connexion à la base externe: %w", err)
	}
	defer release()

	query := strings.TrimRight(strings.TrimSpace(cfg.DBConfig.Query), ";") + " LIMIT " + strconv.Itoa(syncPreviewLimit)
	columns, rows, err := fetchRows(ctx, db, query)
	if err != nil {
		return SyncTestResult{}, err
	}

	present := map[string]bool{}
	for _, c := range columns {
		present[strings.ToLower(c)] = true
	}
	var missing []string
	for _, f := range cfg.ValidationRules.RequiredFields {
		if !present[strings.ToLower(f)] {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return SyncTestResult{}, invalid("Champs requis manquants: %s", strings.Join(missing, ", "))
	}

	if rows == nil {
		rows = []map[string]any{}
	}
	return SyncTestResult{
		Success:      true,
		Message:      "Test de configuration réussi",
		Columns:      columns,
		SampleData:   rows,
		TotalRecords: len(rows),
	}, nil
}

// fetchRows runs a read query and returns its rows keyed by column name.
func fetchRows(ctx context.Context, db *gorm.DB, query string) ([]string, []map[string]any, error) {
	rows, err := db.WithContext(ctx).Raw(query).Rows()
	if err != nil {
		return nil, nil, fmt.Errorf("requête source: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("colonnes source: %w", err)
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("lecture source: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, c := range columns {
			row[c] = sourceValue(values[i])
		}
		out = append(out, row)
	}
	return columns, out, rows.Err()
}

// sourceValue turns driver values into what Parse stores.
func sourceValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return parse.NewDate(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case int:
		return float64(t)
	case float32:
		return float64(t)
	}
	return v
}

// DueConfigs returns the active automatic configurations whose frequency has elapsed.
func (s *SyncConfigService) DueConfigs(ctx context.Context) ([]models.SyncConfig, error) {
	rows, err := parse.FindAll[models.SyncConfig](ctx, s.parse, models.ClassSyncConfigs, parse.Query{
		Where: map[string]any{"isActive": true, "isAuto": true},
	})
	if err != nil {
		return nil, fmt.Errorf("automatic sync configs: %w", err)
	}
	now := s.clock.now()
	var due []models.SyncConfig
	for _, c := range rows {
		if IsDue(c, now) {
			due = append(due, c)
		}
	}
	return due, nil
}

// IsDue reports whether a configuration should run at now given its last sync.
func IsDue(c models.SyncConfig, now time.Time) bool {
	if c.LastSyncDate == nil || c.LastSyncDate.IsZero() {
		return true
	}
	last := c.LastSyncDate.Time
	var next time.Time
	switch c.Frequency {
	case models.FrequencyHourly:
		next = last.Add(time.Hour)
	case models.FrequencyWeekly:
		next = last.AddDate(0, 0, 7)
	case models.FrequencyMonthly:
		next = last.AddDate(0, 1, 0)
	default:
		next = last.AddDate(0, 0, 1)
	}
	return !now.Before(next)
}
