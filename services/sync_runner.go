package services

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"marki/metrics"
	"marki/models"
	"marki/parse"
)

type SyncRunResult struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	RunID            string `json:"runId"`
	Inserted         int    `json:"inserted"`
	Updated          int    `json:"updated"`
	Skipped          int    `json:"skipped"`
	Invalid          int    `json:"invalid"`
	RecordsProcessed int    `json:"recordsProcessed"`
}

// impayeNumericFields arrive as strings from some accounting exports.
var impayeNumericFields = []string{"totalhtnet", "totalttcnet", "resteapayer"}

// Run executes a configuration: it reads the source rows, applies the mappings
// and upserts them into the target class.
func (s *SyncConfigService) Run(ctx context.Context, configID string) (SyncRunResult, error) {
	cfg, err := s.Get(ctx, configID)
	if err != nil {
		return SyncRunResult{}, err
	}
	runID := ulid.Make().String()
	start := s.clock.now()
	log := s.log.WithFields(logrus.Fields{"config_id": configID, "run_id": runID, "target": cfg.ParseConfig.TargetClass})

	s.writeLog(ctx, models.SyncLog{
		ConfigID:  configID,
		RunID:     runID,
		Status:    models.SyncStatusInfo,
		Details:   "Synchronisation manuelle démarrée",
		StartTime: parse.NewDate(start),
	})

	res, err := s.run(ctx, cfg)
	res.RunID = runID
	end := s.clock.now()
	status := models.SyncStatusSuccess
	if err != nil {
		status = models.SyncStatusError
		log.WithError(err).Error("Sync run failed")
		metrics.SyncRecords.WithLabelValues(configID, "error").Inc()
		s.writeLog(ctx, models.SyncLog{
			ConfigID:         configID,
			RunID:            runID,
			Status:           models.SyncStatusError,
			Details:          "Erreur de synchronisation: " + err.Error(),
			RecordsProcessed: res.RecordsProcessed,
			StartTime:        parse.NewDate(start),
			EndTime:          parse.NewDate(end),
		})
	} else {
		res.Success = true
		res.Message = "Synchronisation manuelle exécutée avec succès"
		log.WithFields(logrus.Fields{
			"inserted": res.Inserted,
			"updated":  res.Updated,
			"skipped":  res.Skipped,
			"invalid":  res.Invalid,
			"duration": end.Sub(start).String(),
		}).Info("Sync run finished")
		s.writeLog(ctx, models.SyncLog{
			ConfigID:         configID,
			RunID:            runID,
			Status:           models.SyncStatusSuccess,
			Details:          fmt.Sprintf("Synchronisation manuelle réussie - %d enregistrements traités", res.RecordsProcessed),
			RecordsProcessed: res.RecordsProcessed,
			StartTime:        parse.NewDate(start),
			EndTime:          parse.NewDate(end),
		})
	}

	if uerr := s.parse.Update(ctx, models.ClassSyncConfigs, cfg.ObjectID, map[string]any{
		"lastSyncDate": parse.NewDate(end),
		"status":       status,
	}); uerr != nil {
		log.WithError(uerr).Warn("Could not record last sync date")
	}
	return res, err
}

func (s *SyncConfigService) run(ctx context.Context, cfg models.SyncConfig) (SyncRunResult, error) {
	var res SyncRunResult
	if HasForbiddenSQL(cfg.DBConfig.Query) {
		return res, forbiddenSQL()
	}
	creds, err := s.credentials(ctx, cfg.ConfigID)
	if err != nil {
		return res, err
	}
	db, release, err := s.open(ctx, cfg.DBConfig, creds.Username, creds.Password)
	if err != nil {
		return res, fmt.Errorf("connexion à la base externe: %w", err)
	}
	defer release()

	_, rows, err := fetchRows(ctx, db, strings.TrimRight(strings.TrimSpace(cfg.DBConfig.Query), ";"))
	if err != nil {
		return res, err
	}
	if len(rows) == 0 {
		res.Message = "Aucune donnée à synchroniser"
		return res, nil
	}

	target := cfg.ParseConfig.TargetClass
	keys := upsertKeys(cfg)
	existing := map[string]parse.Object{}
	if len(keys) > 0 {
		current, err := parse.FindAll[parse.Object](ctx, s.parse, target, parse.Query{})
		if err != nil {
			return res, fmt.Errorf("load %s: %w", target, err)
		}
		for _, o := range current {
			if k, ok := recordKey(o, keys); ok {
				existing[k] = o
			}
		}
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		record, ok := mapRow(cfg, row)
		if !ok {
			res.Invalid++
			metrics.SyncRecords.WithLabelValues(cfg.ConfigID, "invalid").Inc()
			continue
		}
		res.RecordsProcessed++

		key, keyed := recordKey(record, keys)
		cur, found := existing[key]
		switch {
		case keyed && found:
			changes := changedFields(cur, record)
			if len(changes) == 0 {
				res.Skipped++
				metrics.SyncRecords.WithLabelValues(cfg.ConfigID, "skipped").Inc()
				continue
			}
			if err := s.parse.Update(ctx, target, cur.ID(), changes); err != nil {
				return res, fmt.Errorf("update %s %s: %w", target, cur.ID(), err)
			}
			for k, v := range changes {
				cur[k] = v
			}
			res.Updated++
			metrics.SyncRecords.WithLabelValues(cfg.ConfigID, "updated").Inc()
		default:
			created, err := s.parse.Create(ctx, target, record)
			if err != nil {
				return res, fmt.Errorf("insert into %s: %w", target, err)
			}
			if keyed {
				record["objectId"] = created.ObjectID
				existing[key] = record
			}
			res.Inserted++
			metrics.SyncRecords.WithLabelValues(cfg.ConfigID, "inserted").Inc()
		}
	}
	res.Message = "Synchronisation terminée avec succès"
	return res, nil
}

// upsertKeys are the fields identifying a row in the target class. Impayes are keyed
// by invoice number and file; other classes by their mapped required fields, if any.
func upsertKeys(cfg models.SyncConfig) []string {
	if cfg.ParseConfig.TargetClass == models.ClassImpayes {
		return []string{"nfacture", "idDossier"}
	}
	keys := make([]string, 0, len(cfg.ValidationRules.RequiredFields))
	for _, f := range cfg.ValidationRules.RequiredFields {
		keys = append(keys, cfg.ParseConfig.Mappings.Target(f))
	}
	return keys
}

func recordKey(o parse.Object, keys []string) (string, bool) {
	if len(keys) == 0 {
		return "", false
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		v := o.String(k)
		if v == "" {
			return "", false
		}
		parts[i] = v
	}
	return strings.Join(parts, "\x00"), true
}

// mapRow validates a source row against the rules, which name source columns, then
// renames its columns. It reports false for rows that must not be written.
func mapRow(cfg models.SyncConfig, row map[string]any) (parse.Object, bool) {
	rules := cfg.ValidationRules
	for _, f := range rules.RequiredFields {
		if blank(row[f]) {
			return nil, false
		}
	}
	if rules.RoleField != "" && len(rules.RoleValues) > 0 && !rules.RoleValues.Contains(parse.Object(row).String(rules.RoleField)) {
		return nil, false
	}

	record := parse.Object{}
	for col, v := range row {
		record[cfg.ParseConfig.Mappings.Target(col)] = v
	}

	if cfg.ParseConfig.TargetClass == models.ClassImpayes {
		return normalizeImpaye(record)
	}
	return record, true
}

func normalizeImpaye(record parse.Object) (parse.Object, bool) {
	if record.String("nfacture") == "" || record.String("idDossier") == "" {
		return nil, false
	}
	for _, f := range impayeNumericFields {
		if v, ok := record[f].(string); ok {
			n, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(v), ",", "."), 64)
			if err != nil {
				return nil, false
			}
			record[f] = n
		}
	}
	// Sources report facturesoldee as 0/1, booleans or strings.
	switch v := record["facturesoldee"].(type) {
	case nil, bool:
	case float64:
		record["facturesoldee"] = v != 0
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, false
		}
		record["facturesoldee"] = b
	default:
		return nil, false
	}
	// Identifiers stay strings so the upsert key matches what Parse returns.
	for _, f := range []string{"nfacture", "idDossier"} {
		record[f] = record.String(f)
	}
	if record.String("invoice_url") == "" {
		if url, err := models.InvoiceURL(record["datecre"], record.String("refpiece")); err == nil {
			record["invoice_url"] = url
		}
	}
	return record, true
}

// changedFields returns the fields of next that differ from cur.
func changedFields(cur, next parse.Object) map[string]any {
	changes := map[string]any{}
	for k, v := range next {
		if k == "objectId" {
			continue
		}
		if !sameField(cur, next, k) {
			changes[k] = v
		}
	}
	return changes
}

func sameField(cur, next parse.Object, k string) bool {
	a, b := cur[k], next[k]
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := cur.Time(k); ok {
		if tb, ok := next.Time(k); ok {
			return ta.Equal(tb)
		}
	}
	if fa, ok := cur.Float(k); ok {
		if fb, ok := next.Float(k); ok {
			return math.Abs(fa-fb) < 1e-9
		}
	}
	if _, isTime := b.(*parse.Date); isTime {
		return false
	}
	return cur.String(k) == next.String(k)
}

// SyncImpayes runs the given configuration, or the first active configuration
// targeting Impayes when configID is empty.
func (s *SyncConfigService) SyncImpayes(ctx context.Context, configID string) (SyncRunResult, error) {
	if configID == "" {
		cfg, err := parse.First[models.SyncConfig](ctx, s.parse, models.ClassSyncConfigs, parse.Query{
			Where: map[string]any{"isActive": true, "parseConfig.targetClass": models.ClassImpayes},
			Order: "createdAt",
		})
		if err != nil {
			if parse.IsNotFound(err) {
				return SyncRunResult{}, notFound("Aucune configuration active pour les impayés")
			}
			return SyncRunResult{}, fmt.Errorf("impayes sync config: %w", err)
		}
		configID = cfg.ConfigID
	}
	return s.Run(ctx, configID)
}

// RunDue runs every automatic configuration whose frequency has elapsed. A failed
// run does not stop the others.
func (s *SyncConfigService) RunDue(ctx context.Context) (int, error) {
	due, err := s.DueConfigs(ctx)
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, c := range due {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}
		if _, err := s.Run(ctx, c.ConfigID); err != nil {
			continue
		}
		ran++
	}
	return ran, nil
}
