package services

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/sirupsen/logrus"

	"marki/models"
	"marki/parse"
	"marki/utils"
)

// HistoryService keeps the audit trail of manual relance edits.
type HistoryService struct {
	parse *parse.Client
	log   *logrus.Entry
	clock Clock
}

func NewHistoryService(pc *parse.Client) *HistoryService {
	return &HistoryService{parse: pc, log: utils.Component("email_history")}
}

const defaultHistoryLimit = 20

// Log records the changes made by editor to a relance. Empty diffs are not stored.
func (s *HistoryService) Log(ctx context.Context, relanceID string, editor *parse.Session, changes map[string]models.FieldChange) (string, error) {
	if relanceID == "" {
		return "", invalid("emailId est requis")
	}
	if len(changes) == 0 {
		return "", nil
	}
	record := map[string]any{
		"email":     relancePtr(relanceID),
		"changes":   changes,
		"timestamp": parse.NewDate(s.clock.now()),
	}
	if editor != nil && editor.ObjectID != "" {
		record["user"] = parse.NewPointer(models.ClassUser, editor.ObjectID)
	}
	res, err := s.parse.Create(ctx, models.ClassEmailHistory, record)
	if err != nil {
		return "", fmt.Errorf("log email history: %w", err)
	}
	s.log.WithFields(logrus.Fields{"relance_id": relanceID, "fields": len(changes)}).Debug("Email modification logged")
	return res.ObjectID, nil
}

// Fetch returns the newest history entries of a relance with their author.
func (s *HistoryService) Fetch(ctx context.Context, relanceID string, limit int) ([]models.EmailHistory, error) {
	if relanceID == "" {
		return nil, invalid("emailId est requis")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	var rows []models.EmailHistory
	if err := s.parse.Find(ctx, models.ClassEmailHistory, parse.Query{
		Where:   map[string]any{"email": relancePtr(relanceID)},
		Order:   "-timestamp",
		Limit:   limit,
		Include: "user",
	}, &rows); err != nil {
		return nil, fmt.Errorf("fetch email history of %s: %w", relanceID, err)
	}
	return rows, nil
}

// FieldDiff is the before/after of one field with an HTML rendering.
type FieldDiff struct {
	Before   any    `json:"before"`
	After    any    `json:"after"`
	DiffHTML string `json:"diffHtml"`
}

func (s *HistoryService) GetDiffForField(ctx context.Context, historyID, field string) (FieldDiff, error) {
	var entry models.EmailHistory
	if err := s.parse.Get(ctx, models.ClassEmailHistory, historyID, &entry); err != nil {
		if parse.IsNotFound(err) {
			return FieldDiff{}, notFound("Historique non trouvé")
		}
		return FieldDiff{}, fmt.Errorf("get history %s: %w", historyID, err)
	}
	change, ok := entry.Changes[field]
	if !ok {
		return FieldDiff{}, notFound(fmt.Sprintf("No changes found for field '%s' in history entry %s", field, historyID))
	}
	return FieldDiff{
		Before:   change.Before,
		After:    change.After,
		DiffHTML: diffHTML(change.Before, change.After),
	}, nil
}

func diffHTML(before, after any) string {
	var b strings.Builder
	b.WriteString(`<div style="display:flex;gap:16px">`)
	b.WriteString(`<div style="flex:1"><strong>Avant:</strong><pre>`)
	b.WriteString(html.EscapeString(text(before)))
	b.WriteString(`</pre></div>`)
	b.WriteString(`<div style="flex:1"><strong>Après:</strong><pre>`)
	b.WriteString(html.EscapeString(text(after)))
	b.WriteString(`</pre></div></div>`)
	return b.String()
}

func text(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
