package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"marki/models"
	"marki/parse"
	"marki/utils"
)

// SequenceService owns sequences and the relances they schedule.
type SequenceService struct {
	parse     *parse.Client
	history   *HistoryService
	generator EmailGenerator
	log       *logrus.Entry
	clock     Clock
}

func NewSequenceService(pc *parse.Client, history *HistoryService) *SequenceService {
	return &SequenceService{parse: pc, history: history, log: utils.Component("sequences")}
}

// WithGenerator enables AI-written reminders for actions without their own text.
func (s *SequenceService) WithGenerator(g EmailGenerator) *SequenceService {
	s.generator = g
	return s
}

func sequencePtr(id string) parse.Pointer { return parse.NewPointer(models.ClassSequences, id) }
func impayePtr(id string) parse.Pointer   { return parse.NewPointer(models.ClassImpayes, id) }
func relancePtr(id string) parse.Pointer  { return parse.NewPointer(models.ClassRelances, id) }

// SequenceSummary is one row of the sequence list page.
type SequenceSummary struct {
	ID             string `json:"id"`
	Nom            string `json:"nom"`
	Statut         bool   `json:"statut"`
	TypePeuplement string `json:"typePeuplement"`
	RelancesCount  int    `json:"relancesCount"`
}

func (s *SequenceService) List(ctx context.Context) ([]SequenceSummary, error) {
	seqs, err := parse.FindAll[models.Sequence](ctx, s.parse, models.ClassSequences, parse.Query{Order: "nom"})
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}

	out := make([]SequenceSummary, len(seqs))
	var g errgroup.Group
	g.SetLimit(countConcurrency)
	for i, seq := range seqs {
		i, seq := i, seq
		out[i] = SequenceSummary{
			ID:             seq.ObjectID,
			Nom:            seq.Nom,
			Statut:         seq.IsActif,
			TypePeuplement: seq.PopulationType(),
		}
		g.Go(func() error {
			out[i].RelancesCount = s.RelancesCount(ctx, seq.ObjectID)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// countConcurrency caps the parallel count queries issued by List.
const countConcurrency = 8

// RelancesCount counts the invoices attached to a sequence. Upstream failures count as 0.
func (s *SequenceService) RelancesCount(ctx context.Context, sequenceID string) int {
	n, err := s.parse.Count(ctx, models.ClassImpayes, map[string]any{"sequence": sequencePtr(sequenceID)})
	if err != nil {
		s.log.WithError(err).WithField("sequence_id", sequenceID).Warn("Failed to count sequence invoices")
		return 0
	}
	return n
}

func (s *SequenceService) Get(ctx context.Context, id string) (models.Sequence, error) {
	var seq models.Sequence
	if err := s.parse.Get(ctx, models.ClassSequences, id, &seq); err != nil {
		if parse.IsNotFound(err) {
			return seq, notFound("Séquence non trouvée")
		}
		return seq, fmt.Errorf("get sequence %s: %w", id, err)
	}
	return seq, nil
}

type SequenceInput struct {
	Nom           string                  `json:"nom"`
	Description   string                  `json:"description"`
	IsActif       bool                    `json:"isActif"`
	IsAuto        bool                    `json:"isAuto"`
	Actions       []models.SequenceAction `json:"actions"`
	SMTPProfileID string                  `json:"smtpProfileId"`
	RequeteAuto   *models.AutoFilters     `json:"requete_auto"`
}

func (s *SequenceService) Create(ctx context.Context, in SequenceInput) (models.Sequence, error) {
	in.Nom = strings.TrimSpace(in.Nom)
	if in.Nom == "" {
		return models.Sequence{}, invalid("Le nom de la séquence est requis")
	}
	if in.Actions == nil {
		in.Actions = []models.SequenceAction{}
	}
	seq := models.Sequence{
		Nom:         in.Nom,
		Description: in.Description,
		IsActif:     in.IsActif,
		IsAuto:      in.IsAuto,
		Actions:     in.Actions,
		SMTPProfile: parse.PointerRef(models.ClassSMTPProfile, in.SMTPProfileID),
		RequeteAuto: in.RequeteAuto,
	}
	res, err := s.parse.Create(ctx, models.ClassSequences, seq)
	if err != nil {
		return models.Sequence{}, fmt.Errorf("create sequence: %w", err)
	}
	seq.ObjectID = res.ObjectID
	seq.CreatedAt = res.CreatedAt
	s.log.WithFields(logrus.Fields{"sequence_id": seq.ObjectID, "nom": seq.Nom}).Info("Sequence created")
	return seq, nil
}

// SequenceUpdate carries the editable fields. Activation goes through SetStatus.
type SequenceUpdate struct {
	Nom           *string                  `json:"nom"`
	Description   *string                  `json:"description"`
	Actions       *[]models.SequenceAction `json:"actions"`
	SMTPProfileID *string                  `json:"smtpProfileId"`
}

func (s *SequenceService) Update(ctx context.Context, id string, in SequenceUpdate) (models.Sequence, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return models.Sequence{}, err
	}
	changes := map[string]any{}
	if in.Nom != nil {
		nom := strings.TrimSpace(*in.Nom)
		if nom == "" {
			return models.Sequence{}, invalid("Le nom de la séquence est requis")
		}
		changes["nom"] = nom
	}
	if in.Description != nil {
		changes["description"] = *in.Description
	}
	if in.Actions != nil {
		changes["actions"] = *in.Actions
	}
	if in.SMTPProfileID != nil {
		if *in.SMTPProfileID == "" {
			changes["smtpProfile"] = map[string]any{"__op": "Delete"}
		} else {
			changes["smtpProfile"] = parse.NewPointer(models.ClassSMTPProfile, *in.SMTPProfileID)
		}
	}
	if len(changes) > 0 {
		if err := s.parse.Update(ctx, models.ClassSequences, id, changes); err != nil {
			return models.Sequence{}, fmt.Errorf("update sequence %s: %w", id, err)
		}
	}
	return s.Get(ctx, id)
}

// AddAction appends one action. Order is the only thing that defines the delay sequence.
func (s *SequenceService) AddAction(ctx context.Context, id string, action models.SequenceAction) (models.Sequence, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return models.Sequence{}, err
	}
	if action.Type == "" {
		action.Type = "email"
	}
	if err := s.parse.Update(ctx, models.ClassSequences, id, map[string]any{
		"actions": map[string]any{"__op": "Add", "objects": []models.SequenceAction{action}},
	}); err != nil {
		return models.Sequence{}, fmt.Errorf("add action to %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

// DeletionCheck is the answer of the pre-delete hook.
type DeletionCheck struct {
	Message  string `json:"message"`
	Warning  string `json:"warning"`
	Sequence string `json:"sequenceId"`
}

const relancesKeptWarning = "Les relances associées ne sont pas automatiquement supprimées (à discuter)"

func (s *SequenceService) PrepareDeletion(ctx context.Context, id string) (DeletionCheck, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return DeletionCheck{}, err
	}
	return DeletionCheck{
		Message:  "Prêt pour la suppression de la séquence",
		Warning:  relancesKeptWarning,
		Sequence: id,
	}, nil
}

// Delete removes the sequence. Its relances stay in place.
func (s *SequenceService) Delete(ctx context.Context, id string) (DeletionCheck, error) {
	check, err := s.PrepareDeletion(ctx, id)
	if err != nil {
		return check, err
	}
	if err := s.parse.Delete(ctx, models.ClassSequences, id); err != nil {
		return check, fmt.Errorf("delete sequence %s: %w", id, err)
	}
	check.Message = "Séquence supprimée"
	return check, nil
}

// StatusChange is the result of activating or deactivating a sequence.
type StatusChange struct {
	Message  string          `json:"message"`
	Populate *PopulateResult `json:"populate,omitempty"`
	Cleanup  *CleanupResult  `json:"cleanup,omitempty"`
}

// SetStatus saves isActif then populates relances on activation or cleans them up on deactivation.
func (s *SequenceService) SetStatus(ctx context.Context, id string, active bool) (StatusChange, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return StatusChange{}, err
	}
	if err := s.parse.Update(ctx, models.ClassSequences, id, map[string]any{"isActif": active}); err != nil {
		return StatusChange{}, fmt.Errorf("set status of %s: %w", id, err)
	}

	if active {
		res, err := s.Populate(ctx, id)
		if err != nil {
			return StatusChange{}, err
		}
		return StatusChange{Message: "Séquence activée et relances peuplées", Populate: &res}, nil
	}
	res, err := s.Cleanup(ctx, id)
	if err != nil {
		return StatusChange{}, err
	}
	return StatusChange{Message: "Séquence désactivée et relances nettoyées", Cleanup: &res}, nil
}

type RelanceFailure struct {
	RelanceID string `json:"relanceId"`
	Error     string `json:"error"`
}

type DeactivationResult struct {
	Success        bool             `json:"success"`
	Message        string           `json:"message"`
	CancelledCount int              `json:"cancelledCount"`
	ErrorCount     int              `json:"errorCount"`
	Errors         []RelanceFailure `json:"errors,omitempty"`
}

// Deactivate cancels every scheduled relance of the sequence, logs the outcome and
// switches the sequence off.
func (s *SequenceService) Deactivate(ctx context.Context, id string) (DeactivationResult, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return DeactivationResult{}, err
	}

	scheduled, err := s.unsentRelances(ctx, id)
	if err != nil {
		s.logSequence(ctx, id, "deactivation_error", "Erreur globale: "+err.Error())
		return DeactivationResult{}, err
	}
	if len(scheduled) == 0 {
		s.logSequence(ctx, id, "deactivation", "Aucune relance à annuler")
		if err := s.parse.Update(ctx, models.ClassSequences, id, map[string]any{"isActif": false}); err != nil {
			return DeactivationResult{}, fmt.Errorf("deactivate %s: %w", id, err)
		}
		return DeactivationResult{Success: true, Message: "Aucune relance à annuler"}, nil
	}

	res := DeactivationResult{}
	for _, r := range scheduled {
		if err := s.cancel(ctx, r.ObjectID); err != nil {
			res.ErrorCount++
			res.Errors = append(res.Errors, RelanceFailure{RelanceID: r.ObjectID, Error: err.Error()})
			continue
		}
		res.CancelledCount++
	}

	if res.ErrorCount == 0 {
		s.logSequence(ctx, id, "deactivation", fmt.Sprintf("%d relances annulées", res.CancelledCount))
	} else {
		s.logSequence(ctx, id, "deactivation_error", fmt.Sprintf("%d/%d relances annulées", res.CancelledCount, len(scheduled)))
	}

	if err := s.parse.Update(ctx, models.ClassSequences, id, map[string]any{"isActif": false}); err != nil {
		return res, fmt.Errorf("deactivate %s: %w", id, err)
	}

	res.Success = res.ErrorCount == 0
	if res.Success {
		res.Message = fmt.Sprintf("%d relances annulées avec succès", res.CancelledCount)
	} else {
		res.Message = fmt.Sprintf("%d relance(s) n'ont pas pu être annulées", res.ErrorCount)
	}
	return res, nil
}

func (s *SequenceService) logSequence(ctx context.Context, id, action, details string) {
	entry := models.SequenceLog{
		Sequence:  parse.PointerRef(models.ClassSequences, id),
		Action:    action,
		Details:   details,
		Timestamp: parse.NewDate(s.clock.now()),
	}
	if _, err := s.parse.Create(ctx, models.ClassSequenceLog, entry); err != nil {
		utils.LogError("sequence_log_failed", err, map[string]interface{}{"sequence_id": id, "action": action})
	}
}

func (s *SequenceService) unsentRelances(ctx context.Context, sequenceID string) ([]models.Relance, error) {
	rows, err := parse.FindAll[models.Relance](ctx, s.parse, models.ClassRelances, parse.Query{
		Where: map[string]any{"sequence": sequencePtr(sequenceID), "is_sent": false},
		Order: "send_date",
	})
	if err != nil {
		return nil, fmt.Errorf("scheduled relances of %s: %w", sequenceID, err)
	}
	return rows, nil
}

// ScheduledRelance is the list view of a pending relance.
type ScheduledRelance struct {
	ObjectID     string      `json:"objectId"`
	SendDate     *parse.Date `json:"send_date,omitempty"`
	EmailTo      string      `json:"email_to"`
	EmailSubject string      `json:"email_subject"`
	Status       string      `json:"status"`
}

func (s *SequenceService) ScheduledRelances(ctx context.Context, sequenceID string) ([]ScheduledRelance, error) {
	if sequenceID == "" {
		return nil, invalid("sequenceId est requis")
	}
	rows, err := s.unsentRelances(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	out := make([]ScheduledRelance, 0, len(rows))
	for _, r := range rows {
		status := models.RelanceScheduled
		if r.IsSent {
			status = models.RelanceSent
		}
		out = append(out, ScheduledRelance{
			ObjectID:     r.ObjectID,
			SendDate:     r.SendDate,
			EmailTo:      r.EmailTo,
			EmailSubject: r.EmailSubject,
			Status:       status,
		})
	}
	return out, nil
}

func (s *SequenceService) cancel(ctx context.Context, relanceID string) error {
	return s.parse.Update(ctx, models.ClassRelances, relanceID, map[string]any{
		"is_sent": true,
		"status":  models.RelanceCancelled,
	})
}

// CancelRelance cancels one relance by hand.
func (s *SequenceService) CancelRelance(ctx context.Context, relanceID string) error {
	if relanceID == "" {
		return invalid("relanceId est requis")
	}
	if err := s.cancel(ctx, relanceID); err != nil {
		if parse.IsNotFound(err) {
			return notFound("Relance non trouvée")
		}
		return fmt.Errorf("cancel relance %s: %w", relanceID, err)
	}
	return nil
}

// RelanceEdit is a manual edit of a scheduled relance.
type RelanceEdit struct {
	EmailSubject *string `json:"email_subject"`
	EmailBody    *string `json:"email_body"`
	EmailTo      *string `json:"email_to"`
	EmailCc      *string `json:"email_cc"`
	SendDate     *string `json:"send_date"`
}

// UpdateRelance applies an edit to a relance that has not been sent and records the diff
// in the e-mail history.
func (s *SequenceService) UpdateRelance(ctx context.Context, relanceID string, editor *parse.Session, edit RelanceEdit) (models.Relance, error) {
	var cur models.Relance
	if err := s.parse.Get(ctx, models.ClassRelances, relanceID, &cur); err != nil {
		if parse.IsNotFound(err) {
			return cur, notFound("Relance non trouvée")
		}
		return cur, fmt.Errorf("get relance %s: %w", relanceID, err)
	}
	if cur.IsSent {
		return cur, conflict("Relance déjà envoyée ou annulée")
	}

	changes := map[string]any{}
	diff := map[string]models.FieldChange{}
	set := func(field string, before string, after *string) {
		if after == nil || *after == before {
			return
		}
		changes[field] = *after
		diff[field] = models.FieldChange{Before: before, After: *after}
	}
	set("email_subject", cur.EmailSubject, edit.EmailSubject)
	set("email_body", cur.EmailBody, edit.EmailBody)
	set("email_to", cur.EmailTo, edit.EmailTo)
	set("email_cc", cur.EmailCc, edit.EmailCc)

	if edit.SendDate != nil {
		t, err := parse.ParseTime(*edit.SendDate)
		if err != nil {
			return cur, invalid("Date d'envoi invalide: %s", *edit.SendDate)
		}
		before := ""
		if cur.SendDate != nil {
			before = cur.SendDate.UTC().Format("2006-01-02T15:04:05.000Z")
		}
		after := t.UTC().Format("2006-01-02T15:04:05.000Z")
		if before != after {
			changes["send_date"] = parse.NewDate(t)
			diff["send_date"] = models.FieldChange{Before: before, After: after}
		}
	}

	if v, ok := changes["email_to"].(string); ok {
		for _, addr := range utils.SplitEmails(v) {
			if err := utils.ValidateEmail(addr); err != nil {
				return cur, invalid("Adresse e-mail invalide: %s", addr)
			}
		}
	}

	if len(changes) == 0 {
		return cur, nil
	}
	if err := s.parse.Update(ctx, models.ClassRelances, relanceID, changes); err != nil {
		return cur, fmt.Errorf("update relance %s: %w", relanceID, err)
	}
	if s.history != nil {
		if _, err := s.history.Log(ctx, relanceID, editor, diff); err != nil {
			utils.LogError("email_history_failed", err, map[string]interface{}{"relance_id": relanceID})
		}
	}

	var updated models.Relance
	if err := s.parse.Get(ctx, models.ClassRelances, relanceID, &updated); err != nil {
		return cur, fmt.Errorf("reload relance %s: %w", relanceID, err)
	}
	return updated, nil
}
