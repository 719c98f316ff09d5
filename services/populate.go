package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"marki/metrics"
	"marki/models"
	"marki/parse"
	"marki/utils"
)

type PopulateResult struct {
	Message   string `json:"message"`
	Processed int    `json:"processed"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
}

type CleanupResult struct {
	Message      string `json:"message"`
	Deleted      int    `json:"deleted"`
	Kept         int    `json:"kept"`
	SequenceID   string `json:"sequenceId"`
	SequenceName string `json:"sequenceName"`
	Timestamp    string `json:"timestamp"`
}

type AssignResult struct {
	Message          string `json:"message"`
	ImpayeID         string `json:"impayeId"`
	SequenceID       string `json:"sequenceId"`
	RelanceID        string `json:"relanceId,omitempty"`
	RelancesCreated  int    `json:"relancesCreated"`
	ExistingRelances int    `json:"existingRelances,omitempty"`
}

// fallbackSingle is the reminder sent when an action has no template.
func fallbackSingle(i models.Impaye) (subject, body string) {
	obj := parse.Object(i)
	subject = fmt.Sprintf("Rappel - Facture %s impayée", i.NFacture())
	body = fmt.Sprintf("Bonjour %s,\n\n"+
		"Nous vous rappelons que votre facture n°%s d'un montant de %s €, émise le %s, est actuellement impayée.\n\n"+
		"Nous vous invitons à procéder au règlement dans les plus brefs délais.\n\n"+
		"Cordialement,\nVotre service comptable",
		i.PayeurNom(), i.NFacture(), obj.String("resteapayer"), utils.FieldValue(i.Record(), "datepiece"))
	return subject, body
}

// fallbackMultiple is the grouped reminder for several invoices of one payer.
func fallbackMultiple(group []models.Impaye) (subject, body string) {
	factures := make([]string, 0, len(group))
	var total float64
	for _, i := range group {
		factures = append(factures, i.NFacture())
		total += i.ResteAPayer()
	}
	list := strings.Join(factures, ", ")
	subject = fmt.Sprintf("Rappel - Plusieurs factures impayées (%s)", list)
	body = fmt.Sprintf("Bonjour %s,\n\n"+
		"Nous vous rappelons que plusieurs de vos factures sont actuellement impayées :\n\n"+
		"Factures concernées: %s\n"+
		"Montant total dû: %.2f €\n\n"+
		"Nous vous invitons à régulariser cette situation dans les plus brefs délais.\n\n"+
		"Cordialement,\nVotre service comptable",
		group[0].PayeurNom(), list, total)
	return subject, body
}

// composeSingle writes the reminder of one invoice. The action's own subject and
// body win. An action without them goes to the generator, its template field
// serving as instructions. The default texts fill whatever is still empty.
func (s *SequenceService) composeSingle(ctx context.Context, seq models.Sequence, a models.SequenceAction, i models.Impaye) (subject, body, by string) {
	if g, ok := s.generate(ctx, seq, a, []models.Impaye{i}); ok {
		return strings.TrimSpace(utils.Render(g.Subject, i.Record())), utils.Render(g.Body, i.Record()), models.GeneratedByOllama
	}
	fbSubject, fbBody := fallbackSingle(i)
	subject = strings.TrimSpace(utils.Render(a.SubjectTemplate(), i.Record()))
	body = utils.Render(a.BodyTemplate(), i.Record())
	return fillDefaults(subject, body, fbSubject, fbBody)
}

func (s *SequenceService) composeMultiple(ctx context.Context, seq models.Sequence, a models.SequenceAction, group []models.Impaye) (subject, body, by string) {
	records := make([]map[string]any, 0, len(group))
	for _, i := range group {
		records = append(records, i.Record())
	}
	if g, ok := s.generate(ctx, seq, a, group); ok {
		return strings.TrimSpace(utils.RenderMultiple(g.Subject, records)), utils.RenderMultiple(g.Body, records), models.GeneratedByOllama
	}
	fbSubject, fbBody := fallbackMultiple(group)
	subject = strings.TrimSpace(utils.RenderMultiple(a.SubjectTemplate(), records))
	body = utils.RenderMultiple(a.BodyTemplate(), records)
	return fillDefaults(subject, body, fbSubject, fbBody)
}

func (s *SequenceService) generate(ctx context.Context, seq models.Sequence, a models.SequenceAction, group []models.Impaye) (GeneratedEmail, bool) {
	if s.generator == nil || a.Authored() {
		return GeneratedEmail{}, false
	}
	g, err := s.generator.Generate(ctx, GenerationRequest{
		SequenceName: seq.Nom,
		Instructions: a.Template,
		Multiple:     len(group) > 1,
		Invoices:     group,
	})
	if err != nil {
		utils.LogError("ai_generation_failed", err, map[string]interface{}{
			"sequence_id": seq.ObjectID,
			"impaye_id":   group[0].ID(),
		})
		return GeneratedEmail{}, false
	}
	return g, true
}

// fillDefaults completes a rendered subject and body with the default texts and
// names where the result came from.
func fillDefaults(subject, body, fbSubject, fbBody string) (string, string, string) {
	by := models.GeneratedByTemplate
	if subject == "" && strings.TrimSpace(body) == "" {
		by = models.GeneratedByFallback
	}
	if subject == "" {
		subject = fbSubject
	}
	if strings.TrimSpace(body) == "" {
		body = fbBody
	}
	return subject, body, by
}

// recipient is the action's rendered emailTo, else the payer address.
func recipient(a models.SequenceAction, i models.Impaye) string {
	if to := strings.TrimSpace(utils.Render(a.EmailTo, i.Record())); to != "" {
		return to
	}
	return i.PayeurEmail()
}

func profileFor(a models.SequenceAction, seq models.Sequence) *parse.Pointer {
	if id := a.ProfileID(); id != "" {
		return parse.PointerRef(models.ClassSMTPProfile, id)
	}
	return seq.SMTPProfile
}

func (s *SequenceService) newRelance(seq models.Sequence, a models.SequenceAction, index int, i models.Impaye, sendAt time.Time) models.Relance {
	return models.Relance{
		EmailCc:     strings.TrimSpace(utils.Render(a.EmailCc, i.Record())),
		SendDate:    parse.NewDate(sendAt),
		IsSent:      false,
		Status:      models.RelanceScheduled,
		Impaye:      parse.PointerRef(models.ClassImpayes, i.ID()),
		Sequence:    parse.PointerRef(models.ClassSequences, seq.ObjectID),
		SMTPProfile: profileFor(a, seq),
		ActionIndex: index,
		ActionType:  a.ActionType(),
	}
}

func (s *SequenceService) sequenceImpayes(ctx context.Context, sequenceID string) ([]models.Impaye, error) {
	rows, err := parse.FindAll[models.Impaye](ctx, s.parse, models.ClassImpayes, parse.Query{
		Where: map[string]any{
			"sequence":      sequencePtr(sequenceID),
			"facturesoldee": parse.Ne(true),
		},
		Order: "nfacture",
	})
	if err != nil {
		return nil, fmt.Errorf("invoices of sequence %s: %w", sequenceID, err)
	}
	return rows, nil
}

// purgeUnsent deletes the unsent relances of an invoice for a sequence and returns the sent ones.
func (s *SequenceService) purgeUnsent(ctx context.Context, impayeID, sequenceID string) (deleted int, sent []models.Relance, err error) {
	existing, err := parse.FindAll[models.Relance](ctx, s.parse, models.ClassRelances, parse.Query{
		Where: map[string]any{"impaye": impayePtr(impayeID), "sequence": sequencePtr(sequenceID)},
	})
	if err != nil {
		return 0, nil, fmt.Errorf("relances of invoice %s: %w", impayeID, err)
	}
	for _, r := range existing {
		if r.IsSent {
			sent = append(sent, r)
			continue
		}
		if err := s.parse.Delete(ctx, models.ClassRelances, r.ObjectID); err != nil && !parse.IsNotFound(err) {
			return deleted, sent, fmt.Errorf("delete relance %s: %w", r.ObjectID, err)
		}
		deleted++
	}
	return deleted, sent, nil
}

func (s *SequenceService) createRelance(ctx context.Context, r models.Relance) (string, error) {
	res, err := s.parse.Create(ctx, models.ClassRelances, r)
	if err != nil {
		return "", fmt.Errorf("create relance: %w", err)
	}
	metrics.Relances.WithLabelValues("scheduled").Inc()
	return res.ObjectID, nil
}

// Populate rebuilds the pending relances of every unpaid invoice linked to a sequence.
// Sent relances are kept and only the actions after the last sent one are scheduled.
// Multi-invoice actions produce one relance per payer owning several invoices.
func (s *SequenceService) Populate(ctx context.Context, sequenceID string) (PopulateResult, error) {
	if strings.TrimSpace(sequenceID) == "" {
		return PopulateResult{}, invalid("Le paramètre idSequence est requis")
	}
	seq, err := s.Get(ctx, sequenceID)
	if err != nil {
		return PopulateResult{}, err
	}
	impayes, err := s.sequenceImpayes(ctx, sequenceID)
	if err != nil {
		return PopulateResult{}, err
	}
	if len(seq.Actions) == 0 {
		return PopulateResult{Message: "Aucune action dans la séquence"}, nil
	}
	if len(impayes) == 0 {
		return PopulateResult{Message: "Aucun impayé trouvé pour cette séquence"}, nil
	}

	log := s.log.WithFields(logrus.Fields{"sequence_id": sequenceID, "nom": seq.Nom})
	now := s.clock.now()
	res := PopulateResult{Message: "Relances peuplées avec succès"}

	var groupOrder []string
	groups := map[string][]models.Impaye{}
	for _, i := range impayes {
		key := i.PayerKey()
		if _, ok := groups[key]; !ok {
			groupOrder = append(groupOrder, key)
		}
		groups[key] = append(groups[key], i)
	}

	for _, i := range impayes {
		res.Processed++
		_, sent, err := s.purgeUnsent(ctx, i.ID(), sequenceID)
		if err != nil {
			return res, err
		}

		start := 0
		if len(sent) > 0 {
			maxIndex := sent[0].ActionIndex
			for _, r := range sent[1:] {
				if r.ActionIndex > maxIndex {
					maxIndex = r.ActionIndex
				}
			}
			start = maxIndex + 1
			res.Updated++
		}

		for idx := start; idx < len(seq.Actions); idx++ {
			a := seq.Actions[idx]
			if a.IsMultipleImpayes || (a.IsActive != nil && !*a.IsActive) {
				continue
			}
			to := recipient(a, i)
			if to == "" {
				log.WithFields(logrus.Fields{"impaye_id": i.ID(), "action_index": idx}).Warn("Payer has no e-mail, action skipped")
				continue
			}
			r := s.newRelance(seq, a, idx, i, now.AddDate(0, 0, a.DelayDays()))
			r.EmailSubject, r.EmailBody, r.GeneratedBy = s.composeSingle(ctx, seq, a, i)
			r.EmailTo = to
			if _, err := s.createRelance(ctx, r); err != nil {
				return res, err
			}
			res.Created++
		}
	}

	for idx, a := range seq.Actions {
		if !a.IsMultipleImpayes || (a.IsActive != nil && !*a.IsActive) {
			continue
		}
		for _, key := range groupOrder {
			group := groups[key]
			if len(group) <= 1 {
				continue
			}
			first := group[0]
			to := recipient(a, first)
			if to == "" {
				continue
			}
			ids := make([]string, 0, len(group))
			for _, i := range group {
				ids = append(ids, i.ID())
			}
			r := s.newRelance(seq, a, idx, first, now.AddDate(0, 0, a.DelayDays()))
			r.EmailSubject, r.EmailBody, r.GeneratedBy = s.composeMultiple(ctx, seq, a, group)
			r.EmailTo = to
			r.IsMultiple = true
			r.MultipleImpayesCount = len(group)
			r.MultipleImpayesIDs = strings.Join(ids, ",")
			if _, err := s.createRelance(ctx, r); err != nil {
				return res, err
			}
			res.Created++
		}
	}

	log.WithFields(logrus.Fields{"processed": res.Processed, "created": res.Created, "updated": res.Updated}).Info("Relances populated")
	return res, nil
}

// Cleanup deletes the unsent relances of the sequence's invoices and keeps the sent ones.
func (s *SequenceService) Cleanup(ctx context.Context, sequenceID string) (CleanupResult, error) {
	if strings.TrimSpace(sequenceID) == "" {
		return CleanupResult{}, invalid("Le paramètre idSequence est requis")
	}
	seq, err := s.Get(ctx, sequenceID)
	if err != nil {
		return CleanupResult{}, err
	}
	impayes, err := parse.FindAll[models.Impaye](ctx, s.parse, models.ClassImpayes, parse.Query{
		Where: map[string]any{"sequence": sequencePtr(sequenceID)},
	})
	if err != nil {
		return CleanupResult{}, fmt.Errorf("invoices of sequence %s: %w", sequenceID, err)
	}

	res := CleanupResult{
		Message:      "Nettoyage des relances terminé avec succès",
		SequenceID:   sequenceID,
		SequenceName: seq.Nom,
		Timestamp:    s.clock.now().Format(time.RFC3339),
	}
	if len(impayes) == 0 {
		res.Message = "Aucun impayé trouvé pour cette séquence, rien à nettoyer"
		return res, nil
	}
	for _, i := range impayes {
		deleted, sent, err := s.purgeUnsent(ctx, i.ID(), sequenceID)
		res.Deleted += deleted
		res.Kept += len(sent)
		if err != nil {
			return res, err
		}
	}
	s.log.WithFields(logrus.Fields{"sequence_id": sequenceID, "deleted": res.Deleted, "kept": res.Kept}).Info("Relances cleaned up")
	return res, nil
}

// Assign links an invoice to a sequence and schedules its first reminder right away.
// An invoice belongs to one sequence at a time, so pending relances of a previous
// sequence are dropped.
func (s *SequenceService) Assign(ctx context.Context, impayeID, sequenceID string) (AssignResult, error) {
	if strings.TrimSpace(impayeID) == "" {
		return AssignResult{}, invalid("Le paramètre impayeId est requis")
	}
	if strings.TrimSpace(sequenceID) == "" {
		return AssignResult{}, invalid("Le paramètre sequenceId est requis")
	}

	var impaye models.Impaye
	if err := s.parse.Get(ctx, models.ClassImpayes, impayeID, &impaye); err != nil {
		if parse.IsNotFound(err) {
			return AssignResult{}, notFound("Impayé non trouvé")
		}
		return AssignResult{}, fmt.Errorf("get invoice %s: %w", impayeID, err)
	}
	seq, err := s.Get(ctx, sequenceID)
	if err != nil {
		return AssignResult{}, err
	}

	if prev := impaye.SequenceID(); prev != "" && prev != sequenceID {
		if _, _, err := s.purgeUnsent(ctx, impayeID, prev); err != nil {
			return AssignResult{}, err
		}
	}
	if impaye.SequenceID() != sequenceID {
		if err := s.parse.Update(ctx, models.ClassImpayes, impayeID, map[string]any{"sequence": sequencePtr(sequenceID)}); err != nil {
			return AssignResult{}, fmt.Errorf("link invoice %s: %w", impayeID, err)
		}
	}

	res := AssignResult{ImpayeID: impayeID, SequenceID: sequenceID}
	if !seq.IsActif {
		res.Message = "Séquence associée mais non active - aucune relance créée"
		return res, nil
	}
	if len(seq.Actions) == 0 {
		res.Message = "Aucune action dans la séquence"
		return res, nil
	}

	_, sent, err := s.purgeUnsent(ctx, impayeID, sequenceID)
	if err != nil {
		return res, err
	}
	if len(sent) > 0 {
		res.Message = "Relances existantes conservées"
		res.ExistingRelances = len(sent)
		return res, nil
	}

	a := seq.Actions[0]
	r := s.newRelance(seq, a, 0, impaye, s.clock.now())
	r.EmailTo = recipient(a, impaye)
	if r.EmailTo == "" {
		res.Message = "Aucune adresse e-mail pour ce payeur - aucune relance créée"
		return res, nil
	}
	r.EmailSubject, r.EmailBody, r.GeneratedBy = s.composeSingle(ctx, seq, a, impaye)
	id, err := s.createRelance(ctx, r)
	if err != nil {
		return res, err
	}
	res.Message = "Relance créée avec succès"
	res.RelanceID = id
	res.RelancesCreated = 1
	return res, nil
}
