package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"marki/models"
	"marki/utils"
)

type SingleEmailRequest struct {
	Target string `json:"target"`
	Tone   string `json:"tone"`
	Delay  int    `json:"delay" validate:"min=0"`
}

type SingleEmailResult struct {
	Success     bool                  `json:"success"`
	Message     string                `json:"message"`
	Action      models.SequenceAction `json:"actionGenerated"`
	GeneratedBy string                `json:"generatedBy"`
}

type FullSequenceRequest struct {
	Target          string `json:"target"`
	MultipleImpayes bool   `json:"multipleImpayes"`
	StartTone       string `json:"startTone"`
	EndTone         string `json:"endTone"`
	// HuissierThreshold adds the bailiff step when it is 5 or less. Defaults to 3.
	HuissierThreshold *int `json:"huissierThreshold"`
}

type FullSequenceResult struct {
	Success          bool                    `json:"success"`
	Message          string                  `json:"message"`
	ActionsGenerated int                     `json:"actionsGenerated"`
	Fallbacks        int                     `json:"fallbacks"`
	Actions          []models.SequenceAction `json:"actions"`
}

// GenerateSingleEmail writes one action for the given audience and tone and
// appends it to the sequence. The stored text keeps [[field]] placeholders.
func (s *SequenceService) GenerateSingleEmail(ctx context.Context, sequenceID string, req SingleEmailRequest) (SingleEmailResult, error) {
	if req.Delay < 0 {
		return SingleEmailResult{}, invalid("Le délai doit être positif ou nul")
	}
	if req.Tone == "" {
		req.Tone = "professionnel"
	}
	if _, err := s.Get(ctx, sequenceID); err != nil {
		return SingleEmailResult{}, err
	}

	fbSubject, fbBody := toneFallback(req.Tone)
	subject, body, by := s.draft(ctx, GenerationRequest{
		SequenceName: "Email généré par IA",
		Target:       req.Target,
		Tone:         req.Tone,
		Instructions: "Cet email doit être autonome et complet.",
	}, fbSubject, fbBody)

	action := models.SequenceAction{Type: "email", Delay: models.FlexInt(req.Delay), Subject: subject, Body: body}
	if _, err := s.AddAction(ctx, sequenceID, action); err != nil {
		return SingleEmailResult{}, err
	}
	s.log.WithFields(logrus.Fields{"sequence_id": sequenceID, "tone": req.Tone, "generated_by": by}).Info("Action generated")
	return SingleEmailResult{
		Success:     true,
		Message:     "Email généré avec succès et ajouté à la séquence",
		Action:      action,
		GeneratedBy: by,
	}, nil
}

type sequenceStep struct {
	delay   int
	tone    string
	purpose string
}

func sequenceSteps(startTone, endTone string, huissierThreshold int) []sequenceStep {
	steps := []sequenceStep{
		{0, startTone, "premier_rappel"},
		{7, "amiable", "rappel_amiable"},
		{14, "professionnel", "rappel_professionnel"},
		{21, "ferme", "rappel_ferme"},
		{28, endTone, "dernier_rappel"},
	}
	if huissierThreshold <= 5 {
		steps = append(steps, sequenceStep{35, "juridique", "preparation_huissier"})
	}
	return steps
}

// GenerateFullSequence replaces the sequence's actions with a generated
// escalation from a first courteous reminder to the last one, plus a bailiff
// step when the threshold asks for it. A failed step uses its default text.
func (s *SequenceService) GenerateFullSequence(ctx context.Context, sequenceID string, req FullSequenceRequest) (FullSequenceResult, error) {
	if req.StartTone == "" {
		req.StartTone = "professionnel"
	}
	if req.EndTone == "" {
		req.EndTone = "ferme"
	}
	threshold := 3
	if req.HuissierThreshold != nil {
		threshold = *req.HuissierThreshold
	}
	if _, err := s.Get(ctx, sequenceID); err != nil {
		return FullSequenceResult{}, err
	}

	res := FullSequenceResult{Success: true, Message: "Séquence complète générée avec succès"}
	for _, step := range sequenceSteps(req.StartTone, req.EndTone, threshold) {
		fbSubject, fbBody := stepFallback(step.purpose, req.MultipleImpayes)
		subject, body, by := s.draft(ctx, GenerationRequest{
			SequenceName: "Séquence générée par IA",
			Target:       req.Target,
			Tone:         step.tone,
			Purpose:      step.purpose,
			Multiple:     req.MultipleImpayes,
		}, fbSubject, fbBody)
		if by == models.GeneratedByFallback {
			res.Fallbacks++
		}
		res.Actions = append(res.Actions, models.SequenceAction{
			Type:              "email",
			Delay:             models.FlexInt(step.delay),
			Subject:           subject,
			Body:              body,
			IsMultipleImpayes: req.MultipleImpayes,
		})
	}

	if _, err := s.Update(ctx, sequenceID, SequenceUpdate{Actions: &res.Actions}); err != nil {
		return FullSequenceResult{}, err
	}
	res.ActionsGenerated = len(res.Actions)
	s.log.WithFields(logrus.Fields{
		"sequence_id": sequenceID,
		"actions":     res.ActionsGenerated,
		"fallbacks":   res.Fallbacks,
	}).Info("Sequence generated")
	return res, nil
}

// draft asks the generator for a text and falls back to the given one.
func (s *SequenceService) draft(ctx context.Context, req GenerationRequest, fbSubject, fbBody string) (subject, body, by string) {
	if s.generator != nil {
		g, err := s.generator.Generate(ctx, req)
		if err == nil {
			return g.Subject, g.Body, models.GeneratedByOllama
		}
		utils.LogError("ai_generation_failed", err, map[string]interface{}{
			"tone":    req.Tone,
			"purpose": req.Purpose,
		})
	}
	return fbSubject, fbBody, models.GeneratedByFallback
}

func toneFallback(tone string) (subject, body string) {
	switch tone {
	case "amiable":
		return "Rappel amiable - Facture [[nfacture]]",
			"Bonjour [[payeur_nom]],\n\nNous vous rappelons que votre facture n°[[nfacture]] reste impayée.\n\n" +
				"Nous comprenons que des retards peuvent survenir et restons à votre disposition pour trouver une solution.\n\nCordialement,"
	case "ferme":
		return "Rappel ferme - Facture [[nfacture]] impayée",
			"Bonjour [[payeur_nom]],\n\nNous vous rappelons que votre facture n°[[nfacture]] reste impayée malgré nos précédents rappels.\n\n" +
				"Nous vous demandons de régulariser cette situation immédiatement.\n\nCordialement,"
	case "urgent":
		return "Rappel urgent - Facture [[nfacture]] impayée",
			"Bonjour [[payeur_nom]],\n\nNous vous rappelons que votre facture n°[[nfacture]] est impayée.\n\n" +
				"Nous vous demandons de procéder au règlement dans les 24 heures.\n\nCordialement,"
	}
	return "Rappel - Facture [[nfacture]] impayée",
		"Bonjour [[payeur_nom]],\n\nNous vous rappelons que votre facture n°[[nfacture]] d'un montant de [[resteapayer]] est actuellement impayée.\n\n" +
			"Nous vous invitons à régulariser cette situation dans les plus brefs délais.\n\nCordialement,"
}

var stepSubjects = map[string][2]string{
	"premier_rappel":       {"Rappel courtois - Facture [[nfacture]] impayée", "Rappel courtois - Plusieurs factures en attente de paiement"},
	"rappel_amiable":       {"Rappel amiable - Facture [[nfacture]]", "Rappel amiable - Factures impayées"},
	"rappel_professionnel": {"Rappel professionnel - Facture [[nfacture]]", "Rappel professionnel - Factures en retard"},
	"rappel_ferme":         {"Rappel ferme - Facture [[nfacture]] impayée", "Rappel ferme - Factures impayées"},
	"dernier_rappel":       {"Dernier rappel - Facture [[nfacture]]", "Dernier rappel - Factures en attente"},
	"preparation_huissier": {"Préparation à la transmission à un huissier", "Préparation à la transmission à un huissier"},
}

var stepMessages = map[string]string{
	"premier_rappel":       "Nous vous invitons à régulariser cette situation dans les plus brefs délais.",
	"rappel_amiable":       "Nous comprenons que des retards peuvent survenir et restons à votre disposition pour trouver une solution.",
	"rappel_professionnel": "Nous vous invitons à procéder au règlement dans les plus brefs délais.",
	"rappel_ferme":         "Malgré nos précédents rappels, nous vous demandons de régulariser cette situation immédiatement.",
	"dernier_rappel":       "Ceci est notre dernier rappel. Sans paiement sous 48h, des mesures supplémentaires seront prises.",
	"preparation_huissier": "Malgré nos nombreux rappels, nous préparons la transmission de votre dossier à un huissier de justice.",
}

// stepFallback is the default text of a generated sequence step. The multiple
// variant lists every invoice of the payer.
func stepFallback(purpose string, multiple bool) (subject, body string) {
	subjects, ok := stepSubjects[purpose]
	if !ok {
		subjects = [2]string{"Rappel - Facture [[nfacture]] impayée", "Rappel - Factures impayées"}
	}
	closing := stepMessages[purpose]
	if multiple {
		return subjects[1], "Bonjour [[payeur_nom]],\n\nPlusieurs de vos factures sont actuellement impayées.\n\n" +
			"Factures concernées: [[[LIST:nfacture]]]\nMontant total: [[[SUM:resteapayer]]]\n\n" + closing + "\n\nCordialement,"
	}
	return subjects[0], "Bonjour [[payeur_nom]],\n\nVotre facture n°[[nfacture]] d'un montant de [[resteapayer]] est actuellement impayée.\n\n" +
		closing + "\n\nCordialement,"
}
