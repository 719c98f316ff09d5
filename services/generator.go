package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"marki/metrics"
	"marki/models"
	"marki/utils"
)

// EmailGenerator writes the subject and body of a reminder.
type EmailGenerator interface {
	Generate(ctx context.Context, req GenerationRequest) (GeneratedEmail, error)
}

type GenerationRequest struct {
	SequenceName string
	Target       string
	Tone         string
	Purpose      string
	// Instructions is the free text of the action's template field.
	Instructions string
	Multiple     bool
	// Invoices carries the real data. Without invoices the answer is a reusable
	// action template written with [[field]] placeholders.
	Invoices []models.Impaye
}

type GeneratedEmail struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Model   string `json:"model,omitempty"`
}

// OllamaGenerator asks an Ollama model for a JSON {"subject","body"} answer.
type OllamaGenerator struct {
	client *utils.OllamaClient
	log    *logrus.Entry
}

func NewOllamaGenerator(c *utils.OllamaClient) *OllamaGenerator {
	return &OllamaGenerator{client: c, log: utils.Component("ollama")}
}

const generatorSystemPrompt = "Tu es un assistant professionnel spécialisé dans la rédaction d'emails de relance pour des factures impayées. " +
	"Sois poli, professionnel et concis.\n" +
	"Tu dois répondre UNIQUEMENT avec un objet JSON contenant exactement deux champs: \"subject\" et \"body\".\n" +
	"Ne retourne rien d'autre - aucun commentaire, aucune note, aucune explication."

func (g *OllamaGenerator) Generate(ctx context.Context, req GenerationRequest) (GeneratedEmail, error) {
	content, err := g.client.Chat(ctx, []utils.ChatMessage{
		{Role: "system", Content: generatorSystemPrompt},
		{Role: "user", Content: generationPrompt(req)},
	})
	if err != nil {
		metrics.Generations.WithLabelValues("error").Inc()
		return GeneratedEmail{}, err
	}
	subject, body := parseGeneratedEmail(content)
	if strings.TrimSpace(body) == "" {
		metrics.Generations.WithLabelValues("error").Inc()
		return GeneratedEmail{}, utils.ErrOllamaEmptyAnswer
	}
	metrics.Generations.WithLabelValues("ok").Inc()
	g.log.WithFields(logrus.Fields{"model": g.client.Model(), "purpose": req.Purpose}).Debug("E-mail generated")
	return GeneratedEmail{Subject: subject, Body: body, Model: g.client.Model()}, nil
}

var targetDescriptions = map[string]string{
	"particulier":   "un particulier",
	"professionnel": "un professionnel/entreprise",
	"syndic":        "un syndic de copropriété",
	"locataire":     "un locataire",
	"proprietaire":  "un propriétaire",
}

var toneDescriptions = map[string]string{
	"professionnel": "professionnel et courtois",
	"amiable":       "amiable et compréhensif",
	"ferme":         "ferme avec rappel des obligations",
	"urgent":        "urgent avec délai strict",
	"juridique":     "juridique avec mentions légales",
}

var purposeDescriptions = map[string]string{
	"premier_rappel":       "premier rappel courtois",
	"rappel_amiable":       "rappel amiable et compréhensif",
	"rappel_professionnel": "rappel professionnel standard",
	"rappel_ferme":         "rappel ferme avec rappel des obligations",
	"dernier_rappel":       "dernier rappel avant action",
	"preparation_huissier": "préparation à la transmission à un huissier",
}

func describe(table map[string]string, key, def string) string {
	if d, ok := table[key]; ok {
		return d
	}
	return def
}

func generationPrompt(req GenerationRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rédige un email de relance pour %s.", describe(targetDescriptions, req.Target, "un client"))
	if req.Purpose != "" {
		fmt.Fprintf(&b, " Cet email fait partie d'une séquence de relances. Objectif: %s.", describe(purposeDescriptions, req.Purpose, "rappel de paiement"))
	}
	fmt.Fprintf(&b, " Ton: %s.\n", describe(toneDescriptions, req.Tone, "professionnel et courtois"))
	if req.SequenceName != "" {
		fmt.Fprintf(&b, "Séquence: %s\n", req.SequenceName)
	}

	multiple := req.Multiple || len(req.Invoices) > 1
	switch {
	case len(req.Invoices) == 1:
		i := req.Invoices[0]
		rec := i.Record()
		fmt.Fprintf(&b, "\nContexte: une facture impayée.\nPayeur: %s\nFacture: %s\nRéférence: %s\nMontant: %s\nDate d'échéance: %s\n",
			i.PayeurNom(), i.NFacture(), utils.FieldValue(rec, "refpiece"), utils.FormatCurrency(i.ResteAPayer()), utils.FieldValue(rec, "datepiece"))
	case len(req.Invoices) > 1:
		var total float64
		numbers := make([]string, 0, len(req.Invoices))
		for _, i := range req.Invoices {
			numbers = append(numbers, i.NFacture())
			total += i.ResteAPayer()
		}
		fmt.Fprintf(&b, "\nContexte: plusieurs factures impayées pour le même payeur.\nPayeur: %s\nNombre de factures: %d\nFactures: %s\nMontant total: %s\n",
			req.Invoices[0].PayeurNom(), len(req.Invoices), strings.Join(numbers, ", "), utils.FormatCurrency(total))
	case multiple:
		b.WriteString("\nL'email s'adresse à un payeur ayant plusieurs factures impayées. C'est un modèle réutilisable: " +
			"écris [[payeur_nom]] pour le nom, [[[LIST:nfacture]]] pour la liste des factures et [[[SUM:resteapayer]]] pour le montant total.\n")
	default:
		b.WriteString("\nC'est un modèle réutilisable: écris [[payeur_nom]] pour le nom, [[nfacture]] pour le numéro de facture, " +
			"[[resteapayer]] pour le montant et [[datepiece]] pour la date d'échéance.\n")
	}

	if strings.TrimSpace(req.Instructions) != "" {
		fmt.Fprintf(&b, "\nInstructions spécifiques:\n%s\n", strings.TrimSpace(req.Instructions))
	}
	b.WriteString("\nLe sujet doit être clair et concis (80 caractères au plus). " +
		"Réponds UNIQUEMENT avec le JSON au format: {\"subject\": \"...\", \"body\": \"...\"}.")
	return b.String()
}

const defaultGeneratedSubject = "Rappel de paiement"

// parseGeneratedEmail reads the model's answer: a JSON object, a JSON object
// embedded in prose or a code fence, or plain text with a "Sujet:"/"Objet:" line.
func parseGeneratedEmail(content string) (subject, body string) {
	content = strings.TrimSpace(content)
	var parsed struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err == nil && (parsed.Subject != "" || parsed.Body != "") {
			subject, body = strings.TrimSpace(parsed.Subject), strings.TrimSpace(parsed.Body)
			if subject == "" {
				subject = defaultGeneratedSubject
			}
			if body == "" {
				body = content
			}
			return subject, body
		}
	}

	subject = defaultGeneratedSubject
	var rest []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if s, ok := cutLabel(trimmed, "Sujet:", "Objet:"); ok {
			subject = s
			continue
		}
		if len(rest) == 0 && trimmed == "" {
			continue
		}
		rest = append(rest, line)
	}
	return subject, strings.TrimSpace(strings.Join(rest, "\n"))
}

func cutLabel(line string, labels ...string) (string, bool) {
	for _, l := range labels {
		if after, ok := strings.CutPrefix(line, l); ok {
			return strings.TrimSpace(after), true
		}
	}
	return "", false
}
