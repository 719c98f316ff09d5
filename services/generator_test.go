package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"marki/models"
	"marki/parse"
	"marki/parse/parsetest"
	"marki/utils"
)

// fakeGenerator answers every request with the same text, or err.
type fakeGenerator struct {
	mu       sync.Mutex
	requests []GenerationRequest
	subject  string
	body     string
	err      error
}

func (g *fakeGenerator) Generate(_ context.Context, req GenerationRequest) (GeneratedEmail, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return GeneratedEmail{}, g.err
	}
	return GeneratedEmail{Subject: g.subject, Body: g.body, Model: "fake"}, nil
}

func TestParseGeneratedEmail(t *testing.T) {
	cases := []struct {
		name, in, subject, body string
	}{
		{"json", `{"subject":"Facture F1","body":"Bonjour ACME"}`, "Facture F1", "Bonjour ACME"},
		{"fenced", "Voici l'email:\n```json\n{\"subject\": \"Rappel\", \"body\": \"Merci de payer\"}\n```", "Rappel", "Merci de payer"},
		{"json without subject", `{"body":"Corps"}`, defaultGeneratedSubject, "Corps"},
		{"objet line", "Objet: Facture en retard\n\nBonjour,\nmerci de régler.", "Facture en retard", "Bonjour,\nmerci de régler."},
		{"sujet line", "Sujet:Relance\nCorps", "Relance", "Corps"},
		{"prose", "Bonjour, merci de régler.", defaultGeneratedSubject, "Bonjour, merci de régler."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			subject, body := parseGeneratedEmail(tc.in)
			if subject != tc.subject || body != tc.body {
				t.Fatalf("parse = %q / %q, want %q / %q", subject, body, tc.subject, tc.body)
			}
		})
	}
}

func TestGenerationPrompt(t *testing.T) {
	one := models.Impaye{"objectId": "i1", "nfacture": "F1", "payeur_nom": "ACME", "resteapayer": 1500.0, "refpiece": "REF-1"}
	two := models.Impaye{"objectId": "i2", "nfacture": "F2", "payeur_nom": "ACME", "resteapayer": 500.0}

	p := generationPrompt(GenerationRequest{Target: "syndic", Tone: "ferme", Purpose: "dernier_rappel", Invoices: []models.Impaye{one}, Instructions: "Mentionner le RIB"})
	for _, want := range []string{"un syndic de copropriété", "ferme avec rappel des obligations", "dernier rappel avant action", "Facture: F1", "REF-1", "1\u00a0500,00\u00a0€", "Mentionner le RIB"} {
		if !strings.Contains(p, want) {
			t.Errorf("single prompt lacks %q:\n%s", want, p)
		}
	}

	p = generationPrompt(GenerationRequest{Invoices: []models.Impaye{one, two}})
	if !strings.Contains(p, "Factures: F1, F2") || !strings.Contains(p, "2\u00a0000,00\u00a0€") {
		t.Errorf("grouped prompt:\n%s", p)
	}

	p = generationPrompt(GenerationRequest{Multiple: true})
	if !strings.Contains(p, "[[[LIST:nfacture]]]") || !strings.Contains(p, "un client") {
		t.Errorf("template prompt:\n%s", p)
	}
}

func TestOllamaGenerator(t *testing.T) {
	var prompts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []utils.ChatMessage `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		for _, m := range req.Messages {
			prompts = append(prompts, m.Role)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "Objet: Relance [[nfacture]]\nBonjour [[payeur_nom]]"},
		})
	}))
	defer srv.Close()

	g := NewOllamaGenerator(utils.NewOllamaClient(utils.OllamaSettings{Host: srv.URL, Model: "mistral", Timeout: 5 * time.Second}))
	out, err := g.Generate(context.Background(), GenerationRequest{Tone: "amiable"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Subject != "Relance [[nfacture]]" || out.Body != "Bonjour [[payeur_nom]]" || out.Model != "mistral" {
		t.Fatalf("generated = %+v", out)
	}
	if strings.Join(prompts, ",") != "system,user" {
		t.Errorf("roles = %v", prompts)
	}
}

func TestPopulateUsesGenerator(t *testing.T) {
	srv := parsetest.New(t)
	gen := &fakeGenerator{subject: "Facture [[nfacture]] en retard", body: "Bonjour [[payeur_nom]], merci."}
	s := newSequences(srv).WithGenerator(gen)

	seqID := seedSequence(srv, "IA", true,
		map[string]any{"delay": 0, "template": "Rester bref"},
		map[string]any{"delay": 7, "subject": "Écrit à la main {{nfacture}}"},
	)
	imp := seedImpaye(srv, seqID, map[string]any{"nfacture": "F1", "payeur_nom": "ACME", "payeur_email": "a@acme.fr"})

	if _, err := s.Populate(context.Background(), seqID); err != nil {
		t.Fatalf("Populate: %v", err)
	}
	byIndex := map[float64]parse.Object{}
	for _, r := range relancesOf(srv, imp) {
		byIndex[r["action_index"].(float64)] = parse.Object(r)
	}
	ai, manual := byIndex[0], byIndex[1]
	if ai.String("email_subject") != "Facture F1 en retard" || ai.String("email_body") != "Bonjour ACME, merci." || ai.String("generated_by") != models.GeneratedByOllama {
		t.Errorf("generated relance = %v", ai)
	}
	if manual.String("email_subject") != "Écrit à la main F1" || manual.String("generated_by") != models.GeneratedByTemplate {
		t.Errorf("authored relance = %v", manual)
	}
	if len(gen.requests) != 1 || gen.requests[0].Instructions != "Rester bref" || gen.requests[0].SequenceName != "IA" {
		t.Fatalf("requests = %+v", gen.requests)
	}
}

func TestPopulateFallsBackWhenGeneratorFails(t *testing.T) {
	srv := parsetest.New(t)
	gen := &fakeGenerator{err: errors.New("ollama down")}
	s := newSequences(srv).WithGenerator(gen)

	seqID := seedSequence(srv, "IA", true,
		map[string]any{"delay": 0},
		map[string]any{"delay": 3, "isMultipleImpayes": true},
	)
	f1 := seedImpaye(srv, seqID, map[string]any{"nfacture": "F1", "payeur_nom": "ACME", "payeur_email": "a@acme.fr", "resteapayer": 10})
	seedImpaye(srv, seqID, map[string]any{"nfacture": "F2", "payeur_nom": "ACME", "payeur_email": "a@acme.fr", "resteapayer": 5})

	res, err := s.Populate(context.Background(), seqID)
	if err != nil {
		t.Fatalf("Populate: %v", err)
	}
	if res.Created != 3 {
		t.Fatalf("Populate = %+v", res)
	}
	for _, r := range relancesOf(srv, f1) {
		o := parse.Object(r)
		if o.String("generated_by") != models.GeneratedByFallback {
			t.Errorf("relance %v should use the default text", o)
		}
		if o.Bool("is_multiple") && !strings.HasPrefix(o.String("email_subject"), "Rappel - Plusieurs factures impayées") {
			t.Errorf("grouped subject = %q", o.String("email_subject"))
		}
	}
	if len(gen.requests) != 3 {
		t.Fatalf("generator called %d times", len(gen.requests))
	}
}

func TestGenerateSingleEmail(t *testing.T) {
	srv := parsetest.New(t)
	gen := &fakeGenerator{subject: "Rappel [[nfacture]]", body: "Bonjour [[payeur_nom]]"}
	s := newSequences(srv).WithGenerator(gen)
	seqID := seedSequence(srv, "Vide", false, map[string]any{"delay": 0, "subject": "Existant"})

	res, err := s.GenerateSingleEmail(context.Background(), seqID, SingleEmailRequest{Target: "locataire", Delay: 10})
	if err != nil {
		t.Fatalf("GenerateSingleEmail: %v", err)
	}
	if !res.Success || res.GeneratedBy != models.GeneratedByOllama || res.Action.Subject != "Rappel [[nfacture]]" || res.Action.DelayDays() != 10 {
		t.Fatalf("result = %+v", res)
	}
	if req := gen.requests[0]; req.Tone != "professionnel" || req.Target != "locataire" || len(req.Invoices) != 0 {
		t.Errorf("request = %+v", req)
	}
	seq, err := s.Get(context.Background(), seqID)
	if err != nil || len(seq.Actions) != 2 || seq.Actions[1].Body != "Bonjour [[payeur_nom]]" {
		t.Fatalf("actions = %+v, %v", seq.Actions, err)
	}

	gen.err = errors.New("timeout")
	res, err = s.GenerateSingleEmail(context.Background(), seqID, SingleEmailRequest{Tone: "urgent"})
	if err != nil || res.GeneratedBy != models.GeneratedByFallback || res.Action.Subject != "Rappel urgent - Facture [[nfacture]] impayée" {
		t.Fatalf("fallback = %+v, %v", res, err)
	}

	if _, err := s.GenerateSingleEmail(context.Background(), seqID, SingleEmailRequest{Delay: -1}); !errors.As(err, new(*ValidationError)) {
		t.Errorf("negative delay err = %v", err)
	}
	if _, err := s.GenerateSingleEmail(context.Background(), "missing", SingleEmailRequest{}); err == nil {
		t.Error("unknown sequence accepted")
	}
}

func TestGenerateFullSequence(t *testing.T) {
	srv := parsetest.New(t)
	s := newSequences(srv)
	seqID := seedSequence(srv, "Complète", false, map[string]any{"delay": 0, "subject": "Ancienne"})

	res, err := s.GenerateFullSequence(context.Background(), seqID, FullSequenceRequest{MultipleImpayes: true})
	if err != nil {
		t.Fatalf("GenerateFullSequence: %v", err)
	}
	if res.ActionsGenerated != 6 || res.Fallbacks != 6 {
		t.Fatalf("result = %+v", res)
	}
	seq, _ := s.Get(context.Background(), seqID)
	wantDelays := []int{0, 7, 14, 21, 28, 35}
	if len(seq.Actions) != len(wantDelays) {
		t.Fatalf("actions = %+v", seq.Actions)
	}
	for i, a := range seq.Actions {
		if a.DelayDays() != wantDelays[i] || !a.IsMultipleImpayes || !strings.Contains(a.Body, "[[[LIST:nfacture]]]") {
			t.Errorf("action %d = %+v", i, a)
		}
	}
	if seq.Actions[5].Subject != "Préparation à la transmission à un huissier" {
		t.Errorf("last subject = %q", seq.Actions[5].Subject)
	}

	gen := &fakeGenerator{subject: "S", body: "B"}
	s.WithGenerator(gen)
	high := 6
	res, err = s.GenerateFullSequence(context.Background(), seqID, FullSequenceRequest{StartTone: "amiable", HuissierThreshold: &high})
	if err != nil || res.ActionsGenerated != 5 || res.Fallbacks != 0 {
		t.Fatalf("result = %+v, %v", res, err)
	}
	if gen.requests[0].Tone != "amiable" || gen.requests[4].Tone != "ferme" || gen.requests[4].Purpose != "dernier_rappel" {
		t.Errorf("requests = %+v", gen.requests)
	}
}
