package models

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"marki/parse"
)

// Impaye is an unpaid invoice. Its columns come from the external accounting
// database through sync, so it stays a dynamic record.
type Impaye map[string]any

func (i Impaye) obj() parse.Object { return parse.Object(i) }

func (i Impaye) ID() string          { return i.obj().ID() }
func (i Impaye) NFacture() string    { return i.obj().String("nfacture") }
func (i Impaye) IDDossier() string   { return i.obj().String("idDossier") }
func (i Impaye) PayeurNom() string   { return i.obj().String("payeur_nom") }
func (i Impaye) PayeurEmail() string { return strings.TrimSpace(i.obj().String("payeur_email")) }
func (i Impaye) SequenceID() string  { return i.obj().PointerID("sequence") }
func (i Impaye) Soldee() bool        { return i.obj().Bool("facturesoldee") }

func (i Impaye) ResteAPayer() float64 {
	f, _ := i.obj().Float("resteapayer")
	return f
}

// PayerKey groups invoices of the same payer for multi-invoice reminders.
func (i Impaye) PayerKey() string {
	return i.obj().String("payeur_nom") + "_" + i.obj().String("payeur_email")
}

// InvoicePath is the stored PDF location, invoice_url first then url.
func (i Impaye) InvoicePath() string {
	if p := i.obj().String("invoice_url"); p != "" {
		return p
	}
	return i.obj().String("url")
}

// Record exposes the invoice to the template engine.
func (i Impaye) Record() map[string]any { return map[string]any(i) }

var frenchMonths = map[time.Month]string{
	time.January: "janvier", time.February: "fevrier", time.March: "mars",
	time.April: "avril", time.May: "mai", time.June: "juin",
	time.July: "juillet", time.August: "aout", time.September: "septembre",
	time.October: "octobre", time.November: "novembre", time.December: "decembre",
}

// InvoiceURL derives the PDF path the accounting software writes for an invoice:
// /ADN/Reporting/Gco/Piece/<year>/<month>/<ref_with_underscores>/standard/<ref> (GCO PI FA).pdf
func InvoiceURL(datecre any, refpiece string) (string, error) {
	if refpiece == "" {
		return "", fmt.Errorf("refpiece is empty")
	}
	t, ok := parse.Object{"d": datecre}.Time("d")
	if !ok {
		return "", fmt.Errorf("invalid datecre %v", datecre)
	}
	dir := strings.ReplaceAll(refpiece, " ", "_")
	return fmt.Sprintf("/ADN/Reporting/Gco/Piece/%d/%s/%s/standard/%s (GCO PI FA).pdf",
		t.Year(), frenchMonths[t.Month()], dir, refpiece), nil
}

var frCount = message.NewPrinter(language.French)

// Summary is a one-line description used in logs and CLI output.
func (i Impaye) Summary() string {
	return frCount.Sprintf("%s (%s) %.2f", i.NFacture(), i.PayeurNom(), i.ResteAPayer())
}
