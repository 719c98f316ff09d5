package models

import (
	"strings"

	"marki/parse"
)

// Sequence is a named, ordered list of reminder actions.
type Sequence struct {
	Base
	Nom         string           `json:"nom"`
	Description string           `json:"description,omitempty"`
	IsActif     bool             `json:"isActif"`
	IsAuto      bool             `json:"isAuto"`
	Actions     []SequenceAction `json:"actions"`
	SMTPProfile *parse.Pointer   `json:"smtpProfile,omitempty"`
	RequeteAuto *AutoFilters     `json:"requete_auto,omitempty"`
}

// PopulationType is how invoices get linked: "automatique" or "manuelle".
func (s Sequence) PopulationType() string {
	if s.IsAuto {
		return "automatique"
	}
	return "manuelle"
}

// ProfileRef is the {objectId} stub actions keep for their SMTP profile.
type ProfileRef struct {
	ObjectID string `json:"objectId"`
}

// SequenceAction is one step. Older data uses delai/subject/body instead of
// delay/emailSubject/emailBody.
type SequenceAction struct {
	Type              string      `json:"type,omitempty"`
	Delay             FlexInt     `json:"delay,omitempty"`
	Delai             FlexInt     `json:"delai,omitempty"`
	EmailSubject      string      `json:"emailSubject,omitempty"`
	Subject           string      `json:"subject,omitempty"`
	EmailBody         string      `json:"emailBody,omitempty"`
	Body              string      `json:"body,omitempty"`
	EmailTo           string      `json:"emailTo,omitempty"`
	EmailCc           string      `json:"emailCc,omitempty"`
	Template          string      `json:"template,omitempty"`
	IsMultipleImpayes bool        `json:"isMultipleImpayes,omitempty"`
	SMTPProfile       *ProfileRef `json:"smtpProfile,omitempty"`
	IsActive          *bool       `json:"isActive,omitempty"`
}

func (a SequenceAction) ActionType() string {
	if a.Type == "" {
		return "email"
	}
	return a.Type
}

func (a SequenceAction) DelayDays() int {
	if a.Delay != 0 {
		return int(a.Delay)
	}
	return int(a.Delai)
}

func (a SequenceAction) SubjectTemplate() string {
	if strings.TrimSpace(a.EmailSubject) != "" {
		return a.EmailSubject
	}
	return a.Subject
}

func (a SequenceAction) BodyTemplate() string {
	if strings.TrimSpace(a.EmailBody) != "" {
		return a.EmailBody
	}
	if strings.TrimSpace(a.Body) != "" {
		return a.Body
	}
	return a.Template
}

// Authored reports whether the action carries its own subject or body text.
func (a SequenceAction) Authored() bool {
	return strings.TrimSpace(a.SubjectTemplate()) != "" ||
		strings.TrimSpace(a.EmailBody) != "" ||
		strings.TrimSpace(a.Body) != ""
}

func (a SequenceAction) ProfileID() string {
	if a.SMTPProfile == nil {
		return ""
	}
	return a.SMTPProfile.ObjectID
}

// Filter operators accepted in requete_auto.operators.include.
const (
	OpEquals         = "equals"
	OpContains       = "contains"
	OpDoesNotContain = "doesNotContain"
	OpStartsWith     = "startsWith"
	OpEndsWith       = "endsWith"
	OpIsEmpty        = "isEmpty"
	OpIsNotEmpty     = "isNotEmpty"
)

// AutoFilters is the requete_auto criteria of an automatic sequence.
type AutoFilters struct {
	Include   map[string]any   `json:"include"`
	Exclude   map[string]any   `json:"exclude,omitempty"`
	Operators *FilterOperators `json:"operators,omitempty"`
}

type FilterOperators struct {
	Include map[string]string `json:"include,omitempty"`
}

// Operator returns the include operator for column, equals by default.
func (f AutoFilters) Operator(column string) string {
	if f.Operators != nil {
		if op := f.Operators.Include[column]; op != "" {
			return op
		}
	}
	return OpEquals
}

// SequenceLog records deactivations and other sequence-wide events.
type SequenceLog struct {
	Base
	Sequence  *parse.Pointer `json:"sequence"`
	Action    string         `json:"action"`
	Details   string         `json:"details,omitempty"`
	Timestamp *parse.Date    `json:"timestamp"`
}
