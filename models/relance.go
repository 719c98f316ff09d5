package models

import "marki/parse"

// Relance status values.
const (
	RelanceScheduled = "scheduled"
	RelanceSending   = "sending"
	RelanceSent      = "sent"
	RelanceFailed    = "failed"
	RelanceCancelled = "cancelled"
)

// MaxRelanceAttempts is the number of failed cron runs after which a relance stays failed.
const MaxRelanceAttempts = 3

// Relance is one scheduled or sent reminder.
type Relance struct {
	Base
	EmailSubject         string         `json:"email_subject"`
	EmailBody            string         `json:"email_body"`
	EmailTo              string         `json:"email_to"`
	EmailCc              string         `json:"email_cc"`
	EmailSender          string         `json:"email_sender,omitempty"`
	SendDate             *parse.Date    `json:"send_date,omitempty"`
	SentDate             *parse.Date    `json:"sent_date,omitempty"`
	IsSent               bool           `json:"is_sent"`
	Status               string         `json:"status,omitempty"`
	Attempts             int            `json:"attempts"`
	LastAttemptDate      *parse.Date    `json:"last_attempt_date,omitempty"`
	LastError            string         `json:"last_error,omitempty"`
	MessageID            string         `json:"message_id,omitempty"`
	Impaye               *parse.Pointer `json:"impaye,omitempty"`
	Sequence             *parse.Pointer `json:"sequence,omitempty"`
	SMTPProfile          *parse.Pointer `json:"smtpProfile,omitempty"`
	ActionIndex          int            `json:"action_index"`
	ActionType           string         `json:"action_type,omitempty"`
	IsMultiple           bool           `json:"is_multiple,omitempty"`
	MultipleImpayesCount int            `json:"multiple_impayes_count,omitempty"`
	MultipleImpayesIDs   string         `json:"multiple_impayes_ids,omitempty"`
	GeneratedBy          string         `json:"generated_by,omitempty"`
}

// Origins of a relance's text, stored in generated_by.
const (
	GeneratedByTemplate = "template"
	GeneratedByOllama   = "ollama"
	GeneratedByFallback = "fallback"
)

func (r Relance) ImpayeID() string {
	if r.Impaye == nil {
		return ""
	}
	return r.Impaye.ObjectID
}

func (r Relance) SequenceID() string {
	if r.Sequence == nil {
		return ""
	}
	return r.Sequence.ObjectID
}

func (r Relance) ProfileID() string {
	if r.SMTPProfile == nil {
		return ""
	}
	return r.SMTPProfile.ObjectID
}

// CronLog summarises one run of the relance cron.
type CronLog struct {
	Base
	ExecutionDate       *parse.Date `json:"executionDate"`
	RelancesProcessed   int         `json:"relancesProcessed"`
	RelancesSent        int         `json:"relancesSent"`
	RelancesFailed      int         `json:"relancesFailed"`
	RelancesReplanified int         `json:"relancesReplanified"`
	Details             []any       `json:"details,omitempty"`
}

// EmailError marks an invoice whose reminder could not be sent.
type EmailError struct {
	Base
	InvoiceID string         `json:"invoiceId"`
	Relance   *parse.Pointer `json:"relance,omitempty"`
	Error     string         `json:"error"`
	Status    string         `json:"status"`
}

// EmailHistory is an audit entry of a manual edit of a scheduled relance.
type EmailHistory struct {
	Base
	Email     *parse.Pointer         `json:"email"`
	User      *HistoryUser           `json:"user,omitempty"`
	Changes   map[string]FieldChange `json:"changes"`
	Timestamp *parse.Date            `json:"timestamp"`
}

type FieldChange struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// HistoryUser decodes the user pointer, or the included user when fetched with include=user.
type HistoryUser struct {
	Type      string `json:"__type,omitempty"`
	ClassName string `json:"className,omitempty"`
	ObjectID  string `json:"objectId"`
	Username  string `json:"username,omitempty"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}
