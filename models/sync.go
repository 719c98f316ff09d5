package models

import (
	"encoding/json"

	"marki/parse"
)

// Sync frequencies of automatic configurations.
const (
	FrequencyHourly  = "Horaire"
	FrequencyDaily   = "Quotidienne"
	FrequencyWeekly  = "Hebdomadaire"
	FrequencyMonthly = "Mensuelle"
)

// SyncConfig describes an external SQL query copied into a Parse class.
type SyncConfig struct {
	Base
	ConfigID        string          `json:"configId"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	IsActive        bool            `json:"isActive"`
	IsAuto          bool            `json:"isAuto"`
	Frequency       string          `json:"frequency"`
	DBConfig        DBConfig        `json:"dbConfig"`
	ParseConfig     ParseTarget     `json:"parseConfig"`
	ValidationRules ValidationRules `json:"validationRules"`
	CreatedBy       string          `json:"createdBy,omitempty"`
	LastSyncDate    *parse.Date     `json:"lastSyncDate,omitempty"`
	Status          string          `json:"status,omitempty"`
}

type DBConfig struct {
	Host     string  `json:"host"`
	Port     FlexInt `json:"port,omitempty"`
	Database string  `json:"database"`
	Query    string  `json:"query"`
	SSLMode  string  `json:"sslMode,omitempty"`
}

// ParseTarget names the destination class and maps source columns to Parse fields.
// Unmapped columns keep their name.
type ParseTarget struct {
	TargetClass string   `json:"targetClass"`
	Mappings    Mappings `json:"mappings,omitempty"`
}

// Mappings is stored as an object, or as a JSON-encoded string by older clients.
type Mappings map[string]string

func (m *Mappings) UnmarshalJSON(b []byte) error {
	var direct map[string]string
	if err := json.Unmarshal(b, &direct); err == nil {
		*m = direct
		return nil
	}
	var encoded string
	if err := json.Unmarshal(b, &encoded); err == nil && encoded != "" {
		if err := json.Unmarshal([]byte(encoded), &direct); err == nil {
			*m = direct
			return nil
		}
	}
	*m = nil
	return nil
}

// Target returns the Parse field a source column is written to.
func (m Mappings) Target(column string) string {
	if t, ok := m[column]; ok && t != "" {
		return t
	}
	return column
}

type ValidationRules struct {
	RequiredFields StringList `json:"requiredFields,omitempty"`
	RoleField      string     `json:"roleField,omitempty"`
	RoleValues     StringList `json:"roleValues,omitempty"`
}

// DBCredentials is stored apart from the config so listing configs never exposes it.
type DBCredentials struct {
	Base
	ConfigID          string `json:"configId"`
	Username          string `json:"username"`
	EncryptedPassword string `json:"encryptedPassword"`
}

// Sync log statuses.
const (
	SyncStatusInfo    = "info"
	SyncStatusSuccess = "success"
	SyncStatusError   = "error"
	SyncStatusWarning = "warning"
)

type SyncLog struct {
	Base
	ConfigID         string      `json:"configId"`
	RunID            string      `json:"runId,omitempty"`
	Status           string      `json:"status"`
	Details          string      `json:"details"`
	RecordsProcessed int         `json:"recordsProcessed"`
	StartTime        *parse.Date `json:"startTime,omitempty"`
	EndTime          *parse.Date `json:"endTime,omitempty"`
}

// GlobalVariables is the singleton VariablesGlobales row.
type GlobalVariables struct {
	Base
	ActiveSyncConfigs []string `json:"activeSyncConfigs"`
}

// FTPConfig is the SFTP account holding invoice PDFs. Password is encrypted.
type FTPConfig struct {
	Base
	Host     string  `json:"host"`
	Port     FlexInt `json:"port"`
	Username string  `json:"username"`
	Password string  `json:"password,omitempty"`
	RootPath string  `json:"rootPath"`
	IsActive bool    `json:"isActive"`
}

// DownloadToken backs a signed invoice download link.
type DownloadToken struct {
	Base
	Token     string      `json:"token"`
	InvoiceID string      `json:"invoiceId"`
	FilePath  string      `json:"filePath"`
	ExpiresAt *parse.Date `json:"expiresAt"`
	Used      bool        `json:"used"`
}
