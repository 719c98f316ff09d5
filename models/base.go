package models

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Parse class names.
const (
	ClassImpayes         = "Impayes"
	ClassSequences       = "Sequences"
	ClassRelances        = "Relances"
	ClassSMTPProfile     = "SMTPProfile"
	ClassUser            = "_User"
	ClassSyncConfigs     = "SyncConfigs"
	ClassDBCredentials   = "DBCredentials"
	ClassSyncLogs        = "SyncLogs"
	ClassGlobalVariables = "VariablesGlobales"
	ClassEmailHistory    = "EmailHistory"
	ClassCronLog         = "CronLog"
	ClassSequenceLog     = "SequenceLog"
	ClassFTPConfig       = "FTPConfig"
	ClassDownloadTokens  = "DownloadTokens"
	ClassEmailErrors     = "EmailErrors"
)

// Base carries the fields Parse manages itself. They are read-only: updates are sent
// as maps so these never go back to the server.
type Base struct {
	ObjectID  string `json:"objectId,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// FlexInt decodes numbers stored either as JSON numbers or numeric strings.
type FlexInt int

func (n *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*n = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*n = FlexInt(int(f))
		return nil
	}
	// parseInt semantics: leading digits win, garbage is zero
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || (end == 0 && s[end] == '-')) {
		end++
	}
	v, _ := strconv.Atoi(s[:end])
	*n = FlexInt(v)
	return nil
}

// StringList accepts an array of strings or a comma separated string.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	var arr []string
	if err := json.Unmarshal(b, &arr); err == nil {
		*l = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*l = nil
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*l = out
	return nil
}

func (l StringList) Contains(v string) bool {
	for _, s := range l {
		if s == v {
			return true
		}
	}
	return false
}
