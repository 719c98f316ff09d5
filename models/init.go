package models

import "marki/parse"

func str() parse.Field     { return parse.Field{Type: "String"} }
func reqStr() parse.Field  { return parse.Field{Type: "String", Required: true} }
func num() parse.Field     { return parse.Field{Type: "Number"} }
func boolean() parse.Field { return parse.Field{Type: "Boolean"} }
func date() parse.Field    { return parse.Field{Type: "Date"} }
func object() parse.Field  { return parse.Field{Type: "Object"} }
func array() parse.Field   { return parse.Field{Type: "Array"} }
func ptr(class string) parse.Field {
	return parse.Field{Type: "Pointer", TargetClass: class}
}

// Schemas lists the classes the application needs. Impayes is created by the sync
// job from whatever columns the source query returns, so only its link field is declared.
func Schemas() []parse.Schema {
	return []parse.Schema{
		{ClassName: ClassImpayes, Fields: map[string]parse.Field{
			"nfacture":      num(),
			"idDossier":     num(),
			"resteapayer":   num(),
			"facturesoldee": boolean(),
			"payeur_nom":    str(),
			"payeur_email":  str(),
			"invoice_url":   str(),
			"sequence":      ptr(ClassSequences),
		}},
		{ClassName: ClassSequences, Fields: map[string]parse.Field{
			"nom":          reqStr(),
			"description":  str(),
			"isActif":      {Type: "Boolean", DefaultValue: false},
			"isAuto":       {Type: "Boolean", DefaultValue: false},
			"actions":      array(),
			"smtpProfile":  ptr(ClassSMTPProfile),
			"requete_auto": object(),
		}},
		{ClassName: ClassRelances, Fields: map[string]parse.Field{
			"email_subject":          str(),
			"email_body":             str(),
			"email_to":               str(),
			"email_cc":               str(),
			"email_sender":           str(),
			"send_date":              date(),
			"sent_date":              date(),
			"is_sent":                {Type: "Boolean", DefaultValue: false},
			"status":                 str(),
			"attempts":               num(),
			"last_attempt_date":      date(),
			"last_error":             str(),
			"message_id":             str(),
			"impaye":                 ptr(ClassImpayes),
			"sequence":               ptr(ClassSequences),
			"smtpProfile":            ptr(ClassSMTPProfile),
			"action_index":           num(),
			"action_type":            str(),
			"is_multiple":            boolean(),
			"multiple_impayes_count": num(),
			"multiple_impayes_ids":   str(),
			"generated_by":           str(),
		}},
		{ClassName: ClassSMTPProfile, Fields: map[string]parse.Field{
			"name":       reqStr(),
			"host":       reqStr(),
			"port":       {Type: "Number", Required: true},
			"email":      reqStr(),
			"username":   str(),
			"password":   str(),
			"useSSL":     boolean(),
			"useTLS":     boolean(),
			"isActive":   {Type: "Boolean", DefaultValue: true},
			"isArchived": {Type: "Boolean", DefaultValue: false},
		}},
		{ClassName: ClassSyncConfigs, Fields: map[string]parse.Field{
			"configId":        reqStr(),
			"name":            reqStr(),
			"description":     str(),
			"isActive":        boolean(),
			"isAuto":          boolean(),
			"frequency":       str(),
			"dbConfig":        {Type: "Object", Required: true},
			"parseConfig":     {Type: "Object", Required: true},
			"validationRules": object(),
			"createdBy":       str(),
			"lastSyncDate":    date(),
			"status":          str(),
		}},
		{ClassName: ClassDBCredentials, Fields: map[string]parse.Field{
			"configId":          reqStr(),
			"username":          reqStr(),
			"encryptedPassword": reqStr(),
		}},
		{ClassName: ClassSyncLogs, Fields: map[string]parse.Field{
			"configId":         reqStr(),
			"runId":            str(),
			"status":           reqStr(),
			"details":          str(),
			"recordsProcessed": num(),
			"startTime":        date(),
			"endTime":          date(),
		}},
		{ClassName: ClassGlobalVariables, Fields: map[string]parse.Field{
			"activeSyncConfigs": array(),
		}},
		{ClassName: ClassEmailHistory, Fields: map[string]parse.Field{
			"email":     ptr(ClassRelances),
			"user":      ptr(ClassUser),
			"changes":   object(),
			"timestamp": date(),
		}},
		{ClassName: ClassCronLog, Fields: map[string]parse.Field{
			"executionDate":       date(),
			"relancesProcessed":   num(),
			"relancesSent":        num(),
			"relancesFailed":      num(),
			"relancesReplanified": num(),
			"details":             array(),
		}},
		{ClassName: ClassSequenceLog, Fields: map[string]parse.Field{
			"sequence":  ptr(ClassSequences),
			"action":    str(),
			"details":   str(),
			"timestamp": date(),
		}},
		{ClassName: ClassFTPConfig, Fields: map[string]parse.Field{
			"host":     reqStr(),
			"port":     num(),
			"username": reqStr(),
			"password": str(),
			"rootPath": str(),
			"isActive": boolean(),
		}},
		{ClassName: ClassDownloadTokens, Fields: map[string]parse.Field{
			"token":     reqStr(),
			"invoiceId": reqStr(),
			"filePath":  str(),
			"expiresAt": date(),
			"used":      {Type: "Boolean", DefaultValue: false},
		}},
		{ClassName: ClassEmailErrors, Fields: map[string]parse.Field{
			"invoiceId": reqStr(),
			"relance":   ptr(ClassRelances),
			"error":     str(),
			"status":    str(),
		}},
	}
}
