package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("PARSE_SERVER_URL", "https://parse.example.com/parse")
	t.Setenv("PARSE_APP_ID", "marki")
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)
	prev := AppConfig
	t.Cleanup(func() { AppConfig = prev })

	if err := LoadConfig(); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	c := AppConfig
	if c.SessionCookie != "marki_session" || c.LoginRedirect != "/dashboard" || c.RememberMeDays != 30 {
		t.Errorf("session defaults = %q %q %d", c.SessionCookie, c.LoginRedirect, c.RememberMeDays)
	}
	if c.RelanceCronInterval != 15*time.Minute || c.Parse.Timeout != 15*time.Second {
		t.Errorf("intervals = %s %s", c.RelanceCronInterval, c.Parse.Timeout)
	}
	if c.DownloadTokenSecret != c.EncryptionKey {
		t.Error("download tokens should be signed with the encryption key by default")
	}
	if c.FTP.Port != 2222 || c.Redis.Enabled {
		t.Errorf("ftp port %d, redis %v", c.FTP.Port, c.Redis.Enabled)
	}
	if c.Ollama.Enabled || c.Ollama.Host != "https://ollama.com" || c.Ollama.Timeout != time.Minute {
		t.Errorf("ollama defaults = %+v", c.Ollama)
	}
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"short key", "ENCRYPTION_KEY", "short", "ENCRYPTION_KEY"},
		{"bad url", "PARSE_SERVER_URL", "parse.example.com", "PARSE_SERVER_URL"},
		{"production without master key", "ENVIRONMENT", "production", "PARSE_MASTER_KEY"},
		{"bad ollama host", "OLLAMA_HOST", "ollama.com", "OLLAMA_HOST"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv("OLLAMA_ENABLED", "true")
			t.Setenv(tc.key, tc.val)
			err := LoadConfig()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("LoadConfig error = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	c := Config{CORSOrigins: " https://a.fr, ,https://b.fr "}
	if got := c.AllowedOrigins(); !reflect.DeepEqual(got, []string{"https://a.fr", "https://b.fr"}) {
		t.Fatalf("AllowedOrigins = %v", got)
	}
}

func TestMaskPassword(t *testing.T) {
	dsn := DSN("db", "5432", "parse", "s3cret", "parse", "disable")
	masked := maskPassword(dsn)
	if strings.Contains(masked, "s3cret") || !strings.Contains(masked, "password=***** dbname=parse") {
		t.Fatalf("masked = %q", masked)
	}
	if got := maskPassword("host=db"); got != "host=db" {
		t.Fatalf("dsn without password changed: %q", got)
	}
}
