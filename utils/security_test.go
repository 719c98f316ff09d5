package utils

import (
	"strings"
	"testing"
	"time"

	"marki/config"
)

func withKeys(t *testing.T) {
	t.Helper()
	prev := config.AppConfig
	config.AppConfig.EncryptionKey = "0123456789abcdef0123456789abcdef"
	config.AppConfig.DownloadTokenSecret = "download-secret"
	t.Cleanup(func() { config.AppConfig = prev })
}

func TestSecretRoundTrip(t *testing.T) {
	withKeys(t)

	stored, err := EncryptSecret("hunter2")
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}
	if !strings.HasPrefix(stored, "enc:") || strings.Contains(stored, "hunter2") {
		t.Fatalf("unexpected stored form %q", stored)
	}
	again, _ := EncryptSecret(stored)
	if again != stored {
		t.Fatal("encrypting an already encrypted value must be a no-op")
	}

	plain, err := DecryptSecret(stored)
	if err != nil || plain != "hunter2" {
		t.Fatalf("DecryptSecret = %q, %v", plain, err)
	}
}

func TestDecryptSecretLegacyPlaintext(t *testing.T) {
	withKeys(t)
	plain, err := DecryptSecret("legacy-password")
	if err != nil || plain != "legacy-password" {
		t.Fatalf("legacy value = %q, %v", plain, err)
	}
}

func TestDownloadToken(t *testing.T) {
	withKeys(t)

	token, expires, err := GenerateDownloadToken("tok1", "inv1", "invoices/inv1.pdf", time.Hour)
	if err != nil {
		t.Fatalf("GenerateDownloadToken: %v", err)
	}
	if time.Until(expires) < 59*time.Minute {
		t.Fatalf("expiry too early: %v", expires)
	}

	claims, err := ParseDownloadToken(token)
	if err != nil {
		t.Fatalf("ParseDownloadToken: %v", err)
	}
	if claims.ID != "tok1" || claims.InvoiceID != "inv1" || claims.FilePath != "invoices/inv1.pdf" {
		t.Fatalf("claims = %+v", claims)
	}

	if _, err := ParseDownloadToken(token + "x"); err == nil {
		t.Fatal("tampered token accepted")
	}

	expired, _, _ := GenerateDownloadToken("tok2", "inv1", "x.pdf", -time.Minute)
	if _, err := ParseDownloadToken(expired); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestParsePositiveInt(t *testing.T) {
	if n, err := ParsePositiveInt("", 50); err != nil || n != 50 {
		t.Fatalf("default = %d, %v", n, err)
	}
	for _, bad := range []string{"0", "-3", "abc", "1.5"} {
		if _, err := ParsePositiveInt(bad, 50); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}

func TestSplitEmails(t *testing.T) {
	got := SplitEmails(" a@x.fr, b@y.fr ;c@z.fr,, ")
	if len(got) != 3 || got[2] != "c@z.fr" {
		t.Fatalf("SplitEmails = %v", got)
	}
}
