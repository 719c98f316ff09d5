package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"marki/config"
)

// DownloadClaims authorise one invoice download.
type DownloadClaims struct {
	InvoiceID string `json:"invoice_id"`
	FilePath  string `json:"file_path"`
	jwt.RegisteredClaims
}

func downloadSecret() []byte {
	if config.AppConfig.DownloadTokenSecret != "" {
		return []byte(config.AppConfig.DownloadTokenSecret)
	}
	return []byte(config.AppConfig.EncryptionKey)
}

// GenerateDownloadToken signs a token whose ID is the DownloadTokens record key.
func GenerateDownloadToken(tokenID, invoiceID, filePath string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(ttl)
	claims := &DownloadClaims{
		InvoiceID: invoiceID,
		FilePath:  filePath,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   invoiceID,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(downloadSecret())
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

func ParseDownloadToken(tokenString string) (*DownloadClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DownloadClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return downloadSecret(), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*DownloadClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
