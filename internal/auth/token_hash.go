package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

var errTokenRequired = errors.New("session token required")

// hashToken derives the store key for a bearer token so that no backing
// store ever holds a usable credential.
func hashToken(token string) (string, error) {
	if token == "" {
		return "", errTokenRequired
	}
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:]), nil
}

func generateToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func generateHashedToken(length int) (string, string, error) {
	token, err := generateToken(length)
	if err != nil {
		return "", "", err
	}
	hashed, err := hashToken(token)
	if err != nil {
		return "", "", err
	}
	return token, hashed, nil
}
