package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const gatewayTokenBytes = 32

// GenerateGatewayToken returns a random token and the hash to store for it.
// The raw token is shown to its holder once and never persisted.
func GenerateGatewayToken() (string, string, error) {
	buffer := make([]byte, gatewayTokenBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", "", err
	}
	raw := hex.EncodeToString(buffer)
	return raw, HashGatewayToken(raw), nil
}

// HashGatewayToken returns the hex SHA-256 of a raw token.
func HashGatewayToken(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

// VerifyGatewayToken compares a raw token against a stored hash in constant time.
func VerifyGatewayToken(raw, storedHash string) bool {
	if strings.TrimSpace(raw) == "" || storedHash == "" {
		return false
	}
	computed := HashGatewayToken(raw)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
