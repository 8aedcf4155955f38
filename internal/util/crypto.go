package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

const (
	// access codes render as 16 hex chars, a dash, then 8 hex chars
	accessCodeHeadBytes = 8
	accessCodeTailBytes = 4
)

// GenerateAccessCode returns a fresh credential with 96 bits of entropy.
// It carries no information about the user it is issued to.
func GenerateAccessCode() (string, error) {
	bytes := make([]byte, accessCodeHeadBytes+accessCodeTailBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes[:accessCodeHeadBytes]) + "-" +
		hex.EncodeToString(bytes[accessCodeHeadBytes:]), nil
}

func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
