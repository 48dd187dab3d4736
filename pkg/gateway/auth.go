package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// maxAuthAttempts bounds failed signatures before the connection is dropped.
const maxAuthAttempts = 3

// AuthHandler manages challenge-response authentication over the shared
// secret. Clients prove possession by signing the challenge with
// HMAC-SHA256; the secret itself never crosses the wire.
type AuthHandler struct {
	sharedSecret string
}

func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{sharedSecret: sharedSecret}
}

// GenerateChallenge returns 32 random bytes, hex-encoded, minted fresh per
// connection.
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// VerifySignature checks the client's HMAC-SHA256 signature over challenge
// in constant time.
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	expected := hex.EncodeToString(h.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// HandleAuthResponse resolves one signature attempt against the client's
// outstanding challenge. The challenge is single-use: it clears on success,
// and failures accumulate until the attempt cap.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	failure := func(message string) AuthResult {
		return AuthResult{Event: "auth.failure", Message: message}
	}

	if client.Challenge == "" {
		return failure("No challenge found")
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return failure("Too many failed attempts")
		}
		return failure("Invalid signature")
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""

	return AuthResult{Event: "auth.success", Success: true}
}
