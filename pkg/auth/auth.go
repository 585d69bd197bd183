// Package auth derives the per-repository tokens used both to register
// subscribers and to key webhook signatures from a single shared secret.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignaturePrefix is the scheme prefix GitHub puts on X-Hub-Signature-256.
const SignaturePrefix = "sha256="

// Token returns the lowercase hex SHA-256 of "repo:secret".
// An empty secret still yields a token; it is just publicly computable.
func Token(repo, secret string) string {
	sum := sha256.Sum256([]byte(repo + ":" + secret))
	return hex.EncodeToString(sum[:])
}

// Equal reports whether a presented token matches the expected one.
func Equal(presented, expected string) bool {
	return hmac.Equal([]byte(presented), []byte(expected))
}

// VerifyToken checks a subscriber's registration hash for repo.
func VerifyToken(repo, secret, presented string) bool {
	return Equal(presented, Token(repo, secret))
}

// Sign returns the signature header value for body under key.
func Sign(key string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// SignForRepo signs body the way a webhook sender configured with
// Token(repo, secret) as its secret would.
func SignForRepo(repo, secret string, body []byte) string {
	return Sign(Token(repo, secret), body)
}

// VerifySignature validates a webhook signature over the raw body. The key is
// Token(repo, secret), not the secret itself, so every repository gets its own
// signing key. The header may omit the "sha256=" prefix.
func VerifySignature(body []byte, signature, repo, secret string) bool {
	if signature == "" {
		return false
	}
	presented := strings.TrimPrefix(signature, SignaturePrefix)
	expected := strings.TrimPrefix(SignForRepo(repo, secret, body), SignaturePrefix)
	return hmac.Equal([]byte(presented), []byte(expected))
}
