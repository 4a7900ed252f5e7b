package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// pkceVerifierLength is the number of random bytes used to generate the PKCE verifier.
// 32 bytes of random data results in a 43 character string (using RawURLEncoding), satisfying the
// RFC 7636 requirement (min 43 characters).
const pkceVerifierLength = 32

// stateLength is the number of random bytes used to generate the state parameter.
const stateLength = 32

// ChallengeMethodS256 is the only supported PKCE challenge method.
const ChallengeMethodS256 = "S256"

// PKCEParams holds one PKCE verifier/challenge pair.
type PKCEParams struct {
	CodeVerifier        string `cbor:"1,keyasint"`
	CodeChallenge       string `cbor:"2,keyasint"`
	CodeChallengeMethod string `cbor:"3,keyasint"`
}

// String omits the verifier, which must never be logged.
func (p PKCEParams) String() string {
	return fmt.Sprintf("PKCE{method=%s challenge=%s}", p.CodeChallengeMethod, p.CodeChallenge)
}

// GeneratePKCE creates a fresh verifier and its S256 challenge. A failing
// random source is reported, never substituted.
func GeneratePKCE() (PKCEParams, error) {
	b := make([]byte, pkceVerifierLength)
	if _, err := rand.Read(b); err != nil {
		return PKCEParams{}, fmt.Errorf("generate PKCE verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(b)
	return PKCEParams{
		CodeVerifier:        verifier,
		CodeChallenge:       challengeFor(verifier),
		CodeChallengeMethod: ChallengeMethodS256,
	}, nil
}

// VerifyChallenge reports whether challenge is the S256 challenge of verifier.
func VerifyChallenge(verifier, challenge string) bool {
	return subtle.ConstantTimeCompare([]byte(challengeFor(verifier)), []byte(challenge)) == 1
}

func challengeFor(verifier string) string {
	s := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(s[:])
}

// GenerateState creates a random, URL-safe value for the state parameter
// (and the OIDC nonce).
func GenerateState() (string, error) {
	b := make([]byte, stateLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
