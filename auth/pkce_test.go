package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base64URLNoPad = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func TestGeneratePKCE(t *testing.T) {
	p, err := GeneratePKCE()
	require.NoError(t, err)

	assert.Len(t, p.CodeVerifier, 43)
	assert.Regexp(t, base64URLNoPad, p.CodeVerifier)
	assert.Equal(t, ChallengeMethodS256, p.CodeChallengeMethod)

	sum := sha256.Sum256([]byte(p.CodeVerifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), p.CodeChallenge)
	assert.True(t, VerifyChallenge(p.CodeVerifier, p.CodeChallenge))
}

func TestGeneratePKCE_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		p, err := GeneratePKCE()
		require.NoError(t, err)
		require.False(t, seen[p.CodeVerifier], "verifier repeated")
		seen[p.CodeVerifier] = true
	}
}

func TestChallenge_RFC7636Vector(t *testing.T) {
	// RFC 7636 Appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", challengeFor(verifier))
	assert.True(t, VerifyChallenge(verifier, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"))
	assert.False(t, VerifyChallenge(verifier, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cN"))
}

func TestPKCEParams_StringOmitsVerifier(t *testing.T) {
	p, err := GeneratePKCE()
	require.NoError(t, err)
	assert.NotContains(t, p.String(), p.CodeVerifier)
	assert.Contains(t, p.String(), p.CodeChallenge)
}

func TestGenerateState(t *testing.T) {
	a, err := GenerateState()
	require.NoError(t, err)
	b, err := GenerateState()
	require.NoError(t, err)
	assert.Len(t, a, 43)
	assert.Regexp(t, base64URLNoPad, a)
	assert.NotEqual(t, a, b)
}
