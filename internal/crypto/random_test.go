package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"
)

func TestHashClientSecret(t *testing.T) {
	secret := "test-client-secret-12345"

	hashed, err := HashClientSecret(secret)
	assert.NoError(t, err)
	assert.NotNil(t, hashed)
	assert.NotEmpty(t, hashed)

	assert.NotEqual(t, []byte(secret), hashed)

	err = bcrypt.CompareHashAndPassword(hashed, []byte(secret))
	assert.NoError(t, err)

	err = bcrypt.CompareHashAndPassword(hashed, []byte("wrong-password"))
	assert.Error(t, err)

	// Same secret produces different hashes due to salt
	hashed2, err := HashClientSecret(secret)
	assert.NoError(t, err)
	assert.NotEqual(t, hashed, hashed2)
}

func TestHashClientSecret_GeneratedSecret(t *testing.T) {
	secret, err := GenerateState()
	assert.NoError(t, err)

	hashed, err := HashClientSecret(secret)
	assert.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword(hashed, []byte(secret)))
}

func TestGenerateState(t *testing.T) {
	state, err := GenerateState()
	assert.NoError(t, err)
	assert.Len(t, state, 43)
	assert.NotContains(t, state, "=")

	other, err := GenerateState()
	assert.NoError(t, err)
	assert.NotEqual(t, state, other)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("abc", "abc"))
	assert.False(t, Equal("abc", "abd"))
	assert.False(t, Equal("abc", "ab"))
	assert.True(t, Equal("", ""))
}
