package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyTriggerToken(t *testing.T) {
	hash, err := HashTriggerToken("correct-horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))

	ok, err := VerifyTriggerToken("correct-horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyTriggerToken("battery-staple", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashesAreSalted(t *testing.T) {
	first, err := HashTriggerToken("token")
	require.NoError(t, err)
	second, err := HashTriggerToken("token")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestVerifyMalformedHash(t *testing.T) {
	_, err := VerifyTriggerToken("token", "")
	assert.Error(t, err)

	_, err = VerifyTriggerToken("token", "$bcrypt$whatever")
	assert.Error(t, err)

	_, err = VerifyTriggerToken("token", "$argon2id$v=19$m=65536,t=1,p=4$missinghash")
	assert.Error(t, err)
}
