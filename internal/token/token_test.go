package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndVerify(t *testing.T) {
	raw, err := Mint("secret", "ch-1", 42, time.Minute)
	require.NoError(t, err)

	claims, err := Verify("secret", "ch-1", raw)
	require.NoError(t, err)
	assert.Equal(t, "ch-1", claims.Channel)
	assert.EqualValues(t, 42, claims.ParticipantID)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	raw, err := Mint("secret", "ch-1", 42, time.Minute)
	require.NoError(t, err)

	_, err = Verify("other", "ch-1", raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongChannel(t *testing.T) {
	raw, err := Mint("secret", "ch-1", 42, time.Minute)
	require.NoError(t, err)

	_, err = Verify("secret", "ch-2", raw)
	assert.ErrorIs(t, err, ErrChannelMismatch)
}

func TestVerifyRejectsExpired(t *testing.T) {
	raw, err := Mint("secret", "ch-1", 42, -time.Minute)
	require.NoError(t, err)

	_, err = Verify("secret", "ch-1", raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMintRequiresChannel(t *testing.T) {
	_, err := Mint("secret", "", 1, time.Minute)
	assert.Error(t, err)
}
