package bots

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuerRoundTrip(t *testing.T) {
	issuer := NewIssuer("s3cret", time.Minute)
	token, err := issuer.Issue("plagiarism", 42, []string{PermReadManuscriptFiles})
	require.NoError(t, err)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "plagiarism", claims.BotID)
	assert.Equal(t, uint(42), claims.ManuscriptID)
	assert.True(t, claims.Has(PermReadManuscriptFiles))
	assert.False(t, claims.Has(PermUploadFiles))
}

func TestIssuerRejectsForeignAndExpiredTokens(t *testing.T) {
	issuer := NewIssuer("s3cret", time.Minute)
	token, err := issuer.Issue("plagiarism", 1, nil)
	require.NoError(t, err)

	_, err = NewIssuer("other", time.Minute).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	later := time.Now().Add(time.Hour)
	issuer.now = func() time.Time { return later }
	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredCredential)

	_, err = NewIssuer("", time.Minute).Issue("x", 1, nil)
	assert.Error(t, err)
}
