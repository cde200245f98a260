package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionTokenCodec_IssueValidate_RoundTrip(t *testing.T) {
	codec, err := NewSessionTokenCodec([]byte("a process-wide secret that is long enough"))
	require.NoError(t, err)

	claims := SessionClaims{
		SessionID: "sess-123",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}

	token, err := codec.Issue(claims)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := codec.Validate(token)
	require.NoError(t, err)
	require.Equal(t, claims.SessionID, got.SessionID)
}

func TestSessionTokenCodec_Validate_Expired(t *testing.T) {
	codec, err := NewSessionTokenCodec([]byte("a process-wide secret that is long enough"))
	require.NoError(t, err)

	token, err := codec.Issue(SessionClaims{
		SessionID: "sess-expired",
		IssuedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	_, err = codec.Validate(token)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestSessionTokenCodec_Validate_Tampered(t *testing.T) {
	codec, err := NewSessionTokenCodec([]byte("a process-wide secret that is long enough"))
	require.NoError(t, err)

	token, err := codec.Issue(SessionClaims{
		SessionID: "sess-1",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	tampered := token[:len(token)-2] + "AA"
	_, err = codec.Validate(tampered)
	require.Error(t, err)
}
