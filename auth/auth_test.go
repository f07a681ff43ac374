package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueThenResolveRoundTrip(t *testing.T) {
	r := NewJWTResolver("test-secret")
	token, err := r.Issue("alice", 0)
	require.NoError(t, err)

	username, err := r.Resolve(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
}

func TestResolveRejectsWrongSecret(t *testing.T) {
	r1 := NewJWTResolver("secret-one")
	r2 := NewJWTResolver("secret-two")

	token, err := r1.Issue("bob", 0)
	require.NoError(t, err)

	_, err = r2.Resolve(token)
	assert.Error(t, err)
}

func TestResolveRejectsExpiredToken(t *testing.T) {
	r := NewJWTResolver("test-secret")
	token, err := r.Issue("carol", -time.Minute)
	require.NoError(t, err)

	_, err = r.Resolve(token)
	assert.Error(t, err)
}

func TestResolveRejectsGarbage(t *testing.T) {
	r := NewJWTResolver("test-secret")
	_, err := r.Resolve("not-a-jwt")
	assert.Error(t, err)
}
