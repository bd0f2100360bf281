package entitlements

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, subject, email string) string {
	t.Helper()
	claims := sessionClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func writeSession(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, SessionFileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestReadSessionToken(t *testing.T) {
	dir := t.TempDir()

	token, err := ReadSessionToken(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, token, "missing file means signed out")

	path := writeSession(t, dir, "  \n")
	token, err = ReadSessionToken(path)
	require.NoError(t, err)
	assert.Empty(t, token)

	path = writeSession(t, dir, `{"access_token": " abc "}`)
	token, err = ReadSessionToken(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	path = writeSession(t, dir, `{"access_token":`)
	_, err = ReadSessionToken(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode session file")
}

func TestFileCredentialsRereadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SessionFileName)
	creds := NewFileCredentials(path)
	assert.Equal(t, path, creds.Path())

	token, err := creds.Token(context.Background())
	require.NoError(t, err)
	assert.Empty(t, token)

	writeSession(t, dir, `{"access_token":"first"}`)
	token, err = creds.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", token)

	writeSession(t, dir, `{"access_token":"second"}`)
	token, err = creds.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", token)

	token, err = NewFileCredentials("").Token(context.Background())
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestIdentityFromToken(t *testing.T) {
	anon := IdentityFromToken("")
	assert.True(t, anon.Anonymous())
	assert.Equal(t, "anonymous", anon.String())

	bySubject := IdentityFromToken(signedToken(t, "user-42", "Ada@Example.com"))
	assert.Equal(t, "sub:user-42", bySubject.Key)
	assert.Equal(t, "ada@example.com", bySubject.Email)
	assert.Equal(t, "ada@example.com", bySubject.String())

	rotated := IdentityFromToken(signedToken(t, "user-42", "ada@example.com"))
	assert.Equal(t, bySubject.Key, rotated.Key, "rotation keeps the identity")

	byEmail := IdentityFromToken(signedToken(t, "", "bob@example.com"))
	assert.Equal(t, "email:bob@example.com", byEmail.Key)

	opaque := IdentityFromToken("not-a-jwt")
	assert.True(t, strings.HasPrefix(opaque.Key, "token:"))
	assert.Len(t, opaque.Key, len("token:")+16)
	assert.NotEqual(t, opaque.Key, IdentityFromToken("another-opaque").Key)
}
