package entitlements

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// SessionFileName is the well-known name of the session file the web
// client's login flow writes into the data directory.
const SessionFileName = "session.json"

type sessionFilePayload struct {
	AccessToken string `json:"access_token"`
}

// FileCredentials reads the access token from a session file on every call,
// so a login or logout is picked up by the next refresh.
type FileCredentials struct {
	path string
}

func NewFileCredentials(path string) *FileCredentials {
	return &FileCredentials{path: strings.TrimSpace(path)}
}

func (c *FileCredentials) Path() string {
	return c.path
}

func (c *FileCredentials) Token(context.Context) (string, error) {
	if c == nil || c.path == "" {
		return "", nil
	}
	return ReadSessionToken(c.path)
}

// ReadSessionToken returns the access token stored at path. A missing file or
// an empty token means there is no session.
func ReadSessionToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read session file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return "", nil
	}

	var payload sessionFilePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("decode session file: %w", err)
	}
	return strings.TrimSpace(payload.AccessToken), nil
}

// Identity is who a session token belongs to. The zero value is the
// anonymous identity.
type Identity struct {
	Subject string
	Email   string
	// Key is stable for one identity across token rotations.
	Key string
}

func (i Identity) Anonymous() bool {
	return i.Key == ""
}

func (i Identity) String() string {
	switch {
	case i.Email != "":
		return i.Email
	case i.Subject != "":
		return i.Subject
	case i.Key != "":
		return i.Key
	default:
		return "anonymous"
	}
}

type sessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// IdentityFromToken reads the claims of a JWT access token without verifying
// it; the backend verifies, the client only needs to notice account changes.
// Opaque tokens are identified by a fingerprint of the token itself.
func IdentityFromToken(token string) Identity {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}
	}

	var claims sessionClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err == nil {
		subject := strings.TrimSpace(claims.Subject)
		email := strings.ToLower(strings.TrimSpace(claims.Email))
		switch {
		case subject != "":
			return Identity{Subject: subject, Email: email, Key: "sub:" + subject}
		case email != "":
			return Identity{Email: email, Key: "email:" + email}
		}
	}

	sum := sha256.Sum256([]byte(token))
	return Identity{Key: "token:" + hex.EncodeToString(sum[:8])}
}
