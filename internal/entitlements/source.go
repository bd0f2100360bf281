package entitlements

import "context"

// Source fetches the authoritative snapshot. An empty token means the call is
// made anonymously.
type Source interface {
	Name() string
	Fetch(ctx context.Context, token string) (*Snapshot, error)
	Close() error
}

// CredentialProvider resolves the ambient session's access token. A missing
// session is ("", nil), not an error.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

type StaticCredentials string

func (s StaticCredentials) Token(context.Context) (string, error) {
	return string(s), nil
}
