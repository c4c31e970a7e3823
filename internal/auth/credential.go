// Package auth holds the process credential. A Credential is built once at
// startup and passed by value to each component that needs it.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"gchatbridge/internal/domain"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	ScopeChatBot = "https://www.googleapis.com/auth/chat.bot"
	ScopePubSub  = "https://www.googleapis.com/auth/pubsub"
)

// Credential is either service-account key material or a static bearer token.
// It is immutable and never prints its secret.
type Credential struct {
	keyJSON  []byte
	bearer   string
	identity string
}

// FromFile loads a service-account JSON key.
func FromFile(path string) (Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, &domain.AuthError{Op: "read credentials file", Err: err}
	}
	return FromJSON(data)
}

// FromJSON parses service-account key material.
func FromJSON(data []byte) (Credential, error) {
	var key struct {
		Type        string `json:"type"`
		ClientEmail string `json:"client_email"`
	}
	if err := json.Unmarshal(data, &key); err != nil {
		return Credential{}, &domain.AuthError{Op: "parse credentials", Err: err}
	}
	if key.Type == "" {
		return Credential{}, &domain.AuthError{Op: "parse credentials", Err: errors.New(`missing "type" field`)}
	}
	keyCopy := make([]byte, len(data))
	copy(keyCopy, data)
	return Credential{keyJSON: keyCopy, identity: key.ClientEmail}, nil
}

// FromBearer wraps an already issued access token.
func FromBearer(token string) Credential {
	return Credential{bearer: token, identity: "static bearer token"}
}

// IsZero reports whether the credential carries no secret at all.
func (c Credential) IsZero() bool {
	return len(c.keyJSON) == 0 && c.bearer == ""
}

// Identity is a printable description (service account email or "static bearer token").
func (c Credential) Identity() string {
	return c.identity
}

// TokenSource returns a caching token source for the given OAuth scopes.
// Scopes are ignored for static bearer tokens.
func (c Credential) TokenSource(ctx context.Context, scopes ...string) (oauth2.TokenSource, error) {
	switch {
	case c.bearer != "":
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.bearer, TokenType: "Bearer"}), nil
	case len(c.keyJSON) > 0:
		creds, err := google.CredentialsFromJSON(ctx, c.keyJSON, scopes...)
		if err != nil {
			return nil, &domain.AuthError{Op: "load service account", Err: err}
		}
		return creds.TokenSource, nil
	default:
		return nil, &domain.AuthError{Op: "token source", Err: errors.New("empty credential")}
	}
}

// Verify obtains one token to prove the credential is usable. Only a
// rejection by the token endpoint is an *domain.AuthError; network failures
// come back as plain errors so callers can retry them.
func Verify(ctx context.Context, ts oauth2.TokenSource) error {
	tok, err := ts.Token()
	if err != nil {
		if Rejected(err) {
			return &domain.AuthError{Op: "obtain token", Err: err}
		}
		return fmt.Errorf("obtain token: %w", err)
	}
	if !tok.Valid() {
		return &domain.AuthError{Op: "obtain token", Err: errors.New("token is empty or expired")}
	}
	return nil
}

// Rejected reports whether the token endpoint refused the credential, as
// opposed to being unreachable.
func Rejected(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return false
	}
	switch re.Response.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

func (c Credential) String() string {
	if c.IsZero() {
		return "credential(none)"
	}
	return fmt.Sprintf("credential(%s)", c.identity)
}

func (c Credential) GoString() string {
	return c.String()
}
