package auth

import (
	"context"
	"fmt"

	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/types"
	"github.com/folkengine/goname"
)

// Credentials are the connection credentials handed over by the client,
// issued by an external collaborator. Exactly one mechanism applies per
// connection.
type Credentials struct {
	IDToken  string // OIDC id token
	Provider string // OIDC provider name
	Bearer   string // HMAC-signed JWT
}

// Resolve determines the acting user for a connection. It never creates or
// re-authenticates anything beyond verifying the presented credential; the
// identity provider is an external collaborator. When guests are allowed,
// connections without a verifiable credential get a generated guest identity
// (guests fail room membership naturally but may hold alert sessions).
func Resolve(ctx context.Context, creds Credentials, cfg *config.Config) (*types.User, error) {
	if creds.Bearer != "" && cfg.AuthConfig.JWTSecret != "" {
		userId, name, err := authenticateJWT(creds.Bearer, cfg.AuthConfig.JWTSecret)
		if err != nil {
			return nil, fmt.Errorf("jwt rejected: %w", types.ErrForbidden)
		}
		if name == "" {
			name = userId
		}
		return &types.User{Id: userId, Name: name}, nil
	}
	if creds.IDToken != "" {
		userId, err := authenticateOIDC(ctx, creds.IDToken, creds.Provider, cfg)
		if err != nil {
			return nil, fmt.Errorf("id token rejected: %w", types.ErrForbidden)
		}
		if userId != "" {
			return &types.User{Id: userId, Name: userId}, nil
		}
	}
	if cfg.AuthConfig.AllowGuests {
		nick := goname.New(goname.FantasyMap).FirstLast() + " (guest)"
		return &types.User{Id: nick, Name: nick, Guest: true}, nil
	}
	return nil, fmt.Errorf("no acceptable credentials: %w", types.ErrForbidden)
}
