package auth

import (
	"context"

	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/globals"
	"github.com/coreos/go-oidc/v3/oidc"
)

// authenticateOIDC verifies a given OIDC ID-Token using the configured OIDC
// provider. It returns the user's id if verification was successful (or an
// empty string if no matching provider was configured).
// TODO: the userId is set to the "email" claim, this could be made configurable. But: ensure that it is unique across the user base!
func authenticateOIDC(ctx context.Context, idToken, oidcProvider string, cfg *config.Config) (string, error) {
	if idToken == "" || len(cfg.AuthConfig.OIDCConfigs) == 0 {
		return "", nil
	}
	var oidcConf *config.OIDCConfig
	for i := range cfg.AuthConfig.OIDCConfigs {
		if cfg.AuthConfig.OIDCConfigs[i].Name == oidcProvider {
			oidcConf = &cfg.AuthConfig.OIDCConfigs[i]
			break
		}
	}
	if oidcConf == nil {
		globals.AppLogger.Debug("no oidc config found for provider", "provider", oidcProvider)
		return "", nil
	}
	provider, err := oidc.NewProvider(ctx, oidcConf.ProviderUrl)
	if err != nil {
		return "", err
	}
	conf := oidc.Config{}
	if oidcConf.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = oidcConf.ClientId
	}
	verifier := provider.Verifier(&conf)
	verifiedIdToken, err := verifier.Verify(ctx, idToken)
	if err != nil {
		globals.AppLogger.Error("could not verify id token", "error", err)
		return "", err
	}

	claims := struct {
		Email string `json:"email"`
	}{}
	err = verifiedIdToken.Claims(&claims)
	if err != nil {
		return "", err
	}
	return claims.Email, nil
}
