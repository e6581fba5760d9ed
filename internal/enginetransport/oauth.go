package enginetransport

import (
	"context"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/vladadzumka89-spec/camunda-processes/internal/config"
)

// oauthClientCredentials performs the real client_credentials grant via
// golang.org/x/oauth2/clientcredentials, matching
// original_source/worker/auth.py's TokenManager.refresh_token (POST
// grant_type=client_credentials, audience included only if configured).
type oauthClientCredentials struct{}

func (oauthClientCredentials) FetchToken(ctx context.Context, cfg config.EngineConfig) (string, time.Duration, error) {
	ccCfg := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
	}
	if cfg.Audience != "" {
		ccCfg.EndpointParams = map[string][]string{"audience": {cfg.Audience}}
	}

	token, err := ccCfg.Token(ctx)
	if err != nil {
		return "", 0, err
	}

	expiresIn := time.Hour
	if !token.Expiry.IsZero() {
		expiresIn = time.Until(token.Expiry)
	}
	return token.AccessToken, expiresIn, nil
}
