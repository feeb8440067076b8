package fetch

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mcclowes/reqon/pkg/mission"
)

// Authenticator applies one source's auth config to outgoing requests.
// OAuth2 token acquisition is lazy and the token source caches and
// refreshes tokens across requests.
type Authenticator struct {
	cfg mission.Auth

	mu     sync.Mutex
	tokens oauth2.TokenSource
}

// NewAuthenticator builds an authenticator for a source's auth config.
func NewAuthenticator(cfg mission.Auth) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Apply sets the request's credentials per the configured kind.
func (a *Authenticator) Apply(ctx context.Context, req *http.Request) error {
	switch a.cfg.Kind {
	case "", mission.AuthNone:
		return nil
	case mission.AuthAPIKey:
		header := a.cfg.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, resolveSecret(a.cfg.Token))
		return nil
	case mission.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+resolveSecret(a.cfg.Token))
		return nil
	case mission.AuthBasic:
		req.SetBasicAuth(resolveSecret(a.cfg.Username), resolveSecret(a.cfg.Password))
		return nil
	case mission.AuthOAuth2:
		token, err := a.token(ctx)
		if err != nil {
			return fmt.Errorf("oauth2 token: %w", err)
		}
		token.SetAuthHeader(req)
		return nil
	}
	return fmt.Errorf("unknown auth kind %q", a.cfg.Kind)
}

func (a *Authenticator) token(ctx context.Context) (*oauth2.Token, error) {
	a.mu.Lock()
	if a.tokens == nil {
		cc := clientcredentials.Config{
			ClientID:     resolveSecret(a.cfg.ClientID),
			ClientSecret: resolveSecret(a.cfg.ClientSecret),
			TokenURL:     a.cfg.TokenURL,
			Scopes:       a.cfg.Scopes,
		}
		a.tokens = cc.TokenSource(context.WithoutCancel(ctx))
	}
	tokens := a.tokens
	a.mu.Unlock()
	return tokens.Token()
}

// resolveSecret expands "env:NAME" references to the named environment
// variable; any other value is returned as is.
func resolveSecret(v string) string {
	if name, ok := strings.CutPrefix(v, "env:"); ok {
		return os.Getenv(name)
	}
	return v
}
