package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/streetfix/streetfix-client/internal/identity"
	"github.com/streetfix/streetfix-client/internal/tokenstore"
)

// tokenSource adapts the gateway's stored session to oauth2.TokenSource.
// Locally expired access tokens are refreshed through the same single-flight
// path Do uses.
type tokenSource struct {
	g   *Gateway
	ctx context.Context
}

// Compile-time check to ensure tokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*tokenSource)(nil)

// TokenSource returns an oauth2.TokenSource over the stored session, for
// consumers that need a bare access token or an oauth2.Transport. The
// oauth2.TokenSource interface has no context parameter, so ctx is captured.
func (g *Gateway) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &tokenSource{g: g, ctx: ctx})
}

// Token returns a usable access token, refreshing it if it is locally expired.
func (ts *tokenSource) Token() (*oauth2.Token, error) {
	pair, err := ts.g.store.Load(ts.ctx)
	if err != nil {
		return nil, fmt.Errorf("loading tokens: %w", err)
	}

	if pair.Access != "" && !identity.IsExpired(pair.Access) {
		return toOAuth2(pair), nil
	}
	if pair.Refresh == "" {
		return nil, ErrNoSession
	}

	fresh, err := ts.g.refresh(ts.ctx, pair)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) || ts.ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return toOAuth2(fresh), nil
}

func toOAuth2(pair tokenstore.TokenPair) *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  pair.Access,
		RefreshToken: pair.Refresh,
		TokenType:    "Bearer",
	}
	if expiry, err := identity.Expiry(pair.Access); err == nil {
		token.Expiry = expiry
	} else {
		// Opaque token: let ReuseTokenSource re-check the store shortly
		token.Expiry = time.Now().Add(time.Minute)
	}
	return token
}
