package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/streetfix/streetfix-client/internal/tokenstore"
)

const refreshKey = "refresh"

// maxRefreshBody caps the decoded size of a refresh response.
const maxRefreshBody = 1 << 20

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// refresh returns credentials newer than session, joining the in-flight
// refresh if there is one. All joined callers get the same pair or the same
// error. A caller that stops waiting (ctx done) does not cancel the refresh.
func (g *Gateway) refresh(ctx context.Context, session tokenstore.TokenPair) (tokenstore.TokenPair, error) {
	ch := g.refreshes.DoChan(refreshKey, func() (any, error) {
		return g.doRefresh(context.WithoutCancel(ctx), session)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return tokenstore.TokenPair{}, res.Err
		}
		return res.Val.(tokenstore.TokenPair), nil
	case <-ctx.Done():
		return tokenstore.TokenPair{}, ctx.Err()
	}
}

// doRefresh is the body of the shared refresh. It is the only writer of the
// store while it runs.
func (g *Gateway) doRefresh(ctx context.Context, session tokenstore.TokenPair) (tokenstore.TokenPair, error) {
	current, err := g.store.Load(ctx)
	if err != nil {
		return g.refreshFailed(ctx, err)
	}

	// Another refresh already settled after this session was read
	if current.Access != session.Access {
		if current.IsZero() {
			return tokenstore.TokenPair{}, fmt.Errorf("%w: credentials were cleared", ErrSessionExpired)
		}
		if current.Access != "" {
			g.logger.DebugContext(ctx, "reusing token refreshed by a concurrent request")
			return current, nil
		}
	}
	if current.Refresh == "" {
		return g.refreshFailed(ctx, errors.New("no refresh token stored"))
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: current.Refresh})
	if err != nil {
		return g.refreshFailed(ctx, err)
	}
	req := &request{
		method:    http.MethodPost,
		header:    http.Header{"Content-Type": {"application/json"}},
		body:      body,
		anonymous: true,
	}

	g.logger.DebugContext(ctx, "refreshing access token")
	resp, err := g.send(ctx, g.resolve(g.refreshPath), req, "")
	if err != nil {
		return g.refreshFailed(ctx, err)
	}
	if !isSuccess(resp.StatusCode) {
		return g.refreshFailed(ctx, readHTTPError(resp))
	}
	defer func() { _ = resp.Body.Close() }()

	var out refreshResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRefreshBody)).Decode(&out); err != nil {
		return g.refreshFailed(ctx, fmt.Errorf("decoding refresh response: %w", err))
	}
	if out.AccessToken == "" {
		return g.refreshFailed(ctx, errors.New("refresh response has no accessToken"))
	}

	next := tokenstore.TokenPair{Access: out.AccessToken, Refresh: out.RefreshToken}
	if next.Refresh == "" {
		// Server did not rotate the refresh token
		next.Refresh = current.Refresh
	}
	if err := g.store.Save(ctx, next); err != nil {
		return g.refreshFailed(ctx, err)
	}

	g.notify(next)
	g.logger.InfoContext(ctx, "access token refreshed", "rotated", out.RefreshToken != "")
	return next, nil
}

// refreshFailed tears the session down once, on behalf of every joined caller.
func (g *Gateway) refreshFailed(ctx context.Context, cause error) (tokenstore.TokenPair, error) {
	err := fmt.Errorf("%w: %w", ErrRefreshFailed, cause)
	g.teardown(ctx, err)
	return tokenstore.TokenPair{}, err
}
