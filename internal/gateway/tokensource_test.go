package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/streetfix/streetfix-client/internal/tokenstore"
)

func TestTokenSource(t *testing.T) {
	t.Run("valid stored token", func(t *testing.T) {
		api := newTestAPI(t, "")
		valid := mintToken(t, time.Now().Add(time.Hour))
		g := newTestGateway(t, api, tokenstore.NewMemoryStore(tokenstore.TokenPair{Access: valid, Refresh: "r"}))

		tok, err := g.TokenSource(context.Background()).Token()
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if tok.AccessToken != valid || tok.Type() != "Bearer" {
			t.Fatalf("token = %+v", tok)
		}
		if tok.Expiry.IsZero() {
			t.Error("expiry not taken from claims")
		}
		if n := api.refreshCalls.Load(); n != 0 {
			t.Fatalf("refresh calls = %d, want 0", n)
		}
	})

	t.Run("locally expired token is refreshed", func(t *testing.T) {
		api := newTestAPI(t, "")
		fresh := mintToken(t, time.Now().Add(time.Hour))
		api.setRefreshHandler(api.issue(fresh, ""))
		expired := mintToken(t, time.Now().Add(-time.Hour))
		store := tokenstore.NewMemoryStore(tokenstore.TokenPair{Access: expired, Refresh: "r"})
		g := newTestGateway(t, api, store)

		tok, err := g.TokenSource(context.Background()).Token()
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if tok.AccessToken != fresh {
			t.Fatalf("token = %q, want refreshed", tok.AccessToken)
		}
		if n := api.refreshCalls.Load(); n != 1 {
			t.Fatalf("refresh calls = %d, want 1", n)
		}
	})

	t.Run("no session", func(t *testing.T) {
		api := newTestAPI(t, "")
		g := newTestGateway(t, api, tokenstore.NewMemoryStore(tokenstore.TokenPair{}))

		if _, err := g.TokenSource(context.Background()).Token(); !errors.Is(err, ErrNoSession) {
			t.Fatalf("err = %v, want ErrNoSession", err)
		}
	})

	t.Run("refresh rejected", func(t *testing.T) {
		api := newTestAPI(t, "")
		api.setRefreshHandler(func(w http.ResponseWriter, r *http.Request) {
			writeTestJSON(w, http.StatusUnauthorized, map[string]string{"error": "revoked"})
		})
		store := tokenstore.NewMemoryStore(tokenstore.TokenPair{Access: "opaque", Refresh: "r"})
		g := newTestGateway(t, api, store)

		_, err := g.TokenSource(context.Background()).Token()
		if !errors.Is(err, ErrSessionExpired) || !errors.Is(err, ErrRefreshFailed) {
			t.Fatalf("err = %v, want ErrSessionExpired wrapping ErrRefreshFailed", err)
		}
		if pair := loadPair(t, store); !pair.IsZero() {
			t.Fatalf("store = %+v, want empty", pair)
		}
	})
}
