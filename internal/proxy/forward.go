package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/streetfix/streetfix-client/internal/gateway"
)

// maxForwardBody bounds uploads forwarded through the proxy.
const maxForwardBody = 32 << 20

var (
	// forwardedRequestHeaders may pass from the local caller to the API.
	// Authorization is deliberately absent: the gateway owns credentials.
	forwardedRequestHeaders = []string{
		"Accept",
		"Accept-Language",
		"If-None-Match",
		"If-Modified-Since",
		"X-Request-Id",
	}

	// forwardedResponseHeaders may pass from the API back to the local caller.
	forwardedResponseHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Content-Disposition",
		"Cache-Control",
		"ETag",
		"Last-Modified",
		"Location",
	}
)

// SessionResponse is the body served at SessionPath.
type SessionResponse struct {
	SignedIn bool    `json:"signed_in"`
	UserID   string  `json:"user_id,omitempty"`
	Nickname string  `json:"nickname,omitempty"`
	Role     string  `json:"role,omitempty"`
	Score    float64 `json:"score,omitempty"`
}

func (p *Proxy) serveSession(w http.ResponseWriter, r *http.Request) {
	id := p.sessions.RefreshIdentity(r.Context())
	if id == nil {
		writeJSON(r.Context(), w, SessionResponse{}, http.StatusOK)
		return
	}
	writeJSON(r.Context(), w, SessionResponse{
		SignedIn: true,
		UserID:   id.UserID,
		Nickname: id.Nickname,
		Role:     id.Role,
		Score:    id.Score,
	}, http.StatusOK)
}

// forward replays the inbound request through the gateway. Only the path and
// query are used, so requests can never be steered to another host.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxForwardBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(ctx, w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeJSONError(ctx, w, "failed to read request body", http.StatusBadRequest)
		return
	}

	opts := []gateway.RequestOption{gateway.WithMethod(r.Method)}
	for _, key := range forwardedRequestHeaders {
		if v := r.Header.Get(key); v != "" {
			opts = append(opts, gateway.WithHeader(key, v))
		}
	}
	if len(body) > 0 {
		opts = append(opts, gateway.WithBody(r.Header.Get("Content-Type"), body))
	}

	resp, err := p.gateway.Do(ctx, r.URL.RequestURI(), opts...)
	if err != nil {
		writeGatewayError(ctx, w, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for _, key := range forwardedResponseHeaders {
		if v := resp.Header.Get(key); v != "" {
			w.Header().Set(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.WarnContext(ctx, "failed to copy upstream response", "error", err)
	}
}

// writeGatewayError maps the gateway error taxonomy onto local HTTP statuses.
func writeGatewayError(ctx context.Context, w http.ResponseWriter, err error) {
	var httpErr *gateway.HTTPError
	switch {
	case errors.Is(err, gateway.ErrSessionExpired):
		writeJSONError(ctx, w, "session expired, sign in again", http.StatusUnauthorized)
	case errors.As(err, &httpErr):
		writeJSONError(ctx, w, httpErr.Message, httpErr.Status)
	case errors.Is(err, gateway.ErrNetworkTimeout):
		writeJSONError(ctx, w, "upstream timeout", http.StatusGatewayTimeout)
	case gateway.IsTransient(err):
		writeJSONError(ctx, w, "upstream unreachable", http.StatusBadGateway)
	case errors.Is(err, context.Canceled):
		// Client went away, nothing to write to
	default:
		slog.ErrorContext(ctx, "forwarding failed", "error", err)
		writeJSONError(ctx, w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
