package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/streetfix/streetfix-client/internal/tokenstore"
)

// maxErrorBody caps how much of an error response is read for its message.
const maxErrorBody = 64 << 10

// Gateway issues authenticated requests and owns the token refresh lifecycle.
// It is safe for concurrent use.
type Gateway struct {
	store       tokenstore.Store
	client      *http.Client
	baseURL     string
	timeout     time.Duration
	refreshPath string
	logger      *slog.Logger

	listenersMu sync.RWMutex
	listeners   []func(tokenstore.TokenPair)

	// refreshes holds at most one in-flight refresh; concurrent callers join it
	refreshes singleflight.Group
}

// New creates a Gateway reading credentials from store.
func New(store tokenstore.Store, opts ...Option) (*Gateway, error) {
	if store == nil {
		return nil, fmt.Errorf("missing token store")
	}

	g := &Gateway{
		store:       store,
		client:      &http.Client{Transport: http.DefaultTransport},
		timeout:     DefaultTimeout,
		refreshPath: DefaultRefreshPath,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.baseURL != "" {
		if _, err := url.Parse(g.baseURL); err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
	}

	return g, nil
}

// Store returns the token store the gateway reads from.
func (g *Gateway) Store() tokenstore.Store {
	return g.store
}

// Do performs a request against path, which is either absolute or relative
// to the base URL.
//
// Non-2xx responses are returned as *HTTPError, transport failures as
// *NetworkError. A 401 on a call sent with a refreshable session is resolved
// by one shared refresh and one retry; if that does not succeed the store is
// cleared and ErrSessionExpired is returned.
//
// On success the response body is unread and must be closed by the caller.
func (g *Gateway) Do(ctx context.Context, path string, opts ...RequestOption) (*http.Response, error) {
	req := &request{header: make(http.Header)}
	for _, opt := range opts {
		opt(req)
	}
	if req.err != nil {
		return nil, req.err
	}
	if req.method == "" {
		req.method = http.MethodGet
		if req.body != nil {
			req.method = http.MethodPost
		}
	}

	target := g.resolve(path)
	requestID := req.header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
		req.header.Set("X-Request-Id", requestID)
	}

	// The pair the request is sent with decides whether a 401 is refreshable
	var session tokenstore.TokenPair
	managed := !req.anonymous && req.header.Get("Authorization") == ""
	if managed {
		pair, err := g.store.Load(ctx)
		if err != nil {
			// Unreadable storage is treated as signed out
			g.logger.WarnContext(ctx, "token store unavailable, sending unauthenticated", "error", err, "request_id", requestID)
		} else {
			session = pair
		}
	}

	resp, err := g.send(ctx, target, req, session.Access)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && managed && session.Refresh != "" {
		drain(resp)
		return g.retryAfterRefresh(ctx, target, req, session)
	}

	if !isSuccess(resp.StatusCode) {
		return nil, readHTTPError(resp)
	}
	return resp, nil
}

// retryAfterRefresh obtains fresh credentials and repeats req exactly once.
func (g *Gateway) retryAfterRefresh(ctx context.Context, target string, req *request, session tokenstore.TokenPair) (*http.Response, error) {
	fresh, err := g.refresh(ctx, session)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, fmt.Errorf("waiting for token refresh: %w", err)
		}
		if errors.Is(err, ErrSessionExpired) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}

	resp, err := g.send(ctx, target, req, fresh.Access)
	if err != nil {
		g.teardown(ctx, err)
		return nil, fmt.Errorf("%w: retry after refresh: %w", ErrSessionExpired, err)
	}
	if !isSuccess(resp.StatusCode) {
		httpErr := readHTTPError(resp)
		g.teardown(ctx, httpErr)
		return nil, fmt.Errorf("%w: retry after refresh: %w", ErrSessionExpired, httpErr)
	}
	return resp, nil
}

// send issues one HTTP exchange under the gateway timeout. The timeout stays
// armed until the caller closes the response body.
func (g *Gateway) send(ctx context.Context, target string, req *request, accessToken string) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, req.method, target, body)
	if err != nil {
		cancel()
		return nil, &NetworkError{Method: req.method, URL: target, Err: err}
	}

	httpReq.Header.Set("Accept", "application/json")
	for key, values := range req.header {
		httpReq.Header[key] = values
	}
	if accessToken != "" && httpReq.Header.Get("Authorization") == "" {
		(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}).SetAuthHeader(httpReq)
	}

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		cancel()
		netErr := &NetworkError{Method: req.method, URL: target, Err: err}
		var timeoutErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &timeoutErr) && timeoutErr.Timeout()) {
			netErr.Timeout = true
		}
		g.logger.DebugContext(ctx, "api request failed",
			"method", req.method,
			"url", target,
			"duration", time.Since(start),
			"timeout", netErr.Timeout,
			"request_id", req.header.Get("X-Request-Id"),
			"error", err,
		)
		return nil, netErr
	}

	g.logger.DebugContext(ctx, "api request",
		"method", req.method,
		"url", target,
		"status", resp.StatusCode,
		"duration", time.Since(start),
		"request_id", req.header.Get("X-Request-Id"),
	)

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, ctx: reqCtx, cancel: cancel, method: req.method, url: target}
	return resp, nil
}

// resolve joins relative paths to the base URL; absolute URLs pass through.
func (g *Gateway) resolve(path string) string {
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		return path
	}
	if g.baseURL == "" {
		return path
	}
	return strings.TrimRight(g.baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// AddSessionListener registers fn like WithSessionListener, after construction.
func (g *Gateway) AddSessionListener(fn func(tokenstore.TokenPair)) {
	if fn == nil {
		return
	}
	g.listenersMu.Lock()
	g.listeners = append(g.listeners, fn)
	g.listenersMu.Unlock()
}

func (g *Gateway) notify(pair tokenstore.TokenPair) {
	g.listenersMu.RLock()
	listeners := g.listeners
	g.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(pair)
	}
}

// teardown clears stored credentials after an unrecoverable 401.
func (g *Gateway) teardown(ctx context.Context, cause error) {
	// Clearing must happen even when the triggering caller has given up
	ctx = context.WithoutCancel(ctx)
	if err := g.store.Clear(ctx); err != nil {
		g.logger.ErrorContext(ctx, "failed to clear token store during session teardown", "error", err)
	}
	g.notify(tokenstore.TokenPair{})
	g.logger.WarnContext(ctx, "session torn down", "cause", cause)
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// readHTTPError consumes resp and extracts a best-effort message: the JSON
// "error" field, else the JSON body, else the raw text.
func readHTTPError(resp *http.Response) *HTTPError {
	defer func() { _ = resp.Body.Close() }()

	httpErr := &HTTPError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	text := strings.TrimSpace(string(data))

	if isJSON(resp.Header.Get("Content-Type")) && text != "" {
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err == nil {
			if msg, ok := payload["error"].(string); ok && msg != "" {
				httpErr.Message = msg
				return httpErr
			}
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, data); err == nil {
			text = compact.String()
		}
	}

	httpErr.Message = text
	if httpErr.Message == "" {
		httpErr.Message = http.StatusText(resp.StatusCode)
	}
	return httpErr
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// drain discards a response the caller will never see so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}

// cancelOnClose releases the request context once the body is closed. Read
// failures, including the gateway timeout expiring mid-body, surface as
// *NetworkError like failures before the response arrived.
type cancelOnClose struct {
	io.ReadCloser
	ctx    context.Context
	cancel context.CancelFunc
	method string
	url    string
}

func (c *cancelOnClose) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	netErr := &NetworkError{Method: c.method, URL: c.url, Err: err}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(c.ctx.Err(), context.DeadlineExceeded) {
		netErr.Timeout = true
	}
	return n, netErr
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
