package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/streetfix/streetfix-client/internal/tokenstore"
)

// testAPI is a fake reporting API. Protected paths accept only the current
// access token; /auth/refresh is served by refreshHandler.
type testAPI struct {
	t      *testing.T
	server *httptest.Server

	mu             sync.Mutex
	accepted       string
	seenTokens     []string
	refreshHandler http.HandlerFunc
	refreshBodies  []string

	refreshCalls  atomic.Int32
	protectedHits atomic.Int32
}

func newTestAPI(t *testing.T, accepted string) *testAPI {
	t.Helper()
	api := &testAPI{t: t, accepted: accepted}
	api.refreshHandler = api.issue("new-jwt", "")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		api.refreshCalls.Add(1)
		body, _ := io.ReadAll(r.Body)
		api.mu.Lock()
		api.refreshBodies = append(api.refreshBodies, string(body))
		handler := api.refreshHandler
		api.mu.Unlock()
		handler(w, r)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		api.protectedHits.Add(1)
		api.mu.Lock()
		accepted := api.accepted
		api.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer "+accepted || accepted == "" {
			writeTestJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		api.mu.Lock()
		api.seenTokens = append(api.seenTokens, accepted)
		api.mu.Unlock()

		body, _ := io.ReadAll(r.Body)
		writeTestJSON(w, http.StatusOK, map[string]string{"path": r.URL.Path, "body": string(body)})
	})

	api.server = httptest.NewServer(mux)
	t.Cleanup(api.server.Close)
	return api
}

// issue returns a refresh handler that rotates the accepted token to access.
func (a *testAPI) issue(access, refresh string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.accepted = access
		a.mu.Unlock()
		body := map[string]string{"accessToken": access}
		if refresh != "" {
			body["refreshToken"] = refresh
		}
		writeTestJSON(w, http.StatusOK, body)
	}
}

func (a *testAPI) setRefreshHandler(h http.HandlerFunc) {
	a.mu.Lock()
	a.refreshHandler = h
	a.mu.Unlock()
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u1",
		"exp":     exp.Unix(),
	}).SignedString([]byte("server-secret"))
	if err != nil {
		t.Fatalf("minting token: %v", err)
	}
	return signed
}

func newTestGateway(t *testing.T, api *testAPI, store tokenstore.Store, opts ...Option) *Gateway {
	t.Helper()
	g, err := New(store, append([]Option{WithBaseURL(api.server.URL)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func loadPair(t *testing.T, store tokenstore.Store) tokenstore.TokenPair {
	t.Helper()
	pair, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return pair
}

func readBody(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return out
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil store")
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		path    string
		want    string
	}{
		{"relative with slash", "https://api.example.org", "/me", "https://api.example.org/me"},
		{"relative without slash", "https://api.example.org", "me", "https://api.example.org/me"},
		{"base with path and trailing slash", "https://api.example.org/v1/", "/my_reports?page=2", "https://api.example.org/v1/my_reports?page=2"},
		{"absolute passes through", "https://api.example.org", "https://cdn.example.org/photo.jpg", "https://cdn.example.org/photo.jpg"},
		{"empty base keeps path", "", "/me", "/me"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := New(tokenstore.NewMemoryStore(tokenstore.TokenPair{}), WithBaseURL(tt.baseURL))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got := g.resolve(tt.path); got != tt.want {
				t.Errorf("resolve(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestDoBuildsHeaders(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	store := tokenstore.NewMemoryStore(tokenstore.TokenPair{Access: "access-1", Refresh: "refresh-1"})
	g, err := New(store, WithBaseURL(server.URL))
	if err != nil {
		t.Fatal(err)
	}

	resp, err := g.Do(context.Background(), "/me", WithHeader("Accept-Language", "de"))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	_ = resp.Body.Close()

	if v := got.Get("Authorization"); v != "Bearer access-1" {
		t.Errorf("Authorization = %q", v)
	}
	if v := got.Get("Accept"); v != "application/json" {
		t.Errorf("Accept = %q", v)
	}
	if v := got.Get("Accept-Language"); v != "de" {
		t.Errorf("Accept-Language = %q", v)
	}
	if got.Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id")
	}
}

func TestDoCallerHeadersWin(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := tokenstore.NewMemoryStore(tokenstore.TokenPair{Access: "stored"})
	g, _ := New(store, WithBaseURL(server.URL))

	resp, err := g.Do(context.Background(), "/map",
		WithHeader("Accept", "text/html"),
		WithHeader("Authorization", "Bearer explicit"),
	)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	_ = resp.Body.Close()

	if v := got.Get("Accept"); v != "text/html" {
		t.Errorf("Accept = %q, want caller value", v)
	}
	if v := got.Get("Authorization"); v != "Bearer explicit" {
		t.Errorf("Authorization = %q, want caller value", v)
	}
}

func TestDoAnonymous(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := tokenstore.NewMemoryStore(tokenstore.TokenPair{Access: "stored", Refresh: "r"})
	g, _ := New(store, WithBaseURL(server.URL))

	resp, err := g.Do(context.Background(), "/account.sign.in", WithAnonymous(), WithForm(url.Values{"user_id": {"u"}}))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	_ = resp.Body.Close()
	if auth != "" {
		t.Fatalf("anonymous request carried Authorization %q", auth)
	}
}

// Empty store, 401: no refresh is possible, the 401 is surfaced as-is.
func TestDoUnauthorizedWithoutSession(t *testing.T) {
	api := newTestAPI(t, "")
	store := tokenstore.NewMemoryStore(tokenstore.TokenPair{})
	g := newTestGateway(t, api, store)

	_, err := g.Do(context.Background(), "/me")

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *HTTPError", err)
	}
	if httpErr.Status != http.StatusUnauthorized || httpErr.Message != "unauthorized" {
		t.Fatalf("HTTPError = %+v", httpErr)
	}
	if errors.Is(err, ErrSessionExpired) {
		t.Fatal("unexpected ErrSessionExpired without a session")
	}
	if n := api.refreshCalls.Load(); n != 0 {
		t.Fatalf("refresh calls = %d, want 0", n)
	}
	if pair := loadPair(t, store); !pair.IsZero() {
		t.Fatalf("store = %+v, want empty", pair)
	}
}

// Expired access token, valid refresh token: one refresh, one retry, refresh
// token carried over when the server does not rotate it.
func TestDoRefreshesAndRetries(t *testing.T) {
	api := newTestAPI(t, "")
	expired := mintToken(t, time.Now().Add(-time.Hour))
	store := tokenstore.NewMemoryStore(tokenstore.TokenPair{Access: expired, Refresh: "valid-refresh"})
	g := newTestGateway(t, api, store)

	resp, err := g.Do(context.Background(), "/my_reports")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out := readBody(t, resp); out["path"] != "/my_reports" {
		t.Fatalf("body = %v", out)
	}

	if n := api.refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
	api.mu.Lock()
	refreshBody := api.refreshBodies[0]
	api.mu.Unlock()
	if !strings.Contains(refreshBody, `"refreshToken":"valid-refresh"`) {
		t.Fatalf("refresh body = %s", refreshBody)
	}
	want := tokenstore.TokenPair{Access: "new-jwt", Refresh: "valid-refresh"}
	if pair := loadPair(t, store); pair != want {
		t.Fatalf("store = %+v, want %+v", pair, want)
	}
}

func TestDoStoresRotatedRefreshToken(t *testing.T) {
	api := newTestAPI(t, "")
	api.setRefreshHandler(api.issue("new-jwt", "rotated-refresh"))
	store := tokenstore.NewMemoryStore(tokenstore.TokenPair{Access: "old", Refresh: "old-refresh"})
	g := newTestGateway(t, api, store)

	resp, err := g.Do(context.Background(), "/me")
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	_ = resp.Body.Close()

	want := tokenstore.TokenPair{Access: "new-jwt", Refresh: "rotated-refresh"}
	if pair := loadPair(t, store); pair != want {
		t.Fatalf("store = %+v, want %+v", pair, want)
	}
}

func TestDoRetryReplaysBody(t *testing.T) {
	api := newTestAPI(t, "")
	store := tokenstore.NewMemoryStore(tokenstore.TokenPair{Access: "old", Refresh: "r"})
	g := newTestGateway(t, api, store)

	resp, err := g.Do(context.Background(), "/reports", WithJSON(map[string]string{"kind": "pothole"}))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	out := readBody(t, resp)
	if out["body"] != `{"kind":"pothole"}` {
		t.Fatalf("retried body = %q", out["body"])
	}
}

// Concurrent 401s share one refresh and all retry with the same token.
func TestDoSingleFlightRefresh(t *testing.T) {
	const callers = 8

	api := newTestAPI(t, "")
	issue := api.issue("new-jwt", "")
	api.setRefreshHandler(func(w http.ResponseWriter, r *http.Request) {
		// Hold the refresh open so the other callers pile up behind it
		time.Sleep(100 * time.Millisecond)
		issue(w, r)
	})

	expired := mintToken(t, time.Now().Add(-time.Minute))
	store := tokenstore.NewMemoryStore(tokenstore.TokenPair{Access: expired, Refresh: "valid-refresh"})
	g := newTestGateway(t, api, store)

	paths := []string{"/me", "/my_reports"}
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := g.Do(context.Background(), paths[i%len(paths)])
			if err != nil {
				errs[i] = err
				return
			}
			_ = resp.Body.Close()
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if n := api.refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", n)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.seenTokens) != callers {
		t.Fatalf("successful retries = %d, want %d", len(api.seenTokens), callers)
	}
	for _, tok := range api.seenTokens {
		if tok != "new-jwt" {
			t.Fatalf("retry used %q, want new-jwt", tok)
		}
	}
}

// A failed refresh tears the session down for every waiting caller.
func TestDoRefreshFailureTearsDown(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "rejected",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			},
		},
		{
			name: "missing accessToken",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeTestJSON(w, http.StatusOK, map[string]string{"refreshToken": "r2"})
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte("{not json"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const callers = 4

			api := newTestAPI(t, "")
			api.setRefreshHandler(func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(50 * time.Millisecond)
				tt.handler(w, r)
			})
			store := tokenstore.NewMemoryStore(tokenstore.TokenPair{Access: "expired", Refresh: "revoked"})

			var torn atomic.Int32
			g := newTestGateway(t, api, store, WithSessionListener(func(p tokenstore.TokenPair) {
				if p.IsZero() {
					torn.Add(1)
				}
			}))

			var wg sync.WaitGroup
			errs := make([]error, callers)
			for i := range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, errs[i] = g.Do(context.Background(), "/me")
				}()
			}
			wg.Wait()

			for i, err := range errs {
				if !errors.Is(err, ErrSessionExpired) {
					t.Errorf("caller %d: err = %v, want ErrSessionExpired", i, err)
				}
			}
			if n := api.refreshCalls.Load(); n != 1 {
				t.Errorf("refresh calls = %d, want 1", n)
			}
			if pair := loadPair(t, store); !pair.IsZero() {
				t.Fatalf("store = %+v, want empty after teardown", pair)
			}
			if torn.Load() == 0 {
				t.Error("session listener not told about teardown")
			}
		})
	}
}

func TestDoRetryFailureTearsDown(t *testing.T) {
	api := newTestAPI(t, "")
	// The refreshed token is still not accepted by the API
	api.setRefreshHandler(func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]string{"accessToken": "also-rejected"})
	})
	store := tokenstore.NewMemoryStore(tokenstore.TokenPair{Access: "old", Refresh: "r"})
	g := newTestGateway(t, api, store)

	_, err := g.Do(context.Background(), "/me")
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want wrapped 401", err)
	}
	if n := api.protectedHits.Load(); n != 2 {
		t.Fatalf("protected hits = %d, want original + one retry", n)
	}
	if n := api.refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
	if pair := loadPair(t, store); !pair.IsZero() {
		t.Fatalf("store = %+v, want empty", pair)
	}
}

func TestDoExplicitAuthorizationSkipsRefresh(t *testing.T) {
	api := newTestAPI(t, "")
	store := tokenstore.NewMemoryStore(tokenstore.TokenPair{Access: "old", Refresh: "r"})
	g := newTestGateway(t, api, store)

	_, err := g.Do(context.Background(), "/me", WithHeader("Authorization", "Bearer someone-else"))
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 HTTPError", err)
	}
	if n := api.refreshCalls.Load(); n != 0 {
		t.Fatalf("refresh calls = %d, want 0", n)
	}
	if pair := loadPair(t, store); pair.Refresh != "r" {
		t.Fatalf("store modified: %+v", pair)
	}
}

func TestDoStaleUnauthorizedReusesStoredToken(t *testing.T) {
	api := newTestAPI(t, "fresh")
	store := tokenstore.NewMemoryStore(tokenstore.TokenPair{Access: "fresh", Refresh: "r"})
	g := newTestGateway(t, api, store)

	// Simulate a request that was sent before a concurrent refresh settled
	resp, err := g.retryAfterRefresh(context.Background(), g.resolve("/me"), &request{method: http.MethodGet, header: http.Header{}},
		tokenstore.TokenPair{Access: "stale", Refresh: "r"})
	if err != nil {
		t.Fatalf("retryAfterRefresh: %v", err)
	}
	_ = resp.Body.Close()
	if n := api.refreshCalls.Load(); n != 0 {
		t.Fatalf("refresh calls = %d, want 0", n)
	}
}

// A caller giving up while waiting does not cancel the shared refresh.
func TestDoWaiterCancellationKeepsRefresh(t *testing.T) {
	api := newTestAPI(t, "")
	issue := api.issue("new-jwt", "")
	started := make(chan struct{})
	var once sync.Once
	api.setRefreshHandler(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		time.Sleep(150 * time.Millisecond)
		issue(w, r)
	})
	store := tokenstore.NewMemoryStore(tokenstore.TokenPair{Access: "old", Refresh: "r"})
	g := newTestGateway(t, api, store)

	impatient, cancel := context.WithCancel(context.Background())
	impatientErr := make(chan error, 1)
	go func() {
		_, err := g.Do(impatient, "/me")
		impatientErr <- err
	}()

	<-started
	patientResp := make(chan error, 1)
	go func() {
		resp, err := g.Do(context.Background(), "/my_reports")
		if err == nil {
			_ = resp.Body.Close()
		}
		patientResp <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-impatientErr
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("impatient caller err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrSessionExpired) {
		t.Fatal("cancellation must not be reported as session expiry")
	}
	if err := <-patientResp; err != nil {
		t.Fatalf("patient caller: %v", err)
	}
	if n := api.refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
	if pair := loadPair(t, store); pair.Access != "new-jwt" {
		t.Fatalf("store = %+v, want refreshed", pair)
	}
}
