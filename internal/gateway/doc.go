// Package gateway performs authenticated calls against the reporting API.
//
// Every call attaches the stored access token as a bearer header, runs under
// a fixed timeout, and normalizes failures into the error taxonomy in
// errors.go. A 401 on a request that was sent with a refreshable session
// triggers a token refresh that is shared by all concurrent callers
// (single-flight), followed by exactly one retry of the original request:
//
//	gw, err := gateway.New(store, gateway.WithBaseURL("https://api.example.org"))
//	resp, err := gw.Do(ctx, "/my_reports")
//	if errors.Is(err, gateway.ErrSessionExpired) {
//		// signed out: credentials were cleared
//	}
//	defer resp.Body.Close()
//
// Successful responses are returned unconsumed; the caller closes the body.
package gateway
