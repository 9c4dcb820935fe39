package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/streetfix/streetfix-client/internal/tokenstore"
)

// DefaultTimeout bounds every request, including the refresh call.
const DefaultTimeout = 15 * time.Second

// DefaultRefreshPath is the refresh endpoint relative to the base URL.
const DefaultRefreshPath = "/auth/refresh"

// Option configures a Gateway.
type Option func(*Gateway)

// WithBaseURL sets the URL relative paths are joined to. Empty keeps paths as-is.
func WithBaseURL(baseURL string) Option {
	return func(g *Gateway) {
		g.baseURL = baseURL
	}
}

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		if timeout > 0 {
			g.timeout = timeout
		}
	}
}

// WithHTTPClient sets the client used for outbound calls.
// If not provided, a client over http.DefaultTransport is used.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		if client != nil {
			g.client = client
		}
	}
}

// WithRefreshPath overrides DefaultRefreshPath.
func WithRefreshPath(path string) Option {
	return func(g *Gateway) {
		if path != "" {
			g.refreshPath = path
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithSessionListener registers fn to be called with the new pair after a
// successful refresh, and with an empty pair after session teardown. fn runs
// before the triggering request returns and must not call back into the Gateway.
func WithSessionListener(fn func(tokenstore.TokenPair)) Option {
	return func(g *Gateway) {
		if fn != nil {
			g.listeners = append(g.listeners, fn)
		}
	}
}

// request is the per-call state assembled from RequestOptions.
type request struct {
	method    string
	header    http.Header
	body      []byte
	anonymous bool
	err       error
}

// RequestOption configures a single call to Do.
type RequestOption func(*request)

// WithMethod sets the HTTP method. Defaults to GET, or POST when a body is set.
func WithMethod(method string) RequestOption {
	return func(r *request) {
		r.method = method
	}
}

// WithHeader sets a request header, overriding the gateway defaults. Setting
// Authorization disables token attachment and refresh for the call.
func WithHeader(key, value string) RequestOption {
	return func(r *request) {
		r.header.Set(key, value)
	}
}

// WithBody sends body with the given content type. An empty content type
// leaves Content-Type unset.
func WithBody(contentType string, body []byte) RequestOption {
	return func(r *request) {
		r.body = body
		if contentType != "" {
			r.header.Set("Content-Type", contentType)
		}
	}
}

// WithJSON sends v encoded as JSON.
func WithJSON(v any) RequestOption {
	return func(r *request) {
		data, err := json.Marshal(v)
		if err != nil {
			r.err = fmt.Errorf("encoding JSON body: %w", err)
			return
		}
		WithBody("application/json", data)(r)
	}
}

// WithForm sends values form-encoded.
func WithForm(values url.Values) RequestOption {
	return WithBody("application/x-www-form-urlencoded", []byte(values.Encode()))
}

// File is one file part of a multipart upload.
type File struct {
	Field       string
	Name        string
	ContentType string // defaults to application/octet-stream
	Data        []byte
}

// WithMultipart sends fields and files as multipart/form-data (photo and voice uploads).
func WithMultipart(fields map[string]string, files ...File) RequestOption {
	return func(r *request) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)

		for name, value := range fields {
			if err := mw.WriteField(name, value); err != nil {
				r.err = fmt.Errorf("writing form field %s: %w", name, err)
				return
			}
		}
		for _, f := range files {
			contentType := f.ContentType
			if contentType == "" {
				contentType = "application/octet-stream"
			}
			h := make(textproto.MIMEHeader)
			h.Set("Content-Disposition", multipart.FileContentDisposition(f.Field, f.Name))
			h.Set("Content-Type", contentType)
			part, err := mw.CreatePart(h)
			if err != nil {
				r.err = fmt.Errorf("creating form file %s: %w", f.Field, err)
				return
			}
			if _, err := part.Write(f.Data); err != nil {
				r.err = fmt.Errorf("writing form file %s: %w", f.Field, err)
				return
			}
		}
		if err := mw.Close(); err != nil {
			r.err = fmt.Errorf("finalizing multipart body: %w", err)
			return
		}

		WithBody(mw.FormDataContentType(), buf.Bytes())(r)
	}
}

// WithAnonymous sends the call without stored credentials. Anonymous calls
// never trigger a refresh.
func WithAnonymous() RequestOption {
	return func(r *request) {
		r.anonymous = true
	}
}
