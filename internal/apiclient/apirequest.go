// Package apiclient layers authentication and transparent re-authentication
// over a plain HTTP client (spec.md §4.3), re-architected per spec.md §9's
// "Inheritance" strategy: APIRequest composes an OutgoingRequest plus an
// auth stamper rather than subtyping one, and the callback-pyramid retry
// flow becomes a linear sequence of named handler wrappers.
package apiclient

import (
	"bytes"
	"io"
	"net/http"

	"github.com/mendersoftware/mender-sub010/internal/auth"
	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
)

// APIRequest is an outgoing HTTP request whose authority and bearer token
// are derived exclusively from an auth.AuthData, never set directly
// (spec.md §3 — SetAddress is a programming error).
type APIRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte

	address string // scheme://host, filled in only by setAuthData
	token   auth.Token
}

// NewAPIRequest builds a request for path; the server address is filled in
// later from the Authenticator's AuthData.
func NewAPIRequest(method, path string, body []byte) *APIRequest {
	return &APIRequest{
		Method: method,
		Path:   path,
		Header: make(http.Header),
		Body:   body,
	}
}

// SetPath changes the request path independently of its authority.
func (r *APIRequest) SetPath(path string) {
	r.Path = path
}

// SetAddress is forbidden: authority derives exclusively from AuthData.
// Calling it is a programming error, per spec.md §3.
func (r *APIRequest) SetAddress(string) error {
	return mendererrors.ErrSetAddressForbidden
}

// setAuthData stamps the request with the server address and bearer token
// of ad. Unexported: only the Client's retry flow may call it.
func (r *APIRequest) setAuthData(ad auth.AuthData) {
	r.address = ad.ServerURL
	r.token = ad.Token
}

// clone produces an independent copy suitable for a second, reauthenticated
// attempt — the "stand-by copy" of spec.md §4.3 step 2.
func (r *APIRequest) clone() *APIRequest {
	header := make(http.Header, len(r.Header))
	for k, v := range r.Header {
		header[k] = append([]string(nil), v...)
	}
	body := append([]byte(nil), r.Body...)
	return &APIRequest{
		Method:  r.Method,
		Path:    r.Path,
		Header:  header,
		Body:    body,
		address: r.address,
		token:   r.token,
	}
}

func (r *APIRequest) build() (*http.Request, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	httpReq, err := http.NewRequest(r.Method, r.address+r.Path, body)
	if err != nil {
		return nil, mendererrors.Wrap(mendererrors.KindRequest, err, "building API request")
	}
	for k, v := range r.Header {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Authorization", "Bearer "+string(r.token))
	return httpReq, nil
}
