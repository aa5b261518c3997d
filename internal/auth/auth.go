// Package auth implements the Authenticator of spec.md §4.2: the single
// source of truth for a valid JWT, serializing concurrent demand for it.
//
// Re-architected per spec.md §9's "Shared mutable caches" strategy: rather
// than guarding token/auth_in_progress/pending behind a mutex (inviting
// callback re-entrancy), a single goroutine owns all three and communicates
// with callers over channels — the teacher's writeChan/stopChan/doneChan
// single-owner-goroutine pattern in docker-agent/main.go, generalized from
// "one writer to a WebSocket" to "one owner of the cached token".
package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
	"github.com/mendersoftware/mender-sub010/internal/identity"
	"github.com/mendersoftware/mender-sub010/internal/keystore"
)

// AuthRequestsPath is the server endpoint spec.md §4.2/§6 names.
const AuthRequestsPath = "/api/devices/v1/authentication/auth_requests"

// Token is an opaque bearer credential; the client never inspects its
// structure or TTL (spec.md §3 — validity is discovered lazily via 401s).
type Token []byte

// AuthData is what a successful authentication yields: the server to talk
// to plus the token to stamp requests with (spec.md §3).
type AuthData struct {
	ServerURL string
	Token     Token
}

// Action receives the outcome of a token request: either a usable AuthData
// or a non-nil *mendererrors.Error. It is always invoked on its own
// goroutine, never synchronously from inside WithToken — this is what
// spec.md §4.2 calls out as avoiding re-entrancy.
type Action func(AuthData, error)

// Config is the immutable configuration of an Authenticator (spec.md §4.2).
type Config struct {
	ServerURL   string
	Keystore    *keystore.Keystore
	Identity    *identity.Collector
	TenantToken string
	HTTPClient  *http.Client
}

// Authenticator serves as the single source of truth for a valid JWT.
type Authenticator struct {
	cfg Config

	reqCh  chan request
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

type request struct {
	kind   requestKind
	action Action
}

type requestKind int

const (
	kindWithToken requestKind = iota
	kindExpireToken
)

type fetchResult struct {
	authData AuthData
	err      error
}

// New starts the Authenticator's owning goroutine and returns a handle to
// it. Callers must call Close when done to release the goroutine.
func New(cfg Config) *Authenticator {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	a := &Authenticator{
		cfg:    cfg,
		reqCh:  make(chan request),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go a.run()
	return a
}

// WithToken arranges for action to be invoked, exactly once, with the
// current AuthData once one is available. If a token is already cached the
// action is scheduled immediately; otherwise it queues behind any
// in-flight fetch (starting one if none is in flight).
func (a *Authenticator) WithToken(action Action) {
	select {
	case a.reqCh <- request{kind: kindWithToken, action: action}:
	case <-a.doneCh:
		go action(AuthData{}, mendererrors.New(mendererrors.KindSetup, "authenticator is shut down"))
	}
}

// ExpireToken clears the cached token. It does not cancel any fetch
// already in flight; the next WithToken call starts a fresh one.
func (a *Authenticator) ExpireToken() {
	select {
	case a.reqCh <- request{kind: kindExpireToken}:
	case <-a.doneCh:
	}
}

// Close stops the owning goroutine, cancelling any pending actions with an
// aborted error (spec.md §5 "Cancellation").
func (a *Authenticator) Close() {
	a.once.Do(func() {
		close(a.stopCh)
		<-a.doneCh
	})
}

func (a *Authenticator) run() {
	defer close(a.doneCh)

	var token *Token
	var pending []Action
	authInProgress := false
	fetchDone := make(chan fetchResult, 1)

	dispatch := func(ad AuthData, err error) {
		toRun := pending
		pending = nil
		for _, act := range toRun {
			go act(ad, err)
		}
	}

	for {
		select {
		case req := <-a.reqCh:
			switch req.kind {
			case kindWithToken:
				if token != nil {
					ad := AuthData{ServerURL: a.cfg.ServerURL, Token: *token}
					go req.action(ad, nil)
					continue
				}
				pending = append(pending, req.action)
				if !authInProgress {
					authInProgress = true
					go a.fetchToken(fetchDone)
				}
			case kindExpireToken:
				token = nil
			}

		case res := <-fetchDone:
			authInProgress = false
			if res.err != nil {
				token = nil
				dispatch(AuthData{}, res.err)
			} else {
				t := res.authData.Token
				token = &t
				dispatch(res.authData, nil)
			}

		case <-a.stopCh:
			aborted := mendererrors.New(mendererrors.KindSetup, "authenticator shutting down")
			for _, act := range pending {
				go act(AuthData{}, aborted)
			}
			return
		}
	}
}

// fetchToken composes and sends the token-fetch request described in
// spec.md §4.2/§6, reporting the outcome on done.
func (a *Authenticator) fetchToken(done chan<- fetchResult) {
	ad, err := a.doFetch(context.Background())
	done <- fetchResult{authData: ad, err: err}
}

type authRequestBody struct {
	IDData      string `json:"id_data"`
	PubKey      string `json:"pubkey"`
	TenantToken string `json:"tenant_token,omitempty"`
}

func (a *Authenticator) doFetch(ctx context.Context) (AuthData, error) {
	idMap, err := a.cfg.Identity.Collect(ctx)
	if err != nil {
		return AuthData{}, mendererrors.Wrap(mendererrors.KindSetup, err, "collecting device identity")
	}

	pubPEM, err := a.cfg.Keystore.PublicPEM()
	if err != nil {
		return AuthData{}, mendererrors.Wrap(mendererrors.KindSetup, err, "exporting public key")
	}

	body := authRequestBody{
		IDData:      idMap.JSON(),
		PubKey:      pubPEM,
		TenantToken: a.cfg.TenantToken,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return AuthData{}, mendererrors.Wrap(mendererrors.KindSetup, err, "marshaling auth request body")
	}

	digest := sha256.Sum256(payload)
	sig, err := a.cfg.Keystore.Sign(digest[:])
	if err != nil {
		return AuthData{}, mendererrors.Wrap(mendererrors.KindSetup, err, "signing auth request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ServerURL+AuthRequestsPath, bytes.NewReader(payload))
	if err != nil {
		return AuthData{}, mendererrors.Wrap(mendererrors.KindRequest, err, "building auth request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-MEN-Signature", base64.StdEncoding.EncodeToString(sig))

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return AuthData{}, mendererrors.Wrap(mendererrors.KindRequest, err, "sending auth request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return AuthData{}, mendererrors.Wrap(mendererrors.KindResponse, err, "reading auth response")
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return AuthData{ServerURL: a.cfg.ServerURL, Token: Token(respBody)}, nil
	case http.StatusUnauthorized:
		return AuthData{}, mendererrors.Newf(mendererrors.KindUnauthorized, "auth request rejected: %s", string(respBody))
	default:
		return AuthData{}, mendererrors.Newf(mendererrors.KindAPI, "auth request failed with status %d: %s", resp.StatusCode, string(respBody))
	}
}
