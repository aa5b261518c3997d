// Package proxy implements the Local Reverse Proxy of spec.md §4.4: a
// loopback HTTP endpoint that lets on-device clients reach the server
// without themselves holding credentials, brokering their requests with
// the daemon's own JWT and tunneling a single WebSocket connection.
//
// Routing is grounded on dexidp-dex's server.go use of
// gorilla/mux.NewRouter with PathPrefix handlers; the WebSocket forwarder
// halves are adapted from the teacher's readPump/writePump single-writer
// pattern in docker-agent/main.go, generalized from one persistent
// agent-to-control-plane connection to a pool-of-one client-to-backend
// tunnel with a per-direction write mutex.
package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
)

const (
	authPathPrefix   = "/api/devices/v1/authentication/"
	devicesPathPrefix = "/api/devices/"
	deviceConnectPath = "/api/devices/v1/deviceconnect/connect"

	maxWsTunnels   = 1
	shutdownGrace  = 5 * time.Second
)

// headersNotForwarded are stripped from the client's upgrade request before
// it is replayed against the backend — gorilla/websocket's Dialer sets
// these itself and will refuse a header map that already carries them.
var headersNotForwarded = map[string]bool{
	"Sec-Websocket-Key":     true,
	"Sec-Websocket-Version": true,
	"Upgrade":               true,
	"Connection":            true,
}

// Proxy is the local reverse proxy described in spec.md §4.4.
type Proxy struct {
	httpClient *http.Client
	wsDialer   *websocket.Dialer

	mu       sync.Mutex
	backend  string
	jwt      string
	listener net.Listener
	server   *http.Server
	running  bool

	wsMu    sync.Mutex
	wsConns map[*wsTunnel]struct{}
}

// New builds a Proxy. If both backend and jwt are non-empty, it binds a
// fresh ephemeral loopback listener and starts serving immediately;
// otherwise it returns an un-started instance (spec.md §4.4).
func New(httpClient *http.Client, wsDialer *websocket.Dialer, backend, jwt string) (*Proxy, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if wsDialer == nil {
		wsDialer = websocket.DefaultDialer
	}
	p := &Proxy{
		httpClient: httpClient,
		wsDialer:   wsDialer,
		backend:    backend,
		jwt:        jwt,
		wsConns:    make(map[*wsTunnel]struct{}),
	}
	if backend != "" && jwt != "" {
		if err := p.Start(); err != nil {
			return nil, err
		}
	}

	// Finalizer backstop (spec.md §5): if the owner drops the Proxy while
	// it is still running, Stop still fires instead of leaking the
	// listener and any open tunnels.
	runtime.SetFinalizer(p, (*Proxy).finalize)
	return p, nil
}

func (p *Proxy) finalize() {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if running {
		p.Stop()
	}
}

// Reconfigure changes the backend and jwt. Legal only while stopped
// (spec.md §4.4/§5); opens a new ephemeral listener on the next Start.
func (p *Proxy) Reconfigure(backend, jwt string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return mendererrors.New(mendererrors.KindProgrammingError, "cannot reconfigure a running proxy; call Stop first")
	}
	p.backend = backend
	p.jwt = jwt
	return nil
}

// GetServerURL returns http://127.0.0.1:<port> while running, or "" when
// stopped.
func (p *Proxy) GetServerURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.listener == nil {
		return ""
	}
	return "http://" + p.listener.Addr().String()
}

// Start binds a fresh ephemeral loopback listener and begins serving.
// Idempotent: calling Start on an already-running proxy is a no-op.
func (p *Proxy) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return mendererrors.Wrap(mendererrors.KindSetup, err, "binding local proxy listener")
	}

	router := mux.NewRouter()
	router.PathPrefix(authPathPrefix).HandlerFunc(p.authPathHandler)
	router.Path(deviceConnectPath).HandlerFunc(p.deviceConnectHandler)
	router.PathPrefix(devicesPathPrefix).HandlerFunc(p.devicesHandler)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	p.listener = ln
	p.server = &http.Server{Handler: router}
	p.running = true

	go p.server.Serve(ln)
	return nil
}

// Stop closes every active WebSocket tunnel (sending a normal-closure frame
// in each direction) and shuts the HTTP server down with a 5-second grace
// period. Idempotent.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	server := p.server
	p.running = false
	p.server = nil
	p.listener = nil
	p.mu.Unlock()

	p.closeAllTunnels()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return mendererrors.Wrap(mendererrors.KindSetup, err, "shutting down local proxy server")
	}
	return nil
}

func (p *Proxy) getBackend() (backend, jwt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backend, p.jwt
}

// authPathHandler answers every /api/devices/v1/authentication/ request
// with 403: authentication is exclusively the daemon's responsibility
// (spec.md §4.4, and §9 Open Question 3's "strict implementation" reading).
func (p *Proxy) authPathHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "authentication is handled by the authenticator daemon, not the proxy", http.StatusForbidden)
}

// devicesHandler forwards /api/devices/... requests to the backend,
// substituting scheme and host and copying headers/body verbatim.
func (p *Proxy) devicesHandler(w http.ResponseWriter, r *http.Request) {
	if err := p.checkAuthorization(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	backend, _ := p.getBackend()
	backendURL, err := url.Parse(backend)
	if err != nil {
		http.Error(w, "proxy misconfigured", http.StatusServiceUnavailable)
		return
	}

	rp := httputil.NewSingleHostReverseProxy(backendURL)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		http.Error(w, "backend unreachable", http.StatusServiceUnavailable)
	}
	rp.ServeHTTP(w, r)
}

// checkAuthorization implements spec.md §4.4's exact-match bearer check.
func (p *Proxy) checkAuthorization(r *http.Request) error {
	_, configuredJWT := p.getBackend()
	if configuredJWT == "" {
		return mendererrors.New(mendererrors.KindUnauthorized, "authmanager not authorized yet")
	}

	header := r.Header.Get("Authorization")
	const prefixLen = len("bearer ")
	if len(header) <= prefixLen || header[prefixLen-1] != ' ' {
		return mendererrors.New(mendererrors.KindUnauthorized, "malformed Authorization header")
	}
	verb := header[:prefixLen-1]
	if !strings.EqualFold(verb, "bearer") {
		return mendererrors.New(mendererrors.KindUnauthorized, "malformed Authorization header")
	}
	token := header[prefixLen:]
	// Reject a second space (e.g. "Bearer  T" or "Bearer T ") — spec.md
	// §4.4 requires exactly one space between verb and token.
	if strings.ContainsAny(token, " ") {
		return mendererrors.New(mendererrors.KindUnauthorized, "malformed Authorization header")
	}
	if token != configuredJWT {
		return mendererrors.New(mendererrors.KindUnauthorized, "token mismatch")
	}
	return nil
}
