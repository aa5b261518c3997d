package proxy

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// wsTunnel is the lifetime of one client<->backend WebSocket relay
// (spec.md §3 WsTunnel). Each connection has its own write mutex so a
// forwarder goroutine never races the close frame that closeAllTunnels
// writes to the same connection during Stop — the same write-mutex discipline the teacher applies
// to its single outbound WebSocket in writePump, generalized here to two
// independent connections instead of one.
type wsTunnel struct {
	client *websocket.Conn
	server *websocket.Conn

	clientWriteMu sync.Mutex
	serverWriteMu sync.Mutex

	closeOnce sync.Once
}

// deviceConnectHandler upgrades /api/devices/v1/deviceconnect/connect,
// dialing the backend first and only then upgrading the client — if the
// backend dial fails, the client never sees a successful upgrade
// (spec.md §4.4).
func (p *Proxy) deviceConnectHandler(w http.ResponseWriter, r *http.Request) {
	if err := p.checkAuthorization(r); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	p.wsMu.Lock()
	if len(p.wsConns) >= maxWsTunnels {
		p.wsMu.Unlock()
		http.Error(w, "too many concurrent WebSocket tunnels", http.StatusServiceUnavailable)
		return
	}
	p.wsMu.Unlock()

	backend, _ := p.getBackend()
	backendWsURL := strings.Replace(backend, "http://", "ws://", 1)
	backendWsURL = strings.Replace(backendWsURL, "https://", "wss://", 1)
	backendWsURL += deviceConnectPath

	dialHeader := make(http.Header)
	for k, v := range r.Header {
		if headersNotForwarded[http.CanonicalHeaderKey(k)] {
			continue
		}
		dialHeader[k] = v
	}

	serverConn, backendResp, err := p.wsDialer.Dial(backendWsURL, dialHeader)
	if err != nil {
		if backendResp != nil {
			for k, v := range backendResp.Header {
				for _, vv := range v {
					w.Header().Add(k, vv)
				}
			}
			w.WriteHeader(backendResp.StatusCode)
			return
		}
		http.Error(w, "backend unreachable", http.StatusServiceUnavailable)
		return
	}

	upgradeHeader := http.Header{}
	if proto := backendResp.Header.Get("Sec-Websocket-Protocol"); proto != "" {
		upgradeHeader.Set("Sec-Websocket-Protocol", proto)
	}
	if cookie := backendResp.Header.Get("Set-Cookie"); cookie != "" {
		upgradeHeader.Set("Set-Cookie", cookie)
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	if proto := backendResp.Header.Get("Sec-Websocket-Protocol"); proto != "" {
		upgrader.Subprotocols = []string{proto}
	}

	clientConn, err := upgrader.Upgrade(w, r, upgradeHeader)
	if err != nil {
		serverConn.Close()
		return
	}

	tunnel := &wsTunnel{client: clientConn, server: serverConn}

	p.wsMu.Lock()
	p.wsConns[tunnel] = struct{}{}
	p.wsMu.Unlock()

	go p.forward(tunnel, tunnel.client, tunnel.server, &tunnel.serverWriteMu)
	go p.forward(tunnel, tunnel.server, tunnel.client, &tunnel.clientWriteMu)
}

// forward reads frames from src and relays them to dst, serialized by
// dstWriteMu. On a read error it sends a close frame to dst (preserving
// the original close code when one is present) and tears the tunnel down.
func (p *Proxy) forward(tunnel *wsTunnel, src, dst *websocket.Conn, dstWriteMu *sync.Mutex) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			code := websocket.CloseNormalClosure
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
			}
			dstWriteMu.Lock()
			dst.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
			dstWriteMu.Unlock()
			p.removeTunnel(tunnel)
			return
		}

		dstWriteMu.Lock()
		writeErr := dst.WriteMessage(msgType, data)
		dstWriteMu.Unlock()
		if writeErr != nil {
			p.removeTunnel(tunnel)
			return
		}
	}
}

func (p *Proxy) removeTunnel(tunnel *wsTunnel) {
	tunnel.closeOnce.Do(func() {
		p.wsMu.Lock()
		delete(p.wsConns, tunnel)
		p.wsMu.Unlock()
		tunnel.client.Close()
		tunnel.server.Close()
	})
}

// closeAllTunnels sends a normal-closure frame in both directions of every
// active tunnel and tears them down — spec.md §4.4 "stop() closes all
// WebSocket tunnels".
func (p *Proxy) closeAllTunnels() {
	p.wsMu.Lock()
	tunnels := make([]*wsTunnel, 0, len(p.wsConns))
	for t := range p.wsConns {
		tunnels = append(tunnels, t)
	}
	p.wsMu.Unlock()

	for _, t := range tunnels {
		t.clientWriteMu.Lock()
		t.client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.clientWriteMu.Unlock()

		t.serverWriteMu.Lock()
		t.server.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.serverWriteMu.Unlock()

		p.removeTunnel(t)
	}
}
