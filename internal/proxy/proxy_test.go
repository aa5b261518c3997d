package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// TestCheckAuthorization_ExactMatch is Testable Property 3.
func TestCheckAuthorization_ExactMatch(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	p, err := New(nil, nil, backend.URL, "T")
	if err != nil {
		t.Fatalf("New() unexpected error = %v", err)
	}
	defer p.Stop()

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"exact bearer", "Bearer T", http.StatusNoContent},
		{"exact lowercase bearer verb", "bearer T", http.StatusNoContent},
		{"trailing space", "Bearer T ", http.StatusUnauthorized},
		{"no space", "BearerT", http.StatusUnauthorized},
		{"wrong verb", "Something T", http.StatusUnauthorized},
		{"different case on token", "Bearer t", http.StatusUnauthorized},
		{"other token", "Bearer OtherToken", http.StatusUnauthorized},
		{"empty header", "", http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, p.GetServerURL()+"/api/devices/v1/something", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestAuthPathHandler_AlwaysForbidden(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	p, err := New(nil, nil, backend.URL, "T")
	if err != nil {
		t.Fatalf("New() unexpected error = %v", err)
	}
	defer p.Stop()

	req, _ := http.NewRequest(http.MethodGet, p.GetServerURL()+"/api/devices/v1/authentication/auth_requests", nil)
	req.Header.Set("Authorization", "Bearer T")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestDevicesHandler_ForwardsHeadersBothWays(t *testing.T) {
	var sawAuth string
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		w.Header().Set("X-MEN", "something from the server")
		w.WriteHeader(http.StatusOK)
	})

	p, err := New(nil, nil, backend.URL, "Beaver")
	if err != nil {
		t.Fatalf("New() unexpected error = %v", err)
	}
	defer p.Stop()

	req, _ := http.NewRequest(http.MethodGet, p.GetServerURL()+"/api/devices/v1/whatever", nil)
	req.Header.Set("Authorization", "Bearer Beaver")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if sawAuth != "Bearer Beaver" {
		t.Errorf("backend saw Authorization = %q, want %q", sawAuth, "Bearer Beaver")
	}
	if got := resp.Header.Get("X-MEN"); got != "something from the server" {
		t.Errorf("client saw X-MEN = %q, want %q", got, "something from the server")
	}
}

func TestDevicesHandler_BackendUnreachable(t *testing.T) {
	p, err := New(nil, nil, "http://127.0.0.1:1", "T")
	if err != nil {
		t.Fatalf("New() unexpected error = %v", err)
	}
	defer p.Stop()

	req, _ := http.NewRequest(http.MethodGet, p.GetServerURL()+"/api/devices/v1/x", nil)
	req.Header.Set("Authorization", "Bearer T")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func wsBackend(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	})
}

// TestWsTunnelCap is Testable Property 4: after one successful upgrade, a
// second attempt yields 503.
func TestWsTunnelCap(t *testing.T) {
	backend := wsBackend(t)
	p, err := New(nil, nil, backend.URL, "T")
	if err != nil {
		t.Fatalf("New() unexpected error = %v", err)
	}
	defer p.Stop()

	wsURL := "ws://" + p.GetServerURL()[len("http://"):] + deviceConnectPath
	header := http.Header{"Authorization": []string{"Bearer T"}}

	conn1, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("first dial failed: %v", err)
	}
	defer conn1.Close()

	_, resp2, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("second dial succeeded, want failure (capacity 1)")
	}
	if resp2 == nil || resp2.StatusCode != http.StatusServiceUnavailable {
		status := -1
		if resp2 != nil {
			status = resp2.StatusCode
		}
		t.Errorf("second dial status = %d, want 503", status)
	}
}

// TestStopClosesTunnels is Testable Property 5.
func TestStopClosesTunnels(t *testing.T) {
	backend := wsBackend(t)
	p, err := New(nil, nil, backend.URL, "T")
	if err != nil {
		t.Fatalf("New() unexpected error = %v", err)
	}

	wsURL := "ws://" + p.GetServerURL()[len("http://"):] + deviceConnectPath
	header := http.Header{"Authorization": []string{"Bearer T"}}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	closed := make(chan struct{})
	conn.SetCloseHandler(func(code int, text string) error {
		close(closed)
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() unexpected error = %v", err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe a close frame after Stop()")
	}
}
