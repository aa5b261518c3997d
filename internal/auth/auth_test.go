package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mendersoftware/mender-sub010/internal/identity"
	"github.com/mendersoftware/mender-sub010/internal/keystore"
)

func newTestKeystore(t *testing.T) *keystore.Keystore {
	t.Helper()
	ks := keystore.New(false)
	if err := ks.Generate(2048, keystore.DefaultExponent); err != nil {
		t.Fatalf("Generate() unexpected error = %v", err)
	}
	return ks
}

func newTestIdentityScript(t *testing.T, output string) *identity.Collector {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity.sh")
	script := "#!/bin/sh\nprintf '" + output + "'\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing identity script: %v", err)
	}
	return identity.New(path)
}

// TestWithToken_HappyPath covers scenario S1: the identity script emits two
// keys, the server accepts any POST to the auth path and returns a bare
// JWT, and a subsequent WithToken call does not issue a second request.
func TestWithToken_HappyPath(t *testing.T) {
	var requestCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		if r.URL.Path != AuthRequestsPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-MEN-Signature") == "" {
			t.Error("missing X-MEN-Signature header")
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("FOOBARJWTTOKEN"))
	}))
	defer srv.Close()

	a := New(Config{
		ServerURL: srv.URL,
		Keystore:  newTestKeystore(t),
		Identity:  newTestIdentityScript(t, "key1=value1\nkey2=value2\n"),
	})
	defer a.Close()

	done := make(chan struct{})
	a.WithToken(func(ad AuthData, err error) {
		defer close(done)
		if err != nil {
			t.Errorf("WithToken() unexpected error = %v", err)
			return
		}
		if string(ad.Token) != "FOOBARJWTTOKEN" {
			t.Errorf("Token = %q, want %q", ad.Token, "FOOBARJWTTOKEN")
		}
	})
	<-done

	done2 := make(chan struct{})
	a.WithToken(func(ad AuthData, err error) {
		defer close(done2)
		if err != nil {
			t.Errorf("second WithToken() unexpected error = %v", err)
		}
	})
	<-done2

	if got := atomic.LoadInt32(&requestCount); got != 1 {
		t.Errorf("server saw %d auth requests, want exactly 1", got)
	}
}

// TestWithToken_ConcurrentCallersShareOneFetch is Testable Property 1:
// for any interleaving of N concurrent WithToken calls starting with no
// cached token, exactly one outbound auth request is issued and all N
// callbacks receive the same token.
func TestWithToken_ConcurrentCallersShareOneFetch(t *testing.T) {
	var requestCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("SHAREDTOKEN"))
	}))
	defer srv.Close()

	a := New(Config{
		ServerURL: srv.URL,
		Keystore:  newTestKeystore(t),
		Identity:  newTestIdentityScript(t, "key=value\n"),
	})
	defer a.Close()

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			done := make(chan struct{})
			a.WithToken(func(ad AuthData, err error) {
				defer close(done)
				if err != nil {
					t.Errorf("WithToken() unexpected error = %v", err)
					return
				}
				if string(ad.Token) != "SHAREDTOKEN" {
					t.Errorf("Token = %q, want %q", ad.Token, "SHAREDTOKEN")
				}
			})
			<-done
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&requestCount); got != 1 {
		t.Errorf("server saw %d auth requests, want exactly 1", got)
	}
}

func TestExpireToken_ForcesRefetch(t *testing.T) {
	var requestCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("TOKEN"))
	}))
	defer srv.Close()

	a := New(Config{
		ServerURL: srv.URL,
		Keystore:  newTestKeystore(t),
		Identity:  newTestIdentityScript(t, "key=value\n"),
	})
	defer a.Close()

	await := func() {
		done := make(chan struct{})
		a.WithToken(func(AuthData, error) { close(done) })
		<-done
	}

	await()
	a.ExpireToken()
	await()

	if got := atomic.LoadInt32(&requestCount); got != 2 {
		t.Errorf("server saw %d auth requests, want exactly 2 after ExpireToken", got)
	}
}

func TestWithToken_AuthFailurePropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("server exploded"))
	}))
	defer srv.Close()

	a := New(Config{
		ServerURL: srv.URL,
		Keystore:  newTestKeystore(t),
		Identity:  newTestIdentityScript(t, "key=value\n"),
	})
	defer a.Close()

	done := make(chan struct{})
	a.WithToken(func(ad AuthData, err error) {
		defer close(done)
		if err == nil {
			t.Error("WithToken() error = nil, want non-nil")
		}
	})
	<-done
}
