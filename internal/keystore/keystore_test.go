package keystore

import (
	"crypto"
	"crypto/sha256"
	"crypto/rsa"
	"path/filepath"
	"strings"
	"testing"

	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
)

func TestLoad_MissingFileIsNoKey(t *testing.T) {
	ks := New(false)
	err := ks.Load(filepath.Join(t.TempDir(), "missing.pem"), "")
	if !mendererrors.Is(err, mendererrors.KindNoKey) {
		t.Fatalf("Load() error = %v, want NoKey", err)
	}
}

func TestGenerate_StaticKeystoreRejects(t *testing.T) {
	ks := New(true)
	err := ks.Generate(DefaultBits, DefaultExponent)
	if !mendererrors.Is(err, mendererrors.KindStaticKey) {
		t.Fatalf("Generate() error = %v, want StaticKey", err)
	}
}

func TestSign_NoKeyLoaded(t *testing.T) {
	ks := New(false)
	if _, err := ks.Sign([]byte("digest")); !mendererrors.Is(err, mendererrors.KindNoKey) {
		t.Fatalf("Sign() error = %v, want NoKey", err)
	}
}

func TestGenerateSaveLoadRoundTrip_Plaintext(t *testing.T) {
	ks := New(false)
	if err := ks.Generate(2048, DefaultExponent); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "key.pem")
	if err := ks.Save(path, ""); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded := New(false)
	if err := loaded.Load(path, ""); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	digest := sha256.Sum256([]byte("hello world"))
	sig, err := loaded.Sign(digest[:])
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	pub, err := loaded.PublicPEM()
	if err != nil {
		t.Fatalf("PublicPEM() error = %v", err)
	}
	if !strings.Contains(pub, "PUBLIC KEY") {
		t.Fatalf("PublicPEM() = %q, want PEM public key block", pub)
	}

	// Verify the signature against the original in-memory key as a sanity check.
	ks.mu.RLock()
	rsaPub := &ks.rsaKey.PublicKey
	ks.mu.RUnlock()
	if err := rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("signature did not verify: %v", err)
	}
}

func TestGenerateSaveLoadRoundTrip_Encrypted(t *testing.T) {
	ks := New(false)
	if err := ks.Generate(2048, DefaultExponent); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "key.pem")
	if err := ks.Save(path, "correct horse battery staple"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Wrong passphrase must fail cleanly, not corrupt state.
	wrong := New(false)
	if err := wrong.Load(path, "wrong passphrase"); err == nil {
		t.Fatal("Load() with wrong passphrase succeeded, want error")
	}

	// Missing passphrase on an encrypted key is a SetupError.
	missing := New(false)
	if err := missing.Load(path, ""); !mendererrors.Is(err, mendererrors.KindSetup) {
		t.Fatalf("Load() without passphrase error = %v, want SetupError", err)
	}

	loaded := New(false)
	if err := loaded.Load(path, "correct horse battery staple"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := loaded.Sign(make([]byte, 32)); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
}

func TestLoadFromHSM_NoProviderRegistered(t *testing.T) {
	ks := New(false)
	err := ks.LoadFromHSM("nonexistent-engine", "key://0")
	if !mendererrors.Is(err, mendererrors.KindSetup) {
		t.Fatalf("LoadFromHSM() error = %v, want SetupError", err)
	}
}
