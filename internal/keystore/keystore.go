// Package keystore implements spec.md §4.1: load or generate an asymmetric
// key pair, sign arbitrary digests, and export the public key as PEM. It
// abstracts "key on disk" from "key in a hardware security module" behind
// the same Keystore type, grounded on the teacher's small-struct-plus-
// sentinel-errors idiom (internal/errors) rather than any one teacher file,
// since the teacher has no crypto code of its own.
package keystore

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"sync"

	"golang.org/x/crypto/pbkdf2"

	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
)

const (
	pbkdf2Iterations   = 100_000
	pbkdf2KeyLen       = 32
	encryptedBlockType = "ENCRYPTED PRIVATE KEY"
	saltLen            = 16

	// DefaultBits and DefaultExponent match spec.md §4.1's generate() defaults.
	DefaultBits     = 3072
	DefaultExponent = 65537
)

// HSMProvider loads a key object from an HSM/PKCS#11 engine by URI. Real
// engines register themselves via RegisterHSMProvider; none ship with this
// module (the crypto library itself is an external collaborator per
// spec.md §1).
type HSMProvider interface {
	Load(keyURI string) (crypto.Signer, error)
}

var (
	hsmProvidersMu sync.RWMutex
	hsmProviders   = map[string]HSMProvider{}
)

// RegisterHSMProvider makes an HSM engine available to LoadFromHSM under
// the given engine name.
func RegisterHSMProvider(engineName string, p HSMProvider) {
	hsmProvidersMu.Lock()
	defer hsmProvidersMu.Unlock()
	hsmProviders[engineName] = p
}

// Keystore holds at most one loaded or generated private key.
type Keystore struct {
	// static keystores were supplied externally and must never be
	// overwritten by Generate.
	static bool

	mu     sync.RWMutex
	rsaKey *rsa.PrivateKey
	edKey  ed25519.PrivateKey
	hsm    crypto.Signer
}

// New creates an empty keystore. A static keystore rejects Generate with
// StaticKeyError, matching spec.md §4.1.
func New(static bool) *Keystore {
	return &Keystore{static: static}
}

// Load reads a PEM-encoded private key from path. An empty passphrase means
// "not encrypted". A missing file reports NoKey; any other failure reports
// SetupError.
func (ks *Keystore) Load(path, passphrase string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mendererrors.New(mendererrors.KindNoKey, "key file does not exist: "+path)
		}
		return mendererrors.Wrap(mendererrors.KindSetup, err, "reading key file "+path)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return mendererrors.New(mendererrors.KindSetup, "no PEM block found in "+path)
	}

	der := block.Bytes
	if block.Type == encryptedBlockType {
		if passphrase == "" {
			return mendererrors.New(mendererrors.KindSetup, "key is encrypted but no passphrase was supplied")
		}
		der, err = decryptDER(der, passphrase)
		if err != nil {
			return mendererrors.Wrap(mendererrors.KindSetup, err, "decrypting private key (wrong passphrase or corrupt file)")
		}
	}

	if err := ks.parseDER(der); err != nil {
		return mendererrors.Wrap(mendererrors.KindSetup, err, "parsing private key")
	}
	return nil
}

func (ks *Keystore) parseDER(der []byte) error {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		ks.mu.Lock()
		ks.rsaKey, ks.edKey, ks.hsm = key, nil, nil
		ks.mu.Unlock()
		return nil
	}

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return errors.New("unrecognized private key encoding (expected PKCS1 or PKCS8)")
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		ks.mu.Lock()
		ks.rsaKey, ks.edKey, ks.hsm = k, nil, nil
		ks.mu.Unlock()
	case ed25519.PrivateKey:
		ks.mu.Lock()
		ks.edKey, ks.rsaKey, ks.hsm = k, nil, nil
		ks.mu.Unlock()
	default:
		return errors.New("unsupported private key type in PKCS8 container")
	}
	return nil
}

// LoadFromHSM selects an HSM/PKCS#11 provider by name and loads the
// referenced key object.
func (ks *Keystore) LoadFromHSM(engineName, keyURI string) error {
	hsmProvidersMu.RLock()
	provider, ok := hsmProviders[engineName]
	hsmProvidersMu.RUnlock()

	if !ok {
		return mendererrors.Newf(mendererrors.KindSetup, "no HSM provider registered for engine %q", engineName)
	}

	signer, err := provider.Load(keyURI)
	if err != nil {
		return mendererrors.Wrap(mendererrors.KindSetup, err, "loading key from HSM engine "+engineName)
	}

	ks.mu.Lock()
	ks.hsm, ks.rsaKey, ks.edKey = signer, nil, nil
	ks.mu.Unlock()
	return nil
}

// Generate creates a new RSA key pair. Only the default public exponent
// (65537) is supported. Fails with StaticKeyError on a static keystore.
func (ks *Keystore) Generate(bits, exponent int) error {
	if ks.static {
		return mendererrors.New(mendererrors.KindStaticKey, "cannot regenerate a static keystore")
	}
	if bits == 0 {
		bits = DefaultBits
	}
	if exponent == 0 {
		exponent = DefaultExponent
	}
	if exponent != DefaultExponent {
		return mendererrors.Newf(mendererrors.KindSetup, "unsupported RSA public exponent %d (only %d is supported)", exponent, DefaultExponent)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return mendererrors.Wrap(mendererrors.KindSetup, err, "generating RSA key")
	}

	ks.mu.Lock()
	ks.rsaKey, ks.edKey, ks.hsm = key, nil, nil
	ks.mu.Unlock()
	return nil
}

// Save writes a PEM-encoded private key: PKCS1 for RSA, PKCS8 otherwise. A
// non-empty passphrase wraps the DER in AES-256-GCM keyed by PBKDF2-SHA256.
func (ks *Keystore) Save(path, passphrase string) error {
	der, blockType, err := ks.marshalDER()
	if err != nil {
		return err
	}

	if passphrase != "" {
		der, err = encryptDER(der, passphrase)
		if err != nil {
			return mendererrors.Wrap(mendererrors.KindSetup, err, "encrypting private key")
		}
		blockType = encryptedBlockType
	}

	block := &pem.Block{Type: blockType, Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return mendererrors.Wrap(mendererrors.KindSetup, err, "writing key file "+path)
	}
	return nil
}

func (ks *Keystore) marshalDER() (der []byte, blockType string, err error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	switch {
	case ks.rsaKey != nil:
		return x509.MarshalPKCS1PrivateKey(ks.rsaKey), "RSA PRIVATE KEY", nil
	case ks.edKey != nil:
		der, err := x509.MarshalPKCS8PrivateKey(ks.edKey)
		if err != nil {
			return nil, "", mendererrors.Wrap(mendererrors.KindSetup, err, "marshaling Ed25519 key")
		}
		return der, "PRIVATE KEY", nil
	default:
		return nil, "", mendererrors.New(mendererrors.KindNoKey, "no key loaded or generated")
	}
}

// PublicPEM exports the public key as a PEM-encoded SubjectPublicKeyInfo.
func (ks *Keystore) PublicPEM() (string, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	var pub interface{}
	switch {
	case ks.rsaKey != nil:
		pub = &ks.rsaKey.PublicKey
	case ks.edKey != nil:
		pub = ks.edKey.Public()
	case ks.hsm != nil:
		pub = ks.hsm.Public()
	default:
		return "", mendererrors.New(mendererrors.KindNoKey, "no key loaded or generated")
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", mendererrors.Wrap(mendererrors.KindSetup, err, "marshaling public key")
	}

	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// Sign produces a raw signature over digest. RSA keys sign PKCS1v15 over
// SHA-256 (digest is expected to already be the SHA-256 sum); Ed25519 keys
// sign digest directly with no internal pre-hash, per spec.md §4.1.
func (ks *Keystore) Sign(digest []byte) ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	switch {
	case ks.rsaKey != nil:
		sig, err := rsa.SignPKCS1v15(rand.Reader, ks.rsaKey, crypto.SHA256, digest)
		if err != nil {
			return nil, mendererrors.Wrap(mendererrors.KindVerification, err, "signing with RSA key")
		}
		return sig, nil
	case ks.edKey != nil:
		return ed25519.Sign(ks.edKey, digest), nil
	case ks.hsm != nil:
		sig, err := ks.hsm.Sign(rand.Reader, digest, crypto.SHA256)
		if err != nil {
			return nil, mendererrors.Wrap(mendererrors.KindVerification, err, "signing with HSM key")
		}
		return sig, nil
	default:
		return nil, mendererrors.New(mendererrors.KindNoKey, "no key loaded or generated")
	}
}

func encryptDER(der []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, der, nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

func decryptDER(data []byte, passphrase string) ([]byte, error) {
	if len(data) < saltLen+12 {
		return nil, errors.New("encrypted key data too short")
	}
	salt := data[:saltLen]

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonceEnd := saltLen + gcm.NonceSize()
	if len(data) < nonceEnd {
		return nil, errors.New("encrypted key data too short")
	}
	nonce := data[saltLen:nonceEnd]
	ciphertext := data[nonceEnd:]

	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
