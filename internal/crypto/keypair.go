package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrKeyExchange is returned when a wrapped session key cannot be unwrapped,
// or unwraps to something other than a 32-byte key.
var ErrKeyExchange = errors.New("key exchange failed")

const (
	privateKeyFile = "rsa_private_key.pem"
	publicKeyFile  = "rsa_public_key.pem"
	keyBits        = 2048
)

// KeyManager holds the process-wide RSA keypair used to unwrap client session
// keys. The keypair is generated once and persisted so that public keys
// handed to peers remain valid across restarts.
type KeyManager struct {
	private   *rsa.PrivateKey
	publicPEM string
}

// NewKeyManager loads the keypair from dir, generating and persisting a new
// one if none exists.
func NewKeyManager(dir string) (*KeyManager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}

	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)

	if km, err := loadKeyPair(privPath); err == nil {
		return km, nil
	}

	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	km := &KeyManager{private: priv}
	if km.publicPEM, err = encodePublicPEM(&priv.PublicKey); err != nil {
		return nil, err
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(km.publicPEM), 0o644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}

	return km, nil
}

func loadKeyPair(privPath string) (*KeyManager, error) {
	data, err := os.ReadFile(privPath)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in private key file")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}

	km := &KeyManager{private: priv}
	if km.publicPEM, err = encodePublicPEM(&priv.PublicKey); err != nil {
		return nil, err
	}
	return km, nil
}

func encodePublicPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// PublicKeyPEM returns the PEM-encoded public key pushed to peers.
func (km *KeyManager) PublicKeyPEM() string {
	return km.publicPEM
}

// Unwrap decrypts a base64, RSA-OAEP (SHA-256) encrypted session key. The
// decrypted plaintext must be exactly 32 bytes.
func (km *KeyManager) Unwrap(wrapped string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrKeyExchange)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, km.private, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyExchange, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: unwrapped key is %d bytes, want %d", ErrKeyExchange, len(key), KeySize)
	}
	return key, nil
}

// Wrap encrypts a session key under the manager's public key, producing the
// blob a peer would send in a key_exchange frame.
func (km *KeyManager) Wrap(key []byte) (string, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &km.private.PublicKey, key, nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}
