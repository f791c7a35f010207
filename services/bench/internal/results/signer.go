package results

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

// Signer signs and verifies archive manifests with an Ed25519 key pair
// derived from an age secret key.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// NewSignerFromFile reads an age secret key ("AGE-SECRET-KEY-1...") from the
// given file and derives the signing key pair from its seed.
func NewSignerFromFile(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	return NewSigner(strings.TrimSpace(string(data)))
}

// NewSigner derives a signing key pair from an age secret key string.
func NewSigner(secret string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("empty signing key")
	}

	seed, err := decodeAgeSecretKey(secret)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}

	privateKey := ed25519.NewKeyFromSeed(seed)
	s := &Signer{
		privateKey: privateKey,
		publicKey:  ed25519.PublicKey(privateKey[ed25519.SeedSize:]),
	}

	if identity, err := age.ParseX25519Identity(secret); err == nil {
		if r := identity.Recipient(); r != nil {
			s.recipient = r.String()
		}
	}
	return s, nil
}

// NewVerifier builds a Signer that can only verify, from a base64-encoded
// Ed25519 public key.
func NewVerifier(publicKeyBase64 string) (*Signer, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(publicKeyBase64))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must decode to %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
	}
	return &Signer{publicKey: ed25519.PublicKey(decoded)}, nil
}

// Sign produces a base64-encoded Ed25519 signature for the payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil {
		return "", errors.New("nil signer")
	}
	if len(s.privateKey) == 0 {
		return "", errors.New("signer configured without private key")
	}
	sig := ed25519.Sign(s.privateKey, payload)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature against the payload. When the manifest
// embeds its signing public key, it must match the configured one.
func (s *Signer) Verify(payload []byte, signature, manifestPublicKey string) error {
	if s == nil {
		return errors.New("nil signer")
	}
	sigBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sigBytes))
	}

	key := s.publicKey
	if manifestPublicKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(manifestPublicKey)
		if err != nil {
			return fmt.Errorf("decode manifest public key: %w", err)
		}
		if len(decoded) != ed25519.PublicKeySize {
			return fmt.Errorf("manifest public key must be %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
		}
		if key != nil && !strings.EqualFold(base64.StdEncoding.EncodeToString(key), manifestPublicKey) {
			return errors.New("manifest signed by unexpected key")
		}
		if key == nil {
			key = ed25519.PublicKey(decoded)
		}
	}

	if key == nil {
		return errors.New("no public key available for verification")
	}
	if !ed25519.Verify(key, payload, sigBytes) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKeyBase64 returns the Ed25519 public key in base64 form.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// Recipient returns the age recipient string for the signing key.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
