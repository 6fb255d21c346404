package chain

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrNoPrivateKey      = errors.New("no signing key configured")
	ErrInvalidKey        = errors.New("invalid key, expected ed25519 seed")
	ErrSignatureMismatch = errors.New("signature does not match digest")
	ErrNoPublicKey       = errors.New("no verification key available")
)

// Signer signs event digests with a deployment-held ed25519 key.
// Signature verification uses the paired public key and is independent
// of chain verification.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewSigner builds a signer from a base64-encoded ed25519 seed.
func NewSigner(seedB64, keyID string) (*Signer, error) {
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidKey
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
		keyID: keyID,
	}, nil
}

// GenerateSigner mints a fresh keypair. Used by tests and dev mode.
func GenerateSigner(keyID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Signer{priv: priv, pub: pub, keyID: keyID}, nil
}

// KeyID names the key so verifiers can locate the right public key.
func (s *Signer) KeyID() string { return s.keyID }

// Sign signs the hex-encoded digest and returns a base64 signature.
func (s *Signer) Sign(hexDigest string) (string, error) {
	if s.priv == nil {
		return "", ErrNoPrivateKey
	}
	digest, err := hex.DecodeString(hexDigest)
	if err != nil {
		return "", fmt.Errorf("decode digest: %w", err)
	}
	sig := ed25519.Sign(s.priv, digest)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature over the hex-encoded digest.
func (s *Signer) Verify(hexDigest, sigB64 string) error {
	if s.pub == nil {
		return ErrNoPublicKey
	}
	digest, err := hex.DecodeString(hexDigest)
	if err != nil {
		return fmt.Errorf("decode digest: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(s.pub, digest, sig) {
		return ErrSignatureMismatch
	}
	return nil
}
