// Package pqkem provides the ML-KEM-768 post-quantum key-encapsulation
// facade used by the authorization broker exchange. The server side keeps
// a single process-wide keypair, created lazily on first use, matching the
// original implementation's "can't proceed without keys" singleton.
package pqkem

import (
	"fmt"
	"sync"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

var scheme = mlkem768.Scheme()

// PublicKeySize, PrivateKeySize and CiphertextSize mirror the sizes fixed
// by ML-KEM-768, reproduced here as named constants for callers that need
// to size buffers without importing circl directly.
var (
	PublicKeySize  = scheme.PublicKeySize()
	PrivateKeySize = scheme.PrivateKeySize()
	CiphertextSize = scheme.CiphertextSize()
	SharedKeySize  = scheme.SharedKeySize()
)

// KeyPair wraps a decapsulation (private) key and its paired encapsulation
// (public) key.
type KeyPair struct {
	Public  kem.PublicKey
	Private kem.PrivateKey
}

// Generate creates a fresh ML-KEM-768 keypair using the OS CSPRNG.
func Generate() (*KeyPair, error) {
	pk, sk, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("pqkem: generate keypair: %w", err)
	}
	return &KeyPair{Public: pk, Private: sk}, nil
}

// PublicKeyBytes marshals the public key to its wire representation.
func (k *KeyPair) PublicKeyBytes() ([]byte, error) {
	b, err := k.Public.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("pqkem: marshal public key: %w", err)
	}
	return b, nil
}

// ParsePublicKey decodes a wire-format ML-KEM-768 public key.
func ParsePublicKey(b []byte) (kem.PublicKey, error) {
	pk, err := scheme.UnmarshalBinaryPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("pqkem: parse public key: %w", err)
	}
	return pk, nil
}

// Encapsulate generates a fresh shared secret against pk, returning the
// ciphertext to send to the holder of the matching private key alongside
// the shared secret itself. This is the client/broker side of the
// exchange described in SPEC_FULL §4.5.
func Encapsulate(pk kem.PublicKey) (ciphertext, sharedSecret []byte, err error) {
	ciphertext, sharedSecret, err = scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("pqkem: encapsulate: %w", err)
	}
	return ciphertext, sharedSecret, nil
}

// Decapsulate recovers the shared secret from a ciphertext using sk. Per
// SPEC_FULL §4.5, decapsulation always returns bytes — an inauthentic
// ciphertext yields a bitwise-valid but wrong secret, whose wrongness only
// surfaces later as an AEAD authentication failure.
func (k *KeyPair) Decapsulate(ciphertext []byte) ([]byte, error) {
	ss, err := scheme.Decapsulate(k.Private, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("pqkem: decapsulate: %w", err)
	}
	return ss, nil
}

var (
	processKeyPair   *KeyPair
	processKeyPairMu sync.RWMutex
	initOnce         sync.Once
	initErr          error
)

// CommsKeyPair returns the process-wide ML-KEM-768 keypair, generating it
// lazily on first call. Subsequent calls return the same keypair for the
// lifetime of the process (SPEC_FULL §9: "Global state ... process-wide
// singletons with explicit lazy initialization").
func CommsKeyPair() (*KeyPair, error) {
	processKeyPairMu.RLock()
	kp := processKeyPair
	processKeyPairMu.RUnlock()
	if kp != nil {
		return kp, nil
	}

	initOnce.Do(func() {
		processKeyPairMu.Lock()
		defer processKeyPairMu.Unlock()
		if processKeyPair != nil {
			return
		}
		generated, err := Generate()
		if err != nil {
			initErr = err
			return
		}
		processKeyPair = generated
	})

	processKeyPairMu.RLock()
	defer processKeyPairMu.RUnlock()
	if processKeyPair == nil {
		return nil, fmt.Errorf("pqkem: without a comms keypair we cannot proceed: %w", initErr)
	}
	return processKeyPair, nil
}

// SetKeyPairForTest overrides the process-wide keypair. Restricted to test
// use by convention (matches the Rust original's explicit, ungated
// override setter — see SPEC_FULL §9).
func SetKeyPairForTest(kp *KeyPair) {
	processKeyPairMu.Lock()
	defer processKeyPairMu.Unlock()
	processKeyPair = kp
}
