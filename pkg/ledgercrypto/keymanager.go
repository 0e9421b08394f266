// Copyright 2025 Civica Ledger Contributors
//
// KeyManager handles load-or-generate/save for a single principal's or
// validator's Ed25519 signing key, adapted from the teacher's
// pkg/crypto/bls/key_manager.go (same load-or-generate shape, same
// 0600-permission key file convention, BLS swapped for Ed25519).
package ledgercrypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// KeyManager owns one Ed25519 keypair and its on-disk representation: a
// hex-encoded private key file at the caller-chosen keyPath, 0600 permissions.
type KeyManager struct {
	keyPath    string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewKeyManager creates a key manager bound to keyPath. keyPath may be
// empty, in which case keys are kept in memory only (used by tests).
func NewKeyManager(keyPath string) *KeyManager {
	return &KeyManager{keyPath: keyPath}
}

// LoadOrGenerate loads an existing key from keyPath, or generates and
// persists a new one if no file exists there.
func (km *KeyManager) LoadOrGenerate() error {
	if km.keyPath != "" {
		if _, err := os.Stat(km.keyPath); err == nil {
			return km.Load()
		}
	}
	return km.Generate()
}

// Load reads the hex-encoded private key from keyPath.
func (km *KeyManager) Load() error {
	if km.keyPath == "" {
		return fmt.Errorf("ledgercrypto: no key path specified")
	}

	data, err := os.ReadFile(km.keyPath)
	if err != nil {
		return fmt.Errorf("ledgercrypto: read key file: %w", err)
	}

	keyBytes, err := hex.DecodeString(string(data))
	if err != nil {
		return fmt.Errorf("ledgercrypto: decode key hex: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return ErrInvalidKey
	}

	km.privateKey = ed25519.PrivateKey(keyBytes)
	km.publicKey = km.privateKey.Public().(ed25519.PublicKey)
	return nil
}

// Generate creates a fresh keypair and saves it if keyPath is set.
func (km *KeyManager) Generate() error {
	pub, priv, err := KeyGen()
	if err != nil {
		return fmt.Errorf("ledgercrypto: generate key pair: %w", err)
	}
	km.privateKey = priv
	km.publicKey = pub

	if km.keyPath != "" {
		return km.Save()
	}
	return nil
}

// Save writes the private key to keyPath with owner-only permissions.
func (km *KeyManager) Save() error {
	if km.keyPath == "" {
		return fmt.Errorf("ledgercrypto: no key path specified")
	}
	if km.privateKey == nil {
		return fmt.Errorf("ledgercrypto: no private key to save")
	}

	dir := filepath.Dir(km.keyPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("ledgercrypto: create key directory: %w", err)
	}

	keyHex := hex.EncodeToString(km.privateKey)
	if err := os.WriteFile(km.keyPath, []byte(keyHex), 0600); err != nil {
		return fmt.Errorf("ledgercrypto: write key file: %w", err)
	}
	return nil
}

// PrivateKey returns the loaded/generated private key, or nil.
func (km *KeyManager) PrivateKey() ed25519.PrivateKey { return km.privateKey }

// PublicKey returns the loaded/generated public key, or nil.
func (km *KeyManager) PublicKey() ed25519.PublicKey { return km.publicKey }

// Sign signs message with the managed private key.
func (km *KeyManager) Sign(message []byte) ([]byte, error) {
	if km.privateKey == nil {
		return nil, fmt.Errorf("ledgercrypto: no private key loaded")
	}
	return Sign(km.privateKey, message)
}
