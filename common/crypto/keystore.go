package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

const masterKeyEnv = "NBOTGW_MASTER_KEY"
const signingKeyEnv = "NBOTGW_SIGNING_KEY"

// LoadMasterKey reads the master encryption key from the environment.
//
// The NBOTGW_MASTER_KEY environment variable must be a 64-character hex string
// (32 bytes / 256 bits). Generate one with:
//
//	openssl rand -hex 32
func LoadMasterKey() ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(masterKeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("environment variable %s is not set", masterKeyEnv)
	}

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid hex in %s: %w", masterKeyEnv, err)
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("%s must be %d bytes (%d hex chars), got %d bytes",
			masterKeyEnv, KeySize, KeySize*2, len(key))
	}

	return key, nil
}

// MustLoadMasterKey is like LoadMasterKey but panics on error.
// Use only in main() after validation.
func MustLoadMasterKey() []byte {
	key, err := LoadMasterKey()
	if err != nil {
		panic(fmt.Sprintf("failed to load master key: %v", err))
	}
	return key
}

// LoadSigningKey reads the Ed25519 plugin-signing seed from the environment.
//
// The NBOTGW_SIGNING_KEY environment variable must be a 64-character hex
// string (32-byte Ed25519 seed). Generate one with:
//
//	openssl rand -hex 32
func LoadSigningKey() (ed25519.PrivateKey, error) {
	raw := strings.TrimSpace(os.Getenv(signingKeyEnv))
	if raw == "" {
		return nil, fmt.Errorf("environment variable %s is not set", signingKeyEnv)
	}

	seed, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid hex in %s: %w", signingKeyEnv, err)
	}

	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%s must be %d bytes (%d hex chars), got %d bytes",
			signingKeyEnv, ed25519.SeedSize, ed25519.SeedSize*2, len(seed))
	}

	return ed25519.NewKeyFromSeed(seed), nil
}

// MustLoadSigningKey is like LoadSigningKey but panics on error.
// Use only in main() after validation.
func MustLoadSigningKey() ed25519.PrivateKey {
	key, err := LoadSigningKey()
	if err != nil {
		panic(fmt.Sprintf("failed to load signing key: %v", err))
	}
	return key
}
