package crypto_test

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/bdobrica/nbotgw/common/crypto"
)

func TestLoadMasterKey(t *testing.T) {
	t.Setenv("NBOTGW_MASTER_KEY", "")
	if _, err := crypto.LoadMasterKey(); err == nil {
		t.Fatal("expected error when env var unset")
	}

	t.Setenv("NBOTGW_MASTER_KEY", "not-hex")
	if _, err := crypto.LoadMasterKey(); err == nil {
		t.Fatal("expected error for invalid hex")
	}

	t.Setenv("NBOTGW_MASTER_KEY", hex.EncodeToString(make([]byte, 16)))
	if _, err := crypto.LoadMasterKey(); err == nil {
		t.Fatal("expected error for wrong key length")
	}

	want := make([]byte, crypto.KeySize)
	for i := range want {
		want[i] = byte(i)
	}
	t.Setenv("NBOTGW_MASTER_KEY", hex.EncodeToString(want))
	got, err := crypto.LoadMasterKey()
	if err != nil {
		t.Fatalf("LoadMasterKey: %v", err)
	}
	if hex.EncodeToString(got) != hex.EncodeToString(want) {
		t.Errorf("got %x, want %x", got, want)
	}
}

func TestLoadSigningKey(t *testing.T) {
	t.Setenv("NBOTGW_SIGNING_KEY", "")
	if _, err := crypto.LoadSigningKey(); err == nil {
		t.Fatal("expected error when env var unset")
	}

	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	t.Setenv("NBOTGW_SIGNING_KEY", hex.EncodeToString(seed))

	key, err := crypto.LoadSigningKey()
	if err != nil {
		t.Fatalf("LoadSigningKey: %v", err)
	}
	if len(key) != ed25519.PrivateKeySize {
		t.Fatalf("expected private key of size %d, got %d", ed25519.PrivateKeySize, len(key))
	}

	msg := []byte("plugin package bytes")
	sig := ed25519.Sign(key, msg)
	pub := key.Public().(ed25519.PublicKey)
	if !ed25519.Verify(pub, msg, sig) {
		t.Error("signature produced by loaded key does not verify")
	}
}

func TestLoadSigningKey_WrongLength(t *testing.T) {
	t.Setenv("NBOTGW_SIGNING_KEY", hex.EncodeToString(make([]byte, 16)))
	if _, err := crypto.LoadSigningKey(); err == nil {
		t.Fatal("expected error for wrong seed length")
	}
}
