package codec

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// ErrSignatureInvalid is returned by Verify when a package's signature does
// not match the trust root, or when verification is required but no
// signature is present.
var ErrSignatureInvalid = errors.New("codec: signature invalid")

// Sign computes a detached Ed25519 signature over pkg's canonical bytes and
// attaches it to pkg.Signature, returning the signature bytes as well.
func Sign(pkg *PluginPackage, key ed25519.PrivateKey) ([]byte, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("codec: signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}
	sig := ed25519.Sign(key, CanonicalBytes(pkg))
	pkg.Signature = sig
	return sig, nil
}

// Verify checks pkg.Signature against trustRoot over the canonical bytes.
// It returns ErrSignatureInvalid (wrapped) when the signature is absent,
// malformed, or does not verify.
func Verify(pkg *PluginPackage, trustRoot ed25519.PublicKey) error {
	if len(pkg.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: missing or malformed signature", ErrSignatureInvalid)
	}
	if !ed25519.Verify(trustRoot, CanonicalBytes(pkg), pkg.Signature) {
		return fmt.Errorf("%w: signature does not match trust root", ErrSignatureInvalid)
	}
	return nil
}

// VerificationPolicy decides whether an unsigned or unverifiable package may
// still be installed, per spec.md §4.1: official plugins always require a
// valid signature when a trust root is configured; everything else falls
// back to the development allow-unsigned flag when no trust root exists.
type VerificationPolicy struct {
	TrustRoot        ed25519.PublicKey
	AllowUnsigned    bool
	OfficialPluginID func(id string) bool
}

// Check applies the policy to a decoded package, returning nil when the
// package is acceptable for install/update.
func (p VerificationPolicy) Check(pkg *PluginPackage) error {
	official := p.OfficialPluginID != nil && p.OfficialPluginID(pkg.Manifest.ID)

	if len(p.TrustRoot) == ed25519.PublicKeySize {
		return Verify(pkg, p.TrustRoot)
	}

	if official {
		return fmt.Errorf("%w: official plugin %q requires a trust root", ErrSignatureInvalid, pkg.Manifest.ID)
	}
	if p.AllowUnsigned {
		return nil
	}
	return fmt.Errorf("%w: no trust root configured and unsigned packages are disallowed", ErrSignatureInvalid)
}
