package codec_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/ed25519"
	"testing"

	"github.com/bdobrica/nbotgw/internal/plugin/codec"
)

func buildArchive(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func TestParse_Native(t *testing.T) {
	archive := buildArchive(t, map[string]string{
		"manifest.json": `{"id":"weather","name":"Weather","version":"1.0.0","codeType":"script","entry":"index.js"}`,
		"index.js":      "module.exports = { onEnable() {} };",
	})

	pkg, err := codec.Parse(archive)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if pkg.Manifest.ID != "weather" {
		t.Errorf("ID: got %q, want %q", pkg.Manifest.ID, "weather")
	}
	if pkg.Manifest.Type != codec.CodeTypeScript {
		t.Errorf("Type: got %q, want %q", pkg.Manifest.Type, codec.CodeTypeScript)
	}
	if _, ok := pkg.Source["index.js"]; !ok {
		t.Error("expected index.js in source map")
	}
}

func TestParse_MissingManifest(t *testing.T) {
	archive := buildArchive(t, map[string]string{
		"index.js": "module.exports = {};",
	})
	if _, err := codec.Parse(archive); err == nil {
		t.Fatal("expected error for archive without manifest.json")
	}
}

func TestParse_EntryMissing(t *testing.T) {
	archive := buildArchive(t, map[string]string{
		"manifest.json": `{"id":"weather","codeType":"script","entry":"index.js"}`,
	})
	if _, err := codec.Parse(archive); err == nil {
		t.Fatal("expected error when declared entry is absent")
	}
}

func TestPack_RoundTrip(t *testing.T) {
	pkg := &codec.PluginPackage{
		ManifestBytes: []byte(`{"id":"weather","codeType":"script","entry":"index.js"}`),
		Manifest:      codec.PluginManifest{ID: "weather", Type: codec.CodeTypeScript, Entry: "index.js"},
		Source:        map[string][]byte{"index.js": []byte("module.exports = {};")},
	}

	archive, err := codec.Pack(pkg)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	got, err := codec.Parse(archive)
	if err != nil {
		t.Fatalf("Parse(Pack(pkg)): %v", err)
	}
	if got.Manifest.ID != "weather" {
		t.Errorf("ID: got %q, want %q", got.Manifest.ID, "weather")
	}
	if string(got.Source["index.js"]) != "module.exports = {};" {
		t.Errorf("source mismatch: got %q", got.Source["index.js"])
	}
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	pkg := &codec.PluginPackage{
		ManifestBytes: []byte(`{"id":"weather","codeType":"script","entry":"index.js"}`),
		Manifest:      codec.PluginManifest{ID: "weather"},
		Source:        map[string][]byte{"index.js": []byte("content")},
	}

	if _, err := codec.Sign(pkg, priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := codec.Verify(pkg, pub); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	pkg.Source["index.js"] = []byte("tampered")
	if err := codec.Verify(pkg, pub); err == nil {
		t.Fatal("expected verification failure after tampering")
	}
}

func TestVerificationPolicy(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	pkg := &codec.PluginPackage{
		ManifestBytes: []byte(`{"id":"official-one"}`),
		Manifest:      codec.PluginManifest{ID: "official-one"},
		Source:        map[string][]byte{},
	}
	codec.Sign(pkg, priv)

	official := func(id string) bool { return id == "official-one" }

	// Trust root configured, signed correctly: passes.
	policy := codec.VerificationPolicy{TrustRoot: pub, OfficialPluginID: official}
	if err := policy.Check(pkg); err != nil {
		t.Fatalf("expected pass with valid trust root, got %v", err)
	}

	// No trust root, official plugin: rejected even with AllowUnsigned.
	noRoot := codec.VerificationPolicy{AllowUnsigned: true, OfficialPluginID: official}
	if err := noRoot.Check(pkg); err == nil {
		t.Fatal("expected official plugin to require a trust root")
	}

	// No trust root, non-official plugin, AllowUnsigned: passes.
	pkg.Manifest.ID = "community-one"
	if err := noRoot.Check(pkg); err != nil {
		t.Fatalf("expected pass for non-official plugin with AllowUnsigned, got %v", err)
	}

	// No trust root, no AllowUnsigned: rejected.
	strict := codec.VerificationPolicy{OfficialPluginID: official}
	if err := strict.Check(pkg); err == nil {
		t.Fatal("expected rejection with no trust root and no AllowUnsigned")
	}
}
