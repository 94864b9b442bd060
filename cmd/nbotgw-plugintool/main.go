// Command nbotgw-plugintool packs, signs, and verifies .nbp plugin
// packages using the Ed25519 signature scheme internal/plugin/codec
// implements (spec.md §4.1).
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/bdobrica/nbotgw/internal/plugin/codec"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nbotgw-plugintool",
		Short: "Pack, sign, and verify nbotgw plugin packages",
	}
	root.AddCommand(packCmd(), signCmd(), verifyCmd(), keygenCmd())
	return root
}

func packCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "pack <source-dir>",
		Short: "Pack a plugin source directory (manifest.json + entry) into a .nbp archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srcDir := args[0]
			pkg, err := loadSourceDir(srcDir)
			if err != nil {
				return err
			}
			data, err := codec.Pack(pkg)
			if err != nil {
				return fmt.Errorf("pack: %w", err)
			}
			if out == "" {
				out = pkg.Manifest.ID + ".nbp"
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Println("wrote", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output .nbp path (default: <id>.nbp)")
	return cmd
}

func signCmd() *cobra.Command {
	var keyHex string
	cmd := &cobra.Command{
		Use:   "sign <package.nbp>",
		Short: "Sign a .nbp package in place with an Ed25519 seed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := loadSeed(keyHex)
			if err != nil {
				return err
			}
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			pkg, err := codec.Parse(data)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			if _, err := codec.Sign(pkg, key); err != nil {
				return fmt.Errorf("sign: %w", err)
			}
			signed, err := codec.Pack(pkg)
			if err != nil {
				return fmt.Errorf("repack: %w", err)
			}
			if err := os.WriteFile(path, signed, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Println("signed", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyHex, "key", "", "hex-encoded 32-byte Ed25519 seed (or $NBOTGW_SIGNING_KEY)")
	return cmd
}

func verifyCmd() *cobra.Command {
	var trustRootHex string
	cmd := &cobra.Command{
		Use:   "verify <package.nbp>",
		Short: "Verify a .nbp package's signature against a trust root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if trustRootHex == "" {
				return fmt.Errorf("--trust-root is required")
			}
			trustRoot, err := hex.DecodeString(trustRootHex)
			if err != nil || len(trustRoot) != ed25519.PublicKeySize {
				return fmt.Errorf("--trust-root must be a %d-byte hex-encoded ed25519 public key", ed25519.PublicKeySize)
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			pkg, err := codec.Parse(data)
			if err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			if err := codec.Verify(pkg, ed25519.PublicKey(trustRoot)); err != nil {
				return err
			}
			fmt.Println("signature OK for", pkg.Manifest.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&trustRootHex, "trust-root", "", "hex-encoded 32-byte Ed25519 public key")
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a fresh Ed25519 signing seed and its public trust root",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(nil)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			fmt.Println("NBOTGW_SIGNING_KEY=", hex.EncodeToString(priv.Seed()))
			fmt.Println("trust root (public)=", hex.EncodeToString(pub))
			return nil
		},
	}
}

func loadSeed(hexKey string) (ed25519.PrivateKey, error) {
	if hexKey == "" {
		hexKey = os.Getenv("NBOTGW_SIGNING_KEY")
	}
	if hexKey == "" {
		return nil, fmt.Errorf("no signing key: pass --key or set NBOTGW_SIGNING_KEY")
	}
	seed, err := hex.DecodeString(hexKey)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key must be a %d-byte hex-encoded seed", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// loadSourceDir reads manifest.json plus every other file in dir into a
// PluginPackage ready for codec.Pack.
func loadSourceDir(dir string) (*codec.PluginPackage, error) {
	manifestBytes, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("read manifest.json: %w", err)
	}
	var manifest codec.PluginManifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest.json: %w", err)
	}

	pkg := &codec.PluginPackage{ManifestBytes: manifestBytes, Manifest: manifest, Source: map[string][]byte{}}

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "manifest.json" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		pkg.Source[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	if !hasEntry(pkg.Source, pkg.Manifest.Entry) {
		return nil, fmt.Errorf("manifest entry %q not found under %s", pkg.Manifest.Entry, dir)
	}

	return pkg, nil
}

// hasEntry mirrors codec's own entry-presence check: the manifest's entry
// may name either a single source file or, for module-style plugins, a
// directory prefix.
func hasEntry(source map[string][]byte, entry string) bool {
	if _, ok := source[entry]; ok {
		return true
	}
	prefix := path.Clean(entry) + "/"
	for name := range source {
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
