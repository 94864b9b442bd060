package codec

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
)

const (
	manifestEntryName   = "manifest.json"
	signatureEntryName  = "signature"
)

// ErrManifestMissing is returned when an archive contains no manifest.json.
var ErrManifestMissing = errors.New("codec: archive has no manifest.json")

// ErrEntryMissing is returned when the manifest's declared entry path has no
// matching source file in the archive.
var ErrEntryMissing = errors.New("codec: manifest entry not found in archive")

// Parse decodes a gzip-compressed tar archive into a PluginPackage. If the
// archive does not carry a well-formed native manifest.json, Parse falls
// back to the permissive legacy reader (see legacy.go).
func Parse(data []byte) (*PluginPackage, error) {
	pkg, err := parseNative(data)
	if err == nil {
		return pkg, nil
	}

	legacyPkg, legacyErr := parseLegacy(data)
	if legacyErr != nil {
		return nil, fmt.Errorf("codec: native parse failed (%v), legacy parse failed (%w)", err, legacyErr)
	}
	return legacyPkg, nil
}

func parseNative(data []byte) (*PluginPackage, error) {
	files, err := readTarGz(data)
	if err != nil {
		return nil, err
	}

	manifestBytes, ok := files[manifestEntryName]
	if !ok {
		return nil, ErrManifestMissing
	}

	var manifest PluginManifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("codec: decode manifest.json: %w", err)
	}
	if manifest.ID == "" {
		return nil, errors.New("codec: manifest.id is empty")
	}

	source := make(map[string][]byte, len(files))
	for name, content := range files {
		if name == manifestEntryName || name == signatureEntryName {
			continue
		}
		source[name] = content
	}

	if _, ok := source[manifest.Entry]; !ok && manifest.Entry != "" {
		if !hasEntryUnderRoot(source, manifest.Entry) {
			return nil, fmt.Errorf("%w: %s", ErrEntryMissing, manifest.Entry)
		}
	}

	return &PluginPackage{
		ManifestBytes: manifestBytes,
		Manifest:      manifest,
		Source:        source,
		Signature:     files[signatureEntryName],
	}, nil
}

// hasEntryUnderRoot accepts module-style manifests whose entry names a
// directory rather than a single file.
func hasEntryUnderRoot(source map[string][]byte, entry string) bool {
	prefix := path.Clean(entry) + "/"
	for name := range source {
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func readTarGz(data []byte) (map[string][]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	files := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("codec: read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("codec: read tar entry %q: %w", hdr.Name, err)
		}
		files[path.Clean(hdr.Name)] = content
	}
	if len(files) == 0 {
		return nil, errors.New("codec: archive contains no regular files")
	}
	return files, nil
}

// Pack serializes a PluginPackage back into a gzip-compressed tar archive,
// used by the plugintool `pack` and `sign` subcommands.
func Pack(pkg *PluginPackage) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	if err := writeTarEntry(tw, manifestEntryName, pkg.ManifestBytes); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(pkg.Source))
	for name := range pkg.Source {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writeTarEntry(tw, name, pkg.Source[name]); err != nil {
			return nil, err
		}
	}

	if len(pkg.Signature) > 0 {
		if err := writeTarEntry(tw, signatureEntryName, pkg.Signature); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("codec: close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("codec: close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeTarEntry(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("codec: write tar header %q: %w", name, err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("codec: write tar entry %q: %w", name, err)
	}
	return nil
}

// CanonicalBytes returns the deterministic byte sequence signed and
// verified over: the manifest bytes, followed by each source file sorted by
// path and length-prefixed so sign/verify agree regardless of map order.
func CanonicalBytes(pkg *PluginPackage) []byte {
	names := make([]string, 0, len(pkg.Source))
	for name := range pkg.Source {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	writeLenPrefixed(&buf, pkg.ManifestBytes)
	for _, name := range names {
		writeLenPrefixed(&buf, []byte(name))
		writeLenPrefixed(&buf, pkg.Source[name])
	}
	return buf.Bytes()
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lenBytes [8]byte
	n := len(b)
	for i := 0; i < 8; i++ {
		lenBytes[i] = byte(n >> (8 * i))
	}
	buf.Write(lenBytes[:])
	buf.Write(b)
}
