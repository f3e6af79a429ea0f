package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type manifestArtifact struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// modelManifest lists checksums for model artifacts, keyed by name.
type modelManifest struct {
	Artifacts map[string]manifestArtifact `json:"artifacts"`
	Models    map[string]manifestArtifact `json:"models"`
}

// VerifyManifest checks each artifact against the SHA-256 listed in the
// manifest. Entries may be keyed by relative path or by base name. An
// external-data sidecar (<model>.data) next to an artifact must be listed too.
func VerifyManifest(manifestPath string, artifacts ...string) error {
	payload, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest %s: %w", manifestPath, err)
	}
	var manifest modelManifest
	if err := json.Unmarshal(payload, &manifest); err != nil {
		return fmt.Errorf("parse manifest %s: %w", manifestPath, err)
	}

	expected := make(map[string]string)
	collectChecksums(expected, manifest.Artifacts)
	collectChecksums(expected, manifest.Models)
	if len(expected) == 0 {
		return fmt.Errorf("manifest %s has no artifact checksums", manifestPath)
	}

	var paths []string
	for _, p := range artifacts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		paths = append(paths, p)
		if _, err := os.Stat(p + ".data"); err == nil {
			paths = append(paths, p+".data")
		}
	}

	for _, p := range paths {
		want, ok := expected[normalizePath(p)]
		if !ok {
			want, ok = expected[normalizePath(filepath.Base(p))]
		}
		if !ok {
			return fmt.Errorf("manifest %s missing checksum entry for %s", manifestPath, p)
		}
		got, err := hashFile(p)
		if err != nil {
			return fmt.Errorf("hash artifact %s: %w", p, err)
		}
		if !strings.EqualFold(got, want) {
			return fmt.Errorf("checksum mismatch for %s: expected=%s actual=%s", p, want, got)
		}
	}
	return nil
}

func collectChecksums(dst map[string]string, artifacts map[string]manifestArtifact) {
	for key, art := range artifacts {
		path := strings.TrimSpace(art.Path)
		if path == "" {
			path = key
		}
		sum := strings.TrimSpace(strings.ToLower(art.SHA256))
		if path == "" || sum == "" {
			continue
		}
		dst[normalizePath(path)] = sum
	}
}

func normalizePath(path string) string {
	path = filepath.ToSlash(strings.TrimSpace(strings.ToLower(path)))
	return strings.TrimPrefix(path, "./")
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
