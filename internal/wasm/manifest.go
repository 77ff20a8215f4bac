package wasm

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HostAPIVersion is the highest guest api_version this host understands.
const HostAPIVersion = 1

// On-disk layout of an installed guest module: <modules-root>/<id>/
// containing manifest.json, module.wasm, and optionally manifest.hash.
const (
	manifestFile = "manifest.json"
	wasmFile     = "module.wasm"
	hashFile     = "manifest.hash"
)

var (
	// ErrTamperDetected marks a manifest.hash mismatch. Fatal for that
	// module's load only.
	ErrTamperDetected = errors.New("module tamper detected")

	// ErrAPIVersionTooNew marks a manifest requiring a newer host API.
	// Fatal for that module's load only.
	ErrAPIVersionTooNew = errors.New("module requires newer host api")
)

// Manifest describes an installed guest module. Unknown fields are
// tolerated.
type Manifest struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	APIVersion  uint32      `json:"api_version"`
	Description string      `json:"description"`
	Author      string      `json:"author"`
	Permissions Permissions `json:"permissions"`
}

// Permissions declares everything the guest may do. Absent fields default
// to denied.
type Permissions struct {
	Subscribe []string           `json:"subscribe"`
	Call      []string           `json:"call"`
	Network   NetworkPermissions `json:"network"`
	Storage   bool               `json:"storage"`
	Timers    bool               `json:"timers"`
}

// NetworkPermissions gates outbound connectivity.
type NetworkPermissions struct {
	HTTP      bool `json:"http"`
	WebSocket bool `json:"websocket"`
	TCP       bool `json:"tcp"`
}

// LoadManifest reads and validates a module manifest from
// dir/manifest.json: verifies the tamper-detection hash when present,
// parses the manifest, and gates on api_version.
func LoadManifest(dir string) (*Manifest, error) {
	manifestBytes, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	wasmBytes, err := os.ReadFile(filepath.Join(dir, wasmFile))
	if err != nil {
		return nil, fmt.Errorf("reading wasm binary: %w", err)
	}

	// The hash is written at install time by WriteHash. Modules that have
	// never been hashed (hand-placed dev modules) load without
	// verification.
	hashPath := filepath.Join(dir, hashFile)
	if stored, err := os.ReadFile(hashPath); err == nil {
		computed := computeHash(manifestBytes, wasmBytes)
		if strings.TrimSpace(string(stored)) != computed {
			return nil, fmt.Errorf("%w: hash mismatch in %s", ErrTamperDetected, dir)
		}
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if manifest.ID == "" {
		return nil, fmt.Errorf("manifest in %s has no id", dir)
	}

	if manifest.APIVersion > HostAPIVersion {
		return nil, fmt.Errorf("%w: module %q requires api_version %d, host supports %d",
			ErrAPIVersionTooNew, manifest.ID, manifest.APIVersion, HostAPIVersion)
	}

	return &manifest, nil
}

// WriteHash computes and stores the tamper-detection hash for a freshly
// installed module. This is the installer's responsibility and the only
// way a hash file ever appears.
func WriteHash(dir string) error {
	manifestBytes, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}
	wasmBytes, err := os.ReadFile(filepath.Join(dir, wasmFile))
	if err != nil {
		return fmt.Errorf("reading wasm binary: %w", err)
	}
	hash := computeHash(manifestBytes, wasmBytes)
	if err := os.WriteFile(filepath.Join(dir, hashFile), []byte(hash), 0o644); err != nil {
		return fmt.Errorf("writing hash: %w", err)
	}
	return nil
}

// computeHash is the hex SHA-256 of manifest-bytes || wasm-bytes,
// lowercase.
func computeHash(manifest, wasm []byte) string {
	h := sha256.New()
	h.Write(manifest)
	h.Write(wasm)
	return fmt.Sprintf("%x", h.Sum(nil))
}
