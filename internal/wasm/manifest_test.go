package wasm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeModuleDir(t *testing.T, manifest, wasm []byte) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, manifestFile), manifest, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, wasmFile), wasm, 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

const sampleManifest = `{
	"id": "ha",
	"name": "Home Assistant",
	"version": "0.1.0",
	"api_version": 1,
	"permissions": {
		"subscribe": ["discord.*"],
		"call": ["discord.voice.set_mute@1"],
		"network": {"websocket": true},
		"timers": true
	},
	"future_field": {"tolerated": true}
}`

func TestLoadManifest(t *testing.T) {
	dir := writeModuleDir(t, []byte(sampleManifest), []byte{0x00, 0x61, 0x73, 0x6d})

	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.ID != "ha" || m.APIVersion != 1 {
		t.Errorf("manifest = %+v", m)
	}
	if !m.Permissions.Network.WebSocket || m.Permissions.Network.HTTP {
		t.Errorf("network permissions = %+v", m.Permissions.Network)
	}
}

func TestLoadManifestRejectsNewerAPI(t *testing.T) {
	dir := writeModuleDir(t, []byte(`{"id":"x","name":"x","version":"1","api_version":99,"permissions":{}}`), []byte{1})
	if _, err := LoadManifest(dir); !errors.Is(err, ErrAPIVersionTooNew) {
		t.Fatalf("err = %v, want ErrAPIVersionTooNew", err)
	}
}

func TestHashRoundTrip(t *testing.T) {
	dir := writeModuleDir(t, []byte(sampleManifest), []byte{1, 2, 3, 4})

	if err := WriteHash(dir); err != nil {
		t.Fatalf("WriteHash: %v", err)
	}
	if _, err := LoadManifest(dir); err != nil {
		t.Fatalf("LoadManifest after WriteHash: %v", err)
	}

	// Flip one byte of the wasm binary.
	if err := os.WriteFile(filepath.Join(dir, wasmFile), []byte{1, 2, 3, 5}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(dir); !errors.Is(err, ErrTamperDetected) {
		t.Fatalf("err after wasm mutation = %v, want ErrTamperDetected", err)
	}

	// Restore the wasm, mutate the manifest instead.
	if err := os.WriteFile(filepath.Join(dir, wasmFile), []byte{1, 2, 3, 4}, 0o644); err != nil {
		t.Fatal(err)
	}
	tampered := []byte(sampleManifest + "\n")
	if err := os.WriteFile(filepath.Join(dir, manifestFile), tampered, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(dir); !errors.Is(err, ErrTamperDetected) {
		t.Fatalf("err after manifest mutation = %v, want ErrTamperDetected", err)
	}
}

func TestHashIsTrimmedLowercaseHex(t *testing.T) {
	dir := writeModuleDir(t, []byte(`{"id":"t","api_version":1}`), []byte{9})
	if err := WriteHash(dir); err != nil {
		t.Fatal(err)
	}
	stored, err := os.ReadFile(filepath.Join(dir, hashFile))
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 64 {
		t.Errorf("hash length = %d, want 64", len(stored))
	}
	for _, c := range stored {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Errorf("hash contains non-lowercase-hex byte %q", c)
		}
	}

	// A trailing newline in the stored hash must still verify.
	if err := os.WriteFile(filepath.Join(dir, hashFile), append(stored, '\n'), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(dir); err != nil {
		t.Errorf("LoadManifest with trailing newline in hash: %v", err)
	}
}

func TestLoadManifestRequiresID(t *testing.T) {
	dir := writeModuleDir(t, []byte(`{"name":"anon","version":"1","api_version":1,"permissions":{}}`), []byte{1})
	if _, err := LoadManifest(dir); err == nil {
		t.Fatal("manifest without id loaded")
	}
}
