package wasm

import (
	"log/slog"
	"os"
	"path/filepath"
)

// DiscoverGuests loads every installed guest under modulesRoot. A module
// that fails to load (malformed manifest, tamper detection, api-version
// mismatch) is logged and skipped; the host continues with the rest.
// configFor supplies each module's configuration map, keyed by directory
// name.
func DiscoverGuests(modulesRoot string, configFor func(id string) map[string]string, router CommandRouter) []*GuestModule {
	entries, err := os.ReadDir(modulesRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("reading modules dir", "dir", modulesRoot, "error", err)
		}
		return nil
	}

	var guests []*GuestModule
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(modulesRoot, entry.Name())
		guest, err := LoadGuest(dir, configFor(entry.Name()), router)
		if err != nil {
			slog.Error("skipping guest module", "dir", dir, "error", err)
			continue
		}
		guests = append(guests, guest)
	}
	return guests
}

// ListInstalled returns the verified manifests of every loadable module
// under modulesRoot. Unloadable entries are skipped silently; the REST
// listing only shows what would actually run.
func ListInstalled(modulesRoot string) []*Manifest {
	entries, err := os.ReadDir(modulesRoot)
	if err != nil {
		return nil
	}
	var manifests []*Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := LoadManifest(filepath.Join(modulesRoot, entry.Name()))
		if err != nil {
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests
}
