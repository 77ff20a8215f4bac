// Package wasm implements the sandboxed guest runtime: manifest loading,
// capability validation, the capability-gated host interface, and the
// wazero-backed module lifecycle.
package wasm

import (
	"fmt"

	"github.com/gobwas/glob"
)

// DeniedError is the uniform failure for every capability check. The
// reason is human-readable and surfaced to the guest verbatim.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return "capability denied: " + e.Reason
}

// Validator is the immutable policy derived from a manifest's permissions,
// consulted before every host call. Safe to share between tasks.
type Validator struct {
	subscribePatterns []glob.Glob
	allowedCalls      map[string]struct{}

	networkHTTP      bool
	networkWebSocket bool
	networkTCP       bool
	storage          bool
	timers           bool
}

// NewValidator compiles a manifest's permission block. Declared subscribe
// globs that fail to compile are dropped (the guest simply cannot use
// them).
func NewValidator(perms Permissions) *Validator {
	patterns := make([]glob.Glob, 0, len(perms.Subscribe))
	for _, p := range perms.Subscribe {
		g, err := glob.Compile(p)
		if err != nil {
			continue
		}
		patterns = append(patterns, g)
	}

	calls := make(map[string]struct{}, len(perms.Call))
	for _, c := range perms.Call {
		calls[c] = struct{}{}
	}

	return &Validator{
		subscribePatterns: patterns,
		allowedCalls:      calls,
		networkHTTP:       perms.Network.HTTP,
		networkWebSocket:  perms.Network.WebSocket,
		networkTCP:        perms.Network.TCP,
		storage:           perms.Storage,
		timers:            perms.Timers,
	}
}

// CheckSubscribe passes iff the requested pattern matches at least one
// declared subscribe glob as a string.
func (v *Validator) CheckSubscribe(pattern string) error {
	for _, g := range v.subscribePatterns {
		if g.Match(pattern) {
			return nil
		}
	}
	return &DeniedError{Reason: fmt.Sprintf("subscribe %q not declared in manifest", pattern)}
}

// CheckCall passes iff "{module}.{name}@{version}" is in the declared
// call set.
func (v *Validator) CheckCall(module, name string, version uint32) error {
	key := fmt.Sprintf("%s.%s@%d", module, name, version)
	if _, ok := v.allowedCalls[key]; !ok {
		return &DeniedError{Reason: fmt.Sprintf("call %q not declared in manifest", key)}
	}
	return nil
}

// CheckNetworkHTTP passes iff network.http is declared.
func (v *Validator) CheckNetworkHTTP() error {
	if !v.networkHTTP {
		return &DeniedError{Reason: "network.http not declared"}
	}
	return nil
}

// CheckNetworkWebSocket passes iff network.websocket is declared.
func (v *Validator) CheckNetworkWebSocket() error {
	if !v.networkWebSocket {
		return &DeniedError{Reason: "network.websocket not declared"}
	}
	return nil
}

// CheckStorage passes iff storage is declared.
func (v *Validator) CheckStorage() error {
	if !v.storage {
		return &DeniedError{Reason: "storage not declared"}
	}
	return nil
}

// CheckTimers passes iff timers is declared.
func (v *Validator) CheckTimers() error {
	if !v.timers {
		return &DeniedError{Reason: "timers not declared"}
	}
	return nil
}
