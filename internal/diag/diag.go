// Package diag centralizes the component-prefixed logging convention used
// across the layer and the broker ("component: message", via the standard
// logger) plus a Debug switch for verbose tracing via Debugf.
package diag

import "log"

// Logf logs a message prefixed with component, matching the
// "component: message" convention used throughout this codebase.
func Logf(component, format string, args ...any) {
	log.Printf(component+": "+format, args...)
}

// Debug gates verbose tracing. It is a package variable rather than a build
// tag so it can be flipped at startup; cmd/vkcapture-broker sets it from its
// -debug flag, and cmd/vklayer leaves it off.
var Debug = false

// Debugf logs only when Debug is enabled. Used for per-frame and per-message
// tracing that would otherwise flood stderr in normal operation.
func Debugf(component, format string, args ...any) {
	if !Debug {
		return
	}
	Logf(component, format, args...)
}
