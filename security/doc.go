// Package security provides the input-validation guards for sandbox
// operations.
//
// The security package implements the two checks every local sandbox
// operation must pass before touching the filesystem or spawning a
// process: command validation against a fail-closed allow/deny policy,
// and path sanitization that confines arbitrary caller-supplied paths
// to a session's sandbox directory.
//
// Both guards are pure with respect to shared state and are safe to
// call concurrently.
//
// Usage:
//
//	validator := security.NewCommandValidator()
//	if !validator.Validate([]string{"rm", "-rf", "/"}) {
//	    // command rejected
//	}
//
//	sanitizer := security.NewPathSanitizer()
//	safe := sanitizer.Sanitize("../../etc/passwd", sandboxDir)
package security
