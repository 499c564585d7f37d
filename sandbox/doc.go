// Package sandbox provides session-scoped sandbox backends.
//
// The sandbox package defines the Backend contract shared by every
// executor and provides two implementations: LocalBackend, which
// simulates sessions with directories and local processes for offline
// development, and RemoteBackend, which forwards operations to a
// remote executor over HTTP.
//
// Sessions are keyed by a caller-chosen string and carry a TTL; the
// local backend sweeps expired and orphaned session storage
// opportunistically. All local file and command operations pass
// through the security package's guards before touching the host.
//
// Usage:
//
//	backend, err := sandbox.NewBackend(logger, cfg, "local")
//	sb, err := backend.CreateSandbox(ctx, "my-session", sandbox.CreateOptions{})
//	result, err := backend.Exec(ctx, "my-session", sandbox.ExecRequest{
//	    Cmd: []string{"python3", "--version"},
//	})
package sandbox
