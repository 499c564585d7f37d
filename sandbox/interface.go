package sandbox

import (
	"context"
	"errors"
	"time"
)

// Defaults applied when a request or configuration leaves a value unset
const (
	DefaultTTL         = 15 * time.Minute
	DefaultExecTimeout = 30 * time.Second
	DefaultWorkdir     = "/workspace"
)

// Exit codes reported for execution failures that never produced a
// process exit status
const (
	ExitCodeTimeout         = 124
	ExitCodeCommandNotFound = 127
)

// ErrSessionNotFound indicates an operation referenced a session key
// that is unknown or whose TTL has expired.
var ErrSessionNotFound = errors.New("session not found")

// CreateOptions holds the parameters for sandbox creation. The
// resource limit fields are forwarded to remote backends and ignored
// by the local backend.
type CreateOptions struct {
	TTL                   time.Duration
	Image                 string
	CPULimit              string
	MemoryLimit           string
	EphemeralStorageLimit string
}

// Sandbox describes a created or refreshed sandbox session.
type Sandbox struct {
	PodName   string
	ExpiresAt time.Time
}

// ExecRequest represents the parameters for command execution
type ExecRequest struct {
	Cmd     []string
	Workdir string
	Env     map[string]string
	Timeout time.Duration
}

// ExecResult represents the result of command execution
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Config holds backend construction parameters shared by the factory
type Config struct {
	BaseDir        string
	DefaultTTL     time.Duration
	ExecTimeout    time.Duration
	RemoteURL      string
	RequestTimeout time.Duration
}

// Backend defines the operation contract every sandbox executor must
// satisfy. A caller-facing client is agnostic to whether the active
// backend simulates sessions locally or forwards them to a remote
// executor.
//
// Semantics are uniform across implementations: CreateSandbox is
// idempotent for an existing unexpired key (refresh), Touch lazily
// creates unknown keys, Delete of an unknown key succeeds, and
// Exec/UploadFiles/UploadTar/DownloadFiles against an unknown or
// expired key fail with ErrSessionNotFound.
type Backend interface {
	// HealthCheck reports whether the backend is able to serve requests.
	HealthCheck(ctx context.Context) bool

	// CreateSandbox creates the session for the key, or refreshes its
	// expiry if it already exists.
	CreateSandbox(ctx context.Context, sessionID string, opts CreateOptions) (Sandbox, error)

	// Touch extends the session's expiry by its configured TTL from
	// now, creating the session first if the key is unknown.
	Touch(ctx context.Context, sessionID string) error

	// Exec runs a command in the session's workspace. Command denial
	// and execution failures are reported in the result, not as errors;
	// errors are reserved for missing sessions and backend failures.
	Exec(ctx context.Context, sessionID string, req ExecRequest) (ExecResult, error)

	// UploadFiles writes the given name-to-content mapping under dest.
	UploadFiles(ctx context.Context, sessionID string, files map[string][]byte, dest string) error

	// UploadTar unpacks a tar archive under dest, skipping unsafe
	// members. It fails if every member of a non-empty archive was
	// rejected.
	UploadTar(ctx context.Context, sessionID string, tarData []byte, dest string) error

	// DownloadFiles returns the file or directory tree at src as a
	// gzip-compressed tar archive.
	DownloadFiles(ctx context.Context, sessionID string, src string) ([]byte, error)

	// Delete removes all state and backing storage for the key.
	Delete(ctx context.Context, sessionID string) error

	// WaitReady blocks until the session can execute commands or the
	// timeout elapses.
	WaitReady(ctx context.Context, sessionID string, timeout, interval time.Duration) bool
}
