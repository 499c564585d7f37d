package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noxrunner/noxrunner/fileops"
	"github.com/noxrunner/noxrunner/security"
)

// sandboxDirPrefix names per-session storage directories under the
// base directory.
const sandboxDirPrefix = "noxrunner_sandbox_"

// session tracks the state of one local sandbox. Guarded by the
// backend mutex.
type session struct {
	dir       string
	createdAt time.Time
	expiresAt time.Time
	ttl       time.Duration
}

// LocalBackend implements Backend using local directories and
// processes (WARNING: for development only, provides no real
// isolation).
//
// Sessions live in an in-memory registry backed by one directory per
// session key under the configured base directory. Expired sessions
// and orphaned session directories are reaped on construction and on
// every Touch.
type LocalBackend struct {
	logger      *zap.Logger
	baseDir     string
	defaultTTL  time.Duration
	execTimeout time.Duration
	validator   *security.CommandValidator
	sanitizer   *security.PathSanitizer
	tarHandler  *fileops.TarHandler

	mu       sync.Mutex
	sessions map[string]*session
}

// LocalBackendOption defines a functional option for LocalBackend
type LocalBackendOption func(*LocalBackend)

// WithBaseDir sets the storage root for session directories
func WithBaseDir(dir string) LocalBackendOption {
	return func(l *LocalBackend) {
		l.baseDir = dir
	}
}

// WithDefaultTTL sets the TTL applied when CreateOptions leaves it unset
func WithDefaultTTL(ttl time.Duration) LocalBackendOption {
	return func(l *LocalBackend) {
		l.defaultTTL = ttl
	}
}

// WithExecTimeout sets the timeout applied when ExecRequest leaves it unset
func WithExecTimeout(timeout time.Duration) LocalBackendOption {
	return func(l *LocalBackend) {
		l.execTimeout = timeout
	}
}

// NewLocalBackend creates a new LocalBackend storing sessions under
// the OS temp directory unless overridden.
func NewLocalBackend(logger *zap.Logger, opts ...LocalBackendOption) *LocalBackend {
	backend := &LocalBackend{
		logger:      logger,
		baseDir:     os.TempDir(),
		defaultTTL:  DefaultTTL,
		execTimeout: DefaultExecTimeout,
		validator:   security.NewCommandValidator(),
		sanitizer:   security.NewPathSanitizer(),
		tarHandler:  fileops.NewTarHandler(),
		sessions:    make(map[string]*session),
	}

	for _, opt := range opts {
		opt(backend)
	}

	backend.logger.Warn("local sandbox mode is enabled: commands execute in the local environment without isolation",
		zap.String("base_dir", backend.baseDir))

	backend.reap()

	return backend
}

// HealthCheck always succeeds for the local backend.
func (*LocalBackend) HealthCheck(_ context.Context) bool {
	return true
}

// CreateSandbox creates or refreshes the session for the key and
// allocates its workspace directory.
func (l *LocalBackend) CreateSandbox(_ context.Context, sessionID string, opts CreateOptions) (Sandbox, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = l.defaultTTL
	}

	dir := l.sandboxDir(sessionID)
	now := time.Now()
	expiresAt := now.Add(ttl)

	// Registered before the directory exists so the orphan sweep never
	// mistakes a session mid-creation for leftover storage.
	l.mu.Lock()
	l.sessions[sessionID] = &session{
		dir:       dir,
		createdAt: now,
		expiresAt: expiresAt,
		ttl:       ttl,
	}
	l.mu.Unlock()

	if err := l.ensureSandboxDir(dir); err != nil {
		l.mu.Lock()
		delete(l.sessions, sessionID)
		l.mu.Unlock()
		return Sandbox{}, fmt.Errorf("failed to create sandbox storage: %w", err)
	}

	l.logger.Info("sandbox created",
		zap.String("session_id", sessionID),
		zap.String("dir", dir),
		zap.Duration("ttl", ttl))

	return Sandbox{
		PodName:   "local-" + sessionID,
		ExpiresAt: expiresAt,
	}, nil
}

// Touch extends the session's expiry by its TTL from now. Unknown
// keys are created with the default TTL. Every Touch also triggers a
// reap sweep.
func (l *LocalBackend) Touch(ctx context.Context, sessionID string) error {
	l.reap()

	l.mu.Lock()
	if s, ok := l.sessions[sessionID]; ok {
		s.expiresAt = time.Now().Add(s.ttl)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	_, err := l.CreateSandbox(ctx, sessionID, CreateOptions{})
	return err
}

// Exec runs a command inside the session's workspace. The command
// must pass the validator before any process or filesystem change
// occurs; denial is reported as an exit-1 result. A timed-out command
// reports exit 124 and leaves the session valid.
func (l *LocalBackend) Exec(ctx context.Context, sessionID string, req ExecRequest) (ExecResult, error) {
	s, err := l.lookup(sessionID)
	if err != nil {
		return ExecResult{}, err
	}

	if !l.validator.Validate(req.Cmd) {
		name := "empty"
		if len(req.Cmd) > 0 {
			name = req.Cmd[0]
		}
		return ExecResult{
			ExitCode: 1,
			Stderr:   fmt.Sprintf("Command not allowed: %s", name),
		}, nil
	}

	l.logger.Warn("executing command in local environment",
		zap.String("session_id", sessionID),
		zap.Strings("cmd", req.Cmd))

	workdirArg := req.Workdir
	if workdirArg == "" {
		workdirArg = DefaultWorkdir
	}
	workdir := l.sanitizePath(sessionID, workdirArg, s.dir)
	if err := os.MkdirAll(workdir, fileops.DirPermission); err != nil {
		return ExecResult{}, fmt.Errorf("failed to create workdir: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = l.execTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, req.Cmd[0], req.Cmd[1:]...) //nolint:gosec // command vector already validated
	cmd.Dir = workdir
	cmd.Env = os.Environ()
	for key, value := range req.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		return ExecResult{
			ExitCode: ExitCodeTimeout,
			Stdout:   stdoutBuf.String(),
			Stderr:   fmt.Sprintf("Command timed out after %s", timeout),
			Duration: duration,
		}, nil
	}

	exitCode := 0
	if runErr != nil {
		var exitError *exec.ExitError
		switch {
		case errors.As(runErr, &exitError):
			exitCode = exitError.ExitCode()
		case errors.Is(runErr, exec.ErrNotFound):
			return ExecResult{
				ExitCode: ExitCodeCommandNotFound,
				Stderr:   fmt.Sprintf("Command not found: %s", req.Cmd[0]),
				Duration: duration,
			}, nil
		default:
			return ExecResult{
				ExitCode: 1,
				Stderr:   fmt.Sprintf("Execution error: %v", runErr),
				Duration: duration,
			}, nil
		}
	}

	return ExecResult{
		ExitCode: exitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}, nil
}

// UploadFiles writes each entry under the sanitized destination. File
// names are reduced to their base name; path components supplied by
// the caller are discarded.
func (l *LocalBackend) UploadFiles(_ context.Context, sessionID string, files map[string][]byte, dest string) error {
	s, err := l.lookup(sessionID)
	if err != nil {
		return err
	}

	destPath := l.sanitizePath(sessionID, l.defaultDest(dest), s.dir)
	if err := os.MkdirAll(destPath, fileops.DirPermission); err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	for name, content := range files {
		base := l.sanitizer.SanitizeFilename(name)
		if base == "" {
			continue
		}
		target := filepath.Join(destPath, base)
		if err := os.WriteFile(target, content, fileops.FilePermission); err != nil {
			return fmt.Errorf("failed to write %s: %w", base, err)
		}
	}

	return nil
}

// UploadTar unpacks a tar archive under the sanitized destination,
// confined to the session directory. A non-empty archive from which
// nothing was extracted is a failed transfer.
func (l *LocalBackend) UploadTar(_ context.Context, sessionID string, tarData []byte, dest string) error {
	s, err := l.lookup(sessionID)
	if err != nil {
		return err
	}

	destPath := l.sanitizePath(sessionID, l.defaultDest(dest), s.dir)

	count, err := l.tarHandler.Unpack(tarData, destPath, s.dir, false)
	if err != nil {
		return fmt.Errorf("failed to extract archive: %w", err)
	}
	if count == 0 && len(tarData) > 0 {
		return fmt.Errorf("no files extracted: every archive member was rejected")
	}

	l.logger.Debug("archive extracted",
		zap.String("session_id", sessionID),
		zap.String("dest", destPath),
		zap.Int("files", count))

	return nil
}

// DownloadFiles packs the file or directory at the sanitized source
// path into a tar archive.
func (l *LocalBackend) DownloadFiles(_ context.Context, sessionID string, src string) ([]byte, error) {
	s, err := l.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	srcPath := l.sanitizePath(sessionID, l.defaultDest(src), s.dir)
	if _, err := os.Stat(srcPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("source path does not exist: %s", src)
		}
		return nil, fmt.Errorf("failed to stat source path: %w", err)
	}

	data, err := l.tarHandler.PackPath(srcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", src, err)
	}
	return data, nil
}

// Delete removes the session and its backing storage. Deleting an
// unknown key is not an error.
func (l *LocalBackend) Delete(_ context.Context, sessionID string) error {
	l.mu.Lock()
	var dir string
	if s, ok := l.sessions[sessionID]; ok {
		dir = s.dir
		delete(l.sessions, sessionID)
	} else {
		// Key sanitization can map distinct keys onto one directory
		// name. An unknown key must not remove storage that a
		// registered session resolved to.
		computed := l.sandboxDir(sessionID)
		owned := false
		for _, s := range l.sessions {
			if s.dir == computed {
				owned = true
				break
			}
		}
		if !owned {
			dir = computed
		}
	}
	l.mu.Unlock()

	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove sandbox storage: %w", err)
		}
	}

	l.logger.Info("sandbox deleted", zap.String("session_id", sessionID))
	return nil
}

// WaitReady ensures the session exists; a local sandbox is ready
// immediately after that.
func (l *LocalBackend) WaitReady(ctx context.Context, sessionID string, _, _ time.Duration) bool {
	return l.Touch(ctx, sessionID) == nil
}

// lookup returns a copy of the session's state, treating expired
// sessions as absent.
func (l *LocalBackend) lookup(sessionID string) (session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[sessionID]
	if !ok {
		return session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if time.Now().After(s.expiresAt) {
		delete(l.sessions, sessionID)
		if err := os.RemoveAll(s.dir); err != nil {
			l.logger.Warn("failed to remove expired sandbox storage",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		return session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return *s, nil
}

// reap deletes expired sessions and orphaned session directories left
// over from prior runs. Individual deletion failures are logged and do
// not abort the sweep.
func (l *LocalBackend) reap() {
	now := time.Now()

	l.mu.Lock()
	expired := make(map[string]string)
	for id, s := range l.sessions {
		if now.After(s.expiresAt) {
			expired[id] = s.dir
			delete(l.sessions, id)
		}
	}
	l.mu.Unlock()

	for id, dir := range expired {
		if err := os.RemoveAll(dir); err != nil {
			l.logger.Warn("failed to remove expired sandbox storage",
				zap.String("session_id", id), zap.Error(err))
			continue
		}
		l.logger.Info("expired sandbox reaped", zap.String("session_id", id))
	}

	entries, err := os.ReadDir(l.baseDir)
	if err != nil {
		l.logger.Warn("failed to scan storage root for orphans", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), sandboxDirPrefix) {
			continue
		}
		// Sessions register before their directory exists, so any
		// directory owned by a live session is visible in the registry
		// by the time the scan sees it. The check must happen per entry:
		// a snapshot taken before the scan would miss sessions created
		// while the sweep runs.
		if l.dirRegistered(entry.Name()) {
			continue
		}
		orphan := filepath.Join(l.baseDir, entry.Name())
		if err := os.RemoveAll(orphan); err != nil {
			l.logger.Warn("failed to remove orphaned sandbox directory",
				zap.String("dir", orphan), zap.Error(err))
			continue
		}
		l.logger.Info("orphaned sandbox directory removed", zap.String("dir", orphan))
	}
}

// dirRegistered reports whether any registered session owns the named
// directory under the storage root.
func (l *LocalBackend) dirRegistered(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sessions {
		if filepath.Base(s.dir) == name {
			return true
		}
	}
	return false
}

// sandboxDir computes the storage directory for a session key. The
// key is reduced to alphanumerics, dashes, and underscores so it can
// never influence the directory's location.
func (l *LocalBackend) sandboxDir(sessionID string) string {
	var b strings.Builder
	for _, r := range sessionID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	safe := b.String()
	if safe == "" {
		safe = "default"
	}
	return filepath.Join(l.baseDir, sandboxDirPrefix+safe)
}

// ensureSandboxDir creates the session directory and its workspace
// subdirectory.
func (*LocalBackend) ensureSandboxDir(dir string) error {
	return os.MkdirAll(filepath.Join(dir, security.WorkspaceDirName), fileops.DirPermission)
}

// sanitizePath confines a caller path to the session directory,
// logging when the caller's target was redirected to the workspace.
func (l *LocalBackend) sanitizePath(sessionID, path, sandboxDir string) string {
	sanitized := l.sanitizer.Sanitize(path, sandboxDir)
	if sanitized == filepath.Join(sandboxDir, security.WorkspaceDirName) && l.defaultDest(path) != DefaultWorkdir {
		l.logger.Debug("caller path redirected to workspace",
			zap.String("session_id", sessionID),
			zap.String("path", path))
	}
	return sanitized
}

// defaultDest substitutes the conventional workspace path for empty
// destination arguments.
func (*LocalBackend) defaultDest(path string) string {
	if path == "" {
		return DefaultWorkdir
	}
	return path
}
