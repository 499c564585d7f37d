package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/noxrunner/noxrunner/fileops"
	"github.com/noxrunner/noxrunner/security"
)

func newTestBackend(t *testing.T, opts ...LocalBackendOption) (*LocalBackend, string) {
	t.Helper()
	baseDir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	all := append([]LocalBackendOption{WithBaseDir(baseDir)}, opts...)
	return NewLocalBackend(zaptest.NewLogger(t), all...), baseDir
}

func workspaceDir(baseDir, sessionID string) string {
	return filepath.Join(baseDir, sandboxDirPrefix+sessionID, security.WorkspaceDirName)
}

func TestLocalHealthCheck(t *testing.T) {
	backend, _ := newTestBackend(t)
	assert.True(t, backend.HealthCheck(context.Background()))
}

func TestLocalCreateSandbox(t *testing.T) {
	backend, baseDir := newTestBackend(t)

	sb, err := backend.CreateSandbox(context.Background(), "s1", CreateOptions{TTL: time.Minute})
	require.NoError(t, err)

	assert.Equal(t, "local-s1", sb.PodName)
	assert.WithinDuration(t, time.Now().Add(time.Minute), sb.ExpiresAt, 5*time.Second)
	assert.DirExists(t, workspaceDir(baseDir, "s1"))
}

func TestLocalCreateSanitizesSessionKey(t *testing.T) {
	backend, baseDir := newTestBackend(t)

	_, err := backend.CreateSandbox(context.Background(), "../weird key!", CreateOptions{})
	require.NoError(t, err)

	// Path characters are stripped from the key before it names a
	// directory, so it cannot steer storage out of the base directory.
	assert.DirExists(t, workspaceDir(baseDir, "weirdkey"))

	entries, err := os.ReadDir(baseDir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.True(t, strings.HasPrefix(entry.Name(), sandboxDirPrefix))
	}
}

func TestLocalTouchUnknownKeyCreates(t *testing.T) {
	backend, baseDir := newTestBackend(t)

	require.NoError(t, backend.Touch(context.Background(), "fresh"))
	assert.DirExists(t, workspaceDir(baseDir, "fresh"))
}

func TestLocalTouchExtendsExpiry(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	_, err := backend.CreateSandbox(ctx, "s1", CreateOptions{TTL: 500 * time.Millisecond})
	require.NoError(t, err)

	// Touch before expiry; the session must outlive its original TTL.
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, backend.Touch(ctx, "s1"))
	time.Sleep(300 * time.Millisecond)

	result, err := backend.Exec(ctx, "s1", ExecRequest{Cmd: []string{"echo", "alive"}})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
}

func TestLocalExpiredSessionReaped(t *testing.T) {
	backend, baseDir := newTestBackend(t)
	ctx := context.Background()

	_, err := backend.CreateSandbox(ctx, "s1", CreateOptions{TTL: 50 * time.Millisecond})
	require.NoError(t, err)
	dir := filepath.Join(baseDir, sandboxDirPrefix+"s1")
	require.DirExists(t, dir)

	time.Sleep(100 * time.Millisecond)

	// Any touch runs the sweep.
	require.NoError(t, backend.Touch(ctx, "other"))

	_, err = backend.Exec(ctx, "s1", ExecRequest{Cmd: []string{"echo", "hi"}})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.NoDirExists(t, dir)
}

func TestLocalOrphanDirectoriesReaped(t *testing.T) {
	baseDir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	orphan := filepath.Join(baseDir, sandboxDirPrefix+"leftover")
	require.NoError(t, os.MkdirAll(filepath.Join(orphan, security.WorkspaceDirName), 0755))
	unrelated := filepath.Join(baseDir, "unrelated")
	require.NoError(t, os.MkdirAll(unrelated, 0755))

	// Construction sweeps the storage root.
	NewLocalBackend(zaptest.NewLogger(t), WithBaseDir(baseDir))

	assert.NoDirExists(t, orphan)
	assert.DirExists(t, unrelated)
}

func TestLocalDeleteIdempotent(t *testing.T) {
	backend, baseDir := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, backend.Delete(ctx, "never-created"))

	_, err := backend.CreateSandbox(ctx, "s1", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, backend.Delete(ctx, "s1"))
	assert.NoDirExists(t, filepath.Join(baseDir, sandboxDirPrefix+"s1"))
	require.NoError(t, backend.Delete(ctx, "s1"))
}

func TestLocalCreateSurvivesConcurrentSweep(t *testing.T) {
	backend, baseDir := newTestBackend(t)
	ctx := context.Background()

	// A keep-alive client triggers the reap sweep on every Touch while
	// other sessions are being created. The sweep must never mistake a
	// registered session's directory for an orphan.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				_ = backend.Touch(ctx, "keepalive")
			}
		}
	}()

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("sess-%d", i)
		_, err := backend.CreateSandbox(ctx, id, CreateOptions{TTL: time.Minute})
		require.NoError(t, err)
		assert.DirExists(t, workspaceDir(baseDir, id))
		require.NoError(t, backend.Delete(ctx, id))
	}

	close(stop)
	<-done
}

func TestLocalDeleteUnknownKeyKeepsCollidingSession(t *testing.T) {
	backend, baseDir := newTestBackend(t)
	ctx := context.Background()

	_, err := backend.CreateSandbox(ctx, "weirdkey", CreateOptions{})
	require.NoError(t, err)

	// "weird key!" sanitizes to the same directory name as "weirdkey";
	// deleting the unknown key must leave the live session's storage.
	require.NoError(t, backend.Delete(ctx, "weird key!"))
	assert.DirExists(t, workspaceDir(baseDir, "weirdkey"))

	result, err := backend.Exec(ctx, "weirdkey", ExecRequest{Cmd: []string{"echo", "ok"}})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
}

func TestLocalExecUnknownSession(t *testing.T) {
	backend, _ := newTestBackend(t)

	_, err := backend.Exec(context.Background(), "missing", ExecRequest{Cmd: []string{"echo", "hi"}})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLocalExecDeniedCommand(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	_, err := backend.CreateSandbox(ctx, "s1", CreateOptions{})
	require.NoError(t, err)

	t.Run("BlockedCommand", func(t *testing.T) {
		result, err := backend.Exec(ctx, "s1", ExecRequest{Cmd: []string{"rm", "-rf", "/"}})
		require.NoError(t, err)
		assert.Equal(t, 1, result.ExitCode)
		assert.Equal(t, "Command not allowed: rm", result.Stderr)
	})

	t.Run("UnknownCommand", func(t *testing.T) {
		result, err := backend.Exec(ctx, "s1", ExecRequest{Cmd: []string{"nmap", "localhost"}})
		require.NoError(t, err)
		assert.Equal(t, 1, result.ExitCode)
		assert.Equal(t, "Command not allowed: nmap", result.Stderr)
	})

	t.Run("EmptyCommand", func(t *testing.T) {
		result, err := backend.Exec(ctx, "s1", ExecRequest{Cmd: nil})
		require.NoError(t, err)
		assert.Equal(t, 1, result.ExitCode)
		assert.Equal(t, "Command not allowed: empty", result.Stderr)
	})
}

func TestLocalExecEcho(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	_, err := backend.CreateSandbox(ctx, "s1", CreateOptions{})
	require.NoError(t, err)

	result, err := backend.Exec(ctx, "s1", ExecRequest{Cmd: []string{"echo", "hello"}})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Empty(t, result.Stderr)
	assert.Greater(t, result.Duration, time.Duration(0))
}

func TestLocalExecEnv(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	_, err := backend.CreateSandbox(ctx, "s1", CreateOptions{})
	require.NoError(t, err)

	result, err := backend.Exec(ctx, "s1", ExecRequest{
		Cmd: []string{"sh", "-c", "echo $GREETING"},
		Env: map[string]string{"GREETING": "bonjour"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "bonjour\n", result.Stdout)
}

func TestLocalExecWorkdirConfined(t *testing.T) {
	backend, baseDir := newTestBackend(t)
	ctx := context.Background()

	_, err := backend.CreateSandbox(ctx, "s1", CreateOptions{})
	require.NoError(t, err)

	// A traversal workdir lands in the workspace, not in /etc.
	result, err := backend.Exec(ctx, "s1", ExecRequest{
		Cmd:     []string{"pwd"},
		Workdir: "../../../../etc",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, workspaceDir(baseDir, "s1"), strings.TrimSpace(result.Stdout))
}

func TestLocalExecTimeout(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	_, err := backend.CreateSandbox(ctx, "s1", CreateOptions{})
	require.NoError(t, err)

	result, err := backend.Exec(ctx, "s1", ExecRequest{
		Cmd:     []string{"sh", "-c", "sleep 5"},
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, ExitCodeTimeout, result.ExitCode)
	assert.Contains(t, result.Stderr, "timed out")

	// A timed-out command does not invalidate the session.
	again, err := backend.Exec(ctx, "s1", ExecRequest{Cmd: []string{"echo", "still here"}})
	require.NoError(t, err)
	assert.Equal(t, 0, again.ExitCode)
}

func TestLocalUploadFiles(t *testing.T) {
	backend, baseDir := newTestBackend(t)
	ctx := context.Background()

	_, err := backend.CreateSandbox(ctx, "s1", CreateOptions{})
	require.NoError(t, err)

	files := map[string][]byte{
		"script.py":          []byte("print('hi')"),
		"nested/data.txt":    []byte("data"),
		"../../escape/x.txt": []byte("nope"),
	}
	require.NoError(t, backend.UploadFiles(ctx, "s1", files, ""))

	workspace := workspaceDir(baseDir, "s1")

	// Only base names are written; caller-supplied path components are
	// discarded.
	got, err := os.ReadFile(filepath.Join(workspace, "script.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')", string(got))
	assert.FileExists(t, filepath.Join(workspace, "data.txt"))
	assert.FileExists(t, filepath.Join(workspace, "x.txt"))
	assert.NoFileExists(t, filepath.Join(baseDir, "escape", "x.txt"))
}

func TestLocalUploadFilesUnknownSession(t *testing.T) {
	backend, _ := newTestBackend(t)

	err := backend.UploadFiles(context.Background(), "missing", map[string][]byte{"a": nil}, "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLocalUploadTar(t *testing.T) {
	backend, baseDir := newTestBackend(t)
	ctx := context.Background()
	handler := fileops.NewTarHandler()

	_, err := backend.CreateSandbox(ctx, "s1", CreateOptions{})
	require.NoError(t, err)

	t.Run("ValidArchive", func(t *testing.T) {
		data, err := handler.Pack(map[string][]byte{
			"main.py":        []byte("print('ok')"),
			"lib/helpers.py": []byte("pass"),
		})
		require.NoError(t, err)

		require.NoError(t, backend.UploadTar(ctx, "s1", data, ""))

		workspace := workspaceDir(baseDir, "s1")
		assert.FileExists(t, filepath.Join(workspace, "main.py"))
		assert.FileExists(t, filepath.Join(workspace, "lib", "helpers.py"))
	})

	t.Run("FullyRejectedArchive", func(t *testing.T) {
		data, err := handler.Pack(map[string][]byte{
			"../../evil.txt": []byte("escape"),
		})
		require.NoError(t, err)

		err = backend.UploadTar(ctx, "s1", data, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rejected")
		assert.NoFileExists(t, filepath.Join(baseDir, "evil.txt"))
	})
}

func TestLocalDownloadFiles(t *testing.T) {
	backend, baseDir := newTestBackend(t)
	ctx := context.Background()
	handler := fileops.NewTarHandler()

	_, err := backend.CreateSandbox(ctx, "s1", CreateOptions{})
	require.NoError(t, err)

	workspace := workspaceDir(baseDir, "s1")
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "result.txt"), []byte("output"), 0600))

	t.Run("RoundTrip", func(t *testing.T) {
		data, err := backend.DownloadFiles(ctx, "s1", "")
		require.NoError(t, err)

		dest, err := filepath.EvalSymlinks(t.TempDir())
		require.NoError(t, err)
		count, err := handler.Unpack(data, dest, "", false)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		got, err := os.ReadFile(filepath.Join(dest, "result.txt"))
		require.NoError(t, err)
		assert.Equal(t, "output", string(got))
	})

	t.Run("MissingSource", func(t *testing.T) {
		_, err := backend.DownloadFiles(ctx, "s1", "no/such/dir")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not exist")
	})

	t.Run("UnknownSession", func(t *testing.T) {
		_, err := backend.DownloadFiles(ctx, "missing", "")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestLocalWaitReady(t *testing.T) {
	backend, _ := newTestBackend(t)

	assert.True(t, backend.WaitReady(context.Background(), "s1", time.Second, 10*time.Millisecond))
}

func TestLocalConcurrentTouch(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 20; j++ {
				_ = backend.Touch(ctx, "shared")
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	result, err := backend.Exec(ctx, "shared", ExecRequest{Cmd: []string{"echo", "ok"}})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
}
