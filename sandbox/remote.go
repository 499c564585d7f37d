package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noxrunner/noxrunner/fileops"
)

// HTTPError is a structured failure from the remote executor. The
// status code classifies the failure (not-found, conflict,
// bad-request, server-error) so callers can tell a missing session
// from a transport problem.
type HTTPError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Message, e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Is maps a 404 from the remote executor onto ErrSessionNotFound so
// both backends surface missing sessions the same way.
func (e *HTTPError) Is(target error) bool {
	return target == ErrSessionNotFound && e.StatusCode == http.StatusNotFound
}

// RemoteBackend implements Backend by forwarding every operation to a
// remote executor over its session-oriented HTTP protocol.
type RemoteBackend struct {
	logger     *zap.Logger
	baseURL    string
	httpClient *http.Client
	tarHandler *fileops.TarHandler
}

// NewRemoteBackend creates a RemoteBackend talking to baseURL with the
// given per-request timeout.
func NewRemoteBackend(logger *zap.Logger, baseURL string, timeout time.Duration) *RemoteBackend {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	return &RemoteBackend{
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tarHandler: fileops.NewTarHandler(),
	}
}

// Wire types, field names fixed by the remote protocol

type createSandboxRequest struct {
	TTLSeconds            int    `json:"ttlSeconds"`
	Image                 string `json:"image,omitempty"`
	CPULimit              string `json:"cpuLimit,omitempty"`
	MemoryLimit           string `json:"memoryLimit,omitempty"`
	EphemeralStorageLimit string `json:"ephemeralStorageLimit,omitempty"`
}

type createSandboxResponse struct {
	PodName   string `json:"podName"`
	ExpiresAt string `json:"expiresAt"`
}

type execRequestBody struct {
	Cmd            []string          `json:"cmd"`
	Workdir        string            `json:"workdir"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
}

type execResponseBody struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
}

// HealthCheck probes GET /healthz.
func (r *RemoteBackend) HealthCheck(ctx context.Context) bool {
	status, body, err := r.request(ctx, http.MethodGet, "/healthz", nil, "")
	return err == nil && status == http.StatusOK && bytes.Contains(body, []byte("OK"))
}

// CreateSandbox issues PUT /v1/sandboxes/{id}.
func (r *RemoteBackend) CreateSandbox(ctx context.Context, sessionID string, opts CreateOptions) (Sandbox, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	reqBody := createSandboxRequest{
		TTLSeconds:            int(ttl.Seconds()),
		Image:                 opts.Image,
		CPULimit:              opts.CPULimit,
		MemoryLimit:           opts.MemoryLimit,
		EphemeralStorageLimit: opts.EphemeralStorageLimit,
	}

	var resp createSandboxResponse
	if err := r.jsonRequest(ctx, http.MethodPut, "/v1/sandboxes/"+url.PathEscape(sessionID), reqBody, &resp); err != nil {
		return Sandbox{}, err
	}

	// Lenient timestamp parsing: some servers append a literal "Z" to
	// an already offset-qualified timestamp. A descriptor with a zero
	// expiry is still usable, the authoritative TTL lives server-side.
	expiresAt, err := time.Parse(time.RFC3339, resp.ExpiresAt)
	if err != nil {
		expiresAt, err = time.Parse(time.RFC3339, strings.TrimSuffix(resp.ExpiresAt, "Z"))
	}
	if err != nil {
		r.logger.Debug("unparseable expiresAt in create response",
			zap.String("expires_at", resp.ExpiresAt))
		expiresAt = time.Time{}
	}

	return Sandbox{PodName: resp.PodName, ExpiresAt: expiresAt}, nil
}

// Touch issues POST /v1/sandboxes/{id}/touch.
func (r *RemoteBackend) Touch(ctx context.Context, sessionID string) error {
	return r.jsonRequest(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(sessionID)+"/touch", nil, nil)
}

// Exec issues POST /v1/sandboxes/{id}/exec.
func (r *RemoteBackend) Exec(ctx context.Context, sessionID string, req ExecRequest) (ExecResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	workdir := req.Workdir
	if workdir == "" {
		workdir = DefaultWorkdir
	}
	reqBody := execRequestBody{
		Cmd:            req.Cmd,
		Workdir:        workdir,
		Env:            req.Env,
		TimeoutSeconds: int(timeout.Seconds()),
	}

	var resp execResponseBody
	if err := r.jsonRequest(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(sessionID)+"/exec", reqBody, &resp); err != nil {
		return ExecResult{}, err
	}

	return ExecResult{
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Duration: time.Duration(resp.DurationMs) * time.Millisecond,
	}, nil
}

// UploadFiles packs the file map into a tar archive and uploads it.
func (r *RemoteBackend) UploadFiles(ctx context.Context, sessionID string, files map[string][]byte, dest string) error {
	tarData, err := r.tarHandler.Pack(files)
	if err != nil {
		return fmt.Errorf("failed to pack files: %w", err)
	}
	return r.UploadTar(ctx, sessionID, tarData, dest)
}

// UploadTar issues POST /v1/sandboxes/{id}/files/upload?dest=...
func (r *RemoteBackend) UploadTar(ctx context.Context, sessionID string, tarData []byte, dest string) error {
	if dest == "" {
		dest = DefaultWorkdir
	}
	query := url.Values{"dest": {dest}}
	path := "/v1/sandboxes/" + url.PathEscape(sessionID) + "/files/upload?" + query.Encode()

	status, body, err := r.request(ctx, http.MethodPost, path, tarData, "application/x-tar")
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &HTTPError{StatusCode: status, Message: "upload failed", Body: string(body)}
	}
	return nil
}

// DownloadFiles issues GET /v1/sandboxes/{id}/files/download?src=...
// and returns the archive bytes.
func (r *RemoteBackend) DownloadFiles(ctx context.Context, sessionID string, src string) ([]byte, error) {
	if src == "" {
		src = DefaultWorkdir
	}
	query := url.Values{"src": {src}}
	path := "/v1/sandboxes/" + url.PathEscape(sessionID) + "/files/download?" + query.Encode()

	status, body, err := r.request(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &HTTPError{StatusCode: status, Message: "download failed", Body: string(body)}
	}
	return body, nil
}

// Delete issues DELETE /v1/sandboxes/{id}. A 404 is treated as
// success: deleting an unknown session is not an error.
func (r *RemoteBackend) Delete(ctx context.Context, sessionID string) error {
	status, body, err := r.request(ctx, http.MethodDelete, "/v1/sandboxes/"+url.PathEscape(sessionID), nil, "")
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return &HTTPError{StatusCode: status, Message: "delete failed", Body: string(body)}
	}
}

// WaitReady polls the sandbox with "echo ready" until it answers or
// the timeout elapses.
func (r *RemoteBackend) WaitReady(ctx context.Context, sessionID string, timeout, interval time.Duration) bool {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		result, err := r.Exec(ctx, sessionID, ExecRequest{
			Cmd:     []string{"echo", "ready"},
			Timeout: 5 * time.Second,
		})
		if err == nil && strings.TrimSpace(result.Stdout) == "ready" {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return false
}

// request performs one HTTP exchange and returns the status code and
// response body. Transport failures are wrapped with context so they
// are distinguishable from structured HTTP failures.
func (r *RemoteBackend) request(ctx context.Context, method, path string, body []byte, contentType string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// jsonRequest performs an exchange with a JSON request body and
// decodes a JSON response into out when it is non-nil.
func (r *RemoteBackend) jsonRequest(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	contentType := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = data
		contentType = "application/json"
	}

	status, respBody, err := r.request(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &HTTPError{StatusCode: status, Message: "request failed", Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("invalid JSON response: %w", err)
		}
	}
	return nil
}
