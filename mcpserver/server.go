// Package mcpserver provides the Model Context Protocol (MCP) server
// implementation.
//
// The mcpserver package exposes the sandbox backend contract as MCP
// tools: session creation and keep-alive, command execution, file
// upload and download, and deletion. It uses the mark3labs/mcp-go
// library to handle the protocol details.
package mcpserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/noxrunner/noxrunner/config"
	"github.com/noxrunner/noxrunner/sandbox"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	backend   sandbox.Backend
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, backend sandbox.Backend) (*MCPServer, error) {
	s := &MCPServer{
		config:  cfg,
		logger:  logger,
		backend: backend,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("backend.mode", cfg.Backend.Mode),
		zap.String("backend.remote_url", cfg.Backend.RemoteURL),
		zap.String("sandbox.base_dir", cfg.Sandbox.BaseDir),
		zap.Int("sandbox.ttl_sec", cfg.Sandbox.TTLSec),
		zap.Int("sandbox.exec_timeout_sec", cfg.Sandbox.ExecTimeoutSec),
	)

	s.mcpServer = server.NewMCPServer("noxrunner", "A sandbox session execution server")

	s.registerSessionTools()

	return s, nil
}

func (s *MCPServer) registerSessionTools() {
	sessionIDProp := map[string]any{
		"type":        "string",
		"description": "Caller-chosen session key",
	}

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "create_sandbox",
		Description: "Create or refresh a sandbox session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
				"ttl_seconds": map[string]any{
					"type":        "number",
					"description": "Session time-to-live in seconds (optional)",
				},
				"image": map[string]any{
					"type":        "string",
					"description": "Container image for remote backends (optional)",
				},
			},
			Required: []string{"session_id"},
		},
	}, s.handleCreateSandbox)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "touch_sandbox",
		Description: "Extend a sandbox session's TTL, creating it if unknown",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
			},
			Required: []string{"session_id"},
		},
	}, s.handleTouchSandbox)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "exec_command",
		Description: "Execute a command vector inside a sandbox session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
				"cmd": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Command and arguments",
				},
				"workdir": map[string]any{
					"type":        "string",
					"description": "Working directory inside the sandbox (optional)",
				},
				"env": map[string]any{
					"type":        "object",
					"description": "Additional environment variables (optional)",
				},
				"timeout_seconds": map[string]any{
					"type":        "number",
					"description": "Command timeout in seconds (optional)",
				},
			},
			Required: []string{"session_id", "cmd"},
		},
	}, s.handleExecCommand)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "upload_files",
		Description: "Upload files into a sandbox session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
				"files": map[string]any{
					"type":        "object",
					"description": "Mapping from file name to text content",
				},
				"dest": map[string]any{
					"type":        "string",
					"description": "Destination directory inside the sandbox (optional)",
				},
			},
			Required: []string{"session_id", "files"},
		},
	}, s.handleUploadFiles)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "download_files",
		Description: "Download a file or directory from a sandbox session as a base64 tar archive",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
				"src": map[string]any{
					"type":        "string",
					"description": "Source path inside the sandbox (optional)",
				},
			},
			Required: []string{"session_id"},
		},
	}, s.handleDownloadFiles)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "delete_sandbox",
		Description: "Delete a sandbox session and its storage",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
			},
			Required: []string{"session_id"},
		},
	}, s.handleDeleteSandbox)
}

func (s *MCPServer) handleCreateSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}

	opts := sandbox.CreateOptions{
		Image: request.GetString("image", ""),
	}
	if ttlSec := request.GetInt("ttl_seconds", 0); ttlSec > 0 {
		opts.TTL = time.Duration(ttlSec) * time.Second
	}

	sb, err := s.backend.CreateSandbox(ctx, sessionID, opts)
	if err != nil {
		s.logger.Error("sandbox creation failed", zap.Error(err), zap.String("session_id", sessionID))
		return errorResult(fmt.Sprintf("Create failed: %v", err)), nil
	}

	s.logger.Info("sandbox created via MCP",
		zap.String("session_id", sessionID),
		zap.String("pod_name", sb.PodName))

	return textResult(fmt.Sprintf(`{"podName":%q,"expiresAt":%q}`,
		sb.PodName, sb.ExpiresAt.UTC().Format(time.RFC3339))), nil
}

func (s *MCPServer) handleTouchSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}

	if err := s.backend.Touch(ctx, sessionID); err != nil {
		return errorResult(fmt.Sprintf("Touch failed: %v", err)), nil
	}
	return textResult(`{"touched":true}`), nil
}

func (s *MCPServer) handleExecCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}

	args := request.GetArguments()
	rawCmd, ok := args["cmd"].([]any)
	if !ok || len(rawCmd) == 0 {
		return nil, fmt.Errorf("cmd parameter must be a non-empty array of strings")
	}
	cmd := make([]string, 0, len(rawCmd))
	for _, item := range rawCmd {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("cmd parameter must contain only strings")
		}
		cmd = append(cmd, str)
	}

	env := map[string]string{}
	if rawEnv, ok := args["env"].(map[string]any); ok {
		for key, value := range rawEnv {
			if str, ok := value.(string); ok {
				env[key] = str
			}
		}
	}

	req := sandbox.ExecRequest{
		Cmd:     cmd,
		Workdir: request.GetString("workdir", ""),
		Env:     env,
	}
	if timeoutSec := request.GetInt("timeout_seconds", 0); timeoutSec > 0 {
		req.Timeout = time.Duration(timeoutSec) * time.Second
	}

	s.logger.Info("executing command via MCP",
		zap.String("session_id", sessionID),
		zap.Strings("cmd", cmd))

	result, err := s.backend.Exec(ctx, sessionID, req)
	if err != nil {
		s.logger.Error("command execution failed",
			zap.Error(err),
			zap.String("session_id", sessionID))
		return errorResult(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	s.logger.Info("command execution completed",
		zap.String("session_id", sessionID),
		zap.Int("exit_code", result.ExitCode),
		zap.Int("stdout_len", len(result.Stdout)),
		zap.Int("stderr_len", len(result.Stderr)))

	return textResult(fmt.Sprintf(`{"exitCode":%d,"stdout":%q,"stderr":%q,"durationMs":%d}`,
		result.ExitCode, result.Stdout, result.Stderr, result.Duration.Milliseconds())), nil
}

func (s *MCPServer) handleUploadFiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}

	rawFiles, ok := request.GetArguments()["files"].(map[string]any)
	if !ok || len(rawFiles) == 0 {
		return nil, fmt.Errorf("files parameter must be a non-empty object")
	}
	files := make(map[string][]byte, len(rawFiles))
	for name, value := range rawFiles {
		str, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("files parameter must map names to string content")
		}
		files[name] = []byte(str)
	}

	dest := request.GetString("dest", "")
	if err := s.backend.UploadFiles(ctx, sessionID, files, dest); err != nil {
		return errorResult(fmt.Sprintf("Upload failed: %v", err)), nil
	}

	return textResult(fmt.Sprintf(`{"uploaded":%d}`, len(files))), nil
}

func (s *MCPServer) handleDownloadFiles(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}

	data, err := s.backend.DownloadFiles(ctx, sessionID, request.GetString("src", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("Download failed: %v", err)), nil
	}

	return textResult(fmt.Sprintf(`{"tar":%q}`, base64.StdEncoding.EncodeToString(data))), nil
}

func (s *MCPServer) handleDeleteSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}

	if err := s.backend.Delete(ctx, sessionID); err != nil {
		return errorResult(fmt.Sprintf("Delete failed: %v", err)), nil
	}
	return textResult(`{"deleted":true}`), nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
