// Package main is the entry point for the noxrunner MCP server.
//
// The noxrunner server mediates access to sandbox execution sessions:
// it validates commands against an allow/deny policy, confines every
// caller-supplied path to the session's workspace, and transfers files
// as safety-checked tar archives. Sessions are served either by a
// local filesystem/process simulation for offline development or by
// forwarding to a remote executor.
//
// The application uses Uber's fx framework for dependency injection
// and lifecycle management, with zap for structured logging and viper
// for configuration.
package main

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/noxrunner/noxrunner/config"
	"github.com/noxrunner/noxrunner/logger"
	"github.com/noxrunner/noxrunner/mcpserver"
	"github.com/noxrunner/noxrunner/sandbox"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Sandbox backend based on config
			sandbox.NewFromConfig,

			// MCP Server
			mcpserver.New,
		),

		// Start the appropriate transport based on config
		fx.Invoke(
			func(cfg *config.Config, server *mcpserver.MCPServer) {
				switch cfg.Server.Transport {
				case "stdio":
					go func() {
						if err := server.ServeStdio(); err != nil {
							panic(err)
						}
					}()
				case "http":
					go func() {
						if err := server.ServeHTTP(); err != nil {
							panic(err)
						}
					}()
				default:
					panic("unsupported transport: " + cfg.Server.Transport)
				}
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}
