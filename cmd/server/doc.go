// Package main is the entry point for the noxrunner MCP server.
//
// The noxrunner server exposes sandbox execution sessions over the
// Model Context Protocol. Every command is checked against an
// allow/deny policy, every caller-supplied path is confined to the
// session workspace, and file transfer is done with safety-checked tar
// archives. Sessions are backed either by a local filesystem and
// process simulation or by a remote executor reached over HTTP.
//
// The application uses Uber's fx framework for dependency injection
// and lifecycle management, with zap for structured logging and viper
// for configuration.
package main
