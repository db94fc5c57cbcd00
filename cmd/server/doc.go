// Package main is the entry point for the gradebox MCP server.
//
// The server exposes sandboxed command execution to MCP clients over stdio
// or HTTP. With server.executor set to "local" it drives a container runtime
// (Docker or Podman) itself; with "remote" it forwards every call over the
// broker to gradebox workers. A remote executor on the in-memory broker runs
// its own embedded worker.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
