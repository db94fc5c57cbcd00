// Package mcpserver exposes sandboxed execution as Model Context Protocol
// tools.
//
// Two tools are registered: run_sandboxed runs one command under a profile
// with optional files, stdin and limits, and list_profiles names the
// profiles it accepts. The executor behind them is a local sandbox.Engine
// or an rpc.Client talking to remote workers; the tools do not know which.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, log, executor, registry)
//	if err != nil {
//	    return err
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
