// Package mcpd implements a reference server for the Model Context Protocol
// (MCP): a JSON-RPC based agent/tool protocol served over a newline-framed
// stdio channel and a streamable HTTP channel with Server-Sent Events.
//
// The package provides the protocol runtime only: message parsing, the
// initialize/initialized lifecycle, capability negotiation, session tracking,
// SSE streaming with replay, routing and graceful shutdown. Tool
// implementations, authentication and telemetry are consumed through small
// collaborator interfaces (ToolExecutor, TokenValidator, MetricsSink) so they
// can be supplied by the embedding application.
package mcpd
