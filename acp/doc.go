// Package acp serves the Agent Client Protocol (ACP) on a jsonrpc.Conn so
// editors such as Zed can drive the agent as an external process.
//
// Inbound methods: initialize, authenticate, session/new, session/load,
// session/prompt and the session/cancel notification. The agent calls back
// into the editor with session/update notifications and with
// session/request_permission, fs/read_text_file and fs/write_text_file
// requests.
//
// Messages are newline-delimited JSON; nothing but protocol frames is
// written to the output stream.
package acp
