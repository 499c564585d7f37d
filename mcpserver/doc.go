// Package mcpserver exposes sandbox sessions over the Model Context
// Protocol.
//
// The mcpserver package registers one MCP tool per backend operation:
// create_sandbox, touch_sandbox, exec_command, upload_files,
// download_files, and delete_sandbox. Tar payloads cross the protocol
// boundary base64-encoded. The server runs on stdio or streamable
// HTTP depending on configuration.
package mcpserver
