package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all relay tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("relay", "1.0.0")
	client := NewRelayClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolDiscoverAgents, h.HandleDiscoverAgents)
	s.AddTool(ToolSendMessage, h.HandleSendMessage)
	s.AddTool(ToolPollMessages, h.HandlePollMessages)
	s.AddTool(ToolVerifyPayment, h.HandleVerifyPayment)
	s.AddTool(ToolEscrowHold, h.HandleEscrowHold)
	s.AddTool(ToolEscrowRelease, h.HandleEscrowRelease)
	s.AddTool(ToolEscrowStatus, h.HandleEscrowStatus)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolGetReputation, h.HandleGetReputation)

	return s
}
