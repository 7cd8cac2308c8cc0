package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *RelayClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *RelayClient) *Handlers {
	return &Handlers{client: client}
}

// HandleDiscoverAgents ranks agents for an intent.
func (h *Handlers) HandleDiscoverAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	intent := req.GetString("intent", "")
	limit := req.GetInt("limit", 10)

	var raw json.RawMessage
	var err error
	if req.GetBool("personalized", false) {
		raw, err = h.client.Recommend(ctx, intent, limit)
	} else {
		raw, err = h.client.Discover(ctx, intent, limit)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Discovery failed: %v", err)), nil
	}

	text, err := formatAgentList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agents: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleSendMessage publishes one envelope.
func (h *Handlers) HandleSendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}
	msgType := req.GetString("type", "")
	if msgType == "" {
		return mcp.NewToolResultError("type is required"), nil
	}

	envelope := map[string]any{
		"id":     id,
		"type":   strings.ToUpper(msgType),
		"sender": map[string]any{"id": h.client.cfg.AgentDID},
	}
	if recipient := req.GetString("recipient", ""); recipient != "" {
		envelope["recipient"] = map[string]any{"id": recipient}
	}
	if thread := req.GetString("thread", ""); thread != "" {
		envelope["thread"] = map[string]any{"id": thread}
	}
	if raw := req.GetArguments()["payload"]; raw != nil {
		if m, ok := raw.(map[string]any); ok {
			envelope["payload"] = m
		}
	}

	raw, err := h.client.SendMessage(ctx, envelope)
	if err != nil {
		// 402s surface here with the payment requirement in the message.
		return mcp.NewToolResultError(fmt.Sprintf("Send failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Envelope %s (%s) admitted.\n\n%s",
		id, strings.ToUpper(msgType), formatJSON(raw))), nil
}

// HandlePollMessages long-polls for envelopes.
func (h *Handlers) HandlePollMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.PollMessages(ctx,
		req.GetString("type", ""),
		req.GetString("thread", ""),
		req.GetInt("timeout", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Poll failed: %v", err)), nil
	}

	text, err := formatEventList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse events: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleVerifyPayment checks a claimed payment.
func (h *Handlers) HandleVerifyPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txHash := req.GetString("tx_hash", "")
	if txHash == "" {
		return mcp.NewToolResultError("tx_hash is required"), nil
	}

	body := map[string]any{"txHash": txHash}
	for arg, field := range map[string]string{
		"chain":      "chain",
		"token":      "token",
		"payer":      "payer",
		"payee":      "payee",
		"amount":     "amount",
		"request_id": "requestId",
	} {
		if v := req.GetString(arg, ""); v != "" {
			body[field] = v
		}
	}

	raw, err := h.client.VerifyPayment(ctx, body)
	if err != nil {
		// Pending (409) and terminal (400) failures both land here; the
		// message carries the taxonomy code.
		return mcp.NewToolResultError(fmt.Sprintf("Verification failed: %v", err)), nil
	}

	return mcp.NewToolResultText("Payment verified.\n\n" + formatJSON(raw)), nil
}

// HandleEscrowHold places funds in escrow.
func (h *Handlers) HandleEscrowHold(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID := req.GetString("request_id", "")
	if requestID == "" {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	payee := req.GetString("payee", "")
	if payee == "" {
		return mcp.NewToolResultError("payee is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}

	raw, err := h.client.EscrowHold(ctx, requestID, payee, amount, req.GetString("currency", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Hold failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow held for request %s: %s to %s on release.\n\n%s",
		requestID, amount, payee, formatJSON(raw))), nil
}

// HandleEscrowRelease settles a held escrow.
func (h *Handlers) HandleEscrowRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID := req.GetString("request_id", "")
	if requestID == "" {
		return mcp.NewToolResultError("request_id is required"), nil
	}

	raw, err := h.client.EscrowRelease(ctx, requestID, req.GetString("resolution", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Release failed: %v", err)), nil
	}

	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleEscrowStatus fetches one escrow record.
func (h *Handlers) HandleEscrowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID := req.GetString("request_id", "")
	if requestID == "" {
		return mcp.NewToolResultError("request_id is required"), nil
	}

	raw, err := h.client.EscrowStatus(ctx, requestID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Lookup failed: %v", err)), nil
	}

	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckBalance returns a ledger account balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.LedgerBalance(ctx, req.GetString("account", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetReputation returns the reputation record for an agent.
func (h *Handlers) HandleGetReputation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	did := req.GetString("did", "")
	if did == "" {
		return mcp.NewToolResultError("did is required"), nil
	}

	raw, err := h.client.GetReputation(ctx, did)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get reputation: %v", err)), nil
	}

	text, err := formatReputation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reputation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatAgentList(raw json.RawMessage) (string, error) {
	var resp struct {
		Agents []map[string]any `json:"agents"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected agents response format")
	}
	if len(resp.Agents) == 0 {
		return "No agents found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d agent(s):\n\n", len(resp.Agents))
	for i, a := range resp.Agents {
		fmt.Fprintf(&sb, "%d. %s", i+1, getString(a, "did"))
		if name := getString(a, "name"); name != "" {
			fmt.Fprintf(&sb, " (%s)", name)
		}
		sb.WriteString("\n")
		if score, ok := getFloat(a, "score"); ok {
			fmt.Fprintf(&sb, "   Score: %.1f", score)
			if online, _ := a["online"].(bool); online {
				sb.WriteString(" | online")
			}
			sb.WriteString("\n")
		}
		if intents, ok := a["intents"].([]any); ok && len(intents) > 0 {
			parts := make([]string, 0, len(intents))
			for _, it := range intents {
				if s, ok := it.(string); ok {
					parts = append(parts, s)
				}
			}
			fmt.Fprintf(&sb, "   Intents: %s\n", strings.Join(parts, ", "))
		}
	}
	return sb.String(), nil
}

func formatEventList(raw json.RawMessage) (string, error) {
	var resp struct {
		Events  []map[string]any `json:"events"`
		HasMore bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected events response format")
	}
	if len(resp.Events) == 0 {
		return "No messages.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d message(s):\n\n", len(resp.Events))
	for _, e := range resp.Events {
		sender := ""
		if s, ok := e["sender"].(map[string]any); ok {
			sender = getString(s, "id")
		}
		fmt.Fprintf(&sb, "[%s] %s from %s\n", getString(e, "type"), getString(e, "id"), sender)
		if payload, ok := e["payload"]; ok && payload != nil {
			data, _ := json.Marshal(payload)
			fmt.Fprintf(&sb, "  payload: %s\n", string(data))
		}
	}
	if resp.HasMore {
		sb.WriteString("\n(more buffered; poll again)")
	}
	return sb.String(), nil
}

func formatEscrow(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	escrow := resp
	if e, ok := resp["escrow"].(map[string]any); ok {
		escrow = e
	}

	var sb strings.Builder
	sb.WriteString("Escrow:\n")
	fmt.Fprintf(&sb, "  Request: %s\n", getString(escrow, "requestId"))
	fmt.Fprintf(&sb, "  Status:  %s\n", getString(escrow, "status"))
	if amount, ok := getFloat(escrow, "amount"); ok {
		fmt.Fprintf(&sb, "  Amount:  %g %s\n", amount, getString(escrow, "currency"))
	}
	if fee, ok := getFloat(escrow, "fee"); ok && getString(escrow, "status") != "HELD" {
		payout, _ := getFloat(escrow, "payout")
		fmt.Fprintf(&sb, "  Fee:     %g\n  Payout:  %g\n", fee, payout)
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	account := resp
	if a, ok := resp["account"].(map[string]any); ok {
		account = a
	}

	var sb strings.Builder
	sb.WriteString("Ledger account:\n")
	fmt.Fprintf(&sb, "  Id:      %s\n", getString(account, "id"))
	if balance, ok := getFloat(account, "balance"); ok {
		fmt.Fprintf(&sb, "  Balance: %.6f %s\n", balance, getString(account, "currency"))
	}
	return sb.String(), nil
}

func formatReputation(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	rep := resp
	if r, ok := resp["reputation"].(map[string]any); ok {
		rep = r
	}

	var sb strings.Builder
	sb.WriteString("Agent reputation:\n")
	fmt.Fprintf(&sb, "  DID:   %s\n", getString(rep, "did"))
	if score, ok := getFloat(rep, "score"); ok {
		fmt.Fprintf(&sb, "  Score: %.1f\n", score)
	}
	if tier := getString(rep, "tier"); tier != "" {
		fmt.Fprintf(&sb, "  Tier:  %s\n", tier)
	}
	if orders, ok := getFloat(rep, "totalOrders"); ok {
		success, _ := getFloat(rep, "successOrders")
		fmt.Fprintf(&sb, "  Orders: %.0f (%.0f successful)\n", orders, success)
	}
	if avg, ok := getFloat(rep, "avgResponseMs"); ok && avg > 0 {
		fmt.Fprintf(&sb, "  Avg response: %.0f ms\n", avg)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
