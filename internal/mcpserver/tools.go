package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the relay MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolDiscoverAgents = mcp.NewTool("discover_agents",
	mcp.WithDescription(
		"Find agents on the relay that can handle an intent. "+
			"Results are ranked by reputation score with a bonus for agents currently online."),
	mcp.WithString("intent",
		mcp.Description("Capability to look for (e.g. 'translate', 'summarize'). Empty matches any agent.")),
	mcp.WithBoolean("personalized",
		mcp.Description("Rank providers you have successfully worked with first")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of agents to return (default 10)")),
)

var ToolSendMessage = mcp.NewTool("send_message",
	mcp.WithDescription(
		"Publish one envelope to the relay message bus. "+
			"Types follow the request lifecycle: REQUEST, OFFER, ACCEPT, RESULT (plus HELLO, STATUS, DEBATE, ERROR, REVOKE). "+
			"An ACCEPT may be rejected with a payment requirement when the relay gates acceptance on a verified payment."),
	mcp.WithString("id",
		mcp.Required(),
		mcp.Description("Unique envelope id")),
	mcp.WithString("type",
		mcp.Required(),
		mcp.Description("Envelope type (REQUEST, OFFER, ACCEPT, RESULT, ...)")),
	mcp.WithString("recipient",
		mcp.Description("Recipient agent DID; omit for a broadcast")),
	mcp.WithString("thread",
		mcp.Description("Thread id linking this envelope to a conversation")),
	mcp.WithObject("payload",
		mcp.Description("Envelope payload. For ACCEPT under payment gating: {\"request_id\", \"payment_tx\", \"payer\", \"payee\", \"amount\"}")),
)

var ToolPollMessages = mcp.NewTool("poll_messages",
	mcp.WithDescription(
		"Long-poll the relay for envelopes addressed to you (broadcasts included). "+
			"Returns immediately when buffered envelopes match, otherwise waits up to the timeout."),
	mcp.WithString("type",
		mcp.Description("Only return envelopes of this type (e.g. 'RESULT')")),
	mcp.WithString("thread",
		mcp.Description("Only return envelopes in this thread")),
	mcp.WithNumber("timeout",
		mcp.Description("Seconds to wait for a matching envelope (0 = return immediately, max 60)")),
)

var ToolVerifyPayment = mcp.NewTool("verify_payment",
	mcp.WithDescription(
		"Verify a claimed on-chain payment against chain state. "+
			"Pending outcomes (transaction not yet indexed or below the confirmation threshold) should be retried; "+
			"reverted or mismatched transfers are terminal."),
	mcp.WithString("tx_hash",
		mcp.Required(),
		mcp.Description("Transaction hash (0x..., or a 'relay:' synthetic marker)")),
	mcp.WithString("chain",
		mcp.Description("Chain name (default is the relay's configured default)")),
	mcp.WithString("token",
		mcp.Description("'USDC' (default) or 'ETH'")),
	mcp.WithString("payer",
		mcp.Description("Expected sender address")),
	mcp.WithString("payee",
		mcp.Description("Expected recipient address")),
	mcp.WithString("amount",
		mcp.Description("Expected decimal amount (e.g. '1.50')")),
	mcp.WithString("request_id",
		mcp.Description("Request id to record the payment under (required for escrow mode)")),
)

var ToolEscrowHold = mcp.NewTool("escrow_hold",
	mcp.WithDescription(
		"Hold funds in escrow for a request. You are the payer; funds stay held "+
			"until escrow_release settles them one way or the other."),
	mcp.WithString("request_id",
		mcp.Required(),
		mcp.Description("Request id the escrow is tied to")),
	mcp.WithString("payee",
		mcp.Required(),
		mcp.Description("Provider agent DID to pay on release")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount to hold (e.g. '100')")),
	mcp.WithString("currency",
		mcp.Description("Currency code (default USDC)")),
)

var ToolEscrowRelease = mcp.NewTool("escrow_release",
	mcp.WithDescription(
		"Settle a held escrow. 'success' (default) pays the provider minus the platform fee; "+
			"'refund' returns the full amount to the payer. Each escrow settles exactly once."),
	mcp.WithString("request_id",
		mcp.Required(),
		mcp.Description("Request id of the held escrow")),
	mcp.WithString("resolution",
		mcp.Description("'success' or 'refund'"),
		mcp.Enum("success", "refund")),
)

var ToolEscrowStatus = mcp.NewTool("escrow_status",
	mcp.WithDescription(
		"Check an escrow's state (HELD, RELEASED or REFUNDED) and its fee/payout split."),
	mcp.WithString("request_id",
		mcp.Required(),
		mcp.Description("Request id of the escrow")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check a ledger account balance. Defaults to your own account; "+
			"'platform' shows accumulated fees."),
	mcp.WithString("account",
		mcp.Description("Account id (agent DID or 'platform'); omit for your own")),
)

var ToolGetReputation = mcp.NewTool("get_reputation",
	mcp.WithDescription(
		"Get the reputation record for an agent: composite score (0-100), tier "+
			"(bronze/silver/gold/diamond), order counts and average response time. "+
			"Unknown agents read as a neutral 50."),
	mcp.WithString("did",
		mcp.Required(),
		mcp.Description("The agent's DID (e.g. 'did:relay:alice')")),
)
