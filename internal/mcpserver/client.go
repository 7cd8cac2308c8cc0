package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the relay.
type Config struct {
	APIURL   string // Base URL, e.g. "http://localhost:8080"
	AgentDID string // Acting agent's DID, e.g. "did:relay:..."
}

// RelayClient is a pure HTTP client for the relay API.
type RelayClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewRelayClient creates a new client for the relay.
func NewRelayClient(cfg Config) *RelayClient {
	return &RelayClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 90 * time.Second, // above the long-poll cap
		},
	}
}

// apiError represents an error response from the relay.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the relay and returns the response body.
func (c *RelayClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// Discover ranks agents for an intent.
func (c *RelayClient) Discover(ctx context.Context, intent string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if intent != "" {
		q.Set("intent", intent)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/discover", q, nil)
}

// Recommend ranks providers for the acting agent using its history.
func (c *RelayClient) Recommend(ctx context.Context, intent string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("requester", c.cfg.AgentDID)
	if intent != "" {
		q.Set("intent", intent)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/recommend", q, nil)
}

// SendMessage publishes one envelope.
func (c *RelayClient) SendMessage(ctx context.Context, envelope map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/messages", nil, envelope)
}

// PollMessages long-polls for envelopes addressed to the acting agent.
func (c *RelayClient) PollMessages(ctx context.Context, msgType, thread string, timeoutSec int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("recipient", c.cfg.AgentDID)
	if msgType != "" {
		q.Set("type", msgType)
	}
	if thread != "" {
		q.Set("thread", thread)
	}
	if timeoutSec > 0 {
		q.Set("timeout", strconv.Itoa(timeoutSec))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/messages", q, nil)
}

// VerifyPayment checks a claimed on-chain payment.
func (c *RelayClient) VerifyPayment(ctx context.Context, body map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/payments/verify", nil, body)
}

// EscrowHold places funds in escrow for a request.
func (c *RelayClient) EscrowHold(ctx context.Context, requestID, payee, amount, currency string) (json.RawMessage, error) {
	body := map[string]string{
		"requestId": requestID,
		"payer":     c.cfg.AgentDID,
		"payee":     payee,
		"amount":    amount,
	}
	if currency != "" {
		body["currency"] = currency
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrow/hold", nil, body)
}

// EscrowRelease settles a held escrow ("" or "success" pays out,
// "refund" returns the funds).
func (c *RelayClient) EscrowRelease(ctx context.Context, requestID, resolution string) (json.RawMessage, error) {
	body := map[string]string{"requestId": requestID}
	if resolution != "" {
		body["resolution"] = resolution
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrow/release", nil, body)
}

// EscrowStatus fetches one escrow record.
func (c *RelayClient) EscrowStatus(ctx context.Context, requestID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrow/"+requestID, nil, nil)
}

// LedgerBalance fetches a ledger account, defaulting to the acting agent.
func (c *RelayClient) LedgerBalance(ctx context.Context, accountID string) (json.RawMessage, error) {
	if accountID == "" {
		accountID = c.cfg.AgentDID
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/ledger/"+accountID, nil, nil)
}

// GetReputation returns the reputation record for an agent DID.
func (c *RelayClient) GetReputation(ctx context.Context, did string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/reputation/"+did, nil, nil)
}
