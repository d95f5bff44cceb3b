package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RPCClient talks JSON-RPC 2.0 to a Solana-style node endpoint.
type RPCClient struct {
	endpoint   string
	commitment string
	httpClient *http.Client
	signer     Signer
}

// NewRPCClient creates an RPC client. commitment selects the finality level
// the node reports against (e.g. "confirmed", "finalized").
func NewRPCClient(endpoint, commitment string, signer Signer) *RPCClient {
	return &RPCClient{
		endpoint:   endpoint,
		commitment: commitment,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		signer:     signer,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc %s: unexpected status %d", method, resp.StatusCode)
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("rpc %s: %s (code %d)", method, envelope.Error.Message, envelope.Error.Code)
	}

	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("unmarshal rpc result: %w", err)
		}
	}
	return nil
}

// transferMessage is the canonical form handed to the signer.
type transferMessage struct {
	From            string `json:"from"`
	To              string `json:"to"`
	Lamports        int64  `json:"lamports"`
	RecentBlockhash string `json:"recent_blockhash"`
}

// Submit builds a transfer for the latest blockhash, has the signer sign
// it, and submits it. The returned signature is the payment reference.
func (c *RPCClient) Submit(ctx context.Context, from, to string, lamports int64) (string, error) {
	var blockhashResult struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash",
		[]interface{}{map[string]string{"commitment": c.commitment}}, &blockhashResult); err != nil {
		return "", err
	}

	msg, err := json.Marshal(transferMessage{
		From:            from,
		To:              to,
		Lamports:        lamports,
		RecentBlockhash: blockhashResult.Value.Blockhash,
	})
	if err != nil {
		return "", fmt.Errorf("marshal transfer message: %w", err)
	}

	signed, err := c.signer.Sign(msg)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}

	var signature string
	if err := c.call(ctx, "sendTransaction",
		[]interface{}{base64.StdEncoding.EncodeToString(signed),
			map[string]string{"encoding": "base64", "preflightCommitment": c.commitment}},
		&signature); err != nil {
		return "", err
	}
	if signature == "" {
		return "", fmt.Errorf("sendTransaction returned empty signature")
	}

	return signature, nil
}

// PollFinality reports finality for one payment reference.
func (c *RPCClient) PollFinality(ctx context.Context, paymentReference string) (FinalityStatus, error) {
	var statusResult struct {
		Value []*struct {
			ConfirmationStatus string          `json:"confirmationStatus"`
			Err                json.RawMessage `json:"err"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getSignatureStatuses",
		[]interface{}{[]string{paymentReference},
			map[string]bool{"searchTransactionHistory": true}}, &statusResult); err != nil {
		return FinalityPending, err
	}

	if len(statusResult.Value) == 0 || statusResult.Value[0] == nil {
		return FinalityPending, nil
	}

	status := statusResult.Value[0]
	if len(status.Err) > 0 && string(status.Err) != "null" {
		return FinalityFailed, nil
	}
	if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
		return FinalitySuccess, nil
	}
	return FinalityPending, nil
}

// GetBalance returns the account's lamport balance at the configured
// commitment level.
func (c *RPCClient) GetBalance(ctx context.Context, account string) (int64, error) {
	var balanceResult struct {
		Value int64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance",
		[]interface{}{account, map[string]string{"commitment": c.commitment}}, &balanceResult); err != nil {
		return 0, err
	}
	return balanceResult.Value, nil
}
