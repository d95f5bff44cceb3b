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

// RemoteSigner delegates transfer signing to the wallet bridge: the buyer's
// key never enters this service. The bridge receives the canonical transfer
// message and returns the signed transaction.
type RemoteSigner struct {
	endpoint   string
	httpClient *http.Client
}

// NewRemoteSigner creates a signer backed by a wallet-bridge endpoint.
func NewRemoteSigner(endpoint string) *RemoteSigner {
	return &RemoteSigner{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type signRequest struct {
	Message string `json:"message"`
}

type signResponse struct {
	SignedTransaction string `json:"signed_transaction"`
	Error             string `json:"error,omitempty"`
}

// Sign sends the message to the bridge and returns the signed transaction
// bytes. Signing can require user interaction on the wallet side, hence the
// generous timeout.
func (s *RemoteSigner) Sign(message []byte) ([]byte, error) {
	body, err := json.Marshal(signRequest{
		Message: base64.StdEncoding.EncodeToString(message),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal sign request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signer returned status %d", resp.StatusCode)
	}

	var signResp signResponse
	if err := json.NewDecoder(resp.Body).Decode(&signResp); err != nil {
		return nil, fmt.Errorf("decode signer response: %w", err)
	}
	if signResp.Error != "" {
		return nil, fmt.Errorf("signer rejected transfer: %s", signResp.Error)
	}

	signed, err := base64.StdEncoding.DecodeString(signResp.SignedTransaction)
	if err != nil {
		return nil, fmt.Errorf("decode signed transaction: %w", err)
	}
	return signed, nil
}
