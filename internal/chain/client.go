package chain

import "context"

// FinalityStatus is the network's view of a submitted transfer.
type FinalityStatus string

const (
	FinalityPending FinalityStatus = "PENDING"
	FinalitySuccess FinalityStatus = "SUCCESS"
	FinalityFailed  FinalityStatus = "FAILED"
)

// Client is the narrow contract the orchestrator consumes from the payment
// network. The network guarantees a payment reference is never reused for
// two different transfers and that FinalitySuccess is irreversible.
type Client interface {
	// Submit builds, signs and submits a value transfer and returns the
	// network's unique payment reference for it.
	Submit(ctx context.Context, from, to string, lamports int64) (string, error)

	// PollFinality reports the current finality of a submitted transfer.
	PollFinality(ctx context.Context, paymentReference string) (FinalityStatus, error)

	// GetBalance returns the spendable balance of an account. Freshness is
	// best-effort; callers treat it as advisory.
	GetBalance(ctx context.Context, account string) (int64, error)
}

// Signer produces the signature for a serialized transfer message. The
// signing key never passes through this service.
type Signer interface {
	Sign(message []byte) ([]byte, error)
}
