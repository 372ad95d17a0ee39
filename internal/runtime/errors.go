package runtime

import "errors"

var (
	// ErrPaymentDenied means a charge was neither covered by the ledger nor
	// paid by invoice in time.
	ErrPaymentDenied = errors.New("payment denied")
	// ErrUnsupportedChunkKind means the agent produced a chunk the turn
	// executor cannot act on (requires_input, or an unknown kind).
	ErrUnsupportedChunkKind = errors.New("unsupported chunk kind")
	// ErrAdapterFailure wraps any error raised while consuming the agent's
	// stream.
	ErrAdapterFailure = errors.New("agent adapter failure")
)

// Notices are the only texts a payer ever sees when a turn goes wrong.
const (
	PaymentFailedNotice = "Payment failed. Please try again."
	ErrorNotice         = "Sorry, an error occurred while processing your request."
)

// Outcome is how a turn terminated.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDenied    Outcome = "denied"
	OutcomeDeclined  Outcome = "declined"
	OutcomeError     Outcome = "error"
)
