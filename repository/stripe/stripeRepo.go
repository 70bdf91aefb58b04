package striperepo

// Gateway boundary. Responses are narrowed to closed tagged variants here;
// anything the mapping does not recognize surfaces as ErrGatewayUnavailable
// rather than leaking ad hoc shapes into the services.

import "context"

type SessionStatus string

const (
	SessionPaid     SessionStatus = "paid"
	SessionExpired  SessionStatus = "expired"
	SessionOpen     SessionStatus = "open"
	SessionNotFound SessionStatus = "not_found"
)

type IntentStatus string

const (
	IntentRequiresCapture IntentStatus = "requires_capture"
	IntentSucceeded       IntentStatus = "succeeded"
	IntentCanceled        IntentStatus = "canceled"
	IntentProcessing      IntentStatus = "processing"
	IntentNotFound        IntentStatus = "not_found"
)

type Session struct {
	ID              string
	URL             string
	PaymentIntentID string
	AmountCents     int64
	Currency        string
	Status          SessionStatus
}

type CreateSessionReq struct {
	AmountCents         int64
	Currency            string
	ProductName         string
	Description         string
	DestinationAccount  string
	ApplicationFeeCents int64
	IdempotencyKey      string
	SuccessURL          string
	CancelURL           string
	Metadata            map[string]string
}

type Repo interface {
	// CreateCheckoutSession opens a checkout session with destination charge
	// and platform application fee. The idempotency key is mandatory: a
	// retried call with the same key has at most one effect.
	CreateCheckoutSession(ctx context.Context, req CreateSessionReq) (*Session, error)

	// RetrieveSession returns the authoritative session state. A missing
	// session comes back as Status == SessionNotFound, not an error.
	RetrieveSession(ctx context.Context, sessionID string) (*Session, error)

	// RetrieveIntent returns the authoritative payment-intent state.
	RetrieveIntent(ctx context.Context, intentID string) (IntentStatus, error)

	// ExpireSession closes an open checkout session so the guest can no
	// longer complete it. An already-gone session is not an error.
	ExpireSession(ctx context.Context, sessionID, idempotencyKey string) error

	// CancelIntent voids an uncaptured authorization.
	CancelIntent(ctx context.Context, intentID, idempotencyKey string) error

	// CreateRefund refunds a captured intent, reversing the host transfer.
	CreateRefund(ctx context.Context, intentID string, amountCents int64, idempotencyKey string, metadata map[string]string) (refundID string, err error)

	// VerifyWebhookSignature checks the Stripe-Signature header against the
	// raw body before any event is trusted.
	VerifyWebhookSignature(sigHeader string, body []byte) error
}
