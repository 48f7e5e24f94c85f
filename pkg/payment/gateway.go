package payment

import (
	"context"
	"errors"
	"net/url"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	ErrNotConfigured      = errors.New("payment gateway not configured")
	ErrMissingApproveLink = errors.New("order response has no approve link")
	ErrSignatureMismatch  = errors.New("callback signature mismatch")
	ErrUnknownReference   = errors.New("callback does not reference a known transaction")
)

// SessionRequest is what a gateway needs to open a payment session for one transaction.
type SessionRequest struct {
	TransactionID uint
	Code          string
	Amount        decimal.Decimal
	Currency      string
	Description   string
	ClientIP      string
	ReturnURL     string // the gateway sends the payer (or its notification) here
	CancelURL     string
	Hints         map[string]string // method-specific, e.g. "bank_code"
}

// SessionResult is returned to the client. Details is persisted on the transaction and
// handed back to the same gateway on verification.
type SessionResult struct {
	SessionURL     string                 `json:"session_url,omitempty"`
	DisplayPayload map[string]interface{} `json:"display_payload,omitempty"`
	Details        map[string]interface{} `json:"-"`
}

// InboundPayload is an inbound notification as received by the HTTP layer.
type InboundPayload struct {
	Query url.Values
	Body  []byte

	// Operator is set by trusted server-side callers only (admin confirmation).
	Operator   bool
	OperatorID uint
	// OperatorAmount is the amount the operator saw on the bank statement, if given.
	OperatorAmount *decimal.Decimal
	ReceiptURL     string
}

// Expected is the stored side of a verification: what the transaction says should have
// been paid. Details are the gateway's own Details as written by CreateSession.
type Expected struct {
	Code     string
	Amount   decimal.Decimal
	Currency string
	Details  map[string]interface{}
}

type Disposition string

const (
	DispositionPaid      Disposition = "paid"
	DispositionFailed    Disposition = "failed"    // gateway explicitly reports failure
	DispositionCancelled Disposition = "cancelled" // payer abandoned at the gateway
	DispositionRejected  Disposition = "rejected"  // notification is not trustworthy; no state change
	DispositionPending   Disposition = "pending"   // nothing final yet
)

type VerificationOutcome struct {
	Success         bool
	Disposition     Disposition
	TransactionCode string
	GatewayAmount   decimal.Decimal
	GatewayCurrency string
	AmountReported  bool // false when the gateway gives no amount to cross-check (manual proof)
	GatewayStatus   string
	RejectionReason string
	Details         map[string]interface{}
}

func rejected(code, reason string) *VerificationOutcome {
	return &VerificationOutcome{
		Disposition:     DispositionRejected,
		TransactionCode: code,
		RejectionReason: reason,
	}
}

// Gateway is one external payment network.
type Gateway interface {
	Method() string
	CreateSession(ctx context.Context, req SessionRequest) (*SessionResult, error)
	// TransactionCode extracts the transaction code an inbound notification refers to.
	TransactionCode(ctx context.Context, in InboundPayload) (string, error)
	VerifyInbound(ctx context.Context, exp Expected, in InboundPayload) (*VerificationOutcome, error)
}

// AckResult is the verifier's verdict, translated by an Acknowledger into the body the
// gateway expects.
type AckResult string

const (
	AckConfirmed      AckResult = "confirmed"
	AckNotFound       AckResult = "not_found"
	AckAlreadyHandled AckResult = "already_handled"
	AckInvalidAmount  AckResult = "invalid_amount"
	AckBadSignature   AckResult = "bad_signature"
	AckError          AckResult = "error"
)

// Acknowledger is implemented by gateways whose notification endpoint expects a specific
// response body.
type Acknowledger interface {
	Acknowledge(res AckResult) interface{}
}

// Registry maps a payment method onto its gateway.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gws ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway)}
	for _, g := range gws {
		r.Register(g)
	}
	return r
}

func (r *Registry) Register(g Gateway) {
	r.gateways[g.Method()] = g
}

func (r *Registry) Get(method string) (Gateway, bool) {
	g, ok := r.gateways[method]
	return g, ok
}

func (r *Registry) Methods() []string {
	out := make([]string, 0, len(r.gateways))
	for m := range r.gateways {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func detailString(details map[string]interface{}, key string) string {
	if v, ok := details[key].(string); ok {
		return v
	}
	return ""
}
