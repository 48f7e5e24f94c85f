package payment

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"edupay/internal/domain"
)

// TrustLevelLow marks outcomes that were not verified against the bank. A manual-proof
// "verification" is only an operator's or the payer's word; real bank reconciliation
// would close this gap.
const TrustLevelLow = "low"

type ManualProofConfig struct {
	BankName         string
	AccountNumber    string
	AccountHolder    string
	QRPublicID       string
	ReferencePrefix  string
	AllowSelfConfirm bool
}

// ImageURLBuilder resolves a stored image id to a delivery URL.
type ImageURLBuilder interface {
	ImageURL(publicID string, width int) string
}

// ManualProofGateway shows bank-transfer instructions and waits for an out-of-band signal.
type ManualProofGateway struct {
	cfg    ManualProofConfig
	images ImageURLBuilder
}

func NewManualProofGateway(cfg ManualProofConfig, images ImageURLBuilder) *ManualProofGateway {
	if cfg.ReferencePrefix == "" {
		cfg.ReferencePrefix = "EDU"
	}
	return &ManualProofGateway{cfg: cfg, images: images}
}

func (g *ManualProofGateway) Method() string { return domain.MethodManualProof }

// Reference is the transfer memo the payer must use. It embeds the transaction code.
func (g *ManualProofGateway) Reference(code string) string {
	return g.cfg.ReferencePrefix + "-" + code
}

func (g *ManualProofGateway) codeFromReference(ref string) string {
	ref = strings.TrimSpace(ref)
	if p := g.cfg.ReferencePrefix + "-"; strings.HasPrefix(strings.ToUpper(ref), strings.ToUpper(p)) {
		return ref[len(p):]
	}
	return ref
}

func (g *ManualProofGateway) CreateSession(_ context.Context, req SessionRequest) (*SessionResult, error) {
	if g.cfg.AccountNumber == "" || g.cfg.BankName == "" {
		return nil, ErrNotConfigured
	}
	ref := g.Reference(req.Code)
	display := map[string]interface{}{
		"bank_name":      g.cfg.BankName,
		"account_number": g.cfg.AccountNumber,
		"account_holder": g.cfg.AccountHolder,
		"amount":         req.Amount.String(),
		"currency":       req.Currency,
		"reference":      ref,
	}
	if g.cfg.QRPublicID != "" && g.images != nil {
		display["qr_image_url"] = g.images.ImageURL(g.cfg.QRPublicID, 480)
	}
	return &SessionResult{
		DisplayPayload: display,
		Details: map[string]interface{}{
			"manual.reference":   ref,
			"manual.trust_level": TrustLevelLow,
		},
	}, nil
}

type manualInbound struct {
	Reference string `json:"reference"`
	Code      string `json:"code"`
}

func referenceFrom(in InboundPayload) string {
	if r := in.Query.Get("reference"); r != "" {
		return r
	}
	if c := in.Query.Get("code"); c != "" {
		return c
	}
	if len(in.Body) > 0 {
		var b manualInbound
		if err := json.Unmarshal(in.Body, &b); err == nil {
			if b.Reference != "" {
				return b.Reference
			}
			return b.Code
		}
	}
	return ""
}

func (g *ManualProofGateway) TransactionCode(_ context.Context, in InboundPayload) (string, error) {
	ref := referenceFrom(in)
	if ref == "" {
		return "", ErrUnknownReference
	}
	return g.codeFromReference(ref), nil
}

// VerifyInbound accepts any operator signal, and a payer's own resubmission of the
// reference when self-confirmation is allowed. Either way the result is tagged low trust.
func (g *ManualProofGateway) VerifyInbound(_ context.Context, exp Expected, in InboundPayload) (*VerificationOutcome, error) {
	details := map[string]interface{}{"manual.trust_level": TrustLevelLow}
	if in.ReceiptURL != "" {
		details["manual.receipt_url"] = in.ReceiptURL
	}

	out := &VerificationOutcome{TransactionCode: exp.Code, Details: details}
	switch {
	case in.Operator:
		details["manual.verified_by"] = "operator"
		details["manual.operator_id"] = strconv.FormatUint(uint64(in.OperatorID), 10)
		if in.OperatorAmount != nil {
			out.GatewayAmount = *in.OperatorAmount
			out.GatewayCurrency = exp.Currency
			out.AmountReported = true
		}
		out.Success = true
		out.Disposition = DispositionPaid
		out.GatewayStatus = "OPERATOR_CONFIRMED"
	default:
		ref := referenceFrom(in)
		want := detailString(exp.Details, "manual.reference")
		if want == "" {
			want = g.Reference(exp.Code)
		}
		if !strings.EqualFold(strings.TrimSpace(ref), want) && g.codeFromReference(ref) != exp.Code {
			return rejected(exp.Code, "reference does not match transaction"), nil
		}
		if !g.cfg.AllowSelfConfirm {
			out.Disposition = DispositionPending
			out.GatewayStatus = "AWAITING_REVIEW"
			out.RejectionReason = "awaiting operator confirmation"
			return out, nil
		}
		details["manual.verified_by"] = "payer_reference"
		out.Success = true
		out.Disposition = DispositionPaid
		out.GatewayStatus = "SELF_CONFIRMED"
	}
	return out, nil
}
