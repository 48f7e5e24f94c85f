package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"edupay/internal/domain"

	"github.com/shopspring/decimal"
)

// KeyStore is a shared TTL store. Get reports found=false on a miss.
type KeyStore interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
}

const (
	vnpSecureHash     = "vnp_SecureHash"
	vnpSecureHashType = "vnp_SecureHashType"
	vnpSuccess        = "00"
	vnpPayerCancelled = "24"

	bankListKey = "redirect:banks"
)

type RedirectSignedConfig struct {
	TmnCode     string
	HashSecret  string
	PayURL      string
	BankListURL string
	Version     string
	Locale      string
	BankListTTL time.Duration
	HTTPTimeout time.Duration
}

// RedirectSignedGateway speaks the vnp_* signed-redirect protocol: the pay URL carries a
// canonical, HMAC-SHA512 signed query; the return redirect and IPN are verified the same way.
type RedirectSignedGateway struct {
	cfg    RedirectSignedConfig
	store  KeyStore
	client *http.Client
	retry  RetryPolicy
	now    func() time.Time
	loc    *time.Location
}

func NewRedirectSignedGateway(cfg RedirectSignedConfig, store KeyStore, retry RetryPolicy) *RedirectSignedGateway {
	if cfg.Version == "" {
		cfg.Version = "2.1.0"
	}
	if cfg.Locale == "" {
		cfg.Locale = "vn"
	}
	if cfg.BankListTTL <= 0 {
		cfg.BankListTTL = time.Hour
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	loc, err := time.LoadLocation("Asia/Ho_Chi_Minh")
	if err != nil {
		loc = time.FixedZone("ICT", 7*3600)
	}
	return &RedirectSignedGateway{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		retry:  retry,
		now:    time.Now,
		loc:    loc,
	}
}

func (g *RedirectSignedGateway) Method() string { return domain.MethodRedirectSigned }

func (g *RedirectSignedGateway) configured() bool {
	return g.cfg.TmnCode != "" && g.cfg.HashSecret != "" && g.cfg.PayURL != ""
}

// CanonicalQuery sorts params by key and joins them as k=v with values query-escaped.
func CanonicalQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		v := params.Get(k)
		if v == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v))
	}
	return b.String()
}

func (g *RedirectSignedGateway) sign(canonical string) string {
	mac := hmac.New(sha512.New, []byte(g.cfg.HashSecret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// ToMinorUnits renders amount the way the gateway expects: an integer of amount × 100.
func ToMinorUnits(amount decimal.Decimal) string {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).String()
}

func (g *RedirectSignedGateway) CreateSession(ctx context.Context, req SessionRequest) (*SessionResult, error) {
	if !g.configured() {
		return nil, ErrNotConfigured
	}
	if req.Currency != "" && req.Currency != "VND" {
		return nil, &GatewayError{Op: "redirect create", Err: fmt.Errorf("unsupported currency %s", req.Currency)}
	}
	now := g.now().In(g.loc)
	ip := req.ClientIP
	if ip == "" {
		ip = "127.0.0.1"
	}
	params := url.Values{}
	params.Set("vnp_Version", g.cfg.Version)
	params.Set("vnp_Command", "pay")
	params.Set("vnp_TmnCode", g.cfg.TmnCode)
	params.Set("vnp_Amount", ToMinorUnits(req.Amount))
	params.Set("vnp_CurrCode", "VND")
	params.Set("vnp_TxnRef", req.Code)
	params.Set("vnp_OrderInfo", orderInfo(req))
	params.Set("vnp_OrderType", "other")
	params.Set("vnp_Locale", g.cfg.Locale)
	params.Set("vnp_ReturnUrl", req.ReturnURL)
	params.Set("vnp_IpAddr", ip)
	params.Set("vnp_CreateDate", now.Format("20060102150405"))
	params.Set("vnp_ExpireDate", now.Add(15*time.Minute).Format("20060102150405"))

	details := map[string]interface{}{"redirect.amount_minor": params.Get("vnp_Amount")}
	if bank := strings.TrimSpace(req.Hints["bank_code"]); bank != "" {
		if g.bankAllowed(ctx, bank) {
			params.Set("vnp_BankCode", bank)
			details["redirect.bank_code"] = bank
		} else {
			log.Printf("[RedirectSigned] txn=%s bank_code=%s omitted", req.Code, bank)
		}
	}

	canonical := CanonicalQuery(params)
	payURL := g.cfg.PayURL + "?" + canonical + "&" + vnpSecureHash + "=" + g.sign(canonical)
	log.Printf("[RedirectSigned] session txn=%s amount=%s", req.Code, params.Get("vnp_Amount"))
	return &SessionResult{SessionURL: payURL, Details: details}, nil
}

func orderInfo(req SessionRequest) string {
	if req.Description != "" {
		return req.Description
	}
	return "Thanh toan " + req.Code
}

type bankEntry struct {
	BankCode string `json:"bank_code"`
}

// bankAllowed checks code against the gateway's bank list. Any failure fetching the list
// returns false so the optional parameter is dropped instead of failing the session.
func (g *RedirectSignedGateway) bankAllowed(ctx context.Context, code string) bool {
	banks, err := g.bankList(ctx)
	if err != nil {
		log.Printf("[RedirectSigned] bank list unavailable: %v", err)
		return false
	}
	for _, b := range banks {
		if strings.EqualFold(b, code) {
			return true
		}
	}
	return false
}

func (g *RedirectSignedGateway) bankList(ctx context.Context) ([]string, error) {
	var banks []string
	if g.store != nil {
		found, err := g.store.Get(ctx, bankListKey, &banks)
		if err == nil && found {
			return banks, nil
		}
		if err != nil {
			log.Printf("[RedirectSigned] bank list cache read: %v", err)
		}
	}
	if g.cfg.BankListURL == "" {
		return nil, fmt.Errorf("bank list url not configured")
	}
	var body []byte
	err := g.retry.Do(ctx, "bank list", func(ctx context.Context) error {
		var ferr error
		body, ferr = g.fetchBankList(ctx)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	var entries []bankEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decode bank list: %w", err)
	}
	for _, e := range entries {
		if e.BankCode != "" {
			banks = append(banks, e.BankCode)
		}
	}
	if len(banks) == 0 {
		return nil, fmt.Errorf("bank list empty")
	}
	if g.store != nil {
		if err := g.store.Set(ctx, bankListKey, banks, g.cfg.BankListTTL); err != nil {
			log.Printf("[RedirectSigned] bank list cache write: %v", err)
		}
	}
	return banks, nil
}

func (g *RedirectSignedGateway) fetchBankList(ctx context.Context) ([]byte, error) {
	form := url.Values{"tmn_code": {g.cfg.TmnCode}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BankListURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &GatewayError{Op: "bank list", Temporary: true, Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &GatewayError{Op: "bank list", StatusCode: resp.StatusCode, Body: string(body), Temporary: statusTemporary(resp.StatusCode)}
	}
	return body, nil
}

func (g *RedirectSignedGateway) TransactionCode(_ context.Context, in InboundPayload) (string, error) {
	code := in.Query.Get("vnp_TxnRef")
	if code == "" {
		return "", ErrUnknownReference
	}
	return code, nil
}

// VerifySignature recomputes the HMAC over every vnp_* parameter except the hash fields.
func (g *RedirectSignedGateway) VerifySignature(q url.Values) bool {
	got := q.Get(vnpSecureHash)
	if got == "" {
		return false
	}
	signed := url.Values{}
	for k, v := range q {
		if !strings.HasPrefix(k, "vnp_") || k == vnpSecureHash || k == vnpSecureHashType {
			continue
		}
		signed[k] = v
	}
	want, _ := hex.DecodeString(g.sign(CanonicalQuery(signed)))
	gotRaw, err := hex.DecodeString(strings.ToLower(got))
	if err != nil {
		return false
	}
	return hmac.Equal(want, gotRaw)
}

func (g *RedirectSignedGateway) VerifyInbound(_ context.Context, exp Expected, in InboundPayload) (*VerificationOutcome, error) {
	if !g.configured() {
		return nil, ErrNotConfigured
	}
	q := in.Query
	code := q.Get("vnp_TxnRef")
	if !g.VerifySignature(q) {
		return rejected(code, ErrSignatureMismatch.Error()), nil
	}
	if q.Get("vnp_TmnCode") != "" && q.Get("vnp_TmnCode") != g.cfg.TmnCode {
		return rejected(code, "merchant code mismatch"), nil
	}
	minor, err := strconv.ParseInt(q.Get("vnp_Amount"), 10, 64)
	if err != nil {
		return rejected(code, "malformed amount"), nil
	}

	responseCode := q.Get("vnp_ResponseCode")
	txStatus := q.Get("vnp_TransactionStatus")
	out := &VerificationOutcome{
		TransactionCode: code,
		GatewayAmount:   decimal.NewFromInt(minor).Div(decimal.NewFromInt(100)),
		GatewayCurrency: "VND",
		AmountReported:  true,
		GatewayStatus:   responseCode,
		Details: map[string]interface{}{
			"redirect.response_code":      responseCode,
			"redirect.transaction_status": txStatus,
			"redirect.gateway_txn_no":     q.Get("vnp_TransactionNo"),
			"redirect.bank_tran_no":       q.Get("vnp_BankTranNo"),
			"redirect.pay_date":           q.Get("vnp_PayDate"),
		},
	}
	switch {
	case responseCode == vnpSuccess && (txStatus == "" || txStatus == vnpSuccess):
		out.Success = true
		out.Disposition = DispositionPaid
	case responseCode == vnpPayerCancelled:
		out.Disposition = DispositionCancelled
		out.RejectionReason = "payer cancelled at gateway"
	default:
		out.Disposition = DispositionFailed
		out.RejectionReason = "gateway response code " + responseCode
	}
	return out, nil
}

type ipnResponse struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

// Acknowledge renders the IPN response body the gateway expects.
func (g *RedirectSignedGateway) Acknowledge(res AckResult) interface{} {
	switch res {
	case AckConfirmed:
		return ipnResponse{"00", "Confirm Success"}
	case AckNotFound:
		return ipnResponse{"01", "Order not found"}
	case AckAlreadyHandled:
		return ipnResponse{"02", "Order already confirmed"}
	case AckInvalidAmount:
		return ipnResponse{"04", "Invalid amount"}
	case AckBadSignature:
		return ipnResponse{"97", "Invalid signature"}
	default:
		return ipnResponse{"99", "Unknown error"}
	}
}
