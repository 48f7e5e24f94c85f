package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"edupay/internal/domain"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type OAuthCaptureConfig struct {
	BaseURL        string
	ClientID       string
	ClientSecret   string
	BrandName      string
	TokenMargin    time.Duration // cached token is refreshed this long before expiry
	HTTPTimeout    time.Duration
	CorrelationTTL time.Duration // lifetime of the order id -> code mapping
}

// OAuthCaptureGateway drives the order → approve → capture flow of a wallet processor
// (v2 checkout orders API).
type OAuthCaptureGateway struct {
	cfg    OAuthCaptureConfig
	store  KeyStore
	retry  RetryPolicy
	tokens oauth2.TokenSource
	client *http.Client
}

// tokenFetcher always goes to the token endpoint; caching is done by the reuse source
// wrapping it so the safety margin applies.
type tokenFetcher struct {
	ctx context.Context
	cc  *clientcredentials.Config
}

func (f tokenFetcher) Token() (*oauth2.Token, error) {
	return f.cc.Token(f.ctx)
}

func NewOAuthCaptureGateway(cfg OAuthCaptureConfig, store KeyStore, retry RetryPolicy) *OAuthCaptureGateway {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	if cfg.TokenMargin <= 0 {
		cfg.TokenMargin = 5 * time.Minute
	}
	if cfg.CorrelationTTL <= 0 {
		cfg.CorrelationTTL = 3 * time.Hour
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	cfg.BaseURL = base

	tokenHTTP := &http.Client{Timeout: cfg.HTTPTimeout}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     base + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, tokenHTTP)
	tokens := oauth2.ReuseTokenSourceWithExpiry(nil, tokenFetcher{ctx: tokenCtx, cc: cc}, cfg.TokenMargin)

	return &OAuthCaptureGateway{
		cfg:    cfg,
		store:  store,
		retry:  retry,
		tokens: tokens,
		client: &http.Client{
			Timeout:   cfg.HTTPTimeout,
			Transport: &oauth2.Transport{Source: tokens, Base: http.DefaultTransport},
		},
	}
}

func (g *OAuthCaptureGateway) Method() string { return domain.MethodOAuthCapture }

func (g *OAuthCaptureGateway) configured() bool {
	return g.cfg.BaseURL != "" && g.cfg.ClientID != "" && g.cfg.ClientSecret != ""
}

type orderAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type orderLink struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

type orderCapture struct {
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Amount orderAmount `json:"amount"`
}

type orderPurchaseUnit struct {
	ReferenceID string      `json:"reference_id,omitempty"`
	CustomID    string      `json:"custom_id,omitempty"`
	Description string      `json:"description,omitempty"`
	Amount      orderAmount `json:"amount"`
	Payments    *struct {
		Captures []orderCapture `json:"captures"`
	} `json:"payments,omitempty"`
}

type orderResponse struct {
	ID            string              `json:"id"`
	Status        string              `json:"status"`
	PurchaseUnits []orderPurchaseUnit `json:"purchase_units"`
	Links         []orderLink         `json:"links"`
}

type createOrderRequest struct {
	Intent             string              `json:"intent"`
	PurchaseUnits      []orderPurchaseUnit `json:"purchase_units"`
	ApplicationContext struct {
		BrandName          string `json:"brand_name,omitempty"`
		ReturnURL          string `json:"return_url"`
		CancelURL          string `json:"cancel_url"`
		UserAction         string `json:"user_action"`
		ShippingPreference string `json:"shipping_preference"`
	} `json:"application_context"`
}

// zero-decimal currencies reject fractional values
var zeroDecimalCurrencies = map[string]bool{"JPY": true, "HUF": true, "TWD": true}

func formatOrderAmount(amount decimal.Decimal, currency string) string {
	if zeroDecimalCurrencies[currency] {
		return amount.StringFixed(0)
	}
	return amount.StringFixed(2)
}

func correlationKey(orderID string) string { return "oauth:order:" + orderID }

func (g *OAuthCaptureGateway) CreateSession(ctx context.Context, req SessionRequest) (*SessionResult, error) {
	if !g.configured() {
		return nil, ErrNotConfigured
	}
	body := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []orderPurchaseUnit{{
			ReferenceID: req.Code,
			CustomID:    req.Code,
			Description: req.Description,
			Amount:      orderAmount{CurrencyCode: req.Currency, Value: formatOrderAmount(req.Amount, req.Currency)},
		}},
	}
	body.ApplicationContext.BrandName = g.cfg.BrandName
	body.ApplicationContext.ReturnURL = req.ReturnURL
	body.ApplicationContext.CancelURL = req.CancelURL
	body.ApplicationContext.UserAction = "PAY_NOW"
	body.ApplicationContext.ShippingPreference = "NO_SHIPPING"

	var order orderResponse
	err := g.retry.Do(ctx, "oauth create order", func(ctx context.Context) error {
		return g.doJSON(ctx, http.MethodPost, "/v2/checkout/orders", req.Code, body, &order)
	})
	if err != nil {
		return nil, err
	}

	approve := ""
	for _, l := range order.Links {
		if l.Rel == "approve" {
			approve = l.Href
			break
		}
	}
	if approve == "" {
		log.Printf("[OAuthCapture] txn=%s order=%s has no approve link", req.Code, order.ID)
		return nil, ErrMissingApproveLink
	}

	if g.store != nil {
		if err := g.store.Set(ctx, correlationKey(order.ID), req.Code, g.cfg.CorrelationTTL); err != nil {
			log.Printf("[OAuthCapture] correlation write order=%s: %v", order.ID, err)
		}
	}
	log.Printf("[OAuthCapture] order created txn=%s order=%s status=%s", req.Code, order.ID, order.Status)
	return &SessionResult{
		SessionURL: approve,
		Details: map[string]interface{}{
			"oauth.order_id":    order.ID,
			"oauth.approve_url": approve,
			"oauth.status":      order.Status,
		},
	}, nil
}

type inboundOrder struct {
	OrderID string `json:"order_id"`
	Token   string `json:"token"`
}

func orderIDFrom(in InboundPayload) string {
	if id := in.Query.Get("token"); id != "" {
		return id
	}
	if len(in.Body) > 0 {
		var b inboundOrder
		if err := json.Unmarshal(in.Body, &b); err == nil {
			if b.OrderID != "" {
				return b.OrderID
			}
			return b.Token
		}
	}
	return ""
}

// TransactionCode resolves the order id in the callback to a transaction code, via the
// shared store first and the order's custom_id otherwise.
func (g *OAuthCaptureGateway) TransactionCode(ctx context.Context, in InboundPayload) (string, error) {
	orderID := orderIDFrom(in)
	if orderID == "" {
		return "", ErrUnknownReference
	}
	if g.store != nil {
		var code string
		found, err := g.store.Get(ctx, correlationKey(orderID), &code)
		if err == nil && found && code != "" {
			return code, nil
		}
	}
	order, err := g.getOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	for _, pu := range order.PurchaseUnits {
		if pu.CustomID != "" {
			return pu.CustomID, nil
		}
	}
	return "", ErrUnknownReference
}

func (g *OAuthCaptureGateway) VerifyInbound(ctx context.Context, exp Expected, in InboundPayload) (*VerificationOutcome, error) {
	if !g.configured() {
		return nil, ErrNotConfigured
	}
	orderID := orderIDFrom(in)
	if orderID == "" || orderID != detailString(exp.Details, "oauth.order_id") {
		return rejected(exp.Code, "order does not belong to transaction"), nil
	}

	order, err := g.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if in.Query.Get("cancel") == "1" && order.Status != "APPROVED" && order.Status != "COMPLETED" {
		return &VerificationOutcome{
			Disposition:     DispositionCancelled,
			TransactionCode: exp.Code,
			GatewayStatus:   order.Status,
			RejectionReason: "payer cancelled at gateway",
			Details:         map[string]interface{}{"oauth.status": order.Status},
		}, nil
	}

	if order.Status == "APPROVED" {
		captured, err := g.capture(ctx, orderID, exp.Code)
		if err != nil {
			return nil, err
		}
		order = captured
	}

	out := &VerificationOutcome{
		TransactionCode: exp.Code,
		GatewayStatus:   order.Status,
		Details:         map[string]interface{}{"oauth.status": order.Status},
	}
	switch order.Status {
	case "COMPLETED":
		capture, ok := firstCapture(order)
		if !ok {
			out.Disposition = DispositionPending
			out.RejectionReason = "order completed without capture"
			return out, nil
		}
		amt, err := decimal.NewFromString(capture.Amount.Value)
		if err != nil {
			return rejected(exp.Code, "malformed capture amount"), nil
		}
		out.GatewayAmount = amt
		out.GatewayCurrency = capture.Amount.CurrencyCode
		out.AmountReported = true
		out.Details["oauth.capture_id"] = capture.ID
		out.Details["oauth.capture_status"] = capture.Status
		switch capture.Status {
		case "COMPLETED":
			out.Success = true
			out.Disposition = DispositionPaid
		case "DECLINED", "FAILED":
			out.Disposition = DispositionFailed
			out.RejectionReason = "capture " + strings.ToLower(capture.Status)
		default:
			out.Disposition = DispositionPending
		}
	case "VOIDED":
		out.Disposition = DispositionFailed
		out.RejectionReason = "order voided"
	default:
		out.Disposition = DispositionPending
	}
	return out, nil
}

func firstCapture(o *orderResponse) (orderCapture, bool) {
	for _, pu := range o.PurchaseUnits {
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			return pu.Payments.Captures[0], true
		}
	}
	return orderCapture{}, false
}

func (g *OAuthCaptureGateway) getOrder(ctx context.Context, orderID string) (*orderResponse, error) {
	var order orderResponse
	err := g.retry.Do(ctx, "oauth get order", func(ctx context.Context) error {
		return g.doJSON(ctx, http.MethodGet, "/v2/checkout/orders/"+orderID, "", nil, &order)
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// capture is idempotent: an order that was already captured is re-read and treated as a
// normal completed order.
func (g *OAuthCaptureGateway) capture(ctx context.Context, orderID, code string) (*orderResponse, error) {
	var order orderResponse
	err := g.retry.Do(ctx, "oauth capture", func(ctx context.Context) error {
		return g.doJSON(ctx, http.MethodPost, "/v2/checkout/orders/"+orderID+"/capture", "capture-"+code, struct{}{}, &order)
	})
	var ge *GatewayError
	if errors.As(err, &ge) && ge.StatusCode == http.StatusUnprocessableEntity && hasIssue(ge.Body, "ORDER_ALREADY_CAPTURED") {
		log.Printf("[OAuthCapture] order=%s already captured", orderID)
		return g.getOrder(ctx, orderID)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

type apiErrorBody struct {
	Name    string `json:"name"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

func hasIssue(body, issue string) bool {
	var e apiErrorBody
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return false
	}
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

func (g *OAuthCaptureGateway) doJSON(ctx context.Context, method, path, requestID string, in, out interface{}) error {
	var rdr io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return &GatewayError{Op: method + " " + path, StatusCode: re.Response.StatusCode, Body: string(re.Body), Temporary: statusTemporary(re.Response.StatusCode), Err: err}
		}
		return &GatewayError{Op: method + " " + path, Temporary: true, Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("[OAuthCapture] %s %s status=%d body=%s", method, path, resp.StatusCode, string(body))
		return &GatewayError{Op: method + " " + path, StatusCode: resp.StatusCode, Body: string(body), Temporary: statusTemporary(resp.StatusCode)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
