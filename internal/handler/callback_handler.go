package handler

import (
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"edupay/internal/domain"
	"edupay/internal/middleware"
	"edupay/internal/service"
	"edupay/pkg/cloudinary"
	"edupay/pkg/payment"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	maxCallbackBody = 1 << 20
	maxReceiptSize  = 10 << 20
)

// CallbackHandler receives gateway notifications, payer returns and manual-proof
// submissions on one route per method.
type CallbackHandler struct {
	verifier    *service.CallbackVerifier
	gateways    *payment.Registry
	cloud       cloudinary.Client
	frontendURL string
}

func NewCallbackHandler(verifier *service.CallbackVerifier, gateways *payment.Registry, cloud cloudinary.Client, frontendURL string) *CallbackHandler {
	return &CallbackHandler{
		verifier:    verifier,
		gateways:    gateways,
		cloud:       cloud,
		frontendURL: strings.TrimRight(frontendURL, "/"),
	}
}

// Handle serves GET|POST /transactions/callback/:method. Server-to-server notifications
// get the gateway's acknowledgment body with 200. Browser returns (return=1) are
// redirected to the frontend result page.
func (h *CallbackHandler) Handle(c *gin.Context) {
	method := c.Param("method")
	in := payment.InboundPayload{Query: c.Request.URL.Query()}

	if c.Request.Method == http.MethodPost {
		switch c.ContentType() {
		case "multipart/form-data":
			if err := c.Request.ParseMultipartForm(maxReceiptSize); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
				return
			}
			mergeForm(in.Query, c.Request.MultipartForm.Value)
			if method == domain.MethodManualProof {
				in.ReceiptURL = h.uploadReceipt(c)
			}
		case "application/x-www-form-urlencoded":
			if err := c.Request.ParseForm(); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
				return
			}
			mergeForm(in.Query, c.Request.PostForm)
		default:
			body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
				return
			}
			in.Body = body
		}
	}

	res := h.verifier.Handle(c.Request.Context(), method, in, requestAudit(c))

	if c.Query("return") == "1" {
		c.Redirect(http.StatusFound, h.resultURL(method, res))
		return
	}
	c.JSON(http.StatusOK, h.acknowledge(method, res))
}

func mergeForm(dst url.Values, form map[string][]string) {
	for k, vs := range form {
		if _, exists := dst[k]; !exists {
			dst[k] = vs
		}
	}
}

func (h *CallbackHandler) acknowledge(method string, res *service.CallbackResult) interface{} {
	if gw, ok := h.gateways.Get(method); ok {
		if ack, ok := gw.(payment.Acknowledger); ok {
			return ack.Acknowledge(res.Ack)
		}
	}
	body := resultBody(res)
	body["received"] = true
	return body
}

func (h *CallbackHandler) resultURL(method string, res *service.CallbackResult) string {
	q := url.Values{"method": {method}, "result": {string(res.Ack)}}
	if res.Status != "" {
		q.Set("status", res.Status)
	}
	if res.Transaction != nil {
		q.Set("transaction_id", strconv.FormatUint(uint64(res.Transaction.ID), 10))
		q.Set("code", res.Transaction.Code)
	}
	return h.frontendURL + "/payment/result?" + q.Encode()
}

// uploadReceipt stores an optional "receipt" image and returns its URL. Upload problems
// are logged and the submission proceeds without a receipt.
func (h *CallbackHandler) uploadReceipt(c *gin.Context) string {
	file, err := c.FormFile("receipt")
	if err != nil || h.cloud == nil {
		return ""
	}
	f, err := file.Open()
	if err != nil {
		log.Printf("[Callback] receipt open: %v", err)
		return ""
	}
	defer f.Close()

	folder := "edupay/receipts/" + strconv.FormatUint(uint64(middleware.GetUserID(c)), 10)
	publicID := "rcpt_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	u, err := h.cloud.UploadReceipt(c.Request.Context(), f, folder, publicID)
	if err != nil {
		log.Printf("[Callback] receipt upload: %v", err)
		return ""
	}
	return u
}
