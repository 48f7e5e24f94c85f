package handler

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"edupay/internal/middleware"
	"edupay/internal/service"
	"edupay/pkg/payment"

	"github.com/gin-gonic/gin"
)

type TransactionHandler struct {
	svc *service.TransactionService
}

func NewTransactionHandler(svc *service.TransactionService) *TransactionHandler {
	return &TransactionHandler{svc: svc}
}

func requestAudit(c *gin.Context) service.Audit {
	return service.Audit{
		UserID:    middleware.GetUserID(c),
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

func parsePagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}

// writeServiceError maps service errors to HTTP statuses. Anything unrecognised is logged
// and reported without detail.
func writeServiceError(c *gin.Context, err error) {
	var gwErr *payment.GatewayError
	switch {
	case errors.Is(err, service.ErrCourseNotFound), errors.Is(err, service.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrAlreadyEnrolled), errors.Is(err, service.ErrNotDeletable), errors.Is(err, service.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUnknownMethod), errors.Is(err, service.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, payment.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment method unavailable"})
	case errors.As(err, &gwErr), errors.Is(err, payment.ErrMissingApproveLink):
		log.Printf("[Transaction] gateway error: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment gateway error, please try again"})
	default:
		log.Printf("[Transaction] %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// resultBody is the client-facing view of a verification result.
func resultBody(res *service.CallbackResult) gin.H {
	body := gin.H{"result": res.Ack, "status": res.Status}
	if res.Reason != "" {
		body["reason"] = res.Reason
	}
	if res.Transaction != nil {
		body["transaction_id"] = res.Transaction.ID
		body["code"] = res.Transaction.Code
	}
	if res.Enrollment != nil {
		body["enrollment"] = res.Enrollment
	}
	return body
}

type createTransactionRequest struct {
	BankCode string `json:"bank_code"`
}

// Create handles POST /transactions/:method/:courseId.
func (h *TransactionHandler) Create(c *gin.Context) {
	courseID, ok := parseID(c, "courseId")
	if !ok {
		return
	}
	var req createTransactionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	hints := map[string]string{}
	if code := strings.TrimSpace(req.BankCode); code != "" {
		hints["bank_code"] = code
	}

	res, err := h.svc.Create(c.Request.Context(), service.CreateInput{
		UserID:   middleware.GetUserID(c),
		CourseID: courseID,
		Method:   c.Param("method"),
		Hints:    hints,
		Audit:    requestAudit(c),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	body := gin.H{
		"transaction_id": res.Transaction.ID,
		"code":           res.Transaction.Code,
		"status":         res.Transaction.Status,
	}
	if res.SessionURL != "" {
		body["session_url"] = res.SessionURL
	}
	if res.DisplayPayload != nil {
		body["display_payload"] = res.DisplayPayload
	}
	if res.Enrollment != nil {
		body["enrollment"] = res.Enrollment
	}
	c.JSON(http.StatusCreated, body)
}

// Get handles GET /transactions/:id.
func (h *TransactionHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	t, err := h.svc.Get(c.Request.Context(), id, middleware.GetUserID(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// History handles GET /transactions/history.
func (h *TransactionHandler) History(c *gin.Context) {
	page, limit := parsePagination(c)
	list, total, err := h.svc.History(c.Request.Context(), middleware.GetUserID(c), page, limit)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": list, "total": total, "page": page, "limit": limit})
}

// Delete handles DELETE /transactions/:id. Only cancelled transactions can go.
func (h *TransactionHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), id, middleware.GetUserID(c)); err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Confirm handles POST /transactions/confirm/:id, the client's fallback when the
// gateway callback is late.
func (h *TransactionHandler) Confirm(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	res, err := h.svc.Confirm(c.Request.Context(), id, requestAudit(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resultBody(res))
}
