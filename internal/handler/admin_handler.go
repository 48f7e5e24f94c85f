package handler

import (
	"net/http"
	"strings"

	"edupay/internal/service"
	"edupay/pkg/payment"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// AdminHandler exposes the out-of-band operator actions.
type AdminHandler struct {
	svc     *service.TransactionService
	sweeper *service.StalenessSweeper
}

func NewAdminHandler(svc *service.TransactionService, sweeper *service.StalenessSweeper) *AdminHandler {
	return &AdminHandler{svc: svc, sweeper: sweeper}
}

// ConfirmTransfer handles POST /admin/transactions/:code/confirm-transfer. The optional
// amount is what actually arrived on the bank statement.
func (h *AdminHandler) ConfirmTransfer(c *gin.Context) {
	var req struct {
		Amount string `json:"amount"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	var amount *decimal.Decimal
	if s := strings.TrimSpace(req.Amount); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil || d.Sign() <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		amount = &d
	}
	res, err := h.svc.ConfirmTransfer(c.Request.Context(), c.Param("code"), amount, requestAudit(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	status := http.StatusOK
	if res.Ack == payment.AckInvalidAmount {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, resultBody(res))
}

// Refund handles POST /admin/transactions/:code/refund. It only records that money went
// back; nothing is sent to a gateway.
func (h *AdminHandler) Refund(c *gin.Context) {
	var req struct {
		Note string `json:"note"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	t, err := h.svc.MarkRefunded(c.Request.Context(), c.Param("code"), req.Note, requestAudit(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// Sweep handles POST /admin/transactions/sweep.
func (h *AdminHandler) Sweep(c *gin.Context) {
	n, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}
